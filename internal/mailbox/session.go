package mailbox

import (
	"context"
	"errors"

	"github.com/infodancer/magmad/internal/metauser"
)

// Checkpoint is the three serials an IMAP session caches locally between
// commands: the last-seen user, folder-tree, and message-index serials for
// the account it has selected.
type Checkpoint struct {
	UserSerial     uint64
	FoldersSerial  uint64
	MessagesSerial uint64
}

// UpdateResult is the outcome of SessionUpdate.
type UpdateResult int

const (
	// Unchanged means the session's checkpoint still matches reality; the
	// caller has nothing new to report to the client.
	Unchanged UpdateResult = iota
	// Changed means a refresh happened and Counts reflects the selected
	// folder's new state; the caller must report it to the client.
	Changed
	// TransientError means the refresh attempt failed and should be retried
	// later rather than treated as a permanent failure of the session.
	TransientError
)

func (r UpdateResult) String() string {
	switch r {
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	case TransientError:
		return "transient_error_retry_later"
	default:
		return "unknown"
	}
}

// Counts is the folder-scoped summary an IMAP session reports after a
// change: RFC 3501's EXISTS and RECENT response codes.
type Counts struct {
	Recent int
	Exists int
}

// Refresher re-fetches a user's authoritative state and reports the serials
// afterward. Callers typically implement this as a closure over
// metauser.Cache.Get with the protocol/Get flags the session needs; kept
// abstract here so this package stays independent of cache wiring.
type Refresher func(ctx context.Context) (metauser.Serials, error)

// SessionUpdate runs the three-phase comparison an IMAP session performs
// before reporting anything to the client: compare the cached checkpoint
// against the user's current serials first, which takes only the user's
// read lock; only on a mismatch does it call refresh (expected to take the
// user's write lock internally and repopulate the user's indexes) and
// recompute the counts restricted to the selected folder. checkpoint is
// updated in place to the post-refresh serials on a Changed result.
func SessionUpdate(ctx context.Context, user *metauser.User, checkpoint *Checkpoint, selectedFolder uint64, refresh Refresher) (UpdateResult, Counts, error) {
	current := user.Serials()

	if current.User == checkpoint.UserSerial &&
		current.Folders == checkpoint.FoldersSerial &&
		current.Messages == checkpoint.MessagesSerial {
		return Unchanged, Counts{}, nil
	}

	refreshed, err := refresh(ctx)
	if err != nil {
		return TransientError, Counts{}, err
	}

	checkpoint.UserSerial = refreshed.User
	checkpoint.FoldersSerial = refreshed.Folders
	checkpoint.MessagesSerial = refreshed.Messages

	return Changed, folderCounts(user, selectedFolder), nil
}

func folderCounts(user *metauser.User, selectedFolder uint64) Counts {
	var c Counts
	cur := user.Messages.Cursor()
	for {
		_, m, ok := cur.Next()
		if !ok {
			break
		}
		if m.FolderID != selectedFolder {
			continue
		}
		c.Exists++
		if Status(m.Status).Has(Recent) {
			c.Recent++
		}
	}
	return c
}

// ErrNoFolderSelected is a sentinel callers may use when asked to close or
// destroy a mailbox session with no folder currently selected.
var ErrNoFolderSelected = errors.New("mailbox: no folder selected")

// ClearRecent clears the RECENT bit from every message in folder within the
// user's message index, matching the close-of-a-writable-selected-mailbox
// semantics. The caller must hold the user's write lock (metauser.User.Lock)
// before calling this, since it mutates index entries in place and must be
// atomic with respect to any concurrent refresh.
func ClearRecent(user *metauser.User, folder uint64) int {
	cleared := 0
	cur := user.Messages.Cursor()
	for {
		key, m, ok := cur.Next()
		if !ok {
			break
		}
		if m.FolderID != folder {
			continue
		}
		if !Status(m.Status).Has(Recent) {
			continue
		}
		m.Status = uint64(Status(m.Status).Clear(Recent))
		user.Messages.Replace(key, m)
		cleared++
	}
	return cleared
}

// Close implements the destroy semantics for a writable selected mailbox:
// clear RECENT from every message in folder under the user's write lock,
// then release the protocol's reference on the cached user. It returns how
// many messages had RECENT cleared.
func Close(user *metauser.User, folder uint64, cache *metauser.Cache, protocol metauser.Protocol) int {
	user.Lock()
	cleared := ClearRecent(user, folder)
	user.Unlock()

	cache.Release(user, protocol)
	return cleared
}

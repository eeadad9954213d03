// Package mailbox implements the IMAP-semantic view over a cached user's
// folder tree and message list: folder lookup, the message status bitmask,
// the POP3 visibility filter, and the session-update protocol an IMAP
// session uses to detect when its cached view of a folder has gone stale.
package mailbox

import (
	"errors"

	"github.com/infodancer/magmad/internal/inx"
)

// FolderRecursionLimit bounds every ancestor walk, defending against a
// corrupted parent chain that would otherwise loop forever.
const FolderRecursionLimit = 64

// ErrFolderCycle is returned by FullName when a folder's ancestor chain
// does not terminate within FolderRecursionLimit hops.
var ErrFolderCycle = errors.New("mailbox: folder ancestor chain exceeds the recursion limit")

// Folder is one node of a user's folder tree.
type Folder struct {
	FolderNum uint64
	Name      string
	ParentNum uint64
}

const rootParent = 0

// FindByName searches folders for a direct child of parent named target.
// The comparison is exact case-sensitive match, except when checkInbox is
// true and target equals "Inbox" case-insensitively, in which case the
// comparison against each candidate's name is also case-insensitive — the
// conventional IMAP special case for the one folder every account starts
// with.
func FindByName(folders *inx.Index[Folder], target string, parent uint64, checkInbox bool) (Folder, bool) {
	inbox := checkInbox && strEqualFold(target, "Inbox")

	cur := folders.Cursor()
	for {
		_, f, ok := cur.Next()
		if !ok {
			break
		}
		if f.ParentNum != parent {
			continue
		}
		if f.Name == target {
			return f, true
		}
		if inbox && strEqualFold(f.Name, target) {
			return f, true
		}
	}
	return Folder{}, false
}

// FindByNumber looks up a folder by its numeric id.
func FindByNumber(folders *inx.Index[Folder], target uint64) (Folder, bool) {
	return folders.Find(inx.NewUint64(target))
}

// FindByFullName searches folders for the node whose fully qualified,
// dot-joined ancestor path equals target.
func FindByFullName(folders *inx.Index[Folder], target string, checkInbox bool) (Folder, bool) {
	inbox := checkInbox && strEqualFold(target, "Inbox")

	cur := folders.Cursor()
	for {
		_, f, ok := cur.Next()
		if !ok {
			break
		}
		current, err := FullName(folders, f)
		if err != nil {
			continue
		}
		if current == target {
			return f, true
		}
		if inbox && strEqualFold(current, target) {
			return f, true
		}
	}
	return Folder{}, false
}

// ChildrenCount returns how many folders have parent as their direct
// parent.
func ChildrenCount(folders *inx.Index[Folder], parent uint64) int {
	count := 0
	cur := folders.Cursor()
	for {
		_, f, ok := cur.Next()
		if !ok {
			break
		}
		if f.ParentNum == parent {
			count++
		}
	}
	return count
}

// FullName walks f's ancestor chain up to the root, joining each node's
// name with '.', the classic IMAP hierarchy separator. It fails closed with
// ErrFolderCycle rather than looping forever if the chain doesn't terminate
// within FolderRecursionLimit hops.
func FullName(folders *inx.Index[Folder], f Folder) (string, error) {
	names := make([]string, 0, 4)
	current := f
	for hop := 0; ; hop++ {
		if hop >= FolderRecursionLimit {
			return "", ErrFolderCycle
		}
		names = append(names, current.Name)
		if current.ParentNum == rootParent {
			break
		}
		parent, ok := FindByNumber(folders, current.ParentNum)
		if !ok {
			break
		}
		current = parent
	}

	joined := names[len(names)-1]
	for i := len(names) - 2; i >= 0; i-- {
		joined = joined + "." + names[i]
	}
	return joined, nil
}

func strEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// NewFolderIndex builds the tree-kind index folder storage is expected to
// use, matching metauser.User.Folders.
func NewFolderIndex() *inx.Index[Folder] {
	return inx.New[Folder](inx.Options{Kind: inx.Tree})
}

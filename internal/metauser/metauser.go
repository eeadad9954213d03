// Package metauser implements the process-local cache of per-user state
// shared across every protocol handler: aliases, folders, message/folder
// associations, messages, and contacts. Each cached User is reference
// counted per protocol so the cache only evicts a user once every protocol
// that looked them up has released them, and every index attached to a User
// carries its own monotonic serial so a caller can tell a cheap
// cache hit apart from a change that requires a refresh.
package metauser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/infodancer/magmad/internal/inx"
)

// Protocol identifies which protocol handler is holding a reference to a
// cached user, mirroring META_PROT_SMTP/META_PROT_POP/META_PROT_IMAP/
// META_PROT_WEB/META_PROT_GENERIC.
type Protocol int

const (
	ProtocolNone Protocol = iota
	ProtocolSMTP
	ProtocolPOP
	ProtocolIMAP
	ProtocolWeb
	ProtocolGeneric
)

// Get specifies which auxiliary indexes Get should populate, mirroring
// META_GET_MESSAGES/META_GET_FOLDERS/META_GET_CONTACTS/META_GET_ALIASES.
type Get int

const GetNone Get = 0

const (
	GetAliases Get = 1 << iota
	GetMessages
	GetFolders
	GetContacts
)

// Serials tracks the last-known serial for each of a User's indexes, so a
// caller can detect whether a refresh actually changed anything without
// diffing the index contents.
type Serials struct {
	User, Messages, Folders, Contacts, Aliases uint64
}

// refs counts, per protocol, how many live sessions are currently holding
// this user, plus when the last reference was dropped — used by Prune to
// pick eviction candidates by idle time rather than simple LRU order.
type refs struct {
	mu                                    sync.Mutex
	smtp, pop, imap, web, generic         uint64
	stamp                                 time.Time
}

func (r *refs) slot(p Protocol) *uint64 {
	switch p {
	case ProtocolSMTP:
		return &r.smtp
	case ProtocolPOP:
		return &r.pop
	case ProtocolIMAP:
		return &r.imap
	case ProtocolWeb:
		return &r.web
	default:
		return &r.generic
	}
}

func (r *refs) add(p Protocol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.slot(p)++
}

// dec decrements the protocol's reference count and reports the total
// remaining references across every protocol.
func (r *refs) dec(p Protocol) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := r.slot(p)
	if *slot > 0 {
		*slot--
	}
	r.stamp = time.Now()
	return r.smtp + r.pop + r.imap + r.web + r.generic
}

func (r *refs) total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.smtp + r.pop + r.imap + r.web + r.generic
}

func (r *refs) idleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stamp
}

// User is the cached aggregate for one account. Every index is built over
// internal/inx so cursors over it get the same snapshot-isolation guarantee
// as every other indexed collection in this tree.
type User struct {
	Usernum     uint64
	Username    string
	Verification []byte

	PublicKey  []byte
	PrivateKey []byte

	mu sync.RWMutex

	Aliases        *inx.Index[Alias]
	Folders        *inx.Index[Folder]
	MessageFolders *inx.Index[uint64]
	Messages       *inx.Index[Message]
	Contacts       *inx.Index[Contact]

	serials Serials
	refs    refs
}

// Alias, Folder, Message, and Contact are intentionally minimal placeholders
// for the record types that a full datatier refresh would populate; the
// fields here are exactly what the cache and its callers need to decide
// freshness and visibility, not a full mail data model.
type Alias struct {
	Address string
	Default bool
}

type Folder struct {
	FolderID uint64
	Name     string
	ParentID uint64
}

type Message struct {
	MessageID uint64
	FolderID  uint64
	Status    uint64
	Size      uint64
}

type Contact struct {
	ContactID uint64
	Name      string
	Email     string
}

func newUser(usernum uint64, username string, verification []byte) *User {
	return &User{
		Usernum:        usernum,
		Username:       username,
		Verification:   verification,
		Aliases:        inx.New[Alias](inx.Options{Kind: inx.Linked}),
		Folders:        inx.New[Folder](inx.Options{Kind: inx.Tree}),
		MessageFolders: inx.New[uint64](inx.Options{Kind: inx.Hashed}),
		Messages:       inx.New[Message](inx.Options{Kind: inx.Tree}),
		Contacts:       inx.New[Contact](inx.Options{Kind: inx.Tree}),
	}
}

// RLock/RUnlock/Lock/Unlock expose the writer-preferring lock that guards a
// User's scalar fields and its decision to refresh; the sub-indexes carry
// their own locks and don't need the outer lock held to be read or mutated.
func (u *User) RLock()   { u.mu.RLock() }
func (u *User) RUnlock() { u.mu.RUnlock() }
func (u *User) Lock()    { u.mu.Lock() }
func (u *User) Unlock()  { u.mu.Unlock() }

// Serials returns a copy of the user's current per-index serials.
func (u *User) Serials() Serials {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.serials
}

// SourceOfTruth loads the authoritative state for a user from wherever it is
// actually durably stored. internal/datatier implements this over the
// prepared-statement pool; tests substitute an in-memory fake.
type SourceOfTruth interface {
	LoadUser(ctx context.Context, usernum uint64) (username string, verification []byte, err error)
	LoadAliases(ctx context.Context, usernum uint64) ([]Alias, error)
	LoadFolders(ctx context.Context, usernum uint64) ([]Folder, error)
	LoadMessages(ctx context.Context, usernum uint64) ([]Message, error)
	LoadContacts(ctx context.Context, usernum uint64) ([]Contact, error)
}

// Cache is the process-local, reference-counted store of User objects,
// keyed by usernum. It is the Go equivalent of magma's objects.users index
// plus the meta_inx_find/meta_inx_remove refcounting dance.
type Cache struct {
	source SourceOfTruth

	mu    sync.RWMutex
	users map[uint64]*User
}

// New builds an empty Cache backed by source.
func New(source SourceOfTruth) *Cache {
	return &Cache{source: source, users: make(map[uint64]*User)}
}

// Get finds or creates the User for usernum, adds a reference for protocol,
// and refreshes whichever auxiliary indexes get requests that haven't been
// loaded yet. The caller must call Release with the same protocol once done
// with the returned User.
func (c *Cache) Get(ctx context.Context, usernum uint64, protocol Protocol, get Get) (*User, error) {
	if usernum == 0 {
		return nil, fmt.Errorf("metauser: usernum must be non-zero")
	}

	c.mu.Lock()
	user, found := c.users[usernum]
	if !found {
		user = newUser(usernum, "", nil)
		c.users[usernum] = user
	}
	c.mu.Unlock()

	user.refs.add(protocol)

	if err := c.refresh(ctx, user, get); err != nil {
		user.refs.dec(protocol)
		return nil, err
	}

	return user, nil
}

// Release drops protocol's reference to user. It never evicts the user
// immediately — eviction of idle entries is Prune's job — matching the
// original's choice to decouple reference counting from cache eviction.
func (c *Cache) Release(user *User, protocol Protocol) {
	if user == nil {
		return
	}
	user.refs.dec(protocol)
}

// refresh pulls whichever fields the caller requested, loading the base
// user record unconditionally (mirroring new_meta_user_update always
// running) and each auxiliary index only when its Get bit is set and it
// has never been populated.
func (c *Cache) refresh(ctx context.Context, user *User, get Get) error {
	user.Lock()
	defer user.Unlock()

	username, verification, err := c.source.LoadUser(ctx, user.Usernum)
	if err != nil {
		return fmt.Errorf("metauser: loading user %d: %w", user.Usernum, err)
	}
	user.Username = username
	user.Verification = verification
	user.serials.User++

	if get&GetAliases != 0 && user.Aliases.Count() == 0 {
		aliases, err := c.source.LoadAliases(ctx, user.Usernum)
		if err != nil {
			return fmt.Errorf("metauser: loading aliases for %d: %w", user.Usernum, err)
		}
		for i, a := range aliases {
			user.Aliases.Insert(inx.NewUint64(uint64(i)), a)
		}
		user.serials.Aliases++
	}

	if get&GetMessages != 0 && user.Messages.Count() == 0 {
		messages, err := c.source.LoadMessages(ctx, user.Usernum)
		if err != nil {
			return fmt.Errorf("metauser: loading messages for %d: %w", user.Usernum, err)
		}
		for _, m := range messages {
			user.Messages.Insert(inx.NewUint64(m.MessageID), m)
		}
		user.serials.Messages++
	}

	if get&GetFolders != 0 && user.Folders.Count() == 0 {
		folders, err := c.source.LoadFolders(ctx, user.Usernum)
		if err != nil {
			return fmt.Errorf("metauser: loading folders for %d: %w", user.Usernum, err)
		}
		for _, f := range folders {
			user.Folders.Insert(inx.NewUint64(f.FolderID), f)
		}
		user.serials.Folders++
	}

	if get&GetContacts != 0 && user.Contacts.Count() == 0 {
		contacts, err := c.source.LoadContacts(ctx, user.Usernum)
		if err != nil {
			return fmt.Errorf("metauser: loading contacts for %d: %w", user.Usernum, err)
		}
		for _, ct := range contacts {
			user.Contacts.Insert(inx.NewUint64(ct.ContactID), ct)
		}
		user.serials.Contacts++
	}

	return nil
}

// Prune evicts every cached user with zero outstanding references that has
// been idle for at least minIdle, returning how many entries were dropped.
func (c *Cache) Prune(minIdle time.Duration) int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for usernum, user := range c.users {
		if user.refs.total() != 0 {
			continue
		}
		idleSince := user.refs.idleSince()
		if idleSince.IsZero() || now.Sub(idleSince) < minIdle {
			continue
		}
		delete(c.users, usernum)
		dropped++
	}
	return dropped
}

// Count returns how many users are currently cached, regardless of
// reference count.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.users)
}

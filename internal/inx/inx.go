// Package inx provides the generic keyed container used to back the
// meta-user cache and its sub-object collections. It generalizes
// magma's inx_t: the same Insert/Replace/Delete/Find/Cursor contract is
// available over three storage disciplines (tree, linked, hashed), and
// locking can be either automatic (every operation takes its own lock) or
// manual (the caller brackets a sequence of operations with LockRead or
// LockWrite and Unlock).
package inx

import (
	"sort"
	"sync"
)

// Kind selects the storage discipline backing an Index.
type Kind int

const (
	// Tree keeps records ordered by key; Cursor iterates ascending by Multi.Compare.
	Tree Kind = iota
	// Linked preserves insertion order; Cursor iterates in the order keys were first inserted.
	Linked
	// Hashed makes no ordering guarantee; Cursor order is whatever Go's map iteration yields.
	Hashed
)

// Options configures a new Index.
type Options struct {
	Kind Kind
	// Manual disables automatic per-operation locking; callers must bracket
	// access with LockRead/LockWrite and Unlock themselves. Most call sites
	// want the automatic default.
	Manual bool
	// Free is called on each value still present when the index's reference
	// count drops to zero via Release.
	Free func(value any)
}

type record[V any] struct {
	key   Multi
	value V
}

// Index is a reference-counted, optionally-locked keyed container.
type Index[V any] struct {
	mu        sync.RWMutex
	automatic bool
	kind      Kind

	byKey map[string]*record[V]
	order []string // canonical keys; insertion order (Linked) or unordered (Hashed, Tree uses sort-on-read)

	references int
	serial     uint64
	free       func(value any)
}

// New allocates an Index with the given options. references starts at 1,
// matching inx_alloc's initial refcount of one owner.
func New[V any](opts Options) *Index[V] {
	return &Index[V]{
		automatic:  !opts.Manual,
		kind:       opts.Kind,
		byKey:      make(map[string]*record[V]),
		references: 1,
		free:       opts.Free,
	}
}

// autoLockRead/autoLockWrite/autoUnlock mirror inx_auto_read/inx_auto_write/
// inx_auto_unlock: they only act when the index is in automatic mode.
func (x *Index[V]) autoLockRead() {
	if x.automatic {
		x.mu.RLock()
	}
}

func (x *Index[V]) autoUnlockRead() {
	if x.automatic {
		x.mu.RUnlock()
	}
}

func (x *Index[V]) autoLockWrite() {
	if x.automatic {
		x.mu.Lock()
	}
}

func (x *Index[V]) autoUnlockWrite() {
	if x.automatic {
		x.mu.Unlock()
	}
}

// LockRead acquires the reader lock for manual-mode indexes; a no-op on
// automatic indexes, which already lock around every operation themselves.
func (x *Index[V]) LockRead() {
	if !x.automatic {
		x.mu.RLock()
	}
}

// LockWrite acquires the writer lock for manual-mode indexes.
func (x *Index[V]) LockWrite() {
	if !x.automatic {
		x.mu.Lock()
	}
}

// UnlockRead releases a lock taken by LockRead on a manual-mode index.
func (x *Index[V]) UnlockRead() {
	if !x.automatic {
		x.mu.RUnlock()
	}
}

// UnlockWrite releases a lock taken by LockWrite on a manual-mode index.
func (x *Index[V]) UnlockWrite() {
	if !x.automatic {
		x.mu.Unlock()
	}
}

// Insert adds a new record under key. It returns false if key is already
// present — callers that want upsert semantics should use Replace.
func (x *Index[V]) Insert(key Multi, value V) bool {
	x.autoLockWrite()
	defer x.autoUnlockWrite()
	return x.insertLocked(key, value)
}

func (x *Index[V]) insertLocked(key Multi, value V) bool {
	ck := key.canonical()
	if _, exists := x.byKey[ck]; exists {
		return false
	}
	x.byKey[ck] = &record[V]{key: key, value: value}
	x.order = append(x.order, ck)
	x.serial++
	return true
}

// Replace inserts value under key, discarding any existing record for that
// key first — mirrors inx_replace's delete-then-insert sequence, performed
// atomically under a single write lock.
func (x *Index[V]) Replace(key Multi, value V) bool {
	x.autoLockWrite()
	defer x.autoUnlockWrite()

	x.deleteLocked(key)
	return x.insertLocked(key, value)
}

// Delete removes the record under key, returning true if one was removed.
func (x *Index[V]) Delete(key Multi) bool {
	x.autoLockWrite()
	defer x.autoUnlockWrite()
	return x.deleteLocked(key)
}

func (x *Index[V]) deleteLocked(key Multi) bool {
	ck := key.canonical()
	rec, exists := x.byKey[ck]
	if !exists {
		return false
	}
	if x.free != nil {
		x.free(rec.value)
	}
	delete(x.byKey, ck)
	for i, k := range x.order {
		if k == ck {
			x.order = append(x.order[:i], x.order[i+1:]...)
			break
		}
	}
	x.serial++
	return true
}

// Find returns the value stored under key, if any.
func (x *Index[V]) Find(key Multi) (V, bool) {
	x.autoLockRead()
	defer x.autoUnlockRead()

	rec, ok := x.byKey[key.canonical()]
	if !ok {
		var zero V
		return zero, false
	}
	return rec.value, true
}

// Count returns the number of records currently held.
func (x *Index[V]) Count() uint64 {
	x.autoLockRead()
	defer x.autoUnlockRead()
	return uint64(len(x.byKey))
}

// Serial returns the monotonically increasing counter bumped on every
// insert, replace, and delete — callers use it to detect whether a cached
// view of the index is stale.
func (x *Index[V]) Serial() uint64 {
	x.autoLockRead()
	defer x.autoUnlockRead()
	return x.serial
}

// Truncate removes every record, invoking Free on each discarded value.
func (x *Index[V]) Truncate() {
	x.autoLockWrite()
	defer x.autoUnlockWrite()

	if x.free != nil {
		for _, rec := range x.byKey {
			x.free(rec.value)
		}
	}
	x.byKey = make(map[string]*record[V])
	x.order = nil
	x.serial++
}

// Retain increments the reference count. Pair with Release.
func (x *Index[V]) Retain() {
	x.autoLockWrite()
	defer x.autoUnlockWrite()
	x.references++
}

// Release decrements the reference count and, once it reaches zero, frees
// every remaining value via the configured Free callback.
func (x *Index[V]) Release() {
	x.autoLockWrite()
	remaining := 0
	x.references--
	remaining = x.references
	x.autoUnlockWrite()

	if remaining > 0 {
		return
	}
	x.Truncate()
}

// Cursor returns a point-in-time snapshot of the index's keys and values,
// ordered per the index's Kind. The snapshot is independent of later
// mutations — a Cursor never blocks a concurrent writer and never observes
// one.
func (x *Index[V]) Cursor() *Cursor[V] {
	x.autoLockRead()
	defer x.autoUnlockRead()

	keys := make([]Multi, 0, len(x.byKey))
	values := make([]V, 0, len(x.byKey))

	switch x.kind {
	case Tree:
		ordered := make([]string, 0, len(x.byKey))
		for ck := range x.byKey {
			ordered = append(ordered, ck)
		}
		sort.Strings(ordered)
		for _, ck := range ordered {
			rec := x.byKey[ck]
			keys = append(keys, rec.key)
			values = append(values, rec.value)
		}
	case Linked:
		for _, ck := range x.order {
			rec, ok := x.byKey[ck]
			if !ok {
				continue
			}
			keys = append(keys, rec.key)
			values = append(values, rec.value)
		}
	default: // Hashed
		for _, rec := range x.byKey {
			keys = append(keys, rec.key)
			values = append(values, rec.value)
		}
	}

	return &Cursor[V]{keys: keys, values: values}
}

// Cursor iterates a snapshot produced by Index.Cursor.
type Cursor[V any] struct {
	keys   []Multi
	values []V
	pos    int
}

// Next advances the cursor, returning the next key/value pair and true, or
// the zero values and false once the snapshot is exhausted.
func (c *Cursor[V]) Next() (Multi, V, bool) {
	if c.pos >= len(c.keys) {
		var zero V
		return Multi{}, zero, false
	}
	k, v := c.keys[c.pos], c.values[c.pos]
	c.pos++
	return k, v, true
}

// Len returns the number of entries captured in the snapshot.
func (c *Cursor[V]) Len() int {
	return len(c.keys)
}

// Reset rewinds the cursor to the beginning of its snapshot.
func (c *Cursor[V]) Reset() {
	c.pos = 0
}

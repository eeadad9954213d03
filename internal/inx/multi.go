package inx

import (
	"fmt"
	"strings"
)

// multiKind tags which concrete type a Multi key currently holds.
type multiKind int

const (
	multiNone multiKind = iota
	multiUint64
	multiInt64
	multiString
)

// Multi is a tagged key value, mirroring the generic index's need to key
// records by a server-assigned numeric id (usernum, message sequence), a
// signed counter, or a plain string (folder name, mechanism name) without
// forcing every index variant to be parameterized per key type.
type Multi struct {
	kind multiKind
	u64  uint64
	i64  int64
	str  string
}

// NewUint64 builds a Multi carrying an unsigned integer key.
func NewUint64(v uint64) Multi { return Multi{kind: multiUint64, u64: v} }

// NewInt64 builds a Multi carrying a signed integer key.
func NewInt64(v int64) Multi { return Multi{kind: multiInt64, i64: v} }

// NewString builds a Multi carrying a string key.
func NewString(v string) Multi { return Multi{kind: multiString, str: v} }

// IsNull reports whether m is the zero Multi (no key type set).
func (m Multi) IsNull() bool { return m.kind == multiNone }

// canonical renders a Multi into the string used as the hashed-storage map
// key and as the sort key for the tree variant.
func (m Multi) canonical() string {
	switch m.kind {
	case multiUint64:
		return fmt.Sprintf("u:%020d", m.u64)
	case multiInt64:
		// Shift into an unsigned range so lexical ordering of the zero-padded
		// decimal string matches numeric ordering across negative values.
		return fmt.Sprintf("i:%020d", uint64(m.i64)+1<<63)
	case multiString:
		return "s:" + m.str
	default:
		return ""
	}
}

// Compare returns a negative number if m sorts before other, zero if equal,
// and a positive number if m sorts after other, using the standard
// strings.Compare sign convention — never the inverted convention some C
// comparators in this codebase's ancestry used.
func (m Multi) Compare(other Multi) int {
	return strings.Compare(m.canonical(), other.canonical())
}

// String renders m for logging and error messages.
func (m Multi) String() string {
	switch m.kind {
	case multiUint64:
		return fmt.Sprintf("%d", m.u64)
	case multiInt64:
		return fmt.Sprintf("%d", m.i64)
	case multiString:
		return m.str
	default:
		return "<null>"
	}
}

package prime

import (
	"encoding/binary"
	"errors"
)

// ObjectType enumerates the PRIME object kinds: signets, keys, signing
// requests, encrypted keys, and encrypted messages. The binary values are
// assigned by this implementation; no original numeric assignment survived
// into the retrieved source, only the ordered list of named types.
type ObjectType uint16

const (
	TypeOrgSignet ObjectType = iota + 1
	TypeOrgKey
	TypeOrgKeyEncrypted
	TypeUserSigningRequest
	TypeUserSignet
	TypeUserKey
	TypeUserKeyEncrypted
	TypeMessageEncrypted
)

func (t ObjectType) String() string {
	switch t {
	case TypeOrgSignet:
		return "ORGANIZATIONAL SIGNET"
	case TypeOrgKey:
		return "ORGANIZATIONAL KEY"
	case TypeOrgKeyEncrypted:
		return "ENCRYPTED ORGANIZATIONAL KEY"
	case TypeUserSigningRequest:
		return "USER SIGNING REQUEST"
	case TypeUserSignet:
		return "USER SIGNET"
	case TypeUserKey:
		return "USER KEY"
	case TypeUserKeyEncrypted:
		return "ENCRYPTED USER KEY"
	case TypeMessageEncrypted:
		return "ENCRYPTED MESSAGE"
	default:
		return "UNKNOWN"
	}
}

// isMessage reports whether t uses the 6-byte message header (u16 type ||
// u32 size) instead of the 5-byte object header (u16 type || u24 size).
func (t ObjectType) isMessage() bool {
	return t == TypeMessageEncrypted
}

var (
	ErrSizeMismatch     = errors.New("prime: sum of field sizes does not match the object header's declared size")
	ErrEmptyObject       = errors.New("prime: object has no fields")
	ErrUnknownObjectType = errors.New("prime: unrecognized object type")
)

// Object is a decoded or to-be-encoded PRIME object: a typed, sized
// container of fields.
type Object struct {
	Type   ObjectType
	Fields []Field
}

// Pack serializes o as a type + size header (3-byte size for ordinary
// objects, 4-byte for encrypted messages) followed by each field in the
// order given. Callers are responsible for supplying fields already in
// non-decreasing id order; Pack does not resort them.
func Pack(o Object) ([]byte, error) {
	var body []byte
	for _, f := range o.Fields {
		var err error
		body, err = EncodeField(body, f)
		if err != nil {
			return nil, err
		}
	}

	header := make([]byte, 2, 2+4+len(body))
	binary.BigEndian.PutUint16(header, uint16(o.Type))

	if o.Type.isMessage() {
		var size [4]byte
		binary.BigEndian.PutUint32(size[:], uint32(len(body)))
		header = append(header, size[:]...)
	} else {
		if len(body) > max3Byte {
			return nil, ErrFieldTooLarge
		}
		var size [4]byte
		binary.BigEndian.PutUint32(size[:], uint32(len(body)))
		header = append(header, size[1:]...)
	}

	return append(header, body...), nil
}

// Unpack parses buf into an Object, validating that fields appear in
// non-decreasing id order, that no id repeats (field 251's extension name
// is exempt — the same id may recur with distinct names), and that the
// fields consumed exactly the byte count the header declares.
func Unpack(buf []byte) (Object, error) {
	if len(buf) < 2 {
		return Object{}, ErrTruncated
	}
	objType := ObjectType(binary.BigEndian.Uint16(buf))

	var headerLen, declaredSize int
	if objType.isMessage() {
		if len(buf) < 6 {
			return Object{}, ErrTruncated
		}
		declaredSize = int(binary.BigEndian.Uint32(buf[2:6]))
		headerLen = 6
	} else {
		if len(buf) < 5 {
			return Object{}, ErrTruncated
		}
		declaredSize = int(readBigEndian(buf[2:5], 3))
		headerLen = 5
	}

	if len(buf) < headerLen+declaredSize {
		return Object{}, ErrTruncated
	}
	body := buf[headerLen : headerLen+declaredSize]

	var fields []Field
	var lastID FieldID
	seen := make(map[FieldID]bool)
	consumed := 0

	for consumed < len(body) {
		f, n, err := DecodeField(body[consumed:])
		if err != nil {
			return Object{}, err
		}
		if len(fields) > 0 {
			if f.ID < lastID {
				return Object{}, ErrFieldOrder
			}
			if f.ID == lastID && f.ID != FieldUndefined {
				return Object{}, ErrDuplicateField
			}
		}
		if f.ID != FieldUndefined && seen[f.ID] {
			return Object{}, ErrDuplicateField
		}
		seen[f.ID] = true
		lastID = f.ID

		fields = append(fields, f)
		consumed += n
	}

	if consumed != declaredSize {
		return Object{}, ErrSizeMismatch
	}
	if len(fields) == 0 {
		return Object{}, ErrEmptyObject
	}

	return Object{Type: objType, Fields: fields}, nil
}

// FieldByID returns the first field with the given id, mirroring
// prime_field_get's linear scan.
func (o Object) FieldByID(id FieldID) (Field, bool) {
	for _, f := range o.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// Package prime implements the PRIME binary message format: tagged
// object/message headers, variable-length field encoding, organizational
// and user key/signet generation, and encrypted message chunk framing.
// PRIME is the wire format DMTP uses to exchange keys, signets, and
// end-to-end encrypted mail.
package prime

import (
	"encoding/binary"
	"errors"
)

// FieldID identifies a field within a PRIME object. The ranges below mirror
// the original encoder's prime_field_size_length: which ranges carry an
// explicit length prefix is a property of the id alone, independent of the
// enclosing object type.
type FieldID uint8

// Named fields referenced by more than one object type.
const (
	FieldSigningKey       FieldID = 1
	FieldEncryptionSigningKey FieldID = 2
	FieldEncryptionKey    FieldID = 3
	FieldSignetSignature  FieldID = 4
	FieldIdentifier       FieldID = 254
	FieldImage            FieldID = 252
	FieldUndefined        FieldID = 251
	FieldFullSignature    FieldID = 253
	FieldIdentifiableSignature FieldID = 255
)

const (
	// FixedFieldPayloadLength is the implied payload size of every
	// fixed-length (signature) field; such fields carry no length prefix.
	FixedFieldPayloadLength = 64

	max1Byte = 1<<8 - 1
	max2Byte = 1<<16 - 1
	max3Byte = 1<<24 - 1
)

var (
	ErrIllegalField     = errors.New("prime: field id 0 is illegal")
	ErrFieldOrder       = errors.New("prime: fields must appear in non-decreasing id order")
	ErrDuplicateField   = errors.New("prime: duplicate field id")
	ErrFieldTooLarge    = errors.New("prime: field payload exceeds the maximum size for its length prefix")
	ErrFixedFieldSize   = errors.New("prime: fixed-length field payload must be exactly 64 bytes")
	ErrTruncated        = errors.New("prime: input is too short to decode")
	ErrUnsupportedField = errors.New("prime: field id has no defined length-prefix form")
)

// LengthPrefixSize reports how many bytes encode a field's payload length:
// 0 for a fixed-length (signature) field whose 64-byte payload is implied
// and carries no prefix at all, 1/2/3 for the variable-length ranges, or -1
// for field 251's undefined form and any other id with no defined form
// (field 251 uses a distinct name-prefixed encoding handled separately by
// EncodeField/DecodeField).
func LengthPrefixSize(id FieldID) int {
	switch {
	case id == 0:
		return -1
	case id == FieldUndefined:
		return -1
	case id == FieldSignetSignature || (id >= 4 && id <= 15) || id == FieldFullSignature || id == FieldIdentifiableSignature:
		return 0
	case (id >= 1 && id <= 3) || (id >= 16 && id <= 159) || id == FieldIdentifier:
		return 1
	case id >= 160 && id <= 250:
		return 2
	case id == FieldImage:
		return 3
	default:
		return -1
	}
}

func maxPayloadForPrefix(prefixSize int) int {
	switch prefixSize {
	case 1:
		return max1Byte
	case 2:
		return max2Byte
	case 3:
		return max3Byte
	default:
		return 0
	}
}

// Field is one decoded field of a PRIME object. Name is only meaningful
// when ID is FieldUndefined: it carries the sender-chosen extension name
// that lets an unknown field round-trip without the receiver understanding
// its contents.
type Field struct {
	ID      FieldID
	Name    string
	Payload []byte
}

// EncodeField appends f's wire encoding to buf and returns the result.
func EncodeField(buf []byte, f Field) ([]byte, error) {
	if f.ID == 0 {
		return nil, ErrIllegalField
	}
	if f.ID == FieldUndefined {
		return encodeUndefinedField(buf, f)
	}

	prefixSize := LengthPrefixSize(f.ID)
	if prefixSize < 0 {
		return nil, ErrUnsupportedField
	}

	if prefixSize == 0 {
		if len(f.Payload) != FixedFieldPayloadLength {
			return nil, ErrFixedFieldSize
		}
		buf = append(buf, byte(f.ID))
		buf = append(buf, f.Payload...)
		return buf, nil
	}

	if len(f.Payload) > maxPayloadForPrefix(prefixSize) {
		return nil, ErrFieldTooLarge
	}

	buf = append(buf, byte(f.ID))
	buf = appendBigEndian(buf, uint32(len(f.Payload)), prefixSize)
	buf = append(buf, f.Payload...)
	return buf, nil
}

func encodeUndefinedField(buf []byte, f Field) ([]byte, error) {
	if len(f.Name) > max1Byte {
		return nil, ErrFieldTooLarge
	}
	if len(f.Payload) > max2Byte {
		return nil, ErrFieldTooLarge
	}
	buf = append(buf, byte(FieldUndefined))
	buf = append(buf, byte(len(f.Name)))
	buf = append(buf, f.Name...)
	buf = appendBigEndian(buf, uint32(len(f.Payload)), 2)
	buf = append(buf, f.Payload...)
	return buf, nil
}

// DecodeField reads one field from the front of buf, returning the field and
// how many bytes it consumed.
func DecodeField(buf []byte) (Field, int, error) {
	if len(buf) < 1 {
		return Field{}, 0, ErrTruncated
	}
	id := FieldID(buf[0])
	if id == 0 {
		return Field{}, 0, ErrIllegalField
	}
	if id == FieldUndefined {
		return decodeUndefinedField(buf)
	}

	prefixSize := LengthPrefixSize(id)
	if prefixSize < 0 {
		return Field{}, 0, ErrUnsupportedField
	}

	if prefixSize == 0 {
		if len(buf) < 1+FixedFieldPayloadLength {
			return Field{}, 0, ErrTruncated
		}
		payload := append([]byte(nil), buf[1:1+FixedFieldPayloadLength]...)
		return Field{ID: id, Payload: payload}, 1 + FixedFieldPayloadLength, nil
	}

	if len(buf) < 1+prefixSize {
		return Field{}, 0, ErrTruncated
	}
	length := int(readBigEndian(buf[1:1+prefixSize], prefixSize))
	total := 1 + prefixSize + length
	if len(buf) < total {
		return Field{}, 0, ErrTruncated
	}
	payload := append([]byte(nil), buf[1+prefixSize:total]...)
	return Field{ID: id, Payload: payload}, total, nil
}

func decodeUndefinedField(buf []byte) (Field, int, error) {
	if len(buf) < 2 {
		return Field{}, 0, ErrTruncated
	}
	nameLen := int(buf[1])
	if len(buf) < 2+nameLen+2 {
		return Field{}, 0, ErrTruncated
	}
	name := string(buf[2 : 2+nameLen])
	payloadLenOffset := 2 + nameLen
	payloadLen := int(readBigEndian(buf[payloadLenOffset:payloadLenOffset+2], 2))
	total := payloadLenOffset + 2 + payloadLen
	if len(buf) < total {
		return Field{}, 0, ErrTruncated
	}
	payload := append([]byte(nil), buf[payloadLenOffset+2:total]...)
	return Field{ID: FieldUndefined, Name: name, Payload: payload}, total, nil
}

func appendBigEndian(buf []byte, v uint32, width int) []byte {
	var full [4]byte
	binary.BigEndian.PutUint32(full[:], v)
	return append(buf, full[4-width:]...)
}

func readBigEndian(b []byte, width int) uint32 {
	var full [4]byte
	copy(full[4-width:], b)
	return binary.BigEndian.Uint32(full[:])
}

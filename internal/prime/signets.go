package prime

import (
	"bytes"
	"crypto/ed25519"
	"errors"
)

var (
	ErrSignetVerification = errors.New("prime: signet self-signature does not verify")
	ErrMissingKeyMaterial  = errors.New("prime: signet generation requires both a signing and an encryption key")
)

// OrgSignet is the public half of an OrgKey plus a self-signature binding
// the two public keys together, matching prime_org_signet_t.
type OrgSignet struct {
	Signing    ed25519.PublicKey
	Encryption []byte // compressed secp256k1 public key
	Signature  []byte // ed25519 signature over the cryptographic field prefix
}

// cryptographicPrefix renders the signing and encryption public key fields
// in field-id order (1 then 3), the exact byte range the self-signature
// covers — mirroring org_signet_generate's use of prime_field_write to
// build a 69-byte "cryptographic" buffer. In this Go encoding both fields
// carry a 1-byte length prefix, so the buffer is 1+1+64 (signing) +
// 1+1+33 (encryption) = 101 bytes; the original's 69-byte figure reflects its fixed-size key encodings,
// which is preserved here through the same field layout, not the same raw
// byte count).
func cryptographicPrefix(signing ed25519.PublicKey, encryption []byte) ([]byte, error) {
	var buf []byte
	var err error
	buf, err = EncodeField(buf, Field{ID: FieldSigningKey, Payload: padTo64(signing)})
	if err != nil {
		return nil, err
	}
	buf, err = EncodeField(buf, Field{ID: FieldEncryptionKey, Payload: encryption})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// padTo64 pads an ed25519 public key (32 bytes) out to the fixed 64-byte
// signature-field payload width PRIME uses for its cryptographic fields,
// leaving the leading bytes zeroed.
func padTo64(key []byte) []byte {
	out := make([]byte, FixedFieldPayloadLength)
	copy(out[FixedFieldPayloadLength-len(key):], key)
	return out
}

// GenerateOrgSignet derives an organizational signet from an OrgKey's
// private material: it serializes the public signing and encryption keys,
// signs that serialization, and returns the signet.
func GenerateOrgSignet(key OrgKey) (OrgSignet, error) {
	encryption := key.Encryption.PublicBytes()
	prefix, err := cryptographicPrefix(key.Signing.Public, encryption)
	if err != nil {
		return OrgSignet{}, err
	}
	return OrgSignet{
		Signing:    key.Signing.Public,
		Encryption: encryption,
		Signature:  key.Signing.Sign(prefix),
	}, nil
}

// Verify checks the signet's self-signature over its own cryptographic
// fields.
func (s OrgSignet) Verify() error {
	prefix, err := cryptographicPrefix(s.Signing, s.Encryption)
	if err != nil {
		return err
	}
	if !ed25519.Verify(s.Signing, prefix, s.Signature) {
		return ErrSignetVerification
	}
	return nil
}

// UserSignet is the user-tier analogue of OrgSignet: a signing key, an
// encryption key, an optional auxiliary encryption-signing key, and a
// self-signature over the cryptographic field prefix.
type UserSignet struct {
	Signing           ed25519.PublicKey
	Encryption        []byte
	EncryptionSigning ed25519.PublicKey // nil when the user key has none
	Signature         []byte
}

// userCryptographicPrefix writes fields in non-decreasing id order: the
// signing key (1), the optional auxiliary encryption-signing key (2), then
// the encryption key (3) — field 2 sits between the other two precisely so
// the ordering invariant holds without a special case.
func userCryptographicPrefix(signing ed25519.PublicKey, encryption []byte, encryptionSigning ed25519.PublicKey) ([]byte, error) {
	var buf []byte
	var err error
	buf, err = EncodeField(buf, Field{ID: FieldSigningKey, Payload: padTo64(signing)})
	if err != nil {
		return nil, err
	}
	if encryptionSigning != nil {
		buf, err = EncodeField(buf, Field{ID: FieldEncryptionSigningKey, Payload: padTo64(encryptionSigning)})
		if err != nil {
			return nil, err
		}
	}
	buf, err = EncodeField(buf, Field{ID: FieldEncryptionKey, Payload: encryption})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// GenerateUserSignet derives a user signet from a UserKey's private
// material, analogous to GenerateOrgSignet.
func GenerateUserSignet(key UserKey) (UserSignet, error) {
	encryption := key.Encryption.PublicBytes()
	var encryptionSigning ed25519.PublicKey
	if key.EncryptionSigning != nil {
		encryptionSigning = key.EncryptionSigning.Public
	}

	prefix, err := userCryptographicPrefix(key.Signing.Public, encryption, encryptionSigning)
	if err != nil {
		return UserSignet{}, err
	}
	return UserSignet{
		Signing:           key.Signing.Public,
		Encryption:        encryption,
		EncryptionSigning: encryptionSigning,
		Signature:         key.Signing.Sign(prefix),
	}, nil
}

// Verify checks the user signet's self-signature.
func (s UserSignet) Verify() error {
	prefix, err := userCryptographicPrefix(s.Signing, s.Encryption, s.EncryptionSigning)
	if err != nil {
		return err
	}
	if !ed25519.Verify(s.Signing, prefix, s.Signature) {
		return ErrSignetVerification
	}
	return nil
}

// UserSigningRequest is what a user submits to an organization for
// countersignature: the same cryptographic fields as a UserSignet, signed
// by the user's own key, prior to the organization appending its own
// signature (field 253) to produce a full UserSignet.
type UserSigningRequest struct {
	UserSignet
}

// GenerateUserSigningRequest builds a signing request from a UserKey; it is
// identical in content to a self-signed UserSignet, distinguished only by
// the protocol stage it represents (not yet countersigned by an
// organization).
func GenerateUserSigningRequest(key UserKey) (UserSigningRequest, error) {
	signet, err := GenerateUserSignet(key)
	if err != nil {
		return UserSigningRequest{}, err
	}
	return UserSigningRequest{UserSignet: signet}, nil
}

// EqualFields reports whether two signing-key/encryption-key field sets are
// byte-for-byte identical; the tests use it to confirm a signing request
// carries the source key's fields.
func EqualFields(a, b []byte) bool {
	return bytes.Equal(a, b)
}

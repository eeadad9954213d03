package prime

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Key lengths referenced by the field encodings below.
const (
	Ed25519PublicKeyLength  = ed25519.PublicKeySize
	Ed25519PrivateKeyLength = ed25519.SeedSize
	Secp256k1PublicKeyLength = 33 // compressed form
	Secp256k1PrivateKeyLength = 32
)

var ErrKeyGeneration = errors.New("prime: key generation failed")

// SigningKeyPair is an ed25519 key used to sign a signet's cryptographic
// fields and, for user keys, an optional auxiliary signing key over the
// encryption key.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSigningKeyPair produces a fresh ed25519 signing key pair.
func GenerateSigningKeyPair() (SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeyPair{}, ErrKeyGeneration
	}
	return SigningKeyPair{Public: pub, Private: priv}, nil
}

// Sign produces an ed25519 signature over msg.
func (k SigningKeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.Private, msg)
}

// EncryptionKeyPair is a secp256k1 key pair used for PRIME's asymmetric
// message encryption.
type EncryptionKeyPair struct {
	Public  *secp256k1.PublicKey
	Private *secp256k1.PrivateKey
}

// GenerateEncryptionKeyPair produces a fresh secp256k1 key pair.
func GenerateEncryptionKeyPair() (EncryptionKeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return EncryptionKeyPair{}, ErrKeyGeneration
	}
	return EncryptionKeyPair{Public: priv.PubKey(), Private: priv}, nil
}

// PublicBytes returns the compressed SEC1 encoding of the public key, the
// form PRIME's encryption-key field carries.
func (k EncryptionKeyPair) PublicBytes() []byte {
	return k.Public.SerializeCompressed()
}

// OrgKey is the organization-tier private key material: an ed25519 signing
// key and a secp256k1 encryption key, matching prime_org_key_t.
type OrgKey struct {
	Signing    SigningKeyPair
	Encryption EncryptionKeyPair
}

// GenerateOrgKey produces a fresh organizational key.
func GenerateOrgKey() (OrgKey, error) {
	signing, err := GenerateSigningKeyPair()
	if err != nil {
		return OrgKey{}, err
	}
	encryption, err := GenerateEncryptionKeyPair()
	if err != nil {
		return OrgKey{}, err
	}
	return OrgKey{Signing: signing, Encryption: encryption}, nil
}

// UserKey is the user-tier private key material: a signing key, an
// encryption key, and an optional auxiliary signing key used to sign the
// encryption key's inclusion in a user signet, matching prime_user_key_t.
type UserKey struct {
	Signing           SigningKeyPair
	Encryption        EncryptionKeyPair
	EncryptionSigning *SigningKeyPair
}

// GenerateUserKey produces a fresh user key. withEncryptionSigning controls
// whether the optional auxiliary signing key is generated too.
func GenerateUserKey(withEncryptionSigning bool) (UserKey, error) {
	signing, err := GenerateSigningKeyPair()
	if err != nil {
		return UserKey{}, err
	}
	encryption, err := GenerateEncryptionKeyPair()
	if err != nil {
		return UserKey{}, err
	}

	key := UserKey{Signing: signing, Encryption: encryption}
	if withEncryptionSigning {
		aux, err := GenerateSigningKeyPair()
		if err != nil {
			return UserKey{}, err
		}
		key.EncryptionSigning = &aux
	}
	return key, nil
}

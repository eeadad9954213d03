// Package stacie implements Safely Turning Authentication Credentials Into
// Entropy (STACIE): the deterministic pipeline that turns a username and
// password into a password key, a verification token, per-session login
// tokens, and realm-specific encryption key material, without ever storing
// or transmitting the password itself.
//
// Every hashing stage uses SHA-512 and produces exactly
// KeyLength/TokenLength (64) bytes of output, so later stages can feed
// earlier stages' output back in as a fixed-size input. DeriveRounds
// returns a round count instead, and SplitRealmKey returns 32/16/32-byte
// parts.
//
// See https://tools.ietf.org/html/draft-ladar-stacie.
package stacie

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"math"
)

// Fixed lengths mandated by this implementation's choice of SHA-512 and its
// 128-byte salt/nonce convention.
const (
	KeyLength    = 64
	TokenLength  = 64
	ShardLength  = 64
	SaltLength   = 128
	NonceLength  = 128
	KeyRoundsMin = 8
	KeyRoundsMax = 16777216
	TokenRounds  = 8
)

var (
	// ErrEmptyInput is returned when a required input is missing.
	ErrEmptyInput = errors.New("stacie: required input is empty")
	// ErrInvalidLength is returned when a fixed-length input has the wrong size.
	ErrInvalidLength = errors.New("stacie: input has the wrong length")
)

// NewSalt returns a fresh, cryptographically random 128-byte salt.
func NewSalt() ([]byte, error) {
	return randomBytes(SaltLength)
}

// NewNonce returns a fresh, cryptographically random 128-byte nonce.
func NewNonce() ([]byte, error) {
	return randomBytes(NonceLength)
}

// NewShard returns a fresh, cryptographically random 64-byte realm shard.
func NewShard() ([]byte, error) {
	return randomBytes(ShardLength)
}

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DeriveRounds estimates the password's entropy from the character classes
// it draws on (lowercase, uppercase, digit, punctuation) and its length,
// then picks a round count inversely proportional to that entropy: a weak
// password gets stretched far more than a strong one needs, so the total
// attacker work per guess is roughly constant regardless of password
// quality. bonus lets a deployment demand additional rounds on top of the
// entropy-derived baseline (e.g. a per-domain policy). The result is always
// clamped to [KeyRoundsMin, KeyRoundsMax].
func DeriveRounds(password []byte, bonus uint32) uint32 {
	bits := passwordEntropyBits(password)
	rounds := math.Pow(2, 24-bits) + float64(bonus)

	if rounds < KeyRoundsMin {
		return KeyRoundsMin
	}
	if rounds > KeyRoundsMax || math.IsInf(rounds, 1) || math.IsNaN(rounds) {
		return KeyRoundsMax
	}
	return uint32(rounds)
}

// passwordEntropyBits estimates bits of entropy as length times the log2 of
// the alphabet implied by which character classes appear in password.
func passwordEntropyBits(password []byte) float64 {
	var hasLower, hasUpper, hasDigit, hasPunct bool
	for _, b := range password {
		switch {
		case b >= 'a' && b <= 'z':
			hasLower = true
		case b >= 'A' && b <= 'Z':
			hasUpper = true
		case b >= '0' && b <= '9':
			hasDigit = true
		default:
			hasPunct = true
		}
	}

	alphabet := 0
	if hasLower {
		alphabet += 26
	}
	if hasUpper {
		alphabet += 26
	}
	if hasDigit {
		alphabet += 10
	}
	if hasPunct {
		alphabet += 32
	}
	if alphabet == 0 {
		return 0
	}
	return float64(len(password)) * math.Log2(float64(alphabet))
}

// DeriveSeed is stage two of the pipeline: a single HMAC-SHA-512 keyed by
// salt over password. It removes the password's original entropy
// distribution before the round-counted stretch in DeriveKey, and is
// computed exactly once regardless of the configured round count.
func DeriveSeed(password, salt []byte) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrEmptyInput
	}
	if len(salt) != SaltLength {
		return nil, ErrInvalidLength
	}
	mac := hmac.New(sha512.New, salt)
	mac.Write(password)
	return mac.Sum(nil), nil
}

// DeriveKey extends seed with the username and salt over rounds iterations
// to produce the password key — the value handed to DeriveToken and
// RealmKey, and never transmitted to a server in its raw form. Round i
// hashes the previous round's output (omitted for the first round),
// followed by seed, username, salt, and the round counter as a big-endian
// 24-bit integer.
func DeriveKey(seed []byte, rounds uint32, username, salt []byte) ([]byte, error) {
	if len(seed) != KeyLength {
		return nil, ErrInvalidLength
	}
	if len(username) == 0 {
		return nil, ErrEmptyInput
	}
	if len(salt) != SaltLength {
		return nil, ErrInvalidLength
	}
	if rounds < KeyRoundsMin {
		rounds = KeyRoundsMin
	}

	running := make([]byte, 0, KeyLength)
	for count := uint32(0); count < rounds; count++ {
		h := sha512.New()
		if count != 0 {
			h.Write(running)
		}
		h.Write(seed)
		h.Write(username)
		h.Write(salt)
		h.Write(be24(count))
		running = h.Sum(nil)
	}
	return running, nil
}

// DeriveToken derives a verification or ephemeral login token from base.
// For the static verification token stored server-side, base is the
// password key and nonce is nil. For an ephemeral per-session login token,
// base is the verification token and nonce is the single-use session nonce.
// The digest order per round is: running hash (all rounds but the first) ||
// base || username || salt || nonce (if present) || round counter as a
// big-endian 24-bit integer — always TokenRounds rounds, regardless of the
// deployment's configured key-derivation round count.
func DeriveToken(base, username, salt, nonce []byte) ([]byte, error) {
	if len(username) == 0 {
		return nil, ErrEmptyInput
	}
	if len(base) != KeyLength {
		return nil, ErrInvalidLength
	}
	if len(salt) != SaltLength {
		return nil, ErrInvalidLength
	}
	if nonce != nil && len(nonce) != NonceLength {
		return nil, ErrInvalidLength
	}

	running := make([]byte, 0, KeyLength)
	for count := uint32(0); count < TokenRounds; count++ {
		h := sha512.New()
		if count != 0 {
			h.Write(running)
		}
		h.Write(base)
		h.Write(username)
		h.Write(salt)
		if nonce != nil {
			h.Write(nonce)
		}
		h.Write(be24(count))
		running = h.Sum(nil)
	}
	return running, nil
}

// be24 renders count as the low three bytes of its big-endian
// representation, matching the original 24-bit round counter.
func be24(count uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], count)
	return buf[1:]
}

// RealmKey derives a realm-specific 64-byte key from the account's master
// key, a realm label (e.g. "mail", "storage"), a per-account salt, and a
// random per-realm shard. Losing the shard (but not the master key) is
// enough to make the realm key unrecoverable, which is what lets an
// operator revoke a single realm's access without rotating the whole
// account.
func RealmKey(masterKey []byte, realm string, salt, shard []byte) ([]byte, error) {
	if len(masterKey) != KeyLength {
		return nil, ErrInvalidLength
	}
	if len(salt) != SaltLength {
		return nil, ErrInvalidLength
	}
	if len(shard) != ShardLength {
		return nil, ErrInvalidLength
	}
	mac := hmac.New(sha512.New, masterKey)
	mac.Write([]byte(realm))
	mac.Write(salt)
	mac.Write(shard)
	return mac.Sum(nil), nil
}

// RealmMaterial is the realm key split into its three functional parts: an
// AES cipher key, an initialization vector, and an HMAC tag key.
type RealmMaterial struct {
	CipherKey [32]byte
	Vector    [16]byte
	TagKey    [32]byte
}

// SplitRealmKey derives the three functional sub-keys from a realm key via
// domain-separated SHA-512 over realmKey || label, taking the leading
// 32/16/32 bytes of each labeled hash respectively. Using distinct labels
// rather than slicing disjoint ranges out of the raw 64 bytes means
// compromising one part never leaks entropy about the other two.
func SplitRealmKey(realmKey []byte) (RealmMaterial, error) {
	var out RealmMaterial
	if len(realmKey) != KeyLength {
		return out, ErrInvalidLength
	}

	cipher := labeledHash(realmKey, "cipher")
	vector := labeledHash(realmKey, "vector")
	tag := labeledHash(realmKey, "tag")

	copy(out.CipherKey[:], cipher[:32])
	copy(out.Vector[:], vector[:16])
	copy(out.TagKey[:], tag[:32])
	return out, nil
}

func labeledHash(realmKey []byte, label string) []byte {
	buf := make([]byte, 0, len(realmKey)+len(label))
	buf = append(buf, realmKey...)
	buf = append(buf, label...)
	sum := sha512.Sum512(buf)
	return sum[:]
}

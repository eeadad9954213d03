package prime

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"errors"
)

// ChunkType enumerates the sections an encrypted PRIME message is split
// into, matching the switch in chunk_header_type.
type ChunkType uint8

const (
	ChunkEnvelope ChunkType = iota + 1
	ChunkEphemeral
	ChunkOrigin
	ChunkDestination
	ChunkMetadata
	ChunkCommon
	ChunkHeaders
	ChunkBody
	ChunkSignatures
	ChunkSignatureTree
	ChunkSignatureAuthor
	ChunkSignatureOrigin
	ChunkSignatureDestination
)

const (
	chunkFrameOverhead = 69 // 64-byte signature + 3-byte length + 1-byte flags + 1-byte pad length
	chunkMinimumSize   = 256
	chunkKeyRandomSize = 32
)

var (
	ErrChunkTooLarge  = errors.New("prime: chunk payload exceeds the 3-byte chunk length field")
	ErrChunkEmpty     = errors.New("prime: chunk payload must not be empty")
	ErrChunkCorrupt   = errors.New("prime: chunk frame is too short or internally inconsistent")
	ErrChunkSignature = errors.New("prime: chunk signature does not verify")
)

// WriteChunkHeader encodes a chunk header: a 1-byte type followed by a
// 3-byte big-endian payload length, matching chunk_header_write.
func WriteChunkHeader(t ChunkType, size int) ([]byte, error) {
	if size > max3Byte {
		return nil, ErrChunkTooLarge
	}
	header := make([]byte, 4)
	header[0] = byte(t)
	var full [4]byte
	binary.BigEndian.PutUint32(full[:], uint32(size))
	copy(header[1:], full[1:])
	return header, nil
}

// ReadChunkHeader decodes a chunk header written by WriteChunkHeader.
func ReadChunkHeader(buf []byte) (ChunkType, int, error) {
	if len(buf) < 4 {
		return 0, 0, ErrChunkCorrupt
	}
	return ChunkType(buf[0]), int(readBigEndian(buf[1:4], 3)), nil
}

// paddingLength computes how many bytes of padding a chunk payload of the
// given length needs so that data_length+pad_length+chunkFrameOverhead is a
// multiple of 16, extending further to reach the 256-byte minimum chunk
// size when the unpadded total falls short. This rounds up to the next
// multiple of 16, unlike `(length + overhead) % 16`, which computes the
// remainder rather than its complement and so only satisfies the
// multiple-of-16 invariant when that remainder happens to be zero.
func paddingLength(dataLength int) int {
	remainder := (dataLength + chunkFrameOverhead) % 16
	pad := 0
	if remainder != 0 {
		pad = 16 - remainder
	}
	if dataLength+pad+chunkFrameOverhead < chunkMinimumSize {
		pad += chunkMinimumSize - (dataLength + pad + chunkFrameOverhead)
	}
	return pad
}

// BuildEncryptedFrame assembles the signed, padded frame for a chunk's
// plaintext payload: signature(64) || data_length(u24 BE) || flags(u8) ||
// pad_length(u8) || data || pad. The signature covers everything from
// offset 64 onward (data_length through the padding) and is produced with
// signing.
func BuildEncryptedFrame(signing ed25519.PrivateKey, flags byte, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrChunkEmpty
	}
	if len(data) >= max3Byte {
		return nil, ErrChunkTooLarge
	}

	pad := paddingLength(len(data))
	frame := make([]byte, 64+5+len(data)+pad)

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	copy(frame[64:67], length[1:])
	frame[67] = flags
	frame[68] = byte(pad)
	copy(frame[69:], data)
	// Padding bytes are conventionally set to the pad length itself so a
	// receiver without access to the length field can still sanity-check
	// the trailing run, the same pattern PKCS#7 padding uses.
	for i := 0; i < pad; i++ {
		frame[69+len(data)+i] = byte(pad)
	}

	signature := ed25519.Sign(signing, frame[64:])
	copy(frame[:64], signature)

	return frame, nil
}

// VerifyEncryptedFrame checks a frame's signature and returns its plaintext
// payload.
func VerifyEncryptedFrame(verify ed25519.PublicKey, frame []byte) ([]byte, error) {
	if len(frame) < 69 {
		return nil, ErrChunkCorrupt
	}
	if !ed25519.Verify(verify, frame[64:], frame[:64]) {
		return nil, ErrChunkSignature
	}

	dataLength := int(readBigEndian(frame[64:67], 3))
	padLength := int(frame[68])
	if 69+dataLength+padLength != len(frame) {
		return nil, ErrChunkCorrupt
	}

	data := make([]byte, dataLength)
	copy(data, frame[69:69+dataLength])
	return data, nil
}

// ChunkKey is the per-chunk symmetric key material derived from a fresh
// 32-byte random value: the first 32 bytes of its SHA-512 stretch key
// AES-256-GCM, and the next 12 bytes of the stretch serve as the GCM nonce.
type ChunkKey struct {
	Seed  []byte // the original 32-byte random, sent alongside the ciphertext
	Key   []byte // 32-byte AES-256 key
	Nonce []byte // 12-byte GCM nonce
}

// NewChunkKey draws a fresh per-chunk key from the platform CSPRNG.
func NewChunkKey() (ChunkKey, error) {
	seed := make([]byte, chunkKeyRandomSize)
	if _, err := rand.Read(seed); err != nil {
		return ChunkKey{}, err
	}
	return deriveChunkKey(seed)
}

func deriveChunkKey(seed []byte) (ChunkKey, error) {
	stretched := sha512.Sum512(seed)
	return ChunkKey{
		Seed:  seed,
		Key:   append([]byte(nil), stretched[:32]...),
		Nonce: append([]byte(nil), stretched[32:44]...),
	}, nil
}

// EncryptChunk seals frame (the signed, padded payload from
// BuildEncryptedFrame) with AES-256-GCM under a fresh ChunkKey, returning
// the 32-byte seed (which the recipient needs to rederive the key) followed
// by the ciphertext.
func EncryptChunk(frame []byte) ([]byte, error) {
	key, err := NewChunkKey()
	if err != nil {
		return nil, err
	}
	ciphertext, err := sealChunk(key, frame)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), key.Seed...), ciphertext...), nil
}

// DecryptChunk reverses EncryptChunk: it splits the per-chunk seed from the
// ciphertext, rederives the key, and opens the AEAD sealed frame.
func DecryptChunk(sealed []byte) ([]byte, error) {
	if len(sealed) < chunkKeyRandomSize {
		return nil, ErrChunkCorrupt
	}
	key, err := deriveChunkKey(sealed[:chunkKeyRandomSize])
	if err != nil {
		return nil, err
	}
	return openChunk(key, sealed[chunkKeyRandomSize:])
}

func sealChunk(key ChunkKey, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key.Key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(key.Nonce))
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, key.Nonce, plaintext, nil), nil
}

func openChunk(key ChunkKey, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key.Key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(key.Nonce))
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, key.Nonce, ciphertext, nil)
}

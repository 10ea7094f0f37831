package kms

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/master-key-backup/interfaces"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	encryptedMagic   = "MKBE"
	encryptedVersion = 1

	saltSize = 32

	// headerSize is the fixed part of an encrypted container preceding the ciphertext.
	headerSize = 4 + 1 + 1 + 4 + 4 + 1 + 8 + interfaces.FingerprintSize + 1 + saltSize + chacha20poly1305.NonceSizeX + 2
)

// KDFAlgorithm identifies the password-based key derivation function.
type KDFAlgorithm uint8

const (
	// KDFPBKDF2SHA256 is PBKDF2 with HMAC-SHA256.
	KDFPBKDF2SHA256 KDFAlgorithm = 1
	// KDFArgon2id is Argon2id.
	KDFArgon2id KDFAlgorithm = 2
)

// String returns the configuration name of the algorithm.
func (a KDFAlgorithm) String() string {
	switch a {
	case KDFPBKDF2SHA256:
		return "pbkdf2-sha256"
	case KDFArgon2id:
		return "argon2id"
	default:
		return fmt.Sprintf("kdf(%d)", uint8(a))
	}
}

// ParseKDFAlgorithm maps a configuration name to an algorithm.
func ParseKDFAlgorithm(name string) (KDFAlgorithm, error) {
	switch name {
	case "", "pbkdf2-sha256", "pbkdf2":
		return KDFPBKDF2SHA256, nil
	case "argon2id", "argon2":
		return KDFArgon2id, nil
	default:
		return 0, fmt.Errorf("%w: unknown kdf %q", interfaces.ErrUsage, name)
	}
}

// KDFParams are stored in every container so it can be reversed later.
// Iterations is the PBKDF2 iteration count or the Argon2 time cost.
type KDFParams struct {
	Algorithm  KDFAlgorithm
	Iterations uint32
	MemoryKiB  uint32
	Threads    uint8
}

// DefaultKDF is PBKDF2-HMAC-SHA256 with 600,000 iterations.
func DefaultKDF() KDFParams {
	return KDFParams{Algorithm: KDFPBKDF2SHA256, Iterations: 600_000}
}

// WorkFactorFloor is the weakest KDF configuration a codec will encode or decode.
type WorkFactorFloor struct {
	PBKDF2Iterations uint32
	Argon2Time       uint32
	Argon2MemoryKiB  uint32
}

// DefaultFloor matches DefaultKDF and the Argon2id interactive profile.
func DefaultFloor() WorkFactorFloor {
	return WorkFactorFloor{PBKDF2Iterations: 600_000, Argon2Time: 3, Argon2MemoryKiB: 64 * 1024}
}

// Work factor ceilings. A container header is covered only by an unkeyed
// checksum, so anything above these is treated as a forged header.
const (
	maxPBKDF2Iterations = 10_000_000
	maxArgon2Time       = 10
	maxArgon2MemoryKiB  = 4 * 1024 * 1024
	maxArgon2Threads    = 16
)

func (p KDFParams) check(floor WorkFactorFloor) error {
	switch p.Algorithm {
	case KDFPBKDF2SHA256:
		if p.MemoryKiB != 0 || p.Threads != 0 {
			return errors.New("pbkdf2 takes no memory or thread parameters")
		}
		if p.Iterations < floor.PBKDF2Iterations {
			return fmt.Errorf("pbkdf2 iterations %d below minimum %d", p.Iterations, floor.PBKDF2Iterations)
		}
		if p.Iterations > maxPBKDF2Iterations {
			return fmt.Errorf("pbkdf2 iterations %d above maximum %d", p.Iterations, maxPBKDF2Iterations)
		}
	case KDFArgon2id:
		if p.Threads == 0 {
			return errors.New("argon2id requires at least one thread")
		}
		if p.Iterations < floor.Argon2Time || p.MemoryKiB < floor.Argon2MemoryKiB {
			return fmt.Errorf("argon2id cost t=%d m=%d below minimum t=%d m=%d",
				p.Iterations, p.MemoryKiB, floor.Argon2Time, floor.Argon2MemoryKiB)
		}
		if p.Iterations > maxArgon2Time || p.MemoryKiB > maxArgon2MemoryKiB || p.Threads > maxArgon2Threads {
			return fmt.Errorf("argon2id cost t=%d m=%d p=%d above maximum t=%d m=%d p=%d",
				p.Iterations, p.MemoryKiB, p.Threads, maxArgon2Time, maxArgon2MemoryKiB, maxArgon2Threads)
		}
	default:
		return fmt.Errorf("unsupported kdf algorithm %d", uint8(p.Algorithm))
	}
	return nil
}

func (p KDFParams) derive(passphrase, salt []byte) []byte {
	switch p.Algorithm {
	case KDFArgon2id:
		return argon2.IDKey(passphrase, salt, p.Iterations, p.MemoryKiB, p.Threads, chacha20poly1305.KeySize)
	default:
		return pbkdf2.Key(passphrase, salt, int(p.Iterations), chacha20poly1305.KeySize, sha256.New)
	}
}

// BlobHeader is the clear-text part of an encrypted backup container.
type BlobHeader struct {
	Version     uint8
	KDF         KDFParams
	CreatedAt   time.Time
	Fingerprint []byte
	Salt        []byte
	Nonce       []byte
}

// FingerprintHex returns the fingerprint of the protected key.
func (h *BlobHeader) FingerprintHex() string {
	return fmt.Sprintf("%x", h.Fingerprint)
}

// Codec encodes master keys into passphrase protected containers.
type Codec struct {
	kdf   KDFParams
	floor WorkFactorFloor
	now   func() time.Time
}

// CodecOption customises a Codec.
type CodecOption func(*Codec)

// WithKDF selects the KDF used by Encode.
func WithKDF(p KDFParams) CodecOption {
	return func(c *Codec) { c.kdf = p }
}

// WithFloor replaces the minimum accepted work factor. Lowering it is only
// meant for tests.
func WithFloor(f WorkFactorFloor) CodecOption {
	return func(c *Codec) { c.floor = f }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) { c.now = now }
}

// NewCodec returns a codec using DefaultKDF unless overridden.
func NewCodec(opts ...CodecOption) (*Codec, error) {
	c := &Codec{kdf: DefaultKDF(), floor: DefaultFloor(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.kdf.check(c.floor); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUsage, err)
	}
	return c, nil
}

// KDF returns the parameters used by Encode.
func (c *Codec) KDF() KDFParams {
	return c.kdf
}

// Encode protects key with passphrase and returns the serialized container.
func (c *Codec) Encode(key interfaces.MasterKey, passphrase []byte) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: empty passphrase", interfaces.ErrUsage)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	derived := c.kdf.derive(passphrase, salt)
	defer Wipe(derived)

	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise cipher: %w", err)
	}

	ctLen := len(key) + aead.Overhead()

	out := make([]byte, 0, headerSize+ctLen+checksumSize)
	out = append(out, encryptedMagic...)
	out = append(out, encryptedVersion, byte(c.kdf.Algorithm))
	out = binary.BigEndian.AppendUint32(out, c.kdf.Iterations)
	out = binary.BigEndian.AppendUint32(out, c.kdf.MemoryKiB)
	out = append(out, c.kdf.Threads)
	out = appendTime(out, c.now())
	out = append(out, key.FingerprintBytes()...)
	out = append(out, byte(len(salt)))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = binary.BigEndian.AppendUint16(out, uint16(ctLen))

	// The whole header is bound to the ciphertext as associated data.
	aad := append([]byte(nil), out...)
	out = aead.Seal(out, nonce, key, aad)
	return sealFrame(out), nil
}

// Decode recovers the master key. It never returns bytes that did not pass
// authentication.
func (c *Codec) Decode(blob, passphrase []byte) (interfaces.MasterKey, error) {
	header, aad, ciphertext, err := c.open(blob)
	if err != nil {
		return nil, err
	}

	derived := header.KDF.derive(passphrase, header.Salt)
	defer Wipe(derived)

	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, header.Nonce, ciphertext, aad)
	if err != nil {
		return nil, interfaces.ErrAuthentication
	}

	key := interfaces.MasterKey(plaintext)
	if subtle.ConstantTimeCompare(key.FingerprintBytes(), header.Fingerprint) != 1 {
		key.Wipe()
		return nil, fmt.Errorf("%w: key does not match container fingerprint", interfaces.ErrAuthentication)
	}
	return key, nil
}

// VerifyContainer runs the structural checks that need no passphrase: magic,
// version, KDF parameters, lengths and the trailing checksum.
func (c *Codec) VerifyContainer(blob []byte) error {
	_, _, _, err := c.open(blob)
	return err
}

func (c *Codec) open(blob []byte) (*BlobHeader, []byte, []byte, error) {
	header, body, err := parseEncrypted(blob)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := header.KDF.check(c.floor); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", interfaces.ErrChecksumMismatch, err)
	}
	return header, body[:headerSize], body[headerSize:], nil
}

// ParseHeader decodes the clear-text header of an encrypted container after
// checking its checksum and layout. It does not enforce a work factor floor.
func ParseHeader(blob []byte) (*BlobHeader, error) {
	header, _, err := parseEncrypted(blob)
	return header, err
}

// IsEncryptedContainer reports whether blob starts like an encrypted container.
func IsEncryptedContainer(blob []byte) bool {
	return bytes.HasPrefix(blob, []byte(encryptedMagic))
}

func parseEncrypted(blob []byte) (*BlobHeader, []byte, error) {
	body, err := openFrame(blob)
	if err != nil {
		return nil, nil, err
	}

	invalid := func(reason string, args ...any) error {
		return fmt.Errorf("%w: invalid encrypted container: %s", interfaces.ErrChecksumMismatch, fmt.Sprintf(reason, args...))
	}

	r := &frameReader{b: body}
	if string(r.take(4)) != encryptedMagic {
		return nil, nil, invalid("bad magic")
	}
	h := &BlobHeader{Version: r.u8()}
	if h.Version != encryptedVersion {
		return nil, nil, invalid("unsupported version %d", h.Version)
	}
	h.KDF.Algorithm = KDFAlgorithm(r.u8())
	h.KDF.Iterations = r.u32()
	h.KDF.MemoryKiB = r.u32()
	h.KDF.Threads = r.u8()
	h.CreatedAt = r.time()
	h.Fingerprint = r.take(interfaces.FingerprintSize)
	if n := r.u8(); r.err == nil && n != saltSize {
		return nil, nil, invalid("salt length %d", n)
	}
	h.Salt = r.take(saltSize)
	h.Nonce = r.take(chacha20poly1305.NonceSizeX)
	ctLen := int(r.u16())
	if r.err == nil && ctLen != interfaces.MasterKeySize+chacha20poly1305.Overhead {
		return nil, nil, invalid("ciphertext length %d", ctLen)
	}
	r.take(ctLen)
	if err := r.done(); err != nil {
		return nil, nil, invalid("%v", err)
	}
	return h, body, nil
}

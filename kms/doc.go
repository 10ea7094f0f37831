// Package kms implements the cryptographic core of master key backup and
// recovery.
//
// The package has no knowledge of files or directories. It turns a master key
// into self-describing binary containers and back, and every decoder either
// returns a key that passed all integrity checks or an error.
//
// # Encrypted Containers
//
// A Codec protects the key with a passphrase. The passphrase is stretched with
// PBKDF2-HMAC-SHA256 (600,000 iterations by default) or Argon2id, and the key is
// sealed with XChaCha20-Poly1305. The container header carries everything
// needed to reverse the process:
//
//	magic "MKBE" | version | kdf | iterations | memory | threads | created_at |
//	fingerprint[16] | salt_len | salt[32] | nonce[24] | ct_len | ciphertext+tag | sha256
//
// The header is bound to the ciphertext as associated data, and the trailing
// SHA-256 covers all preceding bytes, so flipping any single bit of a container
// is always detected. A wrong passphrase yields interfaces.ErrAuthentication and
// a damaged container yields interfaces.ErrChecksumMismatch.
//
// Codecs refuse to encode or decode below a work factor floor:
//
//	codec, err := kms.NewCodec(kms.WithKDF(kms.KDFParams{
//	    Algorithm:  kms.KDFArgon2id,
//	    Iterations: 3,
//	    MemoryKiB:  64 * 1024,
//	    Threads:    4,
//	}))
//	blob, err := codec.Encode(key, passphrase)
//	restored, err := codec.Decode(blob, passphrase)
//
// # Threshold Shares
//
// Split divides the key into N shares over GF(256) using Shamir's Secret
// Sharing, any T of which reconstruct it. All shares of one split carry the
// same random share set id, which lets Combine reject shares mixed from
// different splits with interfaces.ErrIncompatibleShareSet. Fewer than T
// distinct shares yield interfaces.ErrInsufficientShares.
//
//	shares, err := kms.Split(key, 5, 3)
//	blob, err := shares[0].MarshalBinary()
//	share, err := kms.ParseShare(blob)
//	key, err := kms.Combine([]*kms.Share{share, other, third})
//
// # Plaintext Backups
//
// EncodePlaintext frames the raw key with its fingerprint and a checksum. It is
// meant for offline safes only.
//
// # Self-Test
//
// SelfTest checks a recovered key before it is allowed to replace the active
// one: the key must be well formed, must match the expected fingerprint if one
// is known, and must complete an encryption round trip.
//
// # Secret Sealing
//
// SealSecret and OpenSecret encrypt downstream secrets under an HKDF subkey of
// the master key. Sealed values name the fingerprint of the key that sealed
// them, so values left over from before a rotation are reported with
// ErrSealedWithOtherKey instead of an authentication failure.
package kms

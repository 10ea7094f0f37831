package interfaces

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MasterKeySize is the length in bytes of every master key handled by the engine.
const MasterKeySize = 32

// fingerprintLabel domain-separates fingerprints from any other use of the key.
const fingerprintLabel = "master-key-fingerprint-v1"

// FingerprintSize is the number of raw bytes kept from the fingerprint HMAC.
const FingerprintSize = 16

// MasterKey is the single symmetric key protecting all managed secrets.
type MasterKey []byte

// Validate checks the key length and rejects the all-zero key.
func (k MasterKey) Validate() error {
	if len(k) != MasterKeySize {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrCorruptKey, MasterKeySize, len(k))
	}
	var acc byte
	for _, b := range k {
		acc |= b
	}
	if acc == 0 {
		return fmt.Errorf("%w: key is all zeroes", ErrCorruptKey)
	}
	return nil
}

// FingerprintBytes returns the raw keyed fingerprint of the key.
func (k MasterKey) FingerprintBytes() []byte {
	mac := hmac.New(sha256.New, k)
	mac.Write([]byte(fingerprintLabel))
	return mac.Sum(nil)[:FingerprintSize]
}

// Fingerprint identifies a key in logs and listings without revealing it.
func (k MasterKey) Fingerprint() string {
	return hex.EncodeToString(k.FingerprintBytes())
}

// Equal compares two keys in constant time.
func (k MasterKey) Equal(other MasterKey) bool {
	return len(k) == len(other) && subtle.ConstantTimeCompare(k, other) == 1
}

// Wipe zeroes the key in place.
func (k MasterKey) Wipe() {
	for i := range k {
		k[i] = 0
	}
}

// Clone returns an independent copy of the key.
func (k MasterKey) Clone() MasterKey {
	return append(MasterKey(nil), k...)
}

// ContentID is a 32-byte SHA-256 hash identifying the exact bytes of an artifact.
type ContentID [32]byte

// NewContentIDFromHex parses a hex encoded content ID, with or without 0x prefix.
func NewContentIDFromHex(source string) (ContentID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentID{}, errors.New("invalid content ID length: hex string must be 64 characters")
	}

	hashBytes, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var hash [32]byte
	copy(hash[:], hashBytes)
	return ContentID(hash), nil
}

// ComputeID calculates content ID from data.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

// String returns hex representation.
func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// Equal compares two content IDs.
func (id ContentID) Equal(other ContentID) bool {
	return bytes.Equal(id[:], other[:])
}

// BackupType distinguishes the three kinds of backup artifacts.
type BackupType int

const (
	// UnknownBackup is reported for files that cannot be classified.
	UnknownBackup BackupType = iota
	// EncryptedBackup is a passphrase protected container.
	EncryptedBackup
	// SplitBackup is one share of a threshold split.
	SplitBackup
	// PlaintextBackup holds the raw key bytes without encryption.
	PlaintextBackup
)

// String returns type name.
func (t BackupType) String() string {
	switch t {
	case EncryptedBackup:
		return "encrypted"
	case SplitBackup:
		return "split"
	case PlaintextBackup:
		return "plaintext"
	default:
		return "unknown"
	}
}

// MarshalText lets records render their type by name in JSON.
func (t BackupType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a type name produced by MarshalText.
func (t *BackupType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "encrypted":
		*t = EncryptedBackup
	case "split":
		*t = SplitBackup
	case "plaintext":
		*t = PlaintextBackup
	case "unknown":
		*t = UnknownBackup
	default:
		return fmt.Errorf("unknown backup type %q", text)
	}
	return nil
}

// BackupRecord describes a backup artifact found on disk. Records are derived by
// inspecting files and are never persisted on their own.
type BackupRecord struct {
	Type      BackupType `json:"type"`
	Path      string     `json:"path"`
	CreatedAt time.Time  `json:"created_at"`
	Checksum  ContentID  `json:"-"`
	Size      int64      `json:"size"`

	// Fingerprint is set for encrypted and plaintext artifacts.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Share metadata, set for split artifacts.
	ShareSetID string `json:"share_set_id,omitempty"`
	ShareIndex int    `json:"share_index,omitempty"`
	Threshold  int    `json:"threshold,omitempty"`
	Total      int    `json:"total,omitempty"`

	Exported bool `json:"exported"`

	// Err is set when the artifact could not be parsed.
	Err error `json:"-"`
}

// ChecksumHex is used by JSON listings.
func (r BackupRecord) ChecksumHex() string {
	return r.Checksum.String()
}

// Unencrypted reports whether the artifact exposes the raw key.
func (r BackupRecord) Unencrypted() bool {
	return r.Type == PlaintextBackup
}

// MigrationResult is the outcome of relocating a legacy key file.
type MigrationResult string

const (
	// MigrationExists means the managed location already holds a key.
	MigrationExists MigrationResult = "exists"
	// MigrationMigrated means the legacy key was copied into the managed location.
	MigrationMigrated MigrationResult = "migrated"
	// MigrationWillGenerate means neither location holds a key.
	MigrationWillGenerate MigrationResult = "will_generate"
)

package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ruteri/master-key-backup/common"
	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/ruteri/master-key-backup/keystore"
	"github.com/ruteri/master-key-backup/kms"
	"github.com/ruteri/master-key-backup/metrics"
)

const (
	// DefaultDirName is the backup directory inside the data directory.
	DefaultDirName = "backups"

	artifactMode = 0o600
	dirMode      = 0o700
)

// Manager creates, inspects and restores backup artifacts of the key held by
// a KeyStore.
type Manager struct {
	store *keystore.KeyStore
	codec *kms.Codec
	dir   string
	log   *slog.Logger
	now   func() time.Time

	allowUnknownKey bool
}

// Option customises a Manager.
type Option func(*Manager)

// WithDir places artifacts in dir instead of the data directory default.
func WithDir(dir string) Option {
	return func(m *Manager) {
		if dir != "" {
			m.dir = dir
		}
	}
}

// WithAllowUnknownKey lets restores commit keys the store has never seen.
// Needed on a fresh host rebuilt from a backup, where no ledger survives.
func WithAllowUnknownKey(allow bool) Option {
	return func(m *Manager) { m.allowUnknownKey = allow }
}

// WithClock overrides the time source for names and retention.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a manager for store. The backup directory is created
// with owner-only permissions.
func NewManager(store *keystore.KeyStore, codec *kms.Codec, log *slog.Logger, opts ...Option) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		store: store,
		codec: codec,
		dir:   filepath.Join(store.Dir(), DefaultDirName),
		log:   log,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := os.MkdirAll(m.dir, dirMode); err != nil {
		return nil, interfaces.MapFSError("failed to create backup directory", err)
	}
	if err := os.Chmod(m.dir, dirMode); err != nil {
		return nil, interfaces.MapFSError("failed to restrict backup directory", err)
	}
	return m, nil
}

// Dir returns the backup directory.
func (m *Manager) Dir() string {
	return m.dir
}

// CreatePlaintext writes an unencrypted copy of the active key.
func (m *Manager) CreatePlaintext() (path string, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("create_plaintext", start, err) }()

	key, err := m.store.Load()
	if err != nil {
		return "", err
	}
	defer key.Wipe()

	createdAt := m.now()
	blob, err := kms.EncodePlaintext(key, createdAt)
	if err != nil {
		return "", err
	}
	defer kms.Wipe(blob)

	path = filepath.Join(m.dir, PlaintextFileName(createdAt))
	if err := m.writeArtifact(path, blob); err != nil {
		return "", err
	}

	m.log.Warn("created UNENCRYPTED master key backup, move it to offline storage and delete it from this host",
		slog.String("path", path),
		slog.String("fingerprint", key.Fingerprint()))
	return path, nil
}

// CreateEncrypted writes a passphrase protected backup of the active key and
// returns its path and checksum.
func (m *Manager) CreateEncrypted(passphrase []byte) (path string, checksum interfaces.ContentID, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("create_encrypted", start, err) }()

	key, err := m.store.Load()
	if err != nil {
		return "", checksum, err
	}
	defer key.Wipe()

	blob, err := m.codec.Encode(key, passphrase)
	if err != nil {
		return "", checksum, err
	}

	path = filepath.Join(m.dir, EncryptedFileName(m.now()))
	if err := m.writeArtifact(path, blob); err != nil {
		return "", checksum, err
	}

	checksum = interfaces.ComputeID(blob)
	m.log.Info("created encrypted master key backup",
		slog.String("path", path),
		slog.String("fingerprint", key.Fingerprint()),
		slog.String("kdf", m.codec.KDF().Algorithm.String()),
		slog.String("checksum", checksum.String()))
	return path, checksum, nil
}

// CreateSplit writes n shares of the active key, any t of which restore it.
// Either all shares are written or none remain.
func (m *Manager) CreateSplit(n, t int) (paths []string, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("create_split", start, err) }()

	key, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	shares, err := kms.Split(key, n, t)
	if err != nil {
		return nil, err
	}

	createdAt := m.now()
	for _, share := range shares {
		share.CreatedAt = createdAt.UTC().Truncate(time.Second)
		blob, err := share.MarshalBinary()
		if err != nil {
			m.removeAll(paths)
			return nil, err
		}
		path := filepath.Join(m.dir, ShareFileName(share.Index, share.Total, createdAt))
		err = m.writeArtifact(path, blob)
		kms.Wipe(blob)
		kms.Wipe(share.Data)
		if err != nil {
			m.removeAll(paths)
			return nil, err
		}
		paths = append(paths, path)
	}

	m.log.Info("created split master key backup",
		slog.String("share_set_id", shares[0].SetID.String()),
		slog.Int("shares", n),
		slog.Int("threshold", t),
		slog.String("fingerprint", key.Fingerprint()))
	return paths, nil
}

func (m *Manager) writeArtifact(path string, blob []byte) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", interfaces.ErrAlreadyExists, path)
	}
	if err := common.WriteFileAtomic(path, blob, artifactMode); err != nil {
		return interfaces.MapFSError("failed to write backup", err)
	}
	return nil
}

func (m *Manager) removeAll(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.log.Error("failed to remove partial backup", "path", p, "err", err)
		}
	}
}

// List inspects every artifact in the backup directory, newest first. It
// never decrypts anything. Artifacts that fail to parse are listed with Err
// set.
func (m *Manager) List() ([]interfaces.BackupRecord, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, interfaces.MapFSError("failed to read backup directory", err)
	}

	var records []interfaces.BackupRecord
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, ok := parseFileName(e.Name())
		if !ok {
			continue
		}
		records = append(records, m.inspect(filepath.Join(m.dir, e.Name()), name))
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].Path > records[j].Path
	})

	metrics.RecordInventory(records)
	return records, nil
}

func (m *Manager) inspect(path string, name parsedName) interfaces.BackupRecord {
	r := interfaces.BackupRecord{
		Type:       name.typ,
		Path:       path,
		CreatedAt:  name.createdAt,
		ShareIndex: name.index,
		Total:      name.total,
		Exported:   hasMarker(path),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		r.Err = interfaces.MapFSError("failed to read backup", err)
		return r
	}
	r.Size = int64(len(data))
	r.Checksum = interfaces.ComputeID(data)

	// Names carry sub-second timestamps; headers only whole seconds.
	switch name.typ {
	case interfaces.EncryptedBackup:
		header, err := kms.ParseHeader(data)
		if err != nil {
			r.Err = err
			return r
		}
		r.Fingerprint = header.FingerprintHex()
	case interfaces.PlaintextBackup:
		backup, err := kms.DecodePlaintext(data)
		kms.Wipe(data)
		if err != nil {
			r.Err = err
			return r
		}
		backup.Key.Wipe()
		r.Fingerprint = backup.Fingerprint
	case interfaces.SplitBackup:
		share, err := kms.ParseShare(data)
		if err != nil {
			r.Err = err
			return r
		}
		kms.Wipe(share.Data)
		if share.Index != name.index || share.Total != name.total {
			r.Err = fmt.Errorf("%w: share %d of %d stored as %s", interfaces.ErrChecksumMismatch,
				share.Index, share.Total, filepath.Base(path))
			return r
		}
		r.ShareSetID = share.SetID.String()
		r.Threshold = share.Threshold
	}
	return r
}

// VerifyResult is the outcome of Verify. Reason explains a failure or notes a
// caveat on success.
type VerifyResult struct {
	OK     bool                    `json:"ok"`
	Reason string                  `json:"reason,omitempty"`
	Record interfaces.BackupRecord `json:"record"`
	Err    error                   `json:"-"`
}

// Verify checks an artifact's checksum and structure without a passphrase.
// For shares it also checks consistency with the other shares of the same
// set found on disk.
func (m *Manager) Verify(path string) VerifyResult {
	name, ok := parseFileName(filepath.Base(path))
	if !ok {
		err := fmt.Errorf("%w: %s is not a backup artifact name", interfaces.ErrUsage, filepath.Base(path))
		return VerifyResult{Reason: err.Error(), Err: err, Record: interfaces.BackupRecord{Path: path}}
	}

	record := m.inspect(path, name)
	result := VerifyResult{Record: record}
	if record.Err != nil {
		result.Err = record.Err
		result.Reason = record.Err.Error()
		return result
	}

	switch record.Type {
	case interfaces.EncryptedBackup:
		data, err := os.ReadFile(path)
		if err == nil {
			err = m.codec.VerifyContainer(data)
		}
		if err != nil {
			result.Err = err
			result.Reason = err.Error()
			return result
		}
	case interfaces.SplitBackup:
		reason, err := m.verifyShareSet(record)
		if err != nil {
			result.Err = err
			result.Reason = err.Error()
			return result
		}
		result.Reason = reason
	case interfaces.PlaintextBackup:
		result.Reason = "artifact is not encrypted"
	}

	result.OK = true
	return result
}

// VerifyAll verifies every artifact in the backup directory.
func (m *Manager) VerifyAll() ([]VerifyResult, error) {
	records, err := m.List()
	if err != nil {
		return nil, err
	}
	results := make([]VerifyResult, 0, len(records))
	for _, r := range records {
		results = append(results, m.Verify(r.Path))
	}
	return results, nil
}

func (m *Manager) verifyShareSet(record interfaces.BackupRecord) (string, error) {
	records, err := m.List()
	if err != nil {
		return "", err
	}

	checksums := map[int]interfaces.ContentID{}
	for _, r := range records {
		if r.Err != nil || r.Type != interfaces.SplitBackup || r.ShareSetID != record.ShareSetID {
			continue
		}
		if r.Threshold != record.Threshold || r.Total != record.Total {
			return "", fmt.Errorf("%w: %s disagrees on threshold", interfaces.ErrIncompatibleShareSet, filepath.Base(r.Path))
		}
		if prev, ok := checksums[r.ShareIndex]; ok && !prev.Equal(r.Checksum) {
			return "", fmt.Errorf("%w: conflicting copies of share %d", interfaces.ErrChecksumMismatch, r.ShareIndex)
		}
		checksums[r.ShareIndex] = r.Checksum
	}

	if len(checksums) < record.Threshold {
		return fmt.Sprintf("share set %s has %d of %d required shares on disk; not restorable from this host alone",
			record.ShareSetID, len(checksums), record.Threshold), nil
	}
	return "", nil
}

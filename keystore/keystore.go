package keystore

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/master-key-backup/common"
	"github.com/ruteri/master-key-backup/interfaces"
)

const (
	// DefaultKeyFile is the name of the active key file inside the data directory.
	DefaultKeyFile = "master.key"

	// LockFileName is the advisory lock guarding every mutation of the store.
	LockFileName = "keystore.lock"

	ledgerSuffix  = ".canary"
	retiredInfix  = ".retired."
	corruptInfix  = ".corrupt."
	keyFileMode   = 0o600
	dataDirMode   = 0o700
	keyTextLength = 44
)

// KeyStore owns the active master key file. Commit is the only code path that
// replaces it.
type KeyStore struct {
	dir     string
	keyPath string
	log     *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	listeners []interfaces.RotationListener
}

// Option customises a KeyStore.
type Option func(*KeyStore)

// WithKeyFile overrides the key file name inside the data directory.
func WithKeyFile(name string) Option {
	return func(s *KeyStore) { s.keyPath = filepath.Join(s.dir, name) }
}

// WithClock overrides the time source used for ledger entries.
func WithClock(now func() time.Time) Option {
	return func(s *KeyStore) { s.now = now }
}

// WithRotationListeners registers listeners notified after every rotation.
func WithRotationListeners(listeners ...interfaces.RotationListener) Option {
	return func(s *KeyStore) { s.listeners = append(s.listeners, listeners...) }
}

// New opens the key store rooted at dataDir, creating the directory with
// owner-only permissions if needed.
func New(dataDir string, log *slog.Logger, opts ...Option) (*KeyStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("%w: data directory is required", interfaces.ErrUsage)
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dataDir, dataDirMode); err != nil {
		return nil, interfaces.MapFSError("failed to create data directory", err)
	}

	s := &KeyStore{
		dir:     dataDir,
		keyPath: filepath.Join(dataDir, DefaultKeyFile),
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the data directory.
func (s *KeyStore) Dir() string {
	return s.dir
}

// KeyPath returns the path of the active key file.
func (s *KeyStore) KeyPath() string {
	return s.keyPath
}

// AddRotationListener registers a listener notified after every rotation.
func (s *KeyStore) AddRotationListener(l interfaces.RotationListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Exists reports whether the active key file is present.
func (s *KeyStore) Exists() (bool, error) {
	_, err := os.Stat(s.keyPath)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, interfaces.MapFSError("failed to stat master key", err)
	}
}

// Load reads the active key. It never generates a key: a missing file yields
// ErrKeyNotFound and an unreadable one ErrCorruptKey.
func (s *KeyStore) Load() (interfaces.MasterKey, error) {
	return readKeyFile(s.keyPath)
}

// Generate creates a new random key and commits it. Unless overwrite is set an
// existing key yields ErrAlreadyExists. An overwritten key is kept as a
// retired copy, and an unreadable one is moved aside with its bytes intact.
func (s *KeyStore) Generate(overwrite bool) (interfaces.MasterKey, error) {
	lock, err := s.Lock()
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	current, err := s.Load()
	switch {
	case err == nil:
		if !overwrite {
			current.Wipe()
			return nil, fmt.Errorf("%w: master key at %s", interfaces.ErrAlreadyExists, s.keyPath)
		}
		if err := s.retire(current); err != nil {
			current.Wipe()
			return nil, err
		}
		current.Wipe()
	case errors.Is(err, interfaces.ErrKeyNotFound):
	case errors.Is(err, interfaces.ErrCorruptKey) && overwrite:
		aside := s.keyPath + corruptInfix + s.now().UTC().Format("20060102T150405Z")
		if err := os.Rename(s.keyPath, aside); err != nil {
			return nil, interfaces.MapFSError("failed to move corrupt master key aside", err)
		}
		s.log.Warn("moved corrupt master key aside", "path", aside, "err", err)
	default:
		return nil, err
	}

	key, err := newRandomKey()
	if err != nil {
		return nil, err
	}
	if err := s.Commit(lock, key); err != nil {
		key.Wipe()
		return nil, err
	}

	s.log.Info("generated master key", slog.String("fingerprint", key.Fingerprint()))
	return key, nil
}

// Commit atomically replaces the active key. The caller must hold this
// store's lock. On any error the previous key remains active.
func (s *KeyStore) Commit(held *Lock, key interfaces.MasterKey) error {
	if !held.heldFor(s.dir) {
		return fmt.Errorf("%w: %w", interfaces.ErrUsage, ErrLockNotHeld)
	}
	if err := key.Validate(); err != nil {
		return err
	}

	if err := common.WriteFileAtomic(s.keyPath, encodeKey(key), keyFileMode); err != nil {
		return interfaces.MapFSError("failed to write master key", err)
	}

	// The rename above is the commit point. A ledger failure does not undo it.
	if err := s.recordFingerprint(key.Fingerprint()); err != nil {
		s.log.Error("failed to record master key fingerprint",
			slog.String("fingerprint", key.Fingerprint()), "err", err)
	}

	s.log.Info("committed master key", slog.String("fingerprint", key.Fingerprint()))
	return nil
}

// Rotate replaces the active key with a freshly generated one. The old key is
// kept as a retired copy and listeners are notified once the new key is
// active. Listener failures are reported with ErrRotationNotify; the rotation
// itself stands.
func (s *KeyStore) Rotate(ctx context.Context) (oldKey, newKey interfaces.MasterKey, err error) {
	lock, err := s.Lock()
	if err != nil {
		return nil, nil, err
	}

	oldKey, err = s.Load()
	if err != nil {
		lock.Release()
		return nil, nil, err
	}
	if err := s.retire(oldKey); err != nil {
		lock.Release()
		return nil, nil, err
	}

	newKey, err = newRandomKey()
	if err != nil {
		lock.Release()
		return nil, nil, err
	}
	if err := s.Commit(lock, newKey); err != nil {
		lock.Release()
		return nil, nil, err
	}
	lock.Release()

	s.log.Info("rotated master key",
		slog.String("old_fingerprint", oldKey.Fingerprint()),
		slog.String("new_fingerprint", newKey.Fingerprint()))

	s.mu.Lock()
	listeners := append([]interfaces.RotationListener(nil), s.listeners...)
	s.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.MasterKeyRotated(ctx, oldKey, newKey); err != nil {
			s.log.Error("rotation listener failed", "err", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return oldKey, newKey, fmt.Errorf("%w: %w", interfaces.ErrRotationNotify, errors.Join(errs...))
	}
	return oldKey, newKey, nil
}

// RetiredKey describes a key kept after rotation.
type RetiredKey struct {
	Fingerprint string
	Path        string
	RetiredAt   time.Time
}

// RetiredPath returns where the retired copy of a key is kept.
func (s *KeyStore) RetiredPath(fingerprint string) string {
	return s.keyPath + retiredInfix + fingerprint
}

// ListRetired returns the retired keys still on disk.
func (s *KeyStore) ListRetired() ([]RetiredKey, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, interfaces.MapFSError("failed to read data directory", err)
	}

	prefix := filepath.Base(s.keyPath) + retiredInfix
	var retired []RetiredKey
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		retired = append(retired, RetiredKey{
			Fingerprint: strings.TrimPrefix(e.Name(), prefix),
			Path:        filepath.Join(s.dir, e.Name()),
			RetiredAt:   info.ModTime(),
		})
	}
	return retired, nil
}

// LoadRetired reads a retired key by fingerprint.
func (s *KeyStore) LoadRetired(fingerprint string) (interfaces.MasterKey, error) {
	key, err := readKeyFile(s.RetiredPath(fingerprint))
	if err != nil {
		return nil, err
	}
	if key.Fingerprint() != fingerprint {
		key.Wipe()
		return nil, fmt.Errorf("%w: retired key does not match fingerprint %s", interfaces.ErrCorruptKey, fingerprint)
	}
	return key, nil
}

// PurgeRetired deletes a retired key once downstream secrets have been
// re-encrypted under the active key.
func (s *KeyStore) PurgeRetired(fingerprint string) error {
	lock, err := s.Lock()
	if err != nil {
		return err
	}
	defer lock.Release()

	if current, err := s.Load(); err == nil {
		active := current.Fingerprint() == fingerprint
		current.Wipe()
		if active {
			return fmt.Errorf("%w: %s is the active key", interfaces.ErrUsage, fingerprint)
		}
	}

	if err := os.Remove(s.RetiredPath(fingerprint)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: no retired key %s", interfaces.ErrKeyNotFound, fingerprint)
		}
		return interfaces.MapFSError("failed to remove retired key", err)
	}

	s.log.Info("purged retired master key", slog.String("fingerprint", fingerprint))
	return nil
}

func (s *KeyStore) retire(key interfaces.MasterKey) error {
	path := s.RetiredPath(key.Fingerprint())
	if err := common.WriteFileAtomic(path, encodeKey(key), keyFileMode); err != nil {
		return interfaces.MapFSError("failed to write retired key", err)
	}
	s.log.Info("retired master key", slog.String("fingerprint", key.Fingerprint()), slog.String("path", path))
	return nil
}

// Migrate copies a legacy key file into the managed location. The source file
// is never modified or removed, and the copied bytes are identical to it.
func (s *KeyStore) Migrate(oldPath string) (interfaces.MigrationResult, error) {
	lock, err := s.Lock()
	if err != nil {
		return "", err
	}
	defer lock.Release()

	exists, err := s.Exists()
	if err != nil {
		return "", err
	}
	if exists {
		return interfaces.MigrationExists, nil
	}

	if oldPath == "" {
		return interfaces.MigrationWillGenerate, nil
	}
	raw, err := os.ReadFile(oldPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return interfaces.MigrationWillGenerate, nil
		}
		return "", fmt.Errorf("%w: %w", interfaces.ErrMigration, interfaces.MapFSError("failed to read legacy key", err))
	}

	key, err := decodeKey(raw)
	if err != nil {
		return "", fmt.Errorf("%w: legacy key at %s: %w", interfaces.ErrMigration, oldPath, err)
	}
	defer key.Wipe()

	if err := common.WriteFileAtomic(s.keyPath, raw, keyFileMode); err != nil {
		return "", fmt.Errorf("%w: %w", interfaces.ErrMigration, interfaces.MapFSError("failed to write master key", err))
	}
	if err := s.recordFingerprint(key.Fingerprint()); err != nil {
		s.log.Error("failed to record master key fingerprint", "err", err)
	}

	s.log.Info("migrated legacy master key",
		slog.String("from", oldPath),
		slog.String("to", s.keyPath),
		slog.String("fingerprint", key.Fingerprint()))
	return interfaces.MigrationMigrated, nil
}

func newRandomKey() (interfaces.MasterKey, error) {
	key := make(interfaces.MasterKey, interfaces.MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return key, nil
}

// Key files hold the URL-safe base64 text of the raw key bytes.
func encodeKey(key interfaces.MasterKey) []byte {
	out := make([]byte, base64.URLEncoding.EncodedLen(len(key)))
	base64.URLEncoding.Encode(out, key)
	return out
}

func decodeKey(raw []byte) (interfaces.MasterKey, error) {
	text := bytes.TrimSpace(raw)
	if len(text) != keyTextLength {
		return nil, fmt.Errorf("%w: unexpected key file length %d", interfaces.ErrCorruptKey, len(text))
	}
	key := make(interfaces.MasterKey, base64.URLEncoding.DecodedLen(len(text)))
	n, err := base64.URLEncoding.Strict().Decode(key, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrCorruptKey, err)
	}
	key = key[:n]
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return key, nil
}

func readKeyFile(path string) (interfaces.MasterKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrKeyNotFound, path)
		}
		return nil, interfaces.MapFSError("failed to read master key", err)
	}
	return decodeKey(raw)
}

package keystore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sync"

	fslock "github.com/ipfs/go-fs-lock"
	"github.com/ruteri/master-key-backup/interfaces"
)

// ErrLockNotHeld is returned by Commit when called without the store lock.
var ErrLockNotHeld = errors.New("key store lock not held")

// The file lock is per process on some platforms, so holders inside this
// process are tracked separately to fail fast there as well.
var (
	heldMu   sync.Mutex
	heldDirs = map[string]bool{}
)

// Lock is proof that the caller holds the advisory lock of a data directory.
type Lock struct {
	dir    string
	closer io.Closer

	mu       sync.Mutex
	released bool
}

// Lock acquires the store's advisory lock without waiting. A lock held by
// another operation yields ErrLockContention.
func (s *KeyStore) Lock() (*Lock, error) {
	dir, err := filepath.Abs(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}

	heldMu.Lock()
	defer heldMu.Unlock()
	if heldDirs[dir] {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrLockContention, dir)
	}

	closer, err := fslock.Lock(dir, LockFileName)
	if err != nil {
		var locked fslock.LockedError
		switch {
		case errors.As(err, &locked):
			return nil, fmt.Errorf("%w: %v", interfaces.ErrLockContention, err)
		case errors.Is(err, fs.ErrPermission):
			return nil, fmt.Errorf("%w: %v", interfaces.ErrPermission, err)
		default:
			return nil, fmt.Errorf("failed to acquire key store lock: %w", err)
		}
	}

	heldDirs[dir] = true
	s.log.Debug("acquired key store lock", "dir", dir)
	return &Lock{dir: dir, closer: closer}, nil
}

// Release gives up the lock. Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	heldMu.Lock()
	delete(heldDirs, l.dir)
	heldMu.Unlock()
	return l.closer.Close()
}

func (l *Lock) heldFor(dir string) bool {
	if l == nil {
		return false
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.released && l.dir == abs
}

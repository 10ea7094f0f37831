package keystore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ruteri/master-key-backup/interfaces"
)

// reloadDelay coalesces the burst of events produced by one atomic replace.
const reloadDelay = 100 * time.Millisecond

// Watch calls onChange with the freshly loaded key whenever the key file is
// replaced, until ctx is cancelled. A failed load is passed on as the error so
// the caller can keep serving the previous key.
func (s *KeyStore) Watch(ctx context.Context, onChange func(interfaces.MasterKey, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Renames replace the inode, so the directory is watched instead of the file.
	if err := watcher.Add(s.dir); err != nil {
		return interfaces.MapFSError("failed to watch data directory", err)
	}

	keyPath := filepath.Clean(s.keyPath)
	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != keyPath {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				s.log.Debug("master key file changed", "op", event.Op.String())
				timer.Reset(reloadDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Error("file watcher error", "err", err)
		case <-timer.C:
			onChange(s.Load())
		}
	}
}

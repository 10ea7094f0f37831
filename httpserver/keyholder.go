package httpserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/ruteri/master-key-backup/metrics"
	"go.uber.org/atomic"
)

type loadedKey struct {
	key      interfaces.MasterKey
	loadedAt time.Time
}

// KeyHolder keeps the master key the daemon serves from. It is replaced
// wholesale on reload so readers never observe a partial update.
type KeyHolder struct {
	current atomic.Pointer[loadedKey]
	reloads atomic.Int64
	lastErr atomic.Error
	log     *slog.Logger
}

// NewKeyHolder holds key, which must already be valid.
func NewKeyHolder(key interfaces.MasterKey, log *slog.Logger) (*KeyHolder, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	h := &KeyHolder{log: log}
	h.current.Store(&loadedKey{key: key.Clone(), loadedAt: time.Now().UTC()})
	metrics.SetKeyLoaded(true)
	return h, nil
}

// Load returns a copy of the held key.
func (h *KeyHolder) Load() (interfaces.MasterKey, error) {
	cur := h.current.Load()
	if cur == nil {
		return nil, interfaces.ErrKeyNotFound
	}
	return cur.key.Clone(), nil
}

// Fingerprint returns the fingerprint of the held key and when it was loaded.
func (h *KeyHolder) Fingerprint() (string, time.Time) {
	cur := h.current.Load()
	if cur == nil {
		return "", time.Time{}
	}
	return cur.key.Fingerprint(), cur.loadedAt
}

// LastReloadError returns the error of the most recent failed reload, or nil
// if the latest reload succeeded.
func (h *KeyHolder) LastReloadError() error {
	return h.lastErr.Load()
}

// Reloads returns the number of successful reloads.
func (h *KeyHolder) Reloads() int64 {
	return h.reloads.Load()
}

// Reload installs key after a change on disk. On error the previous key keeps
// being served. It has the signature KeyStore.Watch expects.
func (h *KeyHolder) Reload(key interfaces.MasterKey, err error) {
	if err == nil {
		err = key.Validate()
	}
	metrics.RecordKeyReload(err)
	if err != nil {
		h.lastErr.Store(fmt.Errorf("reload failed: %w", err))
		fingerprint, _ := h.Fingerprint()
		h.log.Error("master_key_reload_failed",
			slog.String("code", interfaces.ErrorCode(err)),
			slog.String("serving_fingerprint", fingerprint),
			"err", err)
		return
	}

	prev := h.current.Swap(&loadedKey{key: key.Clone(), loadedAt: time.Now().UTC()})
	h.lastErr.Store(nil)
	h.reloads.Inc()

	if prev != nil && !prev.key.Equal(key) {
		h.log.Info("master key reloaded",
			slog.String("old_fingerprint", prev.key.Fingerprint()),
			slog.String("new_fingerprint", key.Fingerprint()))
	}
}

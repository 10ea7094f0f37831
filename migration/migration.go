// Package migration relocates a legacy master key into the managed data
// directory at startup.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/ruteri/master-key-backup/keystore"
	"github.com/ruteri/master-key-backup/metrics"
)

// Controller runs the one-time move from the legacy read-only key location.
type Controller struct {
	store      *keystore.KeyStore
	legacyPath string
	log        *slog.Logger

	// GenerateIfMissing permits generating a key when neither location holds
	// one. Only first-time initialisation should set it.
	GenerateIfMissing bool
}

// NewController returns a controller copying from legacyPath into store.
func NewController(store *keystore.KeyStore, legacyPath string, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{store: store, legacyPath: legacyPath, log: log}
}

// Run migrates the legacy key if needed. When no key exists anywhere it
// generates one only if GenerateIfMissing is set, and otherwise returns
// ErrKeyNotFound so that callers refuse to start.
func (c *Controller) Run(ctx context.Context) (result interfaces.MigrationResult, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("migrate", start, err) }()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	result, err = c.store.Migrate(c.legacyPath)
	if err != nil {
		c.log.Error("master key migration failed",
			slog.String("legacy_path", c.legacyPath),
			slog.String("code", interfaces.ErrorCode(err)),
			"err", err)
		return "", err
	}

	switch result {
	case interfaces.MigrationExists:
		c.log.Debug("master key already in managed location", slog.String("path", c.store.KeyPath()))
	case interfaces.MigrationMigrated:
		c.log.Info("master key migrated",
			slog.String("from", c.legacyPath),
			slog.String("to", c.store.KeyPath()))
	case interfaces.MigrationWillGenerate:
		if !c.GenerateIfMissing {
			c.log.Error("no master key found",
				slog.String("path", c.store.KeyPath()),
				slog.String("legacy_path", c.legacyPath))
			return result, fmt.Errorf("%w: neither %s nor %s holds a key", interfaces.ErrKeyNotFound, c.store.KeyPath(), c.legacyPath)
		}
		key, err := c.store.Generate(false)
		if err != nil {
			return result, err
		}
		c.log.Info("generated initial master key", slog.String("fingerprint", key.Fingerprint()))
		key.Wipe()
	}
	return result, nil
}

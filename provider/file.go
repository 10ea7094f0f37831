package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ruteri/master-key-backup/common"
	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/ruteri/master-key-backup/kms"
)

// FileProvider keeps secrets in a local JSON file. Every value is sealed with
// the active master key and tagged with its fingerprint.
type FileProvider struct {
	name string
	path string
	keys interfaces.KeyProvider
	log  *slog.Logger

	mu sync.Mutex
}

// NewFileProvider opens or creates the secrets file at path.
func NewFileProvider(name, path string, keys interfaces.KeyProvider, log *slog.Logger) (*FileProvider, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: file provider %q needs a path", interfaces.ErrUsage, name)
	}
	p := &FileProvider{name: name, path: path, keys: keys, log: log}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, interfaces.MapFSError("failed to create secrets directory", err)
		}
		if err := p.write(map[string]string{}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, interfaces.MapFSError("failed to stat secrets file", err)
	}
	return p, nil
}

func (p *FileProvider) Name() string                  { return p.name }
func (p *FileProvider) Kind() interfaces.ProviderKind { return interfaces.FileProvider }

// Fetch returns the plaintext value of secretID.
func (p *FileProvider) Fetch(ctx context.Context, secretID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	secrets, err := p.read()
	if err != nil {
		return "", err
	}
	sealed, ok := secrets[secretID]
	if !ok {
		return "", fmt.Errorf("%w: secret %q in provider %s", interfaces.ErrContentNotFound, secretID, p.name)
	}

	key, err := p.keys.Load()
	if err != nil {
		return "", err
	}
	value, err := kms.OpenSecret(key, sealed)
	if err != nil {
		if errors.Is(err, kms.ErrSealedWithOtherKey) {
			p.log.Error("secret is sealed with a retired master key",
				slog.String("provider", p.name),
				slog.String("secret", secretID),
				"err", err)
		}
		return "", err
	}
	return string(value), nil
}

// Rotate seals newValue with the active key and stores it under secretID.
func (p *FileProvider) Rotate(ctx context.Context, secretID, newValue string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	secrets, err := p.read()
	if err != nil {
		return err
	}
	key, err := p.keys.Load()
	if err != nil {
		return err
	}
	sealed, err := kms.SealSecret(key, []byte(newValue))
	if err != nil {
		return err
	}
	secrets[secretID] = sealed
	if err := p.write(secrets); err != nil {
		return err
	}

	p.log.Info("updated secret",
		slog.String("provider", p.name),
		slog.String("secret", secretID),
		slog.String("fingerprint", key.Fingerprint()))
	return nil
}

// Validate checks that the file parses and that a master key is available.
func (p *FileProvider) Validate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.read(); err != nil {
		return err
	}
	if _, err := p.keys.Load(); err != nil {
		return fmt.Errorf("file provider %s: %w", p.name, err)
	}
	return nil
}

// MasterKeyRotated reseals every value sealed under oldKey with newKey. Values
// sealed under other keys are left alone and logged.
func (p *FileProvider) MasterKeyRotated(ctx context.Context, oldKey, newKey interfaces.MasterKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	secrets, err := p.read()
	if err != nil {
		return err
	}

	oldFingerprint := oldKey.Fingerprint()
	resealed := 0
	for id, sealed := range secrets {
		fingerprint, err := kms.SealedFingerprint(sealed)
		if err != nil {
			return fmt.Errorf("secret %q: %w", id, err)
		}
		if fingerprint != oldFingerprint {
			if fingerprint != newKey.Fingerprint() {
				p.log.Warn("secret sealed with unknown key left untouched",
					slog.String("provider", p.name),
					slog.String("secret", id),
					slog.String("fingerprint", fingerprint))
			}
			continue
		}

		value, err := kms.OpenSecret(oldKey, sealed)
		if err != nil {
			return fmt.Errorf("secret %q: %w", id, err)
		}
		secrets[id], err = kms.SealSecret(newKey, value)
		kms.Wipe(value)
		if err != nil {
			return err
		}
		resealed++
	}

	if resealed == 0 {
		return nil
	}
	if err := p.write(secrets); err != nil {
		return err
	}
	p.log.Info("resealed secrets with new master key",
		slog.String("provider", p.name),
		slog.Int("count", resealed),
		slog.String("fingerprint", newKey.Fingerprint()))
	return nil
}

func (p *FileProvider) read() (map[string]string, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return nil, interfaces.MapFSError("failed to read secrets file", err)
	}
	secrets := map[string]string{}
	if err := json.Unmarshal(raw, &secrets); err != nil {
		return nil, fmt.Errorf("%w: secrets file %s: %v", interfaces.ErrChecksumMismatch, p.path, err)
	}
	return secrets, nil
}

func (p *FileProvider) write(secrets map[string]string) error {
	raw, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	if err := common.WriteFileAtomic(p.path, raw, 0o600); err != nil {
		return interfaces.MapFSError("failed to write secrets file", err)
	}
	return nil
}

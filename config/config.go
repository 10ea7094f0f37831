// Package config loads the YAML configuration shared by keyctl and keyd.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/ruteri/master-key-backup/backup"
	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/ruteri/master-key-backup/kms"
	"github.com/ruteri/master-key-backup/provider"
	"gopkg.in/yaml.v3"
)

// DefaultDataDir holds the key, its ledger and the backups directory.
const DefaultDataDir = "/var/lib/master-key"

// Config represents the engine configuration.
type Config struct {
	DataDir           string            `yaml:"data_dir"`
	LegacyKeyPath     string            `yaml:"legacy_key_path"`
	KeyFile           string            `yaml:"key_file"`
	BackupDir         string            `yaml:"backup_dir"`
	AllowUnknownKey   bool              `yaml:"allow_unknown_key"`
	GenerateIfMissing bool              `yaml:"generate_if_missing"`
	Retention         RetentionConfig   `yaml:"retention"`
	KDF               KDFConfig         `yaml:"kdf"`
	Export            ExportConfig      `yaml:"export"`
	Providers         []provider.Config `yaml:"providers,omitempty"`
	HTTP              HTTPConfig        `yaml:"http"`
}

// RetentionConfig mirrors backup.RetentionPolicy.
type RetentionConfig struct {
	MaxAge   time.Duration `yaml:"max_age"`
	KeepLast int           `yaml:"keep_last"`
}

// KDFConfig selects the passphrase KDF for new encrypted backups.
type KDFConfig struct {
	Algorithm  string `yaml:"algorithm"`
	Iterations uint32 `yaml:"iterations"`
	MemoryKiB  uint32 `yaml:"memory_kib"`
	Threads    uint8  `yaml:"threads"`
}

// ExportConfig lists off-host export targets.
type ExportConfig struct {
	Targets        []string `yaml:"targets,omitempty"`
	MaxRetries     uint64   `yaml:"max_retries"`
	AllowPlaintext bool     `yaml:"allow_plaintext"`
}

// HTTPConfig configures the daemon listeners.
type HTTPConfig struct {
	ListenAddr    string        `yaml:"listen_addr"`
	MetricsAddr   string        `yaml:"metrics_addr"`
	Pprof         bool          `yaml:"pprof"`
	DrainDuration time.Duration `yaml:"drain_duration"`
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir,
		KeyFile: "master.key",
		Retention: RetentionConfig{
			MaxAge:   30 * 24 * time.Hour,
			KeepLast: 5,
		},
		KDF: KDFConfig{
			Algorithm:  "pbkdf2-sha256",
			Iterations: 600_000,
		},
		Export: ExportConfig{
			MaxRetries: 3,
		},
		HTTP: HTTPConfig{
			ListenAddr:    "127.0.0.1:8080",
			MetricsAddr:   "127.0.0.1:8090",
			DrainDuration: 15 * time.Second,
		},
	}
}

// Load reads the configuration at path over the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: config file %s does not exist", interfaces.ErrUsage, path)
		}
		return nil, interfaces.MapFSError("failed to read config", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: config file %s: %v", interfaces.ErrUsage, path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate rejects incomplete configurations and weak KDF settings.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", interfaces.ErrUsage)
	}
	if c.KeyFile == "" || c.KeyFile != filepath.Base(c.KeyFile) {
		return fmt.Errorf("%w: key_file must be a plain file name", interfaces.ErrUsage)
	}
	if _, err := c.KDFParams(); err != nil {
		return err
	}
	if _, err := kms.NewCodec(c.CodecOptions()...); err != nil {
		return fmt.Errorf("kdf: %w", err)
	}
	if err := c.RetentionPolicy().Validate(); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	if _, err := c.ExportLocations(); err != nil {
		return err
	}
	names := map[string]bool{}
	for _, p := range c.Providers {
		if err := p.Check(); err != nil {
			return err
		}
		if names[p.Name] {
			return fmt.Errorf("%w: duplicate provider name %q", interfaces.ErrUsage, p.Name)
		}
		names[p.Name] = true
	}
	return nil
}

// KDFParams converts the kdf section.
func (c *Config) KDFParams() (kms.KDFParams, error) {
	algorithm, err := kms.ParseKDFAlgorithm(c.KDF.Algorithm)
	if err != nil {
		return kms.KDFParams{}, err
	}
	return kms.KDFParams{
		Algorithm:  algorithm,
		Iterations: c.KDF.Iterations,
		MemoryKiB:  c.KDF.MemoryKiB,
		Threads:    c.KDF.Threads,
	}, nil
}

// CodecOptions returns the codec options for the configured KDF.
func (c *Config) CodecOptions() []kms.CodecOption {
	params, err := c.KDFParams()
	if err != nil {
		return nil
	}
	return []kms.CodecOption{kms.WithKDF(params)}
}

// RetentionPolicy converts the retention section.
func (c *Config) RetentionPolicy() backup.RetentionPolicy {
	return backup.RetentionPolicy{MaxAge: c.Retention.MaxAge, KeepLast: c.Retention.KeepLast}
}

// ExportLocations parses the configured export targets.
func (c *Config) ExportLocations() ([]interfaces.ExportLocation, error) {
	out := make([]interfaces.ExportLocation, 0, len(c.Export.Targets))
	for _, target := range c.Export.Targets {
		loc, err := interfaces.NewExportLocation(target)
		if err != nil {
			return nil, fmt.Errorf("export target %q: %w", target, err)
		}
		out = append(out, loc)
	}
	return out, nil
}

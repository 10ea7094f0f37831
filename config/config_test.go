package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/ruteri/master-key-backup/kms"
	"github.com/ruteri/master-key-backup/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.Equal(t, "master.key", cfg.KeyFile)

	params, err := cfg.KDFParams()
	require.NoError(t, err)
	assert.Equal(t, kms.DefaultKDF(), params)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /srv/keys
legacy_key_path: /etc/app/master.key
retention:
  max_age: 168h
kdf:
  algorithm: argon2id
  iterations: 3
  memory_kib: 65536
  threads: 4
export:
  targets:
    - file:///mnt/offline
    - s3://backups/master-key/?region=eu-west-1
providers:
  - name: local
    kind: file
    path: /srv/keys/secrets.json
    password:
      length: 32
      numbers: true
      lower: true
http:
  listen_addr: 0.0.0.0:9000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/srv/keys", cfg.DataDir)
	assert.Equal(t, "/etc/app/master.key", cfg.LegacyKeyPath)
	assert.Equal(t, 168*time.Hour, cfg.Retention.MaxAge)
	assert.Equal(t, 5, cfg.Retention.KeepLast, "unset fields keep defaults")
	assert.Equal(t, "0.0.0.0:9000", cfg.HTTP.ListenAddr)
	assert.Equal(t, "127.0.0.1:8090", cfg.HTTP.MetricsAddr)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, interfaces.FileProvider, cfg.Providers[0].Kind)
	assert.Equal(t, 32, cfg.Providers[0].Password.Length)

	params, err := cfg.KDFParams()
	require.NoError(t, err)
	assert.Equal(t, kms.KDFArgon2id, params.Algorithm)

	locations, err := cfg.ExportLocations()
	require.NoError(t, err)
	require.Len(t, locations, 2)
	assert.Equal(t, "s3", locations[1].Scheme)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, interfaces.ErrUsage)

	_, err = Load(writeConfig(t, "data_dri: /typo\n"))
	require.ErrorIs(t, err, interfaces.ErrUsage)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "weak pbkdf2", mutate: func(c *Config) { c.KDF.Iterations = 10_000 }},
		{name: "weak argon2", mutate: func(c *Config) {
			c.KDF = KDFConfig{Algorithm: "argon2id", Iterations: 1, MemoryKiB: 1024, Threads: 1}
		}},
		{name: "unknown kdf", mutate: func(c *Config) { c.KDF.Algorithm = "scrypt" }},
		{name: "no data dir", mutate: func(c *Config) { c.DataDir = "" }},
		{name: "key file with directory", mutate: func(c *Config) { c.KeyFile = "../master.key" }},
		{name: "empty retention", mutate: func(c *Config) { c.Retention = RetentionConfig{} }},
		{name: "bad export target", mutate: func(c *Config) { c.Export.Targets = []string{"ftp://host/"} }},
		{name: "unknown provider", mutate: func(c *Config) {
			c.Providers = []provider.Config{{Name: "x", Kind: "gcp"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, 2, interfaces.ExitCode(err))
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Export.Targets = []string{"file:///mnt/offline"}
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLocation(t *testing.T, uri string) interfaces.ExportLocation {
	t.Helper()
	loc, err := interfaces.NewExportLocation(uri)
	require.NoError(t, err)
	return loc
}

func TestExportBackendFactory_Schemes(t *testing.T) {
	factory := NewExportBackendFactory(discardLogger())
	factory.getenv = func(string) string { return "test-token" }

	dir := t.TempDir()
	tests := []struct {
		uri     string
		backend interface{}
	}{
		{uri: "file://" + dir, backend: &FileBackend{}},
		{uri: "s3://my-bucket/backups/?region=eu-west-1", backend: &S3Backend{}},
		{uri: "ipfs://localhost:5001/?timeout=5s", backend: &IPFSBackend{}},
		{uri: "vault://vault.example.com:8200/secret/master-key-backups", backend: &VaultBackend{}},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			backend, err := factory.ExportBackendFor(mustLocation(t, tt.uri))
			require.NoError(t, err)
			assert.IsType(t, tt.backend, backend)
		})
	}
}

func TestExportBackendFactory_InvalidLocations(t *testing.T) {
	factory := NewExportBackendFactory(discardLogger())

	for _, uri := range []string{
		"ipfs://localhost:5001/?timeout=soon",
		"vault://vault.example.com:8200/secret",
		"file://",
	} {
		t.Run(uri, func(t *testing.T) {
			_, err := factory.ExportBackendFor(mustLocation(t, uri))
			require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
		})
	}

	_, err := interfaces.NewExportLocation("ftp://example.com/")
	require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}

func TestExportBackendFactory_MultiBackend(t *testing.T) {
	factory := NewExportBackendFactory(discardLogger())

	_, err := factory.CreateMultiBackend([]interfaces.ExportLocation{mustLocation(t, "file://")})
	require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	first, second := t.TempDir(), t.TempDir()
	multi, err := factory.CreateMultiBackend([]interfaces.ExportLocation{
		mustLocation(t, "file://"+first),
		mustLocation(t, "file://"+second),
	})
	require.NoError(t, err)

	name := "master_key_share_1_of_3_20240101_000000_000000.share"
	location, err := multi.Store(context.Background(), name, []byte("share"))
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(first, name), location)
	assert.FileExists(t, filepath.Join(second, name))

	data, err := multi.Fetch(context.Background(), "file://"+filepath.Join(second, name))
	require.NoError(t, err)
	assert.Equal(t, []byte("share"), data)
}

func TestFileBackend_RejectsForeignLocations(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), discardLogger())
	require.NoError(t, err)

	_, err = backend.Fetch(context.Background(), "file:///etc/passwd")
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)

	_, err = backend.Fetch(context.Background(), "s3://bucket/key")
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)

	_, err = backend.Store(context.Background(), "../escape", []byte("x"))
	require.ErrorIs(t, err, interfaces.ErrUsage)
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/master-key-backup/common"
	"github.com/ruteri/master-key-backup/interfaces"
)

// FileBackend exports artifacts into a directory, typically a mounted
// removable drive or network share.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a file export backend rooted at baseDir. The
// directory is created with owner-only permissions if missing.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, interfaces.MapFSError("failed to create export directory", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch reads an artifact back from a file:// location.
func (b *FileBackend) Fetch(ctx context.Context, location string) ([]byte, error) {
	path, ok := b.pathFor(location)
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, interfaces.MapFSError("failed to read file", err)
	}

	b.log.Debug("Fetched artifact from file",
		slog.String("path", path),
		slog.Int("size", len(data)))

	return data, nil
}

// Store writes the artifact as baseDir/name and returns its file:// location.
func (b *FileBackend) Store(ctx context.Context, name string, data []byte) (string, error) {
	if name != filepath.Base(name) {
		return "", fmt.Errorf("%w: artifact name %q", interfaces.ErrUsage, name)
	}

	path := filepath.Join(b.baseDir, name)
	if err := common.WriteFileAtomic(path, data, 0o600); err != nil {
		return "", interfaces.MapFSError("failed to write file", err)
	}

	b.log.Debug("Stored artifact in file",
		slog.String("path", path),
		slog.String("checksum", interfaces.ComputeID(data).String()))

	return "file://" + path, nil
}

// Available checks if the file backend is accessible by verifying the base directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this export backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this export backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

// pathFor maps a location to a path inside baseDir.
func (b *FileBackend) pathFor(location string) (string, bool) {
	path, ok := strings.CutPrefix(location, "file://")
	if !ok {
		return "", false
	}
	path = filepath.Clean(path)
	if filepath.Dir(path) != filepath.Clean(b.baseDir) {
		return "", false
	}
	return path, true
}

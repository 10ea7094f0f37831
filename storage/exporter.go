package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/ruteri/master-key-backup/kms"
	"github.com/ruteri/master-key-backup/metrics"
)

// DefaultMaxRetries is how many times a failed upload is retried per backend.
const DefaultMaxRetries = 3

// ArtifactSource lists backup artifacts and records their export.
// backup.Manager implements it.
type ArtifactSource interface {
	List() ([]interfaces.BackupRecord, error)
	MarkExported(path string, destinations ...string) error
}

// publicBackend is implemented by backends whose contents anyone may read.
type publicBackend interface {
	Public() bool
}

// ExportResult is the outcome of exporting one artifact.
type ExportResult struct {
	Path      string
	Locations []string
	// Skipped names backends that were not attempted for this artifact.
	Skipped []string
	Err     error
}

// Exporter copies backup artifacts off the host and writes export markers for
// the copies it could read back intact.
type Exporter struct {
	source         ArtifactSource
	backends       []interfaces.ExportBackend
	maxRetries     uint64
	allowPlaintext bool
	newBackOff     func() backoff.BackOff
	log            *slog.Logger
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithMaxRetries sets the per-backend retry count.
func WithMaxRetries(n uint64) ExporterOption {
	return func(e *Exporter) { e.maxRetries = n }
}

// WithPlaintext allows unencrypted artifacts to go to non-file backends.
// Public backends never receive them.
func WithPlaintext(allow bool) ExporterOption {
	return func(e *Exporter) { e.allowPlaintext = allow }
}

// WithBackOff replaces the exponential backoff between retries.
func WithBackOff(newBackOff func() backoff.BackOff) ExporterOption {
	return func(e *Exporter) { e.newBackOff = newBackOff }
}

// NewExporter creates an exporter writing to every backend in backends.
func NewExporter(source ArtifactSource, backends []interfaces.ExportBackend, log *slog.Logger, opts ...ExporterOption) (*Exporter, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("%w: no export targets configured", interfaces.ErrUsage)
	}
	e := &Exporter{
		source:     source,
		backends:   backends,
		maxRetries: DefaultMaxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 2 * time.Minute
			return b
		},
		log: log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ExportPending exports every readable artifact that has no export marker yet.
// The returned error is non-nil if any artifact failed.
func (e *Exporter) ExportPending(ctx context.Context) ([]ExportResult, error) {
	records, err := e.source.List()
	if err != nil {
		return nil, err
	}

	var results []ExportResult
	var errs []error
	for _, r := range records {
		if r.Exported || r.Err != nil {
			continue
		}
		res := e.ExportFile(ctx, r.Path)
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(r.Path), res.Err))
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// ExportFile uploads one artifact to every eligible backend. The export marker
// is written when at least one copy was stored and read back unchanged.
func (e *Exporter) ExportFile(ctx context.Context, path string) ExportResult {
	res := ExportResult{Path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		res.Err = interfaces.MapFSError("failed to read backup", err)
		return res
	}
	plaintext := kms.IsPlaintextContainer(data)
	name := filepath.Base(path)

	var errs []error
	for _, b := range e.backends {
		if plaintext && !e.plaintextAllowed(b) {
			e.log.Warn("refusing to export unencrypted backup",
				slog.String("path", path),
				slog.String("backend", b.Name()))
			res.Skipped = append(res.Skipped, b.Name())
			continue
		}

		location, err := e.storeVerified(ctx, b, name, data)
		if err != nil {
			e.log.Error("export failed",
				slog.String("path", path),
				slog.String("backend", b.Name()),
				"err", err)
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}
		res.Locations = append(res.Locations, location)
	}

	if len(res.Locations) == 0 {
		if len(errs) == 0 {
			res.Err = fmt.Errorf("%w: no eligible export target for %s", interfaces.ErrUsage, name)
		} else {
			res.Err = errors.Join(errs...)
		}
		return res
	}

	if err := e.source.MarkExported(path, res.Locations...); err != nil {
		res.Err = err
		return res
	}
	e.log.Info("exported backup",
		slog.String("path", path),
		slog.String("locations", strings.Join(res.Locations, ",")))

	res.Err = errors.Join(errs...)
	return res
}

func (e *Exporter) plaintextAllowed(b interfaces.ExportBackend) bool {
	if p, ok := b.(publicBackend); ok && p.Public() {
		return false
	}
	if _, ok := b.(*FileBackend); ok {
		return true
	}
	return e.allowPlaintext
}

// storeVerified uploads data and reads it back, retrying with backoff.
func (e *Exporter) storeVerified(ctx context.Context, b interfaces.ExportBackend, name string, data []byte) (string, error) {
	want := interfaces.ComputeID(data)
	attempt := 0

	op := func() (string, error) {
		attempt++
		location, err := b.Store(ctx, name, data)
		if err == nil {
			var got []byte
			got, err = b.Fetch(ctx, location)
			if err == nil && !interfaces.ComputeID(got).Equal(want) {
				err = fmt.Errorf("%w: exported copy differs", interfaces.ErrChecksumMismatch)
			}
		}
		metrics.RecordExportAttempt(b.Name(), err)
		if err != nil {
			e.log.Debug("export attempt failed",
				slog.String("backend", b.Name()),
				slog.Int("attempt", attempt),
				"err", err)
			if errors.Is(err, interfaces.ErrUsage) || errors.Is(err, interfaces.ErrPermission) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return location, nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), e.maxRetries), ctx)
	return backoff.RetryWithData(op, policy)
}

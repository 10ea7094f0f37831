package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/master-key-backup/interfaces"
)

// MultiExportBackend implements interfaces.ExportBackend over several backends.
// Store writes to every available backend; Fetch falls back until one of them
// recognizes the location.
type MultiExportBackend struct {
	backends []interfaces.ExportBackend
	log      *slog.Logger
}

// NewMultiExportBackend creates a new multi export backend with fallback
func NewMultiExportBackend(backends []interfaces.ExportBackend, logger *slog.Logger) *MultiExportBackend {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiExportBackend{
		backends: backends,
		log:      logger,
	}
}

// Backends returns the aggregated backends.
func (m *MultiExportBackend) Backends() []interfaces.ExportBackend {
	return m.backends
}

// Fetch returns the artifact from the first backend that holds location.
func (m *MultiExportBackend) Fetch(ctx context.Context, location string) ([]byte, error) {
	start := time.Now()
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("location", location))
			continue
		}

		data, err := backend.Fetch(ctx, location)
		if err == nil {
			m.log.Info("Successfully fetched artifact",
				slog.String("backend_name", backend.Name()),
				slog.String("location", location),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("location", location),
			"err", err)
	}

	if len(errs) == 0 {
		return nil, interfaces.ErrBackendUnavailable
	}

	m.log.Error("All backends failed to fetch artifact",
		slog.String("location", location),
		slog.Int("failed_backends", len(errs)),
		slog.Duration("duration", time.Since(start)))

	return nil, fmt.Errorf("all backends failed to fetch %s: %w", location, errors.Join(errs...))
}

// Store saves data to all available backends and returns the location from
// the first one that succeeded.
func (m *MultiExportBackend) Store(ctx context.Context, name string, data []byte) (string, error) {
	start := time.Now()
	var first string
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}

		location, err := backend.Store(ctx, name, data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Debug("Failed to store to backend",
				slog.String("backend_name", backend.Name()),
				"err", err)
			continue
		}

		if first == "" {
			first = location
		}
		m.log.Info("Successfully stored artifact",
			slog.String("backend_name", backend.Name()),
			slog.String("name", name),
			slog.String("location", location),
			slog.Duration("duration", time.Since(start)))
	}

	if first == "" {
		m.log.Error("All backends failed to store artifact",
			slog.String("name", name),
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		if len(errs) == 0 {
			return "", interfaces.ErrBackendUnavailable
		}
		return "", fmt.Errorf("all backends failed to store %s: %w", name, errors.Join(errs...))
	}

	return first, nil
}

// Available checks if any backend is available
func (m *MultiExportBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend
func (m *MultiExportBackend) Name() string {
	return "multi-export"
}

// LocationURI returns the combined URIs of all backends.
func (m *MultiExportBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}

	return "multi:[" + strings.Join(locations, ",") + "]"
}

package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// ExportLocation represents the URI of an off-host export target.
type ExportLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewExportLocation creates a new export location from a URI string with validation.
func NewExportLocation(uri string) (ExportLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ExportLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := parsed.Scheme
	switch scheme {
	case "file", "s3", "ipfs", "vault":
	default:
		return ExportLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return ExportLocation{
		Raw:    uri,
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc ExportLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc ExportLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc ExportLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

var (
	// ErrContentNotFound is returned when requested content cannot be found in the export backend.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when an export backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("export backend unavailable")

	// ErrInvalidLocationURI is returned when an export location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid export location URI")
)

// ExportBackend is an off-host destination for backup artifacts. Export runs
// outside the engine core; the core only observes the resulting export markers.
type ExportBackend interface {
	// Store uploads an artifact under name and returns where it landed.
	Store(ctx context.Context, name string, data []byte) (string, error)

	// Fetch downloads an artifact from a location previously returned by Store.
	Fetch(ctx context.Context, location string) ([]byte, error)

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}

// ExportBackendFactory creates export backends.
type ExportBackendFactory interface {
	// ExportBackendFor creates backend from URI.
	// Supports file://, s3://, ipfs://, vault://
	ExportBackendFor(location ExportLocation) (ExportBackend, error)

	// CreateMultiBackend creates an aggregated export backend.
	CreateMultiBackend(locations []ExportLocation) (ExportBackend, error)
}

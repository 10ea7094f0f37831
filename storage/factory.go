package storage

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ruteri/master-key-backup/interfaces"
)

// ExportBackendFactory creates export backends from location URIs and manages
// multi-backend configurations for redundant export.
type ExportBackendFactory struct {
	log    *slog.Logger
	getenv func(string) string
}

// NewExportBackendFactory creates a new factory instance that can create export backends.
func NewExportBackendFactory(logger *slog.Logger) *ExportBackendFactory {
	return &ExportBackendFactory{
		log:    logger,
		getenv: os.Getenv,
	}
}

// ExportBackendFor creates an export backend from a location.
//
// Supported schemes:
//   - file:// - Local or mounted directory
//   - s3:// - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS node
//   - vault:// - HashiCorp Vault KV v2 mount
func (sf *ExportBackendFactory) ExportBackendFor(loc interfaces.ExportLocation) (interfaces.ExportBackend, error) {
	switch strings.ToLower(loc.Scheme) {
	case "ipfs":
		return sf.createIPFSBackend(loc)
	case "s3":
		return sf.createS3Backend(loc)
	case "file":
		return sf.createFileBackend(loc)
	case "vault":
		return sf.createVaultBackend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiBackend creates a multi export backend from a list of locations.
// Locations that fail to produce a backend are logged and skipped. Returns an
// error if none could be created.
func (sf *ExportBackendFactory) CreateMultiBackend(locations []interfaces.ExportLocation) (interfaces.ExportBackend, error) {
	backends := make([]interfaces.ExportBackend, 0, len(locations))

	for _, loc := range locations {
		backend, err := sf.ExportBackendFor(loc)
		if err != nil {
			sf.log.Warn("Failed to create export backend",
				"err", err,
				slog.String("locationURI", loc.String()))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("%w: no valid export backends created", interfaces.ErrInvalidLocationURI)
	}

	return NewMultiExportBackend(backends, sf.log), nil
}

// createIPFSBackend creates an IPFS export backend.
// URI format: ipfs://host:port/?pin=true&timeout=30s
func (sf *ExportBackendFactory) createIPFSBackend(loc interfaces.ExportLocation) (interfaces.ExportBackend, error) {
	sf.log.Debug("Creating IPFS backend", slog.String("uri", loc.String()))

	host, port, _ := strings.Cut(loc.Host, ":")
	if host == "" {
		return nil, fmt.Errorf("%w: missing IPFS host in %s", interfaces.ErrInvalidLocationURI, loc.String())
	}
	if port == "" {
		port = "5001" // Default IPFS API port
	}

	timeout := 30 * time.Second
	if raw := loc.GetParam("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout %q", interfaces.ErrInvalidLocationURI, raw)
		}
		timeout = parsed
	}

	pin := loc.GetParam("pin") == "" || loc.GetParamBool("pin")
	return NewIPFSBackend(host, port, pin, timeout, sf.log)
}

// createS3Backend creates an S3 or S3-compatible export backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/prefix/?region=us-west-2&endpoint=custom.s3.com
// Without embedded credentials the SDK's default credential chain is used.
func (sf *ExportBackendFactory) createS3Backend(loc interfaces.ExportLocation) (interfaces.ExportBackend, error) {
	sf.log.Debug("Creating S3 backend", slog.String("bucket", loc.Host))

	bucketName := loc.Host
	if i := strings.LastIndex(bucketName, "@"); i >= 0 {
		bucketName = bucketName[i+1:]
	}
	if bucketName == "" {
		return nil, fmt.Errorf("%w: missing S3 bucket", interfaces.ErrInvalidLocationURI)
	}

	prefix := strings.Trim(loc.Path, "/")

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1" // Default region
	}
	endpoint := loc.GetParam("endpoint")

	var accessKey, secretKey string
	if loc.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(loc.Auth, ":")
		sf.log.Debug("Using embedded credentials for write access")
	}

	return NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey, sf.log)
}

// createFileBackend creates a file system export backend.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *ExportBackendFactory) createFileBackend(loc interfaces.ExportLocation) (interfaces.ExportBackend, error) {
	sf.log.Debug("Creating file backend", slog.String("uri", loc.String()))

	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, loc.String())
	}

	return NewFileBackend(strings.TrimSuffix(path, "/"), sf.log)
}

// createVaultBackend creates a Vault KV v2 export backend.
// URI format: vault://host:8200/mount/path?token_env=VAULT_TOKEN&cert=client.crt&key=client.key&insecure=false
// The token is read from the named environment variable, never from the URI.
func (sf *ExportBackendFactory) createVaultBackend(loc interfaces.ExportLocation) (interfaces.ExportBackend, error) {
	sf.log.Debug("Creating Vault backend", slog.String("uri", loc.String()))

	if loc.Host == "" {
		return nil, fmt.Errorf("%w: missing Vault host", interfaces.ErrInvalidLocationURI)
	}
	mount, dataPath, _ := strings.Cut(strings.Trim(loc.Path, "/"), "/")
	if mount == "" || dataPath == "" {
		return nil, fmt.Errorf("%w: Vault URI needs /mount/path", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if loc.GetParamBool("insecure") {
		scheme = "http"
	}

	tokenEnv := loc.GetParam("token_env")
	if tokenEnv == "" {
		tokenEnv = "VAULT_TOKEN"
	}
	token := sf.getenv(tokenEnv)
	if token == "" {
		sf.log.Warn("Vault token environment variable is empty", slog.String("env", tokenEnv))
	}

	var cert tls.Certificate
	if certFile, keyFile := loc.GetParam("cert"), loc.GetParam("key"); certFile != "" || keyFile != "" {
		var err error
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load Vault client certificate: %w", err)
		}
	}

	return NewVaultBackend(fmt.Sprintf("%s://%s", scheme, loc.Host), mount, dataPath, token, cert, sf.log)
}

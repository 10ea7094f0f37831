package storage

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/master-key-backup/interfaces"
)

// VaultBackend exports artifacts into a HashiCorp Vault KV v2 mount. Artifact
// bytes are stored base64 encoded next to their SHA-256 checksum.
type VaultBackend struct {
	client      *api.Client
	address     string
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a new Vault export backend authenticated with token.
// A zero clientCert disables TLS client authentication.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "master-key-backups")
//   - token: Vault token with write access to the path
//   - clientCert: optional TLS client certificate
//   - log: Structured logger for operational insights
func NewVaultBackend(address, mountPath, dataPath, token string, clientCert tls.Certificate, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if clientCert.Certificate != nil {
		tlsConfig.Certificates = []tls.Certificate{clientCert}
	}
	config.HttpClient = &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
		Timeout:   30 * time.Second,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	// Ensure paths are properly formatted
	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		address:     address,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

// Fetch reads an artifact back and checks it against the stored checksum.
func (b *VaultBackend) Fetch(ctx context.Context, location string) ([]byte, error) {
	start := time.Now()
	name, ok := strings.CutPrefix(location, b.locationURI+"/")
	if !ok || name == "" {
		return nil, interfaces.ErrContentNotFound
	}
	path := b.kvPath(name)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		b.log.Debug("Artifact not found in Vault", slog.String("path", path))
		return nil, interfaces.ErrContentNotFound
	}

	// Extract data from the response (KV v2 format)
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: invalid data format in Vault response", interfaces.ErrChecksumMismatch)
	}
	content, _ := data["content"].(string)
	checksum, _ := data["sha256"].(string)

	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid content encoding in Vault data: %v", interfaces.ErrChecksumMismatch, err)
	}
	if interfaces.ComputeID(raw).String() != checksum {
		return nil, fmt.Errorf("%w: Vault copy of %s", interfaces.ErrChecksumMismatch, name)
	}

	b.log.Info("Successfully fetched artifact from Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))

	return raw, nil
}

// Store writes the artifact under dataPath/name and returns its vault:// location.
func (b *VaultBackend) Store(ctx context.Context, name string, data []byte) (string, error) {
	start := time.Now()
	path := b.kvPath(name)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(data),
			"sha256":  interfaces.ComputeID(data).String(),
		},
	}

	if _, err := b.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		b.log.Error("Failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return "", fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Info("Successfully stored artifact in Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))

	return b.locationURI + "/" + name, nil
}

// Available checks if the Vault backend is accessible.
// It uses the health endpoint to verify that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

// Name returns a unique identifier for this export backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// LocationURI returns the URI that identifies this export backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

// kvPath is the KV v2 API path of an artifact.
func (b *VaultBackend) kvPath(name string) string {
	return fmt.Sprintf("%s/data/%s/%s", b.mountPath, b.dataPath, name)
}

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/master-key-backup/interfaces"
)

// IPFSBackend exports artifacts to an IPFS node. Content added to IPFS is
// public to anyone who learns its CID, so only encrypted artifacts and shares
// should be sent here.
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	port        string
	pin         bool
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend creates a new IPFS export backend using the node API at host:port.
func NewIPFSBackend(host, port string, pin bool, timeout time.Duration, log *slog.Logger) (*IPFSBackend, error) {
	apiURL := fmt.Sprintf("%s:%s", host, port)

	sh := shell.NewShell(apiURL)
	sh.SetTimeout(timeout)

	return &IPFSBackend{
		shell:       sh,
		host:        host,
		port:        port,
		pin:         pin,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s/?pin=%t&timeout=%s", apiURL, pin, timeout),
	}, nil
}

// Fetch retrieves an artifact from an ipfs://<cid> location.
// Returns ErrBackendUnavailable if the IPFS node is not accessible.
func (b *IPFSBackend) Fetch(ctx context.Context, location string) ([]byte, error) {
	start := time.Now()
	cid, ok := strings.CutPrefix(location, "ipfs://")
	if !ok || cid == "" || strings.Contains(cid, "/") {
		return nil, interfaces.ErrContentNotFound
	}

	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable",
			slog.String("host", b.host),
			slog.String("port", b.port))
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.Cat("/ipfs/" + cid)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, interfaces.ErrContentNotFound
		}
		b.log.Error("Failed to fetch data from IPFS",
			slog.String("cid", cid),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to fetch data from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}

	b.log.Debug("Fetched artifact from IPFS",
		slog.String("cid", cid),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Store adds the artifact to IPFS and returns its ipfs://<cid> location.
func (b *IPFSBackend) Store(ctx context.Context, name string, data []byte) (string, error) {
	if !b.shell.IsUp() {
		return "", interfaces.ErrBackendUnavailable
	}

	cid, err := b.shell.Add(bytes.NewReader(data), shell.Pin(b.pin))
	if err != nil {
		return "", fmt.Errorf("%w: failed to add data to IPFS: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored artifact in IPFS",
		slog.String("name", name),
		slog.String("cid", cid),
		slog.String("checksum", interfaces.ComputeID(data).String()))

	return "ipfs://" + cid, nil
}

// Available checks if the IPFS node is accessible.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

// Name returns a unique identifier for this export backend.
func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI that identifies this export backend.
func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}

// Public reports that anything stored here can be read by others.
func (b *IPFSBackend) Public() bool {
	return true
}

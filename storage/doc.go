// Package storage copies master key backup artifacts off the host.
//
// Backups written by the backup package live next to the key they protect and
// do not survive the loss of that host. This package provides export backends
// for durable destinations and an Exporter that uploads artifacts, reads each
// copy back to confirm it is intact, and records the export in a marker file
// next to the local artifact. Retention only deletes the last recoverable
// backup once such a marker exists.
//
// # Location URI Format
//
// Export targets are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///mnt/offline-drive/backups
//   - s3://bucket-name/prefix/?region=us-west-2&endpoint=minio.local:9000
//   - ipfs://localhost:5001/?pin=true&timeout=30s
//   - vault://vault.example.com:8200/secret/master-key-backups?token_env=VAULT_TOKEN
//
// Credentials for Vault are read from the environment variable named by
// token_env, never from the URI itself. S3 falls back to the AWS SDK's default
// credential chain when the URI carries no access key.
//
// # Backends
//
// All backends implement interfaces.ExportBackend:
//
//	type ExportBackend interface {
//	    Store(ctx context.Context, name string, data []byte) (string, error)
//	    Fetch(ctx context.Context, location string) ([]byte, error)
//	    Available(ctx context.Context) bool
//	    Name() string
//	    LocationURI() string
//	}
//
// Store returns a backend specific location which Fetch accepts. A backend
// returns interfaces.ErrContentNotFound for locations it does not own, which
// lets MultiExportBackend fall back across backends.
//
// # Unencrypted Artifacts
//
// Plaintext backups contain the raw master key. The Exporter only sends them to
// file:// targets unless WithPlaintext is set, and never to IPFS, whose content
// is readable by anyone who learns the CID.
//
// # Usage
//
//	factory := storage.NewExportBackendFactory(logger)
//	loc, _ := interfaces.NewExportLocation("s3://backups/master-key/?region=eu-west-1")
//	backend, err := factory.ExportBackendFor(loc)
//	if err != nil {
//	    return err
//	}
//	exporter, err := storage.NewExporter(manager, []interfaces.ExportBackend{backend}, logger)
//	if err != nil {
//	    return err
//	}
//	results, err := exporter.ExportPending(ctx)
package storage

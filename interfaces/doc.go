// Package interfaces defines the types and contracts shared by the master key
// backup and recovery engine, separating them from their implementations.
//
// # Key Types
//
//   - MasterKey: the 32-byte symmetric key protecting all managed secrets
//   - ContentID: SHA-256 checksum of a backup artifact
//   - BackupRecord: metadata describing an artifact found on disk
//   - MigrationResult: outcome of relocating a legacy key file
//
// # Collaborator Interfaces
//
// KeyProvider is the "get current key" contract used by anything that needs the
// active key. RotationListener receives the (old, new) key pair after a rotation
// has been committed.
//
// Provider models downstream secret stores as a closed set of variants
// (ProviderKind) with fetch, rotate and validate capabilities.
//
// ExportBackend and ExportBackendFactory describe off-host destinations used by
// the external export job.
//
// # Errors
//
// The engine reports failures with sentinel errors (ErrKeyNotFound,
// ErrCorruptKey, ErrAlreadyExists, ErrChecksumMismatch, ErrAuthentication,
// ErrInsufficientShares, ErrIncompatibleShareSet, ErrPermission, ErrMigration,
// ErrLockContention, ErrSelfTestFailed), wrapped with context. ErrorCode and
// ExitCode map them to stable operator-facing codes.
package interfaces

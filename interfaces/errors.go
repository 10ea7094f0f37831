package interfaces

import (
	"errors"
	"fmt"
	"io/fs"
)

// Error taxonomy shared by every component. Callers match with errors.Is; all of
// these are recoverable by an operator and none triggers an automatic fallback.
var (
	ErrKeyNotFound          = errors.New("master key not found")
	ErrCorruptKey           = errors.New("master key is corrupt")
	ErrAlreadyExists        = errors.New("already exists")
	ErrChecksumMismatch     = errors.New("checksum mismatch")
	ErrAuthentication       = errors.New("authentication failed: wrong passphrase or tampered backup")
	ErrInsufficientShares   = errors.New("insufficient shares")
	ErrIncompatibleShareSet = errors.New("shares belong to different share sets")
	ErrPermission           = errors.New("permission denied")
	ErrMigration            = errors.New("key migration failed")
	ErrLockContention       = errors.New("another operation holds the key store lock")
	ErrSelfTestFailed       = errors.New("candidate key failed self-test")

	// ErrRotationNotify is returned by Rotate after the new key has been
	// committed when one or more listeners failed.
	ErrRotationNotify = errors.New("master key rotated but listener notification failed")

	// ErrUsage reports invalid arguments to an administrative command.
	ErrUsage = errors.New("invalid usage")
)

type errorClass struct {
	err  error
	code string
	exit int
}

// Ordered from most to least specific.
var errorClasses = []errorClass{
	{ErrUsage, "E_USAGE", 2},
	{ErrInvalidLocationURI, "E_USAGE", 2},
	{ErrUnknownProvider, "E_USAGE", 2},
	{ErrAuthentication, "E_AUTH", 3},
	{ErrChecksumMismatch, "E_CHECKSUM", 4},
	{ErrInsufficientShares, "E_INSUFFICIENT_SHARES", 5},
	{ErrIncompatibleShareSet, "E_INCOMPATIBLE_SHARE_SET", 6},
	{ErrLockContention, "E_LOCKED", 8},
	{ErrSelfTestFailed, "E_SELF_TEST", 12},
	{ErrRotationNotify, "E_ROTATION_NOTIFY", 14},
	{ErrPermission, "E_PERMISSION", 7},
	{ErrMigration, "E_MIGRATION", 13},
	{ErrKeyNotFound, "E_KEY_NOT_FOUND", 9},
	{ErrCorruptKey, "E_CORRUPT_KEY", 10},
	{ErrAlreadyExists, "E_EXISTS", 11},
	{ErrContentNotFound, "E_IO", 7},
	{ErrBackendUnavailable, "E_IO", 7},
}

// ErrorCode returns the stable code string shown to operators.
func ErrorCode(err error) string {
	if err == nil {
		return "OK"
	}
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "E_INTERNAL"
}

// ExitCode maps an error to the process exit status of the admin tool.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.exit
		}
	}
	return 1
}

// MapFSError wraps a file system error, adding ErrPermission when the
// operating system denied access.
func MapFSError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%s: %w: %w", op, ErrPermission, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

package interfaces

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		err  error
		code string
		exit int
	}{
		{nil, "OK", 0},
		{ErrUsage, "E_USAGE", 2},
		{ErrInvalidLocationURI, "E_USAGE", 2},
		{ErrAuthentication, "E_AUTH", 3},
		{ErrChecksumMismatch, "E_CHECKSUM", 4},
		{ErrInsufficientShares, "E_INSUFFICIENT_SHARES", 5},
		{ErrIncompatibleShareSet, "E_INCOMPATIBLE_SHARE_SET", 6},
		{ErrPermission, "E_PERMISSION", 7},
		{ErrLockContention, "E_LOCKED", 8},
		{ErrKeyNotFound, "E_KEY_NOT_FOUND", 9},
		{ErrCorruptKey, "E_CORRUPT_KEY", 10},
		{ErrAlreadyExists, "E_EXISTS", 11},
		{ErrSelfTestFailed, "E_SELF_TEST", 12},
		{ErrMigration, "E_MIGRATION", 13},
		{ErrRotationNotify, "E_ROTATION_NOTIFY", 14},
		{errors.New("boom"), "E_INTERNAL", 1},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			assert.Equal(t, tc.code, ErrorCode(tc.err))
			assert.Equal(t, tc.exit, ExitCode(tc.err))

			if tc.err != nil {
				wrapped := fmt.Errorf("context: %w", tc.err)
				assert.Equal(t, tc.code, ErrorCode(wrapped))
			}
		})
	}
}

func TestMigrationClassWinsOverCause(t *testing.T) {
	// A migration that failed because the legacy key was corrupt is still a
	// migration failure for the operator.
	err := fmt.Errorf("%w: legacy key: %w", ErrMigration, ErrCorruptKey)
	assert.Equal(t, "E_MIGRATION", ErrorCode(err))
}

func TestMapFSError(t *testing.T) {
	assert.NoError(t, MapFSError("op", nil))

	err := MapFSError("failed to write", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission})
	assert.ErrorIs(t, err, ErrPermission)
	assert.ErrorIs(t, err, fs.ErrPermission)
	assert.Equal(t, 7, ExitCode(err))

	err = MapFSError("failed to write", fs.ErrClosed)
	assert.NotErrorIs(t, err, ErrPermission)
	assert.ErrorIs(t, err, fs.ErrClosed)
}

func TestMasterKeyValidate(t *testing.T) {
	assert.ErrorIs(t, MasterKey(make([]byte, MasterKeySize)).Validate(), ErrCorruptKey)
	assert.ErrorIs(t, MasterKey(make([]byte, 16)).Validate(), ErrCorruptKey)

	key := MasterKey(make([]byte, MasterKeySize))
	key[7] = 1
	require.NoError(t, key.Validate())

	clone := key.Clone()
	assert.True(t, key.Equal(clone))
	assert.Equal(t, key.Fingerprint(), clone.Fingerprint())
	assert.Len(t, key.Fingerprint(), 2*FingerprintSize)

	clone[0] ^= 1
	assert.False(t, key.Equal(clone))
	assert.NotEqual(t, key.Fingerprint(), clone.Fingerprint())

	clone.Wipe()
	assert.Equal(t, MasterKey(make([]byte, MasterKeySize)), clone)
	assert.Equal(t, byte(1), key[7], "wiping a clone must not touch the original")
}

func TestContentIDFromHex(t *testing.T) {
	id := ComputeID([]byte("artifact"))

	parsed, err := NewContentIDFromHex(id.String())
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))

	parsed, err = NewContentIDFromHex("0x" + id.String())
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))

	_, err = NewContentIDFromHex("abcd")
	assert.Error(t, err)
	_, err = NewContentIDFromHex(id.String()[:62] + "zz")
	assert.Error(t, err)
}

func TestNewExportLocation(t *testing.T) {
	loc, err := NewExportLocation("s3://AK:SK@bucket/prefix?region=eu-west-1")
	require.NoError(t, err)
	assert.Equal(t, "s3", loc.Scheme)
	assert.Equal(t, "bucket", loc.Host)
	assert.Equal(t, "/prefix", loc.Path)
	assert.Equal(t, "AK:SK", loc.Auth)
	assert.Equal(t, "eu-west-1", loc.GetParam("region"))

	loc, err = NewExportLocation("vault://vault.internal:8200/secret/backups?insecure=yes")
	require.NoError(t, err)
	assert.True(t, loc.GetParamBool("insecure"))
	assert.False(t, loc.GetParamBool("missing"))

	for _, raw := range []string{"ftp://host/x", "no-scheme", "://bad"} {
		_, err := NewExportLocation(raw)
		assert.ErrorIs(t, err, ErrInvalidLocationURI, raw)
	}
}

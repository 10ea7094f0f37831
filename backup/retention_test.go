package backup

import (
	"os"
	"testing"
	"time"

	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetentionPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetentionPolicy
		wantErr bool
	}{
		{"max age only", RetentionPolicy{MaxAge: time.Hour}, false},
		{"keep last only", RetentionPolicy{KeepLast: 3}, false},
		{"both", RetentionPolicy{MaxAge: time.Hour, KeepLast: 3}, false},
		{"neither", RetentionPolicy{}, true},
		{"negative", RetentionPolicy{KeepLast: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, interfaces.ErrUsage)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCleanup_DeletesWholeShareSets(t *testing.T) {
	env := newTestEnv(t)

	sharePaths, err := env.manager.CreateSplit(3, 2)
	require.NoError(t, err)
	encPath, _, err := env.manager.CreateEncrypted([]byte(testPassphrase))
	require.NoError(t, err)
	env.clock.Advance(48 * time.Hour)

	report, err := env.manager.Cleanup(RetentionPolicy{MaxAge: 24 * time.Hour, KeepLast: 1})
	require.NoError(t, err)
	assert.ElementsMatch(t, sharePaths, report.Deleted)
	assert.Equal(t, 1, report.Kept)
	assert.FileExists(t, encPath)
	for _, p := range sharePaths {
		assert.NoFileExists(t, p)
	}
}

func TestCleanup_RespectsMaxAge(t *testing.T) {
	env := newTestEnv(t)

	old, _, err := env.manager.CreateEncrypted([]byte(testPassphrase))
	require.NoError(t, err)
	env.clock.Advance(72 * time.Hour)
	recent, _, err := env.manager.CreateEncrypted([]byte(testPassphrase))
	require.NoError(t, err)

	report, err := env.manager.Cleanup(RetentionPolicy{MaxAge: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, []string{old}, report.Deleted)
	assert.FileExists(t, recent)
}

func TestCleanup_KeepLast(t *testing.T) {
	env := newTestEnv(t)

	var paths []string
	for i := 0; i < 4; i++ {
		p, _, err := env.manager.CreateEncrypted([]byte(testPassphrase))
		require.NoError(t, err)
		paths = append(paths, p)
	}

	report, err := env.manager.Cleanup(RetentionPolicy{KeepLast: 2})
	require.NoError(t, err)
	assert.ElementsMatch(t, paths[:2], report.Deleted)
	assert.Equal(t, 2, report.Kept)
}

func TestCleanup_IncompleteShareSetIsNotASurvivor(t *testing.T) {
	env := newTestEnv(t)

	encPath, _, err := env.manager.CreateEncrypted([]byte(testPassphrase))
	require.NoError(t, err)
	env.clock.Advance(48 * time.Hour)
	sharePaths, err := env.manager.CreateSplit(3, 3)
	require.NoError(t, err)
	require.NoError(t, os.Remove(sharePaths[0]))

	// The share set is kept by KeepLast but cannot recover the key, so the
	// encrypted backup is the last recoverable unit.
	report, err := env.manager.Cleanup(RetentionPolicy{MaxAge: 24 * time.Hour, KeepLast: 1})
	require.NoError(t, err)
	assert.Empty(t, report.Deleted)
	assert.Equal(t, []string{encPath}, report.Protected)
	assert.FileExists(t, encPath)
}

func TestCleanup_SkipsDamagedArtifacts(t *testing.T) {
	env := newTestEnv(t)

	path, _, err := env.manager.CreateEncrypted([]byte(testPassphrase))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("junk"), 0o600))
	env.clock.Advance(48 * time.Hour)

	report, err := env.manager.Cleanup(RetentionPolicy{MaxAge: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, []string{path}, report.Skipped)
	assert.FileExists(t, path)
}

func TestCleanup_LockContention(t *testing.T) {
	env := newTestEnv(t)

	lock, err := env.store.Lock()
	require.NoError(t, err)
	defer lock.Release()

	_, err = env.manager.Cleanup(RetentionPolicy{KeepLast: 1})
	assert.ErrorIs(t, err, interfaces.ErrLockContention)
}

func TestMarkExportedAndInstructions(t *testing.T) {
	env := newTestEnv(t)

	path, _, err := env.manager.CreateEncrypted([]byte(testPassphrase))
	require.NoError(t, err)

	instructions := env.manager.ExportInstructions()
	assert.Contains(t, instructions, env.manager.Dir())
	assert.Contains(t, instructions, "Not yet exported")

	require.NoError(t, env.manager.MarkExported(path, "file:///mnt/usb"))
	require.NoError(t, env.manager.MarkExported(path, "s3://bucket/keys", "file:///mnt/usb"))

	marker, err := ReadMarker(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"file:///mnt/usb", "s3://bucket/keys"}, marker.Destinations)

	records, err := env.manager.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Exported)

	assert.Contains(t, env.manager.ExportInstructions(), "All backups have been exported")

	err = env.manager.MarkExported(path+".missing", "x")
	assert.ErrorIs(t, err, interfaces.ErrUsage)
}

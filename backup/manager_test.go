package backup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/master-key-backup/common"
	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/ruteri/master-key-backup/keystore"
	"github.com/ruteri/master-key-backup/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassphrase = "correct-horse-battery-staple"

// fakeClock ticks one second per reading so artifact names never collide.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testCodec(t *testing.T) *kms.Codec {
	t.Helper()
	codec, err := kms.NewCodec(
		kms.WithKDF(kms.KDFParams{Algorithm: kms.KDFPBKDF2SHA256, Iterations: 1000}),
		kms.WithFloor(kms.WorkFactorFloor{PBKDF2Iterations: 1000, Argon2Time: 1, Argon2MemoryKiB: 1024}),
	)
	require.NoError(t, err)
	return codec
}

type testEnv struct {
	store   *keystore.KeyStore
	manager *Manager
	clock   *fakeClock
	key     interfaces.MasterKey
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	store, err := keystore.New(t.TempDir(), common.DiscardLogger())
	require.NoError(t, err)
	key, err := store.Generate(false)
	require.NoError(t, err)

	clock := newFakeClock()
	manager, err := NewManager(store, testCodec(t), common.DiscardLogger(), append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return &testEnv{store: store, manager: manager, clock: clock, key: key.Clone()}
}

func (e *testEnv) requireActiveKey(t *testing.T, want interfaces.MasterKey) {
	t.Helper()
	active, err := e.store.Load()
	require.NoError(t, err)
	require.True(t, want.Equal(active), "active key changed")
}

func TestRestore_EncryptedRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	path, checksum, err := env.manager.CreateEncrypted([]byte(testPassphrase))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".enc"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(raw), checksum)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, env.manager.Restore(path, []byte(testPassphrase)))
	env.requireActiveKey(t, env.key)
}

func TestRestoreSplit_ThresholdSubset(t *testing.T) {
	env := newTestEnv(t)

	paths, err := env.manager.CreateSplit(5, 3)
	require.NoError(t, err)
	require.Len(t, paths, 5)
	assert.True(t, strings.Contains(filepath.Base(paths[0]), "master_key_share_1_of_5_"))

	require.NoError(t, env.manager.RestoreSplit(paths[0], paths[2], paths[4]))
	env.requireActiveKey(t, env.key)

	err = env.manager.RestoreSplit(paths[0], paths[1])
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares)
	env.requireActiveKey(t, env.key)
}

func TestRestore_CorruptedContainer(t *testing.T) {
	env := newTestEnv(t)

	path, _, err := env.manager.CreateEncrypted([]byte(testPassphrase))
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	result := env.manager.Verify(path)
	assert.False(t, result.OK)
	assert.ErrorIs(t, result.Err, interfaces.ErrChecksumMismatch)
	assert.NotEmpty(t, result.Reason)

	err = env.manager.Restore(path, []byte(testPassphrase))
	assert.ErrorIs(t, err, interfaces.ErrChecksumMismatch)
	env.requireActiveKey(t, env.key)

	err = env.manager.Restore(path, []byte("any other passphrase"))
	assert.Error(t, err)
	env.requireActiveKey(t, env.key)
}

func TestCleanup_KeepsLastUnexported(t *testing.T) {
	env := newTestEnv(t)

	path, _, err := env.manager.CreateEncrypted([]byte(testPassphrase))
	require.NoError(t, err)
	env.clock.Advance(48 * time.Hour)

	policy := RetentionPolicy{MaxAge: 24 * time.Hour}
	report, err := env.manager.Cleanup(policy)
	require.NoError(t, err)
	assert.Empty(t, report.Deleted)
	assert.Equal(t, []string{path}, report.Protected)
	assert.FileExists(t, path)

	require.NoError(t, env.manager.MarkExported(path, "s3://bucket/keys"))
	report, err = env.manager.Cleanup(policy)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, report.Deleted)
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, markerPath(path))
}

func TestRestore_WrongPassphrase(t *testing.T) {
	env := newTestEnv(t)

	path, _, err := env.manager.CreateEncrypted([]byte(testPassphrase))
	require.NoError(t, err)

	err = env.manager.Restore(path, []byte("wrong"))
	assert.ErrorIs(t, err, interfaces.ErrAuthentication)
	assert.Equal(t, 3, interfaces.ExitCode(err))
	env.requireActiveKey(t, env.key)
}

func TestRestore_ReplacesActiveKey(t *testing.T) {
	env := newTestEnv(t)

	path, _, err := env.manager.CreateEncrypted([]byte(testPassphrase))
	require.NoError(t, err)

	_, rotated, err := env.store.Rotate(context.Background())
	require.NoError(t, err)
	env.requireActiveKey(t, rotated)

	require.NoError(t, env.manager.Restore(path, []byte(testPassphrase)))
	env.requireActiveKey(t, env.key)
}

func TestRestore_UnknownKeyFailsSelfTest(t *testing.T) {
	env := newTestEnv(t)
	foreign := newTestEnv(t)

	path, _, err := foreign.manager.CreateEncrypted([]byte(testPassphrase))
	require.NoError(t, err)

	err = env.manager.Restore(path, []byte(testPassphrase))
	assert.ErrorIs(t, err, interfaces.ErrSelfTestFailed)
	env.requireActiveKey(t, env.key)

	permissive, err := NewManager(env.store, testCodec(t), common.DiscardLogger(), WithAllowUnknownKey(true))
	require.NoError(t, err)
	require.NoError(t, permissive.Restore(path, []byte(testPassphrase)))
	env.requireActiveKey(t, foreign.key)
}

func TestRestore_Plaintext(t *testing.T) {
	env := newTestEnv(t)

	path, err := env.manager.CreatePlaintext()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "_UNENCRYPTED.key"))

	_, _, err = env.store.Rotate(context.Background())
	require.NoError(t, err)

	require.NoError(t, env.manager.Restore(path, nil))
	env.requireActiveKey(t, env.key)
}

func TestRestore_RejectsShare(t *testing.T) {
	env := newTestEnv(t)

	paths, err := env.manager.CreateSplit(3, 2)
	require.NoError(t, err)

	err = env.manager.Restore(paths[0], nil)
	assert.ErrorIs(t, err, interfaces.ErrUsage)
}

func TestRestoreSplit_MixedSets(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.manager.CreateSplit(3, 2)
	require.NoError(t, err)
	second, err := env.manager.CreateSplit(3, 2)
	require.NoError(t, err)

	err = env.manager.RestoreSplit(first[0], second[1])
	assert.ErrorIs(t, err, interfaces.ErrIncompatibleShareSet)
	env.requireActiveKey(t, env.key)

	require.NoError(t, env.manager.RestoreSplit(second[2], second[0]))
	env.requireActiveKey(t, env.key)
}

func TestRestoreSplit_CorruptShare(t *testing.T) {
	env := newTestEnv(t)

	paths, err := env.manager.CreateSplit(3, 2)
	require.NoError(t, err)

	raw, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	raw[10] ^= 0x01
	require.NoError(t, os.WriteFile(paths[1], raw, 0o600))

	err = env.manager.RestoreSplit(paths[0], paths[1])
	assert.ErrorIs(t, err, interfaces.ErrChecksumMismatch)
	env.requireActiveKey(t, env.key)
}

func TestRestore_LockContention(t *testing.T) {
	env := newTestEnv(t)

	path, _, err := env.manager.CreateEncrypted([]byte(testPassphrase))
	require.NoError(t, err)

	lock, err := env.store.Lock()
	require.NoError(t, err)
	defer lock.Release()

	err = env.manager.Restore(path, []byte(testPassphrase))
	assert.ErrorIs(t, err, interfaces.ErrLockContention)
	assert.Equal(t, 8, interfaces.ExitCode(err))
}

func TestCreate_WithoutKey(t *testing.T) {
	store, err := keystore.New(t.TempDir(), common.DiscardLogger())
	require.NoError(t, err)
	manager, err := NewManager(store, testCodec(t), common.DiscardLogger())
	require.NoError(t, err)

	_, _, err = manager.CreateEncrypted([]byte(testPassphrase))
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	_, err = manager.CreateSplit(3, 2)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	_, err = manager.CreatePlaintext()
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestCreateSplit_InvalidParameters(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.manager.CreateSplit(2, 3)
	assert.ErrorIs(t, err, interfaces.ErrUsage)

	records, err := env.manager.List()
	require.NoError(t, err)
	assert.Empty(t, records, "No partial share set may remain")
}

func TestList(t *testing.T) {
	env := newTestEnv(t)

	encPath, _, err := env.manager.CreateEncrypted([]byte(testPassphrase))
	require.NoError(t, err)
	sharePaths, err := env.manager.CreateSplit(3, 2)
	require.NoError(t, err)
	plainPath, err := env.manager.CreatePlaintext()
	require.NoError(t, err)

	// Unrelated files are ignored; damaged artifacts are reported.
	require.NoError(t, os.WriteFile(filepath.Join(env.manager.Dir(), "notes.txt"), []byte("hi"), 0o600))
	broken := filepath.Join(env.manager.Dir(), "master_key_backup_20200101_000000_000000.enc")
	require.NoError(t, os.WriteFile(broken, []byte("junk"), 0o600))

	records, err := env.manager.List()
	require.NoError(t, err)
	require.Len(t, records, 6)

	assert.Equal(t, plainPath, records[0].Path, "Newest first")
	assert.Equal(t, interfaces.PlaintextBackup, records[0].Type)
	assert.True(t, records[0].Unencrypted())
	assert.Equal(t, env.key.Fingerprint(), records[0].Fingerprint)

	var shares, encrypted int
	for _, r := range records[1:] {
		switch r.Path {
		case encPath:
			encrypted++
			assert.Equal(t, interfaces.EncryptedBackup, r.Type)
			assert.Equal(t, env.key.Fingerprint(), r.Fingerprint)
			assert.NoError(t, r.Err)
		case broken:
			assert.Equal(t, interfaces.EncryptedBackup, r.Type)
			assert.ErrorIs(t, r.Err, interfaces.ErrChecksumMismatch)
		default:
			shares++
			assert.Contains(t, sharePaths, r.Path)
			assert.Equal(t, interfaces.SplitBackup, r.Type)
			assert.Equal(t, 2, r.Threshold)
			assert.Equal(t, 3, r.Total)
			assert.NotEmpty(t, r.ShareSetID)
			assert.Empty(t, r.Fingerprint, "Shares carry no fingerprint")
		}
	}
	assert.Equal(t, 3, shares)
	assert.Equal(t, 1, encrypted)
	assert.Equal(t, broken, records[len(records)-1].Path)
}

func TestVerify_ShareSetOnDisk(t *testing.T) {
	env := newTestEnv(t)

	paths, err := env.manager.CreateSplit(3, 2)
	require.NoError(t, err)

	result := env.manager.Verify(paths[0])
	assert.True(t, result.OK)
	assert.Empty(t, result.Reason)

	require.NoError(t, os.Remove(paths[1]))
	require.NoError(t, os.Remove(paths[2]))

	result = env.manager.Verify(paths[0])
	assert.True(t, result.OK, "The share itself is intact")
	assert.Contains(t, result.Reason, "not restorable")

	result = env.manager.Verify(filepath.Join(env.manager.Dir(), "random.bin"))
	assert.False(t, result.OK)
	assert.ErrorIs(t, result.Err, interfaces.ErrUsage)
}

func TestVerifyAll(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.manager.CreateEncrypted([]byte(testPassphrase))
	require.NoError(t, err)
	_, err = env.manager.CreatePlaintext()
	require.NoError(t, err)

	results, err := env.manager.VerifyAll()
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.OK, r.Reason)
	}
}

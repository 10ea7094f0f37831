package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ruteri/master-key-backup/cmd/flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t       *testing.T
	dataDir string
}

func newHarness(t *testing.T) *harness {
	t.Setenv("MKB_CONFIG", "")
	t.Setenv("MKB_DATA_DIR", "")
	t.Setenv(flags.PassphraseEnv, "correct horse battery staple")
	return &harness{t: t, dataDir: t.TempDir()}
}

// keyctl runs a command and returns its exit code, stdout and stderr.
func (h *harness) keyctl(args ...string) (int, string, string) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	argv := append([]string{"keyctl", "--data-dir", h.dataDir}, args...)
	code := run(context.Background(), argv, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	code, out, errOut := h.keyctl(args...)
	require.Equal(h.t, 0, code, "keyctl %s failed: %s", strings.Join(args, " "), errOut)
	return out
}

func (h *harness) backups(pattern string) []string {
	h.t.Helper()
	matches, err := filepath.Glob(filepath.Join(h.dataDir, "backups", pattern))
	require.NoError(h.t, err)
	return matches
}

func (h *harness) keyFile() string {
	h.t.Helper()
	raw, err := os.ReadFile(filepath.Join(h.dataDir, "master.key"))
	require.NoError(h.t, err)
	return string(raw)
}

func TestGenerateIsIdempotent(t *testing.T) {
	h := newHarness(t)

	out := h.mustRun("generate")
	assert.Contains(t, out, "Generated master key")
	first := h.keyFile()

	out = h.mustRun("generate")
	assert.Contains(t, out, "already present")
	assert.Equal(t, first, h.keyFile())
}

func TestGenerateMigratesLegacyKey(t *testing.T) {
	h := newHarness(t)
	legacy := filepath.Join(t.TempDir(), "legacy.key")
	require.NoError(t, os.WriteFile(legacy, []byte("q83vASNFZ4mrze8BI0VniavN7wEjRWeJq83vASNFZ4k="), 0o400))

	out := h.mustRun("--legacy-key-path", legacy, "generate")
	assert.Contains(t, out, "Migrated legacy master key")
	assert.Equal(t, "q83vASNFZ4mrze8BI0VniavN7wEjRWeJq83vASNFZ4k=", h.keyFile())

	_, err := os.Stat(legacy)
	assert.NoError(t, err, "legacy key must be left in place")
}

func TestMigrateWithoutKeyFails(t *testing.T) {
	h := newHarness(t)
	code, _, errOut := h.keyctl("migrate")
	assert.Equal(t, 9, code)
	assert.Contains(t, errOut, "E_KEY_NOT_FOUND")
	assert.NoFileExists(t, filepath.Join(h.dataDir, "master.key"))

	code, _, errOut = h.keyctl("create-plaintext")
	assert.Equal(t, 9, code)
	assert.Contains(t, errOut, "E_KEY_NOT_FOUND")
}

func TestEncryptedBackupRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.mustRun("generate")
	original := h.keyFile()

	out := h.mustRun("create-encrypted")
	assert.Contains(t, out, "SHA-256")
	files := h.backups("*.enc")
	require.Len(t, files, 1)

	h.mustRun("verify", files[0])

	// Rotation makes the backup hold a retired key.
	h.mustRun("rotate-master-key")
	require.NotEqual(t, original, h.keyFile())

	out = h.mustRun("restore", files[0])
	assert.Contains(t, out, "Restored master key")
	assert.Equal(t, original, h.keyFile())
}

func TestRestoreDetectsEncryptionByContent(t *testing.T) {
	h := newHarness(t)
	h.mustRun("generate")
	original := h.keyFile()
	h.mustRun("create-encrypted")
	files := h.backups("*.enc")
	require.Len(t, files, 1)

	raw, err := os.ReadFile(files[0])
	require.NoError(t, err)
	fetched := filepath.Join(t.TempDir(), "fetched-artifact")
	require.NoError(t, os.WriteFile(fetched, raw, 0o600))

	h.mustRun("rotate-master-key")
	require.NotEqual(t, original, h.keyFile())

	out := h.mustRun("restore", fetched)
	assert.Contains(t, out, "Restored master key")
	assert.Equal(t, original, h.keyFile())
}

func TestRestoreWrongPassphrase(t *testing.T) {
	h := newHarness(t)
	h.mustRun("generate")
	h.mustRun("create-encrypted")
	files := h.backups("*.enc")
	require.Len(t, files, 1)
	before := h.keyFile()

	passFile := filepath.Join(t.TempDir(), "pass")
	require.NoError(t, os.WriteFile(passFile, []byte("not the passphrase\n"), 0o600))

	code, _, errOut := h.keyctl("restore", "--passphrase-file", passFile, files[0])
	assert.Equal(t, 3, code)
	assert.Contains(t, errOut, "E_AUTH")
	assert.Equal(t, before, h.keyFile())
}

func TestShortPassphraseRejected(t *testing.T) {
	h := newHarness(t)
	h.mustRun("generate")
	t.Setenv(flags.PassphraseEnv, "short")

	code, _, _ := h.keyctl("create-encrypted")
	assert.Equal(t, 2, code)
	assert.Empty(t, h.backups("*.enc"))
}

func TestSplitBackup(t *testing.T) {
	h := newHarness(t)
	h.mustRun("generate")
	original := h.keyFile()

	h.mustRun("create-split", "--shares", "3", "--threshold", "2")
	shares := h.backups("*.share")
	require.Len(t, shares, 3)

	code, _, errOut := h.keyctl("restore-split", shares[0])
	assert.Equal(t, 5, code)
	assert.Contains(t, errOut, "E_INSUFFICIENT")

	h.mustRun("restore-split", shares[2], shares[0])
	assert.Equal(t, original, h.keyFile())
}

func TestSplitRejectsBadThreshold(t *testing.T) {
	h := newHarness(t)
	h.mustRun("generate")

	code, _, _ := h.keyctl("create-split", "--shares", "2", "--threshold", "3")
	assert.Equal(t, 2, code)
	assert.Empty(t, h.backups("*.share"))
}

func TestVerifyDetectsCorruption(t *testing.T) {
	h := newHarness(t)
	h.mustRun("generate")
	h.mustRun("create-plaintext")
	files := h.backups("*.key")
	require.Len(t, files, 1)

	raw, err := os.ReadFile(files[0])
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xff
	require.NoError(t, os.WriteFile(files[0], raw, 0o600))

	code, out, _ := h.keyctl("verify", "--all")
	assert.Equal(t, 4, code)
	assert.Contains(t, out, "FAILED")
}

func TestVerifyExpectedChecksum(t *testing.T) {
	h := newHarness(t)
	h.mustRun("generate")
	h.mustRun("create-encrypted")
	files := h.backups("*.enc")
	require.Len(t, files, 1)

	raw, err := os.ReadFile(files[0])
	require.NoError(t, err)
	sum := sha256.Sum256(raw)

	out := h.mustRun("verify", "--checksum", hex.EncodeToString(sum[:]), files[0])
	assert.Contains(t, out, "OK")
	h.mustRun("verify", "--checksum", "0x"+hex.EncodeToString(sum[:]), files[0])

	code, out, _ := h.keyctl("verify", "--checksum", strings.Repeat("00", 32), files[0])
	assert.Equal(t, 4, code)
	assert.Contains(t, out, "FAILED")

	code, _, _ = h.keyctl("verify", "--checksum", "abcd", files[0])
	assert.Equal(t, 2, code)

	code, _, _ = h.keyctl("verify", "--all", "--checksum", hex.EncodeToString(sum[:]))
	assert.Equal(t, 2, code)
}

func TestListJSON(t *testing.T) {
	h := newHarness(t)
	h.mustRun("generate")
	h.mustRun("create-plaintext")
	h.mustRun("create-split", "--shares", "2", "--threshold", "2")

	out := h.mustRun("list", "--json")
	var entries []struct {
		Type     string `json:"type"`
		Checksum string `json:"checksum"`
		Exported bool   `json:"exported"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 3)
	types := map[string]int{}
	for _, e := range entries {
		types[e.Type]++
		assert.Len(t, e.Checksum, 64)
		assert.False(t, e.Exported)
	}
	assert.Equal(t, map[string]int{"plaintext": 1, "split": 2}, types)
}

func TestExportToFileTarget(t *testing.T) {
	h := newHarness(t)
	h.mustRun("generate")
	h.mustRun("create-split", "--shares", "2", "--threshold", "2")
	h.mustRun("create-plaintext")

	target := t.TempDir()
	out := h.mustRun("export", "--to", "file://"+target)
	assert.Contains(t, out, "exported")

	copied, err := filepath.Glob(filepath.Join(target, "*"))
	require.NoError(t, err)
	assert.Len(t, copied, 3)
	for _, share := range h.backups("*.share") {
		_, err := os.Stat(share + ".exported")
		assert.NoError(t, err)
	}

	out = h.mustRun("export", "--to", "file://"+target)
	assert.Contains(t, out, "Nothing to export")
}

func TestCleanupKeepsLastUnexported(t *testing.T) {
	h := newHarness(t)
	h.mustRun("generate")
	h.mustRun("create-plaintext")

	out := h.mustRun("cleanup-backups", "--max-age", "1ns", "--keep-last", "0", "--json")
	var report struct {
		Deleted   []string `json:"deleted"`
		Protected []string `json:"protected"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Empty(t, report.Deleted)
	assert.Len(t, report.Protected, 1)
	assert.Len(t, h.backups("*.key"), 1)
}

func TestRetiredKeys(t *testing.T) {
	h := newHarness(t)
	h.mustRun("generate")
	h.mustRun("rotate-master-key")

	out := h.mustRun("retired")
	assert.Contains(t, out, "FINGERPRINT")
	assert.Contains(t, out, "ok")

	retired, err := filepath.Glob(filepath.Join(h.dataDir, "master.key.retired.*"))
	require.NoError(t, err)
	require.Len(t, retired, 1)
	require.NoError(t, os.WriteFile(retired[0], []byte("garbage"), 0o600))

	code, out, _ := h.keyctl("retired")
	assert.Equal(t, 10, code, "An unreadable retired key should be reported")
	assert.Contains(t, out, "E_CORRUPT_KEY")

	out = h.mustRun("history")
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)

	code, _, _ = h.keyctl("purge-retired", "00112233445566778899aabbccddeeff")
	assert.Equal(t, 9, code)
}

func TestUsageErrors(t *testing.T) {
	h := newHarness(t)

	code, _, errOut := h.keyctl("no-such-command")
	assert.Equal(t, 2, code, errOut)

	code, _, _ = h.keyctl("verify")
	assert.Equal(t, 2, code)

	code, _, _ = h.keyctl("export")
	assert.Equal(t, 2, code)

	code, _, _ = h.keyctl("--config", filepath.Join(t.TempDir(), "missing.yaml"), "list")
	assert.Equal(t, 2, code)
}

func TestMissingFlagsAreUsageErrors(t *testing.T) {
	h := newHarness(t)
	h.mustRun("generate")

	code, _, _ := h.keyctl("create-split", "--shares", "3")
	assert.Equal(t, 2, code)

	code, _, _ = h.keyctl("rotate-secret", "--provider", "db")
	assert.Equal(t, 2, code)

	code, _, _ = h.keyctl("fetch", "file:///tmp/x")
	assert.Equal(t, 2, code)
}

package flags

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSource(env map[string]string, tty bool, answers ...string) passphraseSource {
	return passphraseSource{
		getenv: func(k string) string { return env[k] },
		prompt: io.Discard,
		isTTY:  func(int) bool { return tty },
		read: func(int) ([]byte, error) {
			if len(answers) == 0 {
				return nil, errors.New("no more input")
			}
			next := answers[0]
			answers = answers[1:]
			return []byte(next), nil
		},
	}
}

func TestPassphrase_FileWinsOverEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pass")
	require.NoError(t, os.WriteFile(path, []byte("from-the-file-123\n"), 0o600))

	src := testSource(map[string]string{PassphraseEnv: "from-the-environment"}, false)
	src.file = path

	got, err := src.passphrase(true)
	require.NoError(t, err)
	assert.Equal(t, "from-the-file-123", string(got))
}

func TestPassphrase_Environment(t *testing.T) {
	src := testSource(map[string]string{PassphraseEnv: "from-the-environment"}, false)
	got, err := src.passphrase(false)
	require.NoError(t, err)
	assert.Equal(t, "from-the-environment", string(got))
}

func TestPassphrase_Prompt(t *testing.T) {
	got, err := testSource(nil, true, "typed-on-the-tty", "typed-on-the-tty").passphrase(true)
	require.NoError(t, err)
	assert.Equal(t, "typed-on-the-tty", string(got))

	got, err = testSource(nil, true, "short").passphrase(false)
	require.NoError(t, err)
	assert.Equal(t, "short", string(got), "minimum length only applies to new backups")
}

func TestPassphrase_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  passphraseSource
	}{
		{name: "no terminal", src: testSource(nil, false)},
		{name: "mismatch", src: testSource(nil, true, "first-passphrase", "second-passphrase")},
		{name: "too short", src: testSource(map[string]string{PassphraseEnv: "short"}, false)},
		{name: "empty", src: testSource(nil, true, "", "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.src.passphrase(true)
			require.ErrorIs(t, err, interfaces.ErrUsage)
		})
	}

	src := testSource(nil, false)
	src.file = filepath.Join(t.TempDir(), "missing")
	_, err := src.passphrase(false)
	require.ErrorIs(t, err, interfaces.ErrUsage)
}

package flags

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/ruteri/master-key-backup/kms"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

// PassphraseEnv names the environment variable consulted for backup passphrases.
const PassphraseEnv = "MKB_BACKUP_PASSPHRASE"

// MinPassphraseLength applies to passphrases protecting new backups.
const MinPassphraseLength = 12

// passphraseSource abstracts the inputs so they can be replaced in tests.
type passphraseSource struct {
	file     string
	getenv   func(string) string
	prompt   io.Writer
	terminal int
	isTTY    func(int) bool
	read     func(int) ([]byte, error)
}

// ReadPassphrase returns the backup passphrase from --passphrase-file,
// $MKB_BACKUP_PASSPHRASE or an interactive prompt, in that order. With
// confirm set the prompt asks twice and the length minimum applies.
func ReadPassphrase(cCtx *cli.Context, confirm bool) ([]byte, error) {
	return passphraseSource{
		file:     cCtx.String(PassphraseFileFlag.Name),
		getenv:   os.Getenv,
		prompt:   cCtx.App.ErrWriter,
		terminal: int(os.Stdin.Fd()),
		isTTY:    term.IsTerminal,
		read:     term.ReadPassword,
	}.passphrase(confirm)
}

func (s passphraseSource) passphrase(confirm bool) ([]byte, error) {
	var (
		passphrase []byte
		err        error
	)
	switch {
	case s.file != "":
		passphrase, err = os.ReadFile(s.file)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: passphrase file %s does not exist", interfaces.ErrUsage, s.file)
		}
		if err != nil {
			return nil, interfaces.MapFSError("failed to read passphrase file", err)
		}
		passphrase = bytes.TrimRight(passphrase, "\r\n")
	case s.getenv(PassphraseEnv) != "":
		passphrase = []byte(s.getenv(PassphraseEnv))
	default:
		passphrase, err = s.interactive(confirm)
		if err != nil {
			return nil, err
		}
	}

	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: empty passphrase", interfaces.ErrUsage)
	}
	if confirm && len(passphrase) < MinPassphraseLength {
		kms.Wipe(passphrase)
		return nil, fmt.Errorf("%w: passphrase must be at least %d characters", interfaces.ErrUsage, MinPassphraseLength)
	}
	return passphrase, nil
}

func (s passphraseSource) interactive(confirm bool) ([]byte, error) {
	if !s.isTTY(s.terminal) {
		return nil, fmt.Errorf("%w: no passphrase given and stdin is not a terminal (use --%s or $%s)",
			interfaces.ErrUsage, PassphraseFileFlag.Name, PassphraseEnv)
	}

	fmt.Fprint(s.prompt, "Backup passphrase: ")
	first, err := s.read(s.terminal)
	fmt.Fprintln(s.prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	if !confirm {
		return first, nil
	}

	fmt.Fprint(s.prompt, "Repeat passphrase: ")
	second, err := s.read(s.terminal)
	fmt.Fprintln(s.prompt)
	if err != nil {
		kms.Wipe(first)
		return nil, fmt.Errorf("failed to read passphrase confirmation: %w", err)
	}
	defer kms.Wipe(second)

	if subtle.ConstantTimeCompare(first, second) != 1 {
		kms.Wipe(first)
		return nil, fmt.Errorf("%w: passphrases do not match", interfaces.ErrUsage)
	}
	return first, nil
}

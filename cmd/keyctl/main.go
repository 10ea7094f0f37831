package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ruteri/master-key-backup/backup"
	"github.com/ruteri/master-key-backup/cmd/flags"
	"github.com/ruteri/master-key-backup/config"
	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/ruteri/master-key-backup/keystore"
	"github.com/urfave/cli/v2"
)

// env holds what every command needs, built from the global flags.
type env struct {
	cfg     *config.Config
	log     *slog.Logger
	store   *keystore.KeyStore
	manager *backup.Manager
	out     io.Writer
}

func setup(cCtx *cli.Context) (*env, error) {
	log := flags.SetupLogger(cCtx)
	cfg, err := flags.LoadConfig(cCtx)
	if err != nil {
		return nil, err
	}
	store, err := flags.OpenKeyStore(cfg, log)
	if err != nil {
		return nil, err
	}
	manager, err := flags.OpenBackupManager(cfg, store, log)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, store: store, manager: manager, out: cCtx.App.Writer}, nil
}

// action adapts a command body to cli.ActionFunc.
func action(fn func(cCtx *cli.Context, e *env) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		e, err := setup(cCtx)
		if err != nil {
			return err
		}
		return fn(cCtx, e)
	}
}

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{interfaces.ErrUsage}, args...)...)
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "keyctl",
		Usage: "Back up, verify, restore and rotate the master key",
		Flags: append(append([]cli.Flag{flags.LogServiceFlagFn("keyctl")}, flags.LogFlags...), flags.ConfigFlags...),
		OnUsageError: func(cCtx *cli.Context, err error, isSubcommand bool) error {
			return fmt.Errorf("%w: %v", interfaces.ErrUsage, err)
		},
		Commands:       commands(),
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

func commands() []*cli.Command {
	return []*cli.Command{
		generateCommand,
		migrateCommand,
		createEncryptedCommand,
		createSplitCommand,
		createPlaintextCommand,
		listCommand,
		verifyCommand,
		restoreCommand,
		restoreSplitCommand,
		rotateMasterKeyCommand,
		retiredCommand,
		purgeRetiredCommand,
		historyCommand,
		cleanupBackupsCommand,
		exportInstructionsCommand,
		exportCommand,
		markExportedCommand,
		fetchCommand,
		providersCommand,
		rotateSecretCommand,
	}
}

// run executes the app and returns the process exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	app := newApp()
	app.Writer = stdout
	app.ErrWriter = stderr

	err := app.RunContext(ctx, args)
	if err == nil {
		return 0
	}
	code := interfaces.ExitCode(err)
	var exitErr cli.ExitCoder
	if errors.As(err, &exitErr) {
		// Raised by the cli package itself, e.g. for an unknown command.
		code = interfaces.ExitCode(interfaces.ErrUsage)
		err = fmt.Errorf("%w: %v", interfaces.ErrUsage, err)
	}
	fmt.Fprintf(stderr, "%s: %v\n", interfaces.ErrorCode(err), err)
	return code
}

func main() {
	os.Exit(run(context.Background(), os.Args, os.Stdout, os.Stderr))
}

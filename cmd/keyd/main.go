package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/master-key-backup/cmd/flags"
	"github.com/ruteri/master-key-backup/httpserver"
	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/ruteri/master-key-backup/migration"
	"github.com/ruteri/master-key-backup/provider"
	"github.com/urfave/cli/v2"
)

var generateFlag = &cli.BoolFlag{
	Name:  "generate-if-missing",
	Usage: "generate a master key when neither the data directory nor the legacy path holds one (first start only)",
}

func main() {
	app := &cli.App{
		Name:  "keyd",
		Usage: "Hold the master key in memory and serve key and backup status",
		Flags: append(append(append([]cli.Flag{flags.LogServiceFlagFn("keyd"), generateFlag},
			flags.LogFlags...), flags.ConfigFlags...), flags.ServerFlags...),
		Action: serve,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", interfaces.ErrorCode(err), err)
		os.Exit(interfaces.ExitCode(err))
	}
}

func serve(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	cfg, err := flags.LoadConfig(cCtx)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		return err
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := flags.OpenKeyStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open key store", "err", err)
		return err
	}

	controller := migration.NewController(store, cfg.LegacyKeyPath, logger)
	controller.GenerateIfMissing = cfg.GenerateIfMissing || cCtx.Bool(generateFlag.Name)
	if _, err := controller.Run(ctx); err != nil {
		logger.Error("master_key_load_failed",
			slog.String("code", interfaces.ErrorCode(err)),
			"err", err)
		return err
	}

	// A key that fails to load is never replaced with a fresh one here:
	// everything sealed under it would become unreadable.
	key, err := store.Load()
	if err != nil {
		logger.Error("master_key_load_failed",
			slog.String("path", store.KeyPath()),
			slog.String("code", interfaces.ErrorCode(err)),
			"err", err)
		return err
	}
	holder, err := httpserver.NewKeyHolder(key, logger)
	key.Wipe()
	if err != nil {
		logger.Error("master_key_load_failed", "err", err)
		return err
	}
	fingerprint, _ := holder.Fingerprint()
	logger.Info("master key loaded", slog.String("fingerprint", fingerprint))

	go func() {
		if err := store.Watch(ctx, holder.Reload); err != nil {
			logger.Error("master key watcher stopped", "err", err)
		}
	}()

	manager, err := flags.OpenBackupManager(cfg, store, logger)
	if err != nil {
		logger.Error("failed to open backup directory", "err", err)
		return err
	}

	registry, err := provider.NewRegistry(cfg.Providers, holder, logger)
	if err != nil {
		logger.Error("invalid provider configuration", "err", err)
		return err
	}
	for name, err := range registry.ValidateAll(ctx) {
		// Providers may come up after us; report and keep going.
		logger.Warn("secret provider failed validation", slog.String("provider", name), "err", err)
	}

	server, err := httpserver.New(flags.ConfigureServer(cCtx, cfg, logger), httpserver.NewHandler(holder, manager, registry, logger))
	if err != nil {
		logger.Error("failed to create server", "err", err)
		return err
	}
	server.RunInBackground()
	logger.Info("keyd is running")

	<-ctx.Done()
	logger.Info("shutdown signal received")
	server.Shutdown()
	logger.Info("server shutdown complete")
	return nil
}

package flags

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/master-key-backup/backup"
	"github.com/ruteri/master-key-backup/common"
	"github.com/ruteri/master-key-backup/config"
	"github.com/ruteri/master-key-backup/httpserver"
	"github.com/ruteri/master-key-backup/keystore"
	"github.com/ruteri/master-key-backup/kms"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
		Output:  cCtx.App.ErrWriter,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// LoadConfig reads --config and applies the directory flags on top of it.
func LoadConfig(cCtx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(cCtx.String(ConfigFlag.Name))
	if err != nil {
		return nil, err
	}
	if cCtx.IsSet(DataDirFlag.Name) {
		cfg.DataDir = cCtx.String(DataDirFlag.Name)
	}
	if cCtx.IsSet(LegacyKeyPathFlag.Name) {
		cfg.LegacyKeyPath = cCtx.String(LegacyKeyPathFlag.Name)
	}
	if cCtx.IsSet(BackupDirFlag.Name) {
		cfg.BackupDir = cCtx.String(BackupDirFlag.Name)
	}
	if cCtx.IsSet(AllowUnknownKeyFlag.Name) {
		cfg.AllowUnknownKey = cCtx.Bool(AllowUnknownKeyFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OpenKeyStore returns the key store described by cfg.
func OpenKeyStore(cfg *config.Config, logger *slog.Logger, opts ...keystore.Option) (*keystore.KeyStore, error) {
	return keystore.New(cfg.DataDir, logger, append([]keystore.Option{keystore.WithKeyFile(cfg.KeyFile)}, opts...)...)
}

// OpenBackupManager returns a backup manager over store configured from cfg.
func OpenBackupManager(cfg *config.Config, store *keystore.KeyStore, logger *slog.Logger) (*backup.Manager, error) {
	codec, err := kms.NewCodec(cfg.CodecOptions()...)
	if err != nil {
		return nil, err
	}
	opts := []backup.Option{backup.WithAllowUnknownKey(cfg.AllowUnknownKey)}
	if cfg.BackupDir != "" {
		dir := cfg.BackupDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(cfg.DataDir, dir)
		}
		opts = append(opts, backup.WithDir(dir))
	}
	return backup.NewManager(store, codec, logger, opts...)
}

func ConfigureServer(cCtx *cli.Context, cfg *config.Config, logger *slog.Logger) *httpserver.HTTPServerConfig {
	listenAddr := cfg.HTTP.ListenAddr
	if cCtx.IsSet(ListenAddrFlag.Name) {
		listenAddr = cCtx.String(ListenAddrFlag.Name)
	}
	metricsAddr := cfg.HTTP.MetricsAddr
	if cCtx.IsSet(MetricsAddrFlag.Name) {
		metricsAddr = cCtx.String(MetricsAddrFlag.Name)
	}
	drainDuration := cfg.HTTP.DrainDuration
	if cCtx.IsSet(DrainSecondsFlag.Name) {
		drainDuration = time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second
	}

	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Service:                  cCtx.String("log-service"),
		Log:                      logger,
		EnablePprof:              cfg.HTTP.Pprof || cCtx.Bool(PprofFlag.Name),
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	EnvVars: []string{"MKB_CONFIG"},
	Usage:   "path to the YAML configuration file",
}
var DataDirFlag = &cli.StringFlag{
	Name:    "data-dir",
	EnvVars: []string{"MKB_DATA_DIR"},
	Usage:   fmt.Sprintf("directory holding the master key (default %s)", config.DefaultDataDir),
}
var LegacyKeyPathFlag = &cli.StringFlag{
	Name:    "legacy-key-path",
	EnvVars: []string{"MKB_LEGACY_KEY_PATH"},
	Usage:   "location of a key file written by older releases",
}
var BackupDirFlag = &cli.StringFlag{
	Name:    "backup-dir",
	EnvVars: []string{"MKB_BACKUP_DIR"},
	Usage:   "directory for backup artifacts (default <data-dir>/backups)",
}
var AllowUnknownKeyFlag = &cli.BoolFlag{
	Name:  "allow-unknown-key",
	Usage: "accept restored keys that this host has never used",
}
var PassphraseFileFlag = &cli.StringFlag{
	Name:  "passphrase-file",
	Usage: "read the backup passphrase from this file instead of $" + PassphraseEnv + " or a prompt",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}
var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 15,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var ConfigFlags = []cli.Flag{
	ConfigFlag,
	DataDirFlag,
	LegacyKeyPathFlag,
	BackupDirFlag,
	AllowUnknownKeyFlag,
}

var ServerFlags = []cli.Flag{
	ListenAddrFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

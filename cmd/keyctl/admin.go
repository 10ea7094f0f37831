package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/ruteri/master-key-backup/common"
	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/ruteri/master-key-backup/migration"
	"github.com/ruteri/master-key-backup/provider"
	"github.com/ruteri/master-key-backup/storage"
	"github.com/urfave/cli/v2"
)

var generateCommand = &cli.Command{
	Name:  "generate",
	Usage: "Initialise the master key, migrating a legacy key when one exists",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "force", Usage: "replace an existing key; a loadable key is kept as a retired copy and a corrupt one is moved aside"},
	},
	Action: action(func(cCtx *cli.Context, e *env) error {
		if cCtx.Bool("force") {
			key, err := e.store.Generate(true)
			if err != nil {
				return err
			}
			defer key.Wipe()
			fmt.Fprintf(e.out, "Generated master key %s\n", key.Fingerprint())
			return nil
		}

		controller := migration.NewController(e.store, e.cfg.LegacyKeyPath, e.log)
		controller.GenerateIfMissing = true
		result, err := controller.Run(cCtx.Context)
		if err != nil {
			return err
		}
		switch result {
		case interfaces.MigrationExists:
			return printActive(e, "Master key already present")
		case interfaces.MigrationMigrated:
			return printActive(e, "Migrated legacy master key")
		default:
			return printActive(e, "Generated master key")
		}
	}),
}

var migrateCommand = &cli.Command{
	Name:  "migrate",
	Usage: "Copy the legacy key into the data directory if needed, never generating one",
	Action: action(func(cCtx *cli.Context, e *env) error {
		result, err := migration.NewController(e.store, e.cfg.LegacyKeyPath, e.log).Run(cCtx.Context)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "%s\n", result)
		return nil
	}),
}

var rotateMasterKeyCommand = &cli.Command{
	Name:  "rotate-master-key",
	Usage: "Replace the active key with a new one, keeping the old key as retired",
	Action: action(func(cCtx *cli.Context, e *env) error {
		registry, err := provider.NewRegistry(e.cfg.Providers, e.store, e.log)
		if err != nil {
			return err
		}
		for _, l := range registry.RotationListeners() {
			e.store.AddRotationListener(l)
		}

		oldKey, newKey, err := e.store.Rotate(cCtx.Context)
		if oldKey != nil {
			defer oldKey.Wipe()
		}
		if newKey != nil {
			defer newKey.Wipe()
			fmt.Fprintf(e.out, "Rotated master key %s -> %s\n", oldKey.Fingerprint(), newKey.Fingerprint())
			fmt.Fprintln(e.out, "Existing backups hold the old key. Create new backups now.")
		}
		return err
	}),
}

var retiredCommand = &cli.Command{
	Name:  "retired",
	Usage: "List retired keys kept after rotation",
	Action: action(func(cCtx *cli.Context, e *env) error {
		retired, err := e.store.ListRetired()
		if err != nil {
			return err
		}
		if len(retired) == 0 {
			fmt.Fprintln(e.out, "No retired keys")
			return nil
		}
		w := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FINGERPRINT\tRETIRED\tSTATUS\tFILE")
		var firstErr error
		for _, r := range retired {
			status := "ok"
			if key, err := e.store.LoadRetired(r.Fingerprint); err != nil {
				status = interfaces.ErrorCode(err)
				if firstErr == nil {
					firstErr = err
				}
			} else {
				key.Wipe()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Fingerprint, humanize.Time(r.RetiredAt), status, r.Path)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return firstErr
	}),
}

var purgeRetiredCommand = &cli.Command{
	Name:      "purge-retired",
	Usage:     "Delete a retired key once nothing depends on it",
	ArgsUsage: "<fingerprint>",
	Action: action(func(cCtx *cli.Context, e *env) error {
		if cCtx.NArg() != 1 {
			return usageErrorf("purge-retired takes exactly one fingerprint")
		}
		if err := e.store.PurgeRetired(cCtx.Args().First()); err != nil {
			return err
		}
		fmt.Fprintf(e.out, "Purged retired key %s\n", cCtx.Args().First())
		return nil
	}),
}

var historyCommand = &cli.Command{
	Name:  "history",
	Usage: "Show fingerprints of every key committed on this host",
	Action: action(func(cCtx *cli.Context, e *env) error {
		entries, err := e.store.History()
		if err != nil {
			return err
		}
		for _, en := range entries {
			fmt.Fprintf(e.out, "%s  %s\n", en.CommittedAt.Format("2006-01-02T15:04:05Z"), en.Fingerprint)
		}
		return nil
	}),
}

var exportCommand = &cli.Command{
	Name:      "export",
	Usage:     "Copy backups to off-host targets and mark the verified ones as exported",
	ArgsUsage: "[path]",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "to", Usage: "target URI (file://, s3://, ipfs://, vault://); defaults to the configured targets"},
		&cli.BoolFlag{Name: "allow-plaintext", Usage: "permit unencrypted backups to leave the host (never to public targets)"},
		&cli.Uint64Flag{Name: "max-retries", Usage: "retries per target"},
	},
	Action: action(func(cCtx *cli.Context, e *env) error {
		locations, err := e.cfg.ExportLocations()
		if err != nil {
			return err
		}
		if cCtx.IsSet("to") {
			locations = locations[:0]
			for _, raw := range cCtx.StringSlice("to") {
				loc, err := interfaces.NewExportLocation(raw)
				if err != nil {
					return err
				}
				locations = append(locations, loc)
			}
		}
		if len(locations) == 0 {
			return usageErrorf("no export targets configured, pass --to")
		}

		factory := storage.NewExportBackendFactory(e.log)
		backends := make([]interfaces.ExportBackend, 0, len(locations))
		for _, loc := range locations {
			b, err := factory.ExportBackendFor(loc)
			if err != nil {
				return err
			}
			backends = append(backends, b)
		}

		maxRetries := uint64(e.cfg.Export.MaxRetries)
		if cCtx.IsSet("max-retries") {
			maxRetries = cCtx.Uint64("max-retries")
		}
		exporter, err := storage.NewExporter(e.manager, backends, e.log,
			storage.WithMaxRetries(maxRetries),
			storage.WithPlaintext(e.cfg.Export.AllowPlaintext || cCtx.Bool("allow-plaintext")))
		if err != nil {
			return err
		}

		var results []storage.ExportResult
		if cCtx.NArg() > 0 {
			for _, path := range cCtx.Args().Slice() {
				res := exporter.ExportFile(cCtx.Context, path)
				results = append(results, res)
				if res.Err != nil {
					err = errors.Join(err, res.Err)
				}
			}
		} else {
			results, err = exporter.ExportPending(cCtx.Context)
		}

		for _, res := range results {
			status := "exported"
			if len(res.Locations) == 0 {
				status = "failed"
			}
			fmt.Fprintf(e.out, "%-8s %s\n", status, res.Path)
			for _, l := range res.Locations {
				fmt.Fprintf(e.out, "         -> %s\n", l)
			}
			for _, s := range res.Skipped {
				fmt.Fprintf(e.out, "         skipped %s (unencrypted)\n", s)
			}
		}
		if len(results) == 0 && err == nil {
			fmt.Fprintln(e.out, "Nothing to export")
		}
		return err
	}),
}

var markExportedCommand = &cli.Command{
	Name:      "mark-exported",
	Usage:     "Record that a backup was copied off the host by other means",
	ArgsUsage: "<path>",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "destination", Usage: "where the copy now lives"},
	},
	Action: action(func(cCtx *cli.Context, e *env) error {
		if cCtx.NArg() != 1 {
			return usageErrorf("mark-exported takes exactly one path")
		}
		if err := e.manager.MarkExported(cCtx.Args().First(), cCtx.StringSlice("destination")...); err != nil {
			return err
		}
		fmt.Fprintf(e.out, "Marked %s as exported\n", cCtx.Args().First())
		return nil
	}),
}

var fetchCommand = &cli.Command{
	Name:      "fetch",
	Usage:     "Download an exported backup so it can be verified or restored",
	ArgsUsage: "<location>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "out", Usage: "file to write"},
		&cli.StringSliceFlag{Name: "from", Usage: "target URIs to search; defaults to the configured targets"},
	},
	Action: action(func(cCtx *cli.Context, e *env) error {
		if cCtx.NArg() != 1 || cCtx.String("out") == "" {
			return usageErrorf("fetch takes one location and --out")
		}
		location := cCtx.Args().First()

		targets := cCtx.StringSlice("from")
		if len(targets) == 0 {
			targets = e.cfg.Export.Targets
		}
		if len(targets) == 0 {
			// The location itself names the backend.
			targets = []string{location}
		}
		locations := make([]interfaces.ExportLocation, 0, len(targets))
		for _, raw := range targets {
			loc, err := interfaces.NewExportLocation(raw)
			if err != nil {
				return err
			}
			locations = append(locations, loc)
		}

		backend, err := storage.NewExportBackendFactory(e.log).CreateMultiBackend(locations)
		if err != nil {
			return err
		}
		data, err := backend.Fetch(cCtx.Context, location)
		if err != nil {
			return err
		}

		out := cCtx.String("out")
		if _, err := os.Stat(out); err == nil {
			return fmt.Errorf("%w: %s", interfaces.ErrAlreadyExists, out)
		}
		if err := common.WriteFileAtomic(out, data, 0o600); err != nil {
			return err
		}
		e.log.Info("fetched backup", slog.String("location", location), slog.String("out", out))
		fmt.Fprintf(e.out, "Wrote %s (%s)\n", out, humanize.IBytes(uint64(len(data))))
		return nil
	}),
}

var providersCommand = &cli.Command{
	Name:  "providers",
	Usage: "List configured secret providers and check that each is reachable",
	Action: action(func(cCtx *cli.Context, e *env) error {
		registry, err := provider.NewRegistry(e.cfg.Providers, e.store, e.log)
		if err != nil {
			return err
		}
		failures := registry.ValidateAll(cCtx.Context)

		type row struct {
			Name  string                  `json:"name"`
			Kind  interfaces.ProviderKind `json:"kind"`
			Error string                  `json:"error,omitempty"`
		}
		rows := make([]row, 0)
		for _, p := range registry.All() {
			r := row{Name: p.Name(), Kind: p.Kind()}
			if err := failures[p.Name()]; err != nil {
				r.Error = err.Error()
			}
			rows = append(rows, r)
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })

		enc := json.NewEncoder(e.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rows); err != nil {
			return err
		}
		if names := sortedKeys(failures); len(names) > 0 {
			return fmt.Errorf("provider %s: %w", names[0], failures[names[0]])
		}
		return nil
	}),
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var rotateSecretCommand = &cli.Command{
	Name:  "rotate-secret",
	Usage: "Generate and store a new value for a provider secret",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "provider", Usage: "configured provider name"},
		&cli.StringFlag{Name: "secret", Usage: "secret id within the provider"},
	},
	Action: action(func(cCtx *cli.Context, e *env) error {
		registry, err := provider.NewRegistry(e.cfg.Providers, e.store, e.log)
		if err != nil {
			return err
		}
		name, secret := cCtx.String("provider"), cCtx.String("secret")
		if name == "" || secret == "" {
			return usageErrorf("rotate-secret needs --provider and --secret")
		}
		if err := registry.RotateSecret(cCtx.Context, name, secret); err != nil {
			return err
		}
		fmt.Fprintf(e.out, "Rotated %s in provider %s\n", secret, name)
		return nil
	}),
}

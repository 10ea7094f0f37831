package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ruteri/master-key-backup/cmd/flags"
	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/ruteri/master-key-backup/kms"
	"github.com/urfave/cli/v2"
)

var createEncryptedCommand = &cli.Command{
	Name:  "create-encrypted",
	Usage: "Write a passphrase-protected backup of the active key",
	Flags: []cli.Flag{flags.PassphraseFileFlag},
	Action: action(func(cCtx *cli.Context, e *env) error {
		passphrase, err := flags.ReadPassphrase(cCtx, true)
		if err != nil {
			return err
		}
		defer kms.Wipe(passphrase)

		path, checksum, err := e.manager.CreateEncrypted(passphrase)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "Created encrypted backup %s\nSHA-256 %s\n", path, checksum)
		fmt.Fprintln(e.out, "Store the passphrase separately from the backup file.")
		return nil
	}),
}

var createSplitCommand = &cli.Command{
	Name:  "create-split",
	Usage: "Split the active key into N shares, any T of which restore it",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "shares", Aliases: []string{"n"}, Usage: "total number of shares"},
		&cli.IntFlag{Name: "threshold", Aliases: []string{"t"}, Usage: "shares required to restore"},
	},
	Action: action(func(cCtx *cli.Context, e *env) error {
		if !cCtx.IsSet("shares") || !cCtx.IsSet("threshold") {
			return usageErrorf("create-split needs --shares and --threshold")
		}
		n, t := cCtx.Int("shares"), cCtx.Int("threshold")
		paths, err := e.manager.CreateSplit(n, t)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "Created %d shares, any %d restore the key:\n", n, t)
		for _, p := range paths {
			fmt.Fprintf(e.out, "  %s\n", p)
		}
		fmt.Fprintln(e.out, "Give each share to a different custodian and delete local copies once exported.")
		return nil
	}),
}

var createPlaintextCommand = &cli.Command{
	Name:  "create-plaintext",
	Usage: "Write an UNENCRYPTED backup of the active key for offline storage",
	Action: action(func(cCtx *cli.Context, e *env) error {
		path, err := e.manager.CreatePlaintext()
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "Created UNENCRYPTED backup %s\n", path)
		fmt.Fprintln(cCtx.App.ErrWriter, "WARNING: this file contains the raw master key. Move it to offline storage and delete it from this host.")
		return nil
	}),
}

var listCommand = &cli.Command{
	Name:  "list",
	Usage: "List backup artifacts, newest first",
	Flags: []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "print JSON"}},
	Action: action(func(cCtx *cli.Context, e *env) error {
		records, err := e.manager.List()
		if err != nil {
			return err
		}

		if cCtx.Bool("json") {
			type entry struct {
				interfaces.BackupRecord
				Checksum string `json:"checksum,omitempty"`
				Error    string `json:"error,omitempty"`
			}
			entries := make([]entry, 0, len(records))
			for _, r := range records {
				en := entry{BackupRecord: r}
				if r.Err != nil {
					en.Error = r.Err.Error()
				} else {
					en.Checksum = r.ChecksumHex()
				}
				entries = append(entries, en)
			}
			enc := json.NewEncoder(e.out)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}

		if len(records) == 0 {
			fmt.Fprintf(e.out, "No backups in %s\n", e.manager.Dir())
			return nil
		}
		w := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tCREATED\tSIZE\tEXPORTED\tDETAIL\tFILE")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
				r.Type, humanize.Time(r.CreatedAt), humanize.IBytes(uint64(r.Size)), r.Exported,
				recordDetail(r), filepath.Base(r.Path))
		}
		return w.Flush()
	}),
}

func recordDetail(r interfaces.BackupRecord) string {
	switch {
	case r.Err != nil:
		return "DAMAGED: " + interfaces.ErrorCode(r.Err)
	case r.Type == interfaces.SplitBackup:
		return fmt.Sprintf("share %d/%d (t=%d) set %s", r.ShareIndex, r.Total, r.Threshold, r.ShareSetID)
	case r.Fingerprint != "":
		return "key " + r.Fingerprint
	default:
		return ""
	}
}

var verifyCommand = &cli.Command{
	Name:      "verify",
	Usage:     "Check backup checksums and structure without a passphrase",
	ArgsUsage: "<path>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "all", Usage: "verify every artifact in the backup directory"},
		&cli.StringFlag{Name: "checksum", Usage: "expected SHA-256 of the artifact file, as listed by 'list --json'"},
	},
	Action: action(func(cCtx *cli.Context, e *env) error {
		var want *interfaces.ContentID
		if cCtx.IsSet("checksum") {
			if cCtx.Bool("all") {
				return usageErrorf("--checksum applies to a single artifact")
			}
			id, err := interfaces.NewContentIDFromHex(cCtx.String("checksum"))
			if err != nil {
				return usageErrorf("invalid --checksum: %v", err)
			}
			want = &id
		}

		if cCtx.Bool("all") {
			results, err := e.manager.VerifyAll()
			if err != nil {
				return err
			}
			var failed error
			for _, res := range results {
				printVerify(e, res.Record.Path, res.OK, res.Reason)
				if !res.OK && failed == nil {
					failed = res.Err
				}
			}
			return failed
		}

		if cCtx.NArg() != 1 {
			return usageErrorf("verify takes exactly one path")
		}
		res := e.manager.Verify(cCtx.Args().First())
		if res.OK && want != nil && !res.Record.Checksum.Equal(*want) {
			res.OK = false
			res.Err = fmt.Errorf("%w: file hash %s, expected %s", interfaces.ErrChecksumMismatch, res.Record.ChecksumHex(), want.String())
			res.Reason = res.Err.Error()
		}
		printVerify(e, cCtx.Args().First(), res.OK, res.Reason)
		if !res.OK {
			return res.Err
		}
		return nil
	}),
}

func printVerify(e *env, path string, ok bool, reason string) {
	status := "OK"
	if !ok {
		status = "FAILED"
	}
	if reason != "" {
		fmt.Fprintf(e.out, "%-6s %s (%s)\n", status, path, reason)
	} else {
		fmt.Fprintf(e.out, "%-6s %s\n", status, path)
	}
}

var restoreCommand = &cli.Command{
	Name:      "restore",
	Usage:     "Replace the active key with the key in an encrypted or plaintext backup",
	ArgsUsage: "<path>",
	Flags:     []cli.Flag{flags.PassphraseFileFlag},
	Action: action(func(cCtx *cli.Context, e *env) error {
		if cCtx.NArg() != 1 {
			return usageErrorf("restore takes exactly one path")
		}
		path := cCtx.Args().First()

		data, err := os.ReadFile(path)
		if err != nil {
			return interfaces.MapFSError("failed to read backup", err)
		}

		var passphrase []byte
		if kms.IsEncryptedContainer(data) {
			passphrase, err = flags.ReadPassphrase(cCtx, false)
			if err != nil {
				return err
			}
			defer kms.Wipe(passphrase)
		}

		if err := e.manager.Restore(path, passphrase); err != nil {
			return err
		}
		return printActive(e, "Restored master key")
	}),
}

var restoreSplitCommand = &cli.Command{
	Name:      "restore-split",
	Usage:     "Reconstruct the active key from threshold shares",
	ArgsUsage: "<share> <share>...",
	Action: action(func(cCtx *cli.Context, e *env) error {
		if cCtx.NArg() == 0 {
			return usageErrorf("restore-split needs share paths")
		}
		if err := e.manager.RestoreSplit(cCtx.Args().Slice()...); err != nil {
			return err
		}
		return printActive(e, "Restored master key")
	}),
}

func printActive(e *env, what string) error {
	key, err := e.store.Load()
	if err != nil {
		return err
	}
	defer key.Wipe()
	fmt.Fprintf(e.out, "%s, fingerprint %s\n", what, key.Fingerprint())
	return nil
}

var cleanupBackupsCommand = &cli.Command{
	Name:  "cleanup-backups",
	Usage: "Delete old backups, never the last one that has not been exported",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "max-age", Usage: "delete backups older than this (overrides config)"},
		&cli.IntFlag{Name: "days", Usage: "delete backups older than this many days"},
		&cli.IntFlag{Name: "keep-last", Usage: "always keep this many newest backups (overrides config)"},
		&cli.BoolFlag{Name: "json", Usage: "print the report as JSON"},
	},
	Action: action(func(cCtx *cli.Context, e *env) error {
		policy := e.cfg.RetentionPolicy()
		if cCtx.IsSet("days") {
			policy.MaxAge = time.Duration(cCtx.Int("days")) * 24 * time.Hour
		}
		if cCtx.IsSet("max-age") {
			policy.MaxAge = cCtx.Duration("max-age")
		}
		if cCtx.IsSet("keep-last") {
			policy.KeepLast = cCtx.Int("keep-last")
		}

		report, err := e.manager.Cleanup(policy)
		if err != nil {
			return err
		}

		if cCtx.Bool("json") {
			enc := json.NewEncoder(e.out)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		for _, p := range report.Deleted {
			fmt.Fprintf(e.out, "deleted   %s\n", p)
		}
		for _, p := range report.Protected {
			fmt.Fprintf(e.out, "protected %s (last recoverable backup, not exported)\n", p)
		}
		for _, p := range report.Skipped {
			fmt.Fprintf(e.out, "skipped   %s (damaged)\n", p)
		}
		fmt.Fprintf(e.out, "%d deleted, %d kept\n", len(report.Deleted), report.Kept)
		return nil
	}),
}

var exportInstructionsCommand = &cli.Command{
	Name:  "export-instructions",
	Usage: "Explain how to move backups off this host",
	Action: action(func(cCtx *cli.Context, e *env) error {
		fmt.Fprint(e.out, e.manager.ExportInstructions())
		return nil
	}),
}

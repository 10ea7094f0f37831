package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ruteri/master-key-backup/common"
	"github.com/ruteri/master-key-backup/interfaces"
)

// ExportMarker is written next to an artifact once it has been copied off the
// host. Cleanup reads it; nothing in this package performs the copy.
type ExportMarker struct {
	ExportedAt   time.Time `json:"exported_at"`
	Destinations []string  `json:"destinations"`
}

func markerPath(path string) string {
	return path + markerSuffix
}

func hasMarker(path string) bool {
	_, err := os.Stat(markerPath(path))
	return err == nil
}

// ReadMarker returns the export marker of an artifact.
func ReadMarker(path string) (*ExportMarker, error) {
	raw, err := os.ReadFile(markerPath(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, interfaces.MapFSError("failed to read export marker", err)
	}
	marker := &ExportMarker{}
	if err := json.Unmarshal(raw, marker); err != nil {
		return nil, fmt.Errorf("%w: export marker: %v", interfaces.ErrChecksumMismatch, err)
	}
	return marker, nil
}

// MarkExported records that path was copied to destinations. Repeated calls
// merge destinations.
func (m *Manager) MarkExported(path string, destinations ...string) error {
	if _, ok := parseFileName(filepath.Base(path)); !ok {
		return fmt.Errorf("%w: %s is not a backup artifact name", interfaces.ErrUsage, filepath.Base(path))
	}
	if _, err := os.Stat(path); err != nil {
		return interfaces.MapFSError("failed to stat backup", err)
	}

	marker, err := ReadMarker(path)
	if err != nil {
		marker = &ExportMarker{}
	}
	for _, d := range destinations {
		if !slices.Contains(marker.Destinations, d) {
			marker.Destinations = append(marker.Destinations, d)
		}
	}
	marker.ExportedAt = m.now().UTC()

	raw, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return err
	}
	if err := common.WriteFileAtomic(markerPath(path), raw, artifactMode); err != nil {
		return interfaces.MapFSError("failed to write export marker", err)
	}

	m.log.Info("marked backup as exported",
		slog.String("path", path),
		slog.String("destinations", strings.Join(destinations, ",")))
	return nil
}

// ExportInstructions returns operator guidance for moving backups off the
// host, followed by the artifacts that still lack an export marker.
func (m *Manager) ExportInstructions() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Master key backups are stored in %s\n\n", m.dir)
	b.WriteString(`Backups on this host do not survive the loss of this host. Copy them off it:

  1. Encrypted backups (*.enc) may be stored in any durable location, such as
     object storage or a password manager attachment. Keep the passphrase
     somewhere else.
  2. Shares (*.share) must go to different custodians or locations. Any
     threshold number of shares of one set restores the key, so never keep
     that many together.
  3. Plaintext backups (*_UNENCRYPTED.key) belong only in offline storage
     such as a safe. Delete them from this host once copied.
  4. After copying, record the export so retention may delete local copies:
       keyctl mark-exported <path> --destination <where>
     or let keyctl export copy and record them in one step:
       keyctl export --to s3://bucket/prefix

Verify copies with "keyctl verify <path>" before relying on them.
`)

	records, err := m.List()
	if err != nil {
		fmt.Fprintf(&b, "\nCould not list backups: %v\n", err)
		return b.String()
	}

	var pending []interfaces.BackupRecord
	for _, r := range records {
		if !r.Exported && r.Err == nil {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		b.WriteString("\nAll backups have been exported.\n")
		return b.String()
	}

	b.WriteString("\nNot yet exported:\n")
	for _, r := range pending {
		fmt.Fprintf(&b, "  %-10s %s (created %s)\n", r.Type, filepath.Base(r.Path), humanize.Time(r.CreatedAt))
	}
	return b.String()
}

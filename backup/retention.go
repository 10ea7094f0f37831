package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/ruteri/master-key-backup/metrics"
)

// RetentionPolicy selects which recovery units Cleanup removes: those outside
// the KeepLast newest that are also older than MaxAge. A zero MaxAge removes
// everything outside the KeepLast newest.
type RetentionPolicy struct {
	MaxAge   time.Duration
	KeepLast int
}

// Validate rejects policies that would delete every backup outright.
func (p RetentionPolicy) Validate() error {
	if p.MaxAge < 0 || p.KeepLast < 0 {
		return fmt.Errorf("%w: retention values must not be negative", interfaces.ErrUsage)
	}
	if p.MaxAge == 0 && p.KeepLast == 0 {
		return fmt.Errorf("%w: retention policy needs max age or keep last", interfaces.ErrUsage)
	}
	return nil
}

// CleanupReport lists what Cleanup did.
type CleanupReport struct {
	Deleted   []string `json:"deleted"`
	Protected []string `json:"protected,omitempty"`
	Skipped   []string `json:"skipped,omitempty"`
	Kept      int      `json:"kept"`
}

// recoveryUnit is the smallest group of artifacts that recovers a key on its
// own: one encrypted file, one plaintext file, or one whole share set.
type recoveryUnit struct {
	id          string
	paths       []string
	createdAt   time.Time
	exported    bool
	recoverable bool
}

func groupUnits(records []interfaces.BackupRecord) (units []*recoveryUnit, skipped []string) {
	sets := map[string]*recoveryUnit{}
	indexes := map[string]map[int]bool{}
	thresholds := map[string]int{}

	for _, r := range records {
		if r.Err != nil {
			skipped = append(skipped, r.Path)
			continue
		}
		if r.Type != interfaces.SplitBackup {
			units = append(units, &recoveryUnit{
				id:          r.Path,
				paths:       []string{r.Path},
				createdAt:   r.CreatedAt,
				exported:    r.Exported,
				recoverable: true,
			})
			continue
		}

		u, ok := sets[r.ShareSetID]
		if !ok {
			u = &recoveryUnit{id: r.ShareSetID, createdAt: r.CreatedAt, exported: true}
			sets[r.ShareSetID] = u
			indexes[r.ShareSetID] = map[int]bool{}
			thresholds[r.ShareSetID] = r.Threshold
			units = append(units, u)
		}
		u.paths = append(u.paths, r.Path)
		u.exported = u.exported && r.Exported
		if r.CreatedAt.After(u.createdAt) {
			u.createdAt = r.CreatedAt
		}
		indexes[r.ShareSetID][r.ShareIndex] = true
	}

	for id, u := range sets {
		u.recoverable = len(indexes[id]) >= thresholds[id]
	}

	sort.SliceStable(units, func(i, j int) bool {
		return units[i].createdAt.After(units[j].createdAt)
	})
	return units, skipped
}

// Cleanup deletes recovery units according to policy. It never deletes the
// last recoverable unit unless that unit has been exported off the host.
// Artifacts that fail to parse are left alone.
func (m *Manager) Cleanup(policy RetentionPolicy) (report CleanupReport, err error) {
	start := time.Now()
	defer func() { metrics.RecordOperation("cleanup", start, err) }()

	if err := policy.Validate(); err != nil {
		return report, err
	}

	lock, err := m.store.Lock()
	if err != nil {
		return report, err
	}
	defer lock.Release()

	records, err := m.List()
	if err != nil {
		return report, err
	}
	units, skipped := groupUnits(records)
	report.Skipped = skipped

	now := m.now()
	var doomed, kept []*recoveryUnit
	for i, u := range units {
		expired := policy.MaxAge == 0 || now.Sub(u.createdAt) > policy.MaxAge
		if i >= policy.KeepLast && expired {
			doomed = append(doomed, u)
		} else {
			kept = append(kept, u)
		}
	}

	survivor := false
	for _, u := range kept {
		if u.recoverable {
			survivor = true
			break
		}
	}
	if !survivor {
		// doomed is newest first, so this spares the newest recoverable unit.
		for i, u := range doomed {
			if !u.recoverable {
				continue
			}
			if !u.exported {
				report.Protected = append(report.Protected, u.paths...)
				m.log.Warn("keeping last recoverable backup, it has not been exported",
					slog.String("unit", u.id))
				doomed = append(doomed[:i], doomed[i+1:]...)
				kept = append(kept, u)
			}
			break
		}
	}

	for _, u := range doomed {
		for _, p := range u.paths {
			if err := removeArtifact(p); err != nil {
				return report, err
			}
			report.Deleted = append(report.Deleted, p)
		}
		m.log.Info("deleted expired backup", slog.String("unit", u.id), slog.Int("files", len(u.paths)))
	}
	for _, u := range kept {
		report.Kept += len(u.paths)
	}
	return report, nil
}

func removeArtifact(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return interfaces.MapFSError("failed to delete backup", err)
	}
	if err := os.Remove(markerPath(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return interfaces.MapFSError("failed to delete export marker", err)
	}
	return nil
}

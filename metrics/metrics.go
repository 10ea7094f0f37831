// Package metrics exposes Prometheus collectors for key management operations
// and the HTTP server that serves them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/ruteri/master-key-backup/common"
	"github.com/ruteri/master-key-backup/interfaces"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "operations_total",
		Help:      "Key management operations by operation and result code",
	}, []string{"operation", "code"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: common.PackageName,
		Name:      "operation_duration_seconds",
		Help:      "Duration of key management operations",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"operation"})

	keyLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: common.PackageName,
		Name:      "key_loaded",
		Help:      "Whether the daemon holds a valid master key",
	})

	keyReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "key_reloads_total",
		Help:      "Master key reloads triggered by file changes",
	}, []string{"code"})

	backupArtifacts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: common.PackageName,
		Name:      "backup_artifacts",
		Help:      "Backup artifacts on disk by type",
	}, []string{"type"})

	unexportedArtifacts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: common.PackageName,
		Name:      "backup_unexported_artifacts",
		Help:      "Backup artifacts without an export marker",
	})

	serviceInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: common.PackageName,
		Name:      "service_info",
		Help:      "Service name and version",
	}, []string{"service", "version"})

	exportAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.PackageName,
		Name:      "export_attempts_total",
		Help:      "Export attempts by backend and result",
	}, []string{"backend", "status"})
)

// RecordOperation counts an operation and observes its duration.
func RecordOperation(operation string, start time.Time, err error) {
	operationsTotal.WithLabelValues(operation, interfaces.ErrorCode(err)).Inc()
	operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// SetKeyLoaded records whether a usable key is held.
func SetKeyLoaded(loaded bool) {
	if loaded {
		keyLoaded.Set(1)
	} else {
		keyLoaded.Set(0)
	}
}

// RecordKeyReload counts a reload attempt.
func RecordKeyReload(err error) {
	keyReloads.WithLabelValues(interfaces.ErrorCode(err)).Inc()
}

// RecordInventory publishes the artifact counts of a backup listing.
func RecordInventory(records []interfaces.BackupRecord) {
	counts := map[interfaces.BackupType]int{
		interfaces.EncryptedBackup: 0,
		interfaces.SplitBackup:     0,
		interfaces.PlaintextBackup: 0,
		interfaces.UnknownBackup:   0,
	}
	unexported := 0
	for _, r := range records {
		counts[r.Type]++
		if !r.Exported {
			unexported++
		}
	}
	for t, n := range counts {
		backupArtifacts.WithLabelValues(t.String()).Set(float64(n))
	}
	unexportedArtifacts.Set(float64(unexported))
}

// RecordExportAttempt counts one try against an export backend.
func RecordExportAttempt(backend string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	exportAttempts.WithLabelValues(backend, status).Inc()
}

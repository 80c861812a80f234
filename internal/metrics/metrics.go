package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rowjay/report-backup/internal/backup"
)

var (
	// BackupsTotal counts finished backup runs by type and terminal status.
	BackupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rbu_backups_total",
		Help: "Total number of finished backup runs",
	}, []string{"type", "status"})

	BackupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rbu_backup_duration_seconds",
		Help:    "Wall time of backup runs in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
	}, []string{"type"})

	LastBackupBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rbu_last_backup_size_bytes",
		Help: "Artifact size of the most recent completed backup",
	})

	LastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rbu_last_success_timestamp_seconds",
		Help: "Unix time of the most recent completed backup",
	})

	RetentionPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rbu_retention_pruned_total",
		Help: "Total number of records removed by retention",
	})

	RestoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rbu_restores_total",
		Help: "Total number of restore attempts",
	}, []string{"status"})

	ReplicationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rbu_replication_failures_total",
		Help: "Total number of artifacts that could not be replicated",
	})

	HistoryRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rbu_history_records",
		Help: "Records currently in the history by status",
	}, []string{"status"})
)

// ObserveBackup records one terminal backup run.
func ObserveBackup(rec backup.Record, took time.Duration) {
	BackupsTotal.WithLabelValues(string(rec.Type), string(rec.Status)).Inc()
	BackupDuration.WithLabelValues(string(rec.Type)).Observe(took.Seconds())
	if rec.Status == backup.StatusCompleted {
		LastBackupBytes.Set(float64(rec.SizeBytes))
		LastSuccess.Set(float64(rec.CreatedAt.Unix()))
	}
}

// SetHistory publishes per-status record counts.
func SetHistory(records []backup.Record) {
	counts := map[backup.Status]int{backup.StatusCompleted: 0, backup.StatusFailed: 0}
	for _, r := range records {
		counts[r.Status]++
	}
	for status, n := range counts {
		HistoryRecords.WithLabelValues(string(status)).Set(float64(n))
	}
}

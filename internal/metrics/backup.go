package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backup_executions_total",
			Help: "Total number of backup executions by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backup_execution_duration_seconds",
			Help:    "Backup execution duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"type"},
	)

	artifactBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backup_artifact_bytes_total",
			Help: "Total bytes of stored backup artifacts by type",
		},
		[]string{"type"},
	)

	executionsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "backup_executions_running",
			Help: "Number of backup executions currently in flight",
		},
	)

	retentionDeletions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backup_retention_deletions_total",
			Help: "Total number of backups removed by retention sweeps",
		},
	)
)

// ExecutionStarted marks the beginning of an execution.
func ExecutionStarted() {
	executionsRunning.Inc()
}

// ExecutionFinished records one finished execution.
func ExecutionFinished(backupType, outcome string, duration time.Duration, storedBytes int64) {
	executionsRunning.Dec()
	executionsTotal.WithLabelValues(backupType, outcome).Inc()
	executionDuration.WithLabelValues(backupType).Observe(duration.Seconds())
	if storedBytes > 0 {
		artifactBytes.WithLabelValues(backupType).Add(float64(storedBytes))
	}
}

// RetentionDeleted records backups removed by a retention sweep.
func RetentionDeleted(n int) {
	retentionDeletions.Add(float64(n))
}

// Package metrics exposes Prometheus instrumentation for the durability
// control plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	backupJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durability_backup_jobs_total",
			Help: "Backup jobs by kind and terminal status",
		},
		[]string{"kind", "status"},
	)

	backupLastSizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "durability_backup_last_size_bytes",
			Help: "Compressed size of the most recent completed backup per kind",
		},
		[]string{"kind"},
	)

	backupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "durability_backup_duration_seconds",
			Help:    "Backup job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"kind"},
	)

	sweepArchivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "durability_sweep_archived_total",
			Help: "Expired backups moved to archived by the retention sweep",
		},
	)

	sweepBytesFreed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "durability_sweep_bytes_freed_total",
			Help: "Bytes of backup artifacts physically removed",
		},
	)

	verificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durability_verifications_total",
			Help: "Backup verification runs by result status",
		},
		[]string{"status"},
	)

	replicaLagSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "durability_replica_lag_seconds",
			Help: "Last observed replay lag per replica",
		},
		[]string{"replica"},
	)

	replicaHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "durability_replica_health",
			Help: "Replica health as a level: 0 healthy, 1 warning, 2 critical",
		},
		[]string{"replica"},
	)

	drPlansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durability_dr_plans_total",
			Help: "Disaster recovery plans computed by scenario",
		},
		[]string{"scenario"},
	)

	keyRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "durability_key_rotations_total",
			Help: "Encryption key rotations performed",
		},
	)
)

// RecordBackupJob counts a job reaching a terminal status.
func RecordBackupJob(kind, status string) {
	backupJobsTotal.WithLabelValues(kind, status).Inc()
}

// RecordBackupCompleted records size and duration of a completed job.
func RecordBackupCompleted(kind string, sizeBytes int64, seconds float64) {
	backupLastSizeBytes.WithLabelValues(kind).Set(float64(sizeBytes))
	backupDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordSweep records one sweep pass.
func RecordSweep(archived int, bytesFreed int64) {
	sweepArchivedTotal.Add(float64(archived))
	sweepBytesFreed.Add(float64(bytesFreed))
}

// RecordVerification counts a verification run.
func RecordVerification(status string) {
	verificationsTotal.WithLabelValues(status).Inc()
}

// RecordReplica publishes the latest lag and health level for a replica.
func RecordReplica(replica string, lagSeconds float64, healthLevel int) {
	replicaLagSeconds.WithLabelValues(replica).Set(lagSeconds)
	replicaHealth.WithLabelValues(replica).Set(float64(healthLevel))
}

// RecordDRPlan counts a computed recovery plan.
func RecordDRPlan(scenario string) {
	drPlansTotal.WithLabelValues(scenario).Inc()
}

// RecordKeyRotation counts a key rotation.
func RecordKeyRotation() {
	keyRotationsTotal.Inc()
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

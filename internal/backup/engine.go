package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carevault/durability/internal/audit"
	"github.com/carevault/durability/internal/config"
	"github.com/carevault/durability/internal/drivers"
	"github.com/carevault/durability/internal/fault"
	"github.com/carevault/durability/internal/metrics"
)

// artifactTimestamp names artifacts down to the second. Two backups of
// the same kind in the same second collide on purpose; the second one
// fails instead of overwriting the first.
const artifactTimestamp = "20060102_150405"

// Engine runs backup jobs and the retention sweep.
type Engine struct {
	jobs     JobStore
	driver   drivers.Driver
	retry    *drivers.RetryPolicy
	archiver drivers.Archiver
	audit    *audit.Recorder
	cfg      config.BackupConfig
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewEngine creates a backup engine. archiver may be nil; expired
// artifacts are then deleted without an offsite copy.
func NewEngine(jobs JobStore, driver drivers.Driver, archiver drivers.Archiver,
	recorder *audit.Recorder, cfg config.BackupConfig, logger *zap.Logger) *Engine {
	return &Engine{
		jobs:     jobs,
		driver:   driver,
		retry:    drivers.NewRetryPolicy(drivers.WithLogger(logger)),
		archiver: archiver,
		audit:    recorder,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Run executes one backup job synchronously and returns the finished
// job. A failed job is returned together with the failure so callers
// can surface both.
func (e *Engine) Run(ctx context.Context, kind Kind, targetPath string) (*BackupJob, error) {
	if !kind.Valid() {
		return nil, fault.Newf(fault.KindPrecondition, "backup.run",
			"unknown backup kind %q", kind)
	}

	now := time.Now().UTC()
	if targetPath == "" {
		targetPath = filepath.Join(e.cfg.BasePath,
			fmt.Sprintf("%s_%s.backup", kind, now.Format(artifactTimestamp)))
	}

	if err := e.claim(targetPath); err != nil {
		return nil, err
	}
	defer e.release(targetPath)

	job := &BackupJob{
		ID:         uuid.New(),
		Kind:       kind,
		TargetPath: targetPath,
		Status:     StatusRunning,
		StartedAt:  now,
	}
	if err := e.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	e.logger.Info("backup started",
		zap.String("backup_id", job.ID.String()),
		zap.String("kind", string(kind)),
		zap.String("target_path", targetPath))
	e.audit.Record(ctx, audit.Event{
		Action:       audit.ActionBackupStarted,
		ResourceType: audit.ResourceBackup,
		ResourceID:   job.ID.String(),
		Details: map[string]string{
			"kind":        string(kind),
			"target_path": targetPath,
		},
	})

	var result *drivers.BackupMetrics
	err := e.retry.Execute(ctx, "backup.run", func() error {
		var runErr error
		result, runErr = e.driver.RunBackup(ctx, string(kind), targetPath)
		return runErr
	})
	if err != nil {
		return e.fail(ctx, job, err)
	}

	finished := time.Now().UTC()
	until := finished.Add(e.retentionFor(kind))

	job.Status = StatusCompleted
	job.FinishedAt = &finished
	job.SizeBytes = result.SizeBytes
	job.Checksum = result.Checksum
	job.CompressionRatio = result.CompressionRatio
	job.RetentionUntil = &until
	job.PatientCount = result.PatientCount
	job.MedicalRecordCount = result.MedicalRecordCount

	if err := e.jobs.Update(ctx, job); err != nil {
		return e.fail(ctx, job, err)
	}

	e.logger.Info("backup completed",
		zap.String("backup_id", job.ID.String()),
		zap.String("kind", string(kind)),
		zap.Int64("size_bytes", job.SizeBytes),
		zap.Float64("compression_ratio", job.CompressionRatio),
		zap.Time("retention_until", until))
	e.audit.Record(ctx, audit.Event{
		Action:       audit.ActionBackupCompleted,
		ResourceType: audit.ResourceBackup,
		ResourceID:   job.ID.String(),
		Details: map[string]string{
			"kind":            string(kind),
			"size_bytes":      strconv.FormatInt(job.SizeBytes, 10),
			"checksum":        job.Checksum,
			"retention_until": until.Format(time.RFC3339),
		},
	})
	metrics.RecordBackupJob(string(kind), string(StatusCompleted))
	metrics.RecordBackupCompleted(string(kind), job.SizeBytes, finished.Sub(job.StartedAt).Seconds())

	return job, nil
}

func (e *Engine) fail(ctx context.Context, job *BackupJob, cause error) (*BackupJob, error) {
	finished := time.Now().UTC()
	job.Status = StatusFailed
	job.FinishedAt = &finished
	job.ErrorMessage = cause.Error()

	if err := e.jobs.Update(ctx, job); err != nil {
		e.logger.Error("failed to persist backup failure",
			zap.String("backup_id", job.ID.String()),
			zap.Error(err))
	}

	e.logger.Error("backup failed",
		zap.String("backup_id", job.ID.String()),
		zap.String("kind", string(job.Kind)),
		zap.Error(cause))
	e.audit.Record(ctx, audit.Event{
		Action:       audit.ActionBackupFailed,
		ResourceType: audit.ResourceBackup,
		ResourceID:   job.ID.String(),
		Severity:     audit.SeverityCritical,
		Status:       audit.StatusFailure,
		Details: map[string]string{
			"kind":  string(job.Kind),
			"error": cause.Error(),
		},
	})
	metrics.RecordBackupJob(string(job.Kind), string(StatusFailed))

	return job, cause
}

func (e *Engine) claim(targetPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[targetPath]; busy {
		return fault.Newf(fault.KindPrecondition, "backup.run",
			"backup already in flight for %s", targetPath)
	}
	e.inflight[targetPath] = struct{}{}
	return nil
}

func (e *Engine) release(targetPath string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, targetPath)
}

func (e *Engine) retentionFor(kind Kind) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	days := e.cfg.RetentionFullDays
	switch kind {
	case KindIncremental:
		days = e.cfg.RetentionIncrementalDays
	case KindWAL:
		days = e.cfg.RetentionWALDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// SetRetention applies reloaded retention settings to jobs completing
// from now on. Finished jobs keep the absolute retention they got at
// completion.
func (e *Engine) SetRetention(fullDays, incrementalDays, walDays int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.RetentionFullDays = fullDays
	e.cfg.RetentionIncrementalDays = incrementalDays
	e.cfg.RetentionWALDays = walDays
}

// Get returns one job by id.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*BackupJob, error) {
	return e.jobs.Get(ctx, id)
}

// StaleRunning lists jobs stuck in running longer than the configured
// threshold. Surfaced to operators; the engine never force-fails them.
func (e *Engine) StaleRunning(ctx context.Context) ([]*BackupJob, error) {
	cutoff := time.Now().UTC().Add(-e.cfg.StaleRunningAfter)
	return e.jobs.ListStaleRunning(ctx, cutoff)
}

// SweepResult summarizes one retention sweep pass.
type SweepResult struct {
	Archived      int        `json:"archived"`
	Deleted       int        `json:"deleted"`
	DeleteRetried int        `json:"delete_retried"`
	BytesFreed    int64      `json:"bytes_freed"`
	OldestKept    *time.Time `json:"oldest_kept,omitempty"`
}

// Sweep archives completed jobs whose retention has passed and removes
// their artifacts. Physical deletion is best effort: a failed delete
// leaves the job archived with the artifact flagged present, and every
// later sweep retries it. Failed jobs are never touched.
func (e *Engine) Sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}

	// Retry deletes left over from earlier sweeps.
	undeleted, err := e.jobs.ListUndeleted(ctx)
	if err != nil {
		return nil, err
	}
	for _, job := range undeleted {
		if e.deleteArtifact(ctx, job) {
			result.Deleted++
			result.DeleteRetried++
			result.BytesFreed += job.SizeBytes
		}
	}

	expired, err := e.jobs.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	for _, job := range expired {
		if e.archiver != nil {
			key, err := e.archiver.Upload(ctx, job.TargetPath)
			if err != nil {
				// No offsite copy, no deletion. The job stays completed
				// and the next sweep tries again.
				e.logger.Warn("offsite archive failed, keeping artifact",
					zap.String("backup_id", job.ID.String()),
					zap.Error(err))
				e.audit.Record(ctx, audit.Event{
					Action:       audit.ActionBackupArchived,
					ResourceType: audit.ResourceBackup,
					ResourceID:   job.ID.String(),
					Severity:     audit.SeverityWarning,
					Status:       audit.StatusFailure,
					Details:      map[string]string{"error": err.Error()},
				})
				continue
			}
			e.audit.Record(ctx, audit.Event{
				Action:       audit.ActionBackupArchived,
				ResourceType: audit.ResourceBackup,
				ResourceID:   job.ID.String(),
				Details:      map[string]string{"offsite_key": key},
			})
		}

		job.Status = StatusArchived
		if e.deleteArtifact(ctx, job) {
			result.Deleted++
			result.BytesFreed += job.SizeBytes
		}
		if err := e.jobs.Update(ctx, job); err != nil {
			e.logger.Error("failed to persist archived job",
				zap.String("backup_id", job.ID.String()),
				zap.Error(err))
			continue
		}
		result.Archived++

		e.audit.Record(ctx, audit.Event{
			Action:       audit.ActionBackupSwept,
			ResourceType: audit.ResourceBackup,
			ResourceID:   job.ID.String(),
			Details: map[string]string{
				"kind":             string(job.Kind),
				"artifact_removed": strconv.FormatBool(job.ArtifactRemoved),
			},
		})
	}

	oldest, err := e.jobs.OldestCompleted(ctx)
	if err != nil {
		e.logger.Warn("failed to compute oldest kept backup", zap.Error(err))
	} else {
		result.OldestKept = oldest
	}

	if result.Archived > 0 || result.Deleted > 0 {
		e.logger.Info("retention sweep finished",
			zap.Int("archived", result.Archived),
			zap.Int("deleted", result.Deleted),
			zap.Int64("bytes_freed", result.BytesFreed))
	}
	metrics.RecordSweep(result.Archived, result.BytesFreed)

	return result, nil
}

// deleteArtifact removes the job's artifact and persists the flag flip.
// Returns whether the artifact is now gone.
func (e *Engine) deleteArtifact(ctx context.Context, job *BackupJob) bool {
	if job.ArtifactRemoved {
		return false
	}
	if err := e.driver.ApplyPhysicalDelete(ctx, job.TargetPath); err != nil {
		e.logger.Warn("artifact delete failed, will retry next sweep",
			zap.String("backup_id", job.ID.String()),
			zap.String("target_path", job.TargetPath),
			zap.Error(err))
		e.audit.Record(ctx, audit.Event{
			Action:       audit.ActionArtifactDelete,
			ResourceType: audit.ResourceArtifact,
			ResourceID:   job.ID.String(),
			Severity:     audit.SeverityWarning,
			Status:       audit.StatusFailure,
			Details:      map[string]string{"error": err.Error()},
		})
		return false
	}

	job.ArtifactRemoved = true
	if job.Status == StatusArchived {
		if err := e.jobs.Update(ctx, job); err != nil {
			e.logger.Error("failed to persist artifact removal",
				zap.String("backup_id", job.ID.String()),
				zap.Error(err))
		}
	}
	e.audit.Record(ctx, audit.Event{
		Action:       audit.ActionArtifactDelete,
		ResourceType: audit.ResourceArtifact,
		ResourceID:   job.ID.String(),
		Details:      map[string]string{"target_path": job.TargetPath},
	})
	return true
}

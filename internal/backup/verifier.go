package backup

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carevault/durability/internal/audit"
	"github.com/carevault/durability/internal/crypto"
	"github.com/carevault/durability/internal/drivers"
	"github.com/carevault/durability/internal/fault"
	"github.com/carevault/durability/internal/metrics"
)

// Verifier restores a backup into an isolated target and checks it
// against the job's recorded metrics. A verification that ran to the end
// and found problems is a failed result, not an error; errors are
// reserved for runs that could not check anything.
type Verifier struct {
	jobs    JobStore
	results VerificationStore
	driver  drivers.Driver
	audit   *audit.Recorder
	logger  *zap.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

// NewVerifier creates a verifier.
func NewVerifier(jobs JobStore, results VerificationStore, driver drivers.Driver,
	recorder *audit.Recorder, logger *zap.Logger) *Verifier {
	return &Verifier{
		jobs:     jobs,
		results:  results,
		driver:   driver,
		audit:    recorder,
		logger:   logger,
		inflight: make(map[uuid.UUID]struct{}),
	}
}

// Verify runs one verification of the given backup. Only completed
// backups are verifiable; anything else is rejected before any restore
// work happens. Concurrent verifications of the same backup are
// rejected the same way.
func (v *Verifier) Verify(ctx context.Context, backupID uuid.UUID) (*VerificationResult, error) {
	job, err := v.jobs.Get(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusCompleted {
		return nil, fault.Newf(fault.KindPrecondition, "backup.verify",
			"backup %s is %s, only completed backups are verifiable", backupID, job.Status)
	}

	v.mu.Lock()
	if _, busy := v.inflight[backupID]; busy {
		v.mu.Unlock()
		return nil, fault.Newf(fault.KindPrecondition, "backup.verify",
			"verification already in flight for backup %s", backupID)
	}
	v.inflight[backupID] = struct{}{}
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		delete(v.inflight, backupID)
		v.mu.Unlock()
	}()

	handle, err := v.driver.RestoreToIsolated(ctx, job.TargetPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := v.driver.TeardownIsolated(ctx, handle); err != nil {
			v.logger.Warn("isolated restore teardown failed",
				zap.String("backup_id", backupID.String()),
				zap.String("restore_id", handle.ID),
				zap.Error(err))
		}
	}()

	result := v.check(job, handle)

	if err := v.results.Save(ctx, result); err != nil {
		return nil, err
	}
	v.report(ctx, job, result)

	return result, nil
}

// check compares the restored state against the job's recorded metrics.
func (v *Verifier) check(job *BackupJob, handle *drivers.RestoreHandle) *VerificationResult {
	result := &VerificationResult{
		ID:          uuid.New(),
		BackupID:    job.ID,
		TableCount:  len(handle.TableCounts),
		RecordCount: handle.RecordCount,
		VerifiedAt:  time.Now().UTC(),
	}

	if handle.Checksum != job.Checksum {
		result.Errors = append(result.Errors, fmt.Sprintf(
			"checksum mismatch: recorded %s, restored artifact has %s",
			job.Checksum, handle.Checksum))
	}

	if job.Kind != KindWAL {
		if got := handle.TableCounts["patients"]; got != job.PatientCount {
			result.Errors = append(result.Errors, fmt.Sprintf(
				"patient count mismatch: recorded %d, restored %d",
				job.PatientCount, got))
		}
		if got := handle.TableCounts["medical_records"]; got != job.MedicalRecordCount {
			result.Errors = append(result.Errors, fmt.Sprintf(
				"medical record count mismatch: recorded %d, restored %d",
				job.MedicalRecordCount, got))
		}
		if handle.RecordCount == 0 {
			result.Warnings = append(result.Warnings, "restored backup contains no rows")
		}
	}

	for _, sample := range handle.FieldSamples {
		if !crypto.IsEncrypted(sample.Value) {
			result.Errors = append(result.Errors, fmt.Sprintf(
				"unencrypted sensitive field %s.%s in restored data",
				sample.Table, sample.Column))
		}
	}

	result.ErrorCount = len(result.Errors)
	result.WarningCount = len(result.Warnings)
	if result.ErrorCount == 0 {
		result.Status = VerificationVerified
	} else {
		result.Status = VerificationFailed
	}
	return result
}

func (v *Verifier) report(ctx context.Context, job *BackupJob, result *VerificationResult) {
	metrics.RecordVerification(string(result.Status))

	if result.Status == VerificationVerified {
		v.logger.Info("backup verified",
			zap.String("backup_id", job.ID.String()),
			zap.Int("tables", result.TableCount),
			zap.Int64("records", result.RecordCount),
			zap.Int("warnings", result.WarningCount))
		v.audit.Record(ctx, audit.Event{
			Action:       audit.ActionBackupVerified,
			ResourceType: audit.ResourceBackup,
			ResourceID:   job.ID.String(),
			Details: map[string]string{
				"result_id":    result.ID.String(),
				"record_count": strconv.FormatInt(result.RecordCount, 10),
			},
		})
		return
	}

	v.logger.Error("backup verification failed",
		zap.String("backup_id", job.ID.String()),
		zap.Strings("errors", result.Errors))
	v.audit.Record(ctx, audit.Event{
		Action:       audit.ActionVerifyFailed,
		ResourceType: audit.ResourceBackup,
		ResourceID:   job.ID.String(),
		Severity:     audit.SeverityCritical,
		Status:       audit.StatusFailure,
		Details: map[string]string{
			"result_id":   result.ID.String(),
			"error_count": strconv.Itoa(result.ErrorCount),
			"first_error": result.Errors[0],
		},
	})
}

// Results lists verification history for a backup.
func (v *Verifier) Results(ctx context.Context, backupID uuid.UUID) ([]*VerificationResult, error) {
	if _, err := v.jobs.Get(ctx, backupID); err != nil {
		return nil, err
	}
	return v.results.ListByBackup(ctx, backupID)
}

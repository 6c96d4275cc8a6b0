// Package backup owns the backup job lifecycle: creation, completion,
// verification and the retention sweep.
package backup

import (
	"time"

	"github.com/google/uuid"
)

// Kind of a backup job.
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
	KindWAL         Kind = "wal"
)

// Valid reports whether k is a known backup kind.
func (k Kind) Valid() bool {
	switch k {
	case KindFull, KindIncremental, KindWAL:
		return true
	}
	return false
}

// Status of a backup job. Jobs move running -> completed | failed, and
// completed -> archived when the retention sweep expires them. Failed
// jobs are terminal and never archived.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusArchived  Status = "archived"
)

// BackupJob is one backup attempt and its outcome. RetentionUntil is
// resolved to an absolute instant at completion; later policy changes
// never move it.
type BackupJob struct {
	ID                 uuid.UUID  `json:"id"`
	Kind               Kind       `json:"kind"`
	TargetPath         string     `json:"target_path"`
	Status             Status     `json:"status"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
	SizeBytes          int64      `json:"size_bytes"`
	Checksum           string     `json:"checksum,omitempty"`
	CompressionRatio   float64    `json:"compression_ratio,omitempty"`
	RetentionUntil     *time.Time `json:"retention_until,omitempty"`
	PatientCount       int64      `json:"patient_count"`
	MedicalRecordCount int64      `json:"medical_record_count"`
	ArtifactRemoved    bool       `json:"artifact_removed"`
	ErrorMessage       string     `json:"error_message,omitempty"`
}

// VerificationStatus is the outcome of a verification run.
type VerificationStatus string

const (
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
)

// VerificationResult is what one restore-and-check run found. Errors and
// Warnings carry the individual findings; only their counts are
// persisted.
type VerificationResult struct {
	ID           uuid.UUID          `json:"id"`
	BackupID     uuid.UUID          `json:"backup_id"`
	Status       VerificationStatus `json:"status"`
	Errors       []string           `json:"errors,omitempty"`
	Warnings     []string           `json:"warnings,omitempty"`
	ErrorCount   int                `json:"error_count"`
	WarningCount int                `json:"warning_count"`
	TableCount   int                `json:"table_count"`
	RecordCount  int64              `json:"record_count"`
	VerifiedAt   time.Time          `json:"verified_at"`
}

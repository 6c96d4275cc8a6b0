package audit

import (
	"time"

	"github.com/google/uuid"
)

// Severity of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Status is the outcome recorded with an event.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Well-known actions. Components may emit additional free-form actions;
// these constants cover the durability lifecycle.
const (
	ActionBackupStarted     = "backup.started"
	ActionBackupCompleted   = "backup.completed"
	ActionBackupFailed      = "backup.failed"
	ActionBackupArchived    = "backup.archived"
	ActionBackupSwept       = "backup.swept"
	ActionArtifactDelete    = "backup.artifact_delete"
	ActionBackupVerified    = "backup.verified"
	ActionVerifyFailed      = "backup.verify_failed"
	ActionReplicaCritical   = "replication.replica_critical"
	ActionReplicaDisconnect = "replication.replica_disconnected"
	ActionDRPlanComputed    = "dr.plan_computed"
	ActionKeyRotated        = "encryption.key_rotated"
	ActionDecryptFailed     = "encryption.decrypt_failed"
)

// Resource types referenced by events.
const (
	ResourceBackup   = "backup_job"
	ResourceReplica  = "replica"
	ResourceDRPlan   = "dr_plan"
	ResourceKey      = "encryption_key"
	ResourceArtifact = "backup_artifact"
)

// Event is a single structured audit record. The sink must persist it
// durably; the emitting component treats Append as fire-and-forget.
type Event struct {
	ID           uuid.UUID         `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Severity     Severity          `json:"severity"`
	Status       Status            `json:"status"`
	Details      map[string]string `json:"details,omitempty"`
}

// Query filters for reading the trail back out.
type Query struct {
	Action       string
	ResourceType string
	ResourceID   string
	Severity     Severity
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// Package drivers contains the datastore-facing side of the durability
// control plane. The engine never talks to the database or the filesystem
// directly; everything goes through the Driver interface so the whole
// control plane is substitutable for testing.
package drivers

import (
	"context"
)

// BackupMetrics is what a driver reports after producing an artifact.
type BackupMetrics struct {
	SizeBytes          int64            `json:"size_bytes"`
	RawBytes           int64            `json:"raw_bytes"`
	Checksum           string           `json:"checksum"`
	CompressionRatio   float64          `json:"compression_ratio"`
	TableCounts        map[string]int64 `json:"table_counts"`
	PatientCount       int64            `json:"patient_count"`
	MedicalRecordCount int64            `json:"medical_record_count"`
}

// ReplicaSample is one raw lag observation for a replica.
type ReplicaSample struct {
	LagBytes    int64   `json:"lag_bytes"`
	LagSeconds  float64 `json:"lag_seconds"`
	ReceivedLSN string  `json:"received_lsn"`
	ReplayedLSN string  `json:"replayed_lsn"`
}

// FieldSample is one sensitive field value pulled from a restored
// artifact for encryption-marker checks.
type FieldSample struct {
	Table  string `json:"table"`
	Column string `json:"column"`
	Value  string `json:"value"`
}

// RestoreHandle is an isolated restore target plus what the driver
// observed while restoring into it. The verifier compares these
// observations against the job's recorded metrics; it never touches the
// restore directory itself.
type RestoreHandle struct {
	ID           string
	Dir          string
	Checksum     string
	TableCounts  map[string]int64
	RecordCount  int64
	FieldSamples []FieldSample
}

// Driver is the datastore interface consumed by the control plane.
type Driver interface {
	// RunBackup produces an artifact of the given kind at path. The path
	// must not already exist; collisions are a caller error.
	RunBackup(ctx context.Context, kind, path string) (*BackupMetrics, error)

	// RestoreToIsolated restores the artifact at path into an isolated
	// scratch target and reports what it found there.
	RestoreToIsolated(ctx context.Context, path string) (*RestoreHandle, error)

	// TeardownIsolated releases the isolated restore target. Safe to call
	// regardless of how the restore went.
	TeardownIsolated(ctx context.Context, handle *RestoreHandle) error

	// QueryReplicaStat fetches one raw lag sample for a named replica.
	QueryReplicaStat(ctx context.Context, name string) (*ReplicaSample, error)

	// ApplyPhysicalDelete removes the artifact at path. Idempotent.
	ApplyPhysicalDelete(ctx context.Context, path string) error
}

// Backup kinds understood by drivers. The backup engine owns the job
// model; drivers only need the discriminator.
const (
	KindFull        = "full"
	KindIncremental = "incremental"
	KindWAL         = "wal"
)

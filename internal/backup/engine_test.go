package backup

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carevault/durability/internal/audit"
	"github.com/carevault/durability/internal/config"
	"github.com/carevault/durability/internal/drivers"
	"github.com/carevault/durability/internal/fault"
)

func testBackupConfig() config.BackupConfig {
	return config.BackupConfig{
		BasePath:                 "/backups",
		RetentionFullDays:        7 * 365,
		RetentionIncrementalDays: 90,
		RetentionWALDays:         30,
		StaleRunningAfter:        6 * time.Hour,
	}
}

func newTestEngine(t *testing.T, driver drivers.Driver, archiver drivers.Archiver) (*Engine, *MemoryStore, *audit.MemorySink) {
	t.Helper()
	store := NewMemoryStore()
	sink := audit.NewMemorySink()
	engine := NewEngine(store, driver, archiver,
		audit.NewRecorder(sink, zap.NewNop()), testBackupConfig(), zap.NewNop())
	return engine, store, sink
}

func TestRunCompletesJobWithAbsoluteRetention(t *testing.T) {
	engine, _, sink := newTestEngine(t, drivers.NewFake(), nil)

	before := time.Now().UTC()
	job, err := engine.Run(context.Background(), KindFull, "")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, "fakesum", job.Checksum)
	assert.Equal(t, int64(1024), job.SizeBytes)
	assert.Equal(t, int64(10), job.PatientCount)

	// Default path carries the kind and a second-resolution timestamp.
	assert.True(t, strings.HasPrefix(job.TargetPath, "/backups/full_"))
	assert.True(t, strings.HasSuffix(job.TargetPath, ".backup"))

	require.NotNil(t, job.RetentionUntil)
	wantMin := before.Add(7 * 365 * 24 * time.Hour)
	assert.False(t, job.RetentionUntil.Before(wantMin),
		"retention must be at least seven years from completion")

	assert.Len(t, sink.ByAction(audit.ActionBackupStarted), 1)
	assert.Len(t, sink.ByAction(audit.ActionBackupCompleted), 1)
}

func TestRunRetentionVariesByKind(t *testing.T) {
	engine, _, _ := newTestEngine(t, drivers.NewFake(), nil)

	wal, err := engine.Run(context.Background(), KindWAL, "/backups/wal_test.backup")
	require.NoError(t, err)
	incremental, err := engine.Run(context.Background(), KindIncremental, "/backups/inc_test.backup")
	require.NoError(t, err)

	walWindow := wal.RetentionUntil.Sub(*wal.FinishedAt)
	incWindow := incremental.RetentionUntil.Sub(*incremental.FinishedAt)
	assert.Equal(t, 30*24*time.Hour, walWindow)
	assert.Equal(t, 90*24*time.Hour, incWindow)
}

func TestRunRejectsUnknownKind(t *testing.T) {
	engine, _, _ := newTestEngine(t, drivers.NewFake(), nil)

	_, err := engine.Run(context.Background(), Kind("weekly"), "")
	require.Error(t, err)
	assert.Equal(t, fault.KindPrecondition, fault.KindOf(err))
}

func TestRunRejectsConcurrentSameTarget(t *testing.T) {
	driver := drivers.NewFake()
	release := make(chan struct{})
	started := make(chan struct{})
	driver.BackupMetricsFn = func(kind, path string) (*drivers.BackupMetrics, error) {
		close(started)
		<-release
		return &drivers.BackupMetrics{Checksum: "slow"}, nil
	}

	engine, _, _ := newTestEngine(t, driver, nil)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Run(context.Background(), KindFull, "/backups/same.backup")
		done <- err
	}()

	<-started
	_, err := engine.Run(context.Background(), KindFull, "/backups/same.backup")
	require.Error(t, err)
	assert.Equal(t, fault.KindPrecondition, fault.KindOf(err))

	close(release)
	require.NoError(t, <-done)
}

func TestRunRecordsFailure(t *testing.T) {
	driver := drivers.NewFake()
	driver.BackupMetricsFn = func(kind, path string) (*drivers.BackupMetrics, error) {
		return nil, fault.Precondition("drivers.fake", "artifact already exists")
	}

	engine, store, sink := newTestEngine(t, driver, nil)

	job, err := engine.Run(context.Background(), KindFull, "/backups/clash.backup")
	require.Error(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "artifact already exists")
	require.NotNil(t, job.FinishedAt)
	assert.Nil(t, job.RetentionUntil)

	persisted, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, persisted.Status)

	events := sink.ByAction(audit.ActionBackupFailed)
	require.Len(t, events, 1)
	assert.Equal(t, audit.SeverityCritical, events[0].Severity)
}

func seedJob(t *testing.T, store *MemoryStore, kind Kind, status Status, retentionUntil time.Time) *BackupJob {
	t.Helper()
	finished := time.Now().UTC().Add(-time.Hour)
	job := &BackupJob{
		ID:         mustUUID(t),
		Kind:       kind,
		TargetPath: "/backups/" + string(kind) + "_" + retentionUntil.Format("20060102150405.000") + ".backup",
		Status:     status,
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: &finished,
		SizeBytes:  2048,
		Checksum:   "seeded",
	}
	if status != StatusRunning && status != StatusFailed {
		job.RetentionUntil = &retentionUntil
	}
	require.NoError(t, store.Create(context.Background(), job))
	return job
}

func TestSweepArchivesOnlyExpiredCompleted(t *testing.T) {
	driver := drivers.NewFake()
	engine, store, sink := newTestEngine(t, driver, nil)

	now := time.Now().UTC()
	expired := seedJob(t, store, KindIncremental, StatusCompleted, now.Add(-time.Hour))
	fresh := seedJob(t, store, KindFull, StatusCompleted, now.Add(24*time.Hour))
	failed := seedJob(t, store, KindFull, StatusFailed, now.Add(-time.Hour))

	result, err := engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Archived)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, int64(2048), result.BytesFreed)
	require.NotNil(t, result.OldestKept)
	assert.True(t, result.OldestKept.Equal(fresh.StartedAt),
		"oldest kept must be the surviving completed job")

	got, err := store.Get(context.Background(), expired.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, got.Status)
	assert.True(t, got.ArtifactRemoved)

	got, err = store.Get(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	got, err = store.Get(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	assert.Equal(t, []string{expired.TargetPath}, driver.DeleteCalls)
	assert.Len(t, sink.ByAction(audit.ActionBackupSwept), 1)
	assert.Len(t, sink.ByAction(audit.ActionArtifactDelete), 1)
}

func TestSweepRetriesFailedDeletes(t *testing.T) {
	driver := drivers.NewFake()
	driver.DeleteErr = errors.New("device busy")

	engine, store, sink := newTestEngine(t, driver, nil)
	job := seedJob(t, store, KindWAL, StatusCompleted, time.Now().UTC().Add(-time.Hour))

	result, err := engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Archived)
	assert.Equal(t, 0, result.Deleted)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, got.Status)
	assert.False(t, got.ArtifactRemoved, "artifact must stay flagged present after a failed delete")

	failures := sink.ByAction(audit.ActionArtifactDelete)
	require.Len(t, failures, 1)
	assert.Equal(t, audit.StatusFailure, failures[0].Status)

	// Next sweep retries the delete once the driver recovers.
	driver.DeleteErr = nil
	result, err = engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 1, result.DeleteRetried)

	got, err = store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, got.ArtifactRemoved)
}

func TestSweepKeepsArtifactWhenOffsiteUploadFails(t *testing.T) {
	driver := drivers.NewFake()
	archiver := &drivers.FakeArchiver{Err: errors.New("bucket unreachable")}

	engine, store, sink := newTestEngine(t, driver, archiver)
	job := seedJob(t, store, KindFull, StatusCompleted, time.Now().UTC().Add(-time.Hour))

	result, err := engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Archived)
	assert.Empty(t, driver.DeleteCalls, "no deletion without an offsite copy")

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	failures := sink.ByAction(audit.ActionBackupArchived)
	require.Len(t, failures, 1)
	assert.Equal(t, audit.StatusFailure, failures[0].Status)

	// Upload recovers; the next sweep archives and deletes.
	archiver.Err = nil
	result, err = engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Archived)
	assert.Equal(t, 1, result.Deleted)
}

func TestStaleRunning(t *testing.T) {
	engine, store, _ := newTestEngine(t, drivers.NewFake(), nil)

	stale := &BackupJob{
		ID:         mustUUID(t),
		Kind:       KindFull,
		TargetPath: "/backups/stuck.backup",
		Status:     StatusRunning,
		StartedAt:  time.Now().UTC().Add(-8 * time.Hour),
	}
	require.NoError(t, store.Create(context.Background(), stale))

	recent := &BackupJob{
		ID:         mustUUID(t),
		Kind:       KindFull,
		TargetPath: "/backups/active.backup",
		Status:     StatusRunning,
		StartedAt:  time.Now().UTC().Add(-10 * time.Minute),
	}
	require.NoError(t, store.Create(context.Background(), recent))

	jobs, err := engine.StaleRunning(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, stale.ID, jobs[0].ID)
}

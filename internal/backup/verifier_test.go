package backup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carevault/durability/internal/audit"
	"github.com/carevault/durability/internal/drivers"
	"github.com/carevault/durability/internal/fault"
)

func newTestVerifier(t *testing.T, driver drivers.Driver) (*Verifier, *MemoryStore, *audit.MemorySink) {
	t.Helper()
	store := NewMemoryStore()
	sink := audit.NewMemorySink()
	v := NewVerifier(store, store, driver, audit.NewRecorder(sink, zap.NewNop()), zap.NewNop())
	return v, store, sink
}

func completedJob(t *testing.T, store *MemoryStore) *BackupJob {
	t.Helper()
	finished := time.Now().UTC()
	job := &BackupJob{
		ID:                 mustUUID(t),
		Kind:               KindFull,
		TargetPath:         "/backups/full_x.backup",
		Status:             StatusCompleted,
		StartedAt:          finished.Add(-time.Minute),
		FinishedAt:         &finished,
		SizeBytes:          1024,
		Checksum:           "fakesum",
		PatientCount:       10,
		MedicalRecordCount: 25,
	}
	require.NoError(t, store.Create(context.Background(), job))
	return job
}

func TestVerifyPassesWhenRestoredStateMatches(t *testing.T) {
	driver := drivers.NewFake()
	v, store, sink := newTestVerifier(t, driver)
	job := completedJob(t, store)

	result, err := v.Verify(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, VerificationVerified, result.Status)
	assert.Zero(t, result.ErrorCount)
	assert.Equal(t, int64(35), result.RecordCount)

	// Teardown happens even on success.
	assert.Len(t, driver.TeardownCalls, 1)

	saved, err := store.ListByBackup(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, saved, 1)

	assert.Len(t, sink.ByAction(audit.ActionBackupVerified), 1)

	// The verified full backup is now eligible for DR planning.
	latest, err := store.LatestVerifiedFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job.ID, latest.ID)
}

func TestVerifyRejectsNonCompletedWithoutDriverWork(t *testing.T) {
	driver := drivers.NewFake()
	v, store, _ := newTestVerifier(t, driver)

	for _, status := range []Status{StatusRunning, StatusFailed, StatusArchived} {
		job := completedJob(t, store)
		job.Status = status
		require.NoError(t, store.Update(context.Background(), job))

		_, err := v.Verify(context.Background(), job.ID)
		require.Error(t, err)
		assert.Equal(t, fault.KindPrecondition, fault.KindOf(err))
	}

	assert.Empty(t, driver.RestoreCalls, "rejected verification must not restore anything")
	assert.Empty(t, driver.TeardownCalls)
}

func TestVerifyUnknownBackup(t *testing.T) {
	v, _, _ := newTestVerifier(t, drivers.NewFake())

	_, err := v.Verify(context.Background(), mustUUID(t))
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestVerifyFailsOnChecksumMismatch(t *testing.T) {
	driver := drivers.NewFake()
	driver.RestoreFn = func(path string) (*drivers.RestoreHandle, error) {
		return &drivers.RestoreHandle{
			ID:          "r1",
			Checksum:    "different",
			TableCounts: map[string]int64{"patients": 10, "medical_records": 25},
			RecordCount: 35,
		}, nil
	}

	v, store, sink := newTestVerifier(t, driver)
	job := completedJob(t, store)

	result, err := v.Verify(context.Background(), job.ID)
	require.NoError(t, err, "a completed check with findings is a result, not an error")
	assert.Equal(t, VerificationFailed, result.Status)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "checksum mismatch")

	assert.Len(t, driver.TeardownCalls, 1)

	events := sink.ByAction(audit.ActionVerifyFailed)
	require.Len(t, events, 1)
	assert.Equal(t, audit.SeverityCritical, events[0].Severity)
}

func TestVerifyFailsOnCountMismatch(t *testing.T) {
	driver := drivers.NewFake()
	driver.RestoreFn = func(path string) (*drivers.RestoreHandle, error) {
		return &drivers.RestoreHandle{
			ID:          "r1",
			Checksum:    "fakesum",
			TableCounts: map[string]int64{"patients": 9, "medical_records": 25},
			RecordCount: 34,
		}, nil
	}

	v, store, _ := newTestVerifier(t, driver)
	job := completedJob(t, store)

	result, err := v.Verify(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, VerificationFailed, result.Status)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "patient count mismatch")
}

func TestVerifyFailsOnUnencryptedSensitiveSample(t *testing.T) {
	driver := drivers.NewFake()
	driver.RestoreFn = func(path string) (*drivers.RestoreHandle, error) {
		return &drivers.RestoreHandle{
			ID:          "r1",
			Checksum:    "fakesum",
			TableCounts: map[string]int64{"patients": 10, "medical_records": 25},
			RecordCount: 35,
			FieldSamples: []drivers.FieldSample{
				{Table: "patients", Column: "family_name", Value: "$dcv1$1$c2VhbGVk"},
				{Table: "patients", Column: "phone_number", Value: "090-1234-5678"},
			},
		}, nil
	}

	v, store, _ := newTestVerifier(t, driver)
	job := completedJob(t, store)

	result, err := v.Verify(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, VerificationFailed, result.Status)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "patients.phone_number")
}

func TestVerifyTearsDownOnRestoreInspectionFailure(t *testing.T) {
	driver := drivers.NewFake()
	restoreErr := fault.Transient("drivers.fake.restore", context.DeadlineExceeded)
	driver.RestoreFn = func(path string) (*drivers.RestoreHandle, error) {
		return nil, restoreErr
	}

	v, store, _ := newTestVerifier(t, driver)
	job := completedJob(t, store)

	_, err := v.Verify(context.Background(), job.ID)
	require.Error(t, err)
	assert.Equal(t, fault.KindTransient, fault.KindOf(err))

	// Nothing was restored, nothing saved.
	saved, err := store.ListByBackup(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestLatestVerifiedFullIgnoresArchivedJobs(t *testing.T) {
	driver := drivers.NewFake()
	v, store, _ := newTestVerifier(t, driver)

	job := completedJob(t, store)
	_, err := v.Verify(context.Background(), job.ID)
	require.NoError(t, err)

	// The sweep archived the job; its local artifact is gone, so it can
	// no longer anchor a restore.
	job.Status = StatusArchived
	job.ArtifactRemoved = true
	require.NoError(t, store.Update(context.Background(), job))

	_, err = store.LatestVerifiedFull(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	// A newer completed and verified full takes its place.
	replacement := completedJob(t, store)
	_, err = v.Verify(context.Background(), replacement.ID)
	require.NoError(t, err)

	latest, err := store.LatestVerifiedFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, latest.ID)
}

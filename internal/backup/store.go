package backup

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carevault/durability/internal/fault"
)

// JobStore persists backup jobs.
type JobStore interface {
	Create(ctx context.Context, job *BackupJob) error
	Update(ctx context.Context, job *BackupJob) error
	Get(ctx context.Context, id uuid.UUID) (*BackupJob, error)

	// ListExpired returns completed jobs whose retention has passed.
	ListExpired(ctx context.Context, now time.Time) ([]*BackupJob, error)

	// ListUndeleted returns archived jobs whose artifact is still on disk.
	ListUndeleted(ctx context.Context) ([]*BackupJob, error)

	// ListStaleRunning returns jobs still marked running that started
	// before the cutoff.
	ListStaleRunning(ctx context.Context, before time.Time) ([]*BackupJob, error)

	// LatestVerifiedFull returns the most recent completed full backup
	// with a passing verification, or a not-found fault. Archived jobs
	// never qualify; their artifact may already be gone.
	LatestVerifiedFull(ctx context.Context) (*BackupJob, error)

	// OldestCompleted returns the start time of the oldest job still in
	// completed state, or nil when none remain.
	OldestCompleted(ctx context.Context) (*time.Time, error)
}

// VerificationStore persists verification results.
type VerificationStore interface {
	Save(ctx context.Context, result *VerificationResult) error
	ListByBackup(ctx context.Context, backupID uuid.UUID) ([]*VerificationResult, error)
}

// PostgresStore implements JobStore and VerificationStore over the
// control-plane database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, kind, target_path, status, started_at, finished_at,
	size_bytes, checksum, compression_ratio, retention_until,
	patient_count, medical_record_count, artifact_removed, error_message`

func (s *PostgresStore) Create(ctx context.Context, job *BackupJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		job.ID, job.Kind, job.TargetPath, job.Status, job.StartedAt,
		nullTime(job.FinishedAt), job.SizeBytes, job.Checksum,
		job.CompressionRatio, nullTime(job.RetentionUntil),
		job.PatientCount, job.MedicalRecordCount, job.ArtifactRemoved,
		nullString(job.ErrorMessage))
	if err != nil {
		return fault.Transient("backup.store.create", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, job *BackupJob) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE backup_jobs SET
			status = $2, finished_at = $3, size_bytes = $4, checksum = $5,
			compression_ratio = $6, retention_until = $7, patient_count = $8,
			medical_record_count = $9, artifact_removed = $10, error_message = $11
		WHERE id = $1`,
		job.ID, job.Status, nullTime(job.FinishedAt), job.SizeBytes,
		job.Checksum, job.CompressionRatio, nullTime(job.RetentionUntil),
		job.PatientCount, job.MedicalRecordCount, job.ArtifactRemoved,
		nullString(job.ErrorMessage))
	if err != nil {
		return fault.Transient("backup.store.update", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fault.NotFound("backup.store.update", fmt.Sprintf("backup job %s", job.ID))
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*BackupJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM backup_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fault.NotFound("backup.store.get", fmt.Sprintf("backup job %s", id))
	}
	if err != nil {
		return nil, fault.Transient("backup.store.get", err)
	}
	return job, nil
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]*BackupJob, error) {
	return s.listJobs(ctx, `
		SELECT `+jobColumns+` FROM backup_jobs
		WHERE status = 'completed' AND retention_until IS NOT NULL AND retention_until <= $1
		ORDER BY retention_until`, now)
}

func (s *PostgresStore) ListUndeleted(ctx context.Context) ([]*BackupJob, error) {
	return s.listJobs(ctx, `
		SELECT `+jobColumns+` FROM backup_jobs
		WHERE status = 'archived' AND artifact_removed = FALSE
		ORDER BY started_at`)
}

func (s *PostgresStore) ListStaleRunning(ctx context.Context, before time.Time) ([]*BackupJob, error) {
	return s.listJobs(ctx, `
		SELECT `+jobColumns+` FROM backup_jobs
		WHERE status = 'running' AND started_at < $1
		ORDER BY started_at`, before)
}

func (s *PostgresStore) LatestVerifiedFull(ctx context.Context) (*BackupJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM backup_jobs b
		WHERE b.kind = 'full'
		  AND b.status = 'completed'
		  AND EXISTS (
			SELECT 1 FROM verification_results v
			WHERE v.backup_id = b.id AND v.status = 'verified'
		  )
		ORDER BY b.started_at DESC
		LIMIT 1`)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fault.NotFound("backup.store.latest_verified_full",
			"no verified full backup exists")
	}
	if err != nil {
		return nil, fault.Transient("backup.store.latest_verified_full", err)
	}
	return job, nil
}

func (s *PostgresStore) OldestCompleted(ctx context.Context) (*time.Time, error) {
	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT min(started_at) FROM backup_jobs WHERE status = 'completed'`).Scan(&oldest)
	if err != nil {
		return nil, fault.Transient("backup.store.oldest_completed", err)
	}
	if !oldest.Valid {
		return nil, nil
	}
	return &oldest.Time, nil
}

func (s *PostgresStore) listJobs(ctx context.Context, query string, args ...interface{}) ([]*BackupJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Transient("backup.store.list", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*BackupJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fault.Transient("backup.store.list", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Transient("backup.store.list", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*BackupJob, error) {
	var (
		job      BackupJob
		finished sql.NullTime
		until    sql.NullTime
		errMsg   sql.NullString
	)
	err := row.Scan(&job.ID, &job.Kind, &job.TargetPath, &job.Status,
		&job.StartedAt, &finished, &job.SizeBytes, &job.Checksum,
		&job.CompressionRatio, &until, &job.PatientCount,
		&job.MedicalRecordCount, &job.ArtifactRemoved, &errMsg)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		job.FinishedAt = &finished.Time
	}
	if until.Valid {
		job.RetentionUntil = &until.Time
	}
	job.ErrorMessage = errMsg.String
	return &job, nil
}

func (s *PostgresStore) Save(ctx context.Context, result *VerificationResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_results
			(id, backup_id, status, error_count, warning_count, table_count, record_count, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		result.ID, result.BackupID, result.Status, result.ErrorCount,
		result.WarningCount, result.TableCount, result.RecordCount,
		result.VerifiedAt)
	if err != nil {
		return fault.Transient("backup.store.save_verification", err)
	}
	return nil
}

func (s *PostgresStore) ListByBackup(ctx context.Context, backupID uuid.UUID) ([]*VerificationResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, backup_id, status, error_count, warning_count, table_count, record_count, verified_at
		FROM verification_results
		WHERE backup_id = $1
		ORDER BY verified_at DESC`, backupID)
	if err != nil {
		return nil, fault.Transient("backup.store.list_verifications", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*VerificationResult
	for rows.Next() {
		var r VerificationResult
		err := rows.Scan(&r.ID, &r.BackupID, &r.Status, &r.ErrorCount,
			&r.WarningCount, &r.TableCount, &r.RecordCount, &r.VerifiedAt)
		if err != nil {
			return nil, fault.Transient("backup.store.list_verifications", err)
		}
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Transient("backup.store.list_verifications", err)
	}
	return results, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// MemoryStore implements JobStore and VerificationStore in memory for
// tests and database-less deployments.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*BackupJob
	results map[uuid.UUID][]*VerificationResult
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[uuid.UUID]*BackupJob),
		results: make(map[uuid.UUID][]*VerificationResult),
	}
}

func (m *MemoryStore) Create(_ context.Context, job *BackupJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *job
	m.jobs[job.ID] = &copied
	return nil
}

func (m *MemoryStore) Update(_ context.Context, job *BackupJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return fault.NotFound("backup.store.update", fmt.Sprintf("backup job %s", job.ID))
	}
	copied := *job
	m.jobs[job.ID] = &copied
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*BackupJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fault.NotFound("backup.store.get", fmt.Sprintf("backup job %s", id))
	}
	copied := *job
	return &copied, nil
}

func (m *MemoryStore) ListExpired(_ context.Context, now time.Time) ([]*BackupJob, error) {
	return m.filter(func(j *BackupJob) bool {
		return j.Status == StatusCompleted && j.RetentionUntil != nil && !j.RetentionUntil.After(now)
	}), nil
}

func (m *MemoryStore) ListUndeleted(_ context.Context) ([]*BackupJob, error) {
	return m.filter(func(j *BackupJob) bool {
		return j.Status == StatusArchived && !j.ArtifactRemoved
	}), nil
}

func (m *MemoryStore) ListStaleRunning(_ context.Context, before time.Time) ([]*BackupJob, error) {
	return m.filter(func(j *BackupJob) bool {
		return j.Status == StatusRunning && j.StartedAt.Before(before)
	}), nil
}

func (m *MemoryStore) LatestVerifiedFull(_ context.Context) (*BackupJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *BackupJob
	for id, job := range m.jobs {
		if job.Kind != KindFull {
			continue
		}
		// Archived jobs are out: their local artifact has normally been
		// deleted by the sweep, so they cannot anchor a restore.
		if job.Status != StatusCompleted {
			continue
		}
		verified := false
		for _, r := range m.results[id] {
			if r.Status == VerificationVerified {
				verified = true
				break
			}
		}
		if !verified {
			continue
		}
		if latest == nil || job.StartedAt.After(latest.StartedAt) {
			latest = job
		}
	}
	if latest == nil {
		return nil, fault.NotFound("backup.store.latest_verified_full",
			"no verified full backup exists")
	}
	copied := *latest
	return &copied, nil
}

func (m *MemoryStore) OldestCompleted(_ context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *time.Time
	for _, job := range m.jobs {
		if job.Status != StatusCompleted {
			continue
		}
		if oldest == nil || job.StartedAt.Before(*oldest) {
			t := job.StartedAt
			oldest = &t
		}
	}
	return oldest, nil
}

func (m *MemoryStore) filter(keep func(*BackupJob) bool) []*BackupJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*BackupJob
	for _, job := range m.jobs {
		if keep(job) {
			copied := *job
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (m *MemoryStore) Save(_ context.Context, result *VerificationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *result
	m.results[result.BackupID] = append(m.results[result.BackupID], &copied)
	return nil
}

func (m *MemoryStore) ListByBackup(_ context.Context, backupID uuid.UUID) ([]*VerificationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*VerificationResult
	for _, r := range m.results[backupID] {
		copied := *r
		out = append(out, &copied)
	}
	return out, nil
}

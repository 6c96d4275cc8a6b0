package replication

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/carevault/durability/internal/fault"
)

// StatusStore persists the current truth per replica.
type StatusStore interface {
	Upsert(ctx context.Context, status *ReplicaStatus) error
	Get(ctx context.Context, name string) (*ReplicaStatus, error)
	List(ctx context.Context) ([]*ReplicaStatus, error)
}

// PostgresStatusStore implements StatusStore over replica_status.
type PostgresStatusStore struct {
	db *sql.DB
}

// NewPostgresStatusStore creates a store over db.
func NewPostgresStatusStore(db *sql.DB) *PostgresStatusStore {
	return &PostgresStatusStore{db: db}
}

const statusColumns = `replica_name, primary_host, replica_host, lag_bytes,
	lag_seconds, last_wal_received_lsn, last_wal_replayed_lsn,
	sync_state, connection_state, health_state, last_checked_at`

func (s *PostgresStatusStore) Upsert(ctx context.Context, status *ReplicaStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replica_status (`+statusColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (replica_name) DO UPDATE SET
			primary_host = EXCLUDED.primary_host,
			replica_host = EXCLUDED.replica_host,
			lag_bytes = EXCLUDED.lag_bytes,
			lag_seconds = EXCLUDED.lag_seconds,
			last_wal_received_lsn = EXCLUDED.last_wal_received_lsn,
			last_wal_replayed_lsn = EXCLUDED.last_wal_replayed_lsn,
			sync_state = EXCLUDED.sync_state,
			connection_state = EXCLUDED.connection_state,
			health_state = EXCLUDED.health_state,
			last_checked_at = EXCLUDED.last_checked_at`,
		status.ReplicaName, status.PrimaryHost, status.ReplicaHost,
		status.LagBytes, status.LagSeconds, status.LastWALReceivedLSN,
		status.LastWALReplayedLSN, status.SyncState, status.ConnectionState,
		status.HealthState, status.LastCheckedAt)
	if err != nil {
		return fault.Transient("replication.store.upsert", err)
	}
	return nil
}

func (s *PostgresStatusStore) Get(ctx context.Context, name string) (*ReplicaStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+statusColumns+` FROM replica_status WHERE replica_name = $1`, name)

	status, err := scanStatus(row)
	if err == sql.ErrNoRows {
		return nil, fault.NotFound("replication.store.get", fmt.Sprintf("replica %q", name))
	}
	if err != nil {
		return nil, fault.Transient("replication.store.get", err)
	}
	return status, nil
}

func (s *PostgresStatusStore) List(ctx context.Context) ([]*ReplicaStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+statusColumns+` FROM replica_status ORDER BY replica_name`)
	if err != nil {
		return nil, fault.Transient("replication.store.list", err)
	}
	defer func() { _ = rows.Close() }()

	var statuses []*ReplicaStatus
	for rows.Next() {
		status, err := scanStatus(rows)
		if err != nil {
			return nil, fault.Transient("replication.store.list", err)
		}
		statuses = append(statuses, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Transient("replication.store.list", err)
	}
	return statuses, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStatus(row rowScanner) (*ReplicaStatus, error) {
	var s ReplicaStatus
	err := row.Scan(&s.ReplicaName, &s.PrimaryHost, &s.ReplicaHost,
		&s.LagBytes, &s.LagSeconds, &s.LastWALReceivedLSN,
		&s.LastWALReplayedLSN, &s.SyncState, &s.ConnectionState,
		&s.HealthState, &s.LastCheckedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// MemoryStatusStore implements StatusStore in memory for tests.
type MemoryStatusStore struct {
	mu       sync.Mutex
	statuses map[string]*ReplicaStatus
}

// NewMemoryStatusStore creates an empty in-memory store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{statuses: make(map[string]*ReplicaStatus)}
}

func (m *MemoryStatusStore) Upsert(_ context.Context, status *ReplicaStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *status
	m.statuses[status.ReplicaName] = &copied
	return nil
}

func (m *MemoryStatusStore) Get(_ context.Context, name string) (*ReplicaStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.statuses[name]
	if !ok {
		return nil, fault.NotFound("replication.store.get", fmt.Sprintf("replica %q", name))
	}
	copied := *status
	return &copied, nil
}

func (m *MemoryStatusStore) List(_ context.Context) ([]*ReplicaStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ReplicaStatus
	for _, status := range m.statuses {
		copied := *status
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReplicaName < out[j].ReplicaName })
	return out, nil
}

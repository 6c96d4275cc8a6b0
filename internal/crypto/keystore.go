package crypto

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresVersionStore persists key version metadata. Key material never
// touches the database; only the lineage needed to resolve ciphertext
// tags after a restart is stored.
type PostgresVersionStore struct {
	db *sql.DB
}

// NewPostgresVersionStore creates a version store over db.
func NewPostgresVersionStore(db *sql.DB) *PostgresVersionStore {
	return &PostgresVersionStore{db: db}
}

// Save inserts a new lineage entry. An existing version is left
// untouched; retirement goes through Retire only, so a restart can
// never un-retire a persisted version.
func (s *PostgresVersionStore) Save(ctx context.Context, v KeyVersion) error {
	query := `
		INSERT INTO encryption_key_versions (version, algorithm, created_at, retired_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (version) DO NOTHING
	`
	var retiredAt interface{}
	if v.RetiredAt != nil {
		retiredAt = *v.RetiredAt
	}
	if _, err := s.db.ExecContext(ctx, query, v.Version, v.Algorithm, v.CreatedAt, retiredAt); err != nil {
		return fmt.Errorf("save key version: %w", err)
	}
	return nil
}

func (s *PostgresVersionStore) Retire(ctx context.Context, version int, at time.Time) error {
	query := `UPDATE encryption_key_versions SET retired_at = $2 WHERE version = $1`
	if _, err := s.db.ExecContext(ctx, query, version, at); err != nil {
		return fmt.Errorf("retire key version: %w", err)
	}
	return nil
}

func (s *PostgresVersionStore) List(ctx context.Context) ([]KeyVersion, error) {
	query := `
		SELECT version, algorithm, created_at, retired_at
		FROM encryption_key_versions
		ORDER BY version
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list key versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []KeyVersion
	for rows.Next() {
		var v KeyVersion
		var retiredAt sql.NullTime
		if err := rows.Scan(&v.Version, &v.Algorithm, &v.CreatedAt, &retiredAt); err != nil {
			return nil, fmt.Errorf("scan key version: %w", err)
		}
		if retiredAt.Valid {
			t := retiredAt.Time
			v.RetiredAt = &t
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

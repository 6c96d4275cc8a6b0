package drivers

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/carevault/durability/internal/fault"
)

// DefaultTables is the EMR table set covered by logical dumps.
var DefaultTables = []string{"patients", "medical_records", "prescriptions", "lab_orders"}

// DefaultIncrementalTables is the high-churn subset dumped by
// incremental backups.
var DefaultIncrementalTables = []string{"medical_records", "prescriptions", "lab_orders"}

var identifierRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresDriver backs up and inspects the EMR's PostgreSQL datastore.
// Dumps are logical (CSV per table); replica lag comes straight from
// pg_stat_replication; WAL backups record the archive point after
// forcing a segment switch (the segments themselves are shipped by
// archive_command).
type PostgresDriver struct {
	db                *sql.DB
	tables            []string
	incrementalTables []string
	scratchDir        string
	logger            *zap.Logger
}

// NewPostgresDriver creates a driver over db. Table names are validated
// once here so dump queries can interpolate them safely.
func NewPostgresDriver(db *sql.DB, tables, incrementalTables []string, logger *zap.Logger) (*PostgresDriver, error) {
	if len(tables) == 0 {
		tables = DefaultTables
	}
	if len(incrementalTables) == 0 {
		incrementalTables = DefaultIncrementalTables
	}
	for _, t := range append(append([]string{}, tables...), incrementalTables...) {
		if !identifierRe.MatchString(t) {
			return nil, fmt.Errorf("invalid table name %q", t)
		}
	}
	return &PostgresDriver{
		db:                db,
		tables:            tables,
		incrementalTables: incrementalTables,
		scratchDir:        filepath.Join(os.TempDir(), "durability-restore"),
		logger:            logger,
	}, nil
}

func (d *PostgresDriver) RunBackup(ctx context.Context, kind, path string) (*BackupMetrics, error) {
	w, err := newArtifactWriter(path)
	if err != nil {
		if os.IsExist(err) || strings.Contains(err.Error(), "file exists") {
			return nil, fault.Newf(fault.KindPrecondition, "drivers.postgres.backup",
				"artifact already exists: %s", path)
		}
		return nil, fault.Transient("drivers.postgres.backup", err)
	}

	tableCounts := make(map[string]int64)

	switch kind {
	case KindWAL:
		if err := d.writeWALManifest(ctx, w); err != nil {
			w.abort()
			return nil, err
		}
	case KindIncremental:
		if err := d.dumpTables(ctx, w, d.incrementalTables, tableCounts); err != nil {
			w.abort()
			return nil, err
		}
	default:
		if err := d.dumpTables(ctx, w, d.tables, tableCounts); err != nil {
			w.abort()
			return nil, err
		}
	}

	checksum, size, raw, err := w.close()
	if err != nil {
		return nil, fault.Transient("drivers.postgres.backup", err)
	}

	patients, records, err := d.coreCounts(ctx)
	if err != nil {
		return nil, err
	}

	ratio := 1.0
	if size > 0 && raw > 0 {
		ratio = float64(raw) / float64(size)
	}

	return &BackupMetrics{
		SizeBytes:          size,
		RawBytes:           raw,
		Checksum:           checksum,
		CompressionRatio:   ratio,
		TableCounts:        tableCounts,
		PatientCount:       patients,
		MedicalRecordCount: records,
	}, nil
}

func (d *PostgresDriver) dumpTables(ctx context.Context, w *artifactWriter, tables []string, counts map[string]int64) error {
	for _, table := range tables {
		tmp, count, err := d.dumpTable(ctx, table)
		if err != nil {
			return err
		}
		err = w.addFromDisk(table+".csv", tmp)
		_ = os.Remove(tmp)
		if err != nil {
			return fault.Transient("drivers.postgres.backup", err)
		}
		counts[table] = count
	}
	return nil
}

// dumpTable streams one table to a temporary CSV file and returns its
// path and row count.
func (d *PostgresDriver) dumpTable(ctx context.Context, table string) (string, int64, error) {
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s", pq.QuoteIdentifier(table)))
	if err != nil {
		return "", 0, fault.Transient("drivers.postgres.dump", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return "", 0, fault.Transient("drivers.postgres.dump", err)
	}

	tmp, err := os.CreateTemp("", "durability-dump-*.csv")
	if err != nil {
		return "", 0, fault.Transient("drivers.postgres.dump", err)
	}

	writer := csv.NewWriter(tmp)
	if err := writer.Write(cols); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", 0, fault.Transient("drivers.postgres.dump", err)
	}

	values := make([]sql.NullString, len(cols))
	scanArgs := make([]interface{}, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	var count int64
	record := make([]string, len(cols))
	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return "", 0, fault.Transient("drivers.postgres.dump", err)
		}
		for i, v := range values {
			record[i] = v.String
		}
		if err := writer.Write(record); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return "", 0, fault.Transient("drivers.postgres.dump", err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", 0, fault.Transient("drivers.postgres.dump", err)
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", 0, fault.Transient("drivers.postgres.dump", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, fault.Transient("drivers.postgres.dump", err)
	}

	return tmp.Name(), count, nil
}

// writeWALManifest forces a segment switch and records the archive
// point. The WAL files themselves travel via archive_command; the
// artifact marks where point-in-time recovery can stop.
func (d *PostgresDriver) writeWALManifest(ctx context.Context, w *artifactWriter) error {
	var lsn, walFile string
	err := d.db.QueryRowContext(ctx,
		`SELECT pg_switch_wal()::text, pg_walfile_name(pg_current_wal_lsn())`,
	).Scan(&lsn, &walFile)
	if err != nil {
		return fault.Transient("drivers.postgres.wal", err)
	}

	manifest := fmt.Sprintf("archive_point_lsn,%s\nwal_file,%s\n", lsn, walFile)
	return w.addFile("wal_manifest", int64(len(manifest)), strings.NewReader(manifest))
}

func (d *PostgresDriver) coreCounts(ctx context.Context) (patients, records int64, err error) {
	if err := d.db.QueryRowContext(ctx, `SELECT count(*) FROM patients`).Scan(&patients); err != nil {
		return 0, 0, fault.Transient("drivers.postgres.counts", err)
	}
	if err := d.db.QueryRowContext(ctx, `SELECT count(*) FROM medical_records`).Scan(&records); err != nil {
		return 0, 0, fault.Transient("drivers.postgres.counts", err)
	}
	return patients, records, nil
}

func (d *PostgresDriver) RestoreToIsolated(_ context.Context, path string) (*RestoreHandle, error) {
	if err := os.MkdirAll(d.scratchDir, 0o750); err != nil {
		return nil, fault.Transient("drivers.postgres.restore", err)
	}
	dir, err := os.MkdirTemp(d.scratchDir, "restore-*")
	if err != nil {
		return nil, fault.Transient("drivers.postgres.restore", err)
	}

	result, err := extractArtifact(path, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fault.Transient("drivers.postgres.restore", err)
	}

	return &RestoreHandle{
		ID:           uuid.NewString(),
		Dir:          dir,
		Checksum:     result.Checksum,
		TableCounts:  result.TableCounts,
		RecordCount:  result.RecordCount,
		FieldSamples: result.FieldSamples,
	}, nil
}

func (d *PostgresDriver) TeardownIsolated(_ context.Context, handle *RestoreHandle) error {
	if handle == nil || handle.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(handle.Dir); err != nil {
		return fault.Transient("drivers.postgres.teardown", err)
	}
	return nil
}

func (d *PostgresDriver) QueryReplicaStat(ctx context.Context, name string) (*ReplicaSample, error) {
	query := `
		SELECT COALESCE(sent_lsn::text, ''),
		       COALESCE(replay_lsn::text, ''),
		       COALESCE(pg_wal_lsn_diff(sent_lsn, replay_lsn), 0)::bigint,
		       COALESCE(EXTRACT(EPOCH FROM replay_lag), 0)::float8
		FROM pg_stat_replication
		WHERE application_name = $1
	`

	var sample ReplicaSample
	err := d.db.QueryRowContext(ctx, query, name).Scan(
		&sample.ReceivedLSN,
		&sample.ReplayedLSN,
		&sample.LagBytes,
		&sample.LagSeconds,
	)
	if err == sql.ErrNoRows {
		return nil, fault.NotFound("drivers.postgres.replica_stat",
			fmt.Sprintf("replica %q not connected to primary", name))
	}
	if err != nil {
		return nil, fault.Transient("drivers.postgres.replica_stat", err)
	}

	return &sample, nil
}

func (d *PostgresDriver) ApplyPhysicalDelete(_ context.Context, path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fault.Transient("drivers.postgres.delete", err)
	}
	return nil
}

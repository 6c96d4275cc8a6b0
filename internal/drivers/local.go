package drivers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carevault/durability/internal/fault"
)

// LocalDriver serves development and test deployments where the EMR
// datastore exports its tables as CSV files under a data directory:
//
//	<data>/patients.csv, <data>/medical_records.csv, ...
//	<data>/wal/...          archived log segments
//	<data>/replicas.json    lag samples published by the replica tooling
//
// Full and incremental backups both snapshot every table; incremental
// semantics only exist in the database-backed driver.
type LocalDriver struct {
	dataPath   string
	scratchDir string
	logger     *zap.Logger
}

// NewLocalDriver creates a local driver over dataPath.
func NewLocalDriver(dataPath string, logger *zap.Logger) *LocalDriver {
	return &LocalDriver{
		dataPath:   dataPath,
		scratchDir: filepath.Join(dataPath, ".restore"),
		logger:     logger,
	}
}

func (d *LocalDriver) RunBackup(ctx context.Context, kind, path string) (*BackupMetrics, error) {
	w, err := newArtifactWriter(path)
	if err != nil {
		if os.IsExist(err) || strings.Contains(err.Error(), "file exists") {
			return nil, fault.Newf(fault.KindPrecondition, "drivers.local.backup",
				"artifact already exists: %s", path)
		}
		return nil, fault.Transient("drivers.local.backup", err)
	}

	tableCounts := make(map[string]int64)

	switch kind {
	case KindWAL:
		if err := d.addWALSegments(ctx, w); err != nil {
			w.abort()
			return nil, err
		}
	default:
		if err := d.addTables(ctx, w, tableCounts); err != nil {
			w.abort()
			return nil, err
		}
	}

	checksum, size, raw, err := w.close()
	if err != nil {
		return nil, fault.Transient("drivers.local.backup", err)
	}

	ratio := 1.0
	if size > 0 && raw > 0 {
		ratio = float64(raw) / float64(size)
	}

	d.logger.Debug("local backup written",
		zap.String("kind", kind),
		zap.String("path", path),
		zap.Int64("size_bytes", size))

	return &BackupMetrics{
		SizeBytes:          size,
		RawBytes:           raw,
		Checksum:           checksum,
		CompressionRatio:   ratio,
		TableCounts:        tableCounts,
		PatientCount:       tableCounts["patients"],
		MedicalRecordCount: tableCounts["medical_records"],
	}, nil
}

func (d *LocalDriver) addTables(ctx context.Context, w *artifactWriter, counts map[string]int64) error {
	entries, err := os.ReadDir(d.dataPath)
	if err != nil {
		return fault.Transient("drivers.local.backup", err)
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return fault.Transient("drivers.local.backup", ctx.Err())
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}
		src := filepath.Join(d.dataPath, entry.Name())
		if err := w.addFromDisk(entry.Name(), src); err != nil {
			return fault.Transient("drivers.local.backup", err)
		}
		table := strings.TrimSuffix(entry.Name(), ".csv")
		count, err := countCSVRows(src)
		if err != nil {
			return fault.Transient("drivers.local.backup", err)
		}
		counts[table] = count
	}
	return nil
}

func (d *LocalDriver) addWALSegments(ctx context.Context, w *artifactWriter) error {
	walDir := filepath.Join(d.dataPath, "wal")
	entries, err := os.ReadDir(walDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing archived yet
		}
		return fault.Transient("drivers.local.backup", err)
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return fault.Transient("drivers.local.backup", ctx.Err())
		}
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(walDir, entry.Name())
		if err := w.addFromDisk(filepath.Join("wal", entry.Name()), src); err != nil {
			return fault.Transient("drivers.local.backup", err)
		}
	}
	return nil
}

func (d *LocalDriver) RestoreToIsolated(_ context.Context, path string) (*RestoreHandle, error) {
	if err := os.MkdirAll(d.scratchDir, 0o750); err != nil {
		return nil, fault.Transient("drivers.local.restore", err)
	}
	dir, err := os.MkdirTemp(d.scratchDir, "restore-*")
	if err != nil {
		return nil, fault.Transient("drivers.local.restore", err)
	}

	result, err := extractArtifact(path, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fault.Transient("drivers.local.restore", err)
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

func (d *LocalDriver) TeardownIsolated(_ context.Context, handle *RestoreHandle) error {
	if handle == nil || handle.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(handle.Dir); err != nil {
		return fault.Transient("drivers.local.teardown", err)
	}
	return nil
}

// replicaFile is the lag publication format of the local replica tooling.
type replicaFile map[string]struct {
	LagBytes    int64   `json:"lag_bytes"`
	LagSeconds  float64 `json:"lag_seconds"`
	ReceivedLSN string  `json:"received_lsn"`
	ReplayedLSN string  `json:"replayed_lsn"`
}

func (d *LocalDriver) QueryReplicaStat(_ context.Context, name string) (*ReplicaSample, error) {
	data, err := os.ReadFile(filepath.Join(d.dataPath, "replicas.json"))
	if err != nil {
		return nil, fault.Transient("drivers.local.replica_stat", err)
	}

	var replicas replicaFile
	if err := json.Unmarshal(data, &replicas); err != nil {
		return nil, fault.Transient("drivers.local.replica_stat", err)
	}

	entry, ok := replicas[name]
	if !ok {
		return nil, fault.NotFound("drivers.local.replica_stat",
			fmt.Sprintf("replica %q not published", name))
	}

	return &ReplicaSample{
		LagBytes:    entry.LagBytes,
		LagSeconds:  entry.LagSeconds,
		ReceivedLSN: entry.ReceivedLSN,
		ReplayedLSN: entry.ReplayedLSN,
	}, nil
}

func (d *LocalDriver) ApplyPhysicalDelete(_ context.Context, path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fault.Transient("drivers.local.delete", err)
	}
	return nil
}

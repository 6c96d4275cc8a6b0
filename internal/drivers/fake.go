package drivers

import (
	"context"
	"sync"
)

// Fake is an in-memory Driver for tests in other packages. Every method
// records its call and returns whatever the test configured.
type Fake struct {
	mu sync.Mutex

	BackupMetricsFn func(kind, path string) (*BackupMetrics, error)
	RestoreFn       func(path string) (*RestoreHandle, error)
	ReplicaFn       func(name string) (*ReplicaSample, error)
	DeleteErr       error
	TeardownErr     error

	BackupCalls   []string
	RestoreCalls  []string
	TeardownCalls []string
	ReplicaCalls  []string
	DeleteCalls   []string
}

// NewFake returns a fake whose backup calls succeed with fixed metrics.
func NewFake() *Fake {
	return &Fake{
		BackupMetricsFn: func(kind, path string) (*BackupMetrics, error) {
			return &BackupMetrics{
				SizeBytes:          1024,
				RawBytes:           4096,
				Checksum:           "fakesum",
				CompressionRatio:   4.0,
				TableCounts:        map[string]int64{"patients": 10, "medical_records": 25},
				PatientCount:       10,
				MedicalRecordCount: 25,
			}, nil
		},
		RestoreFn: func(path string) (*RestoreHandle, error) {
			return &RestoreHandle{
				ID:          "fake-restore",
				Dir:         "/tmp/fake-restore",
				Checksum:    "fakesum",
				TableCounts: map[string]int64{"patients": 10, "medical_records": 25},
				RecordCount: 35,
			}, nil
		},
		ReplicaFn: func(name string) (*ReplicaSample, error) {
			return &ReplicaSample{LagSeconds: 0.5}, nil
		},
	}
}

func (f *Fake) RunBackup(_ context.Context, kind, path string) (*BackupMetrics, error) {
	f.mu.Lock()
	f.BackupCalls = append(f.BackupCalls, kind+":"+path)
	fn := f.BackupMetricsFn
	f.mu.Unlock()
	return fn(kind, path)
}

func (f *Fake) RestoreToIsolated(_ context.Context, path string) (*RestoreHandle, error) {
	f.mu.Lock()
	f.RestoreCalls = append(f.RestoreCalls, path)
	fn := f.RestoreFn
	f.mu.Unlock()
	return fn(path)
}

func (f *Fake) TeardownIsolated(_ context.Context, handle *RestoreHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := ""
	if handle != nil {
		id = handle.ID
	}
	f.TeardownCalls = append(f.TeardownCalls, id)
	return f.TeardownErr
}

func (f *Fake) QueryReplicaStat(_ context.Context, name string) (*ReplicaSample, error) {
	f.mu.Lock()
	f.ReplicaCalls = append(f.ReplicaCalls, name)
	fn := f.ReplicaFn
	f.mu.Unlock()
	return fn(name)
}

func (f *Fake) ApplyPhysicalDelete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteCalls = append(f.DeleteCalls, path)
	return f.DeleteErr
}

// FakeArchiver records uploads for tests.
type FakeArchiver struct {
	mu      sync.Mutex
	Err     error
	Uploads []string
}

func (a *FakeArchiver) Upload(_ context.Context, localPath string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return "", a.Err
	}
	a.Uploads = append(a.Uploads, localPath)
	return "archive/" + localPath, nil
}

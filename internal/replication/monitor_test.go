package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carevault/durability/internal/audit"
	"github.com/carevault/durability/internal/config"
	"github.com/carevault/durability/internal/drivers"
)

func testReplicationConfig(names ...string) config.ReplicationConfig {
	cfg := config.ReplicationConfig{
		PollInterval:  time.Second,
		DriverTimeout: time.Second,
		PollRate:      1000,
	}
	for _, name := range names {
		cfg.Replicas = append(cfg.Replicas, config.ReplicaConfig{
			Name:        name,
			PrimaryHost: "db-primary",
			ReplicaHost: name + ".host",
		})
	}
	return cfg
}

func TestPollOnceRecordsHealthyReplica(t *testing.T) {
	driver := drivers.NewFake()
	driver.ReplicaFn = func(name string) (*drivers.ReplicaSample, error) {
		return &drivers.ReplicaSample{
			LagBytes:    128,
			LagSeconds:  0.4,
			ReceivedLSN: "0/3000060",
			ReplayedLSN: "0/3000028",
		}, nil
	}

	store := NewMemoryStatusStore()
	sink := audit.NewMemorySink()
	m := NewMonitor(driver, store, audit.NewRecorder(sink, zap.NewNop()),
		testReplicationConfig("replica-1"), zap.NewNop())

	m.PollOnce(context.Background())

	status, err := store.Get(context.Background(), "replica-1")
	require.NoError(t, err)
	assert.Equal(t, SyncStateSync, status.SyncState)
	assert.Equal(t, HealthHealthy, status.HealthState)
	assert.Equal(t, ConnectionConnected, status.ConnectionState)
	assert.Equal(t, 0.4, status.LagSeconds)
	assert.Empty(t, sink.Events())
}

func TestPollOnceAuditsCriticalLagEveryPoll(t *testing.T) {
	driver := drivers.NewFake()
	driver.ReplicaFn = func(name string) (*drivers.ReplicaSample, error) {
		return &drivers.ReplicaSample{LagSeconds: 12.5}, nil
	}

	store := NewMemoryStatusStore()
	sink := audit.NewMemorySink()
	m := NewMonitor(driver, store, audit.NewRecorder(sink, zap.NewNop()),
		testReplicationConfig("replica-1"), zap.NewNop())

	m.PollOnce(context.Background())
	m.PollOnce(context.Background())

	status, err := store.Get(context.Background(), "replica-1")
	require.NoError(t, err)
	assert.Equal(t, HealthCritical, status.HealthState)

	// One critical event per poll, not only on the transition.
	events := sink.ByAction(audit.ActionReplicaCritical)
	assert.Len(t, events, 2)
}

func TestDisconnectRetainsLastObservedLag(t *testing.T) {
	driver := drivers.NewFake()
	driver.ReplicaFn = func(name string) (*drivers.ReplicaSample, error) {
		return &drivers.ReplicaSample{LagSeconds: 2.5, LagBytes: 4096, ReplayedLSN: "0/5000000"}, nil
	}

	store := NewMemoryStatusStore()
	sink := audit.NewMemorySink()
	m := NewMonitor(driver, store, audit.NewRecorder(sink, zap.NewNop()),
		testReplicationConfig("replica-1"), zap.NewNop())

	m.PollOnce(context.Background())

	driver.ReplicaFn = func(name string) (*drivers.ReplicaSample, error) {
		return nil, errors.New("connection refused")
	}
	m.PollOnce(context.Background())

	status, err := store.Get(context.Background(), "replica-1")
	require.NoError(t, err)
	assert.Equal(t, ConnectionDisconnected, status.ConnectionState)
	assert.Equal(t, HealthCritical, status.HealthState)
	assert.Equal(t, 2.5, status.LagSeconds)
	assert.Equal(t, int64(4096), status.LagBytes)
	assert.Equal(t, "0/5000000", status.LastWALReplayedLSN)

	events := sink.ByAction(audit.ActionReplicaDisconnect)
	require.Len(t, events, 1)
	assert.Equal(t, audit.SeverityCritical, events[0].Severity)
}

func TestFirstFailedPollMarksSyncStateUnknown(t *testing.T) {
	driver := drivers.NewFake()
	driver.ReplicaFn = func(name string) (*drivers.ReplicaSample, error) {
		return nil, errors.New("no route to host")
	}

	store := NewMemoryStatusStore()
	sink := audit.NewMemorySink()
	m := NewMonitor(driver, store, audit.NewRecorder(sink, zap.NewNop()),
		testReplicationConfig("replica-1"), zap.NewNop())

	m.PollOnce(context.Background())

	status, err := store.Get(context.Background(), "replica-1")
	require.NoError(t, err)
	assert.Equal(t, SyncStateUnknown, status.SyncState)
	assert.Equal(t, ConnectionDisconnected, status.ConnectionState)
	assert.Equal(t, HealthCritical, status.HealthState)
}

func TestRepeatedFailuresMarkReconnecting(t *testing.T) {
	driver := drivers.NewFake()
	driver.ReplicaFn = func(name string) (*drivers.ReplicaSample, error) {
		return &drivers.ReplicaSample{LagSeconds: 1.5, LagBytes: 256}, nil
	}

	store := NewMemoryStatusStore()
	sink := audit.NewMemorySink()
	m := NewMonitor(driver, store, audit.NewRecorder(sink, zap.NewNop()),
		testReplicationConfig("replica-1"), zap.NewNop())

	m.PollOnce(context.Background())

	driver.ReplicaFn = func(name string) (*drivers.ReplicaSample, error) {
		return nil, errors.New("connection refused")
	}
	m.PollOnce(context.Background())
	m.PollOnce(context.Background())

	status, err := store.Get(context.Background(), "replica-1")
	require.NoError(t, err)
	assert.Equal(t, ConnectionReconnecting, status.ConnectionState)
	assert.Equal(t, SyncStatePotential, status.SyncState)
	assert.Equal(t, 1.5, status.LagSeconds)

	// Every failed poll is audited, not only the transition.
	assert.Len(t, sink.ByAction(audit.ActionReplicaDisconnect), 2)
}

func TestPollOnceCoversAllReplicas(t *testing.T) {
	driver := drivers.NewFake()
	store := NewMemoryStatusStore()
	m := NewMonitor(driver, store, audit.NewRecorder(audit.NewMemorySink(), zap.NewNop()),
		testReplicationConfig("replica-1", "replica-2", "replica-3"), zap.NewNop())

	m.PollOnce(context.Background())

	statuses, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, statuses, 3)
	assert.Len(t, driver.ReplicaCalls, 3)
}

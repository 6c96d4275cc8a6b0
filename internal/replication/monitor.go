package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/carevault/durability/internal/audit"
	"github.com/carevault/durability/internal/config"
	"github.com/carevault/durability/internal/drivers"
	"github.com/carevault/durability/internal/fault"
	"github.com/carevault/durability/internal/metrics"
)

// Monitor polls every configured replica and keeps replica_status
// current. Replicas are polled concurrently; a shared rate limiter
// keeps the stat queries from hammering the primary when the replica
// list is long.
type Monitor struct {
	driver  drivers.Driver
	store   StatusStore
	audit   *audit.Recorder
	cfg     config.ReplicationConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewMonitor creates a monitor for the configured replicas.
func NewMonitor(driver drivers.Driver, store StatusStore, recorder *audit.Recorder,
	cfg config.ReplicationConfig, logger *zap.Logger) *Monitor {
	pollRate := cfg.PollRate
	if pollRate <= 0 {
		pollRate = 5
	}
	return &Monitor{
		driver:  driver,
		store:   store,
		audit:   recorder,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(pollRate), 1),
		logger:  logger,
	}
}

// Run polls on the configured interval until ctx is cancelled. One poll
// happens immediately so status is populated at startup.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("replication monitor started",
		zap.Int("replicas", len(m.cfg.Replicas)),
		zap.Duration("poll_interval", m.cfg.PollInterval))

	m.PollOnce(ctx)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("replication monitor stopped")
			return
		case <-ticker.C:
			m.PollOnce(ctx)
		}
	}
}

// PollOnce samples every configured replica once and persists the
// resulting status rows. Returns after all replicas were handled.
func (m *Monitor) PollOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, replica := range m.cfg.Replicas {
		wg.Add(1)
		go func(replica config.ReplicaConfig) {
			defer wg.Done()
			m.pollReplica(ctx, replica)
		}(replica)
	}
	wg.Wait()
}

func (m *Monitor) pollReplica(ctx context.Context, replica config.ReplicaConfig) {
	if err := m.limiter.Wait(ctx); err != nil {
		return
	}

	callCtx := ctx
	if m.cfg.DriverTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, m.cfg.DriverTimeout)
		defer cancel()
	}

	sample, err := m.driver.QueryReplicaStat(callCtx, replica.Name)
	if err != nil {
		m.markDisconnected(ctx, replica, err)
		return
	}

	syncState, health := Classify(sample.LagSeconds)
	status := &ReplicaStatus{
		ReplicaName:        replica.Name,
		PrimaryHost:        replica.PrimaryHost,
		ReplicaHost:        replica.ReplicaHost,
		LagBytes:           sample.LagBytes,
		LagSeconds:         sample.LagSeconds,
		LastWALReceivedLSN: sample.ReceivedLSN,
		LastWALReplayedLSN: sample.ReplayedLSN,
		SyncState:          syncState,
		ConnectionState:    ConnectionConnected,
		HealthState:        health,
		LastCheckedAt:      time.Now().UTC(),
	}

	if err := m.store.Upsert(ctx, status); err != nil {
		m.logger.Error("failed to persist replica status",
			zap.String("replica", replica.Name),
			zap.Error(err))
		return
	}
	metrics.RecordReplica(replica.Name, status.LagSeconds, health.Level())

	if health == HealthCritical {
		// Audited on every poll while critical, not only on the
		// transition. A trail gap would otherwise hide how long the
		// replica stayed behind.
		m.logger.Error("replica lag critical",
			zap.String("replica", replica.Name),
			zap.Float64("lag_seconds", status.LagSeconds))
		m.audit.Record(ctx, audit.Event{
			Action:       audit.ActionReplicaCritical,
			ResourceType: audit.ResourceReplica,
			ResourceID:   replica.Name,
			Severity:     audit.SeverityCritical,
			Status:       audit.StatusFailure,
			Details: map[string]string{
				"lag_seconds": fmt.Sprintf("%.2f", status.LagSeconds),
				"lag_bytes":   fmt.Sprintf("%d", status.LagBytes),
			},
		})
	}
}

// markDisconnected records a failed poll while keeping the replica's
// last observed lag values. The first failure of a never-sampled
// replica stays sync-state unknown; repeated failures after a recorded
// disconnect show as reconnecting.
func (m *Monitor) markDisconnected(ctx context.Context, replica config.ReplicaConfig, cause error) {
	status := &ReplicaStatus{
		ReplicaName:     replica.Name,
		PrimaryHost:     replica.PrimaryHost,
		ReplicaHost:     replica.ReplicaHost,
		SyncState:       SyncStateUnknown,
		ConnectionState: ConnectionDisconnected,
		HealthState:     HealthCritical,
		LastCheckedAt:   time.Now().UTC(),
	}

	if prev, err := m.store.Get(ctx, replica.Name); err == nil {
		status.LagBytes = prev.LagBytes
		status.LagSeconds = prev.LagSeconds
		status.LastWALReceivedLSN = prev.LastWALReceivedLSN
		status.LastWALReplayedLSN = prev.LastWALReplayedLSN
		if prev.SyncState != SyncStateUnknown {
			status.SyncState = SyncStatePotential
		}
		if prev.ConnectionState != ConnectionConnected {
			status.ConnectionState = ConnectionReconnecting
		}
	} else if !fault.IsNotFound(err) {
		m.logger.Warn("failed to load previous replica status",
			zap.String("replica", replica.Name),
			zap.Error(err))
	}

	if err := m.store.Upsert(ctx, status); err != nil {
		m.logger.Error("failed to persist replica status",
			zap.String("replica", replica.Name),
			zap.Error(err))
		return
	}
	metrics.RecordReplica(replica.Name, status.LagSeconds, HealthCritical.Level())

	m.logger.Error("replica disconnected",
		zap.String("replica", replica.Name),
		zap.Error(cause))
	m.audit.Record(ctx, audit.Event{
		Action:       audit.ActionReplicaDisconnect,
		ResourceType: audit.ResourceReplica,
		ResourceID:   replica.Name,
		Severity:     audit.SeverityCritical,
		Status:       audit.StatusFailure,
		Details: map[string]string{
			"error":            cause.Error(),
			"last_lag_seconds": fmt.Sprintf("%.2f", status.LagSeconds),
		},
	})
}

// Statuses returns the current status of every tracked replica.
func (m *Monitor) Statuses(ctx context.Context) ([]*ReplicaStatus, error) {
	return m.store.List(ctx)
}

package backup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/carevault/durability/internal/config"
)

// Scheduler drives the engine on the configured cadence: periodic full,
// incremental and WAL backups plus the retention sweep. One goroutine,
// one ticker per concern; a slow backup delays nothing but its own
// kind because target paths are timestamped per run.
type Scheduler struct {
	engine *Engine
	cfg    config.BackupConfig
	logger *zap.Logger
}

// NewScheduler creates a scheduler over engine.
func NewScheduler(engine *Engine, cfg config.BackupConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{engine: engine, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	full := time.NewTicker(s.cfg.FullInterval)
	incremental := time.NewTicker(s.cfg.IncrementalInterval)
	wal := time.NewTicker(s.cfg.WALInterval)
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer full.Stop()
	defer incremental.Stop()
	defer wal.Stop()
	defer sweep.Stop()

	s.logger.Info("backup scheduler started",
		zap.Duration("full_interval", s.cfg.FullInterval),
		zap.Duration("incremental_interval", s.cfg.IncrementalInterval),
		zap.Duration("wal_interval", s.cfg.WALInterval),
		zap.Duration("sweep_interval", s.cfg.SweepInterval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("backup scheduler stopped")
			return
		case <-full.C:
			s.runBackup(ctx, KindFull)
		case <-incremental.C:
			s.runBackup(ctx, KindIncremental)
		case <-wal.C:
			s.runBackup(ctx, KindWAL)
		case <-sweep.C:
			if _, err := s.engine.Sweep(ctx); err != nil {
				s.logger.Error("scheduled sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) runBackup(ctx context.Context, kind Kind) {
	if _, err := s.engine.Run(ctx, kind, ""); err != nil {
		// The engine already audited and logged the failure; this is
		// just the scheduler's own trace.
		s.logger.Warn("scheduled backup failed",
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

// Command durabilityd runs the EMR data-durability control plane:
// scheduled backups, verification, replication health monitoring,
// disaster recovery planning and the audit trail behind all of it.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/carevault/durability/internal/api"
	"github.com/carevault/durability/internal/audit"
	"github.com/carevault/durability/internal/backup"
	"github.com/carevault/durability/internal/config"
	"github.com/carevault/durability/internal/crypto"
	"github.com/carevault/durability/internal/database"
	"github.com/carevault/durability/internal/dr"
	"github.com/carevault/durability/internal/drivers"
	"github.com/carevault/durability/internal/replication"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "durabilityd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", config.GetEnvOrDefault("DURABILITY_CONFIG", ""), "config file path")
		driverName = flag.String("driver", config.GetEnvOrDefault("DURABILITY_DRIVER", "postgres"), "backup driver: postgres or local")
		dataPath   = flag.String("data", config.GetEnvOrDefault("DURABILITY_DATA_PATH", "./data"), "data directory for the local driver")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Server.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Control-plane state. The local driver can run without a database;
	// jobs and the audit trail then live in memory only.
	var db *sql.DB
	if cfg.Database.Database != "" {
		db, err = database.Open(cfg.Database)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		if err := database.CreateSchema(ctx, db); err != nil {
			return err
		}
		logger.Info("control-plane database ready",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.Database))
	}

	var (
		sink        audit.Sink
		auditReader api.AuditReader
		jobs        backup.JobStore
		results     backup.VerificationStore
		replicas    replication.StatusStore
		keyStore    crypto.VersionStore
		pinger      api.Pinger
	)
	if db != nil {
		service := audit.NewService(db)
		sink = service
		auditReader = service
		store := backup.NewPostgresStore(db)
		jobs = store
		results = store
		replicas = replication.NewPostgresStatusStore(db)
		keyStore = crypto.NewPostgresVersionStore(db)
		pinger = db
	} else {
		logger.Warn("no database configured, control-plane state is in memory only")
		sink = audit.NewMemorySink()
		store := backup.NewMemoryStore()
		jobs = store
		results = store
		replicas = replication.NewMemoryStatusStore()
	}
	recorder := audit.NewRecorder(sink, logger)

	keys, err := crypto.NewKeyManager(&crypto.KeyManagerConfig{
		MaterialHex:        cfg.Encryption.ActiveKeyHex,
		RetiredMaterialHex: cfg.Encryption.RetiredKeysHex,
		Store:              keyStore,
	}, recorder, logger)
	if err != nil {
		return err
	}

	driver, err := buildDriver(*driverName, *dataPath, db, logger)
	if err != nil {
		return err
	}

	var archiver drivers.Archiver
	if cfg.Archive.Enabled {
		s3archive, err := drivers.NewS3Archive(cfg.Archive, logger)
		if err != nil {
			return err
		}
		archiver = s3archive
		logger.Info("offsite archive enabled", zap.String("bucket", cfg.Archive.Bucket))
	}

	engine := backup.NewEngine(jobs, driver, archiver, recorder, cfg.Backup, logger)
	verifier := backup.NewVerifier(jobs, results, driver, recorder, logger)
	monitor := replication.NewMonitor(driver, replicas, recorder, cfg.Replication, logger)
	coordinator := dr.NewCoordinator(jobs, replicas, recorder, logger)
	scheduler := backup.NewScheduler(engine, cfg.Backup, logger)

	if *configPath != "" {
		err := config.Watch(ctx, *configPath, logger, func(next *config.Config) {
			// Retention changes apply to jobs completing after the
			// reload; schedules pick the new intervals up on restart.
			engine.SetRetention(next.Backup.RetentionFullDays,
				next.Backup.RetentionIncrementalDays,
				next.Backup.RetentionWALDays)
		})
		if err != nil {
			logger.Warn("config watcher unavailable", zap.Error(err))
		}
	}

	go scheduler.Run(ctx)
	go monitor.Run(ctx)

	server := api.NewServer(cfg.Server, engine, verifier, monitor, coordinator,
		keys, auditReader, pinger, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	parsed, err := zapcore.ParseLevel(level)
	if err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(parsed)
	}
	return zapCfg.Build()
}

func buildDriver(name, dataPath string, db *sql.DB, logger *zap.Logger) (drivers.Driver, error) {
	switch name {
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("postgres driver requires a database configuration")
		}
		return drivers.NewPostgresDriver(db, nil, nil, logger)
	case "local":
		return drivers.NewLocalDriver(dataPath, logger), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", name)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRetentionMeetsComplianceMinimums(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 7*365, cfg.Backup.RetentionFullDays)
	assert.Equal(t, 90, cfg.Backup.RetentionIncrementalDays)
	assert.Equal(t, 30, cfg.Backup.RetentionWALDays)
	assert.Equal(t, 24*time.Hour, cfg.Backup.FullInterval)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Backup.RetentionFullDays, cfg.Backup.RetentionFullDays)
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
backup:
  retention_incremental_days: 120
replication:
  replicas:
    - name: replica-1
      primary_host: db-primary
      replica_host: db-replica-1
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 120, cfg.Backup.RetentionIncrementalDays)
	// Untouched sections keep their defaults.
	assert.Equal(t, 7*365, cfg.Backup.RetentionFullDays)
	require.Len(t, cfg.Replication.Replicas, 1)
	assert.Equal(t, "replica-1", cfg.Replication.Replicas[0].Name)
}

func TestLoadRejectsWeakenedRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backup:
  retention_full_days: 0
`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retention_full_days")
}

func TestValidateRejectsUnnamedReplica(t *testing.T) {
	cfg := Default()
	cfg.Replication.Replicas = []ReplicaConfig{{PrimaryHost: "p", ReplicaHost: "r"}}
	require.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DURABILITY_PORT", "8700")
	t.Setenv("DURABILITY_DB_HOST", "db.internal")
	t.Setenv("DURABILITY_BACKUP_PATH", "/mnt/backups")
	t.Setenv("DURABILITY_ARCHIVE_BUCKET", "emr-archive")

	cfg := Default()
	LoadFromEnv(cfg)

	assert.Equal(t, 8700, cfg.Server.Port)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "/mnt/backups", cfg.Backup.BasePath)
	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, "emr-archive", cfg.Archive.Bucket)
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the durability control plane.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Backup      BackupConfig      `yaml:"backup"`
	Replication ReplicationConfig `yaml:"replication"`
	Encryption  EncryptionConfig  `yaml:"encryption"`
	Archive     ArchiveConfig     `yaml:"archive"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// BackupConfig drives the backup job engine and its scheduler. Retention
// defaults follow the medical-record compliance minimums: completed full
// backups are kept for seven years, incrementals for 90 days and WAL
// archives for 30 days. Retention is resolved to an absolute date when a
// job completes; later config changes never touch finished jobs.
type BackupConfig struct {
	BasePath                 string        `yaml:"base_path"`
	RetentionFullDays        int           `yaml:"retention_full_days"`
	RetentionIncrementalDays int           `yaml:"retention_incremental_days"`
	RetentionWALDays         int           `yaml:"retention_wal_days"`
	FullInterval             time.Duration `yaml:"full_interval"`
	IncrementalInterval      time.Duration `yaml:"incremental_interval"`
	WALInterval              time.Duration `yaml:"wal_interval"`
	SweepInterval            time.Duration `yaml:"sweep_interval"`
	StaleRunningAfter        time.Duration `yaml:"stale_running_after"`
}

type ReplicaConfig struct {
	Name        string `yaml:"name"`
	PrimaryHost string `yaml:"primary_host"`
	ReplicaHost string `yaml:"replica_host"`
}

type ReplicationConfig struct {
	PollInterval  time.Duration   `yaml:"poll_interval"`
	DriverTimeout time.Duration   `yaml:"driver_timeout"`
	PollRate      float64         `yaml:"poll_rate"` // driver calls per second across all replicas
	Replicas      []ReplicaConfig `yaml:"replicas"`
}

type EncryptionConfig struct {
	// ActiveKeyHex is the 32-byte key material of the active version,
	// hex encoded.
	ActiveKeyHex string `yaml:"active_key_hex"`
	// RetiredKeysHex maps retired key versions to their material so
	// ciphertext written before the last restart stays decryptable.
	RetiredKeysHex map[int]string `yaml:"retired_keys_hex"`
}

type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Default returns a config with compliance defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8600,
			LogLevel: "info",
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
		},
		Backup: BackupConfig{
			BasePath:                 "/var/lib/durability/backups",
			RetentionFullDays:        7 * 365,
			RetentionIncrementalDays: 90,
			RetentionWALDays:         30,
			FullInterval:             24 * time.Hour,
			IncrementalInterval:      time.Hour,
			WALInterval:              5 * time.Minute,
			SweepInterval:            time.Hour,
			StaleRunningAfter:        6 * time.Hour,
		},
		Replication: ReplicationConfig{
			PollInterval:  30 * time.Second,
			DriverTimeout: 10 * time.Second,
			PollRate:      5,
		},
	}
}

// Load reads a YAML config file and applies env overrides on top of the
// defaults. A missing file is not an error; env-only deployments are
// supported the same way the file-based ones are.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	LoadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configs that would silently weaken retention.
func (c *Config) Validate() error {
	if c.Backup.RetentionFullDays <= 0 {
		return fmt.Errorf("backup.retention_full_days must be positive")
	}
	if c.Backup.RetentionIncrementalDays <= 0 {
		return fmt.Errorf("backup.retention_incremental_days must be positive")
	}
	if c.Backup.RetentionWALDays <= 0 {
		return fmt.Errorf("backup.retention_wal_days must be positive")
	}
	if c.Backup.BasePath == "" {
		return fmt.Errorf("backup.base_path required")
	}
	if c.Replication.PollInterval <= 0 {
		return fmt.Errorf("replication.poll_interval must be positive")
	}
	for _, r := range c.Replication.Replicas {
		if r.Name == "" {
			return fmt.Errorf("replication.replicas entries need a name")
		}
	}
	return nil
}

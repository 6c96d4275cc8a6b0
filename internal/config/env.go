package config

import (
	"os"
	"strconv"
)

// LoadFromEnv overlays environment variables onto cfg. Only operational
// knobs are exposed this way; retention policy belongs in the config file
// where it can be reviewed.
func LoadFromEnv(cfg *Config) {
	if port := os.Getenv("DURABILITY_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if logLevel := os.Getenv("DURABILITY_LOG_LEVEL"); logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}

	if host := os.Getenv("DURABILITY_DB_HOST"); host != "" {
		cfg.Database.Host = host
	}
	if port := os.Getenv("DURABILITY_DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Database.Port = p
		}
	}
	if name := os.Getenv("DURABILITY_DB_NAME"); name != "" {
		cfg.Database.Database = name
	}
	if user := os.Getenv("DURABILITY_DB_USER"); user != "" {
		cfg.Database.User = user
	}
	if pw := os.Getenv("DURABILITY_DB_PASSWORD"); pw != "" {
		cfg.Database.Password = pw
	}

	if base := os.Getenv("DURABILITY_BACKUP_PATH"); base != "" {
		cfg.Backup.BasePath = base
	}
	if key := os.Getenv("DURABILITY_ACTIVE_KEY"); key != "" {
		cfg.Encryption.ActiveKeyHex = key
	}

	if bucket := os.Getenv("DURABILITY_ARCHIVE_BUCKET"); bucket != "" {
		cfg.Archive.Enabled = true
		cfg.Archive.Bucket = bucket
	}
	if ak := os.Getenv("DURABILITY_ARCHIVE_ACCESS_KEY"); ak != "" {
		cfg.Archive.AccessKey = ak
	}
	if sk := os.Getenv("DURABILITY_ARCHIVE_SECRET_KEY"); sk != "" {
		cfg.Archive.SecretKey = sk
	}
}

// GetEnvOrDefault returns an environment variable or a default value.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

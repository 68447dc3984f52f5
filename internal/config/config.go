package config

import (
	"os"
	"strconv"
)

type Config struct {
	// DatabaseURL is the backupd metadata database (configurations and
	// execution ledger).
	DatabaseURL string
	// StoreBaseURL is the base connection URL for the application data
	// stores exported by database backups; the store name replaces the
	// database path segment.
	StoreBaseURL string

	HTTPListenAddr string
	MetricsAddr    string
	LogLevel       string
	ServiceName    string

	// StorageRoot is the default local directory artifacts land in when
	// a configuration carries no storage root of its own.
	StorageRoot string
	// EncryptionKey is the master key material for artifact encryption.
	EncryptionKey string
	// EncryptionSalt is mixed into key derivation.
	EncryptionSalt string

	// WebhookURL receives outcome notifications when set.
	WebhookURL string

	// S3 settings for offsite replication; replication stays off while
	// the endpoint and keys are empty.
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string

	// SeedFile is an optional YAML file of configurations applied at
	// startup.
	SeedFile string

	// MaxConcurrentBackups bounds how many executions run at once.
	MaxConcurrentBackups int
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		StoreBaseURL:         getEnv("STORE_BASE_URL", ""),
		HTTPListenAddr:       getEnv("HTTP_LISTEN_ADDR", ":8090"),
		MetricsAddr:          getEnv("METRICS_ADDR", ":9090"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		ServiceName:          getEnv("SERVICE_NAME", "backupd"),
		StorageRoot:          getEnv("BACKUP_STORAGE_ROOT", "/var/lib/backupd"),
		EncryptionKey:        getEnv("BACKUP_ENCRYPTION_KEY", ""),
		EncryptionSalt:       getEnv("BACKUP_ENCRYPTION_SALT", "backupd"),
		WebhookURL:           getEnv("NOTIFY_WEBHOOK_URL", ""),
		S3Endpoint:           getEnv("S3_ENDPOINT", ""),
		S3Region:             getEnv("S3_REGION", ""),
		S3AccessKey:          getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:          getEnv("S3_SECRET_KEY", ""),
		SeedFile:             getEnv("BACKUP_SEED_FILE", ""),
		MaxConcurrentBackups: getEnvInt("MAX_CONCURRENT_BACKUPS", 2),
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

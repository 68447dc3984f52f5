package model

import "time"

// Backup type constants.
const (
	BackupTypeDatabase      = "database"
	BackupTypeFiles         = "files"
	BackupTypeConfiguration = "configuration"
	BackupTypeFull          = "full"
	BackupTypeIncremental   = "incremental"
)

// Schedule frequency constants.
const (
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
	FrequencyCustom  = "custom"
)

// BackupConfiguration describes a named backup job: what to back up,
// when, and how the artifact is produced and retained.
type BackupConfiguration struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      string        `json:"type"`
	IsActive  bool          `json:"is_active"`
	Schedule  Schedule      `json:"schedule"`
	Settings  Settings      `json:"settings"`
	Sources   Sources       `json:"sources"`
	Storage   StorageTarget `json:"storage"`
	Stats     Statistics    `json:"stats"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Schedule holds the recurring trigger description for a configuration.
// For daily/weekly/monthly frequencies TimeOfDay is an "HH:MM" wall
// clock time; custom frequencies carry a raw 5-field cron expression.
type Schedule struct {
	Enabled    bool       `json:"enabled"`
	Frequency  string     `json:"frequency"`
	TimeOfDay  string     `json:"time_of_day,omitempty"`
	DayOfWeek  int        `json:"day_of_week,omitempty"`
	DayOfMonth int        `json:"day_of_month,omitempty"`
	Expression string     `json:"expression,omitempty"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
}

// Settings groups the per-configuration artifact options.
type Settings struct {
	Encryption   EncryptionSettings   `json:"encryption"`
	Compression  CompressionSettings  `json:"compression"`
	Retention    RetentionSettings    `json:"retention"`
	Notification NotificationSettings `json:"notification"`
}

type EncryptionSettings struct {
	Enabled   bool   `json:"enabled"`
	Algorithm string `json:"algorithm,omitempty"`
	KeyRef    string `json:"key_ref,omitempty"`
}

type CompressionSettings struct {
	Enabled bool `json:"enabled"`
	// Level is the gzip compression level, 1 (fastest) to 9 (smallest).
	Level int `json:"level,omitempty" validate:"omitempty,min=1,max=9"`
}

// RetentionSettings bound how long and how many backups are kept. A
// bound left at zero does not apply; set bounds must be at least 1.
type RetentionSettings struct {
	Enabled    bool `json:"enabled"`
	MaxAgeDays int  `json:"max_age_days,omitempty" validate:"omitempty,min=1"`
	MaxBackups int  `json:"max_backups,omitempty" validate:"omitempty,min=1"`
}

type NotificationSettings struct {
	Enabled    bool     `json:"enabled"`
	OnSuccess  bool     `json:"on_success"`
	OnFailure  bool     `json:"on_failure"`
	Recipients []string `json:"recipients,omitempty"`
}

// Sources lists what a configuration backs up.
type Sources struct {
	Databases   []DatabaseSource `json:"databases,omitempty"`
	Paths       []string         `json:"paths,omitempty"`
	ConfigPaths []string         `json:"config_paths,omitempty"`
}

// DatabaseSource names a logical data store and an optional subset of
// its collections. An empty Collections list means all collections.
type DatabaseSource struct {
	Name        string   `json:"name"`
	Collections []string `json:"collections,omitempty"`
}

// StorageTarget describes where produced artifacts land. Bucket, when
// set, enables offsite replication of completed artifacts.
type StorageTarget struct {
	RootPath     string `json:"root_path,omitempty"`
	MaxSizeBytes int64  `json:"max_size_bytes,omitempty"`
	Bucket       string `json:"bucket,omitempty"`
	BucketPrefix string `json:"bucket_prefix,omitempty"`
}

// Statistics aggregates execution outcomes for a configuration. All
// fields are maintained by the scheduler in a single atomic update per
// execution.
type Statistics struct {
	TotalRuns      int64      `json:"total_runs"`
	SuccessCount   int64      `json:"success_count"`
	FailureCount   int64      `json:"failure_count"`
	LastSuccess    *time.Time `json:"last_success,omitempty"`
	LastFailure    *time.Time `json:"last_failure,omitempty"`
	TotalSizeBytes int64      `json:"total_size_bytes"`
	AvgSizeBytes   int64      `json:"avg_size_bytes"`
	AvgDurationMS  int64      `json:"avg_duration_ms"`
}

// HasFileSources reports whether any file or configuration paths are
// configured, which controls whether a full backup runs the file
// producer after the database export.
func (c *BackupConfiguration) HasFileSources() bool {
	return len(c.Sources.Paths) > 0 || len(c.Sources.ConfigPaths) > 0
}

package model

import "time"

// Execution trigger constants.
const (
	ExecutionTypeManual    = "manual"
	ExecutionTypeScheduled = "scheduled"
	ExecutionTypeAPI       = "api"
)

// BackupExecution records one concrete run of a configuration. Rows are
// created pending, transition exactly once to a terminal status, and
// are immutable afterwards except for the verification fields.
type BackupExecution struct {
	ID                string           `json:"id"`
	ConfigurationID   string           `json:"configuration_id"`
	ConfigurationName string           `json:"configuration_name"`
	ExecutionType     string           `json:"execution_type"`
	TriggeredBy       string           `json:"triggered_by,omitempty"`
	Status            string           `json:"status"`
	StartedAt         time.Time        `json:"started_at"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	DurationMS        int64            `json:"duration_ms"`
	Artifact          *ArtifactInfo    `json:"artifact,omitempty"`
	Breakdown         *SourceBreakdown `json:"breakdown,omitempty"`
	Failure           *FailureDetail   `json:"failure,omitempty"`
	Environment       EnvironmentInfo  `json:"environment"`
	Verified          bool             `json:"verified"`
	VerifiedAt        *time.Time       `json:"verified_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// ArtifactInfo describes the produced backup file.
type ArtifactInfo struct {
	FileName         string  `json:"file_name"`
	Path             string  `json:"path"`
	SizeBytes        int64   `json:"size_bytes"`
	CompressedBytes  int64   `json:"compressed_bytes"`
	CompressionRatio float64 `json:"compression_ratio,omitempty"`
	Encrypted        bool    `json:"encrypted"`
	Algorithm        string  `json:"algorithm,omitempty"`
	Checksum         string  `json:"checksum,omitempty"`
}

// SourceBreakdown counts what went into the artifact, per source kind.
type SourceBreakdown struct {
	Databases   int   `json:"databases,omitempty"`
	Collections int   `json:"collections,omitempty"`
	Documents   int64 `json:"documents,omitempty"`
	Files       int   `json:"files,omitempty"`
	SizeBytes   int64 `json:"size_bytes,omitempty"`
}

// FailureDetail captures why an execution failed.
type FailureDetail struct {
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
	Code    string `json:"code,omitempty"`
}

// EnvironmentInfo captures where an execution ran.
type EnvironmentInfo struct {
	Hostname string `json:"hostname,omitempty"`
	Platform string `json:"platform,omitempty"`
	Runtime  string `json:"runtime,omitempty"`
}

// Duration returns the wall-clock duration of a finished execution, or
// zero while it is still in flight.
func (e *BackupExecution) Duration() time.Duration {
	if e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

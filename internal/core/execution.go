package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ostrand/backupd/internal/model"
)

// ExecutionService persists the execution ledger. Lifecycle updates
// guard the expected current status in SQL, so a row can never leave a
// terminal state even under concurrent writers.
type ExecutionService struct {
	db DB
}

func NewExecutionService(db DB) *ExecutionService {
	return &ExecutionService{db: db}
}

const executionColumns = `id, configuration_id, configuration_name, execution_type, triggered_by,
	status, started_at, completed_at, duration_ms,
	artifact, breakdown, failure, environment,
	verified, verified_at, created_at`

func (s *ExecutionService) Create(ctx context.Context, exec *model.BackupExecution) error {
	environment, err := json.Marshal(exec.Environment)
	if err != nil {
		return fmt.Errorf("marshal environment: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO backup_executions (id, configuration_id, configuration_name, execution_type,
			triggered_by, status, started_at, environment, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		exec.ID, exec.ConfigurationID, exec.ConfigurationName, exec.ExecutionType,
		exec.TriggeredBy, exec.Status, exec.StartedAt, environment, exec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// MarkRunning transitions a pending execution to running, immediately
// before any I/O begins.
func (s *ExecutionService) MarkRunning(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE backup_executions SET status = $2 WHERE id = $1 AND status = $3`,
		id, model.StatusRunning, model.StatusPending)
	if err != nil {
		return fmt.Errorf("mark execution %s running: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark execution %s running: %w", id, ErrInvalidTransition)
	}
	return nil
}

// MarkCompleted finalizes a successful execution with its artifact
// metadata. Duration is computed in SQL from the stored start time so
// duration == completed_at - started_at by construction.
func (s *ExecutionService) MarkCompleted(ctx context.Context, id string, artifact *model.ArtifactInfo, breakdown *model.SourceBreakdown, endedAt time.Time) error {
	artifactJSON, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	var breakdownJSON []byte
	if breakdown != nil {
		if breakdownJSON, err = json.Marshal(breakdown); err != nil {
			return fmt.Errorf("marshal breakdown: %w", err)
		}
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE backup_executions SET status = $2, completed_at = $3,
			duration_ms = (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::bigint,
			artifact = $4, breakdown = $5
		 WHERE id = $1 AND status = $6`,
		id, model.StatusCompleted, endedAt, artifactJSON, breakdownJSON, model.StatusRunning)
	if err != nil {
		return fmt.Errorf("mark execution %s completed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark execution %s completed: %w", id, ErrInvalidTransition)
	}
	return nil
}

// MarkFailed finalizes an execution with its failure detail. Valid from
// pending or running: directory creation can fail before the running
// transition is persisted.
func (s *ExecutionService) MarkFailed(ctx context.Context, id string, failure *model.FailureDetail, endedAt time.Time) error {
	failureJSON, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE backup_executions SET status = $2, completed_at = $3,
			duration_ms = (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::bigint,
			failure = $4
		 WHERE id = $1 AND status IN ($5, $6)`,
		id, model.StatusFailed, endedAt, failureJSON, model.StatusPending, model.StatusRunning)
	if err != nil {
		return fmt.Errorf("mark execution %s failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark execution %s failed: %w", id, ErrInvalidTransition)
	}
	return nil
}

// MarkCancelled records an administrator-initiated abort.
func (s *ExecutionService) MarkCancelled(ctx context.Context, id string, endedAt time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE backup_executions SET status = $2, completed_at = $3,
			duration_ms = (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::bigint
		 WHERE id = $1 AND status IN ($4, $5)`,
		id, model.StatusCancelled, endedAt, model.StatusPending, model.StatusRunning)
	if err != nil {
		return fmt.Errorf("mark execution %s cancelled: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark execution %s cancelled: %w", id, ErrInvalidTransition)
	}
	return nil
}

// MarkVerified stamps the out-of-band integrity check result. This is
// the only permitted mutation of a terminal row.
func (s *ExecutionService) MarkVerified(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE backup_executions SET verified = true, verified_at = $2
		 WHERE id = $1 AND status = $3`,
		id, at, model.StatusCompleted)
	if err != nil {
		return fmt.Errorf("mark execution %s verified: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark execution %s verified: %w", id, ErrInvalidTransition)
	}
	return nil
}

func (s *ExecutionService) GetByID(ctx context.Context, id string) (*model.BackupExecution, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM backup_executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get execution %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return exec, nil
}

// HistoryOptions filter the execution history listing.
type HistoryOptions struct {
	Limit  int
	Skip   int
	Status string
}

// ListByConfiguration returns the execution history for one
// configuration, newest first.
func (s *ExecutionService) ListByConfiguration(ctx context.Context, configID string, opts HistoryOptions) ([]model.BackupExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM backup_executions WHERE configuration_id = $1`
	args := []any{configID}
	argIdx := 2

	if opts.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, opts.Status)
		argIdx++
	}

	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Skip > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, opts.Skip)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions for %s: %w", configID, err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// ListCompletedOlderThan returns completed executions whose creation
// time falls before the retention cutoff, oldest first.
func (s *ExecutionService) ListCompletedOlderThan(ctx context.Context, configID string, cutoff time.Time) ([]model.BackupExecution, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+executionColumns+` FROM backup_executions
		 WHERE configuration_id = $1 AND status = $2 AND created_at < $3
		 ORDER BY created_at`,
		configID, model.StatusCompleted, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired executions for %s: %w", configID, err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// ListCompletedOverCap returns the completed executions beyond the
// newest max rows, oldest first, for count-based retention.
func (s *ExecutionService) ListCompletedOverCap(ctx context.Context, configID string, max int) ([]model.BackupExecution, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+executionColumns+` FROM (
			SELECT `+executionColumns+` FROM backup_executions
			WHERE configuration_id = $1 AND status = $2
			ORDER BY created_at DESC OFFSET $3
		 ) overflow ORDER BY created_at`,
		configID, model.StatusCompleted, max)
	if err != nil {
		return nil, fmt.Errorf("list excess executions for %s: %w", configID, err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

func (s *ExecutionService) Delete(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM backup_executions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete execution %s: %w", id, err)
	}
	return nil
}

// ExecutionStatistics aggregates outcomes over a reporting window.
type ExecutionStatistics struct {
	WindowDays     int     `json:"window_days"`
	Total          int64   `json:"total"`
	Completed      int64   `json:"completed"`
	Failed         int64   `json:"failed"`
	Cancelled      int64   `json:"cancelled"`
	TotalSizeBytes int64   `json:"total_size_bytes"`
	AvgDurationMS  float64 `json:"avg_duration_ms"`
}

// Statistics summarizes the last N days of executions for a
// configuration.
func (s *ExecutionService) Statistics(ctx context.Context, configID string, days int) (*ExecutionStatistics, error) {
	if days <= 0 {
		days = 30
	}
	stats := &ExecutionStatistics{WindowDays: days}
	err := s.db.QueryRow(ctx,
		`SELECT count(*),
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE status = 'cancelled'),
			COALESCE(sum((artifact->>'compressed_bytes')::bigint) FILTER (WHERE status = 'completed'), 0),
			COALESCE(avg(duration_ms) FILTER (WHERE status IN ('completed', 'failed')), 0)
		 FROM backup_executions
		 WHERE configuration_id = $1 AND created_at > now() - make_interval(days => $2)`,
		configID, days,
	).Scan(&stats.Total, &stats.Completed, &stats.Failed, &stats.Cancelled,
		&stats.TotalSizeBytes, &stats.AvgDurationMS)
	if err != nil {
		return nil, fmt.Errorf("execution statistics for %s: %w", configID, err)
	}
	return stats, nil
}

func scanExecution(row pgx.Row) (*model.BackupExecution, error) {
	var exec model.BackupExecution
	var artifact, breakdown, failure, environment []byte

	err := row.Scan(
		&exec.ID, &exec.ConfigurationID, &exec.ConfigurationName, &exec.ExecutionType, &exec.TriggeredBy,
		&exec.Status, &exec.StartedAt, &exec.CompletedAt, &exec.DurationMS,
		&artifact, &breakdown, &failure, &environment,
		&exec.Verified, &exec.VerifiedAt, &exec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(artifact) > 0 {
		if err := json.Unmarshal(artifact, &exec.Artifact); err != nil {
			return nil, fmt.Errorf("unmarshal artifact: %w", err)
		}
	}
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &exec.Breakdown); err != nil {
			return nil, fmt.Errorf("unmarshal breakdown: %w", err)
		}
	}
	if len(failure) > 0 {
		if err := json.Unmarshal(failure, &exec.Failure); err != nil {
			return nil, fmt.Errorf("unmarshal failure: %w", err)
		}
	}
	if len(environment) > 0 {
		if err := json.Unmarshal(environment, &exec.Environment); err != nil {
			return nil, fmt.Errorf("unmarshal environment: %w", err)
		}
	}
	return &exec, nil
}

func collectExecutions(rows pgx.Rows) ([]model.BackupExecution, error) {
	var execs []model.BackupExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, *exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return execs, nil
}

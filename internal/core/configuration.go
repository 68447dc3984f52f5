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

// ConfigurationService persists backup configurations. Statistics are
// maintained with single-statement arithmetic updates so concurrent
// executions never lose counts.
type ConfigurationService struct {
	db DB
}

func NewConfigurationService(db DB) *ConfigurationService {
	return &ConfigurationService{db: db}
}

const configColumns = `id, name, type, is_active,
	schedule_enabled, frequency, time_of_day, day_of_week, day_of_month, cron_expression, last_run, next_run,
	settings, sources, storage,
	total_runs, success_count, failure_count, last_success, last_failure,
	total_size_bytes, avg_size_bytes, avg_duration_ms,
	created_at, updated_at`

func (s *ConfigurationService) Create(ctx context.Context, cfg *model.BackupConfiguration) error {
	settings, sources, storage, err := marshalConfigJSON(cfg)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO backup_configurations (id, name, type, is_active,
			schedule_enabled, frequency, time_of_day, day_of_week, day_of_month, cron_expression, last_run, next_run,
			settings, sources, storage, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		cfg.ID, cfg.Name, cfg.Type, cfg.IsActive,
		cfg.Schedule.Enabled, cfg.Schedule.Frequency, cfg.Schedule.TimeOfDay,
		cfg.Schedule.DayOfWeek, cfg.Schedule.DayOfMonth, cfg.Schedule.Expression,
		cfg.Schedule.LastRun, cfg.Schedule.NextRun,
		settings, sources, storage, cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert configuration: %w", err)
	}
	return nil
}

func (s *ConfigurationService) GetByID(ctx context.Context, id string) (*model.BackupConfiguration, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+configColumns+` FROM backup_configurations WHERE id = $1`, id)
	cfg, err := scanConfiguration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get configuration %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get configuration %s: %w", id, err)
	}
	return cfg, nil
}

func (s *ConfigurationService) GetByName(ctx context.Context, name string) (*model.BackupConfiguration, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+configColumns+` FROM backup_configurations WHERE name = $1`, name)
	cfg, err := scanConfiguration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get configuration %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("get configuration %q: %w", name, err)
	}
	return cfg, nil
}

func (s *ConfigurationService) List(ctx context.Context) ([]model.BackupConfiguration, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+configColumns+` FROM backup_configurations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list configurations: %w", err)
	}
	defer rows.Close()
	return collectConfigurations(rows)
}

// ListEnabled returns every configuration the scheduler should hold a
// timer for: schedule enabled and not soft-deactivated.
func (s *ConfigurationService) ListEnabled(ctx context.Context) ([]model.BackupConfiguration, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+configColumns+` FROM backup_configurations
		 WHERE schedule_enabled AND is_active ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list enabled configurations: %w", err)
	}
	defer rows.Close()
	return collectConfigurations(rows)
}

func (s *ConfigurationService) Update(ctx context.Context, cfg *model.BackupConfiguration) error {
	settings, sources, storage, err := marshalConfigJSON(cfg)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE backup_configurations SET name = $2, type = $3, is_active = $4,
			schedule_enabled = $5, frequency = $6, time_of_day = $7, day_of_week = $8,
			day_of_month = $9, cron_expression = $10, next_run = $11,
			settings = $12, sources = $13, storage = $14, updated_at = now()
		 WHERE id = $1`,
		cfg.ID, cfg.Name, cfg.Type, cfg.IsActive,
		cfg.Schedule.Enabled, cfg.Schedule.Frequency, cfg.Schedule.TimeOfDay,
		cfg.Schedule.DayOfWeek, cfg.Schedule.DayOfMonth, cfg.Schedule.Expression,
		cfg.Schedule.NextRun, settings, sources, storage,
	)
	if err != nil {
		return fmt.Errorf("update configuration %s: %w", cfg.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update configuration %s: %w", cfg.ID, ErrNotFound)
	}
	return nil
}

// Deactivate soft-deletes a configuration. Rows are never hard-deleted
// while executions reference them.
func (s *ConfigurationService) Deactivate(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE backup_configurations SET is_active = false, schedule_enabled = false, updated_at = now()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate configuration %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deactivate configuration %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *ConfigurationService) SetNextRun(ctx context.Context, id string, nextRun time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE backup_configurations SET next_run = $2, updated_at = now() WHERE id = $1`,
		id, nextRun)
	if err != nil {
		return fmt.Errorf("set next run for %s: %w", id, err)
	}
	return nil
}

// RecordSuccess folds one successful execution into the aggregated
// statistics in a single atomic update. The running averages are
// recomputed from the pre-update column values:
// avg size = (total + new) / (successes + 1),
// avg duration = (avg * successes + new) / (successes + 1).
func (s *ConfigurationService) RecordSuccess(ctx context.Context, id string, at time.Time, sizeBytes, durationMS int64, nextRun *time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE backup_configurations SET
			total_runs = total_runs + 1,
			success_count = success_count + 1,
			last_success = $2,
			last_run = $2,
			next_run = $4,
			total_size_bytes = total_size_bytes + $3,
			avg_size_bytes = (total_size_bytes + $3) / (success_count + 1),
			avg_duration_ms = (avg_duration_ms * success_count + $5) / (success_count + 1),
			updated_at = now()
		 WHERE id = $1`,
		id, at, sizeBytes, nextRun, durationMS,
	)
	if err != nil {
		return fmt.Errorf("record success for %s: %w", id, err)
	}
	return nil
}

// RecordFailure increments the failure counters without touching the
// success statistics.
func (s *ConfigurationService) RecordFailure(ctx context.Context, id string, at time.Time, nextRun *time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE backup_configurations SET
			total_runs = total_runs + 1,
			failure_count = failure_count + 1,
			last_failure = $2,
			last_run = $2,
			next_run = $3,
			updated_at = now()
		 WHERE id = $1`,
		id, at, nextRun,
	)
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", id, err)
	}
	return nil
}

func marshalConfigJSON(cfg *model.BackupConfiguration) (settings, sources, storage []byte, err error) {
	if settings, err = json.Marshal(cfg.Settings); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal settings: %w", err)
	}
	if sources, err = json.Marshal(cfg.Sources); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal sources: %w", err)
	}
	if storage, err = json.Marshal(cfg.Storage); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal storage: %w", err)
	}
	return settings, sources, storage, nil
}

func scanConfiguration(row pgx.Row) (*model.BackupConfiguration, error) {
	var cfg model.BackupConfiguration
	var settings, sources, storage []byte

	err := row.Scan(
		&cfg.ID, &cfg.Name, &cfg.Type, &cfg.IsActive,
		&cfg.Schedule.Enabled, &cfg.Schedule.Frequency, &cfg.Schedule.TimeOfDay,
		&cfg.Schedule.DayOfWeek, &cfg.Schedule.DayOfMonth, &cfg.Schedule.Expression,
		&cfg.Schedule.LastRun, &cfg.Schedule.NextRun,
		&settings, &sources, &storage,
		&cfg.Stats.TotalRuns, &cfg.Stats.SuccessCount, &cfg.Stats.FailureCount,
		&cfg.Stats.LastSuccess, &cfg.Stats.LastFailure,
		&cfg.Stats.TotalSizeBytes, &cfg.Stats.AvgSizeBytes, &cfg.Stats.AvgDurationMS,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(settings, &cfg.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := json.Unmarshal(sources, &cfg.Sources); err != nil {
		return nil, fmt.Errorf("unmarshal sources: %w", err)
	}
	if err := json.Unmarshal(storage, &cfg.Storage); err != nil {
		return nil, fmt.Errorf("unmarshal storage: %w", err)
	}
	return &cfg, nil
}

func collectConfigurations(rows pgx.Rows) ([]model.BackupConfiguration, error) {
	var configs []model.BackupConfiguration
	for rows.Next() {
		cfg, err := scanConfiguration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan configuration: %w", err)
		}
		configs = append(configs, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate configurations: %w", err)
	}
	return configs, nil
}

// Package retention prunes old backups according to a configuration's
// retention policy: first everything older than the age limit, then
// whatever still exceeds the backup count cap.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ostrand/backupd/internal/model"
)

// ExecutionStore is the ledger surface the sweeper needs.
// *core.ExecutionService satisfies it.
type ExecutionStore interface {
	ListCompletedOlderThan(ctx context.Context, configID string, cutoff time.Time) ([]model.BackupExecution, error)
	ListCompletedOverCap(ctx context.Context, configID string, max int) ([]model.BackupExecution, error)
	Delete(ctx context.Context, id string) error
}

// Sweeper removes expired backup executions and their artifacts.
type Sweeper struct {
	execs  ExecutionStore
	logger zerolog.Logger
	now    func() time.Time
}

func NewSweeper(execs ExecutionStore, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		execs:  execs,
		logger: logger.With().Str("component", "retention").Logger(),
		now:    time.Now,
	}
}

// Sweep applies the retention policy for one configuration and returns
// the number of backups removed. A single backup that fails to delete
// is logged and skipped; it never aborts the sweep.
func (s *Sweeper) Sweep(ctx context.Context, cfg *model.BackupConfiguration) (int, error) {
	policy := cfg.Settings.Retention
	if !policy.Enabled {
		return 0, nil
	}

	logger := s.logger.With().Str("configuration_id", cfg.ID).Logger()
	deleted := 0

	if policy.MaxAgeDays > 0 {
		cutoff := s.now().AddDate(0, 0, -policy.MaxAgeDays)
		expired, err := s.execs.ListCompletedOlderThan(ctx, cfg.ID, cutoff)
		if err != nil {
			return deleted, fmt.Errorf("list expired backups: %w", err)
		}
		deleted += s.removeAll(ctx, expired, logger)
	}

	if policy.MaxBackups > 0 {
		excess, err := s.execs.ListCompletedOverCap(ctx, cfg.ID, policy.MaxBackups)
		if err != nil {
			return deleted, fmt.Errorf("list excess backups: %w", err)
		}
		deleted += s.removeAll(ctx, excess, logger)
	}

	if deleted > 0 {
		logger.Info().Int("deleted", deleted).Msg("retention sweep removed backups")
	}
	return deleted, nil
}

func (s *Sweeper) removeAll(ctx context.Context, execs []model.BackupExecution, logger zerolog.Logger) int {
	removed := 0
	for i := range execs {
		if s.remove(ctx, &execs[i], logger) {
			removed++
		}
	}
	return removed
}

// remove deletes the artifact file and then the ledger row. A missing
// or undeletable file does not keep the row alive: the ledger must not
// accumulate entries for backups the policy already expired.
func (s *Sweeper) remove(ctx context.Context, exec *model.BackupExecution, logger zerolog.Logger) bool {
	if exec.Artifact != nil && exec.Artifact.Path != "" {
		if err := os.Remove(exec.Artifact.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn().Err(err).
				Str("execution_id", exec.ID).
				Str("path", exec.Artifact.Path).
				Msg("failed to delete backup artifact")
		}
	}

	if err := s.execs.Delete(ctx, exec.ID); err != nil {
		logger.Error().Err(err).Str("execution_id", exec.ID).Msg("failed to delete backup record")
		return false
	}

	logger.Debug().
		Str("execution_id", exec.ID).
		Time("created_at", exec.CreatedAt).
		Msg("backup removed by retention policy")
	return true
}

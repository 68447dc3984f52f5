// Package backup drives scheduled and on-demand backup executions: it
// owns the in-process timer per enabled configuration, enforces the
// one-running-execution-per-configuration rule, and walks each run
// through the execution lifecycle.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/ostrand/backupd/internal/metrics"
	"github.com/ostrand/backupd/internal/model"
	"github.com/ostrand/backupd/internal/platform"
	"github.com/ostrand/backupd/internal/producer"
)

// ErrAlreadyRunning is returned when a run is requested for a
// configuration that already has an execution in flight.
var ErrAlreadyRunning = errors.New("backup already running for configuration")

// ErrNotRunning is returned when a cancellation targets an execution
// that is not in flight.
var ErrNotRunning = errors.New("execution is not running")

// ErrSchedulerClosed is returned after Shutdown has begun.
var ErrSchedulerClosed = errors.New("scheduler is shut down")

// ConfigStore is the configuration persistence surface the scheduler
// needs. *core.ConfigurationService satisfies it.
type ConfigStore interface {
	GetByID(ctx context.Context, id string) (*model.BackupConfiguration, error)
	ListEnabled(ctx context.Context) ([]model.BackupConfiguration, error)
	SetNextRun(ctx context.Context, id string, nextRun time.Time) error
	RecordSuccess(ctx context.Context, id string, at time.Time, sizeBytes, durationMS int64, nextRun *time.Time) error
	RecordFailure(ctx context.Context, id string, at time.Time, nextRun *time.Time) error
}

// ExecutionStore is the execution ledger surface the scheduler needs.
// *core.ExecutionService satisfies it.
type ExecutionStore interface {
	Create(ctx context.Context, exec *model.BackupExecution) error
	MarkRunning(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, artifact *model.ArtifactInfo, breakdown *model.SourceBreakdown, endedAt time.Time) error
	MarkFailed(ctx context.Context, id string, failure *model.FailureDetail, endedAt time.Time) error
	MarkCancelled(ctx context.Context, id string, endedAt time.Time) error
}

// Notifier delivers an outcome notification for a finished execution.
// Delivery failures never affect the execution outcome.
type Notifier interface {
	Notify(ctx context.Context, cfg *model.BackupConfiguration, exec *model.BackupExecution) error
}

// Sweeper applies the retention policy for a configuration after a
// successful run and reports how many backups it removed.
type Sweeper interface {
	Sweep(ctx context.Context, cfg *model.BackupConfiguration) (int, error)
}

// Replicator copies a finished artifact to offsite storage.
type Replicator interface {
	Upload(ctx context.Context, cfg *model.BackupConfiguration, localPath, fileName string) error
}

// Options wires the scheduler's collaborators. Notifier, Sweeper and
// Replicator are optional.
type Options struct {
	Configs       ConfigStore
	Executions    ExecutionStore
	Connector     producer.StoreConnector
	Notifier      Notifier
	Sweeper       Sweeper
	Replicator    Replicator
	StorageRoot   string
	EncryptionKey []byte
	MaxConcurrent int64
	Logger        zerolog.Logger
}

// Scheduler holds one timer per enabled configuration and runs
// executions as they fire. Rescheduling is cancel-then-replace: at any
// moment a configuration has at most one armed timer.
type Scheduler struct {
	configs       ConfigStore
	execs         ExecutionStore
	connector     producer.StoreConnector
	notifier      Notifier
	sweeper       Sweeper
	replicator    Replicator
	storageRoot   string
	encryptionKey []byte
	logger        zerolog.Logger
	sem           *semaphore.Weighted
	now           func() time.Time

	mu      sync.Mutex
	timers  map[string]*timerHandle
	running map[string]*runningExecution
	closed  bool
	wg      sync.WaitGroup
}

type timerHandle struct {
	timer *time.Timer
}

type runningExecution struct {
	executionID string
	cancel      context.CancelFunc
}

func NewScheduler(opts Options) *Scheduler {
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scheduler{
		configs:       opts.Configs,
		execs:         opts.Executions,
		connector:     opts.Connector,
		notifier:      opts.Notifier,
		sweeper:       opts.Sweeper,
		replicator:    opts.Replicator,
		storageRoot:   opts.StorageRoot,
		encryptionKey: opts.EncryptionKey,
		logger:        opts.Logger.With().Str("component", "scheduler").Logger(),
		sem:           semaphore.NewWeighted(maxConcurrent),
		now:           time.Now,
		timers:        make(map[string]*timerHandle),
		running:       make(map[string]*runningExecution),
	}
}

// RegisterAll arms a timer for every enabled configuration. Invalid
// schedules are logged and skipped so one bad row never blocks startup.
func (s *Scheduler) RegisterAll(ctx context.Context) error {
	configs, err := s.configs.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("register schedules: %w", err)
	}
	for i := range configs {
		s.Schedule(&configs[i])
	}
	s.logger.Info().Int("count", len(configs)).Msg("schedules registered")
	return nil
}

// Schedule arms (or re-arms) the timer for a configuration. Any
// previously armed timer for the same id is stopped first. A disabled
// or inactive configuration only clears its timer. Schedule never
// fails: an uncomputable next run is logged and the configuration is
// left without a timer.
func (s *Scheduler) Schedule(cfg *model.BackupConfiguration) {
	if !cfg.Schedule.Enabled || !cfg.IsActive {
		s.Cancel(cfg.ID)
		return
	}

	next, err := NextRun(s.now(), cfg.Schedule)
	if err != nil {
		s.Cancel(cfg.ID)
		s.logger.Warn().Err(err).
			Str("configuration_id", cfg.ID).
			Str("name", cfg.Name).
			Msg("invalid schedule, configuration skipped")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if old, ok := s.timers[cfg.ID]; ok {
		old.timer.Stop()
	}
	handle := &timerHandle{}
	handle.timer = time.AfterFunc(next.Sub(s.now()), func() {
		s.fire(cfg.ID, handle)
	})
	s.timers[cfg.ID] = handle
	s.mu.Unlock()

	if err := s.configs.SetNextRun(context.Background(), cfg.ID, next); err != nil {
		s.logger.Warn().Err(err).Str("configuration_id", cfg.ID).Msg("failed to persist next run")
	}
	s.logger.Debug().
		Str("configuration_id", cfg.ID).
		Str("name", cfg.Name).
		Time("next_run", next).
		Msg("schedule armed")
}

// Cancel stops the timer for a configuration. Unknown ids are a no-op.
func (s *Scheduler) Cancel(configID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle, ok := s.timers[configID]; ok {
		handle.timer.Stop()
		delete(s.timers, configID)
	}
}

// fire handles a timer expiry: run the backup, then re-arm from the
// freshly loaded configuration. A stale handle (already replaced by a
// newer Schedule call) does nothing.
func (s *Scheduler) fire(configID string, handle *timerHandle) {
	s.mu.Lock()
	if s.closed || s.timers[configID] != handle {
		s.mu.Unlock()
		return
	}
	delete(s.timers, configID)
	s.mu.Unlock()

	ctx := context.Background()
	cfg, err := s.configs.GetByID(ctx, configID)
	if err != nil {
		s.logger.Error().Err(err).Str("configuration_id", configID).Msg("scheduled configuration vanished")
		return
	}
	if !cfg.Schedule.Enabled || !cfg.IsActive {
		return
	}

	if _, err := s.Run(ctx, cfg, model.ExecutionTypeScheduled, "scheduler"); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			s.logger.Info().Str("configuration_id", configID).Msg("previous run still in flight, skipping this trigger")
		} else {
			s.logger.Error().Err(err).Str("configuration_id", configID).Msg("failed to start scheduled backup")
		}
	}

	s.Schedule(cfg)
}

// Run starts an execution for a configuration and returns its pending
// ledger row immediately; the work itself proceeds in the background.
// A configuration with an execution already in flight is rejected with
// ErrAlreadyRunning rather than queued.
func (s *Scheduler) Run(ctx context.Context, cfg *model.BackupConfiguration, execType, triggeredBy string) (*model.BackupExecution, error) {
	now := s.now()
	exec := &model.BackupExecution{
		ID:                platform.NewID(),
		ConfigurationID:   cfg.ID,
		ConfigurationName: cfg.Name,
		ExecutionType:     execType,
		TriggeredBy:       triggeredBy,
		Status:            model.StatusPending,
		StartedAt:         now,
		Environment:       currentEnvironment(),
		CreatedAt:         now,
	}

	// Detach from the caller's context so an HTTP request timeout does
	// not abort a backup that already started.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, ErrSchedulerClosed
	}
	if _, busy := s.running[cfg.ID]; busy {
		s.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("configuration %s: %w", cfg.ID, ErrAlreadyRunning)
	}
	s.running[cfg.ID] = &runningExecution{executionID: exec.ID, cancel: cancel}
	s.mu.Unlock()

	if err := s.execs.Create(ctx, exec); err != nil {
		s.mu.Lock()
		delete(s.running, cfg.ID)
		s.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("create execution: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.execute(runCtx, cfg, exec)
		s.mu.Lock()
		delete(s.running, cfg.ID)
		s.mu.Unlock()
	}()

	return exec, nil
}

// CancelExecution aborts an in-flight execution. The run's context is
// cancelled; the worker observes it and finalizes the ledger row as
// cancelled.
func (s *Scheduler) CancelExecution(executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.running {
		if r.executionID == executionID {
			r.cancel()
			return nil
		}
	}
	return fmt.Errorf("execution %s: %w", executionID, ErrNotRunning)
}

// RunningExecution reports the in-flight execution id for a
// configuration, if any.
func (s *Scheduler) RunningExecution(configID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.running[configID]
	if !ok {
		return "", false
	}
	return r.executionID, true
}

// Shutdown stops all timers and waits for in-flight executions to
// finish. When the context expires first, remaining executions are
// cancelled and awaited.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for id, handle := range s.timers {
		handle.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for _, r := range s.running {
			r.cancel()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// execute walks one run through its lifecycle: running, produce,
// terminal status, statistics, then the post-execution steps
// (retention, replication, notification), none of which can change the
// run's terminal status.
func (s *Scheduler) execute(ctx context.Context, cfg *model.BackupConfiguration, exec *model.BackupExecution) {
	logger := s.logger.With().
		Str("configuration_id", cfg.ID).
		Str("execution_id", exec.ID).
		Str("type", cfg.Type).
		Logger()

	metrics.ExecutionStarted()
	start := s.now()

	// Finalization writes must survive a cancelled run context.
	finCtx := context.WithoutCancel(ctx)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.finishCancelled(finCtx, cfg, exec, logger)
		metrics.ExecutionFinished(cfg.Type, "cancelled", s.now().Sub(start), 0)
		return
	}
	defer s.sem.Release(1)

	if err := s.execs.MarkRunning(finCtx, exec.ID); err != nil {
		logger.Error().Err(err).Msg("failed to mark execution running")
		s.finishFailed(finCtx, cfg, exec, err, "lifecycle_error", logger)
		metrics.ExecutionFinished(cfg.Type, "failed", s.now().Sub(start), 0)
		return
	}
	exec.Status = model.StatusRunning
	logger.Info().Msg("backup started")

	result, err := s.produce(ctx, cfg, start)
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		s.finishCancelled(finCtx, cfg, exec, logger)
		metrics.ExecutionFinished(cfg.Type, "cancelled", s.now().Sub(start), 0)
		return
	case err != nil:
		logger.Error().Err(err).Msg("backup failed")
		s.finishFailed(finCtx, cfg, exec, err, "produce_error", logger)
		s.sweep(finCtx, cfg, logger)
		metrics.ExecutionFinished(cfg.Type, "failed", s.now().Sub(start), 0)
		return
	}

	endedAt := s.now()
	artifact := result.ArtifactInfo()
	if err := s.execs.MarkCompleted(finCtx, exec.ID, artifact, &result.Breakdown, endedAt); err != nil {
		logger.Error().Err(err).Msg("failed to finalize execution")
	}
	exec.Status = model.StatusCompleted
	exec.CompletedAt = &endedAt
	exec.DurationMS = endedAt.Sub(exec.StartedAt).Milliseconds()
	exec.Artifact = artifact
	exec.Breakdown = &result.Breakdown

	nextRun := s.nextRunAfter(cfg, endedAt, logger)
	if err := s.configs.RecordSuccess(finCtx, cfg.ID, endedAt, result.CompressedSize, exec.DurationMS, nextRun); err != nil {
		logger.Error().Err(err).Msg("failed to record success statistics")
	}

	logger.Info().
		Str("artifact", result.ArtifactName).
		Int64("size_bytes", result.RawSize).
		Int64("stored_bytes", result.CompressedSize).
		Int64("duration_ms", exec.DurationMS).
		Msg("backup completed")

	s.sweep(finCtx, cfg, logger)

	if s.replicator != nil && cfg.Storage.Bucket != "" {
		if err := s.replicator.Upload(finCtx, cfg, result.ArtifactPath, result.ArtifactName); err != nil {
			logger.Error().Err(err).Str("bucket", cfg.Storage.Bucket).Msg("offsite replication failed")
		}
	}

	s.notify(finCtx, cfg, exec, logger)
	metrics.ExecutionFinished(cfg.Type, "completed", endedAt.Sub(start), result.CompressedSize)
}

// sweep runs the retention sweeper after every execution, successful or
// not: failed runs still age old backups past their limits.
func (s *Scheduler) sweep(ctx context.Context, cfg *model.BackupConfiguration, logger zerolog.Logger) {
	if s.sweeper == nil || !cfg.Settings.Retention.Enabled {
		return
	}
	deleted, err := s.sweeper.Sweep(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("retention sweep failed")
	}
	if deleted > 0 {
		metrics.RetentionDeleted(deleted)
	}
}

// produce resolves the destination directory and runs the producer
// strategy for the configuration's backup type. Each configuration
// writes into its own directory: artifact names carry only the type and
// a second-granularity timestamp, so two same-type configurations
// firing at the same instant must never share a path.
func (s *Scheduler) produce(ctx context.Context, cfg *model.BackupConfiguration, start time.Time) (*producer.Result, error) {
	root := cfg.Storage.RootPath
	if root == "" {
		root = s.storageRoot
	}
	destDir := filepath.Join(root, cfg.Type, cfg.Name)
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	var key []byte
	if cfg.Settings.Encryption.Enabled {
		if len(s.encryptionKey) == 0 {
			return nil, errors.New("encryption enabled but no encryption key configured")
		}
		key = s.encryptionKey
	}

	p, err := producer.New(cfg, producer.Deps{Connector: s.connector, Logger: s.logger})
	if err != nil {
		return nil, err
	}

	return p.Produce(ctx, producer.Request{
		Config:    cfg,
		DestDir:   destDir,
		Timestamp: start,
		Key:       key,
	})
}

func (s *Scheduler) finishFailed(ctx context.Context, cfg *model.BackupConfiguration, exec *model.BackupExecution, cause error, code string, logger zerolog.Logger) {
	endedAt := s.now()
	failure := &model.FailureDetail{Message: cause.Error(), Code: code}
	if err := s.execs.MarkFailed(ctx, exec.ID, failure, endedAt); err != nil {
		logger.Error().Err(err).Msg("failed to mark execution failed")
	}
	exec.Status = model.StatusFailed
	exec.CompletedAt = &endedAt
	exec.DurationMS = endedAt.Sub(exec.StartedAt).Milliseconds()
	exec.Failure = failure

	nextRun := s.nextRunAfter(cfg, endedAt, logger)
	if err := s.configs.RecordFailure(ctx, cfg.ID, endedAt, nextRun); err != nil {
		logger.Error().Err(err).Msg("failed to record failure statistics")
	}

	s.notify(ctx, cfg, exec, logger)
}

func (s *Scheduler) finishCancelled(ctx context.Context, cfg *model.BackupConfiguration, exec *model.BackupExecution, logger zerolog.Logger) {
	endedAt := s.now()
	if err := s.execs.MarkCancelled(ctx, exec.ID, endedAt); err != nil {
		logger.Error().Err(err).Msg("failed to mark execution cancelled")
	}
	exec.Status = model.StatusCancelled
	exec.CompletedAt = &endedAt
	exec.DurationMS = endedAt.Sub(exec.StartedAt).Milliseconds()
	logger.Info().Msg("backup cancelled")

	nextRun := s.nextRunAfter(cfg, endedAt, logger)
	if err := s.configs.RecordFailure(ctx, cfg.ID, endedAt, nextRun); err != nil {
		logger.Error().Err(err).Msg("failed to record failure statistics")
	}
}

// nextRunAfter computes the follow-up trigger time persisted alongside
// the outcome, or nil when the schedule is disabled or invalid.
func (s *Scheduler) nextRunAfter(cfg *model.BackupConfiguration, after time.Time, logger zerolog.Logger) *time.Time {
	if !cfg.Schedule.Enabled {
		return nil
	}
	next, err := NextRun(after, cfg.Schedule)
	if err != nil {
		logger.Warn().Err(err).Msg("cannot compute next run")
		return nil
	}
	return &next
}

// notify delivers the outcome notification when the settings ask for
// it. Delivery failures are logged and swallowed.
func (s *Scheduler) notify(ctx context.Context, cfg *model.BackupConfiguration, exec *model.BackupExecution, logger zerolog.Logger) {
	if s.notifier == nil || !cfg.Settings.Notification.Enabled {
		return
	}
	succeeded := exec.Status == model.StatusCompleted
	if succeeded && !cfg.Settings.Notification.OnSuccess {
		return
	}
	if !succeeded && !cfg.Settings.Notification.OnFailure {
		return
	}
	if err := s.notifier.Notify(ctx, cfg, exec); err != nil {
		logger.Warn().Err(err).Msg("notification delivery failed")
	}
}

func currentEnvironment() model.EnvironmentInfo {
	hostname, _ := os.Hostname()
	return model.EnvironmentInfo{
		Hostname: hostname,
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
		Runtime:  runtime.Version(),
	}
}

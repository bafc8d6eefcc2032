// Package ingest implements the market data ingestion services: stock
// basics (single and multi source), historical bars, and financial
// statements, all bracketed by a shared sync runner that guards against
// overlapping runs and records SyncStatus outcomes.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
)

// ErrAlreadyRunning is returned when a job is refused because another run
// holds the lock and force was not set.
var ErrAlreadyRunning = errors.New("sync job already running")

// RunResult is what a job body reports back to the runner.
type RunResult struct {
	Records int
	Errors  int
	Source  string
	Message string
}

// Runner brackets ingestion jobs with an in-process run lock and a
// SyncStatus document. The in-memory lock is advisory; the document is
// the cross-process signal, with stale "running" rows eligible for
// takeover.
type Runner struct {
	status interfaces.SyncStatusStore
	logger *common.Logger

	staleAfter time.Duration

	mu      sync.Mutex
	running map[string]bool

	now func() time.Time
}

// RunnerOption configures the runner
type RunnerOption func(*Runner)

// WithRunnerLogger sets the logger
func WithRunnerLogger(logger *common.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithStaleRunningAfter sets the takeover threshold for crashed runs.
func WithStaleRunningAfter(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// NewRunner creates a sync runner.
func NewRunner(status interfaces.SyncStatusStore, opts ...RunnerOption) *Runner {
	r := &Runner{
		status:     status,
		logger:     common.NewSilentLogger(),
		staleAfter: 2 * time.Hour,
		running:    make(map[string]bool),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one job body under the run lock. The lock is released on
// every exit path including a panicking body; a panic is converted into a
// failed status and returned as an error. The returned SyncStatus is the
// terminal document that was recorded.
func (r *Runner) Run(ctx context.Context, job, dataType string, force bool, body func(ctx context.Context) (*RunResult, error)) (*models.SyncStatus, error) {
	if !r.acquire(job, force) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, job)
	}
	defer r.release(job)

	if !force {
		if existing, err := r.status.Get(ctx, job); err == nil && existing != nil {
			if existing.Status == models.SyncStatusRunning && !existing.IsStaleRunning(r.staleAfter, r.now()) {
				return nil, fmt.Errorf("%w: %s (held by another worker)", ErrAlreadyRunning, job)
			}
			if existing.IsStaleRunning(r.staleAfter, r.now()) {
				r.logger.Warn().
					Str("job", job).
					Time("started_at", existing.StartedAt).
					Msg("taking over stale running sync")
			}
		}
	}

	started := r.now()
	running := &models.SyncStatus{
		Job:       job,
		DataType:  dataType,
		Status:    models.SyncStatusRunning,
		StartedAt: started,
	}
	if err := r.status.Upsert(ctx, running); err != nil {
		return nil, fmt.Errorf("failed to record running status for %s: %w", job, err)
	}

	result, err := r.invoke(ctx, body)

	terminal := &models.SyncStatus{
		Job:        job,
		DataType:   dataType,
		StartedAt:  started,
		FinishedAt: r.now(),
	}
	switch {
	case err != nil:
		terminal.Status = models.SyncStatusFailed
		terminal.ErrorMessage = err.Error()
		if result != nil {
			terminal.RecordsCount = result.Records
			terminal.ErrorsCount = result.Errors
			terminal.Source = result.Source
		}
	case result != nil && result.Errors > 0:
		terminal.Status = models.SyncStatusSuccessWithErrors
		terminal.RecordsCount = result.Records
		terminal.ErrorsCount = result.Errors
		terminal.Source = result.Source
		terminal.ErrorMessage = result.Message
	default:
		terminal.Status = models.SyncStatusSuccess
		if result != nil {
			terminal.RecordsCount = result.Records
			terminal.Source = result.Source
		}
	}

	if upsertErr := r.status.Upsert(ctx, terminal); upsertErr != nil {
		r.logger.Error().Err(upsertErr).Str("job", job).Msg("failed to record terminal sync status")
	}

	r.logger.Info().
		Str("job", job).
		Str("status", terminal.Status).
		Int("records", terminal.RecordsCount).
		Int("errors", terminal.ErrorsCount).
		Dur("took", terminal.FinishedAt.Sub(started)).
		Msg("sync finished")

	if err != nil {
		return terminal, err
	}
	return terminal, nil
}

// invoke runs the body, converting a panic into an error so the lock and
// status bookkeeping above always complete.
func (r *Runner) invoke(ctx context.Context, body func(ctx context.Context) (*RunResult, error)) (result *RunResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sync job panicked: %v", rec)
		}
	}()
	return body(ctx)
}

func (r *Runner) acquire(job string, force bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[job] && !force {
		return false
	}
	r.running[job] = true
	return true
}

func (r *Runner) release(job string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, job)
}

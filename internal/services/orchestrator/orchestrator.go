// Package orchestrator accepts analysis submissions, dispatches them
// through the Redis task queue to a background worker pool, and serves
// task status and assembled results.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
	"github.com/coolbix/quantgate/internal/taskqueue"
)

// DefaultWorkers is the background worker pool size.
const DefaultWorkers = 5

// DefaultMaxBatchSize caps one batch submission.
const DefaultMaxBatchSize = 10

// dequeueIdleSleep is the worker backoff when the queue is empty.
const dequeueIdleSleep = time.Second

// AnalyzeFunc runs one analysis. The progress callback may be called
// between phases; the function must honor ctx cancellation at its
// checkpoints.
type AnalyzeFunc func(ctx context.Context, task *models.AnalysisTask, progress func(pct int, msg string)) (*models.AnalysisReport, error)

// Orchestrator coordinates task submission and the worker pool.
type Orchestrator struct {
	queue   *taskqueue.Queue
	tasks   interfaces.TaskStore
	reports interfaces.ReportStore
	notify  interfaces.NotificationService
	hub     *Hub
	analyze AnalyzeFunc
	logger  *common.Logger

	workers    int
	maxBatch   int
	resultsDir string

	mu    sync.RWMutex
	state map[string]*models.AnalysisTask

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// Option configures the orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(logger *common.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithMaxBatchSize sets the batch submission cap.
func WithMaxBatchSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxBatch = n
		}
	}
}

// WithResultsDir sets the on-disk results directory scanned during
// result assembly.
func WithResultsDir(dir string) Option {
	return func(o *Orchestrator) {
		o.resultsDir = dir
	}
}

// WithNotifier sets the notification service for terminal-state pushes.
func WithNotifier(n interfaces.NotificationService) Option {
	return func(o *Orchestrator) {
		o.notify = n
	}
}

// WithHub injects a pre-built WebSocket hub. The composition root uses
// this to share one hub between task progress and notification pushes.
func WithHub(h *Hub) Option {
	return func(o *Orchestrator) {
		if h != nil {
			o.hub = h
		}
	}
}

// NewOrchestrator creates the orchestrator. Start launches the worker
// pool and the WebSocket hub.
func NewOrchestrator(queue *taskqueue.Queue, tasks interfaces.TaskStore, reports interfaces.ReportStore, analyze AnalyzeFunc, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		queue:    queue,
		tasks:    tasks,
		reports:  reports,
		analyze:  analyze,
		logger:   common.NewSilentLogger(),
		workers:  DefaultWorkers,
		maxBatch: DefaultMaxBatchSize,
		state:    make(map[string]*models.AnalysisTask),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.hub == nil {
		o.hub = NewHub(o.logger)
	}
	return o
}

// Hub returns the WebSocket hub for handler registration.
func (o *Orchestrator) Hub() *Hub {
	return o.hub
}

// safeGo launches a goroutine with panic recovery and logging.
func (o *Orchestrator) safeGo(name string, fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in orchestrator goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the hub and the worker pool. Safe to call again after
// Stop.
func (o *Orchestrator) Start() {
	if o.cancel != nil {
		o.Stop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	o.safeGo("websocket-hub", func() { o.hub.Run() })
	for i := 0; i < o.workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		o.safeGo(workerID, func() { o.workerLoop(ctx, workerID) })
	}
	o.logger.Info().Int("workers", o.workers).Msg("Orchestrator started")
}

// Stop cancels the worker pool and waits for in-flight tasks.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.hub.Stop()
	o.wg.Wait()
	o.logger.Info().Msg("Orchestrator stopped")
}

// CreateTask admits one analysis and returns its id immediately.
// Execution happens on the worker pool; post-acceptance failures
// surface through the task document, not here.
func (o *Orchestrator) CreateTask(ctx context.Context, userID string, req *models.AnalysisRequest) (*models.AnalysisTask, error) {
	symbol := strings.TrimSpace(req.Symbol)
	if symbol == "" {
		return nil, fmt.Errorf("analysis request requires a symbol")
	}
	return o.createTask(ctx, userID, symbol, req.Params, "")
}

// BatchItem is one symbol's submission outcome.
type BatchItem struct {
	Symbol string `json:"symbol"`
	TaskID string `json:"task_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CreateBatch admits up to maxBatch symbols, submitting them in
// parallel. One symbol's rejection never aborts the others.
func (o *Orchestrator) CreateBatch(ctx context.Context, userID string, req *models.BatchAnalysisRequest) (string, []BatchItem, error) {
	if len(req.Symbols) == 0 {
		return "", nil, fmt.Errorf("batch request requires symbols")
	}
	if len(req.Symbols) > o.maxBatch {
		return "", nil, fmt.Errorf("batch size %d exceeds the limit of %d", len(req.Symbols), o.maxBatch)
	}

	batchID := uuid.NewString()
	items := make([]BatchItem, len(req.Symbols))
	var wg sync.WaitGroup
	for i, symbol := range req.Symbols {
		wg.Add(1)
		go func(i int, symbol string) {
			defer wg.Done()
			items[i].Symbol = symbol
			task, err := o.createTask(ctx, userID, strings.TrimSpace(symbol), req.Params, batchID)
			if err != nil {
				items[i].Error = err.Error()
				return
			}
			items[i].TaskID = task.TaskID
		}(i, symbol)
	}
	wg.Wait()
	return batchID, items, nil
}

func (o *Orchestrator) createTask(ctx context.Context, userID, symbol string, params map[string]string, batchID string) (*models.AnalysisTask, error) {
	if symbol == "" {
		return nil, fmt.Errorf("analysis request requires a symbol")
	}
	now := o.now()
	task := &models.AnalysisTask{
		TaskID:     uuid.NewString(),
		UserID:     userID,
		Symbol:     symbol,
		Status:     models.TaskStatusQueued,
		Params:     params,
		BatchID:    batchID,
		CreatedAt:  now,
		EnqueuedAt: now,
	}

	if err := o.queue.Enqueue(ctx, task); err != nil {
		return nil, err
	}
	if err := o.tasks.Upsert(ctx, task); err != nil {
		// The queue entry survives; the worker rewrites the document on
		// dequeue.
		o.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("Failed to persist queued task document")
	}
	o.setState(task)

	o.logger.Info().Str("task_id", task.TaskID).Str("symbol", symbol).Str("user", userID).Msg("Analysis task queued")
	return task, nil
}

// workerLoop continuously dequeues and executes tasks.
func (o *Orchestrator) workerLoop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		queued, err := o.queue.Dequeue(ctx, workerID)
		if err != nil {
			o.logger.Warn().Err(err).Str("worker", workerID).Msg("Dequeue error")
			o.sleep(ctx, dequeueIdleSleep)
			continue
		}
		if queued == nil {
			o.sleep(ctx, dequeueIdleSleep)
			continue
		}
		o.execute(ctx, workerID, queued)
	}
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// execute runs one dequeued task end to end. The outer frame catches
// panics so a crashing analysis marks the task failed and releases the
// queue slot.
func (o *Orchestrator) execute(ctx context.Context, workerID string, queued *taskqueue.Task) {
	task := &models.AnalysisTask{
		TaskID:    queued.ID,
		UserID:    queued.User,
		Symbol:    queued.Symbol,
		Status:    models.TaskStatusProcessing,
		Params:    queued.Params,
		BatchID:   queued.BatchID,
		WorkerID:  workerID,
		CreatedAt: queued.CreatedAt,
		StartedAt: o.now(),
	}
	o.setState(task)
	o.updateTask(ctx, task.TaskID, map[string]any{
		"status":     models.TaskStatusProcessing,
		"worker_id":  workerID,
		"started_at": task.StartedAt,
	})
	o.publishEvent(task, "progress", "analysis started")

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	progress := func(pct int, msg string) {
		// Checkpoint: a cancel request observed here stops the run
		// before the next phase.
		if cancelled, err := o.queue.IsCancelled(ctx, task.TaskID); err == nil && cancelled {
			cancelRun()
			return
		}
		task.Progress = pct
		task.Message = msg
		o.setState(task)
		o.updateTask(ctx, task.TaskID, map[string]any{"progress": pct, "message": msg})
		o.publishEvent(task, "progress", msg)
	}

	report, err := func() (report *models.AnalysisReport, err error) {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error().
					Str("task_id", task.TaskID).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Analysis panicked")
				err = fmt.Errorf("analysis panicked: %v", r)
			}
		}()
		return o.analyze(runCtx, task, progress)
	}()

	if cancelled, cerr := o.queue.IsCancelled(ctx, task.TaskID); cerr == nil && cancelled {
		o.finishCancelled(ctx, task)
		return
	}
	if err != nil {
		o.finishFailed(ctx, task, err)
		return
	}
	o.finishCompleted(ctx, task, report)
}

func (o *Orchestrator) finishCompleted(ctx context.Context, task *models.AnalysisTask, report *models.AnalysisReport) {
	now := o.now()
	if report != nil {
		report.TaskID = task.TaskID
		report.UserID = task.UserID
		report.Symbol = task.Symbol
		if report.CreatedAt.IsZero() {
			report.CreatedAt = now
		}
		if err := o.reports.Save(ctx, report); err != nil {
			o.finishFailed(ctx, task, fmt.Errorf("failed to save report: %w", err))
			return
		}
	}

	if err := o.queue.Complete(ctx, task.TaskID, true); err != nil {
		o.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("Failed to complete queue entry")
	}
	task.Status = models.TaskStatusCompleted
	task.Progress = 100
	task.CompletedAt = now
	o.setState(task)
	o.updateTask(ctx, task.TaskID, map[string]any{
		"status":       models.TaskStatusCompleted,
		"progress":     100,
		"completed_at": now,
	})
	o.publishEvent(task, "completed", "analysis completed")
	o.pushNotification(ctx, task, "task_completed", fmt.Sprintf("Analysis of %s completed", task.Symbol))
}

func (o *Orchestrator) finishFailed(ctx context.Context, task *models.AnalysisTask, cause error) {
	if err := o.queue.Complete(ctx, task.TaskID, false); err != nil {
		o.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("Failed to complete queue entry")
	}
	now := o.now()
	task.Status = models.TaskStatusFailed
	task.LastError = cause.Error()
	task.CompletedAt = now
	o.setState(task)
	o.updateTask(ctx, task.TaskID, map[string]any{
		"status":       models.TaskStatusFailed,
		"last_error":   cause.Error(),
		"completed_at": now,
	})
	o.publishEvent(task, "failed", cause.Error())
	o.pushNotification(ctx, task, "task_failed", fmt.Sprintf("Analysis of %s failed", task.Symbol))
	o.logger.Warn().Err(cause).Str("task_id", task.TaskID).Str("symbol", task.Symbol).Msg("Analysis task failed")
}

func (o *Orchestrator) finishCancelled(ctx context.Context, task *models.AnalysisTask) {
	now := o.now()
	task.Status = models.TaskStatusCancelled
	task.CancelledAt = now
	o.setState(task)
	o.updateTask(ctx, task.TaskID, map[string]any{
		"status":       models.TaskStatusCancelled,
		"cancelled_at": now,
	})
	o.publishEvent(task, "cancelled", "analysis cancelled")
}

// Status resolves a task's current state: memory first, then the task
// collection, then the report collection with a synthesized
// completed-from-history document.
func (o *Orchestrator) Status(ctx context.Context, taskID string) (*models.AnalysisTask, error) {
	o.mu.RLock()
	if task, ok := o.state[taskID]; ok {
		copied := *task
		o.mu.RUnlock()
		return &copied, nil
	}
	o.mu.RUnlock()

	task, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task != nil {
		return task, nil
	}

	report, err := o.reports.GetByTaskID(ctx, taskID)
	if err != nil || report == nil {
		return nil, err
	}
	return &models.AnalysisTask{
		TaskID:      report.TaskID,
		UserID:      report.UserID,
		Symbol:      report.Symbol,
		Status:      models.TaskStatusCompleted,
		Progress:    100,
		CompletedAt: report.CreatedAt,
	}, nil
}

// Result returns the assembled report for a completed task.
func (o *Orchestrator) Result(ctx context.Context, taskID string) (*models.AnalysisReport, error) {
	report, err := o.reports.GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, nil
	}
	assembleResult(report, o.resultsDir)
	return report, nil
}

// Cancel requests cooperative cancellation. Queued tasks never start;
// processing tasks stop at the next checkpoint.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	if err := o.queue.Cancel(ctx, taskID); err != nil {
		return err
	}
	now := o.now()
	o.mu.Lock()
	if task, ok := o.state[taskID]; ok && !models.IsTerminalTaskStatus(task.Status) {
		task.Status = models.TaskStatusCancelled
		task.CancelledAt = now
	}
	o.mu.Unlock()
	return o.tasks.UpdateStatus(ctx, taskID, map[string]any{
		"status":       models.TaskStatusCancelled,
		"cancelled_at": now,
	})
}

// Delete removes a task's queue state, document, and memory entry.
func (o *Orchestrator) Delete(ctx context.Context, taskID string) error {
	if err := o.queue.Delete(ctx, taskID); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.state, taskID)
	o.mu.Unlock()
	return o.tasks.Delete(ctx, taskID)
}

// Stats reports queue occupancy.
func (o *Orchestrator) Stats(ctx context.Context) (*taskqueue.Stats, error) {
	return o.queue.Stats(ctx)
}

func (o *Orchestrator) setState(task *models.AnalysisTask) {
	copied := *task
	o.mu.Lock()
	o.state[task.TaskID] = &copied
	o.mu.Unlock()
}

func (o *Orchestrator) updateTask(ctx context.Context, taskID string, fields map[string]any) {
	if err := o.tasks.UpdateStatus(ctx, taskID, fields); err != nil {
		o.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to update task document")
	}
}

func (o *Orchestrator) publishEvent(task *models.AnalysisTask, eventType, message string) {
	o.hub.PublishTask(models.TaskEvent{
		Type:      eventType,
		TaskID:    task.TaskID,
		Status:    task.Status,
		Progress:  task.Progress,
		Message:   message,
		Timestamp: o.now(),
	})
}

func (o *Orchestrator) pushNotification(ctx context.Context, task *models.AnalysisTask, kind, title string) {
	if o.notify == nil || task.UserID == "" {
		return
	}
	if err := o.notify.Notify(ctx, task.UserID, kind, title, task.LastError); err != nil {
		o.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("Failed to push notification")
	}
}

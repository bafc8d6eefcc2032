// Package taskqueue implements the Redis-backed analysis task queue: a
// FIFO ready list, per-user and global admission gates, per-task
// visibility timeouts, and zombie reclamation.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/models"
)

// Redis key layout. Task ids flow through keyReady; all other keys are
// derived per task or per user.
const (
	keyReady            = "queue:ready"
	keySetProcessing    = "set:processing"
	keySetCompleted     = "set:completed"
	keySetFailed        = "set:failed"
	keyGlobalConcurrent = "global:concurrent"
)

func taskKey(taskID string) string       { return "task:" + taskID }
func userKey(userID string) string       { return "user:processing:" + userID }
func visibilityKey(taskID string) string { return "visibility:" + taskID }

// Defaults applied when options leave a limit unset.
const (
	DefaultUserLimit         = 3
	DefaultGlobalLimit       = 50
	DefaultVisibilityTimeout = 30 * time.Minute
)

// Admission gate errors. Both are pre-acceptance: the task was never
// enqueued and no Redis state changed.
var (
	ErrUserLimitExceeded   = errors.New("per-user concurrent task limit reached")
	ErrGlobalLimitExceeded = errors.New("global concurrent task limit reached")
)

// Task is the queue's view of one analysis job, backed by the task:{id}
// hash. The MongoDB document remains the durable record; this hash only
// coordinates workers.
type Task struct {
	ID        string
	User      string
	Symbol    string
	Status    string
	Params    map[string]string
	BatchID   string
	WorkerID  string
	CreatedAt time.Time
}

// Queue coordinates analysis task dispatch through Redis.
type Queue struct {
	rdb    *redis.Client
	logger *common.Logger

	userLimit         int
	globalLimit       int
	visibilityTimeout time.Duration

	now func() time.Time
}

// Option configures the queue
type Option func(*Queue)

// WithLogger sets the logger
func WithLogger(logger *common.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithUserLimit sets the per-user concurrent processing cap
func WithUserLimit(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.userLimit = n
		}
	}
}

// WithGlobalLimit sets the global concurrent processing cap
func WithGlobalLimit(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.globalLimit = n
		}
	}
}

// WithVisibilityTimeout sets how long a dequeued task may stay in flight
// before the sweeper reclaims it.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.visibilityTimeout = d
		}
	}
}

// NewQueue creates a task queue over an existing Redis client.
func NewQueue(rdb *redis.Client, opts ...Option) *Queue {
	q := &Queue{
		rdb:               rdb,
		logger:            common.NewSilentLogger(),
		userLimit:         DefaultUserLimit,
		globalLimit:       DefaultGlobalLimit,
		visibilityTimeout: DefaultVisibilityTimeout,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue admits a task through the per-user and global gates, writes
// its coordination hash, and pushes its id onto the ready list. A gate
// rejection leaves no Redis state behind.
func (q *Queue) Enqueue(ctx context.Context, task *models.AnalysisTask) error {
	userCount, err := q.rdb.SCard(ctx, userKey(task.UserID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check user processing count: %w", err)
	}
	if int(userCount) >= q.userLimit {
		return fmt.Errorf("%w: %d tasks processing for user %s", ErrUserLimitExceeded, userCount, task.UserID)
	}

	globalCount, err := q.rdb.Get(ctx, keyGlobalConcurrent).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to check global concurrent count: %w", err)
	}
	if int(globalCount) >= q.globalLimit {
		return fmt.Errorf("%w: %d tasks processing", ErrGlobalLimitExceeded, globalCount)
	}

	now := q.now()
	fields := map[string]any{
		"id":          task.TaskID,
		"user":        task.UserID,
		"symbol":      task.Symbol,
		"status":      models.TaskStatusQueued,
		"created_at":  task.CreatedAt.Format(time.RFC3339Nano),
		"enqueued_at": now.Format(time.RFC3339Nano),
	}
	if len(task.Params) > 0 {
		encoded, err := json.Marshal(task.Params)
		if err != nil {
			return fmt.Errorf("failed to encode task params: %w", err)
		}
		fields["params"] = string(encoded)
	}
	if task.BatchID != "" {
		fields["batch_id"] = task.BatchID
	}

	if err := q.rdb.HSet(ctx, taskKey(task.TaskID), fields).Err(); err != nil {
		return fmt.Errorf("failed to write task hash: %w", err)
	}
	if err := q.rdb.LPush(ctx, keyReady, task.TaskID).Err(); err != nil {
		return fmt.Errorf("failed to push task onto ready list: %w", err)
	}

	q.logger.Debug().
		Str("task_id", task.TaskID).
		Str("user_id", task.UserID).
		Str("symbol", task.Symbol).
		Msg("task enqueued")
	return nil
}

// Dequeue pops the next ready task for a worker. It returns (nil, nil)
// when the queue is empty, when the popped id's hash is gone, or when the
// task's user is already at the concurrent limit; in the last case the id
// is pushed back and the caller should sleep before retrying.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Task, error) {
	taskID, err := q.rdb.RPop(ctx, keyReady).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop ready list: %w", err)
	}

	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		// Hash deleted after enqueue, likely a cancelled-then-deleted task.
		q.logger.Debug().Str("task_id", taskID).Msg("dequeued id has no task hash, skipping")
		return nil, nil
	}

	// Workers race on the per-user limit; the enqueue-time check is not
	// sufficient on its own.
	userCount, err := q.rdb.SCard(ctx, userKey(task.User)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to re-check user processing count: %w", err)
	}
	if int(userCount) >= q.userLimit {
		if err := q.rdb.LPush(ctx, keyReady, taskID).Err(); err != nil {
			return nil, fmt.Errorf("failed to requeue rate-limited task: %w", err)
		}
		q.logger.Debug().
			Str("task_id", taskID).
			Str("user_id", task.User).
			Msg("user at concurrent limit, task pushed back")
		return nil, nil
	}

	now := q.now()
	if err := q.rdb.SAdd(ctx, userKey(task.User), taskID).Err(); err != nil {
		return nil, fmt.Errorf("failed to add to user processing set: %w", err)
	}
	if err := q.rdb.Incr(ctx, keyGlobalConcurrent).Err(); err != nil {
		return nil, fmt.Errorf("failed to increment global concurrent count: %w", err)
	}
	if err := q.rdb.SAdd(ctx, keySetProcessing, taskID).Err(); err != nil {
		return nil, fmt.Errorf("failed to add to processing set: %w", err)
	}
	visibility := map[string]any{
		"task_id":    taskID,
		"worker_id":  workerID,
		"timeout_at": now.Add(q.visibilityTimeout).Format(time.RFC3339Nano),
	}
	if err := q.rdb.HSet(ctx, visibilityKey(taskID), visibility).Err(); err != nil {
		return nil, fmt.Errorf("failed to set visibility entry: %w", err)
	}

	update := map[string]any{
		"status":     models.TaskStatusProcessing,
		"worker_id":  workerID,
		"started_at": now.Format(time.RFC3339Nano),
	}
	if err := q.rdb.HSet(ctx, taskKey(taskID), update).Err(); err != nil {
		return nil, fmt.Errorf("failed to mark task processing: %w", err)
	}

	task.Status = models.TaskStatusProcessing
	task.WorkerID = workerID
	return task, nil
}

// Complete finishes a processing task exactly once: it releases the
// per-user slot, decrements the global counter, clears visibility, and
// files the id under the completed or failed set. A task no longer in
// processing state is left untouched.
func (q *Queue) Complete(ctx context.Context, taskID string, success bool) error {
	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil || task.Status != models.TaskStatusProcessing {
		return nil
	}

	if err := q.releaseSlot(ctx, taskID, task.User); err != nil {
		return err
	}

	status := models.TaskStatusCompleted
	doneSet := keySetCompleted
	if !success {
		status = models.TaskStatusFailed
		doneSet = keySetFailed
	}
	update := map[string]any{
		"status":       status,
		"completed_at": q.now().Format(time.RFC3339Nano),
	}
	if err := q.rdb.HSet(ctx, taskKey(taskID), update).Err(); err != nil {
		return fmt.Errorf("failed to mark task %s: %w", status, err)
	}
	if err := q.rdb.SAdd(ctx, doneSet, taskID).Err(); err != nil {
		return fmt.Errorf("failed to add to %s set: %w", status, err)
	}

	q.logger.Debug().Str("task_id", taskID).Str("status", status).Msg("task completed")
	return nil
}

// Cancel marks a task cancelled. A queued task is removed from the ready
// list; a processing task has its slot released and relies on the worker
// noticing the status at its next checkpoint. Terminal tasks are left
// untouched.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil || models.IsTerminalTaskStatus(task.Status) {
		return nil
	}

	switch task.Status {
	case models.TaskStatusQueued:
		if err := q.rdb.LRem(ctx, keyReady, 0, taskID).Err(); err != nil {
			return fmt.Errorf("failed to remove task from ready list: %w", err)
		}
	case models.TaskStatusProcessing:
		if err := q.releaseSlot(ctx, taskID, task.User); err != nil {
			return err
		}
	}

	update := map[string]any{
		"status":       models.TaskStatusCancelled,
		"cancelled_at": q.now().Format(time.RFC3339Nano),
	}
	if err := q.rdb.HSet(ctx, taskKey(taskID), update).Err(); err != nil {
		return fmt.Errorf("failed to mark task cancelled: %w", err)
	}

	q.logger.Debug().Str("task_id", taskID).Msg("task cancelled")
	return nil
}

// IsCancelled reports whether a task's coordination hash says cancelled.
// Workers poll this between analysis stages.
func (q *Queue) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	status, err := q.rdb.HGet(ctx, taskKey(taskID), "status").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read task status: %w", err)
	}
	return status == models.TaskStatusCancelled, nil
}

// Delete removes all coordination state for a task.
func (q *Queue) Delete(ctx context.Context, taskID string) error {
	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task != nil && task.Status == models.TaskStatusProcessing {
		if err := q.releaseSlot(ctx, taskID, task.User); err != nil {
			return err
		}
	}
	if err := q.rdb.LRem(ctx, keyReady, 0, taskID).Err(); err != nil {
		return fmt.Errorf("failed to remove task from ready list: %w", err)
	}
	keys := []string{taskKey(taskID), visibilityKey(taskID)}
	if err := q.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete task keys: %w", err)
	}
	for _, set := range []string{keySetProcessing, keySetCompleted, keySetFailed} {
		if err := q.rdb.SRem(ctx, set, taskID).Err(); err != nil {
			return fmt.Errorf("failed to remove task from %s: %w", set, err)
		}
	}
	return nil
}

// Stats summarizes queue occupancy for administrative endpoints.
type Stats struct {
	Ready      int64 `json:"ready"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Concurrent int64 `json:"concurrent"`
}

// Stats reads current queue occupancy.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	ready, err := q.rdb.LLen(ctx, keyReady).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ready list length: %w", err)
	}
	processing, err := q.rdb.SCard(ctx, keySetProcessing).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read processing set: %w", err)
	}
	completed, err := q.rdb.SCard(ctx, keySetCompleted).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read completed set: %w", err)
	}
	failed, err := q.rdb.SCard(ctx, keySetFailed).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read failed set: %w", err)
	}
	concurrent, err := q.rdb.Get(ctx, keyGlobalConcurrent).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read global concurrent count: %w", err)
	}
	return &Stats{
		Ready:      ready,
		Processing: processing,
		Completed:  completed,
		Failed:     failed,
		Concurrent: concurrent,
	}, nil
}

// releaseSlot undoes the in-flight bookkeeping done at dequeue time. It
// runs exactly once per processing stint; callers guard on status.
func (q *Queue) releaseSlot(ctx context.Context, taskID, userID string) error {
	if err := q.rdb.SRem(ctx, userKey(userID), taskID).Err(); err != nil {
		return fmt.Errorf("failed to remove from user processing set: %w", err)
	}
	n, err := q.rdb.Decr(ctx, keyGlobalConcurrent).Result()
	if err != nil {
		return fmt.Errorf("failed to decrement global concurrent count: %w", err)
	}
	if n < 0 {
		// Counter drift from a crashed worker; clamp rather than carry it.
		if err := q.rdb.Set(ctx, keyGlobalConcurrent, 0, 0).Err(); err != nil {
			return fmt.Errorf("failed to reset global concurrent count: %w", err)
		}
	}
	if err := q.rdb.SRem(ctx, keySetProcessing, taskID).Err(); err != nil {
		return fmt.Errorf("failed to remove from processing set: %w", err)
	}
	if err := q.rdb.Del(ctx, visibilityKey(taskID)).Err(); err != nil {
		return fmt.Errorf("failed to clear visibility entry: %w", err)
	}
	return nil
}

// loadTask reads a task hash, nil when the hash is gone.
func (q *Queue) loadTask(ctx context.Context, taskID string) (*Task, error) {
	fields, err := q.rdb.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load task hash: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	task := &Task{
		ID:       fields["id"],
		User:     fields["user"],
		Symbol:   fields["symbol"],
		Status:   fields["status"],
		BatchID:  fields["batch_id"],
		WorkerID: fields["worker_id"],
	}
	if raw := fields["params"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &task.Params); err != nil {
			q.logger.Warn().Err(err).Str("task_id", taskID).Msg("unreadable task params, ignoring")
		}
	}
	if raw := fields["created_at"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			task.CreatedAt = t
		}
	}
	return task, nil
}

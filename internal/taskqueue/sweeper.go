package taskqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/coolbix/quantgate/internal/models"
)

// Sweeper reclaims zombie tasks: dequeued work whose visibility timeout
// has lapsed without a completion, usually a crashed or wedged worker.
// Reclaimed tasks go back onto the ready list as queued.
type Sweeper struct {
	queue    *Queue
	interval time.Duration
}

// NewSweeper creates a sweeper over a queue.
func NewSweeper(queue *Queue, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{queue: queue, interval: interval}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := s.SweepOnce(ctx)
			if err != nil {
				s.queue.logger.Warn().Err(err).Msg("zombie sweep failed")
				continue
			}
			if reclaimed > 0 {
				s.queue.logger.Info().Int("reclaimed", reclaimed).Msg("zombie tasks requeued")
			}
		}
	}
}

// SweepOnce scans all visibility entries and reclaims the expired ones.
// It returns the number of tasks pushed back onto the ready list.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	q := s.queue
	now := q.now()
	reclaimed := 0

	var cursor uint64
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, "visibility:*", 100).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("failed to scan visibility keys: %w", err)
		}

		for _, key := range keys {
			entry, err := q.rdb.HGetAll(ctx, key).Result()
			if err != nil {
				return reclaimed, fmt.Errorf("failed to read visibility entry %s: %w", key, err)
			}
			if len(entry) == 0 {
				continue
			}

			timeoutAt, err := time.Parse(time.RFC3339Nano, entry["timeout_at"])
			if err != nil {
				// Unreadable entry cannot be trusted to expire later either.
				q.logger.Warn().Str("key", key).Str("timeout_at", entry["timeout_at"]).
					Msg("dropping visibility entry with unreadable timeout")
				if err := q.rdb.Del(ctx, key).Err(); err != nil {
					return reclaimed, fmt.Errorf("failed to drop visibility entry %s: %w", key, err)
				}
				continue
			}
			if !timeoutAt.Before(now) {
				continue
			}

			requeued, err := s.reclaim(ctx, entry["task_id"])
			if err != nil {
				return reclaimed, err
			}
			if requeued {
				reclaimed++
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return reclaimed, nil
}

// reclaim releases one expired task's in-flight slot and requeues it.
// When the task hash itself is gone the coordination keys are cleaned
// without a requeue.
func (s *Sweeper) reclaim(ctx context.Context, taskID string) (bool, error) {
	q := s.queue

	task, err := q.loadTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		if err := q.rdb.Del(ctx, visibilityKey(taskID)).Err(); err != nil {
			return false, fmt.Errorf("failed to clear orphan visibility entry: %w", err)
		}
		return false, nil
	}

	if err := q.releaseSlot(ctx, taskID, task.User); err != nil {
		return false, err
	}
	if err := q.rdb.LPush(ctx, keyReady, taskID).Err(); err != nil {
		return false, fmt.Errorf("failed to requeue zombie task: %w", err)
	}
	update := map[string]any{
		"status":      models.TaskStatusQueued,
		"requeued_at": q.now().Format(time.RFC3339Nano),
	}
	if err := q.rdb.HSet(ctx, taskKey(taskID), update).Err(); err != nil {
		return false, fmt.Errorf("failed to mark zombie task queued: %w", err)
	}

	q.logger.Warn().
		Str("task_id", taskID).
		Str("worker_id", task.WorkerID).
		Msg("visibility timeout expired, task requeued")
	return true, nil
}

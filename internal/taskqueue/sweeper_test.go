package taskqueue

import (
	"context"
	"testing"
	"time"
)

func TestSweeper_ReclaimsExpiredTask(t *testing.T) {
	q, rdb := newTestQueue(t, WithVisibilityTimeout(30*time.Minute))
	ctx := context.Background()

	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	if err := q.Enqueue(ctx, sampleTask("t1", "u1")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := q.Dequeue(ctx, "worker-1"); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}

	sweeper := NewSweeper(q, time.Minute)

	// Not yet expired
	q.now = func() time.Time { return base.Add(29 * time.Minute) }
	reclaimed, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if reclaimed != 0 {
		t.Errorf("in-flight task reclaimed early: %d", reclaimed)
	}

	// Past the timeout
	q.now = func() time.Time { return base.Add(31 * time.Minute) }
	reclaimed, err = sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed task, got %d", reclaimed)
	}

	if n, _ := rdb.LLen(ctx, "queue:ready").Result(); n != 1 {
		t.Errorf("reclaimed task should be back on the ready list, got len %d", n)
	}
	if n, _ := rdb.Get(ctx, "global:concurrent").Int64(); n != 0 {
		t.Errorf("reclaimed slot should be released, counter %d", n)
	}
	if exists, _ := rdb.Exists(ctx, "visibility:t1").Result(); exists != 0 {
		t.Error("visibility entry should be cleared")
	}
	status, _ := rdb.HGet(ctx, "task:t1", "status").Result()
	if status != "queued" {
		t.Errorf("reclaimed task should be queued, got %s", status)
	}
	if requeued, _ := rdb.HGet(ctx, "task:t1", "requeued_at").Result(); requeued == "" {
		t.Error("requeued_at should be stamped")
	}

	// Reclaimed task is dequeueable again
	task, err := q.Dequeue(ctx, "worker-2")
	if err != nil {
		t.Fatalf("dequeue after reclaim failed: %v", err)
	}
	if task == nil || task.WorkerID != "worker-2" {
		t.Errorf("expected reclaim to hand the task to a new worker, got %+v", task)
	}
}

func TestSweeper_NoopOnDeletedHash(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	// Orphan visibility entry whose task hash is gone
	rdb.HSet(ctx, "visibility:ghost", map[string]any{
		"task_id":    "ghost",
		"worker_id":  "worker-9",
		"timeout_at": base.Add(-time.Hour).Format(time.RFC3339Nano),
	})

	sweeper := NewSweeper(q, time.Minute)
	reclaimed, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if reclaimed != 0 {
		t.Errorf("orphan entry must not count as reclaimed, got %d", reclaimed)
	}
	if exists, _ := rdb.Exists(ctx, "visibility:ghost").Result(); exists != 0 {
		t.Error("orphan visibility entry should be cleaned up")
	}
	if n, _ := rdb.LLen(ctx, "queue:ready").Result(); n != 0 {
		t.Errorf("nothing should be requeued, got len %d", n)
	}
}

func TestSweeper_DropsUnreadableEntry(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()

	rdb.HSet(ctx, "visibility:bad", map[string]any{
		"task_id":    "bad",
		"timeout_at": "not a timestamp",
	})

	sweeper := NewSweeper(q, time.Minute)
	reclaimed, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if reclaimed != 0 {
		t.Errorf("unreadable entry must not count as reclaimed, got %d", reclaimed)
	}
	if exists, _ := rdb.Exists(ctx, "visibility:bad").Result(); exists != 0 {
		t.Error("unreadable visibility entry should be dropped")
	}
}

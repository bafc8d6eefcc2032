package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
	"github.com/coolbix/quantgate/internal/taskqueue"
)

type fakeTaskStore struct {
	mu   sync.Mutex
	docs map[string]*models.AnalysisTask
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{docs: make(map[string]*models.AnalysisTask)}
}

func (f *fakeTaskStore) Upsert(_ context.Context, task *models.AnalysisTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *task
	f.docs[task.TaskID] = &copied
	return nil
}

func (f *fakeTaskStore) Get(_ context.Context, taskID string) (*models.AnalysisTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.docs[taskID]
	if !ok {
		return nil, nil
	}
	copied := *task
	return &copied, nil
}

func (f *fakeTaskStore) UpdateStatus(_ context.Context, taskID string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.docs[taskID]
	if !ok {
		task = &models.AnalysisTask{TaskID: taskID}
		f.docs[taskID] = task
	}
	if s, ok := fields["status"].(string); ok {
		if !models.IsTerminalTaskStatus(task.Status) {
			task.Status = s
		}
	}
	if p, ok := fields["progress"].(int); ok {
		task.Progress = p
	}
	if m, ok := fields["message"].(string); ok {
		task.Message = m
	}
	if e, ok := fields["last_error"].(string); ok {
		task.LastError = e
	}
	if w, ok := fields["worker_id"].(string); ok {
		task.WorkerID = w
	}
	return nil
}

func (f *fakeTaskStore) Delete(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, taskID)
	return nil
}

type fakeReportStore struct {
	mu   sync.Mutex
	docs map[string]*models.AnalysisReport
}

func newFakeReportStore() *fakeReportStore {
	return &fakeReportStore{docs: make(map[string]*models.AnalysisReport)}
}

func (f *fakeReportStore) Save(_ context.Context, report *models.AnalysisReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *report
	f.docs[report.TaskID] = &copied
	return nil
}

func (f *fakeReportStore) GetByTaskID(_ context.Context, taskID string) (*models.AnalysisReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	report, ok := f.docs[taskID]
	if !ok {
		return nil, nil
	}
	copied := *report
	return &copied, nil
}

var (
	_ interfaces.TaskStore   = (*fakeTaskStore)(nil)
	_ interfaces.ReportStore = (*fakeReportStore)(nil)
)

func newTestQueue(t *testing.T) *taskqueue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return taskqueue.NewQueue(rdb)
}

func successAnalyze(_ context.Context, task *models.AnalysisTask, progress func(int, string)) (*models.AnalysisReport, error) {
	progress(50, "halfway")
	return &models.AnalysisReport{
		TaskID:       task.TaskID,
		Symbol:       task.Symbol,
		AnalysisDate: "2026-08-18",
		Reports:      map[string]string{"market_report": "trending up"},
	}, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestCreateTaskQueuesAndPersists(t *testing.T) {
	queue := newTestQueue(t)
	tasks := newFakeTaskStore()
	o := NewOrchestrator(queue, tasks, newFakeReportStore(), successAnalyze)

	task, err := o.CreateTask(context.Background(), "alice", &models.AnalysisRequest{Symbol: "600036"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if task.TaskID == "" || task.Status != models.TaskStatusQueued {
		t.Errorf("unexpected task %+v", task)
	}

	doc, _ := tasks.Get(context.Background(), task.TaskID)
	if doc == nil || doc.Status != models.TaskStatusQueued {
		t.Error("task document not persisted as queued")
	}

	stats, err := o.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Ready != 1 {
		t.Errorf("expected 1 ready task, got %d", stats.Ready)
	}
}

func TestCreateTaskRejectsEmptySymbol(t *testing.T) {
	o := NewOrchestrator(newTestQueue(t), newFakeTaskStore(), newFakeReportStore(), successAnalyze)
	if _, err := o.CreateTask(context.Background(), "alice", &models.AnalysisRequest{Symbol: "  "}); err == nil {
		t.Error("empty symbol must be rejected")
	}
}

func TestCreateBatchReturnExceptions(t *testing.T) {
	queue := newTestQueue(t)
	tasks := newFakeTaskStore()
	o := NewOrchestrator(queue, tasks, newFakeReportStore(), successAnalyze)

	batchID, items, err := o.CreateBatch(context.Background(), "alice", &models.BatchAnalysisRequest{
		Symbols: []string{"600036", "", "000001"},
	})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if batchID == "" {
		t.Error("expected a batch id")
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[0].TaskID == "" || items[2].TaskID == "" {
		t.Error("valid symbols should be admitted")
	}
	if items[1].Error == "" || items[1].TaskID != "" {
		t.Errorf("empty symbol should fail its item only, got %+v", items[1])
	}

	doc, _ := tasks.Get(context.Background(), items[0].TaskID)
	if doc.BatchID != batchID {
		t.Errorf("expected batch id %s on document, got %s", batchID, doc.BatchID)
	}
}

func TestCreateBatchEnforcesLimit(t *testing.T) {
	o := NewOrchestrator(newTestQueue(t), newFakeTaskStore(), newFakeReportStore(), successAnalyze, WithMaxBatchSize(2))
	_, _, err := o.CreateBatch(context.Background(), "alice", &models.BatchAnalysisRequest{
		Symbols: []string{"600036", "000001", "600519"},
	})
	if err == nil {
		t.Error("oversized batch must be rejected")
	}
}

func TestWorkerCompletesTask(t *testing.T) {
	queue := newTestQueue(t)
	tasks := newFakeTaskStore()
	reports := newFakeReportStore()
	o := NewOrchestrator(queue, tasks, reports, successAnalyze, WithWorkers(1))

	task, err := o.CreateTask(context.Background(), "alice", &models.AnalysisRequest{Symbol: "600036"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	o.Start()
	defer o.Stop()

	waitFor(t, 3*time.Second, func() bool {
		status, _ := o.Status(context.Background(), task.TaskID)
		return status != nil && status.Status == models.TaskStatusCompleted
	})

	status, _ := o.Status(context.Background(), task.TaskID)
	if status.Progress != 100 {
		t.Errorf("completed task should report progress 100, got %d", status.Progress)
	}
	report, _ := reports.GetByTaskID(context.Background(), task.TaskID)
	if report == nil || report.Reports["market_report"] == "" {
		t.Error("expected a saved report")
	}
	stats, _ := o.Stats(context.Background())
	if stats.Completed != 1 || stats.Concurrent != 0 {
		t.Errorf("expected completed=1 concurrent=0, got %+v", stats)
	}
}

func TestWorkerFailureMarksFailed(t *testing.T) {
	queue := newTestQueue(t)
	tasks := newFakeTaskStore()
	o := NewOrchestrator(queue, tasks, newFakeReportStore(),
		func(context.Context, *models.AnalysisTask, func(int, string)) (*models.AnalysisReport, error) {
			return nil, errors.New("upstream model unavailable")
		},
		WithWorkers(1))

	task, err := o.CreateTask(context.Background(), "alice", &models.AnalysisRequest{Symbol: "600036"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	o.Start()
	defer o.Stop()

	waitFor(t, 3*time.Second, func() bool {
		status, _ := o.Status(context.Background(), task.TaskID)
		return status != nil && status.Status == models.TaskStatusFailed
	})

	status, _ := o.Status(context.Background(), task.TaskID)
	if status.LastError == "" {
		t.Error("failed task should carry last_error")
	}
	stats, _ := o.Stats(context.Background())
	if stats.Failed != 1 || stats.Concurrent != 0 {
		t.Errorf("expected failed=1 concurrent=0, got %+v", stats)
	}
}

func TestWorkerPanicMarksFailed(t *testing.T) {
	queue := newTestQueue(t)
	o := NewOrchestrator(queue, newFakeTaskStore(), newFakeReportStore(),
		func(context.Context, *models.AnalysisTask, func(int, string)) (*models.AnalysisReport, error) {
			panic("nil map write in analysis state")
		},
		WithWorkers(1))

	task, err := o.CreateTask(context.Background(), "alice", &models.AnalysisRequest{Symbol: "600036"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	o.Start()
	defer o.Stop()

	waitFor(t, 3*time.Second, func() bool {
		status, _ := o.Status(context.Background(), task.TaskID)
		return status != nil && status.Status == models.TaskStatusFailed
	})

	status, _ := o.Status(context.Background(), task.TaskID)
	if status.LastError == "" {
		t.Error("panic should surface as last_error")
	}
	stats, _ := o.Stats(context.Background())
	if stats.Concurrent != 0 {
		t.Errorf("panicked worker must release its slot, got concurrent=%d", stats.Concurrent)
	}
}

func TestCancelDuringProcessing(t *testing.T) {
	queue := newTestQueue(t)
	reports := newFakeReportStore()
	started := make(chan struct{})
	release := make(chan struct{})

	o := NewOrchestrator(queue, newFakeTaskStore(), reports,
		func(ctx context.Context, task *models.AnalysisTask, progress func(int, string)) (*models.AnalysisReport, error) {
			close(started)
			<-release
			// Checkpoint between phases observes the cancel request.
			progress(50, "resuming")
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return &models.AnalysisReport{TaskID: task.TaskID}, nil
		},
		WithWorkers(1))

	task, err := o.CreateTask(context.Background(), "alice", &models.AnalysisRequest{Symbol: "600036"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	o.Start()
	defer o.Stop()

	<-started
	if err := o.Cancel(context.Background(), task.TaskID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	close(release)

	waitFor(t, 3*time.Second, func() bool {
		status, _ := o.Status(context.Background(), task.TaskID)
		return status != nil && status.Status == models.TaskStatusCancelled
	})

	report, _ := reports.GetByTaskID(context.Background(), task.TaskID)
	if report != nil {
		t.Error("cancelled task must not save a report")
	}
	stats, _ := o.Stats(context.Background())
	if stats.Concurrent != 0 {
		t.Errorf("cancel must release the slot, got concurrent=%d", stats.Concurrent)
	}
}

func TestStatusSynthesizedFromReport(t *testing.T) {
	reports := newFakeReportStore()
	o := NewOrchestrator(newTestQueue(t), newFakeTaskStore(), reports, successAnalyze)

	reports.Save(context.Background(), &models.AnalysisReport{
		TaskID:    "task-history",
		UserID:    "alice",
		Symbol:    "600036",
		CreatedAt: time.Date(2026, 8, 10, 18, 0, 0, 0, time.UTC),
	})

	status, err := o.Status(context.Background(), "task-history")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status == nil {
		t.Fatal("expected a synthesized status")
	}
	if status.Status != models.TaskStatusCompleted || status.Progress != 100 {
		t.Errorf("report-only task should read completed/100, got %+v", status)
	}
	if status.Symbol != "600036" || status.UserID != "alice" {
		t.Errorf("synthesized status should carry report identity, got %+v", status)
	}
}

func TestStatusUnknownTask(t *testing.T) {
	o := NewOrchestrator(newTestQueue(t), newFakeTaskStore(), newFakeReportStore(), successAnalyze)
	status, err := o.Status(context.Background(), "missing")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status != nil {
		t.Errorf("unknown task should resolve to nil, got %+v", status)
	}
}

func TestDeleteRemovesEverywhere(t *testing.T) {
	queue := newTestQueue(t)
	tasks := newFakeTaskStore()
	o := NewOrchestrator(queue, tasks, newFakeReportStore(), successAnalyze)

	task, err := o.CreateTask(context.Background(), "alice", &models.AnalysisRequest{Symbol: "600036"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := o.Delete(context.Background(), task.TaskID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	status, _ := o.Status(context.Background(), task.TaskID)
	if status != nil {
		t.Error("deleted task should be gone")
	}
	stats, _ := o.Stats(context.Background())
	if stats.Ready != 0 {
		t.Errorf("deleted task should leave the ready list, got %d", stats.Ready)
	}
}

func TestBatchTasksRunInParallel(t *testing.T) {
	queue := newTestQueue(t)
	var mu sync.Mutex
	inFlight, peak := 0, 0

	o := NewOrchestrator(queue, newFakeTaskStore(), newFakeReportStore(),
		func(_ context.Context, task *models.AnalysisTask, _ func(int, string)) (*models.AnalysisReport, error) {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()
			time.Sleep(150 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			return &models.AnalysisReport{TaskID: task.TaskID}, nil
		},
		WithWorkers(3))

	_, items, err := o.CreateBatch(context.Background(), "alice", &models.BatchAnalysisRequest{
		Symbols: []string{"600036", "000001", "600519"},
	})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	for i, item := range items {
		if item.Error != "" {
			t.Fatalf("item %d rejected: %s", i, item.Error)
		}
	}

	o.Start()
	defer o.Stop()

	waitFor(t, 5*time.Second, func() bool {
		done := 0
		for _, item := range items {
			status, _ := o.Status(context.Background(), item.TaskID)
			if status != nil && status.Status == models.TaskStatusCompleted {
				done++
			}
		}
		return done == len(items)
	})

	mu.Lock()
	defer mu.Unlock()
	if peak < 2 {
		t.Errorf("expected overlapping execution across workers, peak was %d", peak)
	}
}

func TestStopDrainsWorkers(t *testing.T) {
	o := NewOrchestrator(newTestQueue(t), newFakeTaskStore(), newFakeReportStore(), successAnalyze, WithWorkers(2))
	o.Start()

	done := make(chan struct{})
	go func() {
		o.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stop did not drain the worker pool")
	}
}

func TestResultAssemblesIncompleteReport(t *testing.T) {
	reports := newFakeReportStore()
	o := NewOrchestrator(newTestQueue(t), newFakeTaskStore(), reports, successAnalyze)

	reports.Save(context.Background(), &models.AnalysisReport{
		TaskID: "task-1",
		Symbol: "600036",
		State: map[string]any{
			"market_report":        "uptrend intact",
			"final_trade_decision": "BUY with a tight stop",
		},
	})

	report, err := o.Result(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("result failed: %v", err)
	}
	if report.Reports["market_report"] != "uptrend intact" {
		t.Error("state fields should be promoted into reports")
	}
	if report.Recommendation != "BUY with a tight stop" {
		t.Errorf("recommendation should come from final_trade_decision, got %q", report.Recommendation)
	}
	if report.Summary == "" {
		t.Error("summary should be derived from the longest fragment")
	}
}

func TestCreateTaskUserLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	queue := taskqueue.NewQueue(rdb, taskqueue.WithUserLimit(1))

	o := NewOrchestrator(queue, newFakeTaskStore(), newFakeReportStore(), successAnalyze)

	// Occupy alice's only slot.
	first, err := o.CreateTask(context.Background(), "alice", &models.AnalysisRequest{Symbol: "600036"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := queue.Dequeue(context.Background(), "worker-0"); err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}

	_, err = o.CreateTask(context.Background(), "alice", &models.AnalysisRequest{Symbol: "000001"})
	if !errors.Is(err, taskqueue.ErrUserLimitExceeded) {
		t.Errorf("expected user limit rejection, got %v", err)
	}
	_ = first

	if _, err := o.CreateTask(context.Background(), "bob", &models.AnalysisRequest{Symbol: "000001"}); err != nil {
		t.Errorf("other users must be unaffected: %v", err)
	}
}

func TestStatusPrefersMemory(t *testing.T) {
	tasks := newFakeTaskStore()
	o := NewOrchestrator(newTestQueue(t), tasks, newFakeReportStore(), successAnalyze)

	// Document says queued; memory says processing at 40%.
	tasks.Upsert(context.Background(), &models.AnalysisTask{TaskID: "t1", Status: models.TaskStatusQueued})
	o.setState(&models.AnalysisTask{TaskID: "t1", Status: models.TaskStatusProcessing, Progress: 40})

	status, err := o.Status(context.Background(), "t1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Status != models.TaskStatusProcessing || status.Progress != 40 {
		t.Errorf("memory state should win, got %+v", status)
	}
}

func BenchmarkStatusFromMemory(b *testing.B) {
	o := NewOrchestrator(nil, newFakeTaskStore(), newFakeReportStore(), successAnalyze)
	for i := 0; i < 100; i++ {
		o.setState(&models.AnalysisTask{TaskID: fmt.Sprintf("t%d", i), Status: models.TaskStatusProcessing})
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		o.Status(context.Background(), "t50")
	}
}

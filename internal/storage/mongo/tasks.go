package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
)

// TaskStore persists analysis task lifecycle documents keyed by task_id.
type TaskStore struct {
	store *Store
}

// Tasks returns the analysis task store.
func (s *Store) Tasks() *TaskStore {
	return &TaskStore{store: s}
}

// Upsert writes a full task document.
func (t *TaskStore) Upsert(ctx context.Context, task *models.AnalysisTask) error {
	task.UpdatedAt = t.store.now()
	_, err := t.store.db.Collection(CollAnalysisTasks).UpdateOne(ctx,
		bson.M{"task_id": task.TaskID},
		bson.M{"$set": task},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", task.TaskID, err)
	}
	return nil
}

// Get returns one task by id, nil when absent.
func (t *TaskStore) Get(ctx context.Context, taskID string) (*models.AnalysisTask, error) {
	var doc models.AnalysisTask
	err := t.store.db.Collection(CollAnalysisTasks).
		FindOne(ctx, bson.M{"task_id": taskID}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}
	return &doc, nil
}

// UpdateStatus writes status fields for a task. A task already in a
// terminal status is never regressed: the update filter excludes terminal
// documents whenever the write changes status. Recognized timestamp
// fields arriving as strings are coerced to time.Time first.
func (t *TaskStore) UpdateStatus(ctx context.Context, taskID string, fields map[string]any) error {
	coerceDateFields(fields)
	fields["updated_at"] = t.store.now()

	filter := bson.M{"task_id": taskID}
	if _, changesStatus := fields["status"]; changesStatus {
		filter["status"] = bson.M{"$nin": bson.A{
			models.TaskStatusCompleted,
			models.TaskStatusFailed,
			models.TaskStatusCancelled,
		}}
	}

	result, err := t.store.db.Collection(CollAnalysisTasks).
		UpdateOne(ctx, filter, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", taskID, err)
	}
	if result.MatchedCount == 0 && hasStatus(fields) {
		t.store.logger.Debug().Str("task_id", taskID).Msg("status update skipped, task terminal or missing")
	}
	return nil
}

func hasStatus(fields map[string]any) bool {
	_, ok := fields["status"]
	return ok
}

// Delete removes a task document.
func (t *TaskStore) Delete(ctx context.Context, taskID string) error {
	_, err := t.store.db.Collection(CollAnalysisTasks).
		DeleteOne(ctx, bson.M{"task_id": taskID})
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", taskID, err)
	}
	return nil
}

// ReportStore persists completed analysis artifacts keyed by task_id.
type ReportStore struct {
	store *Store
}

// Reports returns the analysis report store.
func (s *Store) Reports() *ReportStore {
	return &ReportStore{store: s}
}

// Save upserts a report document.
func (r *ReportStore) Save(ctx context.Context, report *models.AnalysisReport) error {
	_, err := r.store.db.Collection(CollReports).UpdateOne(ctx,
		bson.M{"task_id": report.TaskID},
		bson.M{"$set": report},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save report for task %s: %w", report.TaskID, err)
	}
	return nil
}

// GetByTaskID returns one report, nil when absent.
func (r *ReportStore) GetByTaskID(ctx context.Context, taskID string) (*models.AnalysisReport, error) {
	var doc models.AnalysisReport
	err := r.store.db.Collection(CollReports).
		FindOne(ctx, bson.M{"task_id": taskID}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report for task %s: %w", taskID, err)
	}
	return &doc, nil
}

// Recognized timestamp field names for string coercion. analysis_date is
// deliberately absent: it is a date label, not an instant, and stays a
// string.
var dateFields = map[string]bool{
	"created_at":    true,
	"updated_at":    true,
	"completed_at":  true,
	"started_at":    true,
	"finished_at":   true,
	"deleted_at":    true,
	"last_login":    true,
	"last_modified": true,
	"timestamp":     true,
}

// coerceDateFields converts recognized timestamp fields from string form
// to time.Time in place. Unparsable values pass through untouched.
func coerceDateFields(fields map[string]any) {
	for key, value := range fields {
		if !dateFields[key] {
			continue
		}
		s, ok := value.(string)
		if !ok {
			continue
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, s); err == nil {
				fields[key] = parsed
				break
			}
		}
	}
}

// Compile-time checks
var (
	_ interfaces.TaskStore   = (*TaskStore)(nil)
	_ interfaces.ReportStore = (*ReportStore)(nil)
)

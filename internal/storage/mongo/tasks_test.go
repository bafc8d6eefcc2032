package mongo

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/coolbix/quantgate/internal/models"
)

func makeWrites(n int) []mongo.WriteModel {
	writes := make([]mongo.WriteModel, n)
	for i := range writes {
		writes[i] = mongo.NewUpdateOneModel().
			SetFilter(bson.M{"i": i}).
			SetUpdate(bson.M{"$set": bson.M{"i": i}}).
			SetUpsert(true)
	}
	return writes
}

func TestCoerceDateFields(t *testing.T) {
	fields := map[string]any{
		"started_at":    "2026-08-20T10:30:00Z",
		"completed_at":  "2026-08-20 11:00:00",
		"analysis_date": "2026-08-20",
		"status":        "completed",
		"timestamp":     time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		"finished_at":   "not a timestamp",
	}

	coerceDateFields(fields)

	started, ok := fields["started_at"].(time.Time)
	if !ok {
		t.Fatalf("started_at should coerce to time.Time, got %T", fields["started_at"])
	}
	if started.Hour() != 10 || started.Minute() != 30 {
		t.Errorf("unexpected started_at: %v", started)
	}

	if _, ok := fields["completed_at"].(time.Time); !ok {
		t.Errorf("space-separated layout should coerce, got %T", fields["completed_at"])
	}

	// analysis_date is a date label, never an instant
	if _, ok := fields["analysis_date"].(string); !ok {
		t.Errorf("analysis_date must stay a string, got %T", fields["analysis_date"])
	}

	if _, ok := fields["status"].(string); !ok {
		t.Errorf("non-date field must pass through, got %T", fields["status"])
	}

	// already a time.Time: untouched
	if _, ok := fields["timestamp"].(time.Time); !ok {
		t.Errorf("time.Time value must pass through, got %T", fields["timestamp"])
	}

	// unparsable string: untouched rather than dropped
	if s, ok := fields["finished_at"].(string); !ok || s != "not a timestamp" {
		t.Errorf("unparsable value must pass through, got %v", fields["finished_at"])
	}
}

func TestTaskDocumentCarriesUpdatedAt(t *testing.T) {
	// Upsert stamps updated_at on the struct and UpdateStatus writes the
	// same field into the document; the task type must round-trip it so
	// reads see the stamp.
	stamp := time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC)
	task := models.AnalysisTask{
		TaskID:    "task-1",
		Symbol:    "600036",
		Status:    models.TaskStatusQueued,
		UpdatedAt: stamp,
	}

	raw, err := bson.Marshal(task)
	if err != nil {
		t.Fatalf("failed to marshal task: %v", err)
	}

	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("failed to unmarshal task document: %v", err)
	}
	if _, ok := doc["updated_at"]; !ok {
		t.Fatal("task document should carry updated_at")
	}

	var back models.AnalysisTask
	if err := bson.Unmarshal(raw, &back); err != nil {
		t.Fatalf("failed to decode task: %v", err)
	}
	if !back.UpdatedAt.Equal(stamp) {
		t.Errorf("expected updated_at %v, got %v", stamp, back.UpdatedAt)
	}
}

func TestChunkWrites(t *testing.T) {
	writes := makeWrites(1250)

	chunks := chunkWrites(writes, 500)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 500 || len(chunks[1]) != 500 || len(chunks[2]) != 250 {
		t.Errorf("unexpected chunk sizes: %d, %d, %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}

	if got := chunkWrites(nil, 500); got != nil {
		t.Errorf("no writes should produce no chunks, got %d", len(got))
	}

	// non-positive chunk size falls back to the default
	chunks = chunkWrites(writes, 0)
	if len(chunks[0]) != DefaultChunkSize {
		t.Errorf("expected default chunk size, got %d", len(chunks[0]))
	}
}

package models

import "time"

// AnalysisTask is one analysis job's lifecycle document. TaskID is unique.
// A task reaches exactly one terminal state; once terminal, status never
// regresses.
type AnalysisTask struct {
	TaskID      string            `bson:"task_id" json:"task_id"`
	UserID      string            `bson:"user_id" json:"user_id"`
	Symbol      string            `bson:"symbol" json:"symbol"`
	Status      string            `bson:"status" json:"status"`
	Params      map[string]string `bson:"params,omitempty" json:"params,omitempty"`
	BatchID     string            `bson:"batch_id,omitempty" json:"batch_id,omitempty"`
	WorkerID    string            `bson:"worker_id,omitempty" json:"worker_id,omitempty"`
	Progress    int               `bson:"progress" json:"progress"` // 0-100
	Message     string            `bson:"message,omitempty" json:"message,omitempty"`
	LastError   string            `bson:"last_error,omitempty" json:"last_error,omitempty"`
	CreatedAt   time.Time         `bson:"created_at" json:"created_at"`
	EnqueuedAt  time.Time         `bson:"enqueued_at,omitempty" json:"enqueued_at,omitempty"`
	StartedAt   time.Time         `bson:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt time.Time         `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	CancelledAt time.Time         `bson:"cancelled_at,omitempty" json:"cancelled_at,omitempty"`
	RequeuedAt  time.Time         `bson:"requeued_at,omitempty" json:"requeued_at,omitempty"`
	UpdatedAt   time.Time         `bson:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// Task status constants
const (
	TaskStatusQueued     = "queued"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
	TaskStatusCancelled  = "cancelled"
)

// IsTerminalTaskStatus reports whether a status is one of the three
// terminal states.
func IsTerminalTaskStatus(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// AnalysisReport is the completed analysis artifact, written once on
// success. Reports maps section name to markdown content; all values are
// strings at this boundary so downstream JSON framing never sees mixed
// types.
type AnalysisReport struct {
	TaskID         string            `bson:"task_id" json:"task_id"`
	AnalysisID     string            `bson:"analysis_id,omitempty" json:"analysis_id,omitempty"`
	UserID         string            `bson:"user_id" json:"user_id"`
	Symbol         string            `bson:"symbol" json:"symbol"`
	AnalysisDate   string            `bson:"analysis_date" json:"analysis_date"` // date, not an instant; stays a string
	Reports        map[string]string `bson:"reports" json:"reports"`
	State          map[string]any    `bson:"state,omitempty" json:"state,omitempty"`
	Summary        string            `bson:"summary,omitempty" json:"summary,omitempty"`
	Recommendation string            `bson:"recommendation,omitempty" json:"recommendation,omitempty"`
	CreatedAt      time.Time         `bson:"created_at" json:"created_at"`
}

// AnalysisRequest is the submission payload for a single analysis.
type AnalysisRequest struct {
	Symbol string            `json:"symbol"`
	Params map[string]string `json:"params,omitempty"`
}

// BatchAnalysisRequest submits up to MaxBatchSize symbols at once.
type BatchAnalysisRequest struct {
	Symbols []string          `json:"symbols"`
	Params  map[string]string `json:"params,omitempty"`
}

// TaskEvent is broadcast via WebSocket when task state changes.
type TaskEvent struct {
	Type      string    `json:"type"` // connection_established, progress, completed, failed, cancelled
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status,omitempty"`
	Progress  int       `json:"progress,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

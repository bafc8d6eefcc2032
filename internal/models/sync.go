package models

import "time"

// SyncStatus records the last run outcome for one ingestion job. Job is
// the upsert identity; DataType is a denormalized tag carried for
// reporting, not a partition key.
type SyncStatus struct {
	Job          string    `bson:"job" json:"job"`
	DataType     string    `bson:"data_type,omitempty" json:"data_type,omitempty"`
	Status       string    `bson:"status" json:"status"`
	Source       string    `bson:"source,omitempty" json:"source,omitempty"`
	RecordsCount int       `bson:"records_count" json:"records_count"`
	ErrorsCount  int       `bson:"errors_count" json:"errors_count"`
	ErrorMessage string    `bson:"error_message,omitempty" json:"error_message,omitempty"`
	StartedAt    time.Time `bson:"started_at,omitempty" json:"started_at,omitempty"`
	FinishedAt   time.Time `bson:"finished_at,omitempty" json:"finished_at,omitempty"`
	UpdatedAt    time.Time `bson:"updated_at" json:"updated_at"`
}

// Sync status constants
const (
	SyncStatusIdle              = "idle"
	SyncStatusRunning           = "running"
	SyncStatusSuccess           = "success"
	SyncStatusSuccessWithErrors = "success_with_errors"
	SyncStatusFailed            = "failed"
)

// IsStaleRunning reports whether a "running" status is old enough to be
// treated as crashed and eligible for takeover by another worker.
func (s *SyncStatus) IsStaleRunning(threshold time.Duration, now time.Time) bool {
	if s.Status != SyncStatusRunning {
		return false
	}
	if s.StartedAt.IsZero() {
		return true
	}
	return now.Sub(s.StartedAt) > threshold
}

// Notification is one user-visible event, pruned by the retention policy
// (age plus per-user count bound).
type Notification struct {
	ID        string    `bson:"_id,omitempty" json:"id,omitempty"`
	UserID    string    `bson:"user_id" json:"user_id"`
	Type      string    `bson:"type" json:"type"`
	Title     string    `bson:"title" json:"title"`
	Body      string    `bson:"body,omitempty" json:"body,omitempty"`
	Status    string    `bson:"status" json:"status"` // unread / read
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// Notification status constants
const (
	NotificationUnread = "unread"
	NotificationRead   = "read"
)

// DataSourceGrouping is an admin-managed per-market priority override,
// read once at adapter-manager construction. Larger priority wins.
type DataSourceGrouping struct {
	MarketCategoryID string `bson:"market_category_id" json:"market_category_id"`
	DataSourceName   string `bson:"data_source_name" json:"data_source_name"`
	Priority         int    `bson:"priority" json:"priority"`
	Enabled          bool   `bson:"enabled" json:"enabled"`
}

// Market category identifiers for priority groupings.
const (
	MarketCN = "cn"
	MarketHK = "hk"
	MarketUS = "us"
)

package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
)

// SyncStatusStore records per-job ingestion outcomes.
type SyncStatusStore struct {
	store *Store
}

// SyncStatus returns the sync status store.
func (s *Store) SyncStatus() *SyncStatusStore {
	return &SyncStatusStore{store: s}
}

// Upsert writes a status document. Identity is (data_type, job) when
// data_type is set; legacy rows without data_type upsert on plain job.
func (y *SyncStatusStore) Upsert(ctx context.Context, status *models.SyncStatus) error {
	status.UpdatedAt = y.store.now()

	filter := bson.M{"job": status.Job}
	if status.DataType != "" {
		filter["data_type"] = status.DataType
	}

	_, err := y.store.db.Collection(CollSyncStatus).UpdateOne(ctx,
		filter,
		bson.M{"$set": status},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert sync status %s: %w", status.Job, err)
	}
	return nil
}

// Get returns the latest status for a job, nil when absent.
func (y *SyncStatusStore) Get(ctx context.Context, job string) (*models.SyncStatus, error) {
	var doc models.SyncStatus
	err := y.store.db.Collection(CollSyncStatus).
		FindOne(ctx, bson.M{"job": job},
			options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}})).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync status %s: %w", job, err)
	}
	return &doc, nil
}

// NotificationStore persists user-visible events. ObjectIds stay inside
// this store; callers see hex strings.
type NotificationStore struct {
	store *Store
}

// Notifications returns the notification store.
func (s *Store) Notifications() *NotificationStore {
	return &NotificationStore{store: s}
}

// Insert writes one notification and fills in its generated id.
func (n *NotificationStore) Insert(ctx context.Context, notification *models.Notification) error {
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = n.store.now()
	}
	if notification.Status == "" {
		notification.Status = models.NotificationUnread
	}

	doc := bson.M{
		"user_id":    notification.UserID,
		"type":       notification.Type,
		"title":      notification.Title,
		"body":       notification.Body,
		"status":     notification.Status,
		"created_at": notification.CreatedAt,
	}
	result, err := n.store.db.Collection(CollNotifications).InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	if oid, ok := result.InsertedID.(primitive.ObjectID); ok {
		notification.ID = oid.Hex()
	}
	return nil
}

// ListByUser returns a user's notifications, newest first.
func (n *NotificationStore) ListByUser(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}

	cursor, err := n.store.db.Collection(CollNotifications).
		Find(ctx, bson.M{"user_id": userID},
			options.Find().
				SetSort(bson.D{{Key: "created_at", Value: -1}}).
				SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer cursor.Close(ctx)

	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode notifications: %w", err)
	}

	out := make([]models.Notification, 0, len(raw))
	for _, doc := range raw {
		out = append(out, decodeNotification(doc))
	}
	return out, nil
}

// Prune removes notifications older than cutoff and trims each user to at
// most keepPerUser rows, newest first. Returns the deleted count.
func (n *NotificationStore) Prune(ctx context.Context, cutoff time.Time, keepPerUser int) (int, error) {
	coll := n.store.db.Collection(CollNotifications)

	aged, err := coll.DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("failed to prune aged notifications: %w", err)
	}
	deleted := int(aged.DeletedCount)

	if keepPerUser <= 0 {
		return deleted, nil
	}

	userIDs, err := coll.Distinct(ctx, "user_id", bson.M{})
	if err != nil {
		return deleted, fmt.Errorf("failed to list notification users: %w", err)
	}

	for _, uid := range userIDs {
		cursor, err := coll.Find(ctx, bson.M{"user_id": uid},
			options.Find().
				SetSort(bson.D{{Key: "created_at", Value: -1}}).
				SetSkip(int64(keepPerUser)).
				SetProjection(bson.M{"_id": 1}))
		if err != nil {
			return deleted, fmt.Errorf("failed to find overflow notifications: %w", err)
		}

		var overflow []bson.M
		if err := cursor.All(ctx, &overflow); err != nil {
			return deleted, fmt.Errorf("failed to decode overflow notifications: %w", err)
		}
		if len(overflow) == 0 {
			continue
		}

		ids := make([]any, 0, len(overflow))
		for _, doc := range overflow {
			ids = append(ids, doc["_id"])
		}
		result, err := coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
		if err != nil {
			return deleted, fmt.Errorf("failed to trim notifications: %w", err)
		}
		deleted += int(result.DeletedCount)
	}

	return deleted, nil
}

func decodeNotification(doc bson.M) models.Notification {
	n := models.Notification{
		UserID: str(doc["user_id"]),
		Type:   str(doc["type"]),
		Title:  str(doc["title"]),
		Body:   str(doc["body"]),
		Status: str(doc["status"]),
	}
	if oid, ok := doc["_id"].(primitive.ObjectID); ok {
		n.ID = oid.Hex()
	}
	if t, ok := doc["created_at"].(primitive.DateTime); ok {
		n.CreatedAt = t.Time()
	}
	return n
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// GroupingStore reads admin-managed data source priorities.
type GroupingStore struct {
	store *Store
}

// Groupings returns the grouping store.
func (s *Store) Groupings() *GroupingStore {
	return &GroupingStore{store: s}
}

// ListByMarket returns grouping rows for one market category.
func (g *GroupingStore) ListByMarket(ctx context.Context, marketCategoryID string) ([]models.DataSourceGrouping, error) {
	cursor, err := g.store.db.Collection(CollGroupings).
		Find(ctx, bson.M{"market_category_id": marketCategoryID})
	if err != nil {
		return nil, fmt.Errorf("failed to list groupings: %w", err)
	}
	defer cursor.Close(ctx)

	var out []models.DataSourceGrouping
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode groupings: %w", err)
	}
	return out, nil
}

// Compile-time checks
var (
	_ interfaces.SyncStatusStore   = (*SyncStatusStore)(nil)
	_ interfaces.NotificationStore = (*NotificationStore)(nil)
	_ interfaces.GroupingStore     = (*GroupingStore)(nil)
)

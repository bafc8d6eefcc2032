// Package notify persists user-visible events and pushes them to
// connected websocket clients.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/interfaces"
	"github.com/coolbix/quantgate/internal/models"
)

// Retention defaults. Age and per-user count are enforced together so a
// chatty user cannot pin old rows past the cutoff.
const (
	DefaultRetentionAge = 30 * 24 * time.Hour
	DefaultKeepPerUser  = 200
	DefaultListLimit    = 50
)

// Publisher pushes an event to a user's live connections. A nil
// publisher means persist-only.
type Publisher interface {
	PublishUser(userID string, payload any)
}

// Service implements interfaces.NotificationService.
type Service struct {
	store        interfaces.NotificationStore
	publisher    Publisher
	logger       *common.Logger
	retentionAge time.Duration
	keepPerUser  int
	now          func() time.Time
}

// Option configures the service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(logger *common.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPublisher sets the live-push publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithRetention overrides the retention policy.
func WithRetention(age time.Duration, keepPerUser int) Option {
	return func(s *Service) {
		if age > 0 {
			s.retentionAge = age
		}
		if keepPerUser > 0 {
			s.keepPerUser = keepPerUser
		}
	}
}

// NewService creates the notification service.
func NewService(store interfaces.NotificationStore, opts ...Option) *Service {
	s := &Service{
		store:        store,
		logger:       common.NewSilentLogger(),
		retentionAge: DefaultRetentionAge,
		keepPerUser:  DefaultKeepPerUser,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify persists the event and pushes it to the user's live
// connections. A push failure never fails the call; the persisted row
// is the durable record.
func (s *Service) Notify(ctx context.Context, userID, kind, title, body string) error {
	if userID == "" {
		return fmt.Errorf("notification requires a user id")
	}
	n := &models.Notification{
		UserID:    userID,
		Type:      kind,
		Title:     title,
		Body:      body,
		Status:    models.NotificationUnread,
		CreatedAt: s.now(),
	}
	if err := s.store.Insert(ctx, n); err != nil {
		return fmt.Errorf("failed to persist notification: %w", err)
	}
	if s.publisher != nil {
		s.publisher.PublishUser(userID, n)
	}
	return nil
}

// List returns the user's newest notifications.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// EnforceRetention prunes by age and per-user count and returns the
// number of removed rows.
func (s *Service) EnforceRetention(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.retentionAge)
	removed, err := s.store.Prune(ctx, cutoff, s.keepPerUser)
	if err != nil {
		return 0, fmt.Errorf("notification prune failed: %w", err)
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("pruned notifications")
	}
	return removed, nil
}

// Compile-time check
var _ interfaces.NotificationService = (*Service)(nil)

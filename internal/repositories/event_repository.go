package repositories

import (
	"context"
	"time"

	"example.com/backstage/services/orchestrator/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// NotificationEventRepository provides append-only access to the audit log.
type NotificationEventRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewNotificationEventRepository creates a new repository.
func NewNotificationEventRepository(db, readOnlyDB *gorm.DB) *NotificationEventRepository {
	return &NotificationEventRepository{db: db, readOnlyDB: readOnlyDB}
}

// CreateEvent appends a fully-populated event.
func (r *NotificationEventRepository) CreateEvent(ctx context.Context, event *models.NotificationEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.EventAt.IsZero() {
		event.EventAt = time.Now()
	}
	return errors.Wrap(r.db.WithContext(ctx).Create(event).Error, "failed to create notification event")
}

// CreateEventSimple is the convenience wrapper the orchestrator uses at
// every state transition: it only needs the identifying fields and an
// opaque payload describing the transition.
func (r *NotificationEventRepository) CreateEventSimple(ctx context.Context, notificationID uuid.UUID, correlationID string, eventType models.EventType, channel models.Channel, eventData models.JSONMap) error {
	return r.CreateEvent(ctx, &models.NotificationEvent{
		NotificationID: notificationID,
		CorrelationID:  correlationID,
		EventType:      eventType,
		Channel:        channel,
		EventData:      eventData,
		EventAt:        time.Now(),
	})
}

// GetEventsByNotificationID returns a notification's audit trail in
// chronological order.
func (r *NotificationEventRepository) GetEventsByNotificationID(ctx context.Context, notificationID uuid.UUID) ([]models.NotificationEvent, error) {
	var events []models.NotificationEvent
	err := r.readOnlyDB.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Order("event_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get events by notification id")
	}
	return events, nil
}

// GetEventsByCorrelationID returns the audit trail for a correlation id in
// chronological order.
func (r *NotificationEventRepository) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]models.NotificationEvent, error) {
	var events []models.NotificationEvent
	err := r.readOnlyDB.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("event_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get events by correlation id")
	}
	return events, nil
}

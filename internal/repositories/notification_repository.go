package repositories

import (
	"context"
	"strings"
	"time"

	"example.com/backstage/services/orchestrator/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NotificationRepository provides typed access to the Notification table.
type NotificationRepository struct {
	db         *gorm.DB // write database
	readOnlyDB *gorm.DB // read-only database
}

// NewNotificationRepository creates a new repository.
func NewNotificationRepository(db, readOnlyDB *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db, readOnlyDB: readOnlyDB}
}

// ErrDuplicateIdempotencyKey is returned by Create when a non-deleted row
// with the same idempotency key already exists within the 24h window.
var ErrDuplicateIdempotencyKey = errors.New("idempotency key already exists")

// Create inserts a new Notification. If the unique constraint on
// idempotency_key rejects the insert, it returns ErrDuplicateIdempotencyKey
// so the caller can load and reuse the existing row instead of creating a
// second one.
func (r *NotificationRepository) Create(ctx context.Context, notif *models.Notification) error {
	err := r.db.WithContext(ctx).Create(notif).Error
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdempotencyKey
		}
		return errors.Wrap(err, "failed to create notification")
	}
	return nil
}

// isUniqueViolation recognizes a Postgres unique-constraint violation
// regardless of which driver wraps it, since GORM's postgres driver
// surfaces the pq/pgconn error text rather than a typed sentinel.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "SQLSTATE 23505")
}

// GetByID loads a notification by primary key.
func (r *NotificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Notification, error) {
	var notif models.Notification
	err := r.readOnlyDB.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", id).First(&notif).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get notification by id")
	}
	return &notif, nil
}

// GetByCorrelationID loads the most recent notification for a correlation id.
func (r *NotificationRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*models.Notification, error) {
	var notif models.Notification
	err := r.readOnlyDB.WithContext(ctx).
		Where("correlation_id = ? AND deleted_at IS NULL", correlationID).
		Order("created_at DESC").
		First(&notif).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get notification by correlation id")
	}
	return &notif, nil
}

// GetByIdempotencyKey loads a notification created within the last 24 hours
// with the given idempotency key. Returns (nil, nil) when absent -- this is
// not an error, it is the normal "no duplicate" case.
func (r *NotificationRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.Notification, error) {
	var notif models.Notification
	err := r.readOnlyDB.WithContext(ctx).
		Where("idempotency_key = ? AND created_at > ? AND deleted_at IS NULL", key, time.Now().Add(-24*time.Hour)).
		First(&notif).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get notification by idempotency key")
	}
	return &notif, nil
}

// phaseTimestampColumn maps a status onto the phase-timestamp column that
// COALESCE-writes it once.
func phaseTimestampColumn(status models.Status) string {
	switch status {
	case models.StatusQueued:
		return "queued_at"
	case models.StatusSent:
		return "sent_at"
	case models.StatusDelivered:
		return "delivered_at"
	case models.StatusFailed:
		return "failed_at"
	default:
		return ""
	}
}

// UpdateStatus transitions a notification's status and, for statuses with a
// corresponding phase timestamp, first-write-wins it via COALESCE.
func (r *NotificationRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.Status) error {
	col := phaseTimestampColumn(status)

	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}

	tx := r.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND deleted_at IS NULL", id)

	if col != "" {
		return tx.Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
			col:          gorm.Expr("COALESCE(" + col + ", NOW())"),
		}).Error
	}

	return tx.Updates(updates).Error
}

// UpdateEnrichedPayload persists the resolved enrichment snapshot and
// first-write-wins enriched_at, since that timestamp only means anything once
// enrichment has actually produced a payload -- not merely been attempted.
func (r *NotificationRepository) UpdateEnrichedPayload(ctx context.Context, id uuid.UUID, payload models.JSONMap) error {
	return r.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Updates(map[string]interface{}{
			"enriched_payload": payload,
			"updated_at":       time.Now(),
			"enriched_at":      gorm.Expr("COALESCE(enriched_at, NOW())"),
		}).Error
}

// UpdateFailure marks a notification failed with the given taxonomy code
// and message, incrementing retry_count and first-write-winning failed_at.
func (r *NotificationRepository) UpdateFailure(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) error {
	return r.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Updates(map[string]interface{}{
			"status":        models.StatusFailed,
			"error_code":    errorCode,
			"error_message": errorMessage,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"failed_at":     gorm.Expr("COALESCE(failed_at, NOW())"),
			"updated_at":    time.Now(),
		}).Error
}

// GetFailedForRetry selects up to limit failed, retryable notifications for
// a background retry pass, skipping rows already locked by another worker.
func (r *NotificationRepository) GetFailedForRetry(ctx context.Context, limit int) ([]models.Notification, error) {
	var notifs []models.Notification
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ? AND retry_count < max_retries AND deleted_at IS NULL AND failed_at > ?",
			models.StatusFailed, time.Now().Add(-24*time.Hour)).
		Order("priority DESC, created_at ASC").
		Limit(limit).
		Find(&notifs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to select failed notifications for retry")
	}
	return notifs, nil
}

// GetPendingOlderThan selects notifications stuck in pending past the given
// age, for the recovery loop to re-drive through enrichment.
func (r *NotificationRepository) GetPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]models.Notification, error) {
	var notifs []models.Notification
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ? AND deleted_at IS NULL AND created_at < ?", models.StatusPending, time.Now().Add(-age)).
		Order("priority DESC, created_at ASC").
		Limit(limit).
		Find(&notifs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to select stale pending notifications")
	}
	return notifs, nil
}

// GetUserNotificationsWithCursor keyset-paginates a user's notifications by
// created_at descending. nextCursor is nil once the caller has reached the
// end of the set.
func (r *NotificationRepository) GetUserNotificationsWithCursor(ctx context.Context, userID string, limit int, cursor *time.Time) ([]models.Notification, *time.Time, error) {
	q := r.readOnlyDB.WithContext(ctx).
		Where("user_id = ? AND deleted_at IS NULL", userID)

	if cursor != nil {
		q = q.Where("created_at < ?", *cursor)
	}

	var notifs []models.Notification
	if err := q.Order("created_at DESC").Limit(limit).Find(&notifs).Error; err != nil {
		return nil, nil, errors.Wrap(err, "failed to get user notifications")
	}

	if len(notifs) < limit || len(notifs) == 0 {
		return notifs, nil, nil
	}

	next := notifs[len(notifs)-1].CreatedAt
	return notifs, &next, nil
}

// NotificationStats aggregates outcomes for a channel/day for reporting
// queries over notification volume.
type NotificationStats struct {
	Day     time.Time `json:"day"`
	Channel string    `json:"channel"`
	Status  string    `json:"status"`
	Count   int64     `json:"count"`
}

// GetStatsByDateRange aggregates notification counts per day/channel/status
// within [from, to).
func (r *NotificationRepository) GetStatsByDateRange(ctx context.Context, from, to time.Time) ([]NotificationStats, error) {
	var stats []NotificationStats
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.Notification{}).
		Select("date_trunc('day', created_at) AS day, channel, status, count(*) AS count").
		Where("created_at >= ? AND created_at < ? AND deleted_at IS NULL", from, to).
		Group("day, channel, status").
		Order("day ASC").
		Scan(&stats).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to aggregate notification stats")
	}
	return stats, nil
}

// SoftDelete marks a notification deleted without physically removing it.
func (r *NotificationRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&models.Notification{}, "id = ?", id).Error
}

package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Channel identifies the delivery channel a Notification targets.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Status is the notification's position in the delivery state machine.
type Status string

const (
	StatusPending    Status = "pending"
	StatusEnriching  Status = "enriching"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Priority orders competing notifications when workers select work.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// PriorityFromInt maps the wire-level integer priority (1..4) onto Priority,
// defaulting unknown values to PriorityNormal rather than rejecting the request.
func PriorityFromInt(p int) Priority {
	switch p {
	case 1:
		return PriorityLow
	case 2:
		return PriorityNormal
	case 3:
		return PriorityHigh
	case 4:
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// EventType enumerates the NotificationEvent audit-log entries.
type EventType string

const (
	EventCreated      EventType = "created"
	EventEnriched     EventType = "enriched"
	EventQueued       EventType = "queued"
	EventSent         EventType = "sent"
	EventDelivered    EventType = "delivered"
	EventFailed       EventType = "failed"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventBounced      EventType = "bounced"
	EventUnsubscribed EventType = "unsubscribed"
	EventCancelled    EventType = "cancelled"
	EventRetried      EventType = "retried"
)

// Error codes stored on a failed Notification. ErrCodeValidationError never
// reaches a persisted row: it is rejected at the HTTP boundary before a
// Notification exists.
const (
	ErrCodeUserFetchError     = "USER_FETCH_ERROR"
	ErrCodeTemplateFetchError = "TEMPLATE_FETCH_ERROR"
	ErrCodeParseError         = "PARSE_ERROR"
	ErrCodeQueueError         = "QUEUE_ERROR"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodePersistError       = "PERSIST_ERROR"
)

// JSONMap is an opaque JSON document persisted as jsonb. It is used for
// Variables, Metadata, EnrichedPayload and NotificationEvent.EventData so
// dynamic caller-supplied structures never leak typed fields into the
// state machine.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal JSONMap")
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.Errorf("unsupported type for JSONMap: %T", value)
	}
	if len(b) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(b, m)
}

// Notification is the root record of the platform: one row per accepted,
// non-duplicate notification request.
type Notification struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt       time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
	UserID          string         `gorm:"not null;index" json:"user_id"`
	TemplateCode    string         `gorm:"not null" json:"template_code"`
	CorrelationID   string         `gorm:"not null;uniqueIndex" json:"correlation_id"`
	IdempotencyKey  string         `gorm:"not null;uniqueIndex" json:"idempotency_key"`
	Channel         Channel        `gorm:"not null" json:"channel"`
	Status          Status         `gorm:"not null;index:idx_status_created" json:"status"`
	Priority        Priority       `gorm:"not null" json:"priority"`
	Variables       JSONMap        `gorm:"type:jsonb" json:"variables"`
	Metadata        JSONMap        `gorm:"type:jsonb" json:"metadata"`
	EnrichedPayload JSONMap        `gorm:"type:jsonb" json:"enriched_payload"`
	Recipient       string         `json:"recipient,omitempty"`
	RetryCount      int            `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries      int            `gorm:"not null;default:3" json:"max_retries"`
	ErrorCode       string         `json:"error_code,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Provider        string         `json:"provider,omitempty"`
	ProviderMsgID   string         `json:"provider_message_id,omitempty"`
	EnrichedAt      *time.Time     `json:"enriched_at,omitempty"`
	QueuedAt        *time.Time     `json:"queued_at,omitempty"`
	SentAt          *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt     *time.Time     `json:"delivered_at,omitempty"`
	FailedAt        *time.Time     `json:"failed_at,omitempty"`
}

// TableName pins the table name; monthly range partitioning on created_at
// is applied at the schema/migration layer, not by GORM itself.
func (Notification) TableName() string {
	return "notifications"
}

// NotificationEvent is an append-only audit-log entry for a Notification.
type NotificationEvent struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	NotificationID uuid.UUID `gorm:"type:uuid;not null;index" json:"notification_id"`
	CorrelationID string    `gorm:"not null;index" json:"correlation_id"`
	EventType     EventType `gorm:"not null" json:"event_type"`
	Channel       Channel   `json:"channel,omitempty"`
	EventData     JSONMap   `gorm:"type:jsonb" json:"event_data"`
	Provider      string    `json:"provider,omitempty"`
	ProviderMsgID string    `json:"provider_message_id,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	IPAddress     string    `json:"ip_address,omitempty"`
	EventAt       time.Time `gorm:"not null;index" json:"event_at"`
}

// TableName pins the table name; monthly range partitioning on event_at is
// applied at the schema/migration layer.
func (NotificationEvent) TableName() string {
	return "notification_events"
}

// SetupModels runs the (non-partitioned, development-mode) auto-migration.
// Production deployments apply the partitioned schema out of band; AutoMigrate
// here only keeps local/test environments self-contained, matching how this
// codebase's other services bootstrap their schema.
func SetupModels(db *gorm.DB) error {
	if err := db.AutoMigrate(&Notification{}, &NotificationEvent{}); err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}
	return nil
}

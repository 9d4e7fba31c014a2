package dto

import (
	"time"

	"example.com/backstage/services/orchestrator/internal/models"
)

// HTTPResponse is the standard response envelope every orchestrator HTTP
// endpoint returns, and the shape every remote service (User, Template) is
// expected to answer with.
type HTTPResponse struct {
	Success bool            `json:"success"`
	Data    interface{}     `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
	Meta    *PaginationMeta `json:"meta,omitempty"`
}

// PaginationMeta accompanies list responses.
type PaginationMeta struct {
	Total       int64 `json:"total"`
	Limit       int   `json:"limit"`
	Page        int   `json:"page"`
	TotalPages  int   `json:"total_pages"`
	HasNext     bool  `json:"has_next"`
	HasPrevious bool  `json:"has_previous"`
}

// NotificationRequest is the POST /notification body.
type NotificationRequest struct {
	NotificationType models.Channel         `json:"notification_type" binding:"required"`
	UserID           string                 `json:"user_id" binding:"required"`
	TemplateCode     string                 `json:"template_code" binding:"required"`
	Variables        map[string]interface{} `json:"variables"`
	RequestID        string                 `json:"request_id"`
	Priority         int                    `json:"priority"`
	Metadata         map[string]interface{} `json:"metadata"`
}

// NotificationAcceptedResponse is returned on 202.
type NotificationAcceptedResponse struct {
	CorrelationID  string `json:"correlation_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
}

// UserPreferenceData is the parsed `data` field of the User service response.
type UserPreferenceData struct {
	EmailOptIn bool   `json:"email_opt_in"`
	PushOptIn  bool   `json:"push_opt_in"`
	DailyLimit int    `json:"daily_limit"`
	Language   string `json:"language"`
}

// AllowsChannel reports whether the user has opted into the given channel.
func (u UserPreferenceData) AllowsChannel(ch models.Channel) bool {
	switch ch {
	case models.ChannelEmail:
		return u.EmailOptIn
	case models.ChannelPush:
		return u.PushOptIn
	default:
		return false
	}
}

// TemplateVersion is a single versioned rendering of a template.
type TemplateVersion struct {
	Version   int                    `json:"version"`
	Subject   string                 `json:"subject"`
	Title     string                 `json:"title"`
	Body      string                 `json:"body"`
	Variables map[string]interface{} `json:"variables"`
}

// TemplateData is the parsed `data` field of the Template service response.
type TemplateData struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Event    string            `json:"event"`
	Channel  []string          `json:"channel"`
	Language string            `json:"language"`
	IsActive bool              `json:"isActive"`
	Versions []TemplateVersion `json:"versions"`
}

// SupportsChannel reports whether the template is declared for a channel.
func (t TemplateData) SupportsChannel(ch models.Channel) bool {
	for _, c := range t.Channel {
		if c == string(ch) {
			return true
		}
	}
	return false
}

// LatestVersion returns the highest-numbered version, or ok=false if the
// template has none.
func (t TemplateData) LatestVersion() (TemplateVersion, bool) {
	var best TemplateVersion
	found := false
	for _, v := range t.Versions {
		if !found || v.Version > best.Version {
			best = v
			found = true
		}
	}
	return best, found
}

// EnrichedNotification is the wire body published to the broker.
type EnrichedNotification struct {
	NotificationID  string                 `json:"notification_id"`
	CorrelationID   string                 `json:"correlation_id"`
	IdempotencyKey  string                 `json:"idempotency_key"`
	UserID          string                 `json:"user_id"`
	TemplateCode    string                 `json:"template_code"`
	Channel         models.Channel         `json:"channel"`
	Priority        models.Priority        `json:"priority"`
	UserPreferences UserPreferenceData     `json:"user_preferences"`
	Template        TemplateVersion        `json:"template"`
	Variables       map[string]interface{} `json:"variables"`
	Metadata        map[string]interface{} `json:"metadata"`
	CreatedAt       time.Time              `json:"created_at"`
}

// StatusSnapshot is the value cached under notification:status:{correlation_id}.
type StatusSnapshot struct {
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

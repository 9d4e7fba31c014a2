package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"example.com/backstage/services/orchestrator/internal/cache"
	"example.com/backstage/services/orchestrator/internal/dto"
	"example.com/backstage/services/orchestrator/internal/models"
	"example.com/backstage/services/orchestrator/internal/orchestrator"
	"example.com/backstage/services/orchestrator/internal/repositories"
	"example.com/backstage/services/orchestrator/internal/tracing"
	"example.com/backstage/services/orchestrator/internal/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var errMissingIdempotencyKey = errors.New("missing required header X-Idempotency-Key")

// NotificationHandler handles the notification intake and query surface.
type NotificationHandler struct {
	orchestrator *orchestrator.Orchestrator
	notifRepo    *repositories.NotificationRepository
	eventRepo    *repositories.NotificationEventRepository
	cache        *cache.RedisCache
	tracer       tracing.Tracer
}

// NewNotificationHandler creates a new notification handler.
func NewNotificationHandler(
	orch *orchestrator.Orchestrator,
	notifRepo *repositories.NotificationRepository,
	eventRepo *repositories.NotificationEventRepository,
	cache *cache.RedisCache,
	tracer tracing.Tracer,
) *NotificationHandler {
	return &NotificationHandler{
		orchestrator: orch,
		notifRepo:    notifRepo,
		eventRepo:    eventRepo,
		cache:        cache,
		tracer:       tracer,
	}
}

// HandleCreateNotification accepts a notification request, claims its
// idempotency key, and hands the request to the orchestrator on a detached
// goroutine before returning 202. The idempotency key must arrive on the
// X-Idempotency-Key header; a request without one is rejected outright since
// there would be nothing to dedup against. X-Correlation-ID is propagated
// inbound when the caller supplies it, else a fresh one is generated.
func (h *NotificationHandler) HandleCreateNotification(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-create-notification")
	defer h.tracer.EndTransaction(txn)

	var req dto.NotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusBadRequest, dto.HTTPResponse{
			Success: false,
			Error:   models.ErrCodeValidationError,
			Message: err.Error(),
		})
		return
	}

	if err := validation.Validate(validation.ValidatableNotificationRequest{
		NotificationType: string(req.NotificationType),
		UserID:           req.UserID,
		TemplateCode:     req.TemplateCode,
		Priority:         req.Priority,
	}); err != nil {
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusBadRequest, dto.HTTPResponse{
			Success: false,
			Error:   models.ErrCodeValidationError,
			Message: err.Error(),
		})
		return
	}

	idempotencyKey := c.GetHeader("X-Idempotency-Key")
	if idempotencyKey == "" {
		h.tracer.RecordError(txn, errMissingIdempotencyKey)
		c.JSON(http.StatusBadRequest, dto.HTTPResponse{
			Success: false,
			Error:   models.ErrCodeValidationError,
			Message: errMissingIdempotencyKey.Error(),
		})
		return
	}

	correlationID := c.GetHeader("X-Correlation-ID")
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	h.tracer.AddAttribute(txn, "correlation_id", correlationID)
	h.tracer.AddAttribute(txn, "idempotency_key", idempotencyKey)

	// Claim the idempotency key atomically. If another request already holds
	// it, resolve to that request's correlation id instead of starting a
	// second enrichment run -- the cache claim is a fast-path guard in front
	// of the datastore's authoritative unique constraint.
	claimKey := cache.IdempotencyCacheKey(idempotencyKey)
	if h.cache != nil {
		claimed, err := h.cache.SetIfAbsent(c.Request.Context(), claimKey, correlationID, cache.IdempotencyTTL)
		if err != nil {
			log.Warn().Err(err).Str("idempotency_key", idempotencyKey).Msg("idempotency cache claim failed, proceeding uncached")
		} else if !claimed {
			var existingCorrelationID string
			if getErr := h.cache.Get(c.Request.Context(), claimKey, &existingCorrelationID); getErr == nil {
				correlationID = existingCorrelationID
			}
			c.JSON(http.StatusOK, dto.HTTPResponse{
				Success: true,
				Data: dto.NotificationAcceptedResponse{
					CorrelationID:  correlationID,
					IdempotencyKey: idempotencyKey,
					Status:         "duplicate",
				},
				Message: "notification already accepted",
			})
			return
		}
	}

	// The caller's request context is torn down the moment this handler
	// returns; enrichment must outlive it, so it gets a fresh background
	// context instead.
	bgCtx := context.Background()
	go h.orchestrator.EnrichAndPublish(bgCtx, req, correlationID, idempotencyKey)

	c.JSON(http.StatusAccepted, dto.HTTPResponse{
		Success: true,
		Data: dto.NotificationAcceptedResponse{
			CorrelationID:  correlationID,
			IdempotencyKey: idempotencyKey,
			Status:         "processing",
		},
		Message: "notification accepted",
	})
}

// HandleGetStatus reads the cache-backed async status snapshot for a
// correlation id, falling back to the authoritative datastore row when the
// cache entry has expired or was never written.
func (h *NotificationHandler) HandleGetStatus(c *gin.Context) {
	correlationID := c.Param("correlationID")

	if h.cache != nil {
		var snapshot dto.StatusSnapshot
		key := cache.NotificationStatusCacheKey(correlationID)
		if err := h.cache.Get(c.Request.Context(), key, &snapshot); err == nil {
			c.JSON(http.StatusOK, dto.HTTPResponse{Success: true, Data: snapshot})
			return
		}
	}

	notif, err := h.notifRepo.GetByCorrelationID(c.Request.Context(), correlationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.HTTPResponse{Success: false, Error: err.Error()})
		return
	}
	if notif == nil {
		c.JSON(http.StatusNotFound, dto.HTTPResponse{Success: false, Message: "notification not found"})
		return
	}

	c.JSON(http.StatusOK, dto.HTTPResponse{
		Success: true,
		Data: dto.StatusSnapshot{
			Status:    string(notif.Status),
			Error:     notif.ErrorMessage,
			UpdatedAt: notif.UpdatedAt,
		},
	})
}

// HandleListUserNotifications cursor-paginates a user's notifications.
func (h *NotificationHandler) HandleListUserNotifications(c *gin.Context) {
	userID := c.Param("userID")

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	var cursor *time.Time
	if raw := c.Query("cursor"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			cursor = &parsed
		}
	}

	notifs, next, err := h.notifRepo.GetUserNotificationsWithCursor(c.Request.Context(), userID, limit, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.HTTPResponse{Success: false, Error: err.Error()})
		return
	}

	nextCursor := ""
	hasNext := next != nil
	if next != nil {
		nextCursor = next.Format(time.RFC3339Nano)
	}

	c.JSON(http.StatusOK, dto.HTTPResponse{
		Success: true,
		Data: gin.H{
			"notifications": notifs,
			"next_cursor":   nextCursor,
		},
		Meta: &dto.PaginationMeta{
			Limit:   limit,
			HasNext: hasNext,
		},
	})
}

// HandleGetNotificationEvents returns a notification's audit trail.
func (h *NotificationHandler) HandleGetNotificationEvents(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.HTTPResponse{Success: false, Message: "invalid notification id"})
		return
	}

	events, err := h.eventRepo.GetEventsByNotificationID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.HTTPResponse{Success: false, Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, dto.HTTPResponse{Success: true, Data: events})
}

// HandleGetStats reports notification outcome counts aggregated by
// day/channel/status over an optional date range (defaulting to the last 7
// days).
func (h *NotificationHandler) HandleGetStats(c *gin.Context) {
	to := time.Now()
	from := to.AddDate(0, 0, -7)

	if raw := c.Query("from"); raw != "" {
		if parsed, err := time.Parse("2006-01-02", raw); err == nil {
			from = parsed
		}
	}
	if raw := c.Query("to"); raw != "" {
		if parsed, err := time.Parse("2006-01-02", raw); err == nil {
			to = parsed
		}
	}

	stats, err := h.notifRepo.GetStatsByDateRange(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.HTTPResponse{Success: false, Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, dto.HTTPResponse{Success: true, Data: stats})
}

// HandleDeleteNotification soft-deletes a notification.
func (h *NotificationHandler) HandleDeleteNotification(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.HTTPResponse{Success: false, Message: "invalid notification id"})
		return
	}

	if err := h.notifRepo.SoftDelete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, dto.HTTPResponse{Success: false, Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, dto.HTTPResponse{Success: true, Message: "notification deleted"})
}

// RegisterRoutes registers the handler's routes.
func (h *NotificationHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/notification", h.HandleCreateNotification)
	router.GET("/notification/status/:correlationID", h.HandleGetStatus)
	router.GET("/notifications/user/:userID", h.HandleListUserNotifications)
	router.GET("/notifications/:id/events", h.HandleGetNotificationEvents)
	router.GET("/notifications/stats", h.HandleGetStats)
	router.DELETE("/notifications/:id", h.HandleDeleteNotification)
}

// Package orchestrator implements the core notification state machine:
// idempotent intake, concurrent enrichment against the User and Template
// services, durable persistence, and broker publish.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/services/orchestrator/internal/cache"
	"example.com/backstage/services/orchestrator/internal/dto"
	"example.com/backstage/services/orchestrator/internal/metrics"
	"example.com/backstage/services/orchestrator/internal/models"
	"example.com/backstage/services/orchestrator/internal/repositories"
	"example.com/backstage/services/orchestrator/internal/search"
	"example.com/backstage/services/orchestrator/internal/tracing"

	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// enrichmentTimeout bounds the end-to-end orchestration run.
const enrichmentTimeout = 30 * time.Second

// userFetcher is satisfied by *clients.UserClient. Narrowed to the single
// method the orchestrator calls so tests can substitute a mock without
// standing up a real HTTP client.
type userFetcher interface {
	FetchUserPreference(ctx context.Context, userID string) (dto.HTTPResponse, error)
}

// templateFetcher is satisfied by *clients.TemplateClient.
type templateFetcher interface {
	FetchTemplateByID(ctx context.Context, templateCode string) (dto.HTTPResponse, error)
}

// statusCache is satisfied by *cache.RedisCache.
type statusCache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// publisher is satisfied by *broker.Gateway.
type publisher interface {
	PublishNotification(ctx context.Context, notif *models.Notification, enriched dto.EnrichedNotification) error
}

// notificationStore is satisfied by *repositories.NotificationRepository.
type notificationStore interface {
	Create(ctx context.Context, notif *models.Notification) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.Status) error
	UpdateEnrichedPayload(ctx context.Context, id uuid.UUID, payload models.JSONMap) error
	UpdateFailure(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) error
}

// eventStore is satisfied by *repositories.NotificationEventRepository.
type eventStore interface {
	CreateEventSimple(ctx context.Context, notificationID uuid.UUID, correlationID string, eventType models.EventType, channel models.Channel, eventData models.JSONMap) error
}

// auditIndexer is satisfied by *search.ElasticClient. Optional: a nil
// auditIndexer disables audit indexing entirely.
type auditIndexer interface {
	IndexEventAsync(event *models.NotificationEvent, notif *models.Notification)
}

// Orchestrator drives a single notification request through the state
// machine described by the design: pending -> enriching -> queued|failed.
type Orchestrator struct {
	logger         zerolog.Logger
	userClient     userFetcher
	templateClient templateFetcher
	cache          statusCache
	broker         publisher
	notifRepo      notificationStore
	eventRepo      eventStore
	elastic        auditIndexer // optional, nil disables audit indexing
	tracer         tracing.Tracer
	metrics        *metrics.Metrics // optional, nil disables step metrics
}

// New builds an Orchestrator from its collaborators. elastic is accepted as
// its concrete type rather than the auditIndexer interface so a nil client
// (search disabled) stores as a true nil interface value instead of a
// non-nil interface wrapping a nil pointer -- the classic Go nil-interface
// pitfall recordEvent's "o.elastic != nil" check would otherwise fall into.
func New(
	logger zerolog.Logger,
	userClient userFetcher,
	templateClient templateFetcher,
	cache statusCache,
	brokerGateway publisher,
	notifRepo notificationStore,
	eventRepo eventStore,
	elastic *search.ElasticClient,
	tracer tracing.Tracer,
	m *metrics.Metrics,
) *Orchestrator {
	o := &Orchestrator{
		logger:         logger,
		userClient:     userClient,
		templateClient: templateClient,
		cache:          cache,
		broker:         brokerGateway,
		notifRepo:      notifRepo,
		eventRepo:      eventRepo,
		tracer:         tracer,
		metrics:        m,
	}
	if elastic != nil {
		o.elastic = elastic
	}
	return o
}

// metricSuccess/metricError/metricTiming/metricCount are nil-safe wrappers
// around the optional metrics collector, so every call site below can
// instrument a step without a "if o.metrics != nil" guard of its own.
func (o *Orchestrator) metricSuccess(name string) {
	if o.metrics != nil {
		o.metrics.RecordSuccess(name)
	}
}

func (o *Orchestrator) metricError(name string) {
	if o.metrics != nil {
		o.metrics.RecordError(name)
	}
}

func (o *Orchestrator) metricTiming(name string, since time.Time) {
	if o.metrics != nil {
		o.metrics.RecordTimer(name, time.Since(since).Milliseconds())
	}
}

func (o *Orchestrator) metricCount(name string) {
	if o.metrics != nil {
		o.metrics.IncrementCounter(name)
	}
}

// EnrichAndPublish runs the full enrichment pipeline for one accepted
// request. It is meant to be invoked on a detached goroutine by the HTTP
// boundary after the 202 response has already been written; every error
// path here terminates the notification instead of propagating outward.
func (o *Orchestrator) EnrichAndPublish(ctx context.Context, req dto.NotificationRequest, correlationID, idempotencyKey string) {
	ctx, cancel := context.WithTimeout(ctx, enrichmentTimeout)
	defer cancel()

	txn := o.tracer.StartTransaction("enrich-and-publish")
	defer o.tracer.EndTransaction(txn)
	o.tracer.AddAttribute(txn, "correlation_id", correlationID)
	o.tracer.AddAttribute(txn, "channel", string(req.NotificationType))

	now := time.Now()
	notif := &models.Notification{
		ID:             uuid.New(),
		UserID:         req.UserID,
		TemplateCode:   req.TemplateCode,
		CorrelationID:  correlationID,
		IdempotencyKey: idempotencyKey,
		Channel:        req.NotificationType,
		Status:         models.StatusPending,
		Priority:       models.PriorityFromInt(req.Priority),
		Variables:      models.JSONMap(req.Variables),
		Metadata:       models.JSONMap(req.Metadata),
		RetryCount:     0,
		MaxRetries:     3,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	createSpan := o.tracer.StartSpan("create-notification", txn)
	err := o.notifRepo.Create(ctx, notif)
	createSpan.End()

	if err != nil {
		if errors.Is(err, repositories.ErrDuplicateIdempotencyKey) {
			// Another request already won the idempotency race. The
			// datastore's unique constraint is authoritative here; the row
			// it protects is the canonical result. No new row, no new
			// event, nothing to publish.
			o.metricCount("orchestrator.idempotency_check.duplicate")
			o.logger.Info().Str("idempotency_key", idempotencyKey).Msg("duplicate idempotency key, skipping enrichment")
			return
		}
		o.metricError("orchestrator.idempotency_check")
		o.tracer.RecordError(txn, err)
		o.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("failed to persist notification")
		o.storeStatusSnapshot(ctx, correlationID, "failed", err.Error())
		return
	}
	o.metricSuccess("orchestrator.idempotency_check")

	o.recordEvent(ctx, notif.ID, correlationID, models.EventCreated, notif.Channel, models.JSONMap{
		"channel":  string(notif.Channel),
		"priority": string(notif.Priority),
	}, notif)

	o.runEnrichment(ctx, txn, notif, req, now)
}

// RetryExisting re-runs enrichment for a notification that already has a
// row -- the pending-recovery and failed-retry background jobs use this
// instead of EnrichAndPublish, since that path's Create call would just
// collide with the existing row's own idempotency key and abort as a
// duplicate.
func (o *Orchestrator) RetryExisting(ctx context.Context, notif *models.Notification) {
	ctx, cancel := context.WithTimeout(ctx, enrichmentTimeout)
	defer cancel()

	txn := o.tracer.StartTransaction("retry-notification")
	defer o.tracer.EndTransaction(txn)
	o.tracer.AddAttribute(txn, "correlation_id", notif.CorrelationID)
	o.tracer.AddAttribute(txn, "channel", string(notif.Channel))

	req := dto.NotificationRequest{
		NotificationType: notif.Channel,
		UserID:           notif.UserID,
		TemplateCode:     notif.TemplateCode,
		Variables:        notif.Variables,
		Metadata:         notif.Metadata,
	}

	o.runEnrichment(ctx, txn, notif, req, notif.CreatedAt)
}

// runEnrichment carries an already-persisted notification through
// enriching -> queued|failed. Both a fresh intake and a retry of an
// existing row converge here once the row itself exists.
func (o *Orchestrator) runEnrichment(ctx context.Context, txn *newrelic.Transaction, notif *models.Notification, req dto.NotificationRequest, createdAt time.Time) {
	correlationID := notif.CorrelationID
	idempotencyKey := notif.IdempotencyKey

	if err := o.notifRepo.UpdateStatus(ctx, notif.ID, models.StatusEnriching); err != nil {
		o.tracer.RecordError(txn, err)
		o.logger.Error().Err(err).Msg("failed to transition notification to enriching")
	}

	fetchStart := time.Now()
	userResp, templateResp, err := o.fetchConcurrently(ctx, req.UserID, req.TemplateCode)
	o.metricTiming("orchestrator.user_template_fetch", fetchStart)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		o.metricError("orchestrator.user_template_fetch")
		message := "enrichment deadline exceeded"
		if errors.Is(err, context.Canceled) {
			message = "enrichment cancelled"
		}
		// ctx is already done, so the failure is recorded under a fresh
		// short-lived context that keeps ctx's values but not its cancellation.
		failCtx, failCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer failCancel()
		o.fail(failCtx, txn, notif, models.ErrCodeTimeout, message, "timeout")
		return
	}

	if userResp == nil || !userResp.Success {
		o.metricError("orchestrator.user_template_fetch")
		o.fail(ctx, txn, notif, models.ErrCodeUserFetchError, responseErrorMessage(userResp), "user_fetch")
		return
	}
	if templateResp == nil || !templateResp.Success {
		o.metricError("orchestrator.user_template_fetch")
		o.fail(ctx, txn, notif, models.ErrCodeTemplateFetchError, responseErrorMessage(templateResp), "template_fetch")
		return
	}
	o.metricSuccess("orchestrator.user_template_fetch")

	var userPrefs dto.UserPreferenceData
	if err := remarshal(userResp.Data, &userPrefs); err != nil {
		o.fail(ctx, txn, notif, models.ErrCodeParseError, "invalid user data format", "user_parse")
		return
	}

	var template dto.TemplateData
	if err := remarshal(templateResp.Data, &template); err != nil {
		o.fail(ctx, txn, notif, models.ErrCodeParseError, "invalid template format", "template_parse")
		return
	}

	if !userPrefs.AllowsChannel(notif.Channel) {
		o.fail(ctx, txn, notif, models.ErrCodeUserFetchError, fmt.Sprintf("user has not opted into channel %s", notif.Channel), "user_opt_out")
		return
	}
	if !template.IsActive || !template.SupportsChannel(notif.Channel) {
		o.fail(ctx, txn, notif, models.ErrCodeTemplateFetchError, "template inactive or missing requested channel", "template_inactive")
		return
	}
	version, ok := template.LatestVersion()
	if !ok {
		o.fail(ctx, txn, notif, models.ErrCodeTemplateFetchError, "template has no active version", "template_version")
		return
	}

	enrichedPayload := models.JSONMap{
		"user_preferences": userPrefs,
		"template":         version,
		"variables":        req.Variables,
	}

	persistStart := time.Now()
	payloadSpan := o.tracer.StartSpan("persist-enriched-payload", txn)
	if err := o.notifRepo.UpdateEnrichedPayload(ctx, notif.ID, enrichedPayload); err != nil {
		payloadSpan.End()
		o.metricTiming("orchestrator.persistence", persistStart)
		o.metricError("orchestrator.persistence")
		o.tracer.RecordError(txn, err)
		// A row must never sit in queued/sent/delivered with a null
		// enriched_payload, so a persist failure here fails the attempt
		// instead of continuing on to publish.
		o.fail(ctx, txn, notif, models.ErrCodePersistError, err.Error(), "enriched_payload_persist")
		return
	}
	payloadSpan.End()
	o.metricTiming("orchestrator.persistence", persistStart)
	o.metricSuccess("orchestrator.persistence")

	o.recordEvent(ctx, notif.ID, correlationID, models.EventEnriched, notif.Channel, nil, notif)

	enriched := dto.EnrichedNotification{
		NotificationID:  notif.ID.String(),
		CorrelationID:   correlationID,
		IdempotencyKey:  idempotencyKey,
		UserID:          req.UserID,
		TemplateCode:    req.TemplateCode,
		Channel:         notif.Channel,
		Priority:        notif.Priority,
		UserPreferences: userPrefs,
		Template:        version,
		Variables:       req.Variables,
		Metadata:        req.Metadata,
		CreatedAt:       createdAt,
	}

	publishStart := time.Now()
	publishSpan := o.tracer.StartSpan("publish-notification", txn)
	err = o.broker.PublishNotification(ctx, notif, enriched)
	publishSpan.End()
	o.metricTiming("orchestrator.publish", publishStart)

	if err != nil {
		o.metricError("orchestrator.publish")
		o.fail(ctx, txn, notif, models.ErrCodeQueueError, err.Error(), "queue_publish")
		return
	}
	o.metricSuccess("orchestrator.publish")

	if err := o.notifRepo.UpdateStatus(ctx, notif.ID, models.StatusQueued); err != nil {
		o.tracer.RecordError(txn, err)
		o.logger.Error().Err(err).Msg("failed to transition notification to queued")
	}

	o.recordEvent(ctx, notif.ID, correlationID, models.EventQueued, notif.Channel, nil, notif)
	o.storeStatusSnapshot(ctx, correlationID, "queued", "")
}

// fetchConcurrently runs the two remote enrichment calls in parallel and
// waits for both, regardless of whether one fails first -- the join must
// never short-circuit on the first error, since either response is needed
// to select the correct error code.
func (o *Orchestrator) fetchConcurrently(ctx context.Context, userID, templateCode string) (userResp, templateResp *dto.HTTPResponse, err error) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		resp, fetchErr := o.userClient.FetchUserPreference(gctx, userID)
		if fetchErr == nil {
			userResp = &resp
		} else {
			userResp = &dto.HTTPResponse{Success: false, Error: fetchErr.Error()}
		}
		return nil
	})

	g.Go(func() error {
		resp, fetchErr := o.templateClient.FetchTemplateByID(gctx, templateCode)
		if fetchErr == nil {
			templateResp = &resp
		} else {
			templateResp = &dto.HTTPResponse{Success: false, Error: fetchErr.Error()}
		}
		return nil
	})

	_ = g.Wait()

	if ctx.Err() != nil {
		return userResp, templateResp, ctx.Err()
	}

	return userResp, templateResp, nil
}

// fail transitions a notification to failed, appends the corresponding
// event, and snapshots the cache -- the single terminal path every
// enrichment error funnels through.
func (o *Orchestrator) fail(ctx context.Context, txn *newrelic.Transaction, notif *models.Notification, code, message, stage string) {
	o.tracer.AddAttribute(txn, "error_code", code)

	if err := o.notifRepo.UpdateFailure(ctx, notif.ID, code, message); err != nil {
		o.logger.Error().Err(err).Str("notification_id", notif.ID.String()).Msg("failed to record notification failure")
	}

	o.recordEvent(ctx, notif.ID, notif.CorrelationID, models.EventFailed, notif.Channel, models.JSONMap{
		"error": message,
		"stage": stage,
	}, notif)

	o.storeStatusSnapshot(ctx, notif.CorrelationID, "failed", message)
}

// recordEvent appends an audit-log entry and, when a search index is
// configured, mirrors it there asynchronously and best-effort.
func (o *Orchestrator) recordEvent(ctx context.Context, notificationID uuid.UUID, correlationID string, eventType models.EventType, channel models.Channel, data models.JSONMap, notif *models.Notification) {
	if err := o.eventRepo.CreateEventSimple(ctx, notificationID, correlationID, eventType, channel, data); err != nil {
		o.logger.Warn().Err(err).Str("notification_id", notificationID.String()).Str("event_type", string(eventType)).Msg("failed to record notification event")
		return
	}

	if o.elastic != nil {
		o.elastic.IndexEventAsync(&models.NotificationEvent{
			ID:             uuid.New(),
			NotificationID: notificationID,
			CorrelationID:  correlationID,
			EventType:      eventType,
			Channel:        channel,
			EventData:      data,
			EventAt:        time.Now(),
		}, notif)
	}
}

// storeStatusSnapshot writes the cache-backed async status surface. Cache
// failures here are logged, not fatal: they never change the notification's
// authoritative (datastore) status.
func (o *Orchestrator) storeStatusSnapshot(ctx context.Context, correlationID, status, errMsg string) {
	if o.cache == nil {
		return
	}
	snapshot := dto.StatusSnapshot{
		Status:    status,
		Error:     errMsg,
		UpdatedAt: time.Now(),
	}
	key := cache.NotificationStatusCacheKey(correlationID)
	if err := o.cache.Set(ctx, key, snapshot, cache.StatusTTL); err != nil {
		o.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("failed to write status snapshot to cache")
	}
}

// remarshal is the escape hatch for decoding a dto.HTTPResponse's opaque
// Data field into a concrete struct, matching how the loosely-typed remote
// service envelope is narrowed at the point of use.
func remarshal(data interface{}, target interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "failed to marshal response data")
	}
	if err := json.Unmarshal(b, target); err != nil {
		return errors.Wrap(err, "failed to unmarshal response data")
	}
	return nil
}

func responseErrorMessage(resp *dto.HTTPResponse) string {
	if resp == nil {
		return "no response received"
	}
	if resp.Error != "" {
		return resp.Error
	}
	if resp.Message != "" {
		return resp.Message
	}
	return "remote service reported failure"
}

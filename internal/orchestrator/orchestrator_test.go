package orchestrator

import (
	"context"
	"testing"
	"time"

	"example.com/backstage/services/orchestrator/internal/dto"
	"example.com/backstage/services/orchestrator/internal/models"
	"example.com/backstage/services/orchestrator/internal/repositories"

	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
)

// mockUserClient, mockTemplateClient, mockCache, mockBroker, mockNotifRepo
// and mockEventRepo satisfy the orchestrator package's narrow collaborator
// interfaces via mock.Mock, following this codebase's own mock-repository
// test style.

type mockUserClient struct{ mock.Mock }

func (m *mockUserClient) FetchUserPreference(ctx context.Context, userID string) (dto.HTTPResponse, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(dto.HTTPResponse), args.Error(1)
}

type mockTemplateClient struct{ mock.Mock }

func (m *mockTemplateClient) FetchTemplateByID(ctx context.Context, templateCode string) (dto.HTTPResponse, error) {
	args := m.Called(ctx, templateCode)
	return args.Get(0).(dto.HTTPResponse), args.Error(1)
}

type mockCache struct{ mock.Mock }

func (m *mockCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	args := m.Called(ctx, key, value, expiration)
	return args.Error(0)
}

type mockBroker struct{ mock.Mock }

func (m *mockBroker) PublishNotification(ctx context.Context, notif *models.Notification, enriched dto.EnrichedNotification) error {
	args := m.Called(ctx, notif, enriched)
	return args.Error(0)
}

type mockNotifRepo struct{ mock.Mock }

func (m *mockNotifRepo) Create(ctx context.Context, notif *models.Notification) error {
	args := m.Called(ctx, notif)
	return args.Error(0)
}

func (m *mockNotifRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status models.Status) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *mockNotifRepo) UpdateEnrichedPayload(ctx context.Context, id uuid.UUID, payload models.JSONMap) error {
	args := m.Called(ctx, id, payload)
	return args.Error(0)
}

func (m *mockNotifRepo) UpdateFailure(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) error {
	args := m.Called(ctx, id, errorCode, errorMessage)
	return args.Error(0)
}

type mockEventRepo struct{ mock.Mock }

func (m *mockEventRepo) CreateEventSimple(ctx context.Context, notificationID uuid.UUID, correlationID string, eventType models.EventType, channel models.Channel, eventData models.JSONMap) error {
	args := m.Called(ctx, notificationID, correlationID, eventType, channel, eventData)
	return args.Error(0)
}

// fakeTracer is a no-op Tracer. newrelic.Transaction and newrelic.Segment
// both document that their methods are safe to call on a zero-value
// pointer, so a fake never needs a real Application behind it.
type fakeTracer struct{}

func (fakeTracer) StartTransaction(name string) *newrelic.Transaction { return &newrelic.Transaction{} }
func (fakeTracer) StartSpan(name string, txn *newrelic.Transaction) *newrelic.Segment {
	return &newrelic.Segment{}
}
func (fakeTracer) EndTransaction(txn *newrelic.Transaction) {}
func (fakeTracer) StartExternalSegment(txn *newrelic.Transaction, req *newrelic.ExternalSegment) *newrelic.ExternalSegment {
	return req
}
func (fakeTracer) RecordError(txn *newrelic.Transaction, err error)              {}
func (fakeTracer) AddAttribute(txn *newrelic.Transaction, key string, value interface{}) {}
func (fakeTracer) Close()                                                        {}

func newTestOrchestrator(notifRepo notificationStore, eventRepo eventStore, userClient userFetcher, templateClient templateFetcher, brokerGateway publisher, c statusCache) *Orchestrator {
	return &Orchestrator{
		logger:         zerolog.Nop(),
		userClient:     userClient,
		templateClient: templateClient,
		cache:          c,
		broker:         brokerGateway,
		notifRepo:      notifRepo,
		eventRepo:      eventRepo,
		elastic:        nil,
		tracer:         fakeTracer{},
	}
}

func successfulUserResponse() dto.HTTPResponse {
	return dto.HTTPResponse{Success: true, Data: dto.UserPreferenceData{EmailOptIn: true, PushOptIn: true, DailyLimit: 100, Language: "en"}}
}

func successfulTemplateResponse() dto.HTTPResponse {
	return dto.HTTPResponse{Success: true, Data: dto.TemplateData{
		ID:       "t-1",
		IsActive: true,
		Channel:  []string{"email", "push"},
		Versions: []dto.TemplateVersion{{Version: 1, Subject: "Hi", Body: "Hello {{name}}"}},
	}}
}

func TestEnrichAndPublishHappyPath(t *testing.T) {
	userClient := new(mockUserClient)
	templateClient := new(mockTemplateClient)
	notifRepo := new(mockNotifRepo)
	eventRepo := new(mockEventRepo)
	brokerGateway := new(mockBroker)
	c := new(mockCache)

	userClient.On("FetchUserPreference", mock.Anything, "u-1").Return(successfulUserResponse(), nil)
	templateClient.On("FetchTemplateByID", mock.Anything, "t-1").Return(successfulTemplateResponse(), nil)
	notifRepo.On("Create", mock.Anything, mock.AnythingOfType("*models.Notification")).Return(nil)
	notifRepo.On("UpdateStatus", mock.Anything, mock.Anything, models.StatusEnriching).Return(nil)
	notifRepo.On("UpdateStatus", mock.Anything, mock.Anything, models.StatusQueued).Return(nil)
	notifRepo.On("UpdateEnrichedPayload", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	eventRepo.On("CreateEventSimple", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	brokerGateway.On("PublishNotification", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	c.On("Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	o := newTestOrchestrator(notifRepo, eventRepo, userClient, templateClient, brokerGateway, c)

	req := dto.NotificationRequest{
		NotificationType: models.ChannelEmail,
		UserID:           "u-1",
		TemplateCode:     "t-1",
		Variables:        map[string]interface{}{"name": "A"},
	}

	o.EnrichAndPublish(context.Background(), req, "corr-1", "idem-1")

	notifRepo.AssertCalled(t, "UpdateStatus", mock.Anything, mock.Anything, models.StatusQueued)
	brokerGateway.AssertExpectations(t)
}

func TestEnrichAndPublishDuplicateIdempotencyKeySkipsEnrichment(t *testing.T) {
	userClient := new(mockUserClient)
	templateClient := new(mockTemplateClient)
	notifRepo := new(mockNotifRepo)
	eventRepo := new(mockEventRepo)
	brokerGateway := new(mockBroker)
	c := new(mockCache)

	notifRepo.On("Create", mock.Anything, mock.AnythingOfType("*models.Notification")).Return(repositories.ErrDuplicateIdempotencyKey)

	o := newTestOrchestrator(notifRepo, eventRepo, userClient, templateClient, brokerGateway, c)

	req := dto.NotificationRequest{NotificationType: models.ChannelEmail, UserID: "u-1", TemplateCode: "t-1"}
	o.EnrichAndPublish(context.Background(), req, "corr-1", "idem-1")

	userClient.AssertNotCalled(t, "FetchUserPreference", mock.Anything, mock.Anything)
	templateClient.AssertNotCalled(t, "FetchTemplateByID", mock.Anything, mock.Anything)
	brokerGateway.AssertNotCalled(t, "PublishNotification", mock.Anything, mock.Anything, mock.Anything)
	eventRepo.AssertNotCalled(t, "CreateEventSimple", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEnrichAndPublishUserFetchFailureMarksFailed(t *testing.T) {
	userClient := new(mockUserClient)
	templateClient := new(mockTemplateClient)
	notifRepo := new(mockNotifRepo)
	eventRepo := new(mockEventRepo)
	brokerGateway := new(mockBroker)
	c := new(mockCache)

	userClient.On("FetchUserPreference", mock.Anything, "u-1").Return(dto.HTTPResponse{Success: false, Error: "not found"}, nil)
	templateClient.On("FetchTemplateByID", mock.Anything, "t-1").Return(successfulTemplateResponse(), nil)
	notifRepo.On("Create", mock.Anything, mock.AnythingOfType("*models.Notification")).Return(nil)
	notifRepo.On("UpdateStatus", mock.Anything, mock.Anything, models.StatusEnriching).Return(nil)
	notifRepo.On("UpdateFailure", mock.Anything, mock.Anything, models.ErrCodeUserFetchError, "not found").Return(nil)
	eventRepo.On("CreateEventSimple", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	c.On("Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	o := newTestOrchestrator(notifRepo, eventRepo, userClient, templateClient, brokerGateway, c)

	req := dto.NotificationRequest{NotificationType: models.ChannelEmail, UserID: "u-1", TemplateCode: "t-1"}
	o.EnrichAndPublish(context.Background(), req, "corr-1", "idem-1")

	notifRepo.AssertCalled(t, "UpdateFailure", mock.Anything, mock.Anything, models.ErrCodeUserFetchError, "not found")
	brokerGateway.AssertNotCalled(t, "PublishNotification", mock.Anything, mock.Anything, mock.Anything)
}

func TestEnrichAndPublishBrokerFailureMarksQueueError(t *testing.T) {
	userClient := new(mockUserClient)
	templateClient := new(mockTemplateClient)
	notifRepo := new(mockNotifRepo)
	eventRepo := new(mockEventRepo)
	brokerGateway := new(mockBroker)
	c := new(mockCache)

	userClient.On("FetchUserPreference", mock.Anything, "u-1").Return(successfulUserResponse(), nil)
	templateClient.On("FetchTemplateByID", mock.Anything, "t-1").Return(successfulTemplateResponse(), nil)
	notifRepo.On("Create", mock.Anything, mock.AnythingOfType("*models.Notification")).Return(nil)
	notifRepo.On("UpdateStatus", mock.Anything, mock.Anything, models.StatusEnriching).Return(nil)
	notifRepo.On("UpdateEnrichedPayload", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	notifRepo.On("UpdateFailure", mock.Anything, mock.Anything, models.ErrCodeQueueError, mock.Anything).Return(nil)
	eventRepo.On("CreateEventSimple", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	brokerGateway.On("PublishNotification", mock.Anything, mock.Anything, mock.Anything).Return(assertError{"broker unavailable"})
	c.On("Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	o := newTestOrchestrator(notifRepo, eventRepo, userClient, templateClient, brokerGateway, c)

	req := dto.NotificationRequest{NotificationType: models.ChannelEmail, UserID: "u-1", TemplateCode: "t-1"}
	o.EnrichAndPublish(context.Background(), req, "corr-1", "idem-1")

	notifRepo.AssertCalled(t, "UpdateFailure", mock.Anything, mock.Anything, models.ErrCodeQueueError, mock.Anything)
}

func TestEnrichAndPublishPersistFailureNeverPublishes(t *testing.T) {
	userClient := new(mockUserClient)
	templateClient := new(mockTemplateClient)
	notifRepo := new(mockNotifRepo)
	eventRepo := new(mockEventRepo)
	brokerGateway := new(mockBroker)
	c := new(mockCache)

	userClient.On("FetchUserPreference", mock.Anything, "u-1").Return(successfulUserResponse(), nil)
	templateClient.On("FetchTemplateByID", mock.Anything, "t-1").Return(successfulTemplateResponse(), nil)
	notifRepo.On("Create", mock.Anything, mock.AnythingOfType("*models.Notification")).Return(nil)
	notifRepo.On("UpdateStatus", mock.Anything, mock.Anything, models.StatusEnriching).Return(nil)
	notifRepo.On("UpdateEnrichedPayload", mock.Anything, mock.Anything, mock.Anything).Return(assertError{"write conflict"})
	notifRepo.On("UpdateFailure", mock.Anything, mock.Anything, models.ErrCodePersistError, mock.Anything).Return(nil)
	eventRepo.On("CreateEventSimple", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	c.On("Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	o := newTestOrchestrator(notifRepo, eventRepo, userClient, templateClient, brokerGateway, c)

	req := dto.NotificationRequest{NotificationType: models.ChannelEmail, UserID: "u-1", TemplateCode: "t-1"}
	o.EnrichAndPublish(context.Background(), req, "corr-1", "idem-1")

	notifRepo.AssertCalled(t, "UpdateFailure", mock.Anything, mock.Anything, models.ErrCodePersistError, mock.Anything)
	notifRepo.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, models.StatusQueued)
	brokerGateway.AssertNotCalled(t, "PublishNotification", mock.Anything, mock.Anything, mock.Anything)
}

func TestRetryExistingReusesRowWithoutCreate(t *testing.T) {
	userClient := new(mockUserClient)
	templateClient := new(mockTemplateClient)
	notifRepo := new(mockNotifRepo)
	eventRepo := new(mockEventRepo)
	brokerGateway := new(mockBroker)
	c := new(mockCache)

	userClient.On("FetchUserPreference", mock.Anything, "u-1").Return(successfulUserResponse(), nil)
	templateClient.On("FetchTemplateByID", mock.Anything, "t-1").Return(successfulTemplateResponse(), nil)
	notifRepo.On("UpdateStatus", mock.Anything, mock.Anything, models.StatusEnriching).Return(nil)
	notifRepo.On("UpdateStatus", mock.Anything, mock.Anything, models.StatusQueued).Return(nil)
	notifRepo.On("UpdateEnrichedPayload", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	eventRepo.On("CreateEventSimple", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	brokerGateway.On("PublishNotification", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	c.On("Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	o := newTestOrchestrator(notifRepo, eventRepo, userClient, templateClient, brokerGateway, c)

	notif := &models.Notification{
		ID:             uuid.New(),
		UserID:         "u-1",
		TemplateCode:   "t-1",
		CorrelationID:  "corr-1",
		IdempotencyKey: "idem-1",
		Channel:        models.ChannelEmail,
		Status:         models.StatusFailed,
		CreatedAt:      time.Now().Add(-time.Hour),
	}

	o.RetryExisting(context.Background(), notif)

	notifRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	notifRepo.AssertCalled(t, "UpdateStatus", mock.Anything, notif.ID, models.StatusQueued)
}

// assertError is a minimal error implementation so tests don't need to pull
// in errors.New for a single throwaway failure message.
type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

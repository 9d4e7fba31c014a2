package handlers

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/stretchr/testify/require"
)

// fakeTracer is a no-op tracing.Tracer. newrelic.Transaction and
// newrelic.Segment document that their methods are safe to call on a
// zero-value pointer, so nothing here needs a real Application.
type fakeTracer struct{}

func (fakeTracer) StartTransaction(name string) *newrelic.Transaction { return &newrelic.Transaction{} }
func (fakeTracer) StartSpan(name string, txn *newrelic.Transaction) *newrelic.Segment {
	return &newrelic.Segment{}
}
func (fakeTracer) EndTransaction(txn *newrelic.Transaction) {}
func (fakeTracer) StartExternalSegment(txn *newrelic.Transaction, req *newrelic.ExternalSegment) *newrelic.ExternalSegment {
	return req
}
func (fakeTracer) RecordError(txn *newrelic.Transaction, err error)                     {}
func (fakeTracer) AddAttribute(txn *newrelic.Transaction, key string, value interface{}) {}
func (fakeTracer) Close()                                                               {}

func init() {
	gin.SetMode(gin.TestMode)
}

// The handler's validation and body-decoding failures return before ever
// touching the orchestrator, repositories, or cache, so a handler wired
// with nil collaborators is sufficient to exercise them.
func newValidationOnlyHandler() *NotificationHandler {
	return NewNotificationHandler(nil, nil, nil, nil, fakeTracer{})
}

func TestHandleCreateNotificationRejectsMalformedBody(t *testing.T) {
	h := newValidationOnlyHandler()
	router := gin.New()
	router.POST("/notification", h.HandleCreateNotification)

	req := httptest.NewRequest(http.MethodPost, "/notification", bytes.NewBufferString("not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCreateNotificationRejectsUnknownChannel(t *testing.T) {
	h := newValidationOnlyHandler()
	router := gin.New()
	router.POST("/notification", h.HandleCreateNotification)

	body := `{"notification_type":"sms","user_id":"u-1","template_code":"t-1"}`
	req := httptest.NewRequest(http.MethodPost, "/notification", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "VALIDATION_ERROR")
}

func TestHandleCreateNotificationRejectsMissingUserID(t *testing.T) {
	h := newValidationOnlyHandler()
	router := gin.New()
	router.POST("/notification", h.HandleCreateNotification)

	body := `{"notification_type":"email","template_code":"t-1"}`
	req := httptest.NewRequest(http.MethodPost, "/notification", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCreateNotificationRejectsMissingIdempotencyKey(t *testing.T) {
	h := newValidationOnlyHandler()
	router := gin.New()
	router.POST("/notification", h.HandleCreateNotification)

	body := `{"notification_type":"email","user_id":"u-1","template_code":"t-1"}`
	req := httptest.NewRequest(http.MethodPost, "/notification", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "VALIDATION_ERROR")
	require.Contains(t, w.Body.String(), "X-Idempotency-Key")
}

func TestHandleGetNotificationEventsRejectsInvalidID(t *testing.T) {
	h := newValidationOnlyHandler()
	router := gin.New()
	router.GET("/notifications/:id/events", h.HandleGetNotificationEvents)

	req := httptest.NewRequest(http.MethodGet, "/notifications/not-a-uuid/events", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleDeleteNotificationRejectsInvalidID(t *testing.T) {
	h := newValidationOnlyHandler()
	router := gin.New()
	router.DELETE("/notifications/:id", h.HandleDeleteNotification)

	req := httptest.NewRequest(http.MethodDelete, "/notifications/not-a-uuid", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

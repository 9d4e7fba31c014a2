package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"example.com/backstage/services/orchestrator/config"
	"example.com/backstage/services/orchestrator/internal/cache"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestHandleGetHealthReports503WhenDatabaseUnset(t *testing.T) {
	h := NewHealthHandler(nil, nil, nil, fakeTracer{})
	router := gin.New()
	router.GET("/health", h.HandleGetHealth)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), `"status":"unhealthy"`)
	require.Contains(t, w.Body.String(), `"database":{"status":"unhealthy"`)
}

func TestHandleGetHealthTreatsDisabledCacheAsHealthy(t *testing.T) {
	disabled, err := cache.NewRedisCache(config.RedisConfig{Enabled: false})
	require.NoError(t, err)
	h := NewHealthHandler(nil, disabled, nil, fakeTracer{})
	router := gin.New()
	router.GET("/health", h.HandleGetHealth)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Contains(t, w.Body.String(), `"redis":{"status":"healthy"`)
}

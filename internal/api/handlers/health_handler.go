package handlers

import (
	"context"
	"net/http"
	"time"

	"example.com/backstage/services/orchestrator/internal/cache"
	"example.com/backstage/services/orchestrator/internal/metrics"
	"example.com/backstage/services/orchestrator/internal/tracing"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// pingTimeout bounds each dependency check the health endpoint performs.
const pingTimeout = 5 * time.Second

// HealthHandler reports liveness of the orchestrator and its dependencies.
type HealthHandler struct {
	db      *gorm.DB
	cache   *cache.RedisCache
	metrics *metrics.Metrics
	tracer  tracing.Tracer
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db *gorm.DB, cache *cache.RedisCache, m *metrics.Metrics, tracer tracing.Tracer) *HealthHandler {
	return &HealthHandler{db: db, cache: cache, metrics: m, tracer: tracer}
}

// dependencyCheck reports one dependency's health the way this codebase's
// health handlers always have: a status string, how long the ping took, and
// the failure reason when unhealthy.
type dependencyCheck struct {
	Status       string `json:"status"`
	ResponseTime string `json:"response_time"`
	Error        string `json:"error,omitempty"`
}

// HandleGetHealth pings the datastore and cache with a bounded timeout and
// returns 503 if either fails, per this service's operational contract:
// unlike a shallow "process is up" check, this reflects whether the
// orchestrator can actually do its job.
func (h *HealthHandler) HandleGetHealth(c *gin.Context) {
	checks := map[string]dependencyCheck{}

	dbCtx, dbCancel := context.WithTimeout(c.Request.Context(), pingTimeout)
	defer dbCancel()
	dbCheck, dbHealthy := h.pingDatabase(dbCtx)
	checks["database"] = dbCheck
	if h.metrics != nil {
		h.metrics.SetHealth("database", dbHealthy)
	}

	cacheCtx, cacheCancel := context.WithTimeout(c.Request.Context(), pingTimeout)
	defer cacheCancel()
	cacheCheck, cacheHealthy := h.pingCache(cacheCtx)
	checks["redis"] = cacheCheck
	if h.metrics != nil {
		h.metrics.SetHealth("cache", cacheHealthy)
	}

	healthy := dbHealthy && cacheHealthy

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status": status,
		"checks": checks,
	})
}

func (h *HealthHandler) pingDatabase(ctx context.Context) (dependencyCheck, bool) {
	start := time.Now()

	if h.db == nil {
		return dependencyCheck{Status: "unhealthy", ResponseTime: time.Since(start).String(), Error: "database not configured"}, false
	}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		return dependencyCheck{Status: "unhealthy", ResponseTime: time.Since(start).String(), Error: err.Error()}, false
	}
	return dependencyCheck{Status: "healthy", ResponseTime: time.Since(start).String()}, true
}

func (h *HealthHandler) pingCache(ctx context.Context) (dependencyCheck, bool) {
	start := time.Now()

	if h.cache == nil {
		// A cache turned off in config (RedisConfig.Enabled) is a non-nil
		// RedisCache whose Ping reports healthy. A nil cache means no cache
		// gateway could be built, e.g. Redis was unreachable at startup.
		return dependencyCheck{Status: "unhealthy", ResponseTime: time.Since(start).String(), Error: "cache not configured"}, false
	}
	if err := h.cache.Ping(ctx); err != nil {
		return dependencyCheck{Status: "unhealthy", ResponseTime: time.Since(start).String(), Error: err.Error()}, false
	}
	return dependencyCheck{Status: "healthy", ResponseTime: time.Since(start).String()}, true
}

// RegisterRoutes registers the handler's routes.
func (h *HealthHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.HandleGetHealth)
}

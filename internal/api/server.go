package api

import (
	"context"
	"net/http"
	"time"

	"example.com/backstage/services/orchestrator/config"
	"example.com/backstage/services/orchestrator/internal/api/handlers"
	"example.com/backstage/services/orchestrator/internal/cache"
	"example.com/backstage/services/orchestrator/internal/metrics"
	"example.com/backstage/services/orchestrator/internal/orchestrator"
	"example.com/backstage/services/orchestrator/internal/repositories"
	"example.com/backstage/services/orchestrator/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Server represents the HTTP server.
type Server struct {
	config     config.Config
	router     *gin.Engine
	httpServer *http.Server
	tracer     tracing.Tracer
}

// Dependencies bundles everything the HTTP boundary hands off to handlers.
type Dependencies struct {
	DB           *gorm.DB
	Orchestrator *orchestrator.Orchestrator
	NotifRepo    *repositories.NotificationRepository
	EventRepo    *repositories.NotificationEventRepository
	Cache        *cache.RedisCache
	Metrics      *metrics.Metrics
}

// NewServer creates a new HTTP server.
func NewServer(cfg config.Config, deps Dependencies, tracer tracing.Tracer) *Server {
	server := &Server{
		config: cfg,
		tracer: tracer,
	}

	router := server.setupRouter(deps)
	server.router = router

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	server.httpServer = httpServer

	return server
}

// setupRouter configures the HTTP router.
func (s *Server) setupRouter(deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	if len(s.config.Server.CorsAllowedOrigins) > 0 {
		router.Use(corsMiddleware(s.config.Server.CorsAllowedOrigins))
	}

	notificationHandler := handlers.NewNotificationHandler(deps.Orchestrator, deps.NotifRepo, deps.EventRepo, deps.Cache, s.tracer)
	notificationHandler.RegisterRoutes(router)

	healthHandler := handlers.NewHealthHandler(deps.DB, deps.Cache, deps.Metrics, s.tracer)
	healthHandler.RegisterRoutes(router)

	if s.config.MetricsEnabled {
		metricsHandler := handlers.NewMetricsHandler(deps.Metrics, s.tracer)
		metricsHandler.RegisterRoutes(router)
	}

	return router
}

// corsMiddleware allows the configured origins for cross-origin requests
// from browser-based notification-status dashboards.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == origin {
				c.Header("Access-Control-Allow-Origin", allowed)
				break
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Idempotency-Key, X-Correlation-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Server.Address()).Msg("starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}

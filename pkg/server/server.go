package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"frameworks/crowsnest/pkg/config"
	"frameworks/crowsnest/pkg/logging"
	"frameworks/crowsnest/pkg/middleware"
	"frameworks/crowsnest/pkg/monitoring"
)

// Config represents server configuration
type Config struct {
	Port         string
	ServiceName  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns default server configuration for an already
// resolved port. Callers own env parsing so the listener and the rest of
// the wiring can never disagree about the port.
func DefaultConfig(serviceName, port string) Config {
	return Config{
		Port:         port,
		ServiceName:  serviceName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// StreamConfig returns server configuration for long-lived connections.
// Read/write timeouts stay zero so upgraded sockets are never reaped.
func StreamConfig(serviceName, port string) Config {
	return Config{
		Port:        port,
		ServiceName: serviceName,
	}
}

// SetupServiceRouter creates a Gin router with common middleware plus
// health, readiness and metrics endpoints
func SetupServiceRouter(logger logging.Logger, serviceName string, allowedOrigins []string, hc *monitoring.HealthChecker, mc *monitoring.MetricsCollector) *gin.Engine {
	// Set Gin mode based on environment
	if config.GetEnv("GIN_MODE", "debug") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add common middleware
	middleware.SetupCommonMiddleware(router, logger, allowedOrigins)
	router.Use(mc.MetricsMiddleware())

	// Liveness: process is up
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	// Readiness: all registered dependency checks pass
	router.GET("/ready", func(c *gin.Context) {
		health := hc.CheckHealth()
		if health.Status != monitoring.StatusHealthy {
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	// Prometheus metrics endpoint
	router.GET("/metrics", mc.Handler())

	return router
}

// SetupStreamRouter creates a minimal router for the streaming listener:
// recovery only, since upgraded sockets outlive any per-request middleware
// and origin policy is enforced in the upgrade handshake itself.
func SetupStreamRouter(logger logging.Logger) *gin.Engine {
	if config.GetEnv("GIN_MODE", "debug") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(logger))
	return router
}

// New builds an HTTP server for the given config and handler
func New(cfg Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// Start runs the server in a goroutine. Listen failures are fatal.
func Start(srv *http.Server, cfg Config, logger logging.Logger) {
	go func() {
		logger.WithFields(logging.Fields{
			"port":    cfg.Port,
			"service": cfg.ServiceName,
		}).Info("Starting HTTP server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()
}

// Shutdown gracefully stops all servers in parallel, honoring ctx's deadline
func Shutdown(ctx context.Context, servers ...*http.Server) error {
	var g errgroup.Group
	for _, srv := range servers {
		g.Go(func() error {
			return srv.Shutdown(ctx)
		})
	}
	return g.Wait()
}

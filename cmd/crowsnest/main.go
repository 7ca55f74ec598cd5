package main

import (
	"context"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"frameworks/crowsnest/internal/aggregate"
	"frameworks/crowsnest/internal/handlers"
	"frameworks/crowsnest/internal/ingest"
	"frameworks/crowsnest/internal/metrics"
	"frameworks/crowsnest/internal/store"
	"frameworks/crowsnest/internal/websocket"
	"frameworks/crowsnest/pkg/auth"
	"frameworks/crowsnest/pkg/config"
	"frameworks/crowsnest/pkg/database"
	"frameworks/crowsnest/pkg/logging"
	"frameworks/crowsnest/pkg/middleware"
	"frameworks/crowsnest/pkg/monitoring"
	"frameworks/crowsnest/pkg/server"
	"frameworks/crowsnest/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("crowsnest")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Crowsnest (analytics ingest and fan-out)")

	basePort := config.GetEnvInt("PORT", 4000)
	streamPort := basePort + 1
	jwtSecret := []byte(config.RequireEnv("JWT_SECRET"))
	allowedOrigins := config.GetEnvList("ALLOWED_ORIGINS")
	ttlDays := config.GetEnvInt("RAW_EVENTS_TTL_DAYS", 7)
	maxMsgBytes := config.GetEnvInt("MAX_MSG_BYTES", 32768)
	maxQueueBytes := config.GetEnvInt("SEND_QUEUE_MAX_BYTES", 1<<20)
	maxBodyBytes := config.GetEnvInt("MAX_BODY_BYTES", 1<<20)
	ratePerSec := config.GetEnvInt("RATE_LIMIT_PER_SEC", 100)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("crowsnest", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("crowsnest", version.Version, version.GitCommit)
	serviceMetrics := metrics.New(metricsCollector)

	// Connect to MongoDB; an unreachable backend at startup is fatal
	dbConfig := database.DefaultConfig()
	dbConfig.URI = config.RequireEnv("MONGODB_URI")
	dbConfig.Database = config.GetEnv("MONGODB_DB", dbConfig.Database)
	client := database.MustConnect(dbConfig, logger)

	eventStore := store.New(client, store.Config{
		Database:     dbConfig.Database,
		RawEventsTTL: time.Duration(ttlDays) * 24 * time.Hour,
	}, logger, serviceMetrics)

	indexCtx, cancelIndex := context.WithTimeout(context.Background(), 30*time.Second)
	if err := eventStore.EnsureIndexes(indexCtx); err != nil {
		cancelIndex()
		logger.WithError(err).Fatal("Failed to ensure indexes")
	}
	cancelIndex()

	healthChecker.AddCheck("mongodb", monitoring.MongoHealthCheck(eventStore))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"JWT_SECRET":  string(jwtSecret),
		"MONGODB_URI": dbConfig.URI,
	}))

	// Aggregator and bucket janitor
	agg := aggregate.New()
	janitor := aggregate.NewJanitor(agg, 5*time.Second, logger, serviceMetrics)
	janitor.Start()

	// Hub and ingestion pipeline
	hub := websocket.NewHub(websocket.Config{
		Logger:          logger,
		Metrics:         serviceMetrics,
		JWTSecret:       jwtSecret,
		AllowedOrigins:  allowedOrigins,
		MaxMessageBytes: int64(maxMsgBytes),
		MaxQueueBytes:   int64(maxQueueBytes),
	})
	pipeline := ingest.New(ingest.Config{
		Aggregator:  agg,
		Sink:        eventStore,
		Broadcaster: hub,
		Logger:      logger,
		Metrics:     serviceMetrics,
	})
	hub.AttachPipeline(pipeline)

	h := handlers.New(pipeline, hub, jwtSecret, logger, serviceMetrics)

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		Logger:    logger,
		PerSecond: ratePerSec,
	})

	// Request endpoint on PORT
	apiRouter := server.SetupServiceRouter(logger, "crowsnest", allowedOrigins, healthChecker, metricsCollector)
	apiRouter.GET("/token", h.Token)
	apiRouter.POST("/ingest",
		limiter.Middleware(),
		middleware.BodyLimitMiddleware(int64(maxBodyBytes)),
		auth.RequireAuth(jwtSecret),
		h.Ingest,
	)

	// Streaming endpoint on PORT+1
	wsRouter := server.SetupStreamRouter(logger)
	wsRouter.GET("/ws", h.WebSocket)

	apiConfig := server.DefaultConfig("crowsnest", strconv.Itoa(basePort))
	streamConfig := server.StreamConfig("crowsnest-ws", strconv.Itoa(streamPort))
	apiServer := server.New(apiConfig, apiRouter)
	streamServer := server.New(streamConfig, wsRouter)
	server.Start(apiServer, apiConfig, logger)
	server.Start(streamServer, streamConfig, logger)

	// Block until shutdown signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx, apiServer, streamServer); err != nil {
		logger.WithError(err).Warn("HTTP shutdown incomplete")
	}
	hub.Shutdown(shutdownCtx)
	janitor.Stop()
	limiter.Stop()
	if err := pipeline.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Abandoned in-flight persistence")
	}
	if err := eventStore.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("MongoDB disconnect failed")
	}

	logger.Info("Shutdown complete")
}

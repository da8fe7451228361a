package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"telecare-signaling/internal/config"
	"telecare-signaling/internal/database"
	signalingHandler "telecare-signaling/internal/handler/http/signaling"
	wsHandler "telecare-signaling/internal/handler/ws"
	"telecare-signaling/internal/middleware"
	redisRepo "telecare-signaling/internal/repository/redis"
	"telecare-signaling/internal/service/channel"
	"telecare-signaling/internal/service/eventstore"
	"telecare-signaling/pkg/jwt"
	"telecare-signaling/pkg/logger"
	"telecare-signaling/pkg/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(&cfg.Log); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 2. Event store backend
	var mailbox eventstore.Mailbox
	var redisDB *database.RedisClient
	switch cfg.Store.Backend {
	case config.StoreRedis:
		redisDB = database.NewRedisDB(&cfg.Redis, appMetrics)
		defer redisDB.Close()

		if err := redisDB.HealthCheck(ctx); err != nil {
			logger.Warn("Redis unreachable at startup, serving in degraded mode", zap.Error(err))
		} else {
			logger.Info("Connected to Redis",
				zap.String("host", cfg.Redis.Host),
				zap.Int("port", cfg.Redis.Port))
		}
		redisDB.StartHealthCheck(ctx, cfg.Store.HealthCheckInterval)
		mailbox = redisRepo.NewMailboxRepository(redisDB)
	default:
		mailbox = eventstore.NewMemoryMailbox()
	}

	// 3. Services
	store := eventstore.NewStore(mailbox, cfg.Store.Retention, nil, appMetrics)
	tracker := channel.NewTracker(nil, appMetrics)

	// 4. Bearer verification; presence-only without a secret
	var jwtManager *jwt.JWTManager
	if cfg.JWT.Secret != "" {
		jwtManager = jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)
	} else {
		logger.Warn("JWT_SECRET not set, bearer tokens are checked for presence only")
	}

	// 5. Handlers
	signalingHdlr := signalingHandler.NewHandler(store, tracker)
	hub := wsHandler.NewSignalingHub(store, wsHandler.HubConfig{
		MaxConnections: cfg.WebSocket.MaxConnections,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PingInterval:   cfg.WebSocket.PingInterval,
		Metrics:        appMetrics,
	})
	defer hub.Close()

	// 6. Router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	var healthChecks []func() (string, bool)
	if redisDB != nil {
		healthChecks = append(healthChecks, func() (string, bool) { return "redis", !redisDB.IsDegraded() })
	}

	router.Use(middleware.Recovery())
	router.Use(middleware.HealthCheck(cfg.Server.ServiceName, healthChecks...))
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	var limiter *middleware.RateLimiter
	api := router.Group("/api")
	if cfg.Server.RateLimitPerMin > 0 {
		limiter = middleware.NewRateLimiter(cfg.Server.RateLimitPerMin, time.Minute, nil)
		api.Use(limiter.Middleware())
	}
	signalingHdlr.RegisterChannel(api)

	authed := api.Group("")
	authed.Use(middleware.BearerAuth(jwtManager))
	signalingHdlr.Register(authed)

	v1 := router.Group("/v1/signaling")
	v1.Use(middleware.BearerAuth(jwtManager))
	v1.GET("/ws", hub.ServeWS)

	// 7. Run server and background jobs until a signal arrives
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Signaling service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("store", cfg.Store.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		stopCleanup := store.StartCleanup(cfg.Store.SweepInterval)
		defer stopCleanup()

		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if limiter != nil {
					limiter.Prune()
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		hub.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Signaling service stopped with error", zap.Error(err))
		return
	}
	logger.Info("Server exited")
}

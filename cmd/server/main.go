package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	appusage "github.com/apihub/backend/internal/application/usage"
	"github.com/apihub/backend/internal/domain/ratelimit"
	domainusage "github.com/apihub/backend/internal/domain/usage"
	"github.com/apihub/backend/internal/infrastructure/auth"
	"github.com/apihub/backend/internal/infrastructure/cache"
	"github.com/apihub/backend/internal/infrastructure/config"
	"github.com/apihub/backend/internal/infrastructure/logger"
	"github.com/apihub/backend/internal/infrastructure/persistence"
	"github.com/apihub/backend/internal/infrastructure/scheduler"
	"github.com/apihub/backend/internal/infrastructure/telemetry"
	"github.com/apihub/backend/internal/interfaces/http/handler"
	"github.com/apihub/backend/internal/interfaces/http/middleware"
	"github.com/apihub/backend/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

//	@title			API Hub Backend
//	@version		1.0
//	@description	Usage control plane for the API platform: per-request rate limiting, usage metering and daily aggregation.

//	@contact.name	API Support
//	@contact.url	https://github.com/apihub/backend

//	@host		localhost:8080
//	@BasePath	/api/v1

//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				Bearer token authentication. Format: "Bearer {token}"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	// Bridge logs to the OTEL collector alongside stdout when telemetry is on
	logsProvider, err := telemetry.NewLoggerProvider(context.Background(), telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Warn("Failed to initialize OTEL logs, continuing with stdout only", zap.Error(err))
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := logsProvider.Shutdown(ctx); err != nil {
				log.Error("Error shutting down logs provider", zap.Error(err))
			}
		}()
		if logsProvider.IsEnabled() {
			otelCore := telemetry.NewZapOTELCore(telemetry.ZapBridgeConfig{
				ServiceName:    cfg.Telemetry.ServiceName,
				LoggerProvider: logsProvider,
			})
			log = telemetry.NewBridgedLogger(log.Core(), otelCore)
		}
	}

	log.Info("Starting API Hub Backend",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	// Create GORM logger backed by zap
	gormLogLevel := logger.MapGormLogLevel(cfg.Log.Level)
	gormLog := logger.NewGormLogger(log, gormLogLevel)

	// Initialize database connection with custom logger
	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully")

	// Shared counter store (Redis). Rate limiting and usage metering both
	// count through it.
	counterStore, err := cache.NewRedisCounterStore(cache.RedisConfig{
		Host:      cfg.Redis.Host,
		Port:      cfg.Redis.Port,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		OpTimeout: cfg.Redis.OpTimeout,
	})
	if err != nil {
		log.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer func() {
		if err := counterStore.Close(); err != nil {
			log.Error("Error closing counter store", zap.Error(err))
		}
	}()
	log.Info("Counter store connected successfully")

	// Telemetry
	tracerProvider, err := telemetry.NewTracerProvider(context.Background(), telemetry.TracesConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(ctx); err != nil {
			log.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	meterProvider, err := telemetry.NewMeterProvider(context.Background(), telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.ExportInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(ctx); err != nil {
			log.Error("Error shutting down meter provider", zap.Error(err))
		}
	}()

	dbMetrics, err := telemetry.RegisterDBMetrics(db.DB, meterProvider, telemetry.DefaultDBMetricsConfig(), log)
	if err != nil {
		log.Warn("Failed to register database metrics", zap.Error(err))
	} else if dbMetrics != nil {
		dbMetrics.StartPoolStatsCollection(context.Background())
		defer dbMetrics.Stop()
	}

	var usageMetrics *telemetry.UsageMetrics
	if meterProvider.IsEnabled() {
		usageMetrics, err = telemetry.NewUsageMetrics(telemetry.UsageMetricsConfig{
			Meter:  meterProvider.Meter("apihub.usage"),
			Logger: log,
		})
		if err != nil {
			log.Fatal("Failed to create usage metrics", zap.Error(err))
		}
	}

	// Repositories
	usageRecordRepo := persistence.NewUsageRecordRepository(db.DB)

	// Rate limiting core
	limiter := ratelimit.NewLimiter(counterStore, log)
	if usageMetrics != nil {
		limiter = limiter.WithFailOpenHook(func(strategy ratelimit.Strategy) {
			usageMetrics.RecordFailOpen(context.Background(), string(strategy))
		})
	}

	tenantRules := make(map[string]ratelimit.Rule, len(cfg.Plans.Tenants))
	for tenantID, plan := range cfg.Plans.Tenants {
		tenantRules[tenantID] = ratelimit.Rule{Limit: plan.Limit, Window: plan.Window}
	}
	planLimits, err := ratelimit.NewStaticPlanLimits(
		ratelimit.Rule{Limit: cfg.Plans.DefaultLimit, Window: cfg.Plans.DefaultWindow},
		tenantRules,
	)
	if err != nil {
		log.Fatal("Invalid plan limits", zap.Error(err))
	}

	// Usage metering
	usageRecorder := domainusage.NewRecorder(counterStore, cfg.Usage.CounterTTL, log)
	if usageMetrics != nil {
		usageRecorder = usageRecorder.WithFailureHook(func(tenantID uuid.UUID, metric domainusage.MetricType, n int64) {
			usageMetrics.RecordUsageLost(context.Background(), tenantID, string(metric), n)
		})
	}

	// Aggregation job and scheduler
	aggregationService := appusage.NewAggregationService(counterStore, usageRecordRepo, log, appusage.AggregationConfig{
		BatchSize:  cfg.Aggregation.BatchSize,
		OpTimeout:  cfg.Aggregation.OpTimeout,
		MaxRetries: cfg.Aggregation.MaxRetries,
	})

	aggregationScheduler := scheduler.NewAggregationScheduler(aggregationService, log, scheduler.AggregationSchedulerConfig{
		Enabled:    cfg.Aggregation.Enabled,
		Interval:   cfg.Aggregation.Interval,
		RunTimeout: cfg.Aggregation.RunTimeout,
	})
	if cfg.Aggregation.Enabled {
		if err := aggregationScheduler.Start(context.Background()); err != nil {
			log.Fatal("Failed to start aggregation scheduler", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := aggregationScheduler.Stop(ctx); err != nil {
				log.Error("Error stopping aggregation scheduler", zap.Error(err))
			}
		}()
		log.Info("Aggregation scheduler started",
			zap.Duration("interval", cfg.Aggregation.Interval),
			zap.Duration("run_timeout", cfg.Aggregation.RunTimeout),
		)
	}

	summaryService, err := appusage.NewSummaryService(usageRecordRepo, cfg.Plans.UnitPrices, log)
	if err != nil {
		log.Fatal("Invalid unit prices", zap.Error(err))
	}

	// Identity resolution
	jwtService := auth.NewJWTService(cfg.JWT)

	// Token revocation shares the Redis instance with the counter store but
	// keeps its own pool, so a burst of blacklist lookups cannot starve
	// rate-limit counters.
	tokenBlacklist, err := auth.NewRedisTokenBlacklist(auth.RedisTokenBlacklistConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Fatal("Failed to connect to redis for token blacklist", zap.Error(err))
	}
	defer func() {
		if err := tokenBlacklist.Close(); err != nil {
			log.Error("Error closing token blacklist", zap.Error(err))
		}
	}()

	// HTTP handlers
	usageHandler := handler.NewUsageHandler(aggregationService, summaryService)
	authHandler := handler.NewAuthHandler(jwtService)
	systemHandler := handler.NewSystemHandler()

	// Set Gin mode based on environment
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	middleware.SetupValidator()

	engine := gin.New()

	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	// Middleware stack, outermost first:
	// RequestID -> Recovery -> Tracing -> Logger -> Metrics -> Security ->
	// CORS -> BodyLimit -> JWT -> RateLimit -> UsageRecording
	engine.Use(middleware.RequestID())
	engine.Use(logger.Recovery(log))

	// Tracing before the request logger so access log lines carry
	// trace_id/span_id of the server span.
	engine.Use(middleware.Tracing(middleware.TracingConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Enabled:     tracerProvider.IsEnabled(),
	}))

	engine.Use(logger.GinMiddleware(log))

	if meterProvider.IsEnabled() {
		engine.Use(middleware.HTTPMetrics(middleware.HTTPMetricsConfig{
			MeterProvider: meterProvider,
			ServiceName:   cfg.Telemetry.ServiceName,
			Enabled:       true,
		}))
	}

	engine.Use(middleware.Secure())

	corsConfig := middleware.CORSConfig{
		AllowOrigins:     cfg.HTTP.CORSAllowOrigins,
		AllowMethods:     cfg.HTTP.CORSAllowMethods,
		AllowHeaders:     cfg.HTTP.CORSAllowHeaders,
		ExposeHeaders:    []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	engine.Use(middleware.CORSWithConfig(corsConfig))

	engine.Use(middleware.BodyLimit(cfg.HTTP.MaxBodySize))

	// JWT before rate limiting so the tenant and credential strategies can
	// scope by verified identity
	jwtConfig := middleware.DefaultJWTConfig(jwtService)
	jwtConfig.TokenBlacklist = tokenBlacklist
	jwtConfig.Logger = log
	engine.Use(middleware.JWTAuthMiddlewareWithConfig(jwtConfig))

	if cfg.RateLimit.Enabled {
		rateLimitConfig := middleware.RateLimitConfig{
			Limiter:       limiter,
			Plans:         planLimits,
			SourceAddress: strategyRule(cfg.RateLimit.SourceAddress),
			Tenant:        strategyRule(cfg.RateLimit.Tenant),
			Credential:    strategyRule(cfg.RateLimit.Credential),
			Endpoint:      strategyRule(cfg.RateLimit.Endpoint),
			EndpointPaths: cfg.RateLimit.EndpointPaths,
			Logger:        log,
		}
		if usageMetrics != nil {
			rateLimitConfig.OnDecision = func(d ratelimit.Decision) {
				usageMetrics.RecordRateLimitDecision(context.Background(), string(d.Strategy), d.Allowed)
			}
		}
		engine.Use(middleware.RateLimit(rateLimitConfig))
		log.Info("Rate limiting enabled",
			zap.Bool("source_address", cfg.RateLimit.SourceAddress.Enabled),
			zap.Bool("tenant", cfg.RateLimit.Tenant.Enabled),
			zap.Bool("credential", cfg.RateLimit.Credential.Enabled),
			zap.Bool("endpoint", cfg.RateLimit.Endpoint.Enabled),
		)
	}

	usageConfig := middleware.DefaultUsageRecordingConfig(usageRecorder)
	usageConfig.Logger = log
	engine.Use(middleware.UsageRecording(usageConfig))

	// Health check endpoint (outside API versioning)
	engine.GET("/health", healthHandler(db, counterStore))

	// Setup API routes
	r := router.NewRouter(engine, router.WithAPIVersion("v1"))

	authRoutes := router.NewDomainGroup("auth", "/auth")
	authRoutes.POST("/refresh", authHandler.RefreshToken)

	usageRoutes := router.NewDomainGroup("usage", "/usage")
	usageRoutes.GET("/summary", usageHandler.GetUsageSummary)

	adminRoutes := router.NewDomainGroup("admin", "/admin")
	adminRoutes.POST("/aggregation/run", usageHandler.RunAggregation)
	adminRoutes.GET("/aggregation/status", usageHandler.GetAggregationStatus)

	systemRoutes := router.NewDomainGroup("system", "/system")
	systemRoutes.GET("/info", systemHandler.GetSystemInfo)
	systemRoutes.GET("/ping", systemHandler.Ping)

	r.Register(authRoutes).
		Register(usageRoutes).
		Register(adminRoutes).
		Register(systemRoutes)

	r.Setup()

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

func strategyRule(cfg config.StrategyRuleConfig) middleware.StrategyRule {
	return middleware.StrategyRule{
		Enabled: cfg.Enabled,
		Rule:    ratelimit.Rule{Limit: cfg.Limit, Window: cfg.Window},
	}
}

// healthHandler reports database and counter store reachability.
func healthHandler(db *persistence.Database, store *cache.RedisCounterStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqLog := logger.GetGinLogger(c)
		status := http.StatusOK
		dbState, redisState := "ok", "ok"

		if err := db.Ping(); err != nil {
			reqLog.Warn("Health check: database unreachable", zap.Error(err))
			dbState = "error"
			status = http.StatusServiceUnavailable
		}
		if err := store.Ping(c.Request.Context()); err != nil {
			reqLog.Warn("Health check: counter store unreachable", zap.Error(err))
			redisState = "error"
			status = http.StatusServiceUnavailable
		}

		state := "healthy"
		if status != http.StatusOK {
			state = "unhealthy"
		}
		c.JSON(status, gin.H{
			"status":   state,
			"time":     time.Now().Format(time.RFC3339),
			"database": dbState,
			"redis":    redisState,
		})
	}
}

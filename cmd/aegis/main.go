package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/aegis-auth/aegis/internal/account"
	"github.com/aegis-auth/aegis/internal/admin"
	"github.com/aegis-auth/aegis/internal/app"
	"github.com/aegis-auth/aegis/internal/audit"
	"github.com/aegis-auth/aegis/internal/identity"
	"github.com/aegis-auth/aegis/internal/observability"
	"github.com/aegis-auth/aegis/internal/platform/cache"
	"github.com/aegis-auth/aegis/internal/platform/db"
	"github.com/aegis-auth/aegis/internal/policy"
	"github.com/aegis-auth/aegis/internal/ratelimit"
	"github.com/aegis-auth/aegis/internal/rbac"
	"github.com/aegis-auth/aegis/internal/security"
	"github.com/aegis-auth/aegis/internal/sessions"
	"github.com/aegis-auth/aegis/internal/stepup"
	"github.com/aegis-auth/aegis/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	// The rate limiter falls back to the in-process store when Redis
	// is unreachable at startup.
	var limiterStore ratelimit.Store
	var asynqClient *asynq.Client
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, using process-local rate limiting", slog.Any("error", err))
		limiterStore = ratelimit.NewMemoryStore()
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		limiterStore = ratelimit.NewRedisStore(redisClient)
		asynqClient = asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := asynqClient.Close(); err != nil {
				logger.Warn("asynq close", slog.Any("error", err))
			}
		}()
	}

	// One provider implementation serves the whole process lifetime.
	var provider identity.Provider
	switch cfg.IdentityProvider {
	case "memory":
		provider = identity.NewMemoryProvider()
	default:
		provider = identity.NewHTTPProvider(cfg.IDPBaseURL, cfg.SessionCookie, cfg.IDPTimeout)
	}

	auditStore := audit.NewPGStore(dbpool)
	recorder := audit.NewRecorder(asynqClient, auditStore, logger)

	rbacRepo := rbac.NewRepository(dbpool)
	rbacService := rbac.NewService(rbacRepo, cfg.Plan(), logger)
	enforcer := stepup.NewEnforcer(provider, cfg.Plan(), logger)
	registry := sessions.NewRegistry(provider, logger)
	limiter := ratelimit.NewLimiter(limiterStore, logger)
	metrics := observability.NewMetrics()
	pipeline := policy.NewPipeline(limiter, rbacService, enforcer, recorder, metrics, logger)

	cookie := account.CookieConfig{Name: cfg.SessionCookie, Secure: cfg.IsProduction()}
	accountHandler := account.NewHandler(logger, provider, pipeline, rbacService, cookie)
	securityHandler := security.NewHandler(logger, provider, pipeline, rbacService, registry)
	adminHandler := admin.NewHandler(logger, rbacService, auditStore, pipeline)

	var jobsHandler *jobs.Handler
	if asynqClient != nil {
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobsHandler = jobs.NewHandler(inspector, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Provider:        provider,
		AccountHandler:  accountHandler,
		SecurityHandler: securityHandler,
		AdminHandler:    adminHandler,
		JobsHandler:     jobsHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

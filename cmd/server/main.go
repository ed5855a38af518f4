package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/copypaste/relay-server-go/internal/config"
	"github.com/copypaste/relay-server-go/internal/database"
	"github.com/copypaste/relay-server-go/internal/device"
	"github.com/copypaste/relay-server-go/internal/handler"
	"github.com/copypaste/relay-server-go/internal/jobs"
	"github.com/copypaste/relay-server-go/internal/middleware"
	"github.com/copypaste/relay-server-go/internal/pairing"
	"github.com/copypaste/relay-server-go/internal/ratelimit"
	"github.com/copypaste/relay-server-go/internal/redis"
	"github.com/copypaste/relay-server-go/internal/repository"
	"github.com/copypaste/relay-server-go/internal/service"
	"github.com/copypaste/relay-server-go/internal/session"
	"github.com/copypaste/relay-server-go/internal/sse"
	"github.com/copypaste/relay-server-go/internal/token"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	healthHandler := handler.NewHealthHandler()

	var usageRepo repository.UsageRepository
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), config.PingTimeout)
		if err := db.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		usageRepo = repository.NewUsageRepository(db.DB)
		if err := usageRepo.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to prepare usage schema")
		}
		cancel()
		healthHandler.Register("postgres", db.Ping)
		log.Info().Msg("database connected")
	} else {
		log.Info().Msg("DATABASE_URL not set: usage statistics disabled")
	}

	var redisClient *redis.Client
	var limiter ratelimit.Limiter
	cleanupTasks := []jobs.Task{}

	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		limiter = ratelimit.NewRedis(redisClient.Client)
		healthHandler.Register("redis", redisClient.Healthy)
		log.Info().Str("addr", redisClient.Options().Addr).Msg("redis connected")
	} else {
		memory := ratelimit.NewMemory()
		limiter = memory
		cleanupTasks = append(cleanupTasks, jobs.Task{Name: "rate limit entries", Run: memory.Cleanup})
		log.Info().Msg("REDIS_URL not set: using in-memory rate limiting")
	}

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	usageService := service.NewUsageService(usageRepo, broker, config.UsageQueueSize)
	usageService.Start()
	defer usageService.Stop()

	devices := device.NewRegistry(cfg.DeviceGrace())
	tokens := token.NewRegistry(token.Lifetimes{
		Scan:   cfg.ScanTokenTTL(),
		Invite: cfg.InviteTokenTTL(),
		Manual: cfg.ManualTokenTTL(),
	})
	pairs := pairing.NewRegistry(devices, tokens)
	devices.OnRemove(pairs.OnDeviceRemoved)

	router := session.NewRouter(devices, tokens, pairs, limiter, cfg.RedeemLimitPerMin, usageService)

	socketHandler := handler.NewSocketHandler(router, cfg.AllowedOrigins, cfg.EventsPerSecond, cfg.WSMaxMessageBytes)
	adminHandler := handler.NewAdminHandler(devices, tokens, pairs, broker, usageService)

	upgradeLimitMiddleware := middleware.NewIPRateLimitMiddleware(limiter, config.UpgradeLimitPerMin, time.Minute, "upgrade")
	adminAuthMiddleware := middleware.NewAdminAuthMiddleware(cfg.AdminPasswordHash)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	// Long-lived connections stay outside the request timeout.
	r.With(upgradeLimitMiddleware.Handler).Get("/ws", socketHandler.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

		r.Get("/health", healthHandler.ServeHTTP)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(securityHeadersMiddleware.Handler)
		r.Use(adminAuthMiddleware.Handler)
		r.Mount("/", adminHandler.Routes())
	})

	cleanupTasks = append(cleanupTasks,
		jobs.Task{Name: "expired tokens", Run: tokens.DeleteExpired},
		jobs.Task{Name: "usage events", Run: usageService.PurgeOlderThan(cfg.UsageRetention())},
	)
	cleanupJob := jobs.NewCleanupJob(config.CleanupJobInterval, cleanupTasks...)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

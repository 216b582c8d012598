package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"bundle-pricing-api/internal/cache"
	"bundle-pricing-api/internal/config"
	"bundle-pricing-api/internal/database"
	"bundle-pricing-api/internal/events"
	"bundle-pricing-api/internal/features"
	"bundle-pricing-api/internal/handler"
	"bundle-pricing-api/internal/metrics"
	"bundle-pricing-api/internal/middleware"
	"bundle-pricing-api/internal/scheduler"
	"bundle-pricing-api/internal/service"
	"bundle-pricing-api/internal/tracing"
	"bundle-pricing-api/internal/validation"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "", "Path to a JSON or YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		zlog.Fatal().Err(err).Msg("invalid configuration")
	}

	setupLogging(cfg.Log)

	if err := run(cfg); err != nil {
		zlog.Fatal().Err(err).Msg("server failed")
	}
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Pretty {
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	zlog.Logger = zlog.With().Str("service", tracing.ServiceName).Logger()
	zerolog.DefaultContextLogger = &zlog.Logger
}

func run(cfg *config.Config) error {
	if _, err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: tracing.ServiceName,
		Version:     version,
		Environment: cfg.Tracing.Environment,
	}); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(ctx); err != nil {
			zlog.Error().Err(err).Msg("failed to flush traces")
		}
	}()

	db, err := database.NewDB(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	var c cache.Cache
	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			zlog.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, using in-memory cache")
			c = cache.NewInMemoryCache()
		} else {
			defer rc.Close()
			c = rc
		}
	} else {
		c = cache.NewInMemoryCache()
	}

	flags := features.NewManager()
	flags.RegisterDefaults(cfg.Features)

	eventManager := events.NewManager(flags.IsEnabled(features.FeatureEventHooksEnabled))
	if len(cfg.Kafka.Brokers) > 0 {
		sink := events.NewKafkaSink(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		defer sink.Close()
		eventManager.SubscribeAll(sink.Handle)
		zlog.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka event sink enabled")
	}
	defer eventManager.Shutdown()

	ceiling, err := cfg.Bundles.FixedDiscountCeiling()
	if err != nil {
		return err
	}
	svc := service.NewService(db, c, eventManager, flags, service.Config{
		Rules: validation.BusinessRules{
			MaxFixedDiscount: ceiling,
			CreationLimit:    cfg.Bundles.CreationLimit,
			CreationWindow:   cfg.Bundles.CreationWindow(),
		},
		CacheTTL: cfg.Redis.TTL(),
	})

	h := handler.NewHandlerWithOptions(svc, flags, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
	})

	if flags.IsEnabled(features.FeatureScheduledActivation) {
		sched, err := scheduler.New(svc, cfg.Bundles.ActivationInterval(), zlog.Logger)
		if err != nil {
			return err
		}
		sched.Start()
		defer func() {
			if err := sched.Shutdown(); err != nil {
				zlog.Error().Err(err).Msg("failed to stop scheduler")
			}
		}()
	}

	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.TracingMiddleware(tracing.ServiceName))
	r.Use(middleware.RequestLogger(zlog.Logger))
	r.Use(chimw.Recoverer)

	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
		defer rateLimiter.Stop()
		r.Use(middleware.RateLimitMiddleware(rateLimiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.Security.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h.Mount(r, middleware.ShopAuth(cfg.Security.AppSecret))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		protocol := "HTTP"
		if cfg.Server.EnableTLS {
			protocol = "HTTPS"
		}
		zlog.Info().
			Str("addr", addr).
			Str("protocol", protocol).
			Str("database", cfg.Database.Driver).
			Bool("rate_limit", cfg.RateLimit.Enabled).
			Msg("starting server")

		var err error
		if cfg.Server.EnableTLS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zlog.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func allowedOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/presenced/presenced/internal/api"
	"github.com/presenced/presenced/internal/broker"
	"github.com/presenced/presenced/internal/channel"
	"github.com/presenced/presenced/internal/config"
	"github.com/presenced/presenced/internal/gateway"
	"github.com/presenced/presenced/internal/httputil"
	"github.com/presenced/presenced/internal/metrics"
	"github.com/presenced/presenced/internal/postgres"
	"github.com/presenced/presenced/internal/store"
	"github.com/presenced/presenced/internal/valkey"
)

// systemSampleInterval is how often the process/runtime gauges (goroutines, heap, CPU) are refreshed. It runs
// independently of the Liveness Monitor's own 30s sweep since the two serve different operators' needs.
const systemSampleInterval = 15 * time.Second

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting presenced")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, cfg.ValkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	users := store.NewPGUserRepository(db, log.Logger)
	guests := store.NewPGGuestRepository(db, log.Logger)
	channels := store.NewPGChannelRepository(db, log.Logger)
	engine := channel.NewEngine(channels, cfg.MaxChannelMembers, cfg.ChannelNameMin, cfg.ChannelNameMax)

	topicBus := broker.NewTopicBus(rdb)
	resumeStore := broker.NewResumeStore(rdb, cfg.ResumeTokenTTL, cfg.ReplayBufferSize)
	statusCache := broker.NewStatusCache(rdb, cfg.StatusCacheTTL)

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New(prometheus.DefaultRegisterer)
	}

	hub := gateway.NewHub(cfg, topicBus, resumeStore, statusCache, users, guests, channels, engine, m, log.Logger)

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	go runWithBackoff(subCtx, "gateway-hub", hub.Run)
	go hub.RunLivenessMonitor(subCtx)
	if m != nil {
		sampler := metrics.NewSampler(m, systemSampleInterval)
		go sampler.Run(subCtx)
	}

	app := fiber.New(fiber.Config{
		AppName: "presenced",
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			code := httputil.InternalError
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				status = fiberErr.Code
				message = fiberErr.Message
				code = fiberStatusToCode(fiberErr.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{Code: code, Message: message},
			})
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))

	health := api.NewHealthHandler(db, rdb)
	app.Get("/health", health.Health)

	if cfg.MetricsEnabled {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	}

	gatewayHandler := api.NewGatewayHandler(hub, cfg.GatewayMaxConns)
	app.Get("/gateway", limiter.New(limiter.Config{
		Max:        cfg.RateLimitCount,
		Expiration: time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
	}), gatewayHandler.Upgrade)

	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		hub.Shutdown()
		subCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// runWithBackoff runs fn in a loop, restarting with exponential backoff when it returns a non-nil, non-cancelled
// error. If fn returns nil or context.Canceled the goroutine exits. The delay starts at 1 second and doubles on
// each consecutive failure up to a 2-minute cap.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("Background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}

// fiberStatusToCode maps an HTTP status code from Fiber's built-in errors (404, 405, rate-limited, ...) to the
// closest httputil.Code.
func fiberStatusToCode(status int) httputil.Code {
	switch status {
	case fiber.StatusNotFound:
		return httputil.NotFound
	case fiber.StatusMethodNotAllowed:
		return httputil.ValidationError
	case fiber.StatusTooManyRequests:
		return httputil.ValidationError
	case fiber.StatusServiceUnavailable:
		return httputil.InternalError
	default:
		if status >= 400 && status < 500 {
			return httputil.ValidationError
		}
		return httputil.InternalError
	}
}

// Package app wires the configured components together and runs them.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnihit/ontask2-UNSW/internal/api"
	"github.com/vnihit/ontask2-UNSW/internal/config"
	"github.com/vnihit/ontask2-UNSW/internal/dispatch"
	"github.com/vnihit/ontask2-UNSW/internal/dkim"
	"github.com/vnihit/ontask2-UNSW/internal/metrics"
	"github.com/vnihit/ontask2-UNSW/internal/ratelimit"
	"github.com/vnihit/ontask2-UNSW/internal/scheduler"
	"github.com/vnihit/ontask2-UNSW/internal/storage"
	"github.com/vnihit/ontask2-UNSW/internal/tracking"
	"github.com/vnihit/ontask2-UNSW/internal/transport"
)

// App is the main application
type App struct {
	config      *config.Config
	storage     *storage.BoltStorage
	executor    *dispatch.Executor
	tracker     *tracking.Service
	apiServer   *api.Server
	scheduler   *scheduler.Scheduler
	cleaner     *scheduler.Cleaner
	collector   *metrics.Collector
	rateLimiter *ratelimit.Limiter
	redis       *redis.Client
	logger      *slog.Logger
}

// New creates a new application
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := NewLogger(cfg.Logging)

	store, err := storage.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}
	a := &App{config: cfg, storage: store, logger: logger}

	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.config
	logger := a.logger

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		metricsHandler = metrics.Handler(m, cfg.Metrics.AllowedIPs, logger)
		a.collector = metrics.NewCollector(m, cfg.Storage.Path, cfg.Metrics.CollectInterval)
		logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	tracker, err := tracking.NewService(tracking.Config{
		Secret:  cfg.Tracking.Secret,
		BaseURL: cfg.Server.BaseURL,
		TTL:     cfg.Tracking.TokenTTL,
	}, a.storage, logger)
	if err != nil {
		return fmt.Errorf("failed to create tracking service: %w", err)
	}
	tracker.OnHit(metrics.IncTrackingHits)
	a.tracker = tracker

	sender, err := NewSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if rl := rateLimitConfig(cfg.RateLimit); rl.Enabled() {
		a.rateLimiter, err = ratelimit.NewLimiter(a.storage.DB(), rl)
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		sender = transport.NewLimited(sender, a.rateLimiter)
		logger.Info("rate limiting enabled")
	}

	a.executor = dispatch.NewExecutor(a.storage, a.storage, a.storage, sender, dispatch.Config{
		Concurrency: cfg.Dispatch.Concurrency,
		DemoMode:    cfg.Dispatch.DemoMode,
	}, logger)
	a.executor.SetTracker(tracker)

	if cfg.Lock.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.executor.SetLocker(dispatch.NewRedisLocker(a.redis, cfg.Lock.TTL, logger))
		logger.Info("distributed run lock enabled", "redis_addr", cfg.Lock.RedisAddr)
	}
	if cfg.Dispatch.DemoMode {
		logger.Warn("demo mode: email dispatch is disabled")
	}

	a.apiServer = api.NewServer(a.storage, a.executor, tracker, metricsHandler, cfg.Metrics.Path, &cfg.API, logger)

	if cfg.Scheduler.Enabled {
		a.scheduler = scheduler.New(a.storage, a.executor, scheduler.Config{
			PollInterval: cfg.Scheduler.PollInterval,
		}, logger)
	}
	a.cleaner = scheduler.NewCleaner(a.storage, scheduler.CleanerConfig{
		MaxAge:   cfg.Storage.JobRetention,
		Interval: cfg.Storage.CleanupInterval,
	}, logger)
	return nil
}

// Executor returns the campaign executor, used by CLI commands
func (a *App) Executor() *dispatch.Executor {
	return a.executor
}

// Tracker returns the tracking service
func (a *App) Tracker() *tracking.Service {
	return a.tracker
}

// Storage returns the storage
func (a *App) Storage() *storage.BoltStorage {
	return a.storage
}

// Logger returns the application logger
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting ontask",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"transport", a.config.Dispatch.Transport,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.collector != nil {
		a.collector.Start(ctx)
	}
	a.cleaner.Start(ctx)
	if a.scheduler != nil {
		a.scheduler.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// stop starting new runs first
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}
	a.cleaner.Stop()
	if a.collector != nil {
		a.collector.Stop()
	}

	a.close()
	a.logger.Info("shutdown complete")
	return nil
}

// Close releases resources without serving, for one-shot CLI commands
func (a *App) Close() {
	a.close()
}

func (a *App) close() {
	// Stop rate limiter (persists counters)
	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
		a.rateLimiter = nil
	}
	if a.redis != nil {
		a.redis.Close()
		a.redis = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Error("storage close error", "error", err)
		}
		a.storage = nil
	}
}

// NewSender builds the configured transport. SMTP messages are DKIM-signed
// when signing is enabled.
func NewSender(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Sender, error) {
	switch cfg.Dispatch.Transport {
	case "ses":
		s, err := transport.NewSESSender(ctx, transport.SESConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			From:            cfg.SES.From,
			ConfigSet:       cfg.SES.ConfigurationSet,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES sender: %w", err)
		}
		return s, nil
	default:
		s := transport.NewSMTPSender(transport.SMTPConfig{
			Host:               cfg.SMTP.Host,
			Port:               cfg.SMTP.Port,
			Username:           cfg.SMTP.Username,
			Password:           cfg.SMTP.Password,
			From:               cfg.SMTP.From,
			TLS:                cfg.SMTP.TLS,
			InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
			Hostname:           cfg.Server.Hostname,
			Timeout:            cfg.SMTP.Timeout,
		}, logger)
		if cfg.DKIM.Enabled {
			signer, err := dkim.Load(cfg.DKIM.KeyFile, cfg.DKIM.Domain, cfg.DKIM.Selector)
			if err != nil {
				return nil, fmt.Errorf("failed to load DKIM key: %w", err)
			}
			s.SetSigner(signer)
			logger.Info("DKIM signing enabled", "domain", cfg.DKIM.Domain, "selector", cfg.DKIM.Selector)
		}
		return s, nil
	}
}

// rateLimitConfig keeps only the limits that set a positive value
func rateLimitConfig(cfg config.RateLimitConfig) *ratelimit.Config {
	rl := &ratelimit.Config{FlushInterval: cfg.FlushInterval}
	if !cfg.Enabled {
		return rl
	}
	rl.Global = limit(cfg.Global)
	rl.PerCampaign = limit(cfg.PerCampaign)
	rl.PerRecipientDomain = limit(cfg.PerRecipientDomain)
	return rl
}

func limit(v *config.LimitValues) *ratelimit.LimitConfig {
	if v == nil || (v.MessagesPerHour <= 0 && v.MessagesPerDay <= 0) {
		return nil
	}
	return &ratelimit.LimitConfig{
		MessagesPerHour: v.MessagesPerHour,
		MessagesPerDay:  v.MessagesPerDay,
	}
}

// NewLogger creates a logger based on configuration
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

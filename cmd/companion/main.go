// Package main - точка входа для Study Companion.
//
// Companion держит сессию студента, кеширует ресурсы учебной платформы,
// выводит текущий экран и ведёт диалог с ассистентом. Операторский HTTP API
// показывает состояние и позволяет управлять кешем и фоновыми задачами.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/alem-hub/study-companion/config"
	"github.com/alem-hub/study-companion/internal/application/assistant"
	"github.com/alem-hub/study-companion/internal/application/query"
	"github.com/alem-hub/study-companion/internal/application/resources"
	"github.com/alem-hub/study-companion/internal/application/session"
	"github.com/alem-hub/study-companion/internal/application/viewstate"
	"github.com/alem-hub/study-companion/internal/domain/shared"
	"github.com/alem-hub/study-companion/internal/infrastructure/external/eduapi"
	"github.com/alem-hub/study-companion/internal/infrastructure/messaging"
	"github.com/alem-hub/study-companion/internal/infrastructure/metrics"
	"github.com/alem-hub/study-companion/internal/infrastructure/persistence/file"
	"github.com/alem-hub/study-companion/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/study-companion/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/study-companion/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/study-companion/internal/infrastructure/persistence/sealed"
	"github.com/alem-hub/study-companion/internal/infrastructure/scheduler"
	"github.com/alem-hub/study-companion/internal/infrastructure/scheduler/jobs"
	httpserver "github.com/alem-hub/study-companion/internal/interface/http"
	"github.com/alem-hub/study-companion/internal/interface/http/handlers"
	"github.com/alem-hub/study-companion/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЗАГРУЗКА КОНФИГУРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. НАСТРОЙКА ЛОГИРОВАНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	appLog := logger.New(logger.Options{
		Output:    os.Stdout,
		Level:     logger.ParseLevel(cfg.Observability.LogLevel),
		AddCaller: cfg.App.Debug,
	}).Named(cfg.App.Name)
	log := setupSlog(cfg, os.Stdout)

	log.Info("starting Study Companion",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
		"api", cfg.API.BaseURL,
		"storage", cfg.Storage.Driver,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. МЕТРИКИ
	// ─────────────────────────────────────────────────────────────────────────
	m := metrics.New(cfg.Observability.RuntimeMetrics)

	// ─────────────────────────────────────────────────────────────────────────
	// 4. ХРАНИЛИЩЕ СЕССИИ
	// ─────────────────────────────────────────────────────────────────────────
	storage, err := openStorage(ctx, cfg, log, m)
	if err != nil {
		return fmt.Errorf("failed to open session storage: %w", err)
	}
	defer func() {
		log.Info("closing session storage...")
		if err := storage.Close(); err != nil {
			log.Warn("failed to close session storage", "error", err)
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 5. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	busConfig := messaging.DefaultInMemoryEventBusConfig()
	busConfig.Logger = log
	busConfig.Observer = m
	bus := messaging.NewInMemoryEventBus(busConfig)
	defer func() {
		log.Info("closing event bus...")
		_ = bus.Close()
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 6. КЛИЕНТ ПЛАТФОРМЫ И КЕШ
	// ─────────────────────────────────────────────────────────────────────────
	clientConfig := eduapi.DefaultClientConfig(cfg.API.BaseURL)
	clientConfig.AuthScheme = cfg.API.AuthScheme
	clientConfig.Timeout = cfg.API.RequestTimeout
	clientConfig.RateLimiterConfig.RequestsPerSecond = cfg.API.RateLimit
	clientConfig.RateLimiterConfig.BurstSize = cfg.API.RateLimitBurst
	clientConfig.BreakerThreshold = cfg.API.CircuitBreakerThreshold
	clientConfig.BreakerTimeout = cfg.API.CircuitBreakerTimeout
	clientConfig.MaxAttempts = cfg.API.MaxAttempts
	clientConfig.Logger = log
	clientConfig.Observer = m
	clientConfig.Debug = cfg.App.Debug
	client := eduapi.NewClient(clientConfig)

	cache := query.New(query.Config{
		StaleTime: cfg.Cache.StaleTime,
		GCTime:    cfg.Cache.GCTime,
		Logger:    appLog,
		Publisher: bus,
		Metrics:   m,
		OnBackgroundError: func(key query.Key, err error) {
			log.Warn("background refetch failed", "key", key.String(), "error", shared.Message(err))
		},
	})
	defer cache.Close()

	// ─────────────────────────────────────────────────────────────────────────
	// 7. APPLICATION LAYER
	// ─────────────────────────────────────────────────────────────────────────
	store := session.NewStore(session.Config{
		API:        client,
		Storage:    storage,
		StorageKey: cfg.Storage.Namespace,
		Evictor:    cache,
		Publisher:  bus,
		Metrics:    m,
		Logger:     appLog,
	})
	client.SetAuthenticator(store)

	svc := resources.NewService(client, cache, store, appLog)
	view := viewstate.NewController(store, bus, appLog)
	if err := bus.Subscribe(shared.EventSessionChanged, view.HandleSessionChanged); err != nil {
		return fmt.Errorf("failed to subscribe view controller: %w", err)
	}

	helper := assistant.New(assistant.Config{
		Backend:   svc,
		Catalogue: svc,
		Selection: view,
		Publisher: bus,
		Logger:    appLog,
	})

	var signedIn atomic.Bool
	unsubscribe := store.OnChange(func(s session.State) {
		was := signedIn.Swap(s.IsAuthenticated)
		switch {
		case s.IsAuthenticated && !was:
			go svc.Prefetch(ctx)
		case !s.IsAuthenticated && was:
			helper.Reset()
		}
	})
	defer unsubscribe()

	// ─────────────────────────────────────────────────────────────────────────
	// 8. ВОССТАНОВЛЕНИЕ СЕССИИ
	// ─────────────────────────────────────────────────────────────────────────
	if err := store.Rehydrate(ctx); err != nil {
		log.Warn("stored session could not be restored", "error", shared.Message(err))
	}
	if !store.State().IsAuthenticated && cfg.App.LoginEmail != "" {
		log.Info("signing in with configured credentials", "email", cfg.App.LoginEmail)
		if err := store.Login(ctx, cfg.App.LoginEmail, cfg.App.LoginPassword); err != nil {
			log.Warn("sign in failed", "error", shared.Message(err))
		}
	}
	log.Info("session ready",
		"authenticated", store.State().IsAuthenticated,
		"screen", view.Screen().String(),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 9. ФОНОВЫЕ ЗАДАЧИ
	// ─────────────────────────────────────────────────────────────────────────
	sched := scheduler.New(scheduler.Config{
		Logger:      log,
		Observer:    m,
		Tick:        cfg.Scheduler.Tick,
		HistorySize: cfg.Scheduler.HistorySize,
	})
	if err := registerJobs(sched, cfg, store, cache, storage, log); err != nil {
		return fmt.Errorf("failed to register jobs: %w", err)
	}
	if cfg.Scheduler.Enabled {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 10. HEALTH CHECKS
	// ─────────────────────────────────────────────────────────────────────────
	health := handlers.NewCompositeHealthChecker(cfg.App.Version)
	health.AddCriticalCheck("storage", handlers.PingCheck(storage))
	health.AddCheck("backend", handlers.PingCheck(client))
	health.AddCheck("circuit_breaker", handlers.BreakerCheck(func() string {
		return client.Status().CircuitBreaker
	}))

	// ─────────────────────────────────────────────────────────────────────────
	// 11. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	errCh := make(chan error, 1)
	var httpServer *httpserver.Server

	if cfg.HTTP.Enabled {
		httpConfig := httpserver.DefaultConfig()
		httpConfig.Host = cfg.HTTP.Host
		httpConfig.Port = cfg.HTTP.Port
		httpConfig.ReadTimeout = cfg.HTTP.ReadTimeout
		httpConfig.WriteTimeout = cfg.HTTP.WriteTimeout
		httpConfig.IdleTimeout = cfg.HTTP.IdleTimeout
		httpConfig.AllowedOrigins = cfg.HTTP.AllowedOrigins
		httpConfig.EnableMetrics = cfg.Observability.MetricsEnabled
		httpConfig.Version = cfg.App.Version
		if cfg.HTTP.APIKey != "" {
			httpConfig.APIKeys = []string{cfg.HTTP.APIKey}
		}

		httpServer = httpserver.NewServer(httpConfig, httpserver.Dependencies{
			Session:       store,
			View:          view,
			Cache:         cache,
			Client:        client,
			Jobs:          sched,
			Assistant:     helper,
			HealthChecker: health,
			Metrics:       m.Handler(),
			Logger:        appLog,
		})

		go func() {
			log.Info("starting HTTP server", "address", httpConfig.Address())
			if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server error: %w", err)
			}
		}()
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 12. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("Study Companion is running", "http", cfg.HTTP.Enabled, "scheduler", cfg.Scheduler.Enabled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		log.Error("service error", "error", err)
		return err
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	var shutdownErr error
	if cfg.Scheduler.Enabled {
		log.Info("stopping scheduler...")
		if err := sched.Stop(); err != nil {
			log.Error("failed to stop scheduler", "error", err)
			shutdownErr = err
		}
	}
	if httpServer != nil {
		log.Info("stopping HTTP server...")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to stop HTTP server gracefully", "error", err)
			shutdownErr = err
		}
	}

	if shutdownErr != nil {
		log.Warn("shutdown completed with errors")
	} else {
		log.Info("shutdown completed successfully")
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// sessionStorage is what every driver provides.
type sessionStorage interface {
	session.Storage
	Ping(ctx context.Context) error
	Close() error
}

// openStorage builds the configured driver and seals it when a key is set.
func openStorage(ctx context.Context, cfg *config.Config, log *slog.Logger, m *metrics.Metrics) (sessionStorage, error) {
	var storage sessionStorage

	switch cfg.Storage.Driver {
	case config.DriverMemory:
		storage = memory.NewStorage()

	case config.DriverFile:
		s, err := file.NewStorage(cfg.Storage.FilePath, log)
		if err != nil {
			return nil, err
		}
		storage = s

	case config.DriverRedis:
		s, err := redis.NewSessionStorage(redis.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			KeyPrefix:    "companion:",
			TTL:          cfg.Redis.TTL,
		}, log, m)
		if err != nil {
			return nil, err
		}
		storage = s

	case config.DriverPostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.URL = cfg.Database.URL
		pgConfig.MaxConns = int32(cfg.Database.MaxConns)
		pgConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime
		pgConfig.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
		pgConfig.ConnectTimeout = cfg.Database.ConnectTimeout
		s, err := postgres.Open(ctx, pgConfig, log, m)
		if err != nil {
			return nil, err
		}
		storage = s

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if cfg.Storage.EncryptionKey == "" {
		return storage, nil
	}
	s, err := sealed.New(storage, cfg.Storage.EncryptionKey)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	return s, nil
}

func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, store *session.Store, cache *query.Cache, storage sessionStorage, log *slog.Logger) error {
	specs := []struct {
		job  scheduler.Job
		spec string
	}{
		{jobs.NewTokenKeepaliveJob(store, cfg.Scheduler.RefreshWindow, log), cfg.Scheduler.KeepaliveSchedule},
		{jobs.NewCacheSweepJob(cache, log), cfg.Scheduler.SweepSchedule},
		{jobs.NewStorageHealthJob(storage, log), cfg.Scheduler.HealthSchedule},
	}
	for _, s := range specs {
		schedule, err := scheduler.ParseSchedule(s.spec)
		if err != nil {
			return fmt.Errorf("%s: %w", s.job.Name(), err)
		}
		if err := sched.Register(s.job, schedule); err != nil {
			return err
		}
	}
	return nil
}

// setupSlog настраивает логирование инфраструктурных адаптеров.
func setupSlog(cfg *config.Config, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	switch strings.ToLower(cfg.Observability.LogLevel) {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn", "warning":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Observability.LogFormat == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"medlit-assistant/internal/cache"
	"medlit-assistant/internal/config"
	"medlit-assistant/internal/handlers"
	"medlit-assistant/internal/httpserver"
	"medlit-assistant/internal/intent"
	"medlit-assistant/internal/metrics"
	"medlit-assistant/internal/provider"
	"medlit-assistant/internal/review"
	"medlit-assistant/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("medlit exited with error: %v", err)
	}
}

func run() error {
	// ----- Logger -----
	logger := logging.DefaultLogger()
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	// ----- Config -----
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger.Info("loaded config",
		zap.Int("port", cfg.Server.Port),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("default_service", cfg.DefaultService),
		zap.Int("configured_services", len(cfg.AIServices)),
	)

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.Cache.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr,
		})

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established",
			zap.String("addr", cfg.Redis.Addr),
		)
	}

	// ----- Response cache -----
	responseCache := cache.New(cache.Config{
		Backend:  cfg.Cache.Backend,
		Capacity: cfg.Cache.Capacity,
		TTL:      time.Duration(cfg.Cache.TTL) * time.Second,
		Prefix:   "medlit",
	}, redisClient)
	responseCache = cache.NewLoggingCache(responseCache)

	// ----- Provider adapters -----
	providerCfgs, err := cfg.ActiveProviders()
	if err != nil {
		return err
	}

	adapters := make([]provider.Adapter, 0, len(providerCfgs))
	for _, pc := range providerCfgs {
		a, err := provider.NewAdapter(pc, provider.Options{
			Cache:      responseCache,
			MaxRetries: cfg.Settings.MaxRetries,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		adapters = append(adapters, a)
	}

	orchestrator := provider.NewOrchestrator(adapters[0], adapters[1:], provider.Policy{
		AutoRetry:          cfg.Settings.AutoRetry,
		MaxRetries:         cfg.Settings.MaxRetries,
		AllowServiceSwitch: cfg.Settings.AllowServiceSwitch,
	}, logger)

	// ----- Intent analyzer + review generator -----
	generationModel := cfg.Intent.Model
	if generationModel == "" {
		generationModel = providerCfgs[0].DefaultModel
	}
	if generationModel == "" {
		return fmt.Errorf("no generation model configured: set intent.model or the default service's default_model")
	}

	analyzer, err := intent.NewAnalyzer(orchestrator, intent.Options{
		Model:            generationModel,
		BatchConcurrency: cfg.Intent.BatchConcurrency,
	}, logger)
	if err != nil {
		return err
	}

	generator, err := review.NewGenerator(orchestrator, generationModel, logger)
	if err != nil {
		return err
	}

	// ----- Handlers -----
	research := handlers.NewResearchHandler(orchestrator, analyzer, generator, responseCache)

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, research)

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting medlit assistant",
		zap.String("addr", srv.Addr),
		zap.String("primary", orchestrator.Primary().Name()),
		zap.Int("providers", len(adapters)),
	)

	// Start server in background
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

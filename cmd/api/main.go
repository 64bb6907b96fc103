package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"stylebatch/internal/domain"
	"stylebatch/internal/guard"
	"stylebatch/internal/health"
	"stylebatch/internal/http/handlers"
	"stylebatch/internal/http/httpapi"
	"stylebatch/internal/infra"
	"stylebatch/internal/orchestrator"
	"stylebatch/internal/preflight"
	"stylebatch/internal/providers/genai"
	"stylebatch/internal/providers/image"
	"stylebatch/internal/retry"
	"stylebatch/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)
	ctx := context.Background()

	files, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage")
	}

	// Durable store when DATABASE_URL is set, in-memory otherwise.
	var store domain.JobStore = orchestrator.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer pool.Close()
		store = orchestrator.NewPGStore(pool)
		logger.Info().Msg("using postgres job store")
	} else {
		logger.Info().Msg("using in-memory job store")
	}

	client, err := genai.NewClient(genai.Options{
		APIKey:    cfg.GenAIAPIKey,
		BaseURL:   cfg.GenAIBaseURL,
		Model:     cfg.GenAIModel,
		ProjectID: cfg.GenAIProject,
		Logger:    &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build generation client")
	}

	cache := health.NewCache(health.CacheConfig{
		SelectionTTL: cfg.HealthSelectionTTL,
		ProbeTTL:     cfg.HealthProbeTTL,
	})
	selector := image.NewSelector(
		image.NewPrimaryGenerator(client),
		image.NewBatchGenerator(cfg.BatchModel),
		cache, client,
		image.SelectorOptions{
			PrimaryModel: cfg.GenAIModel,
			BatchModel:   cfg.BatchModel,
			ProjectID:    cfg.GenAIProject,
		},
		logger,
	)

	guardCfg, err := guard.LoadConfig(cfg.GuardConfigPath)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.GuardConfigPath).Msg("guard config unavailable, using default threshold")
		guardCfg = guard.DefaultConfig()
	}

	jobs := orchestrator.New(store, selector, files, orchestrator.Options{
		Provider:    cfg.RequestedProvider,
		NoFallback:  cfg.NoFallback,
		Concurrency: cfg.WorkerConcurrency,
		ItemTimeout: cfg.ItemTimeout,
		Retry:       retry.Options{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay},
		Guard:       guardCfg,
	}, logger)

	budgets := preflight.Budgets{
		JobMaxBytes:     cfg.JobMaxBytes,
		ItemMaxBytes:    cfg.ItemMaxBytes,
		MaxImagesPerJob: cfg.MaxImagesPerJob,
		Compress:        cfg.CompressRefs,
		Split:           cfg.SplitJobs,
	}
	app := handlers.NewApp(jobs, preflight.NewPlanner(files, logger), budgets, files, logger)
	router := httpapi.NewRouter(app, httpapi.RouterOptions{RateLimitPerMinute: cfg.RateLimitPerMin})

	server := infra.NewHTTPServer(cfg, router)
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("api listening")
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("server stopped")
}

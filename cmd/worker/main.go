// The worker binary drains pending jobs from the Postgres job table. It
// exists for deployments where the API only enqueues and dedicated workers
// do the generation; the API binary processes its own jobs otherwise.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"stylebatch/internal/domain"
	"stylebatch/internal/guard"
	"stylebatch/internal/health"
	"stylebatch/internal/infra"
	"stylebatch/internal/orchestrator"
	"stylebatch/internal/providers/genai"
	"stylebatch/internal/providers/image"
	"stylebatch/internal/retry"
	"stylebatch/internal/storage"
)

const idlePollInterval = 2 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker requires DATABASE_URL")
	}
	defer pool.Close()
	store := orchestrator.NewPGStore(pool)

	files, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage")
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

	logger.Info().Msg("worker started")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("worker stopped")
			return
		default:
		}

		jobID, err := store.ClaimPending(ctx)
		if errors.Is(err, domain.ErrNotFound) {
			select {
			case <-ctx.Done():
			case <-time.After(idlePollInterval):
			}
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("claim failed")
			select {
			case <-ctx.Done():
			case <-time.After(idlePollInterval):
			}
			continue
		}

		logger.Info().Str("job_id", jobID).Msg("claimed job")
		if err := jobs.Resume(ctx, jobID); err != nil {
			logger.Error().Err(err).Str("job_id", jobID).Msg("job resume failed")
		}
	}
}

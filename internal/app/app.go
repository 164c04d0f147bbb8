// Package app wires the components shared by the server and the worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/ocr-batch/config"
	"github.com/feichai0017/ocr-batch/internal/batch"
	"github.com/feichai0017/ocr-batch/internal/cache"
	"github.com/feichai0017/ocr-batch/internal/engine"
	"github.com/feichai0017/ocr-batch/internal/engine/ollama"
	"github.com/feichai0017/ocr-batch/internal/engine/tesseract"
	"github.com/feichai0017/ocr-batch/internal/engine/textract"
	"github.com/feichai0017/ocr-batch/internal/ensemble"
	"github.com/feichai0017/ocr-batch/internal/notify"
	"github.com/feichai0017/ocr-batch/internal/preprocess"
	"github.com/feichai0017/ocr-batch/internal/utils/validator"
	"github.com/feichai0017/ocr-batch/pkg/logger"
	"github.com/feichai0017/ocr-batch/pkg/metrics"
	"github.com/feichai0017/ocr-batch/pkg/storage"
)

type App struct {
	Config       *config.Config
	Logger       logger.Logger
	Metrics      *metrics.Recorder
	Cache        *cache.ResultCache
	Storage      storage.Storage
	Validator    *validator.ImageValidator
	Notifier     notify.Notifier
	Ensemble     *ensemble.Ensemble
	Orchestrator *batch.Orchestrator

	// Redis is set only when the cache settled on the redis tier.
	Redis *redis.Client
}

// NewLogger builds the process logger; name ends up on every entry.
func NewLogger(cfg config.LogConfig, name string) (logger.Logger, error) {
	paths := []string{"stdout"}
	if cfg.File != "" {
		paths = append(paths, cfg.File)
	}
	return logger.NewLogger(
		logger.WithLevel(cfg.Level),
		logger.WithEncoding(cfg.Encoding),
		logger.WithOutputPaths(paths),
		logger.WithInitialFields(map[string]interface{}{"service": name}),
	)
}

// Build creates every shared component. withEngines is false for a
// dispatcher that never recognizes anything itself.
func Build(ctx context.Context, cfg *config.Config, log logger.Logger, withEngines bool) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  log,
		Metrics: metrics.NewRecorder(),
	}

	a.Cache = cache.New(ctx, cfg.Cache, log, a.Metrics)

	store, err := storage.NewStorage(ctx, cfg.Storage, log)
	if err != nil {
		_ = a.Cache.Close()
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	a.Storage = store
	a.Validator = validator.NewImageValidator(log, &cfg.Validator)

	sinks := []notify.Notifier{notify.NewLogNotifier(log)}
	if a.Cache.TierName() == "redis" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		sinks = append(sinks, notify.NewRedisNotifier(a.Redis, log))
	}
	a.Notifier = notify.NewFanOut(a.Metrics, sinks...)

	if !withEngines {
		return a, nil
	}

	registry, err := buildRegistry(ctx, cfg.Engines, log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Ensemble = ensemble.New(ctx, registry, ensemble.Config{DefaultEngine: cfg.Engines.Default}, log, a.Metrics)

	for name, unknown := range cfg.Pipeline.Profiles.Unknown {
		log.Warn("Ignoring unknown stages in profile",
			logger.String("profile", name),
			logger.Strings("stages", unknown),
		)
	}
	batchCfg := cfg.Batch.Config
	batchCfg.PrintedStages = cfg.Pipeline.Profiles.Chain(config.ProfilePrinted)
	batchCfg.HandwritingStages = cfg.Pipeline.Profiles.Chain(config.ProfileHandwriting)

	a.Orchestrator, err = batch.New(batch.Deps{
		Pipeline:   preprocess.NewPipeline(cfg.Pipeline.Config, log, preprocess.WithMetrics(a.Metrics)),
		Recognizer: a.Ensemble,
		Cache:      a.Cache,
		Storage:    a.Storage,
		Notifier:   a.Notifier,
		Validator:  a.Validator,
		Metrics:    a.Metrics,
		Logger:     log,
	}, batchCfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func buildRegistry(ctx context.Context, cfg config.EnginesConfig, log logger.Logger) (*engine.Registry, error) {
	registry := engine.NewRegistry(log)
	if cfg.Tesseract.Enabled {
		registry.Register(tesseract.New(cfg.Tesseract.Config, log))
	}
	if cfg.Textract.Enabled {
		eng, err := textract.New(ctx, cfg.Textract.Config, log)
		if err != nil {
			return nil, fmt.Errorf("failed to init textract: %w", err)
		}
		registry.Register(eng)
	}
	if cfg.Ollama.Enabled {
		registry.Register(ollama.New(cfg.Ollama.Config, log))
	}
	return registry, nil
}

// RunJanitor removes stale scratch objects and forgets old finished jobs
// until ctx is done.
func (a *App) RunJanitor(ctx context.Context) {
	interval := a.Config.Batch.JanitorInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.sweep(ctx, now)
		}
	}
}

func (a *App) sweep(ctx context.Context, now time.Time) {
	if err := a.Storage.CleanupBefore(ctx, now.Add(-a.Config.Batch.ScratchMaxAge)); err != nil {
		a.Logger.Warn("Scratch cleanup failed", logger.Error(err))
	}
	if a.Orchestrator != nil {
		if n := a.Orchestrator.PruneFinished(now.Add(-a.Config.Batch.Retention)); n > 0 {
			a.Logger.Debug("Pruned finished jobs", logger.Int("count", n))
		}
	}
}

// Shutdown cancels running batches, waits for them to record their final
// state, then releases connections.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Orchestrator != nil {
		errs = append(errs, a.Orchestrator.Shutdown(ctx))
	}
	errs = append(errs, a.Close())
	return errors.Join(errs...)
}

func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	return errors.Join(errs...)
}

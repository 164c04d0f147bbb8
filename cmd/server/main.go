package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/ocr-batch/api/handlers"
	"github.com/feichai0017/ocr-batch/api/routes"
	"github.com/feichai0017/ocr-batch/config"
	"github.com/feichai0017/ocr-batch/internal/app"
	"github.com/feichai0017/ocr-batch/internal/service/jobs"
	"github.com/feichai0017/ocr-batch/pkg/logger"
	"github.com/feichai0017/ocr-batch/pkg/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// init logger
	log, err := app.NewLogger(cfg.Log, "ocr-server")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log, true)
	if err != nil {
		log.Error("Failed to initialize", logger.Error(err))
		os.Exit(1)
	}

	var (
		service jobs.Service
		q       *queue.AsynqQueue
	)
	if cfg.HTTP.Dispatch == config.DispatchQueue {
		q = queue.NewAsynqQueue(queue.Config{
			RedisAddr:     cfg.Redis.Addr,
			RedisPassword: cfg.Redis.Password,
			RedisDB:       cfg.Redis.DB,
			MaxRetry:      cfg.Queue.MaxRetry,
			Timeout:       cfg.Queue.Timeout,
			Retention:     cfg.Queue.Retention,
		})
		service = jobs.NewQueuedService(jobs.QueuedDeps{
			Queue:     q,
			Storage:   a.Storage,
			Cache:     a.Cache,
			Validator: a.Validator,
			Notifier:  a.Notifier,
			Engines:   a.Ensemble,
			Logger:    log,
		})
	} else {
		service = jobs.NewLocalService(a.Orchestrator, a.Ensemble)
	}

	checks := map[string]handlers.HealthCheck{}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}

	// init handlers
	h := handlers.NewHandlers(service, cfg.HTTP.MaxUploadBytes, cfg.HTTP.DefaultLanguage, checks, log)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	routes.SetupRoutes(r, h, routes.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Metrics:        a.Metrics.Handler(),
		Logger:         log,
	})

	srv := &http.Server{
		Addr:        cfg.HTTP.Addr,
		Handler:     r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go a.RunJanitor(janitorCtx)

	// start server
	go func() {
		log.Info("Server starting",
			logger.String("addr", cfg.HTTP.Addr),
			logger.String("dispatch", string(cfg.HTTP.Dispatch)),
			logger.String("cacheTier", a.Cache.TierName()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")
	stopJanitor()

	// graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
	if q != nil {
		if err := q.Close(); err != nil {
			log.Warn("Failed to close queue client", logger.Error(err))
		}
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error("Shutdown incomplete", logger.Error(err))
	}
}

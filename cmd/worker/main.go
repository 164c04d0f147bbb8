package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feichai0017/ocr-batch/config"
	"github.com/feichai0017/ocr-batch/internal/app"
	"github.com/feichai0017/ocr-batch/pkg/logger"
	"github.com/feichai0017/ocr-batch/pkg/queue"
	"github.com/feichai0017/ocr-batch/pkg/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// 初始化日志
	log, err := app.NewLogger(cfg.Log, "ocr-worker")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, log, true)
	if err != nil {
		log.Error("Failed to initialize", logger.Error(err))
		os.Exit(1)
	}
	if a.Redis == nil {
		log.Warn("Result cache is process-local; progress written by this worker is invisible to the server")
	}

	batchWorker := worker.NewBatchWorker(worker.Config{
		Queue: queue.Config{
			RedisAddr:     cfg.Redis.Addr,
			RedisPassword: cfg.Redis.Password,
			RedisDB:       cfg.Redis.DB,
		},
		Concurrency:     cfg.Queue.Concurrency,
		Queues:          queue.Weights,
		ShutdownTimeout: cfg.Batch.CleanupTimeout,
	}, a.Orchestrator, a.Storage, log)

	if err := batchWorker.Start(); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		os.Exit(1)
	}
	go a.RunJanitor(ctx)
	log.Info("Worker started", logger.Int("concurrency", cfg.Queue.Concurrency))

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// 优雅关闭
	log.Info("Shutting down worker...")
	cancel()
	batchWorker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Error("Shutdown incomplete", logger.Error(err))
	}
	log.Info("Worker stopped")
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/ocr-batch/internal/batch"
	perrors "github.com/feichai0017/ocr-batch/internal/errors"
	"github.com/feichai0017/ocr-batch/internal/models"
	"github.com/feichai0017/ocr-batch/internal/service/jobs"
	"github.com/feichai0017/ocr-batch/pkg/logger"
	"github.com/feichai0017/ocr-batch/pkg/queue"
	"github.com/feichai0017/ocr-batch/pkg/storage"
)

type Config struct {
	Queue           queue.Config
	Concurrency     int
	Queues          map[string]int
	ShutdownTimeout time.Duration
}

// Runner is the part of the orchestrator the worker drives.
type Runner interface {
	StartBatch(ctx context.Context, req batch.BatchRequest) (*models.JobDescriptor, error)
	Cancel(jobID string) error
}

// BatchWorker consumes batch:recognize tasks and runs each one to a
// terminal state on the local orchestrator.
type BatchWorker struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	runner  Runner
	storage storage.Storage
	logger  logger.Logger
}

func NewBatchWorker(cfg Config, runner Runner, store storage.Storage, log logger.Logger) *BatchWorker {
	if cfg.Queues == nil {
		cfg.Queues = queue.Weights
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	log = log.Named("worker")

	server := asynq.NewServer(cfg.Queue.RedisOpt(), asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          cfg.Queues,
		ShutdownTimeout: cfg.ShutdownTimeout,
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			return time.Duration(n) * time.Minute
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Error("Task failed", logger.String("type", task.Type()), logger.Error(err))
		}),
	})

	w := &BatchWorker{
		server:  server,
		mux:     asynq.NewServeMux(),
		runner:  runner,
		storage: store,
		logger:  log,
	}
	w.mux.HandleFunc(queue.TaskTypeBatchRecognize, w.ProcessTask)
	return w
}

func (w *BatchWorker) Start() error {
	return w.server.Start(w.mux)
}

func (w *BatchWorker) Stop() {
	w.server.Shutdown()
}

// ProcessTask runs one queued batch. Once the batch has started, item
// failures live in the job state and the task itself is never retried.
func (w *BatchWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	task, err := queue.ParseBatchTask(t.Payload())
	if err != nil {
		w.logger.Error("Dropping malformed task", logger.Error(err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	log := w.logger.With(logger.String("jobId", task.JobID))

	req, err := w.load(ctx, task, log)
	if err != nil {
		return err
	}

	desc, err := w.runner.StartBatch(ctx, req)
	if err != nil {
		if !perrors.IsRetryable(err) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	defer w.cleanup(task.JobID, log)

	select {
	case <-desc.Done:
		log.Info("Queued batch finished", logger.Int("total", desc.TotalImages))
		return nil
	case <-ctx.Done():
		log.Warn("Queued batch interrupted", logger.Error(ctx.Err()))
		if err := w.runner.Cancel(task.JobID); err != nil {
			log.Warn("Failed to cancel batch", logger.Error(err))
		}
		<-desc.Done
		return fmt.Errorf("batch %s interrupted: %w: %w", task.JobID, ctx.Err(), asynq.SkipRetry)
	}
}

// load reads the staged inputs back. A read failure is retried until the
// last attempt, which hands the item over empty so it is rejected in place.
func (w *BatchWorker) load(ctx context.Context, task *queue.BatchTask, log logger.Logger) (batch.BatchRequest, error) {
	req := batch.BatchRequest{
		JobID:    task.JobID,
		OwnerID:  task.OwnerID,
		Settings: task.Settings,
		Files:    make([]models.File, 0, len(task.Inputs)),
		Indices:  make([]int, 0, len(task.Inputs)),
	}
	var missing []error
	for _, in := range task.Inputs {
		data, err := storage.ReadAll(ctx, w.storage, in.Key)
		if err != nil {
			missing = append(missing, fmt.Errorf("%s: %w", in.Key, err))
		}
		req.Files = append(req.Files, models.File{Name: in.Name, Data: data})
		req.Indices = append(req.Indices, in.Index)
	}
	if len(missing) > 0 {
		err := errors.Join(missing...)
		if !lastAttempt(ctx) {
			return req, fmt.Errorf("failed to load staged inputs: %w", err)
		}
		log.Warn("Staged inputs unreadable on final attempt", logger.Int("missing", len(missing)), logger.Error(err))
	}
	return req, nil
}

func (w *BatchWorker) cleanup(jobID string, log logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.storage.RemoveDir(ctx, jobs.IncomingPrefix+"/"+jobID); err != nil {
		log.Warn("Failed to remove staged inputs", logger.Error(err))
	}
}

func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	limit, ok := asynq.GetMaxRetry(ctx)
	return !ok || retried >= limit
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/ocr-batch/internal/models"
)

const TaskTypeBatchRecognize = "batch:recognize"

// Queue names and their asynq priority weights.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

var Weights = map[string]int{
	QueueCritical: 6,
	QueueDefault:  3,
	QueueLow:      1,
}

type Queue interface {
	Enqueue(ctx context.Context, task *BatchTask) error
	// Cancel reports deleted when the task was still waiting and has been
	// removed, false when a worker was signalled instead.
	Cancel(ctx context.Context, taskID string) (deleted bool, err error)
	Close() error
}

// StagedInput points at an uploaded file the dispatcher already stored.
type StagedInput struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Key   string `json:"key"`
}

// BatchTask is the payload of a batch:recognize task. The task id equals
// the job id so the job can be cancelled through the queue.
type BatchTask struct {
	JobID     string                     `json:"jobId"`
	OwnerID   string                     `json:"ownerId"`
	Settings  models.RecognitionSettings `json:"settings"`
	Inputs    []StagedInput              `json:"inputs"`
	Priority  int                        `json:"priority"`
	CreatedAt time.Time                  `json:"createdAt"`
}

func ParseBatchTask(payload []byte) (*BatchTask, error) {
	var task BatchTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	if task.JobID == "" || len(task.Inputs) == 0 {
		return nil, fmt.Errorf("invalid task data: missing job id or inputs")
	}
	return &task, nil
}

type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MaxRetry      int
	Timeout       time.Duration
	Retention     time.Duration
}

func (c Config) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}

type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	cfg       Config
}

func NewAsynqQueue(cfg Config) *AsynqQueue {
	if cfg.MaxRetry < 0 {
		cfg.MaxRetry = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &AsynqQueue{
		client:    asynq.NewClient(cfg.RedisOpt()),
		inspector: asynq.NewInspector(cfg.RedisOpt()),
		cfg:       cfg,
	}
}

// NewTask builds the asynq task for a batch, routed by priority.
func NewTask(task *BatchTask, cfg Config) (*asynq.Task, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	opts := []asynq.Option{
		asynq.MaxRetry(cfg.MaxRetry),
		asynq.Timeout(cfg.Timeout),
		asynq.TaskID(task.JobID),
		asynq.Queue(queueFor(task.Priority)),
	}
	if cfg.Retention > 0 {
		opts = append(opts, asynq.Retention(cfg.Retention))
	}
	return asynq.NewTask(TaskTypeBatchRecognize, payload, opts...), nil
}

func queueFor(priority int) string {
	switch priority {
	case 1:
		return QueueCritical
	case 2:
		return QueueDefault
	default:
		return QueueLow
	}
}

func (q *AsynqQueue) Enqueue(ctx context.Context, task *BatchTask) error {
	t, err := NewTask(task, q.cfg)
	if err != nil {
		return err
	}
	if _, err := q.client.EnqueueContext(ctx, t); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Cancel deletes a task that has not started yet, or signals the worker
// running it.
func (q *AsynqQueue) Cancel(_ context.Context, taskID string) (bool, error) {
	var lastErr error
	for name := range Weights {
		err := q.inspector.DeleteTask(name, taskID)
		if err == nil {
			return true, nil
		}
		lastErr = err
	}
	if err := q.inspector.CancelProcessing(taskID); err != nil {
		return false, fmt.Errorf("failed to cancel task: %w", errors.Join(lastErr, err))
	}
	return false, nil
}

func (q *AsynqQueue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close())
}

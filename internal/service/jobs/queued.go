package jobs

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/ocr-batch/internal/batch"
	"github.com/feichai0017/ocr-batch/internal/engine"
	perrors "github.com/feichai0017/ocr-batch/internal/errors"
	"github.com/feichai0017/ocr-batch/internal/models"
	"github.com/feichai0017/ocr-batch/internal/notify"
	"github.com/feichai0017/ocr-batch/pkg/logger"
	"github.com/feichai0017/ocr-batch/pkg/queue"
	"github.com/feichai0017/ocr-batch/pkg/storage"
)

// IncomingPrefix is where the dispatcher stages uploads for workers.
const IncomingPrefix = "incoming"

// QueuedService validates and stages uploads, then hands the batch to a
// worker through the queue. Progress is read back from the shared cache.
type QueuedService struct {
	queue     queue.Queue
	storage   storage.Storage
	cache     batch.Cache
	validator batch.Validator
	notifier  notify.Notifier
	engines   EngineLister
	logger    logger.Logger
}

type QueuedDeps struct {
	Queue     queue.Queue
	Storage   storage.Storage
	Cache     batch.Cache
	Validator batch.Validator
	Notifier  notify.Notifier
	Engines   EngineLister
	Logger    logger.Logger
}

func NewQueuedService(d QueuedDeps) *QueuedService {
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	return &QueuedService{
		queue:     d.Queue,
		storage:   d.Storage,
		cache:     d.Cache,
		validator: d.Validator,
		notifier:  d.Notifier,
		engines:   d.Engines,
		logger:    d.Logger.Named("dispatch"),
	}
}

func IncomingKey(jobID string, index int, name string) string {
	return IncomingPrefix + "/" + batch.ScratchKey(jobID, index, name)
}

func (s *QueuedService) StartBatch(ctx context.Context, req batch.BatchRequest) (*models.JobDescriptor, error) {
	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	log := s.logger.With(logger.String("jobId", jobID))

	var (
		inputs   []queue.StagedInput
		rejected []models.RejectedFile
	)
	for i, f := range req.Files {
		res := s.validator.Validate(f)
		if !res.IsValid {
			rejected = append(rejected, models.RejectedFile{Index: i, Name: f.Name, Reason: res.Reason()})
			continue
		}
		key := IncomingKey(jobID, i, f.Name)
		if err := s.storage.Store(ctx, key, bytes.NewReader(f.Data), int64(len(f.Data))); err != nil {
			rejected = append(rejected, models.RejectedFile{Index: i, Name: f.Name, Reason: err.Error()})
			continue
		}
		inputs = append(inputs, queue.StagedInput{Index: i, Name: f.Name, Key: key})
	}

	now := time.Now()
	snap := &models.BatchJobSnapshot{
		JobID:     jobID,
		OwnerID:   req.OwnerID,
		Status:    models.JobProcessing,
		Total:     len(inputs),
		Settings:  req.Settings,
		CreatedAt: now,
	}

	if len(inputs) == 0 {
		err := perrors.NewNoValidFilesError(jobID, len(rejected))
		snap.Status = models.JobFailed
		snap.Percent = 100
		snap.Error = err.Error()
		snap.CompletedAt = &now
		s.cache.SetSnapshot(ctx, snap)
		if pubErr := s.notifier.Publish(ctx, models.NewErrorEvent(jobID, req.OwnerID, err)); pubErr != nil {
			log.Warn("Failed to publish event", logger.Error(pubErr))
		}
		return nil, err
	}

	task := &queue.BatchTask{
		JobID:     jobID,
		OwnerID:   req.OwnerID,
		Settings:  req.Settings,
		Inputs:    inputs,
		Priority:  2,
		CreatedAt: now,
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		if rmErr := s.storage.RemoveDir(ctx, IncomingPrefix+"/"+jobID); rmErr != nil {
			log.Warn("Failed to remove staged uploads", logger.Error(rmErr))
		}
		return nil, fmt.Errorf("failed to dispatch batch %s: %w", jobID, err)
	}

	s.cache.SetSnapshot(ctx, snap)
	log.Info("Batch enqueued", logger.Int("total", len(inputs)), logger.Int("rejected", len(rejected)))

	return &models.JobDescriptor{
		JobID:       jobID,
		TotalImages: len(inputs),
		ProgressRef: "/api/v1/batches/" + jobID,
		Rejected:    rejected,
	}, nil
}

func (s *QueuedService) GetProgress(ctx context.Context, jobID string) (*models.BatchJobSnapshot, error) {
	if snap, ok := s.cache.GetSnapshot(ctx, jobID); ok {
		return snap, nil
	}
	return nil, perrors.NewJobNotFoundError(jobID)
}

// Cancel removes or interrupts the queued task. A task deleted before any
// worker picked it up is marked cancelled here; a running one is left to
// its worker.
func (s *QueuedService) Cancel(ctx context.Context, jobID string) error {
	snap, ok := s.cache.GetSnapshot(ctx, jobID)
	if !ok {
		return perrors.NewJobNotFoundError(jobID)
	}
	if snap.Status.Terminal() {
		return nil
	}
	deleted, err := s.queue.Cancel(ctx, jobID)
	if err != nil {
		return err
	}
	if deleted {
		now := time.Now()
		snap.Status = models.JobCancelled
		snap.Error = "batch cancelled"
		snap.CompletedAt = &now
		s.cache.SetSnapshot(ctx, snap)
	}
	return nil
}

func (s *QueuedService) Engines() []engine.Info {
	if s.engines == nil {
		return nil
	}
	return s.engines.Engines()
}

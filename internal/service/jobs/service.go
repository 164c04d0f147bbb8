package jobs

import (
	"context"

	"github.com/feichai0017/ocr-batch/internal/batch"
	"github.com/feichai0017/ocr-batch/internal/engine"
	"github.com/feichai0017/ocr-batch/internal/models"
)

// Service is what the HTTP layer talks to, whichever way batches are run.
type Service interface {
	StartBatch(ctx context.Context, req batch.BatchRequest) (*models.JobDescriptor, error)
	GetProgress(ctx context.Context, jobID string) (*models.BatchJobSnapshot, error)
	Cancel(ctx context.Context, jobID string) error
	Engines() []engine.Info
}

type EngineLister interface {
	Engines() []engine.Info
}

// LocalService runs batches inside this process.
type LocalService struct {
	orch    *batch.Orchestrator
	engines EngineLister
}

func NewLocalService(orch *batch.Orchestrator, engines EngineLister) *LocalService {
	return &LocalService{orch: orch, engines: engines}
}

func (s *LocalService) StartBatch(ctx context.Context, req batch.BatchRequest) (*models.JobDescriptor, error) {
	return s.orch.StartBatch(ctx, req)
}

func (s *LocalService) GetProgress(ctx context.Context, jobID string) (*models.BatchJobSnapshot, error) {
	return s.orch.GetProgress(ctx, jobID)
}

func (s *LocalService) Cancel(_ context.Context, jobID string) error {
	return s.orch.Cancel(jobID)
}

func (s *LocalService) Engines() []engine.Info {
	if s.engines == nil {
		return nil
	}
	return s.engines.Engines()
}

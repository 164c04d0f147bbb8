package handlers

import (
	"github.com/feichai0017/ocr-batch/internal/service/jobs"
	"github.com/feichai0017/ocr-batch/pkg/logger"
)

type Handlers struct {
	Batch  *BatchHandler
	Health *HealthHandler
}

func NewHandlers(
	batchService jobs.Service,
	maxUploadBytes int64,
	defaultLanguage string,
	checks map[string]HealthCheck,
	logger logger.Logger,
) *Handlers {
	return &Handlers{
		Batch:  NewBatchHandler(batchService, maxUploadBytes, defaultLanguage, logger),
		Health: NewHealthHandler(checks),
	}
}

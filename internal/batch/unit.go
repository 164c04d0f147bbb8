package batch

import (
	"bytes"
	"context"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	perrors "github.com/feichai0017/ocr-batch/internal/errors"
	"github.com/feichai0017/ocr-batch/internal/models"
	"github.com/feichai0017/ocr-batch/internal/preprocess"
	"github.com/feichai0017/ocr-batch/pkg/logger"
	"github.com/feichai0017/ocr-batch/pkg/storage"
)

// process handles one item end to end. Every failure, panics included, comes
// back as outcome.err.
func (o *Orchestrator) process(ctx context.Context, jobID string, settings models.RecognitionSettings, item models.BatchItem, log logger.Logger) (oc outcome) {
	start := time.Now()
	oc.index = item.Index
	defer func() {
		if r := recover(); r != nil {
			log.Error("Recovered panic while processing item",
				logger.Int("index", item.Index),
				logger.String("file", item.Name),
				logger.Any("panic", r),
				logger.Stack(),
			)
			oc.result, oc.err = nil, perrors.NewPanicError(jobID, r)
		}
		oc.duration = time.Since(start)
	}()

	oc.result, oc.err = o.recognizeItem(ctx, jobID, settings, item, log)
	if oc.err != nil && ctx.Err() != nil && errors.Is(oc.err, ctx.Err()) {
		oc.err = perrors.NewCancelledError(jobID, oc.err)
	}
	return oc
}

func (o *Orchestrator) recognizeItem(ctx context.Context, jobID string, settings models.RecognitionSettings, item models.BatchItem, log logger.Logger) (*models.RecognitionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := storage.ReadAll(ctx, o.storage, item.StorageKey)
	if err != nil {
		return nil, perrors.NewStorageError(jobID, item.StorageKey, err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, perrors.NewDecodeError(jobID, item.Name, err)
	}

	stages, opts := o.stagesFor(settings)
	processed, info, err := o.pipeline.Preprocess(ctx, img, stages, opts...)
	if err != nil {
		return nil, err
	}
	if info != nil {
		log.Debug("Item preprocessed",
			logger.Int("index", item.Index),
			logger.Strings("applied", info.Applied),
			logger.Int("skipped", len(info.Skipped)),
			logger.Duration("duration", info.Duration),
		)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cached, ok := o.cache.GetResult(ctx, item.ContentHash, settings); ok {
		return cached, nil
	}

	res, err := o.recognizer.Recognize(ctx, processed, settings)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, perrors.NewRecognitionError(jobID, settings.Engine, err)
	}
	o.cache.SetResult(ctx, item.ContentHash, settings, res)
	return res, nil
}

// stagesFor picks the preprocessing chain for a request. Resize comes first
// whenever a dimension cap is set.
func (o *Orchestrator) stagesFor(s models.RecognitionSettings) ([]preprocess.Stage, []preprocess.RunOption) {
	var (
		stages []preprocess.Stage
		opts   []preprocess.RunOption
	)
	if s.MaxDimension > 0 {
		stages = append(stages, preprocess.StageResize)
		opts = append(opts, preprocess.WithMaxDimension(s.MaxDimension))
	}
	switch {
	case len(s.Stages) > 0:
		chain, _ := preprocess.ParseStages(s.Stages)
		stages = append(stages, chain...)
	case s.Enhance:
		chain := o.cfg.PrintedStages
		if s.Handwriting {
			chain = o.cfg.HandwritingStages
		}
		if len(chain) == 0 {
			chain = preprocess.StagesFor(s.Handwriting)
		}
		stages = append(stages, chain...)
	}
	return stages, opts
}

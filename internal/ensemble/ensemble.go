package ensemble

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/ocr-batch/internal/engine"
	perrors "github.com/feichai0017/ocr-batch/internal/errors"
	"github.com/feichai0017/ocr-batch/internal/models"
	"github.com/feichai0017/ocr-batch/pkg/logger"
	"github.com/feichai0017/ocr-batch/pkg/metrics"
)

type Config struct {
	// DefaultEngine serves single-engine requests that name no engine.
	// Empty means the first available engine.
	DefaultEngine string
}

// Ensemble fronts the recognition engines. Availability is probed once in
// New and never refreshed, so the engine set is read-only afterwards.
type Ensemble struct {
	cfg       Config
	available []engine.Info
	engines   map[string]engine.Engine
	logger    logger.Logger
	metrics   *metrics.Recorder
}

func New(ctx context.Context, registry *engine.Registry, cfg Config, log logger.Logger, m *metrics.Recorder) *Ensemble {
	e := &Ensemble{
		cfg:     cfg,
		engines: make(map[string]engine.Engine),
		logger:  log.Named("ensemble"),
		metrics: m,
	}
	e.available = registry.ListAvailableEngines(ctx)
	for _, info := range e.available {
		eng, _ := registry.Get(info.Name)
		e.engines[info.Name] = eng
	}

	if len(e.available) == 0 {
		e.logger.Warn("No recognition engines available; every recognition will fail")
	} else {
		e.logger.Info("Recognition engines ready", logger.Strings("engines", e.names()))
	}
	return e
}

// Engines returns the engines that were available at construction.
func (e *Ensemble) Engines() []engine.Info {
	return append([]engine.Info(nil), e.available...)
}

// Recognize picks single or voting mode from the settings.
func (e *Ensemble) Recognize(ctx context.Context, img image.Image, s models.RecognitionSettings) (*models.RecognitionResult, error) {
	if s.Voting {
		return e.RecognizeWithVoting(ctx, img, s.Language, s.Enhance, s.Handwriting)
	}
	return e.RecognizeSingle(ctx, img, s.Engine, s.Language, s.Enhance, s.Handwriting)
}

func (e *Ensemble) RecognizeSingle(ctx context.Context, img image.Image, engineName, language string, enhance, handwriting bool) (*models.RecognitionResult, error) {
	name, err := e.resolve(engineName)
	if err != nil {
		return nil, err
	}
	return e.call(ctx, name, img, engine.Options{Language: language, Enhance: enhance, Handwriting: handwriting})
}

// RecognizeWithVoting runs every available engine that supports language and
// returns the centroid text. Its confidence is the mean of the engine's own
// confidence and the centroid's average similarity to the other texts.
func (e *Ensemble) RecognizeWithVoting(ctx context.Context, img image.Image, language string, enhance, handwriting bool) (*models.RecognitionResult, error) {
	candidates := e.candidates(language)
	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("%w for language %q", perrors.ErrNoEngines, language)
	case 1:
		return e.RecognizeSingle(ctx, img, candidates[0], language, enhance, handwriting)
	}

	start := time.Now()
	opts := engine.Options{Language: language, Enhance: enhance, Handwriting: handwriting}
	results := make([]*models.RecognitionResult, len(candidates))
	errs := make([]error, len(candidates))

	var g errgroup.Group
	for i, name := range candidates {
		g.Go(func() error {
			results[i], errs[i] = e.call(ctx, name, img, opts)
			return nil
		})
	}
	_ = g.Wait()

	var (
		merr      *multierror.Error
		succeeded []*models.RecognitionResult
		consensus = &models.Consensus{RawConfidences: make(map[string]float64)}
	)
	for i, name := range candidates {
		if errs[i] != nil {
			merr = multierror.Append(merr, errs[i])
			consensus.Failed = append(consensus.Failed, name)
			e.logger.Warn("Engine failed during voting", logger.String("engine", name), logger.Error(errs[i]))
			continue
		}
		succeeded = append(succeeded, results[i])
		consensus.Engines = append(consensus.Engines, name)
		consensus.RawConfidences[name] = results[i].Confidence
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(succeeded) == 0 {
		return nil, fmt.Errorf("%w: %w", perrors.ErrAllEnginesFailed, merr.ErrorOrNil())
	}

	texts := make([]string, len(succeeded))
	for i, r := range succeeded {
		texts[i] = r.Text
	}
	best, agreement := centroid(texts)
	chosen := *succeeded[best]

	if len(succeeded) > 1 {
		chosen.Confidence = (chosen.Confidence + agreement) / 2
	}
	consensus.Agreement = agreement
	chosen.Consensus = consensus
	chosen.ProcessingTime = time.Since(start)
	return &chosen, nil
}

func (e *Ensemble) call(ctx context.Context, name string, img image.Image, opts engine.Options) (*models.RecognitionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	eng := e.engines[name]

	start := time.Now()
	res, err := eng.Recognize(ctx, img, opts)
	elapsed := time.Since(start)
	e.metrics.RecordEngineCall(name, err, elapsed)
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", name, err)
	}
	if res == nil {
		return nil, fmt.Errorf("engine %s returned no result", name)
	}
	if res.Engine == "" {
		res.Engine = name
	}
	if res.ProcessingTime == 0 {
		res.ProcessingTime = elapsed
	}
	return res, nil
}

func (e *Ensemble) resolve(name string) (string, error) {
	if name == "" {
		name = e.cfg.DefaultEngine
	}
	if name == "" {
		if len(e.available) == 0 {
			return "", perrors.ErrNoEngines
		}
		return e.available[0].Name, nil
	}
	if _, ok := e.engines[name]; !ok {
		return "", fmt.Errorf("%w: %s", perrors.ErrEngineUnavailable, name)
	}
	return name, nil
}

func (e *Ensemble) candidates(language string) []string {
	var names []string
	for _, info := range e.available {
		if info.Supports(language) {
			names = append(names, info.Name)
		}
	}
	return names
}

func (e *Ensemble) names() []string {
	names := make([]string, len(e.available))
	for i, info := range e.available {
		names[i] = info.Name
	}
	return names
}

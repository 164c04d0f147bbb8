package preprocess

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/feichai0017/ocr-batch/pkg/logger"
	"github.com/feichai0017/ocr-batch/pkg/metrics"
)

// Config tunes the individual stages.
type Config struct {
	MaxDimension     int     // resize: longer side limit, 0 disables
	DenoiseSigma     float64 // gaussian blur sigma
	ContrastAmount   float64 // percentage, -100..100
	BrightnessAmount float64 // percentage, -100..100
	SharpenSigma     float64
	DeskewMinAngle   float64 // degrees; smaller skews are left alone
	DeskewMaxAngle   float64 // degrees; search range of the line detector
	DeskewStep       float64 // degrees between candidate angles
	EdgeThreshold    float64 // sobel magnitude
	SegmentBlockSize int     // characterSegment adaptive threshold window
	SegmentOffset    float64
}

func DefaultConfig() Config {
	return Config{
		MaxDimension:     3000,
		DenoiseSigma:     0.5,
		ContrastAmount:   20,
		BrightnessAmount: 10,
		SharpenSigma:     1.0,
		DeskewMinAngle:   0.5,
		DeskewMaxAngle:   15,
		DeskewStep:       0.5,
		EdgeThreshold:    128,
		SegmentBlockSize: 15,
		SegmentOffset:    10,
	}
}

// StageFunc is a single transform. Implementations must not mutate their input.
type StageFunc func(img image.Image) (image.Image, error)

type Option func(*Pipeline)

// WithStageFunc replaces the implementation of one stage.
func WithStageFunc(s Stage, fn StageFunc) Option {
	return func(p *Pipeline) { p.overrides[s] = fn }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(p *Pipeline) { p.metrics = m }
}

type SkippedStage struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

type Quality struct {
	SignalToNoise    float64 `json:"signalToNoise"`
	OriginalContrast float64 `json:"originalContrast"`
	FinalContrast    float64 `json:"finalContrast"`
	ContrastDelta    float64 `json:"contrastDelta"`
}

// Info describes what a Preprocess call actually did.
type Info struct {
	Applied      []string       `json:"appliedOperations"`
	Skipped      []SkippedStage `json:"skippedOperations,omitempty"`
	OriginalSize image.Point    `json:"originalSize"`
	FinalSize    image.Point    `json:"finalSize"`
	Quality      Quality        `json:"quality"`
	Duration     time.Duration  `json:"duration"`
	SkewAngle    float64        `json:"skewAngle,omitempty"`
}

type Pipeline struct {
	cfg       Config
	logger    logger.Logger
	metrics   *metrics.Recorder
	overrides map[Stage]StageFunc
}

func NewPipeline(cfg Config, log logger.Logger, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.DeskewMaxAngle <= 0 {
		cfg.DeskewMaxAngle = def.DeskewMaxAngle
	}
	if cfg.DeskewStep <= 0 {
		cfg.DeskewStep = def.DeskewStep
	}
	if cfg.EdgeThreshold <= 0 {
		cfg.EdgeThreshold = def.EdgeThreshold
	}
	if cfg.SegmentBlockSize <= 0 {
		cfg.SegmentBlockSize = def.SegmentBlockSize
	}
	p := &Pipeline{
		cfg:       cfg,
		logger:    log.Named("preprocess"),
		overrides: make(map[Stage]StageFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type runOptions struct {
	maxDimension int
}

type RunOption func(*runOptions)

// WithMaxDimension overrides the resize limit for one call.
func WithMaxDimension(n int) RunOption {
	return func(o *runOptions) { o.maxDimension = n }
}

// Preprocess runs stages in order. A stage that fails or panics is skipped and
// the image from before that stage is carried forward. The returned error is
// non-nil only for a nil input or a cancelled context; in the latter case the
// image processed so far is still returned.
func (p *Pipeline) Preprocess(ctx context.Context, img image.Image, stages []Stage, opts ...RunOption) (image.Image, *Info, error) {
	if img == nil {
		return nil, nil, fmt.Errorf("input image is nil")
	}
	ro := runOptions{maxDimension: p.cfg.MaxDimension}
	for _, opt := range opts {
		opt(&ro)
	}

	start := time.Now()
	info := &Info{
		Applied:      make([]string, 0, len(stages)),
		OriginalSize: img.Bounds().Size(),
	}
	original := img
	current := img

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			p.finish(info, original, current, start)
			return current, info, err
		}

		next, err := p.run(stage, current, ro, info)
		if err != nil {
			p.logger.Warn("Skipping preprocessing stage",
				logger.String("stage", stage.String()),
				logger.Error(err),
			)
			p.metrics.RecordStageSkip(stage.String())
			info.Skipped = append(info.Skipped, SkippedStage{Stage: stage.String(), Reason: err.Error()})
			continue
		}
		current = next
		info.Applied = append(info.Applied, stage.String())
	}

	p.finish(info, original, current, start)
	return current, info, nil
}

// PreprocessNamed resolves stage names first; unknown names are skipped with a warning.
func (p *Pipeline) PreprocessNamed(ctx context.Context, img image.Image, names []string, opts ...RunOption) (image.Image, *Info, error) {
	stages, unknown := ParseStages(names)
	for _, name := range unknown {
		p.logger.Warn("Unknown preprocessing stage", logger.String("stage", name))
	}
	out, info, err := p.Preprocess(ctx, img, stages, opts...)
	if info != nil {
		for _, name := range unknown {
			info.Skipped = append(info.Skipped, SkippedStage{Stage: name, Reason: "unknown stage"})
		}
	}
	return out, info, err
}

func (p *Pipeline) finish(info *Info, original, final image.Image, start time.Time) {
	info.FinalSize = final.Bounds().Size()
	info.Quality = measureQuality(original, final)
	info.Duration = time.Since(start)
}

// run executes one stage and turns panics into errors.
func (p *Pipeline) run(stage Stage, img image.Image, ro runOptions, info *Info) (out image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("stage %s panicked: %v", stage, r)
		}
	}()

	if fn, ok := p.overrides[stage]; ok {
		out, err = fn(img)
	} else {
		out, err = p.apply(stage, img, ro, info)
	}
	if err != nil {
		return nil, err
	}
	if out == nil || out.Bounds().Empty() {
		return nil, fmt.Errorf("stage %s produced an empty image", stage)
	}
	return out, nil
}

func (p *Pipeline) apply(stage Stage, img image.Image, ro runOptions, info *Info) (image.Image, error) {
	switch stage {
	case StageResize:
		return resize(img, ro.maxDimension), nil
	case StageDenoise:
		return denoise(img, p.cfg.DenoiseSigma), nil
	case StageDeskew:
		out, angle, err := p.deskew(img)
		info.SkewAngle = angle
		return out, err
	case StageContrast:
		return contrast(img, p.cfg.ContrastAmount), nil
	case StageBrightness:
		return brightness(img, p.cfg.BrightnessAmount), nil
	case StageBinarize:
		return binarize(img)
	case StageSharpen:
		return sharpen(img, p.cfg.SharpenSigma), nil
	case StageHandwritingEnhance:
		return handwritingEnhance(img), nil
	case StageCharacterSegment:
		return adaptiveThreshold(img, p.cfg.SegmentBlockSize, p.cfg.SegmentOffset)
	case StageScriptOptimize:
		return scriptOptimize(img), nil
	case StageStrokeEnhance:
		return strokeEnhance(img), nil
	default:
		return nil, fmt.Errorf("unsupported stage %d", int(stage))
	}
}

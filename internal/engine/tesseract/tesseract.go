package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/feichai0017/ocr-batch/internal/engine"
	"github.com/feichai0017/ocr-batch/internal/models"
	"github.com/feichai0017/ocr-batch/pkg/logger"
)

const Name = "tesseract"

type Config struct {
	Languages     []string // tessdata packs to advertise; empty asks tesseract
	MinConfidence float64  // 0..100, lines below are dropped from blocks
	Variables     map[string]string
}

// Engine runs the local tesseract library. A fresh client is created per
// call because gosseract clients are not safe for concurrent use.
type Engine struct {
	cfg    Config
	langs  []string
	logger logger.Logger
}

func New(cfg Config, log logger.Logger) *Engine {
	return &Engine{cfg: cfg, logger: log.Named(Name)}
}

func (e *Engine) Name() string { return Name }

func (e *Engine) Languages() []string {
	if len(e.langs) > 0 {
		return e.langs
	}
	return e.cfg.Languages
}

// Available checks that libtesseract can list its installed language packs.
func (e *Engine) Available(context.Context) bool {
	langs, err := gosseract.GetAvailableLanguages()
	if err != nil || len(langs) == 0 {
		e.logger.Warn("Tesseract not usable", logger.Error(err))
		return false
	}
	if len(e.cfg.Languages) == 0 {
		e.langs = langs
	}
	return true
}

func (e *Engine) Recognize(ctx context.Context, img image.Image, opts engine.Options) (*models.RecognitionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	client := gosseract.NewClient()
	defer client.Close()

	lang := opts.Language
	if lang == "" {
		lang = "eng"
	}
	if err := client.SetLanguage(strings.Split(lang, "+")...); err != nil {
		return nil, fmt.Errorf("failed to set language: %w", err)
	}
	mode := gosseract.PSM_AUTO
	if opts.Handwriting {
		mode = gosseract.PSM_SINGLE_BLOCK
	}
	if err := client.SetPageSegMode(mode); err != nil {
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	for k, v := range e.cfg.Variables {
		if err := client.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			e.logger.Warn("Failed to set tesseract variable", logger.String("name", k), logger.Error(err))
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("failed to perform OCR: %w", err)
	}
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, fmt.Errorf("failed to get bounding boxes: %w", err)
	}

	blocks, confidence := e.toBlocks(boxes)
	return &models.RecognitionResult{
		Text:           strings.TrimSpace(text),
		Confidence:     confidence,
		Blocks:         blocks,
		Engine:         Name,
		ProcessingTime: time.Since(start),
	}, nil
}

// toBlocks keeps lines above MinConfidence and averages their confidence
// into the 0..1 range.
func (e *Engine) toBlocks(boxes []gosseract.BoundingBox) ([]models.TextBlock, float64) {
	var (
		blocks []models.TextBlock
		total  float64
	)
	for _, box := range boxes {
		word := strings.TrimSpace(box.Word)
		if word == "" || box.Confidence < e.cfg.MinConfidence {
			continue
		}
		r := box.Box
		blocks = append(blocks, models.TextBlock{
			Text:       word,
			Confidence: box.Confidence / 100,
			Polygon:    models.RectPolygon(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy())),
		})
		total += box.Confidence
	}
	if len(blocks) == 0 {
		return nil, 0
	}
	return blocks, total / float64(len(blocks)) / 100
}

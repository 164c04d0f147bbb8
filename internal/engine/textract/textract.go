package textract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"github.com/feichai0017/ocr-batch/internal/engine"
	"github.com/feichai0017/ocr-batch/internal/models"
	"github.com/feichai0017/ocr-batch/pkg/logger"
)

const Name = "textract"

// Textract only detects Latin-script text.
var supportedLanguages = []string{"eng", "deu", "fra", "ita", "por", "spa"}

type Config struct {
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	MinConfidence float32 // 0..100
}

// API is the subset of the textract client used here.
type API interface {
	DetectDocumentText(ctx context.Context, params *textract.DetectDocumentTextInput, optFns ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error)
}

type Engine struct {
	client API
	cfg    Config
	logger logger.Logger
}

func New(ctx context.Context, cfg Config, log logger.Logger) (*Engine, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := textract.NewFromConfig(awsCfg, func(o *textract.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg, log), nil
}

func NewWithClient(client API, cfg Config, log logger.Logger) *Engine {
	return &Engine{client: client, cfg: cfg, logger: log.Named(Name)}
}

func (e *Engine) Name() string        { return Name }
func (e *Engine) Languages() []string { return supportedLanguages }

// Available only checks configuration; probing the API would cost a request.
func (e *Engine) Available(context.Context) bool {
	return e.client != nil && e.cfg.Region != ""
}

func (e *Engine) Recognize(ctx context.Context, img image.Image, opts engine.Options) (*models.RecognitionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	out, err := e.client.DetectDocumentText(ctx, &textract.DetectDocumentTextInput{
		Document: &types.Document{Bytes: buf.Bytes()},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to detect document text: %w", err)
	}

	size := img.Bounds().Size()
	blocks, confidence := e.lineBlocks(out.Blocks, float64(size.X), float64(size.Y))
	lines := make([]string, len(blocks))
	for i, b := range blocks {
		lines[i] = b.Text
	}

	return &models.RecognitionResult{
		Text:           strings.Join(lines, "\n"),
		Confidence:     confidence,
		Blocks:         blocks,
		Engine:         Name,
		ProcessingTime: time.Since(start),
	}, nil
}

// lineBlocks keeps LINE blocks above MinConfidence. Textract polygons are
// relative to the page, so they are scaled to pixels.
func (e *Engine) lineBlocks(in []types.Block, width, height float64) ([]models.TextBlock, float64) {
	var (
		blocks []models.TextBlock
		total  float64
	)
	for _, block := range in {
		if block.BlockType != types.BlockTypeLine || block.Text == nil || block.Confidence == nil {
			continue
		}
		if *block.Confidence < e.cfg.MinConfidence {
			continue
		}
		tb := models.TextBlock{
			Text:       *block.Text,
			Confidence: float64(*block.Confidence) / 100,
		}
		if block.Geometry != nil {
			for _, p := range block.Geometry.Polygon {
				tb.Polygon = append(tb.Polygon, models.Point{X: float64(p.X) * width, Y: float64(p.Y) * height})
			}
		}
		blocks = append(blocks, tb)
		total += tb.Confidence
	}
	if len(blocks) == 0 {
		return nil, 0
	}
	return blocks, total / float64(len(blocks))
}

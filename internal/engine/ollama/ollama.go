package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/feichai0017/ocr-batch/internal/engine"
	"github.com/feichai0017/ocr-batch/internal/models"
	"github.com/feichai0017/ocr-batch/pkg/logger"
)

const Name = "ollama"

const (
	printedPrompt     = "Transcribe all text in this image exactly as written. Output only the text, preserving line breaks."
	handwrittenPrompt = "This image contains handwriting. Transcribe it exactly as written. Output only the text, preserving line breaks."
)

type Config struct {
	Endpoint    string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxParallel int           // concurrent requests sent to the server
	PoolTimeout time.Duration // how long a call waits for a free slot
	Languages   []string
}

type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Images  []string               `json:"images"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Model    string `json:"model"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Engine sends images to a vision model served by Ollama. Slots bounds the
// number of requests in flight across all batches.
type Engine struct {
	cfg        Config
	httpClient *http.Client
	slots      chan struct{}
	logger     logger.Logger
}

func New(cfg Config, log logger.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 2
	}
	if cfg.PoolTimeout <= 0 {
		cfg.PoolTimeout = 30 * time.Second
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &Engine{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		slots:      make(chan struct{}, cfg.MaxParallel),
		logger:     log.Named(Name),
	}
}

func (e *Engine) Name() string        { return Name }
func (e *Engine) Languages() []string { return e.cfg.Languages }

// Available asks the server for its model list and checks ours is pulled.
func (e *Engine) Available(ctx context.Context) bool {
	if e.cfg.Endpoint == "" || e.cfg.Model == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.Endpoint+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Warn("Ollama unreachable", logger.String("endpoint", e.cfg.Endpoint), logger.Error(err))
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false
	}
	for _, m := range tags.Models {
		if m.Name == e.cfg.Model || strings.TrimSuffix(m.Name, ":latest") == e.cfg.Model {
			return true
		}
	}
	e.logger.Warn("Ollama model not pulled", logger.String("model", e.cfg.Model))
	return false
}

func (e *Engine) Recognize(ctx context.Context, img image.Image, opts engine.Options) (*models.RecognitionResult, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	start := time.Now()
	text, err := e.generate(ctx, img, opts)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)

	size := img.Bounds().Size()
	result := &models.RecognitionResult{
		Text:           text,
		Confidence:     estimateConfidence(text),
		Engine:         Name,
		ProcessingTime: time.Since(start),
	}
	if text != "" {
		result.Blocks = []models.TextBlock{{
			Text:       text,
			Confidence: result.Confidence,
			Polygon:    models.RectPolygon(0, 0, float64(size.X), float64(size.Y)),
		}}
	}
	return result, nil
}

func (e *Engine) acquire(ctx context.Context) error {
	timer := time.NewTimer(e.cfg.PoolTimeout)
	defer timer.Stop()
	select {
	case e.slots <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("timeout waiting for available ollama slot")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() { <-e.slots }

func (e *Engine) generate(ctx context.Context, img image.Image, opts engine.Options) (string, error) {
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}

	prompt := printedPrompt
	if opts.Handwriting {
		prompt = handwrittenPrompt
	}
	if opts.Language != "" {
		prompt += " The text language is " + opts.Language + "."
	}

	body, err := json.Marshal(generateRequest{
		Model:  e.cfg.Model,
		Prompt: prompt,
		Images: []string{base64.StdEncoding.EncodeToString(buf.Bytes())},
		Stream: false,
		Options: map[string]interface{}{
			"temperature": e.cfg.Temperature,
			"num_predict": e.cfg.MaxTokens,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(msg))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama error: %s", out.Error)
	}
	return out.Response, nil
}

// estimateConfidence scores generated text since the model reports none.
func estimateConfidence(text string) float64 {
	if text == "" {
		return 0
	}
	confidence := 0.5

	runes := []rune(text)
	if len(runes) > 200 {
		confidence += 0.1
	}
	if len(strings.Fields(text)) > 20 {
		confidence += 0.1
	}

	letters := 0
	for _, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			letters++
		}
	}
	ratio := float64(letters) / float64(len(runes))
	if ratio > 0.5 && ratio < 0.95 {
		confidence += 0.1
	}
	return min(confidence, 0.85)
}

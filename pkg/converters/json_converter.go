package converters

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/feichai0017/ocr-batch/internal/models"
)

// ErrNotFinished is returned for batches that can still change.
var ErrNotFinished = errors.New("batch has not finished")

// BatchConverter turns a finished batch into a downloadable document.
type BatchConverter interface {
	Convert(snap *models.BatchJobSnapshot) (*ProcessedBatch, error)
}

// ProcessedBatch 定义处理后的批次结构
type ProcessedBatch struct {
	JobID       string        `json:"jobId"`
	Status      string        `json:"status"`
	Content     []PageContent `json:"content"`
	Metadata    BatchMetadata `json:"metadata"`
	ProcessedAt time.Time     `json:"processedAt"`
}

// PageContent is one input image, in request order.
type PageContent struct {
	Position   int     `json:"position"`
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Engine     string  `json:"engine,omitempty"`
	Agreement  float64 `json:"agreement,omitempty"`
	Error      string  `json:"error,omitempty"`
}

type BatchMetadata struct {
	Language     string   `json:"language,omitempty"`
	Engines      []string `json:"engines"`
	Total        int      `json:"total"`
	Successful   int      `json:"successful"`
	Failed       int      `json:"failed"`
	Confidence   float64  `json:"confidence"`
	ProcessingMs int64    `json:"processingMs"`
}

// JSONConverter 实现批次转换器
type JSONConverter struct{}

func NewJSONConverter() *JSONConverter {
	return &JSONConverter{}
}

func (c *JSONConverter) Convert(snap *models.BatchJobSnapshot) (*ProcessedBatch, error) {
	if snap == nil {
		return nil, fmt.Errorf("no batch to convert")
	}
	if !snap.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFinished, snap.JobID, snap.Status)
	}

	doc := &ProcessedBatch{
		JobID:       snap.JobID,
		Status:      string(snap.Status),
		Content:     make([]PageContent, 0, len(snap.Results)),
		ProcessedAt: time.Now(),
		Metadata: BatchMetadata{
			Language: snap.Settings.Language,
			Engines:  make([]string, 0),
			Total:    snap.Total,
		},
	}
	if snap.CompletedAt != nil {
		doc.ProcessedAt = *snap.CompletedAt
	}

	engines := make(map[string]bool)
	for _, r := range snap.Results {
		page := PageContent{
			Position: r.Index,
			Name:     r.Name,
			Status:   string(r.Status),
			Error:    r.Error,
		}
		if r.Result != nil {
			page.Text = r.Result.Text
			page.Confidence = r.Result.Confidence
			page.Engine = r.Result.Engine
			if r.Result.Consensus != nil {
				page.Agreement = r.Result.Consensus.Agreement
				for _, name := range r.Result.Consensus.Engines {
					engines[name] = true
				}
			} else if r.Result.Engine != "" {
				engines[r.Result.Engine] = true
			}
		}
		doc.Content = append(doc.Content, page)
	}

	for name := range engines {
		doc.Metadata.Engines = append(doc.Metadata.Engines, name)
	}
	sort.Strings(doc.Metadata.Engines)

	if stats := snap.Statistics; stats != nil {
		doc.Metadata.Successful = stats.SuccessfulItems
		doc.Metadata.Failed = stats.FailedItems
		doc.Metadata.Confidence = stats.AverageConfidence
		doc.Metadata.ProcessingMs = stats.TotalProcessingTime.Milliseconds()
	} else {
		doc.Metadata.Successful = snap.Completed
		doc.Metadata.Failed = snap.Failed
	}
	return doc, nil
}

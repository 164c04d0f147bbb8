package models

import (
	"time"
)

type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
)

type JobStatus string

const (
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// File is one uploaded input.
type File struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

type BatchItem struct {
	Index       int                `json:"index"`
	Name        string             `json:"name"`
	StorageKey  string             `json:"storageKey,omitempty"`
	ContentHash string             `json:"contentHash,omitempty"`
	Size        int64              `json:"size"`
	Status      ItemStatus         `json:"status"`
	Result      *RecognitionResult `json:"result,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// ItemResult is an entry of the job's ordered results list.
type ItemResult struct {
	Index  int                `json:"index"`
	Name   string             `json:"name"`
	Status ItemStatus         `json:"status"`
	Result *RecognitionResult `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

type BatchStatistics struct {
	TotalProcessingTime time.Duration `json:"totalProcessingTime"`
	AverageConfidence   float64       `json:"averageConfidence"`
	TotalTextLength     int           `json:"totalTextLength"`
	SuccessRate         float64       `json:"successRate"`
	SuccessfulItems     int           `json:"successfulItems"`
	FailedItems         int           `json:"failedItems"`
	CacheHits           int           `json:"cacheHits"`
	WallTime            time.Duration `json:"wallTime"`
}

type BatchJob struct {
	ID          string              `json:"id"`
	OwnerID     string              `json:"ownerId"`
	Settings    RecognitionSettings `json:"settings"`
	Total       int                 `json:"total"`
	Completed   int                 `json:"completed"`
	Failed      int                 `json:"failed"`
	Status      JobStatus           `json:"status"`
	Items       []BatchItem         `json:"items"`
	Results     []ItemResult        `json:"results"`
	Statistics  *BatchStatistics    `json:"statistics,omitempty"`
	Error       string              `json:"error,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
}

// Progress is derived from the counters; it is never stored.
func (j *BatchJob) Progress() float64 {
	if j.Total == 0 {
		if j.Status.Terminal() {
			return 100
		}
		return 0
	}
	return float64(j.Completed+j.Failed) / float64(j.Total) * 100
}

// Snapshot copies the job into an immutable read view.
func (j *BatchJob) Snapshot() *BatchJobSnapshot {
	s := &BatchJobSnapshot{
		JobID:       j.ID,
		OwnerID:     j.OwnerID,
		Status:      j.Status,
		Total:       j.Total,
		Completed:   j.Completed,
		Failed:      j.Failed,
		Percent:     j.Progress(),
		Settings:    j.Settings,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
		Results:     append([]ItemResult(nil), j.Results...),
	}
	if j.Statistics != nil {
		stats := *j.Statistics
		s.Statistics = &stats
	}
	return s
}

// BatchJobSnapshot is what GetProgress returns and what the cache stores.
type BatchJobSnapshot struct {
	JobID       string              `json:"jobId"`
	OwnerID     string              `json:"ownerId"`
	Status      JobStatus           `json:"status"`
	Total       int                 `json:"total"`
	Completed   int                 `json:"completed"`
	Failed      int                 `json:"failed"`
	Percent     float64             `json:"percent"`
	Settings    RecognitionSettings `json:"settings"`
	Results     []ItemResult        `json:"results,omitempty"`
	Statistics  *BatchStatistics    `json:"statistics,omitempty"`
	Error       string              `json:"error,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
}

// JobStatusRecord is the short-lived status entry kept next to the snapshot.
type JobStatusRecord struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// JobProgressRecord is the short-lived progress entry.
type JobProgressRecord struct {
	JobID     string    `json:"jobId"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Percent   float64   `json:"percent"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type RejectedFile struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// JobDescriptor is returned as soon as a batch has been accepted.
type JobDescriptor struct {
	JobID       string          `json:"jobId"`
	TotalImages int             `json:"totalImages"`
	ProgressRef string          `json:"progressRef"`
	Rejected    []RejectedFile  `json:"rejected,omitempty"`
	Done        <-chan struct{} `json:"-"`
}

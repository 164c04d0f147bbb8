package models

import (
	"time"
)

type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is published to the notification sink. Progress events carry the
// counters, completion events add statistics, error events carry the error.
type Event struct {
	Type       EventType        `json:"type"`
	JobID      string           `json:"jobId"`
	OwnerID    string           `json:"ownerId,omitempty"`
	Total      int              `json:"total"`
	Completed  int              `json:"completed"`
	Failed     int              `json:"failed"`
	Percent    float64          `json:"percent"`
	Status     JobStatus        `json:"status"`
	Statistics *BatchStatistics `json:"statistics,omitempty"`
	Error      string           `json:"error,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

func NewProgressEvent(s *BatchJobSnapshot) Event {
	return Event{
		Type:      EventProgress,
		JobID:     s.JobID,
		OwnerID:   s.OwnerID,
		Total:     s.Total,
		Completed: s.Completed,
		Failed:    s.Failed,
		Percent:   s.Percent,
		Status:    s.Status,
		Timestamp: time.Now(),
	}
}

func NewCompletionEvent(s *BatchJobSnapshot) Event {
	e := NewProgressEvent(s)
	e.Type = EventCompleted
	e.Statistics = s.Statistics
	return e
}

func NewErrorEvent(jobID, ownerID string, err error) Event {
	return Event{
		Type:      EventFailed,
		JobID:     jobID,
		OwnerID:   ownerID,
		Status:    JobFailed,
		Error:     err.Error(),
		Timestamp: time.Now(),
	}
}

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/ocr-batch/internal/models"
	"github.com/feichai0017/ocr-batch/pkg/logger"
	"github.com/feichai0017/ocr-batch/pkg/metrics"
)

const channelPrefix = "ocr:events:"

// Notifier delivers job events to whoever is listening. Callers treat
// failures as non-fatal.
type Notifier interface {
	Publish(ctx context.Context, event models.Event) error
}

// Channel is the pub/sub channel events for an owner are published on.
func Channel(ownerID string) string {
	if ownerID == "" {
		ownerID = "anonymous"
	}
	return channelPrefix + ownerID
}

type RedisNotifier struct {
	client redis.UniversalClient
	logger logger.Logger
}

func NewRedisNotifier(client redis.UniversalClient, log logger.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, logger: log.Named("notify")}
}

func (n *RedisNotifier) Publish(ctx context.Context, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := n.client.Publish(ctx, Channel(event.OwnerID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event for job %s: %w", event.JobID, err)
	}
	return nil
}

// LogNotifier writes events to the log. Progress events go to debug.
type LogNotifier struct {
	logger logger.Logger
}

func NewLogNotifier(log logger.Logger) *LogNotifier {
	return &LogNotifier{logger: log.Named("events")}
}

func (n *LogNotifier) Publish(_ context.Context, event models.Event) error {
	fields := []logger.Field{
		logger.String("jobId", event.JobID),
		logger.String("type", string(event.Type)),
		logger.String("status", string(event.Status)),
		logger.Int("completed", event.Completed),
		logger.Int("failed", event.Failed),
		logger.Int("total", event.Total),
		logger.Float64("percent", event.Percent),
	}
	switch event.Type {
	case models.EventProgress:
		n.logger.Debug("Batch progress", fields...)
	case models.EventFailed:
		n.logger.Warn("Batch failed", append(fields, logger.String("error", event.Error))...)
	default:
		n.logger.Info("Batch finished", fields...)
	}
	return nil
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, event models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

// ForJob returns the events of one job in publish order.
func (r *Recorder) ForJob(jobID string) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, e := range r.events {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out
}

// FanOut publishes to every sink and reports the combined failures. One
// failing sink does not stop the others.
type FanOut struct {
	sinks   []Notifier
	metrics *metrics.Recorder
}

func NewFanOut(m *metrics.Recorder, sinks ...Notifier) *FanOut {
	return &FanOut{sinks: sinks, metrics: m}
}

func (f *FanOut) Publish(ctx context.Context, event models.Event) error {
	var merr *multierror.Error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, event); err != nil {
			f.metrics.RecordNotifyError()
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, models.Event) error { return nil }

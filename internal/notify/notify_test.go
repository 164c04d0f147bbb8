package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/ocr-batch/internal/models"
	"github.com/feichai0017/ocr-batch/pkg/logger"
	"github.com/feichai0017/ocr-batch/pkg/metrics"
)

func progressEvent(jobID string) models.Event {
	return models.NewProgressEvent(&models.BatchJobSnapshot{
		JobID: jobID, OwnerID: "user-1", Status: models.JobProcessing,
		Total: 4, Completed: 1, Failed: 1, Percent: 50,
	})
}

func TestRedisNotifierPublishesToOwnerChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sub := client.Subscribe(context.Background(), Channel("user-1"))
	defer sub.Close()
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	n := NewRedisNotifier(client, logger.NewNop())
	require.NoError(t, n.Publish(context.Background(), progressEvent("job-1")))

	select {
	case msg := <-sub.Channel():
		var got models.Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "job-1", got.JobID)
		assert.Equal(t, models.EventProgress, got.Type)
		assert.Equal(t, 50.0, got.Percent)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestRedisNotifierReportsFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	n := NewRedisNotifier(client, logger.NewNop())
	err := n.Publish(context.Background(), progressEvent("job-1"))
	assert.Error(t, err)
}

type failing struct{}

func (failing) Publish(context.Context, models.Event) error { return errors.New("sink down") }

func TestFanOutDeliversToRemainingSinks(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	f := NewFanOut(metrics.NewRecorder(), a, failing{}, b)

	err := f.Publish(context.Background(), progressEvent("job-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink down")
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestRecorderForJob(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()
	_ = r.Publish(ctx, progressEvent("a"))
	_ = r.Publish(ctx, progressEvent("b"))
	_ = r.Publish(ctx, models.NewErrorEvent("a", "user-1", errors.New("boom")))

	events := r.ForJob("a")
	require.Len(t, events, 2)
	assert.Equal(t, models.EventFailed, events[1].Type)
}

func TestLogNotifierLevels(t *testing.T) {
	log := logger.NewTestLogger()
	n := NewLogNotifier(log)
	ctx := context.Background()

	require.NoError(t, n.Publish(ctx, progressEvent("a")))
	require.NoError(t, n.Publish(ctx, models.NewErrorEvent("a", "", errors.New("boom"))))

	assert.Len(t, log.EntriesAt("DEBUG"), 1)
	assert.Len(t, log.EntriesAt("WARN"), 1)
	assert.Equal(t, "ocr:events:anonymous", Channel(""))
}

package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/ocr-batch/internal/batch"
	"github.com/feichai0017/ocr-batch/internal/cache"
	perrors "github.com/feichai0017/ocr-batch/internal/errors"
	"github.com/feichai0017/ocr-batch/internal/models"
	"github.com/feichai0017/ocr-batch/internal/notify"
	"github.com/feichai0017/ocr-batch/internal/utils/validator"
	"github.com/feichai0017/ocr-batch/pkg/logger"
	"github.com/feichai0017/ocr-batch/pkg/queue"
	"github.com/feichai0017/ocr-batch/pkg/storage"
	"github.com/feichai0017/ocr-batch/pkg/storage/local"
)

type fakeQueue struct {
	mu        sync.Mutex
	tasks     []*queue.BatchTask
	cancelled []string
	err       error
	// running makes Cancel report the task as already picked up.
	running   bool
}

func (q *fakeQueue) Enqueue(_ context.Context, task *queue.BatchTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeQueue) Cancel(_ context.Context, taskID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, taskID)
	return !q.running, nil
}

func (q *fakeQueue) Close() error { return nil }

type fixture struct {
	svc    *QueuedService
	queue  *fakeQueue
	store  *local.LocalStorage
	cache  *cache.ResultCache
	events *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewNop()
	store, err := local.New(local.Config{Root: t.TempDir()}, log)
	require.NoError(t, err)
	rc := cache.NewWithTier(cache.NewLocalTier(cache.LocalConfig{}, log), cache.Config{}, log, nil)
	q := &fakeQueue{}
	events := notify.NewRecorder()
	svc := NewQueuedService(QueuedDeps{
		Queue:     q,
		Storage:   store,
		Cache:     rc,
		Validator: validator.NewImageValidator(log, nil),
		Notifier:  events,
		Logger:    log,
	})
	return &fixture{svc: svc, queue: q, store: store, cache: rc, events: events}
}

func pngFile(t *testing.T, index int) models.File {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return models.File{Name: fmt.Sprintf("scan-%d.png", index), Data: buf.Bytes()}
}

func TestQueuedStartBatchStagesAndEnqueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	files := []models.File{pngFile(t, 0), {Name: "notes.txt", Data: []byte("plain text")}, pngFile(t, 2)}

	desc, err := f.svc.StartBatch(ctx, batch.BatchRequest{OwnerID: "u1", Files: files})
	require.NoError(t, err)
	assert.Equal(t, 2, desc.TotalImages)
	assert.Equal(t, "/api/v1/batches/"+desc.JobID, desc.ProgressRef)
	require.Len(t, desc.Rejected, 1)
	assert.Equal(t, 1, desc.Rejected[0].Index)

	require.Len(t, f.queue.tasks, 1)
	task := f.queue.tasks[0]
	assert.Equal(t, desc.JobID, task.JobID)
	assert.Equal(t, "u1", task.OwnerID)
	require.Len(t, task.Inputs, 2)
	assert.Equal(t, 0, task.Inputs[0].Index)
	assert.Equal(t, 2, task.Inputs[1].Index)

	for _, in := range task.Inputs {
		data, err := storage.ReadAll(ctx, f.store, in.Key)
		require.NoError(t, err)
		assert.Equal(t, files[in.Index].Data, data)
	}

	snap, err := f.svc.GetProgress(ctx, desc.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, snap.Status)
	assert.Equal(t, 2, snap.Total)
}

func TestQueuedStartBatchWithNoValidFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.StartBatch(ctx, batch.BatchRequest{
		JobID: "job-empty",
		Files: []models.File{{Name: "a.txt", Data: []byte("nope")}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, perrors.ErrNoValidFiles))
	assert.Empty(t, f.queue.tasks)

	snap, err := f.svc.GetProgress(ctx, "job-empty")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, snap.Status)
	assert.Equal(t, 100.0, snap.Percent)

	evs := f.events.ForJob("job-empty")
	require.Len(t, evs, 1)
	assert.Equal(t, models.EventFailed, evs[0].Type)
}

func TestQueuedEnqueueFailureRemovesStagedFiles(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("redis down")
	ctx := context.Background()

	_, err := f.svc.StartBatch(ctx, batch.BatchRequest{JobID: "job-x", Files: []models.File{pngFile(t, 0)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")

	_, err = f.store.Get(ctx, IncomingKey("job-x", 0, "scan-0.png"))
	assert.ErrorIs(t, err, local.ErrNotFound)

	_, err = f.svc.GetProgress(ctx, "job-x")
	assert.ErrorIs(t, err, perrors.ErrJobNotFound)
}

func TestQueuedCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	desc, err := f.svc.StartBatch(ctx, batch.BatchRequest{Files: []models.File{pngFile(t, 0)}})
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(ctx, desc.JobID))
	assert.Equal(t, []string{desc.JobID}, f.queue.cancelled)

	snap, err := f.svc.GetProgress(ctx, desc.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, snap.Status)

	// Terminal jobs are left alone.
	require.NoError(t, f.svc.Cancel(ctx, desc.JobID))
	assert.Len(t, f.queue.cancelled, 1)

	assert.ErrorIs(t, f.svc.Cancel(ctx, "missing"), perrors.ErrJobNotFound)
}

func TestQueuedCancelOfRunningTaskLeavesSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	desc, err := f.svc.StartBatch(ctx, batch.BatchRequest{Files: []models.File{pngFile(t, 0)}})
	require.NoError(t, err)
	before, err := f.svc.GetProgress(ctx, desc.JobID)
	require.NoError(t, err)

	f.queue.running = true
	require.NoError(t, f.svc.Cancel(ctx, desc.JobID))
	assert.Equal(t, []string{desc.JobID}, f.queue.cancelled)

	snap, err := f.svc.GetProgress(ctx, desc.JobID)
	require.NoError(t, err)
	assert.Equal(t, before.Status, snap.Status)
	assert.NotEqual(t, models.JobCancelled, snap.Status)
	assert.Nil(t, snap.CompletedAt)
}

func TestIncomingKey(t *testing.T) {
	assert.Equal(t, "incoming/job-1/3_a.png", IncomingKey("job-1", 3, "a.png"))
}

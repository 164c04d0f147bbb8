package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/ocr-batch/internal/cache"
	perrors "github.com/feichai0017/ocr-batch/internal/errors"
	"github.com/feichai0017/ocr-batch/internal/models"
	"github.com/feichai0017/ocr-batch/internal/notify"
	"github.com/feichai0017/ocr-batch/internal/preprocess"
	"github.com/feichai0017/ocr-batch/pkg/logger"
	"github.com/feichai0017/ocr-batch/pkg/metrics"
	"github.com/feichai0017/ocr-batch/pkg/storage/local"
)

const baseWidth = 20

// fakeRecognizer identifies items by image width: item i is baseWidth+i wide.
type fakeRecognizer struct {
	calls atomic.Int32
	fn    func(ctx context.Context, index int) (*models.RecognitionResult, error)
}

func (f *fakeRecognizer) Recognize(ctx context.Context, img image.Image, _ models.RecognitionSettings) (*models.RecognitionResult, error) {
	f.calls.Add(1)
	index := img.Bounds().Dx() - baseWidth
	if f.fn != nil {
		return f.fn(ctx, index)
	}
	return textResult(index), nil
}

func textResult(index int) *models.RecognitionResult {
	return &models.RecognitionResult{
		Text:           fmt.Sprintf("item-%d", index),
		Confidence:     0.8,
		Engine:         "fake",
		ProcessingTime: 10 * time.Millisecond,
	}
}

type harness struct {
	orch       *Orchestrator
	recognizer *fakeRecognizer
	cache      *cache.ResultCache
	events     *notify.Recorder
	store      *local.LocalStorage
}

func newHarness(t *testing.T, workers int, rec *fakeRecognizer, rc *cache.ResultCache) *harness {
	t.Helper()
	log := logger.NewNop()
	if rec == nil {
		rec = &fakeRecognizer{}
	}
	if rc == nil {
		rc = cache.NewWithTier(cache.NewLocalTier(cache.LocalConfig{}, log), cache.Config{}, log, nil)
	}
	store, err := local.New(local.Config{Root: t.TempDir()}, log)
	require.NoError(t, err)
	events := notify.NewRecorder()

	orch, err := New(Deps{
		Pipeline:   preprocess.NewPipeline(preprocess.DefaultConfig(), log),
		Recognizer: rec,
		Cache:      rc,
		Storage:    store,
		Notifier:   events,
		Metrics:    metrics.NewRecorder(),
		Logger:     log,
	}, Config{Workers: workers})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &harness{orch: orch, recognizer: rec, cache: rc, events: events, store: store}
}

func pngFile(t *testing.T, index int) models.File {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, baseWidth+index, 20))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	img.SetGray(1, 1, color.Gray{Y: 0})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return models.File{Name: fmt.Sprintf("page-%d.png", index), Data: buf.Bytes()}
}

func pngFiles(t *testing.T, n int) []models.File {
	files := make([]models.File, n)
	for i := range files {
		files[i] = pngFile(t, i)
	}
	return files
}

func waitDone(t *testing.T, h *harness, jobID string) *models.BatchJobSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := h.orch.Wait(ctx, jobID)
	require.NoError(t, err)
	return snap
}

func TestResultsFollowInputOrder(t *testing.T) {
	rec := &fakeRecognizer{fn: func(ctx context.Context, index int) (*models.RecognitionResult, error) {
		time.Sleep(time.Duration(rand.Intn(15)) * time.Millisecond)
		return textResult(index), nil
	}}
	h := newHarness(t, 4, rec, nil)

	desc, err := h.orch.StartBatch(context.Background(), BatchRequest{OwnerID: "u1", Files: pngFiles(t, 12)})
	require.NoError(t, err)
	assert.Equal(t, 12, desc.TotalImages)
	assert.NotEmpty(t, desc.JobID)
	assert.Contains(t, desc.ProgressRef, desc.JobID)

	snap := waitDone(t, h, desc.JobID)
	assert.Equal(t, models.JobCompleted, snap.Status)
	require.Len(t, snap.Results, 12)
	for i, r := range snap.Results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, fmt.Sprintf("page-%d.png", i), r.Name)
		require.NotNil(t, r.Result)
		assert.Equal(t, fmt.Sprintf("item-%d", i), r.Result.Text)
	}
	assert.Equal(t, 100.0, snap.Percent)
}

func TestPartialFailureStillCompletes(t *testing.T) {
	rec := &fakeRecognizer{fn: func(ctx context.Context, index int) (*models.RecognitionResult, error) {
		if index%3 == 0 {
			return nil, errors.New("engine exploded")
		}
		return textResult(index), nil
	}}
	h := newHarness(t, 3, rec, nil)

	desc, err := h.orch.StartBatch(context.Background(), BatchRequest{Files: pngFiles(t, 9)})
	require.NoError(t, err)
	snap := waitDone(t, h, desc.JobID)

	assert.Equal(t, models.JobCompleted, snap.Status)
	assert.Equal(t, 3, snap.Failed)
	assert.Equal(t, 6, snap.Completed)
	require.NotNil(t, snap.Statistics)
	assert.InDelta(t, 6.0/9.0, snap.Statistics.SuccessRate, 1e-9)
	assert.InDelta(t, 0.8, snap.Statistics.AverageConfidence, 1e-9)
	assert.Equal(t, 6*len("item-1"), snap.Statistics.TotalTextLength)
	assert.Equal(t, 60*time.Millisecond, snap.Statistics.TotalProcessingTime)

	for _, r := range snap.Results {
		if r.Index%3 == 0 {
			assert.Equal(t, models.ItemFailed, r.Status)
			assert.Contains(t, r.Error, "engine exploded")
			assert.Contains(t, r.Error, string(perrors.ErrorRecognition))
		} else {
			assert.Equal(t, models.ItemCompleted, r.Status)
		}
	}
}

func TestProgressIsMonotonicAndReachesHundred(t *testing.T) {
	rec := &fakeRecognizer{fn: func(ctx context.Context, index int) (*models.RecognitionResult, error) {
		time.Sleep(2 * time.Millisecond)
		return textResult(index), nil
	}}
	h := newHarness(t, 2, rec, nil)

	desc, err := h.orch.StartBatch(context.Background(), BatchRequest{OwnerID: "u1", Files: pngFiles(t, 10)})
	require.NoError(t, err)

	var observed []float64
	for {
		snap, err := h.orch.GetProgress(context.Background(), desc.JobID)
		require.NoError(t, err)
		observed = append(observed, snap.Percent)
		if snap.Status.Terminal() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	for i := 1; i < len(observed); i++ {
		assert.GreaterOrEqual(t, observed[i], observed[i-1])
	}
	assert.Equal(t, 100.0, observed[len(observed)-1])
	waitDone(t, h, desc.JobID)

	events := h.events.ForJob(desc.JobID)
	require.Len(t, events, 11)
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Percent, events[i-1].Percent)
	}
	last := events[len(events)-1]
	assert.Equal(t, models.EventCompleted, last.Type)
	assert.Equal(t, models.JobCompleted, last.Status)
	require.NotNil(t, last.Statistics)
	assert.Equal(t, "u1", last.OwnerID)
}

func TestZeroValidFilesFailsJob(t *testing.T) {
	h := newHarness(t, 2, nil, nil)

	_, err := h.orch.StartBatch(context.Background(), BatchRequest{
		JobID: "job-empty",
		Files: []models.File{
			{Name: "notes.txt", Data: []byte("hello")},
			{Name: "broken.png", Data: []byte("nope")},
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, perrors.ErrNoValidFiles))

	snap, err := h.orch.GetProgress(context.Background(), "job-empty")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, snap.Status)
	assert.NotEmpty(t, snap.Error)

	cached, ok := h.cache.GetSnapshot(context.Background(), "job-empty")
	require.True(t, ok)
	assert.Equal(t, models.JobFailed, cached.Status)

	events := h.events.ForJob("job-empty")
	require.Len(t, events, 1)
	assert.Equal(t, models.EventFailed, events[0].Type)
	assert.Zero(t, h.recognizer.calls.Load())
}

func TestRejectedFilesKeepOriginalIndices(t *testing.T) {
	h := newHarness(t, 2, nil, nil)
	files := []models.File{pngFile(t, 0), {Name: "bad.gif", Data: []byte("GIF89a")}, pngFile(t, 2)}

	desc, err := h.orch.StartBatch(context.Background(), BatchRequest{Files: files})
	require.NoError(t, err)
	assert.Equal(t, 2, desc.TotalImages)
	require.Len(t, desc.Rejected, 1)
	assert.Equal(t, 1, desc.Rejected[0].Index)

	snap := waitDone(t, h, desc.JobID)
	require.Len(t, snap.Results, 2)
	assert.Equal(t, 0, snap.Results[0].Index)
	assert.Equal(t, 2, snap.Results[1].Index)
	assert.Equal(t, "item-2", snap.Results[1].Result.Text)
}

func TestExplicitIndicesArePreserved(t *testing.T) {
	h := newHarness(t, 2, nil, nil)
	files := []models.File{pngFile(t, 1), pngFile(t, 4)}

	desc, err := h.orch.StartBatch(context.Background(), BatchRequest{Files: files, Indices: []int{1, 4}})
	require.NoError(t, err)

	snap := waitDone(t, h, desc.JobID)
	require.Len(t, snap.Results, 2)
	assert.Equal(t, 1, snap.Results[0].Index)
	assert.Equal(t, 4, snap.Results[1].Index)
	assert.Equal(t, "item-4", snap.Results[1].Result.Text)
}

func TestSecondBatchIsServedFromCache(t *testing.T) {
	h := newHarness(t, 4, nil, nil)
	files := pngFiles(t, 5)

	first, err := h.orch.StartBatch(context.Background(), BatchRequest{Files: files})
	require.NoError(t, err)
	waitDone(t, h, first.JobID)
	require.EqualValues(t, 5, h.recognizer.calls.Load())

	second, err := h.orch.StartBatch(context.Background(), BatchRequest{Files: files})
	require.NoError(t, err)
	snap := waitDone(t, h, second.JobID)

	assert.EqualValues(t, 5, h.recognizer.calls.Load())
	assert.Equal(t, 5, snap.Statistics.CacheHits)
	for _, r := range snap.Results {
		assert.True(t, r.Result.FromCache)
	}

	voting, err := h.orch.StartBatch(context.Background(), BatchRequest{
		Files:    files,
		Settings: models.RecognitionSettings{Voting: true},
	})
	require.NoError(t, err)
	waitDone(t, h, voting.JobID)
	assert.EqualValues(t, 10, h.recognizer.calls.Load(), "different settings miss the cache")
}

func TestPanicIsIsolatedToItsItem(t *testing.T) {
	rec := &fakeRecognizer{fn: func(ctx context.Context, index int) (*models.RecognitionResult, error) {
		if index == 1 {
			panic("corrupt engine state")
		}
		return textResult(index), nil
	}}
	h := newHarness(t, 2, rec, nil)

	desc, err := h.orch.StartBatch(context.Background(), BatchRequest{Files: pngFiles(t, 4)})
	require.NoError(t, err)
	snap := waitDone(t, h, desc.JobID)

	assert.Equal(t, models.JobCompleted, snap.Status)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 3, snap.Completed)
	assert.Contains(t, snap.Results[1].Error, "corrupt engine state")
}

func TestScratchIsRemovedAfterCompletion(t *testing.T) {
	h := newHarness(t, 2, nil, nil)

	desc, err := h.orch.StartBatch(context.Background(), BatchRequest{Files: pngFiles(t, 3)})
	require.NoError(t, err)
	waitDone(t, h, desc.JobID)

	entries, err := os.ReadDir(h.store.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetProgressFallsBackToCache(t *testing.T) {
	h := newHarness(t, 2, nil, nil)
	desc, err := h.orch.StartBatch(context.Background(), BatchRequest{Files: pngFiles(t, 2)})
	require.NoError(t, err)
	waitDone(t, h, desc.JobID)

	// A second instance sharing the cache does not own the job.
	other := newHarness(t, 2, nil, h.cache)
	snap, err := other.orch.GetProgress(context.Background(), desc.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, snap.Status)
	assert.Len(t, snap.Results, 2)

	_, err = other.orch.GetProgress(context.Background(), "missing")
	assert.True(t, errors.Is(err, perrors.ErrJobNotFound))
}

func TestCancelStopsRemainingItems(t *testing.T) {
	started := make(chan struct{}, 1)
	rec := &fakeRecognizer{fn: func(ctx context.Context, index int) (*models.RecognitionResult, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, 1, rec, nil)

	desc, err := h.orch.StartBatch(context.Background(), BatchRequest{Files: pngFiles(t, 5)})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first item never started")
	}
	require.NoError(t, h.orch.Cancel(desc.JobID))

	snap := waitDone(t, h, desc.JobID)
	assert.Equal(t, models.JobCancelled, snap.Status)
	assert.Equal(t, 5, snap.Failed)
	assert.EqualValues(t, 1, rec.calls.Load())
	for _, r := range snap.Results {
		assert.Contains(t, r.Error, string(perrors.ErrorCancelled))
	}

	select {
	case <-desc.Done:
	default:
		t.Fatal("descriptor Done not closed")
	}
	assert.NoError(t, h.orch.Cancel(desc.JobID), "cancelling a finished job is a no-op")
	assert.True(t, errors.Is(h.orch.Cancel("missing"), perrors.ErrJobNotFound))
}

func TestShutdownDrainsRunningJobs(t *testing.T) {
	rec := &fakeRecognizer{fn: func(ctx context.Context, index int) (*models.RecognitionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, 2, rec, nil)

	desc, err := h.orch.StartBatch(context.Background(), BatchRequest{Files: pngFiles(t, 3)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	snap, err := h.orch.GetProgress(context.Background(), desc.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, snap.Status)

	_, err = h.orch.StartBatch(context.Background(), BatchRequest{Files: pngFiles(t, 1)})
	assert.Error(t, err)
}

func TestPruneFinished(t *testing.T) {
	h := newHarness(t, 2, nil, nil)
	desc, err := h.orch.StartBatch(context.Background(), BatchRequest{Files: pngFiles(t, 1)})
	require.NoError(t, err)
	waitDone(t, h, desc.JobID)

	assert.Zero(t, h.orch.PruneFinished(time.Now().Add(-time.Hour)))
	assert.Equal(t, 1, h.orch.PruneFinished(time.Now().Add(time.Second)))

	// Still answered from the cached snapshot.
	snap, err := h.orch.GetProgress(context.Background(), desc.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, snap.Status)
}

func TestDuplicateJobIDIsRejected(t *testing.T) {
	h := newHarness(t, 2, nil, nil)
	_, err := h.orch.StartBatch(context.Background(), BatchRequest{JobID: "fixed", Files: pngFiles(t, 1)})
	require.NoError(t, err)
	_, err = h.orch.StartBatch(context.Background(), BatchRequest{JobID: "fixed", Files: pngFiles(t, 1)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, perrors.ErrJobExists))
}

func TestConcurrentStartsWithSameJobID(t *testing.T) {
	h := newHarness(t, 2, nil, nil)
	files := pngFiles(t, 2)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		dupes    atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.StartBatch(context.Background(), BatchRequest{JobID: "shared", Files: files})
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, perrors.ErrJobExists):
				dupes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, accepted.Load())
	assert.EqualValues(t, 7, dupes.Load())
	snap := waitDone(t, h, "shared")
	assert.Equal(t, models.JobCompleted, snap.Status)
	assert.Equal(t, 2, snap.Completed)
}

func TestInvalidIndicesAreRejected(t *testing.T) {
	h := newHarness(t, 2, nil, nil)
	files := pngFiles(t, 3)

	_, err := h.orch.StartBatch(context.Background(), BatchRequest{JobID: "short", Files: files, Indices: []int{2}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, perrors.ErrInvalidRequest))

	_, err = h.orch.StartBatch(context.Background(), BatchRequest{JobID: "dup", Files: files, Indices: []int{0, 2, 2}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, perrors.ErrInvalidRequest))

	_, err = h.orch.GetProgress(context.Background(), "dup")
	assert.True(t, errors.Is(err, perrors.ErrJobNotFound))

	entries, err := os.ReadDir(h.store.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCancelAfterLastItemKeepsJobCompleted(t *testing.T) {
	h := newHarness(t, 1, nil, nil)
	log := logger.NewNop()
	state := &models.BatchJob{
		ID:     "late-cancel",
		Total:  1,
		Status: models.JobProcessing,
		Items: []models.BatchItem{
			{Index: 0, Name: "a.png", StorageKey: ScratchKey("late-cancel", 0, "a.png"), Status: models.ItemPending},
		},
		CreatedAt: time.Now(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := newJob(ctx, cancel, state)

	h.orch.apply(j, outcome{index: 0, result: textResult(0), duration: time.Millisecond}, log)
	j.cancelled.Store(true)
	h.orch.finish(j, log)

	snap := j.snapshot()
	assert.Equal(t, models.JobCompleted, snap.Status)
	assert.Empty(t, snap.Error)
	assert.Equal(t, 1, snap.Completed)
}

func TestStagesFor(t *testing.T) {
	h := newHarness(t, 1, nil, nil)
	stages, opts := h.orch.stagesFor(models.RecognitionSettings{})
	assert.Empty(t, stages)
	assert.Empty(t, opts)

	stages, opts = h.orch.stagesFor(models.RecognitionSettings{Enhance: true, MaxDimension: 1000})
	assert.Equal(t, append([]preprocess.Stage{preprocess.StageResize}, preprocess.DefaultStages...), stages)
	assert.Len(t, opts, 1)

	stages, _ = h.orch.stagesFor(models.RecognitionSettings{Enhance: true, Handwriting: true})
	assert.Equal(t, preprocess.HandwritingStages, stages)

	h.orch.cfg.HandwritingStages = []preprocess.Stage{preprocess.StageSharpen}
	stages, _ = h.orch.stagesFor(models.RecognitionSettings{Enhance: true, Handwriting: true})
	assert.Equal(t, []preprocess.Stage{preprocess.StageSharpen}, stages)

	stages, _ = h.orch.stagesFor(models.RecognitionSettings{Stages: []string{"contrast", "binarize"}})
	assert.Equal(t, []preprocess.Stage{preprocess.StageContrast, preprocess.StageBinarize}, stages)
}

func TestScratchKey(t *testing.T) {
	assert.Equal(t, "job/3_scan.png", ScratchKey("job", 3, "../../etc/scan.png"))
	assert.Equal(t, "job/0_file", ScratchKey("job", 0, ".."))
	assert.Equal(t, "job/1_a.png", ScratchKey("job", 1, `C:\docs\a.png`))
}

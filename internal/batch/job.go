package batch

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	perrors "github.com/feichai0017/ocr-batch/internal/errors"
	"github.com/feichai0017/ocr-batch/internal/models"
	"github.com/feichai0017/ocr-batch/pkg/logger"
)

// job is the in-memory handle of one batch. state is touched only by the
// goroutine running the batch; readers go through snap.
type job struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}

	snap  atomic.Pointer[models.BatchJobSnapshot]
	state *models.BatchJob
	slots map[int]int // item index -> position in state.Items
	// interrupted counts items that failed because the job was cancelled.
	interrupted int
}

func newJob(ctx context.Context, cancel context.CancelFunc, state *models.BatchJob) *job {
	j := &job{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  state,
		slots:  make(map[int]int, len(state.Items)),
	}
	for pos, item := range state.Items {
		j.slots[item.Index] = pos
	}
	j.snap.Store(state.Snapshot())
	return j
}

func (j *job) snapshot() *models.BatchJobSnapshot { return j.snap.Load() }

func (j *job) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// outcome is what a unit reports back for one item.
type outcome struct {
	index    int
	result   *models.RecognitionResult
	err      error
	duration time.Duration
}

// run fans the items out to a bounded pool and applies outcomes one at a
// time as they arrive.
func (o *Orchestrator) run(j *job, log logger.Logger) {
	outcomes := make(chan outcome)
	items := append([]models.BatchItem(nil), j.state.Items...)
	jobID, settings := j.state.ID, j.state.Settings

	go func() {
		var g errgroup.Group
		g.SetLimit(o.cfg.Workers)
		for _, item := range items {
			g.Go(func() error {
				outcomes <- o.process(j.ctx, jobID, settings, item, log)
				return nil
			})
		}
		_ = g.Wait()
		close(outcomes)
	}()

	for oc := range outcomes {
		o.apply(j, oc, log)
	}
	o.finish(j, log)
}

func (o *Orchestrator) apply(j *job, oc outcome, log logger.Logger) {
	state := j.state
	item := &state.Items[j.slots[oc.index]]
	entry := models.ItemResult{Index: item.Index, Name: item.Name}

	if oc.err != nil {
		state.Failed++
		item.Status = models.ItemFailed
		item.Error = oc.err.Error()
		entry.Status = models.ItemFailed
		entry.Error = item.Error
		if perrors.CodeOf(oc.err) == perrors.ErrorCancelled {
			j.interrupted++
		}
		log.Warn("Item failed",
			logger.Int("index", item.Index),
			logger.String("file", item.Name),
			logger.Error(oc.err),
		)
	} else {
		state.Completed++
		item.Status = models.ItemCompleted
		item.Result = oc.result
		entry.Status = models.ItemCompleted
		entry.Result = oc.result
	}
	o.metrics.RecordItem(string(item.Status), oc.result != nil && oc.result.FromCache, oc.duration)

	pos := sort.Search(len(state.Results), func(i int) bool { return state.Results[i].Index >= entry.Index })
	state.Results = slices.Insert(state.Results, pos, entry)

	snap := state.Snapshot()
	o.publish(j, snap, ptr(models.NewProgressEvent(snap)))
}

func (o *Orchestrator) finish(j *job, log logger.Logger) {
	state := j.state
	now := time.Now()
	state.Statistics = computeStatistics(state, now)
	state.CompletedAt = &now
	state.Status = models.JobCompleted
	// A cancel that lands after every item finished leaves the job completed.
	if j.cancelled.Load() && j.interrupted > 0 {
		state.Status = models.JobCancelled
		state.Error = "batch cancelled"
	}

	snap := state.Snapshot()
	o.publish(j, snap, ptr(models.NewCompletionEvent(snap)))
	o.metrics.RecordBatch(string(state.Status))
	log.Info("Batch finished",
		logger.String("status", string(state.Status)),
		logger.Int("completed", state.Completed),
		logger.Int("failed", state.Failed),
		logger.Int("cacheHits", state.Statistics.CacheHits),
		logger.Duration("wallTime", state.Statistics.WallTime),
	)

	o.cleanup(state, log)
	j.cancel()
	close(j.done)
}

// publish makes snap visible to readers, mirrors it into the cache and
// emits ev. Writes use their own deadline so a cancelled job still records
// its terminal state.
func (o *Orchestrator) publish(j *job, snap *models.BatchJobSnapshot, ev *models.Event) {
	j.snap.Store(snap)

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.WriteTimeout)
	defer cancel()

	o.cache.SetSnapshot(ctx, snap)
	o.cache.SetProgress(ctx, &models.JobProgressRecord{
		JobID:     snap.JobID,
		Total:     snap.Total,
		Completed: snap.Completed,
		Failed:    snap.Failed,
		Percent:   snap.Percent,
		UpdatedAt: time.Now(),
	})
	o.cache.SetStatus(ctx, &models.JobStatusRecord{
		JobID:     snap.JobID,
		Status:    snap.Status,
		Error:     snap.Error,
		UpdatedAt: time.Now(),
	})

	if ev == nil {
		return
	}
	if err := o.notifier.Publish(ctx, *ev); err != nil {
		o.metrics.RecordNotifyError()
		o.logger.Warn("Failed to publish event",
			logger.String("jobId", snap.JobID),
			logger.String("type", string(ev.Type)),
			logger.Error(err),
		)
	}
}

// cleanup deletes staged inputs and then the job directory. Failures are
// only logged.
func (o *Orchestrator) cleanup(state *models.BatchJob, log logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CleanupTimeout)
	defer cancel()

	var errs []error
	for _, item := range state.Items {
		if err := o.storage.Delete(ctx, item.StorageKey); err != nil {
			errs = append(errs, err)
		}
	}
	if err := o.storage.RemoveDir(ctx, state.ID); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn("Scratch cleanup incomplete", logger.Error(err))
	}
}

// computeStatistics aggregates over successful items. SuccessRate is the
// fraction of all items that succeeded.
func computeStatistics(state *models.BatchJob, now time.Time) *models.BatchStatistics {
	stats := &models.BatchStatistics{
		SuccessfulItems: state.Completed,
		FailedItems:     state.Failed,
		WallTime:        now.Sub(state.CreatedAt),
	}
	var confidence float64
	for _, r := range state.Results {
		if r.Status != models.ItemCompleted || r.Result == nil {
			continue
		}
		confidence += r.Result.Confidence
		stats.TotalProcessingTime += r.Result.ProcessingTime
		stats.TotalTextLength += utf8.RuneCountInString(r.Result.Text)
		if r.Result.FromCache {
			stats.CacheHits++
		}
	}
	if state.Completed > 0 {
		stats.AverageConfidence = confidence / float64(state.Completed)
	}
	if state.Total > 0 {
		stats.SuccessRate = float64(state.Completed) / float64(state.Total)
	}
	return stats
}

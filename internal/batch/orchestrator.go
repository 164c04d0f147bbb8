package batch

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	perrors "github.com/feichai0017/ocr-batch/internal/errors"
	"github.com/feichai0017/ocr-batch/internal/models"
	"github.com/feichai0017/ocr-batch/internal/notify"
	"github.com/feichai0017/ocr-batch/internal/preprocess"
	"github.com/feichai0017/ocr-batch/internal/utils/validator"
	"github.com/feichai0017/ocr-batch/pkg/logger"
	"github.com/feichai0017/ocr-batch/pkg/metrics"
	"github.com/feichai0017/ocr-batch/pkg/storage"
)

type Preprocessor interface {
	Preprocess(ctx context.Context, img image.Image, stages []preprocess.Stage, opts ...preprocess.RunOption) (image.Image, *preprocess.Info, error)
}

type Recognizer interface {
	Recognize(ctx context.Context, img image.Image, settings models.RecognitionSettings) (*models.RecognitionResult, error)
}

// Cache is the subset of the result cache the orchestrator reads and writes.
// Implementations swallow their own failures.
type Cache interface {
	GetResult(ctx context.Context, contentHash string, s models.RecognitionSettings) (*models.RecognitionResult, bool)
	SetResult(ctx context.Context, contentHash string, s models.RecognitionSettings, res *models.RecognitionResult)
	GetSnapshot(ctx context.Context, jobID string) (*models.BatchJobSnapshot, bool)
	SetSnapshot(ctx context.Context, snap *models.BatchJobSnapshot)
	SetStatus(ctx context.Context, rec *models.JobStatusRecord)
	SetProgress(ctx context.Context, rec *models.JobProgressRecord)
}

type Validator interface {
	Validate(f models.File) *validator.ValidationResult
}

// Deps are the collaborators of an Orchestrator. Pipeline, Recognizer, Cache
// and Storage are required.
type Deps struct {
	Pipeline   Preprocessor
	Recognizer Recognizer
	Cache      Cache
	Storage    storage.Storage
	Notifier   notify.Notifier
	Validator  Validator
	Metrics    *metrics.Recorder
	Logger     logger.Logger
}

type Config struct {
	// Workers is the number of items of one job processed concurrently.
	Workers int
	// WriteTimeout bounds each snapshot/progress write and event publish.
	WriteTimeout time.Duration
	// CleanupTimeout bounds scratch deletion after a job finishes.
	CleanupTimeout time.Duration
	// PrintedStages and HandwritingStages replace the default enhancement
	// chains when set.
	PrintedStages     []preprocess.Stage
	HandwritingStages []preprocess.Stage
}

func DefaultConfig() Config {
	return Config{
		Workers:        4,
		WriteTimeout:   5 * time.Second,
		CleanupTimeout: 30 * time.Second,
	}
}

type BatchRequest struct {
	// JobID is optional; one is generated when empty.
	JobID    string
	OwnerID  string
	Settings models.RecognitionSettings
	Files    []models.File
	// Indices optionally carries the original request position of each
	// file when an earlier hop already dropped some of them. When set it
	// must have one distinct entry per file.
	Indices []int
}

func (r BatchRequest) indexOf(i int) int {
	if len(r.Indices) > 0 {
		return r.Indices[i]
	}
	return i
}

func (r BatchRequest) validate(jobID string) error {
	if len(r.Indices) == 0 {
		return nil
	}
	if len(r.Indices) != len(r.Files) {
		return perrors.NewInvalidRequestError(jobID,
			fmt.Sprintf("got %d indices for %d files", len(r.Indices), len(r.Files)))
	}
	seen := make(map[int]struct{}, len(r.Indices))
	for _, idx := range r.Indices {
		if idx < 0 {
			return perrors.NewInvalidRequestError(jobID, fmt.Sprintf("negative index %d", idx))
		}
		if _, dup := seen[idx]; dup {
			return perrors.NewInvalidRequestError(jobID, fmt.Sprintf("duplicate index %d", idx))
		}
		seen[idx] = struct{}{}
	}
	return nil
}

// Orchestrator accepts batches, runs them in the background and answers
// progress queries. It holds no global state; every instance is independent.
type Orchestrator struct {
	pipeline   Preprocessor
	recognizer Recognizer
	cache      Cache
	storage    storage.Storage
	notifier   notify.Notifier
	validator  Validator
	metrics    *metrics.Recorder
	logger     logger.Logger
	cfg        Config

	baseCtx context.Context
	stopAll context.CancelFunc
	closing atomic.Bool

	mu       sync.RWMutex
	jobs     map[string]*job
	reserved map[string]struct{} // ids being staged, not yet in jobs
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Pipeline == nil:
		return nil, fmt.Errorf("batch orchestrator requires a preprocessing pipeline")
	case deps.Recognizer == nil:
		return nil, fmt.Errorf("batch orchestrator requires a recognizer")
	case deps.Cache == nil:
		return nil, fmt.Errorf("batch orchestrator requires a result cache")
	case deps.Storage == nil:
		return nil, fmt.Errorf("batch orchestrator requires scratch storage")
	}

	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = def.CleanupTimeout
	}

	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	log = log.Named("batch")
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Validator == nil {
		deps.Validator = validator.NewImageValidator(log, nil)
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		pipeline:   deps.Pipeline,
		recognizer: deps.Recognizer,
		cache:      deps.Cache,
		storage:    deps.Storage,
		notifier:   deps.Notifier,
		validator:  deps.Validator,
		metrics:    deps.Metrics,
		logger:     log,
		cfg:        cfg,
		baseCtx:    baseCtx,
		stopAll:    stop,
		jobs:       make(map[string]*job),
		reserved:   make(map[string]struct{}),
	}, nil
}

// StartBatch validates and stages the files, then processes them in the
// background. It only blocks for validation and the scratch writes. ctx
// scopes those writes; the batch itself outlives it.
func (o *Orchestrator) StartBatch(ctx context.Context, req BatchRequest) (*models.JobDescriptor, error) {
	if o.closing.Load() {
		return nil, fmt.Errorf("orchestrator is shutting down")
	}
	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	if err := req.validate(jobID); err != nil {
		return nil, err
	}
	if err := o.reserve(jobID); err != nil {
		return nil, err
	}
	defer o.release(jobID)

	log := o.logger.With(logger.String("jobId", jobID), logger.String("ownerId", req.OwnerID))
	items, rejected := o.stage(ctx, jobID, req, log)

	now := time.Now()
	state := &models.BatchJob{
		ID:        jobID,
		OwnerID:   req.OwnerID,
		Settings:  req.Settings,
		Total:     len(items),
		Status:    models.JobProcessing,
		Items:     items,
		Results:   make([]models.ItemResult, 0, len(items)),
		CreatedAt: now,
	}

	if len(items) == 0 {
		return nil, o.failEmpty(state, rejected, log)
	}

	jobCtx, cancel := context.WithCancel(o.baseCtx)
	j := newJob(jobCtx, cancel, state)
	o.mu.Lock()
	o.jobs[jobID] = j
	o.mu.Unlock()

	o.publish(j, state.Snapshot(), nil)
	log.Info("Batch accepted",
		logger.Int("total", len(items)),
		logger.Int("rejected", len(rejected)),
		logger.Bool("voting", req.Settings.Voting),
	)

	go o.run(j, log)

	return &models.JobDescriptor{
		JobID:       jobID,
		TotalImages: len(items),
		ProgressRef: progressRef(jobID),
		Rejected:    rejected,
		Done:        j.done,
	}, nil
}

// reserve claims jobID until the job is registered, so concurrent starts
// with the same id never stage into the same scratch keys.
func (o *Orchestrator) reserve(jobID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, running := o.jobs[jobID]
	_, staging := o.reserved[jobID]
	if running || staging {
		return perrors.NewJobExistsError(jobID)
	}
	o.reserved[jobID] = struct{}{}
	return nil
}

func (o *Orchestrator) release(jobID string) {
	o.mu.Lock()
	delete(o.reserved, jobID)
	o.mu.Unlock()
}

// stage validates every file and writes the valid ones to scratch storage.
// Item indices are positions in the original request.
func (o *Orchestrator) stage(ctx context.Context, jobID string, req BatchRequest, log logger.Logger) ([]models.BatchItem, []models.RejectedFile) {
	var (
		items    []models.BatchItem
		rejected []models.RejectedFile
	)
	for pos, f := range req.Files {
		i := req.indexOf(pos)
		res := o.validator.Validate(f)
		if !res.IsValid {
			rejected = append(rejected, models.RejectedFile{Index: i, Name: f.Name, Reason: res.Reason()})
			continue
		}
		key := ScratchKey(jobID, i, f.Name)
		if err := o.storage.Store(ctx, key, bytes.NewReader(f.Data), int64(len(f.Data))); err != nil {
			log.Warn("Failed to stage file", logger.String("file", f.Name), logger.Error(err))
			rejected = append(rejected, models.RejectedFile{Index: i, Name: f.Name, Reason: err.Error()})
			continue
		}
		items = append(items, models.BatchItem{
			Index:       i,
			Name:        f.Name,
			StorageKey:  key,
			ContentHash: res.FileInfo.Hash,
			Size:        res.FileInfo.Size,
			Status:      models.ItemPending,
		})
	}
	for _, r := range rejected {
		log.Warn("Rejected input file", logger.Int("index", r.Index), logger.String("file", r.Name), logger.String("reason", r.Reason))
	}
	return items, rejected
}

// failEmpty records a job that never started because nothing survived
// validation. The failed snapshot stays queryable.
func (o *Orchestrator) failEmpty(state *models.BatchJob, rejected []models.RejectedFile, log logger.Logger) error {
	err := perrors.NewNoValidFilesError(state.ID, len(rejected))
	now := time.Now()
	state.Status = models.JobFailed
	state.Error = err.Error()
	state.CompletedAt = &now

	j := newJob(o.baseCtx, func() {}, state)
	close(j.done)
	o.mu.Lock()
	o.jobs[state.ID] = j
	o.mu.Unlock()

	o.publish(j, state.Snapshot(), ptr(models.NewErrorEvent(state.ID, state.OwnerID, err)))
	o.metrics.RecordBatch(string(models.JobFailed))
	log.Error("Batch rejected", logger.Int("rejected", len(rejected)), logger.Error(err))

	cleanupCtx, cancel := context.WithTimeout(context.Background(), o.cfg.CleanupTimeout)
	defer cancel()
	_ = o.storage.RemoveDir(cleanupCtx, state.ID)
	return err
}

// GetProgress serves the in-memory snapshot, falling back to the cached one
// when this instance does not own the job.
func (o *Orchestrator) GetProgress(ctx context.Context, jobID string) (*models.BatchJobSnapshot, error) {
	o.mu.RLock()
	j, ok := o.jobs[jobID]
	o.mu.RUnlock()
	if ok {
		return j.snapshot(), nil
	}
	if snap, ok := o.cache.GetSnapshot(ctx, jobID); ok {
		return snap, nil
	}
	return nil, perrors.NewJobNotFoundError(jobID)
}

// Cancel stops a running job. Items not yet finished fail with the
// cancellation error and the job ends as cancelled. Cancelling a finished
// job is a no-op.
func (o *Orchestrator) Cancel(jobID string) error {
	o.mu.RLock()
	j, ok := o.jobs[jobID]
	o.mu.RUnlock()
	if !ok {
		return perrors.NewJobNotFoundError(jobID)
	}
	if j.finished() {
		return nil
	}
	j.cancelled.Store(true)
	j.cancel()
	o.logger.Info("Batch cancellation requested", logger.String("jobId", jobID))
	return nil
}

// Wait blocks until the job reaches a terminal status or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, jobID string) (*models.BatchJobSnapshot, error) {
	o.mu.RLock()
	j, ok := o.jobs[jobID]
	o.mu.RUnlock()
	if !ok {
		return nil, perrors.NewJobNotFoundError(jobID)
	}
	select {
	case <-j.done:
		return j.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown refuses new batches, cancels the running ones and waits for them
// to settle.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closing.Store(true)

	o.mu.RLock()
	running := make([]*job, 0, len(o.jobs))
	for _, j := range o.jobs {
		if !j.finished() {
			j.cancelled.Store(true)
			running = append(running, j)
		}
	}
	o.mu.RUnlock()

	o.stopAll()
	for _, j := range running {
		select {
		case <-j.done:
		case <-ctx.Done():
			return fmt.Errorf("failed to drain batches: %w", ctx.Err())
		}
	}
	o.logger.Info("Batch orchestrator stopped", logger.Int("drained", len(running)))
	return nil
}

// PruneFinished forgets jobs that finished before the cutoff. Their cached
// snapshots remain until they expire.
func (o *Orchestrator) PruneFinished(before time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	pruned := 0
	for id, j := range o.jobs {
		snap := j.snapshot()
		if !j.finished() || snap.CompletedAt == nil || !snap.CompletedAt.Before(before) {
			continue
		}
		delete(o.jobs, id)
		pruned++
	}
	if pruned > 0 {
		o.logger.Debug("Pruned finished batches", logger.Int("count", pruned))
	}
	return pruned
}

// ScratchKey is where item index of a job is staged.
func ScratchKey(jobID string, index int, name string) string {
	return fmt.Sprintf("%s/%d_%s", jobID, index, sanitizeName(name))
}

func sanitizeName(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	switch base {
	case ".", "/", "..", "":
		return "file"
	}
	return base
}

func progressRef(jobID string) string {
	return "/api/v1/batches/" + jobID
}

func ptr[T any](v T) *T { return &v }

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private registry so several recorders can coexist in tests.
// All methods are safe to call on a nil *Recorder.
type Recorder struct {
	registry *prometheus.Registry

	batchesTotal     *prometheus.CounterVec
	itemsTotal       *prometheus.CounterVec
	itemDuration     *prometheus.HistogramVec
	stageSkips       *prometheus.CounterVec
	engineCalls      *prometheus.CounterVec
	engineDuration   *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec
	cacheWriteErrors *prometheus.CounterVec
	notifyErrors     prometheus.Counter
}

func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocr_batches_total",
			Help: "Batches by terminal status.",
		}, []string{"status"}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocr_batch_items_total",
			Help: "Batch items by outcome.",
		}, []string{"status", "source"}), // source: engine, cache
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ocr_batch_item_duration_seconds",
			Help:    "Time spent on one batch item.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		stageSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocr_preprocess_stage_skipped_total",
			Help: "Preprocessing stages skipped after an error.",
		}, []string{"stage"}),
		engineCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocr_engine_calls_total",
			Help: "Recognition engine invocations.",
		}, []string{"engine", "status"}),
		engineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ocr_engine_duration_seconds",
			Help:    "Recognition engine latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"engine"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocr_cache_lookups_total",
			Help: "Result cache reads by payload kind and outcome.",
		}, []string{"kind", "result"}),
		cacheWriteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocr_cache_write_errors_total",
			Help: "Result cache writes that failed.",
		}, []string{"kind"}),
		notifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocr_notification_errors_total",
			Help: "Events the notification sink refused.",
		}),
	}

	registry.MustRegister(
		r.batchesTotal,
		r.itemsTotal,
		r.itemDuration,
		r.stageSkips,
		r.engineCalls,
		r.engineDuration,
		r.cacheLookups,
		r.cacheWriteErrors,
		r.notifyErrors,
	)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler exposes the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) RecordBatch(status string) {
	if r == nil {
		return
	}
	r.batchesTotal.WithLabelValues(status).Inc()
}

func (r *Recorder) RecordItem(status string, fromCache bool, d time.Duration) {
	if r == nil {
		return
	}
	source := "engine"
	if fromCache {
		source = "cache"
	}
	r.itemsTotal.WithLabelValues(status, source).Inc()
	r.itemDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (r *Recorder) RecordStageSkip(stage string) {
	if r == nil {
		return
	}
	r.stageSkips.WithLabelValues(stage).Inc()
}

func (r *Recorder) RecordEngineCall(engine string, err error, d time.Duration) {
	if r == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.engineCalls.WithLabelValues(engine, status).Inc()
	r.engineDuration.WithLabelValues(engine).Observe(d.Seconds())
}

func (r *Recorder) RecordCacheLookup(kind string, hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(kind, result).Inc()
}

func (r *Recorder) RecordCacheWriteError(kind string) {
	if r == nil {
		return
	}
	r.cacheWriteErrors.WithLabelValues(kind).Inc()
}

func (r *Recorder) RecordNotifyError() {
	if r == nil {
		return
	}
	r.notifyErrors.Inc()
}

package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/ocr-batch/internal/models"
	"github.com/feichai0017/ocr-batch/pkg/logger"
	"github.com/feichai0017/ocr-batch/pkg/metrics"
)

// Kind is the payload type of an entry; each kind has its own TTL.
type Kind string

const (
	KindResult   Kind = "result"
	KindStatus   Kind = "status"
	KindProgress Kind = "progress"
	KindSnapshot Kind = "snapshot"
)

const keyPrefix = "ocr"

type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ProbeTimeout  time.Duration

	ResultTTL   time.Duration
	StatusTTL   time.Duration
	ProgressTTL time.Duration
	SnapshotTTL time.Duration

	HighWaterMark int
	LowWaterMark  int
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		RedisAddr:     "localhost:6379",
		ProbeTimeout:  2 * time.Second,
		ResultTTL:     24 * time.Hour,
		StatusTTL:     30 * time.Minute,
		ProgressTTL:   5 * time.Minute,
		SnapshotTTL:   time.Hour,
		HighWaterMark: 1000,
		LowWaterMark:  800,
		SweepInterval: time.Minute,
	}
}

// ResultCache is a best-effort cache: reads fall back to a miss and writes
// only log on failure. The tier is chosen once and never changes.
type ResultCache struct {
	tier      Tier
	ttls      map[Kind]time.Duration
	logger    logger.Logger
	metrics   *metrics.Recorder
	stopSweep context.CancelFunc
}

// New pings Redis once. If it does not answer within ProbeTimeout the
// in-process tier serves this instance for its whole lifetime.
func New(ctx context.Context, cfg Config, log logger.Logger, m *metrics.Recorder) *ResultCache {
	log = log.Named("cache")
	def := DefaultConfig()
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
		err := client.Ping(probeCtx).Err()
		cancel()
		if err == nil {
			log.Info("Result cache using redis", logger.String("addr", cfg.RedisAddr))
			return NewWithTier(NewRedisTier(client), cfg, log, m)
		}
		_ = client.Close()
		log.Warn("Redis unreachable, falling back to in-process cache",
			logger.String("addr", cfg.RedisAddr),
			logger.Error(err),
		)
	}

	local := NewLocalTier(LocalConfig{HighWaterMark: cfg.HighWaterMark, LowWaterMark: cfg.LowWaterMark}, log)
	c := NewWithTier(local, cfg, log, m)
	sweepCtx, stop := context.WithCancel(context.Background())
	c.stopSweep = stop
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = def.SweepInterval
	}
	local.StartSweeper(sweepCtx, interval)
	return c
}

func NewWithTier(tier Tier, cfg Config, log logger.Logger, m *metrics.Recorder) *ResultCache {
	def := DefaultConfig()
	pick := func(v, d time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return d
	}
	return &ResultCache{
		tier: tier,
		ttls: map[Kind]time.Duration{
			KindResult:   pick(cfg.ResultTTL, def.ResultTTL),
			KindStatus:   pick(cfg.StatusTTL, def.StatusTTL),
			KindProgress: pick(cfg.ProgressTTL, def.ProgressTTL),
			KindSnapshot: pick(cfg.SnapshotTTL, def.SnapshotTTL),
		},
		logger:  log,
		metrics: m,
	}
}

// TierName reports which tier was selected.
func (c *ResultCache) TierName() string { return c.tier.Name() }

func (c *ResultCache) TTL(kind Kind) time.Duration { return c.ttls[kind] }

func (c *ResultCache) Close() error {
	if c.stopSweep != nil {
		c.stopSweep()
	}
	return c.tier.Close()
}

// Key hashes the canonical JSON of params together with a content
// identifier. Equal inputs always produce the same key.
func Key(kind Kind, params interface{}, contentID string) (string, error) {
	canonical, err := canonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize key params: %w", err)
	}
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte{':'})
	h.Write([]byte(contentID))
	return fmt.Sprintf("%s:%s:%s", keyPrefix, kind, hex.EncodeToString(h.Sum(nil))), nil
}

// SnapshotKey is the key a job snapshot is stored under.
func SnapshotKey(jobID string) string {
	key, _ := Key(KindSnapshot, nil, jobID)
	return key
}

// canonicalJSON re-encodes v through a generic value so object keys come out
// sorted regardless of struct field order.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func (c *ResultCache) GetResult(ctx context.Context, contentHash string, s models.RecognitionSettings) (*models.RecognitionResult, bool) {
	var res models.RecognitionResult
	if !c.get(ctx, KindResult, s, contentHash, &res) {
		return nil, false
	}
	res.FromCache = true
	return &res, true
}

func (c *ResultCache) SetResult(ctx context.Context, contentHash string, s models.RecognitionSettings, res *models.RecognitionResult) {
	stored := *res
	stored.FromCache = false
	c.set(ctx, KindResult, s, contentHash, &stored)
}

func (c *ResultCache) GetSnapshot(ctx context.Context, jobID string) (*models.BatchJobSnapshot, bool) {
	var snap models.BatchJobSnapshot
	if !c.get(ctx, KindSnapshot, nil, jobID, &snap) {
		return nil, false
	}
	return &snap, true
}

func (c *ResultCache) SetSnapshot(ctx context.Context, snap *models.BatchJobSnapshot) {
	c.set(ctx, KindSnapshot, nil, snap.JobID, snap)
}

func (c *ResultCache) GetStatus(ctx context.Context, jobID string) (*models.JobStatusRecord, bool) {
	var rec models.JobStatusRecord
	if !c.get(ctx, KindStatus, nil, jobID, &rec) {
		return nil, false
	}
	return &rec, true
}

func (c *ResultCache) SetStatus(ctx context.Context, rec *models.JobStatusRecord) {
	c.set(ctx, KindStatus, nil, rec.JobID, rec)
}

func (c *ResultCache) GetProgress(ctx context.Context, jobID string) (*models.JobProgressRecord, bool) {
	var rec models.JobProgressRecord
	if !c.get(ctx, KindProgress, nil, jobID, &rec) {
		return nil, false
	}
	return &rec, true
}

func (c *ResultCache) SetProgress(ctx context.Context, rec *models.JobProgressRecord) {
	c.set(ctx, KindProgress, nil, rec.JobID, rec)
}

// Delete removes one entry; failures are logged only.
func (c *ResultCache) Delete(ctx context.Context, kind Kind, params interface{}, contentID string) {
	if ctx.Err() != nil {
		return
	}
	key, err := Key(kind, params, contentID)
	if err != nil {
		return
	}
	if err := c.tier.Delete(ctx, key); err != nil {
		c.logger.Warn("Cache delete failed", logger.String("kind", string(kind)), logger.Error(err))
	}
}

func (c *ResultCache) get(ctx context.Context, kind Kind, params interface{}, contentID string, out interface{}) bool {
	if ctx.Err() != nil {
		return false
	}
	key, err := Key(kind, params, contentID)
	if err != nil {
		c.logger.Warn("Cache key derivation failed", logger.String("kind", string(kind)), logger.Error(err))
		return false
	}
	data, ok, err := c.tier.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Cache read failed", logger.String("kind", string(kind)), logger.Error(err))
	}
	if err != nil || !ok {
		c.metrics.RecordCacheLookup(string(kind), false)
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Warn("Cache entry corrupt", logger.String("kind", string(kind)), logger.Error(err))
		c.metrics.RecordCacheLookup(string(kind), false)
		return false
	}
	c.metrics.RecordCacheLookup(string(kind), true)
	return true
}

func (c *ResultCache) set(ctx context.Context, kind Kind, params interface{}, contentID string, v interface{}) {
	if ctx.Err() != nil {
		return
	}
	key, err := Key(kind, params, contentID)
	if err != nil {
		c.logger.Warn("Cache key derivation failed", logger.String("kind", string(kind)), logger.Error(err))
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal cache entry", logger.String("kind", string(kind)), logger.Error(err))
		return
	}
	if err := c.tier.Set(ctx, key, data, c.ttls[kind]); err != nil {
		c.metrics.RecordCacheWriteError(string(kind))
		c.logger.Warn("Cache write failed",
			logger.String("kind", string(kind)),
			logger.String("tier", c.tier.Name()),
			logger.Error(err),
		)
	}
}

package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/feichai0017/ocr-batch/pkg/logger"
)

type LocalConfig struct {
	HighWaterMark int // eviction starts above this many entries
	LowWaterMark  int // oldest-half eviction runs while still above this
	Now           func() time.Time
}

type localEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
	seq       uint64    // insertion order
}

func (e localEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// LocalTier is the in-process fallback used when Redis is unreachable.
type LocalTier struct {
	mu      sync.Mutex
	entries map[string]localEntry
	seq     uint64
	high    int
	low     int
	now     func() time.Time
	logger  logger.Logger
}

func NewLocalTier(cfg LocalConfig, log logger.Logger) *LocalTier {
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = 1000
	}
	if cfg.LowWaterMark <= 0 || cfg.LowWaterMark > cfg.HighWaterMark {
		cfg.LowWaterMark = cfg.HighWaterMark * 4 / 5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &LocalTier{
		entries: make(map[string]localEntry),
		high:    cfg.HighWaterMark,
		low:     cfg.LowWaterMark,
		now:     cfg.Now,
		logger:  log,
	}
}

func (t *LocalTier) Name() string { return "local" }

// Get never returns an expired entry; one found on read is dropped.
func (t *LocalTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return nil, false, nil
	}
	if e.expired(t.now()) {
		delete(t.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (t *LocalTier) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	e := localEntry{value: append([]byte(nil), value...), seq: t.seq}
	if ttl > 0 {
		e.expiresAt = t.now().Add(ttl)
	}
	t.entries[key] = e

	if len(t.entries) > t.high {
		t.evictLocked()
	}
	return nil
}

func (t *LocalTier) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
	return nil
}

func (t *LocalTier) Close() error { return nil }

func (t *LocalTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// evictLocked drops expired entries, then the oldest half by insertion if the
// tier is still above the low-water mark.
func (t *LocalTier) evictLocked() {
	before := len(t.entries)
	expired := t.removeExpiredLocked()
	if len(t.entries) <= t.low {
		t.logger.Debug("Local cache evicted expired entries", logger.Int("removed", expired))
		return
	}

	type aged struct {
		key string
		seq uint64
	}
	all := make([]aged, 0, len(t.entries))
	for k, e := range t.entries {
		all = append(all, aged{k, e.seq})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	for _, a := range all[:len(all)/2] {
		delete(t.entries, a.key)
	}
	t.logger.Warn("Local cache over capacity, dropped oldest entries",
		logger.Int("before", before),
		logger.Int("after", len(t.entries)),
	)
}

func (t *LocalTier) removeExpiredLocked() int {
	now := t.now()
	removed := 0
	for k, e := range t.entries {
		if e.expired(now) {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}

// Sweep removes expired entries and reports how many went.
func (t *LocalTier) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeExpiredLocked()
}

// StartSweeper sweeps every interval until ctx is done.
func (t *LocalTier) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := t.Sweep(); n > 0 {
					t.logger.Debug("Local cache sweep", logger.Int("removed", n))
				}
			}
		}
	}()
}

// Package cache implements the RAM tier of the overflow cache: a bounded
// in-memory map that spills least-used entries to durable overflow storage
// under memory pressure and recalls them on demand.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiercache/tiercache/container"
	"github.com/tiercache/tiercache/store"
	"github.com/tiercache/tiercache/telemetry"
)

// OverflowStore is the durable tier consumed by the Manager. It is satisfied
// by *store.Storage[T] and by test doubles.
type OverflowStore[T any] interface {
	Initialize(ctx context.Context) error
	Store(ctx context.Context, key string, value T, opts ...store.StoreOption) (*store.StoreResult, error)
	Retrieve(ctx context.Context, key string) (T, bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Stats(ctx context.Context) (*store.Stats, error)
	Shutdown()
}

// EvictionFunc is invoked for every entry moved to overflow storage, after
// the entry has been persisted and before it is dropped from RAM. A failure
// is logged and never blocks the rest of the batch or the entry's removal.
type EvictionFunc[T any] func(ctx context.Context, key string, value T) error

// Config holds RAM tier configuration.
type Config struct {
	// RAMLimitMB is the memory budget for cached values, by estimated
	// canonical-encoding size. Default 100.
	RAMLimitMB float64

	// EvictionThreshold is the fraction of the budget at which eviction
	// triggers. Default 0.85.
	EvictionThreshold float64

	// EvictionBatchSize is how many entries one eviction pass moves to
	// overflow storage. Default 50.
	EvictionBatchSize int

	// CheckInterval is the background safety-net memory check period.
	// Default 30s.
	CheckInterval time.Duration

	// Logger for cache events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		RAMLimitMB:        100,
		EvictionThreshold: 0.85,
		EvictionBatchSize: 50,
		CheckInterval:     30 * time.Second,
		Logger:            slog.Default(),
	}
}

// entry is one RAM-resident cache entry. The data is the caller's live
// value; size is the estimated canonical-encoding byte length.
type entry[T any] struct {
	key         string
	data        T
	size        int64
	ttlDays     float64
	metadata    map[string]string
	createdAt   time.Time
	accessedAt  time.Time
	accessCount int64
	inOverflow  bool
}

// Manager is the cache controller callers interact with. RAM is always
// authoritative: a key present in RAM is never looked up in storage.
//
// Concurrency model: m.mu serialises the entry map, the running byte total
// and the counters. Storage I/O happens outside the lock, so concurrently
// issued operations may interleave; two callers may both decide eviction is
// needed and both run a batch. That is tolerated (selection recomputes from
// current state, eviction is idempotent) rather than prevented by locking.
type Manager[T any] struct {
	config  Config
	store   OverflowStore[T]
	logger  *slog.Logger
	now     func() time.Time
	limit   int64 // RAM budget in bytes
	trigger int64 // eviction threshold in bytes

	mu           sync.Mutex
	entries      map[string]*entry[T]
	currentBytes int64
	callbacks    []EvictionFunc[T]
	hits         int64
	misses       int64
	evictions    int64
	recalls      int64

	initialized bool
	stopped     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// New creates a Manager over the given overflow store.
func New[T any](st OverflowStore[T], cfg Config) *Manager[T] {
	if cfg.RAMLimitMB <= 0 {
		cfg.RAMLimitMB = 100
	}
	if cfg.EvictionThreshold <= 0 || cfg.EvictionThreshold > 1 {
		cfg.EvictionThreshold = 0.85
	}
	if cfg.EvictionBatchSize <= 0 {
		cfg.EvictionBatchSize = 50
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	limit := int64(cfg.RAMLimitMB * 1024 * 1024)
	return &Manager[T]{
		config:  cfg,
		store:   st,
		logger:  cfg.Logger,
		now:     time.Now,
		limit:   limit,
		trigger: int64(float64(limit) * cfg.EvictionThreshold),
		entries: make(map[string]*entry[T]),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Initialize initializes the underlying storage and starts the periodic
// memory-pressure check. Calling it twice is a no-op.
func (m *Manager[T]) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		m.logger.Debug("overflow manager already initialized")
		return nil
	}
	m.mu.Unlock()

	if err := m.store.Initialize(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	stopped := m.stopped
	m.mu.Unlock()

	if !stopped {
		go m.run(ctx)
	}

	m.logger.Info("overflow manager initialized",
		"ramLimitMb", m.config.RAMLimitMB,
		"evictionThreshold", m.config.EvictionThreshold,
		"evictionBatchSize", m.config.EvictionBatchSize)
	return nil
}

// OnEviction registers a hook invoked for every entry moved to storage,
// before it is dropped from RAM.
func (m *Manager[T]) OnEviction(fn EvictionFunc[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

type setOptions struct {
	ttlDays  float64
	metadata map[string]string
}

// SetOption configures a single Set call.
type SetOption func(*setOptions)

// WithTTL sets the TTL, in days, applied if and when the entry is evicted to
// overflow storage. Fractional values are legal.
func WithTTL(days float64) SetOption {
	return func(o *setOptions) { o.ttlDays = days }
}

// WithMetadata attaches caller metadata carried to overflow storage on
// eviction.
func WithMetadata(md map[string]string) SetOption {
	return func(o *setOptions) { o.metadata = md }
}

// Set inserts or overwrites the value under key. If the projected RAM total
// would cross the eviction threshold, a batch eviction runs first; the
// insert itself never fails for lack of room. Overwriting subtracts the old
// entry's size before accounting the new one.
func (m *Manager[T]) Set(ctx context.Context, key string, value T, opts ...SetOption) error {
	o := setOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	n, err := container.EstimateSize(value)
	if err != nil {
		return err
	}
	size := int64(n)

	m.mu.Lock()
	projected := m.currentBytes + size
	if old, ok := m.entries[key]; ok {
		projected -= old.size
	}
	needEviction := projected > m.trigger
	m.mu.Unlock()

	if needEviction {
		if _, err := m.EvictToOverflow(ctx, m.config.EvictionBatchSize); err != nil {
			// A failed eviction pass never refuses the write.
			m.logger.Warn("eviction before insert failed", "key", key, "error", err)
		}
	}

	now := m.now()
	m.mu.Lock()
	if old, ok := m.entries[key]; ok {
		m.currentBytes -= old.size
	}
	m.entries[key] = &entry[T]{
		key:         key,
		data:        value,
		size:        size,
		ttlDays:     o.ttlDays,
		metadata:    o.metadata,
		createdAt:   now,
		accessedAt:  now,
		accessCount: 1,
	}
	m.currentBytes += size
	bytes, count := m.currentBytes, len(m.entries)
	m.mu.Unlock()

	telemetry.UpdateRAMUsage(ctx, bytes, count)
	return nil
}

// Get returns the value under key. A RAM hit is served without I/O; a RAM
// miss consults storage and, on a hit there, promotes the value back into
// RAM (evicting first if needed to stay under budget). A miss in both tiers
// returns ok=false. Every call feeds the lifetime hit/miss counters.
func (m *Manager[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		e.accessedAt = m.now()
		e.accessCount++
		m.hits++
		data := e.data
		m.mu.Unlock()
		telemetry.RecordCacheRequest(ctx, "ram_hit")
		return data, true, nil
	}
	m.mu.Unlock()

	value, ok, err := m.store.Retrieve(ctx, key)
	if err != nil {
		m.mu.Lock()
		m.misses++
		m.mu.Unlock()
		telemetry.RecordCacheRequest(ctx, "error")
		return zero, false, err
	}
	if !ok {
		m.mu.Lock()
		m.misses++
		m.mu.Unlock()
		telemetry.RecordCacheRequest(ctx, "miss")
		return zero, false, nil
	}

	if err := m.promote(ctx, key, value); err != nil {
		m.logger.Warn("failed to promote recalled entry into ram", "key", key, "error", err)
	}

	m.mu.Lock()
	m.hits++
	m.recalls++
	m.mu.Unlock()
	telemetry.RecordCacheRequest(ctx, "overflow_hit")
	telemetry.RecordRecall(ctx, 1)
	return value, true, nil
}

// promote inserts a value recalled from storage into RAM, evicting first if
// the budget requires it.
func (m *Manager[T]) promote(ctx context.Context, key string, value T) error {
	n, err := container.EstimateSize(value)
	if err != nil {
		return err
	}
	size := int64(n)

	m.mu.Lock()
	needEviction := m.currentBytes+size > m.trigger
	m.mu.Unlock()

	if needEviction {
		if _, err := m.EvictToOverflow(ctx, m.config.EvictionBatchSize); err != nil {
			m.logger.Warn("eviction before promotion failed", "key", key, "error", err)
		}
	}

	now := m.now()
	m.mu.Lock()
	if old, ok := m.entries[key]; ok {
		m.currentBytes -= old.size
	}
	m.entries[key] = &entry[T]{
		key:         key,
		data:        value,
		size:        size,
		createdAt:   now,
		accessedAt:  now,
		accessCount: 1,
		inOverflow:  true,
	}
	m.currentBytes += size
	bytes, count := m.currentBytes, len(m.entries)
	m.mu.Unlock()

	telemetry.UpdateRAMUsage(ctx, bytes, count)
	return nil
}

// Delete removes key from RAM and storage. Returns true if either tier held
// it. Deleting an unknown key is a no-op.
func (m *Manager[T]) Delete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	removed := false
	if e, ok := m.entries[key]; ok {
		m.currentBytes -= e.size
		delete(m.entries, key)
		removed = true
	}
	bytes, count := m.currentBytes, len(m.entries)
	m.mu.Unlock()
	telemetry.UpdateRAMUsage(ctx, bytes, count)

	stored, err := m.store.Delete(ctx, key)
	if err != nil {
		return removed, err
	}
	return removed || stored, nil
}

// Has reports whether key is present in either tier.
func (m *Manager[T]) Has(ctx context.Context, key string) (bool, error) {
	if m.HasInRAM(key) {
		return true, nil
	}
	return m.store.Exists(ctx, key)
}

// HasInRAM reports whether key is RAM-resident. O(1) and I/O-free; callers
// use it to avoid triggering a promotion.
func (m *Manager[T]) HasInRAM(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

// EvictToOverflow moves up to count entries (default EvictionBatchSize) to
// storage, choosing victims by lowest access count, tie-broken by oldest
// access. A persist failure for one entry skips it and continues; a partial
// batch is acceptable, a stuck cache is not. Returns the number evicted.
func (m *Manager[T]) EvictToOverflow(ctx context.Context, count int) (int, error) {
	if count <= 0 {
		count = m.config.EvictionBatchSize
	}

	victims := m.leastUsedKeys(count)
	if len(victims) == 0 {
		return 0, nil
	}

	batch := uuid.NewString()[:8]
	evicted := 0
	var freedBytes int64

	for _, key := range victims {
		m.mu.Lock()
		e, ok := m.entries[key]
		m.mu.Unlock()
		if !ok {
			continue // removed concurrently
		}

		opts := []store.StoreOption{}
		if e.ttlDays > 0 {
			opts = append(opts, store.WithTTL(e.ttlDays))
		}
		if e.metadata != nil {
			opts = append(opts, store.WithMetadata(e.metadata))
		}

		if _, err := m.store.Store(ctx, key, e.data, opts...); err != nil {
			m.logger.Error("failed to persist entry during eviction",
				"key", key, "batch", batch, "error", err)
			continue
		}

		m.runEvictionCallbacks(ctx, key, e.data, batch)

		m.mu.Lock()
		if cur, ok := m.entries[key]; ok && cur == e {
			m.currentBytes -= e.size
			delete(m.entries, key)
			m.evictions++
			evicted++
			freedBytes += e.size
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	bytes, count2 := m.currentBytes, len(m.entries)
	m.mu.Unlock()
	telemetry.RecordEviction(ctx, evicted, freedBytes)
	telemetry.UpdateRAMUsage(ctx, bytes, count2)

	if evicted > 0 {
		m.logger.Debug("evicted entries to overflow storage",
			"batch", batch, "evicted", evicted, "bytesFreed", freedBytes)
	}
	return evicted, nil
}

// runEvictionCallbacks awaits each registered hook for one entry. Failures
// are caught per entry; relieving RAM pressure takes priority over callback
// completion.
func (m *Manager[T]) runEvictionCallbacks(ctx context.Context, key string, value T, batch string) {
	m.mu.Lock()
	callbacks := make([]EvictionFunc[T], len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, fn := range callbacks {
		if err := fn(ctx, key, value); err != nil {
			m.logger.Warn("eviction callback failed",
				"key", key, "batch", batch, "error", err)
		}
	}
}

// leastUsedKeys returns up to count RAM keys ordered by lowest access count,
// then oldest access time.
func (m *Manager[T]) leastUsedKeys(count int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*entry[T], 0, len(m.entries))
	for _, e := range m.entries {
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].accessCount != candidates[j].accessCount {
			return candidates[i].accessCount < candidates[j].accessCount
		}
		return candidates[i].accessedAt.Before(candidates[j].accessedAt)
	})

	if count > len(candidates) {
		count = len(candidates)
	}
	keys := make([]string, 0, count)
	for _, e := range candidates[:count] {
		keys = append(keys, e.key)
	}
	return keys
}

// RecallFromOverflow bulk-recalls keys into RAM, returning a key-to-value
// map of those found. Used when a caller knows it needs several evicted
// entries back at once.
func (m *Manager[T]) RecallFromOverflow(ctx context.Context, keys []string) (map[string]T, error) {
	result := make(map[string]T, len(keys))
	var errs []error

	for _, key := range keys {
		value, ok, err := m.Get(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			result[key] = value
		}
	}
	return result, errors.Join(errs...)
}

// Prefetch warms RAM from storage for keys not already resident, without
// evicting to make room: entries that would breach the budget are skipped.
// Prefetch is best-effort and must never itself cause churn. Returns the
// count actually prefetched.
func (m *Manager[T]) Prefetch(ctx context.Context, keys []string) (int, error) {
	fetched := 0
	now := m.now()

	for _, key := range keys {
		if m.HasInRAM(key) {
			continue
		}

		value, ok, err := m.store.Retrieve(ctx, key)
		if err != nil {
			m.logger.Warn("prefetch retrieve failed", "key", key, "error", err)
			continue
		}
		if !ok {
			continue
		}

		n, err := container.EstimateSize(value)
		if err != nil {
			continue
		}
		size := int64(n)

		m.mu.Lock()
		if m.currentBytes+size > m.trigger {
			m.mu.Unlock()
			continue
		}
		if _, exists := m.entries[key]; exists {
			m.mu.Unlock()
			continue
		}
		m.entries[key] = &entry[T]{
			key:         key,
			data:        value,
			size:        size,
			createdAt:   now,
			accessedAt:  now,
			accessCount: 1,
			inOverflow:  true,
		}
		m.currentBytes += size
		m.mu.Unlock()
		fetched++
	}

	telemetry.RecordPrefetch(ctx, fetched)
	return fetched, nil
}

// Clear drops all RAM entries and resets the running size counter. Storage
// is untouched.
func (m *Manager[T]) Clear() {
	m.mu.Lock()
	m.entries = make(map[string]*entry[T])
	m.currentBytes = 0
	m.mu.Unlock()
	telemetry.UpdateRAMUsage(context.Background(), 0, 0)
}

// Stats describes the RAM tier and the Manager's lifetime counters.
type Stats struct {
	RAMEntries      int
	RAMBytes        int64
	RAMUsageMB      float64
	RAMUsagePercent float64
	Hits            int64
	Misses          int64
	HitRate         float64
	Evictions       int64
	Recalls         int64
}

// FullStats additionally includes the durable tier's aggregates.
type FullStats struct {
	Stats
	Storage *store.Stats
}

// Stats returns RAM usage and lifetime counters. Synchronous; no I/O.
func (m *Manager[T]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *Manager[T]) statsLocked() Stats {
	s := Stats{
		RAMEntries: len(m.entries),
		RAMBytes:   m.currentBytes,
		RAMUsageMB: float64(m.currentBytes) / (1024 * 1024),
		Hits:       m.hits,
		Misses:     m.misses,
		Evictions:  m.evictions,
		Recalls:    m.recalls,
	}
	if m.limit > 0 {
		s.RAMUsagePercent = 100 * float64(m.currentBytes) / float64(m.limit)
	}
	if total := m.hits + m.misses; total > 0 {
		s.HitRate = float64(m.hits) / float64(total)
	}
	return s
}

// FullStats returns Stats plus storage aggregates.
func (m *Manager[T]) FullStats(ctx context.Context) (*FullStats, error) {
	storageStats, err := m.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &FullStats{Stats: m.Stats(), Storage: storageStats}, nil
}

// RunMemoryCheckOnce performs one background memory-pressure check,
// evicting a batch if the running total is over the threshold. Returns the
// number evicted. The ticker calls this; tests call it directly.
func (m *Manager[T]) RunMemoryCheckOnce(ctx context.Context) int {
	m.mu.Lock()
	over := m.currentBytes > m.trigger
	m.mu.Unlock()
	if !over {
		return 0
	}

	evicted, err := m.EvictToOverflow(ctx, m.config.EvictionBatchSize)
	if err != nil {
		m.logger.Error("background eviction failed", "error", err)
	}
	return evicted
}

func (m *Manager[T]) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunMemoryCheckOnce(ctx)
		}
	}
}

// Shutdown stops the background check, shuts down storage and drops RAM
// state. Idempotent.
func (m *Manager[T]) Shutdown() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	wasRunning := m.initialized
	stats := m.statsLocked()
	m.mu.Unlock()

	if wasRunning {
		close(m.stopCh)
		<-m.doneCh
	}

	m.store.Shutdown()
	m.Clear()

	m.logger.Info("overflow manager shut down",
		"hitRate", stats.HitRate,
		"hits", stats.Hits,
		"misses", stats.Misses,
		"evictions", stats.Evictions,
		"recalls", stats.Recalls)
}

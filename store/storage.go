// Package store implements the durable overflow tier: a TTL-expiring,
// capacity-capped key-value store over a relational backend, persisting
// payloads in the container format.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/lib/pq"

	tiercache "github.com/tiercache/tiercache"
	"github.com/tiercache/tiercache/container"
	"github.com/tiercache/tiercache/telemetry"
)

// Querier is the subset of database/sql used by Storage. A *sql.DB (or
// *sql.Tx) satisfies it. The pool is shared with the host application, so
// every statement is parameterized and nothing assumes exclusive access.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ErrInvalidTableName is returned when the configured table name is not a
// plain SQL identifier. Table names cannot be parameterized, so anything
// else is rejected outright.
var ErrInvalidTableName = errors.New("store: invalid table name")

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds overflow storage configuration.
type Config struct {
	// TableName is the backing table. Created by Initialize if absent.
	TableName string

	// DefaultTTLDays is the TTL applied when Store is called without an
	// explicit TTL. Fractional values are legal (0.5 = 12 hours).
	DefaultTTLDays float64

	// CleanupInterval is how often the background cleaner removes expired
	// rows and enforces MaxEntries. Default is 1 hour.
	CleanupInterval time.Duration

	// MaxEntries caps the row count; the excess is deleted least-used
	// first. Zero disables the cap.
	MaxEntries int

	// Compression enables payload compression in the container format.
	Compression bool

	// Logger for storage events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		TableName:       "overflow_entries",
		DefaultTTLDays:  30,
		CleanupInterval: 1 * time.Hour,
		MaxEntries:      10000,
		Compression:     true,
		Logger:          slog.Default(),
	}
}

// Storage is the durable overflow tier for values of type T.
type Storage[T any] struct {
	db     Querier
	config Config
	table  string
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	initialized bool
	stopped     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// New creates overflow storage over the given backend connection.
func New[T any](db Querier, cfg Config) (*Storage[T], error) {
	if cfg.TableName == "" {
		cfg.TableName = "overflow_entries"
	}
	if !tableNameRe.MatchString(cfg.TableName) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, cfg.TableName)
	}
	if cfg.DefaultTTLDays <= 0 {
		cfg.DefaultTTLDays = 30
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Storage[T]{
		db:     db,
		config: cfg,
		table:  cfg.TableName,
		logger: cfg.Logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Initialize creates the backing table and indexes if absent and starts the
// background cleanup loop. Calling it twice is a no-op.
func (s *Storage[T]) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		s.logger.Debug("overflow storage already initialized", "table", s.table)
		return nil
	}
	s.mu.Unlock()

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		payload BYTEA NOT NULL,
		original_size BIGINT NOT NULL,
		stored_size BIGINT NOT NULL,
		ratio DOUBLE PRECISION NOT NULL,
		digest TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		accessed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		access_count BIGINT NOT NULL DEFAULT 0,
		ttl_days DOUBLE PRECISION NOT NULL,
		expires_at TIMESTAMPTZ GENERATED ALWAYS AS (created_at + make_interval(secs => ttl_days * 86400.0)) STORED,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb
	)`, s.table)

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("store: creating table %s: %w", s.table, err)
	}

	for _, col := range []string{"expires_at", "accessed_at", "access_count", "created_at"} {
		idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_%s_idx ON %s (%s)", s.table, col, s.table, col)
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("store: creating index on %s.%s: %w", s.table, col, err)
		}
	}

	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = true
	stopped := s.stopped
	s.mu.Unlock()

	if !stopped {
		go s.runCleaner(ctx)
	}

	s.logger.Info("overflow storage initialized",
		"table", s.table,
		"defaultTtlDays", s.config.DefaultTTLDays,
		"maxEntries", s.config.MaxEntries,
		"cleanupInterval", s.config.CleanupInterval)
	return nil
}

type storeOptions struct {
	ttlDays  float64
	metadata map[string]string
}

// StoreOption configures a single Store call.
type StoreOption func(*storeOptions)

// WithTTL overrides the default TTL, in days. Fractional values are legal.
func WithTTL(days float64) StoreOption {
	return func(o *storeOptions) { o.ttlDays = days }
}

// WithMetadata attaches caller metadata to the entry. It is persisted in the
// row and in the container header but never interpreted.
func WithMetadata(md map[string]string) StoreOption {
	return func(o *storeOptions) { o.metadata = md }
}

// StoreResult reports the outcome of a Store call.
type StoreResult struct {
	Key          string
	OriginalSize int64
	StoredSize   int64
	Ratio        float64
	Compressed   bool
	Digest       string
}

// Store serializes value into a container blob and upserts it under key.
// Overwriting an existing key replaces its content and restarts its TTL but
// keeps the row's access bookkeeping: updating content must not erase
// popularity signal.
func (s *Storage[T]) Store(ctx context.Context, key string, value T, opts ...StoreOption) (*StoreResult, error) {
	start := s.now()

	o := storeOptions{ttlDays: s.config.DefaultTTLDays}
	for _, opt := range opts {
		opt(&o)
	}

	containerOpts := []container.Option{}
	if !s.config.Compression {
		containerOpts = append(containerOpts, container.WithoutCompression())
	}
	headerMeta := map[string]string{"key": key}
	for k, v := range o.metadata {
		headerMeta[k] = v
	}
	containerOpts = append(containerOpts, container.WithMetadata(headerMeta))

	blob, stats, err := container.Serialize(value, containerOpts...)
	if err != nil {
		return nil, fmt.Errorf("store: serializing %q: %w", key, err)
	}
	digest := tiercache.DigestOf(blob).String()

	metaJSON, err := json.Marshal(o.metadata)
	if err != nil {
		return nil, fmt.Errorf("store: encoding metadata for %q: %w", key, err)
	}

	query := fmt.Sprintf(`INSERT INTO %s
		(key, payload, original_size, stored_size, ratio, digest, created_at, accessed_at, access_count, ttl_days, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now(), 0, $7, $8)
		ON CONFLICT (key) DO UPDATE SET
			payload = EXCLUDED.payload,
			original_size = EXCLUDED.original_size,
			stored_size = EXCLUDED.stored_size,
			ratio = EXCLUDED.ratio,
			digest = EXCLUDED.digest,
			created_at = EXCLUDED.created_at,
			ttl_days = EXCLUDED.ttl_days,
			metadata = EXCLUDED.metadata`, s.table)

	_, err = s.db.ExecContext(ctx, query,
		key, blob, stats.OriginalSize, len(blob), stats.Ratio, digest, o.ttlDays, metaJSON)
	telemetry.RecordStoreOp(ctx, "store", outcome(err), s.now().Sub(start), int64(len(blob)))
	if err != nil {
		s.logger.Error("failed to store overflow entry", "key", key, "error", err)
		return nil, fmt.Errorf("store: upserting %q: %w", key, err)
	}

	return &StoreResult{
		Key:          key,
		OriginalSize: int64(stats.OriginalSize),
		StoredSize:   int64(len(blob)),
		Ratio:        stats.Ratio,
		Compressed:   stats.Compressed,
		Digest:       digest,
	}, nil
}

// Retrieve returns the value stored under key, bumping its access stats in
// the same statement. Expired-but-present rows are a clean miss, never an
// error; the second return reports presence.
func (s *Storage[T]) Retrieve(ctx context.Context, key string) (T, bool, error) {
	var zero T
	start := s.now()

	query := fmt.Sprintf(`UPDATE %s
		SET accessed_at = now(), access_count = access_count + 1
		WHERE key = $1 AND expires_at > now()
		RETURNING payload`, s.table)

	var blob []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		telemetry.RecordStoreOp(ctx, "retrieve", "miss", s.now().Sub(start), 0)
		return zero, false, nil
	}
	if err != nil {
		telemetry.RecordStoreOp(ctx, "retrieve", "error", s.now().Sub(start), 0)
		s.logger.Error("failed to retrieve overflow entry", "key", key, "error", err)
		return zero, false, fmt.Errorf("store: retrieving %q: %w", key, err)
	}

	_, value, err := container.Deserialize[T](blob)
	if err != nil {
		telemetry.RecordStoreOp(ctx, "retrieve", "corrupt", s.now().Sub(start), int64(len(blob)))
		return zero, false, fmt.Errorf("store: decoding %q: %w", key, err)
	}

	telemetry.RecordStoreOp(ctx, "retrieve", "hit", s.now().Sub(start), int64(len(blob)))
	return value, true, nil
}

// Delete removes the entry under key. Deleting a missing key is a no-op;
// the return reports whether a row was removed.
func (s *Storage[T]) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = $1", s.table), key)
	if err != nil {
		s.logger.Error("failed to delete overflow entry", "key", key, "error", err)
		return false, fmt.Errorf("store: deleting %q: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteMany removes all entries in keys with one statement and returns the
// number of rows removed. Missing keys are ignored.
func (s *Storage[T]) DeleteMany(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE key = ANY($1)", s.table), pq.Array(keys))
	if err != nil {
		s.logger.Error("failed to delete overflow entries", "count", len(keys), "error", err)
		return 0, fmt.Errorf("store: deleting %d keys: %w", len(keys), err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Exists reports whether a non-expired entry is present under key. It never
// bumps access stats; existence checks are side-effect-free.
func (s *Storage[T]) Exists(ctx context.Context, key string) (bool, error) {
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE key = $1 AND expires_at > now())", s.table)

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: checking %q: %w", key, err)
	}
	return exists, nil
}

// EntryMetadata is header-level information about a stored entry, available
// without decoding (or even fetching) the payload.
type EntryMetadata struct {
	Key          string
	OriginalSize int64
	StoredSize   int64
	Ratio        float64
	Digest       string
	CreatedAt    time.Time
	AccessedAt   time.Time
	ExpiresAt    time.Time
	AccessCount  int64
	TTLDays      float64
	Metadata     map[string]string
}

// Metadata returns entry metadata and access stats for key without paying
// payload deserialization cost. Expired rows are still reported (with their
// ExpiresAt in the past) so tooling can inspect cleanup backlog.
func (s *Storage[T]) Metadata(ctx context.Context, key string) (*EntryMetadata, bool, error) {
	query := fmt.Sprintf(`SELECT key, original_size, stored_size, ratio, digest,
		created_at, accessed_at, expires_at, access_count, ttl_days, metadata
		FROM %s WHERE key = $1`, s.table)

	var (
		meta     EntryMetadata
		metaJSON []byte
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&meta.Key, &meta.OriginalSize, &meta.StoredSize, &meta.Ratio, &meta.Digest,
		&meta.CreatedAt, &meta.AccessedAt, &meta.ExpiresAt, &meta.AccessCount, &meta.TTLDays, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: reading metadata for %q: %w", key, err)
	}

	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &meta.Metadata); err != nil {
			return nil, false, fmt.Errorf("store: decoding metadata for %q: %w", key, err)
		}
	}
	return &meta, true, nil
}

// LeastUsedKeys returns up to n non-expired keys ranked by lowest access
// count, oldest access first.
func (s *Storage[T]) LeastUsedKeys(ctx context.Context, n int) ([]string, error) {
	return s.rankedKeys(ctx, n, "ASC")
}

// MostUsedKeys returns up to n non-expired keys ranked by highest access
// count, most recent access first.
func (s *Storage[T]) MostUsedKeys(ctx context.Context, n int) ([]string, error) {
	return s.rankedKeys(ctx, n, "DESC")
}

func (s *Storage[T]) rankedKeys(ctx context.Context, n int, dir string) ([]string, error) {
	query := fmt.Sprintf(`SELECT key FROM %s WHERE expires_at > now()
		ORDER BY access_count %s, accessed_at %s LIMIT $1`, s.table, dir, dir)

	rows, err := s.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("store: ranking keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("store: scanning ranked key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: ranking keys: %w", err)
	}
	return keys, nil
}

// Stats contains aggregate statistics about the overflow table.
type Stats struct {
	TotalEntries     int64
	TotalStoredBytes int64
	AvgRatio         float64
	OldestEntry      time.Time
	NewestEntry      time.Time
	// ExpiredBacklog counts rows already past expiry but not yet cleaned
	// up; a growing value means the cleaner is overdue or failing.
	ExpiredBacklog int64
}

// Stats returns aggregate statistics for the overflow table.
func (s *Storage[T]) Stats(ctx context.Context) (*Stats, error) {
	query := fmt.Sprintf(`SELECT COUNT(*),
		COALESCE(SUM(stored_size), 0),
		COALESCE(AVG(ratio), 0),
		MIN(created_at), MAX(created_at),
		COUNT(*) FILTER (WHERE expires_at <= now())
		FROM %s`, s.table)

	var (
		stats          Stats
		oldest, newest sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.TotalEntries, &stats.TotalStoredBytes, &stats.AvgRatio,
		&oldest, &newest, &stats.ExpiredBacklog)
	if err != nil {
		return nil, fmt.Errorf("store: reading stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestEntry = oldest.Time
	}
	if newest.Valid {
		stats.NewestEntry = newest.Time
	}
	return &stats, nil
}

// Shutdown stops the background cleaner. Idempotent; safe to call before
// Initialize.
func (s *Storage[T]) Shutdown() {
	s.mu.Lock()
	if s.stopped || !s.initialized {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	s.logger.Info("overflow storage shut down", "table", s.table)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

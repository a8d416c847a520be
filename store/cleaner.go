package store

import (
	"context"
	"fmt"
	"time"

	"github.com/tiercache/tiercache/telemetry"
)

// CleanupResult contains the results of one cleanup cycle.
type CleanupResult struct {
	Expired  int64
	Evicted  int64
	Errors   int
	Duration time.Duration
}

// CleanupExpired deletes all rows past their expiry and returns the count
// removed. It runs on the cleanup timer and may be invoked manually.
func (s *Storage[T]) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE expires_at <= now()", s.table))
	if err != nil {
		return 0, fmt.Errorf("store: cleaning up expired entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("removed expired overflow entries", "table", s.table, "count", n)
	}
	return n, nil
}

// EnforceMaxEntries deletes the excess over MaxEntries, choosing victims by
// lowest access count then oldest access, and returns the count removed.
// The same ordering principle governs RAM-tier eviction.
func (s *Storage[T]) EnforceMaxEntries(ctx context.Context) (int64, error) {
	if s.config.MaxEntries <= 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE key IN (
		SELECT key FROM %s
		ORDER BY access_count ASC, accessed_at ASC
		LIMIT GREATEST((SELECT COUNT(*) FROM %s) - $1, 0))`,
		s.table, s.table, s.table)

	res, err := s.db.ExecContext(ctx, query, s.config.MaxEntries)
	if err != nil {
		return 0, fmt.Errorf("store: enforcing max entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("evicted overflow entries over capacity",
			"table", s.table, "count", n, "maxEntries", s.config.MaxEntries)
	}
	return n, nil
}

// RunCleanupOnce performs a single cleanup cycle: expired rows first, then
// capacity enforcement. Failures are logged and counted, never fatal; a
// failed cycle waits for the next tick.
func (s *Storage[T]) RunCleanupOnce(ctx context.Context) *CleanupResult {
	start := s.now()
	result := &CleanupResult{}

	expired, err := s.CleanupExpired(ctx)
	if err != nil {
		s.logger.Error("cleanup of expired entries failed", "table", s.table, "error", err)
		result.Errors++
	}
	result.Expired = expired

	evicted, err := s.EnforceMaxEntries(ctx)
	if err != nil {
		s.logger.Error("max-entries enforcement failed", "table", s.table, "error", err)
		result.Errors++
	}
	result.Evicted = evicted

	result.Duration = s.now().Sub(start)
	telemetry.RecordCleanupCycle(ctx, result.Expired, result.Evicted, result.Duration)
	return result
}

func (s *Storage[T]) runCleaner(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunCleanupOnce(ctx)
		}
	}
}

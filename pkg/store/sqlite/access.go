package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/store"
)

// RecordAccess logs retrievals and bumps per-observation counters in one
// transaction.
func (s *SQLiteStore) RecordAccess(ctx context.Context, ids []int64, accessContext string) error {
	if len(ids) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	insertStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO memory_access (memory_id, timestamp, context) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing access insert: %w", err)
	}
	defer insertStmt.Close()

	updateStmt, err := tx.PrepareContext(ctx,
		`UPDATE observations SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("preparing access update: %w", err)
	}
	defer updateStmt.Close()

	var contextArg any
	if accessContext != "" {
		contextArg = accessContext
	}

	for _, id := range ids {
		if _, err := insertStmt.ExecContext(ctx, id, now, contextArg); err != nil {
			return fmt.Errorf("inserting access record: %w", err)
		}
		if _, err := updateStmt.ExecContext(ctx, now, id); err != nil {
			return fmt.Errorf("updating access counters: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("recorded memory access", zap.Int("count", len(ids)))

	return nil
}

// GetAccessStats returns access statistics over the trailing window.
func (s *SQLiteStore) GetAccessStats(ctx context.Context, ids []int64, window time.Duration) (map[int64]store.AccessStats, error) {
	stats := make(map[int64]store.AccessStats)
	if len(ids) == 0 {
		return stats, nil
	}

	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	days := window.Hours() / 24
	cutoff := time.Now().Add(-window).UnixMilli()

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)*2+1)
	args = append(args, cutoff)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	in := strings.Join(placeholders, ",")
	for _, id := range ids {
		args = append(args, id)
	}

	// Single LEFT JOIN query so a batch of IDs costs one round trip.
	query := fmt.Sprintf(`
		SELECT o.id, o.access_count, o.last_accessed, COALESCE(freq.n, 0)
		FROM observations o
		LEFT JOIN (
			SELECT memory_id, COUNT(*) AS n
			FROM memory_access
			WHERE timestamp >= ? AND memory_id IN (%s)
			GROUP BY memory_id
		) freq ON freq.memory_id = o.id
		WHERE o.id IN (%s)
	`, in, in)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying access stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st store.AccessStats
		var lastAccessed *int64
		var windowCount int64
		if err := rows.Scan(&st.MemoryID, &st.AccessCount, &lastAccessed, &windowCount); err != nil {
			return nil, fmt.Errorf("scanning access stats: %w", err)
		}
		st.LastAccessed = lastAccessed
		st.Frequency = float64(windowCount) / days
		stats[st.MemoryID] = st
	}

	return stats, rows.Err()
}

// CleanupAccessLog drops access records older than the cutoff.
func (s *SQLiteStore) CleanupAccessLog(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_access WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up access log: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}

	if deleted > 0 {
		s.logger.Info("cleaned up old access records", zap.Int64("deleted", deleted))
	}

	return deleted, nil
}

// Package sqlite implements the durable ingestion queue on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/queue"
)

// DefaultMaxAttempts bounds retries before a message parks as failed.
const DefaultMaxAttempts = 3

// SQLiteQueue implements queue.Queue using SQLite as the storage backend.
type SQLiteQueue struct {
	db          *sql.DB
	maxAttempts int
	logger      *zap.Logger
}

// Config holds configuration for the SQLite queue.
type Config struct {
	// DBPath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database.
	DBPath string

	// MaxAttempts bounds retries per message. Defaults to DefaultMaxAttempts.
	MaxAttempts int
}

// NewSQLiteQueue creates a new SQLite-backed queue.
func NewSQLiteQueue(c Config, logger *zap.Logger) (*SQLiteQueue, error) {
	if c.DBPath == "" {
		return nil, fmt.Errorf("database path is required")
	}

	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	db, err := sql.Open("sqlite3", dsn(c.DBPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	q := &SQLiteQueue{db: db, maxAttempts: maxAttempts, logger: logger}

	if err := q.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return q, nil
}

// dsn appends connection parameters for concurrent claimers: an immediate
// transaction lock so claim transactions serialize at BEGIN rather than
// deadlocking on upgrade, and a busy timeout so competing writers wait
// instead of erroring.
func dsn(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_txlock=immediate"
}

// migrate creates the necessary tables if they don't exist.
func (q *SQLiteQueue) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		project TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		claimed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_pending_messages_status ON pending_messages(status, session_id, id);
	`

	_, err := q.db.Exec(schema)
	return err
}

// Enqueue appends a pending message and sets its ID.
func (q *SQLiteQueue) Enqueue(ctx context.Context, msg *queue.Message) error {
	if msg == nil {
		return fmt.Errorf("cannot enqueue nil message")
	}
	if msg.SessionID == "" {
		return fmt.Errorf("session id is required")
	}

	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = q.maxAttempts
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}
	msg.Status = queue.StatusPending

	result, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_messages (session_id, project, kind, payload, status, max_attempts, created_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)
	`, msg.SessionID, msg.Project, string(msg.Kind), msg.Payload, msg.MaxAttempts, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get message id: %w", err)
	}
	msg.ID = id

	return nil
}

const messageColumns = `id, session_id, project, kind, payload, status,
	attempts, max_attempts, last_error, created_at, claimed_at`

// scanMessage reads one message row from any row scanner.
func scanMessage(scan func(dest ...any) error) (*queue.Message, error) {
	var m queue.Message
	var kind, status string
	var lastError sql.NullString
	var claimedAt sql.NullInt64

	err := scan(
		&m.ID, &m.SessionID, &m.Project, &kind, &m.Payload, &status,
		&m.Attempts, &m.MaxAttempts, &lastError, &m.CreatedAt, &claimedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Kind = queue.Kind(kind)
	m.Status = queue.Status(status)
	if lastError.Valid {
		v := lastError.String
		m.LastError = &v
	}
	if claimedAt.Valid {
		v := claimedAt.Int64
		m.ClaimedAt = &v
	}

	return &m, nil
}

// ClaimNext atomically flips the oldest pending message to processing.
// The SELECT and the guarded UPDATE run in one transaction, so two
// concurrent claimers never receive the same message.
func (q *SQLiteQueue) ClaimNext(ctx context.Context, sessionID string) (*queue.Message, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + messageColumns + ` FROM pending_messages WHERE status = 'pending'`
	args := []any{}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id LIMIT 1`

	row := tx.QueryRowContext(ctx, query, args...)
	msg, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, queue.ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	now := time.Now().UnixMilli()
	result, err := tx.ExecContext(ctx, `
		UPDATE pending_messages SET status = 'processing', claimed_at = ?
		WHERE id = ? AND status = 'pending'
	`, now, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim message: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Lost the race to another claimer.
		return nil, queue.ErrEmpty
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	msg.Status = queue.StatusProcessing
	msg.ClaimedAt = &now

	return msg, nil
}

// MarkProcessed finalizes a claimed message. The payload is cleared so the
// history of completed messages stays cheap to retain.
func (q *SQLiteQueue) MarkProcessed(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE pending_messages SET status = 'processed', payload = '' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	return nil
}

// MarkFailed records a processing failure. The message returns to pending
// while attempts remain, otherwise parks as failed with the cause recorded.
func (q *SQLiteQueue) MarkFailed(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	result, err := q.db.ExecContext(ctx, `
		UPDATE pending_messages SET
			attempts = attempts + 1,
			last_error = ?,
			claimed_at = NULL,
			status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END
		WHERE id = ?
	`, msg, id)
	if err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("message %d not found", id)
	}

	return nil
}

// Release returns a claimed message to pending without consuming an attempt.
func (q *SQLiteQueue) Release(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE pending_messages SET status = 'pending', claimed_at = NULL
		WHERE id = ? AND status = 'processing'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to release message: %w", err)
	}
	return nil
}

// ResetStuck returns processing messages older than the threshold to pending.
func (q *SQLiteQueue) ResetStuck(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-threshold).UnixMilli()

	result, err := q.db.ExecContext(ctx, `
		UPDATE pending_messages SET status = 'pending', claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck messages: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if n > 0 {
		q.logger.Warn("reset stuck messages", zap.Int64("count", n))
	}

	return n, nil
}

// PendingSessions lists session IDs that currently have pending work.
func (q *SQLiteQueue) PendingSessions(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT session_id FROM pending_messages
		WHERE status = 'pending'
		GROUP BY session_id
		ORDER BY MIN(id)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending sessions: %w", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		sessions = append(sessions, id)
	}

	return sessions, rows.Err()
}

// Stats reports queue depth by status.
func (q *SQLiteQueue) Stats(ctx context.Context) (*queue.Stats, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM pending_messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := &queue.Stats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}

		switch queue.Status(status) {
		case queue.StatusPending:
			stats.Pending = count
		case queue.StatusProcessing:
			stats.Processing = count
		case queue.StatusProcessed:
			stats.Processed = count
		case queue.StatusFailed:
			stats.Failed = count
		}
	}

	return stats, rows.Err()
}

// CleanupProcessed drops processed messages older than the cutoff.
func (q *SQLiteQueue) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()

	result, err := q.db.ExecContext(ctx,
		`DELETE FROM pending_messages WHERE status = 'processed' AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup processed messages: %w", err)
	}

	return result.RowsAffected()
}

// RetryFailed resets all failed messages to pending with a fresh attempt budget.
func (q *SQLiteQueue) RetryFailed(ctx context.Context) (int64, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE pending_messages SET status = 'pending', attempts = 0, last_error = NULL, claimed_at = NULL
		WHERE status = 'failed'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed messages: %w", err)
	}

	return result.RowsAffected()
}

// RetryOne resets a single failed message to pending with a fresh attempt
// budget.
func (q *SQLiteQueue) RetryOne(ctx context.Context, id int64) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE pending_messages SET status = 'pending', attempts = 0, last_error = NULL, claimed_at = NULL
		WHERE id = ? AND status = 'failed'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to retry message %d: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("message %d: %w", id, queue.ErrNotRetryable)
	}

	return nil
}

// Abort deletes a single pending or failed message permanently. A message
// currently processing is left alone; the stuck sweep or its own completion
// settles it first.
func (q *SQLiteQueue) Abort(ctx context.Context, id int64) error {
	result, err := q.db.ExecContext(ctx, `
		DELETE FROM pending_messages
		WHERE id = ? AND status IN ('pending', 'failed')
	`, id)
	if err != nil {
		return fmt.Errorf("failed to abort message %d: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("message %d: %w", id, queue.ErrNotRetryable)
	}

	return nil
}

// PurgeFailed deletes all failed messages.
func (q *SQLiteQueue) PurgeFailed(ctx context.Context) (int64, error) {
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM pending_messages WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge failed messages: %w", err)
	}

	return result.RowsAffected()
}

// Close releases resources held by the queue.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

// Ensure SQLiteQueue implements queue.Queue
var _ queue.Queue = (*SQLiteQueue)(nil)

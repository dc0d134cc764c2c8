// Package sqlite implements the primary store on SQLite with FTS5 keyword
// indexing. All writes that must land together run in single transactions.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/observation"
	"github.com/papercomputeco/engram/pkg/store"
)

// SQLiteStore implements store.Store using SQLite as the storage backend.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore creates a new SQLite-backed store.
// The dbPath can be a file path or ":memory:" for an in-memory database.
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", fts5Hint(err))
	}

	logger.Info("sqlite store initialized", zap.String("db_path", dbPath))

	return s, nil
}

// dsn appends connection parameters so concurrent writers wait on the
// database lock instead of erroring, and write transactions take the lock
// at BEGIN.
func dsn(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_txlock=immediate"
}

// fts5Hint decorates the error SQLite raises when the FTS5 module is absent.
// mattn/go-sqlite3 only compiles FTS5 in behind the sqlite_fts5 build tag, so
// a default build fails on the keyword index's virtual table; the bare driver
// error gives an operator nothing to act on.
func fts5Hint(err error) error {
	if err != nil && strings.Contains(err.Error(), "no such module: fts5") {
		return fmt.Errorf("%w (keyword search needs FTS5; rebuild with -tags sqlite_fts5)", err)
	}
	return err
}

// migrate creates the necessary tables if they don't exist.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_id TEXT NOT NULL UNIQUE,
		content_id TEXT NOT NULL DEFAULT '',
		project TEXT NOT NULL DEFAULT '',
		user_prompt TEXT NOT NULL DEFAULT '',
		prompt_count INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		project TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		title TEXT,
		subtitle TEXT,
		narrative TEXT,
		facts TEXT NOT NULL DEFAULT '[]',
		concepts TEXT NOT NULL DEFAULT '[]',
		files_read TEXT NOT NULL DEFAULT '[]',
		files_modified TEXT NOT NULL DEFAULT '[]',
		topics TEXT NOT NULL DEFAULT '[]',
		entities TEXT NOT NULL DEFAULT '[]',
		event_date TEXT,
		prompt_number INTEGER NOT NULL DEFAULT 0,
		importance REAL NOT NULL DEFAULT 0.5,
		tier TEXT NOT NULL DEFAULT 'working',
		superseded_by INTEGER,
		deprecated INTEGER NOT NULL DEFAULT 0,
		pinned INTEGER NOT NULL DEFAULT 0,
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_observations_session ON observations(session_id);
	CREATE INDEX IF NOT EXISTS idx_observations_project ON observations(project, created_at);
	CREATE INDEX IF NOT EXISTS idx_observations_type ON observations(type);

	CREATE TABLE IF NOT EXISTS summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		project TEXT NOT NULL DEFAULT '',
		request TEXT,
		investigated TEXT,
		learned TEXT,
		completed TEXT,
		next_steps TEXT,
		notes TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_summaries_session ON summaries(session_id);

	CREATE TABLE IF NOT EXISTS memory_access (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_id INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		context TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_memory_access_memory ON memory_access(memory_id, timestamp);

	CREATE TABLE IF NOT EXISTS sleep_cycles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_type TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		error TEXT,
		processed INTEGER NOT NULL DEFAULT 0,
		superseded INTEGER NOT NULL DEFAULT 0,
		reclassified INTEGER NOT NULL DEFAULT 0,
		forgotten INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sleep_cycles_type ON sleep_cycles(cycle_type, started_at);

	CREATE TABLE IF NOT EXISTS supersession_weights (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		weights TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS supersession_examples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		features TEXT NOT NULL,
		label INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
		title, subtitle, narrative, facts, concepts, files_read, files_modified, type,
		content='observations', content_rowid='id'
	);

	CREATE TRIGGER IF NOT EXISTS observations_fts_ai AFTER INSERT ON observations BEGIN
		INSERT INTO observations_fts(rowid, title, subtitle, narrative, facts, concepts, files_read, files_modified, type)
		VALUES (new.id, new.title, new.subtitle, new.narrative, new.facts, new.concepts, new.files_read, new.files_modified, new.type);
	END;

	CREATE TRIGGER IF NOT EXISTS observations_fts_ad AFTER DELETE ON observations BEGIN
		INSERT INTO observations_fts(observations_fts, rowid, title, subtitle, narrative, facts, concepts, files_read, files_modified, type)
		VALUES ('delete', old.id, old.title, old.subtitle, old.narrative, old.facts, old.concepts, old.files_read, old.files_modified, old.type);
	END;

	CREATE TRIGGER IF NOT EXISTS observations_fts_au AFTER UPDATE ON observations BEGIN
		INSERT INTO observations_fts(observations_fts, rowid, title, subtitle, narrative, facts, concepts, files_read, files_modified, type)
		VALUES ('delete', old.id, old.title, old.subtitle, old.narrative, old.facts, old.concepts, old.files_read, old.files_modified, old.type);
		INSERT INTO observations_fts(rowid, title, subtitle, narrative, facts, concepts, files_read, files_modified, type)
		VALUES (new.id, new.title, new.subtitle, new.narrative, new.facts, new.concepts, new.files_read, new.files_modified, new.type);
	END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// marshalList encodes a string slice as JSON for storage.
func marshalList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// unmarshalList decodes a stored JSON string slice.
func unmarshalList(raw string) []string {
	if raw == "" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	return v
}

func nullableString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

const observationColumns = `id, session_id, project, type, title, subtitle, narrative,
	facts, concepts, files_read, files_modified, topics, entities, event_date,
	prompt_number, importance, tier,
	superseded_by, deprecated, pinned, access_count, last_accessed, created_at`

// scanObservation reads one observation row from any row scanner.
func scanObservation(scan func(dest ...any) error) (*observation.Observation, error) {
	var o observation.Observation
	var typ, facts, concepts, filesRead, filesModified, topics, entities, tier string
	var title, subtitle, narrative, eventDate sql.NullString
	var supersededBy, lastAccessed sql.NullInt64

	err := scan(
		&o.ID, &o.SessionID, &o.Project, &typ, &title, &subtitle, &narrative,
		&facts, &concepts, &filesRead, &filesModified, &topics, &entities, &eventDate,
		&o.PromptNumber, &o.Importance, &tier,
		&supersededBy, &o.Deprecated, &o.Pinned, &o.AccessCount, &lastAccessed, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Type = observation.Type(typ)
	o.Tier = observation.Tier(tier)
	o.Title = stringPtr(title)
	o.Subtitle = stringPtr(subtitle)
	o.Narrative = stringPtr(narrative)
	o.Facts = unmarshalList(facts)
	o.Concepts = unmarshalList(concepts)
	o.FilesRead = unmarshalList(filesRead)
	o.FilesModified = unmarshalList(filesModified)
	o.Topics = unmarshalList(topics)
	o.Entities = unmarshalList(entities)
	o.EventDate = stringPtr(eventDate)
	o.SupersededBy = int64Ptr(supersededBy)
	o.LastAccessed = int64Ptr(lastAccessed)

	return &o, nil
}

// CreateSession inserts a new durable session row and sets DBID.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *observation.Session) error {
	if sess == nil {
		return fmt.Errorf("cannot store nil session")
	}

	if sess.StartedAt == 0 {
		sess.StartedAt = time.Now().UnixMilli()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (memory_id, content_id, project, user_prompt, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, sess.MemoryID, sess.ContentID, sess.Project, sess.UserPrompt, sess.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get session id: %w", err)
	}
	sess.DBID = id

	return nil
}

// GetSessionByMemoryID fetches the session keyed by its durable memory id.
func (s *SQLiteStore) GetSessionByMemoryID(ctx context.Context, memoryID string) (*observation.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, memory_id, content_id, project, user_prompt, prompt_count,
			input_tokens, output_tokens, started_at, completed_at
		FROM sessions WHERE memory_id = ?
	`, memoryID)

	var sess observation.Session
	var completedAt sql.NullInt64

	err := row.Scan(
		&sess.DBID, &sess.MemoryID, &sess.ContentID, &sess.Project, &sess.UserPrompt,
		&sess.PromptCount, &sess.InputTokens, &sess.OutputTokens, &sess.StartedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound{Kind: "session", ID: memoryID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	sess.CompletedAt = int64Ptr(completedAt)

	return &sess, nil
}

// UpdateContentID re-attaches a rotated transcript session id.
func (s *SQLiteStore) UpdateContentID(ctx context.Context, memoryID, contentID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET content_id = ? WHERE memory_id = ?`, contentID, memoryID)
	if err != nil {
		return fmt.Errorf("failed to update content id: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound{Kind: "session", ID: memoryID}
	}

	return nil
}

// CompleteSession marks the session finished.
func (s *SQLiteStore) CompleteSession(ctx context.Context, memoryID string, completedAt int64) error {
	if completedAt == 0 {
		completedAt = time.Now().UnixMilli()
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET completed_at = ? WHERE memory_id = ?`, completedAt, memoryID)
	if err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound{Kind: "session", ID: memoryID}
	}

	return nil
}

// PersistExtraction writes a batch's observations, optional summary and
// session counters in a single transaction keyed by the durable memory
// session id.
func (s *SQLiteStore) PersistExtraction(ctx context.Context, batch store.ExtractionBatch) (*store.ExtractionResult, error) {
	if batch.MemorySessionID == "" {
		return nil, fmt.Errorf("memory session id is required")
	}

	timestamp := batch.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// The session row must exist; the dual-write is keyed by the durable
	// memory session id, never by the rotating transcript id.
	var sessionDBID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE memory_id = ?`, batch.MemorySessionID,
	).Scan(&sessionDBID)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound{Kind: "session", ID: batch.MemorySessionID}
	}
	if err != nil {
		return nil, fmt.Errorf("looking up session: %w", err)
	}

	result := &store.ExtractionResult{}

	for _, o := range batch.Observations {
		tier := o.Tier
		if tier == "" {
			tier = observation.TierWorking
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO observations (
				session_id, project, type, title, subtitle, narrative,
				facts, concepts, files_read, files_modified,
				topics, entities, event_date,
				prompt_number, importance, tier, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			batch.MemorySessionID, batch.Project, string(o.Type),
			nullableString(o.Title), nullableString(o.Subtitle), nullableString(o.Narrative),
			marshalList(o.Facts), marshalList(o.Concepts),
			marshalList(o.FilesRead), marshalList(o.FilesModified),
			marshalList(o.Topics), marshalList(o.Entities), nullableString(o.EventDate),
			batch.PromptNumber, o.Importance, string(tier), timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting observation: %w", err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("getting observation id: %w", err)
		}
		o.ID = id
		o.SessionID = batch.MemorySessionID
		o.Project = batch.Project
		o.CreatedAt = timestamp
		result.ObservationIDs = append(result.ObservationIDs, id)
	}

	if batch.Summary != nil {
		sum := batch.Summary
		res, err := tx.ExecContext(ctx, `
			INSERT INTO summaries (
				session_id, project, request, investigated, learned,
				completed, next_steps, notes, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			batch.MemorySessionID, batch.Project,
			nullableString(sum.Request), nullableString(sum.Investigated), nullableString(sum.Learned),
			nullableString(sum.Completed), nullableString(sum.NextSteps), nullableString(sum.Notes),
			timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting summary: %w", err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("getting summary id: %w", err)
		}
		sum.ID = id
		sum.SessionID = batch.MemorySessionID
		sum.Project = batch.Project
		sum.CreatedAt = timestamp
		result.SummaryID = &id
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			prompt_count = MAX(prompt_count, ?),
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?
		WHERE id = ?
	`, batch.PromptNumber, batch.InputTokens, batch.OutputTokens, sessionDBID); err != nil {
		return nil, fmt.Errorf("updating session counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("persisted extraction batch",
		zap.String("memory_session", batch.MemorySessionID),
		zap.Int("observations", len(result.ObservationIDs)),
		zap.Bool("summary", result.SummaryID != nil),
	)

	return result, nil
}

// GetObservation fetches one observation.
func (s *SQLiteStore) GetObservation(ctx context.Context, id int64) (*observation.Observation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+observationColumns+` FROM observations WHERE id = ?`, id)

	o, err := scanObservation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound{Kind: "observation", ID: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan observation: %w", err)
	}

	return o, nil
}

// GetObservations fetches many observations; missing IDs are skipped.
func (s *SQLiteStore) GetObservations(ctx context.Context, ids []int64) ([]*observation.Observation, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`SELECT %s FROM observations WHERE id IN (%s)`,
		observationColumns, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying observations: %w", err)
	}
	defer rows.Close()

	var observations []*observation.Observation
	for rows.Next() {
		o, err := scanObservation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		observations = append(observations, o)
	}

	return observations, rows.Err()
}

// RecentSessionObservations returns the latest stored observations for a
// session, newest first.
func (s *SQLiteStore) RecentSessionObservations(ctx context.Context, memorySessionID string, limit int) ([]*observation.Observation, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+observationColumns+` FROM observations
		 WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		memorySessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent observations: %w", err)
	}
	defer rows.Close()

	var observations []*observation.Observation
	for rows.Next() {
		o, err := scanObservation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		observations = append(observations, o)
	}

	return observations, rows.Err()
}

// CountByType returns per-type observation counts for a project.
func (s *SQLiteStore) CountByType(ctx context.Context, project string) (map[observation.Type]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM observations WHERE project = ? GROUP BY type`, project)
	if err != nil {
		return nil, fmt.Errorf("counting observations: %w", err)
	}
	defer rows.Close()

	counts := make(map[observation.Type]int)
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[observation.Type(typ)] = count
	}

	return counts, rows.Err()
}

// UpdateImportance stores a recomputed importance score.
func (s *SQLiteStore) UpdateImportance(ctx context.Context, id int64, score float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE observations SET importance = ? WHERE id = ?`, score, id)
	if err != nil {
		return fmt.Errorf("updating importance: %w", err)
	}
	return nil
}

// SetTier reclassifies an observation's retention tier.
func (s *SQLiteStore) SetTier(ctx context.Context, id int64, tier observation.Tier) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE observations SET tier = ? WHERE id = ?`, string(tier), id)
	if err != nil {
		return fmt.Errorf("updating tier: %w", err)
	}
	return nil
}

// MarkSuperseded links an older observation to the newer one that replaces
// it. Already-superseded observations are left untouched so repeated
// consolidation passes are idempotent.
func (s *SQLiteStore) MarkSuperseded(ctx context.Context, oldID, newID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE observations SET superseded_by = ? WHERE id = ? AND superseded_by IS NULL`,
		newID, oldID)
	if err != nil {
		return fmt.Errorf("marking superseded: %w", err)
	}
	return nil
}

// SetDeprecated toggles the deprecated flag.
func (s *SQLiteStore) SetDeprecated(ctx context.Context, id int64, deprecated bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE observations SET deprecated = ? WHERE id = ?`, deprecated, id)
	if err != nil {
		return fmt.Errorf("updating deprecated flag: %w", err)
	}
	return nil
}

// SetPinned toggles the pinned flag.
func (s *SQLiteStore) SetPinned(ctx context.Context, id int64, pinned bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE observations SET pinned = ? WHERE id = ?`, pinned, id)
	if err != nil {
		return fmt.Errorf("updating pinned flag: %w", err)
	}
	return nil
}

// DeleteObservations removes observations permanently.
func (s *SQLiteStore) DeleteObservations(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`DELETE FROM observations WHERE id IN (%s)`,
		strings.Join(placeholders, ","))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting observations: %w", err)
	}

	return nil
}

// Close releases resources held by the store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ensure SQLiteStore implements store.Store
var _ store.Store = (*SQLiteStore)(nil)

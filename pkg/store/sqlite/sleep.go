package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/papercomputeco/engram/pkg/store"
)

// StartSleepCycle records a running consolidation cycle and returns its id.
func (s *SQLiteStore) StartSleepCycle(ctx context.Context, cycleType string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO sleep_cycles (cycle_type, status, started_at) VALUES (?, 'running', ?)`,
		cycleType, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("starting sleep cycle: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting sleep cycle id: %w", err)
	}

	return id, nil
}

// CompleteSleepCycle finalizes an audit row with outcome counts.
func (s *SQLiteStore) CompleteSleepCycle(ctx context.Context, id int64, counts store.SleepCycle) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sleep_cycles SET
			status = 'completed',
			completed_at = ?,
			processed = ?,
			superseded = ?,
			reclassified = ?,
			forgotten = ?
		WHERE id = ?
	`, time.Now().UnixMilli(), counts.Processed, counts.Superseded, counts.Reclassed, counts.Forgotten, id)
	if err != nil {
		return fmt.Errorf("completing sleep cycle: %w", err)
	}
	return nil
}

// FailSleepCycle finalizes an audit row with a failure reason.
func (s *SQLiteStore) FailSleepCycle(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sleep_cycles SET status = 'failed', completed_at = ?, error = ? WHERE id = ?`,
		time.Now().UnixMilli(), reason, id)
	if err != nil {
		return fmt.Errorf("failing sleep cycle: %w", err)
	}
	return nil
}

// LastSleepCycle returns the most recent audit row for a cycle type.
func (s *SQLiteStore) LastSleepCycle(ctx context.Context, cycleType string) (*store.SleepCycle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cycle_type, status, started_at, completed_at, error,
			processed, superseded, reclassified, forgotten
		FROM sleep_cycles
		WHERE cycle_type = ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`, cycleType)

	var c store.SleepCycle
	var completedAt sql.NullInt64
	var errMsg sql.NullString

	err := row.Scan(
		&c.ID, &c.CycleType, &c.Status, &c.StartedAt, &completedAt, &errMsg,
		&c.Processed, &c.Superseded, &c.Reclassed, &c.Forgotten,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound{Kind: "sleep cycle", ID: cycleType}
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sleep cycle: %w", err)
	}

	c.CompletedAt = int64Ptr(completedAt)
	c.Error = stringPtr(errMsg)

	return &c, nil
}

// SaveModelWeights persists learned supersession model weights.
func (s *SQLiteStore) SaveModelWeights(ctx context.Context, weights []float64) error {
	data, err := json.Marshal(weights)
	if err != nil {
		return fmt.Errorf("marshaling weights: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO supersession_weights (id, weights, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET weights = excluded.weights, updated_at = excluded.updated_at
	`, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("saving model weights: %w", err)
	}

	return nil
}

// LoadModelWeights returns persisted weights.
func (s *SQLiteStore) LoadModelWeights(ctx context.Context) ([]float64, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT weights FROM supersession_weights WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound{Kind: "model weights"}
	}
	if err != nil {
		return nil, fmt.Errorf("loading model weights: %w", err)
	}

	var weights []float64
	if err := json.Unmarshal([]byte(raw), &weights); err != nil {
		return nil, fmt.Errorf("unmarshaling weights: %w", err)
	}

	return weights, nil
}

// AddTrainingExample appends a labeled supersession decision.
func (s *SQLiteStore) AddTrainingExample(ctx context.Context, ex store.TrainingExample) error {
	data, err := json.Marshal(ex.Features)
	if err != nil {
		return fmt.Errorf("marshaling features: %w", err)
	}

	createdAt := ex.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO supersession_examples (features, label, created_at) VALUES (?, ?, ?)`,
		string(data), ex.Label, createdAt)
	if err != nil {
		return fmt.Errorf("adding training example: %w", err)
	}

	return nil
}

// ListTrainingExamples returns the newest examples up to limit.
func (s *SQLiteStore) ListTrainingExamples(ctx context.Context, limit int) ([]store.TrainingExample, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, features, label, created_at
		FROM supersession_examples
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing training examples: %w", err)
	}
	defer rows.Close()

	var examples []store.TrainingExample
	for rows.Next() {
		var ex store.TrainingExample
		var raw string
		if err := rows.Scan(&ex.ID, &raw, &ex.Label, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning training example: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &ex.Features); err != nil {
			return nil, fmt.Errorf("unmarshaling features: %w", err)
		}
		examples = append(examples, ex)
	}

	return examples, rows.Err()
}

// ResetModel drops persisted weights and training examples.
func (s *SQLiteStore) ResetModel(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM supersession_weights`); err != nil {
		return fmt.Errorf("deleting model weights: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM supersession_examples`); err != nil {
		return fmt.Errorf("deleting training examples: %w", err)
	}

	return tx.Commit()
}

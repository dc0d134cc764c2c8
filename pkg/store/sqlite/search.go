package sqlite

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/observation"
	"github.com/papercomputeco/engram/pkg/store"
)

// bm25Weights ranks title highest, then subtitle and narrative, with file
// lists and type as weak signals.
const bm25Weights = "10.0, 5.0, 3.0, 2.0, 1.0, 1.0, 2.0, 1.5"

// buildFilter renders a store.Filter into SQL conditions over alias o.
func buildFilter(f store.Filter) (string, []any) {
	conds := make([]string, 0, 6)
	args := make([]any, 0, 6)

	if f.Project != "" {
		conds = append(conds, "o.project = ?")
		args = append(args, f.Project)
	}

	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, fmt.Sprintf("o.type IN (%s)", strings.Join(placeholders, ",")))
	}

	if f.Since > 0 {
		conds = append(conds, "o.created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		conds = append(conds, "o.created_at < ?")
		args = append(args, f.Until)
	}

	if f.PinnedOnly {
		conds = append(conds, "o.pinned = 1")
	}
	if !f.IncludeDeprecated {
		conds = append(conds, "o.deprecated = 0")
	}
	if !f.IncludeSuperseded {
		conds = append(conds, "o.superseded_by IS NULL")
	}

	if len(conds) == 0 {
		return "", args
	}
	return " AND " + strings.Join(conds, " AND "), args
}

// ListObservations returns observations matching the filter, newest first.
func (s *SQLiteStore) ListObservations(ctx context.Context, f store.Filter) ([]*observation.Observation, error) {
	where, args := buildFilter(f)

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	query := fmt.Sprintf(`
		SELECT %s FROM observations o
		WHERE 1=1%s
		ORDER BY o.created_at DESC, o.id DESC
		LIMIT ? OFFSET ?
	`, qualifyColumns("o"), where)

	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing observations: %w", err)
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

// SearchKeyword runs a BM25-ranked keyword search, best match first.
// SQLite's bm25() returns lower-is-better ranks, so results are ordered
// ascending and the score is negated for a higher-is-better reading.
func (s *SQLiteStore) SearchKeyword(ctx context.Context, query string, f store.Filter) ([]store.ScoredObservation, error) {
	ftsQuery := sanitizeFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	where, args := buildFilter(f)

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	sqlQuery := fmt.Sprintf(`
		SELECT %s, bm25(observations_fts, %s) AS rank
		FROM observations_fts fts
		INNER JOIN observations o ON o.id = fts.rowid
		WHERE observations_fts MATCH ?%s
		ORDER BY rank ASC
		LIMIT ? OFFSET ?
	`, qualifyColumns("o"), bm25Weights, where)

	queryArgs := append([]any{ftsQuery}, args...)
	queryArgs = append(queryArgs, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, sqlQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var results []store.ScoredObservation
	for rows.Next() {
		var rank float64
		o, err := scanObservationWithExtra(rows.Scan, &rank)
		if err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		results = append(results, store.ScoredObservation{
			Observation: o,
			Score:       -rank,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating search results: %w", err)
	}

	s.logger.Debug("keyword search",
		zap.String("query", ftsQuery),
		zap.Int("results", len(results)),
	)

	return results, nil
}

// scanObservationWithExtra scans an observation row followed by extra columns.
func scanObservationWithExtra(scan func(dest ...any) error, extra ...any) (*observation.Observation, error) {
	return scanObservation(func(dest ...any) error {
		return scan(append(dest, extra...)...)
	})
}

// qualifyColumns prefixes the observation column list with a table alias.
func qualifyColumns(alias string) string {
	cols := strings.Split(observationColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// sanitizeFTSQuery converts free text into a safe FTS5 query: operators and
// special characters are stripped, each remaining token is quoted, and tokens
// combine with FTS5's implicit AND.
func sanitizeFTSQuery(query string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '"', '\'', '*', '(', ')', ':', '^', '-', '+', '~', '{', '}', '[', ']':
			return ' '
		}
		return r
	}, query)

	fields := strings.Fields(cleaned)
	tokens := make([]string, 0, len(fields))
	for _, tok := range fields {
		upper := strings.ToUpper(tok)
		if upper == "AND" || upper == "OR" || upper == "NOT" || upper == "NEAR" {
			continue
		}
		tokens = append(tokens, `"`+tok+`"`)
	}

	return strings.Join(tokens, " ")
}

// Package search is the retrieval orchestrator. A request with no query text
// is a pure filter listing; a request with query text runs keyword and
// semantic retrieval in parallel and fuses the rankings. Either retriever
// failing degrades the search rather than failing it.
package search

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/embeddings"
	"github.com/papercomputeco/engram/pkg/observation"
	"github.com/papercomputeco/engram/pkg/store"
	"github.com/papercomputeco/engram/pkg/vector"
)

// Strategy names how a search was actually executed.
type Strategy string

const (
	StrategyFilterOnly Strategy = "filter_only"
	StrategyKeyword    Strategy = "keyword"
	StrategyVector     Strategy = "vector"
	StrategyHybrid     Strategy = "hybrid"
)

// DefaultLimit is used when a request does not set one.
const DefaultLimit = 20

// candidateMultiplier widens each retriever's pull so fusion has enough
// overlap to work with.
const candidateMultiplier = 3

// Request is one retrieval request.
type Request struct {
	// Query is free text. Empty means filter-only listing.
	Query string

	Filter store.Filter
}

// Result is one retrieved observation with its fused score.
type Result struct {
	Observation *observation.Observation
	Score       float64
}

// Response carries results plus how the search was executed.
type Response struct {
	Results  []Result
	Strategy Strategy

	// UsedVector reports whether semantic retrieval contributed.
	UsedVector bool

	// FellBack is true when the requested strategy degraded.
	FellBack bool
}

// Orchestrator coordinates retrieval across the keyword and vector indexes.
type Orchestrator struct {
	store    store.Store
	embedder embeddings.Embedder
	vectors  vector.Driver
	logger   *zap.Logger
}

// NewOrchestrator creates a retrieval orchestrator. Embedder and vector
// driver may be nil; searches then run keyword-only.
func NewOrchestrator(s store.Store, embedder embeddings.Embedder, vectors vector.Driver, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{store: s, embedder: embedder, vectors: vectors, logger: logger}
}

// Search executes one retrieval request. Retrieval never errors out because
// one index is down; the response records what actually ran.
func (o *Orchestrator) Search(ctx context.Context, req Request) (*Response, error) {
	if req.Filter.Limit <= 0 {
		req.Filter.Limit = DefaultLimit
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return o.filterOnly(ctx, req)
	}

	resp, err := o.hybrid(ctx, query, req)
	if err != nil {
		return nil, err
	}

	if len(resp.Results) > 0 {
		o.recordAccess(ctx, resp.Results, query)
	}

	return resp, nil
}

// filterOnly lists observations matching the filter, newest first.
func (o *Orchestrator) filterOnly(ctx context.Context, req Request) (*Response, error) {
	observations, err := o.store.ListObservations(ctx, req.Filter)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(observations))
	for _, obs := range observations {
		results = append(results, Result{Observation: obs})
	}

	return &Response{Results: results, Strategy: StrategyFilterOnly}, nil
}

// hybrid runs keyword and semantic retrieval in parallel and fuses them.
// When a retriever fails the other's ranking stands alone.
func (o *Orchestrator) hybrid(ctx context.Context, query string, req Request) (*Response, error) {
	wide := req.Filter
	wide.Limit = req.Filter.Limit * candidateMultiplier

	var (
		wg         sync.WaitGroup
		keywordIDs []int64
		keywordErr error
		vectorIDs  []int64
		vectorErr  error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		scored, err := o.store.SearchKeyword(ctx, query, wide)
		if err != nil {
			keywordErr = err
			return
		}
		for _, s := range scored {
			keywordIDs = append(keywordIDs, s.Observation.ID)
		}
	}()

	if o.embedder != nil && o.vectors != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vectorIDs, vectorErr = o.semanticIDs(ctx, query, wide)
		}()
	}

	wg.Wait()

	haveKeyword := keywordErr == nil
	haveVector := o.embedder != nil && o.vectors != nil && vectorErr == nil

	if keywordErr != nil {
		o.logger.Warn("keyword retrieval failed", zap.Error(keywordErr))
	}
	if vectorErr != nil {
		o.logger.Warn("semantic retrieval failed", zap.Error(vectorErr))
	}

	var (
		fused    []scoredID
		strategy Strategy
		fellBack bool
	)

	switch {
	case haveKeyword && haveVector:
		// Vector ordering first: on ties and dedup the semantic ranking wins.
		fused = fuse(vectorIDs, keywordIDs)
		strategy = StrategyHybrid

	case haveKeyword:
		fused = fuse(keywordIDs)
		strategy = StrategyKeyword
		fellBack = o.embedder != nil && o.vectors != nil

	case haveVector:
		fused = fuse(vectorIDs)
		strategy = StrategyVector
		fellBack = true

	default:
		// Both retrievers down; degrade all the way to a filter listing.
		resp, err := o.filterOnly(ctx, req)
		if err != nil {
			return nil, err
		}
		resp.FellBack = true
		return resp, nil
	}

	results, err := o.hydrate(ctx, fused, req.Filter)
	if err != nil {
		return nil, err
	}
	if len(results) > req.Filter.Limit {
		results = results[:req.Filter.Limit]
	}

	return &Response{
		Results:    results,
		Strategy:   strategy,
		UsedVector: haveVector,
		FellBack:   fellBack,
	}, nil
}

// semanticIDs embeds the query and returns matching observation IDs in
// similarity order, filtered to the request's project.
func (o *Orchestrator) semanticIDs(ctx context.Context, query string, f store.Filter) ([]int64, error) {
	emb, err := o.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	matches, err := o.vectors.Query(ctx, emb, f.Limit)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(matches))
	for _, m := range matches {
		if f.Project != "" && m.Project != f.Project {
			continue
		}
		id, ok := parseObservationDocID(m.ID)
		if !ok {
			continue
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// hydrate loads the fused IDs from the store, preserving fusion order.
// Observations deleted since indexing are silently skipped, and the request
// filter is re-applied so vector hits indexed before curation cannot leak
// deprecated or superseded rows past the keyword path's SQL.
func (o *Orchestrator) hydrate(ctx context.Context, fused []scoredID, f store.Filter) ([]Result, error) {
	ids := make([]int64, len(fused))
	for i, s := range fused {
		ids[i] = s.ID
	}

	observations, err := o.store.GetObservations(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*observation.Observation, len(observations))
	for _, obs := range observations {
		byID[obs.ID] = obs
	}

	results := make([]Result, 0, len(fused))
	for _, s := range fused {
		obs, ok := byID[s.ID]
		if !ok || !matchesFilter(obs, f) {
			continue
		}
		results = append(results, Result{Observation: obs, Score: s.Score})
	}

	return results, nil
}

// matchesFilter checks one observation against a store.Filter, mirroring the
// conditions the store renders into SQL.
func matchesFilter(obs *observation.Observation, f store.Filter) bool {
	if f.Project != "" && obs.Project != f.Project {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if obs.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since > 0 && obs.CreatedAt < f.Since {
		return false
	}
	if f.Until > 0 && obs.CreatedAt >= f.Until {
		return false
	}
	if f.PinnedOnly && !obs.Pinned {
		return false
	}
	if !f.IncludeDeprecated && obs.Deprecated {
		return false
	}
	if !f.IncludeSuperseded && obs.SupersededBy != nil {
		return false
	}
	return true
}

// recordAccess logs the retrieval, best effort.
func (o *Orchestrator) recordAccess(ctx context.Context, results []Result, query string) {
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.Observation.ID
	}

	if err := o.store.RecordAccess(ctx, ids, query); err != nil {
		o.logger.Warn("recording access failed", zap.Error(err))
	}
}

// parseObservationDocID extracts the observation ID from a vector document
// ID of the form "obs_<id>". Summary documents return false.
func parseObservationDocID(docID string) (int64, bool) {
	raw, ok := strings.CutPrefix(docID, "obs_")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

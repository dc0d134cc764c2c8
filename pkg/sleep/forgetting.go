package sleep

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/observation"
	"github.com/papercomputeco/engram/pkg/store"
	"github.com/papercomputeco/engram/pkg/vector"
)

// Forgetting gates. Deletion is rare and conservative: a memory must be both
// old and unimportant, and several states exempt it outright.
const (
	forgetImportanceBelow = 0.2
	forgetMinAgeDays      = 90
	retainImportanceAbove = 0.6
)

// Forgetter removes memories that no longer earn their storage. Runs dry by
// default; operators opt in to actual deletion.
type Forgetter struct {
	store   store.Store
	vectors vector.Driver
	dryRun  bool
	logger  *zap.Logger

	now func() time.Time
}

// NewForgetter creates a forgetter. A nil vector driver skips index cleanup.
func NewForgetter(s store.Store, vectors vector.Driver, dryRun bool, logger *zap.Logger) *Forgetter {
	return &Forgetter{store: s, vectors: vectors, dryRun: dryRun, logger: logger, now: time.Now}
}

// eligible reports whether an observation may be forgotten.
func (f *Forgetter) eligible(o *observation.Observation) bool {
	if o.Pinned || o.Tier == observation.TierCore {
		return false
	}
	if o.Importance >= retainImportanceAbove {
		return false
	}
	return o.Importance < forgetImportanceBelow && o.AgeDays(f.now()) > forgetMinAgeDays
}

// Run scans a batch for forgettable memories and, unless dry-running,
// deletes them along with their vector documents. Returns the IDs selected.
func (f *Forgetter) Run(ctx context.Context, observations []*observation.Observation) ([]int64, error) {
	var ids []int64
	var docIDs []string
	for _, o := range observations {
		if !f.eligible(o) {
			continue
		}
		ids = append(ids, o.ID)
		docIDs = append(docIDs, observationDocID(o.ID))
	}

	if len(ids) == 0 {
		return nil, nil
	}

	if f.dryRun {
		f.logger.Info("forgetting dry run",
			zap.Int("candidates", len(ids)), zap.Int64s("ids", ids))
		return ids, nil
	}

	if err := f.store.DeleteObservations(ctx, ids); err != nil {
		return nil, err
	}

	// The durable rows are gone; stale vectors only cost a little recall
	// noise until the next sync, so failures here are logged and dropped.
	if f.vectors != nil {
		if err := f.vectors.Delete(ctx, docIDs); err != nil {
			f.logger.Warn("vector cleanup failed after forgetting", zap.Error(err))
		}
	}

	f.logger.Info("memories forgotten", zap.Int("count", len(ids)))

	return ids, nil
}

package sleep

import (
	"context"
	"time"

	"github.com/papercomputeco/engram/pkg/observation"
	"github.com/papercomputeco/engram/pkg/store"
)

// Tier boundaries.
const (
	// coreAccessCount promotes a memory to core once it has been retrieved
	// this many times.
	coreAccessCount = 5

	// archiveIdleDays demotes untouched memories to archive.
	archiveIdleDays = 30

	// ephemeralIdleDays demotes long-dead memories to ephemeral.
	ephemeralIdleDays = 180
)

// classifyTier derives the retention tier from an observation's state.
func classifyTier(o *observation.Observation, now time.Time) observation.Tier {
	if o.Pinned || o.AccessCount >= coreAccessCount {
		return observation.TierCore
	}
	if o.Deprecated || idleDays(o, now) > ephemeralIdleDays {
		return observation.TierEphemeral
	}
	if o.SupersededBy != nil || idleDays(o, now) > archiveIdleDays {
		return observation.TierArchive
	}
	return observation.TierWorking
}

// idleDays is days since the memory was last touched, falling back to its
// creation time when it has never been accessed.
func idleDays(o *observation.Observation, now time.Time) float64 {
	last := o.CreatedAt
	if o.LastAccessed != nil && *o.LastAccessed > last {
		last = *o.LastAccessed
	}
	return now.Sub(time.UnixMilli(last)).Hours() / 24
}

// reclassifyTiers recomputes tiers for a batch and persists changes.
// Returns the number of observations moved.
func reclassifyTiers(ctx context.Context, s store.Store, observations []*observation.Observation, now time.Time) (int, error) {
	moved := 0
	for _, o := range observations {
		tier := classifyTier(o, now)
		if tier == o.Tier {
			continue
		}
		if err := s.SetTier(ctx, o.ID, tier); err != nil {
			return moved, err
		}
		o.Tier = tier
		moved++
	}
	return moved, nil
}

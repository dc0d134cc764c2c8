package session

import (
	"github.com/agext/levenshtein"

	"github.com/papercomputeco/engram/pkg/observation"
)

// similarityThreshold is the edit-distance similarity above which two
// observations are considered the same event phrased differently.
const similarityThreshold = 0.8

// dedupWindow is how many recent stored observations a new batch is compared
// against. Extraction runs turn by turn, so duplicates cluster close together.
const dedupWindow = 5

// dedup filters a parsed batch down to observations not already present,
// either within the batch itself or among the session's recent records.
func dedup(batch []*observation.Observation, recent []*observation.Observation) []*observation.Observation {
	if len(batch) == 0 {
		return batch
	}

	seen := make(map[string]bool, len(batch)+len(recent))
	for _, r := range recent {
		seen[r.IdentityKey()] = true
	}

	kept := make([]*observation.Observation, 0, len(batch))
	for _, o := range batch {
		key := o.IdentityKey()
		if seen[key] {
			continue
		}
		if nearDuplicate(o, recent) {
			continue
		}
		seen[key] = true
		kept = append(kept, o)
	}

	return kept
}

// nearDuplicate reports whether o is a close paraphrase of any recent
// observation of the same type.
func nearDuplicate(o *observation.Observation, recent []*observation.Observation) bool {
	text := o.SearchText()
	if text == "" {
		return false
	}

	window := recent
	if len(window) > dedupWindow {
		window = window[:dedupWindow]
	}

	for _, r := range window {
		if r.Type != o.Type {
			continue
		}
		if levenshtein.Similarity(text, r.SearchText(), nil) > similarityThreshold {
			return true
		}
	}

	return false
}

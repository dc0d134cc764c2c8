package search

import "sort"

// Reciprocal rank fusion merges rankings from independent retrievers without
// comparing their incommensurable scores.
const (
	// rrfK dampens the impact of rank position; the standard constant.
	rrfK = 60

	// topRankBonus rewards documents every ranker agrees on.
	topRankBonus = 0.05

	// topRankWindow is how deep a document must appear in every ranking to
	// earn the bonus.
	topRankWindow = 5
)

// fuse merges ranked ID lists into a single scored ordering. Earlier lists
// win ties, so callers pass the ranking whose internal order should dominate
// first. IDs appearing in the top window of every list get a bonus.
func fuse(rankings ...[]int64) []scoredID {
	if len(rankings) == 0 {
		return nil
	}

	scores := make(map[int64]float64)
	order := make([]int64, 0)
	appearances := make(map[int64]int)
	topAppearances := make(map[int64]int)

	for _, ranking := range rankings {
		for rank, id := range ranking {
			if _, seen := scores[id]; !seen {
				order = append(order, id)
			}
			scores[id] += 1.0 / float64(rrfK+rank+1)
			appearances[id]++
			if rank < topRankWindow {
				topAppearances[id]++
			}
		}
	}

	for id, n := range topAppearances {
		if n == len(rankings) && appearances[id] == len(rankings) {
			scores[id] += topRankBonus
		}
	}

	fused := make([]scoredID, 0, len(order))
	for _, id := range order {
		fused = append(fused, scoredID{ID: id, Score: scores[id]})
	}

	// Stable sort preserves first-ranking precedence on equal scores.
	sort.SliceStable(fused, func(i, j int) bool {
		return fused[i].Score > fused[j].Score
	})

	return fused
}

type scoredID struct {
	ID    int64
	Score float64
}

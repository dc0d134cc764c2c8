package sleep

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/observation"
	"github.com/papercomputeco/engram/pkg/store"
)

var _ = Describe("rarityFromCounts", func() {
	It("falls back to the type prior with no counts", func() {
		Expect(rarityFromCounts(observation.TypeDecision, nil, 0)).To(Equal(typeRarityPriors[observation.TypeDecision]))
	})

	It("uses neutral for types without a prior", func() {
		Expect(rarityFromCounts(observation.Type("weird"), nil, 0)).To(Equal(neutralSurprise))
	})

	It("blends the measured frequency with the prior", func() {
		counts := map[observation.Type]int{
			observation.TypeChange: 9,
			observation.TypeBugfix: 1,
		}
		common := rarityFromCounts(observation.TypeChange, counts, 10)
		rare := rarityFromCounts(observation.TypeBugfix, counts, 10)
		Expect(rare).To(BeNumerically(">", common))
		Expect(common).To(BeNumerically(">=", 0))
		Expect(rare).To(BeNumerically("<=", 1))
	})
})

var _ = Describe("clamp01", func() {
	It("bounds values to the unit interval", func() {
		Expect(clamp01(-0.5)).To(BeZero())
		Expect(clamp01(0.5)).To(Equal(0.5))
		Expect(clamp01(1.5)).To(Equal(1.0))
	})
})

var _ = Describe("SurpriseScorer", func() {
	var (
		ctx context.Context
		s   store.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = newTestStore()
	})

	newScorer := func() *SurpriseScorer {
		scorer, err := NewSurpriseScorer(s, nil, nil, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		return scorer
	}

	It("returns the neutral score when the project barely remembers anything", func() {
		scorer := newScorer()

		score, err := scorer.Score(ctx, &observation.Observation{
			ID:      1,
			Project: "emptyrepo",
			Type:    observation.TypeBugfix,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(score.Score).To(Equal(neutralSurprise))
		Expect(score.Confidence).To(Equal(neutralConfidence))
	})

	It("scores with full confidence once enough memory exists", func() {
		seedSession(ctx, s, "s1", "myrepo")
		batch := make([]*observation.Observation, 0, minSamples+1)
		for range minSamples + 1 {
			batch = append(batch, &observation.Observation{
				Type:  observation.TypeChange,
				Title: ptr("routine change"),
			})
		}
		_, err := s.PersistExtraction(ctx, store.ExtractionBatch{
			MemorySessionID: "s1",
			Project:         "myrepo",
			PromptNumber:    1,
			Observations:    batch,
		})
		Expect(err).NotTo(HaveOccurred())

		listed, err := s.ListObservations(ctx, store.Filter{Project: "myrepo", Limit: 1})
		Expect(err).NotTo(HaveOccurred())
		Expect(listed).NotTo(BeEmpty())

		scorer := newScorer()
		score, err := scorer.Score(ctx, listed[0])
		Expect(err).NotTo(HaveOccurred())
		Expect(score.Confidence).To(Equal(1.0))
		Expect(score.Score).To(BeNumerically(">", 0))
		Expect(score.Score).To(BeNumerically("<=", 1))
	})
})

var _ = Describe("ImportanceScorer", func() {
	var (
		ctx context.Context
		s   store.Store
		now time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = newTestStore()
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	})

	newScorer := func() *ImportanceScorer {
		surprise, err := NewSurpriseScorer(s, nil, nil, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		scorer := NewImportanceScorer(s, surprise, zap.NewNop())
		scorer.now = func() time.Time { return now }
		return scorer
	}

	It("keeps scores inside the unit interval", func() {
		scorer := newScorer()
		o := &observation.Observation{
			ID:        1,
			Project:   "myrepo",
			Type:      observation.TypeDecision,
			CreatedAt: now.UnixMilli(),
		}
		score := scorer.score(ctx, o, store.AccessStats{})
		Expect(score).To(BeNumerically(">", 0))
		Expect(score).To(BeNumerically("<=", 1))
	})

	It("decays older memories below their fresh twins", func() {
		scorer := newScorer()

		fresh := &observation.Observation{
			ID:        1,
			Project:   "myrepo",
			Type:      observation.TypeBugfix,
			CreatedAt: now.UnixMilli(),
		}
		stale := &observation.Observation{
			ID:        2,
			Project:   "myrepo",
			Type:      observation.TypeBugfix,
			CreatedAt: now.AddDate(0, 0, -2*ageHalfLifeDays).UnixMilli(),
		}

		Expect(scorer.score(ctx, stale, store.AccessStats{})).To(
			BeNumerically("<", scorer.score(ctx, fresh, store.AccessStats{})))
	})

	It("rewards retrieval frequency", func() {
		scorer := newScorer()
		o := &observation.Observation{
			ID:        1,
			Project:   "myrepo",
			Type:      observation.TypeBugfix,
			CreatedAt: now.UnixMilli(),
		}

		quiet := scorer.score(ctx, o, store.AccessStats{})
		busy := scorer.score(ctx, o, store.AccessStats{Frequency: 1})
		Expect(busy).To(BeNumerically(">", quiet))
	})

	Describe("Rescore", func() {
		It("persists changed scores and skips unchanged ones", func() {
			seedSession(ctx, s, "s1", "myrepo")
			_, err := s.PersistExtraction(ctx, store.ExtractionBatch{
				MemorySessionID: "s1",
				Project:         "myrepo",
				PromptNumber:    1,
				Observations: []*observation.Observation{
					{Type: observation.TypeBugfix, Title: ptr("a fix")},
				},
			})
			Expect(err).NotTo(HaveOccurred())

			listed, err := s.ListObservations(ctx, store.Filter{Project: "myrepo"})
			Expect(err).NotTo(HaveOccurred())
			Expect(listed).To(HaveLen(1))

			scorer := newScorer()
			scorer.now = time.Now

			updated, err := scorer.Rescore(ctx, listed)
			Expect(err).NotTo(HaveOccurred())

			relisted, err := s.ListObservations(ctx, store.Filter{Project: "myrepo"})
			Expect(err).NotTo(HaveOccurred())
			Expect(relisted[0].Importance).To(Equal(listed[0].Importance))

			// Rescoring again is stable: the blend starts from the type band,
			// not the stored score, so nothing compounds.
			again, err := scorer.Rescore(ctx, relisted)
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(BeNumerically("<=", updated))
		})
	})
})

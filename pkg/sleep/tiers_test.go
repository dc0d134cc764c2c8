package sleep

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/engram/pkg/observation"
	"github.com/papercomputeco/engram/pkg/store"
)

func daysAgo(now time.Time, days int) int64 {
	return now.AddDate(0, 0, -days).UnixMilli()
}

var _ = Describe("classifyTier", func() {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	fresh := func() *observation.Observation {
		return &observation.Observation{
			Type:      observation.TypeBugfix,
			Tier:      observation.TierWorking,
			CreatedAt: daysAgo(now, 1),
		}
	}

	It("keeps a fresh memory in the working tier", func() {
		Expect(classifyTier(fresh(), now)).To(Equal(observation.TierWorking))
	})

	It("promotes pinned memories to core", func() {
		o := fresh()
		o.Pinned = true
		Expect(classifyTier(o, now)).To(Equal(observation.TierCore))
	})

	It("promotes heavily accessed memories to core", func() {
		o := fresh()
		o.AccessCount = coreAccessCount
		Expect(classifyTier(o, now)).To(Equal(observation.TierCore))
	})

	It("pins beat everything else", func() {
		o := fresh()
		o.Pinned = true
		o.Deprecated = true
		o.SupersededBy = ptr(int64(99))
		Expect(classifyTier(o, now)).To(Equal(observation.TierCore))
	})

	It("sends deprecated memories to ephemeral", func() {
		o := fresh()
		o.Deprecated = true
		Expect(classifyTier(o, now)).To(Equal(observation.TierEphemeral))
	})

	It("sends long-idle memories to ephemeral", func() {
		o := fresh()
		o.CreatedAt = daysAgo(now, ephemeralIdleDays+1)
		Expect(classifyTier(o, now)).To(Equal(observation.TierEphemeral))
	})

	It("archives superseded memories", func() {
		o := fresh()
		o.SupersededBy = ptr(int64(7))
		Expect(classifyTier(o, now)).To(Equal(observation.TierArchive))
	})

	It("archives memories idle past a month", func() {
		o := fresh()
		o.CreatedAt = daysAgo(now, archiveIdleDays+5)
		Expect(classifyTier(o, now)).To(Equal(observation.TierArchive))
	})

	It("counts idleness from the last access, not creation", func() {
		o := fresh()
		o.CreatedAt = daysAgo(now, archiveIdleDays+5)
		o.LastAccessed = ptr(daysAgo(now, 2))
		Expect(classifyTier(o, now)).To(Equal(observation.TierWorking))
	})
})

var _ = Describe("reclassifyTiers", func() {
	It("persists tier moves and reports the count", func() {
		ctx := context.Background()
		s := newTestStore()
		seedSession(ctx, s, "s1", "myrepo")

		result, err := s.PersistExtraction(ctx, store.ExtractionBatch{
			MemorySessionID: "s1",
			Project:         "myrepo",
			PromptNumber:    1,
			Observations: []*observation.Observation{
				{Type: observation.TypeBugfix, Title: ptr("stays put")},
				{Type: observation.TypeDecision, Title: ptr("gets pinned")},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.ObservationIDs).To(HaveLen(2))

		listed, err := s.ListObservations(ctx, store.Filter{Project: "myrepo"})
		Expect(err).NotTo(HaveOccurred())
		Expect(listed).To(HaveLen(2))

		for _, o := range listed {
			if o.Title != nil && *o.Title == "gets pinned" {
				o.Pinned = true
			}
		}

		moved, err := reclassifyTiers(ctx, s, listed, time.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(moved).To(Equal(1))

		listed, err = s.ListObservations(ctx, store.Filter{Project: "myrepo"})
		Expect(err).NotTo(HaveOccurred())
		tiers := map[string]observation.Tier{}
		for _, o := range listed {
			tiers[*o.Title] = o.Tier
		}
		Expect(tiers["stays put"]).To(Equal(observation.TierWorking))
		Expect(tiers["gets pinned"]).To(Equal(observation.TierCore))
	})
})

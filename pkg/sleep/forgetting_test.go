package sleep

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/observation"
	"github.com/papercomputeco/engram/pkg/store"
	testutils "github.com/papercomputeco/engram/pkg/utils/test"
)

var _ = Describe("Forgetter", func() {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	newForgetter := func(s store.Store, vectors *testutils.MockVectorDriver, dryRun bool) *Forgetter {
		var f *Forgetter
		if vectors != nil {
			f = NewForgetter(s, vectors, dryRun, zap.NewNop())
		} else {
			f = NewForgetter(s, nil, dryRun, zap.NewNop())
		}
		f.now = func() time.Time { return now }
		return f
	}

	forgettable := func() *observation.Observation {
		return &observation.Observation{
			ID:         1,
			Type:       observation.TypeChange,
			Tier:       observation.TierEphemeral,
			Importance: 0.1,
			CreatedAt:  daysAgo(now, forgetMinAgeDays+10),
		}
	}

	Describe("eligibility", func() {
		It("accepts an old, unimportant memory", func() {
			f := newForgetter(nil, nil, true)
			Expect(f.eligible(forgettable())).To(BeTrue())
		})

		It("never touches pinned memories", func() {
			f := newForgetter(nil, nil, true)
			o := forgettable()
			o.Pinned = true
			Expect(f.eligible(o)).To(BeFalse())
		})

		It("never touches the core tier", func() {
			f := newForgetter(nil, nil, true)
			o := forgettable()
			o.Tier = observation.TierCore
			Expect(f.eligible(o)).To(BeFalse())
		})

		It("retains anything above the retention floor", func() {
			f := newForgetter(nil, nil, true)
			o := forgettable()
			o.Importance = retainImportanceAbove
			Expect(f.eligible(o)).To(BeFalse())
		})

		It("retains middling importance even when old", func() {
			f := newForgetter(nil, nil, true)
			o := forgettable()
			o.Importance = 0.4
			Expect(f.eligible(o)).To(BeFalse())
		})

		It("retains unimportant memories that are still young", func() {
			f := newForgetter(nil, nil, true)
			o := forgettable()
			o.CreatedAt = daysAgo(now, forgetMinAgeDays-10)
			Expect(f.eligible(o)).To(BeFalse())
		})
	})

	Describe("Run", func() {
		var (
			ctx     context.Context
			db      store.Store
			vectors *testutils.MockVectorDriver
		)

		BeforeEach(func() {
			ctx = context.Background()
			st := newTestStore()
			db = st
			vectors = testutils.NewMockVectorDriver()
			seedSession(ctx, db, "s1", "myrepo")

			_, err := db.PersistExtraction(ctx, store.ExtractionBatch{
				MemorySessionID: "s1",
				Project:         "myrepo",
				PromptNumber:    1,
				Observations: []*observation.Observation{
					{Type: observation.TypeChange, Title: ptr("stale noise")},
					{Type: observation.TypeDecision, Title: ptr("still valuable")},
				},
			})
			Expect(err).NotTo(HaveOccurred())
		})

		batch := func() []*observation.Observation {
			listed, err := db.ListObservations(ctx, store.Filter{Project: "myrepo"})
			Expect(err).NotTo(HaveOccurred())
			for _, o := range listed {
				if *o.Title == "stale noise" {
					o.Importance = 0.05
					o.CreatedAt = daysAgo(now, forgetMinAgeDays+30)
				} else {
					o.Importance = 0.9
				}
			}
			return listed
		}

		It("selects without deleting on a dry run", func() {
			f := newForgetter(db, vectors, true)

			selected, err := f.Run(ctx, batch())
			Expect(err).NotTo(HaveOccurred())
			Expect(selected).To(HaveLen(1))

			listed, err := db.ListObservations(ctx, store.Filter{Project: "myrepo"})
			Expect(err).NotTo(HaveOccurred())
			Expect(listed).To(HaveLen(2))
			Expect(vectors.Deleted).To(BeEmpty())
		})

		It("deletes rows and vector documents on a live run", func() {
			f := newForgetter(db, vectors, false)

			selected, err := f.Run(ctx, batch())
			Expect(err).NotTo(HaveOccurred())
			Expect(selected).To(HaveLen(1))

			listed, err := db.ListObservations(ctx, store.Filter{Project: "myrepo"})
			Expect(err).NotTo(HaveOccurred())
			Expect(listed).To(HaveLen(1))
			Expect(*listed[0].Title).To(Equal("still valuable"))

			Expect(vectors.Deleted).To(ConsistOf(observationDocID(selected[0])))
		})

		It("is a no-op when nothing qualifies", func() {
			f := newForgetter(db, vectors, false)

			listed, err := db.ListObservations(ctx, store.Filter{Project: "myrepo"})
			Expect(err).NotTo(HaveOccurred())
			for _, o := range listed {
				o.Importance = 0.9
			}

			selected, err := f.Run(ctx, listed)
			Expect(err).NotTo(HaveOccurred())
			Expect(selected).To(BeEmpty())
			Expect(vectors.Deleted).To(BeEmpty())
		})
	})
})

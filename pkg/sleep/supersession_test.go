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
	"github.com/papercomputeco/engram/pkg/vector"
)

func pairObs(id int64, project string, t observation.Type, createdAt int64, title string) *observation.Observation {
	return &observation.Observation{
		ID:        id,
		Project:   project,
		Type:      t,
		Title:     &title,
		CreatedAt: createdAt,
	}
}

var _ = Describe("comparable", func() {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	hour := time.Hour.Milliseconds()

	It("accepts a same-project, same-type pair inside the window", func() {
		newer := pairObs(2, "myrepo", observation.TypeBugfix, base, "new")
		older := pairObs(1, "myrepo", observation.TypeBugfix, base-hour, "old")
		Expect(comparable(newer, older)).To(BeTrue())
	})

	It("rejects cross-project pairs", func() {
		newer := pairObs(2, "myrepo", observation.TypeBugfix, base, "new")
		older := pairObs(1, "otherrepo", observation.TypeBugfix, base-hour, "old")
		Expect(comparable(newer, older)).To(BeFalse())
	})

	It("rejects cross-type pairs", func() {
		newer := pairObs(2, "myrepo", observation.TypeBugfix, base, "new")
		older := pairObs(1, "myrepo", observation.TypeDecision, base-hour, "old")
		Expect(comparable(newer, older)).To(BeFalse())
	})

	It("requires the newer observation to be strictly newer", func() {
		a := pairObs(2, "myrepo", observation.TypeBugfix, base, "a")
		b := pairObs(1, "myrepo", observation.TypeBugfix, base, "b")
		Expect(comparable(a, b)).To(BeFalse())
	})

	It("rejects pairs separated by more than the age window", func() {
		newer := pairObs(2, "myrepo", observation.TypeBugfix, base, "new")
		older := pairObs(1, "myrepo", observation.TypeBugfix, base-(maxAgeDifferenceHours+1)*hour, "old")
		Expect(comparable(newer, older)).To(BeFalse())
	})
})

var _ = Describe("Detector", func() {
	var (
		d    *Detector
		cfg  CycleConfig
		base int64
		hour int64
	)

	BeforeEach(func() {
		d = NewDetector(nil, nil, zap.NewNop())
		cfg = configFor(CycleMicro)
		base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
		hour = time.Hour.Milliseconds()
	})

	twin := func(id int64, createdAt int64) *observation.Observation {
		o := pairObs(id, "myrepo", observation.TypeBugfix, createdAt, "Fixed the watcher race on startup")
		o.Narrative = ptr("The watcher goroutine raced the close path during startup.")
		o.Concepts = []string{"concurrency", "file watching"}
		o.FilesModified = []string{"pkg/watch/watcher.go"}
		return o
	}

	Describe("features", func() {
		It("builds the full vector with a unit bias", func() {
			newer := twin(2, base)
			older := twin(1, base-hour)

			f := d.features(context.Background(), newer, older)
			Expect(f).To(HaveLen(featureCount))
			Expect(f[featSemanticSimilarity]).To(BeNumerically("==", 1))
			Expect(f[featTopicMatch]).To(BeNumerically("==", 1))
			Expect(f[featFileOverlap]).To(BeNumerically("==", 1))
			Expect(f[featTypeMatch]).To(BeNumerically("==", 1))
			Expect(f[featTimeDecay]).To(BeNumerically(">", 0))
			Expect(f[featTimeDecay]).To(BeNumerically("<", 1))
			Expect(f[featBias]).To(BeNumerically("==", 1))
		})

		It("scores partial concept overlap between zero and one", func() {
			newer := twin(2, base)
			older := twin(1, base-hour)
			older.Concepts = []string{"concurrency", "retries"}

			f := d.features(context.Background(), newer, older)
			Expect(f[featTopicMatch]).To(BeNumerically("~", 1.0/3.0, 1e-9))
		})

		It("counts topics and entities toward lexical overlap", func() {
			newer := twin(2, base)
			older := twin(1, base-hour)
			newer.Concepts, older.Concepts = nil, nil
			newer.Topics = []string{"Reliability"}
			older.Entities = []string{"reliability"}

			f := d.features(context.Background(), newer, older)
			Expect(f[featTopicMatch]).To(BeNumerically("==", 1))
		})
	})

	Describe("semanticSimilarity", func() {
		It("prefers stored embeddings over the rendered text", func() {
			vectors := testutils.NewMockVectorDriver()
			vectors.Documents = []vector.Document{
				{ID: "obs_2", Project: "myrepo", Embedding: []float32{1, 0, 0}},
				{ID: "obs_1", Project: "myrepo", Embedding: []float32{0, 1, 0}},
			}
			dv := NewDetector(nil, vectors, zap.NewNop())

			// Identical text would score 1 on edit distance; the orthogonal
			// embeddings say these memories are unrelated.
			f := dv.features(context.Background(), twin(2, base), twin(1, base-hour))
			Expect(f[featSemanticSimilarity]).To(BeNumerically("==", 0))
		})

		It("falls back to edit distance when an embedding is missing", func() {
			vectors := testutils.NewMockVectorDriver()
			vectors.Documents = []vector.Document{
				{ID: "obs_2", Project: "myrepo", Embedding: []float32{1, 0, 0}},
			}
			dv := NewDetector(nil, vectors, zap.NewNop())

			f := dv.features(context.Background(), twin(2, base), twin(1, base-hour))
			Expect(f[featSemanticSimilarity]).To(BeNumerically("==", 1))
		})

		It("falls back to edit distance without a vector driver", func() {
			f := d.features(context.Background(), twin(2, base), twin(1, base-hour))
			Expect(f[featSemanticSimilarity]).To(BeNumerically("==", 1))
		})
	})

	Describe("cosineSimilarity", func() {
		It("scores parallel, orthogonal and empty embeddings", func() {
			Expect(cosineSimilarity([]float32{1, 2}, []float32{2, 4})).To(BeNumerically("~", 1, 1e-9))
			Expect(cosineSimilarity([]float32{1, 0}, []float32{0, 1})).To(BeNumerically("==", 0))
			Expect(cosineSimilarity([]float32{0, 0}, []float32{1, 1})).To(BeNumerically("==", 0))
		})
	})

	Describe("Detect", func() {
		It("proposes superseding a near-duplicate older memory", func() {
			newer := twin(2, base)
			older := twin(1, base-hour)

			candidates := d.Detect(context.Background(), []*observation.Observation{newer, older}, cfg)
			Expect(candidates).To(HaveLen(1))
			Expect(candidates[0].Old.ID).To(Equal(int64(1)))
			Expect(candidates[0].New.ID).To(Equal(int64(2)))
			Expect(candidates[0].Confidence).To(BeNumerically(">=", cfg.ConfidenceThreshold))
			Expect(candidates[0].Features).To(HaveLen(featureCount))
		})

		It("leaves dissimilar memories alone", func() {
			newer := twin(2, base)
			older := pairObs(1, "myrepo", observation.TypeBugfix, base-hour, "Token refresh deadlock resolved")
			older.Narrative = ptr("Refreshing credentials while holding the session lock deadlocked.")
			older.Concepts = []string{"authentication"}
			older.FilesModified = []string{"pkg/auth/refresh.go"}

			candidates := d.Detect(context.Background(), []*observation.Observation{newer, older}, cfg)
			Expect(candidates).To(BeEmpty())
		})

		It("skips pinned and already-superseded older memories", func() {
			newer := twin(3, base)
			pinned := twin(1, base-hour)
			pinned.Pinned = true
			taken := twin(2, base-2*hour)
			taken.SupersededBy = ptr(int64(42))

			candidates := d.Detect(context.Background(), []*observation.Observation{newer, pinned, taken}, cfg)
			Expect(candidates).To(BeEmpty())
		})

		It("claims each older memory at most once", func() {
			newest := twin(3, base)
			middle := twin(2, base-hour)
			oldest := twin(1, base-2*hour)

			candidates := d.Detect(context.Background(), []*observation.Observation{newest, middle, oldest}, cfg)

			seen := map[int64]int{}
			for _, c := range candidates {
				seen[c.Old.ID]++
			}
			for id, count := range seen {
				Expect(count).To(Equal(1), "old %d claimed more than once", id)
			}
		})
	})

	Describe("Apply", func() {
		It("marks supersessions once and records the decision", func() {
			ctx := context.Background()
			s := newTestStore()
			seedSession(ctx, s, "s1", "myrepo")

			result, err := s.PersistExtraction(ctx, store.ExtractionBatch{
				MemorySessionID: "s1",
				Project:         "myrepo",
				PromptNumber:    1,
				Observations: []*observation.Observation{
					twin(0, base-hour),
					twin(0, base),
					twin(0, base+hour),
				},
			})
			Expect(err).NotTo(HaveOccurred())
			oldID, newID, laterID := result.ObservationIDs[0], result.ObservationIDs[1], result.ObservationIDs[2]

			applied, err := d.Apply(ctx, s, []Candidate{{
				Old:      &observation.Observation{ID: oldID},
				New:      &observation.Observation{ID: newID},
				Features: make([]float64, featureCount),
			}})
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(Equal(1))

			examples, err := s.ListTrainingExamples(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(examples).To(HaveLen(1))
			Expect(examples[0].Label).To(BeTrue())

			// A later candidate for the same older memory must not steal it.
			_, err = d.Apply(ctx, s, []Candidate{{
				Old:      &observation.Observation{ID: oldID},
				New:      &observation.Observation{ID: laterID},
				Features: make([]float64, featureCount),
			}})
			Expect(err).NotTo(HaveOccurred())

			listed, err := s.ListObservations(ctx, store.Filter{Project: "myrepo", IncludeSuperseded: true})
			Expect(err).NotTo(HaveOccurred())
			for _, o := range listed {
				if o.ID == oldID {
					Expect(o.SupersededBy).NotTo(BeNil())
					Expect(*o.SupersededBy).To(Equal(newID))
				}
			}
		})
	})
})

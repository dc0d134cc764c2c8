package search

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/observation"
	"github.com/papercomputeco/engram/pkg/store"
	"github.com/papercomputeco/engram/pkg/store/sqlite"
	testutils "github.com/papercomputeco/engram/pkg/utils/test"
	"github.com/papercomputeco/engram/pkg/vector"
)

// brokenKeywordStore simulates a corrupted keyword index.
type brokenKeywordStore struct {
	store.Store
}

func (b *brokenKeywordStore) SearchKeyword(context.Context, string, store.Filter) ([]store.ScoredObservation, error) {
	return nil, errors.New("fts index corrupted")
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx      context.Context
		s        *sqlite.SQLiteStore
		embedder *testutils.MockEmbedder
		vectors  *testutils.MockVectorDriver
		ids      []int64
	)

	BeforeEach(func() {
		ctx = context.Background()

		tempDir, err := os.MkdirTemp("", "engram-search-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			Expect(os.RemoveAll(tempDir)).To(Succeed())
		})

		s, err = sqlite.NewSQLiteStore(filepath.Join(tempDir, "engram.db"), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			Expect(s.Close()).To(Succeed())
		})

		Expect(s.CreateSession(ctx, &observation.Session{
			MemoryID:  "s1",
			ContentID: "t-s1",
			Project:   "myrepo",
			StartedAt: time.Now().UnixMilli(),
		})).To(Succeed())

		title1 := "Fixed the watcher race"
		title2 := "Adopted a bounded worker pool"
		result, err := s.PersistExtraction(ctx, store.ExtractionBatch{
			MemorySessionID: "s1",
			Project:         "myrepo",
			PromptNumber:    1,
			Observations: []*observation.Observation{
				{Type: observation.TypeBugfix, Title: &title1, Facts: []string{"init raced close"}},
				{Type: observation.TypeDecision, Title: &title2, Facts: []string{"eight workers max"}},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		ids = result.ObservationIDs

		embedder = testutils.NewMockEmbedder()
		vectors = testutils.NewMockVectorDriver()
	})

	docFor := func(id int64) vector.QueryResult {
		return vector.QueryResult{
			Document: vector.Document{
				ID:      "obs_" + strconv.FormatInt(id, 10),
				Project: "myrepo",
			},
			Distance: 0.1,
		}
	}

	It("lists by filter when the query is empty", func() {
		o := NewOrchestrator(s, embedder, vectors, zap.NewNop())

		resp, err := o.Search(ctx, Request{Filter: store.Filter{Project: "myrepo"}})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Strategy).To(Equal(StrategyFilterOnly))
		Expect(resp.FellBack).To(BeFalse())
		Expect(resp.Results).To(HaveLen(2))
	})

	It("fuses keyword and semantic rankings", func() {
		vectors.Results = []vector.QueryResult{docFor(ids[0]), docFor(ids[1])}
		o := NewOrchestrator(s, embedder, vectors, zap.NewNop())

		resp, err := o.Search(ctx, Request{
			Query:  "watcher",
			Filter: store.Filter{Project: "myrepo"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Strategy).To(Equal(StrategyHybrid))
		Expect(resp.UsedVector).To(BeTrue())
		Expect(resp.FellBack).To(BeFalse())
		Expect(resp.Results).NotTo(BeEmpty())
		Expect(resp.Results[0].Score).To(BeNumerically(">", 0))
	})

	It("runs keyword-only when semantic retrieval is not configured", func() {
		o := NewOrchestrator(s, nil, nil, zap.NewNop())

		resp, err := o.Search(ctx, Request{
			Query:  "watcher",
			Filter: store.Filter{Project: "myrepo"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Strategy).To(Equal(StrategyKeyword))
		Expect(resp.UsedVector).To(BeFalse())
		Expect(resp.FellBack).To(BeFalse())
		Expect(resp.Results).To(HaveLen(1))
		Expect(*resp.Results[0].Observation.Title).To(ContainSubstring("watcher"))
	})

	It("degrades to keyword when embedding fails", func() {
		embedder.FailOn = "watcher"
		o := NewOrchestrator(s, embedder, vectors, zap.NewNop())

		resp, err := o.Search(ctx, Request{
			Query:  "watcher",
			Filter: store.Filter{Project: "myrepo"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Strategy).To(Equal(StrategyKeyword))
		Expect(resp.UsedVector).To(BeFalse())
		Expect(resp.FellBack).To(BeTrue())
	})

	It("degrades to vector when the keyword index is down", func() {
		vectors.Results = []vector.QueryResult{docFor(ids[1])}
		o := NewOrchestrator(&brokenKeywordStore{Store: s}, embedder, vectors, zap.NewNop())

		resp, err := o.Search(ctx, Request{
			Query:  "worker pool",
			Filter: store.Filter{Project: "myrepo"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Strategy).To(Equal(StrategyVector))
		Expect(resp.UsedVector).To(BeTrue())
		Expect(resp.FellBack).To(BeTrue())
		Expect(resp.Results).To(HaveLen(1))
		Expect(resp.Results[0].Observation.ID).To(Equal(ids[1]))
	})

	It("degrades all the way to a filter listing when both indexes are down", func() {
		embedder.FailOn = "watcher"
		o := NewOrchestrator(&brokenKeywordStore{Store: s}, embedder, vectors, zap.NewNop())

		resp, err := o.Search(ctx, Request{
			Query:  "watcher",
			Filter: store.Filter{Project: "myrepo"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Strategy).To(Equal(StrategyFilterOnly))
		Expect(resp.FellBack).To(BeTrue())
		Expect(resp.Results).To(HaveLen(2))
	})

	It("drops cross-project and summary documents from the semantic ranking", func() {
		foreign := docFor(ids[0])
		foreign.Project = "otherrepo"
		summary := vector.QueryResult{Document: vector.Document{ID: "sum_9", Project: "myrepo"}}
		vectors.Results = []vector.QueryResult{foreign, summary, docFor(ids[1])}

		o := NewOrchestrator(&brokenKeywordStore{Store: s}, embedder, vectors, zap.NewNop())

		resp, err := o.Search(ctx, Request{
			Query:  "anything",
			Filter: store.Filter{Project: "myrepo"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Results).To(HaveLen(1))
		Expect(resp.Results[0].Observation.ID).To(Equal(ids[1]))
	})

	It("keeps deprecated rows out of semantic results by default", func() {
		Expect(s.SetDeprecated(ctx, ids[0], true)).To(Succeed())
		vectors.Results = []vector.QueryResult{docFor(ids[0]), docFor(ids[1])}

		o := NewOrchestrator(s, embedder, vectors, zap.NewNop())

		resp, err := o.Search(ctx, Request{
			Query:  "watcher",
			Filter: store.Filter{Project: "myrepo"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.UsedVector).To(BeTrue())
		for _, r := range resp.Results {
			Expect(r.Observation.ID).NotTo(Equal(ids[0]))
		}
	})

	It("keeps superseded rows out of semantic results unless asked for", func() {
		Expect(s.MarkSuperseded(ctx, ids[0], ids[1])).To(Succeed())
		vectors.Results = []vector.QueryResult{docFor(ids[0]), docFor(ids[1])}

		o := NewOrchestrator(&brokenKeywordStore{Store: s}, embedder, vectors, zap.NewNop())

		resp, err := o.Search(ctx, Request{
			Query:  "anything",
			Filter: store.Filter{Project: "myrepo"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Results).To(HaveLen(1))
		Expect(resp.Results[0].Observation.ID).To(Equal(ids[1]))

		resp, err = o.Search(ctx, Request{
			Query:  "anything",
			Filter: store.Filter{Project: "myrepo", IncludeSuperseded: true},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Results).To(HaveLen(2))
	})

	It("applies type and time bounds to semantic results", func() {
		vectors.Results = []vector.QueryResult{docFor(ids[0]), docFor(ids[1])}
		o := NewOrchestrator(&brokenKeywordStore{Store: s}, embedder, vectors, zap.NewNop())

		resp, err := o.Search(ctx, Request{
			Query: "anything",
			Filter: store.Filter{
				Project: "myrepo",
				Types:   []observation.Type{observation.TypeDecision},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Results).To(HaveLen(1))
		Expect(resp.Results[0].Observation.Type).To(Equal(observation.TypeDecision))

		resp, err = o.Search(ctx, Request{
			Query: "anything",
			Filter: store.Filter{
				Project: "myrepo",
				Until:   time.Now().Add(-time.Hour).UnixMilli(),
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Results).To(BeEmpty())
	})

	It("records access for retrieved memories", func() {
		o := NewOrchestrator(s, nil, nil, zap.NewNop())

		_, err := o.Search(ctx, Request{
			Query:  "watcher",
			Filter: store.Filter{Project: "myrepo"},
		})
		Expect(err).NotTo(HaveOccurred())

		stats, err := s.GetAccessStats(ctx, ids, 24*time.Hour)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats[ids[0]].AccessCount).To(Equal(int64(1)))
		Expect(stats[ids[1]].AccessCount).To(BeZero())
	})
})

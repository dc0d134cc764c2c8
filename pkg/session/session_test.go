package session_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/extractor"
	"github.com/papercomputeco/engram/pkg/eventstream/nop"
	"github.com/papercomputeco/engram/pkg/observation"
	"github.com/papercomputeco/engram/pkg/queue"
	queuesqlite "github.com/papercomputeco/engram/pkg/queue/sqlite"
	"github.com/papercomputeco/engram/pkg/session"
	"github.com/papercomputeco/engram/pkg/store"
	storesqlite "github.com/papercomputeco/engram/pkg/store/sqlite"
	testutils "github.com/papercomputeco/engram/pkg/utils/test"
)

func TestSession(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Session Suite")
}

// scriptedExtractor replays canned responses and fails on demand.
type scriptedExtractor struct {
	responses []string
	calls     int
	failWith  error
}

func (s *scriptedExtractor) Name() string { return "scripted" }

func (s *scriptedExtractor) Extract(_ context.Context, _ extractor.Request) (*extractor.Response, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	text := "no observations"
	if s.calls < len(s.responses) {
		text = s.responses[s.calls]
	}
	s.calls++
	return &extractor.Response{
		Text:  text,
		Usage: extractor.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func observationResponse(title string) string {
	return fmt.Sprintf(`<observation>
  <type>bugfix</type>
  <title>%s</title>
  <narrative>something broke and got fixed</narrative>
</observation>`, title)
}

const summaryResponse = `<summary>
  <request>fix the thing</request>
  <completed>the thing is fixed</completed>
</summary>`

var _ = Describe("Manager", func() {
	var (
		tempDir string
		st      store.Store
		q       queue.Queue
		ex      *scriptedExtractor
		mgr     *session.Manager
		ctx     context.Context
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "engram-session-*")
		Expect(err).NotTo(HaveOccurred())

		logger := zap.NewNop()
		dbPath := filepath.Join(tempDir, "engram.db")

		st, err = storesqlite.NewSQLiteStore(dbPath, logger)
		Expect(err).NotTo(HaveOccurred())

		q, err = queuesqlite.NewSQLiteQueue(queuesqlite.Config{DBPath: dbPath}, logger)
		Expect(err).NotTo(HaveOccurred())

		ex = &scriptedExtractor{}
		processor := session.NewProcessor(st, nil, nil, nop.NewPublisher(), logger)
		mgr = session.NewManager(st, q, ex, processor, logger)

		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(q.Close()).To(Succeed())
		Expect(st.Close()).To(Succeed())
		Expect(os.RemoveAll(tempDir)).To(Succeed())
	})

	enqueue := func(sessionID string, kind queue.Kind, payload string) {
		Expect(q.Enqueue(ctx, &queue.Message{
			SessionID: sessionID,
			Project:   "myrepo",
			Kind:      kind,
			Payload:   payload,
		})).To(Succeed())
	}

	Describe("EnsureSession", func() {
		It("creates the durable row on first sight", func() {
			_, err := mgr.EnsureSession(ctx, "s1", "t1", "myrepo", "fix it")
			Expect(err).NotTo(HaveOccurred())

			row, err := st.GetSessionByMemoryID(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(row.Project).To(Equal("myrepo"))
			Expect(row.UserPrompt).To(Equal("fix it"))
		})

		It("re-attaches a rotated transcript id", func() {
			_, err := mgr.EnsureSession(ctx, "s1", "t1", "myrepo", "fix it")
			Expect(err).NotTo(HaveOccurred())

			sess, err := mgr.EnsureSession(ctx, "s1", "t2", "myrepo", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.ContentID).To(Equal("t2"))

			row, err := st.GetSessionByMemoryID(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(row.ContentID).To(Equal("t2"))
		})
	})

	Describe("ProcessPending", func() {
		It("drains queued material through the extractor and stores observations", func() {
			ex.responses = []string{observationResponse("Fixed watcher race")}
			enqueue("s1", queue.KindUserPrompt, "fix the watcher race")

			sess, err := mgr.EnsureSession(ctx, "s1", "t1", "myrepo", "")
			Expect(err).NotTo(HaveOccurred())

			processed, ended, err := mgr.ProcessPending(ctx, sess)
			Expect(err).NotTo(HaveOccurred())
			Expect(processed).To(Equal(1))
			Expect(ended).To(BeFalse())

			stored, err := st.ListObservations(ctx, store.Filter{Project: "myrepo"})
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(HaveLen(1))
			Expect(*stored[0].Title).To(Equal("Fixed watcher race"))
			Expect(stored[0].Type).To(Equal(observation.TypeBugfix))
			Expect(stored[0].Importance).To(BeNumerically(">", 0))
		})

		It("consumes a session-end marker without calling the extractor", func() {
			enqueue("s1", queue.KindSessionEnd, "")

			sess, err := mgr.EnsureSession(ctx, "s1", "t1", "myrepo", "")
			Expect(err).NotTo(HaveOccurred())

			processed, ended, err := mgr.ProcessPending(ctx, sess)
			Expect(err).NotTo(HaveOccurred())
			Expect(processed).To(Equal(1))
			Expect(ended).To(BeTrue())
			Expect(ex.calls).To(BeZero())
		})

		It("returns the failed message for retry and stops draining", func() {
			ex.failWith = extractor.ErrUnavailable
			enqueue("s1", queue.KindUserPrompt, "first")
			enqueue("s1", queue.KindAssistantTurn, "second")

			sess, err := mgr.EnsureSession(ctx, "s1", "t1", "myrepo", "")
			Expect(err).NotTo(HaveOccurred())

			processed, _, err := mgr.ProcessPending(ctx, sess)
			Expect(err).To(HaveOccurred())
			Expect(processed).To(BeZero())

			// Both messages are still queued; the failed one returned to
			// pending with an attempt consumed.
			stats, err := q.Stats(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Pending).To(Equal(2))
		})

		It("processes in order after a failure clears", func() {
			ex.failWith = extractor.ErrUnavailable
			enqueue("s1", queue.KindUserPrompt, "first")

			sess, err := mgr.EnsureSession(ctx, "s1", "t1", "myrepo", "")
			Expect(err).NotTo(HaveOccurred())

			_, _, err = mgr.ProcessPending(ctx, sess)
			Expect(err).To(HaveOccurred())

			ex.failWith = nil
			ex.responses = []string{observationResponse("recovered")}

			processed, _, err := mgr.ProcessPending(ctx, sess)
			Expect(err).NotTo(HaveOccurred())
			Expect(processed).To(Equal(1))
		})
	})

	Describe("Finalize", func() {
		It("stores the summary and completes the session", func() {
			ex.responses = []string{
				observationResponse("Fixed watcher race"),
				summaryResponse,
			}
			enqueue("s1", queue.KindUserPrompt, "fix the watcher race")

			sess, err := mgr.EnsureSession(ctx, "s1", "t1", "myrepo", "fix the watcher race")
			Expect(err).NotTo(HaveOccurred())

			_, _, err = mgr.ProcessPending(ctx, sess)
			Expect(err).NotTo(HaveOccurred())

			Expect(mgr.Finalize(ctx, sess)).To(Succeed())

			row, err := st.GetSessionByMemoryID(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(row.CompletedAt).NotTo(BeNil())
		})

		It("completes the session even when the summary is skipped", func() {
			ex.responses = []string{`<skip_summary reason="trivial session"/>`}

			sess, err := mgr.EnsureSession(ctx, "s1", "t1", "myrepo", "")
			Expect(err).NotTo(HaveOccurred())

			Expect(mgr.Finalize(ctx, sess)).To(Succeed())

			row, err := st.GetSessionByMemoryID(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(row.CompletedAt).NotTo(BeNil())
		})
	})
})

var _ = Describe("Processor", func() {
	var (
		tempDir string
		st      store.Store
		ctx     context.Context
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "engram-processor-*")
		Expect(err).NotTo(HaveOccurred())

		st, err = storesqlite.NewSQLiteStore(filepath.Join(tempDir, "engram.db"), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		ctx = context.Background()

		Expect(st.CreateSession(ctx, &observation.Session{
			MemoryID: "s1", Project: "myrepo",
		})).To(Succeed())
	})

	AfterEach(func() {
		Expect(st.Close()).To(Succeed())
		Expect(os.RemoveAll(tempDir)).To(Succeed())
	})

	title := func(s string) *string { return &s }

	It("indexes stored observations in the vector driver", func() {
		vectors := testutils.NewMockVectorDriver()
		p := session.NewProcessor(st, testutils.NewMockEmbedder(), vectors, nop.NewPublisher(), zap.NewNop())

		result, err := p.Persist(ctx, store.ExtractionBatch{
			MemorySessionID: "s1",
			Project:         "myrepo",
			Observations: []*observation.Observation{
				{Type: observation.TypeBugfix, Title: title("indexed")},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.ObservationIDs).To(HaveLen(1))

		Eventually(func() []string {
			ids := make([]string, 0, len(vectors.Documents))
			for _, d := range vectors.Documents {
				ids = append(ids, d.ID)
			}
			return ids
		}).Should(ContainElement(fmt.Sprintf("obs_%d", result.ObservationIDs[0])))
	})

	It("keeps the durable record when vector indexing fails", func() {
		vectors := testutils.NewMockVectorDriver()
		vectors.AddErr = errors.New("index offline")
		p := session.NewProcessor(st, testutils.NewMockEmbedder(), vectors, nop.NewPublisher(), zap.NewNop())

		result, err := p.Persist(ctx, store.ExtractionBatch{
			MemorySessionID: "s1",
			Project:         "myrepo",
			Observations: []*observation.Observation{
				{Type: observation.TypeDecision, Title: title("survives")},
			},
		})
		Expect(err).NotTo(HaveOccurred())

		o, err := st.GetObservation(ctx, result.ObservationIDs[0])
		Expect(err).NotTo(HaveOccurred())
		Expect(*o.Title).To(Equal("survives"))
	})

	It("assigns the type's initial importance band midpoint", func() {
		p := session.NewProcessor(st, nil, nil, nop.NewPublisher(), zap.NewNop())

		result, err := p.Persist(ctx, store.ExtractionBatch{
			MemorySessionID: "s1",
			Project:         "myrepo",
			Observations: []*observation.Observation{
				{Type: observation.TypeBugfix, Title: title("scored")},
			},
		})
		Expect(err).NotTo(HaveOccurred())

		o, err := st.GetObservation(ctx, result.ObservationIDs[0])
		Expect(err).NotTo(HaveOccurred())
		band := observation.InitialScoreRanges[observation.TypeBugfix]
		Expect(o.Importance).To(BeNumerically("~", (band.Min+band.Max)/2, 1e-9))
	})

	It("drops duplicates already stored for the session", func() {
		p := session.NewProcessor(st, nil, nil, nop.NewPublisher(), zap.NewNop())

		batch := store.ExtractionBatch{
			MemorySessionID: "s1",
			Project:         "myrepo",
			Observations: []*observation.Observation{
				{Type: observation.TypeBugfix, Title: title("one event")},
			},
		}
		_, err := p.Persist(ctx, batch)
		Expect(err).NotTo(HaveOccurred())

		again := store.ExtractionBatch{
			MemorySessionID: "s1",
			Project:         "myrepo",
			Observations: []*observation.Observation{
				{Type: observation.TypeBugfix, Title: title("one event")},
			},
		}
		result, err := p.Persist(ctx, again)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.ObservationIDs).To(BeEmpty())
	})
})

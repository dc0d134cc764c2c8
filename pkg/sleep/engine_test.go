package sleep

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/eventstream/nop"
	"github.com/papercomputeco/engram/pkg/observation"
	"github.com/papercomputeco/engram/pkg/store"
)

var _ = Describe("Engine", func() {
	var (
		ctx context.Context
		s   store.Store
		e   *Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = newTestStore()

		logger := zap.NewNop()
		surprise, err := NewSurpriseScorer(s, nil, nil, logger)
		Expect(err).NotTo(HaveOccurred())

		e = NewEngine(
			s,
			NewDetector(nil, nil, logger),
			nil,
			NewImportanceScorer(s, surprise, logger),
			NewForgetter(s, nil, true, logger),
			nop.NewPublisher(),
			logger,
		)
	})

	It("refuses to overlap with a running cycle", func() {
		e.runLock.Lock()
		defer e.runLock.Unlock()

		_, err := e.Run(ctx, CycleMicro)
		Expect(errors.Is(err, ErrCycleRunning)).To(BeTrue())
	})

	It("consolidates recent memories and audits the cycle", func() {
		seedSession(ctx, s, "s1", "myrepo")
		_, err := s.PersistExtraction(ctx, store.ExtractionBatch{
			MemorySessionID: "s1",
			Project:         "myrepo",
			PromptNumber:    1,
			Observations: []*observation.Observation{
				{Type: observation.TypeBugfix, Title: ptr("fixed the watcher race")},
				{Type: observation.TypeDecision, Title: ptr("adopted a bounded worker pool")},
			},
		})
		Expect(err).NotTo(HaveOccurred())

		result, err := e.Run(ctx, CycleMicro)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.CycleType).To(Equal(CycleMicro))
		Expect(result.Processed).To(Equal(2))
		Expect(result.Forgotten).To(BeZero())

		cycle, err := s.LastSleepCycle(ctx, string(CycleMicro))
		Expect(err).NotTo(HaveOccurred())
		Expect(cycle.Status).To(Equal("completed"))
		Expect(cycle.Processed).To(Equal(2))
	})

	It("runs back to back once the previous cycle finishes", func() {
		_, err := e.Run(ctx, CycleMicro)
		Expect(err).NotTo(HaveOccurred())

		_, err = e.Run(ctx, CycleLight)
		Expect(err).NotTo(HaveOccurred())

		light, err := s.LastSleepCycle(ctx, string(CycleLight))
		Expect(err).NotTo(HaveOccurred())
		Expect(light.Status).To(Equal("completed"))
	})
})

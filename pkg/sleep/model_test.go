package sleep

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/store"
)

var _ = Describe("Model", func() {
	var (
		ctx context.Context
		s   store.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = newTestStore()
	})

	ones := func() []float64 {
		f := make([]float64, featureCount)
		for i := range f {
			f[i] = 1
		}
		return f
	}

	seedExamples := func(n int) {
		for i := range n {
			Expect(s.AddTrainingExample(ctx, store.TrainingExample{
				Features:  ones(),
				Label:     true,
				CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond).UnixMilli(),
			})).To(Succeed())
		}
	}

	It("never predicts when disabled", func() {
		m := NewModel(s, false, zap.NewNop())
		seedExamples(minExamplesBeforeUse + 10)
		Expect(m.Load(ctx)).To(Succeed())

		_, ok := m.Predict(ctx, ones())
		Expect(ok).To(BeFalse())
	})

	It("defers to the fixed weights while undertrained", func() {
		m := NewModel(s, true, zap.NewNop())
		seedExamples(minExamplesBeforeUse - 1)
		Expect(m.Load(ctx)).To(Succeed())

		_, ok := m.Predict(ctx, ones())
		Expect(ok).To(BeFalse())
	})

	It("predicts once enough examples exist", func() {
		m := NewModel(s, true, zap.NewNop())
		seedExamples(minExamplesBeforeUse + 10)
		Expect(m.Load(ctx)).To(Succeed())

		score, ok := m.Predict(ctx, ones())
		Expect(ok).To(BeTrue())
		Expect(score).To(BeNumerically(">", 0.5))
		Expect(score).To(BeNumerically("<=", 1))
	})

	It("trains toward positive labels and persists the weights", func() {
		m := NewModel(s, true, zap.NewNop())
		seedExamples(minExamplesBeforeUse + 10)
		Expect(m.Load(ctx)).To(Succeed())

		before, ok := m.Predict(ctx, ones())
		Expect(ok).To(BeTrue())

		Expect(m.Train(ctx)).To(Succeed())

		after, ok := m.Predict(ctx, ones())
		Expect(ok).To(BeTrue())
		Expect(after).To(BeNumerically(">", before))

		// A fresh model picks up the persisted weights.
		reloaded := NewModel(s, true, zap.NewNop())
		Expect(reloaded.Load(ctx)).To(Succeed())
		again, ok := reloaded.Predict(ctx, ones())
		Expect(ok).To(BeTrue())
		Expect(again).To(BeNumerically("~", after, 1e-9))
	})

	It("training is a no-op with an empty example log", func() {
		m := NewModel(s, true, zap.NewNop())
		Expect(m.Load(ctx)).To(Succeed())
		Expect(m.Train(ctx)).To(Succeed())

		_, err := s.LoadModelWeights(ctx)
		Expect(err).To(HaveOccurred())
	})

	It("reset returns the model to its dormant state", func() {
		m := NewModel(s, true, zap.NewNop())
		seedExamples(minExamplesBeforeUse + 10)
		Expect(m.Load(ctx)).To(Succeed())
		Expect(m.Train(ctx)).To(Succeed())

		Expect(m.Reset(ctx)).To(Succeed())

		_, ok := m.Predict(ctx, ones())
		Expect(ok).To(BeFalse())

		examples, err := s.ListTrainingExamples(ctx, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(examples).To(BeEmpty())
	})
})

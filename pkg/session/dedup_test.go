package session

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/engram/pkg/observation"
)

func obs(t observation.Type, title, narrative string) *observation.Observation {
	o := &observation.Observation{Type: t, Title: &title}
	if narrative != "" {
		o.Narrative = &narrative
	}
	return o
}

var _ = Describe("dedup", func() {
	It("keeps a batch with no duplicates", func() {
		batch := []*observation.Observation{
			obs(observation.TypeBugfix, "Fixed watcher race", "guarded init with a mutex"),
			obs(observation.TypeDecision, "Chose bounded pool", "capped at eight workers"),
		}

		kept := dedup(batch, nil)
		Expect(kept).To(HaveLen(2))
	})

	It("drops exact duplicates within a batch", func() {
		batch := []*observation.Observation{
			obs(observation.TypeBugfix, "Fixed watcher race", "guarded init with a mutex"),
			obs(observation.TypeBugfix, "Fixed watcher race", "a different narrative, same event"),
		}

		kept := dedup(batch, nil)
		Expect(kept).To(HaveLen(1))
	})

	It("drops observations already stored for the session", func() {
		recent := []*observation.Observation{
			obs(observation.TypeDecision, "Chose bounded pool", "capped at eight workers"),
		}
		batch := []*observation.Observation{
			obs(observation.TypeDecision, "Chose bounded pool", "restated by a later turn"),
			obs(observation.TypeDiscovery, "Pool metrics exist", "found a gauge already wired"),
		}

		kept := dedup(batch, recent)
		Expect(kept).To(HaveLen(1))
		Expect(*kept[0].Title).To(Equal("Pool metrics exist"))
	})

	It("drops near-duplicate paraphrases of the same type", func() {
		recent := []*observation.Observation{
			obs(observation.TypeBugfix, "Fixed race in file watcher startup path", "the watcher goroutine raced the close path during startup"),
		}
		batch := []*observation.Observation{
			obs(observation.TypeBugfix, "Fixed race in file watcher startup paths", "the watcher goroutine raced the close path during startups"),
		}

		kept := dedup(batch, recent)
		Expect(kept).To(BeEmpty())
	})

	It("keeps near-identical text under a different type", func() {
		recent := []*observation.Observation{
			obs(observation.TypeBugfix, "Watcher startup handling", "the watcher goroutine raced the close path"),
		}
		batch := []*observation.Observation{
			obs(observation.TypeDecision, "Watcher startup handling", "the watcher goroutine raced the close paths"),
		}

		kept := dedup(batch, recent)
		Expect(kept).To(HaveLen(1))
	})

	It("only compares against the recent window", func() {
		recent := make([]*observation.Observation, 0, dedupWindow+1)
		for range dedupWindow {
			recent = append(recent, obs(observation.TypeChange, "filler entry", "keeps the window full"))
		}
		old := obs(observation.TypeBugfix, "Ancient fix far outside the window", "long narrative body that would otherwise match closely enough")
		recent = append(recent, old)

		batch := []*observation.Observation{
			obs(observation.TypeBugfix, "Ancient fix far outside the windows", "long narrative body that would otherwise match closely enough!"),
		}

		kept := dedup(batch, recent)
		Expect(kept).To(HaveLen(1))
	})
})

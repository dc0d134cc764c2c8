package chroma_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/vector"
	"github.com/papercomputeco/engram/pkg/vector/chroma"
)

// fakeChroma serves just enough of the Chroma v2 REST API for the driver.
// Add request bodies are decoded into captured when it is non-nil.
func fakeChroma(captured *chromaAddBody) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/add") {
			if captured != nil {
				_ = json.NewDecoder(r.Body).Decode(captured)
			}
			w.WriteHeader(http.StatusCreated)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "col-1", "name": "engram"})
	}))
}

type chromaAddBody struct {
	IDs       []string         `json:"ids"`
	Metadatas []map[string]any `json:"metadatas"`
}

var _ = Describe("ChromaDriver", func() {
	var logger *zap.Logger

	BeforeEach(func() {
		logger = zap.NewNop()
	})

	Describe("NewChromaDriver", func() {
		It("should return an error when URL is empty", func() {
			_, err := chroma.NewChromaDriver(chroma.Config{URL: ""}, logger)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("chroma URL is required"))
		})

		It("should resolve the collection on connect", func() {
			server := fakeChroma(nil)
			defer server.Close()

			driver, err := chroma.NewChromaDriver(chroma.Config{URL: server.URL}, logger)
			Expect(err).NotTo(HaveOccurred())
			Expect(driver).NotTo(BeNil())
			Expect(driver.Close()).To(Succeed())
		})

		It("should wrap connection failures", func() {
			_, err := chroma.NewChromaDriver(chroma.Config{URL: "http://127.0.0.1:1"}, logger)
			Expect(err).To(HaveOccurred())
			Expect(err).To(MatchError(vector.ErrConnection))
		})
	})

	Describe("Add", func() {
		It("should send project metadata with each document", func() {
			var captured chromaAddBody
			server := fakeChroma(&captured)
			defer server.Close()

			driver, err := chroma.NewChromaDriver(chroma.Config{URL: server.URL}, logger)
			Expect(err).NotTo(HaveOccurred())
			defer driver.Close()

			err = driver.Add(context.Background(), []vector.Document{
				{ID: "obs_1", Project: "myrepo", Embedding: []float32{0.1, 0.2}},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(captured.IDs).To(Equal([]string{"obs_1"}))
			Expect(captured.Metadatas).To(HaveLen(1))
			Expect(captured.Metadatas[0]["project"]).To(Equal("myrepo"))
		})

		It("should do nothing when given empty docs", func() {
			server := fakeChroma(nil)
			defer server.Close()

			driver, err := chroma.NewChromaDriver(chroma.Config{URL: server.URL}, logger)
			Expect(err).NotTo(HaveOccurred())
			defer driver.Close()

			Expect(driver.Add(context.Background(), nil)).To(Succeed())
		})
	})

	Describe("Interface compliance", func() {
		It("should implement vector.Driver", func() {
			var _ vector.Driver = (*chroma.ChromaDriver)(nil)
		})
	})
})

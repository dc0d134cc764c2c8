package sqlite

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("fts5Hint", func() {
	It("points at the build tag when the FTS5 module is missing", func() {
		cause := errors.New("no such module: fts5")
		hinted := fts5Hint(cause)
		Expect(errors.Is(hinted, cause)).To(BeTrue())
		Expect(hinted.Error()).To(ContainSubstring("sqlite_fts5"))
	})

	It("passes other errors through untouched", func() {
		cause := errors.New("disk I/O error")
		Expect(fts5Hint(cause)).To(Equal(cause))
		Expect(fts5Hint(nil)).To(BeNil())
	})
})

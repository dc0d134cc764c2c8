package git_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/engram/pkg/git"
)

func TestGit(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Git Suite")
}

var _ = Describe("RepoName", func() {
	It("falls back to a directory name outside a git repo", func() {
		name := git.RepoName()
		Expect(name).ToNot(BeEmpty())
	})
})

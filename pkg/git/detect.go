// Package git resolves which project a session's memories are filed under.
package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// repoTimeout bounds the git invocation; project detection must never stall
// ingestion.
const repoTimeout = 5 * time.Second

// RepoName returns the project name for the current working directory: the
// repository toplevel's directory name when inside a git checkout, otherwise
// the working directory's own name. Empty only when neither can be resolved.
func RepoName() string {
	if top := toplevel(); top != "" {
		return filepath.Base(top)
	}

	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return filepath.Base(wd)
}

// toplevel asks git for the repository root, or returns "" outside a checkout.
func toplevel() string {
	ctx, cancel := context.WithTimeout(context.Background(), repoTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "git", "rev-parse", "--show-toplevel").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

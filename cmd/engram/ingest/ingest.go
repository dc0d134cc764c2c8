// Package ingestcmder provides the ingest command that captures session
// material into the durable queue. Designed to be called from assistant
// hooks: it writes and exits, without waiting on the extractor.
package ingestcmder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/engram/cmd/engram/bootstrap"
	"github.com/papercomputeco/engram/pkg/git"
	"github.com/papercomputeco/engram/pkg/observation"
	"github.com/papercomputeco/engram/pkg/queue"
	"github.com/papercomputeco/engram/pkg/store"
)

type ingestCommander struct {
	sessionID string
	contentID string
	project   string
	kind      string
	payload   string

	configDir string
	debug     bool
}

const ingestLongDesc string = `Capture session material into the ingestion queue.

Material is read from --payload or stdin and enqueued durably; the serve
daemon extracts observations from it asynchronously. Enqueueing never calls
the extractor, so hooks stay fast even when the LLM backend is down.

Kinds:
  user_prompt      A prompt the user sent
  assistant_turn   A turn the assistant produced
  session_end      Marks the session finished (triggers the summary)

Examples:
  echo "fix the race in the watcher" | engram ingest --session s1 --kind user_prompt --project myrepo
  engram ingest --session s1 --kind session_end`

const ingestShortDesc string = "Capture session material into the queue"

func NewIngestCmd() *cobra.Command {
	cmder := &ingestCommander{}

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: ingestShortDesc,
		Long:  ingestLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %v", err)
			}
			cmder.configDir, _ = cmd.Flags().GetString("config-dir")
			return cmder.run()
		},
	}

	cmd.Flags().StringVarP(&cmder.sessionID, "session", "s", "", "Durable session id (required)")
	cmd.Flags().StringVar(&cmder.contentID, "content-id", "", "Current transcript session id")
	cmd.Flags().StringVarP(&cmder.project, "project", "p", "", "Project the material belongs to (defaults to the git repo name)")
	cmd.Flags().StringVarP(&cmder.kind, "kind", "k", string(queue.KindUserPrompt), "Material kind (user_prompt, assistant_turn, session_end)")
	cmd.Flags().StringVar(&cmder.payload, "payload", "", "Material text (defaults to stdin)")
	_ = cmd.MarkFlagRequired("session")

	return cmd
}

func (c *ingestCommander) run() error {
	kind := queue.Kind(c.kind)
	switch kind {
	case queue.KindUserPrompt, queue.KindAssistantTurn, queue.KindSessionEnd:
	default:
		return fmt.Errorf("unknown kind: %q", c.kind)
	}

	payload := c.payload
	if payload == "" && kind != queue.KindSessionEnd {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		payload = strings.TrimSpace(string(data))
	}
	if payload == "" && kind != queue.KindSessionEnd {
		return errors.New("nothing to ingest: provide --payload or pipe material on stdin")
	}

	if c.project == "" {
		c.project = git.RepoName()
	}

	b, err := bootstrap.Load(c.configDir, c.debug)
	if err != nil {
		return err
	}
	defer func() { _ = b.Logger.Sync() }()

	ctx := context.Background()

	st, err := b.OpenStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := c.ensureSessionRow(ctx, st, kind, payload); err != nil {
		return err
	}

	q, err := b.OpenQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	msg := &queue.Message{
		SessionID: c.sessionID,
		Project:   c.project,
		Kind:      kind,
		Payload:   payload,
	}
	if err := q.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueueing: %w", err)
	}

	return nil
}

// ensureSessionRow creates the durable session row on first sight and
// re-attaches a rotated transcript id otherwise.
func (c *ingestCommander) ensureSessionRow(ctx context.Context, st store.Store, kind queue.Kind, payload string) error {
	row, err := st.GetSessionByMemoryID(ctx, c.sessionID)
	switch {
	case err == nil:
		if c.contentID != "" && c.contentID != row.ContentID {
			return st.UpdateContentID(ctx, c.sessionID, c.contentID)
		}
		return nil

	case errors.As(err, &store.ErrNotFound{}):
		prompt := ""
		if kind == queue.KindUserPrompt {
			prompt = payload
		}
		return st.CreateSession(ctx, &observation.Session{
			MemoryID:   c.sessionID,
			ContentID:  c.contentID,
			Project:    c.project,
			UserPrompt: prompt,
			StartedAt:  time.Now().UnixMilli(),
		})

	default:
		return err
	}
}

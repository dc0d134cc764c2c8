// Package servecmder provides the serve command that runs the memory daemon.
package servecmder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/engram/cmd/engram/bootstrap"
	"github.com/papercomputeco/engram/pkg/embeddings"
	"github.com/papercomputeco/engram/pkg/eventstream"
	"github.com/papercomputeco/engram/pkg/queue"
	"github.com/papercomputeco/engram/pkg/session"
	"github.com/papercomputeco/engram/pkg/sleep"
	"github.com/papercomputeco/engram/pkg/start"
	"github.com/papercomputeco/engram/pkg/store"
	"github.com/papercomputeco/engram/pkg/vector"
)

// pollInterval is how often the daemon checks the queue for new material.
const pollInterval = 2 * time.Second

// accessLogRetention is how long individual access records are kept. The
// per-observation counters survive cleanup; only the windowed frequency
// samples age out.
const accessLogRetention = 90 * 24 * time.Hour

type ServeCommander struct {
	configDir string
	debug     bool

	boot      *bootstrap.Bootstrap
	store     store.Store
	queue     queue.Queue
	embedder  embeddings.Embedder
	vectors   vector.Driver
	publisher eventstream.Publisher
	manager   *session.Manager
	scheduler *sleep.Scheduler
	logger    *zap.Logger
}

const serveLongDesc string = `Run the engram memory daemon.

The daemon drains the ingestion queue through the extractor, persists
observations, keeps the vector index in sync and runs scheduled sleep
cycles. Capture material into the queue with:

  engram ingest --session <id> --kind user_prompt

Stop with Ctrl-C; queued material survives restarts.`

const serveShortDesc string = "Run the memory daemon"

func NewServeCmd() *cobra.Command {
	cmder := &ServeCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
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

	return cmd
}

func (c *ServeCommander) run() error {
	if err := c.setup(); err != nil {
		return err
	}
	defer c.teardown()

	// One daemon per .engram dir. The state file lets hooks and operator
	// commands find the running instance.
	daemon, err := start.NewManager(c.configDir)
	if err != nil {
		return err
	}
	lock, err := daemon.TryLock()
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	if err := daemon.SaveState(&start.State{
		DaemonPID: os.Getpid(),
		DBPath:    c.boot.DBPath(),
		StartedAt: time.Now(),
	}); err != nil {
		c.logger.Warn("saving daemon state failed", zap.Error(err))
	}
	defer func() { _ = daemon.ClearState() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Crash recovery: free messages stranded mid-claim, then pick up
	// whatever was queued while the daemon was down.
	if n, err := c.queue.ResetStuck(ctx, c.boot.StuckThreshold()); err != nil {
		c.logger.Warn("resetting stuck messages failed", zap.Error(err))
	} else if n > 0 {
		c.logger.Info("recovered stuck messages", zap.Int64("count", n))
	}
	if resumed, err := c.manager.ResumePending(ctx); err != nil {
		c.logger.Warn("resuming pending sessions failed", zap.Error(err))
	} else if len(resumed) > 0 {
		c.logger.Info("resumed sessions", zap.Int("count", len(resumed)))
	}

	if c.boot.Config.Sleep.Enabled {
		if err := c.startScheduler(ctx); err != nil {
			return err
		}
		defer c.scheduler.Stop()
	}

	c.logger.Info("engram daemon started",
		zap.String("db", c.boot.DBPath()),
		zap.Bool("semantic", c.embedder != nil && c.vectors != nil),
		zap.Bool("sleep", c.boot.Config.Sleep.Enabled),
	)

	errChan := make(chan error, 1)
	go func() {
		errChan <- c.drainLoop(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		c.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
		return nil
	}
}

// setup builds every configured component.
func (c *ServeCommander) setup() error {
	b, err := bootstrap.Load(c.configDir, c.debug)
	if err != nil {
		return err
	}
	c.boot = b
	c.logger = b.Logger

	c.store, err = b.OpenStore()
	if err != nil {
		return err
	}

	c.queue, err = b.OpenQueue()
	if err != nil {
		return err
	}

	// Semantic features degrade to keyword-only when the embedder or vector
	// store cannot be reached.
	c.embedder, err = b.NewEmbedder()
	if err != nil {
		c.logger.Warn("embedder unavailable, semantic features disabled", zap.Error(err))
		c.embedder = nil
	}
	if c.embedder != nil {
		c.vectors, err = b.NewVectorDriver()
		if err != nil {
			c.logger.Warn("vector store unavailable, semantic features disabled", zap.Error(err))
			c.vectors = nil
		}
	}

	ex, err := b.NewExtractor()
	if err != nil {
		return err
	}

	c.publisher, err = b.NewPublisher()
	if err != nil {
		return err
	}

	processor := session.NewProcessor(c.store, c.embedder, c.vectors, c.publisher, c.logger)
	c.manager = session.NewManager(c.store, c.queue, ex, processor, c.logger)

	return nil
}

func (c *ServeCommander) teardown() {
	if c.publisher != nil {
		c.publisher.Close()
	}
	if c.vectors != nil {
		c.vectors.Close()
	}
	if c.embedder != nil {
		c.embedder.Close()
	}
	if c.queue != nil {
		c.queue.Close()
	}
	if c.store != nil {
		c.store.Close()
	}
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}

// startScheduler wires the consolidation engine and starts its schedules.
func (c *ServeCommander) startScheduler(ctx context.Context) error {
	surprise, err := sleep.NewSurpriseScorer(c.store, c.embedder, c.vectors, c.logger)
	if err != nil {
		return fmt.Errorf("building surprise scorer: %w", err)
	}

	model := sleep.NewModel(c.store, c.boot.Config.Sleep.LearnedModel, c.logger)
	if err := model.Load(ctx); err != nil {
		c.logger.Warn("loading supersession model failed", zap.Error(err))
	}

	engine := sleep.NewEngine(
		c.store,
		sleep.NewDetector(model, c.vectors, c.logger),
		model,
		sleep.NewImportanceScorer(c.store, surprise, c.logger),
		sleep.NewForgetter(c.store, c.vectors, c.boot.Config.Sleep.ForgetDryRun, c.logger),
		c.publisher,
		c.logger,
	)

	c.scheduler = sleep.NewScheduler(engine, sleep.SchedulerConfig{
		LightSpec: c.boot.Config.Sleep.LightSchedule,
		DeepSpec:  c.boot.Config.Sleep.DeepSchedule,
		IdleAfter: time.Duration(c.boot.Config.Sleep.IdleAfterSeconds) * time.Second,
	}, c.logger)

	return c.scheduler.Start(ctx)
}

// drainLoop polls the queue and drives extraction for every session with
// pending material. Housekeeping piggybacks on a slower ticker.
func (c *ServeCommander) drainLoop(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	cleanupTicker := time.NewTicker(time.Hour)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-cleanupTicker.C:
			retain := time.Duration(c.boot.Config.Queue.RetainProcessedHr) * time.Hour
			if _, err := c.queue.CleanupProcessed(ctx, retain); err != nil {
				c.logger.Warn("queue cleanup failed", zap.Error(err))
			}
			if _, err := c.queue.ResetStuck(ctx, c.boot.StuckThreshold()); err != nil {
				c.logger.Warn("stuck reset failed", zap.Error(err))
			}
			if _, err := c.store.CleanupAccessLog(ctx, accessLogRetention); err != nil {
				c.logger.Warn("access log cleanup failed", zap.Error(err))
			}

		case <-ticker.C:
			ids, err := c.queue.PendingSessions(ctx)
			if err != nil {
				c.logger.Warn("listing pending sessions failed", zap.Error(err))
				continue
			}

			for _, id := range ids {
				if c.scheduler != nil {
					c.scheduler.Touch()
				}
				if err := c.drainSession(ctx, id); err != nil {
					c.logger.Warn("draining session failed",
						zap.String("session", id), zap.Error(err))
				}
			}
		}
	}
}

// drainSession processes one session's pending material and finalizes it
// when an end marker was consumed.
func (c *ServeCommander) drainSession(ctx context.Context, memoryID string) error {
	project, contentID, prompt := "", "", ""
	row, err := c.store.GetSessionByMemoryID(ctx, memoryID)
	switch {
	case err == nil:
		project, contentID, prompt = row.Project, row.ContentID, row.UserPrompt
	case errors.As(err, &store.ErrNotFound{}):
		// First sight of this session; the row is created now and the
		// project fills in from the first message.
	default:
		return err
	}

	sess, err := c.manager.EnsureSession(ctx, memoryID, contentID, project, prompt)
	if err != nil {
		return err
	}

	processed, ended, err := c.manager.ProcessPending(ctx, sess)
	if err != nil {
		return err
	}
	if processed > 0 {
		c.logger.Debug("processed session material",
			zap.String("session", memoryID), zap.Int("count", processed))
	}
	if ended {
		return c.manager.Finalize(ctx, sess)
	}
	return nil
}

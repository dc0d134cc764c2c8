// Package queuecmder provides operator commands for the ingestion queue.
package queuecmder

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/engram/cmd/engram/bootstrap"
	"github.com/papercomputeco/engram/pkg/queue"
)

const queueLongDesc string = `Inspect and manage the ingestion queue.

Subcommands:
  engram queue stats          Show queue depth by status
  engram queue retry-failed   Return failed messages to pending
  engram queue retry <id>     Return one failed message to pending
  engram queue abort <id>     Delete one pending or failed message
  engram queue reset-stuck    Free messages stranded mid-claim
  engram queue purge-failed   Delete failed messages permanently

Examples:
  engram queue stats
  engram queue retry 42`

const queueShortDesc string = "Inspect and manage the ingestion queue"

func NewQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: queueShortDesc,
		Long:  queueLongDesc,
	}

	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newRetryFailedCmd())
	cmd.AddCommand(newRetryCmd())
	cmd.AddCommand(newAbortCmd())
	cmd.AddCommand(newResetStuckCmd())
	cmd.AddCommand(newPurgeFailedCmd())

	return cmd
}

// withQueue loads config, opens the queue and runs fn against it.
func withQueue(cmd *cobra.Command, fn func(ctx context.Context, b *bootstrap.Bootstrap, q queue.Queue) error) error {
	configDir, _ := cmd.Flags().GetString("config-dir")
	debug, _ := cmd.Flags().GetBool("debug")

	b, err := bootstrap.Load(configDir, debug)
	if err != nil {
		return err
	}
	defer func() { _ = b.Logger.Sync() }()

	q, err := b.OpenQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	return fn(context.Background(), b, q)
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, func(ctx context.Context, _ *bootstrap.Bootstrap, q queue.Queue) error {
				stats, err := q.Stats(ctx)
				if err != nil {
					return err
				}

				fmt.Printf("pending    %d\n", stats.Pending)
				fmt.Printf("processing %d\n", stats.Processing)
				fmt.Printf("processed  %d\n", stats.Processed)
				fmt.Printf("failed     %d\n", stats.Failed)
				return nil
			})
		},
	}
}

func newRetryFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Return failed messages to pending with a fresh attempt budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, func(ctx context.Context, _ *bootstrap.Bootstrap, q queue.Queue) error {
				n, err := q.RetryFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Requeued %d failed messages\n", n)
				return nil
			})
		},
	}
}

// parseMessageID validates a message id argument.
func parseMessageID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid message id %q", arg)
	}
	return id, nil
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Return one failed message to pending with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseMessageID(args[0])
			if err != nil {
				return err
			}
			return withQueue(cmd, func(ctx context.Context, _ *bootstrap.Bootstrap, q queue.Queue) error {
				if err := q.RetryOne(ctx, id); err != nil {
					return err
				}
				fmt.Printf("Requeued message %d\n", id)
				return nil
			})
		},
	}
}

func newAbortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <id>",
		Short: "Delete one pending or failed message permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseMessageID(args[0])
			if err != nil {
				return err
			}
			return withQueue(cmd, func(ctx context.Context, _ *bootstrap.Bootstrap, q queue.Queue) error {
				if err := q.Abort(ctx, id); err != nil {
					return err
				}
				fmt.Printf("Aborted message %d\n", id)
				return nil
			})
		},
	}
}

func newResetStuckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-stuck",
		Short: "Free messages stranded mid-claim",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, func(ctx context.Context, b *bootstrap.Bootstrap, q queue.Queue) error {
				n, err := q.ResetStuck(ctx, b.StuckThreshold())
				if err != nil {
					return err
				}
				fmt.Printf("Reset %d stuck messages\n", n)
				return nil
			})
		},
	}
}

func newPurgeFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-failed",
		Short: "Delete failed messages permanently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, func(ctx context.Context, _ *bootstrap.Bootstrap, q queue.Queue) error {
				n, err := q.PurgeFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Purged %d failed messages\n", n)
				return nil
			})
		},
	}
}

// Package sleepcmder provides the sleep command for running consolidation
// cycles by hand.
package sleepcmder

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/engram/cmd/engram/bootstrap"
	"github.com/papercomputeco/engram/pkg/cliui"
	"github.com/papercomputeco/engram/pkg/sleep"
	"github.com/papercomputeco/engram/pkg/store"
)

type sleepCommander struct {
	cycle  string
	forget bool

	configDir string
	debug     bool
	logger    *zap.Logger
}

const sleepLongDesc string = `Run a memory consolidation cycle by hand.

A cycle detects superseded observations, rescores importance, reclassifies
retention tiers and, on deep cycles, deprecates and forgets stale memories.
Forgetting dry-runs unless --forget is passed or sleep.forget_dry_run is
set to false.

The learned supersession model scores pairs once sleep.learned_model is set
and it has trained on enough recorded decisions.

Examples:
  engram sleep
  engram sleep --cycle deep
  engram sleep --cycle deep --forget
  engram sleep train
  engram sleep reset-model`

const sleepShortDesc string = "Run a consolidation cycle"

func NewSleepCmd() *cobra.Command {
	cmder := &sleepCommander{}

	cmd := &cobra.Command{
		Use:   "sleep",
		Short: sleepShortDesc,
		Long:  sleepLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}
			cmder.configDir, _ = cmd.Flags().GetString("config-dir")
			return cmder.run()
		},
	}

	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newTrainCmd())
	cmd.AddCommand(newResetModelCmd())

	cmd.Flags().StringVarP(&cmder.cycle, "cycle", "c", string(sleep.CycleManual), "Cycle type (micro, light, deep, manual)")
	cmd.Flags().BoolVar(&cmder.forget, "forget", false, "Actually delete forgettable memories instead of dry-running")

	return cmd
}

func (c *sleepCommander) run() error {
	cycleType := sleep.CycleType(c.cycle)
	switch cycleType {
	case sleep.CycleMicro, sleep.CycleLight, sleep.CycleDeep, sleep.CycleManual:
	default:
		return fmt.Errorf("unknown cycle type: %q", c.cycle)
	}

	b, err := bootstrap.Load(c.configDir, c.debug)
	if err != nil {
		return err
	}
	c.logger = b.Logger
	defer func() { _ = c.logger.Sync() }()

	st, err := b.OpenStore()
	if err != nil {
		return err
	}
	defer st.Close()

	embedder, err := b.NewEmbedder()
	if err != nil {
		embedder = nil
	}
	vectors, _ := b.NewVectorDriver()
	if vectors != nil {
		defer vectors.Close()
	}

	publisher, err := b.NewPublisher()
	if err != nil {
		return err
	}
	defer publisher.Close()

	ctx := context.Background()

	surprise, err := sleep.NewSurpriseScorer(st, embedder, vectors, c.logger)
	if err != nil {
		return fmt.Errorf("building surprise scorer: %w", err)
	}

	model := sleep.NewModel(st, b.Config.Sleep.LearnedModel, c.logger)
	if err := model.Load(ctx); err != nil {
		c.logger.Warn("loading supersession model failed", zap.Error(err))
	}

	dryRun := b.Config.Sleep.ForgetDryRun && !c.forget

	engine := sleep.NewEngine(
		st,
		sleep.NewDetector(model, vectors, c.logger),
		model,
		sleep.NewImportanceScorer(st, surprise, c.logger),
		sleep.NewForgetter(st, vectors, dryRun, c.logger),
		publisher,
		c.logger,
	)

	var result *sleep.Result
	err = cliui.Step(os.Stdout, fmt.Sprintf("Running %s cycle", cycleType), func() error {
		var runErr error
		result, runErr = engine.Run(ctx, cycleType)
		return runErr
	})
	if errors.Is(err, sleep.ErrCycleRunning) {
		return errors.New("a sleep cycle is already running")
	}
	if err != nil {
		return err
	}

	fmt.Printf("\n  %s %d processed, %d superseded, %d reclassified, %d forgotten",
		cliui.SuccessMark,
		result.Processed, result.Superseded, result.Reclassified, result.Forgotten,
	)
	if dryRun && result.Forgotten > 0 {
		fmt.Printf(" %s", cliui.DimStyle.Render("(dry run, nothing deleted)"))
	}
	fmt.Printf("\n\n")

	return nil
}

// withModel loads config, opens the store and runs fn against the learned
// supersession model.
func withModel(cmd *cobra.Command, fn func(ctx context.Context, model *sleep.Model) error) error {
	configDir, _ := cmd.Flags().GetString("config-dir")
	debug, _ := cmd.Flags().GetBool("debug")

	b, err := bootstrap.Load(configDir, debug)
	if err != nil {
		return err
	}
	defer func() { _ = b.Logger.Sync() }()

	st, err := b.OpenStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	model := sleep.NewModel(st, b.Config.Sleep.LearnedModel, b.Logger)
	if err := model.Load(ctx); err != nil {
		return err
	}

	return fn(ctx, model)
}

func newTrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Fit the supersession model on recorded decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withModel(cmd, func(ctx context.Context, model *sleep.Model) error {
				if err := model.Train(ctx); err != nil {
					return err
				}
				fmt.Printf("%s Model trained and saved\n", cliui.SuccessMark)
				return nil
			})
		},
	}
}

func newResetModelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-model",
		Short: "Drop learned weights and training examples",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withModel(cmd, func(ctx context.Context, model *sleep.Model) error {
				if err := model.Reset(ctx); err != nil {
					return err
				}
				fmt.Printf("%s Model reset to fixed weights\n", cliui.SuccessMark)
				return nil
			})
		},
	}
}

// newStatusCmd reports the most recent cycle of each type.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show recent consolidation cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")
			debug, _ := cmd.Flags().GetBool("debug")

			b, err := bootstrap.Load(configDir, debug)
			if err != nil {
				return err
			}
			defer func() { _ = b.Logger.Sync() }()

			st, err := b.OpenStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := context.Background()
			for _, cycleType := range []sleep.CycleType{sleep.CycleMicro, sleep.CycleLight, sleep.CycleDeep, sleep.CycleManual} {
				cycle, err := st.LastSleepCycle(ctx, string(cycleType))
				if errors.As(err, &store.ErrNotFound{}) {
					fmt.Printf("%-8s never run\n", cycleType)
					continue
				}
				if err != nil {
					return err
				}

				fmt.Printf("%-8s %s  %d processed, %d superseded, %d reclassified, %d forgotten\n",
					cycleType, cycle.Status,
					cycle.Processed, cycle.Superseded, cycle.Reclassed, cycle.Forgotten,
				)
			}

			return nil
		},
	}
}

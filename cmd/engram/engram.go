// Package engramcmder
package engramcmder

import (
	"github.com/spf13/cobra"

	configcmder "github.com/papercomputeco/engram/cmd/engram/config"
	ingestcmder "github.com/papercomputeco/engram/cmd/engram/ingest"
	initcmder "github.com/papercomputeco/engram/cmd/engram/init"
	pincmder "github.com/papercomputeco/engram/cmd/engram/pin"
	queuecmder "github.com/papercomputeco/engram/cmd/engram/queue"
	searchcmder "github.com/papercomputeco/engram/cmd/engram/search"
	servecmder "github.com/papercomputeco/engram/cmd/engram/serve"
	sleepcmder "github.com/papercomputeco/engram/cmd/engram/sleep"
	versioncmder "github.com/papercomputeco/engram/cmd/engram/version"
)

const engramLongDesc string = `Engram is a persistent, self-curating memory for coding agents.

Session material is captured into a durable queue, distilled into observations
by an extractor, and consolidated over time by sleep cycles that supersede,
rescore and forget.

Common commands:
  engram serve            Run the memory daemon
  engram ingest           Capture session material into the queue
  engram search <query>   Retrieve stored memories
  engram sleep            Run a consolidation cycle by hand`

const engramShortDesc string = "Engram - persistent memory for coding agents"

func NewEngramCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engram",
		Short: engramShortDesc,
		Long:  engramLongDesc,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Override the .engram/ directory location")

	// Add subcommands
	cmd.AddCommand(initcmder.NewInitCmd())
	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(ingestcmder.NewIngestCmd())
	cmd.AddCommand(searchcmder.NewSearchCmd())
	cmd.AddCommand(pincmder.NewPinCmd())
	cmd.AddCommand(sleepcmder.NewSleepCmd())
	cmd.AddCommand(queuecmder.NewQueueCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}

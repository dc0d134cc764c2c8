// Package pincmder provides the pin command that exempts memories from
// forgetting.
package pincmder

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/engram/cmd/engram/bootstrap"
	"github.com/papercomputeco/engram/pkg/cliui"
)

const pinLongDesc string = `Pin an observation so sleep cycles never forget it.

Pinned memories are skipped by supersession and by the forgetting policy
until unpinned. Find observation IDs with:

  engram search --quiet <query>

Examples:
  engram pin 42
  engram pin 42 --remove`

const pinShortDesc string = "Pin a memory so it is never forgotten"

func NewPinCmd() *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "pin <observation-id>",
		Short: pinShortDesc,
		Long:  pinLongDesc,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid observation id %q", args[0])
			}

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

			// Resolve first so a typo'd id errors instead of silently
			// updating nothing.
			o, err := st.GetObservation(ctx, id)
			if err != nil {
				return err
			}

			if err := st.SetPinned(ctx, id, !remove); err != nil {
				return err
			}

			title := "(untitled)"
			if o.Title != nil && *o.Title != "" {
				title = *o.Title
			}
			verb := "Pinned"
			if remove {
				verb = "Unpinned"
			}
			fmt.Printf("%s %s %d %s\n",
				cliui.SuccessMark, verb, id, cliui.DimStyle.Render(title))
			return nil
		},
	}

	cmd.Flags().BoolVar(&remove, "remove", false, "Unpin instead of pin")

	return cmd
}

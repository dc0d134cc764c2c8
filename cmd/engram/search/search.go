// Package searchcmder provides the search command for retrieving stored
// memories.
package searchcmder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/engram/cmd/engram/bootstrap"
	"github.com/papercomputeco/engram/pkg/cliui"
	"github.com/papercomputeco/engram/pkg/observation"
	"github.com/papercomputeco/engram/pkg/search"
	"github.com/papercomputeco/engram/pkg/store"
	"github.com/papercomputeco/engram/pkg/utils"
)

type searchCommander struct {
	query   string
	project string
	types   []string
	limit   int
	quiet   bool

	configDir string
	debug     bool
	logger    *zap.Logger
}

const searchLongDesc string = `Search stored memories.

With a query, keyword and semantic retrieval run together and their rankings
are fused; if the vector index or embedder is unavailable the search degrades
to keyword-only. Without a query, lists the most recent observations
matching the filters.

Use --quiet to output only observation IDs, one per line.

Examples:
  engram search "race condition in the file watcher"
  engram search "connection pooling" --project myrepo --type bugfix,decision
  engram search --project myrepo --limit 10`

const searchShortDesc string = "Search stored memories"

func NewSearchCmd() *cobra.Command {
	cmder := &searchCommander{}

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: searchShortDesc,
		Long:  searchLongDesc,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				cmder.query = args[0]
			}

			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}
			cmder.configDir, _ = cmd.Flags().GetString("config-dir")

			return cmder.run()
		},
	}

	cmd.Flags().StringVarP(&cmder.project, "project", "p", "", "Restrict to a project")
	cmd.Flags().StringSliceVarP(&cmder.types, "type", "t", nil, "Restrict to observation types")
	cmd.Flags().IntVarP(&cmder.limit, "limit", "n", 0, "Number of results to return")
	cmd.Flags().BoolVarP(&cmder.quiet, "quiet", "q", false, "Output only observation IDs, one per line")

	return cmd
}

func (c *searchCommander) run() error {
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

	filter := store.Filter{
		Project: c.project,
		Limit:   c.limit,
	}
	if filter.Limit <= 0 {
		filter.Limit = b.Config.Search.DefaultLimit
	}
	for _, t := range c.types {
		parsed, ok := observation.ParseType(t)
		if !ok {
			return fmt.Errorf("unknown observation type: %q", t)
		}
		filter.Types = append(filter.Types, parsed)
	}

	orchestrator := search.NewOrchestrator(st, embedder, vectors, c.logger)

	resp, err := orchestrator.Search(context.Background(), search.Request{
		Query:  c.query,
		Filter: filter,
	})
	if err != nil {
		return err
	}

	if len(resp.Results) == 0 {
		if !c.quiet {
			fmt.Println("No memories found.")
		}
		return nil
	}

	if c.quiet {
		for _, result := range resp.Results {
			fmt.Println(result.Observation.ID)
		}
		return nil
	}

	header := "Recent memories"
	if c.query != "" {
		header = fmt.Sprintf("Results for %q", c.query)
	}
	note := string(resp.Strategy)
	if resp.FellBack {
		note += ", degraded"
	}
	fmt.Printf("\n%s %s\n\n",
		cliui.HeaderStyle.Render(header),
		cliui.DimStyle.Render("("+note+")"),
	)

	for i, result := range resp.Results {
		c.printResult(i+1, result)
	}

	return nil
}

func (c *searchCommander) printResult(rank int, result search.Result) {
	o := result.Observation

	title := "(untitled)"
	if o.Title != nil && *o.Title != "" {
		title = *o.Title
	}

	header := fmt.Sprintf("  %s  %s",
		cliui.RankStyle.Render(fmt.Sprintf("#%d", rank)),
		cliui.HeaderStyle.Render(title),
	)
	if result.Score > 0 {
		header += "  " + cliui.ScoreStyle.Render(fmt.Sprintf("score: %.4f", result.Score))
	}
	fmt.Println(header)

	meta := []string{string(o.Type), o.Project, time.UnixMilli(o.CreatedAt).Format("2006-01-02")}
	if o.Pinned {
		meta = append(meta, "pinned")
	}
	if o.SupersededBy != nil {
		meta = append(meta, fmt.Sprintf("superseded by %d", *o.SupersededBy))
	}
	fmt.Printf("  %s\n", cliui.DimStyle.Render(strings.Join(meta, " · ")))

	if o.Narrative != nil && *o.Narrative != "" {
		narrative := strings.ReplaceAll(utils.Truncate(*o.Narrative, 160), "\n", " ")
		fmt.Printf("  %s\n", cliui.ValueStyle.Render(narrative))
	}
	for _, fact := range o.Facts {
		fmt.Printf("  %s %s\n",
			cliui.DimStyle.Render("-"),
			cliui.ValueStyle.Render(utils.Truncate(fact, 120)),
		)
	}

	fmt.Println()
}

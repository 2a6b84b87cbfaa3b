package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-memory/memory"
)

var (
	searchK      int
	searchActive []string
	searchTouch  bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Rank memories for a query",
	Long: `Rank memories for a query and show the score breakdown.

Search has no side effects unless --touch is given, which records the
access the way the agent's retrieval does.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
			return searchRecords(ctx, cmd, e, query)
		})
	},
}

func init() {
	searchCmd.Flags().IntVar(&searchK, "k", 5, "number of results")
	searchCmd.Flags().StringSliceVar(&searchActive, "active", nil, "record ids already in context, for the relation boost")
	searchCmd.Flags().BoolVar(&searchTouch, "touch", false, "record the access on returned memories")
}

func searchRecords(ctx context.Context, cmd *cobra.Command, e *env, query string) error {
	r := memory.NewRetriever(e.store, e.embedder, e.cfg, e.options()...)

	search := r.Search
	if searchTouch {
		search = r.Rank
	}
	hits, err := search(ctx, query, searchK, searchActive)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(hits) == 0 {
		fmt.Fprintln(out, "No memories found.")
		return nil
	}
	for i, h := range hits {
		fmt.Fprintf(out, "%d. %.3f  %s  [%s] %s\n", i+1, h.Score, h.Record.ID, h.Record.Tier, h.Record.Content)
		fmt.Fprintf(out, "   similarity %.3f  importance %.2f  relation %.2f  recency %.2f\n",
			h.Similarity, h.Record.Importance, h.Relation, h.Recency)
	}
	return nil
}

package cli

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-memory/memory"
)

var (
	listTiers         []string
	listLimit         int
	listMinImportance float64
	listVerbose       bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored memories",
	Long: `List stored memories, most important first.

Examples:
  nim-memory list                       # Everything
  nim-memory list --tier core           # Core memories only
  nim-memory list --min-importance 0.5  # Only what matters`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
			return listRecords(ctx, cmd, e)
		})
	},
}

func init() {
	listCmd.Flags().StringSliceVarP(&listTiers, "tier", "t", nil, "only these tiers")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 0, "maximum records to show (0 for all)")
	listCmd.Flags().Float64Var(&listMinImportance, "min-importance", 0, "minimum importance")
	listCmd.Flags().BoolVarP(&listVerbose, "verbose", "v", false, "show timestamps and relations")
}

func listRecords(ctx context.Context, cmd *cobra.Command, e *env) error {
	filter := memory.Filter{MinImportance: listMinImportance}
	for _, t := range listTiers {
		filter.Tiers = append(filter.Tiers, memory.Tier(t))
	}

	var recs []*memory.Record
	for rec, err := range e.store.Scan(ctx, filter) {
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, memory.CompareRecords)
	if listLimit > 0 && len(recs) > listLimit {
		recs = recs[:listLimit]
	}

	out := cmd.OutOrStdout()
	if len(recs) == 0 {
		fmt.Fprintln(out, "No memories found.")
		return nil
	}
	for _, rec := range recs {
		printRecord(cmd, rec, listVerbose)
	}
	return nil
}

func printRecord(cmd *cobra.Command, rec *memory.Record, verbose bool) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %-9s %.2f  %s\n", rec.ID, rec.Tier, rec.Importance, rec.Content)
	if !verbose {
		return
	}
	fmt.Fprintf(out, "   Created: %s  Accessed: %s (%d times)\n",
		rec.CreatedAt.Format(time.RFC3339), rec.LastAccessedAt.Format(time.RFC3339), rec.AccessCount)
	if rec.Source != "" {
		fmt.Fprintf(out, "   Source: %s\n", rec.Source)
	}
	for _, t := range rec.Relations {
		obj := t.Object
		if t.ObjectRef {
			obj = "@" + obj
		}
		fmt.Fprintf(out, "   %s: %s\n", t.Predicate, obj)
	}
}

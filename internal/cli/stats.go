package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-memory/memory"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record counts per tier",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
			return showStats(ctx, cmd, e)
		})
	},
}

type tierStats struct {
	count      int
	importance float64
	relations  int
}

func showStats(ctx context.Context, cmd *cobra.Command, e *env) error {
	byTier := map[memory.Tier]*tierStats{}
	total := 0
	for rec, err := range e.store.Scan(ctx, memory.Filter{}) {
		if err != nil {
			return err
		}
		st, ok := byTier[rec.Tier]
		if !ok {
			st = &tierStats{}
			byTier[rec.Tier] = st
		}
		st.count++
		st.importance += rec.Importance
		st.relations += len(rec.Relations)
		total++
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Memories: %d\n", total)
	if total == 0 {
		return nil
	}

	tiers := make([]memory.Tier, 0, len(byTier))
	for t := range byTier {
		tiers = append(tiers, t)
	}
	slices.Sort(tiers)
	for _, t := range tiers {
		st := byTier[t]
		fmt.Fprintf(out, "  %-10s %5d  avg importance %.2f  relations %d\n",
			t, st.count, st.importance/float64(st.count), st.relations)
	}
	return nil
}

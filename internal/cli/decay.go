package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-memory/memory"
)

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Run one decay cycle now",
	Long: `Age the importance of decaying tiers and evict records below the
threshold. Waits for any writer currently holding the store.

With --review the judge is asked before a semantic record is forgotten.
Requires ANTHROPIC_API_KEY.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		judge, err := reviewJudge()
		if err != nil {
			return err
		}
		return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
			m := e.manager(judge)
			defer m.Close()

			report, err := m.RunDecay(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scanned %d, decayed %d, evicted %d\n",
				report.Scanned, report.Decayed, report.Evicted)
			if rv := report.Review; rv.Reviewed > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Reviewed %d: kept %d, deleted %d, failed %d\n",
					rv.Reviewed, rv.Kept, rv.Deleted, rv.Failed)
			}
			return nil
		})
	},
}

var review bool

func init() {
	decayCmd.Flags().BoolVar(&review, "review", false, "ask the judge before evicting faded records")
	serveCmd.Flags().BoolVar(&review, "review", false, "ask the judge before evicting faded records")
}

// reviewJudge returns the judge when --review is set and nil otherwise.
func reviewJudge() (memory.Judge, error) {
	if !review {
		return nil, nil
	}
	j, err := newJudge()
	if err != nil {
		return nil, err
	}
	return j, nil
}

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-memory/memory"
)

var forgetCmd = &cobra.Command{
	Use:   "forget <id>...",
	Short: "Delete memories outright, core tier included",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
			m := e.manager(nil)
			defer m.Close()

			out := cmd.OutOrStdout()
			for _, id := range args {
				if _, err := e.store.Get(ctx, id); errors.Is(err, memory.ErrNotFound) {
					fmt.Fprintf(out, "%s: not found\n", id)
					continue
				} else if err != nil {
					return err
				}
				if err := m.Forget(ctx, id); err != nil {
					return fmt.Errorf("failed to forget %s: %w", id, err)
				}
				fmt.Fprintf(out, "%s: forgotten\n", id)
			}
			return nil
		})
	},
}

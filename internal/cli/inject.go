package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var injectActive []string

var injectCmd = &cobra.Command{
	Use:   "inject <query>",
	Short: "Preview the memory context injected for a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
			m := e.manager(nil)
			defer m.Close()

			inj, err := m.Context(ctx, query, injectActive)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if inj.Text == "" {
				fmt.Fprintln(out, "(no memories)")
				return nil
			}
			fmt.Fprint(out, inj.Text)
			return nil
		})
	},
}

func init() {
	injectCmd.Flags().StringSliceVar(&injectActive, "active", nil, "record ids already in context, for the relation boost")
}

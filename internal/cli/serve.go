package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the decay scheduler until interrupted",
	Long: `Run the decay scheduler against the store until SIGINT or SIGTERM.
Cycles are skipped while another writer holds the store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		judge, err := reviewJudge()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return withEnv(ctx, func(ctx context.Context, e *env) error {
			if !e.cfg.Decay.Enabled {
				return fmt.Errorf("decay is disabled in the configuration")
			}
			m := e.manager(judge)
			m.Start(ctx)
			e.log.Info("memory maintenance running", "interval", e.cfg.Decay.Interval)

			<-ctx.Done()
			e.log.Info("shutting down")
			return m.Close()
		})
	},
}

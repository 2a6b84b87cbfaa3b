package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/judge/claude"
)

var (
	turnUser      string
	turnAssistant string
	turnSession   string
	turnSource    string
	turnActive    []string
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Consolidate one conversation turn through the judge",
	Long: `Ask the judge which memories a conversation turn creates, updates,
boosts or deletes, and apply them as one batch.

Requires ANTHROPIC_API_KEY.

Examples:
  nim-memory consolidate --user "我叫小明" --assistant "你好，小明！"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if turnUser == "" && turnAssistant == "" {
			return goerr.New("--user or --assistant is required")
		}
		judge, err := newJudge()
		if err != nil {
			return err
		}
		return withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
			opts := e.options()
			if e.cfg.Review.Enabled {
				opts = append(opts, memory.WithReviewer(memory.NewReviewer(e.store, e.embedder, judge, e.cfg, opts...)))
			}
			c := memory.NewConsolidator(e.store, e.embedder, judge, e.cfg, opts...)
			report, err := c.Consolidate(ctx, core.Turn{
				SessionID: turnSession,
				User:      turnUser,
				Assistant: turnAssistant,
				Active:    turnActive,
				Source:    turnSource,
				At:        time.Now(),
			})
			if err != nil {
				return err
			}
			printBatch(cmd, report)
			return nil
		})
	},
}

func init() {
	f := consolidateCmd.Flags()
	f.StringVarP(&turnUser, "user", "u", "", "what the user said")
	f.StringVarP(&turnAssistant, "assistant", "a", "", "what the agent replied")
	f.StringVar(&turnSession, "session", "cli", "session id")
	f.StringVar(&turnSource, "source", core.SourceConversation, "provenance tag for new records")
	f.StringSliceVar(&turnActive, "active", nil, "record ids injected for this turn")

	viper.SetDefault("judge.model", claude.DefaultModel)
	viper.SetDefault("judge.max_tokens", 1024)
}

func newJudge() (*claude.Judge, error) {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil, goerr.New("ANTHROPIC_API_KEY is not set")
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if base := viper.GetString("judge.base_url"); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	client := anthropic.NewClient(opts...)
	return claude.New(&client, claude.Config{
		Model:     viper.GetString("judge.model"),
		MaxTokens: viper.GetInt64("judge.max_tokens"),
	}), nil
}

func printBatch(cmd *cobra.Command, r *memory.BatchReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Proposed %d operations (%d malformed dropped)\n", r.Proposed, r.Dropped)
	fmt.Fprintf(out, "  added %d  updated %d  merged %d  boosted %d\n", r.Added, r.Updated, r.Merged, r.Boosted)
	fmt.Fprintf(out, "  deleted %d  promoted %d  related %d  skipped %d\n", r.Deleted, r.Promoted, r.Related, r.Skipped)
	if rv := r.Review; rv.Reviewed > 0 {
		fmt.Fprintf(out, "  reviewed %d for core: promoted %d  kept %d  deleted %d  failed %d\n",
			rv.Reviewed, rv.Promoted, rv.Kept, rv.Deleted, rv.Failed)
	}
	for _, id := range r.Created {
		fmt.Fprintf(out, "  new: %s\n", id)
	}
}

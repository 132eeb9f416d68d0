package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ignite/battlescope/internal/domain"
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Enrichment queue commands",
}

var enrichStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show enrichment states and queue depths",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		counts, err := a.Enrichments.CountByStatus(cmd.Context())
		if err != nil {
			return err
		}
		stats, err := a.Queue().Stats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"enrichments": counts,
			"queue":       stats,
		})
	},
}

var enrichRequeueCmd = &cobra.Command{
	Use:   "requeue-failed",
	Short: "Reset failed enrichments to pending and enqueue them again",
	Long: `Failed enrichments are not retried automatically beyond the configured
max_attempts. This command resets up to --limit of them to pending, removes
them from the dead-letter list and enqueues them again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		ctx := cmd.Context()

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ids, err := a.Enrichments.IDsByStatus(ctx, domain.EnrichmentFailed, limit)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No failed enrichments")
			return nil
		}

		reset, err := a.Enrichments.ResetFailed(ctx, ids)
		if err != nil {
			return err
		}
		q := a.Queue()
		if err := q.ForgetDead(ctx, reset); err != nil {
			return err
		}
		enqueued := 0
		for _, id := range reset {
			added, err := q.Enqueue(ctx, id)
			if err != nil {
				// Rows already reset stay pending; the recovery sweep enqueues them.
				return fmt.Errorf("enqueued %d of %d: %w", enqueued, len(reset), err)
			}
			if added {
				enqueued++
			}
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Reset %d failed enrichments, enqueued %d\n", green("✓"), len(reset), enqueued)
		return nil
	},
}

func init() {
	enrichRequeueCmd.Flags().Int("limit", 1000, "maximum number of failures to requeue")
	enrichCmd.AddCommand(enrichStatusCmd, enrichRequeueCmd)
	rootCmd.AddCommand(enrichCmd)
}

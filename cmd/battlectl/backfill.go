package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Ingest historical killmails by date",
	Long: `Walk the killboard history for every UTC date from --from to --to
(inclusive) and run each killmail not yet stored through the ingestion path,
including the ruleset filter and enrichment enqueue.

Upstream requests are spaced by backfill.delay_ms (default 1000ms).

Examples:
  battlectl backfill --from 2026-05-01 --to 2026-05-07`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fromFlag, _ := cmd.Flags().GetString("from")
		toFlag, _ := cmd.Flags().GetString("to")
		if toFlag == "" {
			toFlag = fromFlag
		}
		from, err := parseDate(fromFlag)
		if err != nil {
			return err
		}
		to, err := parseDate(toFlag)
		if err != nil {
			return err
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		loop := a.IngestLoop(nil, a.RulesetCache(), a.Queue())
		stats, err := a.Backfiller(loop).Run(cmd.Context(), from, to)
		if err != nil {
			red := color.New(color.FgRed).SprintFunc()
			fmt.Printf("%s Backfill stopped after %d days\n", red("✗"), stats.Days)
			printJSON(stats)
			return err
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Backfilled %d days\n", green("✓"), stats.Days)
		return printJSON(stats)
	},
}

func init() {
	backfillCmd.Flags().String("from", "", "first date (YYYY-MM-DD)")
	backfillCmd.Flags().String("to", "", "last date (YYYY-MM-DD, default --from)")
	backfillCmd.MarkFlagRequired("from")
	rootCmd.AddCommand(backfillCmd)
}

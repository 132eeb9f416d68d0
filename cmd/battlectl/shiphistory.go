package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ignite/battlescope/internal/shiphistory"
)

var shipHistoryCmd = &cobra.Command{
	Use:   "shiphistory",
	Short: "Pilot ship history maintenance",
}

var shipHistoryResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Rebuild the pilot ship history table",
	Long: `Rebuild pilot ship history from stored killmails and their enrichment
payloads.

Modes:
  full         truncate the table and rebuild everything
  incremental  delete and rebuild rows from --from onwards

Examples:
  battlectl shiphistory reset --mode full
  battlectl shiphistory reset --mode incremental --from 2026-05-01`,
	RunE: func(cmd *cobra.Command, args []string) error {
		modeFlag, _ := cmd.Flags().GetString("mode")
		fromFlag, _ := cmd.Flags().GetString("from")
		batchSize, _ := cmd.Flags().GetInt("batch-size")

		opts, err := resetOptions(modeFlag, fromFlag, batchSize)
		if err != nil {
			return err
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		if batchSize == 0 {
			opts.BatchSize = a.Config.ShipHistory.BatchSize
		}
		opts.OnProgress = func(p shiphistory.Progress) {
			fmt.Printf("\r  %d / %d killmails (%.1f%%)", p.Processed, p.Total, p.Percentage)
		}

		res := a.ShipHistoryReset().Execute(cmd.Context(), opts)
		fmt.Println()
		if !res.Success {
			red := color.New(color.FgRed).SprintFunc()
			fmt.Printf("%s Rebuild aborted after %d killmails (%d rows created)\n", red("✗"), res.Processed, res.RecordsCreated)
			return res.Error
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Processed %d killmails, created %d rows in %s\n",
			green("✓"), res.Processed, res.RecordsCreated, res.Duration.Round(time.Millisecond))
		return nil
	},
}

// resetOptions validates the flag combination before any connection is made.
func resetOptions(modeFlag, fromFlag string, batchSize int) (shiphistory.Options, error) {
	mode, err := shiphistory.ParseMode(modeFlag)
	if err != nil {
		return shiphistory.Options{}, err
	}
	opts := shiphistory.Options{Mode: mode, BatchSize: batchSize}
	if fromFlag != "" {
		from, err := parseDate(fromFlag)
		if err != nil {
			return shiphistory.Options{}, err
		}
		opts.FromDate = &from
	}
	if mode == shiphistory.ModeIncremental && opts.FromDate == nil {
		return shiphistory.Options{}, shiphistory.ErrFromDateRequired
	}
	return opts, nil
}

func init() {
	shipHistoryResetCmd.Flags().String("mode", "full", "rebuild mode: full or incremental")
	shipHistoryResetCmd.Flags().String("from", "", "incremental start date (YYYY-MM-DD or RFC 3339)")
	shipHistoryResetCmd.Flags().Int("batch-size", 0, "killmails per batch (default from config)")

	shipHistoryCmd.AddCommand(shipHistoryResetCmd)
	rootCmd.AddCommand(shipHistoryCmd)
}

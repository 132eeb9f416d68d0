package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ignite/battlescope/internal/pkg/distlock"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Battle clustering commands",
}

var clusterRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one clustering pass now",
	Long: `Cluster every settled, unprocessed killmail into battles.

The pass takes the same distributed lock as the worker's scheduler, so it
fails fast instead of overlapping a scheduled run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.ClusteringJob()
		if err != nil {
			return err
		}
		summary, err := job.Run(cmd.Context())
		if errors.Is(err, distlock.ErrLockHeld) {
			return fmt.Errorf("another clustering run is in progress")
		}
		if err != nil {
			return err
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Clustered %d killmails into %d battles (%d ignored, %d still open) in %s\n",
			green("✓"), summary.Loaded, summary.Battles, summary.Ignored, summary.Deferred, summary.Duration.Round(time.Millisecond))
		return nil
	},
}

var battleCmd = &cobra.Command{
	Use:   "battle",
	Short: "Inspect battles",
}

var battleShowCmd = &cobra.Command{
	Use:   "show <battle-id>",
	Short: "Print one battle as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		b, err := a.Battles.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(b)
	},
}

func init() {
	clusterCmd.AddCommand(clusterRunCmd)
	battleCmd.AddCommand(battleShowCmd)
	rootCmd.AddCommand(clusterCmd, battleCmd)
}

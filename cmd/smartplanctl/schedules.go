package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var _rebuildOpts struct {
	date     string
	timezone string
}

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "Manage day schedules",
}

var schedulesRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Queue the re-evaluation of every enabled rule for a date",

	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		if _rebuildOpts.date == "" {
			if err := e.engine.QueueDailyRebuild(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "queued rebuild for today")
			return nil
		}
		if err := e.engine.HandleRebuild(cmd.Context(), _rebuildOpts.date, _rebuildOpts.timezone); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued evaluations for %s\n", _rebuildOpts.date)
		return nil
	},
}

var schedulesCompleteCmd = &cobra.Command{
	Use:   "complete",
	Short: "Mark the schedules of past days completed",

	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := e.engine.CompletePast(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "completed %d schedules\n", n)
		return nil
	},
}

func init() {
	schedulesRebuildCmd.Flags().StringVar(&_rebuildOpts.date, "date", "", "calendar date, YYYY-MM-DD (default today)")
	schedulesRebuildCmd.Flags().StringVar(&_rebuildOpts.timezone, "timezone", "", "only rules in this timezone")

	schedulesCmd.AddCommand(schedulesRebuildCmd, schedulesCompleteCmd)
	rootCmd.AddCommand(schedulesCmd)
}

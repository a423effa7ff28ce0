package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "Manage device commands",
}

var commandsExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Fail commands that waited too long for the mobile client",

	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := e.engine.ExpireStale(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "expired %d commands\n", n)
		return nil
	},
}

func init() {
	commandsCmd.AddCommand(commandsExpireCmd)
	rootCmd.AddCommand(commandsCmd)
}

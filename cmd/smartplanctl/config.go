package main

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"smartplan/internal/config"
	"smartplan/internal/db"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets redacted",

	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		b, err := json.MarshalIndent(redact(*cfg), "", "    ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",

	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		conn, err := db.NewDB(cmd.Context(), cfg.Database.URL)
		if err != nil {
			return err
		}
		defer conn.Close()
		return conn.Migrate(cmd.Context(), zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}))
	},
}

func init() {
	rootCmd.AddCommand(configCmd, migrateCmd)
}

func redact(cfg config.Config) config.Config {
	if cfg.JWT.Secret != "" {
		cfg.JWT.Secret = "REDACTED"
	}
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		cfg.Database.URL = u.Redacted()
	}
	return cfg
}

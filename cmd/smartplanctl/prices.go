package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"smartplan/internal/models"
)

var _pricesImportOpts struct {
	date     string
	timezone string
	file     string
	source   string
}

var pricesCmd = &cobra.Command{
	Use:   "prices",
	Short: "Manage day price tables",
}

var pricesImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Store a day's hourly prices and queue the schedule rebuild",

	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(_pricesImportOpts.file)
		if err != nil {
			return err
		}
		prices, err := decodePrices(raw)
		if err != nil {
			return err
		}

		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		tz := _pricesImportOpts.timezone
		if tz == "" {
			tz = e.cfg.Scheduler.Timezone
		}
		stored, err := e.engine.PutPrices(cmd.Context(), models.DayPrice{
			Date:     _pricesImportOpts.date,
			Timezone: tz,
			Prices:   prices,
			Source:   _pricesImportOpts.source,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stored %d prices for %s (%s)\n", len(stored.Prices), stored.Date, stored.Timezone)
		return nil
	},
}

func init() {
	pricesImportCmd.Flags().StringVar(&_pricesImportOpts.date, "date", "", "calendar date, YYYY-MM-DD")
	pricesImportCmd.Flags().StringVar(&_pricesImportOpts.timezone, "timezone", "", "IANA timezone of the table (default scheduler.timezone)")
	pricesImportCmd.Flags().StringVar(&_pricesImportOpts.file, "file", "-", "JSON file with the prices, - for stdin")
	pricesImportCmd.Flags().StringVar(&_pricesImportOpts.source, "source", "import", "origin recorded with the table")
	errPanic(pricesImportCmd.MarkFlagRequired("date"))

	pricesCmd.AddCommand(pricesImportCmd)
	rootCmd.AddCommand(pricesCmd)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// decodePrices accepts either a bare array or an object with a prices field.
func decodePrices(raw []byte) ([]float64, error) {
	var prices []float64
	if err := json.Unmarshal(raw, &prices); err == nil {
		return prices, nil
	}
	var doc struct {
		Prices []float64 `json:"prices"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: prices must be a JSON array or {\"prices\": [...]}", models.ErrValidation)
	}
	return doc.Prices, nil
}

func errPanic(err error) {
	if err != nil {
		panic(err)
	}
}

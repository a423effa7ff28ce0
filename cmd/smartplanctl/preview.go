package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"smartplan/internal/models"
	"smartplan/internal/optimizer"
	"smartplan/internal/prices"
)

var _previewOpts struct {
	date     string
	timezone string
	file     string
	ruleType string
	params   string
}

// previewCmd runs the optimizer offline, without a database, to try rule
// parameters against a price file.
var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Compute a schedule for a rule against a local price file",

	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(_previewOpts.file)
		if err != nil {
			return err
		}
		dayPrices, err := decodePrices(raw)
		if err != nil {
			return err
		}
		res, err := preview(dayPrices, _previewOpts.date, _previewOpts.timezone, models.RuleType(_previewOpts.ruleType), json.RawMessage(_previewOpts.params))
		if err != nil {
			return err
		}
		b, err := json.MarshalIndent(res, "", "    ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return nil
	},
}

func init() {
	previewCmd.Flags().StringVar(&_previewOpts.date, "date", "", "calendar date, YYYY-MM-DD")
	previewCmd.Flags().StringVar(&_previewOpts.timezone, "timezone", "UTC", "IANA timezone of the prices")
	previewCmd.Flags().StringVar(&_previewOpts.file, "file", "-", "JSON file with the prices, - for stdin")
	previewCmd.Flags().StringVar(&_previewOpts.ruleType, "rule-type", string(models.RuleMinHoursCheapest), "rule type")
	previewCmd.Flags().StringVar(&_previewOpts.params, "params", "", "rule parameters as JSON")
	errPanic(previewCmd.MarkFlagRequired("date"))
	errPanic(previewCmd.MarkFlagRequired("params"))

	schedulesCmd.AddCommand(previewCmd)
}

func preview(dayPrices []float64, date, timezone string, ruleType models.RuleType, rawParams json.RawMessage) (optimizer.Result, error) {
	table := models.DayPrice{Date: date, Timezone: timezone, Prices: dayPrices}
	if err := prices.ValidateTable(table); err != nil {
		return optimizer.Result{}, err
	}
	params, err := models.ParseRuleParams(ruleType, rawParams)
	if err != nil {
		return optimizer.Result{}, err
	}
	loc, err := models.LoadLocation(timezone)
	if err != nil {
		return optimizer.Result{}, err
	}
	day, err := optimizer.NewDay(date, loc)
	if err != nil {
		return optimizer.Result{}, err
	}
	return optimizer.Compute(dayPrices, params, optimizer.Options{Day: day})
}

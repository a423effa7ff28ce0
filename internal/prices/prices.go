// Package prices validates per-day hourly electricity price tables.
package prices

import (
	"fmt"
	"math"
	"time"

	"smartplan/internal/models"
)

// Validate checks that values can be a day's price table: 23, 24 or 25 finite prices.
func Validate(values []float64) error {
	switch len(values) {
	case 23, 24, 25:
	default:
		return fmt.Errorf("%w: expected 23, 24 or 25 hourly prices, got %d", models.ErrInvalidPrices, len(values))
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: price at hour %d is not a finite number", models.ErrInvalidPrices, i)
		}
	}
	return nil
}

// Midnight returns the start of the local calendar day.
func Midnight(date string, loc *time.Location) (time.Time, error) {
	d, err := models.ParseDate(date)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc), nil
}

// ExpectedHours is the number of hours in the local calendar day: 23 or 25 on clock changes.
func ExpectedHours(date string, loc *time.Location) (int, error) {
	start, err := Midnight(date, loc)
	if err != nil {
		return 0, err
	}
	end := time.Date(start.Year(), start.Month(), start.Day()+1, 0, 0, 0, 0, loc)
	return int(end.Sub(start) / time.Hour), nil
}

// ValidateTable checks a complete price table, including that its length matches the day.
func ValidateTable(p models.DayPrice) error {
	if err := Validate(p.Prices); err != nil {
		return err
	}
	loc, err := models.LoadLocation(p.Timezone)
	if err != nil {
		return err
	}
	hours, err := ExpectedHours(p.Date, loc)
	if err != nil {
		return err
	}
	if hours != len(p.Prices) {
		return fmt.Errorf("%w: %s in %s has %d hours, got %d prices",
			models.ErrInvalidPrices, p.Date, p.Timezone, hours, len(p.Prices))
	}
	return nil
}

// Package cronx wraps robfig/cron/v3's expression parser so the scheduler
// accepts both standard 5-field and seconds-resolution 6-field cron
// expressions (spec §4.4, "standard 5-field or 6-field (seconds)").
package cronx

import (
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Next parses expr and returns the first occurrence strictly after after.
func Next(expr string, after time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Validate reports whether expr is a well-formed cron expression.
func Validate(expr string) error {
	_, err := parser.Parse(expr)
	return err
}

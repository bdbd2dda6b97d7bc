package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned when a time trigger cannot be parsed.
var ErrInvalidSchedule = errors.New("invalid schedule configuration")

// cronParser accepts the standard 5-field format (minute hour day month weekday)
// plus descriptors such as @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Location resolves the trigger timezone, defaulting to UTC.
func (t *TimeTrigger) Location() (*time.Location, error) {
	if t.Timezone == "" {
		return time.UTC, nil
	}

	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidSchedule, t.Timezone)
	}

	return loc, nil
}

// Spec returns the cron expression prefixed with the timezone, in the form robfig/cron
// understands when registering jobs.
func (t *TimeTrigger) Spec() string {
	if t.Timezone == "" {
		return t.Cron
	}

	return "CRON_TZ=" + t.Timezone + " " + t.Cron
}

// Validate checks the cron expression and timezone.
func (t *TimeTrigger) Validate() error {
	if t.Cron == "" {
		return ErrInvalidSchedule
	}

	if _, err := t.Location(); err != nil {
		return err
	}

	if _, err := cronParser.Parse(t.Cron); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	return nil
}

// NextFire calculates the next firing strictly after referenceTime, in the trigger timezone.
func (t *TimeTrigger) NextFire(referenceTime time.Time) (time.Time, error) {
	loc, err := t.Location()
	if err != nil {
		return time.Time{}, err
	}

	schedule, err := cronParser.Parse(t.Cron)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	return schedule.Next(referenceTime.In(loc)), nil
}

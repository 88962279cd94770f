package calendar

import (
	"context"
	"fmt"
	"time"

	cairn "github.com/go-cairn/cairn"
)

const schema = `{
	"type": "object",
	"properties": {
		"date": {
			"type": "string",
			"description": "Date to describe in YYYY-MM-DD form. Omit for today."
		}
	}
}`

type settings struct {
	now func() time.Time
}

type Option func(*settings)

// WithNow overrides the clock. Tests use this to pin the date.
func WithNow(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// New returns the calendar tool. It answers date questions: today's date,
// the weekday of a given date, ISO week and day-of-year numbers.
func New(opts ...Option) cairn.Tool {
	s := settings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return cairn.Tool{
		Name:        "calendar",
		Description: "Look up today's date or describe a specific date: weekday, ISO week, day of year.",
		Schema:      schema,
		Execute: func(_ context.Context, params map[string]any) (string, error) {
			raw, _ := params["date"].(string)
			if raw == "" {
				return describeToday(s.now()), nil
			}
			day, err := time.Parse("2006-01-02", raw)
			if err != nil {
				return "", &cairn.Error{Kind: cairn.KindTool, Message: fmt.Sprintf("calendar: bad date %q, want YYYY-MM-DD", raw)}
			}
			return describeDate(day), nil
		},
		Fallback: func(map[string]any, error) string {
			return "The calendar is unavailable right now, so this date could not be looked up."
		},
	}
}

func describeToday(now time.Time) string {
	_, week := now.ISOWeek()
	return fmt.Sprintf("Today is %s (ISO week %d, day %d of %d).",
		now.Format("Monday, 2 January 2006"), week, now.YearDay(), daysInYear(now))
}

func describeDate(day time.Time) string {
	_, week := day.ISOWeek()
	return fmt.Sprintf("%s is a %s (ISO week %d, day %d of %d).",
		day.Format("2006-01-02"), day.Format("Monday"), week, day.YearDay(), daysInYear(day))
}

func daysInYear(t time.Time) int {
	return time.Date(t.Year(), 12, 31, 0, 0, 0, 0, t.Location()).YearDay()
}

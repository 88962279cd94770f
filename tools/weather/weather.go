package weather

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	cairn "github.com/go-cairn/cairn"
)

const schema = `{
	"type": "object",
	"properties": {
		"location": {
			"type": "string",
			"description": "City or place to report the weather for"
		}
	},
	"required": ["location"]
}`

var conditions = []string{
	"clear skies",
	"partly cloudy",
	"overcast",
	"light rain",
	"scattered showers",
	"thunderstorms",
	"light snow",
	"foggy",
}

type settings struct {
	now func() time.Time
}

type Option func(*settings)

// WithNow overrides the clock. Tests use this to pin the forecast date.
func WithNow(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// New returns the weather tool. Reports are synthetic: derived from a hash
// of the location and date, so repeated calls on the same day agree and
// the tool needs no upstream service.
func New(opts ...Option) cairn.Tool {
	s := settings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return cairn.Tool{
		Name:        "weather",
		Description: "Report current weather conditions for a location: condition, temperature, humidity, wind.",
		Schema:      schema,
		Execute: func(_ context.Context, params map[string]any) (string, error) {
			location, _ := params["location"].(string)
			location = strings.TrimSpace(location)
			if location == "" {
				return "", &cairn.Error{Kind: cairn.KindTool, Message: "weather: missing location"}
			}
			return report(location, s.now()), nil
		},
		Fallback: func(params map[string]any, _ error) string {
			location, _ := params["location"].(string)
			if location == "" {
				location = "that location"
			}
			return fmt.Sprintf("The weather service is unavailable right now, so conditions for %s could not be retrieved.", location)
		},
	}
}

func report(location string, now time.Time) string {
	h := seed(location, now)
	condition := conditions[h%uint64(len(conditions))]
	tempC := 8 + int((h>>3)%25)       // 8..32
	humidity := 40 + int((h>>8)%50)   // 40..89
	windKmh := 4 + int((h>>16)%28)    // 4..31
	return fmt.Sprintf("Weather for %s: %s, %d°C, humidity %d%%, wind %d km/h.",
		location, condition, tempC, humidity, windKmh)
}

func seed(location string, now time.Time) uint64 {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(location)))
	h.Write([]byte(now.Format("2006-01-02")))
	return h.Sum64()
}

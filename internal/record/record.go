// Package record renders log events into the JSON lines the collector
// ingests.
package record

import (
	"encoding/json"
	"strings"
	"time"
)

// TimestampLayout is millisecond precision with a numeric zone, always UTC.
const TimestampLayout = "2006-01-02T15:04:05.000-0700"

// Event is one log statement before rendering.
type Event struct {
	Time    time.Time
	Level   string
	Message string
	Logger  string
	Thread  string
}

type wire struct {
	Timestamp string `json:"@timestamp"`
	Level     string `json:"loglevel"`
	Message   string `json:"message"`
	Logger    string `json:"logger"`
	Thread    string `json:"thread"`
}

// Format renders e as a single JSON object terminated by a newline. Fields are
// properly escaped, so a multi-line message still yields one line.
func Format(e Event) []byte {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.Level == "" {
		e.Level = "INFO"
	}
	b, err := json.Marshal(wire{
		Timestamp: e.Time.UTC().Format(TimestampLayout),
		Level:     strings.ToUpper(e.Level),
		Message:   e.Message,
		Logger:    e.Logger,
		Thread:    e.Thread,
	})
	if err != nil {
		// Only strings are marshalled, so this cannot happen.
		panic(err)
	}
	return append(b, '\n')
}

// FromLine wraps a raw text line as an INFO event stamped now.
func FromLine(line, logger, thread string) Event {
	return Event{
		Time:    time.Now(),
		Level:   "INFO",
		Message: strings.TrimRight(line, "\r\n"),
		Logger:  logger,
		Thread:  thread,
	}
}

// Package report defines the status sink the shipping pipeline writes its
// diagnostics to.
package report

import (
	"strings"

	"github.com/austindbirch/logship/internal/logging"
)

// Reporter receives pipeline diagnostics. Implementations must not block the
// caller for long and must never panic.
type Reporter interface {
	Info(msg string, err error)
	Warning(msg string, err error)
	Error(msg string, err error)
}

// LogReporter writes diagnostics through the structured logger.
type LogReporter struct {
	log *logging.Logger
}

// NewLogReporter returns a Reporter backed by l.
func NewLogReporter(l *logging.Logger) *LogReporter {
	return &LogReporter{log: l}
}

func (r *LogReporter) Info(msg string, err error) {
	entry := r.log.Plain().WithError(err)
	if strings.HasPrefix(msg, debugPrefix) {
		entry.Debug(strings.TrimPrefix(msg, debugPrefix))
		return
	}
	entry.Info(msg)
}

func (r *LogReporter) Warning(msg string, err error) {
	r.log.Plain().WithError(err).Warn(msg)
}

func (r *LogReporter) Error(msg string, err error) {
	r.log.Plain().WithError(err).Error(msg)
}

const debugPrefix = "DEBUG: "

// Debugger emits "DEBUG: "-prefixed info messages when enabled and nothing
// otherwise.
type Debugger struct {
	R       Reporter
	Enabled bool
}

func (d Debugger) Debug(msg string) {
	if d.Enabled {
		d.R.Info(debugPrefix+msg, nil)
	}
}

func (d Debugger) DebugErr(msg string, err error) {
	if d.Enabled {
		d.R.Info(debugPrefix+msg, err)
	}
}

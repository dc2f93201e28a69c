package queue

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v3"

	"github.com/austindbirch/logship/internal/logging"
)

// badgerLogger routes badger's internal diagnostics into the structured log.
// Badger is chatty at info level, so info and debug both land at debug.
type badgerLogger struct {
	log *logging.Logger
}

func newBadgerLogger(l *logging.Logger) badger.Logger {
	if l == nil {
		return nil
	}
	return &badgerLogger{log: l}
}

func (b *badgerLogger) Errorf(format string, args ...interface{}) {
	b.log.Plain().WithField("component", "badger").Error(trim(format, args))
}

func (b *badgerLogger) Warningf(format string, args ...interface{}) {
	b.log.Plain().WithField("component", "badger").Warn(trim(format, args))
}

func (b *badgerLogger) Infof(format string, args ...interface{}) {
	b.log.Plain().WithField("component", "badger").Debug(trim(format, args))
}

func (b *badgerLogger) Debugf(format string, args ...interface{}) {
	b.log.Plain().WithField("component", "badger").Debug(trim(format, args))
}

func trim(format string, args []interface{}) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}

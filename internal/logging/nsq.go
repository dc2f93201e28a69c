package logging

import "strings"

// NSQLogger satisfies go-nsq's SetLogger contract. nsq prefixes every line
// with a three letter level which is mapped onto ours; INF lands at debug
// because nsq logs every connection event at that level.
type NSQLogger struct {
	log       *Logger
	component string
}

// NSQ returns an adapter tagging lines with component.
func (l *Logger) NSQ(component string) NSQLogger {
	return NSQLogger{log: l, component: component}
}

func (n NSQLogger) Output(_ int, s string) error {
	level, msg := LevelDebug, strings.TrimSpace(s)
	if len(msg) >= 3 {
		switch msg[:3] {
		case "WRN":
			level = LevelWarn
		case "ERR":
			level = LevelError
		}
		msg = strings.TrimSpace(msg[3:])
	}

	e := n.log.Plain().WithField("component", n.component)
	switch level {
	case LevelWarn:
		e.Warn(msg)
	case LevelError:
		e.Error(msg)
	default:
		e.Debug(msg)
	}
	return nil
}

// Package source feeds records into the shipper.
package source

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/austindbirch/logship/internal/record"
)

// Sink admits one record and reports whether it was kept.
type Sink func(record []byte) bool

// MaxLineBytes bounds a single input line.
const MaxLineBytes = 16 * 1024 * 1024

// LineOptions configures ReadLines.
type LineOptions struct {
	// Wrap renders every line as a JSON event instead of shipping it raw.
	Wrap   bool
	Logger string
	Thread string
}

// ReadLines ships every non-empty line of r until EOF or ctx is done. It
// returns the number of lines read and how many of them the sink dropped.
func ReadLines(ctx context.Context, r io.Reader, sink Sink, opts LineOptions) (read, dropped int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)

	for sc.Scan() {
		if ctx.Err() != nil {
			return read, dropped, ctx.Err()
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		read++

		var rec []byte
		if opts.Wrap {
			rec = record.Format(record.FromLine(string(line), opts.Logger, opts.Thread))
		} else {
			rec = append(append(make([]byte, 0, len(line)+1), line...), '\n')
		}
		if !sink(rec) {
			dropped++
		}
	}
	if err := sc.Err(); err != nil {
		return read, dropped, fmt.Errorf("read lines: %w", err)
	}
	return read, dropped, nil
}

package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/logship/internal/report"
	"github.com/austindbirch/logship/internal/shipper"
)

// Sink stores dead letters.
type Sink interface {
	Put(ctx context.Context, e Envelope) error
	Close()
}

// Multi writes every envelope to all of its sinks.
type Multi []Sink

func (m Multi) Put(ctx context.Context, e Envelope) error {
	var errs []error
	for _, s := range m {
		if err := s.Put(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() {
	for _, s := range m {
		s.Close()
	}
}

const putTimeout = 5 * time.Second

// Handler returns a drop handler that files every refused batch into sink.
// Failures are reported and never reach the drain loop.
func Handler(sink Sink, r report.Reporter) shipper.DropHandler {
	return func(ctx context.Context, b shipper.Batch, res shipper.Result) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), putTimeout)
		defer cancel()

		if err := sink.Put(ctx, NewEnvelope(ctx, b, res)); err != nil {
			r.Error(fmt.Sprintf("Could not store dead letter for batch %s (%d records)", b.ID, b.Len()), err)
		}
	}
}

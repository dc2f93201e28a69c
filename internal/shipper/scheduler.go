package shipper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/logship/internal/metrics"
	"github.com/austindbirch/logship/internal/queue"
	"github.com/austindbirch/logship/internal/report"
	"github.com/austindbirch/logship/internal/tracing"
)

// Deliverer sends one batch. *Client implements it.
type Deliverer interface {
	Send(ctx context.Context, b Batch) (Result, error)
}

// DrainState is how a drain trigger ended.
type DrainState string

const (
	// DrainEmpty means the queue was emptied.
	DrainEmpty DrainState = "empty"
	// DrainRefused means a batch exhausted its retries and was put back.
	DrainRefused DrainState = "refused"
	// DrainInterrupted means shutdown cut a backoff sleep short.
	DrainInterrupted DrainState = "interrupted"
	// DrainFailed means an unexpected error or panic ended the trigger.
	DrainFailed DrainState = "failed"
)

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Interval        time.Duration
	ShutdownTimeout time.Duration
	MaxBatchBytes   int
	Reporter        report.Reporter
	Debug           bool
	// AfterEmpty runs at the end of every drain that emptied the queue.
	AfterEmpty func()
}

// Scheduler drains the queue on a fixed-delay timer. At most one drain runs
// at a time.
type Scheduler struct {
	queue     queue.Queue
	assembler *Assembler
	client    Deliverer
	reporter  report.Reporter
	debug     report.Debugger
	opts      SchedulerOptions

	drainMu sync.Mutex

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	stopped bool
}

// NewScheduler returns a scheduler that has not been started.
func NewScheduler(q queue.Queue, client Deliverer, opts SchedulerOptions) *Scheduler {
	return &Scheduler{
		queue:     q,
		assembler: NewAssembler(q, opts.MaxBatchBytes),
		client:    client,
		reporter:  opts.Reporter,
		debug:     report.Debugger{R: opts.Reporter, Enabled: opts.Debug},
		opts:      opts,
	}
}

// Start launches the timer loop. The first trigger fires immediately and the
// next one fires Interval after the previous one finished.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("scheduler already stopped")
	}
	if s.done != nil {
		return errors.New("scheduler already started")
	}

	// The loop stops taking triggers when stop closes; ctx is only cancelled
	// once the shutdown wait runs out.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(runCtx, s.stop, s.done)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.Trigger(ctx)
		timer.Reset(s.opts.Interval)
	}
}

// Running reports whether the timer loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil && !s.stopped
}

// Stop halts the timer, waits up to ShutdownTimeout for an in-flight trigger,
// interrupts it if it is still running, then runs one final drain under ctx.
// Stop is safe to call more than once; later calls only drain.
func (s *Scheduler) Stop(ctx context.Context) DrainState {
	s.mu.Lock()
	first := !s.stopped
	s.stopped = true
	stop, done, cancel := s.stop, s.done, s.cancel
	s.mu.Unlock()

	if first && done != nil {
		close(stop)
		timer := time.NewTimer(s.opts.ShutdownTimeout)
		select {
		case <-done:
		case <-timer.C:
			s.reporter.Warning(fmt.Sprintf("Drain still running after %s, interrupting it", s.opts.ShutdownTimeout), nil)
		}
		timer.Stop()
		cancel()
	}

	state := s.Trigger(ctx)
	if done != nil {
		<-done
	}
	return state
}

// Trigger runs one drain. Nothing escapes it: errors and panics are reported
// and turned into DrainFailed.
func (s *Scheduler) Trigger(ctx context.Context) (state DrainState) {
	defer func() {
		if r := recover(); r != nil {
			s.reporter.Error("Uncaught error from log shipper", fmt.Errorf("panic: %v", r))
			state = DrainFailed
		}
	}()

	state, err := s.drain(ctx)
	if err != nil {
		s.reporter.Error("Uncaught error from log shipper", err)
	}
	return state
}

func (s *Scheduler) drain(ctx context.Context) (DrainState, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	defer func() { metrics.SetQueueDepth(s.queue.Len()) }()

	ctx, span := tracing.StartSpan(ctx, "shipper.drain", attribute.Int("queue.depth", s.queue.Len()))
	defer span.End()

	for !s.queue.IsEmpty() {
		batch, err := s.assembler.Pull()
		if err != nil {
			s.requeue(batch)
			tracing.SetSpanError(ctx, err)
			return DrainFailed, fmt.Errorf("assemble batch: %w", err)
		}
		if batch.Len() == 0 {
			break
		}

		res, err := s.send(ctx, batch)
		var exhausted *ExhaustedError
		switch {
		case err == nil:
			metrics.RecordBatch(string(res.Outcome), batch.Bytes)
		case errors.As(err, &exhausted):
			s.debug.DebugErr("Could not send log to listener", err)
			s.debug.Debug("Will retry in the next interval")
			metrics.RecordBatch(string(OutcomeExhausted), batch.Bytes)
			s.requeue(batch)
			return DrainRefused, nil
		case errors.Is(err, ErrInterrupted):
			metrics.RecordBatch(string(OutcomeInterrupted), batch.Bytes)
			s.requeue(batch)
			return DrainInterrupted, nil
		default:
			s.requeue(batch)
			tracing.SetSpanError(ctx, err)
			return DrainFailed, fmt.Errorf("send batch %s: %w", batch.ID, err)
		}
	}

	if s.opts.AfterEmpty != nil {
		s.opts.AfterEmpty()
	}
	return DrainEmpty, nil
}

// send hands b to the client, converting a panic into an error so that the
// batch is put back instead of lost.
func (s *Scheduler) send(ctx context.Context, b Batch) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during delivery: %v", r)
		}
	}()
	return s.client.Send(ctx, b)
}

// requeue appends the batch's records back at the tail, one by one.
func (s *Scheduler) requeue(b Batch) {
	for _, rec := range b.Records {
		if err := s.queue.Append(rec); err != nil {
			s.reporter.Error("Could not requeue record, dropping it", err)
			metrics.RecordDropped("queue_error", 1)
		}
	}
}

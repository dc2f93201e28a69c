// Package shipper moves records from a durable local queue to the collector.
//
// Producers call Send, which only checks disk headroom and appends to the
// queue. A single scheduler goroutine drains the queue in size-bounded
// batches and hands them to the delivery client. Batches the collector cannot
// take right now go back to the queue tail and wait for the next interval.
package shipper

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/austindbirch/logship/internal/config"
	"github.com/austindbirch/logship/internal/diskguard"
	"github.com/austindbirch/logship/internal/logging"
	"github.com/austindbirch/logship/internal/metrics"
	"github.com/austindbirch/logship/internal/queue"
	"github.com/austindbirch/logship/internal/report"
)

// Deps carries the collaborators a Shipper can be given instead of building
// its own.
type Deps struct {
	// Queue overrides the badger queue normally opened at BufferDir.
	Queue queue.Queue
	// Reporter defaults to a LogReporter on Logger.
	Reporter report.Reporter
	// Logger defaults to logging.New("logship").
	Logger *logging.Logger
	// OnDrop receives batches the collector rejected with 400 or 401.
	OnDrop DropHandler
	// Deliverer overrides the HTTP client. Used by tests.
	Deliverer Deliverer
}

// Shipper wires the guard, queue, scheduler and client together.
type Shipper struct {
	cfg       config.Shipper
	queue     queue.Queue
	ownQueue  *queue.DiskQueue
	guard     *diskguard.Guard
	client    *Client
	scheduler *Scheduler
	reporter  report.Reporter
	debug     report.Debugger
}

// New builds a Shipper from cfg. It opens the queue at cfg.BufferDir unless
// deps supplies one.
func New(cfg config.Shipper, deps Deps) (*Shipper, error) {
	if deps.Logger == nil {
		deps.Logger = logging.New("logship")
	}
	if deps.Reporter == nil {
		deps.Reporter = report.NewLogReporter(deps.Logger)
	}

	s := &Shipper{
		cfg:      cfg,
		reporter: deps.Reporter,
		debug:    report.Debugger{R: deps.Reporter, Enabled: cfg.Debug},
		guard:    diskguard.New(cfg.BufferDir, cfg.FSPercentThreshold, deps.Reporter),
	}

	deliverer := deps.Deliverer
	if deliverer == nil {
		client, err := NewClient(ClientOptions{
			URL:            cfg.URL,
			Token:          cfg.Token,
			Type:           cfg.Type,
			ConnectTimeout: cfg.ConnectTimeout,
			SocketTimeout:  cfg.SocketTimeout,
			Reporter:       deps.Reporter,
			Debug:          cfg.Debug,
			OnDrop:         deps.OnDrop,
		})
		if err != nil {
			return nil, err
		}
		s.client = client
		deliverer = client
	}

	s.queue = deps.Queue
	if s.queue == nil {
		q, err := queue.Open(queue.Options{Dir: cfg.BufferDir, Logger: deps.Logger})
		if err != nil {
			return nil, fmt.Errorf("open buffer: %w", err)
		}
		s.ownQueue = q
		s.queue = q
	}
	metrics.SetQueueDepth(s.queue.Len())

	var afterEmpty func()
	if s.ownQueue != nil {
		afterEmpty = s.ownQueue.Compact
	}
	s.scheduler = NewScheduler(s.queue, deliverer, SchedulerOptions{
		Interval:        cfg.DrainInterval,
		ShutdownTimeout: cfg.ShutdownTimeout,
		MaxBatchBytes:   MaxBatchBytes,
		Reporter:        deps.Reporter,
		Debug:           cfg.Debug,
		AfterEmpty:      afterEmpty,
	})
	return s, nil
}

// Send admits one record. It never blocks on the network and never returns a
// delivery error; false means the record was dropped here.
func (s *Shipper) Send(record []byte) bool {
	if !s.guard.ShouldAccept() {
		metrics.RecordDropped("disk_full", 1)
		return false
	}
	if err := s.queue.Append(record); err != nil {
		s.reporter.Error(fmt.Sprintf("Could not enqueue a %s record", humanize.IBytes(uint64(len(record)))), err)
		metrics.RecordDropped("queue_error", 1)
		return false
	}
	metrics.RecordEnqueued()
	return true
}

// Start begins draining in the background.
func (s *Shipper) Start(ctx context.Context) error {
	s.debug.Debug(fmt.Sprintf("Starting log shipper, draining every %s to %s", s.cfg.DrainInterval, s.cfg.URL))
	return s.scheduler.Start(ctx)
}

// Drain runs one synchronous drain. It is what the timer runs and may be
// used without Start.
func (s *Shipper) Drain(ctx context.Context) DrainState {
	return s.scheduler.Trigger(ctx)
}

// Stop halts the scheduler, flushes what it can under ctx and releases the
// client and the queue if the Shipper opened it.
func (s *Shipper) Stop(ctx context.Context) error {
	state := s.scheduler.Stop(ctx)
	s.debug.Debug(fmt.Sprintf("Final drain finished: %s, %d records left", state, s.queue.Len()))
	return s.Close()
}

// Close releases the client and the queue without draining. Records still
// buffered stay on disk for the next run.
func (s *Shipper) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	if s.ownQueue != nil {
		if err := s.ownQueue.Close(); err != nil {
			return fmt.Errorf("close buffer: %w", err)
		}
	}
	return nil
}

// Running reports whether the drain timer is active.
func (s *Shipper) Running() bool {
	return s.scheduler.Running()
}

// QueueLen returns the number of buffered records.
func (s *Shipper) QueueLen() int {
	return s.queue.Len()
}

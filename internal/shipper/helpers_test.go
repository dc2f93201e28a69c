package shipper

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/logship/internal/queue"
)

// memQueue is an in-memory queue.Queue.
type memQueue struct {
	mu      sync.Mutex
	records [][]byte
	popErr  error
}

func newMemQueue(records ...string) *memQueue {
	q := &memQueue{}
	for _, r := range records {
		q.records = append(q.records, []byte(r))
	}
	return q
}

func (q *memQueue) Append(record []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, bytes.Clone(record))
	return nil
}

func (q *memQueue) PopFront() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.popErr != nil {
		return nil, q.popErr
	}
	if len(q.records) == 0 {
		return nil, queue.ErrEmpty
	}
	r := q.records[0]
	q.records = q.records[1:]
	return r, nil
}

func (q *memQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records) == 0
}

func (q *memQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

func (q *memQueue) contents() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.records))
	for i, r := range q.records {
		out[i] = string(r)
	}
	return out
}

type call struct {
	level string
	msg   string
	err   error
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) add(level, msg string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{level, msg, err})
}

func (r *recorder) Info(msg string, err error)    { r.add("info", msg, err) }
func (r *recorder) Warning(msg string, err error) { r.add("warning", msg, err) }
func (r *recorder) Error(msg string, err error)   { r.add("error", msg, err) }

func (r *recorder) find(level, substr string) (call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.level == level && strings.Contains(c.msg, substr) {
			return c, true
		}
	}
	return call{}, false
}

func (r *recorder) count(level string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.level == level {
			n++
		}
	}
	return n
}

// fakeDeliverer records every batch and answers with respond.
type fakeDeliverer struct {
	mu      sync.Mutex
	batches [][]string
	respond func(ctx context.Context, call int, b Batch) (Result, error)
}

func (f *fakeDeliverer) Send(ctx context.Context, b Batch) (Result, error) {
	f.mu.Lock()
	recs := make([]string, len(b.Records))
	for i, r := range b.Records {
		recs[i] = string(r)
	}
	f.batches = append(f.batches, recs)
	n := len(f.batches)
	f.mu.Unlock()

	if f.respond == nil {
		return Result{BatchID: b.ID, Outcome: OutcomeDelivered, Attempts: 1, StatusCode: 200}, nil
	}
	return f.respond(ctx, n, b)
}

func (f *fakeDeliverer) sent() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.batches...)
}

func exhaustedResult(b Batch) (Result, error) {
	res := Result{BatchID: b.ID, Outcome: OutcomeExhausted, Attempts: MaxAttempts, StatusCode: 500, Message: "Internal Server Error"}
	return res, &ExhaustedError{Attempts: MaxAttempts, StatusCode: 500, Message: "Internal Server Error"}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

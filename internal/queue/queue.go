// Package queue implements the durable FIFO record buffer that sits between
// producers and the drain loop.
//
// Records are stored in an embedded badger database keyed by a monotonically
// increasing big-endian sequence number, so key order is insertion order. Every
// Append is committed with synchronous writes before it returns, which makes
// the queue survive process restarts. Head and tail sequence numbers live in
// memory and are recovered from the key range when the queue is opened.
package queue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v3"

	"github.com/austindbirch/logship/internal/logging"
)

// ErrEmpty is returned by PopFront when there is nothing to pop.
var ErrEmpty = errors.New("queue: empty")

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue: closed")

// keyPrefix namespaces record keys so that future metadata keys cannot
// interleave with the record range.
var keyPrefix = []byte("r/")

// Queue is the contract the shipping pipeline needs from a record buffer.
type Queue interface {
	Append(record []byte) error
	PopFront() ([]byte, error)
	IsEmpty() bool
	Len() int
}

// Options configures a DiskQueue.
type Options struct {
	// Dir is the directory holding the badger files. Ignored when InMemory.
	Dir string
	// InMemory keeps everything in RAM. Used by tests and throwaway runs.
	InMemory bool
	// Logger receives badger's internal diagnostics. Nil silences them.
	Logger *logging.Logger
}

// DiskQueue is a badger-backed Queue.
type DiskQueue struct {
	db  *badger.DB
	dir string

	mu     sync.Mutex
	head   uint64 // next sequence to pop
	tail   uint64 // next sequence to assign
	closed bool

	// gcMu serializes value-log GC against Close. Taken before mu.
	gcMu  sync.Mutex
	runGC func(discardRatio float64) error
}

// Open opens (or creates) the queue described by opts and recovers its head
// and tail from whatever is already stored.
func Open(opts Options) (*DiskQueue, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("queue: directory is required")
		}
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
		bopts = badger.DefaultOptions(opts.Dir).WithSyncWrites(true)
	}
	bopts = bopts.WithLogger(newBadgerLogger(opts.Logger))

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open queue %q: %w", opts.Dir, err)
	}

	q := &DiskQueue{db: db, dir: opts.Dir, runGC: db.RunValueLogGC}
	if err := q.recover(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

// recover scans the record key range for the first and last sequence numbers.
func (q *DiskQueue) recover() error {
	first, ok, err := q.edgeKey(false)
	if err != nil || !ok {
		return err
	}
	last, ok, err := q.edgeKey(true)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("queue: found head %d but no tail", first)
	}
	q.head = first
	q.tail = last + 1
	return nil
}

// edgeKey returns the lowest (or, with reverse, the highest) stored sequence.
func (q *DiskQueue) edgeKey(reverse bool) (seq uint64, ok bool, err error) {
	err = q.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		itOpts.Prefix = keyPrefix
		itOpts.Reverse = reverse

		it := txn.NewIterator(itOpts)
		defer it.Close()
		if reverse {
			// Seeking in reverse needs a key past the end of the prefix range.
			it.Seek(append(encodeKey(^uint64(0)), 0xff))
		} else {
			it.Rewind()
		}
		if !it.Valid() {
			return nil
		}
		s, err := decodeKey(it.Item().Key())
		if err != nil {
			return err
		}
		seq, ok = s, true
		return nil
	})
	return seq, ok, err
}

// Dir returns the directory backing the queue; empty for in-memory queues.
func (q *DiskQueue) Dir() string {
	return q.dir
}

// Append persists record at the tail. The write is durable when Append returns.
func (q *DiskQueue) Append(record []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	key := encodeKey(q.tail)
	val := append([]byte(nil), record...)
	if err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	}); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	q.tail++
	return nil
}

// PopFront removes and returns the oldest record.
func (q *DiskQueue) PopFront() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if q.head >= q.tail {
		return nil, ErrEmpty
	}

	key := encodeKey(q.head)
	var record []byte
	err := q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		record, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return nil, fmt.Errorf("pop record %d: %w", q.head, err)
	}
	q.head++
	return record, nil
}

// IsEmpty reports whether there is nothing left to pop.
func (q *DiskQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head >= q.tail
}

// Len returns the number of queued records.
func (q *DiskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.tail - q.head)
}

// Compact reclaims value-log space left behind by popped records. It is cheap
// to call when there is nothing to rewrite. Producers are not held up while
// it runs.
func (q *DiskQueue) Compact() {
	q.gcMu.Lock()
	defer q.gcMu.Unlock()

	q.mu.Lock()
	skip := q.closed || q.dir == ""
	q.mu.Unlock()
	if skip {
		return
	}
	for q.runGC(0.5) == nil {
	}
}

// Close flushes and closes the underlying database, waiting for a running
// Compact to finish first.
func (q *DiskQueue) Close() error {
	q.gcMu.Lock()
	defer q.gcMu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}

func encodeKey(seq uint64) []byte {
	key := make([]byte, len(keyPrefix)+8)
	copy(key, keyPrefix)
	binary.BigEndian.PutUint64(key[len(keyPrefix):], seq)
	return key
}

func decodeKey(key []byte) (uint64, error) {
	if len(key) != len(keyPrefix)+8 {
		return 0, fmt.Errorf("queue: malformed key %x", key)
	}
	return binary.BigEndian.Uint64(key[len(keyPrefix):]), nil
}

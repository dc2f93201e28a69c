package shipper

import (
	"errors"

	"github.com/google/uuid"

	"github.com/austindbirch/logship/internal/queue"
)

// MaxBatchBytes caps the cumulative record size of one batch. The record that
// crosses the cap is still included, so a batch may exceed it by one record.
const MaxBatchBytes = 3 * 1024 * 1024

// Batch is an ordered group of records prepared for one delivery.
type Batch struct {
	ID      string
	Records [][]byte
	Bytes   int
}

func (b *Batch) add(record []byte) {
	b.Records = append(b.Records, record)
	b.Bytes += len(record)
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Records)
}

// Payload joins the records with newlines. A record that already ends in a
// newline is not given a second one.
func (b Batch) Payload() []byte {
	buf := make([]byte, 0, b.Bytes+len(b.Records))
	for _, r := range b.Records {
		buf = append(buf, r...)
		if len(r) == 0 || r[len(r)-1] != '\n' {
			buf = append(buf, '\n')
		}
	}
	return buf
}

// Assembler pulls size-bounded batches off a queue.
type Assembler struct {
	queue    queue.Queue
	maxBytes int
}

// NewAssembler returns an assembler capping batches at maxBytes. A
// non-positive maxBytes means MaxBatchBytes.
func NewAssembler(q queue.Queue, maxBytes int) *Assembler {
	if maxBytes <= 0 {
		maxBytes = MaxBatchBytes
	}
	return &Assembler{queue: q, maxBytes: maxBytes}
}

// Pull pops records until the batch reaches the cap or the queue runs dry. The
// batch is empty only when the queue was empty on entry. On a queue error the
// records popped so far are returned alongside the error so that the caller
// can put them back.
func (a *Assembler) Pull() (Batch, error) {
	b := Batch{ID: uuid.NewString()}
	for !a.queue.IsEmpty() {
		rec, err := a.queue.PopFront()
		if errors.Is(err, queue.ErrEmpty) {
			break
		}
		if err != nil {
			return b, err
		}
		b.add(rec)
		if b.Bytes >= a.maxBytes {
			break
		}
	}
	return b, nil
}

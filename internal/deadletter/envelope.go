// Package deadletter keeps batches the collector refused outright, so that a
// bad token or a malformed record does not silently lose logs.
package deadletter

import (
	"context"
	"time"

	"github.com/austindbirch/logship/internal/shipper"
	"github.com/austindbirch/logship/internal/tracing"
)

const EnvelopeType = "logship.dead_letter"

type Envelope struct {
	Type         string            `json:"type"`    // "logship.dead_letter"
	Version      string            `json:"version"` // schema version
	At           string            `json:"at"`      // RFC3339 time the batch was dropped
	BatchID      string            `json:"batch_id"`
	Reason       string            `json:"reason"` // malformed, unauthorized
	Attempts     int               `json:"attempts"`
	HTTPStatus   int               `json:"http_status,omitempty"`
	Response     string            `json:"response,omitempty"`
	Part         int               `json:"part,omitempty"` // 1-based, set when split
	Parts        int               `json:"parts,omitempty"`
	Records      []string          `json:"records"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// NewEnvelope snapshots a dropped batch together with the collector's answer.
func NewEnvelope(ctx context.Context, b shipper.Batch, res shipper.Result) Envelope {
	records := make([]string, len(b.Records))
	for i, r := range b.Records {
		records[i] = string(r)
	}
	headers := tracing.InjectHeaders(ctx)
	if len(headers) == 0 {
		headers = nil
	}
	return Envelope{
		Type:         EnvelopeType,
		Version:      "v1",
		At:           time.Now().UTC().Format(time.RFC3339Nano),
		BatchID:      b.ID,
		Reason:       res.Class.String(),
		Attempts:     res.Attempts,
		HTTPStatus:   res.StatusCode,
		Response:     res.Message,
		Records:      records,
		TraceHeaders: headers,
	}
}

// Split breaks e into parts whose records total at most maxBytes each. A
// record larger than maxBytes gets a part of its own. An envelope that
// already fits is returned unchanged.
func (e Envelope) Split(maxBytes int) []Envelope {
	total := 0
	for _, r := range e.Records {
		total += len(r)
	}
	if maxBytes <= 0 || total <= maxBytes {
		return []Envelope{e}
	}

	var groups [][]string
	var cur []string
	size := 0
	for _, r := range e.Records {
		if len(cur) > 0 && size+len(r) > maxBytes {
			groups = append(groups, cur)
			cur, size = nil, 0
		}
		cur = append(cur, r)
		size += len(r)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}

	parts := make([]Envelope, len(groups))
	for i, g := range groups {
		p := e
		p.Records = g
		p.Part = i + 1
		p.Parts = len(groups)
		parts[i] = p
	}
	return parts
}

package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/logship/internal/db"
)

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS logship;
CREATE TABLE IF NOT EXISTS logship.dead_letters (
	id            BIGSERIAL PRIMARY KEY,
	batch_id      TEXT        NOT NULL,
	reason        TEXT        NOT NULL,
	http_status   INT         NOT NULL,
	attempts      INT         NOT NULL,
	response      TEXT        NOT NULL DEFAULT '',
	records       JSONB       NOT NULL,
	trace_headers JSONB,
	dropped_at    TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS dead_letters_batch_id_idx ON logship.dead_letters (batch_id);`

const insertSQL = `
INSERT INTO logship.dead_letters
	(batch_id, reason, http_status, attempts, response, records, trace_headers, dropped_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8::timestamptz)`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGSink archives dead letters in Postgres.
type PGSink struct {
	exec  execer
	close func()
}

// NewPGSink connects to dsn and makes sure the archive table exists.
func NewPGSink(ctx context.Context, dsn string) (*PGSink, error) {
	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("dead letter archive: %w", err)
	}
	s := newPGSink(pool, pool.Close)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newPGSink(exec execer, close func()) *PGSink {
	return &PGSink{exec: exec, close: close}
}

var _ execer = (*pgxpool.Pool)(nil)

// EnsureSchema creates the archive table if it is missing.
func (s *PGSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.exec.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create dead letter schema: %w", err)
	}
	return nil
}

func (s *PGSink) Put(ctx context.Context, e Envelope) error {
	records, err := json.Marshal(e.Records)
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	var headers any
	if len(e.TraceHeaders) > 0 {
		h, err := json.Marshal(e.TraceHeaders)
		if err != nil {
			return fmt.Errorf("encode trace headers: %w", err)
		}
		headers = string(h)
	}

	if _, err := s.exec.Exec(ctx, insertSQL,
		e.BatchID, e.Reason, e.HTTPStatus, e.Attempts, e.Response, string(records), headers, e.At,
	); err != nil {
		return fmt.Errorf("archive dead letter %s: %w", e.BatchID, err)
	}
	return nil
}

func (s *PGSink) Close() {
	if s.close != nil {
		s.close()
	}
}

package shipper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/logship/internal/metrics"
	"github.com/austindbirch/logship/internal/report"
	"github.com/austindbirch/logship/internal/tracing"
)

const (
	// MaxAttempts is the number of POSTs made for one batch before giving up.
	MaxAttempts = 3
	// InitialBackoff is the sleep before the second attempt; it doubles after.
	InitialBackoff = 2 * time.Second

	maxResponseBody = 64 * 1024
)

// ErrInterrupted is returned by Send when the context is cancelled while
// sleeping between attempts.
var ErrInterrupted = errors.New("delivery interrupted")

// ExhaustedError is returned by Send when every attempt failed with a
// retryable status or a transport error.
type ExhaustedError struct {
	Attempts   int
	StatusCode int
	Message    string
	Err        error
}

func (e *ExhaustedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery failed after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("delivery failed after %d attempts: last status %d: %s", e.Attempts, e.StatusCode, e.Message)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Class buckets one collector response.
type Class int

const (
	ClassSuccess Class = iota
	ClassMalformed
	ClassUnauthorized
	ClassRetryable
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassMalformed:
		return "malformed"
	case ClassUnauthorized:
		return "unauthorized"
	default:
		return "retryable"
	}
}

// Classify maps an attempt's status code and transport error to a Class.
func Classify(status int, err error) Class {
	if err != nil {
		return ClassRetryable
	}
	switch status {
	case http.StatusOK:
		return ClassSuccess
	case http.StatusBadRequest:
		return ClassMalformed
	case http.StatusUnauthorized:
		return ClassUnauthorized
	default:
		return ClassRetryable
	}
}

// Outcome is the final state of one Send.
type Outcome string

const (
	OutcomeDelivered   Outcome = "delivered"
	OutcomeDropped     Outcome = "dropped"
	OutcomeExhausted   Outcome = "exhausted"
	OutcomeInterrupted Outcome = "interrupted"
)

// Result describes what happened to a batch.
type Result struct {
	BatchID    string
	Outcome    Outcome
	Class      Class
	Attempts   int
	StatusCode int
	Message    string
	Backoffs   []time.Duration
}

// DropHandler is called with every batch the collector rejected outright.
type DropHandler func(ctx context.Context, b Batch, res Result)

// ClientOptions configures a Client.
type ClientOptions struct {
	URL            string
	Token          string
	Type           string
	ConnectTimeout time.Duration
	SocketTimeout  time.Duration
	Reporter       report.Reporter
	Debug          bool
	OnDrop         DropHandler
}

// Client posts batches to the collector with a bounded retry policy.
type Client struct {
	endpoint  string
	http      *http.Client
	transport *http.Transport
	reporter  report.Reporter
	debug     report.Debugger
	onDrop    DropHandler

	attemptTimeout time.Duration
	maxAttempts    int
	initialBackoff time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
}

// NewClient validates the collector URL and builds the HTTP transport.
func NewClient(opts ClientOptions) (*Client, error) {
	endpoint, err := BuildEndpoint(opts.URL, opts.Token, opts.Type)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.SocketTimeout,
		MaxIdleConnsPerHost:   1,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Client{
		endpoint:       endpoint,
		http:           &http.Client{Transport: transport},
		transport:      transport,
		reporter:       opts.Reporter,
		debug:          report.Debugger{R: opts.Reporter, Enabled: opts.Debug},
		onDrop:         opts.OnDrop,
		attemptTimeout: opts.ConnectTimeout + opts.SocketTimeout,
		maxAttempts:    MaxAttempts,
		initialBackoff: InitialBackoff,
		sleep:          sleepCtx,
	}, nil
}

// BuildEndpoint returns "<base>/?token=<token>&type=<type>".
func BuildEndpoint(base, token, typ string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid listener url %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid listener url %q: scheme must be http or https", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid listener url %q: missing host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/"
	q := url.Values{}
	q.Set("token", token)
	q.Set("type", typ)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Endpoint returns the full collector URL, token included.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Send delivers b. A nil error means the batch left the pipeline, either
// delivered or dropped after a 400/401. Otherwise the error is an
// *ExhaustedError or ErrInterrupted and the caller still owns the records.
func (c *Client) Send(ctx context.Context, b Batch) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "shipper.send",
		attribute.String("batch_id", b.ID),
		attribute.Int("batch.records", b.Len()),
		attribute.Int("batch.bytes", b.Bytes),
	)
	defer span.End()

	payload := b.Payload()
	res := Result{BatchID: b.ID}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = c.initialBackoff << c.maxAttempts
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		tracing.AddSpanEvent(ctx, "http.post", attribute.Int("attempt", attempt))
		status, msg, err := c.post(ctx, payload)
		res.Attempts = attempt
		res.StatusCode = status
		res.Message = msg
		res.Class = Classify(status, err)
		lastErr = err

		switch res.Class {
		case ClassSuccess:
			c.debug.Debug(fmt.Sprintf("Successfully sent bulk to listener, %d bytes", len(payload)))
			res.Outcome = OutcomeDelivered
			span.SetAttributes(attribute.Int("http.status_code", status))
			return res, nil
		case ClassMalformed:
			c.reporter.Warning("Got 400 from listener, here is the output: \n "+msg, nil)
			return c.dropped(ctx, b, res, "malformed"), nil
		case ClassUnauthorized:
			c.reporter.Error("Got unauthorized (401)! Your token is not right. Unfortunately, dropping logs. Message: "+msg, nil)
			return c.dropped(ctx, b, res, "unauthorized"), nil
		}

		if err != nil {
			c.debug.DebugErr("Got IO exception", err)
		} else {
			c.debug.Debug(fmt.Sprintf("Got %d from listener: %s", status, msg))
		}
		if attempt == c.maxAttempts {
			break
		}

		delay := bo.NextBackOff()
		res.Backoffs = append(res.Backoffs, delay)
		metrics.RecordRetry(retryReason(status, err))
		c.debug.Debug(fmt.Sprintf("Failed to send logs, trying again in %d ms (%d/%d)", delay.Milliseconds(), attempt, c.maxAttempts))
		if err := c.sleep(ctx, delay); err != nil {
			res.Outcome = OutcomeInterrupted
			tracing.SetSpanError(ctx, ErrInterrupted)
			return res, ErrInterrupted
		}
	}

	if lastErr != nil {
		c.reporter.Error("Got IO exception on the last bulk try to listener", lastErr)
	}
	res.Outcome = OutcomeExhausted
	exhausted := &ExhaustedError{Attempts: res.Attempts, StatusCode: res.StatusCode, Message: res.Message, Err: lastErr}
	tracing.SetSpanError(ctx, exhausted)
	return res, exhausted
}

func (c *Client) dropped(ctx context.Context, b Batch, res Result, reason string) Result {
	res.Outcome = OutcomeDropped
	metrics.RecordDropped(reason, b.Len())
	tracing.AddSpanEvent(ctx, "batch.dropped", attribute.String("reason", reason))
	if c.onDrop != nil {
		c.onDrop(ctx, b, res)
	}
	return res
}

// post performs one exchange. The request is detached from ctx cancellation,
// so shutdown never cuts an in-flight POST short. The whole exchange, body
// upload and response read included, is bounded by connect plus socket timeout.
func (c *Client) post(ctx context.Context, payload []byte) (int, string, error) {
	rctx := context.WithoutCancel(ctx)
	if c.attemptTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(rctx, c.attemptTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "text/plain")
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordAttempt("error", time.Since(start))
		return 0, "", err
	}
	defer resp.Body.Close()

	// The status line decides the outcome; a body cut off by the deadline only
	// shortens the message.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	metrics.RecordAttempt(strconv.Itoa(resp.StatusCode), time.Since(start))

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return resp.StatusCode, msg, nil
}

// Close releases idle connections held by the transport.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

func retryReason(status int, err error) string {
	var netErr net.Error
	switch {
	case err == nil:
		return "http_" + strconv.Itoa(status)
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	default:
		return "network"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package shipper

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/logship/internal/metrics"
)

type capturedRequest struct {
	method      string
	path        string
	token       string
	typ         string
	contentType string
	body        string
}

// collector answers with the scripted statuses in order, repeating the last.
type collector struct {
	mu       sync.Mutex
	statuses []int
	message  string
	requests []capturedRequest
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.requests = append(c.requests, capturedRequest{
		method:      r.Method,
		path:        r.URL.Path,
		token:       r.URL.Query().Get("token"),
		typ:         r.URL.Query().Get("type"),
		contentType: r.Header.Get("Content-Type"),
		body:        string(body),
	})
	i := len(c.requests) - 1
	if i >= len(c.statuses) {
		i = len(c.statuses) - 1
	}
	status := c.statuses[i]
	c.mu.Unlock()

	w.WriteHeader(status)
	_, _ = io.WriteString(w, c.message)
}

func (c *collector) received() []capturedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capturedRequest(nil), c.requests...)
}

func newCollector(t *testing.T, message string, statuses ...int) (*collector, *httptest.Server) {
	t.Helper()
	c := &collector{statuses: statuses, message: message}
	srv := httptest.NewServer(c)
	t.Cleanup(srv.Close)
	return c, srv
}

func newTestClient(t *testing.T, url string, rec *recorder, onDrop DropHandler) (*Client, *[]time.Duration) {
	t.Helper()
	c, err := NewClient(ClientOptions{
		URL:            url,
		Token:          "secret-token",
		Type:           "java",
		ConnectTimeout: time.Second,
		SocketTimeout:  2 * time.Second,
		Reporter:       rec,
		Debug:          true,
		OnDrop:         onDrop,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	t.Cleanup(c.Close)
	return c, &slept
}

func testBatch(records ...string) Batch {
	b := Batch{ID: "batch-1"}
	for _, r := range records {
		b.add([]byte(r))
	}
	return b
}

func TestClient_Send(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		wantOutcome  Outcome
		wantClass    Class
		wantAttempts int
		wantBackoffs []time.Duration
		wantErr      bool
		wantReport   string // level:substring
	}{
		{
			name:         "200 is delivered on the first attempt",
			statuses:     []int{200},
			wantOutcome:  OutcomeDelivered,
			wantClass:    ClassSuccess,
			wantAttempts: 1,
		},
		{
			name:         "400 is dropped with a warning",
			statuses:     []int{400},
			wantOutcome:  OutcomeDropped,
			wantClass:    ClassMalformed,
			wantAttempts: 1,
			wantReport:   "warning:Got 400 from listener",
		},
		{
			name:         "401 is dropped with an error",
			statuses:     []int{401},
			wantOutcome:  OutcomeDropped,
			wantClass:    ClassUnauthorized,
			wantAttempts: 1,
			wantReport:   "error:Got unauthorized (401)!",
		},
		{
			name:         "transient failure then success",
			statuses:     []int{503, 200},
			wantOutcome:  OutcomeDelivered,
			wantClass:    ClassSuccess,
			wantAttempts: 2,
			wantBackoffs: []time.Duration{2 * time.Second},
		},
		{
			name:         "500 everywhere exhausts with doubling backoff",
			statuses:     []int{500},
			wantOutcome:  OutcomeExhausted,
			wantClass:    ClassRetryable,
			wantAttempts: 3,
			wantBackoffs: []time.Duration{2 * time.Second, 4 * time.Second},
			wantErr:      true,
		},
		{
			name:         "other 4xx codes are retried",
			statuses:     []int{404, 429, 200},
			wantOutcome:  OutcomeDelivered,
			wantClass:    ClassSuccess,
			wantAttempts: 3,
			wantBackoffs: []time.Duration{2 * time.Second, 4 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			col, srv := newCollector(t, "collector says hi", tt.statuses...)
			rec := &recorder{}
			c, slept := newTestClient(t, srv.URL, rec, nil)

			res, err := c.Send(context.Background(), testBatch("first", "second"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if res.Outcome != tt.wantOutcome || res.Class != tt.wantClass || res.Attempts != tt.wantAttempts {
				t.Errorf("Send() = %s/%s after %d attempts, want %s/%s after %d",
					res.Outcome, res.Class, res.Attempts, tt.wantOutcome, tt.wantClass, tt.wantAttempts)
			}
			if diff := cmp.Diff(tt.wantBackoffs, *slept); diff != "" {
				t.Errorf("backoff sleeps mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantBackoffs, res.Backoffs); diff != "" {
				t.Errorf("Result.Backoffs mismatch (-want +got):\n%s", diff)
			}
			if got := len(col.received()); got != tt.wantAttempts {
				t.Errorf("collector saw %d requests, want %d", got, tt.wantAttempts)
			}
			if tt.wantReport != "" {
				level, substr, _ := strings.Cut(tt.wantReport, ":")
				got, ok := rec.find(level, substr)
				if !ok {
					t.Fatalf("no %s report containing %q in %+v", level, substr, rec.calls)
				}
				if !strings.Contains(got.msg, "collector says hi") {
					t.Errorf("report %q does not carry the response body", got.msg)
				}
			}
		})
	}
}

func TestClient_SendRequestShape(t *testing.T) {
	col, srv := newCollector(t, "", 200)
	c, _ := newTestClient(t, srv.URL+"/", &recorder{}, nil)

	if _, err := c.Send(context.Background(), testBatch(`{"message":"a"}`, "plain b\n", "c")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	want := []capturedRequest{{
		method:      http.MethodPost,
		path:        "/",
		token:       "secret-token",
		typ:         "java",
		contentType: "text/plain",
		body:        "{\"message\":\"a\"}\nplain b\nc\n",
	}}
	if diff := cmp.Diff(want, col.received(), cmp.AllowUnexported(capturedRequest{})); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestClient_SendExhaustedError(t *testing.T) {
	_, srv := newCollector(t, "overloaded", 502)
	c, _ := newTestClient(t, srv.URL, &recorder{}, nil)

	_, err := c.Send(context.Background(), testBatch("x"))
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Send() error = %v, want *ExhaustedError", err)
	}
	if exhausted.Attempts != MaxAttempts || exhausted.StatusCode != 502 || exhausted.Message != "overloaded" {
		t.Errorf("ExhaustedError = %+v", exhausted)
	}
	if errors.Is(err, ErrInterrupted) {
		t.Error("exhaustion must not look like an interruption")
	}
}

func TestClient_SendTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	rec := &recorder{}
	c, slept := newTestClient(t, url, rec, nil)

	res, err := c.Send(context.Background(), testBatch("x"))
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Send() error = %v, want *ExhaustedError", err)
	}
	if exhausted.Err == nil {
		t.Error("ExhaustedError.Err is nil for a transport failure")
	}
	if res.StatusCode != 0 || res.Attempts != MaxAttempts {
		t.Errorf("Result = %+v", res)
	}
	if len(*slept) != MaxAttempts-1 {
		t.Errorf("slept %d times, want %d", len(*slept), MaxAttempts-1)
	}
	if _, ok := rec.find("error", "Got IO exception on the last bulk try"); !ok {
		t.Errorf("missing final IO error report in %+v", rec.calls)
	}
}

func TestClient_SendInterrupted(t *testing.T) {
	col, srv := newCollector(t, "", 500)
	c, _ := newTestClient(t, srv.URL, &recorder{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepCtx(ctx, d)
	}

	res, err := c.Send(ctx, testBatch("x"))
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Send() error = %v, want ErrInterrupted", err)
	}
	if res.Outcome != OutcomeInterrupted || res.Attempts != 1 {
		t.Errorf("Result = %+v, want interrupted after 1 attempt", res)
	}
	if got := len(col.received()); got != 1 {
		t.Errorf("collector saw %d requests, want 1", got)
	}
}

func TestClient_SendBoundsStalledResponseBody(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantOutcome  Outcome
		wantAttempts int
	}{
		{name: "accepted then stalled", status: 200, wantOutcome: OutcomeDelivered, wantAttempts: 1},
		{name: "failed then stalled", status: 503, wantOutcome: OutcomeExhausted, wantAttempts: MaxAttempts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			release := make(chan struct{})
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, "ok")
				w.(http.Flusher).Flush()
				select {
				case <-release:
				case <-r.Context().Done():
				case <-time.After(10 * time.Second):
				}
			}))
			t.Cleanup(srv.Close)
			t.Cleanup(func() { close(release) })

			c, err := NewClient(ClientOptions{
				URL:            srv.URL,
				Token:          "secret-token",
				Type:           "java",
				ConnectTimeout: 100 * time.Millisecond,
				SocketTimeout:  200 * time.Millisecond,
				Reporter:       &recorder{},
			})
			if err != nil {
				t.Fatalf("NewClient() error = %v", err)
			}
			c.sleep = func(context.Context, time.Duration) error { return nil }
			t.Cleanup(c.Close)

			start := time.Now()
			res, _ := c.Send(context.Background(), testBatch("line"))
			elapsed := time.Since(start)

			if limit := time.Duration(tt.wantAttempts)*300*time.Millisecond + 2*time.Second; elapsed > limit {
				t.Errorf("Send() took %s, want under %s", elapsed, limit)
			}
			if res.Outcome != tt.wantOutcome {
				t.Errorf("Outcome = %s, want %s", res.Outcome, tt.wantOutcome)
			}
			if res.Attempts != tt.wantAttempts {
				t.Errorf("Attempts = %d, want %d", res.Attempts, tt.wantAttempts)
			}
		})
	}
}

func TestClient_SendCallsDropHandler(t *testing.T) {
	tests := []struct {
		status int
		class  Class
	}{
		{status: 400, class: ClassMalformed},
		{status: 401, class: ClassUnauthorized},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			_, srv := newCollector(t, "nope", tt.status)

			var gotBatch Batch
			var gotRes Result
			calls := 0
			c, _ := newTestClient(t, srv.URL, &recorder{}, func(_ context.Context, b Batch, res Result) {
				calls++
				gotBatch, gotRes = b, res
			})

			before := testutil.ToFloat64(metrics.RecordsDroppedTotal.WithLabelValues(tt.class.String()))
			if _, err := c.Send(context.Background(), testBatch("a", "b")); err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if calls != 1 {
				t.Fatalf("drop handler called %d times, want 1", calls)
			}
			if gotBatch.Len() != 2 || gotRes.StatusCode != tt.status || gotRes.Class != tt.class || gotRes.Message != "nope" {
				t.Errorf("drop handler got batch of %d, result %+v", gotBatch.Len(), gotRes)
			}
			after := testutil.ToFloat64(metrics.RecordsDroppedTotal.WithLabelValues(tt.class.String()))
			if after-before != 2 {
				t.Errorf("dropped counter moved by %v, want 2", after-before)
			}
		})
	}
}

func TestClient_SendCountsAttempts(t *testing.T) {
	_, srv := newCollector(t, "", 500, 200)
	c, _ := newTestClient(t, srv.URL, &recorder{}, nil)

	before500 := testutil.ToFloat64(metrics.DeliveryAttemptsTotal.WithLabelValues("500"))
	before200 := testutil.ToFloat64(metrics.DeliveryAttemptsTotal.WithLabelValues("200"))
	beforeRetry := testutil.ToFloat64(metrics.RetriesTotal.WithLabelValues("http_500"))

	if _, err := c.Send(context.Background(), testBatch("x")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if d := testutil.ToFloat64(metrics.DeliveryAttemptsTotal.WithLabelValues("500")) - before500; d != 1 {
		t.Errorf("500 attempts moved by %v, want 1", d)
	}
	if d := testutil.ToFloat64(metrics.DeliveryAttemptsTotal.WithLabelValues("200")) - before200; d != 1 {
		t.Errorf("200 attempts moved by %v, want 1", d)
	}
	if d := testutil.ToFloat64(metrics.RetriesTotal.WithLabelValues("http_500")) - beforeRetry; d != 1 {
		t.Errorf("http_500 retries moved by %v, want 1", d)
	}
}

func TestBuildEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		want    string
		wantErr bool
	}{
		{name: "bare host", base: "https://listener.logz.io:8071", want: "https://listener.logz.io:8071/?token=tok&type=java"},
		{name: "trailing slash", base: "http://localhost:8070/", want: "http://localhost:8070/?token=tok&type=java"},
		{name: "path prefix", base: "http://gw.local/ingest", want: "http://gw.local/ingest/?token=tok&type=java"},
		{name: "missing scheme", base: "listener.logz.io:8071", wantErr: true},
		{name: "unsupported scheme", base: "ftp://listener", wantErr: true},
		{name: "empty", base: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildEndpoint(tt.base, "tok", "java")
			if (err != nil) != tt.wantErr {
				t.Fatalf("BuildEndpoint() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("BuildEndpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildEndpoint_EscapesQuery(t *testing.T) {
	got, err := BuildEndpoint("http://h", "a&b=c", "my type")
	if err != nil {
		t.Fatalf("BuildEndpoint() error = %v", err)
	}
	if want := "http://h/?token=a%26b%3Dc&type=my+type"; got != want {
		t.Errorf("BuildEndpoint() = %q, want %q", got, want)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		err    error
		want   Class
	}{
		{status: 200, want: ClassSuccess},
		{status: 201, want: ClassRetryable},
		{status: 400, want: ClassMalformed},
		{status: 401, want: ClassUnauthorized},
		{status: 403, want: ClassRetryable},
		{status: 500, want: ClassRetryable},
		{status: 200, err: errors.New("reset"), want: ClassRetryable},
		{status: 0, err: errors.New("refused"), want: ClassRetryable},
	}

	for _, tt := range tests {
		if got := Classify(tt.status, tt.err); got != tt.want {
			t.Errorf("Classify(%d, %v) = %s, want %s", tt.status, tt.err, got, tt.want)
		}
	}
}

package shipper

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/logship/internal/config"
	"github.com/austindbirch/logship/internal/diskguard"
	"github.com/austindbirch/logship/internal/metrics"
)

func testConfig(t *testing.T, url string) config.Shipper {
	t.Helper()
	return config.Shipper{
		Token:              "secret-token",
		Type:               "java",
		URL:                url,
		DrainInterval:      time.Hour,
		FSPercentThreshold: diskguard.Disabled,
		BufferDir:          t.TempDir(),
		SocketTimeout:      2 * time.Second,
		ConnectTimeout:     time.Second,
		ShutdownTimeout:    time.Second,
	}
}

func TestShipper_SendRejectedByGuard(t *testing.T) {
	cfg := testConfig(t, "http://localhost:1")
	// Any filesystem is at least 0% used.
	cfg.FSPercentThreshold = 0

	q := newMemQueue("already-there")
	rec := &recorder{}
	s, err := New(cfg, Deps{Queue: q, Reporter: rec, Deliverer: &fakeDeliverer{}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	before := testutil.ToFloat64(metrics.RecordsDroppedTotal.WithLabelValues("disk_full"))
	if s.Send([]byte("rejected")) {
		t.Error("Send() = true, want false")
	}
	if diff := cmp.Diff([]string{"already-there"}, q.contents()); diff != "" {
		t.Errorf("queue changed (-want +got):\n%s", diff)
	}
	if _, ok := rec.find("warning", "Dropping logs, as FS used space"); !ok {
		t.Errorf("no drop warning in %+v", rec.calls)
	}
	if d := testutil.ToFloat64(metrics.RecordsDroppedTotal.WithLabelValues("disk_full")) - before; d != 1 {
		t.Errorf("disk_full drops moved by %v, want 1", d)
	}
}

func TestShipper_SendAppends(t *testing.T) {
	q := newMemQueue()
	s, err := New(testConfig(t, "http://localhost:1"), Deps{Queue: q, Reporter: &recorder{}, Deliverer: &fakeDeliverer{}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, r := range []string{"one", "two"} {
		if !s.Send([]byte(r)) {
			t.Fatalf("Send(%q) = false", r)
		}
	}
	if diff := cmp.Diff([]string{"one", "two"}, q.contents()); diff != "" {
		t.Errorf("queue mismatch (-want +got):\n%s", diff)
	}
	if got := s.QueueLen(); got != 2 {
		t.Errorf("QueueLen() = %d, want 2", got)
	}
}

func TestShipper_DeliversEndToEnd(t *testing.T) {
	col, srv := newCollector(t, "", 200)
	cfg := testConfig(t, srv.URL)

	s, err := New(cfg, Deps{Reporter: &recorder{}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	kb := strings.Repeat("k", 1023)
	for i := 0; i < 5; i++ {
		s.Send([]byte(fmt.Sprintf("%d%s", i, kb)))
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "delivery", func() bool { return len(col.received()) == 1 && s.QueueLen() == 0 })

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	reqs := col.received()
	if len(reqs) != 1 {
		t.Fatalf("collector saw %d requests, want 1", len(reqs))
	}
	lines := strings.Split(strings.TrimSuffix(reqs[0].body, "\n"), "\n")
	if len(lines) != 5 {
		t.Fatalf("payload has %d lines, want 5", len(lines))
	}
	for i, l := range lines {
		if !strings.HasPrefix(l, fmt.Sprint(i)) || len(l) != 1024 {
			t.Errorf("line %d = %.8q... (len %d)", i, l, len(l))
		}
	}
}

func TestShipper_BufferSurvivesRestart(t *testing.T) {
	cfg := testConfig(t, "http://localhost:1")

	refusing := &fakeDeliverer{respond: func(_ context.Context, _ int, b Batch) (Result, error) {
		return exhaustedResult(b)
	}}
	s, err := New(cfg, Deps{Reporter: &recorder{}, Deliverer: refusing})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for _, r := range []string{"a", "b", "c"} {
		s.Send([]byte(r))
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	accepting := &fakeDeliverer{}
	s, err = New(cfg, Deps{Reporter: &recorder{}, Deliverer: accepting})
	if err != nil {
		t.Fatalf("reopen: New() error = %v", err)
	}
	defer s.Stop(context.Background())

	if got := s.QueueLen(); got != 3 {
		t.Fatalf("QueueLen() after restart = %d, want 3", got)
	}
	if got := s.Drain(context.Background()); got != DrainEmpty {
		t.Errorf("Drain() = %s, want %s", got, DrainEmpty)
	}
	if diff := cmp.Diff([][]string{{"a", "b", "c"}}, accepting.sent()); diff != "" {
		t.Errorf("sent batches mismatch (-want +got):\n%s", diff)
	}
}

func TestShipper_InvalidURL(t *testing.T) {
	if _, err := New(testConfig(t, "not a url"), Deps{Reporter: &recorder{}}); err == nil {
		t.Error("New() with a bad url succeeded")
	}
}

func TestShipper_DrainThenClose(t *testing.T) {
	cfg := testConfig(t, "http://localhost:1")
	d := &fakeDeliverer{}
	s, err := New(cfg, Deps{Reporter: &recorder{}, Deliverer: d})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.Send([]byte("one"))

	if got := s.Drain(context.Background()); got != DrainEmpty {
		t.Errorf("Drain() = %s, want %s", got, DrainEmpty)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if s.Running() {
		t.Error("Running() = true without Start")
	}
}

package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/austindbirch/logship/internal/config"
	"github.com/austindbirch/logship/internal/logging"
)

type collector struct {
	token       string // empty accepts any token
	failFirstN  int
	forceStatus int

	mu       sync.Mutex
	reqCount int
	lines    int
	log      *logging.Logger
}

func newCollectorFromEnv(log *logging.Logger) *collector {
	c := &collector{token: os.Getenv("EXPECTED_TOKEN"), log: log}
	// Parse fail first settings
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.failFirstN = n
		}
	}
	// Parse forced status, e.g. 400 to exercise the drop path
	if v := os.Getenv("FORCE_STATUS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.forceStatus = n
		}
	}
	return c
}

func main() {
	_ = config.LoadDotEnv()
	log := logging.New("fake-collector")
	c := newCollectorFromEnv(log)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.Handle("/", c)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8070"
	}
	log.Plain().WithField("addr", addr).Info("fake-collector listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Plain().WithError(err).Fatal("fake-collector failed")
	}
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c.mu.Lock()
	c.reqCount++
	n := c.reqCount
	c.mu.Unlock()

	entry := c.log.Plain().WithFields(map[string]any{
		"request": n,
		"type":    r.URL.Query().Get("type"),
		"size":    humanize.Bytes(uint64(len(b))),
	})

	if c.token != "" && r.URL.Query().Get("token") != c.token {
		entry.Warn("rejecting bad token")
		http.Error(w, "token is not valid", http.StatusUnauthorized)
		return
	}
	if c.forceStatus != 0 {
		entry.Infof("forcing status %d", c.forceStatus)
		http.Error(w, fmt.Sprintf("forced status %d", c.forceStatus), c.forceStatus)
		return
	}
	// Simulate flakiness: first N request -> 500
	if n <= c.failFirstN {
		entry.Infof("FAILING (%d/%d) body=%s", n, c.failFirstN, truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	lines := strings.Count(string(b), "\n")
	c.mu.Lock()
	c.lines += lines
	total := c.lines
	c.mu.Unlock()

	entry.WithField("lines", lines).WithField("total_lines", total).Info("accepted bulk")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

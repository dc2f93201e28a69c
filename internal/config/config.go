package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DisabledThreshold turns the disk-space admission check off.
const DisabledThreshold = -1

type Shipper struct {
	Token              string        // Listener account token
	Type               string        // Log type tag sent with every batch
	URL                string        // Listener base URL
	DrainInterval      time.Duration // Fixed delay between drain triggers
	FSPercentThreshold int           // Used-space percent at which records are dropped, -1 disables
	BufferDir          string        // Durable queue directory
	SocketTimeout      time.Duration // HTTP read timeout
	ConnectTimeout     time.Duration // HTTP connect timeout
	ShutdownTimeout    time.Duration // Max wait for the in-flight drain on stop
	Debug              bool          // Emit DEBUG diagnostics through the reporter
}

type DeadLetter struct {
	PublishNSQ  bool   // Publish dropped batches to an NSQ topic
	NsqdTCPAddr string // e.g. nsqd:4150
	Topic       string // Dead-letter topic
	DSN         string // Postgres DSN for the dead-letter archive, empty disables
}

type Source struct {
	NSQTopic       string // Topic to consume records from, empty disables
	NSQChannel     string // Consumer channel
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	NsqdTCPAddr    string // Direct nsqd connection, used when lookupd is empty
	Stdin          bool   // Read newline-delimited records from stdin
	WrapJSON       bool   // Render plain stdin lines as JSON events
}

type Config struct {
	AppName    string
	HTTPPort   string // :8085, metrics and health
	GRPCPort   string // empty disables the gRPC health server
	Shipper    Shipper
	DeadLetter DeadLetter
	Source     Source
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getenvDuration accepts Go durations ("5s") and bare integers, which are read
// as seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

// LoadDotEnv loads KEY=value pairs from the given files (default ".env") into
// the process environment. Variables already set are left untouched and a
// missing default file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "logship"),
		HTTPPort: getenv("HTTP_PORT", ":8085"),
		GRPCPort: getenv("GRPC_PORT", ""),
		Shipper: Shipper{
			Token:              getenv("LOGSHIP_TOKEN", ""),
			Type:               getenv("LOGSHIP_TYPE", "java"),
			URL:                getenv("LOGSHIP_URL", "https://listener.logz.io:8071"),
			DrainInterval:      getenvDuration("LOGSHIP_DRAIN_INTERVAL", 5*time.Second),
			FSPercentThreshold: getenvInt("LOGSHIP_FS_PERCENT_THRESHOLD", 98),
			BufferDir:          getenv("LOGSHIP_BUFFER_DIR", filepath.Join(os.TempDir(), "logship-buffer")),
			SocketTimeout:      getenvDuration("LOGSHIP_SOCKET_TIMEOUT", 10*time.Second),
			ConnectTimeout:     getenvDuration("LOGSHIP_CONNECT_TIMEOUT", 10*time.Second),
			ShutdownTimeout:    getenvDuration("LOGSHIP_SHUTDOWN_TIMEOUT", 20*time.Second),
			Debug:              getenvBool("LOGSHIP_DEBUG", false),
		},
		DeadLetter: DeadLetter{
			PublishNSQ:  getenvBool("PUBLISH_DLQ_TOPIC", false),
			NsqdTCPAddr: getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			Topic:       getenv("NSQ_DLQ_TOPIC", "logship_dlq"),
			DSN:         getenv("DLQ_DATABASE_URL", ""),
		},
		Source: Source{
			NSQTopic:       getenv("NSQ_SOURCE_TOPIC", ""),
			NSQChannel:     getenv("NSQ_SOURCE_CHANNEL", "logship"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", ""),
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			Stdin:          getenvBool("LOGSHIP_STDIN", true),
			WrapJSON:       getenvBool("LOGSHIP_WRAP_JSON", false),
		},
	}
}

// Validate reports the first setting the shipper cannot run with.
func (c Config) Validate() error {
	s := c.Shipper
	if s.Token == "" {
		return errors.New("LOGSHIP_TOKEN is required")
	}
	u, err := url.Parse(s.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid listener url %q", s.URL)
	}
	if s.DrainInterval <= 0 {
		return fmt.Errorf("drain interval must be positive, got %s", s.DrainInterval)
	}
	if s.FSPercentThreshold != DisabledThreshold && (s.FSPercentThreshold < 0 || s.FSPercentThreshold > 100) {
		return fmt.Errorf("fs percent threshold must be -1 or within 0..100, got %d", s.FSPercentThreshold)
	}
	if s.BufferDir == "" {
		return errors.New("buffer dir is required")
	}
	if s.SocketTimeout <= 0 || s.ConnectTimeout <= 0 {
		return errors.New("socket and connect timeouts must be positive")
	}
	return nil
}

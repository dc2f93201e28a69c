package source

import (
	"errors"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/logship/internal/config"
	"github.com/austindbirch/logship/internal/logging"
)

var errRejected = errors.New("record rejected by shipper")

// NSQ consumes records from a topic. Messages the shipper refuses are left
// to nsq's requeue backoff instead of being dropped.
type NSQ struct {
	consumer *nsq.Consumer
	cfg      config.Source
}

// NewNSQ creates a consumer for cfg.NSQTopic handing message bodies to sink.
func NewNSQ(cfg config.Source, sink Sink, log *logging.Logger) (*NSQ, error) {
	conf := nsq.NewConfig()
	conf.MaxInFlight = 100
	consumer, err := nsq.NewConsumer(cfg.NSQTopic, cfg.NSQChannel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer creation failed: %w", err)
	}
	if log != nil {
		consumer.SetLogger(log.NSQ("nsq-source"), nsq.LogLevelInfo)
	}
	consumer.AddHandler(handler(sink))
	return &NSQ{consumer: consumer, cfg: cfg}, nil
}

func handler(sink Sink) nsq.HandlerFunc {
	return func(m *nsq.Message) error {
		if len(m.Body) == 0 {
			return nil
		}
		if !sink(m.Body) {
			return errRejected
		}
		return nil
	}
}

// Connect attaches to nsqlookupd when configured, otherwise straight to nsqd.
func (n *NSQ) Connect() error {
	if n.cfg.LookupHTTPAddr != "" {
		if err := n.consumer.ConnectToNSQLookupd(n.cfg.LookupHTTPAddr); err != nil {
			return fmt.Errorf("connect to nsqlookupd %s: %w", n.cfg.LookupHTTPAddr, err)
		}
		return nil
	}
	if err := n.consumer.ConnectToNSQD(n.cfg.NsqdTCPAddr); err != nil {
		return fmt.Errorf("connect to nsqd %s: %w", n.cfg.NsqdTCPAddr, err)
	}
	return nil
}

// Stop drains in-flight messages and waits for the consumer to exit.
func (n *NSQ) Stop() {
	n.consumer.Stop()
	<-n.consumer.StopChan
}

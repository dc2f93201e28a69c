package deadletter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/logship/internal/logging"
)

// DefaultMaxMessageBytes leaves headroom under nsqd's default 1 MiB
// --max-msg-size for the envelope fields.
const DefaultMaxMessageBytes = 1024*1024 - 16*1024

type publisher interface {
	Publish(topic string, body []byte) error
	Stop()
}

// NSQSink publishes dead letters to a topic, split to fit nsqd's message cap.
type NSQSink struct {
	producer publisher
	topic    string
	maxBytes int
}

// NewNSQSink creates a producer for nsqdAddr. It connects on first publish.
func NewNSQSink(nsqdAddr, topic string, log *logging.Logger) (*NSQSink, error) {
	producer, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer for dead letters: %w", err)
	}
	if log != nil {
		producer.SetLogger(log.NSQ("nsq-deadletter"), nsq.LogLevelInfo)
	}
	return &NSQSink{producer: producer, topic: topic, maxBytes: DefaultMaxMessageBytes}, nil
}

func (s *NSQSink) Put(_ context.Context, e Envelope) error {
	for _, part := range e.Split(s.maxBytes) {
		body, err := json.Marshal(part)
		if err != nil {
			return fmt.Errorf("encode dead letter: %w", err)
		}
		if err := s.producer.Publish(s.topic, body); err != nil {
			return fmt.Errorf("publish dead letter to %s: %w", s.topic, err)
		}
	}
	return nil
}

func (s *NSQSink) Close() {
	s.producer.Stop()
}

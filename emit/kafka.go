package emit

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaBackend publishes each stream to the topic <prefix>.<stream>, one
// message per line, keyed by the stream name
type KafkaBackend struct {
	Prefix string
	ctx    context.Context
	wrtr   *kafka.Writer
}

// CreateKafkaBackend is a constructor. Writes are asynchronous; delivery
// failures are logged.
func CreateKafkaBackend(ctx context.Context, brokers []string, prefix string, logger *zap.Logger) (*KafkaBackend, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka output needs at least one broker")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	kb := new(KafkaBackend)
	kb.Prefix = prefix
	kb.ctx = ctx
	kb.wrtr = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("kafka delivery failed", zap.Int("messages", len(messages)), zap.Error(err))
			}
		},
	}
	return kb, nil
}

// Location is the topic of the stream
func (kb *KafkaBackend) Location(stream string) string {
	return kb.Prefix + "." + stream
}

func (kb *KafkaBackend) Open(stream string) (Sink, error) {
	return &kafkaSink{backend: kb, topic: kb.Location(stream), key: []byte(stream)}, nil
}

func (kb *KafkaBackend) Close() error {
	return kb.wrtr.Close()
}

type kafkaSink struct {
	backend *KafkaBackend
	topic   string
	key     []byte
}

func (ks *kafkaSink) WriteLine(cols []string) error {
	line, err := csvLine(cols)
	if err != nil {
		return err
	}
	return ks.backend.wrtr.WriteMessages(ks.backend.ctx, kafka.Message{Topic: ks.topic, Key: ks.key, Value: line})
}

func (ks *kafkaSink) Close() error { return nil }

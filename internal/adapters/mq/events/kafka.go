package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/okian/benchrank/internal/tracing"
	"github.com/okian/benchrank/pkg/logger"
)

// DefaultTopic receives epoch events unless configured otherwise.
const DefaultTopic = "benchrank.epochs"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOption configures a KafkaPublisher.
type KafkaOption func(*KafkaPublisher)

// WithLogger sets the publisher's logger.
func WithLogger(l logger.Logger) KafkaOption {
	return func(p *KafkaPublisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// KafkaPublisher writes events as JSON keyed by epoch id.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger logger.Logger
}

var _ Publisher = (*KafkaPublisher)(nil)

// ParseBrokers splits a comma-separated broker list.
func ParseBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// NewKafkaPublisher creates a synchronous producer for topic.
func NewKafkaPublisher(brokers []string, topic string, opts ...KafkaOption) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(w, topic, opts...)
}

func newKafkaPublisher(w messageWriter, topic string, opts ...KafkaOption) *KafkaPublisher {
	p := &KafkaPublisher{writer: w, topic: topic, logger: logger.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishEpoch implements Publisher.
func (p *KafkaPublisher) PublishEpoch(ctx context.Context, evt EpochPublished) (err error) {
	ctx, end := tracing.StartSpan(ctx, "events.publish_epoch")
	defer func() { end(err) }()

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal epoch event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(evt.EpochID, 10)),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(evt.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write epoch event to %s: %w", p.topic, err)
	}
	p.logger.Debug(ctx, "published epoch event",
		logger.Int64("epoch_id", evt.EpochID),
		logger.String("topic", p.topic),
	)
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

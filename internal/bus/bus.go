// Package bus translates the spec's AMQP exchange/binding/routing-key
// vocabulary onto segmentio/kafka-go topics and consumer groups — the only
// message-bus dependency present anywhere in the teacher/pack. An "exchange"
// is a topic-name prefix; a "binding" (routing key) is the topic suffix; a
// bound Consumer is a kafka.Reader in its own consumer group. See spec §8
// and §10.
package bus

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message is one bus payload, decoupled from the kafka-go wire type so
// callers never import kafka-go directly. raw carries the underlying
// kafka.Message (topic/partition/offset) a KafkaExchange-backed Consumer
// needs to commit; it is nil for messages built by callers (e.g. Publish
// bodies) or the in-memory transport.
type Message struct {
	Key   []byte
	Value []byte
	raw   *kafka.Message
}

// Consumer reads messages bound to one routing key. Ack commits the read
// offset; callers call Ack after processing whether or not processing
// succeeded, since the bus has at-most-once, reject-without-requeue
// semantics (§4.8/§7) — there is no nack/requeue, only "commit after
// recording the outcome".
type Consumer interface {
	Fetch(ctx context.Context) (Message, error)
	Ack(ctx context.Context, msg Message) error
	Close() error
}

// Exchange is a named bus endpoint: Publish sends to a routing key, Bind
// opens a Consumer scoped to one.
type Exchange interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	Bind(routingKey, consumerGroup string) (Consumer, error)
	Close() error
}

// KafkaExchange implements Exchange over kafka-go, with one kafka.Writer per
// exchange and one kafka.Reader per Bind call. Topic names are
// "<name>.<routingKey>".
type KafkaExchange struct {
	name    string
	brokers []string
	writer  *kafka.Writer
}

func NewKafkaExchange(name string, brokers []string) *KafkaExchange {
	return &KafkaExchange{
		name:    name,
		brokers: brokers,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			Async:        false,
		},
	}
}

func (e *KafkaExchange) topic(routingKey string) string {
	return e.name + "." + routingKey
}

func (e *KafkaExchange) Publish(ctx context.Context, routingKey string, body []byte) error {
	msg := kafka.Message{Topic: e.topic(routingKey), Value: body, Time: time.Now().UTC()}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return e.writer.WriteMessages(ctx, msg)
}

func (e *KafkaExchange) Bind(routingKey, consumerGroup string) (Consumer, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: e.brokers,
		Topic:   e.topic(routingKey),
		GroupID: consumerGroup,
	})
	return &kafkaConsumer{reader: reader}, nil
}

func (e *KafkaExchange) Close() error {
	return e.writer.Close()
}

type kafkaConsumer struct {
	reader *kafka.Reader
}

func (c *kafkaConsumer) Fetch(ctx context.Context) (Message, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Key: m.Key, Value: m.Value, raw: &m}, nil
}

// Ack commits the offset associated with msg. kafka-go has no native
// nack/requeue primitive, so reject-without-requeue (§4.8) is realized as
// "commit anyway" — the caller records the failure outcome before calling
// Ack, never after.
func (c *kafkaConsumer) Ack(ctx context.Context, msg Message) error {
	if msg.raw == nil {
		return nil
	}
	return c.reader.CommitMessages(ctx, *msg.raw)
}

func (c *kafkaConsumer) Close() error {
	return c.reader.Close()
}

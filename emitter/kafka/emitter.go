package kafka

import (
	"context"
	"fmt"
	"reflect"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/shopfront/relay/emitter"
	"github.com/shopfront/relay/outbox"
)

// kafkaProducer is the part of *kafka.Producer used by the emitter.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

type Emitter struct {
	producer kafkaProducer
	prefix   string
	logger   outbox.Logger
}

var _ outbox.Emitter = (*Emitter)(nil)
var _ outbox.Loggable = (*Emitter)(nil)

type Option func(e *Emitter)

// WithTopicPrefix replaces the default topic prefix.
func WithTopicPrefix(prefix string) Option {
	return func(e *Emitter) {
		e.prefix = prefix
	}
}

func New(p kafkaProducer, options ...Option) *Emitter {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("Producer is mandatory")
	}
	e := &Emitter{
		producer: p,
		prefix:   emitter.DefaultPrefix,
		logger:   &outbox.NopLogger{},
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

func (e *Emitter) SetLogger(l outbox.Logger) {
	e.logger = l
}

// Emit produces m asynchronously. The delivery event of the producer is
// turned into a report once Produce accepted the message.
func (e *Emitter) Emit(ctx context.Context, m *outbox.Message, reports chan<- *outbox.DeliveryReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// only one event is ever written to this channel.
	internal := make(chan kafka.Event, 1)
	if err := e.producer.Produce(e.buildMessage(m), internal); err != nil {
		return err
	}

	go func() {
		ev := <-internal
		reports <- e.toReport(m, ev)
	}()

	return nil
}

func (e *Emitter) toReport(m *outbox.Message, ev kafka.Event) *outbox.DeliveryReport {
	km, ok := ev.(*kafka.Message)
	if !ok {
		e.logger.Debug(fmt.Sprintf("Unexpected delivery event for message %d: %s", m.Id, ev))
		return &outbox.DeliveryReport{
			Message: m,
			Error:   fmt.Errorf("unexpected delivery event %s", ev),
		}
	}
	var topic string
	if km.TopicPartition.Topic != nil {
		topic = *km.TopicPartition.Topic
	}
	return &outbox.DeliveryReport{
		Message: m,
		Error:   km.TopicPartition.Error,
		Details: fmt.Sprintf("Delivered message to topic %s [%d] at offset %v",
			topic, km.TopicPartition.Partition, km.TopicPartition.Offset),
	}
}

func (e *Emitter) buildMessage(m *outbox.Message) *kafka.Message {
	topic := emitter.Destination(e.prefix, m.Type)
	var headers []kafka.Header
	for _, h := range emitter.Headers(m) {
		headers = append(headers, kafka.Header{Key: h.Key, Value: h.Value})
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            emitter.Key(m),
		Value:          []byte(m.Content),
		Headers:        headers,
	}
}

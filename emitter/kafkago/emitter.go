package kafkago

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopfront/relay/emitter"
	"github.com/shopfront/relay/outbox"
)

// messageWriter is the part of *kafka.Writer used by the emitter.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter returns a synchronous writer that routes every message to the
// topic it names.
func NewWriter(brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            5,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
	}
}

// Emitter writes outbox messages with segmentio/kafka-go.
type Emitter struct {
	writer messageWriter
	prefix string
	logger outbox.Logger
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

func New(w messageWriter, options ...Option) *Emitter {
	if w == nil || reflect.ValueOf(w).IsNil() {
		panic("Writer is mandatory")
	}
	e := &Emitter{
		writer: w,
		prefix: emitter.DefaultPrefix,
		logger: &outbox.NopLogger{},
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

func (e *Emitter) SetLogger(l outbox.Logger) {
	e.logger = l
}

// Emit writes m and blocks until the brokers acknowledged it.
func (e *Emitter) Emit(ctx context.Context, m *outbox.Message, reports chan<- *outbox.DeliveryReport) error {
	msg := e.buildMessage(m)
	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("could not write message %d to topic %s: %w", m.Id, msg.Topic, err)
	}

	dr := &outbox.DeliveryReport{
		Message: m,
		Details: fmt.Sprintf("Delivered message %d to topic %s", m.Id, msg.Topic),
	}
	go func() { reports <- dr }()

	return nil
}

func (e *Emitter) buildMessage(m *outbox.Message) kafka.Message {
	var headers []kafka.Header
	for _, h := range emitter.Headers(m) {
		headers = append(headers, kafka.Header{Key: h.Key, Value: h.Value})
	}
	return kafka.Message{
		Topic:   emitter.Destination(e.prefix, m.Type),
		Key:     emitter.Key(m),
		Value:   []byte(m.Content),
		Headers: headers,
		Time:    m.OccurredOn,
	}
}

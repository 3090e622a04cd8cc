package redis

import (
	"context"
	"fmt"
	"reflect"

	"github.com/redis/go-redis/v9"
	"github.com/shopfront/relay/emitter"
	"github.com/shopfront/relay/outbox"
)

// streamAdder is the part of a go-redis client used by the emitter.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Emitter appends outbox messages to Redis streams, one stream per event
// type.
type Emitter struct {
	client streamAdder
	prefix string
	maxLen int64
	logger outbox.Logger
}

var _ outbox.Emitter = (*Emitter)(nil)
var _ outbox.Loggable = (*Emitter)(nil)

type Option func(e *Emitter)

// WithStreamPrefix replaces the default stream prefix.
func WithStreamPrefix(prefix string) Option {
	return func(e *Emitter) {
		e.prefix = prefix
	}
}

// WithMaxLen caps every stream to approximately n entries. Zero keeps
// streams unbounded.
func WithMaxLen(n int64) Option {
	return func(e *Emitter) {
		e.maxLen = n
	}
}

func New(c streamAdder, options ...Option) *Emitter {
	if c == nil || reflect.ValueOf(c).IsNil() {
		panic("Client is mandatory")
	}
	e := &Emitter{
		client: c,
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

func (e *Emitter) Emit(ctx context.Context, m *outbox.Message, reports chan<- *outbox.DeliveryReport) error {
	stream := emitter.Destination(e.prefix, m.Type)
	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: e.buildValues(m),
	}
	if e.maxLen > 0 {
		args.MaxLen = e.maxLen
		args.Approx = true
	}
	entryId, err := e.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("could not add message %d to stream %s: %w", m.Id, stream, err)
	}

	dr := &outbox.DeliveryReport{
		Message: m,
		Details: fmt.Sprintf("Delivered message %d to stream %s as entry %s", m.Id, stream, entryId),
	}
	go func() { reports <- dr }()

	return nil
}

// buildValues flattens the message into stream fields, headers first and
// the content last.
func (e *Emitter) buildValues(m *outbox.Message) []any {
	var values []any
	for _, h := range emitter.Headers(m) {
		values = append(values, h.Key, string(h.Value))
	}
	return append(values, "key", string(emitter.Key(m)), "content", m.Content)
}

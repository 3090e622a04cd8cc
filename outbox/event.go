package outbox

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Event is a domain event recorded in the outbox. EventType must return the
// tag the event was registered under.
type Event interface {
	EventType() string
	OccurredOn() time.Time
}

// Codec serializes one registered event type.
type Codec interface {
	Encode(Event) ([]byte, error)
	Decode([]byte) (Event, error)
}

// Registry maps stable event tags to codecs. The store writes the tag and the
// encoded bytes and never looks at the live event value beyond that.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// Register registers a JSON codec for events of type E under tag.
func Register[E Event](r *Registry, tag string) error {
	return r.RegisterCodec(tag, jsonCodec[E]{})
}

// MustRegister is like Register but panics on error. Meant for package
// initialization.
func MustRegister[E Event](r *Registry, tag string) {
	if err := Register[E](r, tag); err != nil {
		panic(err)
	}
}

// RegisterCodec registers a custom codec under tag.
func (r *Registry) RegisterCodec(tag string, c Codec) error {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return ErrEventTypeRequired
	}
	if c == nil {
		return fmt.Errorf("codec for %q is nil", tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.codecs[tag]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateEventType, tag)
	}
	r.codecs[tag] = c
	return nil
}

// Encode returns the tag and serialized content of e.
func (r *Registry) Encode(e Event) (string, string, error) {
	if isNilEvent(e) {
		return "", "", ErrEventRequired
	}
	tag := e.EventType()
	c, err := r.codec(tag)
	if err != nil {
		return "", "", err
	}
	b, err := c.Encode(e)
	if err != nil {
		return "", "", fmt.Errorf("encoding %q: %w", tag, err)
	}
	return tag, string(b), nil
}

// isNilEvent reports whether e is nil or a nil pointer behind the interface.
func isNilEvent(e Event) bool {
	if e == nil {
		return true
	}
	v := reflect.ValueOf(e)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// Decode rebuilds the event stored under tag.
func (r *Registry) Decode(tag string, content string) (Event, error) {
	c, err := r.codec(tag)
	if err != nil {
		return nil, err
	}
	e, err := c.Decode([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", tag, err)
	}
	return e, nil
}

// DecodeMessage rebuilds the event carried by m.
func (r *Registry) DecodeMessage(m *Message) (Event, error) {
	return r.Decode(m.Type, m.Content)
}

// Types returns the number of registered tags.
func (r *Registry) Types() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.codecs)
}

func (r *Registry) codec(tag string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, tag)
	}
	return c, nil
}

type jsonCodec[E Event] struct{}

func (jsonCodec[E]) Encode(e Event) ([]byte, error) {
	if _, ok := e.(E); !ok {
		return nil, fmt.Errorf("%w: got %T", ErrEventTypeMismatch, e)
	}
	return json.Marshal(e)
}

func (jsonCodec[E]) Decode(b []byte) (Event, error) {
	var e E
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return e, nil
}

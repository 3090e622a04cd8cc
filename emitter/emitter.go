package emitter

import (
	"strconv"

	"github.com/iancoleman/strcase"
	"github.com/shopfront/relay/outbox"
)

// DefaultPrefix is prepended to the topic or stream of every message.
const DefaultPrefix = "outbox"

// Header is a broker agnostic message header.
type Header struct {
	Key   string
	Value []byte
}

// Destination builds a topic or stream name from an event type (e.g. if
// eventType="orders.OrderPlaced" and prefix="outbox" the name is
// "outbox-orders-order-placed").
func Destination(prefix string, eventType string) string {
	name := strcase.ToKebab(eventType)
	if prefix == "" {
		return name
	}
	return prefix + "-" + name
}

// Key returns the partitioning key of a message: its correlation id when it
// has one, its id otherwise.
func Key(m *outbox.Message) []byte {
	if m.CorrelationId != nil && *m.CorrelationId != "" {
		return []byte(*m.CorrelationId)
	}
	return []byte(strconv.FormatInt(m.Id, 10))
}

// Headers returns the metadata every emitter attaches to a message.
func Headers(m *outbox.Message) []Header {
	h := []Header{
		{Key: "id", Value: []byte(strconv.FormatInt(m.Id, 10))},
		{Key: "type", Value: []byte(m.Type)},
		{Key: "occurredOn", Value: []byte(strconv.FormatInt(m.OccurredOn.UnixMilli(), 10))},
	}
	if m.CorrelationId != nil {
		h = append(h, Header{Key: "correlationId", Value: []byte(*m.CorrelationId)})
	}
	return h
}

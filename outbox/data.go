package outbox

import (
	"fmt"
	"sort"
	"time"
)

// Message is one row of the outbox table. A message is pending while
// ProcessedOn is nil and terminal (delivered or dead-lettered) afterwards.
type Message struct {
	Id            int64      // surrogate key assigned by the repository
	Type          string     // registry tag of the event (e.g. "orders.OrderPlaced")
	Content       string     // serialized event, opaque to the store
	CorrelationId *string    // optional caller supplied correlation token
	OccurredOn    time.Time  // business time of the event, never updated
	ProcessedOn   *time.Time // set once when the message reaches a terminal state
	RetryCount    int        // number of failed delivery attempts
	NextRetryAt   *time.Time // earliest time the message is due again
	Error         *string    // last failure reason
}

// IsProcessed reports whether the message reached a terminal state.
func (m *Message) IsProcessed() bool {
	return m.ProcessedOn != nil
}

// IsDue reports whether a pending message can be picked up at now.
func (m *Message) IsDue(now time.Time) bool {
	if m.IsProcessed() {
		return false
	}
	return m.NextRetryAt == nil || !m.NextRetryAt.After(now)
}

// inUTC moves every timestamp of m to UTC. Drivers decode TIMESTAMPTZ in the
// local zone.
func (m *Message) inUTC() *Message {
	if m == nil {
		return nil
	}
	m.OccurredOn = m.OccurredOn.UTC()
	m.ProcessedOn = utcPtr(m.ProcessedOn)
	m.NextRetryAt = utcPtr(m.NextRetryAt)
	return m
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func allInUTC(msgs []*Message) []*Message {
	for _, m := range msgs {
		m.inUTC()
	}
	return msgs
}

func (m *Message) String() string {
	return fmt.Sprintf("{id=%d, type=%s, retryCount=%d, processed=%t}",
		m.Id,
		m.Type,
		m.RetryCount,
		m.IsProcessed())
}

// Outcome is the result of a state transition that did not fail. Unknown
// ids and already closed messages are reported here instead of as errors so
// that dispatchers can repeat acknowledgements safely.
type Outcome int

const (
	Applied         Outcome = iota // the transition was written
	NotFound                       // no message with that id
	AlreadyTerminal                // the message was already processed or dead-lettered
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case NotFound:
		return "not found"
	case AlreadyTerminal:
		return "already terminal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// SortByOccurrence orders msgs by OccurredOn and then by Id, the order in
// which pending messages are handed out.
func SortByOccurrence(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].OccurredOn.Equal(msgs[j].OccurredOn) {
			return msgs[i].OccurredOn.Before(msgs[j].OccurredOn)
		}
		return msgs[i].Id < msgs[j].Id
	})
}

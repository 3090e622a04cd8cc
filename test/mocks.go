package test

import (
	"context"
	"fmt"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/shopfront/relay/outbox"
	tally "github.com/uber-go/tally/v4"
)

type MockedTallyCounter struct {
	Ctr    int64
	Output chan int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.Ctr += delta
	c.Output <- c.Ctr
}

type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, internal chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg

	if p.RetVal != nil {
		return p.RetVal
	}

	// send a predefined delivery report to the delivery channel.
	go func() { internal <- p.MockedReportToSend }()

	return nil
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// TestLogger keeps every line it is asked to write.
type TestLogger struct {
	mu    sync.Mutex
	Lines []string
}

var _ outbox.Logger = (*TestLogger)(nil)

func (l *TestLogger) Debug(msg string) { l.add("DEBUG", msg) }

func (l *TestLogger) Info(msg string) { l.add("INFO", msg) }

func (l *TestLogger) Warn(msg string) { l.add("WARN", msg) }

func (l *TestLogger) Error(msg string, err error) { l.add("ERROR", fmt.Sprintf("%s: %v", msg, err)) }

func (l *TestLogger) add(level string, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Lines = append(l.Lines, level+" "+msg)
}

// Count returns how many lines were written at level.
func (l *TestLogger) Count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.Lines {
		if len(line) > len(level) && line[:len(level)+1] == level+" " {
			n++
		}
	}
	return n
}

// TestCounter is a goroutine safe counter.
type TestCounter struct {
	mu    sync.Mutex
	Value int64
}

var _ outbox.Counter = (*TestCounter)(nil)

func (c *TestCounter) Inc(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Value += delta
}

func (c *TestCounter) Get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Value
}

// FuncEmitter reports every message with the error returned by Deliver.
// Returning a non nil error from Produce simulates a producer failure.
type FuncEmitter struct {
	Produce func(m *outbox.Message) error
	Deliver func(m *outbox.Message) error
}

var _ outbox.Emitter = (*FuncEmitter)(nil)

func (e *FuncEmitter) Emit(_ context.Context, m *outbox.Message, reports chan<- *outbox.DeliveryReport) error {
	if e.Produce != nil {
		if err := e.Produce(m); err != nil {
			return err
		}
	}
	var err error
	if e.Deliver != nil {
		err = e.Deliver(m)
	}
	reports <- &outbox.DeliveryReport{Message: m, Error: err, Details: fmt.Sprintf("delivered %d", m.Id)}
	return nil
}

package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Dispatcher is the polling publisher. It claims due messages, hands them
// to the emitter and acknowledges every delivery report on the store.
// Several dispatchers may run against the same table: claims are leased per
// row, so a message is worked on by one dispatcher at a time.
type Dispatcher struct {
	id            uuid.UUID
	settings      Settings
	store         *Store
	emitter       Emitter
	logger        Logger
	successCtr    Counter
	errorCtr      Counter
	deadLetterCtr Counter
	running       atomic.Bool
}

// DispatcherOption allows optional configuration of a Dispatcher.
type DispatcherOption func(d *Dispatcher)

// WithOnSuccessCounter allows clients to configure an optional counter
// for observability.
func WithOnSuccessCounter(co Counter) DispatcherOption {
	return func(d *Dispatcher) {
		if co != nil {
			d.successCtr = co
		}
	}
}

// WithOnErrorCounter allows clients to configure an optional counter
// for observability.
func WithOnErrorCounter(co Counter) DispatcherOption {
	return func(d *Dispatcher) {
		if co != nil {
			d.errorCtr = co
		}
	}
}

// WithOnDeadLetterCounter allows clients to configure an optional counter
// for observability.
func WithOnDeadLetterCounter(co Counter) DispatcherOption {
	return func(d *Dispatcher) {
		if co != nil {
			d.deadLetterCtr = co
		}
	}
}

// WithCounters configures the success and error counters at once.
func WithCounters(success Counter, failure Counter) DispatcherOption {
	return func(d *Dispatcher) {
		WithOnSuccessCounter(success)(d)
		WithOnErrorCounter(failure)(d)
	}
}

// WithDispatcherId overrides the random lease owner id.
func WithDispatcherId(id uuid.UUID) DispatcherOption {
	return func(d *Dispatcher) {
		if id != uuid.Nil {
			d.id = id
		}
	}
}

// NewDispatcher creates a dispatcher that delivers the messages of s through
// e. It logs with the store logger.
func NewDispatcher(s *Store, e Emitter, settings Settings, options ...DispatcherOption) (*Dispatcher, error) {
	if s == nil {
		return nil, ErrStoreRequired
	}
	if e == nil {
		return nil, ErrEmitterRequired
	}
	validateSettings(&settings)

	d := &Dispatcher{
		id:            uuid.New(),
		settings:      settings,
		store:         s,
		emitter:       e,
		logger:        s.logger,
		successCtr:    &NopCounter{},
		errorCtr:      &NopCounter{},
		deadLetterCtr: &NopCounter{},
	}
	for _, o := range options {
		o(d)
	}
	injectLogger(d.logger, e)

	return d, nil
}

// Id returns the lease owner id of the dispatcher.
func (d *Dispatcher) Id() uuid.UUID {
	return d.id
}

// Run polls the outbox until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrDispatcherIsRunning
	}
	defer d.running.Store(false)

	d.logger.Info(fmt.Sprintf("dispatcher '%s' started", d.id))
	ticker := time.NewTicker(d.settings.PollingInterval)
	defer ticker.Stop()

	for {
		if _, err := d.ProcessOutbox(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("processing outbox", err)
		}
		select {
		case <-ctx.Done():
			d.logger.Info(fmt.Sprintf("dispatcher '%s' stopped", d.id))
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOutbox runs one polling cycle and returns how many messages were
// acknowledged as delivered.
func (d *Dispatcher) ProcessOutbox(ctx context.Context) (int, error) {
	batch, err := d.store.ClaimUnprocessedMessages(ctx, d.id, d.settings.MaxEventsPerBatch, d.settings.LeaseDuration)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}
	d.logger.Debug(fmt.Sprintf("sending %d outbox messages", len(batch)))

	// Buffered for the whole batch so emitters never block on reports.
	reports := make(chan *DeliveryReport, len(batch))
	pending := 0
	for _, m := range batch {
		if err := d.emitter.Emit(ctx, m, reports); err != nil {
			d.logger.Error(fmt.Sprintf("producing outbox message %d", m.Id), err)
			d.handleFailure(ctx, m, err)
			continue
		}
		pending++
	}

	delivered := 0
	for ; pending > 0; pending-- {
		select {
		case <-ctx.Done():
			// Unacknowledged messages are picked up again once their lease
			// expires.
			return delivered, ctx.Err()
		case dr := <-reports:
			if dr.Error != nil {
				d.logger.Error("delivery problem", dr.Error)
				d.handleFailure(ctx, dr.Message, dr.Error)
				continue
			}
			d.logger.Debug(dr.Details)
			if d.acknowledge(ctx, dr.Message) {
				delivered++
			}
		}
	}
	d.logger.Info(fmt.Sprintf("%d outbox messages delivered from a batch of %d", delivered, len(batch)))

	return delivered, nil
}

func (d *Dispatcher) acknowledge(ctx context.Context, m *Message) bool {
	o, err := d.store.MarkAsProcessed(ctx, m.Id, d.store.clock.Now())
	if err != nil {
		d.logger.Error(fmt.Sprintf("acknowledging outbox message %d", m.Id), err)
		return false
	}
	if o != Applied {
		d.logger.Warn(fmt.Sprintf("outbox message %d delivered but %s", m.Id, o))
		return false
	}
	d.successCtr.Inc(1)
	return true
}

// handleFailure schedules a retry while the policy allows it and
// dead-letters the message otherwise.
func (d *Dispatcher) handleFailure(ctx context.Context, m *Message, cause error) {
	now := d.store.clock.Now()
	if d.store.CanRetry(m) {
		o, err := d.store.MarkAsFailed(ctx, m.Id, cause.Error(), now)
		if err != nil {
			d.logger.Error(fmt.Sprintf("marking outbox message %d as failed", m.Id), err)
			return
		}
		if o == Applied {
			d.errorCtr.Inc(1)
		}
		return
	}
	o, err := d.store.MarkAsDeadLetter(ctx, m.Id, cause.Error(), now)
	if err != nil {
		d.logger.Error(fmt.Sprintf("dead-lettering outbox message %d", m.Id), err)
		return
	}
	if o == Applied {
		d.deadLetterCtr.Inc(1)
	}
}

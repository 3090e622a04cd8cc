package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// maxOptimisticAttempts bounds the re-read loop of MarkAsFailed when another
// caller changes the retry count between the read and the guarded update.
const maxOptimisticAttempts = 3

// Store is the outbox store. It holds no locks and starts no goroutines;
// every call is a short sequence of repository statements.
type Store struct {
	repository Repository
	registry   *Registry
	clock      Clock
	policy     RetryPolicy
	logger     Logger
	optionErr  error
}

// StoreOption allows optional configuration of a Store.
type StoreOption func(s *Store)

// WithLogger allows clients to configure an optional logger. The logger is
// also handed to the repository when it is Loggable.
func WithLogger(l Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces the system clock.
func WithClock(c Clock) StoreOption {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithRetryPolicy configures backoff and the dead-letter threshold.
func WithRetryPolicy(p RetryPolicy) StoreOption {
	return func(s *Store) {
		if err := validateRetryPolicy(&p); err != nil {
			s.optionErr = err
			return
		}
		s.policy = p
	}
}

// New creates a Store on top of the provided repository. Events are encoded
// with the registry.
func New(r Repository, reg *Registry, options ...StoreOption) (*Store, error) {
	if r == nil {
		return nil, ErrRepositoryRequired
	}
	if reg == nil {
		return nil, ErrRegistryRequired
	}

	s := &Store{
		repository: r,
		registry:   reg,
		clock:      SystemClock{},
		policy:     DefaultRetryPolicy(),
		logger:     &NopLogger{},
	}
	for _, o := range options {
		o(s)
	}
	if s.optionErr != nil {
		return nil, s.optionErr
	}
	injectLogger(s.logger, r)

	return s, nil
}

// Policy returns the retry policy in use.
func (s *Store) Policy() RetryPolicy {
	return s.policy
}

// Registry returns the event registry in use.
func (s *Store) Registry() *Registry {
	return s.registry
}

// AddEvent records e in the outbox. When ctx carries the caller's business
// transaction the row commits or rolls back with it; an error here means the
// business operation must not be considered successful.
func (s *Store) AddEvent(ctx context.Context, e Event, correlationId string) (*Message, error) {
	if isNilEvent(e) {
		return nil, ErrEventRequired
	}
	eventType, content, err := s.registry.Encode(e)
	if err != nil {
		return nil, fmt.Errorf("could not persist outbox event %q: %w", e.EventType(), err)
	}

	m := &Message{
		Type:       eventType,
		Content:    content,
		OccurredOn: e.OccurredOn().UTC(),
	}
	if correlationId != "" {
		m.CorrelationId = &correlationId
	}

	if err := s.repository.Insert(ctx, m); err != nil {
		return nil, fmt.Errorf("could not persist outbox event %q: %w", eventType, err)
	}
	s.logger.Debug(fmt.Sprintf("outbox message %d of type %s recorded", m.Id, m.Type))

	return m, nil
}

// GetUnprocessedMessages returns up to batchSize pending messages that are
// due now, oldest business event first. It does not modify anything.
func (s *Store) GetUnprocessedMessages(ctx context.Context, batchSize int) ([]*Message, error) {
	if batchSize <= 0 {
		return nil, ErrInvalidBatchSize
	}
	msgs, err := s.repository.FindUnprocessed(ctx, s.clock.Now(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("could not read unprocessed outbox messages: %w", err)
	}
	return allInUTC(msgs), nil
}

// ClaimUnprocessedMessages selects due messages like GetUnprocessedMessages
// and leases them to owner for the given duration, so concurrent dispatchers
// never work on the same message while the lease is alive.
func (s *Store) ClaimUnprocessedMessages(ctx context.Context, owner uuid.UUID, batchSize int, lease time.Duration) ([]*Message, error) {
	if batchSize <= 0 {
		return nil, ErrInvalidBatchSize
	}
	if lease <= 0 {
		return nil, ErrInvalidLease
	}
	now := s.clock.Now()
	msgs, err := s.repository.ClaimUnprocessed(ctx, owner, now, now.Add(lease), batchSize)
	if err != nil {
		return nil, fmt.Errorf("could not claim outbox messages for %s: %w", owner, err)
	}
	return allInUTC(msgs), nil
}

// GetById returns the message with the given id. The boolean is false when it
// does not exist.
func (s *Store) GetById(ctx context.Context, id int64) (*Message, bool, error) {
	m, err := s.repository.FindByID(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("could not read outbox message %d: %w", id, err)
	}
	return m.inUTC(), m != nil, nil
}

// CanRetry reports whether m is still pending and below the dead-letter
// threshold.
func (s *Store) CanRetry(m *Message) bool {
	return s.policy.CanRetry(m)
}

// MarkAsProcessed closes a message as delivered. Acknowledging an unknown or
// already closed message is not an error.
func (s *Store) MarkAsProcessed(ctx context.Context, id int64, processedAt time.Time) (Outcome, error) {
	ok, err := s.repository.MarkProcessed(ctx, id, processedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("could not mark outbox message %d as processed: %w", id, err)
	}
	if ok {
		return Applied, nil
	}
	return s.explainMiss(ctx, id, "processed")
}

// MarkAsFailed records a transient failure: the retry count grows by one and
// the message is pushed out by the backoff of the new count. The message
// stays pending.
func (s *Store) MarkAsFailed(ctx context.Context, id int64, reason string, failedAt time.Time) (Outcome, error) {
	failedAt = failedAt.UTC()
	for attempt := 0; attempt < maxOptimisticAttempts; attempt++ {
		m, err := s.repository.FindByID(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("could not mark outbox message %d as failed: %w", id, err)
		}
		if m == nil {
			s.logger.Warn(fmt.Sprintf("outbox message %d not found while marking it as failed", id))
			return NotFound, nil
		}
		if m.IsProcessed() {
			s.logger.Warn(fmt.Sprintf("outbox message %d is already terminal, failure ignored", id))
			return AlreadyTerminal, nil
		}

		retryCount := m.RetryCount + 1
		next := s.policy.NextRetryAt(retryCount, failedAt)
		ok, err := s.repository.MarkFailed(ctx, id, m.RetryCount, reason, next)
		if err != nil {
			return 0, fmt.Errorf("could not mark outbox message %d as failed: %w", id, err)
		}
		if ok {
			s.logger.Debug(fmt.Sprintf("outbox message %d failed %d time(s), next retry at %s",
				id, retryCount, next.Format(time.RFC3339)))
			return Applied, nil
		}
		s.logger.Debug(fmt.Sprintf("outbox message %d changed while marking it as failed, retrying", id))
	}
	return 0, fmt.Errorf("could not mark outbox message %d as failed: %w", id, ErrConcurrentUpdate)
}

// MarkAsDeadLetter closes a message as permanently failed. The retry count
// is pinned to the policy threshold and reason is kept for operators.
func (s *Store) MarkAsDeadLetter(ctx context.Context, id int64, reason string, failedAt time.Time) (Outcome, error) {
	ok, err := s.repository.MarkDeadLetter(ctx, id, s.policy.MaxRetries, reason, failedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("could not dead-letter outbox message %d: %w", id, err)
	}
	if ok {
		s.logger.Warn(fmt.Sprintf("outbox message %d dead-lettered: %s", id, reason))
		return Applied, nil
	}
	return s.explainMiss(ctx, id, "dead-lettered")
}

// CleanupProcessedMessages deletes every processed or dead-lettered message
// closed more than olderThan ago and returns how many rows were removed.
func (s *Store) CleanupProcessedMessages(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, ErrInvalidRetention
	}
	cutoff := s.clock.Now().Add(-olderThan)
	n, err := s.repository.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("could not clean up outbox messages processed before %s: %w",
			cutoff.Format(time.RFC3339Nano), err)
	}
	if n > 0 {
		s.logger.Info(fmt.Sprintf("%d processed outbox messages deleted", n))
	}
	return n, nil
}

// explainMiss tells apart an unknown id from a message that is already closed
// after a guarded update matched no row.
func (s *Store) explainMiss(ctx context.Context, id int64, transition string) (Outcome, error) {
	m, err := s.repository.FindByID(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("could not mark outbox message %d as %s: %w", id, transition, err)
	}
	if m == nil {
		s.logger.Warn(fmt.Sprintf("outbox message %d not found while marking it as %s", id, transition))
		return NotFound, nil
	}
	s.logger.Debug(fmt.Sprintf("outbox message %d is already terminal, not marked as %s", id, transition))
	return AlreadyTerminal, nil
}

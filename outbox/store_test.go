package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopfront/relay/outbox"
	"github.com/shopfront/relay/repository/memory"
	"github.com/shopfront/relay/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const maxRetries = 5

type fixture struct {
	ctx   context.Context
	repo  *memory.Repository
	clock *test.Clock
	store *outbox.Store
	log   *test.TestLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:   context.Background(),
		repo:  memory.New(),
		clock: test.NewClock(test.T0),
		log:   &test.TestLogger{},
	}
	s, err := outbox.New(f.repo, test.NewRegistry(),
		outbox.WithClock(f.clock),
		outbox.WithLogger(f.log),
		outbox.WithRetryPolicy(outbox.RetryPolicy{MaxRetries: maxRetries, BaseDelay: time.Second}))
	require.NoError(t, err)
	f.store = s
	return f
}

func (f *fixture) add(t *testing.T, at time.Time) *outbox.Message {
	t.Helper()
	m, err := f.store.AddEvent(f.ctx, test.OrderPlaced{OrderId: "o-1", Total: 1250, At: at}, "")
	require.NoError(t, err)
	return m
}

func (f *fixture) get(t *testing.T, id int64) *outbox.Message {
	t.Helper()
	m, found, err := f.store.GetById(f.ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	return m
}

func ids(msgs []*outbox.Message) []int64 {
	result := make([]int64, len(msgs))
	for i, m := range msgs {
		result[i] = m.Id
	}
	return result
}

func TestNew(t *testing.T) {
	testcases := []struct {
		name     string
		repo     outbox.Repository
		registry *outbox.Registry
		options  []outbox.StoreOption
		wantErr  error
	}{
		{
			name:     "valid repository and registry",
			repo:     memory.New(),
			registry: outbox.NewRegistry(),
		},
		{
			name:     "repository is nil",
			registry: outbox.NewRegistry(),
			wantErr:  outbox.ErrRepositoryRequired,
		},
		{
			name:    "registry is nil",
			repo:    memory.New(),
			wantErr: outbox.ErrRegistryRequired,
		},
		{
			name:     "retry policy whose max delay flattens the backoff",
			repo:     memory.New(),
			registry: outbox.NewRegistry(),
			options: []outbox.StoreOption{
				outbox.WithRetryPolicy(outbox.RetryPolicy{MaxRetries: 4, BaseDelay: time.Second, MaxDelay: 2 * time.Second}),
			},
			wantErr: outbox.ErrInvalidRetryPolicy,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := outbox.New(tc.repo, tc.registry, tc.options...)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Nil(t, s)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, outbox.DefaultRetryPolicy(), s.Policy())
			}
		})
	}
}

func TestAddEvent(t *testing.T) {
	f := newFixture(t)
	occurred := test.T0.Add(-time.Minute)

	m, err := f.store.AddEvent(f.ctx, test.OrderPlaced{OrderId: "o-9", Total: 990, At: occurred}, "corr-1")

	require.NoError(t, err)
	assert.Greater(t, m.Id, int64(0))
	assert.Equal(t, test.OrderPlacedType, m.Type)
	assert.JSONEq(t, `{"orderId":"o-9","total":990}`, m.Content)
	assert.Equal(t, 0, m.RetryCount)
	assert.Nil(t, m.ProcessedOn)
	assert.Nil(t, m.NextRetryAt)
	assert.Nil(t, m.Error)
	require.NotNil(t, m.CorrelationId)
	assert.Equal(t, "corr-1", *m.CorrelationId)
	assert.True(t, occurred.Equal(m.OccurredOn))

	stored := f.get(t, m.Id)
	assert.Equal(t, m, stored)

	event, err := f.store.Registry().DecodeMessage(stored)
	require.NoError(t, err)
	assert.Equal(t, "o-9", event.(test.OrderPlaced).OrderId)
}

func TestAddEventAssignsIncreasingIds(t *testing.T) {
	f := newFixture(t)
	first := f.add(t, test.T0)
	second, err := f.store.AddEvent(f.ctx, &test.PaymentCaptured{PaymentId: "p-1", At: test.T0}, "")
	require.NoError(t, err)

	assert.Greater(t, second.Id, first.Id)
	assert.Nil(t, second.CorrelationId)
	assert.Equal(t, test.PaymentCapturedType, second.Type)
}

type unknownEvent struct{}

func (unknownEvent) EventType() string     { return "unknown.Event" }
func (unknownEvent) OccurredOn() time.Time { return test.T0 }

type failingRepository struct {
	outbox.Repository
	err error
}

func (r *failingRepository) Insert(context.Context, *outbox.Message) error {
	return r.err
}

func (r *failingRepository) DeleteProcessedBefore(context.Context, time.Time) (int64, error) {
	return 0, r.err
}

func (r *failingRepository) MarkProcessed(context.Context, int64, time.Time) (bool, error) {
	return false, r.err
}

func TestAddEventErrors(t *testing.T) {
	testcases := []struct {
		name       string
		repo       outbox.Repository
		event      outbox.Event
		wantErr    error
		wantErrMsg string
	}{
		{
			name:    "nil event",
			repo:    memory.New(),
			wantErr: outbox.ErrEventRequired,
		},
		{
			name:    "nil pointer event",
			repo:    memory.New(),
			event:   (*test.PaymentCaptured)(nil),
			wantErr: outbox.ErrEventRequired,
		},
		{
			name:       "unregistered event type",
			repo:       memory.New(),
			event:      unknownEvent{},
			wantErr:    outbox.ErrUnknownEventType,
			wantErrMsg: `could not persist outbox event "unknown.Event": event type is not registered: "unknown.Event"`,
		},
		{
			name:       "persistence failure is wrapped with the event type",
			repo:       &failingRepository{Repository: memory.New(), err: errors.New("error#1")},
			event:      test.OrderPlaced{At: test.T0},
			wantErrMsg: `could not persist outbox event "orders.OrderPlaced": error#1`,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := outbox.New(tc.repo, test.NewRegistry())
			require.NoError(t, err)

			m, err := s.AddEvent(context.Background(), tc.event, "")

			assert.Nil(t, m)
			require.Error(t, err)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
			if tc.wantErrMsg != "" {
				assert.Equal(t, tc.wantErrMsg, err.Error())
			}
		})
	}
}

func TestGetUnprocessedMessagesInvalidBatchSize(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.GetUnprocessedMessages(f.ctx, 0)
	assert.ErrorIs(t, err, outbox.ErrInvalidBatchSize)
}

func TestGetUnprocessedMessagesFiltersAndLimits(t *testing.T) {
	f := newFixture(t)
	processed := f.add(t, test.T0.Add(-4*time.Minute))
	dead := f.add(t, test.T0.Add(-3*time.Minute))
	backedOff := f.add(t, test.T0.Add(-2*time.Minute))
	pending1 := f.add(t, test.T0.Add(-time.Minute))
	pending2 := f.add(t, test.T0)

	_, err := f.store.MarkAsProcessed(f.ctx, processed.Id, test.T0)
	require.NoError(t, err)
	_, err = f.store.MarkAsDeadLetter(f.ctx, dead.Id, "poison", test.T0)
	require.NoError(t, err)
	_, err = f.store.MarkAsFailed(f.ctx, backedOff.Id, "timeout", test.T0)
	require.NoError(t, err)

	msgs, err := f.store.GetUnprocessedMessages(f.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{pending1.Id, pending2.Id}, ids(msgs))
	for _, m := range msgs {
		assert.Nil(t, m.ProcessedOn)
		if m.NextRetryAt != nil {
			assert.False(t, m.NextRetryAt.After(f.clock.Now()))
		}
	}

	limited, err := f.store.GetUnprocessedMessages(f.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{pending1.Id}, ids(limited))
}

func TestGetUnprocessedMessagesIsReadOnly(t *testing.T) {
	f := newFixture(t)
	m := f.add(t, test.T0)

	for i := 0; i < 3; i++ {
		msgs, err := f.store.GetUnprocessedMessages(f.ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{m.Id}, ids(msgs))
	}
	assert.Equal(t, m, f.get(t, m.Id))
}

func TestMarkAsFailedBackoffGrows(t *testing.T) {
	f := newFixture(t)
	m := f.add(t, test.T0)
	failedAt := test.T0

	var previous time.Duration
	for i := 1; i <= 3; i++ {
		o, err := f.store.MarkAsFailed(f.ctx, m.Id, "net error", failedAt)
		require.NoError(t, err)
		assert.Equal(t, outbox.Applied, o)

		stored := f.get(t, m.Id)
		assert.Equal(t, i, stored.RetryCount)
		require.NotNil(t, stored.Error)
		assert.Equal(t, "net error", *stored.Error)
		assert.Nil(t, stored.ProcessedOn)
		require.NotNil(t, stored.NextRetryAt)

		delay := stored.NextRetryAt.Sub(failedAt)
		assert.Greater(t, delay, previous, "delay after failure %d", i)
		assert.False(t, stored.NextRetryAt.Before(failedAt))
		previous = delay
	}
}

func TestMarkAsProcessedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	m := f.add(t, test.T0)
	t1 := test.T0.Add(time.Second)
	t2 := test.T0.Add(time.Hour)

	o, err := f.store.MarkAsProcessed(f.ctx, m.Id, t1)
	require.NoError(t, err)
	assert.Equal(t, outbox.Applied, o)
	once := f.get(t, m.Id)

	o, err = f.store.MarkAsProcessed(f.ctx, m.Id, t2)
	require.NoError(t, err)
	assert.Equal(t, outbox.AlreadyTerminal, o)
	assert.Equal(t, once, f.get(t, m.Id))
	assert.True(t, t1.Equal(*once.ProcessedOn))
}

func TestMarkAsProcessedKeepsFailureHistory(t *testing.T) {
	f := newFixture(t)
	m := f.add(t, test.T0)
	_, err := f.store.MarkAsFailed(f.ctx, m.Id, "timeout", test.T0)
	require.NoError(t, err)

	_, err = f.store.MarkAsProcessed(f.ctx, m.Id, test.T0.Add(time.Minute))
	require.NoError(t, err)

	stored := f.get(t, m.Id)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.Error)
	assert.Equal(t, "timeout", *stored.Error)
}

// Unknown ids are a soft outcome while storage failures are errors.
func TestMutationsOnUnknownIdAreNotErrors(t *testing.T) {
	f := newFixture(t)
	const unknown = int64(4242)

	o, err := f.store.MarkAsProcessed(f.ctx, unknown, test.T0)
	assert.NoError(t, err)
	assert.Equal(t, outbox.NotFound, o)

	o, err = f.store.MarkAsFailed(f.ctx, unknown, "boom", test.T0)
	assert.NoError(t, err)
	assert.Equal(t, outbox.NotFound, o)

	o, err = f.store.MarkAsDeadLetter(f.ctx, unknown, "boom", test.T0)
	assert.NoError(t, err)
	assert.Equal(t, outbox.NotFound, o)

	assert.Equal(t, 0, f.repo.Len())
	assert.Equal(t, 3, f.log.Count("WARN"))

	_, found, err := f.store.GetById(f.ctx, unknown)
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestMutationStorageFailureIsAnError(t *testing.T) {
	repo := &failingRepository{Repository: memory.New(), err: errors.New("connection reset")}
	s, err := outbox.New(repo, test.NewRegistry())
	require.NoError(t, err)

	o, err := s.MarkAsProcessed(context.Background(), 1, test.T0)

	assert.Equal(t, outbox.Outcome(0), o)
	assert.EqualError(t, err, "could not mark outbox message 1 as processed: connection reset")
}

func TestMarkAsDeadLetter(t *testing.T) {
	f := newFixture(t)
	m := f.add(t, test.T0)
	_, err := f.store.MarkAsFailed(f.ctx, m.Id, "timeout", test.T0)
	require.NoError(t, err)

	o, err := f.store.MarkAsDeadLetter(f.ctx, m.Id, "schema mismatch", test.T0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, outbox.Applied, o)

	stored := f.get(t, m.Id)
	require.NotNil(t, stored.ProcessedOn)
	assert.Equal(t, maxRetries, stored.RetryCount)
	assert.Equal(t, "schema mismatch", *stored.Error)
	assert.False(t, f.store.CanRetry(stored))

	f.clock.Advance(24 * time.Hour)
	msgs, err := f.store.GetUnprocessedMessages(f.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	o, err = f.store.MarkAsFailed(f.ctx, m.Id, "late failure", test.T0)
	require.NoError(t, err)
	assert.Equal(t, outbox.AlreadyTerminal, o)
	assert.Equal(t, maxRetries, f.get(t, m.Id).RetryCount)
}

func TestCanRetry(t *testing.T) {
	f := newFixture(t)
	testcases := []struct {
		name string
		msg  *outbox.Message
		want bool
	}{
		{name: "nil message", msg: nil, want: false},
		{name: "fresh message", msg: &outbox.Message{}, want: true},
		{name: "below threshold", msg: &outbox.Message{RetryCount: maxRetries - 1}, want: true},
		{name: "at threshold", msg: &outbox.Message{RetryCount: maxRetries}, want: false},
		{name: "processed", msg: &outbox.Message{ProcessedOn: test.Ptr(test.T0)}, want: false},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, f.store.CanRetry(tc.msg))
		})
	}
}

func TestCleanupProcessedMessages(t *testing.T) {
	f := newFixture(t)
	oldProcessed := f.add(t, test.T0)
	oldDead := f.add(t, test.T0)
	recentProcessed := f.add(t, test.T0)
	recentDead := f.add(t, test.T0)
	pending := f.add(t, test.T0)

	_, err := f.store.MarkAsProcessed(f.ctx, oldProcessed.Id, test.T0)
	require.NoError(t, err)
	_, err = f.store.MarkAsDeadLetter(f.ctx, oldDead.Id, "gone", test.T0)
	require.NoError(t, err)
	_, err = f.store.MarkAsProcessed(f.ctx, recentProcessed.Id, test.T0.Add(6*24*time.Hour))
	require.NoError(t, err)
	_, err = f.store.MarkAsDeadLetter(f.ctx, recentDead.Id, "gone", test.T0.Add(6*24*time.Hour))
	require.NoError(t, err)

	f.clock.Set(test.T0.Add(8 * 24 * time.Hour))
	n, err := f.store.CleanupProcessedMessages(f.ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, m := range []*outbox.Message{oldProcessed, oldDead} {
		_, found, err := f.store.GetById(f.ctx, m.Id)
		require.NoError(t, err)
		assert.False(t, found)
	}
	for _, m := range []*outbox.Message{recentProcessed, recentDead, pending} {
		f.get(t, m.Id)
	}

	n, err = f.store.CleanupProcessedMessages(f.ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCleanupProcessedMessagesErrors(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.CleanupProcessedMessages(f.ctx, -time.Second)
	assert.ErrorIs(t, err, outbox.ErrInvalidRetention)

	repo := &failingRepository{Repository: memory.New(), err: errors.New("disk full")}
	s, err := outbox.New(repo, test.NewRegistry(), outbox.WithClock(test.NewClock(test.T0)))
	require.NoError(t, err)

	_, err = s.CleanupProcessedMessages(context.Background(), time.Hour)
	assert.EqualError(t, err, "could not clean up outbox messages processed before 2024-03-01T11:00:00Z: disk full")
}

func TestClaimUnprocessedMessages(t *testing.T) {
	f := newFixture(t)
	first := f.add(t, test.T0.Add(-time.Minute))
	second := f.add(t, test.T0)
	ownerA, ownerB := uuid.New(), uuid.New()

	claimed, err := f.store.ClaimUnprocessedMessages(f.ctx, ownerA, 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []int64{first.Id}, ids(claimed))

	claimed, err = f.store.ClaimUnprocessedMessages(f.ctx, ownerB, 10, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []int64{second.Id}, ids(claimed))

	// leased rows stay visible to the plain read
	msgs, err := f.store.GetUnprocessedMessages(f.ctx, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	f.clock.Advance(time.Minute)
	claimed, err = f.store.ClaimUnprocessedMessages(f.ctx, ownerB, 10, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []int64{first.Id, second.Id}, ids(claimed))

	_, err = f.store.ClaimUnprocessedMessages(f.ctx, ownerB, 10, 0)
	assert.ErrorIs(t, err, outbox.ErrInvalidLease)
}

func TestAcknowledgementReleasesLease(t *testing.T) {
	f := newFixture(t)
	m := f.add(t, test.T0)
	owner := uuid.New()

	_, err := f.store.ClaimUnprocessedMessages(f.ctx, owner, 10, time.Hour)
	require.NoError(t, err)
	_, err = f.store.MarkAsFailed(f.ctx, m.Id, "timeout", test.T0)
	require.NoError(t, err)

	f.clock.Set(*f.get(t, m.Id).NextRetryAt)
	claimed, err := f.store.ClaimUnprocessedMessages(f.ctx, uuid.New(), 10, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []int64{m.Id}, ids(claimed))
}

// racingRepository bumps the retry count behind the store's back once.
type racingRepository struct {
	*memory.Repository
	raced bool
	calls int
}

func (r *racingRepository) MarkFailed(ctx context.Context, id int64, expected int, reason string, next time.Time) (bool, error) {
	r.calls++
	if !r.raced {
		r.raced = true
		if _, err := r.Repository.MarkFailed(ctx, id, expected, "concurrent", next); err != nil {
			return false, err
		}
	}
	return r.Repository.MarkFailed(ctx, id, expected, reason, next)
}

func TestMarkAsFailedRetriesOnConcurrentUpdate(t *testing.T) {
	repo := &racingRepository{Repository: memory.New()}
	s, err := outbox.New(repo, test.NewRegistry(), outbox.WithClock(test.NewClock(test.T0)))
	require.NoError(t, err)
	m, err := s.AddEvent(context.Background(), test.OrderPlaced{At: test.T0}, "")
	require.NoError(t, err)

	o, err := s.MarkAsFailed(context.Background(), m.Id, "timeout", test.T0)

	require.NoError(t, err)
	assert.Equal(t, outbox.Applied, o)
	assert.Equal(t, 2, repo.calls)
	stored, _, err := s.GetById(context.Background(), m.Id)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.RetryCount)
	assert.Equal(t, "timeout", *stored.Error)
}

type conflictingRepository struct {
	*memory.Repository
}

func (r *conflictingRepository) MarkFailed(context.Context, int64, int, string, time.Time) (bool, error) {
	return false, nil
}

func TestMarkAsFailedGivesUpAfterRepeatedConflicts(t *testing.T) {
	repo := &conflictingRepository{Repository: memory.New()}
	s, err := outbox.New(repo, test.NewRegistry())
	require.NoError(t, err)
	m, err := s.AddEvent(context.Background(), test.OrderPlaced{At: test.T0}, "")
	require.NoError(t, err)

	_, err = s.MarkAsFailed(context.Background(), m.Id, "timeout", test.T0)

	assert.ErrorIs(t, err, outbox.ErrConcurrentUpdate)
}

func TestScenarioDeliveredOnFirstAttempt(t *testing.T) {
	f := newFixture(t)
	e1 := f.add(t, test.T0)

	msgs, err := f.store.GetUnprocessedMessages(f.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{e1.Id}, ids(msgs))

	_, err = f.store.MarkAsProcessed(f.ctx, e1.Id, test.T0.Add(time.Second))
	require.NoError(t, err)

	msgs, err = f.store.GetUnprocessedMessages(f.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestScenarioBackedOffUntilDue(t *testing.T) {
	f := newFixture(t)
	e2 := f.add(t, test.T0)

	_, err := f.store.MarkAsFailed(f.ctx, e2.Id, "net error", test.T0)
	require.NoError(t, err)
	stored := f.get(t, e2.Id)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.NextRetryAt)
	assert.True(t, stored.NextRetryAt.After(test.T0))

	msgs, err := f.store.GetUnprocessedMessages(f.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	f.clock.Set(*stored.NextRetryAt)
	msgs, err = f.store.GetUnprocessedMessages(f.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{e2.Id}, ids(msgs))
}

func TestScenarioDeadLetteredAfterThreshold(t *testing.T) {
	f := newFixture(t)
	e3 := f.add(t, test.T0)

	for i := 0; i < maxRetries; i++ {
		stored := f.get(t, e3.Id)
		require.True(t, f.store.CanRetry(stored))
		_, err := f.store.MarkAsFailed(f.ctx, e3.Id, "net error", f.clock.Now())
		require.NoError(t, err)
		f.clock.Set(*f.get(t, e3.Id).NextRetryAt)
	}
	require.False(t, f.store.CanRetry(f.get(t, e3.Id)))

	_, err := f.store.MarkAsDeadLetter(f.ctx, e3.Id, "retries exhausted", f.clock.Now())
	require.NoError(t, err)

	stored := f.get(t, e3.Id)
	assert.Equal(t, maxRetries, stored.RetryCount)
	assert.NotNil(t, stored.ProcessedOn)
	f.clock.Advance(365 * 24 * time.Hour)
	msgs, err := f.store.GetUnprocessedMessages(f.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestScenarioOrderedByOccurrence(t *testing.T) {
	f := newFixture(t)
	t1 := test.T0.Add(-2 * time.Minute)
	t2 := test.T0.Add(-time.Minute)
	e5 := f.add(t, t2)
	e4 := f.add(t, t1)

	msgs, err := f.store.GetUnprocessedMessages(f.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{e4.Id, e5.Id}, ids(msgs))
}

// localZoneRepository returns timestamps in a non UTC zone, the way pgx
// decodes TIMESTAMPTZ.
type localZoneRepository struct {
	*memory.Repository
}

var cet = time.FixedZone("CET", 3600)

func inCET(m *outbox.Message) *outbox.Message {
	if m == nil {
		return nil
	}
	m.OccurredOn = m.OccurredOn.In(cet)
	if m.ProcessedOn != nil {
		m.ProcessedOn = test.Ptr(m.ProcessedOn.In(cet))
	}
	if m.NextRetryAt != nil {
		m.NextRetryAt = test.Ptr(m.NextRetryAt.In(cet))
	}
	return m
}

func (r *localZoneRepository) FindByID(ctx context.Context, id int64) (*outbox.Message, error) {
	m, err := r.Repository.FindByID(ctx, id)
	return inCET(m), err
}

func (r *localZoneRepository) FindUnprocessed(ctx context.Context, now time.Time, limit int) ([]*outbox.Message, error) {
	msgs, err := r.Repository.FindUnprocessed(ctx, now, limit)
	for _, m := range msgs {
		inCET(m)
	}
	return msgs, err
}

func (r *localZoneRepository) ClaimUnprocessed(ctx context.Context, owner uuid.UUID, now time.Time, leaseUntil time.Time, limit int) ([]*outbox.Message, error) {
	msgs, err := r.Repository.ClaimUnprocessed(ctx, owner, now, leaseUntil, limit)
	for _, m := range msgs {
		inCET(m)
	}
	return msgs, err
}

func TestReadsAreNormalizedToUTC(t *testing.T) {
	clock := test.NewClock(test.T0)
	s, err := outbox.New(&localZoneRepository{Repository: memory.New()}, test.NewRegistry(), outbox.WithClock(clock))
	require.NoError(t, err)
	ctx := context.Background()

	failed, err := s.AddEvent(ctx, test.OrderPlaced{At: test.T0.Add(-time.Hour)}, "")
	require.NoError(t, err)
	_, err = s.MarkAsFailed(ctx, failed.Id, "timeout", test.T0.Add(-time.Minute))
	require.NoError(t, err)
	processed, err := s.AddEvent(ctx, test.OrderPlaced{At: test.T0.Add(-time.Hour)}, "")
	require.NoError(t, err)
	_, err = s.MarkAsProcessed(ctx, processed.Id, test.T0)
	require.NoError(t, err)

	assertUTC := func(m *outbox.Message) {
		t.Helper()
		assert.Equal(t, time.UTC, m.OccurredOn.Location())
		if m.ProcessedOn != nil {
			assert.Equal(t, time.UTC, m.ProcessedOn.Location())
		}
		if m.NextRetryAt != nil {
			assert.Equal(t, time.UTC, m.NextRetryAt.Location())
		}
	}

	m, found, err := s.GetById(ctx, processed.Id)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, m.ProcessedOn)
	assertUTC(m)
	assert.Equal(t, test.T0, *m.ProcessedOn)

	m, found, err = s.GetById(ctx, failed.Id)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, m.NextRetryAt)
	assertUTC(m)

	pending, err := s.GetUnprocessedMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assertUTC(pending[0])

	claimed, err := s.ClaimUnprocessedMessages(ctx, uuid.New(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assertUTC(claimed[0])
}

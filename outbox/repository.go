package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TxKey is the context key under which callers put their business
// transaction. Repositories built with the same key write outbox rows in
// that transaction.
type TxKey any

// Repository manages the persistent operations on the outbox table. The
// store holds all the policy; implementations only translate these calls to
// their storage engine and must make each call a single atomic statement.
type Repository interface {

	// Insert persists m and assigns m.Id. If ctx carries a transaction under
	// the repository TxKey the row is written in it.
	Insert(ctx context.Context, m *Message) error

	// FindUnprocessed returns at most limit pending messages that are due at
	// now, oldest OccurredOn first.
	FindUnprocessed(ctx context.Context, now time.Time, limit int) ([]*Message, error)

	// ClaimUnprocessed works like FindUnprocessed but skips rows leased to
	// somebody else and stamps the returned rows with owner until leaseUntil
	// in the same statement.
	ClaimUnprocessed(ctx context.Context, owner uuid.UUID, now time.Time, leaseUntil time.Time, limit int) ([]*Message, error)

	// FindByID returns the message or nil when it does not exist.
	FindByID(ctx context.Context, id int64) (*Message, error)

	// MarkProcessed sets processed_on_utc on a pending message. It reports
	// false when no pending row matched.
	MarkProcessed(ctx context.Context, id int64, processedAt time.Time) (bool, error)

	// MarkFailed stores a failure on a pending message whose retry count is
	// still expectedRetryCount. It reports false when no row matched.
	MarkFailed(ctx context.Context, id int64, expectedRetryCount int, reason string, nextRetryAt time.Time) (bool, error)

	// MarkDeadLetter closes a pending message with retryCount and reason. It
	// reports false when no pending row matched.
	MarkDeadLetter(ctx context.Context, id int64, retryCount int, reason string, failedAt time.Time) (bool, error)

	// DeleteProcessedBefore deletes the messages processed strictly before
	// cutoff in one statement and returns how many were removed.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

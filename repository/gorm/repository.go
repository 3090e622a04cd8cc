package gorm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopfront/relay/outbox"
	"gorm.io/gorm"
)

const (
	messageColumns      = "id, type, content, correlation_id, occurred_on_utc, processed_on_utc, retry_count, next_retry_utc, error"
	insertMessageSql    = "INSERT INTO outbox_messages (type, content, correlation_id, occurred_on_utc, retry_count) VALUES (?, ?, ?, ?, 0) RETURNING id"
	getUnprocessedSql   = "SELECT " + messageColumns + " FROM outbox_messages WHERE processed_on_utc IS NULL AND (next_retry_utc IS NULL OR next_retry_utc <= ?) ORDER BY occurred_on_utc ASC, id ASC LIMIT ?"
	getMessageByIdSql   = "SELECT " + messageColumns + " FROM outbox_messages WHERE id = ?"
	markProcessedSql    = "UPDATE outbox_messages SET processed_on_utc = ?, locked_by = NULL, locked_until = NULL WHERE id = ? AND processed_on_utc IS NULL"
	markFailedSql       = "UPDATE outbox_messages SET retry_count = retry_count + 1, error = ?, next_retry_utc = ?, locked_by = NULL, locked_until = NULL WHERE id = ? AND retry_count = ? AND processed_on_utc IS NULL"
	markDeadLetterSql   = "UPDATE outbox_messages SET processed_on_utc = ?, retry_count = ?, error = ?, locked_by = NULL, locked_until = NULL WHERE id = ? AND processed_on_utc IS NULL"
	deleteProcessedSql  = "DELETE FROM outbox_messages WHERE processed_on_utc IS NOT NULL AND processed_on_utc < ?"
	claimUnprocessedSql = "WITH claimed AS (SELECT id FROM outbox_messages WHERE processed_on_utc IS NULL AND (next_retry_utc IS NULL OR next_retry_utc <= ?) AND (locked_until IS NULL OR locked_until <= ?) ORDER BY occurred_on_utc ASC, id ASC LIMIT ? FOR UPDATE SKIP LOCKED) UPDATE outbox_messages o SET locked_by = ?, locked_until = ? FROM claimed WHERE o.id = claimed.id RETURNING o.*"
)

type Repository struct {
	txKey  outbox.TxKey
	db     *gorm.DB
	logger outbox.Logger
}

var _ outbox.Loggable = (*Repository)(nil)
var _ outbox.Repository = (*Repository)(nil)

func New(txKey outbox.TxKey, db *gorm.DB) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     db,
		logger: &outbox.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l outbox.Logger) {
	r.logger = l
}

// WithinTransaction runs fn in a gorm transaction stored in the context
// under the repository txKey.
func (r *Repository) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, r.txKey, tx))
	})
}

// Insert persists an outbox message in the business transaction present in
// the context, or on its own when there is none. The expected transaction
// should be a pointer to an instance of gorm.DB.
func (r *Repository) Insert(ctx context.Context, m *outbox.Message) error {
	conn, err := r.conn(ctx)
	if err != nil {
		return err
	}
	err = conn.Raw(insertMessageSql, m.Type, m.Content, m.CorrelationId, m.OccurredOn).Row().Scan(&m.Id)
	if err != nil {
		return fmt.Errorf("could not persist the outbox message: %w", err)
	}
	return nil
}

func (r *Repository) FindUnprocessed(ctx context.Context, now time.Time, limit int) ([]*outbox.Message, error) {
	return r.find(ctx, getUnprocessedSql, now, limit)
}

// ClaimUnprocessed leases due messages to owner in one statement. Rows
// locked by a concurrent claim are skipped.
func (r *Repository) ClaimUnprocessed(ctx context.Context, owner uuid.UUID, now time.Time, leaseUntil time.Time, limit int) ([]*outbox.Message, error) {
	msgs, err := r.find(ctx, claimUnprocessedSql, now, now, limit, owner, leaseUntil)
	if err != nil {
		return nil, err
	}
	outbox.SortByOccurrence(msgs)
	r.logger.Debug(fmt.Sprintf("%d outbox messages claimed by %s", len(msgs), owner))
	return msgs, nil
}

// FindByID returns the message or nil when it does not exist.
func (r *Repository) FindByID(ctx context.Context, id int64) (*outbox.Message, error) {
	msgs, err := r.find(ctx, getMessageByIdSql, id)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

func (r *Repository) MarkProcessed(ctx context.Context, id int64, processedAt time.Time) (bool, error) {
	n, err := r.exec(ctx, markProcessedSql, processedAt, id)
	return n > 0, err
}

func (r *Repository) MarkFailed(ctx context.Context, id int64, expectedRetryCount int, reason string, nextRetryAt time.Time) (bool, error) {
	n, err := r.exec(ctx, markFailedSql, reason, nextRetryAt, id, expectedRetryCount)
	return n > 0, err
}

func (r *Repository) MarkDeadLetter(ctx context.Context, id int64, retryCount int, reason string, failedAt time.Time) (bool, error) {
	n, err := r.exec(ctx, markDeadLetterSql, failedAt, retryCount, reason, id)
	return n > 0, err
}

func (r *Repository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.exec(ctx, deleteProcessedSql, cutoff)
}

func (r *Repository) find(ctx context.Context, query string, args ...interface{}) ([]*outbox.Message, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []outboxMessage
	if err := conn.Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return toMessages(rows), nil
}

func (r *Repository) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}
	res := conn.Exec(query, args...)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// conn returns the transaction found in the context or the database, bound
// to ctx.
func (r *Repository) conn(ctx context.Context) (*gorm.DB, error) {
	v := ctx.Value(r.txKey)
	if v == nil {
		return r.db.WithContext(ctx), nil
	}
	tx, ok := v.(*gorm.DB)
	if !ok {
		return nil, fmt.Errorf("a *gorm.DB transaction was expected, got %T", v)
	}
	return tx.WithContext(ctx), nil
}

package pgxv5

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopfront/relay/outbox"
)

const (
	messageColumns        = "id, type, content, correlation_id, occurred_on_utc, processed_on_utc, retry_count, next_retry_utc, error"
	claimedColumns        = "o.id, o.type, o.content, o.correlation_id, o.occurred_on_utc, o.processed_on_utc, o.retry_count, o.next_retry_utc, o.error"
	insertMessageSql      = "INSERT INTO outbox_messages (type, content, correlation_id, occurred_on_utc, retry_count) VALUES ($1, $2, $3, $4, 0) RETURNING id"
	getUnprocessedSql     = "SELECT " + messageColumns + " FROM outbox_messages WHERE processed_on_utc IS NULL AND (next_retry_utc IS NULL OR next_retry_utc <= $1) ORDER BY occurred_on_utc ASC, id ASC LIMIT $2"
	getMessageByIdSql     = "SELECT " + messageColumns + " FROM outbox_messages WHERE id = $1"
	markProcessedSql      = "UPDATE outbox_messages SET processed_on_utc = $1, locked_by = NULL, locked_until = NULL WHERE id = $2 AND processed_on_utc IS NULL"
	markFailedSql         = "UPDATE outbox_messages SET retry_count = retry_count + 1, error = $1, next_retry_utc = $2, locked_by = NULL, locked_until = NULL WHERE id = $3 AND retry_count = $4 AND processed_on_utc IS NULL"
	markDeadLetterSql     = "UPDATE outbox_messages SET processed_on_utc = $1, retry_count = $2, error = $3, locked_by = NULL, locked_until = NULL WHERE id = $4 AND processed_on_utc IS NULL"
	deleteProcessedSql    = "DELETE FROM outbox_messages WHERE processed_on_utc IS NOT NULL AND processed_on_utc < $1"
	claimUnprocessedSql   = "WITH claimed AS (SELECT id FROM outbox_messages WHERE processed_on_utc IS NULL AND (next_retry_utc IS NULL OR next_retry_utc <= $1) AND (locked_until IS NULL OR locked_until <= $2) ORDER BY occurred_on_utc ASC, id ASC LIMIT $3 FOR UPDATE SKIP LOCKED) UPDATE outbox_messages o SET locked_by = $4, locked_until = $5 FROM claimed WHERE o.id = claimed.id RETURNING " + claimedColumns
	transactionExpectedTx = "a pgx.Tx transaction was expected"
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// executor is the subset shared by the pool and a transaction.
type executor interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Repository struct {
	txKey  outbox.TxKey
	db     dbpool
	logger outbox.Logger
}

var _ outbox.Loggable = (*Repository)(nil)
var _ outbox.Repository = (*Repository)(nil)

func New(txKey outbox.TxKey, pool dbpool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     pool,
		logger: &outbox.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l outbox.Logger) {
	r.logger = l
}

// WithinTransaction runs fn in a new transaction stored in the context under
// the repository txKey, so business writes and outbox inserts made by fn
// commit together. The transaction is rolled back when fn fails or panics.
func (r *Repository) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			err = fmt.Errorf("could not commit transaction: %w", cerr)
		}
	}()

	return fn(context.WithValue(ctx, r.txKey, tx))
}

// Insert persists an outbox message in the business transaction present in
// the context, or on its own when there is none. The transaction is
// expected to implement the pgx.Tx interface.
func (r *Repository) Insert(ctx context.Context, m *outbox.Message) error {
	conn, err := r.conn(ctx)
	if err != nil {
		return err
	}
	err = conn.QueryRow(ctx, insertMessageSql, m.Type, m.Content, m.CorrelationId, m.OccurredOn).Scan(&m.Id)
	if err != nil {
		return fmt.Errorf("could not persist the outbox message: %w", err)
	}
	return nil
}

// FindUnprocessed returns the pending messages due at now.
func (r *Repository) FindUnprocessed(ctx context.Context, now time.Time, limit int) ([]*outbox.Message, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, getUnprocessedSql, now, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// ClaimUnprocessed leases due messages to owner. Rows locked by a concurrent
// claim are skipped instead of waited for.
func (r *Repository) ClaimUnprocessed(ctx context.Context, owner uuid.UUID, now time.Time, leaseUntil time.Time, limit int) ([]*outbox.Message, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, claimUnprocessedSql, now, now, limit, owner, leaseUntil)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// UPDATE ... RETURNING does not keep the order of the CTE.
	outbox.SortByOccurrence(msgs)
	r.logger.Debug(fmt.Sprintf("%d outbox messages claimed by %s", len(msgs), owner))
	return msgs, nil
}

// FindByID returns the message or nil when it does not exist.
func (r *Repository) FindByID(ctx context.Context, id int64) (*outbox.Message, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, getMessageByIdSql, id)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

func (r *Repository) MarkProcessed(ctx context.Context, id int64, processedAt time.Time) (bool, error) {
	return r.exec(ctx, markProcessedSql, processedAt, id)
}

func (r *Repository) MarkFailed(ctx context.Context, id int64, expectedRetryCount int, reason string, nextRetryAt time.Time) (bool, error) {
	return r.exec(ctx, markFailedSql, reason, nextRetryAt, id, expectedRetryCount)
}

func (r *Repository) MarkDeadLetter(ctx context.Context, id int64, retryCount int, reason string, failedAt time.Time) (bool, error) {
	return r.exec(ctx, markDeadLetterSql, failedAt, retryCount, reason, id)
}

// DeleteProcessedBefore deletes the terminal messages processed before
// cutoff with a single statement.
func (r *Repository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}
	ct, err := conn.Exec(ctx, deleteProcessedSql, cutoff)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// exec runs a guarded update and reports whether a row matched.
func (r *Repository) exec(ctx context.Context, sql string, args ...interface{}) (bool, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return false, err
	}
	ct, err := conn.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// conn returns the transaction found in the context or the pool.
func (r *Repository) conn(ctx context.Context) (executor, error) {
	v := ctx.Value(r.txKey)
	if v == nil {
		return r.db, nil
	}
	tx, ok := v.(pgx.Tx)
	if !ok {
		return nil, fmt.Errorf("%s, got %T", transactionExpectedTx, v)
	}
	return tx, nil
}

func scanMessages(rows pgx.Rows) ([]*outbox.Message, error) {
	defer rows.Close()

	var msgs []*outbox.Message
	for rows.Next() {
		var m outbox.Message
		err := rows.Scan(&m.Id, &m.Type, &m.Content, &m.CorrelationId, &m.OccurredOn, &m.ProcessedOn, &m.RetryCount, &m.NextRetryAt, &m.Error)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

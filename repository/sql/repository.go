package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopfront/relay/outbox"
)

const raNotSupported string = "RowsAffected not supported"

// executor is the subset shared by *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repository struct {
	txKey     outbox.TxKey
	db        *sql.DB
	useDollar bool
	queries   queries
	logger    outbox.Logger
}

var _ outbox.Loggable = (*Repository)(nil)
var _ outbox.Repository = (*Repository)(nil)

// New creates a repository on top of db. Set useDollar for drivers with
// numbered placeholders such as Postgres.
func New(txKey outbox.TxKey, db *sql.DB, useDollar bool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}

	q := defaultQueries
	if useDollar {
		q = dollarQueries(q)
	}

	return &Repository{
		txKey:     txKey,
		db:        db,
		useDollar: useDollar,
		queries:   q,
		logger:    &outbox.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l outbox.Logger) {
	r.logger = l
}

// Insert persists an outbox message in the business transaction present in
// the context, or on its own when there is none. The expected transaction
// should be a pointer to an instance of sql.Tx.
func (r *Repository) Insert(ctx context.Context, m *outbox.Message) error {
	conn, err := r.conn(ctx)
	if err != nil {
		return err
	}

	if r.useDollar {
		err = conn.QueryRowContext(ctx, r.queries.insert, m.Type, m.Content, m.CorrelationId, m.OccurredOn).Scan(&m.Id)
	} else {
		var res sql.Result
		res, err = conn.ExecContext(ctx, r.queries.insert, m.Type, m.Content, m.CorrelationId, m.OccurredOn)
		if err == nil {
			m.Id, err = res.LastInsertId()
		}
	}
	if err != nil {
		return fmt.Errorf("could not persist the outbox message: %w", err)
	}
	return nil
}

func (r *Repository) FindUnprocessed(ctx context.Context, now time.Time, limit int) ([]*outbox.Message, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, r.queries.getUnprocessed, now, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// ClaimUnprocessed locks the due rows with SKIP LOCKED, leases them to owner
// and reads them back, all in one transaction. The caller transaction is
// used when the context carries one.
func (r *Repository) ClaimUnprocessed(ctx context.Context, owner uuid.UUID, now time.Time, leaseUntil time.Time, limit int) (msgs []*outbox.Message, err error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	if conn == r.db {
		tx, berr := r.db.BeginTx(ctx, nil)
		if berr != nil {
			return nil, fmt.Errorf("could not begin the claim transaction: %w", berr)
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
				return
			}
			if cerr := tx.Commit(); cerr != nil {
				msgs, err = nil, fmt.Errorf("could not commit the claim transaction: %w", cerr)
			}
		}()
		conn = tx
	}

	ids, err := claimableIds(ctx, conn, r.queries.selectClaimable, now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	args := make([]any, 0, len(ids)+2)
	args = append(args, owner, leaseUntil)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err = conn.ExecContext(ctx, leaseSql(len(ids), r.useDollar), args...); err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, getByIdsSql(len(ids), r.useDollar), args[2:]...)
	if err != nil {
		return nil, err
	}
	msgs, err = scanMessages(rows)
	if err != nil {
		return nil, err
	}
	r.logger.Debug(fmt.Sprintf("%d outbox messages claimed by %s", len(msgs), owner))
	return msgs, nil
}

// FindByID returns the message or nil when it does not exist.
func (r *Repository) FindByID(ctx context.Context, id int64) (*outbox.Message, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, r.queries.getById, id)
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
	n, err := r.exec(ctx, r.queries.markProcessed, processedAt, id)
	return n > 0, err
}

func (r *Repository) MarkFailed(ctx context.Context, id int64, expectedRetryCount int, reason string, nextRetryAt time.Time) (bool, error) {
	n, err := r.exec(ctx, r.queries.markFailed, reason, nextRetryAt, id, expectedRetryCount)
	return n > 0, err
}

func (r *Repository) MarkDeadLetter(ctx context.Context, id int64, retryCount int, reason string, failedAt time.Time) (bool, error) {
	n, err := r.exec(ctx, r.queries.markDeadLetter, failedAt, retryCount, reason, id)
	return n > 0, err
}

func (r *Repository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.exec(ctx, r.queries.deleteProcessed, cutoff)
}

// exec runs a statement and returns the number of affected rows.
func (r *Repository) exec(ctx context.Context, query string, args ...any) (int64, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}
	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return 0, errors.New(raNotSupported)
	}
	return ra, nil
}

// conn returns the transaction found in the context or the database.
func (r *Repository) conn(ctx context.Context) (executor, error) {
	v := ctx.Value(r.txKey)
	if v == nil {
		return r.db, nil
	}
	tx, ok := v.(*sql.Tx)
	if !ok {
		return nil, fmt.Errorf("an *sql.Tx transaction was expected, got %T", v)
	}
	return tx, nil
}

func claimableIds(ctx context.Context, conn executor, query string, now time.Time, limit int) ([]int64, error) {
	rows, err := conn.QueryContext(ctx, query, now, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]*outbox.Message, error) {
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

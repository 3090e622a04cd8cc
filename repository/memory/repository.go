// Package memory implements outbox.Repository in process memory. It is meant
// for tests and for single process deployments that do not need durability
// across restarts.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopfront/relay/outbox"
)

type row struct {
	msg         outbox.Message
	lockedBy    uuid.UUID
	lockedUntil time.Time
}

type Repository struct {
	mu     sync.Mutex
	nextId int64
	rows   map[int64]*row
}

var _ outbox.Repository = (*Repository)(nil)

func New() *Repository {
	return &Repository{rows: make(map[int64]*row)}
}

// Len returns the number of stored messages.
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *Repository) Insert(ctx context.Context, m *outbox.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextId++
	m.Id = r.nextId
	r.rows[m.Id] = &row{msg: copyMessage(m)}
	return nil
}

func (r *Repository) FindUnprocessed(ctx context.Context, now time.Time, limit int) ([]*outbox.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	due := r.due(now, limit, func(*row) bool { return true })
	msgs := make([]*outbox.Message, len(due))
	for i, rw := range due {
		m := copyMessage(&rw.msg)
		msgs[i] = &m
	}
	return msgs, nil
}

func (r *Repository) ClaimUnprocessed(ctx context.Context, owner uuid.UUID, now time.Time, leaseUntil time.Time, limit int) ([]*outbox.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	due := r.due(now, limit, func(rw *row) bool {
		return rw.lockedBy == uuid.Nil || !rw.lockedUntil.After(now)
	})
	msgs := make([]*outbox.Message, len(due))
	for i, rw := range due {
		rw.lockedBy = owner
		rw.lockedUntil = leaseUntil
		m := copyMessage(&rw.msg)
		msgs[i] = &m
	}
	return msgs, nil
}

func (r *Repository) FindByID(ctx context.Context, id int64) (*outbox.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rw, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	m := copyMessage(&rw.msg)
	return &m, nil
}

func (r *Repository) MarkProcessed(ctx context.Context, id int64, processedAt time.Time) (bool, error) {
	return r.update(ctx, id, func(rw *row) bool {
		rw.msg.ProcessedOn = &processedAt
		return true
	})
}

func (r *Repository) MarkFailed(ctx context.Context, id int64, expectedRetryCount int, reason string, nextRetryAt time.Time) (bool, error) {
	return r.update(ctx, id, func(rw *row) bool {
		if rw.msg.RetryCount != expectedRetryCount {
			return false
		}
		rw.msg.RetryCount++
		rw.msg.Error = &reason
		rw.msg.NextRetryAt = &nextRetryAt
		return true
	})
}

func (r *Repository) MarkDeadLetter(ctx context.Context, id int64, retryCount int, reason string, failedAt time.Time) (bool, error) {
	return r.update(ctx, id, func(rw *row) bool {
		rw.msg.ProcessedOn = &failedAt
		rw.msg.RetryCount = retryCount
		rw.msg.Error = &reason
		return true
	})
}

func (r *Repository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, rw := range r.rows {
		if rw.msg.ProcessedOn != nil && rw.msg.ProcessedOn.Before(cutoff) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

// update applies fn to a pending row and releases its lease when fn reports
// a change.
func (r *Repository) update(ctx context.Context, id int64, fn func(*row) bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rw, ok := r.rows[id]
	if !ok || rw.msg.ProcessedOn != nil {
		return false, nil
	}
	if !fn(rw) {
		return false, nil
	}
	rw.lockedBy = uuid.Nil
	rw.lockedUntil = time.Time{}
	return true, nil
}

// due returns the pending rows due at now accepted by filter, ordered by
// occurrence and id, limited to limit. Callers hold the mutex.
func (r *Repository) due(now time.Time, limit int, filter func(*row) bool) []*row {
	var due []*row
	for _, rw := range r.rows {
		if rw.msg.IsDue(now) && filter(rw) {
			due = append(due, rw)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].msg, due[j].msg
		if !a.OccurredOn.Equal(b.OccurredOn) {
			return a.OccurredOn.Before(b.OccurredOn)
		}
		return a.Id < b.Id
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due
}

// copyMessage returns a deep copy so callers never share pointers with the
// stored row.
func copyMessage(m *outbox.Message) outbox.Message {
	c := *m
	if m.CorrelationId != nil {
		v := *m.CorrelationId
		c.CorrelationId = &v
	}
	if m.ProcessedOn != nil {
		v := *m.ProcessedOn
		c.ProcessedOn = &v
	}
	if m.NextRetryAt != nil {
		v := *m.NextRetryAt
		c.NextRetryAt = &v
	}
	if m.Error != nil {
		v := *m.Error
		c.Error = &v
	}
	return c
}

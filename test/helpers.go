package test

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/integralist/go-findroot/find"
	"github.com/shopfront/relay/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type ctxKey string

var DefaultCtxKey outbox.TxKey = ctxKey("outboxTx")

// T0 is the reference instant used across tests.
var T0 = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// MessageColumns lists the columns returned by the repositories selects.
var MessageColumns = []string{"id", "type", "content", "correlation_id", "occurred_on_utc", "processed_on_utc", "retry_count", "next_retry_utc", "error"}

func AssertError(t *testing.T, err error, expectErr bool) {
	if expectErr {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

// InitPostgresContainer initializes a local Postgres instance using Testcontainers.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, _ := find.Repo()
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(
			filepath.Join(root.Path, "sql/postgres/000001_outbox.up.sql"),
		),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(5*time.Second)),
	)
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

// MockMessageRows builds sqlmock rows holding msgs.
func MockMessageRows(msgs ...*outbox.Message) *sqlmock.Rows {
	rows := sqlmock.NewRows(MessageColumns)
	for _, m := range msgs {
		rows.AddRow(MessageValues(m)...)
	}
	return rows
}

// MessageValues returns the column values of m in MessageColumns order, with
// nil for NULL columns.
func MessageValues(m *outbox.Message) []driver.Value {
	values := []driver.Value{m.Id, m.Type, m.Content, nil, m.OccurredOn, nil, int64(m.RetryCount), nil, nil}
	if m.CorrelationId != nil {
		values[3] = *m.CorrelationId
	}
	if m.ProcessedOn != nil {
		values[5] = *m.ProcessedOn
	}
	if m.NextRetryAt != nil {
		values[7] = *m.NextRetryAt
	}
	if m.Error != nil {
		values[8] = *m.Error
	}
	return values
}

// PendingMessage returns a pending message as stored by AddEvent.
func PendingMessage(id int64, occurredOn time.Time) *outbox.Message {
	return &outbox.Message{
		Id:         id,
		Type:       OrderPlacedType,
		Content:    `{"orderId":"o-1","total":1250}`,
		OccurredOn: occurredOn,
	}
}

func Ptr[T any](v T) *T {
	return &v
}

// Clock is a manually driven outbox.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

var _ outbox.Clock = (*Clock)(nil)

func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

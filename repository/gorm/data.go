package gorm

import (
	"time"

	"github.com/shopfront/relay/outbox"
)

// outboxMessage is the gorm model of the outbox table. The lease columns
// are only written by the claim statement and never read back.
type outboxMessage struct {
	ID             int64      `gorm:"column:id;primaryKey"`
	Type           string     `gorm:"column:type"`
	Content        string     `gorm:"column:content"`
	CorrelationID  *string    `gorm:"column:correlation_id"`
	OccurredOnUtc  time.Time  `gorm:"column:occurred_on_utc"`
	ProcessedOnUtc *time.Time `gorm:"column:processed_on_utc"`
	RetryCount     int        `gorm:"column:retry_count"`
	NextRetryUtc   *time.Time `gorm:"column:next_retry_utc"`
	Error          *string    `gorm:"column:error"`
}

func (outboxMessage) TableName() string {
	return "outbox_messages"
}

func (o *outboxMessage) toMessage() *outbox.Message {
	return &outbox.Message{
		Id:            o.ID,
		Type:          o.Type,
		Content:       o.Content,
		CorrelationId: o.CorrelationID,
		OccurredOn:    o.OccurredOnUtc,
		ProcessedOn:   o.ProcessedOnUtc,
		RetryCount:    o.RetryCount,
		NextRetryAt:   o.NextRetryUtc,
		Error:         o.Error,
	}
}

func toMessages(rows []outboxMessage) []*outbox.Message {
	if len(rows) == 0 {
		return nil
	}
	msgs := make([]*outbox.Message, len(rows))
	for i := range rows {
		msgs[i] = rows[i].toMessage()
	}
	return msgs
}

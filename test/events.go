package test

import (
	"time"

	"github.com/shopfront/relay/outbox"
)

const (
	OrderPlacedType     = "orders.OrderPlaced"
	PaymentCapturedType = "payments.PaymentCaptured"
)

type OrderPlaced struct {
	OrderId string    `json:"orderId"`
	Total   int64     `json:"total"`
	At      time.Time `json:"-"`
}

func (OrderPlaced) EventType() string       { return OrderPlacedType }
func (e OrderPlaced) OccurredOn() time.Time { return e.At }

type PaymentCaptured struct {
	PaymentId string    `json:"paymentId"`
	OrderId   string    `json:"orderId"`
	At        time.Time `json:"at"`
}

func (*PaymentCaptured) EventType() string       { return PaymentCapturedType }
func (e *PaymentCaptured) OccurredOn() time.Time { return e.At }

// NewRegistry returns a registry with the test events registered.
func NewRegistry() *outbox.Registry {
	r := outbox.NewRegistry()
	outbox.MustRegister[OrderPlaced](r, OrderPlacedType)
	outbox.MustRegister[*PaymentCaptured](r, PaymentCapturedType)
	return r
}

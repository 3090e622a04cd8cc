package outbox

import "context"

// DeliveryReport contains information about an outbox message delivery.
type DeliveryReport struct {
	Message *Message // message related to the delivery
	Error   error    // error during the delivery if any
	Details string   // more information about the delivery
}

// Emitter defines the contract for emitters of outbox messages.
type Emitter interface {
	// Emit sends the message to a message broker. When it returns nil exactly
	// one report for the message is written to reports afterwards; when it
	// returns an error no report is written.
	Emit(ctx context.Context, m *Message, reports chan<- *DeliveryReport) error
}

// Package bus is the durable event-stream boundary between the gateway
// and the workers. Delivery is at-least-once with explicit ack/nack;
// messages sharing a subject key arrive in publish order within one
// consumer.
package bus

import (
	"context"

	"github.com/guildcore/backend/internal/envelope"
)

// MaxRedeliveries is the redelivery budget before a message is routed
// to the dead-letter topic.
const MaxRedeliveries = 5

// Message is one delivered envelope. Exactly one of Ack or Nack must be
// called; calling both or neither stalls the subscription's flow
// control.
type Message struct {
	Env *envelope.Envelope

	// DeliveryAttempt counts deliveries of this message, starting at 1.
	DeliveryAttempt int

	ack  func()
	nack func()
}

// Ack confirms processing; the message will not be redelivered.
func (m *Message) Ack() { m.ack() }

// Nack requests redelivery with the bus's backoff.
func (m *Message) Nack() { m.nack() }

// Publisher pushes envelopes onto the stream.
type Publisher interface {
	// Publish blocks until the bus acknowledges the envelope or ctx is
	// done. Envelopes with the same SubjectKey are delivered in the
	// order Publish returned for them.
	Publish(ctx context.Context, env *envelope.Envelope) error
	Close() error
}

// Consumer delivers messages to a handler with bounded parallelism.
type Consumer interface {
	// Receive calls handle for each message until ctx is cancelled.
	// Messages with the same SubjectKey are handed over one at a time,
	// in order.
	Receive(ctx context.Context, handle func(ctx context.Context, msg *Message)) error
	Close() error
}

// DeadLetterer copies a poisoned envelope to the DLQ with failure
// metadata. Used by the dispatcher for permanent handler errors, which
// are acked on the main subscription.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, env *envelope.Envelope, reason string) error
}

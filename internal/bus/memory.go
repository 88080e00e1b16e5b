package bus

import (
	"context"
	"sync"

	"github.com/guildcore/backend/internal/envelope"
)

// Memory is the in-process bus used by tests and local single-binary
// runs. Delivery is serial, so per-subject-key ordering holds trivially.
type Memory struct {
	mu     sync.Mutex
	queue  chan *memDelivery
	dlq    []DeadLettered
	closed bool

	// PublishErr makes Publish fail, for breaker and buffering tests.
	PublishErr error
}

// DeadLettered is one DLQ record.
type DeadLettered struct {
	Env    *envelope.Envelope
	Reason string
}

// NewMemory creates an in-process bus.
func NewMemory() *Memory {
	return &Memory{queue: make(chan *memDelivery, 1024)}
}

type memDelivery struct {
	env     *envelope.Envelope
	attempt int
}

// Publish implements Publisher.
func (m *Memory) Publish(ctx context.Context, env *envelope.Envelope) error {
	m.mu.Lock()
	err := m.PublishErr
	closed := m.closed
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if closed {
		return context.Canceled
	}
	select {
	case m.queue <- &memDelivery{env: env, attempt: 1}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements Consumer. Messages are handed over one at a time;
// a nack re-enqueues until the redelivery budget is spent, then the
// message lands on the DLQ.
func (m *Memory) Receive(ctx context.Context, handle func(ctx context.Context, msg *Message)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-m.queue:
			done := make(chan struct{})
			msg := &Message{
				Env:             d.env,
				DeliveryAttempt: d.attempt,
				ack:             func() { close(done) },
				nack: func() {
					if d.attempt >= MaxRedeliveries {
						m.mu.Lock()
						m.dlq = append(m.dlq, DeadLettered{Env: d.env, Reason: "max redeliveries"})
						m.mu.Unlock()
					} else {
						m.queue <- &memDelivery{env: d.env, attempt: d.attempt + 1}
					}
					close(done)
				},
			}
			handle(ctx, msg)
			<-done
		}
	}
}

// DeadLetter implements DeadLetterer.
func (m *Memory) DeadLetter(_ context.Context, env *envelope.Envelope, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlq = append(m.dlq, DeadLettered{Env: env, Reason: reason})
	return nil
}

// DLQ returns a copy of the dead-letter queue, for test assertions.
func (m *Memory) DLQ() []DeadLettered {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLettered, len(m.dlq))
	copy(out, m.dlq)
	return out
}

// Pending reports queued, undelivered messages.
func (m *Memory) Pending() int { return len(m.queue) }

// Close implements Publisher and Consumer.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Publisher = (*Memory)(nil)
var _ Consumer = (*Memory)(nil)
var _ DeadLetterer = (*Memory)(nil)

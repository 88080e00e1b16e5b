package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Emitter is the interface for publishing platform events. Both the
// in-memory Bus and the Pub/Sub-backed Bus satisfy it.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// Well-known event types. The ledger, payout processor and tenant cache
// publish these; the agent gateway's SSE stream and the worker's
// reconciliation sweep consume them.
const (
	TypeReservationExpired = "ledger.reservation.expired"
	TypeLotCreated         = "ledger.lot.created"
	TypeRefundProcessed    = "ledger.refund.processed"
	TypePayoutApproved     = "ledger.payout.approved"
	TypePayoutCompleted    = "ledger.payout.completed"
	TypeTenantUpgraded     = "tenant.upgraded"
	TypeConfigReloaded     = "tenant.config.reloaded"
	TypeReconcileDrift     = "ledger.reconcile.drift"
)

// Event is the CloudEvents 1.0 envelope for all platform events.
type Event struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	TenantID    string                 `json:"tenantid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewEvent creates a CloudEvents 1.0 compliant event
func NewEvent(eventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          uuid.NewString(),
		Time:        time.Now(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event
func (ev *Event) JSON() ([]byte, error) {
	return json.Marshal(ev)
}

// SSEFormat returns the event in Server-Sent Events format
func (ev *Event) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", ev.Type, data, ev.ID)), nil
}

// Bus is an in-process pub/sub event bus. Subscribers receive events in
// real time; a full subscriber channel drops rather than blocks the
// publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // eventType -> channels
	allSubs     []chan *Event            // subscribers to all events
	bufferSize  int
}

// NewBus creates a new in-memory event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		allSubs:     make([]chan *Event, 0),
		bufferSize:  100,
	}
}

// Subscribe creates a channel that receives events of specific types.
// Pass empty eventTypes to receive ALL events.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)

	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}

	return ch
}

// Unsubscribe removes a subscription channel
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := make([]chan *Event, 0)
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}

	filtered := make([]chan *Event, 0)
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish sends an event to all matching subscribers
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}

	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit is a convenience method to create and publish an event
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(eventType, source, subject, data))
}

// SubscriberCount returns the total number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

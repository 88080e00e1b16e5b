package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversByType(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(TypeReservationExpired)
	defer b.Unsubscribe(ch)

	b.Emit(TypeReservationExpired, "/ledger", "res-1", map[string]interface{}{"tenant_id": "guild-1"})
	b.Emit(TypePayoutCompleted, "/ledger", "pay-1", nil)

	select {
	case ev := <-ch:
		assert.Equal(t, TypeReservationExpired, ev.Type)
		assert.Equal(t, "res-1", ev.Subject)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}
}

func TestBusAllSubscriberSeesEverything(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Emit(TypeLotCreated, "/ledger", "lot-1", nil)
	b.Emit(TypeTenantUpgraded, "/admin", "guild-1", nil)

	assert.Equal(t, TypeLotCreated, (<-ch).Type)
	assert.Equal(t, TypeTenantUpgraded, (<-ch).Type)
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	b := NewBus()
	b.bufferSize = 1
	ch := b.Subscribe(TypeLotCreated)
	defer b.Unsubscribe(ch)

	// second publish is dropped, not blocked
	done := make(chan struct{})
	go func() {
		b.Emit(TypeLotCreated, "/ledger", "lot-1", nil)
		b.Emit(TypeLotCreated, "/ledger", "lot-2", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish must not block on a full subscriber")
	}
	assert.Len(t, ch, 1)
}

func TestSSEFormat(t *testing.T) {
	ev := NewEvent(TypePayoutApproved, "/ledger", "pay-1", map[string]interface{}{"payout_id": "pay-1"})
	out, err := ev.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(out), "event: "+TypePayoutApproved+"\n")
	assert.Contains(t, string(out), "id: "+ev.ID+"\n")
	assert.Contains(t, string(out), "data: {")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(TypeLotCreated)
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(ch)
	assert.Zero(t, b.SubscriberCount())
	_, open := <-ch
	assert.False(t, open)
}

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildcore/backend/internal/envelope"
)

func testEnvelope(t *testing.T, subject string) *envelope.Envelope {
	t.Helper()
	return envelope.New(envelope.TypeInteractionCreate, 0, subject, []byte(`{}`))
}

func TestMemoryDeliversInOrder(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ids []string
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Publish(ctx, testEnvelope(t, "guild-1")))
	}

	go func() {
		m.Receive(ctx, func(_ context.Context, msg *Message) {
			ids = append(ids, msg.Env.ID.String())
			msg.Ack()
			if len(ids) == 5 {
				cancel()
			}
		})
	}()

	require.Eventually(t, func() bool { return len(ids) == 5 }, time.Second, 5*time.Millisecond)
}

func TestMemoryNackRedeliversThenDeadLetters(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Publish(ctx, testEnvelope(t, "guild-1")))

	attempts := 0
	go func() {
		m.Receive(ctx, func(_ context.Context, msg *Message) {
			attempts++
			assert.Equal(t, attempts, msg.DeliveryAttempt)
			msg.Nack()
		})
	}()

	require.Eventually(t, func() bool { return len(m.DLQ()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, MaxRedeliveries, attempts)
	assert.Equal(t, "max redeliveries", m.DLQ()[0].Reason)
}

func TestMemoryPublishErrInjection(t *testing.T) {
	m := NewMemory()
	m.PublishErr = assert.AnError
	err := m.Publish(context.Background(), testEnvelope(t, "guild-1"))
	assert.ErrorIs(t, err, assert.AnError)
}

func TestQuarantineMessageCarriesFailureMetadata(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef}
	attrs := map[string]string{"event_id": "abc", "shard_id": "3"}

	msg := quarantineMessage(raw, attrs, "unknown wire version")
	assert.Equal(t, raw, msg.Data)
	assert.Equal(t, "abc", msg.Attributes["event_id"])
	assert.Equal(t, "3", msg.Attributes["shard_id"])
	assert.Equal(t, "unknown wire version", msg.Attributes["failure_reason"])
	assert.NotEmpty(t, msg.Attributes["dead_lettered_at"])

	// the producer's attributes are copied, not aliased
	assert.NotContains(t, attrs, "failure_reason")
}

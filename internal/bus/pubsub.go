package bus

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/guildcore/backend/internal/envelope"
)

// ============================================================
// GOOGLE CLOUD PUB/SUB TRANSPORT
// ============================================================
// Envelopes travel in the binary wire format; CloudEvents-style
// attributes carry the metadata for server-side filtering. The subject
// key doubles as the Pub/Sub ordering key for per-tenant FIFO.

// PubSubPublisher publishes envelopes to one topic.
type PubSubPublisher struct {
	client   *pubsub.Client
	topic    *pubsub.Topic
	dlqTopic *pubsub.Topic
	logger   *log.Logger
}

// NewPubSubPublisher connects and ensures the topic (and DLQ topic, if
// dlqTopicID is non-empty) exist.
func NewPubSubPublisher(ctx context.Context, projectID, topicID, dlqTopicID string) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic, err := ensureTopic(ctx, client, topicID)
	if err != nil {
		client.Close()
		return nil, err
	}
	topic.EnableMessageOrdering = true

	p := &PubSubPublisher{
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[BUS] ", log.LstdFlags),
	}
	if dlqTopicID != "" {
		dlq, err := ensureTopic(ctx, client, dlqTopicID)
		if err != nil {
			client.Close()
			return nil, err
		}
		p.dlqTopic = dlq
	}
	p.logger.Printf("✅ Connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return p, nil
}

func ensureTopic(ctx context.Context, client *pubsub.Client, topicID string) (*pubsub.Topic, error) {
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}
	return topic, nil
}

// Publish implements Publisher. Blocks until the server acks.
func (p *PubSubPublisher) Publish(ctx context.Context, env *envelope.Envelope) error {
	data, err := envelope.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	msg := &pubsub.Message{
		Data:        data,
		Attributes:  attributesFor(env),
		OrderingKey: env.SubjectKey,
	}
	result := p.topic.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		// a failed ordered publish blocks the key until resumed
		p.topic.ResumePublish(env.SubjectKey)
		return fmt.Errorf("publish %s: %w", env.ID, err)
	}
	return nil
}

// DeadLetter implements DeadLetterer.
func (p *PubSubPublisher) DeadLetter(ctx context.Context, env *envelope.Envelope, reason string) error {
	if p.dlqTopic == nil {
		return fmt.Errorf("no DLQ topic configured")
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	attrs := attributesFor(env)
	attrs["failure_reason"] = reason
	attrs["dead_lettered_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	result := p.dlqTopic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("dead-letter %s: %w", env.ID, err)
	}
	p.logger.Printf("☠️ Dead-lettered event %s (%s): %s", env.ID, env.Type, reason)
	return nil
}

func attributesFor(env *envelope.Envelope) map[string]string {
	return map[string]string{
		"event_id":    env.ID.String(),
		"event_type":  env.Type.String(),
		"shard_id":    strconv.FormatUint(uint64(env.ShardID), 10),
		"subject_key": env.SubjectKey,
		"produced_at": env.ProducedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Close flushes pending publishes and releases the client.
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	if p.dlqTopic != nil {
		p.dlqTopic.Stop()
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	p.logger.Printf("🔌 Pub/Sub publisher closed")
	return nil
}

var _ Publisher = (*PubSubPublisher)(nil)
var _ DeadLetterer = (*PubSubPublisher)(nil)

// PubSubConsumer receives from a durable subscription.
type PubSubConsumer struct {
	client   *pubsub.Client
	sub      *pubsub.Subscription
	dlqTopic *pubsub.Topic
	logger   *log.Logger
}

// NewPubSubConsumer connects to an existing subscription. The
// subscription is provisioned out of band with message ordering, a
// dead-letter policy of MaxRedeliveries attempts, and an ack deadline
// matching the worker's handler budget. Messages whose payload does
// not decode go straight to the dlqTopicID topic instead of burning
// redeliveries.
func NewPubSubConsumer(ctx context.Context, projectID, subscriptionID, dlqTopicID string, maxInFlight int) (*PubSubConsumer, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	sub := client.Subscription(subscriptionID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("subscription.Exists: %w", err)
	}
	if !exists {
		client.Close()
		return nil, fmt.Errorf("subscription %s does not exist", subscriptionID)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = maxInFlight
	sub.ReceiveSettings.NumGoroutines = 1 // ordering requires a single stream

	c := &PubSubConsumer{
		client: client,
		sub:    sub,
		logger: log.New(log.Writer(), "[BUS] ", log.LstdFlags),
	}
	if dlqTopicID != "" {
		dlq, err := ensureTopic(ctx, client, dlqTopicID)
		if err != nil {
			client.Close()
			return nil, err
		}
		c.dlqTopic = dlq
	}
	c.logger.Printf("✅ Consuming subscription: projects/%s/subscriptions/%s (max_in_flight=%d)",
		projectID, subscriptionID, maxInFlight)
	return c, nil
}

// Receive implements Consumer. Malformed envelopes are only acked once
// their raw bytes are safely on the DLQ topic; when the quarantine
// publish fails (or no DLQ topic is configured) they are nacked so the
// subscription's dead-letter policy captures them instead.
func (c *PubSubConsumer) Receive(ctx context.Context, handle func(ctx context.Context, msg *Message)) error {
	return c.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		env, err := envelope.Unmarshal(m.Data)
		if err != nil {
			if c.dlqTopic == nil {
				c.logger.Printf("❌ Malformed envelope (%d bytes) and no DLQ topic, nacking: %v", len(m.Data), err)
				m.Nack()
				return
			}
			res := c.dlqTopic.Publish(ctx, quarantineMessage(m.Data, m.Attributes, err.Error()))
			if _, perr := res.Get(ctx); perr != nil {
				c.logger.Printf("❌ Quarantine publish failed, nacking malformed envelope: %v", perr)
				m.Nack()
				return
			}
			c.logger.Printf("☠️ Quarantined malformed envelope (%d bytes): %v", len(m.Data), err)
			m.Ack()
			return
		}
		attempt := 1
		if m.DeliveryAttempt != nil {
			attempt = *m.DeliveryAttempt
		}
		handle(ctx, &Message{
			Env:             env,
			DeliveryAttempt: attempt,
			ack:             m.Ack,
			nack:            m.Nack,
		})
	})
}

// quarantineMessage wraps bytes that failed to decode for the DLQ,
// keeping the producer's attributes and recording why they landed
// there.
func quarantineMessage(data []byte, attrs map[string]string, reason string) *pubsub.Message {
	out := make(map[string]string, len(attrs)+2)
	for k, v := range attrs {
		out[k] = v
	}
	out["failure_reason"] = reason
	out["dead_lettered_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	return &pubsub.Message{Data: data, Attributes: out}
}

// Close releases the client.
func (c *PubSubConsumer) Close() error {
	if c.dlqTopic != nil {
		c.dlqTopic.Stop()
	}
	return c.client.Close()
}

var _ Consumer = (*PubSubConsumer)(nil)

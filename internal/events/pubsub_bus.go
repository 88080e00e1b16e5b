package events

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-memory Bus and also publishes every event to a
// Google Cloud Pub/Sub topic for durable, cross-service delivery.
//
// Fan-out strategy:
//   - Pub/Sub: durable, at-least-once delivery to downstream consumers
//     (the worker's reconciliation sweep, analytics)
//   - In-memory: immediate push to SSE subscribers on the agent gateway
type PubSubBus struct {
	*Bus // embedded — Subscribe/Unsubscribe still work

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubBus creates a Pub/Sub-backed event bus.
// It creates the topic if it does not exist.
func NewPubSubBus(projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic_id", topicID)
	}

	// Per-tenant ordering: events for one community arrive in order
	topic.EnableMessageOrdering = true

	bus := &PubSubBus{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}

	bus.logger.Printf("✅ Connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return bus, nil
}

// Emit creates an event, publishes it to Pub/Sub, and fans out to
// in-memory subscribers.
func (pb *PubSubBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewEvent(eventType, source, subject, data)

	pb.publishToPubSub(event)
	pb.Bus.Publish(event)
}

// publishToPubSub serializes the event and publishes it as a Pub/Sub message.
// Message attributes map to CloudEvents metadata for server-side filtering.
func (pb *PubSubBus) publishToPubSub(event *Event) {
	payload, err := event.JSON()
	if err != nil {
		pb.logger.Printf("❌ Failed to marshal event %s: %v", event.ID, err)
		return
	}

	tenantID := event.TenantID
	if tenantID == "" {
		if tid, ok := event.Data["tenant_id"].(string); ok {
			tenantID = tid
		}
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-tenantid":    tenantID,
		},
		OrderingKey: tenantID, // tenant-scoped ordering
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Non-blocking: check result in a goroutine to avoid latency in the hot path
	go func() {
		serverID, err := result.Get(context.Background())
		if err != nil {
			pb.logger.Printf("❌ Pub/Sub publish failed: %s → %v", event.ID, err)
			return
		}
		pb.logger.Printf("📤 Published event %s → msgID=%s (type=%s)", event.ID, serverID, event.Type)
	}()
}

// PublishRaw publishes a pre-built event to Pub/Sub and the in-memory bus.
func (pb *PubSubBus) PublishRaw(event *Event) {
	pb.publishToPubSub(event)
	pb.Bus.Publish(event)
}

// Close gracefully shuts down the Pub/Sub client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	pb.logger.Printf("🔌 Pub/Sub client closed")
	return nil
}

// HealthCheck verifies the Pub/Sub topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

var _ Emitter = (*PubSubBus)(nil)
var _ Emitter = (*Bus)(nil)

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/guildcore/backend/internal/kv"
)

// Status is the recorded terminal state of one event.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusFailure     Status = "failure"
	StatusRateLimited Status = "rate_limited"
	StatusReplayed    Status = "replay_rejected"
)

// Outcome is the record written per event id. It doubles as the
// persistent seen-set: an event id with an outcome has already run.
type Outcome struct {
	Status       Status    `json:"status"`
	Code         string    `json:"code,omitempty"`
	RetryAfterMS int64     `json:"retry_after_ms,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// outcomeTTL keeps outcomes well past the replay window and the bus
// redelivery horizon.
const outcomeTTL = 24 * time.Hour

// Outcomes persists per-event outcomes in the shared key-value store.
type Outcomes struct {
	client kv.Client
	prefix string
}

// NewOutcomes creates the store with the given key prefix.
func NewOutcomes(client kv.Client, prefix string) *Outcomes {
	if prefix == "" {
		prefix = "core"
	}
	return &Outcomes{client: client, prefix: prefix}
}

func (o *Outcomes) key(eventID string) string {
	return fmt.Sprintf("%s:outcome:%s", o.prefix, eventID)
}

// Record writes the outcome for an event id.
func (o *Outcomes) Record(ctx context.Context, eventID string, out Outcome) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	return o.client.Set(ctx, o.key(eventID), data, outcomeTTL)
}

// Find returns the outcome for an event id, or nil when the event has
// not run yet.
func (o *Outcomes) Find(ctx context.Context, eventID string) (*Outcome, error) {
	data, err := o.client.Get(ctx, o.key(eventID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out Outcome
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode outcome: %w", err)
	}
	return &out, nil
}

// Package webhooks handles HTTP webhooks in both directions: outbound
// delivery of platform events (tenant upgrades, ledger movements,
// reconciliation drift) to tenant-registered endpoints signed with a
// per-subscription HMAC secret, and inbound billing-provider payment
// events that fund the credit ledger.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guildcore/backend/internal/faults"
)

// maxFailures disables a subscription; re-registering resets it.
const maxFailures = 10

// Subscription is one registered endpoint. Events lists the platform
// event types it receives; empty means all.
type Subscription struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events,omitempty"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	FailCount int       `json:"fail_count"`
}

func (s *Subscription) wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Registry holds the subscription book.
type Registry struct {
	mu     sync.RWMutex
	hooks  map[string]*Subscription
	logger *log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		hooks:  make(map[string]*Subscription),
		logger: log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
	}
}

// Register activates a subscription, assigning an id when absent.
func (r *Registry) Register(sub *Subscription) error {
	if sub.URL == "" {
		return faults.Policy("bad_webhook", "webhook url is required")
	}
	if sub.TenantID == "" {
		return faults.Policy("bad_webhook", "webhook tenant is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.ID == "" {
		sub.ID = "wh-" + uuid.NewString()
	}
	sub.Active = true
	sub.FailCount = 0
	sub.CreatedAt = time.Now()
	r.hooks[sub.ID] = sub

	r.logger.Printf("📤 Registered webhook %s for %s (events: %v)", sub.ID, sub.TenantID, sub.Events)
	return nil
}

// Unregister removes a subscription.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hooks[id]; !ok {
		return faults.NotFound("webhook_not_found", "webhook is not registered")
	}
	delete(r.hooks, id)
	return nil
}

// Subscribers returns the active subscriptions matching an event for a
// tenant. Subject-less events go to every tenant's matching hooks.
func (r *Registry) Subscribers(eventType, tenantID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, sub := range r.hooks {
		if !sub.Active || !sub.wants(eventType) {
			continue
		}
		if tenantID != "" && sub.TenantID != tenantID {
			continue
		}
		out = append(out, sub)
	}
	return out
}

// List returns every subscription for a tenant.
func (r *Registry) List(tenantID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, sub := range r.hooks {
		if sub.TenantID == tenantID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out
}

// MarkFailed counts a delivery failure and disables the subscription at
// the threshold.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.hooks[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= maxFailures {
		sub.Active = false
		r.logger.Printf("⚠️ Webhook %s disabled after %d failures", id, sub.FailCount)
	}
}

// Sign computes the hex HMAC-SHA256 of payload under secret. Receivers
// recompute it to authenticate deliveries.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

package webhooks

import (
	"context"
	"crypto/hmac"
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/guildcore/backend/internal/faults"
	"github.com/guildcore/backend/internal/ledger"
)

// Payment event types the billing providers send us.
const (
	PaymentCompleted = "payment.completed"
	PaymentRefunded  = "payment.refunded"
)

// PaymentEventStore dedupes inbound provider events and keeps the
// billing audit trail. RecordPaymentEvent returns false when the
// (provider, payment id) pair was already seen.
type PaymentEventStore interface {
	RecordPaymentEvent(ctx context.Context, provider, providerPaymentID string) (bool, error)
	// RecordBillingNotification appends one processed notification to
	// the append-only billing_notifications trail.
	RecordBillingNotification(ctx context.Context, n *BillingNotification) error
}

// BillingNotification is the audit record of one applied billing
// event.
type BillingNotification struct {
	ID                string
	Provider          string
	ProviderPaymentID string
	EventType         string
	TenantID          string
	PoolID            string
	AmountMicro       int64
	ProcessedAt       time.Time
}

// paymentEvent is the normalized inbound payload. Providers are adapted
// to this shape at the edge.
type paymentEvent struct {
	Type        string `json:"type"`
	PaymentID   string `json:"payment_id"`
	TenantID    string `json:"tenant_id"`
	PoolID      string `json:"pool_id"`
	AmountMicro int64  `json:"amount_micro"`
}

// Receiver turns billing-provider webhooks into ledger deposits and
// refunds. Every provider has a shared HMAC secret; unsigned or
// duplicate deliveries never touch the ledger.
type Receiver struct {
	engine  *ledger.Engine
	seen    PaymentEventStore
	secrets map[string]string // provider -> HMAC secret
	logger  *log.Logger
}

// NewReceiver creates the inbound billing webhook handler.
func NewReceiver(engine *ledger.Engine, seen PaymentEventStore, secrets map[string]string) *Receiver {
	return &Receiver{
		engine:  engine,
		seen:    seen,
		secrets: secrets,
		logger:  log.New(log.Writer(), "[BILLING] ", log.LstdFlags),
	}
}

// RegisterRoutes attaches the provider endpoint.
func (rc *Receiver) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/billing/webhooks/{provider}", rc.handle).Methods(http.MethodPost)
}

func (rc *Receiver) handle(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	secret, ok := rc.secrets[provider]
	if !ok {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	sig := strings.TrimPrefix(r.Header.Get("X-Signature"), "sha256=")
	if !hmac.Equal([]byte(sig), []byte(Sign(payload, secret))) {
		rc.logger.Printf("🔒 Rejected unsigned %s webhook", provider)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var ev paymentEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.PaymentID == "" || ev.TenantID == "" {
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}

	// refunds reuse the payment id, so the dedup key carries the type
	fresh, err := rc.seen.RecordPaymentEvent(r.Context(), provider, ev.Type+":"+ev.PaymentID)
	if err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if !fresh {
		// duplicate delivery: acknowledge without side effects
		w.WriteHeader(http.StatusOK)
		return
	}

	switch ev.Type {
	case PaymentCompleted:
		_, err = rc.engine.Deposit(r.Context(), ev.TenantID, ev.PoolID, ev.AmountMicro, ledger.SourceDeposit, ev.PaymentID)
	case PaymentRefunded:
		_, err = rc.engine.Refund(r.Context(), ev.TenantID, ev.PaymentID, ev.AmountMicro)
	default:
		http.Error(w, "unsupported event type", http.StatusBadRequest)
		return
	}
	if err != nil {
		rc.logger.Printf("❌ %s %s failed: %v", provider, ev.Type, err)
		status := http.StatusInternalServerError
		if faults.IsRetryable(err) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, "processing failed", status)
		return
	}

	// the funds moved; a lost audit line is logged, not retried, since
	// the dedup record already claims this delivery
	note := &BillingNotification{
		ID:                "bn-" + uuid.NewString(),
		Provider:          provider,
		ProviderPaymentID: ev.PaymentID,
		EventType:         ev.Type,
		TenantID:          ev.TenantID,
		PoolID:            ev.PoolID,
		AmountMicro:       ev.AmountMicro,
		ProcessedAt:       time.Now(),
	}
	if err := rc.seen.RecordBillingNotification(r.Context(), note); err != nil {
		rc.logger.Printf("⚠️ Billing notification not recorded for %s %s: %v", provider, ev.Type, err)
	}

	rc.logger.Printf("💰 Processed %s %s payment=%s tenant=%s", provider, ev.Type, ev.PaymentID, ev.TenantID)
	w.WriteHeader(http.StatusOK)
}

// MemoryPaymentEventStore is the in-memory dedup store for tests and
// single-node deployments.
type MemoryPaymentEventStore struct {
	mu            sync.Mutex
	seen          map[string]bool
	notifications []*BillingNotification
}

func NewMemoryPaymentEventStore() *MemoryPaymentEventStore {
	return &MemoryPaymentEventStore{seen: make(map[string]bool)}
}

func (s *MemoryPaymentEventStore) RecordPaymentEvent(_ context.Context, provider, providerPaymentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := provider + "/" + providerPaymentID
	if s.seen[key] {
		return false, nil
	}
	s.seen[key] = true
	return true, nil
}

func (s *MemoryPaymentEventStore) RecordBillingNotification(_ context.Context, n *BillingNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.notifications = append(s.notifications, &cp)
	return nil
}

// Notifications returns the recorded audit trail, for test assertions.
func (s *MemoryPaymentEventStore) Notifications() []*BillingNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*BillingNotification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// PostgresPaymentEventStore dedupes through the webhook_events unique
// constraint, so two nodes racing on the same delivery resolve in the
// database.
type PostgresPaymentEventStore struct {
	db *sql.DB
}

func NewPostgresPaymentEventStore(db *sql.DB) *PostgresPaymentEventStore {
	return &PostgresPaymentEventStore{db: db}
}

func (s *PostgresPaymentEventStore) RecordPaymentEvent(ctx context.Context, provider, providerPaymentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider, provider_payment_id)
		VALUES ($1, $2)
		ON CONFLICT (provider, provider_payment_id) DO NOTHING`,
		provider, providerPaymentID)
	if err != nil {
		return false, faults.Transient("webhook_store_unavailable", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresPaymentEventStore) RecordBillingNotification(ctx context.Context, n *BillingNotification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_notifications
			(id, provider, provider_payment_id, event_type, tenant_id,
			 pool_id, amount_micro, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.Provider, n.ProviderPaymentID, n.EventType, n.TenantID,
		n.PoolID, n.AmountMicro, n.ProcessedAt)
	if err != nil {
		return faults.Transient("webhook_store_unavailable", err)
	}
	return nil
}

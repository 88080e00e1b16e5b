package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildcore/backend/internal/events"
	"github.com/guildcore/backend/internal/ledger"
)

type capture struct {
	mu        sync.Mutex
	bodies    [][]byte
	headers   []http.Header
	responses []int
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.headers = append(c.headers, r.Header.Clone())
		status := http.StatusOK
		if len(c.responses) > 0 {
			status = c.responses[0]
			c.responses = c.responses[1:]
		}
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestRegisterRequiresURLAndTenant(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register(&Subscription{TenantID: "com-1"}))
	assert.Error(t, reg.Register(&Subscription{URL: "http://example.com"}))

	sub := &Subscription{TenantID: "com-1", URL: "http://example.com"}
	require.NoError(t, reg.Register(sub))
	assert.Contains(t, sub.ID, "wh-")
	assert.True(t, sub.Active)
}

func TestSubscribersFilterByEventAndTenant(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Subscription{TenantID: "com-1", URL: "http://a", Events: []string{events.TypeTenantUpgraded}}))
	require.NoError(t, reg.Register(&Subscription{TenantID: "com-1", URL: "http://b"}))
	require.NoError(t, reg.Register(&Subscription{TenantID: "com-2", URL: "http://c"}))

	subs := reg.Subscribers(events.TypeTenantUpgraded, "com-1")
	assert.Len(t, subs, 2)

	subs = reg.Subscribers(events.TypePayoutCompleted, "com-1")
	assert.Len(t, subs, 1)

	// subject-less events fan out to every tenant
	subs = reg.Subscribers(events.TypeConfigReloaded, "")
	assert.Len(t, subs, 2)
}

func TestMarkFailedDisablesAtThreshold(t *testing.T) {
	reg := NewRegistry()
	sub := &Subscription{TenantID: "com-1", URL: "http://a"}
	require.NoError(t, reg.Register(sub))

	for i := 0; i < maxFailures; i++ {
		reg.MarkFailed(sub.ID)
	}
	assert.Empty(t, reg.Subscribers(events.TypeTenantUpgraded, "com-1"))

	// re-registering resets the counter
	require.NoError(t, reg.Register(sub))
	assert.Len(t, reg.Subscribers(events.TypeTenantUpgraded, "com-1"), 1)
}

func TestDispatchDeliversSignedPayload(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Subscription{TenantID: "com-1", URL: srv.URL, Secret: "s3cret"}))

	d := NewDispatcher(reg, 2)
	ev := events.NewEvent(events.TypeTenantUpgraded, "admin", "com-1", map[string]interface{}{
		"from_tier": "free",
		"to_tier":   "pro",
	})
	d.Dispatch(ev)
	waitFor(t, func() bool { return cap.count() == 1 })
	d.Shutdown()

	cap.mu.Lock()
	defer cap.mu.Unlock()
	hdr := cap.headers[0]
	assert.Equal(t, events.TypeTenantUpgraded, hdr.Get("X-Guildcore-Event-Type"))
	assert.Equal(t, ev.ID, hdr.Get("X-Guildcore-Event-ID"))
	assert.Equal(t, "1", hdr.Get("X-Guildcore-Delivery-Attempt"))

	want := "sha256=" + Sign(cap.bodies[0], "s3cret")
	got := hdr.Get("X-Guildcore-Signature")
	assert.True(t, hmac.Equal([]byte(want), []byte(got)))

	var decoded events.Event
	require.NoError(t, json.Unmarshal(cap.bodies[0], &decoded))
	assert.Equal(t, "1.0", decoded.SpecVersion)
	assert.Equal(t, "pro", decoded.Data["to_tier"])
}

func TestDispatchSkipsOtherTenants(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Subscription{TenantID: "com-2", URL: srv.URL}))

	d := NewDispatcher(reg, 1)
	d.Dispatch(events.NewEvent(events.TypeTenantUpgraded, "admin", "com-1", nil))
	d.Shutdown()

	assert.Zero(t, cap.count())
}

func TestFailedDeliveryRetriesAndCounts(t *testing.T) {
	cap := &capture{responses: []int{500, 200}}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	reg := NewRegistry()
	sub := &Subscription{TenantID: "com-1", URL: srv.URL}
	require.NoError(t, reg.Register(sub))

	d := NewDispatcher(reg, 1)
	d.Dispatch(events.NewEvent(events.TypePayoutCompleted, "ledger", "com-1", nil))
	waitFor(t, func() bool { return cap.count() == 2 })
	d.Shutdown()

	list := reg.List("com-1")
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].FailCount)
	assert.True(t, list[0].Active)

	cap.mu.Lock()
	defer cap.mu.Unlock()
	assert.Equal(t, "2", cap.headers[1].Get("X-Guildcore-Delivery-Attempt"))
}

func TestRunForwardsBusEvents(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Subscription{TenantID: "com-1", URL: srv.URL}))

	bus := events.NewBus()
	d := NewDispatcher(reg, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, bus)
		close(done)
	}()

	bus.Emit(events.TypeLotCreated, "ledger", "com-1", map[string]interface{}{"amount_micro": "1000000"})
	waitFor(t, func() bool { return cap.count() == 1 })

	cancel()
	<-done
	d.Shutdown()
}

func billingReq(t *testing.T, target string, secret string, ev map[string]interface{}) *http.Request {
	t.Helper()
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(payload))
	if secret != "" {
		req.Header.Set("X-Signature", "sha256="+Sign(payload, secret))
	}
	return req
}

func newBillingReceiver(t *testing.T) (*Receiver, *ledger.Engine, *MemoryPaymentEventStore) {
	t.Helper()
	engine := ledger.NewEngine(ledger.NewMemoryStore(), nil)
	seen := NewMemoryPaymentEventStore()
	rc := NewReceiver(engine, seen, map[string]string{"stripe": "s3cret"})
	return rc, engine, seen
}

func TestBillingWebhookDepositsOnce(t *testing.T) {
	rc, engine, seen := newBillingReceiver(t)
	r := mux.NewRouter()
	rc.RegisterRoutes(r)

	ev := map[string]interface{}{
		"type": PaymentCompleted, "payment_id": "pi_1",
		"tenant_id": "com-1", "pool_id": "default", "amount_micro": 5_000_000,
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, billingReq(t, "/billing/webhooks/stripe", "s3cret", ev))
	require.Equal(t, http.StatusOK, rec.Code)

	// provider retries the same delivery
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, billingReq(t, "/billing/webhooks/stripe", "s3cret", ev))
	require.Equal(t, http.StatusOK, rec.Code)

	com, err := engine.Balance(context.Background(), "com-1", "default")
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), com.AvailableMicro)

	// one applied delivery, one audit line
	notes := seen.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, "stripe", notes[0].Provider)
	assert.Equal(t, "pi_1", notes[0].ProviderPaymentID)
	assert.Equal(t, PaymentCompleted, notes[0].EventType)
	assert.Equal(t, int64(5_000_000), notes[0].AmountMicro)
}

func TestBillingWebhookRejectsBadSignature(t *testing.T) {
	rc, engine, _ := newBillingReceiver(t)
	r := mux.NewRouter()
	rc.RegisterRoutes(r)

	ev := map[string]interface{}{
		"type": PaymentCompleted, "payment_id": "pi_2",
		"tenant_id": "com-1", "pool_id": "default", "amount_micro": 1_000_000,
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, billingReq(t, "/billing/webhooks/stripe", "wrong", ev))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	com, err := engine.Balance(context.Background(), "com-1", "default")
	require.NoError(t, err)
	assert.Zero(t, com.AvailableMicro)
}

func TestBillingWebhookUnknownProviderIs404(t *testing.T) {
	rc, _, _ := newBillingReceiver(t)
	r := mux.NewRouter()
	rc.RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, billingReq(t, "/billing/webhooks/paypal", "s3cret", map[string]interface{}{
		"type": PaymentCompleted, "payment_id": "pi_3", "tenant_id": "com-1", "amount_micro": 1,
	}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBillingWebhookRefundsByPayment(t *testing.T) {
	rc, engine, _ := newBillingReceiver(t)
	r := mux.NewRouter()
	rc.RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, billingReq(t, "/billing/webhooks/stripe", "s3cret", map[string]interface{}{
		"type": PaymentCompleted, "payment_id": "pi_4",
		"tenant_id": "com-1", "pool_id": "default", "amount_micro": 3_000_000,
	}))
	require.Equal(t, http.StatusOK, rec.Code)

	// refund targets the original payment id
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, billingReq(t, "/billing/webhooks/stripe", "s3cret", map[string]interface{}{
		"type": PaymentRefunded, "payment_id": "pi_4",
		"tenant_id": "com-1", "pool_id": "default", "amount_micro": 1_000_000,
	}))
	require.Equal(t, http.StatusOK, rec.Code)

	com, err := engine.Balance(context.Background(), "com-1", "default")
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), com.AvailableMicro)
}

func TestSignIsDeterministicHex(t *testing.T) {
	sig := Sign([]byte("payload"), "secret")
	_, err := hex.DecodeString(sig)
	require.NoError(t, err)
	assert.Equal(t, Sign([]byte("payload"), "secret"), sig)
	assert.NotEqual(t, Sign([]byte("payload"), "other"), sig)
}

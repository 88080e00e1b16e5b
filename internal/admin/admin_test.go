package admin

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildcore/backend/internal/agentgw"
	"github.com/guildcore/backend/internal/events"
	"github.com/guildcore/backend/internal/faults"
	"github.com/guildcore/backend/internal/ledger"
	"github.com/guildcore/backend/internal/tenant"
	"github.com/guildcore/backend/internal/webhooks"
)

type memoryTenantStore struct {
	mu      sync.Mutex
	tenants map[string]*tenant.Community
}

func newMemoryTenantStore() *memoryTenantStore {
	return &memoryTenantStore{tenants: make(map[string]*tenant.Community)}
}

func (s *memoryTenantStore) GetTenant(_ context.Context, id string) (*tenant.Community, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if com, ok := s.tenants[id]; ok {
		cp := *com
		return &cp, nil
	}
	return nil, nil
}

func (s *memoryTenantStore) PutTenant(_ context.Context, com *tenant.Community) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *com
	s.tenants[com.ID] = &cp
	return nil
}

type recordingInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

type recordingEmitter struct {
	mu    sync.Mutex
	types []string
	data  []map[string]interface{}
}

func (r *recordingEmitter) Emit(eventType, _, _ string, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
	r.data = append(r.data, data)
}

type noopSweeper struct{ calls int }

func (n *noopSweeper) Sweep(context.Context) error {
	n.calls++
	return nil
}

func newTestService(t *testing.T) (*Service, *memoryTenantStore, *recordingInvalidator, *recordingEmitter, *agentgw.TokenBroker) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	broker := agentgw.NewTokenBroker("key-initial", key, "", nil, time.Time{})

	store := newMemoryTenantStore()
	inv := &recordingInvalidator{}
	em := &recordingEmitter{}
	svc := NewService(store, inv, em, broker, &noopSweeper{}, nil)
	return svc, store, inv, em, broker
}

func TestCreateTenantConflictsOnDuplicate(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	com, err := svc.CreateTenant(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, tenant.TierFree, com.Tier)

	_, err = svc.CreateTenant(ctx, "guild-1")
	require.Error(t, err)
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))
}

func TestUpgradeTenantInvalidatesCacheAndEmits(t *testing.T) {
	svc, _, inv, em, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateTenant(ctx, "guild-1")
	require.NoError(t, err)

	com, err := svc.UpgradeTenant(ctx, "guild-1", tenant.TierPro)
	require.NoError(t, err)
	assert.Equal(t, tenant.TierPro, com.Tier)

	assert.Equal(t, []string{"guild-1"}, inv.ids)
	require.Equal(t, []string{events.TypeTenantUpgraded}, em.types)
	assert.Equal(t, "free", em.data[0]["from_tier"])
	assert.Equal(t, "pro", em.data[0]["to_tier"])
}

func TestUpgradeTenantRejectsUnknownTier(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	_, err := svc.UpgradeTenant(context.Background(), "guild-1", tenant.Tier("platinum"))
	require.Error(t, err)
	assert.Equal(t, faults.KindPolicy, faults.KindOf(err))
}

func TestUpgradeTenantUnknownIsNotFound(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	_, err := svc.UpgradeTenant(context.Background(), "missing", tenant.TierPro)
	require.Error(t, err)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

func TestRotateSigningKeyInstallsNewKID(t *testing.T) {
	svc, _, _, _, broker := newTestService(t)
	before := broker.CurrentKID()

	kid, err := svc.RotateSigningKey(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, before, kid)
	assert.Equal(t, kid, broker.CurrentKID())
}

func TestKeyIssueVerifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	keys := NewKeys(NewMemoryKeyStore())

	record, full, err := keys.Issue(ctx, "guild-1", 0)
	require.NoError(t, err)
	assert.True(t, record.Active)
	assert.Contains(t, full, "gc_")

	tenantID, err := keys.Verify(ctx, full)
	require.NoError(t, err)
	assert.Equal(t, "guild-1", tenantID)
}

func TestKeyVerifyRejectsTamperedSecret(t *testing.T) {
	ctx := context.Background()
	keys := NewKeys(NewMemoryKeyStore())

	_, full, err := keys.Issue(ctx, "guild-1", 0)
	require.NoError(t, err)

	_, err = keys.Verify(ctx, full[:len(full)-1]+"0")
	require.Error(t, err)
	assert.Equal(t, faults.KindPolicy, faults.KindOf(err))
}

func TestKeyVerifyRejectsExpiredKey(t *testing.T) {
	ctx := context.Background()
	keys := NewKeys(NewMemoryKeyStore())

	_, full, err := keys.Issue(ctx, "guild-1", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	_, err = keys.Verify(ctx, full)
	assert.Error(t, err)
}

func TestKeyVerifyRejectsDeactivatedKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()
	keys := NewKeys(store)

	record, full, err := keys.Issue(ctx, "guild-1", 0)
	require.NoError(t, err)
	require.NoError(t, store.DeactivateKey(ctx, record.ID))

	_, err = keys.Verify(ctx, full)
	assert.Error(t, err)
}

func TestOverrideRequiresSecondOperator(t *testing.T) {
	book := NewOverrides()
	ctx := context.Background()
	ov, err := book.Propose(ctx, "revenue_split", "80/20", "incident 4417", "alice")
	require.NoError(t, err)

	_, err = book.Approve(ctx, ov.ID, "alice")
	require.Error(t, err)
	f := faults.As(err)
	require.NotNil(t, f)
	assert.Equal(t, "four_eyes_violation", f.Code)

	approved, err := book.Approve(ctx, ov.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, OverrideApproved, approved.State)
	assert.Equal(t, "bob", approved.DecidedBy)
}

func TestOverrideCannotBeDecidedTwice(t *testing.T) {
	book := NewOverrides()
	ctx := context.Background()
	ov, err := book.Propose(ctx, "revenue_split", "80/20", "incident 4417", "alice")
	require.NoError(t, err)

	_, err = book.Reject(ctx, ov.ID, "bob")
	require.NoError(t, err)

	_, err = book.Approve(ctx, ov.ID, "carol")
	require.Error(t, err)
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))
}

func TestOverrideAuditIsAppendOnly(t *testing.T) {
	book := NewOverrides()
	ctx := context.Background()
	ov, err := book.Propose(ctx, "revenue_split", "80/20", "incident 4417", "alice")
	require.NoError(t, err)
	_, err = book.Approve(ctx, ov.ID, "bob")
	require.NoError(t, err)

	audit := book.AuditLog()
	require.Len(t, audit, 2)
	assert.Equal(t, OverrideProposed, audit[0].State)
	assert.Equal(t, OverrideApproved, audit[1].State)
}

type recordingAuditSink struct {
	lines []Override
	err   error
}

func (s *recordingAuditSink) AppendOverrideAudit(_ context.Context, ov Override) error {
	if s.err != nil {
		return s.err
	}
	s.lines = append(s.lines, ov)
	return nil
}

func TestOverrideDecisionsReachAuditSink(t *testing.T) {
	sink := &recordingAuditSink{}
	book := NewOverridesWithAudit(sink)
	ctx := context.Background()

	ov, err := book.Propose(ctx, "revenue_split", "80/20", "incident 4417", "alice")
	require.NoError(t, err)
	_, err = book.Approve(ctx, ov.ID, "bob")
	require.NoError(t, err)

	require.Len(t, sink.lines, 2)
	assert.Equal(t, OverrideProposed, sink.lines[0].State)
	assert.Equal(t, "alice", sink.lines[0].ProposedBy)
	assert.Equal(t, OverrideApproved, sink.lines[1].State)
	assert.Equal(t, "bob", sink.lines[1].DecidedBy)
}

func TestOverrideRefusedWhenAuditUnavailable(t *testing.T) {
	sink := &recordingAuditSink{}
	book := NewOverridesWithAudit(sink)
	ctx := context.Background()

	ov, err := book.Propose(ctx, "revenue_split", "80/20", "incident 4417", "alice")
	require.NoError(t, err)

	// the decision does not happen without its durable audit line
	sink.err = assert.AnError
	_, err = book.Approve(ctx, ov.ID, "bob")
	require.Error(t, err)
	assert.Equal(t, faults.KindTransient, faults.KindOf(err))

	got, ok := book.Get(ov.ID)
	require.True(t, ok)
	assert.Equal(t, OverrideProposed, got.State)

	sink.err = nil
	_, err = book.Approve(ctx, ov.ID, "bob")
	require.NoError(t, err)
}

func newTestServer(t *testing.T) (*mux.Router, string, *Service) {
	t.Helper()
	svc, _, _, _, _ := newTestService(t)
	keys := NewKeys(NewMemoryKeyStore())
	_, full, err := keys.Issue(context.Background(), "ops", 0)
	require.NoError(t, err)

	r := mux.NewRouter()
	NewServer(svc, keys, webhooks.NewRegistry(), newTestPayouts(t)).RegisterRoutes(r)
	return r, full, svc
}

// newTestPayouts seeds the treasury so payout requests clear the margin
// check.
func newTestPayouts(t *testing.T) *ledger.PayoutProcessor {
	t.Helper()
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	engine := ledger.NewEngine(store, nil)
	_, err := engine.Deposit(ctx, "seed-guild", "default", 10_000_000, ledger.SourceDeposit, "")
	require.NoError(t, err)
	res, err := engine.Reserve(ctx, "seed-guild", "default", 10_000_000, time.Minute)
	require.NoError(t, err)
	_, err = engine.Finalize(ctx, "seed-guild", res.ID, "fin-seed", 10_000_000)
	require.NoError(t, err)
	return ledger.NewPayoutProcessor(store, nil, nil, 0)
}

func adminReq(t *testing.T, method, path, key, operator string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("X-Admin-Key", key)
	}
	if operator != "" {
		req.Header.Set("X-Operator", operator)
	}
	return req
}

func TestServerRejectsMissingAPIKey(t *testing.T) {
	r, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, adminReq(t, http.MethodPost, "/admin/tenants", "", "", map[string]string{"guild_id": "g"}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServerCreatesAndUpgradesTenant(t *testing.T) {
	r, key, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, adminReq(t, http.MethodPost, "/admin/tenants", key, "", map[string]string{"guild_id": "guild-1"}))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, adminReq(t, http.MethodPost, "/admin/tenants/guild-1/upgrade", key, "", map[string]string{"tier": "pro"}))
	require.Equal(t, http.StatusOK, rec.Code)

	var com tenant.Community
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &com))
	assert.Equal(t, tenant.TierPro, com.Tier)
}

func TestServerOverrideFlowEnforcesFourEyes(t *testing.T) {
	r, key, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, adminReq(t, http.MethodPost, "/admin/overrides", key, "alice", map[string]string{
		"rule": "revenue_split", "value": "80/20", "reason": "incident 4417",
	}))
	require.Equal(t, http.StatusCreated, rec.Code)
	var ov Override
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ov))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, adminReq(t, http.MethodPost, "/admin/overrides/"+ov.ID+"/approve", key, "alice", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, adminReq(t, http.MethodPost, "/admin/overrides/"+ov.ID+"/approve", key, "bob", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServerTriggersReconciliation(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	sweeper := &noopSweeper{}
	svc.sweeper = sweeper

	keys := NewKeys(NewMemoryKeyStore())
	_, full, err := keys.Issue(context.Background(), "ops", 0)
	require.NoError(t, err)

	r := mux.NewRouter()
	NewServer(svc, keys, nil, nil).RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, adminReq(t, http.MethodPost, "/admin/reconcile", full, "", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, sweeper.calls)
}

func TestServerManagesWebhooks(t *testing.T) {
	r, key, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, adminReq(t, http.MethodPost, "/admin/webhooks", key, "", map[string]interface{}{
		"tenant_id": "com-1",
		"url":       "https://hooks.example.com/in",
		"events":    []string{events.TypeTenantUpgraded},
	}))
	require.Equal(t, http.StatusCreated, rec.Code)
	var sub webhooks.Subscription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	assert.Contains(t, sub.ID, "wh-")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, adminReq(t, http.MethodGet, "/admin/webhooks?tenant_id=com-1", key, "", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list []webhooks.Subscription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, adminReq(t, http.MethodDelete, "/admin/webhooks/"+sub.ID, key, "", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, adminReq(t, http.MethodDelete, "/admin/webhooks/"+sub.ID, key, "", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerPayoutFlowEnforcesFourEyes(t *testing.T) {
	r, key, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, adminReq(t, http.MethodPost, "/admin/payouts", key, "alice", map[string]interface{}{
		"account_id": "creator-1", "amount_micro": 2_000_000, "provider_id": "stripe",
	}))
	require.Equal(t, http.StatusCreated, rec.Code)
	var payout ledger.Payout
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payout))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, adminReq(t, http.MethodPost, "/admin/payouts/"+payout.ID+"/approve", key, "alice", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, adminReq(t, http.MethodPost, "/admin/payouts/"+payout.ID+"/approve", key, "bob", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// pending → cancelled is no longer reachable after approval
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, adminReq(t, http.MethodPost, "/admin/payouts/"+payout.ID+"/cancel", key, "alice", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServerPayoutRequestNeedsOperator(t *testing.T) {
	r, key, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, adminReq(t, http.MethodPost, "/admin/payouts", key, "", map[string]interface{}{
		"account_id": "creator-1", "amount_micro": 1, "provider_id": "stripe",
	}))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServerWebhookRequiresTenantAndURL(t *testing.T) {
	r, key, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, adminReq(t, http.MethodPost, "/admin/webhooks", key, "", map[string]string{"tenant_id": "com-1"}))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

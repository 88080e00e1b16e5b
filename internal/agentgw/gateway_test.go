package agentgw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildcore/backend/internal/faults"
	"github.com/guildcore/backend/internal/ledger"
)

// fakeLedger records the budget calls the pipeline makes.
type fakeLedger struct {
	mu         sync.Mutex
	nextID     int
	reserveErr error

	reserved  map[string]int64 // reservation id -> micro
	released  []string
	finalized map[string]int64 // reservation id -> cost
	shadow    map[string]int64 // reference id -> cost
	deposits  map[string]int64 // payment id -> micro
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		reserved:  make(map[string]int64),
		finalized: make(map[string]int64),
		shadow:    make(map[string]int64),
		deposits:  make(map[string]int64),
	}
}

func (f *fakeLedger) Reserve(_ context.Context, tenantID, poolID string, amountMicro int64, _ time.Duration) (*ledger.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	f.nextID++
	id := fmt.Sprintf("res-%d", f.nextID)
	f.reserved[id] = amountMicro
	return &ledger.Reservation{ID: id, TenantID: tenantID, PoolID: poolID, RequestedMicro: amountMicro}, nil
}

func (f *fakeLedger) Finalize(_ context.Context, _, reservationID, finalizationID string, costMicro int64) (*ledger.FinalizeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized[reservationID] = costMicro
	return &ledger.FinalizeResult{ReservationID: reservationID, FinalizationID: finalizationID, CostMicro: costMicro}, nil
}

func (f *fakeLedger) Release(_ context.Context, _, reservationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, reservationID)
	return nil
}

func (f *fakeLedger) ShadowCharge(_ context.Context, _, _, referenceID string, costMicro int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shadow[referenceID] = costMicro
	return nil
}

func (f *fakeLedger) Deposit(_ context.Context, _, _ string, amountMicro int64, _ ledger.LotSource, paymentID string) (*ledger.Lot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deposits[paymentID] = amountMicro
	return &ledger.Lot{ID: paymentID, OriginalMicro: amountMicro, AvailableMicro: amountMicro}, nil
}

// collectSink gathers relayed events; sendErr simulates a caller
// disconnect.
type collectSink struct {
	mu      sync.Mutex
	events  []StreamEvent
	sendErr error
}

func (c *collectSink) Send(eventType string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.events = append(c.events, StreamEvent{Type: eventType, Data: append([]byte(nil), data...)})
	return nil
}

func (c *collectSink) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

// sseHandler streams the given frames and counts requests.
type sseHandler struct {
	frames   []string
	requests sync.Map // provider header checks
	calls    int64
	mu       sync.Mutex
}

func (h *sseHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	h.requests.Store("auth", r.Header.Get("Authorization"))
	h.requests.Store("contract", r.Header.Get("X-Contract-Version"))

	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	for _, frame := range h.frames {
		fmt.Fprint(w, frame)
		flusher.Flush()
	}
}

func (h *sseHandler) callCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func happyFrames() []string {
	return []string{
		"event: message.delta\ndata: {\"text\":\"hel\"}\n\n",
		"event: message.delta\ndata: {\"text\":\"lo\"}\n\n",
		"event: message.final\ndata: {\"text\":\"hello\"}\n\n",
		"event: usage.report\ndata: {\"input_tokens\":100,\"output_tokens\":50}\n\n",
	}
}

func newTestGateway(t *testing.T, handler *sseHandler, lgr Ledger) (*Gateway, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	broker := NewTokenBroker("k1", genKey(t), "", nil, time.Time{})
	gw := NewGateway(NewRegistry(DefaultModels()), broker, NewUpstreamClient(srv.URL), lgr, NewMemoryInvocationLog(0))
	return gw, srv
}

func platformParams() InvokeParams {
	return InvokeParams{
		TenantID: "guild1",
		UserID:   "user42",
		PoolID:   "default",
		Alias:    "fast",
		Mode:     ModePlatformBudget,
	}
}

func TestInvokePlatformBudgetHappyPath(t *testing.T) {
	lgr := newFakeLedger()
	handler := &sseHandler{frames: happyFrames()}
	gw, _ := newTestGateway(t, handler, lgr)
	sink := &collectSink{}

	result, err := gw.Invoke(context.Background(), platformParams(), sink)
	require.NoError(t, err)

	// fast: 2 micro per input token, 8 per output token
	assert.Equal(t, int64(100*2+50*8), result.CostMicro)
	assert.Equal(t, int64(100), result.Usage.InputTokens)
	assert.Equal(t, uint64(3), result.EventsRelayed)
	assert.Equal(t, []string{EventMessageDelta, EventMessageDelta, EventMessageFinal}, sink.types())

	// reservation at the alias upper bound, finalized with the exact cost
	require.Len(t, lgr.reserved, 1)
	for _, micro := range lgr.reserved {
		assert.Equal(t, int64(500_000), micro)
	}
	require.Len(t, lgr.finalized, 1)
	for _, cost := range lgr.finalized {
		assert.Equal(t, result.CostMicro, cost)
	}
	assert.Empty(t, lgr.released)

	// upstream request carried the signed token and contract version
	auth, _ := handler.requests.Load("auth")
	assert.Contains(t, auth, "Bearer ")
	contract, _ := handler.requests.Load("contract")
	assert.Equal(t, ContractVersion, contract)
}

func TestInvokeBudgetExceededMakesNoUpstreamCall(t *testing.T) {
	lgr := newFakeLedger()
	f := faults.Policy("budget_exceeded", "insufficient credit")
	f.ShortfallMicro = 123_000
	lgr.reserveErr = f

	handler := &sseHandler{frames: happyFrames()}
	gw, _ := newTestGateway(t, handler, lgr)

	_, err := gw.Invoke(context.Background(), platformParams(), &collectSink{})
	require.Error(t, err)
	assert.Equal(t, faults.KindPolicy, faults.KindOf(err))
	assert.Equal(t, int64(123_000), faults.As(err).ShortfallMicro)
	assert.Zero(t, handler.callCount())
}

func TestInvokeBYOKRecordsShadowCharge(t *testing.T) {
	lgr := newFakeLedger()
	gw, _ := newTestGateway(t, &sseHandler{frames: happyFrames()}, lgr)

	params := platformParams()
	params.Mode = ModeBYOKNoBudget
	result, err := gw.Invoke(context.Background(), params, &collectSink{})
	require.NoError(t, err)

	assert.Empty(t, lgr.reserved)
	assert.Empty(t, lgr.finalized)
	assert.Equal(t, result.CostMicro, lgr.shadow[result.InvocationID])
}

func TestCallerDisconnectReleasesReservation(t *testing.T) {
	lgr := newFakeLedger()
	gw, _ := newTestGateway(t, &sseHandler{frames: happyFrames()}, lgr)

	sink := &collectSink{sendErr: errors.New("broken pipe")}
	_, err := gw.Invoke(context.Background(), platformParams(), sink)
	require.Error(t, err)
	assert.Equal(t, faults.KindTransient, faults.KindOf(err))

	require.Len(t, lgr.released, 1)
	assert.Empty(t, lgr.finalized)
}

func TestMissingUsageReportNeverCharges(t *testing.T) {
	lgr := newFakeLedger()
	// stream ends after content, no usage report
	frames := happyFrames()[:3]
	gw, _ := newTestGateway(t, &sseHandler{frames: frames}, lgr)

	_, err := gw.Invoke(context.Background(), platformParams(), &collectSink{})
	require.Error(t, err)
	assert.Equal(t, "usage_missing", faults.As(err).Code)

	require.Len(t, lgr.released, 1)
	assert.Empty(t, lgr.finalized)
	assert.Empty(t, lgr.shadow)
}

func TestInvokeUnknownAliasIsNotFound(t *testing.T) {
	gw, _ := newTestGateway(t, &sseHandler{}, newFakeLedger())
	params := platformParams()
	params.Alias = "nonsense"
	_, err := gw.Invoke(context.Background(), params, &collectSink{})
	require.Error(t, err)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

func TestEnsembleFallbackStopsAfterFirstSuccess(t *testing.T) {
	lgr := newFakeLedger()
	gw, _ := newTestGateway(t, &sseHandler{frames: happyFrames()}, lgr)

	base := platformParams()
	base.Alias = ""
	report, err := gw.InvokeEnsemble(context.Background(), StrategyFallback,
		[]string{"fast", "smart"}, base, func(string) Sink { return &collectSink{} })
	require.NoError(t, err)

	assert.Equal(t, StrategyFallback, report.Strategy)
	assert.Equal(t, 1, report.Requested)
	assert.Equal(t, 1, report.Succeeded)
	// only one reservation: fallback never reached the second alias
	assert.Len(t, lgr.reserved, 1)
}

func TestEnsembleBestOfNRunsMembersConcurrently(t *testing.T) {
	lgr := newFakeLedger()
	inner := &sseHandler{frames: happyFrames()}

	// every stream blocks until all members are in flight; a serial
	// caller never reaches a peak above one
	const members = 2
	var mu sync.Mutex
	inFlight, peak := 0, 0
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		if inFlight == members {
			close(release)
		}
		mu.Unlock()
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		inner.ServeHTTP(w, r)
		mu.Lock()
		inFlight--
		mu.Unlock()
	}))
	t.Cleanup(srv.Close)

	broker := NewTokenBroker("k1", genKey(t), "", nil, time.Time{})
	gw := NewGateway(NewRegistry(DefaultModels()), broker, NewUpstreamClient(srv.URL), lgr, NewMemoryInvocationLog(0))

	base := platformParams()
	base.Alias = ""
	report, err := gw.InvokeEnsemble(context.Background(), StrategyBestOfN,
		[]string{"fast", "smart"}, base, func(string) Sink { return &collectSink{} })
	require.NoError(t, err)

	assert.Equal(t, members, report.Requested)
	assert.Equal(t, members, report.Succeeded)
	assert.Len(t, lgr.reserved, members)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, members, peak)
}

func TestAggregateEnsembleAccounting(t *testing.T) {
	report := Aggregate(StrategyBestOfN, []ModelResult{
		{Alias: "fast", Mode: ModePlatformBudget, Succeeded: true, CostMicro: 600, ReservedMicro: 500_000},
		{Alias: "smart", Mode: ModePlatformBudget, Succeeded: true, CostMicro: 9_000, ReservedMicro: 5_000_000},
		{Alias: "cheap", Mode: ModeBYOKNoBudget, Succeeded: false, CostMicro: 0},
	})
	assert.Equal(t, 3, report.Requested)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, int64(9_600), report.TotalMicro)
	assert.Equal(t, int64(9_600), report.PlatformMicro)
	assert.Equal(t, int64(0), report.BYOKMicro)
	assert.Equal(t, int64(5_500_000), report.ReservedMicro)
	assert.Equal(t, int64(5_500_000-9_600), report.SavingsMicro)
}

func TestModelCostMath(t *testing.T) {
	m := Model{InputMicroPerToken: 3, OutputMicroPerToken: 15}
	assert.Equal(t, int64(0), m.Cost(0, 0))
	assert.Equal(t, int64(3*1000+15*200), m.Cost(1000, 200))
}

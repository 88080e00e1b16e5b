package handlers

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildcore/backend/internal/analytics"
	"github.com/guildcore/backend/internal/chain"
	"github.com/guildcore/backend/internal/envelope"
	"github.com/guildcore/backend/internal/faults"
	"github.com/guildcore/backend/internal/ledger"
	"github.com/guildcore/backend/internal/tenant"
)

const testPool = "pool-main"

type recordedReply struct {
	InteractionID string
	Token         string
	Content       string
}

type fakeResponder struct {
	mu      sync.Mutex
	replies []recordedReply
}

func (f *fakeResponder) Respond(_ context.Context, id, token, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, recordedReply{id, token, content})
	return nil
}

func (f *fakeResponder) last(t *testing.T) recordedReply {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.replies)
	return f.replies[len(f.replies)-1]
}

type fakeChainBackend struct {
	native map[common.Address]*big.Int
}

func (f *fakeChainBackend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if b, ok := f.native[account]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeChainBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	wallet := common.BytesToAddress(call.Data[4:36])
	if b, ok := f.native[wallet]; ok {
		return common.LeftPadBytes(b.Bytes(), 32), nil
	}
	return common.LeftPadBytes(nil, 32), nil
}

type fakeAnalytics struct {
	mu      sync.Mutex
	batches [][]*spanner.Mutation
}

func (f *fakeAnalytics) Apply(_ context.Context, ms []*spanner.Mutation, _ ...spanner.ApplyOption) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, ms)
	return time.Now(), nil
}

func interactionEnv(t *testing.T, guildID, command string, options map[string]string) *envelope.Envelope {
	t.Helper()
	opts := make([]map[string]string, 0, len(options))
	for name, value := range options {
		opts = append(opts, map[string]string{"name": name, "value": value})
	}
	payload, err := json.Marshal(map[string]interface{}{
		"id":       uuid.NewString(),
		"token":    "tok-" + uuid.NewString(),
		"guild_id": guildID,
		"member":   map[string]interface{}{"user": map[string]string{"id": "user-1"}},
		"data":     map[string]interface{}{"name": command, "options": opts},
	})
	require.NoError(t, err)
	return envelope.New(envelope.TypeInteractionCreate, 0, guildID, payload)
}

func newInteractions(t *testing.T, responder Responder) (*Interactions, *ledger.Engine) {
	t.Helper()
	eng := ledger.NewEngine(ledger.NewMemoryStore(), nil)
	backend := &fakeChainBackend{native: map[common.Address]*big.Int{}}
	return NewInteractions(eng, nil, chain.NewReader(backend), responder, testPool), eng
}

func TestBalanceCommandRepliesWithLedgerState(t *testing.T) {
	ctx := context.Background()
	responder := &fakeResponder{}
	h, eng := newInteractions(t, responder)

	_, err := eng.Deposit(ctx, "guild-1", testPool, 2_500_000, ledger.SourceDeposit, "pay-1")
	require.NoError(t, err)

	com := tenant.DefaultCommunity("guild-1", time.Now())
	require.NoError(t, h.Handle(ctx, interactionEnv(t, "guild-1", "balance", nil), com))

	assert.Contains(t, responder.last(t).Content, "2.5 available")
}

func TestUnknownCommandStillAnswers(t *testing.T) {
	responder := &fakeResponder{}
	h, _ := newInteractions(t, responder)

	com := tenant.DefaultCommunity("guild-1", time.Now())
	require.NoError(t, h.Handle(context.Background(), interactionEnv(t, "guild-1", "dance", nil), com))
	assert.Contains(t, responder.last(t).Content, "Unknown command")
}

func TestVerifyCommandChecksHoldings(t *testing.T) {
	ctx := context.Background()
	responder := &fakeResponder{}
	eng := ledger.NewEngine(ledger.NewMemoryStore(), nil)

	rich := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	oneToken := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	backend := &fakeChainBackend{native: map[common.Address]*big.Int{rich: oneToken}}
	h := NewInteractions(eng, nil, chain.NewReader(backend), responder, testPool)

	com := tenant.DefaultCommunity("guild-1", time.Now())
	env := interactionEnv(t, "guild-1", "verify", map[string]string{"wallet": rich.Hex()})
	require.NoError(t, h.Handle(ctx, env, com))
	assert.Contains(t, responder.last(t).Content, "Verified")

	env = interactionEnv(t, "guild-1", "verify", map[string]string{
		"wallet": "0x00000000000000000000000000000000000000cc",
	})
	require.NoError(t, h.Handle(ctx, env, com))
	assert.Contains(t, responder.last(t).Content, "does not meet")
}

func TestVerifyCommandRejectsMalformedWallet(t *testing.T) {
	responder := &fakeResponder{}
	h, _ := newInteractions(t, responder)

	com := tenant.DefaultCommunity("guild-1", time.Now())
	env := interactionEnv(t, "guild-1", "verify", map[string]string{"wallet": "not-an-address"})
	require.NoError(t, h.Handle(context.Background(), env, com))
	assert.Contains(t, responder.last(t).Content, "valid wallet")
}

func TestMalformedInteractionIsIntegrityFault(t *testing.T) {
	responder := &fakeResponder{}
	h, _ := newInteractions(t, responder)

	env := envelope.New(envelope.TypeInteractionCreate, 0, "guild-1", []byte(`{"id":""}`))
	err := h.Handle(context.Background(), env, tenant.DefaultCommunity("guild-1", time.Now()))
	require.Error(t, err)
	assert.Equal(t, faults.KindIntegrity, faults.KindOf(err))
	assert.Empty(t, responder.replies)
}

func TestTerminalFaultAnswersGenerically(t *testing.T) {
	// Balance on an unregistered pool succeeds with zeros, so force a
	// terminal path through a missing guild context instead.
	responder := &fakeResponder{}
	h, _ := newInteractions(t, responder)

	err := h.Handle(context.Background(), interactionEnv(t, "", "balance", nil), nil)
	require.Error(t, err)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
	assert.Contains(t, responder.last(t).Content, "not registered")
}

func TestDiscordResponderPostsCallback(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	responder := NewDiscordResponder(srv.URL)
	require.NoError(t, responder.Respond(context.Background(), "inter-1", "tok-1", "hello"))
	assert.Equal(t, "/interactions/inter-1/tok-1/callback", gotPath)
	assert.Equal(t, float64(4), gotBody["type"])
}

func TestDiscordResponderExpiredTokenIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewDiscordResponder(srv.URL).Respond(context.Background(), "i", "t", "x")
	require.Error(t, err)
	assert.False(t, faults.IsRetryable(err))
}

func memberEnv(t *testing.T, guildID, userID string, bot bool) *envelope.Envelope {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"guild_id": guildID,
		"user":     map[string]interface{}{"id": userID, "bot": bot},
	})
	require.NoError(t, err)
	return envelope.New(envelope.TypeMemberAdd, 0, guildID, payload)
}

func TestMemberJoinScoresAndRecordsHistory(t *testing.T) {
	ctx := context.Background()
	applier := &fakeAnalytics{}
	scores := NewMemoryScoreStore()
	h := NewMembers(scores, analytics.NewWriter(applier))

	com := tenant.DefaultCommunity("guild-1", time.Now())
	require.NoError(t, h.HandleAdd(ctx, memberEnv(t, "guild-1", "user-1", false), com))

	got, err := scores.GetScore(ctx, "guild-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(joinScoreDelta), got)
	// one score upsert batch plus one history batch
	assert.Len(t, applier.batches, 2)
}

func TestMemberLeaveFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	scores := NewMemoryScoreStore()
	h := NewMembers(scores, analytics.NewWriter(&fakeAnalytics{}))

	com := tenant.DefaultCommunity("guild-1", time.Now())
	require.NoError(t, h.HandleRemove(ctx, memberEnv(t, "guild-1", "user-1", false), com))

	got, err := scores.GetScore(ctx, "guild-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestBotMembersNeverScore(t *testing.T) {
	ctx := context.Background()
	applier := &fakeAnalytics{}
	scores := NewMemoryScoreStore()
	h := NewMembers(scores, analytics.NewWriter(applier))

	com := tenant.DefaultCommunity("guild-1", time.Now())
	require.NoError(t, h.HandleAdd(ctx, memberEnv(t, "guild-1", "bot-1", true), com))
	assert.Empty(t, applier.batches)
}

type countingInvalidator struct{ calls int }

func (c *countingInvalidator) Invalidate(context.Context, string) error {
	c.calls++
	return nil
}

func guildEnv(guildID string, t envelope.EventType) *envelope.Envelope {
	payload, _ := json.Marshal(map[string]string{"id": guildID})
	return envelope.New(t, 0, guildID, payload)
}

func TestGuildCreateRegistersOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTenantStore()
	h := NewGuilds(store, &countingInvalidator{})

	env := guildEnv("guild-1", envelope.TypeGuildCreate)
	require.NoError(t, h.HandleCreate(ctx, env, nil))
	require.NoError(t, h.HandleCreate(ctx, env, nil))

	com, err := store.GetTenant(ctx, "guild-1")
	require.NoError(t, err)
	require.NotNil(t, com)
	assert.Equal(t, tenant.TierFree, com.Tier)
}

func TestGuildDeleteIsLogicalAndRevives(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTenantStore()
	inv := &countingInvalidator{}
	h := NewGuilds(store, inv)

	require.NoError(t, h.HandleCreate(ctx, guildEnv("guild-1", envelope.TypeGuildCreate), nil))
	require.NoError(t, h.HandleDelete(ctx, guildEnv("guild-1", envelope.TypeGuildDelete), nil))

	com, err := store.GetTenant(ctx, "guild-1")
	require.NoError(t, err)
	require.NotNil(t, com)
	assert.True(t, com.Deleted)
	assert.Equal(t, 1, inv.calls)

	require.NoError(t, h.HandleCreate(ctx, guildEnv("guild-1", envelope.TypeGuildCreate), nil))
	com, err = store.GetTenant(ctx, "guild-1")
	require.NoError(t, err)
	assert.False(t, com.Deleted)
}

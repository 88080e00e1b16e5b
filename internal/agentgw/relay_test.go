package agentgw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorilla/mux"
)

func TestRelayAssignsMonotonicEventIDs(t *testing.T) {
	rec := httptest.NewRecorder()
	relay, err := NewRelay(rec)
	require.NoError(t, err)

	require.NoError(t, relay.Send(EventMessageDelta, []byte(`{"text":"a"}`)))
	require.NoError(t, relay.Send(EventMessageDelta, []byte(`{"text":"b"}`)))
	require.NoError(t, relay.Send(EventMessageFinal, []byte(`{"text":"ab"}`)))
	assert.Equal(t, uint64(3), relay.EventsSent())

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "id: 1\nevent: message.delta\ndata: {\"text\":\"a\"}\n\n")
	assert.Contains(t, body, "id: 2\nevent: message.delta\n")
	assert.Contains(t, body, "id: 3\nevent: message.final\n")

	// ids strictly increase in stream order
	first := strings.Index(body, "id: 1\n")
	second := strings.Index(body, "id: 2\n")
	third := strings.Index(body, "id: 3\n")
	assert.Less(t, first, second)
	assert.Less(t, second, third)
}

type allowAuth struct{ p Principal }

func (a allowAuth) Authorize(*http.Request) (Principal, error) { return a.p, nil }

type denyAuth struct{}

func (denyAuth) Authorize(*http.Request) (Principal, error) {
	return Principal{}, http.ErrNoCookie
}

func TestServerRejectsUnauthorizedCaller(t *testing.T) {
	lgr := newFakeLedger()
	gw, _ := newTestGateway(t, &sseHandler{frames: happyFrames()}, lgr)
	srv := NewServer(gw, denyAuth{})

	router := mux.NewRouter()
	srv.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodPost, "/v1/agent/invoke", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, lgr.reserved)
}

func TestServerListsModelAliases(t *testing.T) {
	gw, _ := newTestGateway(t, &sseHandler{}, newFakeLedger())
	srv := NewServer(gw, allowAuth{Principal{TenantID: "guild1"}})

	router := mux.NewRouter()
	srv.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/v1/agent/models", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"fast"`)
	assert.Contains(t, rec.Body.String(), `"reasoning"`)
}

func TestServerStreamsInvocation(t *testing.T) {
	lgr := newFakeLedger()
	gw, _ := newTestGateway(t, &sseHandler{frames: happyFrames()}, lgr)
	srv := NewServer(gw, allowAuth{Principal{TenantID: "guild1", UserID: "user42", PoolID: "default"}})

	router := mux.NewRouter()
	srv.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodPost, "/v1/agent/invoke",
		strings.NewReader(`{"model_alias":"fast","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "event: message.delta")
	assert.Contains(t, body, "event: message.final")
	assert.Contains(t, body, "event: usage.report")
	assert.Contains(t, body, `"cost_micro":600`)
	require.Len(t, lgr.finalized, 1)
}

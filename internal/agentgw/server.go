package agentgw

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/guildcore/backend/internal/faults"
)

// Principal is the authorized caller identity.
type Principal struct {
	TenantID string
	UserID   string
	PoolID   string
}

// Authorizer resolves and checks the caller of an HTTP request. The
// admin package wires this to bcrypt-hashed API keys; internal callers
// use broker-token auth.
type Authorizer interface {
	Authorize(r *http.Request) (Principal, error)
}

// invokeBody is the caller-facing request shape.
type invokeBody struct {
	Alias    string          `json:"model_alias"`
	Mode     AccountingMode  `json:"accounting_mode"`
	Messages json.RawMessage `json:"messages"`

	// Ensemble fields; empty Strategy means a single-model call.
	Strategy Strategy `json:"strategy,omitempty"`
	Aliases  []string `json:"aliases,omitempty"`
}

// Server is the HTTP surface of the agent gateway.
type Server struct {
	gateway *Gateway
	auth    Authorizer
	metrics *Metrics
}

// NewServer creates the HTTP layer.
func NewServer(gateway *Gateway, auth Authorizer) *Server {
	return &Server{gateway: gateway, auth: auth, metrics: NewMetrics()}
}

// RegisterRoutes attaches the agent endpoints to the router.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/agent/invoke", s.handleInvoke).Methods(http.MethodPost)
	r.HandleFunc("/v1/agent/models", s.handleModels).Methods(http.MethodGet)
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	principal, err := s.auth.Authorize(r)
	if err != nil {
		writeFault(w, faults.Wrap(faults.KindPolicy, "unauthorized", "caller not authorized", err), http.StatusUnauthorized)
		return
	}

	var body invokeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFault(w, faults.Wrap(faults.KindPolicy, "bad_request", "malformed request body", err), http.StatusBadRequest)
		return
	}
	if body.Mode == "" {
		body.Mode = ModePlatformBudget
	}

	params := InvokeParams{
		TenantID: principal.TenantID,
		UserID:   principal.UserID,
		PoolID:   principal.PoolID,
		Alias:    body.Alias,
		Mode:     body.Mode,
		Messages: body.Messages,
	}

	s.metrics.ActiveStreams.Inc()
	defer s.metrics.ActiveStreams.Dec()

	relay, err := NewRelay(w)
	if err != nil {
		writeFault(w, err, http.StatusInternalServerError)
		return
	}

	if body.Strategy != "" {
		report, err := s.gateway.InvokeEnsemble(r.Context(), body.Strategy, body.Aliases, params,
			func(string) Sink { return relay })
		if err != nil {
			s.sendErrorEvent(relay, err)
			return
		}
		data, _ := json.Marshal(report)
		relay.Send("ensemble.report", data)
		return
	}

	result, err := s.gateway.Invoke(r.Context(), params, relay)
	if err != nil {
		s.sendErrorEvent(relay, err)
		return
	}
	data, _ := json.Marshal(map[string]interface{}{
		"invocation_id": result.InvocationID,
		"cost_micro":    result.CostMicro,
		"input_tokens":  result.Usage.InputTokens,
		"output_tokens": result.Usage.OutputTokens,
	})
	relay.Send("usage.report", data)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if _, err := s.auth.Authorize(r); err != nil {
		writeFault(w, faults.Wrap(faults.KindPolicy, "unauthorized", "caller not authorized", err), http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"aliases": s.gateway.registry.Aliases(),
	})
}

// sendErrorEvent reports a pipeline failure on an already-open stream.
// The message stays generic; the fault code is machine-readable.
func (s *Server) sendErrorEvent(relay *Relay, err error) {
	payload := map[string]interface{}{"code": "internal_error", "kind": faults.KindOf(err).String()}
	if f := faults.As(err); f != nil {
		payload["code"] = f.Code
		if f.RetryAfter > 0 {
			payload["retry_after_ms"] = f.RetryAfter.Milliseconds()
		}
		if f.ShortfallMicro > 0 {
			payload["shortfall_micro"] = f.ShortfallMicro
		}
	}
	data, _ := json.Marshal(payload)
	relay.Send(EventError, data)
}

// writeFault maps a fault to a JSON error response before streaming has
// begun.
func writeFault(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]interface{}{"error": "request failed", "kind": faults.KindOf(err).String()}
	if f := faults.As(err); f != nil {
		payload["code"] = f.Code
		if f.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(f.RetryAfter.Seconds()), 10))
		}
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

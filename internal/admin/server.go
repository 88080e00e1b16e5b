package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/guildcore/backend/internal/faults"
	"github.com/guildcore/backend/internal/ledger"
	"github.com/guildcore/backend/internal/tenant"
	"github.com/guildcore/backend/internal/webhooks"
)

// Server is the admin HTTP surface. Every route requires a valid API
// key; four-eyes routes additionally identify the operator through the
// X-Operator header.
type Server struct {
	service *Service
	keys    *Keys
	hooks   *webhooks.Registry
	payouts *ledger.PayoutProcessor
}

// NewServer creates the admin HTTP layer. hooks and payouts may be nil
// when the deployment does not expose those surfaces.
func NewServer(service *Service, keys *Keys, hooks *webhooks.Registry, payouts *ledger.PayoutProcessor) *Server {
	return &Server{service: service, keys: keys, hooks: hooks, payouts: payouts}
}

// RegisterRoutes attaches the admin endpoints.
func (s *Server) RegisterRoutes(r *mux.Router) {
	ar := r.PathPrefix("/admin").Subrouter()
	ar.Use(s.requireAPIKey)
	ar.HandleFunc("/tenants", s.handleCreateTenant).Methods(http.MethodPost)
	ar.HandleFunc("/tenants/{id}/upgrade", s.handleUpgradeTenant).Methods(http.MethodPost)
	ar.HandleFunc("/keys/rotate", s.handleRotateKey).Methods(http.MethodPost)
	ar.HandleFunc("/reconcile", s.handleReconcile).Methods(http.MethodPost)
	ar.HandleFunc("/overrides", s.handleProposeOverride).Methods(http.MethodPost)
	ar.HandleFunc("/overrides/{id}/approve", s.handleApproveOverride).Methods(http.MethodPost)
	ar.HandleFunc("/overrides/{id}/reject", s.handleRejectOverride).Methods(http.MethodPost)
	if s.hooks != nil {
		ar.HandleFunc("/webhooks", s.handleCreateWebhook).Methods(http.MethodPost)
		ar.HandleFunc("/webhooks", s.handleListWebhooks).Methods(http.MethodGet)
		ar.HandleFunc("/webhooks/{id}", s.handleDeleteWebhook).Methods(http.MethodDelete)
	}
	if s.payouts != nil {
		ar.HandleFunc("/payouts", s.handleRequestPayout).Methods(http.MethodPost)
		ar.HandleFunc("/payouts/{id}/approve", s.handleApprovePayout).Methods(http.MethodPost)
		ar.HandleFunc("/payouts/{id}/cancel", s.handleCancelPayout).Methods(http.MethodPost)
		ar.HandleFunc("/payouts/{id}/quarantine", s.handleQuarantinePayout).Methods(http.MethodPost)
	}
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.keys.Verify(r.Context(), r.Header.Get("X-Admin-Key")); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GuildID string `json:"guild_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.GuildID == "" {
		writeError(w, faults.Policy("bad_request", "guild_id is required"))
		return
	}
	com, err := s.service.CreateTenant(r.Context(), body.GuildID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, com)
}

func (s *Server) handleUpgradeTenant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, faults.Policy("bad_request", "malformed body"))
		return
	}
	com, err := s.service.UpgradeTenant(r.Context(), mux.Vars(r)["id"], tenant.Tier(body.Tier))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, com)
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	kid, err := s.service.RotateSigningKey(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"kid": kid})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if err := s.service.TriggerReconciliation(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sweep completed"})
}

func (s *Server) handleProposeOverride(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get("X-Operator")
	if actor == "" {
		writeError(w, faults.Policy("missing_operator", "X-Operator header is required"))
		return
	}
	var body struct {
		Rule   string `json:"rule"`
		Value  string `json:"value"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Rule == "" {
		writeError(w, faults.Policy("bad_request", "rule is required"))
		return
	}
	ov, err := s.service.Overrides().Propose(r.Context(), body.Rule, body.Value, body.Reason, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ov)
}

func (s *Server) handleApproveOverride(w http.ResponseWriter, r *http.Request) {
	s.decideOverride(w, r, (*Overrides).Approve)
}

func (s *Server) handleRejectOverride(w http.ResponseWriter, r *http.Request) {
	s.decideOverride(w, r, (*Overrides).Reject)
}

func (s *Server) decideOverride(w http.ResponseWriter, r *http.Request, decide func(*Overrides, context.Context, string, string) (*Override, error)) {
	actor := r.Header.Get("X-Operator")
	if actor == "" {
		writeError(w, faults.Policy("missing_operator", "X-Operator header is required"))
		return
	}
	ov, err := decide(s.service.Overrides(), r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

func (s *Server) handleRequestPayout(w http.ResponseWriter, r *http.Request) {
	requester := r.Header.Get("X-Operator")
	if requester == "" {
		writeError(w, faults.Policy("missing_operator", "X-Operator header is required"))
		return
	}
	var body struct {
		AccountID   string `json:"account_id"`
		AmountMicro int64  `json:"amount_micro"`
		ProviderID  string `json:"provider_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AccountID == "" {
		writeError(w, faults.Policy("bad_request", "account_id is required"))
		return
	}
	payout, err := s.payouts.Request(r.Context(), body.AccountID, body.AmountMicro, body.ProviderID, requester)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payout)
}

func (s *Server) handleApprovePayout(w http.ResponseWriter, r *http.Request) {
	approver := r.Header.Get("X-Operator")
	if approver == "" {
		writeError(w, faults.Policy("missing_operator", "X-Operator header is required"))
		return
	}
	if err := s.payouts.Approve(r.Context(), mux.Vars(r)["id"], approver); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "approved"})
}

func (s *Server) handleCancelPayout(w http.ResponseWriter, r *http.Request) {
	if err := s.payouts.Cancel(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "cancelled"})
}

func (s *Server) handleQuarantinePayout(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, faults.Policy("bad_request", "unreadable body"))
		return
	}
	if err := s.payouts.Quarantine(r.Context(), mux.Vars(r)["id"], raw); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "quarantined"})
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID string   `json:"tenant_id"`
		URL      string   `json:"url"`
		Events   []string `json:"events"`
		Secret   string   `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, faults.Policy("bad_request", "malformed body"))
		return
	}
	sub := &webhooks.Subscription{
		TenantID: body.TenantID,
		URL:      body.URL,
		Events:   body.Events,
		Secret:   body.Secret,
	}
	if err := s.hooks.Register(sub); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, faults.Policy("bad_request", "tenant_id is required"))
		return
	}
	subs := s.hooks.List(tenantID)
	if subs == nil {
		subs = []*webhooks.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.hooks.Unregister(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps fault kinds onto HTTP statuses. Messages stay
// generic; the code is machine-readable.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch faults.KindOf(err) {
	case faults.KindPolicy:
		status = http.StatusForbidden
	case faults.KindNotFound:
		status = http.StatusNotFound
	case faults.KindConflict:
		status = http.StatusConflict
	case faults.KindTransient:
		status = http.StatusServiceUnavailable
	}
	payload := map[string]string{"error": "request failed", "kind": faults.KindOf(err).String()}
	if f := faults.As(err); f != nil {
		payload["code"] = f.Code
		if f.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(f.RetryAfter.Seconds()), 10))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

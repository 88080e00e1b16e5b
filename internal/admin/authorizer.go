package admin

import (
	"net/http"
	"strings"

	"github.com/guildcore/backend/internal/agentgw"
	"github.com/guildcore/backend/internal/faults"
)

// KeyAuthorizer lets agent-gateway callers authenticate with the same
// API keys the admin surface issues. The key's tenant becomes the
// principal; the pool comes from static deployment config.
type KeyAuthorizer struct {
	keys   *Keys
	poolID string
}

// NewKeyAuthorizer wires API-key auth for the agent gateway.
func NewKeyAuthorizer(keys *Keys, poolID string) *KeyAuthorizer {
	return &KeyAuthorizer{keys: keys, poolID: poolID}
}

// Authorize reads the bearer token from the Authorization header and
// verifies it as an API key.
func (a *KeyAuthorizer) Authorize(r *http.Request) (agentgw.Principal, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" {
		return agentgw.Principal{}, faults.Policy("missing_credentials", "authorization header is required")
	}
	tenantID, err := a.keys.Verify(r.Context(), raw)
	if err != nil {
		return agentgw.Principal{}, err
	}
	return agentgw.Principal{
		TenantID: tenantID,
		UserID:   r.Header.Get("X-User-ID"),
		PoolID:   a.poolID,
	}, nil
}

var _ agentgw.Authorizer = (*KeyAuthorizer)(nil)

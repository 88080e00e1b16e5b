package agentgw

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/guildcore/backend/internal/faults"
)

// HTTPUsageSource pulls provider usage reports from the upstream usage
// API. The response maps tenant id to billed cost micros.
type HTTPUsageSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPUsageSource creates the production usage source.
func NewHTTPUsageSource(baseURL string) *HTTPUsageSource {
	return &HTTPUsageSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type usageResponse struct {
	Tenants map[string]int64 `json:"tenants"`
}

// UsageSince implements UsageSource.
func (s *HTTPUsageSource) UsageSince(ctx context.Context, provider string, t time.Time) (map[string]int64, error) {
	url := fmt.Sprintf("%s/v1/usage?provider=%s&since=%s",
		s.baseURL, provider, t.UTC().Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Contract-Version", ContractVersion)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, faults.Transient("usage_api_unavailable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, faults.Transient("usage_api_unavailable",
			fmt.Errorf("usage api status %d", resp.StatusCode))
	}

	var out usageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, faults.Wrap(faults.KindIntegrity, "bad_usage_response",
			"usage response does not decode", err)
	}
	return out.Tenants, nil
}

var _ UsageSource = (*HTTPUsageSource)(nil)

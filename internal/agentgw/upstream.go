package agentgw

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/guildcore/backend/internal/faults"
)

// ContractVersion is sent on every upstream request and checked by the
// provider side.
const ContractVersion = "2"

// Upstream timeouts. Exceeding any of them is a transient fault and
// counts against the provider breaker.
const (
	ConnectTimeout   = 5 * time.Second
	FirstByteTimeout = 15 * time.Second
	TotalTimeout     = 120 * time.Second
)

// Upstream event types on the provider stream.
const (
	EventMessageDelta = "message.delta"
	EventMessageFinal = "message.final"
	EventUsageReport  = "usage.report"
	EventError        = "error"
)

// StreamEvent is one parsed server-sent event from the provider.
type StreamEvent struct {
	Type string
	Data json.RawMessage
}

// Usage is the provider's exact token report, delivered at stream end.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// InvokeRequest is the upstream call body.
type InvokeRequest struct {
	Model    string          `json:"model"`
	Messages json.RawMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

// UpstreamClient opens streaming connections to the external agent
// endpoint.
type UpstreamClient struct {
	baseURL string
	client  *http.Client
}

// NewUpstreamClient creates a client for the given base URL.
func NewUpstreamClient(baseURL string) *UpstreamClient {
	return &UpstreamClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			// the total deadline comes from the request context; the
			// response header wait enforces first-byte
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: ConnectTimeout,
				}).DialContext,
				ResponseHeaderTimeout: FirstByteTimeout,
			},
		},
	}
}

// Stream opens the upstream SSE connection and feeds parsed events into
// the returned channel until the stream ends or ctx is cancelled. The
// channel closes on stream end; a terminal parse or transport failure
// arrives as an EventError before close.
func (c *UpstreamClient) Stream(ctx context.Context, token string, req InvokeRequest) (<-chan StreamEvent, context.CancelFunc, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("encode invoke request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, TotalTimeout)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/invoke", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Contract-Version", ContractVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, nil, faults.Wrap(faults.KindTransient, "upstream_unreachable",
			"agent endpoint unreachable", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		if resp.StatusCode >= 500 {
			return nil, nil, faults.New(faults.KindTransient, "upstream_error",
				fmt.Sprintf("agent endpoint returned %d", resp.StatusCode))
		}
		return nil, nil, faults.New(faults.KindPolicy, "upstream_rejected",
			fmt.Sprintf("agent endpoint returned %d", resp.StatusCode))
	}

	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		if err := parseSSE(ctx, resp.Body, out); err != nil && ctx.Err() == nil {
			data, _ := json.Marshal(map[string]string{"message": err.Error()})
			select {
			case out <- StreamEvent{Type: EventError, Data: data}:
			case <-ctx.Done():
			}
		}
	}()
	return out, cancel, nil
}

// parseSSE reads "event:"/"data:" frames until EOF. Multi-line data is
// joined with newlines per the SSE format.
func parseSSE(ctx context.Context, body io.Reader, out chan<- StreamEvent) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	eventType := ""
	var data []string
	flush := func() bool {
		if eventType == "" && len(data) == 0 {
			return true
		}
		ev := StreamEvent{Type: eventType, Data: json.RawMessage(strings.Join(data, "\n"))}
		eventType, data = "", nil
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return ctx.Err()
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	flush()
	return nil
}

package agentgw

import (
	"fmt"
	"net/http"

	"github.com/guildcore/backend/internal/faults"
)

// Relay writes server-sent events to one caller connection. Event ids
// are monotonic per connection so the caller can detect gaps. Not safe
// for concurrent use; one goroutine owns the relay.
type Relay struct {
	w       http.ResponseWriter
	flusher http.Flusher
	nextID  uint64
}

// NewRelay prepares w for streaming and sends the SSE headers.
func NewRelay(w http.ResponseWriter) (*Relay, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, faults.New(faults.KindFatal, "streaming_unsupported",
			"response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Relay{w: w, flusher: flusher}, nil
}

// Send writes one event and flushes. Write failures mean the caller is
// gone; the pipeline cancels upstream on the first one.
func (r *Relay) Send(eventType string, data []byte) error {
	r.nextID++
	if _, err := fmt.Fprintf(r.w, "id: %d\nevent: %s\ndata: %s\n\n", r.nextID, eventType, data); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	r.flusher.Flush()
	return nil
}

// EventsSent reports how many events went out on this connection.
func (r *Relay) EventsSent() uint64 { return r.nextID }

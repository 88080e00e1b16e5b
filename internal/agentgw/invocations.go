package agentgw

import (
	"sync"
	"time"
)

// Invocation is the local accounting record written per upstream call.
// The reconciliation sweep cross-checks these against the provider's
// usage reports.
type Invocation struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	PoolID       string         `json:"pool_id"`
	Alias        string         `json:"alias"`
	Provider     string         `json:"provider"`
	Mode         AccountingMode `json:"accounting_mode"`
	InputTokens  int64          `json:"input_tokens"`
	OutputTokens int64          `json:"output_tokens"`
	CostMicro    int64          `json:"cost_micro"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	Succeeded    bool           `json:"succeeded"`
}

// InvocationLog stores invocation records for the reconciliation
// horizon.
type InvocationLog interface {
	Insert(rec Invocation) error
	// ListSince returns records for a provider finished at or after t.
	ListSince(provider string, t time.Time) ([]Invocation, error)
}

// MemoryInvocationLog keeps records in process, pruned past the
// retention horizon. Reconciliation only looks back one hour and each
// gateway instance reconciles its own invocations, so process-local
// retention is sufficient.
type MemoryInvocationLog struct {
	mu        sync.Mutex
	records   []Invocation
	retention time.Duration
}

// NewMemoryInvocationLog creates a log retaining records for the given
// duration (2h default when zero).
func NewMemoryInvocationLog(retention time.Duration) *MemoryInvocationLog {
	if retention <= 0 {
		retention = 2 * time.Hour
	}
	return &MemoryInvocationLog{retention: retention}
}

func (l *MemoryInvocationLog) Insert(rec Invocation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(time.Now())
	l.records = append(l.records, rec)
	return nil
}

func (l *MemoryInvocationLog) ListSince(provider string, t time.Time) ([]Invocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Invocation
	for _, r := range l.records {
		if r.Provider == provider && !r.FinishedAt.Before(t) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *MemoryInvocationLog) prune(now time.Time) {
	cutoff := now.Add(-l.retention)
	kept := l.records[:0]
	for _, r := range l.records {
		if r.FinishedAt.After(cutoff) {
			kept = append(kept, r)
		}
	}
	l.records = kept
}

var _ InvocationLog = (*MemoryInvocationLog)(nil)

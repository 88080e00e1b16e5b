package admin

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guildcore/backend/internal/faults"
)

// OverrideState is the lifecycle of an emergency rule override.
type OverrideState string

const (
	OverrideProposed OverrideState = "proposed"
	OverrideApproved OverrideState = "approved"
	OverrideRejected OverrideState = "rejected"
)

// Override is one emergency revenue-rule change. It takes effect only
// after a second operator approves it.
type Override struct {
	ID         string        `json:"id"`
	Rule       string        `json:"rule"`
	Value      string        `json:"value"`
	Reason     string        `json:"reason"`
	ProposedBy string        `json:"proposed_by"`
	DecidedBy  string        `json:"decided_by,omitempty"`
	State      OverrideState `json:"state"`
	ProposedAt time.Time     `json:"proposed_at"`
	DecidedAt  *time.Time    `json:"decided_at,omitempty"`
}

// OverrideAuditSink persists every override state change. The Postgres
// implementation writes revenue_rule_audit_log, whose schema trigger
// makes rows immutable. A state change is refused when its audit line
// cannot be written.
type OverrideAuditSink interface {
	AppendOverrideAudit(ctx context.Context, ov Override) error
}

// Overrides is the four-eyes override book. Every state change lands
// in the durable audit sink before it takes effect, and is mirrored
// in-process for the AuditLog API.
type Overrides struct {
	mu    sync.Mutex
	book  map[string]*Override
	sink  OverrideAuditSink
	audit []Override
	now   func() time.Time
}

// NewOverrides creates a book with no durable sink, for tests and
// local runs.
func NewOverrides() *Overrides {
	return NewOverridesWithAudit(nil)
}

// NewOverridesWithAudit creates a book writing through sink. A nil
// sink keeps the audit in memory only.
func NewOverridesWithAudit(sink OverrideAuditSink) *Overrides {
	return &Overrides{
		book: make(map[string]*Override),
		sink: sink,
		now:  time.Now,
	}
}

// Propose opens an override in the proposed state.
func (o *Overrides) Propose(ctx context.Context, rule, value, reason, actor string) (*Override, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ov := &Override{
		ID:         uuid.NewString(),
		Rule:       rule,
		Value:      value,
		Reason:     reason,
		ProposedBy: actor,
		State:      OverrideProposed,
		ProposedAt: o.now(),
	}
	if err := o.append(ctx, *ov); err != nil {
		return nil, err
	}
	o.book[ov.ID] = ov
	return ov, nil
}

// Approve activates an override. The approver must differ from the
// proposer; same-actor approval is the four-eyes violation.
func (o *Overrides) Approve(ctx context.Context, id, actor string) (*Override, error) {
	return o.decide(ctx, id, actor, OverrideApproved)
}

// Reject closes an override without applying it. Rejection also
// requires a second operator.
func (o *Overrides) Reject(ctx context.Context, id, actor string) (*Override, error) {
	return o.decide(ctx, id, actor, OverrideRejected)
}

func (o *Overrides) decide(ctx context.Context, id, actor string, to OverrideState) (*Override, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ov, ok := o.book[id]
	if !ok {
		return nil, faults.NotFound("unknown_override", "override not found")
	}
	if ov.State != OverrideProposed {
		return nil, faults.Conflict("override_decided", "override already decided")
	}
	if ov.ProposedBy == actor {
		return nil, faults.Policy("four_eyes_violation", "proposer cannot decide their own override")
	}
	now := o.now()
	cp := *ov
	cp.State = to
	cp.DecidedBy = actor
	cp.DecidedAt = &now
	if err := o.append(ctx, cp); err != nil {
		return nil, err
	}
	*ov = cp
	out := cp
	return &out, nil
}

// append writes the audit line durably first, then mirrors it. Callers
// hold the mutex.
func (o *Overrides) append(ctx context.Context, ov Override) error {
	if o.sink != nil {
		if err := o.sink.AppendOverrideAudit(ctx, ov); err != nil {
			return faults.Transient("override_audit_unavailable", err)
		}
	}
	o.audit = append(o.audit, ov)
	return nil
}

// Get returns an override by id.
func (o *Overrides) Get(id string) (*Override, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ov, ok := o.book[id]
	if !ok {
		return nil, false
	}
	cp := *ov
	return &cp, true
}

// AuditLog returns a copy of the append-only decision history.
func (o *Overrides) AuditLog() []Override {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Override, len(o.audit))
	copy(out, o.audit)
	return out
}

// Package faults classifies platform errors into the kinds the dispatcher
// and API surfaces branch on. Handlers recover transient faults locally;
// everything else bubbles up and is recorded as an outcome.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the coarse error classification.
type Kind int

const (
	// KindTransient covers upstream timeouts, bus unavailable, cache
	// unavailable. Retried with backoff; fail-closed on the third attempt.
	KindTransient Kind = iota
	// KindConflict covers OCC failures, duplicate finalization and
	// state-machine violations. Never retried.
	KindConflict
	// KindNotFound covers unknown tenants, accounts and reservations.
	KindNotFound
	// KindPolicy covers rate-limit exceeded, budget exceeded, four-eyes
	// violations, privilege escalation and unknown scopes.
	KindPolicy
	// KindIntegrity covers invariant violations. Fatal for the worker:
	// stop, record a structured incident, do not auto-heal.
	KindIntegrity
	// KindFatal covers configuration missing in production. Refuse to start.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindPolicy:
		return "policy"
	case KindIntegrity:
		return "integrity"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Fault carries a kind, a short machine-readable code and remediation
// metadata. User-visible messages stay generic; detail goes to logs.
type Fault struct {
	Kind Kind
	Code string
	Msg  string

	// RetryAfter is set for policy faults where the caller can retry
	// (rate limited, service unavailable).
	RetryAfter time.Duration

	// ShortfallMicro is set for budget faults: how much was missing.
	ShortfallMicro int64

	wrapped error
}

func (f *Fault) Error() string {
	if f.wrapped != nil {
		return fmt.Sprintf("%s (%s): %s: %v", f.Code, f.Kind, f.Msg, f.wrapped)
	}
	return fmt.Sprintf("%s (%s): %s", f.Code, f.Kind, f.Msg)
}

func (f *Fault) Unwrap() error { return f.wrapped }

// New creates a fault with the given kind and code.
func New(kind Kind, code, msg string) *Fault {
	return &Fault{Kind: kind, Code: code, Msg: msg}
}

// Wrap attaches a cause to a fault.
func Wrap(kind Kind, code, msg string, err error) *Fault {
	return &Fault{Kind: kind, Code: code, Msg: msg, wrapped: err}
}

// Transient is shorthand for a transient wrap.
func Transient(code string, err error) *Fault {
	return Wrap(KindTransient, code, "transient failure", err)
}

// Conflict is shorthand for a conflict fault.
func Conflict(code, msg string) *Fault {
	return New(KindConflict, code, msg)
}

// NotFound is shorthand for a not_found fault.
func NotFound(code, msg string) *Fault {
	return New(KindNotFound, code, msg)
}

// Policy is shorthand for a policy fault.
func Policy(code, msg string) *Fault {
	return New(KindPolicy, code, msg)
}

// Integrity is shorthand for an invariant violation. Callers treat these
// as fatal for the processing unit that observed them.
func Integrity(code, msg string) *Fault {
	return New(KindIntegrity, code, msg)
}

// KindOf extracts the kind from an error chain. Unclassified errors are
// treated as transient so the retry policy applies.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindTransient
}

// As extracts the fault from an error chain, or nil.
func As(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return nil
}

// IsRetryable reports whether the dispatcher should nack for redelivery.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

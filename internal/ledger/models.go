// Package ledger implements the double-entry credit ledger: accounts,
// dated lots, two-phase reservations and the payout state machine.
//
// Lots are consumed FIFO by (created_at, lot_id); refunds claw back
// LIFO. Every mutating operation writes balanced entry pairs so that
// SUM(credits) = SUM(debits) per logical operation.
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// AccountKind classifies a credit account.
type AccountKind string

const (
	AccountTenantMain     AccountKind = "tenant_main"
	AccountTenantReserve  AccountKind = "tenant_reserve"
	AccountSystemTreasury AccountKind = "system_treasury"
	AccountIdentity       AccountKind = "identity_anchored"
)

// TreasuryAccountID is the singleton system treasury account. Its entry
// sum is the platform's payable revenue: finalized consumption minus
// commons contributions and completed payouts.
const TreasuryAccountID = "treasury"

// ExternalAccountID is the counterparty for flows that cross the system
// boundary (deposits, grants, refunds). Booking them here keeps the
// treasury's balance meaningful for the payout margin check.
const ExternalAccountID = "external"

// EscrowAccountID holds the funds committed to outstanding payouts.
// Requesting a payout moves the amount here from the treasury, so the
// treasury balance only ever shows uncommitted funds. Its entry sum
// always equals the total of pending/approved/processing/quarantined
// payouts.
const EscrowAccountID = "payout_escrow"

// TreasuryState is the persisted singleton snapshot of the treasury
// position, refreshed inside every transaction that moves payout
// funds. Operators read it without aggregating the entry log.
type TreasuryState struct {
	BalanceMicro  int64
	EscrowedMicro int64
	UpdatedAt     time.Time
}

// Account is a credit account. OCCVersion is the optimistic-concurrency
// fence: every mutation checks and increments it.
type Account struct {
	ID         string
	TenantID   string
	Kind       AccountKind
	// Anchor binds an identity_anchored account to exactly one external
	// anchor (e.g. a wallet address). Empty for other kinds.
	Anchor     string
	OCCVersion int64
	CreatedAt  time.Time
}

// LotSource records where a lot's credits came from.
type LotSource string

const (
	SourceDeposit   LotSource = "deposit"
	SourceGrant     LotSource = "grant"
	SourceMigration LotSource = "migration"
)

// Lot is a dated pool of credits. Invariant (checked on every mutation
// and by the storage CHECK constraint):
//
//	available + reserved + consumed = original, all fields >= 0
type Lot struct {
	ID            string
	AccountID     string
	PoolID        string
	OriginalMicro int64
	AvailableMicro int64
	ReservedMicro int64
	ConsumedMicro int64
	Source        LotSource
	// PaymentID links deposit lots to the external payment they came
	// from; refunds claw back against this reference.
	PaymentID string
	CreatedAt time.Time
}

// ConservationOK checks the lot invariant.
func (l *Lot) ConservationOK() bool {
	return l.AvailableMicro >= 0 && l.ReservedMicro >= 0 && l.ConsumedMicro >= 0 &&
		l.AvailableMicro+l.ReservedMicro+l.ConsumedMicro == l.OriginalMicro
}

// ReservationState is the reservation lifecycle state.
type ReservationState string

const (
	ReservationPending   ReservationState = "pending"
	ReservationFinalized ReservationState = "finalized"
	ReservationReleased  ReservationState = "released"
	ReservationExpired   ReservationState = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s ReservationState) Terminal() bool {
	return s != ReservationPending
}

// Allocation is one (lot, micro) slice of a reservation, in FIFO order.
type Allocation struct {
	LotID string
	Micro int64
}

// Reservation is a two-phase commit against one or more lots.
type Reservation struct {
	ID             string
	TenantID       string
	AccountID      string
	PoolID         string
	RequestedMicro int64
	State          ReservationState
	Allocations    []Allocation
	FinalizationID string // set on finalize
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// AllocatedMicro sums the allocations; equals RequestedMicro at creation.
func (r *Reservation) AllocatedMicro() int64 {
	var sum int64
	for _, a := range r.Allocations {
		sum += a.Micro
	}
	return sum
}

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryDeposit             EntryType = "deposit"
	EntryReserve             EntryType = "reserve"
	EntryFinalize            EntryType = "finalize"
	EntryRelease             EntryType = "release"
	EntryRefund              EntryType = "refund"
	EntryGrant               EntryType = "grant"
	EntryEscrow              EntryType = "escrow"
	EntryEscrowRelease       EntryType = "escrow_release"
	EntryShadowCharge        EntryType = "shadow_charge"
	EntryCommonsContribution EntryType = "commons_contribution"
)

// Entry is one immutable ledger line. EntrySeq is strictly increasing
// per (account, pool); (entry_type, reference_id, finalization_id) is
// unique where a finalization id is present.
type Entry struct {
	ID             string
	AccountID      string
	PoolID         string
	Type           EntryType
	AmountMicro    int64 // signed
	ReferenceID    string // lot or reservation id
	FinalizationID string
	EntrySeq       int64
	CreatedAt      time.Time
	Metadata       map[string]string
}

// FinalizeResult is what Finalize returns; duplicate finalizations with
// the same finalization id return the original result unchanged.
type FinalizeResult struct {
	ReservationID  string
	FinalizationID string
	CostMicro      int64
	ReleasedMicro  int64 // overage returned to available
}

// PayoutState is the payout request lifecycle state.
type PayoutState string

const (
	PayoutPending     PayoutState = "pending"
	PayoutApproved    PayoutState = "approved"
	PayoutProcessing  PayoutState = "processing"
	PayoutCompleted   PayoutState = "completed"
	PayoutFailed      PayoutState = "failed"
	PayoutQuarantined PayoutState = "quarantined"
	PayoutCancelled   PayoutState = "cancelled"
)

// Payout is a request to move treasury funds to an external provider.
// RequesterID and ApproverID must differ (four-eyes rule).
type Payout struct {
	ID                string
	AccountID         string
	AmountMicro       int64
	State             PayoutState
	ProviderID        string
	ProviderPaymentID string
	RequesterID       string
	ApproverID        string
	RawPayload        []byte
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func newID() string { return uuid.NewString() }

package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrOCCConflict is returned by Tx.BumpAccountVersion when the account's
// occ_version moved underneath us. The engine retries the whole
// transaction a bounded number of times before surfacing a conflict.
var ErrOCCConflict = errors.New("ledger: occ conflict")

// Store is the transactional persistence surface. PostgresStore is the
// production implementation; MemoryStore backs tests and local runs.
type Store interface {
	// WithTx runs fn inside one transaction. Mutations are only visible
	// to other transactions after fn returns nil; any error rolls back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the single-transaction view of the ledger.
type Tx interface {
	// GetAccount returns nil, nil when the account does not exist.
	GetAccount(id string) (*Account, error)
	InsertAccount(a *Account) error
	// BumpAccountVersion performs the OCC check-and-increment:
	// UPDATE ... SET occ_version = expected+1 WHERE occ_version = expected.
	BumpAccountVersion(id string, expected int64) error

	// LotsFIFO returns the account's lots for a pool in stable FIFO
	// order: (created_at, lot_id) ascending, ties broken by lot id.
	LotsFIFO(accountID, poolID string) ([]*Lot, error)
	// LotsByPayment returns the lots funded by a payment in LIFO order
	// for refund clawback.
	LotsByPayment(paymentID string) ([]*Lot, error)
	GetLot(id string) (*Lot, error)
	InsertLot(l *Lot) error
	UpdateLot(l *Lot) error

	GetReservation(id string) (*Reservation, error)
	InsertReservation(r *Reservation) error
	UpdateReservation(r *Reservation) error
	// PendingExpired returns pending reservations whose expiry has
	// elapsed, oldest first, capped at limit.
	PendingExpired(now time.Time, limit int) ([]*Reservation, error)

	// FindFinalization returns the stored result for a finalization id,
	// or nil. Uniqueness of finalization ids is enforced here.
	FindFinalization(finalizationID string) (*FinalizeResult, error)
	RecordFinalization(res *FinalizeResult) error

	// AppendEntry assigns the next entry_seq for (account, pool) and
	// persists the entry. Entries are immutable once written.
	AppendEntry(e *Entry) error
	// SumAccountEntries is the account's net position: the signed sum of
	// all its entries across pools.
	SumAccountEntries(accountID string) (int64, error)

	GetPayout(id string) (*Payout, error)
	InsertPayout(p *Payout) error
	// TransitionPayout is the conditional update
	// (WHERE state = from) guarding every payout transition. Non-empty
	// providerPaymentID and approverID are persisted alongside.
	TransitionPayout(id string, from, to PayoutState, providerPaymentID, approverID string) (bool, error)
	// SumPayoutsInStates totals payout amounts currently in the given
	// states (the treasury margin check).
	SumPayoutsInStates(states ...PayoutState) (int64, error)

	// GetTreasuryState returns nil, nil before the first payout flow
	// writes a snapshot.
	GetTreasuryState() (*TreasuryState, error)
	SaveTreasuryState(st *TreasuryState) error
}

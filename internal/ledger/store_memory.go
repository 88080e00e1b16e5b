package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store used by tests and local runs. One
// big mutex serializes transactions, which also gives the snapshot
// isolation the engine expects: fn sees a copy, and the copy is merged
// back only when fn returns nil.
type MemoryStore struct {
	mu sync.Mutex

	accounts      map[string]*Account
	lots          map[string]*Lot
	reservations  map[string]*Reservation
	finalizations map[string]*FinalizeResult
	entries       []*Entry
	seqs          map[string]int64 // (account|pool) -> last entry_seq
	payouts       map[string]*Payout
	treasury      *TreasuryState

	// FailNext makes the next transaction fail with the given error,
	// for outage tests.
	FailNext error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:      make(map[string]*Account),
		lots:          make(map[string]*Lot),
		reservations:  make(map[string]*Reservation),
		finalizations: make(map[string]*FinalizeResult),
		seqs:          make(map[string]int64),
		payouts:       make(map[string]*Payout),
	}
}

// WithTx implements Store.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext != nil {
		err := s.FailNext
		s.FailNext = nil
		return err
	}
	tx := &memTx{store: s, snapshot: s.snapshot()}
	if err := fn(tx); err != nil {
		return err
	}
	tx.snapshot.restoreInto(s)
	return nil
}

// Entries returns a copy of all entries, for test assertions.
func (s *MemoryStore) Entries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

type memState struct {
	accounts      map[string]*Account
	lots          map[string]*Lot
	reservations  map[string]*Reservation
	finalizations map[string]*FinalizeResult
	entries       []*Entry
	seqs          map[string]int64
	payouts       map[string]*Payout
	treasury      *TreasuryState
}

func (s *MemoryStore) snapshot() *memState {
	st := &memState{
		accounts:      make(map[string]*Account, len(s.accounts)),
		lots:          make(map[string]*Lot, len(s.lots)),
		reservations:  make(map[string]*Reservation, len(s.reservations)),
		finalizations: make(map[string]*FinalizeResult, len(s.finalizations)),
		entries:       make([]*Entry, len(s.entries)),
		seqs:          make(map[string]int64, len(s.seqs)),
		payouts:       make(map[string]*Payout, len(s.payouts)),
	}
	for k, v := range s.accounts {
		c := *v
		st.accounts[k] = &c
	}
	for k, v := range s.lots {
		c := *v
		st.lots[k] = &c
	}
	for k, v := range s.reservations {
		c := *v
		c.Allocations = append([]Allocation(nil), v.Allocations...)
		st.reservations[k] = &c
	}
	for k, v := range s.finalizations {
		c := *v
		st.finalizations[k] = &c
	}
	copy(st.entries, s.entries)
	for k, v := range s.seqs {
		st.seqs[k] = v
	}
	for k, v := range s.payouts {
		c := *v
		st.payouts[k] = &c
	}
	if s.treasury != nil {
		c := *s.treasury
		st.treasury = &c
	}
	return st
}

func (st *memState) restoreInto(s *MemoryStore) {
	s.accounts = st.accounts
	s.lots = st.lots
	s.reservations = st.reservations
	s.finalizations = st.finalizations
	s.entries = st.entries
	s.seqs = st.seqs
	s.payouts = st.payouts
	s.treasury = st.treasury
}

type memTx struct {
	store    *MemoryStore
	snapshot *memState
}

func (t *memTx) GetAccount(id string) (*Account, error) {
	a, ok := t.snapshot.accounts[id]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (t *memTx) InsertAccount(a *Account) error {
	c := *a
	t.snapshot.accounts[a.ID] = &c
	return nil
}

func (t *memTx) BumpAccountVersion(id string, expected int64) error {
	a, ok := t.snapshot.accounts[id]
	if !ok || a.OCCVersion != expected {
		return ErrOCCConflict
	}
	a.OCCVersion = expected + 1
	return nil
}

func (t *memTx) LotsFIFO(acctID, poolID string) ([]*Lot, error) {
	var out []*Lot
	for _, l := range t.snapshot.lots {
		if l.AccountID == acctID && l.PoolID == poolID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) LotsByPayment(paymentID string) ([]*Lot, error) {
	var out []*Lot
	for _, l := range t.snapshot.lots {
		if l.PaymentID != "" && l.PaymentID == paymentID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (t *memTx) GetLot(id string) (*Lot, error) {
	l, ok := t.snapshot.lots[id]
	if !ok {
		return nil, nil
	}
	c := *l
	return &c, nil
}

func (t *memTx) InsertLot(l *Lot) error {
	c := *l
	t.snapshot.lots[l.ID] = &c
	return nil
}

func (t *memTx) UpdateLot(l *Lot) error {
	c := *l
	t.snapshot.lots[l.ID] = &c
	return nil
}

func (t *memTx) GetReservation(id string) (*Reservation, error) {
	r, ok := t.snapshot.reservations[id]
	if !ok {
		return nil, nil
	}
	c := *r
	c.Allocations = append([]Allocation(nil), r.Allocations...)
	return &c, nil
}

func (t *memTx) InsertReservation(r *Reservation) error {
	c := *r
	c.Allocations = append([]Allocation(nil), r.Allocations...)
	t.snapshot.reservations[r.ID] = &c
	return nil
}

func (t *memTx) UpdateReservation(r *Reservation) error {
	return t.InsertReservation(r)
}

func (t *memTx) PendingExpired(now time.Time, limit int) ([]*Reservation, error) {
	var out []*Reservation
	for _, r := range t.snapshot.reservations {
		if r.State == ReservationPending && r.ExpiresAt.Before(now) {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) FindFinalization(id string) (*FinalizeResult, error) {
	f, ok := t.snapshot.finalizations[id]
	if !ok {
		return nil, nil
	}
	c := *f
	return &c, nil
}

func (t *memTx) RecordFinalization(res *FinalizeResult) error {
	c := *res
	t.snapshot.finalizations[res.FinalizationID] = &c
	return nil
}

func (t *memTx) AppendEntry(e *Entry) error {
	key := e.AccountID + "|" + e.PoolID
	t.snapshot.seqs[key]++
	c := *e
	c.EntrySeq = t.snapshot.seqs[key]
	t.snapshot.entries = append(t.snapshot.entries, &c)
	return nil
}

func (t *memTx) SumAccountEntries(accountID string) (int64, error) {
	var sum int64
	for _, e := range t.snapshot.entries {
		if e.AccountID == accountID {
			sum += e.AmountMicro
		}
	}
	return sum, nil
}

func (t *memTx) GetPayout(id string) (*Payout, error) {
	p, ok := t.snapshot.payouts[id]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

func (t *memTx) InsertPayout(p *Payout) error {
	c := *p
	t.snapshot.payouts[p.ID] = &c
	return nil
}

func (t *memTx) TransitionPayout(id string, from, to PayoutState, providerPaymentID, approverID string) (bool, error) {
	p, ok := t.snapshot.payouts[id]
	if !ok || p.State != from {
		return false, nil
	}
	p.State = to
	if providerPaymentID != "" {
		p.ProviderPaymentID = providerPaymentID
	}
	if approverID != "" {
		p.ApproverID = approverID
	}
	p.UpdatedAt = time.Now()
	return true, nil
}

func (t *memTx) GetTreasuryState() (*TreasuryState, error) {
	if t.snapshot.treasury == nil {
		return nil, nil
	}
	c := *t.snapshot.treasury
	return &c, nil
}

func (t *memTx) SaveTreasuryState(st *TreasuryState) error {
	c := *st
	t.snapshot.treasury = &c
	return nil
}

func (t *memTx) SumPayoutsInStates(states ...PayoutState) (int64, error) {
	set := make(map[PayoutState]bool, len(states))
	for _, s := range states {
		set[s] = true
	}
	var sum int64
	for _, p := range t.snapshot.payouts {
		if set[p.State] {
			sum += p.AmountMicro
		}
	}
	return sum, nil
}

package ledger

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/guildcore/backend/internal/faults"
)

// ============================================================
// LEDGER ENGINE
// ============================================================
// All mutations run inside one store transaction, guarded by the
// account's occ_version. Conflicts retry the whole transaction up to
// occMaxAttempts times before surfacing a conflict fault.

const (
	occMaxAttempts = 3
	occRetryDelay  = 10 * time.Millisecond

	// DefaultReservationTTL bounds how long a pending reservation may
	// hold credits before the sweep expires it.
	DefaultReservationTTL = 10 * time.Minute

	expireSweepBatch = 100
)

// Event is a ledger domain event handed to the emitter after commit.
type Event struct {
	Type     string // e.g. "ledger.reservation.expired"
	TenantID string
	Payload  map[string]string
}

// Emitter receives post-commit domain events. Wired to the event bus in
// production; tests use a slice collector.
type Emitter func(ctx context.Context, ev Event)

// Engine implements the credit ledger operations on top of a Store.
type Engine struct {
	store Store
	emit  Emitter
	now   func() time.Time

	logger  *log.Logger
	metrics *Metrics
}

// NewEngine creates a ledger engine. emit may be nil.
func NewEngine(store Store, emit Emitter) *Engine {
	if emit == nil {
		emit = func(context.Context, Event) {}
	}
	return &Engine{
		store:   store,
		emit:    emit,
		now:     time.Now,
		logger:  log.New(log.Writer(), "[LEDGER] ", log.LstdFlags),
		metrics: NewMetrics(),
	}
}

// withAccountTx runs fn against the tenant's account of the given kind,
// creating the account on first contact, and performs the OCC
// check-and-increment. Retries on conflict.
func (e *Engine) withAccountTx(ctx context.Context, tenantID string, kind AccountKind, fn func(tx Tx, acct *Account) error) error {
	var lastErr error
	for attempt := 0; attempt < occMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(occRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := e.store.WithTx(ctx, func(tx Tx) error {
			acct, err := e.ensureAccount(tx, tenantID, kind)
			if err != nil {
				return err
			}
			if err := fn(tx, acct); err != nil {
				return err
			}
			return tx.BumpAccountVersion(acct.ID, acct.OCCVersion)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrOCCConflict) {
			return err
		}
		lastErr = err
		e.metrics.OCCConflicts.Inc()
	}
	e.logger.Printf("❌ OCC conflict persisted after %d attempts tenant=%s", occMaxAttempts, tenantID)
	return faults.Wrap(faults.KindConflict, "occ_conflict", "concurrent ledger mutation", lastErr)
}

func accountID(tenantID string, kind AccountKind) string {
	if kind == AccountSystemTreasury {
		return TreasuryAccountID
	}
	return tenantID + ":" + string(kind)
}

func (e *Engine) ensureAccount(tx Tx, tenantID string, kind AccountKind) (*Account, error) {
	id := accountID(tenantID, kind)
	acct, err := tx.GetAccount(id)
	if err != nil {
		return nil, err
	}
	if acct != nil {
		return acct, nil
	}
	acct = &Account{ID: id, TenantID: tenantID, Kind: kind, CreatedAt: e.now()}
	if kind == AccountSystemTreasury {
		acct.TenantID = ""
	}
	if err := tx.InsertAccount(acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// appendPair writes the balanced entry pair for one logical operation:
// a debit on one account and an equal credit on the counterparty.
func (e *Engine) appendPair(tx Tx, debit, credit *Entry) error {
	if debit.AmountMicro+credit.AmountMicro != 0 {
		return faults.Integrity("unbalanced_entries", "entry pair does not sum to zero")
	}
	if err := tx.AppendEntry(debit); err != nil {
		return err
	}
	return tx.AppendEntry(credit)
}

// ============================================================
// DEPOSIT / GRANT
// ============================================================

// Deposit creates a new dated lot on the tenant's main account and
// writes the balanced deposit pair against the treasury.
func (e *Engine) Deposit(ctx context.Context, tenantID, poolID string, amountMicro int64, source LotSource, paymentID string) (*Lot, error) {
	if amountMicro <= 0 {
		return nil, faults.Policy("invalid_amount", "deposit amount must be positive")
	}
	var lot *Lot
	err := e.withAccountTx(ctx, tenantID, AccountTenantMain, func(tx Tx, acct *Account) error {
		now := e.now()
		lot = &Lot{
			ID:             newID(),
			AccountID:      acct.ID,
			PoolID:         poolID,
			OriginalMicro:  amountMicro,
			AvailableMicro: amountMicro,
			Source:         source,
			PaymentID:      paymentID,
			CreatedAt:      now,
		}
		if err := tx.InsertLot(lot); err != nil {
			return err
		}
		entryType := EntryDeposit
		if source == SourceGrant {
			entryType = EntryGrant
		}
		return e.appendPair(tx,
			&Entry{ID: newID(), AccountID: ExternalAccountID, PoolID: poolID, Type: entryType, AmountMicro: -amountMicro, ReferenceID: lot.ID, CreatedAt: now},
			&Entry{ID: newID(), AccountID: acct.ID, PoolID: poolID, Type: entryType, AmountMicro: amountMicro, ReferenceID: lot.ID, CreatedAt: now},
		)
	})
	if err != nil {
		return nil, err
	}
	e.metrics.DepositedMicro.Add(float64(amountMicro))
	e.logger.Printf("💰 Deposited %d micro tenant=%s pool=%s lot=%s", amountMicro, tenantID, poolID, lot.ID)
	e.emit(ctx, Event{Type: "ledger.lot.created", TenantID: tenantID, Payload: map[string]string{"lot_id": lot.ID, "pool_id": poolID}})
	return lot, nil
}

// ============================================================
// RESERVE
// ============================================================

// Reserve allocates amountMicro across the account's lots FIFO by
// (created_at, lot_id). Insufficient available credit is a policy fault
// carrying the shortfall; nothing is partially reserved.
func (e *Engine) Reserve(ctx context.Context, tenantID, poolID string, amountMicro int64, ttl time.Duration) (*Reservation, error) {
	if amountMicro <= 0 {
		return nil, faults.Policy("invalid_amount", "reservation amount must be positive")
	}
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	var res *Reservation
	err := e.withAccountTx(ctx, tenantID, AccountTenantMain, func(tx Tx, acct *Account) error {
		lots, err := tx.LotsFIFO(acct.ID, poolID)
		if err != nil {
			return err
		}
		var available int64
		for _, l := range lots {
			available += l.AvailableMicro
		}
		if available < amountMicro {
			f := faults.Policy("budget_exceeded", "insufficient available credit")
			f.ShortfallMicro = amountMicro - available
			return f
		}

		now := e.now()
		res = &Reservation{
			ID:             newID(),
			TenantID:       tenantID,
			AccountID:      acct.ID,
			PoolID:         poolID,
			RequestedMicro: amountMicro,
			State:          ReservationPending,
			CreatedAt:      now,
			ExpiresAt:      now.Add(ttl),
		}
		remaining := amountMicro
		for _, l := range lots {
			if remaining == 0 {
				break
			}
			if l.AvailableMicro == 0 {
				continue
			}
			take := l.AvailableMicro
			if take > remaining {
				take = remaining
			}
			l.AvailableMicro -= take
			l.ReservedMicro += take
			if !l.ConservationOK() {
				return faults.Integrity("lot_conservation", "lot totals diverged during reserve")
			}
			if err := tx.UpdateLot(l); err != nil {
				return err
			}
			res.Allocations = append(res.Allocations, Allocation{LotID: l.ID, Micro: take})
			remaining -= take
		}
		if err := tx.InsertReservation(res); err != nil {
			return err
		}
		return e.appendPair(tx,
			&Entry{ID: newID(), AccountID: acct.ID, PoolID: poolID, Type: EntryReserve, AmountMicro: -amountMicro, ReferenceID: res.ID, CreatedAt: now},
			&Entry{ID: newID(), AccountID: accountID(tenantID, AccountTenantReserve), PoolID: poolID, Type: EntryReserve, AmountMicro: amountMicro, ReferenceID: res.ID, CreatedAt: now},
		)
	})
	if err != nil {
		return nil, err
	}
	e.metrics.ReservationsOpened.Inc()
	e.logger.Printf("🔒 Reserved %d micro tenant=%s pool=%s reservation=%s", amountMicro, tenantID, poolID, res.ID)
	return res, nil
}

// ============================================================
// FINALIZE
// ============================================================

// Finalize commits actual cost against a pending reservation. The
// finalization id makes the operation idempotent: a duplicate returns
// the original result unchanged. Overage (reserved minus cost) returns
// to the lots it came from.
func (e *Engine) Finalize(ctx context.Context, tenantID, reservationID, finalizationID string, costMicro int64) (*FinalizeResult, error) {
	if finalizationID == "" {
		return nil, faults.Policy("missing_finalization_id", "finalization id is required")
	}
	if costMicro < 0 {
		return nil, faults.Policy("invalid_amount", "cost must be non-negative")
	}
	var result *FinalizeResult
	err := e.withAccountTx(ctx, tenantID, AccountTenantMain, func(tx Tx, acct *Account) error {
		if prior, err := tx.FindFinalization(finalizationID); err != nil {
			return err
		} else if prior != nil {
			result = prior
			return nil
		}

		res, err := tx.GetReservation(reservationID)
		if err != nil {
			return err
		}
		if res == nil {
			return faults.NotFound("reservation_not_found", "no such reservation")
		}
		if res.State.Terminal() {
			return faults.Conflict("reservation_"+string(res.State), "reservation is not pending")
		}
		if costMicro > res.RequestedMicro {
			return faults.Policy("cost_exceeds_reservation", "actual cost exceeds reserved amount")
		}

		now := e.now()
		// Consume cost FIFO across the reservation's allocations, then
		// return the remainder to each lot's available balance.
		remaining := costMicro
		var released int64
		for _, alloc := range res.Allocations {
			lot, err := tx.GetLot(alloc.LotID)
			if err != nil {
				return err
			}
			consume := alloc.Micro
			if consume > remaining {
				consume = remaining
			}
			back := alloc.Micro - consume
			lot.ReservedMicro -= alloc.Micro
			lot.ConsumedMicro += consume
			lot.AvailableMicro += back
			if !lot.ConservationOK() {
				return faults.Integrity("lot_conservation", "lot totals diverged during finalize")
			}
			if err := tx.UpdateLot(lot); err != nil {
				return err
			}
			remaining -= consume
			released += back
		}
		if remaining != 0 {
			return faults.Integrity("allocation_mismatch", "reservation allocations do not cover cost")
		}

		res.State = ReservationFinalized
		res.FinalizationID = finalizationID
		if err := tx.UpdateReservation(res); err != nil {
			return err
		}

		reserveAcct := accountID(tenantID, AccountTenantReserve)
		if costMicro > 0 {
			if err := e.appendPair(tx,
				&Entry{ID: newID(), AccountID: reserveAcct, PoolID: res.PoolID, Type: EntryFinalize, AmountMicro: -costMicro, ReferenceID: res.ID, FinalizationID: finalizationID, CreatedAt: now},
				&Entry{ID: newID(), AccountID: TreasuryAccountID, PoolID: res.PoolID, Type: EntryFinalize, AmountMicro: costMicro, ReferenceID: res.ID, FinalizationID: finalizationID, CreatedAt: now},
			); err != nil {
				return err
			}
		}
		if released > 0 {
			if err := e.appendPair(tx,
				&Entry{ID: newID(), AccountID: reserveAcct, PoolID: res.PoolID, Type: EntryRelease, AmountMicro: -released, ReferenceID: res.ID, FinalizationID: finalizationID, CreatedAt: now},
				&Entry{ID: newID(), AccountID: acct.ID, PoolID: res.PoolID, Type: EntryRelease, AmountMicro: released, ReferenceID: res.ID, FinalizationID: finalizationID, CreatedAt: now},
			); err != nil {
				return err
			}
		}

		result = &FinalizeResult{
			ReservationID:  res.ID,
			FinalizationID: finalizationID,
			CostMicro:      costMicro,
			ReleasedMicro:  released,
		}
		return tx.RecordFinalization(result)
	})
	if err != nil {
		return nil, err
	}
	e.metrics.ConsumedMicro.Add(float64(result.CostMicro))
	e.logger.Printf("✅ Finalized reservation=%s cost=%d released=%d", result.ReservationID, result.CostMicro, result.ReleasedMicro)
	return result, nil
}

// ============================================================
// RELEASE / EXPIRE
// ============================================================

// Release cancels a pending reservation, returning every allocated
// micro to the lot it came from. Releasing a terminal reservation is a
// conflict.
func (e *Engine) Release(ctx context.Context, tenantID, reservationID string) error {
	return e.releaseInternal(ctx, tenantID, reservationID, ReservationReleased)
}

func (e *Engine) releaseInternal(ctx context.Context, tenantID, reservationID string, to ReservationState) error {
	err := e.withAccountTx(ctx, tenantID, AccountTenantMain, func(tx Tx, acct *Account) error {
		res, err := tx.GetReservation(reservationID)
		if err != nil {
			return err
		}
		if res == nil {
			return faults.NotFound("reservation_not_found", "no such reservation")
		}
		if res.State.Terminal() {
			return faults.Conflict("reservation_"+string(res.State), "reservation is not pending")
		}
		now := e.now()
		var total int64
		for _, alloc := range res.Allocations {
			lot, err := tx.GetLot(alloc.LotID)
			if err != nil {
				return err
			}
			lot.ReservedMicro -= alloc.Micro
			lot.AvailableMicro += alloc.Micro
			if !lot.ConservationOK() {
				return faults.Integrity("lot_conservation", "lot totals diverged during release")
			}
			if err := tx.UpdateLot(lot); err != nil {
				return err
			}
			total += alloc.Micro
		}
		res.State = to
		if err := tx.UpdateReservation(res); err != nil {
			return err
		}
		return e.appendPair(tx,
			&Entry{ID: newID(), AccountID: accountID(tenantID, AccountTenantReserve), PoolID: res.PoolID, Type: EntryRelease, AmountMicro: -total, ReferenceID: res.ID, CreatedAt: now},
			&Entry{ID: newID(), AccountID: acct.ID, PoolID: res.PoolID, Type: EntryRelease, AmountMicro: total, ReferenceID: res.ID, CreatedAt: now},
		)
	})
	if err != nil {
		return err
	}
	if to == ReservationExpired {
		e.metrics.ReservationsExpired.Inc()
	}
	e.logger.Printf("🔓 Released reservation=%s state=%s", reservationID, to)
	return nil
}

// ExpireSweep transitions overdue pending reservations to expired and
// returns their credits. Emits one event per expired reservation so the
// agent gateway can cancel any in-flight upstream work.
func (e *Engine) ExpireSweep(ctx context.Context) (int, error) {
	var overdue []*Reservation
	err := e.store.WithTx(ctx, func(tx Tx) error {
		var err error
		overdue, err = tx.PendingExpired(e.now(), expireSweepBatch)
		return err
	})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, res := range overdue {
		if err := e.releaseInternal(ctx, res.TenantID, res.ID, ReservationExpired); err != nil {
			// a concurrent finalize won the race; skip, sweep again later
			if faults.KindOf(err) == faults.KindConflict {
				continue
			}
			return expired, err
		}
		expired++
		e.emit(ctx, Event{Type: "ledger.reservation.expired", TenantID: res.TenantID, Payload: map[string]string{
			"reservation_id": res.ID,
			"pool_id":        res.PoolID,
		}})
	}
	if expired > 0 {
		e.logger.Printf("⏲️ Expired %d overdue reservations", expired)
	}
	return expired, nil
}

// ============================================================
// REFUND
// ============================================================

// Refund claws back amountMicro from the lots funded by paymentID,
// newest first (LIFO). Only available credit is clawed back; reserved
// and consumed micros are untouched. Both available and original shrink
// so lot conservation holds.
func (e *Engine) Refund(ctx context.Context, tenantID, paymentID string, amountMicro int64) (int64, error) {
	if amountMicro <= 0 {
		return 0, faults.Policy("invalid_amount", "refund amount must be positive")
	}
	var clawed int64
	err := e.withAccountTx(ctx, tenantID, AccountTenantMain, func(tx Tx, acct *Account) error {
		clawed = 0
		lots, err := tx.LotsByPayment(paymentID)
		if err != nil {
			return err
		}
		if len(lots) == 0 {
			return faults.NotFound("payment_not_found", "no lots for payment")
		}
		// LIFO: newest lot first, ties broken by lot id descending.
		sort.Slice(lots, func(i, j int) bool {
			if !lots[i].CreatedAt.Equal(lots[j].CreatedAt) {
				return lots[i].CreatedAt.After(lots[j].CreatedAt)
			}
			return lots[i].ID > lots[j].ID
		})

		now := e.now()
		remaining := amountMicro
		for _, lot := range lots {
			if remaining == 0 {
				break
			}
			take := lot.AvailableMicro
			if take > remaining {
				take = remaining
			}
			if take == 0 {
				continue
			}
			lot.AvailableMicro -= take
			lot.OriginalMicro -= take
			if !lot.ConservationOK() {
				return faults.Integrity("lot_conservation", "lot totals diverged during refund")
			}
			if err := tx.UpdateLot(lot); err != nil {
				return err
			}
			if err := e.appendPair(tx,
				&Entry{ID: newID(), AccountID: acct.ID, PoolID: lot.PoolID, Type: EntryRefund, AmountMicro: -take, ReferenceID: lot.ID, CreatedAt: now},
				&Entry{ID: newID(), AccountID: ExternalAccountID, PoolID: lot.PoolID, Type: EntryRefund, AmountMicro: take, ReferenceID: lot.ID, CreatedAt: now},
			); err != nil {
				return err
			}
			remaining -= take
			clawed += take
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.logger.Printf("↩️ Refunded %d of %d micro tenant=%s payment=%s", clawed, amountMicro, tenantID, paymentID)
	e.emit(ctx, Event{Type: "ledger.refund.processed", TenantID: tenantID, Payload: map[string]string{"payment_id": paymentID}})
	return clawed, nil
}

// ============================================================
// BYOK / REVENUE RULES
// ============================================================

// ShadowCharge records usage for bring-your-own-key tenants without
// moving credit: a zero-sum pair of shadow entries so reporting sees
// the usage but balances are unchanged.
func (e *Engine) ShadowCharge(ctx context.Context, tenantID, poolID, referenceID string, costMicro int64) error {
	if costMicro <= 0 {
		return faults.Policy("invalid_amount", "shadow charge must be positive")
	}
	return e.withAccountTx(ctx, tenantID, AccountTenantMain, func(tx Tx, acct *Account) error {
		now := e.now()
		return e.appendPair(tx,
			&Entry{ID: newID(), AccountID: acct.ID, PoolID: poolID, Type: EntryShadowCharge, AmountMicro: -costMicro, ReferenceID: referenceID, CreatedAt: now, Metadata: map[string]string{"accounting": "byok"}},
			&Entry{ID: newID(), AccountID: acct.ID, PoolID: poolID, Type: EntryShadowCharge, AmountMicro: costMicro, ReferenceID: referenceID, CreatedAt: now, Metadata: map[string]string{"accounting": "byok"}},
		)
	})
}

// CommonsContribution moves the revenue-rule share of a finalized cost
// from the treasury to the commons pool, computed in basis points.
func (e *Engine) CommonsContribution(ctx context.Context, tenantID, poolID, referenceID string, costMicro, shareBPS int64) (int64, error) {
	share := Share(costMicro, shareBPS)
	if share <= 0 {
		return 0, nil
	}
	err := e.store.WithTx(ctx, func(tx Tx) error {
		now := e.now()
		return e.appendPair(tx,
			&Entry{ID: newID(), AccountID: TreasuryAccountID, PoolID: poolID, Type: EntryCommonsContribution, AmountMicro: -share, ReferenceID: referenceID, CreatedAt: now},
			&Entry{ID: newID(), AccountID: accountID(tenantID, AccountTenantReserve), PoolID: poolID, Type: EntryCommonsContribution, AmountMicro: share, ReferenceID: referenceID, CreatedAt: now, Metadata: map[string]string{"commons": "true"}},
		)
	})
	if err != nil {
		return 0, err
	}
	return share, nil
}

// ============================================================
// READ SIDE
// ============================================================

// Balance is the aggregate credit position for one (tenant, pool).
type Balance struct {
	AvailableMicro int64
	ReservedMicro  int64
	ConsumedMicro  int64
}

// Balance sums the tenant's lots for a pool.
func (e *Engine) Balance(ctx context.Context, tenantID, poolID string) (*Balance, error) {
	var b Balance
	err := e.store.WithTx(ctx, func(tx Tx) error {
		acct, err := tx.GetAccount(accountID(tenantID, AccountTenantMain))
		if err != nil || acct == nil {
			return err
		}
		lots, err := tx.LotsFIFO(acct.ID, poolID)
		if err != nil {
			return err
		}
		for _, l := range lots {
			b.AvailableMicro += l.AvailableMicro
			b.ReservedMicro += l.ReservedMicro
			b.ConsumedMicro += l.ConsumedMicro
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

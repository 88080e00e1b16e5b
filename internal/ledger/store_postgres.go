package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is the production Store. Schema lives in migrations/;
// lot conservation and finalization uniqueness are also enforced there
// by CHECK and UNIQUE constraints, so a bug here surfaces as a
// constraint violation instead of corrupt balances.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresStore connects and pings.
func NewPostgresStore(url string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger := log.New(log.Writer(), "[LEDGER-PG] ", log.LstdFlags)
	logger.Printf("✅ Postgres connected")
	return &PostgresStore{db: db, logger: logger}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// DB exposes the pool so sibling stores (tenant records, API keys)
// share the same connection limits.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// WithTx implements Store. Runs fn in a serializable transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	ptx := &pgTx{ctx: ctx, tx: tx}
	if err := fn(ptx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		// serialization failures look like OCC conflicts to the engine
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "40001" {
			return ErrOCCConflict
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *pgTx) GetAccount(id string) (*Account, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT id, tenant_id, kind, anchor, occ_version, created_at
		FROM ledger_accounts WHERE id = $1`, id)
	var a Account
	err := row.Scan(&a.ID, &a.TenantID, &a.Kind, &a.Anchor, &a.OCCVersion, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *pgTx) InsertAccount(a *Account) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO ledger_accounts (id, tenant_id, kind, anchor, occ_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.TenantID, a.Kind, a.Anchor, a.OCCVersion, a.CreatedAt)
	return err
}

func (t *pgTx) BumpAccountVersion(id string, expected int64) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE ledger_accounts SET occ_version = occ_version + 1
		WHERE id = $1 AND occ_version = $2`, id, expected)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOCCConflict
	}
	return nil
}

func (t *pgTx) LotsFIFO(acctID, poolID string) ([]*Lot, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT id, account_id, pool_id, original_micro, available_micro,
		       reserved_micro, consumed_micro, source, payment_id, created_at
		FROM ledger_lots
		WHERE account_id = $1 AND pool_id = $2
		ORDER BY created_at ASC, id ASC
		FOR UPDATE`, acctID, poolID)
	if err != nil {
		return nil, err
	}
	return scanLots(rows)
}

func (t *pgTx) LotsByPayment(paymentID string) ([]*Lot, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT id, account_id, pool_id, original_micro, available_micro,
		       reserved_micro, consumed_micro, source, payment_id, created_at
		FROM ledger_lots
		WHERE payment_id = $1
		ORDER BY created_at DESC, id DESC
		FOR UPDATE`, paymentID)
	if err != nil {
		return nil, err
	}
	return scanLots(rows)
}

func scanLots(rows *sql.Rows) ([]*Lot, error) {
	defer rows.Close()
	var out []*Lot
	for rows.Next() {
		var l Lot
		if err := rows.Scan(&l.ID, &l.AccountID, &l.PoolID, &l.OriginalMicro,
			&l.AvailableMicro, &l.ReservedMicro, &l.ConsumedMicro,
			&l.Source, &l.PaymentID, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (t *pgTx) GetLot(id string) (*Lot, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT id, account_id, pool_id, original_micro, available_micro,
		       reserved_micro, consumed_micro, source, payment_id, created_at
		FROM ledger_lots WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	lots, err := scanLots(rows)
	if err != nil || len(lots) == 0 {
		return nil, err
	}
	return lots[0], nil
}

func (t *pgTx) InsertLot(l *Lot) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO ledger_lots (id, account_id, pool_id, original_micro,
			available_micro, reserved_micro, consumed_micro, source, payment_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		l.ID, l.AccountID, l.PoolID, l.OriginalMicro, l.AvailableMicro,
		l.ReservedMicro, l.ConsumedMicro, l.Source, l.PaymentID, l.CreatedAt)
	return err
}

func (t *pgTx) UpdateLot(l *Lot) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE ledger_lots
		SET original_micro = $2, available_micro = $3, reserved_micro = $4, consumed_micro = $5
		WHERE id = $1`,
		l.ID, l.OriginalMicro, l.AvailableMicro, l.ReservedMicro, l.ConsumedMicro)
	return err
}

func (t *pgTx) GetReservation(id string) (*Reservation, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT id, tenant_id, account_id, pool_id, requested_micro, state,
		       allocations, finalization_id, created_at, expires_at
		FROM ledger_reservations WHERE id = $1 FOR UPDATE`, id)
	return scanReservation(row)
}

func scanReservation(row *sql.Row) (*Reservation, error) {
	var r Reservation
	var allocJSON []byte
	err := row.Scan(&r.ID, &r.TenantID, &r.AccountID, &r.PoolID, &r.RequestedMicro,
		&r.State, &allocJSON, &r.FinalizationID, &r.CreatedAt, &r.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(allocJSON, &r.Allocations); err != nil {
		return nil, fmt.Errorf("decode allocations: %w", err)
	}
	return &r, nil
}

func (t *pgTx) InsertReservation(r *Reservation) error {
	allocJSON, err := json.Marshal(r.Allocations)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO ledger_reservations (id, tenant_id, account_id, pool_id,
			requested_micro, state, allocations, finalization_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.TenantID, r.AccountID, r.PoolID, r.RequestedMicro,
		r.State, allocJSON, r.FinalizationID, r.CreatedAt, r.ExpiresAt)
	return err
}

func (t *pgTx) UpdateReservation(r *Reservation) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE ledger_reservations SET state = $2, finalization_id = $3
		WHERE id = $1`, r.ID, r.State, r.FinalizationID)
	return err
}

func (t *pgTx) PendingExpired(now time.Time, limit int) ([]*Reservation, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT id, tenant_id, account_id, pool_id, requested_micro, state,
		       allocations, finalization_id, created_at, expires_at
		FROM ledger_reservations
		WHERE state = 'pending' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Reservation
	for rows.Next() {
		var r Reservation
		var allocJSON []byte
		if err := rows.Scan(&r.ID, &r.TenantID, &r.AccountID, &r.PoolID, &r.RequestedMicro,
			&r.State, &allocJSON, &r.FinalizationID, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(allocJSON, &r.Allocations); err != nil {
			return nil, fmt.Errorf("decode allocations: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (t *pgTx) FindFinalization(id string) (*FinalizeResult, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT reservation_id, finalization_id, cost_micro, released_micro
		FROM ledger_finalizations WHERE finalization_id = $1`, id)
	var f FinalizeResult
	err := row.Scan(&f.ReservationID, &f.FinalizationID, &f.CostMicro, &f.ReleasedMicro)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (t *pgTx) RecordFinalization(res *FinalizeResult) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO ledger_finalizations (finalization_id, reservation_id, cost_micro, released_micro)
		VALUES ($1, $2, $3, $4)`,
		res.FinalizationID, res.ReservationID, res.CostMicro, res.ReleasedMicro)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrOCCConflict
	}
	return err
}

func (t *pgTx) AppendEntry(e *Entry) error {
	var meta []byte
	if e.Metadata != nil {
		var err error
		meta, err = json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
	}
	// entry_seq is the next value per (account, pool); the aggregate
	// FOR UPDATE on the account row above serializes writers.
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT COALESCE(MAX(entry_seq), 0) + 1 FROM ledger_entries
		WHERE account_id = $1 AND pool_id = $2`, e.AccountID, e.PoolID)
	if err := row.Scan(&e.EntrySeq); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO ledger_entries (id, account_id, pool_id, entry_type,
			amount_micro, reference_id, finalization_id, entry_seq, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.AccountID, e.PoolID, e.Type, e.AmountMicro,
		e.ReferenceID, e.FinalizationID, e.EntrySeq, e.CreatedAt, meta)
	return err
}

func (t *pgTx) SumAccountEntries(accountID string) (int64, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT COALESCE(SUM(amount_micro), 0) FROM ledger_entries
		WHERE account_id = $1`, accountID)
	var sum int64
	err := row.Scan(&sum)
	return sum, err
}

func (t *pgTx) GetPayout(id string) (*Payout, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT id, account_id, amount_micro, state, provider_id,
		       provider_payment_id, requester_id, approver_id, raw_payload,
		       created_at, updated_at
		FROM ledger_payouts WHERE id = $1 FOR UPDATE`, id)
	var p Payout
	err := row.Scan(&p.ID, &p.AccountID, &p.AmountMicro, &p.State, &p.ProviderID,
		&p.ProviderPaymentID, &p.RequesterID, &p.ApproverID, &p.RawPayload,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) InsertPayout(p *Payout) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO ledger_payouts (id, account_id, amount_micro, state,
			provider_id, provider_payment_id, requester_id, approver_id,
			raw_payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.AccountID, p.AmountMicro, p.State, p.ProviderID,
		p.ProviderPaymentID, p.RequesterID, p.ApproverID,
		p.RawPayload, p.CreatedAt, p.UpdatedAt)
	return err
}

func (t *pgTx) TransitionPayout(id string, from, to PayoutState, providerPaymentID, approverID string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE ledger_payouts
		SET state = $3,
		    provider_payment_id = CASE WHEN $4 <> '' THEN $4 ELSE provider_payment_id END,
		    approver_id = CASE WHEN $5 <> '' THEN $5 ELSE approver_id END,
		    updated_at = NOW()
		WHERE id = $1 AND state = $2`, id, from, to, providerPaymentID, approverID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (t *pgTx) GetTreasuryState() (*TreasuryState, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT balance_micro, escrowed_micro, updated_at
		FROM treasury_state WHERE id = 'treasury'`)
	var st TreasuryState
	err := row.Scan(&st.BalanceMicro, &st.EscrowedMicro, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (t *pgTx) SaveTreasuryState(st *TreasuryState) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO treasury_state (id, balance_micro, escrowed_micro, updated_at)
		VALUES ('treasury', $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			balance_micro  = EXCLUDED.balance_micro,
			escrowed_micro = EXCLUDED.escrowed_micro,
			updated_at     = EXCLUDED.updated_at`,
		st.BalanceMicro, st.EscrowedMicro, st.UpdatedAt)
	return err
}

func (t *pgTx) SumPayoutsInStates(states ...PayoutState) (int64, error) {
	strs := make([]string, len(states))
	for i, s := range states {
		strs[i] = string(s)
	}
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT COALESCE(SUM(amount_micro), 0) FROM ledger_payouts
		WHERE state = ANY($1)`, pq.Array(strs))
	var sum int64
	err := row.Scan(&sum)
	return sum, err
}

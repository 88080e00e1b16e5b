package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/api/option"

	"github.com/guildcore/backend/internal/faults"
)

// ============================================================
// PAYOUT STATE MACHINE
// ============================================================
// pending → approved → processing → completed
//                    ↘ failed
// pending → cancelled
// any     → quarantined (operator action on suspicious payouts)
//
// Every transition is a conditional update (WHERE state = from), so a
// lost race is observed, never silently overwritten.
//
// Funds move with the states: request escrows the amount out of the
// treasury, cancel/fail return it, complete pays it to the account.
// Quarantined payouts keep their hold until an operator resolves them.

// TaskEnqueuer hands approved payouts to the async processing queue.
// CloudTasksEnqueuer is the production implementation.
type TaskEnqueuer interface {
	EnqueuePayout(ctx context.Context, payoutID string, payload []byte) error
}

// PayoutProcessor drives the payout lifecycle against the ledger store.
type PayoutProcessor struct {
	store    Store
	enqueuer TaskEnqueuer
	emit     Emitter
	now      func() time.Time

	// marginBPS is the share of treasury consumed micros that must stay
	// uncommitted; payouts that would breach it are rejected.
	marginBPS int64

	logger  *log.Logger
	metrics *Metrics
}

// NewPayoutProcessor creates a processor. enqueuer and emit may be nil.
func NewPayoutProcessor(store Store, enqueuer TaskEnqueuer, emit Emitter, marginBPS int64) *PayoutProcessor {
	if emit == nil {
		emit = func(context.Context, Event) {}
	}
	return &PayoutProcessor{
		store:     store,
		enqueuer:  enqueuer,
		emit:      emit,
		now:       time.Now,
		marginBPS: marginBPS,
		logger:    log.New(log.Writer(), "[PAYOUT] ", log.LstdFlags),
		metrics:   NewMetrics(),
	}
}

// Request creates a pending payout and escrows its amount: an entry
// pair moves the amount from the treasury to the payout escrow
// account. Every outstanding payout therefore already sits outside the
// treasury balance the margin check reads, so requests racing each
// other can never over-commit the treasury.
func (p *PayoutProcessor) Request(ctx context.Context, accountID string, amountMicro int64, providerID, requesterID string) (*Payout, error) {
	if amountMicro <= 0 {
		return nil, faults.Policy("invalid_amount", "payout amount must be positive")
	}
	var payout *Payout
	err := p.store.WithTx(ctx, func(tx Tx) error {
		held, err := tx.SumPayoutsInStates(PayoutPending, PayoutApproved, PayoutProcessing, PayoutQuarantined)
		if err != nil {
			return err
		}
		escrowed, err := tx.SumAccountEntries(EscrowAccountID)
		if err != nil {
			return err
		}
		if held != escrowed {
			return faults.Integrity("escrow_mismatch", "escrow account disagrees with outstanding payouts")
		}
		balance, err := treasuryBalance(tx)
		if err != nil {
			return err
		}
		headroom := balance - Share(balance, p.marginBPS)
		if amountMicro > headroom {
			f := faults.Policy("treasury_margin", "payout would breach treasury margin")
			f.ShortfallMicro = amountMicro - headroom
			return f
		}
		now := p.now()
		payout = &Payout{
			ID:          newID(),
			AccountID:   accountID,
			AmountMicro: amountMicro,
			State:       PayoutPending,
			ProviderID:  providerID,
			RequesterID: requesterID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertPayout(payout); err != nil {
			return err
		}
		hold := &Entry{ID: newID(), AccountID: TreasuryAccountID, Type: EntryEscrow, AmountMicro: -amountMicro, ReferenceID: payout.ID, CreatedAt: now}
		mirror := &Entry{ID: newID(), AccountID: EscrowAccountID, Type: EntryEscrow, AmountMicro: amountMicro, ReferenceID: payout.ID, CreatedAt: now}
		if err := tx.AppendEntry(hold); err != nil {
			return err
		}
		if err := tx.AppendEntry(mirror); err != nil {
			return err
		}
		return p.refreshTreasuryState(tx)
	})
	if err != nil {
		return nil, err
	}
	p.logger.Printf("📝 Payout requested id=%s amount=%d provider=%s", payout.ID, amountMicro, providerID)
	return payout, nil
}

// refreshTreasuryState re-reads both positions after an entry write
// and persists the singleton snapshot inside the same transaction.
func (p *PayoutProcessor) refreshTreasuryState(tx Tx) error {
	balance, err := treasuryBalance(tx)
	if err != nil {
		return err
	}
	escrowed, err := tx.SumAccountEntries(EscrowAccountID)
	if err != nil {
		return err
	}
	return tx.SaveTreasuryState(&TreasuryState{
		BalanceMicro:  balance,
		EscrowedMicro: escrowed,
		UpdatedAt:     p.now(),
	})
}

// treasuryBalance is the treasury's net entry sum across all pools.
// The treasury holds no lots; its position is only its entries, with
// escrowed payout holds already subtracted.
func treasuryBalance(tx Tx) (int64, error) {
	return tx.SumAccountEntries(TreasuryAccountID)
}

// Approve moves pending → approved and enqueues async processing. The
// approver must differ from the requester.
func (p *PayoutProcessor) Approve(ctx context.Context, payoutID, approverID string) error {
	var payout *Payout
	err := p.store.WithTx(ctx, func(tx Tx) error {
		var err error
		payout, err = tx.GetPayout(payoutID)
		if err != nil {
			return err
		}
		if payout == nil {
			return faults.NotFound("payout_not_found", "no such payout")
		}
		if payout.RequesterID == approverID {
			return faults.Policy("four_eyes_violation", "approver must differ from requester")
		}
		ok, err := tx.TransitionPayout(payoutID, PayoutPending, PayoutApproved, "", approverID)
		if err != nil {
			return err
		}
		if !ok {
			return faults.Conflict("payout_not_pending", "payout already transitioned")
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.metrics.PayoutTransitions.WithLabelValues(string(PayoutPending), string(PayoutApproved)).Inc()
	p.logger.Printf("✅ Payout approved id=%s approver set", payoutID)

	if p.enqueuer != nil {
		payload, _ := json.Marshal(map[string]string{"payout_id": payoutID})
		if err := p.enqueuer.EnqueuePayout(ctx, payoutID, payload); err != nil {
			// the sweeper re-enqueues approved payouts, so log and move on
			p.logger.Printf("❌ Payout enqueue failed id=%s: %v", payoutID, err)
		}
	}
	p.emit(ctx, Event{Type: "ledger.payout.approved", Payload: map[string]string{"payout_id": payoutID}})
	return nil
}

// Begin moves approved → processing, recording the provider payment id.
// The (provider, provider_payment_id) pair is unique in the store, so a
// duplicate delivery of the same task is a conflict here, not a double
// payment.
func (p *PayoutProcessor) Begin(ctx context.Context, payoutID, providerPaymentID string) error {
	return p.transition(ctx, payoutID, PayoutApproved, PayoutProcessing, providerPaymentID)
}

// Complete moves processing → completed and writes the escrow-release
// entry pair paying the held amount out to the account.
func (p *PayoutProcessor) Complete(ctx context.Context, payoutID string) error {
	err := p.store.WithTx(ctx, func(tx Tx) error {
		payout, err := tx.GetPayout(payoutID)
		if err != nil {
			return err
		}
		if payout == nil {
			return faults.NotFound("payout_not_found", "no such payout")
		}
		ok, err := tx.TransitionPayout(payoutID, PayoutProcessing, PayoutCompleted, "", "")
		if err != nil {
			return err
		}
		if !ok {
			return faults.Conflict("payout_not_processing", "payout already transitioned")
		}
		now := p.now()
		debit := &Entry{ID: newID(), AccountID: EscrowAccountID, Type: EntryEscrowRelease, AmountMicro: -payout.AmountMicro, ReferenceID: payout.ID, CreatedAt: now}
		credit := &Entry{ID: newID(), AccountID: payout.AccountID, Type: EntryEscrowRelease, AmountMicro: payout.AmountMicro, ReferenceID: payout.ID, CreatedAt: now}
		if err := tx.AppendEntry(debit); err != nil {
			return err
		}
		if err := tx.AppendEntry(credit); err != nil {
			return err
		}
		return p.refreshTreasuryState(tx)
	})
	if err != nil {
		return err
	}
	p.metrics.PayoutTransitions.WithLabelValues(string(PayoutProcessing), string(PayoutCompleted)).Inc()
	p.logger.Printf("💸 Payout completed id=%s", payoutID)
	p.emit(ctx, Event{Type: "ledger.payout.completed", Payload: map[string]string{"payout_id": payoutID}})
	return nil
}

// Fail moves processing → failed and returns the escrowed hold to the
// treasury.
func (p *PayoutProcessor) Fail(ctx context.Context, payoutID string) error {
	return p.releaseHold(ctx, payoutID, PayoutProcessing, PayoutFailed)
}

// Cancel moves pending → cancelled and returns the escrowed hold to
// the treasury.
func (p *PayoutProcessor) Cancel(ctx context.Context, payoutID string) error {
	return p.releaseHold(ctx, payoutID, PayoutPending, PayoutCancelled)
}

// releaseHold transitions a payout that will never settle and writes
// the escrow-release pair moving its hold back to the treasury.
func (p *PayoutProcessor) releaseHold(ctx context.Context, payoutID string, from, to PayoutState) error {
	err := p.store.WithTx(ctx, func(tx Tx) error {
		payout, err := tx.GetPayout(payoutID)
		if err != nil {
			return err
		}
		if payout == nil {
			return faults.NotFound("payout_not_found", "no such payout")
		}
		ok, err := tx.TransitionPayout(payoutID, from, to, "", "")
		if err != nil {
			return err
		}
		if !ok {
			return faults.Conflict("payout_not_"+string(from), "payout is not in the expected state")
		}
		now := p.now()
		debit := &Entry{ID: newID(), AccountID: EscrowAccountID, Type: EntryEscrowRelease, AmountMicro: -payout.AmountMicro, ReferenceID: payout.ID, CreatedAt: now}
		credit := &Entry{ID: newID(), AccountID: TreasuryAccountID, Type: EntryEscrowRelease, AmountMicro: payout.AmountMicro, ReferenceID: payout.ID, CreatedAt: now}
		if err := tx.AppendEntry(debit); err != nil {
			return err
		}
		if err := tx.AppendEntry(credit); err != nil {
			return err
		}
		return p.refreshTreasuryState(tx)
	})
	if err != nil {
		return err
	}
	p.metrics.PayoutTransitions.WithLabelValues(string(from), string(to)).Inc()
	p.logger.Printf("🔁 Payout %s → %s id=%s (hold released)", from, to, payoutID)
	return nil
}

// Quarantine parks a payout in any non-terminal state for operator
// review. The escrowed hold stays parked with it, and raw provider
// payloads stay attached for the investigation.
func (p *PayoutProcessor) Quarantine(ctx context.Context, payoutID string, rawPayload []byte) error {
	return p.store.WithTx(ctx, func(tx Tx) error {
		payout, err := tx.GetPayout(payoutID)
		if err != nil {
			return err
		}
		if payout == nil {
			return faults.NotFound("payout_not_found", "no such payout")
		}
		switch payout.State {
		case PayoutCompleted, PayoutCancelled, PayoutQuarantined:
			return faults.Conflict("payout_terminal", "payout cannot be quarantined")
		}
		ok, err := tx.TransitionPayout(payoutID, payout.State, PayoutQuarantined, "", "")
		if err != nil {
			return err
		}
		if !ok {
			return faults.Conflict("payout_raced", "payout transitioned concurrently")
		}
		p.metrics.PayoutTransitions.WithLabelValues(string(payout.State), string(PayoutQuarantined)).Inc()
		p.logger.Printf("🚧 Payout quarantined id=%s from=%s", payoutID, payout.State)
		return nil
	})
}

func (p *PayoutProcessor) transition(ctx context.Context, payoutID string, from, to PayoutState, providerPaymentID string) error {
	err := p.store.WithTx(ctx, func(tx Tx) error {
		ok, err := tx.TransitionPayout(payoutID, from, to, providerPaymentID, "")
		if err != nil {
			return err
		}
		if !ok {
			return faults.Conflict("payout_not_"+string(from), "payout is not in the expected state")
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.metrics.PayoutTransitions.WithLabelValues(string(from), string(to)).Inc()
	p.logger.Printf("🔁 Payout %s → %s id=%s", from, to, payoutID)
	return nil
}

// ============================================================
// CLOUD TASKS ENQUEUER
// ============================================================

// CloudTasksEnqueuer enqueues payout processing as HTTP tasks. The
// queue handles retry with backoff and dead-lettering.
type CloudTasksEnqueuer struct {
	client    *cloudtasks.Client
	queuePath string
	targetURL string
	logger    *log.Logger
}

// NewCloudTasksEnqueuer connects to the Cloud Tasks queue. queuePath is
// the full projects/<p>/locations/<l>/queues/<q> path.
func NewCloudTasksEnqueuer(ctx context.Context, queuePath, targetURL string, opts ...option.ClientOption) (*CloudTasksEnqueuer, error) {
	client, err := cloudtasks.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}
	logger := log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags)
	logger.Printf("✅ Connected to Cloud Tasks queue: %s", queuePath)
	return &CloudTasksEnqueuer{client: client, queuePath: queuePath, targetURL: targetURL, logger: logger}, nil
}

// EnqueuePayout implements TaskEnqueuer.
func (c *CloudTasksEnqueuer) EnqueuePayout(ctx context.Context, payoutID string, payload []byte) error {
	req := &taskspb.CreateTaskRequest{
		Parent: c.queuePath,
		Task: &taskspb.Task{
			// Task name dedupes re-enqueues of the same payout.
			Name: fmt.Sprintf("%s/tasks/payout-%s", c.queuePath, payoutID),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        c.targetURL,
					Headers:    map[string]string{"Content-Type": "application/json"},
					Body:       payload,
				},
			},
		},
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	task, err := c.client.CreateTask(ctx, req)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	c.logger.Printf("📤 Enqueued payout task: %s (task=%s)", payoutID, task.GetName())
	return nil
}

// Close shuts down the client.
func (c *CloudTasksEnqueuer) Close() error { return c.client.Close() }

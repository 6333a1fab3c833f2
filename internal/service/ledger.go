package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"vpn-shop-bot/internal/model"
	"vpn-shop-bot/internal/pkg/events"
	"vpn-shop-bot/internal/pkg/metrics"
	"vpn-shop-bot/internal/repository"
)

// CreateRequest describes a new payment. Amount is the list price in minor
// units; the charged amount is derived from it and DiscountCode.
type CreateRequest struct {
	UserID       int64
	Amount       int64
	Kind         model.Kind
	Method       model.Method
	DiscountCode string
	PlanID       *int64
	ServerID     *int64
	BankCardID   *int64
}

// Ledger owns the transaction state machine. Every transition is a single
// conditional write in the store, so concurrent callers race safely.
type Ledger struct {
	txs       TransactionStore
	users     UserStore
	discounts *DiscountService
	events    events.Publisher
	notifier  Notifier
	enqueuer  Enqueuer
	now       Clock
}

// NewLedger creates a new Ledger instance.
func NewLedger(txs TransactionStore, users UserStore, discounts *DiscountService, pub events.Publisher, now Clock) *Ledger {
	if now == nil {
		now = time.Now
	}
	if pub == nil {
		pub = events.LogPublisher{}
	}
	return &Ledger{
		txs:       txs,
		users:     users,
		discounts: discounts,
		events:    pub,
		notifier:  NopNotifier{},
		now:       now,
	}
}

// SetNotifier sets the user-facing notifier. Must be called before serving.
func (l *Ledger) SetNotifier(n Notifier) {
	if n != nil {
		l.notifier = n
	}
}

// SetEnqueuer sets the provisioning hand-off for completed purchases.
// Without one, jobs are picked up from the outbox on the next reload.
func (l *Ledger) SetEnqueuer(e Enqueuer) {
	l.enqueuer = e
}

func (l *Ledger) validate(ctx context.Context, req CreateRequest) (*model.User, error) {
	if !req.Kind.Valid() {
		return nil, ErrInvalidKind
	}
	if !req.Method.Valid() {
		return nil, ErrInvalidMethod
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Kind == model.KindDeposit {
		if req.Method == model.MethodWallet {
			return nil, ErrInvalidMethod
		}
		if req.DiscountCode != "" {
			return nil, ErrDiscountNotApplicable
		}
	}
	if req.Kind == model.KindPurchase && req.PlanID == nil {
		return nil, ErrPlanRequired
	}

	user, err := l.users.GetByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user.IsBanned {
		return nil, ErrUserBanned
	}
	return user, nil
}

// Create validates the request, prices it and persists a pending transaction.
// A discount code is validated and applied first, then redeemed atomically with
// the insert, so a created transaction always holds its slot.
func (l *Ledger) Create(ctx context.Context, req CreateRequest) (*model.Transaction, error) {
	user, err := l.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	t := &model.Transaction{
		UserID:      req.UserID,
		Amount:      req.Amount,
		FinalAmount: req.Amount,
		Kind:        req.Kind,
		Method:      req.Method,
		PlanID:      req.PlanID,
		ServerID:    req.ServerID,
		BankCardID:  req.BankCardID,
	}

	if req.DiscountCode != "" {
		d, err := l.discounts.Validate(ctx, req.DiscountCode, l.now())
		if err != nil {
			return nil, err
		}
		t.FinalAmount = ApplyDiscount(d, req.Amount)
		t.DiscountCode = &d.Code
	}

	if t.Method == model.MethodWallet && user.Balance < t.FinalAmount {
		return nil, ErrInsufficientFunds
	}

	created, err := l.txs.Create(ctx, t)
	if err != nil {
		code := ""
		if t.DiscountCode != nil {
			code = *t.DiscountCode
		}
		switch {
		case errors.Is(err, repository.ErrDiscountExhausted):
			metrics.DiscountRedemptions.WithLabelValues("exhausted").Inc()
			return nil, &DiscountError{Code: code, Reason: DiscountExhausted}
		case errors.Is(err, repository.ErrDiscountNotFound):
			return nil, &DiscountError{Code: code, Reason: DiscountNotFound}
		}
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	if created.DiscountCode != nil {
		metrics.DiscountRedemptions.WithLabelValues("redeemed").Inc()
	}
	metrics.TransactionTransitions.WithLabelValues(string(created.Kind), string(created.Status)).Inc()
	log.Info().
		Int64("transaction_id", created.ID).
		Int64("user_id", created.UserID).
		Str("kind", string(created.Kind)).
		Str("method", string(created.Method)).
		Int64("amount", created.Amount).
		Int64("final_amount", created.FinalAmount).
		Msg("Transaction created")
	return created, nil
}

// Get returns a transaction by id.
func (l *Ledger) Get(ctx context.Context, id int64) (*model.Transaction, error) {
	tx, err := l.txs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// GetByGatewayRef resolves a gateway reference to a transaction.
func (l *Ledger) GetByGatewayRef(ctx context.Context, ref string) (*model.Transaction, error) {
	tx, err := l.txs.GetByGatewayRef(ctx, ref)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// ListByUser returns a user's latest transactions.
func (l *Ledger) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.Transaction, error) {
	return l.txs.ListByUser(ctx, userID, limit)
}

// MarkPendingVerification records a payment receipt and moves a pending
// transaction to pending_verification. Resubmitting the same receipt is a no-op.
func (l *Ledger) MarkPendingVerification(ctx context.Context, id int64, receiptRef string) (*model.Transaction, error) {
	tx, changed, err := l.txs.MarkPendingVerification(ctx, id, receiptRef)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if !changed {
		if tx.Status == model.StatusPendingVerification && tx.ReceiptRef != nil && *tx.ReceiptRef == receiptRef {
			return tx, nil
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, tx.Status, model.StatusPendingVerification)
	}

	metrics.TransactionTransitions.WithLabelValues(string(tx.Kind), string(tx.Status)).Inc()
	log.Info().Int64("transaction_id", id).Msg("Transaction awaiting verification")
	return tx, nil
}

// AttachGatewayRef links a gateway payment id to a non-terminal transaction.
func (l *Ledger) AttachGatewayRef(ctx context.Context, id int64, ref string) error {
	ok, err := l.txs.AttachGatewayRef(ctx, id, ref)
	if err != nil {
		return err
	}
	if !ok {
		tx, err := l.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: cannot attach gateway ref to %s transaction", ErrInvalidTransition, tx.Status)
	}
	return nil
}

// Complete moves a transaction to completed. Deposits credit the wallet, wallet
// purchases debit it, and purchases are queued for provisioning, all in the same
// atomic unit as the status change. Completing an already completed transaction
// returns it with no further effect.
func (l *Ledger) Complete(ctx context.Context, id int64) (*model.Transaction, error) {
	tx, changed, err := l.txs.Complete(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTransactionNotFound):
			return nil, ErrTransactionNotFound
		case errors.Is(err, repository.ErrInsufficientFunds):
			return nil, ErrInsufficientFunds
		case errors.Is(err, repository.ErrUserNotFound):
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if !changed {
		if tx.Status == model.StatusCompleted {
			log.Debug().Int64("transaction_id", id).Msg("Completion replayed")
			return tx, nil
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, tx.Status, model.StatusCompleted)
	}

	metrics.TransactionTransitions.WithLabelValues(string(tx.Kind), string(tx.Status)).Inc()
	log.Info().
		Int64("transaction_id", tx.ID).
		Int64("user_id", tx.UserID).
		Str("kind", string(tx.Kind)).
		Msg("Transaction completed")

	emit(ctx, l.events, events.Event{
		Type:          events.TransactionCompleted,
		UserID:        tx.UserID,
		TransactionID: tx.ID,
	})
	logNotifyErr(l.notifier.TransactionClosed(ctx, tx), "transaction completed")

	if tx.Kind == model.KindPurchase && l.enqueuer != nil {
		l.enqueuer.Enqueue(tx.ID)
	}
	return tx, nil
}

// Reject closes a non-terminal transaction as rejected. Rejecting an already
// rejected transaction is a no-op.
func (l *Ledger) Reject(ctx context.Context, id int64, reason string) (*model.Transaction, error) {
	var r *string
	if reason != "" {
		r = &reason
	}
	return l.close(ctx, id, model.StatusRejected, r)
}

// Cancel closes a non-terminal transaction as cancelled. Cancelling an already
// cancelled transaction is a no-op.
func (l *Ledger) Cancel(ctx context.Context, id int64) (*model.Transaction, error) {
	return l.close(ctx, id, model.StatusCancelled, nil)
}

func (l *Ledger) close(ctx context.Context, id int64, to model.Status, reason *string) (*model.Transaction, error) {
	tx, changed, err := l.txs.Close(ctx, id, to, reason)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if !changed {
		if tx.Status == to {
			return tx, nil
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, tx.Status, to)
	}

	metrics.TransactionTransitions.WithLabelValues(string(tx.Kind), string(tx.Status)).Inc()
	log.Info().Int64("transaction_id", tx.ID).Str("status", string(to)).Msg("Transaction closed")

	typ := events.TransactionRejected
	if to == model.StatusCancelled {
		typ = events.TransactionCancelled
	}
	e := events.Event{Type: typ, UserID: tx.UserID, TransactionID: tx.ID}
	if reason != nil {
		e.Reason = *reason
	}
	emit(ctx, l.events, e)
	logNotifyErr(l.notifier.TransactionClosed(ctx, tx), "transaction closed")
	return tx, nil
}

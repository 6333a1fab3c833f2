package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vpn-shop-bot/internal/model"
)

const transactionColumns = `id, user_id, amount, final_amount, kind, method, status,
	discount_code, receipt_ref, gateway_ref, bank_card_id, plan_id, server_id, reason,
	created_at, completed_at, rejected_at, cancelled_at`

// TransactionRepository handles transaction data persistence.
// Every status change is a compare-and-swap on the current status, and the
// balance and provisioning side effects of completion commit in the same
// database transaction as the status change.
type TransactionRepository struct {
	pool *pgxpool.Pool
}

// NewTransactionRepository creates a new TransactionRepository instance.
func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var tx model.Transaction
	err := row.Scan(
		&tx.ID,
		&tx.UserID,
		&tx.Amount,
		&tx.FinalAmount,
		&tx.Kind,
		&tx.Method,
		&tx.Status,
		&tx.DiscountCode,
		&tx.ReceiptRef,
		&tx.GatewayRef,
		&tx.BankCardID,
		&tx.PlanID,
		&tx.ServerID,
		&tx.Reason,
		&tx.CreatedAt,
		&tx.CompletedAt,
		&tx.RejectedAt,
		&tx.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// Create persists a pending transaction. When a discount code is attached it is
// redeemed in the same database transaction, so a created transaction always
// holds its redemption slot and an exhausted code never leaves a row behind.
// Returns ErrDiscountExhausted or ErrDiscountNotFound when redemption fails.
func (r *TransactionRepository) Create(ctx context.Context, t *model.Transaction) (*model.Transaction, error) {
	const query = `
		INSERT INTO transactions (user_id, amount, final_amount, kind, method, status,
			discount_code, bank_card_id, plan_id, server_id)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $8, $9)
		RETURNING ` + transactionColumns

	var created *model.Transaction
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, query,
			t.UserID, t.Amount, t.FinalAmount, string(t.Kind), string(t.Method),
			t.DiscountCode, t.BankCardID, t.PlanID, t.ServerID,
		)
		var err error
		created, err = scanTransaction(row)
		if err != nil {
			return fmt.Errorf("failed to create transaction: %w", err)
		}

		if t.DiscountCode != nil {
			if _, err := redeemTx(ctx, tx, *t.DiscountCode, created.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetByID retrieves a transaction by id.
func (r *TransactionRepository) GetByID(ctx context.Context, id int64) (*model.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	tx, err := scanTransaction(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// GetByGatewayRef resolves a payment gateway reference to the local transaction.
func (r *TransactionRepository) GetByGatewayRef(ctx context.Context, ref string) (*model.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM transactions WHERE gateway_ref = $1`

	tx, err := scanTransaction(r.pool.QueryRow(ctx, query, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction by gateway ref: %w", err)
	}
	return tx, nil
}

// ListByUser retrieves a user's transactions, newest first.
func (r *TransactionRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.Transaction, error) {
	const query = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	defer rows.Close()

	var transactions []*model.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return transactions, nil
}

// MarkPendingVerification moves a pending transaction to pending_verification
// and records the receipt. changed is false when the row was not pending; the
// current row is returned in that case.
func (r *TransactionRepository) MarkPendingVerification(ctx context.Context, id int64, receiptRef string) (*model.Transaction, bool, error) {
	const query = `
		UPDATE transactions
		SET status = $2, receipt_ref = $3
		WHERE id = $1 AND status = ANY($4)
		RETURNING ` + transactionColumns

	to := model.StatusPendingVerification
	tx, err := scanTransaction(r.pool.QueryRow(ctx, query, id, string(to), receiptRef, statusStrings(model.SourcesOf(to))))
	if err == nil {
		return tx, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to mark pending verification: %w", err)
	}

	current, err := r.GetByID(ctx, id)
	return current, false, err
}

// AttachGatewayRef records the gateway's id for a non-terminal transaction.
// Re-attaching the same reference is a no-op success.
func (r *TransactionRepository) AttachGatewayRef(ctx context.Context, id int64, ref string) (bool, error) {
	const query = `
		UPDATE transactions
		SET gateway_ref = $2
		WHERE id = $1
		  AND status IN ('pending', 'pending_verification')
		  AND (gateway_ref IS NULL OR gateway_ref = $2)
	`

	result, err := r.pool.Exec(ctx, query, id, ref)
	if err != nil {
		return false, fmt.Errorf("failed to attach gateway ref: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// Complete transitions a transaction to completed and applies its side effect
// atomically with the status change:
//   - deposit: the user's balance is credited by Amount;
//   - wallet purchase: the balance is debited by FinalAmount, guarded by
//     balance >= FinalAmount (ErrInsufficientFunds rolls the whole unit back);
//   - purchase: a provisioning job keyed by transaction id is enqueued.
//
// changed is false when the status was not a valid source for completion; the
// current row is returned so callers can distinguish a replay from a conflict.
func (r *TransactionRepository) Complete(ctx context.Context, id int64) (*model.Transaction, bool, error) {
	const update = `
		UPDATE transactions
		SET status = $2, completed_at = NOW()
		WHERE id = $1 AND status = ANY($3)
		RETURNING ` + transactionColumns
	const credit = `
		UPDATE users SET balance = balance + $2, updated_at = NOW()
		WHERE telegram_id = $1
	`
	const debit = `
		UPDATE users SET balance = balance - $2, updated_at = NOW()
		WHERE telegram_id = $1 AND balance >= $2
	`
	const enqueue = `
		INSERT INTO provisioning_jobs (transaction_id)
		VALUES ($1)
		ON CONFLICT (transaction_id) DO NOTHING
	`

	to := model.StatusCompleted
	var completed *model.Transaction
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		t, err := scanTransaction(tx.QueryRow(ctx, update, id, string(to), statusStrings(model.SourcesOf(to))))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to complete transaction: %w", err)
		}

		switch {
		case t.Kind == model.KindDeposit:
			result, err := tx.Exec(ctx, credit, t.UserID, t.Amount)
			if err != nil {
				return fmt.Errorf("failed to credit balance: %w", err)
			}
			if result.RowsAffected() == 0 {
				return ErrUserNotFound
			}
		case t.Kind == model.KindPurchase && t.Method == model.MethodWallet:
			result, err := tx.Exec(ctx, debit, t.UserID, t.FinalAmount)
			if err != nil {
				return fmt.Errorf("failed to debit balance: %w", err)
			}
			if result.RowsAffected() == 0 {
				return ErrInsufficientFunds
			}
		}

		if t.Kind == model.KindPurchase {
			if _, err := tx.Exec(ctx, enqueue, t.ID); err != nil {
				return fmt.Errorf("failed to enqueue provisioning: %w", err)
			}
		}

		completed = t
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if completed != nil {
		return completed, true, nil
	}

	current, err := r.GetByID(ctx, id)
	return current, false, err
}

// Close moves a non-terminal transaction to rejected or cancelled.
// changed is false when the row was already terminal; the current row is returned.
func (r *TransactionRepository) Close(ctx context.Context, id int64, to model.Status, reason *string) (*model.Transaction, bool, error) {
	const query = `
		UPDATE transactions
		SET status = $2::text,
			reason = COALESCE($3, reason),
			rejected_at = CASE WHEN $2::text = 'rejected' THEN NOW() ELSE rejected_at END,
			cancelled_at = CASE WHEN $2::text = 'cancelled' THEN NOW() ELSE cancelled_at END
		WHERE id = $1 AND status = ANY($4)
		RETURNING ` + transactionColumns

	if to != model.StatusRejected && to != model.StatusCancelled {
		return nil, false, fmt.Errorf("close to %q: unsupported target status", to)
	}

	tx, err := scanTransaction(r.pool.QueryRow(ctx, query, id, string(to), reason, statusStrings(model.SourcesOf(to))))
	if err == nil {
		return tx, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to close transaction: %w", err)
	}

	current, err := r.GetByID(ctx, id)
	return current, false, err
}

// ListCompletedPurchasesWithoutAccount returns completed purchases that have no
// remote account row at all, oldest first.
func (r *TransactionRepository) ListCompletedPurchasesWithoutAccount(ctx context.Context, limit int) ([]int64, error) {
	const query = `
		SELECT t.id
		FROM transactions t
		LEFT JOIN remote_accounts a ON a.transaction_id = t.id
		WHERE t.kind = 'purchase' AND t.status = 'completed' AND a.id IS NULL
		ORDER BY t.id
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprovisioned purchases: %w", err)
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan unprovisioned purchases: %w", err)
	}
	return ids, nil
}

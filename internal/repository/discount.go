package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vpn-shop-bot/internal/model"
)

const discountColumns = `code, type, value, expires_at, max_uses, current_uses, status, created_at`

// DiscountRepository handles discount code persistence.
type DiscountRepository struct {
	pool *pgxpool.Pool
}

// NewDiscountRepository creates a new DiscountRepository instance.
func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{pool: pool}
}

func scanDiscount(row rowScanner) (*model.DiscountCode, error) {
	var d model.DiscountCode
	err := row.Scan(
		&d.Code,
		&d.Type,
		&d.Value,
		&d.ExpiresAt,
		&d.MaxUses,
		&d.CurrentUses,
		&d.Status,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Create inserts a new discount code.
func (r *DiscountRepository) Create(ctx context.Context, d *model.DiscountCode) (*model.DiscountCode, error) {
	const query = `
		INSERT INTO discount_codes (code, type, value, expires_at, max_uses, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + discountColumns

	status := d.Status
	if status == "" {
		status = model.DiscountActive
	}

	created, err := scanDiscount(r.pool.QueryRow(ctx, query,
		d.Code, string(d.Type), d.Value, d.ExpiresAt, d.MaxUses, string(status),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create discount code: %w", err)
	}
	return created, nil
}

// Get retrieves a discount code.
func (r *DiscountRepository) Get(ctx context.Context, code string) (*model.DiscountCode, error) {
	const query = `SELECT ` + discountColumns + ` FROM discount_codes WHERE code = $1`

	d, err := scanDiscount(r.pool.QueryRow(ctx, query, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDiscountNotFound
		}
		return nil, fmt.Errorf("failed to get discount code: %w", err)
	}
	return d, nil
}

// SetStatus enables or disables a code.
func (r *DiscountRepository) SetStatus(ctx context.Context, code string, status model.DiscountStatus) error {
	const query = `UPDATE discount_codes SET status = $2 WHERE code = $1`

	result, err := r.pool.Exec(ctx, query, code, string(status))
	if err != nil {
		return fmt.Errorf("failed to set discount status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrDiscountNotFound
	}
	return nil
}

// Redeem consumes one use of code for transactionID. Redeeming the same pair
// again returns false without touching current_uses.
func (r *DiscountRepository) Redeem(ctx context.Context, code string, transactionID int64) (bool, error) {
	var redeemed bool
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		redeemed, err = redeemTx(ctx, tx, code, transactionID)
		return err
	})
	if err != nil {
		return false, err
	}
	return redeemed, nil
}

// redeemTx records the (code, transaction) pair and, only if the pair is new,
// increments current_uses under the max_uses guard. The caller's transaction is
// rolled back by returning ErrDiscountExhausted, which also removes the pair.
func redeemTx(ctx context.Context, tx pgx.Tx, code string, transactionID int64) (bool, error) {
	const claim = `
		INSERT INTO discount_redemptions (code, transaction_id)
		VALUES ($1, $2)
		ON CONFLICT (code, transaction_id) DO NOTHING
	`
	const increment = `
		UPDATE discount_codes
		SET current_uses = current_uses + 1
		WHERE code = $1
		  AND status = 'active'
		  AND (max_uses IS NULL OR current_uses < max_uses)
	`
	const exists = `SELECT EXISTS(SELECT 1 FROM discount_codes WHERE code = $1)`

	var found bool
	if err := tx.QueryRow(ctx, exists, code).Scan(&found); err != nil {
		return false, fmt.Errorf("failed to check discount code: %w", err)
	}
	if !found {
		return false, ErrDiscountNotFound
	}

	result, err := tx.Exec(ctx, claim, code, transactionID)
	if err != nil {
		return false, fmt.Errorf("failed to record redemption: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, nil
	}

	result, err = tx.Exec(ctx, increment, code)
	if err != nil {
		return false, fmt.Errorf("failed to increment discount usage: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, ErrDiscountExhausted
	}
	return true, nil
}

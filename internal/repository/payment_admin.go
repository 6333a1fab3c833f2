package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vpn-shop-bot/internal/model"
)

// PaymentAdminRepository maps admins to the cards they verify.
type PaymentAdminRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentAdminRepository creates a new PaymentAdminRepository instance.
func NewPaymentAdminRepository(pool *pgxpool.Pool) *PaymentAdminRepository {
	return &PaymentAdminRepository{pool: pool}
}

// Upsert creates or replaces an admin's assignment.
func (r *PaymentAdminRepository) Upsert(ctx context.Context, a *model.PaymentAdminAssignment) error {
	const query = `
		INSERT INTO payment_admins (admin_id, bank_card_id, channel_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (admin_id) DO UPDATE
		SET bank_card_id = EXCLUDED.bank_card_id, channel_id = EXCLUDED.channel_id
	`

	if _, err := r.pool.Exec(ctx, query, a.AdminID, a.BankCardID, a.ChannelID); err != nil {
		return fmt.Errorf("failed to upsert payment admin: %w", err)
	}
	return nil
}

// GetByCard returns the admin assigned to a card. When several admins share a
// card the lowest admin id wins.
func (r *PaymentAdminRepository) GetByCard(ctx context.Context, cardID int64) (*model.PaymentAdminAssignment, error) {
	const query = `
		SELECT admin_id, bank_card_id, channel_id
		FROM payment_admins
		WHERE bank_card_id = $1
		ORDER BY admin_id
		LIMIT 1
	`

	var a model.PaymentAdminAssignment
	err := r.pool.QueryRow(ctx, query, cardID).Scan(&a.AdminID, &a.BankCardID, &a.ChannelID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAssignmentNotFound
		}
		return nil, fmt.Errorf("failed to get payment admin: %w", err)
	}
	return &a, nil
}

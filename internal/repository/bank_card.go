package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vpn-shop-bot/internal/model"
)

const bankCardColumns = `id, bank_name, card_number, holder, is_active, priority, last_used_at`

// BankCardRepository handles receiving bank card persistence.
type BankCardRepository struct {
	pool *pgxpool.Pool
}

// NewBankCardRepository creates a new BankCardRepository instance.
func NewBankCardRepository(pool *pgxpool.Pool) *BankCardRepository {
	return &BankCardRepository{pool: pool}
}

func scanBankCard(row rowScanner) (*model.BankCard, error) {
	var c model.BankCard
	err := row.Scan(
		&c.ID,
		&c.BankName,
		&c.CardNumber,
		&c.Holder,
		&c.IsActive,
		&c.Priority,
		&c.LastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts a bank card.
func (r *BankCardRepository) Create(ctx context.Context, c *model.BankCard) (*model.BankCard, error) {
	const query = `
		INSERT INTO bank_cards (bank_name, card_number, holder, is_active, priority)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + bankCardColumns

	created, err := scanBankCard(r.pool.QueryRow(ctx, query, c.BankName, c.CardNumber, c.Holder, c.IsActive, c.Priority))
	if err != nil {
		return nil, fmt.Errorf("failed to create bank card: %w", err)
	}
	return created, nil
}

// GetByID retrieves a bank card.
func (r *BankCardRepository) GetByID(ctx context.Context, id int64) (*model.BankCard, error) {
	const query = `SELECT ` + bankCardColumns + ` FROM bank_cards WHERE id = $1`

	c, err := scanBankCard(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBankCardNotFound
		}
		return nil, fmt.Errorf("failed to get bank card: %w", err)
	}
	return c, nil
}

// ListActive returns every active card. Ordering is left to the caller.
func (r *BankCardRepository) ListActive(ctx context.Context) ([]*model.BankCard, error) {
	const query = `SELECT ` + bankCardColumns + ` FROM bank_cards WHERE is_active ORDER BY id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list bank cards: %w", err)
	}
	defer rows.Close()

	var cards []*model.BankCard
	for rows.Next() {
		c, err := scanBankCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bank card: %w", err)
		}
		cards = append(cards, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bank cards: %w", err)
	}
	return cards, nil
}

// TouchLastUsed sets last_used_at = now only if it still equals prev.
// It reports false when another caller touched the card first.
func (r *BankCardRepository) TouchLastUsed(ctx context.Context, id int64, prev *time.Time, now time.Time) (bool, error) {
	const query = `
		UPDATE bank_cards
		SET last_used_at = $3
		WHERE id = $1 AND last_used_at IS NOT DISTINCT FROM $2
	`

	result, err := r.pool.Exec(ctx, query, id, prev, now)
	if err != nil {
		return false, fmt.Errorf("failed to touch bank card: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// SetActive enables or disables a card.
func (r *BankCardRepository) SetActive(ctx context.Context, id int64, active bool) error {
	const query = `UPDATE bank_cards SET is_active = $2 WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, active)
	if err != nil {
		return fmt.Errorf("failed to set bank card state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrBankCardNotFound
	}
	return nil
}

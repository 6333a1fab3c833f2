package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"vpn-shop-bot/internal/model"
	"vpn-shop-bot/internal/pkg/metrics"
	"vpn-shop-bot/internal/repository"
)

// DiscountService validates, applies and redeems promotional codes.
// Validate and Apply have no side effects and may be called for price previews.
type DiscountService struct {
	store DiscountStore
}

// NewDiscountService creates a new DiscountService instance.
func NewDiscountService(store DiscountStore) *DiscountService {
	return &DiscountService{store: store}
}

// NormalizeCode canonicalizes user input. Codes are stored upper-case.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate checks that code is active, not expired at at, and not used up.
func (s *DiscountService) Validate(ctx context.Context, code string, at time.Time) (*model.DiscountCode, error) {
	code = NormalizeCode(code)
	d, err := s.store.Get(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrDiscountNotFound) {
			return nil, &DiscountError{Code: code, Reason: DiscountNotFound}
		}
		return nil, fmt.Errorf("failed to load discount code: %w", err)
	}
	if reason, ok := checkDiscount(d, at); !ok {
		return nil, &DiscountError{Code: code, Reason: reason}
	}
	return d, nil
}

func checkDiscount(d *model.DiscountCode, at time.Time) (DiscountReason, bool) {
	switch {
	case d.Status != model.DiscountActive:
		return DiscountDisabled, false
	case d.ExpiresAt.Before(at):
		return DiscountExpired, false
	case d.MaxUses != nil && d.CurrentUses >= *d.MaxUses:
		return DiscountExhausted, false
	}
	return "", true
}

// ApplyDiscount returns the price after discount. It never returns a negative
// amount: percent discounts round the discount down, fixed discounts are capped
// at the amount.
func ApplyDiscount(d *model.DiscountCode, amount int64) int64 {
	if d == nil || amount <= 0 {
		return max(amount, 0)
	}

	var discount int64
	switch d.Type {
	case model.DiscountPercent:
		pct := min(max(d.Value, 0), 100)
		discount = amount * pct / 100
	case model.DiscountFixed:
		discount = max(d.Value, 0)
	}
	return max(amount-discount, 0)
}

// Redeem consumes one use of code for transactionID. Repeating the call for the
// same transaction is a no-op.
func (s *DiscountService) Redeem(ctx context.Context, code string, transactionID int64) error {
	code = NormalizeCode(code)
	redeemed, err := s.store.Redeem(ctx, code, transactionID)
	switch {
	case errors.Is(err, repository.ErrDiscountExhausted):
		metrics.DiscountRedemptions.WithLabelValues("exhausted").Inc()
		return &DiscountError{Code: code, Reason: DiscountExhausted}
	case errors.Is(err, repository.ErrDiscountNotFound):
		return &DiscountError{Code: code, Reason: DiscountNotFound}
	case err != nil:
		return fmt.Errorf("failed to redeem discount code: %w", err)
	}

	if redeemed {
		metrics.DiscountRedemptions.WithLabelValues("redeemed").Inc()
		log.Info().Str("code", code).Int64("transaction_id", transactionID).Msg("Discount code redeemed")
	} else {
		metrics.DiscountRedemptions.WithLabelValues("replay").Inc()
	}
	return nil
}

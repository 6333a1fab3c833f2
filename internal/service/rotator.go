package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"vpn-shop-bot/internal/model"
	"vpn-shop-bot/internal/pkg/cursor"
	"vpn-shop-bot/internal/pkg/metrics"
	"vpn-shop-bot/internal/repository"
)

// Rotator picks the receiving bank card shown to a manual payer and the admin
// who verifies payments to it.
type Rotator struct {
	cards    BankCardStore
	admins   PaymentAdminStore
	cursor   cursor.Store
	adminIDs []int64
	now      Clock
}

// NewRotator creates a Rotator. adminIDs are addressed when a card has no
// assigned admin.
func NewRotator(cards BankCardStore, admins PaymentAdminStore, cur cursor.Store, adminIDs []int64, now Clock) *Rotator {
	if now == nil {
		now = time.Now
	}
	if cur == nil {
		cur = cursor.NewMemoryStore()
	}
	return &Rotator{cards: cards, admins: admins, cursor: cur, adminIDs: adminIDs, now: now}
}

// PickCard applies the rotation policy to a set of active cards: with more than
// one card the last used one is excluded, then the highest priority wins, ties
// going to the least recently used card (never-used first) and then the lowest id.
func PickCard(cards []*model.BankCard, lastUsedID *int64) *model.BankCard {
	if len(cards) == 0 {
		return nil
	}
	if len(cards) == 1 {
		return cards[0]
	}

	candidates := make([]*model.BankCard, 0, len(cards))
	for _, c := range cards {
		if lastUsedID != nil && c.ID == *lastUsedID {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		candidates = cards
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		switch {
		case a.LastUsedAt == nil && b.LastUsedAt != nil:
			return true
		case a.LastUsedAt != nil && b.LastUsedAt == nil:
			return false
		case a.LastUsedAt != nil && b.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
			return a.LastUsedAt.Before(*b.LastUsedAt)
		}
		return a.ID < b.ID
	})
	return candidates[0]
}

// SelectCard picks a card and stamps its last_used_at with a conditional write.
// A lost race re-reads the pool and retries once; after a second loss the
// freshly picked card is returned unstamped, since fairness rather than
// exclusivity is the goal.
func (r *Rotator) SelectCard(ctx context.Context, lastUsedID *int64) (*model.BankCard, error) {
	var picked *model.BankCard
	for attempt := 0; attempt < 2; attempt++ {
		cards, err := r.cards.ListActive(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list bank cards: %w", err)
		}
		picked = PickCard(cards, lastUsedID)
		if picked == nil {
			metrics.CardSelections.WithLabelValues("none").Inc()
			return nil, ErrNoActiveBankCard
		}

		now := r.now().UTC().Truncate(time.Microsecond)
		ok, err := r.cards.TouchLastUsed(ctx, picked.ID, picked.LastUsedAt, now)
		if err != nil {
			return nil, fmt.Errorf("failed to stamp bank card: %w", err)
		}
		if ok {
			picked.LastUsedAt = &now
			metrics.CardSelections.WithLabelValues("selected").Inc()
			return picked, nil
		}
		log.Debug().Int64("card_id", picked.ID).Int("attempt", attempt).Msg("Lost bank card race, re-reading")
	}

	metrics.CardSelections.WithLabelValues("contended").Inc()
	return picked, nil
}

// Next selects a card using the shared cursor as lastUsedID and advances the
// cursor. Cursor failures degrade to selection without exclusion.
func (r *Rotator) Next(ctx context.Context) (*model.BankCard, error) {
	var lastUsed *int64
	if id, ok, err := r.cursor.Last(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to read bank card cursor")
	} else if ok {
		lastUsed = &id
	}

	card, err := r.SelectCard(ctx, lastUsed)
	if err != nil {
		return nil, err
	}

	if err := r.cursor.SetLast(ctx, card.ID); err != nil {
		log.Warn().Err(err).Int64("card_id", card.ID).Msg("Failed to advance bank card cursor")
	}
	return card, nil
}

// RouteAdmin returns who verifies payments to cardID. A card without an
// assignment falls back to broadcasting to every configured admin.
func (r *Rotator) RouteAdmin(ctx context.Context, cardID int64) (AdminRoute, error) {
	a, err := r.admins.GetByCard(ctx, cardID)
	if err != nil {
		if errors.Is(err, repository.ErrAssignmentNotFound) {
			return AdminRoute{AdminIDs: r.adminIDs, Broadcast: true}, nil
		}
		return AdminRoute{}, fmt.Errorf("failed to route admin: %w", err)
	}
	return AdminRoute{AdminIDs: []int64{a.AdminID}, ChannelID: a.ChannelID}, nil
}

// Card returns a card by id.
func (r *Rotator) Card(ctx context.Context, id int64) (*model.BankCard, error) {
	return r.cards.GetByID(ctx, id)
}

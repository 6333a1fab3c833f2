package service

import (
	"context"

	"github.com/rs/zerolog/log"

	"vpn-shop-bot/internal/model"
	"vpn-shop-bot/internal/pkg/events"
)

// AdminRoute says who should verify a manual payment. Broadcast is set when no
// admin is assigned to the card and every configured admin is addressed.
type AdminRoute struct {
	AdminIDs  []int64
	ChannelID *int64
	Broadcast bool
}

// Notifier delivers user- and admin-facing messages. The chat front-end
// implements it; the services only decide when to call it.
type Notifier interface {
	RequestVerification(ctx context.Context, route AdminRoute, tx *model.Transaction, card *model.BankCard) error
	TransactionClosed(ctx context.Context, tx *model.Transaction) error
	AccountReady(ctx context.Context, acc *model.RemoteAccount) error
	ProvisioningFailed(ctx context.Context, tx *model.Transaction, reason string) error
}

// NopNotifier drops every message.
type NopNotifier struct{}

func (NopNotifier) RequestVerification(context.Context, AdminRoute, *model.Transaction, *model.BankCard) error {
	return nil
}
func (NopNotifier) TransactionClosed(context.Context, *model.Transaction) error        { return nil }
func (NopNotifier) AccountReady(context.Context, *model.RemoteAccount) error           { return nil }
func (NopNotifier) ProvisioningFailed(context.Context, *model.Transaction, string) error { return nil }

// Enqueuer hands a completed purchase to the provisioning workers.
type Enqueuer interface {
	Enqueue(transactionID int64)
}

// ReceiptVerifier checks a manual payment receipt. Returning PendingAdminReview
// routes the payment to an admin; AutoVerified completes it immediately.
type ReceiptVerifier interface {
	Verify(ctx context.Context, tx *model.Transaction) (model.VerificationOutcome, error)
}

// ManualReview sends every receipt to an admin.
type ManualReview struct{}

func (ManualReview) Verify(context.Context, *model.Transaction) (model.VerificationOutcome, error) {
	return model.PendingAdminReview, nil
}

// emit publishes e, logging instead of failing. Events never gate a transition.
func emit(ctx context.Context, pub events.Publisher, e events.Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, e); err != nil {
		log.Warn().Err(err).Str("event", string(e.Type)).Msg("Failed to publish event")
	}
}

func logNotifyErr(err error, what string) {
	if err != nil {
		log.Warn().Err(err).Str("message", what).Msg("Failed to send notification")
	}
}

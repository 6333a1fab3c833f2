package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"vpn-shop-bot/internal/model"
	"vpn-shop-bot/internal/service"
	"vpn-shop-bot/internal/shop"
)

// sender is the part of *tele.Bot the notifier needs.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Notifier delivers service notifications as Telegram messages.
type Notifier struct {
	sender   sender
	adminIDs []int64
}

// NewNotifier creates a Notifier. adminIDs are told about provisioning
// failures.
func NewNotifier(s sender, adminIDs []int64) *Notifier {
	return &Notifier{sender: s, adminIDs: adminIDs}
}

var _ service.Notifier = (*Notifier)(nil)

// RequestVerification sends the receipt with review buttons to the routed
// channel, or to each routed admin.
func (n *Notifier) RequestVerification(_ context.Context, route service.AdminRoute, tx *model.Transaction, card *model.BankCard) error {
	text := shop.FormatVerificationRequest(tx, card)
	if route.Broadcast {
		text = "📢 Unassigned card\n" + text
	}

	if route.ChannelID != nil {
		_, err := n.sender.Send(tele.ChatID(*route.ChannelID), text, shop.BuildReviewPanel(tx.ID))
		return err
	}
	return n.each(route.AdminIDs, text, shop.BuildReviewPanel(tx.ID))
}

// TransactionClosed tells the payer how their payment ended.
func (n *Notifier) TransactionClosed(_ context.Context, tx *model.Transaction) error {
	_, err := n.sender.Send(tele.ChatID(tx.UserID), shop.FormatClosed(tx))
	return err
}

// AccountReady sends the connection details of a new account.
func (n *Notifier) AccountReady(_ context.Context, acc *model.RemoteAccount) error {
	msg := "🎉 Your VPN account is ready\n\n" + shop.FormatAccount(acc, time.Now())
	_, err := n.sender.Send(tele.ChatID(acc.UserID), msg, tele.NoPreview)
	return err
}

// ProvisioningFailed tells the payer and every admin.
func (n *Notifier) ProvisioningFailed(_ context.Context, tx *model.Transaction, reason string) error {
	userMsg := fmt.Sprintf("⚠️ Payment #%d was received but your account could not be created yet. An admin has been notified.", tx.ID)
	_, userErr := n.sender.Send(tele.ChatID(tx.UserID), userMsg)

	adminMsg := fmt.Sprintf("🚨 Provisioning failed\nPayment #%d, user %d\nReason: %s\nRetry with /provision %d",
		tx.ID, tx.UserID, reason, tx.ID)
	return errors.Join(userErr, n.each(n.adminIDs, adminMsg))
}

// each sends to every chat, continuing past failures.
func (n *Notifier) each(chatIDs []int64, what interface{}, opts ...interface{}) error {
	var errs []error
	for _, id := range chatIDs {
		if _, err := n.sender.Send(tele.ChatID(id), what, opts...); err != nil {
			log.Warn().Err(err).Int64("chat_id", id).Msg("Failed to notify admin")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

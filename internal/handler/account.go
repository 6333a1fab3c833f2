package handler

import (
	"context"
	"fmt"
	"time"

	tele "gopkg.in/telebot.v3"

	"vpn-shop-bot/internal/service"
	"vpn-shop-bot/internal/shop"
)

// AccountHandler handles wallet and account commands.
type AccountHandler struct {
	accountService *service.AccountService
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(accountService *service.AccountService) *AccountHandler {
	return &AccountHandler{accountService: accountService}
}

// HandleStart handles the /start command. The actor middleware has already
// registered the user.
func (h *AccountHandler) HandleStart(c tele.Context) error {
	ctx := context.Background()
	actor, ok := ActorFrom(c)
	if !ok {
		return nil
	}

	balance, err := h.accountService.GetBalance(ctx, actor.UserID)
	if err != nil {
		return replyErr(c, err)
	}

	msg := fmt.Sprintf("👋 Welcome, %s!\n\n", DisplayName(c.Sender()))
	msg += fmt.Sprintf("💰 Wallet: %s\n\n", shop.FormatMoney(balance))
	msg += "Commands:\n" +
		"/plans - plans on sale\n" +
		"/price <plan> [code] - price preview\n" +
		"/buy <plan> [code] - pay from wallet\n" +
		"/buycard <plan> [code] - pay by card transfer\n" +
		"/deposit <amount> - top up the wallet\n" +
		"/paid <payment> <receipt> - send a receipt\n" +
		"/cancel <payment> - cancel a payment\n" +
		"/accounts - your VPN accounts\n" +
		"/balance - wallet and recent payments"
	if actor.IsAdmin {
		msg += "\n\nAdmin:\n" +
			"/approve <payment>, /reject <payment> [reason]\n" +
			"/provision <payment>, /migrate <account> <server>\n" +
			"/audit, /cleanup [task]\n" +
			"/ban <user>, /unban <user>"
	}
	return c.Send(msg)
}

// HandleBalance handles the /balance command.
func (h *AccountHandler) HandleBalance(c tele.Context) error {
	ctx := context.Background()
	actor, ok := ActorFrom(c)
	if !ok {
		return nil
	}

	balance, err := h.accountService.GetBalance(ctx, actor.UserID)
	if err != nil {
		return replyErr(c, err)
	}
	txs, err := h.accountService.ListTransactions(ctx, actor.UserID, 5)
	if err != nil {
		return replyErr(c, err)
	}

	msg := fmt.Sprintf("💰 Wallet: %s", shop.FormatMoney(balance))
	if len(txs) > 0 {
		msg += "\n━━━━━━━━━━━━━━━\nRecent payments:\n"
		for _, tx := range txs {
			msg += shop.FormatTransaction(tx) + "\n"
		}
	}
	return c.Reply(msg)
}

// HandleAccounts handles the /accounts command.
func (h *AccountHandler) HandleAccounts(c tele.Context) error {
	ctx := context.Background()
	actor, ok := ActorFrom(c)
	if !ok {
		return nil
	}

	accs, err := h.accountService.ListAccounts(ctx, actor.UserID)
	if err != nil {
		return replyErr(c, err)
	}
	return c.Reply(shop.FormatAccountList(accs, time.Now()), tele.NoPreview)
}

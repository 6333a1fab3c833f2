package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"vpn-shop-bot/internal/model"
	"vpn-shop-bot/internal/service"
	"vpn-shop-bot/internal/shop"
)

// PaymentHandler handles plan browsing and the payment flows.
type PaymentHandler struct {
	paymentService *service.PaymentService
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(paymentService *service.PaymentService) *PaymentHandler {
	return &PaymentHandler{paymentService: paymentService}
}

// HandlePlans handles the /plans command.
func (h *PaymentHandler) HandlePlans(c tele.Context) error {
	plans, err := h.paymentService.Plans(context.Background())
	if err != nil {
		return replyErr(c, err)
	}
	if len(plans) == 0 {
		return c.Send(shop.FormatPlanList(plans))
	}
	return c.Send(shop.FormatPlanList(plans), shop.BuildPlansPanel(plans))
}

// HandlePrice handles the /price command.
// Format: /price <plan_id> [code]
func (h *PaymentHandler) HandlePrice(c tele.Context) error {
	args := c.Args()
	planID, err := parseID(args, 0)
	if err != nil {
		return c.Reply("Usage: /price <plan> [code]")
	}

	q, err := h.paymentService.Quote(context.Background(), planID, optional(args, 1))
	if err != nil {
		return replyErr(c, err)
	}
	return c.Reply(shop.FormatQuote(q))
}

// HandleBuy handles the /buy command (wallet purchase).
// Format: /buy <plan_id> [code]
func (h *PaymentHandler) HandleBuy(c tele.Context) error {
	actor, ok := ActorFrom(c)
	if !ok {
		return nil
	}
	args := c.Args()
	planID, err := parseID(args, 0)
	if err != nil {
		return c.Reply("Usage: /buy <plan> [code]")
	}
	return h.buyWithWallet(c, actor, service.PurchaseRequest{PlanID: planID, DiscountCode: optional(args, 1)})
}

func (h *PaymentHandler) buyWithWallet(c tele.Context, actor service.Actor, req service.PurchaseRequest) error {
	tx, err := h.paymentService.BuyWithWallet(context.Background(), actor, req)
	if err != nil {
		return replyErr(c, err)
	}
	return c.Send(fmt.Sprintf("✅ Payment #%d of %s taken from your wallet. Your account is being prepared.", tx.ID, shop.FormatMoney(tx.FinalAmount)))
}

// HandleBuyCard handles the /buycard command.
// Format: /buycard <plan_id> [code]
func (h *PaymentHandler) HandleBuyCard(c tele.Context) error {
	actor, ok := ActorFrom(c)
	if !ok {
		return nil
	}
	args := c.Args()
	planID, err := parseID(args, 0)
	if err != nil {
		return c.Reply("Usage: /buycard <plan> [code]")
	}
	return h.buyWithCard(c, actor, service.PurchaseRequest{PlanID: planID, DiscountCode: optional(args, 1)})
}

func (h *PaymentHandler) buyWithCard(c tele.Context, actor service.Actor, req service.PurchaseRequest) error {
	tx, card, err := h.paymentService.StartCardPurchase(context.Background(), actor, req)
	if err != nil {
		return replyErr(c, err)
	}
	return c.Send(shop.FormatCardPayment(tx, card))
}

// HandleDeposit handles the /deposit command.
// Format: /deposit <amount>
func (h *PaymentHandler) HandleDeposit(c tele.Context) error {
	actor, ok := ActorFrom(c)
	if !ok {
		return nil
	}
	amount, err := parseAmount(c.Args(), 0)
	if err != nil {
		return c.Reply("Usage: /deposit <amount>")
	}

	tx, card, err := h.paymentService.StartCardDeposit(context.Background(), actor, amount)
	if err != nil {
		return replyErr(c, err)
	}
	return c.Send(shop.FormatCardPayment(tx, card))
}

// HandlePaid handles the /paid command. The receipt is the text after the id,
// or the photo the command replies to.
// Format: /paid <tx_id> <receipt>
func (h *PaymentHandler) HandlePaid(c tele.Context) error {
	actor, ok := ActorFrom(c)
	if !ok {
		return nil
	}
	args := c.Args()
	txID, err := parseID(args, 0)
	if err != nil {
		return c.Reply("Usage: /paid <payment> <tracking number>, or reply to the receipt photo")
	}

	receipt := receiptRef(c.Message(), args[1:])
	if receipt == "" {
		return c.Reply("❌ Add the tracking number, or reply to the receipt photo with /paid")
	}

	_, outcome, err := h.paymentService.SubmitReceipt(context.Background(), actor, txID, receipt)
	if err != nil {
		return replyErr(c, err)
	}
	switch outcome {
	case model.AutoVerified:
		return c.Reply(fmt.Sprintf("✅ Payment #%d verified", txID))
	default:
		return c.Reply(fmt.Sprintf("⏳ Receipt for payment #%d sent for review", txID))
	}
}

// receiptRef prefers typed text, then the replied-to photo or document.
func receiptRef(msg *tele.Message, rest []string) string {
	if text := strings.TrimSpace(strings.Join(rest, " ")); text != "" {
		return text
	}
	if msg == nil || msg.ReplyTo == nil {
		return ""
	}
	switch {
	case msg.ReplyTo.Photo != nil:
		return "photo:" + msg.ReplyTo.Photo.FileID
	case msg.ReplyTo.Document != nil:
		return "document:" + msg.ReplyTo.Document.FileID
	}
	return ""
}

// HandleCancel handles the /cancel command.
// Format: /cancel <tx_id>
func (h *PaymentHandler) HandleCancel(c tele.Context) error {
	actor, ok := ActorFrom(c)
	if !ok {
		return nil
	}
	txID, err := parseID(c.Args(), 0)
	if err != nil {
		return c.Reply("Usage: /cancel <payment>")
	}

	if _, err := h.paymentService.Cancel(context.Background(), actor, txID); err != nil {
		return replyErr(c, err)
	}
	return c.Reply(fmt.Sprintf("🚫 Payment #%d cancelled", txID))
}

// HandleShopCallback handles plan and payment-method buttons.
func (h *PaymentHandler) HandleShopCallback(c tele.Context) error {
	callback := c.Callback()
	actor, ok := ActorFrom(c)
	if callback == nil || !ok {
		return nil
	}

	prefix, id, valid := shop.ParseCallback(callback.Data)
	if prefix == shop.CallbackRefresh {
		plans, err := h.paymentService.Plans(context.Background())
		if err != nil {
			return c.Respond(&tele.CallbackResponse{Text: "❌ Failed to load plans"})
		}
		_ = c.Respond()
		return c.Edit(shop.FormatPlanList(plans), shop.BuildPlansPanel(plans))
	}
	if !valid {
		return c.Respond(&tele.CallbackResponse{Text: "❌ Invalid button"})
	}

	_ = c.Respond()
	switch prefix {
	case shop.CallbackPlan:
		q, err := h.paymentService.Quote(context.Background(), id, "")
		if err != nil {
			return c.Send(userMessage(err))
		}
		return c.Edit(shop.FormatQuote(q), shop.BuildMethodPanel(id))
	case shop.CallbackWallet:
		return h.buyWithWallet(c, actor, service.PurchaseRequest{PlanID: id})
	case shop.CallbackCard:
		return h.buyWithCard(c, actor, service.PurchaseRequest{PlanID: id})
	}

	log.Debug().Str("data", callback.Data).Msg("Unknown shop callback")
	return nil
}

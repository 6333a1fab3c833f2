package shop

import (
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v3"

	"vpn-shop-bot/internal/model"
)

// Callback data prefixes
const (
	CallbackPlan    = "plan:"    // plan:<plan_id>
	CallbackWallet  = "wallet:"  // wallet:<plan_id>
	CallbackCard    = "card:"    // card:<plan_id>
	CallbackApprove = "approve:" // approve:<tx_id>
	CallbackReject  = "reject:"  // reject:<tx_id>
	CallbackRefresh = "plans_refresh"
)

// BuildPlansPanel creates one button per plan, two per row.
func BuildPlansPanel(plans []*model.Plan) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}

	var rows []tele.Row
	var currentRow []tele.Btn
	for i, p := range plans {
		btn := markup.Data(
			fmt.Sprintf("%s (%s)", p.Name, FormatMoney(p.Price)),
			CallbackPlan+strconv.FormatInt(p.ID, 10),
		)
		currentRow = append(currentRow, btn)

		if len(currentRow) == 2 || i == len(plans)-1 {
			rows = append(rows, markup.Row(currentRow...))
			currentRow = nil
		}
	}

	refreshBtn := markup.Data("🔄 Refresh", CallbackRefresh)
	rows = append(rows, markup.Row(refreshBtn))

	markup.Inline(rows...)
	return markup
}

// BuildMethodPanel asks how to pay for a plan.
func BuildMethodPanel(planID int64) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	id := strconv.FormatInt(planID, 10)

	walletBtn := markup.Data("👛 Wallet", CallbackWallet+id)
	cardBtn := markup.Data("💳 Card transfer", CallbackCard+id)

	markup.Inline(
		markup.Row(walletBtn, cardBtn),
	)
	return markup
}

// BuildReviewPanel gives admins approve/reject buttons for a payment.
func BuildReviewPanel(txID int64) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	id := strconv.FormatInt(txID, 10)

	approveBtn := markup.Data("✅ Approve", CallbackApprove+id)
	rejectBtn := markup.Data("❌ Reject", CallbackReject+id)

	markup.Inline(
		markup.Row(approveBtn, rejectBtn),
	)
	return markup
}

// ParseCallback splits "prefix:id" callback data. Telebot may prepend "\f"
// to data from unique buttons.
func ParseCallback(data string) (prefix string, id int64, ok bool) {
	data = strings.TrimPrefix(data, "\f")
	i := strings.IndexByte(data, ':')
	if i < 0 {
		return data, 0, false
	}
	id, err := strconv.ParseInt(data[i+1:], 10, 64)
	if err != nil || id <= 0 {
		return data[:i+1], 0, false
	}
	return data[:i+1], id, true
}

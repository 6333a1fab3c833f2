// Package shop renders plans, prices and payment details for the chat front-end.
package shop

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"vpn-shop-bot/internal/model"
	"vpn-shop-bot/internal/service"
)

const separator = "━━━━━━━━━━━━━━━\n"

// FormatMoney groups digits in threes: 1250000 -> "1,250,000".
func FormatMoney(amount int64) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}
	s := strconv.FormatInt(amount, 10)
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	head := len(s) % 3
	if head == 0 {
		head = 3
	}
	b.WriteString(s[:head])
	for i := head; i < len(s); i += 3 {
		b.WriteByte(',')
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatBytes renders a traffic limit. Zero is unlimited.
func FormatBytes(n int64) string {
	const gb = 1 << 30
	if n <= 0 {
		return "unlimited"
	}
	if n%gb == 0 {
		return fmt.Sprintf("%d GB", n/gb)
	}
	return fmt.Sprintf("%.1f GB", float64(n)/gb)
}

// FormatCardNumber splits a card number into groups of four.
func FormatCardNumber(number string) string {
	digits := strings.ReplaceAll(number, " ", "")
	var groups []string
	for len(digits) > 4 {
		groups = append(groups, digits[:4])
		digits = digits[4:]
	}
	groups = append(groups, digits)
	return strings.Join(groups, " ")
}

// FormatPlanList lists purchasable plans.
func FormatPlanList(plans []*model.Plan) string {
	if len(plans) == 0 {
		return "📦 No plans are on sale right now"
	}
	msg := "📦 Plans\n" + separator
	for _, p := range plans {
		msg += fmt.Sprintf("#%d %s: %d days, %d GB, %s\n", p.ID, p.Name, p.DurationDays, p.TrafficGB, FormatMoney(p.Price))
	}
	msg += separator
	msg += "Price with a code: /price <plan> <code>"
	return msg
}

// FormatQuote shows a price preview.
func FormatQuote(q *service.Quote) string {
	msg := fmt.Sprintf("🏷 %s\n", q.Plan.Name) + separator
	msg += fmt.Sprintf("⏱ %d days, %d GB\n", q.Plan.DurationDays, q.Plan.TrafficGB)
	if q.Discount != nil {
		msg += fmt.Sprintf("💵 Price: %s\n", FormatMoney(q.Amount))
		msg += fmt.Sprintf("🎟 Code %s: -%s\n", q.Discount.Code, FormatMoney(q.Amount-q.FinalAmount))
	}
	msg += fmt.Sprintf("💰 To pay: %s", FormatMoney(q.FinalAmount))
	return msg
}

// FormatCardPayment tells the user where to transfer a manual payment.
func FormatCardPayment(tx *model.Transaction, card *model.BankCard) string {
	msg := fmt.Sprintf("🧾 Payment #%d\n", tx.ID) + separator
	msg += fmt.Sprintf("💰 Amount: %s\n", FormatMoney(tx.FinalAmount))
	msg += fmt.Sprintf("🏦 %s\n", card.BankName)
	msg += fmt.Sprintf("💳 %s\n", FormatCardNumber(card.CardNumber))
	msg += fmt.Sprintf("👤 %s\n", card.Holder)
	msg += separator
	msg += fmt.Sprintf("After the transfer send /paid %d <tracking number>, or reply to your receipt photo with /paid %d", tx.ID, tx.ID)
	return msg
}

// FormatVerificationRequest is the admin-facing review message.
func FormatVerificationRequest(tx *model.Transaction, card *model.BankCard) string {
	msg := fmt.Sprintf("🔔 Payment #%d awaiting verification\n", tx.ID) + separator
	msg += fmt.Sprintf("👤 User: %d\n", tx.UserID)
	msg += fmt.Sprintf("📄 Kind: %s\n", tx.Kind)
	msg += fmt.Sprintf("💰 Amount: %s\n", FormatMoney(tx.FinalAmount))
	if card != nil {
		msg += fmt.Sprintf("💳 Card: %s (%s)\n", FormatCardNumber(card.CardNumber), card.BankName)
	}
	if tx.ReceiptRef != nil {
		msg += fmt.Sprintf("🧾 Receipt: %s\n", *tx.ReceiptRef)
	}
	msg += separator
	return msg
}

// FormatTransaction is a one-line summary.
func FormatTransaction(tx *model.Transaction) string {
	return fmt.Sprintf("#%d %s %s %s [%s]", tx.ID, tx.Kind, tx.Method, FormatMoney(tx.FinalAmount), tx.Status)
}

// FormatClosed tells the user how a payment ended.
func FormatClosed(tx *model.Transaction) string {
	switch tx.Status {
	case model.StatusCompleted:
		if tx.Kind == model.KindDeposit {
			return fmt.Sprintf("✅ Payment #%d confirmed, %s added to your wallet", tx.ID, FormatMoney(tx.Amount))
		}
		return fmt.Sprintf("✅ Payment #%d confirmed, your account is being prepared", tx.ID)
	case model.StatusRejected:
		msg := fmt.Sprintf("❌ Payment #%d was rejected", tx.ID)
		if tx.Reason != nil {
			msg += ": " + *tx.Reason
		}
		return msg
	case model.StatusCancelled:
		return fmt.Sprintf("🚫 Payment #%d was cancelled", tx.ID)
	}
	return FormatTransaction(tx)
}

// FormatAccount shows one remote account.
func FormatAccount(acc *model.RemoteAccount, now time.Time) string {
	msg := fmt.Sprintf("🔐 Account #%d [%s]\n", acc.ID, acc.Status)
	msg += fmt.Sprintf("📶 Traffic: %s\n", FormatBytes(acc.TrafficLimitBytes))
	left := acc.ExpiresAt.Sub(now)
	if left > 0 {
		msg += fmt.Sprintf("⏱ Expires %s (%d days left)\n", acc.ExpiresAt.Format("2006-01-02"), int(left.Hours()/24))
	} else {
		msg += fmt.Sprintf("⏱ Expired %s\n", acc.ExpiresAt.Format("2006-01-02"))
	}
	if acc.Status == model.AccountActive && acc.ConnectionLink != "" {
		msg += acc.ConnectionLink + "\n"
	}
	return msg
}

// FormatAccountList shows every account a user owns.
func FormatAccountList(accs []*model.RemoteAccount, now time.Time) string {
	if len(accs) == 0 {
		return "🔐 You have no accounts yet. See /plans"
	}
	msg := "🔐 Your accounts\n" + separator
	for _, acc := range accs {
		msg += FormatAccount(acc, now) + separator
	}
	return strings.TrimSuffix(msg, "\n")
}

// FormatAuditReport summarizes an audit run for operators.
func FormatAuditReport(r *service.AuditReport) string {
	msg := fmt.Sprintf("🔎 Audit of %d servers in %s\n", r.Servers, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond)) + separator
	for _, kind := range []model.DriftKind{model.DriftMissingRemote, model.DriftOrphanedRemote, model.DriftStaleOrigin, model.DriftUnprovisioned} {
		msg += fmt.Sprintf("%s: %d\n", kind, r.Count(kind))
	}
	msg += fmt.Sprintf("cleanup queue: %d\n", len(r.Cleanup))
	for _, e := range r.Errors {
		msg += "⚠️ " + e + "\n"
	}
	return strings.TrimSuffix(msg, "\n")
}

// FormatCleanupQueue lists stale clients waiting for confirmation.
func FormatCleanupQueue(tasks []*model.CleanupTask) string {
	if len(tasks) == 0 {
		return "🧹 Cleanup queue is empty"
	}
	msg := "🧹 Cleanup queue\n" + separator
	for _, t := range tasks {
		msg += fmt.Sprintf("#%d server %d: %s (%s)\n", t.ID, t.ServerID, t.RemoteIdentifier, t.Reason)
	}
	msg += separator
	msg += "Confirm with /cleanup <id>"
	return msg
}

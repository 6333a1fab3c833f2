package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"vpn-shop-bot/internal/service"
	"vpn-shop-bot/internal/shop"
)

// AdminHandler handles admin-related commands. Every route is behind the
// admin middleware; services still check the actor where it matters.
type AdminHandler struct {
	accountService *service.AccountService
	paymentService *service.PaymentService
	provisioner    *service.Provisioner
	migrator       *service.Migrator
	auditor        *service.Auditor
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(
	accountService *service.AccountService,
	paymentService *service.PaymentService,
	provisioner *service.Provisioner,
	migrator *service.Migrator,
	auditor *service.Auditor,
) *AdminHandler {
	return &AdminHandler{
		accountService: accountService,
		paymentService: paymentService,
		provisioner:    provisioner,
		migrator:       migrator,
		auditor:        auditor,
	}
}

func logAdminOp(actor service.Actor, operation string) *zerolog.Event {
	return log.Info().
		Int64("admin_id", actor.UserID).
		Str("operation", operation)
}

// HandleApprove handles the /approve command.
// Format: /approve <tx_id>
func (h *AdminHandler) HandleApprove(c tele.Context) error {
	actor, ok := ActorFrom(c)
	if !ok {
		return nil
	}
	txID, err := parseID(c.Args(), 0)
	if err != nil {
		return c.Reply("Usage: /approve <payment>")
	}

	tx, err := h.paymentService.Approve(context.Background(), actor, txID)
	if err != nil {
		return replyErr(c, err)
	}
	logAdminOp(actor, "approve").Int64("transaction_id", txID).Msg("Admin operation executed")
	return c.Reply(shop.FormatTransaction(tx))
}

// HandleReject handles the /reject command.
// Format: /reject <tx_id> [reason]
func (h *AdminHandler) HandleReject(c tele.Context) error {
	actor, ok := ActorFrom(c)
	if !ok {
		return nil
	}
	args := c.Args()
	txID, err := parseID(args, 0)
	if err != nil {
		return c.Reply("Usage: /reject <payment> [reason]")
	}
	reason := strings.TrimSpace(strings.Join(args[1:], " "))

	tx, err := h.paymentService.Reject(context.Background(), actor, txID, reason)
	if err != nil {
		return replyErr(c, err)
	}
	logAdminOp(actor, "reject").Int64("transaction_id", txID).Str("reason", reason).Msg("Admin operation executed")
	return c.Reply(shop.FormatTransaction(tx))
}

// HandleReviewCallback handles the approve/reject buttons on a verification
// request and stamps the outcome on the request message.
func (h *AdminHandler) HandleReviewCallback(c tele.Context) error {
	callback := c.Callback()
	actor, ok := ActorFrom(c)
	if callback == nil || !ok {
		return nil
	}
	prefix, txID, valid := shop.ParseCallback(callback.Data)
	if !valid {
		return c.Respond(&tele.CallbackResponse{Text: "❌ Invalid button"})
	}

	ctx := context.Background()
	var (
		err     error
		verdict string
	)
	switch prefix {
	case shop.CallbackApprove:
		_, err = h.paymentService.Approve(ctx, actor, txID)
		verdict = "✅ Approved"
	case shop.CallbackReject:
		_, err = h.paymentService.Reject(ctx, actor, txID, "")
		verdict = "❌ Rejected"
	default:
		return c.Respond()
	}
	if err != nil {
		return c.Respond(&tele.CallbackResponse{Text: userMessage(err), ShowAlert: true})
	}

	logAdminOp(actor, strings.TrimSuffix(prefix, ":")).Int64("transaction_id", txID).Msg("Admin operation executed")
	_ = c.Respond(&tele.CallbackResponse{Text: verdict})

	text := verdict
	if msg := callback.Message; msg != nil {
		body := msg.Text
		if body == "" {
			body = msg.Caption
		}
		text = fmt.Sprintf("%s\n\n%s by %s", body, verdict, DisplayName(c.Sender()))
	}
	return c.Edit(text)
}

// HandleProvision handles the /provision command. It re-runs provisioning
// for a completed purchase.
// Format: /provision <tx_id>
func (h *AdminHandler) HandleProvision(c tele.Context) error {
	actor, ok := ActorFrom(c)
	if !ok {
		return nil
	}
	txID, err := parseID(c.Args(), 0)
	if err != nil {
		return c.Reply("Usage: /provision <payment>")
	}

	acc, err := h.provisioner.Provision(context.Background(), txID)
	if err != nil {
		return replyErr(c, err)
	}
	logAdminOp(actor, "provision").Int64("transaction_id", txID).Int64("account_id", acc.ID).Msg("Admin operation executed")
	return c.Reply(shop.FormatAccount(acc, time.Now()), tele.NoPreview)
}

// HandleMigrate handles the /migrate command.
// Format: /migrate <account_id> <server_id>
func (h *AdminHandler) HandleMigrate(c tele.Context) error {
	actor, ok := ActorFrom(c)
	if !ok {
		return nil
	}
	args := c.Args()
	accountID, err := parseID(args, 0)
	if err != nil {
		return c.Reply("Usage: /migrate <account> <server>")
	}
	serverID, err := parseID(args, 1)
	if err != nil {
		return c.Reply("Usage: /migrate <account> <server>")
	}

	acc, err := h.migrator.Migrate(context.Background(), accountID, serverID)
	if err != nil {
		return replyErr(c, err)
	}
	logAdminOp(actor, "migrate").
		Int64("account_id", accountID).
		Int64("server_id", serverID).
		Msg("Admin operation executed")
	return c.Reply("✅ Migrated\n\n"+shop.FormatAccount(acc, time.Now()), tele.NoPreview)
}

// HandleAudit handles the /audit command.
func (h *AdminHandler) HandleAudit(c tele.Context) error {
	actor, ok := ActorFrom(c)
	if !ok {
		return nil
	}

	report, err := h.auditor.Run(context.Background())
	if err != nil {
		return replyErr(c, err)
	}
	logAdminOp(actor, "audit").Int("findings", len(report.Findings)).Msg("Admin operation executed")
	return c.Reply(shop.FormatAuditReport(report))
}

// HandleCleanup handles the /cleanup command. Without an argument it lists
// the queue; with a task id it deletes that stale client.
// Format: /cleanup [task_id]
func (h *AdminHandler) HandleCleanup(c tele.Context) error {
	actor, ok := ActorFrom(c)
	if !ok {
		return nil
	}
	ctx := context.Background()
	args := c.Args()

	if len(args) == 0 {
		tasks, err := h.auditor.CleanupQueue(ctx)
		if err != nil {
			return replyErr(c, err)
		}
		return c.Reply(shop.FormatCleanupQueue(tasks))
	}

	taskID, err := parseID(args, 0)
	if err != nil {
		return c.Reply("Usage: /cleanup [task]")
	}
	if err := h.auditor.ConfirmCleanup(ctx, taskID); err != nil {
		return replyErr(c, err)
	}
	logAdminOp(actor, "cleanup").Int64("task_id", taskID).Msg("Admin operation executed")
	return c.Reply(fmt.Sprintf("🧹 Cleanup task #%d done", taskID))
}

// HandleBan handles the /ban command.
// Format: /ban <user_id>
func (h *AdminHandler) HandleBan(c tele.Context) error {
	return h.setBanned(c, true)
}

// HandleUnban handles the /unban command.
// Format: /unban <user_id>
func (h *AdminHandler) HandleUnban(c tele.Context) error {
	return h.setBanned(c, false)
}

func (h *AdminHandler) setBanned(c tele.Context, banned bool) error {
	actor, ok := ActorFrom(c)
	if !ok {
		return nil
	}
	targetID, err := parseID(c.Args(), 0)
	if err != nil {
		if banned {
			return c.Reply("Usage: /ban <user>")
		}
		return c.Reply("Usage: /unban <user>")
	}
	if banned && targetID == actor.UserID {
		return c.Reply("❌ You cannot ban yourself")
	}

	if err := h.accountService.SetBanned(context.Background(), targetID, banned); err != nil {
		return replyErr(c, err)
	}

	op, verb := "ban", "banned"
	if !banned {
		op, verb = "unban", "unbanned"
	}
	logAdminOp(actor, op).Int64("target_id", targetID).Msg("Admin operation executed")
	return c.Reply(fmt.Sprintf("✅ User %d %s", targetID, verb))
}

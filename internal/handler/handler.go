// Package handler provides Telegram bot command handlers.
package handler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"vpn-shop-bot/internal/service"
)

// ActorKey is the context key the actor middleware stores the caller under.
const ActorKey = "actor"

// ActorFrom returns the caller resolved for this update.
func ActorFrom(c tele.Context) (service.Actor, bool) {
	a, ok := c.Get(ActorKey).(service.Actor)
	return a, ok
}

// DisplayName picks the best name Telegram gives us.
func DisplayName(u *tele.User) string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

var errUsage = errors.New("usage")

// parseID reads a positive id from args[i].
func parseID(args []string, i int) (int64, error) {
	if i >= len(args) {
		return 0, errUsage
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(args[i], "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q is not a valid id", errUsage, args[i])
	}
	return id, nil
}

// parseAmount reads a positive amount, allowing digit grouping commas.
func parseAmount(args []string, i int) (int64, error) {
	if i >= len(args) {
		return 0, errUsage
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(args[i], ",", ""), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q is not a valid amount", errUsage, args[i])
	}
	return n, nil
}

// optional returns args[i] or "".
func optional(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

var discountReasons = map[service.DiscountReason]string{
	service.DiscountNotFound:  "does not exist",
	service.DiscountExpired:   "has expired",
	service.DiscountDisabled:  "is disabled",
	service.DiscountExhausted: "has been used up",
}

// userMessage turns a service error into a reply. Unknown errors are logged
// and answered with a generic message.
func userMessage(err error) string {
	var (
		de *service.DiscountError
		pf *service.ProvisioningFailedError
		me *service.MigrationError
	)
	switch {
	case errors.As(err, &de):
		return fmt.Sprintf("❌ Code %s %s", de.Code, discountReasons[de.Reason])
	case errors.As(err, &pf):
		return fmt.Sprintf("⚠️ Payment #%d was received but the account could not be created yet. An admin will resolve it.", pf.TransactionID)
	case errors.As(err, &me):
		return fmt.Sprintf("❌ Migration aborted at %s: %v", me.Stage, me.Err)
	case errors.Is(err, service.ErrInsufficientFunds):
		return "❌ Not enough balance. Top up with /deposit <amount>"
	case errors.Is(err, service.ErrTransactionNotFound):
		return "❌ Payment not found"
	case errors.Is(err, service.ErrInvalidTransition):
		return "❌ This payment is already closed"
	case errors.Is(err, service.ErrNoActiveBankCard):
		return "❌ Card payments are unavailable right now, please try later"
	case errors.Is(err, service.ErrPlanUnavailable), errors.Is(err, service.ErrPlanRequired):
		return "❌ That plan is not on sale. See /plans"
	case errors.Is(err, service.ErrUserBanned):
		return "⛔ Your account is blocked"
	case errors.Is(err, service.ErrUserNotFound):
		return "❌ User not found"
	case errors.Is(err, service.ErrForbidden):
		return "❌ Permission denied"
	case errors.Is(err, service.ErrInvalidAmount):
		return "❌ Amount must be positive"
	case errors.Is(err, service.ErrInvalidMethod), errors.Is(err, service.ErrDiscountNotApplicable):
		return "❌ Not available for this payment"
	case errors.Is(err, service.ErrNotProvisionable):
		return "❌ Only completed purchases can be provisioned"
	case errors.Is(err, service.ErrNoActiveServer), errors.Is(err, service.ErrServerUnavailable):
		return "❌ No server is available"
	case errors.Is(err, service.ErrAccountNotFound):
		return "❌ Account not found"
	case errors.Is(err, service.ErrAccountNotActive):
		return "❌ Only active accounts can be moved"
	case errors.Is(err, service.ErrSameServer):
		return "❌ The account is already on that server"
	case errors.Is(err, service.ErrMigrationConflict):
		return "❌ The account changed meanwhile, try again"
	case errors.Is(err, service.ErrCleanupNotFound):
		return "❌ Cleanup task not found"
	case errors.Is(err, service.ErrCleanupConflict):
		return "❌ That client belongs to a live account again, the task was dropped"
	}
	log.Error().Err(err).Msg("Unhandled error in handler")
	return "❌ Something went wrong, please try again later"
}

// replyErr answers with the mapped error message.
func replyErr(c tele.Context, err error) error {
	return c.Reply(userMessage(err))
}

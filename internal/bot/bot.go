package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"vpn-shop-bot/internal/config"
	"vpn-shop-bot/internal/handler"
	"vpn-shop-bot/internal/service"
	"vpn-shop-bot/internal/shop"
)

// Bot wraps the telebot instance with application dependencies.
type Bot struct {
	bot *tele.Bot
	cfg *config.Config

	accountService *service.AccountService

	// Handlers
	accountHandler *handler.AccountHandler
	paymentHandler *handler.PaymentHandler
	adminHandler   *handler.AdminHandler
}

// Dependencies holds all the dependencies needed by the bot handlers.
type Dependencies struct {
	Config         *config.Config
	AccountService *service.AccountService
	PaymentService *service.PaymentService
	Provisioner    *service.Provisioner
	Migrator       *service.Migrator
	Auditor        *service.Auditor
}

// New creates a new Bot instance with the given dependencies.
func New(deps *Dependencies) (*Bot, error) {
	if deps.Config.Bot.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	pref := tele.Settings{
		Token:  deps.Config.Bot.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c tele.Context) {
			log.Error().Err(err).Msg("Bot handler error")
		},
	}

	teleBot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &Bot{
		bot:            teleBot,
		cfg:            deps.Config,
		accountService: deps.AccountService,
	}

	// Initialize handlers
	b.accountHandler = handler.NewAccountHandler(deps.AccountService)
	b.paymentHandler = handler.NewPaymentHandler(deps.PaymentService)
	b.adminHandler = handler.NewAdminHandler(deps.AccountService, deps.PaymentService, deps.Provisioner, deps.Migrator, deps.Auditor)

	b.registerMiddleware()
	b.registerHandlers()

	return b, nil
}

// registerMiddleware registers all middleware. Recovery is outermost so a
// panic anywhere below is answered.
func (b *Bot) registerMiddleware() {
	b.bot.Use(RecoveryMiddleware())
	b.bot.Use(LoggingMiddleware())
	b.bot.Use(ActorMiddleware(b.accountService, b.cfg))
}

// registerHandlers registers all command and callback handlers.
func (b *Bot) registerHandlers() {
	// Account handlers
	b.bot.Handle("/start", b.accountHandler.HandleStart)
	b.bot.Handle("/help", b.accountHandler.HandleStart)
	b.bot.Handle("/balance", b.accountHandler.HandleBalance)
	b.bot.Handle("/accounts", b.accountHandler.HandleAccounts)

	// Payment handlers
	b.bot.Handle("/plans", b.paymentHandler.HandlePlans)
	b.bot.Handle("/price", b.paymentHandler.HandlePrice)
	b.bot.Handle("/buy", b.paymentHandler.HandleBuy)
	b.bot.Handle("/buycard", b.paymentHandler.HandleBuyCard)
	b.bot.Handle("/deposit", b.paymentHandler.HandleDeposit)
	b.bot.Handle("/paid", b.paymentHandler.HandlePaid)
	b.bot.Handle("/cancel", b.paymentHandler.HandleCancel)

	// Admin handlers (with admin middleware)
	adminGroup := b.bot.Group()
	adminGroup.Use(AdminMiddleware())
	adminGroup.Handle("/approve", b.adminHandler.HandleApprove)
	adminGroup.Handle("/reject", b.adminHandler.HandleReject)
	adminGroup.Handle("/provision", b.adminHandler.HandleProvision)
	adminGroup.Handle("/migrate", b.adminHandler.HandleMigrate)
	adminGroup.Handle("/audit", b.adminHandler.HandleAudit)
	adminGroup.Handle("/cleanup", b.adminHandler.HandleCleanup)
	adminGroup.Handle("/ban", b.adminHandler.HandleBan)
	adminGroup.Handle("/unban", b.adminHandler.HandleUnban)

	// Generic callback handler for inline buttons
	b.bot.Handle(tele.OnCallback, b.handleCallback)
}

// handleCallback routes callbacks to appropriate handlers.
func (b *Bot) handleCallback(c tele.Context) error {
	callback := c.Callback()
	if callback == nil {
		return nil
	}

	data := strings.TrimPrefix(callback.Data, "\f")
	log.Debug().Str("data", data).Msg("Callback received")

	switch {
	case strings.HasPrefix(data, shop.CallbackApprove), strings.HasPrefix(data, shop.CallbackReject):
		return AdminMiddleware()(b.adminHandler.HandleReviewCallback)(c)
	case strings.HasPrefix(data, shop.CallbackPlan),
		strings.HasPrefix(data, shop.CallbackWallet),
		strings.HasPrefix(data, shop.CallbackCard),
		data == shop.CallbackRefresh:
		return b.paymentHandler.HandleShopCallback(c)
	}

	return c.Respond()
}

// Start starts the bot polling. It blocks until Stop is called.
func (b *Bot) Start() {
	log.Info().Msg("Starting bot...")
	b.bot.Start()
}

// Stop stops the bot gracefully.
func (b *Bot) Stop() {
	log.Info().Msg("Stopping bot...")
	b.bot.Stop()
}

// GetBot returns the underlying telebot instance.
func (b *Bot) GetBot() *tele.Bot {
	return b.bot
}

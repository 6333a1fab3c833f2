// Package bot wires the Telegram front-end: middleware, routing and the
// notifier the services talk back through.
package bot

import (
	"context"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"vpn-shop-bot/internal/config"
	"vpn-shop-bot/internal/handler"
	"vpn-shop-bot/internal/model"
	"vpn-shop-bot/internal/service"
)

// resolveActor decides who the caller is. Configured admins are admins even
// if banned in the database; everyone else is refused while banned.
func resolveActor(cfg *config.Config, user *model.User) (service.Actor, bool) {
	isAdmin := cfg.IsAdmin(user.TelegramID) || user.IsAdmin
	if user.IsBanned && !cfg.IsAdmin(user.TelegramID) {
		return service.Actor{}, false
	}
	return service.Actor{UserID: user.TelegramID, IsAdmin: isAdmin}, true
}

// ActorMiddleware registers the sender on first contact and stores the
// resolved service.Actor on the context.
func ActorMiddleware(accounts *service.AccountService, cfg *config.Config) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			sender := c.Sender()
			if sender == nil || sender.IsBot {
				return nil
			}

			user, created, err := accounts.EnsureUser(context.Background(), sender.ID, handler.DisplayName(sender))
			if err != nil {
				log.Error().Err(err).Int64("user_id", sender.ID).Msg("Failed to load user")
				return c.Send("❌ Something went wrong, please try again later")
			}
			if created {
				log.Info().Int64("user_id", sender.ID).Str("username", sender.Username).Msg("New user registered")
			}

			actor, ok := resolveActor(cfg, user)
			if !ok {
				log.Debug().Int64("user_id", sender.ID).Msg("Ignoring banned user")
				if c.Callback() != nil {
					return c.Respond(&tele.CallbackResponse{Text: "⛔ Your account is blocked"})
				}
				return c.Send("⛔ Your account is blocked")
			}

			c.Set(handler.ActorKey, actor)
			return next(c)
		}
	}
}

// AdminMiddleware creates a middleware that checks if the actor is an admin.
// It must run after ActorMiddleware.
func AdminMiddleware() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			actor, ok := handler.ActorFrom(c)
			if !ok {
				return nil
			}

			if !actor.IsAdmin {
				log.Warn().
					Int64("user_id", actor.UserID).
					Str("command", c.Text()).
					Msg("Non-admin attempted admin command")
				if c.Callback() != nil {
					return c.Respond(&tele.CallbackResponse{Text: "❌ Permission denied"})
				}
				return c.Reply("❌ Permission denied: admin only")
			}

			return next(c)
		}
	}
}

// LoggingMiddleware creates a middleware that logs all incoming messages.
func LoggingMiddleware() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			sender := c.Sender()
			chat := c.Chat()

			logEvent := log.Debug()
			if sender != nil {
				logEvent = logEvent.
					Int64("user_id", sender.ID).
					Str("username", sender.Username)
			}
			if chat != nil {
				logEvent = logEvent.
					Int64("chat_id", chat.ID).
					Str("chat_type", string(chat.Type))
			}
			if cb := c.Callback(); cb != nil {
				logEvent = logEvent.Str("callback", cb.Data)
			}
			logEvent.
				Str("text", c.Text()).
				Msg("Received update")

			return next(c)
		}
	}
}

// RecoveryMiddleware creates a middleware that recovers from panics.
func RecoveryMiddleware() tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Msg("Recovered from panic in handler")
					err = c.Send("❌ Internal error, please try again later")
				}
			}()
			return next(c)
		}
	}
}

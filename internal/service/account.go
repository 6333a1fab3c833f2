package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"vpn-shop-bot/internal/model"
	"vpn-shop-bot/internal/repository"
)

// AccountService handles user records and read access to what a user owns.
type AccountService struct {
	users    UserStore
	txs      TransactionStore
	accounts RemoteAccountStore
}

// NewAccountService creates a new AccountService instance.
func NewAccountService(users UserStore, txs TransactionStore, accounts RemoteAccountStore) *AccountService {
	return &AccountService{
		users:    users,
		txs:      txs,
		accounts: accounts,
	}
}

// EnsureUser ensures a user exists, creating one if necessary.
// Returns the user and whether it was newly created.
func (s *AccountService) EnsureUser(ctx context.Context, telegramID int64, username string) (*model.User, bool, error) {
	user, created, err := s.users.GetOrCreate(ctx, telegramID, username)
	if err != nil {
		return nil, false, fmt.Errorf("failed to ensure user: %w", err)
	}

	// Update username if it changed
	if !created && user.Username != username && username != "" {
		if err := s.users.UpdateUsername(ctx, telegramID, username); err != nil {
			log.Warn().Err(err).Int64("user_id", telegramID).Msg("Failed to update username")
		} else {
			user.Username = username
		}
	}

	return user, created, nil
}

// GetUser retrieves a user by their Telegram ID.
func (s *AccountService) GetUser(ctx context.Context, telegramID int64) (*model.User, error) {
	user, err := s.users.GetByID(ctx, telegramID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// GetBalance retrieves a user's current wallet balance.
func (s *AccountService) GetBalance(ctx context.Context, telegramID int64) (int64, error) {
	user, err := s.GetUser(ctx, telegramID)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return user.Balance, nil
}

// SetBanned bans or unbans a user. Banned users cannot create transactions.
func (s *AccountService) SetBanned(ctx context.Context, telegramID int64, banned bool) error {
	if err := s.users.SetBanned(ctx, telegramID, banned); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	log.Info().Int64("user_id", telegramID).Bool("banned", banned).Msg("User ban flag changed")
	return nil
}

// SetAdmin grants or revokes the admin flag.
func (s *AccountService) SetAdmin(ctx context.Context, telegramID int64, admin bool) error {
	if err := s.users.SetAdmin(ctx, telegramID, admin); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	return nil
}

// ListAccounts returns the remote accounts a user owns.
func (s *AccountService) ListAccounts(ctx context.Context, telegramID int64) ([]*model.RemoteAccount, error) {
	return s.accounts.ListByUser(ctx, telegramID)
}

// GetAccount returns one remote account.
func (s *AccountService) GetAccount(ctx context.Context, id int64) (*model.RemoteAccount, error) {
	acc, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return acc, nil
}

// ListTransactions returns a user's latest transactions.
func (s *AccountService) ListTransactions(ctx context.Context, telegramID int64, limit int) ([]*model.Transaction, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.txs.ListByUser(ctx, telegramID, limit)
}

package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vpn-shop-bot/internal/model"
)

const remoteAccountColumns = `id, user_id, transaction_id, server_id, remote_identifier, client_uuid,
	traffic_limit_bytes, expires_at, connection_link, status, failure_reason, created_at, updated_at`

// RemoteAccountRepository handles local records of provisioned panel clients.
type RemoteAccountRepository struct {
	pool *pgxpool.Pool
}

// NewRemoteAccountRepository creates a new RemoteAccountRepository instance.
func NewRemoteAccountRepository(pool *pgxpool.Pool) *RemoteAccountRepository {
	return &RemoteAccountRepository{pool: pool}
}

func scanRemoteAccount(row rowScanner) (*model.RemoteAccount, error) {
	var a model.RemoteAccount
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.TransactionID,
		&a.ServerID,
		&a.RemoteIdentifier,
		&a.ClientUUID,
		&a.TrafficLimitBytes,
		&a.ExpiresAt,
		&a.ConnectionLink,
		&a.Status,
		&a.FailureReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *RemoteAccountRepository) list(ctx context.Context, query string, args ...any) ([]*model.RemoteAccount, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*model.RemoteAccount
	for rows.Next() {
		a, err := scanRemoteAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan remote account: %w", err)
		}
		accounts = append(accounts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating remote accounts: %w", err)
	}
	return accounts, nil
}

// Save writes the account for a transaction. A new transaction gets a new row;
// a provisioning_failed row for the same transaction is overwritten in place.
// Returns ErrAccountExists when a non-failed row already holds the transaction,
// and ErrIdentifierTaken when the identifier is in use on that server.
func (r *RemoteAccountRepository) Save(ctx context.Context, a *model.RemoteAccount) (*model.RemoteAccount, error) {
	const query = `
		INSERT INTO remote_accounts (user_id, transaction_id, server_id, remote_identifier, client_uuid,
			traffic_limit_bytes, expires_at, connection_link, status, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (transaction_id) DO UPDATE
		SET server_id = EXCLUDED.server_id,
			remote_identifier = EXCLUDED.remote_identifier,
			client_uuid = EXCLUDED.client_uuid,
			traffic_limit_bytes = EXCLUDED.traffic_limit_bytes,
			expires_at = EXCLUDED.expires_at,
			connection_link = EXCLUDED.connection_link,
			status = EXCLUDED.status,
			failure_reason = EXCLUDED.failure_reason,
			updated_at = NOW()
		WHERE remote_accounts.status = 'provisioning_failed'
		RETURNING ` + remoteAccountColumns

	saved, err := scanRemoteAccount(r.pool.QueryRow(ctx, query,
		a.UserID, a.TransactionID, a.ServerID, a.RemoteIdentifier, a.ClientUUID,
		a.TrafficLimitBytes, a.ExpiresAt, a.ConnectionLink, string(a.Status), a.FailureReason,
	))
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return nil, ErrAccountExists
		case isUniqueViolation(err, "idx_remote_accounts_identifier"):
			return nil, ErrIdentifierTaken
		}
		return nil, fmt.Errorf("failed to save remote account: %w", err)
	}
	return saved, nil
}

// GetByID retrieves an account.
func (r *RemoteAccountRepository) GetByID(ctx context.Context, id int64) (*model.RemoteAccount, error) {
	const query = `SELECT ` + remoteAccountColumns + ` FROM remote_accounts WHERE id = $1`

	a, err := scanRemoteAccount(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get remote account: %w", err)
	}
	return a, nil
}

// GetByTransaction retrieves the account provisioned for a transaction.
func (r *RemoteAccountRepository) GetByTransaction(ctx context.Context, transactionID int64) (*model.RemoteAccount, error) {
	const query = `SELECT ` + remoteAccountColumns + ` FROM remote_accounts WHERE transaction_id = $1`

	a, err := scanRemoteAccount(r.pool.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get remote account: %w", err)
	}
	return a, nil
}

// ListByUser returns a user's accounts, newest first.
func (r *RemoteAccountRepository) ListByUser(ctx context.Context, userID int64) ([]*model.RemoteAccount, error) {
	const query = `
		SELECT ` + remoteAccountColumns + `
		FROM remote_accounts
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`
	return r.list(ctx, query, userID)
}

// ListByServer returns every account recorded on a server, any status.
func (r *RemoteAccountRepository) ListByServer(ctx context.Context, serverID int64) ([]*model.RemoteAccount, error) {
	const query = `
		SELECT ` + remoteAccountColumns + `
		FROM remote_accounts
		WHERE server_id = $1
		ORDER BY id
	`
	return r.list(ctx, query, serverID)
}

// UpdateServer repoints an account from one server to another and stores the
// new connection link. It only succeeds while the row still points at from.
func (r *RemoteAccountRepository) UpdateServer(ctx context.Context, id, from, to int64, link string) (bool, error) {
	const query = `
		UPDATE remote_accounts
		SET server_id = $3, connection_link = $4, updated_at = NOW()
		WHERE id = $1 AND server_id = $2
	`

	result, err := r.pool.Exec(ctx, query, id, from, to, link)
	if err != nil {
		if isUniqueViolation(err, "idx_remote_accounts_identifier") {
			return false, ErrIdentifierTaken
		}
		return false, fmt.Errorf("failed to update account server: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// SetStatus changes an account's status.
func (r *RemoteAccountRepository) SetStatus(ctx context.Context, id int64, status model.AccountStatus) error {
	const query = `UPDATE remote_accounts SET status = $2, updated_at = NOW() WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to set account status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

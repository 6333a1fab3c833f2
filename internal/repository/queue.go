package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vpn-shop-bot/internal/model"
)

// ProvisioningJobRepository is the provisioning outbox. Rows are written by
// TransactionRepository.Complete and drained by the dispatcher.
type ProvisioningJobRepository struct {
	pool *pgxpool.Pool
}

// NewProvisioningJobRepository creates a new ProvisioningJobRepository instance.
func NewProvisioningJobRepository(pool *pgxpool.Pool) *ProvisioningJobRepository {
	return &ProvisioningJobRepository{pool: pool}
}

// Enqueue adds a job, reopening it if it was already done.
func (r *ProvisioningJobRepository) Enqueue(ctx context.Context, transactionID int64) error {
	const query = `
		INSERT INTO provisioning_jobs (transaction_id)
		VALUES ($1)
		ON CONFLICT (transaction_id) DO UPDATE SET done_at = NULL
	`

	if _, err := r.pool.Exec(ctx, query, transactionID); err != nil {
		return fmt.Errorf("failed to enqueue provisioning job: %w", err)
	}
	return nil
}

// ListPending returns open jobs, oldest first.
func (r *ProvisioningJobRepository) ListPending(ctx context.Context, limit int) ([]*model.ProvisioningJob, error) {
	const query = `
		SELECT transaction_id, attempts, created_at, done_at
		FROM provisioning_jobs
		WHERE done_at IS NULL
		ORDER BY created_at, transaction_id
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list provisioning jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.ProvisioningJob
	for rows.Next() {
		var j model.ProvisioningJob
		if err := rows.Scan(&j.TransactionID, &j.Attempts, &j.CreatedAt, &j.DoneAt); err != nil {
			return nil, fmt.Errorf("failed to scan provisioning job: %w", err)
		}
		jobs = append(jobs, &j)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating provisioning jobs: %w", err)
	}
	return jobs, nil
}

// MarkAttempt records one processing attempt and, when done is true, closes the job.
func (r *ProvisioningJobRepository) MarkAttempt(ctx context.Context, transactionID int64, done bool) error {
	const query = `
		UPDATE provisioning_jobs
		SET attempts = attempts + 1,
			done_at = CASE WHEN $2 THEN NOW() ELSE done_at END
		WHERE transaction_id = $1
	`

	if _, err := r.pool.Exec(ctx, query, transactionID, done); err != nil {
		return fmt.Errorf("failed to mark provisioning attempt: %w", err)
	}
	return nil
}

// CleanupRepository holds stale panel clients awaiting confirmed deletion.
type CleanupRepository struct {
	pool *pgxpool.Pool
}

// NewCleanupRepository creates a new CleanupRepository instance.
func NewCleanupRepository(pool *pgxpool.Pool) *CleanupRepository {
	return &CleanupRepository{pool: pool}
}

// Enqueue records a stale client. Queuing the same client twice is a no-op.
func (r *CleanupRepository) Enqueue(ctx context.Context, task *model.CleanupTask) error {
	const query = `
		INSERT INTO cleanup_queue (server_id, remote_identifier, account_id, reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (server_id, remote_identifier) DO NOTHING
	`

	if _, err := r.pool.Exec(ctx, query, task.ServerID, task.RemoteIdentifier, task.AccountID, task.Reason); err != nil {
		return fmt.Errorf("failed to enqueue cleanup task: %w", err)
	}
	return nil
}

// List returns every queued task, oldest first.
func (r *CleanupRepository) List(ctx context.Context) ([]*model.CleanupTask, error) {
	const query = `
		SELECT id, server_id, remote_identifier, account_id, reason, created_at
		FROM cleanup_queue
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list cleanup tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.CleanupTask
	for rows.Next() {
		var t model.CleanupTask
		if err := rows.Scan(&t.ID, &t.ServerID, &t.RemoteIdentifier, &t.AccountID, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cleanup task: %w", err)
		}
		tasks = append(tasks, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cleanup tasks: %w", err)
	}
	return tasks, nil
}

// GetByID retrieves a queued task.
func (r *CleanupRepository) GetByID(ctx context.Context, id int64) (*model.CleanupTask, error) {
	const query = `
		SELECT id, server_id, remote_identifier, account_id, reason, created_at
		FROM cleanup_queue
		WHERE id = $1
	`

	var t model.CleanupTask
	err := r.pool.QueryRow(ctx, query, id).Scan(&t.ID, &t.ServerID, &t.RemoteIdentifier, &t.AccountID, &t.Reason, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCleanupNotFound
		}
		return nil, fmt.Errorf("failed to get cleanup task: %w", err)
	}
	return &t, nil
}

// Delete removes a task once its client is gone.
func (r *CleanupRepository) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM cleanup_queue WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete cleanup task: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrCleanupNotFound
	}
	return nil
}

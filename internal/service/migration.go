package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vpn-shop-bot/internal/model"
	"vpn-shop-bot/internal/panel"
	"vpn-shop-bot/internal/pkg/events"
	"vpn-shop-bot/internal/pkg/lock"
	"vpn-shop-bot/internal/pkg/metrics"
	"vpn-shop-bot/internal/repository"
)

// Migration stages reported in MigrationError.
const (
	StageReadOrigin        = "read_origin"
	StageCreateDestination = "create_destination"
	StageLink              = "link"
	StageCommit            = "commit"
)

// Migrator moves accounts between panels. The destination client is created
// before the local record is repointed, and the origin client is removed only
// afterwards, so the user always has at least one working client.
type Migrator struct {
	accounts RemoteAccountStore
	servers  ServerStore
	cleanup  CleanupStore
	panel    panel.Client
	events   events.Publisher
	policy   RetryPolicy
	locks    *lock.KeyLock
}

// NewMigrator creates a new Migrator instance. locks is keyed by account id and
// must be the one given to the Auditor; nil gives the Migrator its own.
func NewMigrator(accounts RemoteAccountStore, servers ServerStore, cleanup CleanupStore, client panel.Client, pub events.Publisher, policy RetryPolicy, locks *lock.KeyLock) *Migrator {
	if pub == nil {
		pub = events.LogPublisher{}
	}
	if locks == nil {
		locks = lock.NewKeyLock()
	}
	return &Migrator{
		accounts: accounts,
		servers:  servers,
		cleanup:  cleanup,
		panel:    client,
		events:   pub,
		policy:   policy,
		locks:    locks,
	}
}

// Migrate moves accountID to destinationID. Failures before the commit stage
// return *MigrationError and leave the local record and the origin untouched.
// A failed origin delete after commit is logged and queued for cleanup.
func (m *Migrator) Migrate(ctx context.Context, accountID, destinationID int64) (*model.RemoteAccount, error) {
	ctx, span := tracer.Start(ctx, "migrate", trace.WithAttributes(
		attribute.Int64("account_id", accountID),
		attribute.Int64("destination_id", destinationID),
	))
	defer span.End()

	var acc *model.RemoteAccount
	err := m.locks.WithLockContext(ctx, accountID, func() (err error) {
		acc, err = m.migrate(ctx, accountID, destinationID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var me *MigrationError
		if errors.As(err, &me) {
			metrics.Migrations.WithLabelValues("aborted").Inc()
		}
		return nil, err
	}
	return acc, nil
}

func (m *Migrator) migrate(ctx context.Context, accountID, destinationID int64) (*model.RemoteAccount, error) {
	acc, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if acc.Status != model.AccountActive {
		return nil, ErrAccountNotActive
	}
	if acc.ServerID == destinationID {
		return nil, ErrSameServer
	}

	origin, err := m.servers.GetByID(ctx, acc.ServerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load origin server: %w", err)
	}
	dest, err := m.servers.GetByID(ctx, destinationID)
	if err != nil {
		if errors.Is(err, repository.ErrServerNotFound) {
			return nil, ErrServerUnavailable
		}
		return nil, fmt.Errorf("failed to load destination server: %w", err)
	}
	if !dest.IsActive {
		return nil, ErrServerUnavailable
	}

	cfg, err := m.panel.GetClient(ctx, origin, acc.RemoteIdentifier)
	if err != nil {
		return nil, &MigrationError{AccountID: acc.ID, Stage: StageReadOrigin, Err: err}
	}

	spec := panel.ClientSpec{
		Identifier:        acc.RemoteIdentifier,
		UUID:              cfg.UUID,
		TrafficLimitBytes: cfg.TrafficLimitBytes,
		ExpiresAt:         cfg.ExpiresAt,
	}
	if spec.UUID == "" {
		spec.UUID = acc.ClientUUID
	}
	if spec.ExpiresAt.IsZero() {
		spec.ExpiresAt = acc.ExpiresAt
	}

	if err := createWithRetry(ctx, m.panel, m.policy, dest, spec); err != nil {
		return nil, &MigrationError{AccountID: acc.ID, Stage: StageCreateDestination, Err: err}
	}

	link, err := m.panel.GenerateConnectionLink(ctx, dest, acc.RemoteIdentifier)
	if err != nil {
		m.rollbackDestination(ctx, dest, acc.RemoteIdentifier)
		return nil, &MigrationError{AccountID: acc.ID, Stage: StageLink, Err: err}
	}

	ok, err := m.accounts.UpdateServer(ctx, acc.ID, origin.ID, dest.ID, link)
	if err == nil && !ok {
		err = ErrMigrationConflict
	}
	if err != nil {
		m.rollbackDestination(ctx, dest, acc.RemoteIdentifier)
		return nil, &MigrationError{AccountID: acc.ID, Stage: StageCommit, Err: err}
	}

	// The destination is now the system of record. Nothing below may undo it.
	log.Info().
		Int64("account_id", acc.ID).
		Int64("origin_id", origin.ID).
		Int64("destination_id", dest.ID).
		Str("identifier", acc.RemoteIdentifier).
		Msg("Account migrated")

	if _, err := m.panel.DeleteClient(ctx, origin, acc.RemoteIdentifier); err != nil {
		m.queueCleanup(ctx, origin, acc.RemoteIdentifier, acc, err)
		metrics.Migrations.WithLabelValues("origin_pending").Inc()
	} else {
		metrics.Migrations.WithLabelValues("success").Inc()
	}

	emit(ctx, m.events, events.Event{
		Type:       events.AccountMigrated,
		UserID:     acc.UserID,
		AccountID:  acc.ID,
		ServerID:   dest.ID,
		Identifier: acc.RemoteIdentifier,
	})

	return m.accounts.GetByID(context.WithoutCancel(ctx), acc.ID)
}

func (m *Migrator) rollbackDestination(ctx context.Context, dest *model.Server, identifier string) {
	if _, err := m.panel.DeleteClient(context.WithoutCancel(ctx), dest, identifier); err != nil {
		m.queueCleanup(ctx, dest, identifier, nil, err)
	}
}

// queueCleanup records a panel client that should be deleted but could not be.
// acc is set when the identifier still belongs to that local account.
func (m *Migrator) queueCleanup(ctx context.Context, server *model.Server, identifier string, acc *model.RemoteAccount, cause error) {
	ctx = context.WithoutCancel(ctx)
	task := &model.CleanupTask{
		ServerID:         server.ID,
		RemoteIdentifier: identifier,
		Reason:           fmt.Sprintf("delete failed: %v", cause),
	}
	e := events.Event{
		Type:       events.CleanupQueued,
		ServerID:   server.ID,
		Identifier: identifier,
		Reason:     task.Reason,
	}
	if acc != nil {
		task.AccountID = &acc.ID
		e.AccountID = acc.ID
		e.UserID = acc.UserID
	}

	log.Warn().Err(cause).
		Int64("server_id", server.ID).
		Str("identifier", identifier).
		Msg("Panel client left behind, queued for cleanup")

	if err := m.cleanup.Enqueue(ctx, task); err != nil {
		log.Error().Err(err).Int64("server_id", server.ID).Str("identifier", identifier).Msg("Failed to queue cleanup task")
		return
	}
	emit(ctx, m.events, e)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
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

var tracer = otel.Tracer("vpn-shop-bot/service")

// RetryPolicy bounds retries of transient panel failures.
// MaxRetries counts retries after the first attempt.
type RetryPolicy struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy waits 1s, 3s and 9s between four attempts.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:        3,
	InitialBackoff:    time.Second,
	BackoffMultiplier: 3,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.Multiplier = p.BackoffMultiplier
	b.RandomizationFactor = 0
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}

// Provisioner turns completed purchases into panel clients.
type Provisioner struct {
	txs      TransactionStore
	users    UserStore
	plans    PlanStore
	servers  ServerStore
	accounts RemoteAccountStore
	panel    panel.Client
	events   events.Publisher
	notifier Notifier
	policy   RetryPolicy
	locks    *lock.KeyLock
	now      Clock
}

// NewProvisioner creates a new Provisioner instance.
func NewProvisioner(
	txs TransactionStore,
	users UserStore,
	plans PlanStore,
	servers ServerStore,
	accounts RemoteAccountStore,
	client panel.Client,
	pub events.Publisher,
	policy RetryPolicy,
	now Clock,
) *Provisioner {
	if now == nil {
		now = time.Now
	}
	if pub == nil {
		pub = events.LogPublisher{}
	}
	return &Provisioner{
		txs:      txs,
		users:    users,
		plans:    plans,
		servers:  servers,
		accounts: accounts,
		panel:    client,
		events:   pub,
		notifier: NopNotifier{},
		policy:   policy,
		locks:    lock.NewKeyLock(),
		now:      now,
	}
}

// SetNotifier sets the user-facing notifier. Must be called before serving.
func (p *Provisioner) SetNotifier(n Notifier) {
	if n != nil {
		p.notifier = n
	}
}

// Provision creates the remote account paid for by transactionID. It is
// idempotent: an existing non-failed account is returned unchanged, and the
// unique transaction key in storage settles races between processes.
//
// Panel failures are persisted on a provisioning_failed account row and
// returned as *ProvisioningFailedError. The transaction stays completed.
func (p *Provisioner) Provision(ctx context.Context, transactionID int64) (*model.RemoteAccount, error) {
	ctx, span := tracer.Start(ctx, "provision", trace.WithAttributes(attribute.Int64("transaction_id", transactionID)))
	defer span.End()

	var acc *model.RemoteAccount
	err := p.locks.WithLockContext(ctx, transactionID, func() (err error) {
		acc, err = p.provision(ctx, transactionID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return acc, nil
}

func (p *Provisioner) provision(ctx context.Context, transactionID int64) (*model.RemoteAccount, error) {
	tx, err := p.txs.GetByID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if tx.Kind != model.KindPurchase || tx.Status != model.StatusCompleted || tx.PlanID == nil {
		return nil, ErrNotProvisionable
	}

	existing, err := p.accounts.GetByTransaction(ctx, transactionID)
	switch {
	case err == nil && existing.Status != model.AccountProvisioningFailed:
		log.Debug().Int64("transaction_id", transactionID).Int64("account_id", existing.ID).Msg("Already provisioned")
		return existing, nil
	case err != nil && !errors.Is(err, repository.ErrAccountNotFound):
		return nil, fmt.Errorf("failed to check existing account: %w", err)
	}

	plan, err := p.plans.GetByID(ctx, *tx.PlanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	server, err := p.pickServer(ctx, tx.ServerID)
	if err != nil {
		return nil, err
	}
	user, err := p.users.GetByID(ctx, tx.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	start := time.Now()
	defer func() { metrics.ProvisioningDuration.Observe(time.Since(start).Seconds()) }()

	now := p.now()
	spec := panel.ClientSpec{
		Identifier:        GenerateIdentifier(user.Username, now),
		UUID:              uuid.NewString(),
		TrafficLimitBytes: plan.TrafficLimitBytes(),
		ExpiresAt:         plan.ExpiresAt(now),
	}

	err = createWithRetry(ctx, p.panel, p.policy, server, spec)
	if err != nil && panel.IsPermanent(err) && ctx.Err() == nil {
		prev := spec.Identifier
		spec.Identifier = GenerateIdentifier(user.Username, p.now())
		log.Warn().Err(err).
			Int64("transaction_id", transactionID).
			Str("identifier", prev).
			Str("retry_identifier", spec.Identifier).
			Msg("Panel refused client, retrying with a new identifier")
		err = createWithRetry(ctx, p.panel, p.policy, server, spec)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return p.fail(ctx, tx, server, spec, fmt.Sprintf("create client: %v", err))
	}

	link, expiresAt, err := p.describe(ctx, server, spec)
	if err != nil {
		p.discard(ctx, server, spec.Identifier)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return p.fail(ctx, tx, server, spec, err.Error())
	}

	saved, err := p.accounts.Save(ctx, &model.RemoteAccount{
		UserID:            tx.UserID,
		TransactionID:     tx.ID,
		ServerID:          server.ID,
		RemoteIdentifier:  spec.Identifier,
		ClientUUID:        spec.UUID,
		TrafficLimitBytes: spec.TrafficLimitBytes,
		ExpiresAt:         expiresAt,
		ConnectionLink:    link,
		Status:            model.AccountActive,
	})
	if err != nil {
		p.discard(ctx, server, spec.Identifier)
		if errors.Is(err, repository.ErrAccountExists) {
			log.Info().Int64("transaction_id", tx.ID).Msg("Lost provisioning race, returning existing account")
			return p.accounts.GetByTransaction(ctx, tx.ID)
		}
		if errors.Is(err, repository.ErrIdentifierTaken) {
			return p.fail(ctx, tx, server, spec, "identifier already recorded locally")
		}
		return nil, fmt.Errorf("failed to save remote account: %w", err)
	}

	metrics.Provisioning.WithLabelValues("success").Inc()
	log.Info().
		Int64("transaction_id", tx.ID).
		Int64("account_id", saved.ID).
		Int64("server_id", server.ID).
		Str("identifier", saved.RemoteIdentifier).
		Msg("Account provisioned")
	emit(ctx, p.events, events.Event{
		Type:          events.AccountProvisioned,
		UserID:        saved.UserID,
		TransactionID: tx.ID,
		AccountID:     saved.ID,
		ServerID:      server.ID,
		Identifier:    saved.RemoteIdentifier,
	})
	logNotifyErr(p.notifier.AccountReady(ctx, saved), "account ready")
	return saved, nil
}

// pickServer returns the requested server when it is active, otherwise the
// first active server.
func (p *Provisioner) pickServer(ctx context.Context, id *int64) (*model.Server, error) {
	if id != nil {
		s, err := p.servers.GetByID(ctx, *id)
		if err != nil && !errors.Is(err, repository.ErrServerNotFound) {
			return nil, fmt.Errorf("failed to load server: %w", err)
		}
		if err == nil && s.IsActive {
			return s, nil
		}
		log.Warn().Int64("server_id", *id).Msg("Requested server unavailable, falling back")
	}

	servers, err := p.servers.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	if len(servers) == 0 {
		return nil, ErrNoActiveServer
	}
	return servers[0], nil
}

// createWithRetry retries transient failures with exponential backoff and
// stops at the first permanent one.
func createWithRetry(ctx context.Context, client panel.Client, policy RetryPolicy, server *model.Server, spec panel.ClientSpec) error {
	op := func() error {
		_, err := client.CreateClient(ctx, server, spec)
		if err == nil {
			return nil
		}
		if panel.IsTransient(err) {
			metrics.PanelErrors.WithLabelValues("create", "transient").Inc()
			return err
		}
		metrics.PanelErrors.WithLabelValues("create", "permanent").Inc()
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).
			Int64("server_id", server.ID).
			Str("identifier", spec.Identifier).
			Dur("retry_in", wait).
			Msg("Panel create failed, retrying")
	}
	return backoff.RetryNotify(op, policy.backOff(ctx), notify)
}

// describe fetches the expiry and the connection link of a fresh client.
func (p *Provisioner) describe(ctx context.Context, server *model.Server, spec panel.ClientSpec) (string, time.Time, error) {
	status, err := p.panel.GetClientStatus(ctx, server, spec.Identifier)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("client status: %w", err)
	}
	link, err := p.panel.GenerateConnectionLink(ctx, server, spec.Identifier)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("connection link: %w", err)
	}

	expiresAt := spec.ExpiresAt
	if !status.ExpiresAt.IsZero() {
		expiresAt = status.ExpiresAt
	}
	return link, expiresAt.UTC().Truncate(time.Microsecond), nil
}

// discard deletes a client this call created but could not record.
func (p *Provisioner) discard(ctx context.Context, server *model.Server, identifier string) {
	if _, err := p.panel.DeleteClient(context.WithoutCancel(ctx), server, identifier); err != nil {
		log.Warn().Err(err).Int64("server_id", server.ID).Str("identifier", identifier).Msg("Failed to discard panel client")
	}
}

// fail persists the failure on the account row and alerts operators.
func (p *Provisioner) fail(ctx context.Context, tx *model.Transaction, server *model.Server, spec panel.ClientSpec, reason string) (*model.RemoteAccount, error) {
	metrics.Provisioning.WithLabelValues("failed").Inc()
	log.Error().
		Int64("transaction_id", tx.ID).
		Int64("server_id", server.ID).
		Str("identifier", spec.Identifier).
		Str("reason", reason).
		Msg("Provisioning failed")

	saved, err := p.accounts.Save(ctx, &model.RemoteAccount{
		UserID:            tx.UserID,
		TransactionID:     tx.ID,
		ServerID:          server.ID,
		RemoteIdentifier:  spec.Identifier,
		ClientUUID:        spec.UUID,
		TrafficLimitBytes: spec.TrafficLimitBytes,
		ExpiresAt:         spec.ExpiresAt.UTC().Truncate(time.Microsecond),
		Status:            model.AccountProvisioningFailed,
		FailureReason:     &reason,
	})
	if err != nil {
		if errors.Is(err, repository.ErrAccountExists) {
			return p.accounts.GetByTransaction(ctx, tx.ID)
		}
		return nil, fmt.Errorf("failed to record provisioning failure: %w", err)
	}

	emit(ctx, p.events, events.Event{
		Type:          events.ProvisioningFailed,
		UserID:        tx.UserID,
		TransactionID: tx.ID,
		AccountID:     saved.ID,
		ServerID:      server.ID,
		Identifier:    spec.Identifier,
		Reason:        reason,
	})
	logNotifyErr(p.notifier.ProvisioningFailed(ctx, tx, reason), "provisioning failed")

	return nil, &ProvisioningFailedError{TransactionID: tx.ID, AccountID: saved.ID, Reason: reason}
}

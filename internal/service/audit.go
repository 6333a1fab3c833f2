package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"vpn-shop-bot/internal/model"
	"vpn-shop-bot/internal/panel"
	"vpn-shop-bot/internal/pkg/events"
	"vpn-shop-bot/internal/pkg/lock"
	"vpn-shop-bot/internal/pkg/metrics"
	"vpn-shop-bot/internal/repository"
)

const (
	auditParallelism   = 4
	unprovisionedLimit = 100
)

// Finding is one drift between local records and a panel.
type Finding struct {
	Kind          model.DriftKind
	ServerID      int64
	Identifier    string
	AccountID     int64
	TransactionID int64
	Action        string
}

// AuditReport summarizes one reconciliation pass.
type AuditReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Servers    int
	Findings   []Finding
	Cleanup    []*model.CleanupTask
	// Errors holds per-server failures; other servers are still audited.
	Errors []string
}

// Count returns the number of findings of kind.
func (r *AuditReport) Count(kind model.DriftKind) int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// Auditor reconciles local remote-account records with panel state. It only
// repairs drift that is safe to repair: missing clients of live accounts are
// re-created and unprovisioned purchases are re-queued. Stale panel clients go
// to the cleanup queue and are deleted only on operator confirmation.
//
// Repairs hold the per-account lock shared with the Migrator and re-read the
// account first, so a migration that commits mid-audit is never undone.
type Auditor struct {
	txs      TransactionStore
	servers  ServerStore
	accounts RemoteAccountStore
	cleanup  CleanupStore
	panel    panel.Client
	events   events.Publisher
	enqueuer Enqueuer
	policy   RetryPolicy
	locks    *lock.KeyLock
	now      Clock
}

// NewAuditor creates a new Auditor instance. locks must be the account lock
// given to NewMigrator.
func NewAuditor(
	txs TransactionStore,
	servers ServerStore,
	accounts RemoteAccountStore,
	cleanup CleanupStore,
	client panel.Client,
	pub events.Publisher,
	enqueuer Enqueuer,
	policy RetryPolicy,
	locks *lock.KeyLock,
	now Clock,
) *Auditor {
	if now == nil {
		now = time.Now
	}
	if locks == nil {
		locks = lock.NewKeyLock()
	}
	if pub == nil {
		pub = events.LogPublisher{}
	}
	return &Auditor{
		txs:      txs,
		servers:  servers,
		accounts: accounts,
		cleanup:  cleanup,
		panel:    client,
		events:   pub,
		enqueuer: enqueuer,
		policy:   policy,
		locks:    locks,
		now:      now,
	}
}

// owns reports whether a local account row stands for a live panel client.
func owns(a *model.RemoteAccount) bool {
	return a.Status != model.AccountProvisioningFailed
}

type auditRun struct {
	mu     sync.Mutex
	report *AuditReport
}

func (r *auditRun) add(f Finding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Findings = append(r.report.Findings, f)
}

func (r *auditRun) fail(serverID int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Errors = append(r.report.Errors, fmt.Sprintf("server %d: %v", serverID, err))
}

// Run performs one reconciliation pass over every active server.
func (a *Auditor) Run(ctx context.Context) (*AuditReport, error) {
	ctx, span := tracer.Start(ctx, "audit")
	defer span.End()

	run := &auditRun{report: &AuditReport{StartedAt: a.now()}}

	servers, err := a.servers.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	run.report.Servers = len(servers)

	// Taken before any panel is listed: an Active row seen here whose client
	// is absent from the later listing is a repair candidate. Identifier ->
	// owning account, across all servers, tells a stale origin from an orphan.
	local := make(map[int64][]*model.RemoteAccount, len(servers))
	owners := make(map[string]*model.RemoteAccount)
	for _, s := range servers {
		accs, err := a.accounts.ListByServer(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list accounts of server %d: %w", s.ID, err)
		}
		local[s.ID] = accs
		for _, acc := range accs {
			if owns(acc) {
				owners[acc.RemoteIdentifier] = acc
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(auditParallelism)
	for _, s := range servers {
		s := s
		g.Go(func() error {
			if err := a.auditServer(gctx, run, s, local[s.ID], owners); err != nil {
				log.Warn().Err(err).Int64("server_id", s.ID).Msg("Audit of server failed")
				run.fail(s.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := a.requeueUnprovisioned(ctx, run); err != nil {
		run.fail(0, err)
	}

	tasks, err := a.pendingCleanup(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cleanup queue: %w", err)
	}
	run.report.Cleanup = tasks
	run.report.FinishedAt = a.now()

	log.Info().
		Int("servers", run.report.Servers).
		Int("findings", len(run.report.Findings)).
		Int("cleanup", len(tasks)).
		Int("errors", len(run.report.Errors)).
		Msg("Audit finished")
	return run.report, nil
}

func (a *Auditor) auditServer(ctx context.Context, run *auditRun, server *model.Server, accs []*model.RemoteAccount, owners map[string]*model.RemoteAccount) error {
	clients, err := a.panel.ListClients(ctx, server)
	if err != nil {
		return fmt.Errorf("list clients: %w", err)
	}

	remote := make(map[string]panel.ClientConfig, len(clients))
	for _, c := range clients {
		remote[c.Identifier] = c
	}

	// Clients are created before their rows commit, so ownership is read after
	// the listing. A client that arrived with a migration or purchase during
	// the listing is then not taken for an orphan.
	mine, err := a.ownedOn(ctx, server.ID)
	if err != nil {
		return err
	}

	for _, c := range clients {
		if mine[c.Identifier] {
			continue
		}
		f := Finding{Kind: model.DriftOrphanedRemote, ServerID: server.ID, Identifier: c.Identifier, Action: "queued_cleanup"}
		task := &model.CleanupTask{ServerID: server.ID, RemoteIdentifier: c.Identifier, Reason: "no local account on this server"}
		if owner, ok := owners[c.Identifier]; ok {
			f.Kind = model.DriftStaleOrigin
			f.AccountID = owner.ID
			f.TransactionID = owner.TransactionID
			task.AccountID = &owner.ID
			task.Reason = fmt.Sprintf("account %d lives on server %d", owner.ID, owner.ServerID)
		}
		if err := a.cleanup.Enqueue(ctx, task); err != nil {
			f.Action = "cleanup_enqueue_failed"
			log.Error().Err(err).Int64("server_id", server.ID).Str("identifier", c.Identifier).Msg("Failed to queue cleanup task")
		}
		a.report(ctx, run, f)
	}

	for _, acc := range accs {
		if acc.Status != model.AccountActive {
			continue
		}
		if _, ok := remote[acc.RemoteIdentifier]; ok {
			continue
		}
		var action string
		err := a.locks.WithLockContext(ctx, acc.ID, func() error {
			cur, err := a.accounts.GetByID(ctx, acc.ID)
			if err != nil {
				return err
			}
			if cur.ServerID != server.ID || cur.Status != model.AccountActive {
				log.Debug().
					Int64("account_id", acc.ID).
					Int64("server_id", server.ID).
					Int64("current_server_id", cur.ServerID).
					Str("status", string(cur.Status)).
					Msg("Account changed during audit, skipping repair")
				return nil
			}
			action = a.repairMissing(ctx, server, cur)
			return nil
		})
		if err != nil {
			log.Warn().Err(err).Int64("account_id", acc.ID).Msg("Could not recheck account, will retry next audit")
			continue
		}
		if action == "" {
			continue
		}
		a.report(ctx, run, Finding{
			Kind:          model.DriftMissingRemote,
			ServerID:      server.ID,
			Identifier:    acc.RemoteIdentifier,
			AccountID:     acc.ID,
			TransactionID: acc.TransactionID,
			Action:        action,
		})
	}
	return nil
}

// ownedOn returns the identifiers held by live local accounts on serverID.
func (a *Auditor) ownedOn(ctx context.Context, serverID int64) (map[string]bool, error) {
	accs, err := a.accounts.ListByServer(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	mine := make(map[string]bool, len(accs))
	for _, acc := range accs {
		if owns(acc) {
			mine[acc.RemoteIdentifier] = true
		}
	}
	return mine, nil
}

// pendingCleanup lists the cleanup queue, dropping tasks whose client has
// since been claimed by a live account on the same server.
func (a *Auditor) pendingCleanup(ctx context.Context) ([]*model.CleanupTask, error) {
	tasks, err := a.cleanup.List(ctx)
	if err != nil {
		return nil, err
	}

	owned := make(map[int64]map[string]bool)
	pending := tasks[:0]
	for _, task := range tasks {
		mine, ok := owned[task.ServerID]
		if !ok {
			if mine, err = a.ownedOn(ctx, task.ServerID); err != nil {
				return nil, err
			}
			owned[task.ServerID] = mine
		}
		if !mine[task.RemoteIdentifier] {
			pending = append(pending, task)
			continue
		}
		a.dropClaimed(ctx, task)
	}
	return pending, nil
}

// dropClaimed removes a cleanup task whose client is in use again.
func (a *Auditor) dropClaimed(ctx context.Context, task *model.CleanupTask) {
	if err := a.cleanup.Delete(ctx, task.ID); err != nil {
		log.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to drop claimed cleanup task")
		return
	}
	log.Info().
		Int64("task_id", task.ID).
		Int64("server_id", task.ServerID).
		Str("identifier", task.RemoteIdentifier).
		Msg("Cleanup task dropped, client belongs to a live account")
}

// repairMissing re-creates the panel client of a live account, or marks the
// account expired when its term is over. Returns the action taken.
func (a *Auditor) repairMissing(ctx context.Context, server *model.Server, acc *model.RemoteAccount) string {
	if !acc.ExpiresAt.After(a.now()) {
		if err := a.accounts.SetStatus(ctx, acc.ID, model.AccountExpired); err != nil {
			log.Error().Err(err).Int64("account_id", acc.ID).Msg("Failed to mark account expired")
			return "mark_expired_failed"
		}
		return "marked_expired"
	}

	spec := panel.ClientSpec{
		Identifier:        acc.RemoteIdentifier,
		UUID:              acc.ClientUUID,
		TrafficLimitBytes: acc.TrafficLimitBytes,
		ExpiresAt:         acc.ExpiresAt,
	}
	err := createWithRetry(ctx, a.panel, a.policy, server, spec)
	switch {
	case err == nil:
		log.Info().Int64("account_id", acc.ID).Str("identifier", acc.RemoteIdentifier).Msg("Missing panel client re-created")
		return "reprovisioned"
	case panel.IsPermanent(err):
		log.Error().Err(err).Int64("account_id", acc.ID).Msg("Panel refused to re-create client, disabling account")
		if err := a.accounts.SetStatus(ctx, acc.ID, model.AccountDisabled); err != nil {
			log.Error().Err(err).Int64("account_id", acc.ID).Msg("Failed to disable account")
		}
		return "disabled"
	}
	log.Warn().Err(err).Int64("account_id", acc.ID).Msg("Re-create failed, will retry next audit")
	return "reprovision_failed"
}

func (a *Auditor) requeueUnprovisioned(ctx context.Context, run *auditRun) error {
	ids, err := a.txs.ListCompletedPurchasesWithoutAccount(ctx, unprovisionedLimit)
	if err != nil {
		return err
	}
	for _, id := range ids {
		f := Finding{Kind: model.DriftUnprovisioned, TransactionID: id, Action: "requeued"}
		if a.enqueuer == nil {
			f.Action = "none"
		} else {
			a.enqueuer.Enqueue(id)
		}
		a.report(ctx, run, f)
	}
	return nil
}

func (a *Auditor) report(ctx context.Context, run *auditRun, f Finding) {
	run.add(f)
	metrics.Drift.WithLabelValues(string(f.Kind)).Inc()
	log.Warn().
		Str("kind", string(f.Kind)).
		Int64("server_id", f.ServerID).
		Str("identifier", f.Identifier).
		Int64("account_id", f.AccountID).
		Int64("transaction_id", f.TransactionID).
		Str("action", f.Action).
		Msg("Drift detected")
	emit(ctx, a.events, events.Event{
		Type:          events.DriftDetected,
		TransactionID: f.TransactionID,
		AccountID:     f.AccountID,
		ServerID:      f.ServerID,
		Identifier:    f.Identifier,
		Reason:        string(f.Kind) + ":" + f.Action,
	})
}

// CleanupQueue lists stale panel clients awaiting confirmation.
func (a *Auditor) CleanupQueue(ctx context.Context) ([]*model.CleanupTask, error) {
	return a.pendingCleanup(ctx)
}

// ConfirmCleanup deletes a queued stale client from its panel. When a live
// local account on that server uses the identifier again, the client is kept,
// the task is dropped from the queue and ErrCleanupConflict is returned.
func (a *Auditor) ConfirmCleanup(ctx context.Context, taskID int64) error {
	task, err := a.cleanup.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrCleanupNotFound) {
			return ErrCleanupNotFound
		}
		return err
	}

	mine, err := a.ownedOn(ctx, task.ServerID)
	if err != nil {
		return fmt.Errorf("failed to check local accounts: %w", err)
	}
	if mine[task.RemoteIdentifier] {
		a.dropClaimed(ctx, task)
		return ErrCleanupConflict
	}

	server, err := a.servers.GetByID(ctx, task.ServerID)
	if err != nil {
		return fmt.Errorf("failed to load server: %w", err)
	}
	if _, err := a.panel.DeleteClient(ctx, server, task.RemoteIdentifier); err != nil {
		return fmt.Errorf("failed to delete panel client: %w", err)
	}
	if err := a.cleanup.Delete(ctx, task.ID); err != nil {
		return err
	}

	log.Info().Int64("server_id", task.ServerID).Str("identifier", task.RemoteIdentifier).Msg("Stale panel client deleted")
	return nil
}

// RunEvery runs the audit on a fixed interval until ctx is cancelled.
func (a *Auditor) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Audit run failed")
			}
		}
	}
}

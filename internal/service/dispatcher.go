package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

// Dispatcher runs provisioning off the request path on a bounded worker pool.
// The provisioning_jobs outbox is the durable queue; the channel only wakes
// workers early, so a full channel or a crash loses nothing.
type Dispatcher struct {
	prov     *Provisioner
	jobs     JobStore
	queue    chan int64
	workers  int
	reload   time.Duration
	inflight sync.Map
}

// NewDispatcher creates a dispatcher with the given pool size and channel capacity.
func NewDispatcher(prov *Provisioner, jobs JobStore, workers, queueSize int, reload time.Duration) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if reload <= 0 {
		reload = time.Minute
	}
	return &Dispatcher{
		prov:    prov,
		jobs:    jobs,
		queue:   make(chan int64, queueSize),
		workers: workers,
		reload:  reload,
	}
}

// Enqueue schedules a transaction for provisioning without blocking.
func (d *Dispatcher) Enqueue(transactionID int64) {
	select {
	case d.queue <- transactionID:
	default:
		log.Warn().Int64("transaction_id", transactionID).Msg("Provisioning queue full, job left in outbox")
	}
}

// Run consumes jobs until ctx is cancelled, then waits for running workers.
// Pending outbox jobs are loaded at start and on every reload tick.
func (d *Dispatcher) Run(ctx context.Context) error {
	p := pool.New().WithMaxGoroutines(d.workers)
	defer p.Wait()

	d.loadPending(ctx)

	ticker := time.NewTicker(d.reload)
	defer ticker.Stop()

	log.Info().Int("workers", d.workers).Msg("Provisioning dispatcher started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Provisioning dispatcher stopping")
			return nil
		case id := <-d.queue:
			if _, running := d.inflight.LoadOrStore(id, struct{}{}); running {
				continue
			}
			p.Go(func() {
				defer d.inflight.Delete(id)
				d.handle(ctx, id)
			})
		case <-ticker.C:
			d.loadPending(ctx)
		}
	}
}

func (d *Dispatcher) loadPending(ctx context.Context) {
	jobs, err := d.jobs.ListPending(ctx, cap(d.queue))
	if err != nil {
		log.Error().Err(err).Msg("Failed to load pending provisioning jobs")
		return
	}
	for _, j := range jobs {
		if _, running := d.inflight.Load(j.TransactionID); running {
			continue
		}
		d.Enqueue(j.TransactionID)
	}
}

func (d *Dispatcher) handle(ctx context.Context, transactionID int64) {
	_, err := d.prov.Provision(ctx, transactionID)

	var failed *ProvisioningFailedError
	done := err == nil ||
		errors.As(err, &failed) ||
		errors.Is(err, ErrNotProvisionable) ||
		errors.Is(err, ErrTransactionNotFound)
	if err != nil && !done {
		log.Warn().Err(err).Int64("transaction_id", transactionID).Msg("Provisioning attempt incomplete, will retry")
	}

	if err := d.jobs.MarkAttempt(context.WithoutCancel(ctx), transactionID, done); err != nil {
		log.Error().Err(err).Int64("transaction_id", transactionID).Msg("Failed to record provisioning attempt")
	}
}

// Package worker implements the single long-running task that drains the
// queue in batches, persists raw events, and maintains the aggregate rollups.
package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/weather-mcp/analytics-server/internal/aggregator"
	"github.com/weather-mcp/analytics-server/internal/events"
	"github.com/weather-mcp/analytics-server/internal/queue"
	"github.com/weather-mcp/analytics-server/internal/storage"
)

// DefaultShutdownGrace bounds how long Stop waits for an in-flight batch to
// finish before giving up (§4.3).
const DefaultShutdownGrace = 30 * time.Second

// processBatchTimeout bounds processBatch's own detached context. It must
// stay comfortably under DefaultShutdownGrace so Stop's wait actually covers
// the worst case instead of racing it.
const processBatchTimeout = 20 * time.Second

// Config controls the worker's polling cadence and batch size.
type Config struct {
	// PollInterval is the sleep between empty dequeues.
	PollInterval time.Duration
	// BatchSize is the max number of events dequeued per tick.
	BatchSize int
	// ShutdownGrace bounds how long Stop waits for the in-flight batch.
	ShutdownGrace time.Duration
}

// Worker drains Queue in batches, writes them to RawStore, and folds them
// into Aggregator. A single instance is sufficient for correctness; multiple
// instances may run concurrently because dequeue is FIFO-disjoint and
// aggregation upserts are idempotent and commutative (§4.3).
type Worker struct {
	queue      *queue.Queue
	rawStore   storage.RawStore
	aggregator *aggregator.Aggregator
	cfg        Config
	logger     *slog.Logger

	shuttingDown atomic.Bool
	inFlight     atomic.Bool
	done         chan struct{}
}

// New returns a Worker wired to its three collaborators.
func New(q *queue.Queue, rawStore storage.RawStore, agg *aggregator.Aggregator, cfg Config, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}

	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}

	return &Worker{
		queue:      q,
		rawStore:   rawStore,
		aggregator: agg,
		cfg:        cfg,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run blocks, executing the poll loop until ctx is cancelled or Stop is
// called. It returns once the loop has fully exited.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	for {
		if w.shuttingDown.Load() {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := w.queue.DequeueBatch(ctx, w.cfg.BatchSize)
		if err != nil {
			w.logger.Error("dequeue failed", slog.String("error", err.Error()))
			w.sleep(ctx)

			continue
		}

		if len(batch) == 0 {
			w.sleep(ctx)

			continue
		}

		if w.shuttingDown.Load() {
			w.reenqueue(batch)

			return
		}

		w.processBatch(batch)
	}
}

// Stop signals the loop to stop dequeuing and blocks up to ShutdownGrace for
// any in-flight batch to finish, matching §4.3/§4.6's shutdown sequence.
func (w *Worker) Stop() {
	w.shuttingDown.Store(true)

	select {
	case <-w.done:
	case <-time.After(w.cfg.ShutdownGrace):
		w.logger.Warn("worker shutdown grace period elapsed with work still in flight")
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.PollInterval):
	}
}

func (w *Worker) reenqueue(batch []events.QueuedEvent) {
	plain := make([]events.Event, 0, len(batch))
	for _, qe := range batch {
		plain = append(plain, qe.Event)
	}

	// Re-queueing on shutdown must not be bounded by the caller's context,
	// which may already be cancelled by the time this runs.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.queue.EnqueueMany(ctx, plain); err != nil {
		w.logger.Error("failed to re-enqueue in-flight batch on shutdown",
			slog.Int("batch_size", len(plain)), slog.String("error", err.Error()))
	}
}

func (w *Worker) processBatch(batch []events.QueuedEvent) {
	w.inFlight.Store(true)
	defer w.inFlight.Store(false)

	plain := make([]events.Event, 0, len(batch))
	for _, qe := range batch {
		plain = append(plain, qe.Event)
	}

	// A batch is not cancellable mid-flight (§4.3): once dequeued it must end
	// up persisted-and-aggregated, not abandoned because the process's own
	// shutdown signal cancelled ctx out from under an in-flight transaction.
	// Detach a bounded-timeout context instead of propagating ctx, the same
	// way Server.shutdown detaches from its own cancelled context.
	dbCtx, cancel := context.WithTimeout(context.Background(), processBatchTimeout)
	defer cancel()

	if err := w.rawStore.InsertBatch(dbCtx, plain); err != nil {
		w.logger.Error("raw insert failed, abandoning batch",
			slog.Int("batch_size", len(plain)), slog.String("error", err.Error()))

		return
	}

	if err := w.aggregator.Apply(dbCtx, plain); err != nil {
		// Raw events are already committed; rollups are rebuildable from raw
		// data, so an aggregation failure here is logged, not fatal to the batch.
		w.logger.Error("aggregation failed, raw events already persisted",
			slog.Int("batch_size", len(plain)), slog.String("error", err.Error()))

		return
	}

	w.logger.Info("batch processed", slog.Int("batch_size", len(plain)))
}

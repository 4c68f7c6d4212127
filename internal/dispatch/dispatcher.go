// Package dispatch provides the sync dispatcher: the timer-driven drain loop
// that delivers queued mutations to the backend ingestion API.
//
// A drain cycle is single-flight - a new cycle never starts while a previous
// one is still running, so overlapping timers cannot double-dispatch an
// operation. The drain guard is held across the awaited network calls for
// the whole cycle.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/pocketledger/fieldsync/internal/config"
	"github.com/pocketledger/fieldsync/internal/localstore"
	"github.com/pocketledger/fieldsync/internal/record"
	"github.com/pocketledger/fieldsync/internal/wire"
)

// ErrDrainInProgress is returned when DrainOnce is called while a previous
// drain cycle is still running.
var ErrDrainInProgress = errors.New("drain already in progress")

// Config holds dispatcher tuning. All of it is operational, not structural;
// the defaults match DefaultConfig.
type Config struct {
	// DrainInterval is the timer period between drain cycles.
	DrainInterval time.Duration

	// BatchSize caps how many operations one drain cycle takes.
	BatchSize int

	// AttemptTimeout bounds each backend request.
	AttemptTimeout time.Duration

	// StuckTimeout is the watchdog threshold: in-flight operations older
	// than this are reset to pending at the start of a drain.
	StuckTimeout time.Duration

	// RetryCeiling is the attempt count after which a transiently failing
	// operation is surfaced as permanently failed.
	RetryCeiling int

	// BackoffBase is the first retry delay; it doubles per attempt up to
	// BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Logger for drain activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval:  5 * time.Second,
		BatchSize:      50,
		AttemptTimeout: 10 * time.Second,
		StuckTimeout:   60 * time.Second,
		RetryCeiling:   8,
		BackoffBase:    2 * time.Second,
		BackoffCap:     5 * time.Minute,
	}
}

// DrainResult summarizes one drain cycle.
type DrainResult struct {
	// Succeeded operations were acknowledged and removed from the queue.
	Succeeded int

	// Failed operations were rejected permanently.
	Failed int

	// Retriable operations hit a transient fault and will be retried.
	Retriable int
}

// Dispatcher drains the outbox to the backend.
type Dispatcher struct {
	store   *localstore.Store
	ingest  Ingestor
	session config.Session
	cfg     *Config
	logger  *log.Logger

	draining atomic.Bool
}

// New creates a Dispatcher.
//
// The session identifies which user's queue this dispatcher serves; it is an
// explicit value, not process-global state, so multiple accounts can run
// side by side. If cfg is nil, DefaultConfig is used; if cfg.Logger is nil,
// a default logger writing to stderr is used.
func New(store *localstore.Store, ingest Ingestor, session config.Session, cfg *Config) *Dispatcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dispatch] ", log.LstdFlags)
	}
	return &Dispatcher{
		store:   store,
		ingest:  ingest,
		session: session,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run drives drain cycles on a fixed timer until ctx is cancelled.
// Ticks that land while a drain is still running are skipped.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Printf("Dispatcher running for owner=%s device=%s every %v",
		d.session.OwnerID, d.session.DeviceID, d.cfg.DrainInterval)

	ticker := time.NewTicker(d.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res, err := d.DrainOnce(ctx)
			if errors.Is(err, ErrDrainInProgress) {
				continue
			}
			if err != nil {
				d.logger.Printf("Drain failed: %v", err)
				continue
			}
			if res.Succeeded+res.Failed+res.Retriable > 0 {
				d.logger.Printf("Drain: succeeded=%d failed=%d retriable=%d",
					res.Succeeded, res.Failed, res.Retriable)
			}
		}
	}
}

// DrainOnce runs one drain cycle: reset stuck operations, take a batch,
// group it by kind, and deliver one request per group.
//
// Returns ErrDrainInProgress without doing anything if a cycle is already
// running.
func (d *Dispatcher) DrainOnce(ctx context.Context) (DrainResult, error) {
	if !d.draining.CompareAndSwap(false, true) {
		return DrainResult{}, ErrDrainInProgress
	}
	defer d.draining.Store(false)

	var res DrainResult

	if n, err := d.store.ResetStuck(ctx, d.cfg.StuckTimeout); err != nil {
		return res, fmt.Errorf("watchdog reset failed: %w", err)
	} else if n > 0 {
		d.logger.Printf("Watchdog reset %d stuck operation(s)", n)
	}

	batch, err := d.store.NextBatch(ctx, d.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("failed to take batch: %w", err)
	}
	if len(batch) == 0 {
		return res, nil
	}

	for _, group := range groupByKind(batch) {
		d.sendGroup(ctx, group, &res)
	}

	return res, nil
}

// group is a run of operations for one kind, in queue order.
type group struct {
	kind record.Kind
	ops  []*localstore.Operation
}

// groupByKind buckets operations by kind, preserving queue order within
// each bucket and first-seen order across buckets. Operations on the same
// entity always share a kind, so grouping never reorders them.
func groupByKind(ops []*localstore.Operation) []*group {
	var groups []*group
	index := make(map[record.Kind]*group)
	for _, op := range ops {
		g, ok := index[op.Kind]
		if !ok {
			g = &group{kind: op.Kind}
			index[op.Kind] = g
			groups = append(groups, g)
		}
		g.ops = append(g.ops, op)
	}
	return groups
}

// sendGroup delivers one kind group and applies the per-item outcome.
func (d *Dispatcher) sendGroup(ctx context.Context, g *group, res *DrainResult) {
	items := make([]record.Record, 0, len(g.ops))
	for _, op := range g.ops {
		items = append(items, op.Payload)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	resp, err := d.ingest.SendBatch(attemptCtx, g.kind, items)
	cancel()

	switch {
	case err == nil:
		d.applyOutcome(ctx, g, resp, res)

	case IsPermanent(err):
		// The backend refused the whole batch as invalid; retrying an
		// identical payload can never succeed.
		for _, op := range g.ops {
			d.markFailed(ctx, op, err.Error(), res)
		}

	default:
		for _, op := range g.ops {
			d.markTransient(ctx, op, err.Error(), res)
		}
	}
}

// applyOutcome marks each operation in the group according to the backend's
// per-item response. An id the backend neither accepted nor rejected is an
// ambiguous outcome and treated as retriable - never as success.
func (d *Dispatcher) applyOutcome(ctx context.Context, g *group, resp *wire.BatchResponse, res *DrainResult) {
	rejected := make(map[string]string, len(resp.Rejected))
	for _, rej := range resp.Rejected {
		rejected[rej.ID] = rej.Reason
	}
	accepted := make(map[string]bool, len(resp.Accepted))
	for _, id := range resp.Accepted {
		accepted[id] = true
	}

	for _, op := range g.ops {
		switch {
		case rejected[op.EntityID] != "":
			d.markFailed(ctx, op, rejected[op.EntityID], res)

		case accepted[op.EntityID]:
			if err := d.store.MarkSucceeded(ctx, op.OpID); err != nil {
				d.logger.Printf("Failed to mark %s succeeded: %v", op.OpID, err)
				continue
			}
			res.Succeeded++

		default:
			d.markTransient(ctx, op, "backend response did not mention item", res)
		}
	}
}

func (d *Dispatcher) markFailed(ctx context.Context, op *localstore.Operation, reason string, res *DrainResult) {
	d.logger.Printf("Operation %s (%s %s/%s) failed permanently: %s",
		op.OpID, op.Action, op.Kind, op.EntityID, reason)
	if err := d.store.MarkFailed(ctx, op.OpID, reason); err != nil {
		d.logger.Printf("Failed to mark %s failed: %v", op.OpID, err)
		return
	}
	res.Failed++
}

func (d *Dispatcher) markTransient(ctx context.Context, op *localstore.Operation, reason string, res *DrainResult) {
	if op.AttemptCount >= d.cfg.RetryCeiling {
		d.markFailed(ctx, op,
			fmt.Sprintf("retries exhausted after %d attempts: %s", op.AttemptCount, reason), res)
		return
	}

	delay := backoff(d.cfg.BackoffBase, d.cfg.BackoffCap, op.AttemptCount)
	retryAt := time.Now().UTC().Add(delay)
	if err := d.store.MarkRetry(ctx, op.OpID, reason, retryAt); err != nil {
		d.logger.Printf("Failed to mark %s for retry: %v", op.OpID, err)
		return
	}
	res.Retriable++
}

// backoff returns the delay before the next attempt: base doubled per prior
// attempt, capped.
func backoff(base, ceiling time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Package janitor recovers tasks stranded in PROCESSING by crashed or hung
// workers. It periodically sweeps the store for PROCESSING tasks whose last
// update predates a staleness horizon and revokes them (marks them FAILED)
// so their scenarios settle instead of hanging forever.
//
// In a cluster the sweep runs on exactly one node at a time: the janitor
// uses a Pulse distributed ticker, which elects a single tick recipient and
// fails over automatically when that node dies. Without a pool node it
// falls back to a local ticker, suitable for single-node deployments.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/pulse/pool"
	"golang.org/x/time/rate"

	"goa.design/maestro/store"
	"goa.design/maestro/telemetry"
)

const (
	// DefaultHorizon is how long a task may sit PROCESSING before it is
	// considered abandoned.
	DefaultHorizon = 10 * time.Minute
	// DefaultInterval is the default time between sweeps.
	DefaultInterval = time.Minute
	// DefaultRateLimit is the default revocation pace, in revocations per
	// second. The limiter keeps a large backlog of stale tasks from
	// flooding the store in one burst.
	DefaultRateLimit = rate.Limit(50)

	tickerName = "maestro:janitor"
)

// Config configures a Janitor. Store is required.
type Config struct {
	// Store is the persistence layer to sweep. Required.
	Store store.Store
	// Node is the Pulse pool node used to create the distributed sweep
	// ticker. When nil the janitor ticks locally.
	Node *pool.Node
	// Horizon is the staleness threshold. Defaults to DefaultHorizon.
	Horizon time.Duration
	// Interval is the time between sweeps. Defaults to DefaultInterval.
	Interval time.Duration
	// RateLimit paces revocations. Defaults to DefaultRateLimit.
	RateLimit rate.Limit
	// Logger receives sweep logs. Defaults to a no-op logger.
	Logger telemetry.Logger
	// Metrics receives revocation counts. Defaults to a no-op recorder.
	Metrics telemetry.Metrics
}

// Janitor sweeps the store for abandoned PROCESSING tasks.
type Janitor struct {
	store    store.Store
	node     *pool.Node
	horizon  time.Duration
	interval time.Duration
	limiter  *rate.Limiter
	log      telemetry.Logger
	metrics  telemetry.Metrics
}

// New creates a Janitor from the given configuration.
func New(cfg Config) (*Janitor, error) {
	if cfg.Store == nil {
		return nil, errors.New("janitor: store is required")
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	return &Janitor{
		store:    cfg.Store,
		node:     cfg.Node,
		horizon:  cfg.Horizon,
		interval: cfg.Interval,
		limiter:  rate.NewLimiter(cfg.RateLimit, 1),
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Run sweeps on every tick until the context is cancelled. Returns the
// context's error, or the ticker creation error when the distributed ticker
// cannot be established.
func (j *Janitor) Run(ctx context.Context) error {
	ticks, stop, err := j.ticker(ctx)
	if err != nil {
		return err
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticks:
			n, err := j.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				j.log.Error(ctx, "sweep failed", "err", err)
				continue
			}
			if n > 0 {
				j.log.Info(ctx, "sweep revoked stale tasks", "revoked", n, "horizon", j.horizon)
			}
		}
	}
}

// Sweep runs one pass: lists PROCESSING tasks older than the horizon and
// revokes each one that is still stale at revocation time. Returns the
// number of tasks revoked. Tasks that finish between listing and revocation
// are skipped; that race is benign.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-j.horizon)
	ids, err := j.store.StaleProcessing(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale tasks: %w", err)
	}
	reason := fmt.Sprintf("revoked: processing for more than %s", j.horizon)
	revoked := 0
	for _, id := range ids {
		if err := j.limiter.Wait(ctx); err != nil {
			return revoked, err
		}
		ok, err := j.store.Revoke(ctx, id, cutoff, reason)
		if err != nil {
			j.log.Error(ctx, "revoke failed", "task_id", id, "err", err)
			continue
		}
		if ok {
			revoked++
			j.metrics.IncCounter(telemetry.MetricTasksRevoked, 1)
			j.log.Warn(ctx, "task revoked", "task_id", id, "horizon", j.horizon)
		}
	}
	return revoked, nil
}

// ticker returns the sweep tick channel: a distributed Pulse ticker when a
// pool node is configured, a local ticker otherwise.
func (j *Janitor) ticker(ctx context.Context) (<-chan time.Time, func(), error) {
	if j.node == nil {
		t := time.NewTicker(j.interval)
		return t.C, t.Stop, nil
	}
	t, err := j.node.NewTicker(ctx, tickerName, j.interval)
	if err != nil {
		return nil, nil, fmt.Errorf("create distributed ticker: %w", err)
	}
	return t.C, func() { t.Stop() }, nil
}

// Package worker provides the claim loop that worker services run to pull
// tasks from their queue and report outcomes back to the orchestrator.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/maestro/orchestrator"
	"goa.design/maestro/task"
	"goa.design/maestro/telemetry"
)

// Handler executes one claimed task and returns a reference to the produced
// artifact. A non-nil error marks the task FAILED with the error text as
// reason. The context carries the task deadline when one is configured.
type Handler func(ctx context.Context, t *task.Task) (resultRef string, err error)

// Runner claims tasks for one service and feeds them to a Handler.
type Runner struct {
	orc     *orchestrator.Orchestrator
	service string
	handler Handler

	claimTimeout time.Duration
	taskTimeout  time.Duration
	concurrency  int
	log          telemetry.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithClaimTimeout sets the per-iteration blocking claim timeout. Shorter
// timeouts make shutdown more responsive. Default 5s.
func WithClaimTimeout(d time.Duration) Option {
	return func(r *Runner) { r.claimTimeout = d }
}

// WithTaskTimeout bounds handler execution. A handler exceeding the timeout
// has its context cancelled and the task is marked FAILED. Zero means no
// bound. Default zero.
func WithTaskTimeout(d time.Duration) Option {
	return func(r *Runner) { r.taskTimeout = d }
}

// WithConcurrency sets the number of parallel claim loops. Default 1.
func WithConcurrency(n int) Option {
	return func(r *Runner) { r.concurrency = n }
}

// WithLogger sets the runner logger. Default no-op.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// New creates a Runner for the given service and handler.
func New(orc *orchestrator.Orchestrator, service string, handler Handler, opts ...Option) *Runner {
	r := &Runner{
		orc:          orc,
		service:      service,
		handler:      handler,
		claimTimeout: 5 * time.Second,
		concurrency:  1,
		log:          telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.concurrency < 1 {
		r.concurrency = 1
	}
	return r
}

// Run claims and executes tasks until the context is cancelled. Tasks
// in flight when cancellation arrives finish and report their outcome
// before Run returns. Returns the context's error.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Runner) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		t, err := r.orc.Claim(ctx, r.service, r.claimTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Error(ctx, "claim failed", "service", r.service, "err", err)
			// Back off so a dead store does not spin the loop.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if t == nil {
			continue
		}
		r.execute(ctx, t)
	}
}

// execute runs the handler and reports the outcome. Reporting uses a
// context detached from cancellation so a shutdown mid-task still records
// the result instead of stranding the task PROCESSING.
func (r *Runner) execute(ctx context.Context, t *task.Task) {
	report := context.WithoutCancel(ctx)

	hctx := ctx
	if r.taskTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, r.taskTimeout)
		defer cancel()
	}

	resultRef, err := r.runHandler(hctx, t)
	if err != nil {
		if ferr := r.orc.Fail(report, t.ID, err.Error()); ferr != nil {
			r.log.Error(report, "report failure failed", "task_id", t.ID, "err", ferr)
		}
		return
	}
	if _, serr := r.orc.Succeed(report, t.ID, resultRef); serr != nil {
		r.log.Error(report, "report success failed", "task_id", t.ID, "err", serr)
	}
}

// runHandler shields the claim loop from handler panics: a panicking
// handler fails its task instead of killing the worker.
func (r *Runner) runHandler(ctx context.Context, t *task.Task) (ref string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return r.handler(ctx, t)
}

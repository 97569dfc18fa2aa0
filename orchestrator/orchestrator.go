// Package orchestrator is the service facade of maestro: it ties the
// template catalog, the render engine, the expander and the store together
// behind a small API. Submitters expand a registered template into a
// scenario; workers claim tasks from service queues and report outcomes;
// the fan-out that readies downstream tasks runs inside the store as one
// atomic step.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/maestro/catalog"
	catalogmem "goa.design/maestro/catalog/memory"
	"goa.design/maestro/expand"
	"goa.design/maestro/store"
	"goa.design/maestro/task"
	"goa.design/maestro/telemetry"
	"goa.design/maestro/template"
)

// DefaultServices is the set of worker service queues maestro dispatches to
// when the configuration names none. Speech synthesis rides the voice
// service queue.
var DefaultServices = []string{
	"text-service",
	"voice-service",
	"image-service",
	"video-service",
}

// ErrUnknownService is returned when a template or a claim names a service
// outside the configured set.
var ErrUnknownService = errors.New("unknown service")

type (
	// Config configures an Orchestrator. Store is required; everything
	// else has a sensible default.
	Config struct {
		// Store is the shared persistence layer. Required.
		Store store.Store
		// Catalog is the template registry. Defaults to an in-process
		// catalog.
		Catalog catalog.Catalog
		// Services is the allowed set of worker service names. Templates
		// referencing a service outside this set are rejected at submit
		// time. Defaults to DefaultServices.
		Services []string
		// CascadeFail marks every transitively dependent PENDING task
		// FAILED when a task fails. Off by default: unrelated branches of
		// a scenario keep running and the scenario surfaces as stuck.
		CascadeFail bool
		// Logger receives orchestrator logs. Defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics receives orchestrator metrics. Defaults to a no-op
		// recorder.
		Metrics telemetry.Metrics
	}

	// Orchestrator exposes the scenario and task lifecycle operations.
	// Safe for concurrent use.
	Orchestrator struct {
		store    store.Store
		catalog  catalog.Catalog
		services map[string]struct{}
		cascade  bool
		log      telemetry.Logger
		metrics  telemetry.Metrics
	}

	// Progress is the summarized state of a scenario.
	Progress struct {
		ScenarioID string
		// Counts holds the number of member tasks per status.
		Counts map[task.Status]int
		// Total is the number of member tasks.
		Total int
		// State is the derived scenario state: StateRunning, StateDone,
		// StateFailed or StateStuck.
		State string
	}
)

// Derived scenario states reported by Progress.
const (
	// StateRunning means at least one task can still make progress.
	StateRunning = "running"
	// StateDone means every task reached SUCCESS.
	StateDone = "done"
	// StateFailed means every task is terminal and at least one FAILED.
	StateFailed = "failed"
	// StateStuck means tasks remain PENDING but nothing is queued or
	// processing, so they can never become eligible.
	StateStuck = "stuck"
)

// New creates an Orchestrator from the given configuration.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalogmem.New()
	}
	if len(cfg.Services) == 0 {
		cfg.Services = DefaultServices
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	services := make(map[string]struct{}, len(cfg.Services))
	for _, s := range cfg.Services {
		services[s] = struct{}{}
	}
	return &Orchestrator{
		store:    cfg.Store,
		catalog:  cfg.Catalog,
		services: services,
		cascade:  cfg.CascadeFail,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

// RegisterTemplate stores a template in the catalog, replacing any existing
// template with the same name.
func (o *Orchestrator) RegisterTemplate(ctx context.Context, tpl *catalog.Template) error {
	if err := o.catalog.Register(ctx, tpl); err != nil {
		return err
	}
	o.log.Info(ctx, "template registered", "template", tpl.Name, "version", tpl.Version)
	return nil
}

// Submit expands the named template into a new scenario and publishes its
// task graph. params override the template's declared variable defaults and
// must satisfy the template's parameter schema when one is declared. Returns
// the id of the new scenario.
//
// Submission is all-or-nothing: any render, parse or expansion failure
// leaves no trace in the store.
func (o *Orchestrator) Submit(ctx context.Context, templateName string, params map[string]any) (string, error) {
	tpl, err := o.catalog.Lookup(ctx, templateName)
	if err != nil {
		return "", fmt.Errorf("lookup template %q: %w", templateName, err)
	}
	if err := tpl.ValidateParams(params); err != nil {
		return "", err
	}

	defaults, err := template.Defaults(tpl.Source)
	if err != nil {
		return "", expand.Wrap(expand.KindInvalidTemplate, err, "template %q", tpl.Name)
	}
	vars := make(map[string]any, len(defaults)+len(params))
	for k, v := range defaults {
		vars[k] = v
	}
	for k, v := range params {
		vars[k] = v
	}

	scenarioID := uuid.NewString()
	engine := template.NewEngine(scenarioID)
	rendered, err := engine.Render(tpl.Name, tpl.Source, vars)
	if err != nil {
		return "", expand.Wrap(expand.KindInvalidTemplate, err, "render template %q", tpl.Name)
	}
	doc, err := template.Parse([]byte(rendered))
	if err != nil {
		return "", expand.Wrap(expand.KindInvalidTemplate, err, "parse template %q", tpl.Name)
	}
	if doc.Version == "" {
		doc.Version = tpl.Version
	}
	for _, tt := range doc.Tasks {
		if _, ok := o.services[tt.Service]; !ok {
			return "", expand.Wrap(expand.KindInvalidTemplate, ErrUnknownService,
				"template %q: task %q targets service %q", tpl.Name, tt.ID, tt.Service)
		}
	}

	sc, tasks, err := expand.Expand(doc, scenarioID, time.Now().UTC())
	if err != nil {
		return "", err
	}
	if err := o.store.PublishGraph(ctx, sc, tasks); err != nil {
		return "", fmt.Errorf("publish scenario %q: %w", scenarioID, err)
	}

	queued := 0
	for _, t := range tasks {
		if t.Status == task.StatusQueued {
			queued++
		}
	}
	o.log.Info(ctx, "scenario published",
		"scenario_id", scenarioID,
		"template", tpl.Name,
		"tasks", len(tasks),
		"queued", queued,
	)
	o.metrics.IncCounter(telemetry.MetricScenariosSubmitted, 1, "template", tpl.Name)
	o.metrics.IncCounter(telemetry.MetricTasksPublished, float64(len(tasks)), "template", tpl.Name)
	return scenarioID, nil
}

// Claim blocks up to timeout for the next task of the given service and
// atomically marks it PROCESSING. Returns (nil, nil) when the timeout
// elapses with nothing claimable.
func (o *Orchestrator) Claim(ctx context.Context, service string, timeout time.Duration) (*task.Task, error) {
	if _, ok := o.services[service]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	start := time.Now()
	t, err := o.store.Claim(ctx, service, timeout)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	o.metrics.RecordTimer(telemetry.MetricClaimLatency, time.Since(start), "service", service)
	o.log.Debug(ctx, "task claimed", "task_id", t.ID, "scenario_id", t.ScenarioID, "service", service)
	return t, nil
}

// Succeed marks a PROCESSING task SUCCESS with the given result reference
// and runs the consumer fan-out. Returns the ids of downstream tasks that
// became QUEUED as a result.
func (o *Orchestrator) Succeed(ctx context.Context, taskID, resultRef string) ([]string, error) {
	enqueued, err := o.store.Complete(ctx, taskID, resultRef)
	if err != nil {
		return nil, err
	}
	o.metrics.IncCounter(telemetry.MetricTasksCompleted, 1)
	o.log.Info(ctx, "task succeeded", "task_id", taskID, "enqueued", len(enqueued))
	return enqueued, nil
}

// Fail marks a PROCESSING task FAILED with the given reason. With
// CascadeFail enabled every transitively dependent PENDING task is also
// marked FAILED; otherwise dependents stay PENDING and the scenario
// eventually reports stuck.
func (o *Orchestrator) Fail(ctx context.Context, taskID, reason string) error {
	var err error
	if o.cascade {
		err = o.store.FailCascade(ctx, taskID, reason)
	} else {
		err = o.store.Fail(ctx, taskID, reason)
	}
	if err != nil {
		return err
	}
	o.metrics.IncCounter(telemetry.MetricTasksFailed, 1)
	o.log.Warn(ctx, "task failed", "task_id", taskID, "reason", reason, "cascade", o.cascade)
	return nil
}

// GetTask retrieves a task by id.
func (o *Orchestrator) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return o.store.Task(ctx, id)
}

// GetScenario retrieves a scenario record by id.
func (o *Orchestrator) GetScenario(ctx context.Context, id string) (*task.Scenario, error) {
	return o.store.Scenario(ctx, id)
}

// ScenarioTasks retrieves all tasks of a scenario in expansion order.
func (o *Orchestrator) ScenarioTasks(ctx context.Context, id string) ([]*task.Task, error) {
	return o.store.ScenarioTasks(ctx, id)
}

// QueueDepth returns the current length of a service queue.
func (o *Orchestrator) QueueDepth(ctx context.Context, service string) (int64, error) {
	if _, ok := o.services[service]; !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	depth, err := o.store.QueueDepth(ctx, service)
	if err != nil {
		return 0, err
	}
	o.metrics.RecordGauge(telemetry.MetricQueueDepth, float64(depth), "service", service)
	return depth, nil
}

// Services returns the configured worker service names.
func (o *Orchestrator) Services() []string {
	out := make([]string, 0, len(o.services))
	for s := range o.services {
		out = append(out, s)
	}
	return out
}

// Store exposes the underlying store. Intended for wiring auxiliary
// components (janitor, health checks) that share the orchestrator's backend.
func (o *Orchestrator) Store() store.Store {
	return o.store
}

// Progress summarizes the state of a scenario: per-status task counts and
// the derived scenario state.
func (o *Orchestrator) Progress(ctx context.Context, scenarioID string) (*Progress, error) {
	tasks, err := o.store.ScenarioTasks(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	counts := make(map[task.Status]int, 5)
	for _, t := range tasks {
		counts[t.Status]++
	}
	return &Progress{
		ScenarioID: scenarioID,
		Counts:     counts,
		Total:      len(tasks),
		State:      deriveState(counts, len(tasks)),
	}, nil
}

// deriveState computes the scenario state from per-status counts. A
// scenario with a failure and no active tasks is stuck when PENDING tasks
// remain (their pending counts can never reach zero) and failed when every
// task is terminal.
func deriveState(counts map[task.Status]int, total int) string {
	if counts[task.StatusSuccess] == total {
		return StateDone
	}
	active := counts[task.StatusQueued] + counts[task.StatusProcessing]
	if active > 0 || counts[task.StatusFailed] == 0 {
		return StateRunning
	}
	if counts[task.StatusPending] > 0 {
		return StateStuck
	}
	return StateFailed
}

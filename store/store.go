// Package store defines the persistence layer interface for the
// orchestrator.
//
// The Store interface abstracts the shared key-value system holding all
// orchestration state. Available implementations:
//
//   - memory: in-process store for development and testing
//   - redis: Redis store for production, with every compound mutation
//     executed as a single server-side script
//
// Every method that combines a read-modify-write with a queue push
// (Complete, Claim, Revoke) must execute as one linearization point; the
// dependency-scheduling correctness of the dispatcher rests entirely on
// that guarantee.
package store

import (
	"context"
	"errors"
	"time"

	"goa.design/maestro/task"
)

// ErrTaskNotFound is returned when a task id does not exist.
var ErrTaskNotFound = errors.New("task not found")

// ErrScenarioNotFound is returned when a scenario id does not exist or its
// publication has not completed.
var ErrScenarioNotFound = errors.New("scenario not found")

// ErrUnavailable wraps backing-store failures. Callers should treat it as
// retryable: a failed Complete leaves the task PROCESSING and the operation
// is safe to repeat.
var ErrUnavailable = errors.New("store unavailable")

// Store is the persistence layer shared by all orchestrator processes and
// workers. Implementations must be safe for concurrent use.
type Store interface {
	// PublishGraph persists a freshly expanded scenario: every task hash,
	// the scenario task list, the initial queue pushes for tasks born
	// QUEUED (in expansion order), and the scenario index. The whole
	// publication is observable to readers only once it has completed; a
	// failed publication leaves no visible scenario.
	PublishGraph(ctx context.Context, sc *task.Scenario, tasks []*task.Task) error

	// Task retrieves a task by id. Returns ErrTaskNotFound if absent.
	Task(ctx context.Context, id string) (*task.Task, error)

	// Scenario retrieves a scenario record by id. Returns
	// ErrScenarioNotFound if absent.
	Scenario(ctx context.Context, id string) (*task.Scenario, error)

	// ScenarioTasks retrieves all tasks of a scenario in expansion order.
	ScenarioTasks(ctx context.Context, id string) ([]*task.Task, error)

	// Claim blocks up to timeout for the next task id on the service
	// queue and atomically transitions it QUEUED -> PROCESSING. Ids whose
	// task is no longer QUEUED (late artefacts of a crashed re-enqueue)
	// are dropped and the pop is retried within the same timeout budget.
	// Returns (nil, nil) when the timeout elapses with nothing claimable.
	Claim(ctx context.Context, service string, timeout time.Duration) (*task.Task, error)

	// Complete transitions a task PROCESSING -> SUCCESS, records the
	// result reference and runs the consumer fan-out: every consumer's
	// pending count is decremented and consumers reaching zero are
	// transitioned to QUEUED and pushed onto their service queue, all as
	// one atomic step. Returns the ids that were enqueued. Fails with
	// task.ErrInvalidTransition if the task is not PROCESSING.
	Complete(ctx context.Context, id, resultRef string) ([]string, error)

	// Fail transitions a task PROCESSING -> FAILED and records the
	// failure reason. Consumers are left PENDING.
	Fail(ctx context.Context, id, reason string) error

	// FailCascade is Fail followed by marking every transitively
	// dependent task that is still PENDING as FAILED. Used only when the
	// orchestrator is configured for cascade-fail.
	FailCascade(ctx context.Context, id, reason string) error

	// QueueDepth returns the current length of the named service queue.
	QueueDepth(ctx context.Context, service string) (int64, error)

	// StaleProcessing lists ids of PROCESSING tasks whose last update is
	// older than the given instant. The view may be slightly stale.
	StaleProcessing(ctx context.Context, olderThan time.Time) ([]string, error)

	// Revoke atomically transitions a task PROCESSING -> FAILED if and
	// only if it is still PROCESSING and its last update is older than
	// the given instant. Returns whether the transition happened.
	Revoke(ctx context.Context, id string, olderThan time.Time, reason string) (bool, error)

	// DeclareQueues ensures the given service queues are recognised.
	// Backends may use this to pre-create keys; it is a no-op where the
	// underlying system creates lists on first push.
	DeclareQueues(ctx context.Context, services []string) error
}

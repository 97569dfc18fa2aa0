// Package redis provides the Redis implementation of the orchestrator
// store.
//
// State lives under the fixed key namespaces task:{id} (hash),
// scenario:{id} (hash), scenario:{id}:tasks (list) and queue:{service}
// (list, LPUSH head / BRPOP tail). Every compound mutation runs as a
// single server-side script (see scripts.go); publication uses a
// MULTI/EXEC pipeline with the scenario index written last so readers
// never observe a scenario without its tasks.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/maestro/store"
	"goa.design/maestro/task"
)

const (
	taskKeyPrefix  = "task:"
	queueKeyPrefix = "queue:"

	timeLayout = time.RFC3339Nano

	// scanBatch is the COUNT hint for SCAN when listing stale tasks.
	scanBatch = 256
)

// Store is a Redis-backed implementation of store.Store. It is safe for
// concurrent use; all correctness-bearing mutations execute server-side.
type Store struct {
	client goredis.UniversalClient
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates a Redis store on the given client. The caller owns the
// client and is responsible for closing it.
func New(client goredis.UniversalClient) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Store{client: client}, nil
}

// PublishGraph persists the scenario atomically: task hashes, the ordered
// task id list, initial queue pushes in expansion order, and the scenario
// index last.
func (s *Store) PublishGraph(ctx context.Context, sc *task.Scenario, tasks []*task.Task) error {
	pipe := s.client.TxPipeline()
	for _, t := range tasks {
		fields, err := t.EncodeHash()
		if err != nil {
			return fmt.Errorf("encode task %q: %w", t.ID, err)
		}
		pipe.HSet(ctx, taskKey(t.ID), fields)
	}
	ids := make([]any, 0, len(sc.TaskIDs))
	for _, id := range sc.TaskIDs {
		ids = append(ids, id)
	}
	pipe.RPush(ctx, scenarioTasksKey(sc.ID), ids...)
	for _, t := range tasks {
		if t.Status == task.StatusQueued {
			pipe.LPush(ctx, queueKey(t.Service), t.ID)
		}
	}
	scFields, err := sc.EncodeHash()
	if err != nil {
		return fmt.Errorf("encode scenario %q: %w", sc.ID, err)
	}
	pipe.HSet(ctx, scenarioKey(sc.ID), scFields)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("publish scenario "+sc.ID, err)
	}
	return nil
}

// Task retrieves a task by id.
func (s *Store) Task(ctx context.Context, id string) (*task.Task, error) {
	fields, err := s.client.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return nil, unavailable("read task "+id, err)
	}
	if len(fields) == 0 {
		return nil, store.ErrTaskNotFound
	}
	t, err := task.DecodeHash(fields)
	if err != nil {
		return nil, fmt.Errorf("decode task %q: %w", id, err)
	}
	return t, nil
}

// Scenario retrieves a scenario record by id. An unpublished scenario
// (index hash absent) reads as not found.
func (s *Store) Scenario(ctx context.Context, id string) (*task.Scenario, error) {
	fields, err := s.client.HGetAll(ctx, scenarioKey(id)).Result()
	if err != nil {
		return nil, unavailable("read scenario "+id, err)
	}
	if len(fields) == 0 {
		return nil, store.ErrScenarioNotFound
	}
	sc, err := task.DecodeScenarioHash(fields)
	if err != nil {
		return nil, fmt.Errorf("decode scenario %q: %w", id, err)
	}
	return sc, nil
}

// ScenarioTasks retrieves all tasks of a scenario in expansion order.
func (s *Store) ScenarioTasks(ctx context.Context, id string) ([]*task.Task, error) {
	sc, err := s.Scenario(ctx, id)
	if err != nil {
		return nil, err
	}
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(sc.TaskIDs))
	for i, tid := range sc.TaskIDs {
		cmds[i] = pipe.HGetAll(ctx, taskKey(tid))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("read tasks of scenario "+id, err)
	}
	out := make([]*task.Task, 0, len(cmds))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			return nil, fmt.Errorf("scenario %q lists unknown task %q: %w", id, sc.TaskIDs[i], store.ErrTaskNotFound)
		}
		t, err := task.DecodeHash(fields)
		if err != nil {
			return nil, fmt.Errorf("decode task %q: %w", sc.TaskIDs[i], err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Claim blocks up to timeout on the service queue, then atomically
// transitions the popped task QUEUED -> PROCESSING. Late artefacts are
// dropped and the pop is retried within the same timeout budget.
func (s *Store) Claim(ctx context.Context, service string, timeout time.Duration) (*task.Task, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		res, err := s.client.BRPop(ctx, remaining, queueKey(service)).Result()
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, unavailable("pop from queue "+service, err)
		}
		id := res[1]
		now := time.Now().UTC().Format(timeLayout)
		claimed, err := claimScript.Run(ctx, s.client, []string{taskKey(id)}, now).Int()
		if err != nil {
			return nil, unavailable("claim task "+id, err)
		}
		if claimed == 0 {
			continue
		}
		return s.Task(ctx, id)
	}
}

// Complete runs the succeed fan-out script and returns the ids that were
// enqueued.
func (s *Store) Complete(ctx context.Context, id, resultRef string) ([]string, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := completeScript.Run(ctx, s.client, []string{taskKey(id)}, resultRef, now).Result()
	if err != nil {
		return nil, scriptErr("complete task "+id, id, err)
	}
	raw, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("complete task %q: unexpected script reply %T", id, res)
	}
	enqueued := make([]string, 0, len(raw))
	for _, v := range raw {
		enqueued = append(enqueued, fmt.Sprint(v))
	}
	return enqueued, nil
}

// Fail transitions a task PROCESSING -> FAILED.
func (s *Store) Fail(ctx context.Context, id, reason string) error {
	now := time.Now().UTC().Format(timeLayout)
	if err := failScript.Run(ctx, s.client, []string{taskKey(id)}, reason, now).Err(); err != nil {
		return scriptErr("fail task "+id, id, err)
	}
	return nil
}

// FailCascade fails the task and every transitively dependent task still
// PENDING, in one script.
func (s *Store) FailCascade(ctx context.Context, id, reason string) error {
	now := time.Now().UTC().Format(timeLayout)
	if err := cascadeScript.Run(ctx, s.client, []string{taskKey(id)}, reason, now, id).Err(); err != nil {
		return scriptErr("cascade-fail task "+id, id, err)
	}
	return nil
}

// QueueDepth returns the current length of the named service queue.
func (s *Store) QueueDepth(ctx context.Context, service string) (int64, error) {
	n, err := s.client.LLen(ctx, queueKey(service)).Result()
	if err != nil {
		return 0, unavailable("queue depth of "+service, err)
	}
	return n, nil
}

// StaleProcessing scans task hashes for PROCESSING tasks last updated
// before olderThan. The view is not linearised against ongoing claims.
func (s *Store) StaleProcessing(ctx context.Context, olderThan time.Time) ([]string, error) {
	var out []string
	iter := s.client.Scan(ctx, 0, taskKeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		vals, err := s.client.HMGet(ctx, key, task.FieldStatus, task.FieldUpdatedAt).Result()
		if err != nil {
			return nil, unavailable("read "+key, err)
		}
		status, _ := vals[0].(string)
		if task.Status(status) != task.StatusProcessing {
			continue
		}
		rawUpdated, _ := vals[1].(string)
		updated, err := time.Parse(timeLayout, rawUpdated)
		if err != nil {
			continue
		}
		if updated.Before(olderThan) {
			out = append(out, strings.TrimPrefix(key, taskKeyPrefix))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan tasks", err)
	}
	return out, nil
}

// Revoke reads the task's last update and, if stale, runs a conditional
// script that fails the task only when updated_at is unchanged since the
// read. A worker touching the task in between wins the race.
func (s *Store) Revoke(ctx context.Context, id string, olderThan time.Time, reason string) (bool, error) {
	vals, err := s.client.HMGet(ctx, taskKey(id), task.FieldStatus, task.FieldUpdatedAt).Result()
	if err != nil {
		return false, unavailable("read task "+id, err)
	}
	status, _ := vals[0].(string)
	if status == "" {
		return false, store.ErrTaskNotFound
	}
	if task.Status(status) != task.StatusProcessing {
		return false, nil
	}
	observed, _ := vals[1].(string)
	updated, err := time.Parse(timeLayout, observed)
	if err != nil {
		return false, fmt.Errorf("parse updated_at of task %q: %w", id, err)
	}
	if !updated.Before(olderThan) {
		return false, nil
	}
	now := time.Now().UTC().Format(timeLayout)
	revoked, err := revokeScript.Run(ctx, s.client, []string{taskKey(id)}, observed, reason, now).Int()
	if err != nil {
		return false, unavailable("revoke task "+id, err)
	}
	return revoked == 1, nil
}

// DeclareQueues is a no-op: Redis creates lists on first push.
func (s *Store) DeclareQueues(ctx context.Context, services []string) error {
	return ctx.Err()
}

func taskKey(id string) string { return taskKeyPrefix + id }

func scenarioKey(id string) string { return "scenario:" + id }

func scenarioTasksKey(id string) string { return "scenario:" + id + ":tasks" }

func queueKey(service string) string { return queueKeyPrefix + service }

// scriptErr maps script error replies onto the store error taxonomy.
func scriptErr(op, id string, err error) error {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "TASK_NOT_FOUND"):
		return store.ErrTaskNotFound
	case strings.HasPrefix(msg, "INVALID_TRANSITION"):
		status := strings.TrimSpace(strings.TrimPrefix(msg, "INVALID_TRANSITION"))
		return fmt.Errorf("task %s is %s: %w", id, status, task.ErrInvalidTransition)
	default:
		return unavailable(op, err)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, store.ErrUnavailable, err)
}

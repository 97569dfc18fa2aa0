// Package memory provides an in-memory implementation of the orchestrator
// store.
//
// The whole-store mutex is the linearization point required by the store
// contract, which makes this implementation suitable for tests and
// single-process deployments where persistence across restarts is not
// required.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/maestro/store"
	"goa.design/maestro/task"
)

// Store is an in-memory implementation of store.Store. It is safe for
// concurrent use.
type Store struct {
	mu        sync.Mutex
	tasks     map[string]*task.Task
	scenarios map[string]*task.Scenario
	queues    map[string][]string
	// notify is closed and replaced on every enqueue so blocked Claim
	// calls wake up. Guarded by mu.
	notify chan struct{}
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		tasks:     make(map[string]*task.Task),
		scenarios: make(map[string]*task.Scenario),
		queues:    make(map[string][]string),
		notify:    make(chan struct{}),
	}
}

// PublishGraph persists the scenario and its tasks and enqueues the tasks
// born QUEUED, all under one lock acquisition.
func (s *Store) PublishGraph(ctx context.Context, sc *task.Scenario, tasks []*task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.tasks[t.ID] = t.Clone()
	}
	s.scenarios[sc.ID] = sc.Clone()
	enqueued := false
	for _, t := range tasks {
		if t.Status == task.StatusQueued {
			s.queues[t.Service] = append(s.queues[t.Service], t.ID)
			enqueued = true
		}
	}
	if enqueued {
		s.wakeLocked()
	}
	return nil
}

// Task retrieves a task by id.
func (s *Store) Task(ctx context.Context, id string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return t.Clone(), nil
}

// Scenario retrieves a scenario record by id.
func (s *Store) Scenario(ctx context.Context, id string) (*task.Scenario, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scenarios[id]
	if !ok {
		return nil, store.ErrScenarioNotFound
	}
	return sc.Clone(), nil
}

// ScenarioTasks retrieves all tasks of a scenario in expansion order.
func (s *Store) ScenarioTasks(ctx context.Context, id string) ([]*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scenarios[id]
	if !ok {
		return nil, store.ErrScenarioNotFound
	}
	out := make([]*task.Task, 0, len(sc.TaskIDs))
	for _, tid := range sc.TaskIDs {
		t, ok := s.tasks[tid]
		if !ok {
			return nil, fmt.Errorf("scenario %q lists unknown task %q: %w", id, tid, store.ErrTaskNotFound)
		}
		out = append(out, t.Clone())
	}
	return out, nil
}

// Claim pops the next claimable id from the service queue, transitioning
// it QUEUED -> PROCESSING. Blocks up to timeout.
func (s *Store) Claim(ctx context.Context, service string, timeout time.Duration) (*task.Task, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		for len(s.queues[service]) > 0 {
			id := s.queues[service][0]
			s.queues[service] = s.queues[service][1:]
			t, ok := s.tasks[id]
			if !ok || t.Status != task.StatusQueued {
				// Late artefact; drop and keep popping.
				continue
			}
			t.Status = task.StatusProcessing
			t.UpdatedAt = time.Now()
			claimed := t.Clone()
			s.mu.Unlock()
			return claimed, nil
		}
		wait := s.notify
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-wait:
		}
	}
}

// Complete runs the succeed fan-out under one lock acquisition.
func (s *Store) Complete(ctx context.Context, id, resultRef string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	if err := t.Status.ValidateTransition(task.StatusSuccess); err != nil {
		return nil, err
	}
	now := time.Now()
	t.Status = task.StatusSuccess
	t.ResultRef = resultRef
	t.UpdatedAt = now

	var enqueued []string
	for _, cid := range t.Consumers {
		c, ok := s.tasks[cid]
		if !ok || c.Status != task.StatusPending {
			continue
		}
		c.PendingCount--
		if c.PendingCount == 0 {
			c.Status = task.StatusQueued
			c.UpdatedAt = now
			s.queues[c.Service] = append(s.queues[c.Service], c.ID)
			enqueued = append(enqueued, c.ID)
		}
	}
	if len(enqueued) > 0 {
		s.wakeLocked()
	}
	return enqueued, nil
}

// Fail transitions a task PROCESSING -> FAILED. Consumers stay PENDING.
func (s *Store) Fail(ctx context.Context, id, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failLocked(id, reason)
}

// FailCascade fails the task and every transitively dependent task that is
// still PENDING.
func (s *Store) FailCascade(ctx context.Context, id, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked(id, reason); err != nil {
		return err
	}
	now := time.Now()
	frontier := append([]string(nil), s.tasks[id].Consumers...)
	for len(frontier) > 0 {
		cid := frontier[0]
		frontier = frontier[1:]
		c, ok := s.tasks[cid]
		if !ok || c.Status != task.StatusPending {
			continue
		}
		c.Status = task.StatusFailed
		c.Error = fmt.Sprintf("upstream task %s failed", id)
		c.UpdatedAt = now
		frontier = append(frontier, c.Consumers...)
	}
	return nil
}

func (s *Store) failLocked(id, reason string) error {
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if err := t.Status.ValidateTransition(task.StatusFailed); err != nil {
		return err
	}
	t.Status = task.StatusFailed
	t.Error = reason
	t.UpdatedAt = time.Now()
	return nil
}

// QueueDepth returns the current length of the named service queue.
func (s *Store) QueueDepth(ctx context.Context, service string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queues[service])), nil
}

// StaleProcessing lists PROCESSING tasks last updated before olderThan.
func (s *Store) StaleProcessing(ctx context.Context, olderThan time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, t := range s.tasks {
		if t.Status == task.StatusProcessing && t.UpdatedAt.Before(olderThan) {
			out = append(out, id)
		}
	}
	return out, nil
}

// Revoke conditionally transitions a stale PROCESSING task to FAILED.
func (s *Store) Revoke(ctx context.Context, id string, olderThan time.Time, reason string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	if t.Status != task.StatusProcessing || !t.UpdatedAt.Before(olderThan) {
		return false, nil
	}
	t.Status = task.StatusFailed
	t.Error = reason
	t.UpdatedAt = time.Now()
	return true, nil
}

// DeclareQueues pre-creates queue slots for the given services.
func (s *Store) DeclareQueues(ctx context.Context, services []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range services {
		if _, ok := s.queues[svc]; !ok {
			s.queues[svc] = nil
		}
	}
	return nil
}

// wakeLocked wakes every blocked Claim. Callers must hold mu.
func (s *Store) wakeLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

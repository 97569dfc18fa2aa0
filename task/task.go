// Package task defines the task and scenario records that maestro
// orchestrates, the task status state machine, and the hash encoding used to
// persist records in the store.
//
// A task is the unit of work executed by exactly one worker service. Tasks
// reference each other by id only — the graph is a set of flat records plus
// an index, matching the store's hash layout. A scenario is the umbrella
// record grouping the tasks produced by one template expansion.
package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusPending means upstream dependencies are not yet satisfied.
	StatusPending Status = "PENDING"
	// StatusQueued means the task is on its service queue awaiting a claim.
	StatusQueued Status = "QUEUED"
	// StatusProcessing means a worker has claimed the task.
	StatusProcessing Status = "PROCESSING"
	// StatusSuccess is the successful terminal state.
	StatusSuccess Status = "SUCCESS"
	// StatusFailed is the failed terminal state.
	StatusFailed Status = "FAILED"
)

// ErrInvalidTransition is returned when a status transition violates the
// state machine: PENDING→QUEUED (readiness), QUEUED→PROCESSING (claim),
// PROCESSING→SUCCESS (succeed), PROCESSING→FAILED (fail).
var ErrInvalidTransition = fmt.Errorf("invalid status transition")

// Terminal reports whether s is a terminal status. Terminal tasks freeze
// their pending count and consumer list.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// CanTransition reports whether the state machine permits moving from s to
// next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusQueued
	case StatusQueued:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusSuccess || next == StatusFailed
	default:
		return false
	}
}

// ValidateTransition returns ErrInvalidTransition (wrapped with both
// statuses) when the move from s to next is not permitted.
func (s Status) ValidateTransition(next Status) error {
	if !s.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}

// Ref is a named reference to one or more upstream tasks. Scalar references
// (Many == false) hold exactly one id; list references hold the full alias
// list of the referenced label.
type Ref struct {
	IDs  []string
	Many bool
}

// ScalarRef builds a scalar reference to a single task id.
func ScalarRef(id string) Ref { return Ref{IDs: []string{id}} }

// ListRef builds a list reference to the given task ids.
func ListRef(ids []string) Ref { return Ref{IDs: ids, Many: true} }

// MarshalJSON encodes a scalar reference as a JSON string and a list
// reference as a JSON array, matching the persisted input_refs layout.
func (r Ref) MarshalJSON() ([]byte, error) {
	if !r.Many {
		if len(r.IDs) != 1 {
			return nil, fmt.Errorf("scalar reference must hold exactly one id, got %d", len(r.IDs))
		}
		return json.Marshal(r.IDs[0])
	}
	if r.IDs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.IDs)
}

// UnmarshalJSON accepts either a JSON string (scalar) or array (list).
func (r *Ref) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*r = ScalarRef(id)
		return nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("reference must be a string or array of strings: %w", err)
	}
	*r = ListRef(ids)
	return nil
}

// Refs maps reference names (e.g. "text_task_id", "slide_ids") to resolved
// upstream task ids.
type Refs map[string]Ref

// Upstream returns the deduplicated union of all referenced ids.
func (rs Refs) Upstream() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, name := range sortedKeys(rs) {
		for _, id := range rs[name].IDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Task is the unit of work dispatched to a worker service queue.
type Task struct {
	// ID is the stable short identifier chosen at expansion time.
	ID string
	// ScenarioID is the owning scenario.
	ScenarioID string
	// Service routes the task to queue:{service}.
	Service string
	// Name is the operation kind within the service (e.g. "CreateText").
	Name string
	// PendingCount is the number of upstream tasks that must reach SUCCESS
	// before this task is eligible for dispatch.
	PendingCount int
	// Status is the lifecycle state.
	Status Status
	// Consumers lists downstream task ids that reference this task.
	Consumers []string
	// Prompt is the optional free-form input string.
	Prompt string
	// Params holds service-specific parameters, opaque to the orchestrator.
	Params map[string]any
	// Inputs are the named upstream references (input_refs).
	Inputs Refs
	// ResultRef is set by the worker on SUCCESS.
	ResultRef string
	// Error is the failure description when Status is FAILED.
	Error string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Eligible reports whether the task is ripe for transition to QUEUED.
func (t *Task) Eligible() bool {
	return t.Status == StatusPending && t.PendingCount == 0
}

// Clone returns a deep copy. Store backends hand out clones so callers can
// never mutate shared records.
func (t *Task) Clone() *Task {
	c := *t
	c.Consumers = append([]string(nil), t.Consumers...)
	if t.Params != nil {
		c.Params = make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	if t.Inputs != nil {
		c.Inputs = make(Refs, len(t.Inputs))
		for k, r := range t.Inputs {
			c.Inputs[k] = Ref{IDs: append([]string(nil), r.IDs...), Many: r.Many}
		}
	}
	return &c
}

// Scenario groups the tasks produced by one template expansion.
type Scenario struct {
	ID              string
	TemplateName    string
	TemplateVersion string
	// TaskIDs lists all member tasks in expansion order.
	TaskIDs   []string
	CreatedAt time.Time
}

// Clone returns a deep copy of the scenario record.
func (s *Scenario) Clone() *Scenario {
	c := *s
	c.TaskIDs = append([]string(nil), s.TaskIDs...)
	return &c
}

// Package expand materializes a rendered scenario template into a concrete
// DAG of task records: count multiplication, reference rewriting via the
// label alias table, pending-count and consumer-edge computation, and the
// acyclicity check.
package expand

import (
	"fmt"
	"time"

	"goa.design/maestro/task"
	"goa.design/maestro/template"
)

// replica ties a materialized task back to its template entry.
type replica struct {
	tmpl  *template.TaskTemplate
	id    string
	index int // 1-based replica number; 0 for singletons
}

// Expand turns a rendered template document into the scenario record and
// its task list. Tasks appear in materialization order: template order,
// replicas in index order. Tasks with no upstream dependencies are born
// QUEUED; the publisher is responsible for the matching queue pushes.
func Expand(doc *template.Document, scenarioID string, now time.Time) (*task.Scenario, []*task.Task, error) {
	// Alias table: base id -> replica count. Count 0 labels produce no
	// replicas but stay in the table so references to them are reported as
	// dangling rather than unknown.
	counts := make(map[string]int, len(doc.Tasks))
	for _, tt := range doc.Tasks {
		if _, dup := counts[tt.ID]; dup {
			return nil, nil, Errorf(KindIDCollision, "template %q: duplicate task id %q", doc.Name, tt.ID)
		}
		counts[tt.ID] = tt.Count.Value()
	}

	// Multiply count-bearing tasks. Replica ids are the base id indexed by
	// the 1-based replica number.
	var replicas []replica
	for i := range doc.Tasks {
		tt := &doc.Tasks[i]
		switch k := tt.Count.Value(); {
		case k == 1:
			replicas = append(replicas, replica{tmpl: tt, id: tt.ID})
		case k > 1:
			for n := 1; n <= k; n++ {
				replicas = append(replicas, replica{tmpl: tt, id: replicaID(tt.ID, n), index: n})
			}
		}
	}

	// Materialize task records and rewrite references.
	tasks := make([]*task.Task, 0, len(replicas))
	byID := make(map[string]*task.Task, len(replicas))
	for _, r := range replicas {
		inputs, err := rewriteInputs(doc.Name, r, counts)
		if err != nil {
			return nil, nil, err
		}
		t := &task.Task{
			ID:         r.id,
			ScenarioID: scenarioID,
			Service:    r.tmpl.Service,
			Name:       r.tmpl.Name,
			Status:     task.StatusPending,
			Prompt:     r.tmpl.Prompt,
			Params:     copyParams(r.tmpl.Params),
			Inputs:     inputs,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if _, dup := byID[t.ID]; dup {
			return nil, nil, Errorf(KindIDCollision, "template %q: materialized id %q is not unique", doc.Name, t.ID)
		}
		byID[t.ID] = t
		tasks = append(tasks, t)
	}

	// Compute edges: pending counts from the upstream set, consumer lists
	// in materialization order.
	for _, t := range tasks {
		upstream := t.Inputs.Upstream()
		for _, u := range upstream {
			up, ok := byID[u]
			if !ok {
				return nil, nil, Errorf(KindDanglingReference, "template %q: task %q references unknown id %q", doc.Name, t.ID, u)
			}
			up.Consumers = append(up.Consumers, t.ID)
		}
		t.PendingCount = len(upstream)
	}

	if err := checkAcyclic(doc.Name, tasks, byID); err != nil {
		return nil, nil, err
	}

	sc := &task.Scenario{
		ID:              scenarioID,
		TemplateName:    doc.Name,
		TemplateVersion: doc.Version,
		TaskIDs:         make([]string, 0, len(tasks)),
		CreatedAt:       now,
	}
	for _, t := range tasks {
		if t.Eligible() {
			t.Status = task.StatusQueued
		}
		sc.TaskIDs = append(sc.TaskIDs, t.ID)
	}
	return sc, tasks, nil
}

// rewriteInputs resolves the template's named references for one replica.
// Scalar references to a multiplied label require a matching index
// relationship (equal counts); list references expand to the full alias
// list of each declared label.
func rewriteInputs(tmplName string, r replica, counts map[string]int) (task.Refs, error) {
	if len(r.tmpl.Inputs) == 0 {
		return nil, nil
	}
	k := r.tmpl.Count.Value()
	refs := make(task.Refs, len(r.tmpl.Inputs))
	for name, in := range r.tmpl.Inputs {
		if in.Many {
			var ids []string
			for _, base := range in.IDs {
				alias, err := aliasList(tmplName, r.id, name, base, counts)
				if err != nil {
					return nil, err
				}
				ids = append(ids, alias...)
			}
			refs[name] = task.ListRef(ids)
			continue
		}
		base := in.IDs[0]
		kb, ok := counts[base]
		if !ok {
			return nil, Errorf(KindDanglingReference, "template %q: task %q field %q references unknown label %q", tmplName, r.id, name, base)
		}
		switch {
		case kb == 0:
			return nil, Errorf(KindDanglingReference, "template %q: task %q field %q references zero-count label %q", tmplName, r.id, name, base)
		case kb == 1:
			refs[name] = task.ScalarRef(base)
		case kb == k:
			refs[name] = task.ScalarRef(replicaID(base, r.index))
		default:
			return nil, Errorf(KindAmbiguousReference, "template %q: task %q field %q references multiplied label %q (count %d) without a matching index", tmplName, r.id, name, base, kb)
		}
	}
	return refs, nil
}

// aliasList returns the full replica id list for a referenced label.
func aliasList(tmplName, taskID, field, base string, counts map[string]int) ([]string, error) {
	kb, ok := counts[base]
	if !ok {
		return nil, Errorf(KindDanglingReference, "template %q: task %q field %q references unknown label %q", tmplName, taskID, field, base)
	}
	if kb == 0 {
		return nil, Errorf(KindDanglingReference, "template %q: task %q field %q references zero-count label %q", tmplName, taskID, field, base)
	}
	if kb == 1 {
		return []string{base}, nil
	}
	ids := make([]string, 0, kb)
	for n := 1; n <= kb; n++ {
		ids = append(ids, replicaID(base, n))
	}
	return ids, nil
}

// checkAcyclic runs Kahn's algorithm over the consumer edges.
func checkAcyclic(tmplName string, tasks []*task.Task, byID map[string]*task.Task) error {
	indegree := make(map[string]int, len(tasks))
	for _, t := range tasks {
		indegree[t.ID] = t.PendingCount
	}
	var ready []string
	for _, t := range tasks {
		if indegree[t.ID] == 0 {
			ready = append(ready, t.ID)
		}
	}
	visited := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		visited++
		for _, c := range byID[id].Consumers {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	if visited != len(tasks) {
		return Errorf(KindCyclicTemplate, "template %q: task graph contains a cycle", tmplName)
	}
	return nil
}

func replicaID(base string, n int) string {
	return fmt.Sprintf("%s_%d", base, n)
}

func copyParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

package task

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Hash field names, exactly as persisted under task:{id} and scenario:{id}.
const (
	FieldID           = "id"
	FieldScenarioID   = "scenario_id"
	FieldService      = "service"
	FieldName         = "name"
	FieldPendingCount = "pending_count"
	FieldStatus       = "status"
	FieldConsumers    = "consumers"
	FieldPrompt       = "prompt"
	FieldParams       = "params"
	FieldInputRefs    = "input_refs"
	FieldResultRef    = "result_ref"
	FieldError        = "error"
	FieldCreatedAt    = "created_at"
	FieldUpdatedAt    = "updated_at"

	FieldTemplateName    = "template_name"
	FieldTemplateVersion = "template_version"
	FieldTaskIDs         = "task_ids"
)

const timeLayout = time.RFC3339Nano

// EncodeHash flattens a task into the persisted hash image. Structured
// fields (consumers, params, input_refs) become JSON blobs so they
// round-trip unchanged through the store.
func (t *Task) EncodeHash() (map[string]string, error) {
	consumers, err := json.Marshal(orEmpty(t.Consumers))
	if err != nil {
		return nil, fmt.Errorf("marshal consumers: %w", err)
	}
	params := t.Params
	if params == nil {
		params = map[string]any{}
	}
	paramsBlob, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	inputs := t.Inputs
	if inputs == nil {
		inputs = Refs{}
	}
	inputsBlob, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("marshal input_refs: %w", err)
	}
	return map[string]string{
		FieldID:           t.ID,
		FieldScenarioID:   t.ScenarioID,
		FieldService:      t.Service,
		FieldName:         t.Name,
		FieldPendingCount: strconv.Itoa(t.PendingCount),
		FieldStatus:       string(t.Status),
		FieldConsumers:    string(consumers),
		FieldPrompt:       t.Prompt,
		FieldParams:       string(paramsBlob),
		FieldInputRefs:    string(inputsBlob),
		FieldResultRef:    t.ResultRef,
		FieldError:        t.Error,
		FieldCreatedAt:    t.CreatedAt.UTC().Format(timeLayout),
		FieldUpdatedAt:    t.UpdatedAt.UTC().Format(timeLayout),
	}, nil
}

// DecodeHash rebuilds a task from its persisted hash image.
func DecodeHash(fields map[string]string) (*Task, error) {
	t := &Task{
		ID:         fields[FieldID],
		ScenarioID: fields[FieldScenarioID],
		Service:    fields[FieldService],
		Name:       fields[FieldName],
		Status:     Status(fields[FieldStatus]),
		Prompt:     fields[FieldPrompt],
		ResultRef:  fields[FieldResultRef],
		Error:      fields[FieldError],
	}
	if t.ID == "" {
		return nil, fmt.Errorf("task hash missing id field")
	}
	if v := fields[FieldPendingCount]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse pending_count %q: %w", v, err)
		}
		t.PendingCount = n
	}
	if v := fields[FieldConsumers]; v != "" {
		if err := json.Unmarshal([]byte(v), &t.Consumers); err != nil {
			return nil, fmt.Errorf("parse consumers: %w", err)
		}
	}
	if v := fields[FieldParams]; v != "" {
		if err := json.Unmarshal([]byte(v), &t.Params); err != nil {
			return nil, fmt.Errorf("parse params: %w", err)
		}
	}
	if v := fields[FieldInputRefs]; v != "" {
		if err := json.Unmarshal([]byte(v), &t.Inputs); err != nil {
			return nil, fmt.Errorf("parse input_refs: %w", err)
		}
	}
	var err error
	if t.CreatedAt, err = parseTime(fields[FieldCreatedAt]); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(fields[FieldUpdatedAt]); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return t, nil
}

// EncodeHash flattens a scenario into its persisted hash image.
func (s *Scenario) EncodeHash() (map[string]string, error) {
	ids, err := json.Marshal(orEmpty(s.TaskIDs))
	if err != nil {
		return nil, fmt.Errorf("marshal task_ids: %w", err)
	}
	return map[string]string{
		FieldScenarioID:      s.ID,
		FieldTemplateName:    s.TemplateName,
		FieldTemplateVersion: s.TemplateVersion,
		FieldTaskIDs:         string(ids),
		FieldCreatedAt:       s.CreatedAt.UTC().Format(timeLayout),
	}, nil
}

// DecodeScenarioHash rebuilds a scenario from its persisted hash image.
func DecodeScenarioHash(fields map[string]string) (*Scenario, error) {
	s := &Scenario{
		ID:              fields[FieldScenarioID],
		TemplateName:    fields[FieldTemplateName],
		TemplateVersion: fields[FieldTemplateVersion],
	}
	if s.ID == "" {
		return nil, fmt.Errorf("scenario hash missing scenario_id field")
	}
	if v := fields[FieldTaskIDs]; v != "" {
		if err := json.Unmarshal([]byte(v), &s.TaskIDs); err != nil {
			return nil, fmt.Errorf("parse task_ids: %w", err)
		}
	}
	var err error
	if s.CreatedAt, err = parseTime(fields[FieldCreatedAt]); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return s, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, v)
}

func orEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func sortedKeys(rs Refs) []string {
	keys := make([]string, 0, len(rs))
	for k := range rs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

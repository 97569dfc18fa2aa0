package task

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusQueued, StatusProcessing, true},
		{StatusProcessing, StatusSuccess, true},
		{StatusProcessing, StatusFailed, true},

		{StatusPending, StatusProcessing, false},
		{StatusPending, StatusSuccess, false},
		{StatusQueued, StatusSuccess, false},
		{StatusQueued, StatusFailed, false},
		{StatusSuccess, StatusFailed, false},
		{StatusSuccess, StatusQueued, false},
		{StatusFailed, StatusQueued, false},
		{StatusProcessing, StatusQueued, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
		err := tc.from.ValidateTransition(tc.to)
		if tc.ok {
			assert.NoError(t, err)
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusProcessing.Terminal())
}

func TestRefJSON(t *testing.T) {
	t.Run("scalar encodes as string", func(t *testing.T) {
		b, err := json.Marshal(ScalarRef("abc123"))
		require.NoError(t, err)
		assert.Equal(t, `"abc123"`, string(b))
	})

	t.Run("list encodes as array", func(t *testing.T) {
		b, err := json.Marshal(ListRef([]string{"a_1", "a_2"}))
		require.NoError(t, err)
		assert.Equal(t, `["a_1","a_2"]`, string(b))
	})

	t.Run("empty list encodes as empty array", func(t *testing.T) {
		b, err := json.Marshal(ListRef(nil))
		require.NoError(t, err)
		assert.Equal(t, `[]`, string(b))
	})

	t.Run("string decodes as scalar", func(t *testing.T) {
		var r Ref
		require.NoError(t, json.Unmarshal([]byte(`"abc123"`), &r))
		assert.Equal(t, ScalarRef("abc123"), r)
	})

	t.Run("array decodes as list", func(t *testing.T) {
		var r Ref
		require.NoError(t, json.Unmarshal([]byte(`["a_1","a_2"]`), &r))
		assert.Equal(t, ListRef([]string{"a_1", "a_2"}), r)
	})

	t.Run("rejects other shapes", func(t *testing.T) {
		var r Ref
		assert.Error(t, json.Unmarshal([]byte(`42`), &r))
	})
}

func TestRefsUpstream(t *testing.T) {
	refs := Refs{
		"text_task_id": ScalarRef("text1"),
		"slide_ids":    ListRef([]string{"s_1", "s_2", "text1"}),
	}
	// Deterministic order (sorted field names) with duplicates removed.
	assert.Equal(t, []string{"s_1", "s_2", "text1"}, refs.Upstream())
}

func TestTaskHashRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 30, 0, 123456789, time.UTC)
	orig := &Task{
		ID:           "slide_2",
		ScenarioID:   "scen-1",
		Service:      "image-service",
		Name:         "CreateImage",
		PendingCount: 2,
		Status:       StatusPending,
		Consumers:    []string{"video"},
		Prompt:       "draw a cat",
		Params:       map[string]any{"model": "sdxl", "steps": float64(30)},
		Inputs: Refs{
			"prompt_task_id": ScalarRef("sp_2"),
			"style_ids":      ListRef([]string{"st_1", "st_2"}),
		},
		ResultRef: "",
		Error:     "",
		CreatedAt: now,
		UpdatedAt: now,
	}
	fields, err := orig.EncodeHash()
	require.NoError(t, err)
	assert.Equal(t, "slide_2", fields[FieldID])
	assert.Equal(t, "2", fields[FieldPendingCount])
	assert.Equal(t, "PENDING", fields[FieldStatus])

	got, err := DecodeHash(fields)
	require.NoError(t, err)
	assert.Equal(t, orig, got)
}

func TestDecodeHashRejectsGarbage(t *testing.T) {
	_, err := DecodeHash(map[string]string{})
	assert.Error(t, err, "missing id")

	_, err = DecodeHash(map[string]string{FieldID: "x", FieldPendingCount: "two"})
	assert.Error(t, err)

	_, err = DecodeHash(map[string]string{FieldID: "x", FieldCreatedAt: "yesterday"})
	assert.Error(t, err)
}

func TestScenarioHashRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	orig := &Scenario{
		ID:              "scen-1",
		TemplateName:    "CreateVideo",
		TemplateVersion: "3",
		TaskIDs:         []string{"text", "sp_1", "sp_2"},
		CreatedAt:       now,
	}
	fields, err := orig.EncodeHash()
	require.NoError(t, err)
	got, err := DecodeScenarioHash(fields)
	require.NoError(t, err)
	assert.Equal(t, orig, got)
}

func TestCloneIsDeep(t *testing.T) {
	orig := &Task{
		ID:        "a",
		Consumers: []string{"b"},
		Params:    map[string]any{"k": "v"},
		Inputs:    Refs{"in": ScalarRef("c")},
	}
	c := orig.Clone()
	c.Consumers[0] = "mutated"
	c.Params["k"] = "mutated"
	c.Inputs["in"] = ScalarRef("mutated")
	assert.Equal(t, []string{"b"}, orig.Consumers)
	assert.Equal(t, "v", orig.Params["k"])
	assert.Equal(t, ScalarRef("c"), orig.Inputs["in"])
}

func TestEligible(t *testing.T) {
	assert.True(t, (&Task{Status: StatusPending, PendingCount: 0}).Eligible())
	assert.False(t, (&Task{Status: StatusPending, PendingCount: 1}).Eligible())
	assert.False(t, (&Task{Status: StatusQueued, PendingCount: 0}).Eligible())
}

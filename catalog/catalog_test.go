package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	assert.Error(t, (&Template{Source: "name: X"}).Validate(), "missing name")
	assert.Error(t, (&Template{Name: "X"}).Validate(), "missing source")
	assert.Error(t, (&Template{Name: "X", Source: "  \n"}).Validate(), "blank source")
	assert.Error(t, (&Template{Name: "X", Source: "name: X", ParamsSchema: "{"}).Validate(), "broken schema")
	assert.NoError(t, (&Template{Name: "X", Source: "name: X"}).Validate())
	assert.NoError(t, (&Template{Name: "X", Source: "name: X", ParamsSchema: `{"type":"object"}`}).Validate())
}

func TestValidateParams(t *testing.T) {
	tpl := &Template{
		Name:   "Strict",
		Source: "name: Strict",
		ParamsSchema: `{
			"type": "object",
			"properties": {
				"slides": {"type": "integer", "minimum": 1, "maximum": 10},
				"topic": {"type": "string"}
			},
			"required": ["slides"]
		}`,
	}

	require.NoError(t, tpl.ValidateParams(map[string]any{"slides": 3, "topic": "go"}))
	require.NoError(t, tpl.ValidateParams(map[string]any{"slides": 1}))

	assert.Error(t, tpl.ValidateParams(nil), "missing required")
	assert.Error(t, tpl.ValidateParams(map[string]any{"slides": 0}), "below minimum")
	assert.Error(t, tpl.ValidateParams(map[string]any{"slides": "three"}), "wrong type")
}

func TestValidateParamsNoSchema(t *testing.T) {
	tpl := &Template{Name: "Loose", Source: "name: Loose"}
	assert.NoError(t, tpl.ValidateParams(nil))
	assert.NoError(t, tpl.ValidateParams(map[string]any{"anything": "goes"}))
}

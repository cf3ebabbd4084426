package domain

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeValuesObjects(t *testing.T) {
	current := json.RawMessage(`{"a": 1, "nested": {"x": "old"}, "list": [1]}`)
	results := json.RawMessage(`{"b": 2, "nested": {"y": "new"}, "list": [2]}`)

	merged, err := MergeValues(current, results)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(merged, &out))
	assert.Equal(t, float64(1), out["a"])
	assert.Equal(t, float64(2), out["b"])
	nested := out["nested"].(map[string]interface{})
	assert.Equal(t, "old", nested["x"])
	assert.Equal(t, "new", nested["y"])
	assert.Len(t, out["list"].([]interface{}), 2)
}

func TestMergeValuesArraysAppend(t *testing.T) {
	merged, err := MergeValues(json.RawMessage(`[1, 2]`), json.RawMessage(`[3]`))
	require.NoError(t, err)

	var out []interface{}
	require.NoError(t, json.Unmarshal(merged, &out))
	assert.Len(t, out, 3)
}

func TestMergeValuesShapeMismatch(t *testing.T) {
	merged, err := MergeValues(json.RawMessage(`{"a": 1}`), json.RawMessage(`[1]`))
	require.NoError(t, err)
	assert.JSONEq(t, `[1]`, string(merged))
}

func TestMergeValuesEmptySides(t *testing.T) {
	merged, err := MergeValues(nil, json.RawMessage(`{"a": 1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, string(merged))

	merged, err = MergeValues(json.RawMessage(`{"a": 1}`), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, string(merged))
}

func TestMergeVariables(t *testing.T) {
	current := NewObjectVariable("o", map[string]*Variable{
		"a": NewStringVariable("a", "1"),
	})
	results := NewObjectVariable("o", map[string]*Variable{
		"b": NewStringVariable("b", "2"),
	})
	out := MergeVariables(current, results)

	assert.Equal(t, "1", out.Properties["a"].Value)
	assert.Equal(t, "2", out.Properties["b"].Value)
	// Inputs are not mutated.
	_, ok := current.Properties["b"]
	assert.False(t, ok)

	assert.Equal(t, "2", MergeVariables(nil, results).Properties["b"].Value)
}

func TestMergeVariablesJSONScalars(t *testing.T) {
	current := &Variable{Name: "result", Type: VarTypeJSON, Value: `{"a": 1, "list": [1]}`}
	results := &Variable{Name: "result", Type: VarTypeJSON, Value: `{"b": 2, "list": [2]}`}
	out := MergeVariables(current, results)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out.Value.(string)), &got))
	assert.Equal(t, float64(1), got["a"])
	assert.Equal(t, float64(2), got["b"])
	assert.Len(t, got["list"].([]interface{}), 2)
}

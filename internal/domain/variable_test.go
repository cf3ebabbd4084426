package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariableIsEmpty(t *testing.T) {
	tests := []struct {
		name string
		v    *Variable
		want bool
	}{
		{"nil variable", nil, true},
		{"empty string", NewStringVariable("s", ""), true},
		{"non-empty string", NewStringVariable("s", "hello"), false},
		{"zero number", NewNumberVariable("n", 0), false},
		{"object with empty members", NewObjectVariable("o", map[string]*Variable{
			"a": NewStringVariable("a", ""),
		}), true},
		{"object with one value", NewObjectVariable("o", map[string]*Variable{
			"a": NewStringVariable("a", ""),
			"b": NewStringVariable("b", "x"),
		}), false},
		{"empty array", NewArrayVariable("arr"), true},
		{"array with value", NewArrayVariable("arr", NewNumberVariable("", 1)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.v.IsEmpty())
		})
	}
}

func TestVariableValidateRequired(t *testing.T) {
	v := NewObjectVariable("inputs", map[string]*Variable{
		"topic": {Name: "topic", Type: VarTypeString, Required: true},
		"tone":  NewStringVariable("tone", "formal"),
	})
	err := v.ValidateRequired()
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	v.Properties["topic"].Value = "go generics"
	require.NoError(t, v.ValidateRequired())
}

func TestVariableFlatten(t *testing.T) {
	v := NewObjectVariable("inputs", map[string]*Variable{
		"topic": NewStringVariable("topic", "caching"),
		"meta": NewObjectVariable("meta", map[string]*Variable{
			"lang": NewStringVariable("lang", "en"),
		}),
		"tags": NewArrayVariable("tags",
			NewStringVariable("", "a"),
			NewStringVariable("", "b"),
		),
	})
	flat := v.Flatten()
	assert.Equal(t, "caching", flat["topic"])
	assert.Equal(t, "en", flat["meta.lang"])
	assert.Equal(t, []interface{}{"a", "b"}, flat["tags"])
	_, hasRoot := flat["inputs.topic"]
	assert.False(t, hasRoot, "receiver name must not prefix keys")
}

func TestVariableClone(t *testing.T) {
	v := NewObjectVariable("o", map[string]*Variable{
		"a": NewStringVariable("a", "x"),
	})
	c := v.Clone()
	c.Properties["a"].Value = "mutated"
	assert.Equal(t, "x", v.Properties["a"].Value)
}

func TestVariableMergeFrom(t *testing.T) {
	current := NewObjectVariable("o", map[string]*Variable{
		"keep":   NewStringVariable("keep", "old"),
		"shared": NewStringVariable("shared", "old"),
		"nested": NewObjectVariable("nested", map[string]*Variable{
			"a": NewStringVariable("a", "1"),
		}),
		"list": NewArrayVariable("list", NewStringVariable("", "x")),
	})
	incoming := NewObjectVariable("o", map[string]*Variable{
		"shared": NewStringVariable("shared", "new"),
		"added":  NewStringVariable("added", "fresh"),
		"nested": NewObjectVariable("nested", map[string]*Variable{
			"b": NewStringVariable("b", "2"),
		}),
		"list": NewArrayVariable("list", NewStringVariable("", "y")),
	})
	current.MergeFrom(incoming)

	assert.Equal(t, "old", current.Properties["keep"].Value)
	assert.Equal(t, "new", current.Properties["shared"].Value)
	assert.Equal(t, "fresh", current.Properties["added"].Value)
	assert.Equal(t, "1", current.Properties["nested"].Properties["a"].Value)
	assert.Equal(t, "2", current.Properties["nested"].Properties["b"].Value)
	assert.Len(t, current.Properties["list"].Values, 2)
}

func TestVariableMergeFromShapeMismatch(t *testing.T) {
	scalar := NewStringVariable("result", "prose")
	obj := NewObjectVariable("results", map[string]*Variable{
		"a": NewStringVariable("a", "1"),
	})
	scalar.MergeFrom(obj)

	assert.Equal(t, "result", scalar.Name)
	assert.True(t, scalar.IsObject())
	assert.Equal(t, "1", scalar.Properties["a"].Value)

	kept := NewStringVariable("result", "prose")
	kept.MergeFrom(NewObjectVariable("results", nil))
	assert.Equal(t, "prose", kept.Value)
}

func staticResolver(values map[string]interface{}) RefResolver {
	return func(nodeID, section, field string) (interface{}, bool) {
		v, ok := values[nodeID+"."+section+"."+field]
		return v, ok
	}
}

func TestSubstituteRefsExactReference(t *testing.T) {
	resolver := staticResolver(map[string]interface{}{
		"gen.outputs.count": float64(42),
	})
	v := NewObjectVariable("inputs", map[string]*Variable{
		"count": NewStringVariable("count", "<<gen.outputs.count>>"),
	})
	require.NoError(t, v.SubstituteRefs(resolver))
	// An exact single reference keeps the referenced value's type.
	assert.Equal(t, float64(42), v.Properties["count"].Value)
}

func TestSubstituteRefsInterpolation(t *testing.T) {
	resolver := staticResolver(map[string]interface{}{
		"gen.outputs.name": "world",
	})
	v := NewStringVariable("greeting", "hello <<gen.outputs.name>>!")
	require.NoError(t, v.SubstituteRefs(resolver))
	assert.Equal(t, "hello world!", v.Value)
}

func TestSubstituteRefsUnresolved(t *testing.T) {
	v := NewStringVariable("x", "<<missing.outputs.field>>")
	err := v.SubstituteRefs(staticResolver(nil))
	require.Error(t, err)
	assert.True(t, IsConsistency(err))
}

func TestSubstituteRefsDottedField(t *testing.T) {
	resolver := staticResolver(map[string]interface{}{
		"gen.outputs.meta.lang": "en",
	})
	v := NewStringVariable("lang", "<<gen.outputs.meta.lang>>")
	require.NoError(t, v.SubstituteRefs(resolver))
	assert.Equal(t, "en", v.Value)
}

func TestSubstituteString(t *testing.T) {
	resolver := staticResolver(map[string]interface{}{
		"start.outputs.topic": "observability",
	})
	out, err := SubstituteString("Write about <<start.outputs.topic>> today", resolver)
	require.NoError(t, err)
	assert.Equal(t, "Write about observability today", out)
}

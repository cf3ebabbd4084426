package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snap(nodeID string, level int, outputs *Variable) *NodeSnapshot {
	return &NodeSnapshot{
		NodeID:   nodeID,
		NodeType: NodeTypeLLM,
		Level:    level,
		Outputs:  outputs,
	}
}

func TestContextLatestShadowsEarlier(t *testing.T) {
	c := NewContext()
	c.Add(snap("a", 1, NewObjectVariable("o", map[string]*Variable{
		"text": NewStringVariable("text", "first"),
	})))
	c.Add(snap("a", 1, NewObjectVariable("o", map[string]*Variable{
		"text": NewStringVariable("text", "second"),
	})))

	latest, ok := c.Latest("a")
	require.True(t, ok)
	assert.Equal(t, "second", latest.Outputs.Properties["text"].Value)

	_, ok = c.Latest("missing")
	assert.False(t, ok)
}

func TestContextLatestPrefersHigherLevel(t *testing.T) {
	c := NewContext()
	c.Add(snap("a", 1, NewObjectVariable("o", map[string]*Variable{
		"v": NewStringVariable("v", "early"),
	})))
	c.Add(snap("a", 3, NewObjectVariable("o", map[string]*Variable{
		"v": NewStringVariable("v", "late"),
	})))

	latest, _ := c.Latest("a")
	assert.Equal(t, 3, latest.Level)
}

func TestContextRoundTrip(t *testing.T) {
	c := NewContext()
	c.Add(snap("a", 1, NewObjectVariable("o", map[string]*Variable{
		"text": NewStringVariable("text", "hello"),
	})))
	raw, err := c.MarshalSnapshot()
	require.NoError(t, err)

	restored, err := ContextFromJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, 1, restored.Size())

	latest, ok := restored.Latest("a")
	require.True(t, ok)
	assert.Equal(t, "hello", latest.Outputs.Properties["text"].Value)
}

func TestContextFromJSONEmpty(t *testing.T) {
	c, err := ContextFromJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Size())
}

func TestContextResolver(t *testing.T) {
	c := NewContext()
	c.Add(snap("gen", 1, NewObjectVariable("o", map[string]*Variable{
		"topic": NewStringVariable("topic", "queues"),
		"meta": NewObjectVariable("meta", map[string]*Variable{
			"lang": NewStringVariable("lang", "en"),
		}),
	})))
	resolve := c.Resolver()

	val, ok := resolve("gen", "outputs", "topic")
	require.True(t, ok)
	assert.Equal(t, "queues", val)

	val, ok = resolve("gen", "outputs", "meta.lang")
	require.True(t, ok)
	assert.Equal(t, "en", val)

	_, ok = resolve("gen", "outputs", "absent")
	assert.False(t, ok)
	_, ok = resolve("other", "outputs", "topic")
	assert.False(t, ok)
}

func TestContextAncestorSubset(t *testing.T) {
	g := linearGraph()
	c := NewContext()
	c.Add(snap("start", 0, nil))
	c.Add(snap("a", 1, nil))
	c.Add(snap("unrelated", 1, nil))

	subset := c.AncestorSubset(g, "end")
	assert.Equal(t, 2, subset.Size())
	_, ok := subset.Latest("unrelated")
	assert.False(t, ok)
	_, ok = subset.Latest("a")
	assert.True(t, ok)
}

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTree = `{
	"id": "root",
	"name": "write report",
	"subcategories": [
		{"id": "research", "name": "research", "subcategories": [
			{"id": "r1", "name": "gather sources"},
			{"id": "r2", "name": "summarize findings"}
		]},
		{"id": "w1", "name": "draft text"}
	]
}`

func TestTaskTreeFromJSON(t *testing.T) {
	tree, err := TaskTreeFromJSON(sampleTree)
	require.NoError(t, err)
	assert.Equal(t, "write report", tree.Name)
	assert.Len(t, tree.Subcategories, 2)
}

func TestTaskTreeFromJSONFenced(t *testing.T) {
	fenced := "```json\n" + sampleTree + "\n```"
	tree, err := TaskTreeFromJSON(fenced)
	require.NoError(t, err)
	assert.Equal(t, "write report", tree.Name)
}

func TestTaskTreeFromJSONInvalid(t *testing.T) {
	_, err := TaskTreeFromJSON("the model refused to answer")
	require.Error(t, err)

	_, err = TaskTreeFromJSON("{}")
	require.Error(t, err)
}

func TestTaskTreeLeaves(t *testing.T) {
	tree, err := TaskTreeFromJSON(sampleTree)
	require.NoError(t, err)

	leaves := tree.Leaves()
	ids := make([]string, 0, len(leaves))
	for _, l := range leaves {
		ids = append(ids, l.ID)
	}
	// Depth-first order; categories with children are not tasks.
	assert.Equal(t, []string{"r1", "r2", "w1"}, ids)
}

func TestTaskTreeFind(t *testing.T) {
	tree, err := TaskTreeFromJSON(sampleTree)
	require.NoError(t, err)

	found, ok := tree.Find("r2")
	require.True(t, ok)
	assert.Equal(t, "summarize findings", found.Name)

	_, ok = tree.Find("missing")
	assert.False(t, ok)
}

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkEdgeCompletedIdempotent(t *testing.T) {
	r := &WorkflowRun{}
	assert.True(t, r.MarkEdgeCompleted("e1"))
	assert.False(t, r.MarkEdgeCompleted("e1"))
	assert.Equal(t, 1, r.CompletedSteps)
	assert.True(t, r.HasCompletedEdge("e1"))
	assert.False(t, r.HasCompletedEdge("e2"))
}

func TestMarkEdgeSkipped(t *testing.T) {
	r := &WorkflowRun{}
	assert.True(t, r.MarkEdgeSkipped("e1"))
	assert.False(t, r.MarkEdgeSkipped("e1"))
	assert.True(t, r.HasSkippedEdge("e1"))
	// Skipping tracks the edge but owns no step counter.
	assert.Equal(t, 0, r.CompletedSteps)
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunStatusQueued.Terminal())
	assert.False(t, RunStatusRunning.Terminal())
	assert.True(t, RunStatusSucceeded.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
}

func TestExecutionSnapshot(t *testing.T) {
	e := &NodeExecution{
		ID:          "x1",
		NodeID:      "n1",
		NodeType:    NodeTypeLLM,
		Level:       2,
		ConditionID: "yes",
		Outputs: NewObjectVariable("o", map[string]*Variable{
			"text": NewStringVariable("text", "hi"),
		}),
	}
	s := e.Snapshot("My Node")
	assert.Equal(t, "n1", s.NodeID)
	assert.Equal(t, "My Node", s.Title)
	assert.Equal(t, 2, s.Level)
	assert.Equal(t, "x1", s.ExecutionID)
	assert.Equal(t, "yes", s.ConditionID)
}

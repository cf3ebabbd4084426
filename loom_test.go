package loom

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineEndToEnd(t *testing.T) {
	cfg := NewConfigBuilder().
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithMemoryStorage().
		WithPollIntervals(20*time.Millisecond, 20*time.Millisecond).
		Build()

	eng, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop()

	start := &Node{ID: "start", Data: NodeData{
		Type: NodeTypeStart, Title: "Start",
		Input: NewObjectVariable("inputs", map[string]*Variable{
			"n": {Name: "n", Type: VarTypeNumber, Required: true},
		}),
	}}
	square := &Node{ID: "square", Data: NodeData{
		Type: NodeTypeCustomCode, Title: "Square",
		Code: "n * n",
		Input: NewObjectVariable("inputs", map[string]*Variable{
			"n": NewStringVariable("n", "<<start.outputs.n>>"),
		}),
		Output: NewObjectVariable("output", map[string]*Variable{
			"squared": {Name: "squared", Type: VarTypeNumber},
		}),
	}}
	end := &Node{ID: "end", Data: NodeData{
		Type: NodeTypeEnd, Title: "End",
		Output: NewObjectVariable("output", map[string]*Variable{
			"result": NewStringVariable("result", "<<square.outputs.squared>>"),
		}),
	}}
	g := NewGraph(
		[]*Node{start, square, end},
		[]*Edge{
			{ID: "e1", Level: 1, SourceNodeID: "start", TargetNodeID: "square",
				SourceNodeType: NodeTypeStart, TargetNodeType: NodeTypeCustomCode},
			{ID: "e2", Level: 2, SourceNodeID: "square", TargetNodeID: "end",
				SourceNodeType: NodeTypeCustomCode, TargetNodeType: NodeTypeEnd},
		},
	)
	raw, err := g.MarshalSnapshot()
	require.NoError(t, err)

	res, err := eng.RunAndWait(ctx, &StartRequest{
		WorkflowID: "smoke",
		Graph:      raw,
		Inputs: NewObjectVariable("inputs", map[string]*Variable{
			"n": NewNumberVariable("n", 7),
		}),
	}, 10*time.Second)
	require.NoError(t, err)

	assert.Equal(t, RunStatusSucceeded, res.Status)
	got, ok := res.Outputs.Property("result")
	require.True(t, ok)
	assert.Equal(t, float64(49), got.Value)
}

func TestStartStopLifecycle(t *testing.T) {
	cfg := NewConfigBuilder().
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		Build()
	eng, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	require.Error(t, eng.Start(ctx))
	require.NoError(t, eng.Stop())
	require.Error(t, eng.Stop())
}

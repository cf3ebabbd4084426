package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleNode(id string, t NodeType) *Node {
	n := &Node{ID: id, Data: NodeData{Type: t, Title: id}}
	switch t {
	case NodeTypeLLM, NodeTypeAgent:
		n.Data.Prompt = "do the thing"
	case NodeTypeEnd:
		n.Data.Output = NewObjectVariable("output", map[string]*Variable{
			"result": NewStringVariable("result", "<<a.outputs.text>>"),
		})
	}
	return n
}

func edge(id string, level int, src, dst *Node) *Edge {
	return &Edge{
		ID: id, Level: level,
		SourceNodeID: src.ID, TargetNodeID: dst.ID,
		SourceNodeType: src.Data.Type, TargetNodeType: dst.Data.Type,
	}
}

// linearGraph builds start -> a(llm) -> end.
func linearGraph() *Graph {
	start := simpleNode("start", NodeTypeStart)
	a := simpleNode("a", NodeTypeLLM)
	end := simpleNode("end", NodeTypeEnd)
	return NewGraph(
		[]*Node{start, a, end},
		[]*Edge{
			edge("e1", 1, start, a),
			edge("e2", 2, a, end),
		},
	)
}

func TestGraphValidateOK(t *testing.T) {
	require.NoError(t, linearGraph().Validate())
}

func TestGraphValidateErrors(t *testing.T) {
	start := simpleNode("start", NodeTypeStart)
	a := simpleNode("a", NodeTypeLLM)
	end := simpleNode("end", NodeTypeEnd)

	tests := []struct {
		name  string
		graph *Graph
	}{
		{
			"no start node",
			NewGraph([]*Node{a, end}, []*Edge{edge("e1", 1, a, end)}),
		},
		{
			"two start nodes",
			NewGraph([]*Node{start, simpleNode("start2", NodeTypeStart), end}, nil),
		},
		{
			"unknown edge endpoint",
			NewGraph([]*Node{start, end}, []*Edge{
				{ID: "e1", Level: 1, SourceNodeID: "start", TargetNodeID: "ghost"},
			}),
		},
		{
			"start with incoming edge",
			NewGraph([]*Node{start, a}, []*Edge{edge("e1", 1, a, start)}),
		},
		{
			"llm without prompt",
			NewGraph(
				[]*Node{start, {ID: "a", Data: NodeData{Type: NodeTypeLLM, Title: "a"}}, end},
				[]*Edge{
					edge("e1", 1, start, &Node{ID: "a", Data: NodeData{Type: NodeTypeLLM}}),
					{ID: "e2", Level: 2, SourceNodeID: "a", TargetNodeID: "end", TargetNodeType: NodeTypeEnd},
				},
			),
		},
		{
			"end without outputs",
			NewGraph(
				[]*Node{start, {ID: "end", Data: NodeData{Type: NodeTypeEnd, Title: "end"}}},
				[]*Edge{{ID: "e1", Level: 1, SourceNodeID: "start", TargetNodeID: "end", TargetNodeType: NodeTypeEnd}},
			),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.graph.Validate()
			require.Error(t, err)
			assert.True(t, IsValidation(err))
		})
	}
}

func TestGraphRoundTrip(t *testing.T) {
	g := linearGraph()
	raw, err := g.MarshalSnapshot()
	require.NoError(t, err)

	restored, err := GraphFromJSON(raw)
	require.NoError(t, err)
	require.NoError(t, restored.Validate())
	assert.Equal(t, 2, restored.TotalSteps())
	assert.Equal(t, 2, restored.MaxLevel())

	n, ok := restored.NodeByID("a")
	require.True(t, ok)
	assert.Equal(t, NodeTypeLLM, n.Data.Type)
}

func TestGraphAncestors(t *testing.T) {
	g := linearGraph()
	anc := g.Ancestors("end")
	assert.True(t, anc["start"])
	assert.True(t, anc["a"])
	assert.False(t, anc["end"])

	assert.Empty(t, g.Ancestors("start"))
}

// branchGraph builds a condition fan-out where each branch has its own
// tail before rejoining at the end node:
//
//	start -> cond -> b1 -> b1t -> end
//	              -> b2 -> b2t -> end
func branchGraph() (*Graph, *Edge, *Edge) {
	start := simpleNode("start", NodeTypeStart)
	cond := simpleNode("cond", NodeTypeCondition)
	cond.Data.Code = `"yes"`
	b1 := simpleNode("b1", NodeTypeLLM)
	b2 := simpleNode("b2", NodeTypeLLM)
	b1t := simpleNode("b1t", NodeTypeLLM)
	b2t := simpleNode("b2t", NodeTypeLLM)
	end := simpleNode("end", NodeTypeEnd)

	e1 := edge("e1", 1, start, cond)
	eYes := edge("e-yes", 2, cond, b1)
	eYes.IsLogicalBranch = true
	eYes.ConditionID = "yes"
	eNo := edge("e-no", 2, cond, b2)
	eNo.IsLogicalBranch = true
	eNo.ConditionID = "no"
	e3 := edge("e3", 3, b1, b1t)
	e4 := edge("e4", 3, b2, b2t)
	e5 := edge("e5", 4, b1t, end)
	e6 := edge("e6", 4, b2t, end)

	g := NewGraph(
		[]*Node{start, cond, b1, b2, b1t, b2t, end},
		[]*Edge{e1, eYes, eNo, e3, e4, e5, e6},
	)
	return g, eYes, eNo
}

func TestGraphSkipClosure(t *testing.T) {
	g, _, eNo := branchGraph()

	cascade := g.SkipClosure(eNo, nil)
	ids := make([]string, 0, len(cascade))
	for _, e := range cascade {
		ids = append(ids, e.ID)
	}
	// Skipping the "no" branch kills b2's tail and b2t's edge into end,
	// but never end's other incoming edge.
	assert.ElementsMatch(t, []string{"e4", "e6"}, ids)
}

func TestGraphSkipClosureStopsAtJoin(t *testing.T) {
	start := simpleNode("start", NodeTypeStart)
	cond := simpleNode("cond", NodeTypeCondition)
	a := simpleNode("a", NodeTypeLLM)
	b := simpleNode("b", NodeTypeLLM)
	join := simpleNode("join", NodeTypeLLM)

	e1 := edge("e1", 1, start, cond)
	ea := edge("ea", 2, cond, a)
	eb := edge("eb", 2, cond, b)
	ja := edge("ja", 3, a, join)
	jb := edge("jb", 3, b, join)
	g := NewGraph([]*Node{start, cond, a, b, join}, []*Edge{e1, ea, eb, ja, jb})

	// Only one branch into the join is skipped; the join stays live
	// through the other, so its incoming edge cascades but nothing past it.
	cascade := g.SkipClosure(ea, nil)
	require.Len(t, cascade, 1)
	assert.Equal(t, "ja", cascade[0].ID)
}

func TestStartNode(t *testing.T) {
	g := linearGraph()
	n, err := g.StartNode()
	require.NoError(t, err)
	assert.Equal(t, "start", n.ID)
}

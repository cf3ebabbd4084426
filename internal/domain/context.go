package domain

import (
	"sort"

	"github.com/loomrun/loom/internal/xjson"
)

// NodeSnapshot is the executed form of a node as recorded in a run's
// context: identity plus the input/output variables it ran with.
type NodeSnapshot struct {
	NodeID      string    `json:"node_id"`
	NodeType    NodeType  `json:"node_type"`
	Title       string    `json:"title,omitempty"`
	Level       int       `json:"level"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Inputs      *Variable `json:"inputs,omitempty"`
	Outputs     *Variable `json:"outputs,omitempty"`
	ConditionID string    `json:"condition_id,omitempty"`
}

// Context is the per-run, append-only store of executed node snapshots
// keyed by level. It is owned by exactly one run and serialized wholesale
// into the run row on every mutation so any poller process can resume it.
type Context struct {
	Levels map[int][]*NodeSnapshot `json:"levels"`
}

func NewContext() *Context {
	return &Context{Levels: make(map[int][]*NodeSnapshot)}
}

func ContextFromJSON(raw []byte) (*Context, error) {
	if len(raw) == 0 {
		return NewContext(), nil
	}
	var c Context
	if err := xjson.Unmarshal(raw, &c); err != nil {
		return nil, NewConsistencyError("malformed run context", map[string]interface{}{"error": err.Error()})
	}
	if c.Levels == nil {
		c.Levels = make(map[int][]*NodeSnapshot)
	}
	return &c, nil
}

func (c *Context) MarshalSnapshot() ([]byte, error) {
	return xjson.Marshal(c)
}

// Add appends a snapshot at its level. Later snapshots of the same node
// shadow earlier ones during resolution.
func (c *Context) Add(snap *NodeSnapshot) {
	c.Levels[snap.Level] = append(c.Levels[snap.Level], snap)
}

func (c *Context) NodesAtLevel(level int) []*NodeSnapshot {
	return c.Levels[level]
}

// Latest returns the most recent snapshot recorded for nodeID.
func (c *Context) Latest(nodeID string) (*NodeSnapshot, bool) {
	levels := make([]int, 0, len(c.Levels))
	for level := range c.Levels {
		levels = append(levels, level)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(levels)))
	for _, level := range levels {
		snaps := c.Levels[level]
		for i := len(snaps) - 1; i >= 0; i-- {
			if snaps[i].NodeID == nodeID {
				return snaps[i], true
			}
		}
	}
	return nil, false
}

// AncestorSubset restricts the context to snapshots of nodes that are
// graph ancestors of nodeID. This bounds the payload handed to a worker
// and keeps unrelated branch state out of it.
func (c *Context) AncestorSubset(g *Graph, nodeID string) *Context {
	ancestors := g.Ancestors(nodeID)
	out := NewContext()
	levels := make([]int, 0, len(c.Levels))
	for level := range c.Levels {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	for _, level := range levels {
		for _, snap := range c.Levels[level] {
			if ancestors[snap.NodeID] {
				out.Add(snap)
			}
		}
	}
	return out
}

// Resolver adapts the context to the variable reference resolver used for
// <<node_id.outputs.field>> substitution.
func (c *Context) Resolver() RefResolver {
	return func(nodeID, section, field string) (interface{}, bool) {
		snap, ok := c.Latest(nodeID)
		if !ok {
			return nil, false
		}
		var v *Variable
		if section == "inputs" {
			v = snap.Inputs
		} else {
			v = snap.Outputs
		}
		if v == nil {
			return nil, false
		}
		flat := v.Flatten()
		val, ok := flat[field]
		return val, ok
	}
}

// Size reports how many snapshots the context holds across all levels.
func (c *Context) Size() int {
	n := 0
	for _, snaps := range c.Levels {
		n += len(snaps)
	}
	return n
}

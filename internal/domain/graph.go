package domain

import (
	"fmt"

	"github.com/loomrun/loom/internal/xjson"
)

type NodeType string

const (
	NodeTypeStart          NodeType = "start"
	NodeTypeLLM            NodeType = "llm"
	NodeTypeAgent          NodeType = "agent"
	NodeTypeSkill          NodeType = "skill"
	NodeTypeHuman          NodeType = "human"
	NodeTypeEnd            NodeType = "end"
	NodeTypeCondition      NodeType = "condition"
	NodeTypeCustomCode     NodeType = "custom_code"
	NodeTypeTaskGeneration NodeType = "recursive_task_generation"
	NodeTypeTaskExecution  NodeType = "recursive_task_execution"
)

// CorrectableNodeTypes produce LLM output that a human can re-prompt. A
// correction reuses the existing execution row instead of creating one.
var CorrectableNodeTypes = map[NodeType]bool{
	NodeTypeLLM:            true,
	NodeTypeAgent:          true,
	NodeTypeTaskGeneration: true,
}

type ModelConfig struct {
	Supplier    string  `json:"supplier,omitempty"`
	Name        string  `json:"name,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

type NodeData struct {
	Type                 NodeType          `json:"type"`
	Title                string            `json:"title"`
	Description          string            `json:"desc,omitempty"`
	Input                *Variable         `json:"input,omitempty"`
	Output               *Variable         `json:"output,omitempty"`
	Prompt               string            `json:"prompt,omitempty"`
	Model                ModelConfig       `json:"model,omitempty"`
	Code                 string            `json:"code,omitempty"`
	ExecutorList         []*Node           `json:"executor_list,omitempty"`
	KnowledgeBaseMapping map[string]string `json:"knowledge_base_mapping,omitempty"`
	ManualConfirmation   bool              `json:"manual_confirmation,omitempty"`
}

// Node identity is stable across a run. Data.Input and Data.Output are
// per-execution copies, never shared between concurrent executions.
type Node struct {
	ID   string   `json:"id"`
	Data NodeData `json:"data"`
}

func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{ID: n.ID, Data: n.Data}
	out.Data.Input = n.Data.Input.Clone()
	out.Data.Output = n.Data.Output.Clone()
	if n.Data.ExecutorList != nil {
		out.Data.ExecutorList = make([]*Node, len(n.Data.ExecutorList))
		for i, e := range n.Data.ExecutorList {
			out.Data.ExecutorList[i] = e.Clone()
		}
	}
	if n.Data.KnowledgeBaseMapping != nil {
		out.Data.KnowledgeBaseMapping = make(map[string]string, len(n.Data.KnowledgeBaseMapping))
		for k, v := range n.Data.KnowledgeBaseMapping {
			out.Data.KnowledgeBaseMapping[k] = v
		}
	}
	return out
}

// Edge endpoints reference nodes by id only. Level groups edges that fire
// together once the run reaches that wave.
type Edge struct {
	ID              string           `json:"id"`
	Level           int              `json:"level"`
	SourceNodeID    string           `json:"source_node_id"`
	TargetNodeID    string           `json:"target_node_id"`
	SourceNodeType  NodeType         `json:"source_node_type"`
	TargetNodeType  NodeType         `json:"target_node_type"`
	IsLogicalBranch bool             `json:"is_logical_branch,omitempty"`
	ConditionID     string           `json:"condition_id,omitempty"`
	Views           xjson.RawMessage `json:"views,omitempty"`
}

// Graph is immutable once validated. It is recreated from its serialized
// form for every poll rather than mutated.
type Graph struct {
	Nodes []*Node          `json:"nodes"`
	Edges []*Edge          `json:"edges"`
	Views xjson.RawMessage `json:"views,omitempty"`

	nodesByID map[string]*Node
	outgoing  map[string][]*Edge
	incoming  map[string][]*Edge
	byLevel   map[int][]*Edge
}

func NewGraph(nodes []*Node, edges []*Edge) *Graph {
	g := &Graph{Nodes: nodes, Edges: edges}
	g.buildIndex()
	return g
}

// GraphFromJSON rebuilds a graph from its stored snapshot.
func GraphFromJSON(raw []byte) (*Graph, error) {
	var g Graph
	if err := xjson.Unmarshal(raw, &g); err != nil {
		return nil, NewConsistencyError("malformed graph snapshot", map[string]interface{}{"error": err.Error()})
	}
	g.buildIndex()
	return &g, nil
}

func (g *Graph) MarshalSnapshot() ([]byte, error) {
	return xjson.Marshal(g)
}

func (g *Graph) buildIndex() {
	g.nodesByID = make(map[string]*Node, len(g.Nodes))
	for _, n := range g.Nodes {
		g.nodesByID[n.ID] = n
	}
	g.outgoing = make(map[string][]*Edge)
	g.incoming = make(map[string][]*Edge)
	g.byLevel = make(map[int][]*Edge)
	for _, e := range g.Edges {
		g.outgoing[e.SourceNodeID] = append(g.outgoing[e.SourceNodeID], e)
		g.incoming[e.TargetNodeID] = append(g.incoming[e.TargetNodeID], e)
		g.byLevel[e.Level] = append(g.byLevel[e.Level], e)
	}
}

func (g *Graph) NodeByID(id string) (*Node, bool) {
	n, ok := g.nodesByID[id]
	return n, ok
}

func (g *Graph) Outgoing(nodeID string) []*Edge { return g.outgoing[nodeID] }
func (g *Graph) Incoming(nodeID string) []*Edge { return g.incoming[nodeID] }

func (g *Graph) EdgesAtLevel(level int) []*Edge { return g.byLevel[level] }

func (g *Graph) MaxLevel() int {
	max := 0
	for level := range g.byLevel {
		if level > max {
			max = level
		}
	}
	return max
}

// TotalSteps is the denominator for progress reporting.
func (g *Graph) TotalSteps() int { return len(g.Edges) }

func (g *Graph) StartNode() (*Node, error) {
	var start *Node
	for _, n := range g.Nodes {
		if n.Data.Type == NodeTypeStart {
			if start != nil {
				return nil, NewValidationError("graph has more than one start node", nil)
			}
			start = n
		}
	}
	if start == nil {
		return nil, NewValidationError("graph has no start node", nil)
	}
	return start, nil
}

// Ancestors returns the set of node ids reachable backwards from nodeID,
// excluding the node itself.
func (g *Graph) Ancestors(nodeID string) map[string]bool {
	seen := make(map[string]bool)
	stack := []string{nodeID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.incoming[cur] {
			if !seen[e.SourceNodeID] {
				seen[e.SourceNodeID] = true
				stack = append(stack, e.SourceNodeID)
			}
		}
	}
	delete(seen, nodeID)
	return seen
}

// SkipClosure computes the edges that become unreachable once edge is
// skipped, given the edges already concluded (completed or skipped). An
// edge cascades only when every incoming edge of its source has been
// skipped; a target with another live incoming edge stays reachable.
func (g *Graph) SkipClosure(edge *Edge, alreadySkipped map[string]bool) []*Edge {
	skipped := make(map[string]bool, len(alreadySkipped)+1)
	for id := range alreadySkipped {
		skipped[id] = true
	}
	skipped[edge.ID] = true

	var out []*Edge
	queue := []string{edge.TargetNodeID}
	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]

		allIncomingSkipped := true
		for _, in := range g.incoming[nodeID] {
			if !skipped[in.ID] {
				allIncomingSkipped = false
				break
			}
		}
		if !allIncomingSkipped {
			continue
		}
		for _, outEdge := range g.outgoing[nodeID] {
			if skipped[outEdge.ID] {
				continue
			}
			skipped[outEdge.ID] = true
			out = append(out, outEdge)
			queue = append(queue, outEdge.TargetNodeID)
		}
	}
	return out
}

// Validate checks structural soundness before a run starts or before an
// ad-hoc single-node execution. It is a pure read-only traversal.
func (g *Graph) Validate() error {
	start, err := g.StartNode()
	if err != nil {
		return err
	}

	for _, e := range g.Edges {
		if _, ok := g.nodesByID[e.SourceNodeID]; !ok {
			return NewValidationError(
				fmt.Sprintf("edge %s references unknown source node %s", e.ID, e.SourceNodeID),
				map[string]interface{}{"edge_id": e.ID},
			)
		}
		if _, ok := g.nodesByID[e.TargetNodeID]; !ok {
			return NewValidationError(
				fmt.Sprintf("edge %s references unknown target node %s", e.ID, e.TargetNodeID),
				map[string]interface{}{"edge_id": e.ID},
			)
		}
	}

	if len(g.incoming[start.ID]) > 0 {
		return NewValidationError("start node must not have incoming edges", nil)
	}
	if len(g.outgoing[start.ID]) > 1 {
		return NewValidationError("start node must have at most one outgoing edge", nil)
	}

	// BFS over outgoing edges; only nodes reachable from start are checked.
	visited := map[string]bool{start.ID: true}
	queue := []string{start.ID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		node := g.nodesByID[cur]
		if err := validateNodeConfig(node); err != nil {
			return err
		}
		for _, e := range g.outgoing[cur] {
			if !visited[e.TargetNodeID] {
				visited[e.TargetNodeID] = true
				queue = append(queue, e.TargetNodeID)
			}
		}
	}
	return nil
}

func validateNodeConfig(node *Node) error {
	switch node.Data.Type {
	case NodeTypeLLM, NodeTypeAgent:
		if node.Data.Prompt == "" {
			return NewValidationError(
				fmt.Sprintf("node %q requires a non-empty prompt", node.Data.Title),
				map[string]interface{}{"node_id": node.ID, "node_type": string(node.Data.Type)},
			)
		}
	case NodeTypeEnd:
		if node.Data.Output == nil || len(node.Data.Output.Properties) == 0 {
			return NewValidationError(
				fmt.Sprintf("end node %q requires declared output properties", node.Data.Title),
				map[string]interface{}{"node_id": node.ID},
			)
		}
	case NodeTypeTaskExecution:
		if len(node.Data.ExecutorList) == 0 {
			return NewValidationError(
				fmt.Sprintf("node %q requires a non-empty executor list", node.Data.Title),
				map[string]interface{}{"node_id": node.ID},
			)
		}
		for _, ex := range node.Data.ExecutorList {
			if err := validateNodeConfig(ex); err != nil {
				return err
			}
		}
	}
	// Start, human, and delegate inputs are bound at run time; checking
	// their required values here would reject every valid graph.
	switch node.Data.Type {
	case NodeTypeStart, NodeTypeHuman, NodeTypeTaskExecution:
	default:
		if node.Data.Input != nil {
			if err := node.Data.Input.ValidateRequired(); err != nil {
				return err
			}
		}
	}
	return nil
}

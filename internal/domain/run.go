package domain

import (
	"time"

	"github.com/loomrun/loom/internal/xjson"
)

type RunStatus int

const (
	RunStatusQueued    RunStatus = 1
	RunStatusRunning   RunStatus = 2
	RunStatusSucceeded RunStatus = 3
	RunStatusFailed    RunStatus = 4
)

func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

type RunType int

const (
	RunTypeManual    RunType = 1
	RunTypePublished RunType = 2
)

// WorkflowRun is the persisted progress record of one workflow execution.
// Mutated exclusively by the dispatch and completion loops after creation;
// Version implements optimistic concurrency on every update.
type WorkflowRun struct {
	ID                   string           `json:"id"`
	WorkflowID           string           `json:"workflow_id"`
	AppID                string           `json:"app_id,omitempty"`
	UserID               string           `json:"user_id,omitempty"`
	RunType              RunType          `json:"run_type"`
	Graph                xjson.RawMessage `json:"graph"`
	Level                int              `json:"level"`
	Status               RunStatus        `json:"status"`
	CompletedEdges       []string         `json:"completed_edges"`
	SkippedEdges         []string         `json:"skipped_edges"`
	CompletedSteps       int              `json:"completed_steps"`
	ActualCompletedSteps int              `json:"actual_completed_steps"`
	TotalSteps           int              `json:"total_steps"`
	Context              xjson.RawMessage `json:"context,omitempty"`
	NeedHumanConfirm     bool             `json:"need_human_confirm"`
	Error                string           `json:"error,omitempty"`
	Inputs               *Variable        `json:"inputs,omitempty"`
	Outputs              *Variable        `json:"outputs,omitempty"`
	ElapsedSeconds       float64          `json:"elapsed_seconds"`
	PromptTokens         int              `json:"prompt_tokens"`
	CompletionTokens     int              `json:"completion_tokens"`
	TotalTokens          int              `json:"total_tokens"`
	Version              int64            `json:"version"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
	FinishedAt           *time.Time       `json:"finished_at,omitempty"`
}

func (r *WorkflowRun) HasCompletedEdge(edgeID string) bool {
	for _, id := range r.CompletedEdges {
		if id == edgeID {
			return true
		}
	}
	return false
}

func (r *WorkflowRun) HasSkippedEdge(edgeID string) bool {
	for _, id := range r.SkippedEdges {
		if id == edgeID {
			return true
		}
	}
	return false
}

// MarkEdgeCompleted appends idempotently and bumps completed_steps only on
// first completion, keeping the counter monotonic under re-polls.
func (r *WorkflowRun) MarkEdgeCompleted(edgeID string) bool {
	if r.HasCompletedEdge(edgeID) {
		return false
	}
	r.CompletedEdges = append(r.CompletedEdges, edgeID)
	r.CompletedSteps++
	return true
}

func (r *WorkflowRun) MarkEdgeSkipped(edgeID string) bool {
	if r.HasSkippedEdge(edgeID) {
		return false
	}
	r.SkippedEdges = append(r.SkippedEdges, edgeID)
	return true
}

type ExecStatus int

const (
	ExecStatusStarted   ExecStatus = 2
	ExecStatusSucceeded ExecStatus = 3
	ExecStatusFailed    ExecStatus = 4
)

// NodeExecution is one recorded attempt to run a node within a run. A node
// can own several rows across corrections and recursive fan-out;
// CorrectOutput marks a row superseded by a corrected re-run.
type NodeExecution struct {
	ID               string           `json:"id"`
	RunID            string           `json:"app_run_id"`
	Level            int              `json:"level"`
	ChildLevel       int              `json:"child_level,omitempty"`
	EdgeID           string           `json:"edge_id,omitempty"`
	PreNodeID        string           `json:"pre_node_id,omitempty"`
	NodeID           string           `json:"node_id"`
	NodeType         NodeType         `json:"node_type"`
	NodeGraph        xjson.RawMessage `json:"node_graph,omitempty"`
	TaskID           string           `json:"task_id,omitempty"`
	Inputs           *Variable        `json:"inputs,omitempty"`
	Outputs          *Variable        `json:"outputs,omitempty"`
	Status           ExecStatus       `json:"status"`
	Error            string           `json:"error,omitempty"`
	ConditionID      string           `json:"condition_id,omitempty"`
	CorrectOutput    bool             `json:"correct_output"`
	CorrectPrompt    string           `json:"correct_prompt,omitempty"`
	NeedHumanConfirm bool             `json:"need_human_confirm"`
	ElapsedSeconds   float64          `json:"elapsed_seconds"`
	PromptTokens     int              `json:"prompt_tokens"`
	CompletionTokens int              `json:"completion_tokens"`
	TotalTokens      int              `json:"total_tokens"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	FinishedAt       *time.Time       `json:"finished_at,omitempty"`
}

// Snapshot converts the execution row into the context entry appended on
// reconciliation.
func (e *NodeExecution) Snapshot(title string) *NodeSnapshot {
	return &NodeSnapshot{
		NodeID:      e.NodeID,
		NodeType:    e.NodeType,
		Title:       title,
		Level:       e.Level,
		ExecutionID: e.ID,
		Inputs:      e.Inputs,
		Outputs:     e.Outputs,
		ConditionID: e.ConditionID,
	}
}

// ConfirmerAssignment binds a user to a node for human confirmation on
// published runs.
type ConfirmerAssignment struct {
	WorkflowID string `json:"workflow_id"`
	NodeID     string `json:"node_id"`
	UserID     string `json:"user_id"`
}

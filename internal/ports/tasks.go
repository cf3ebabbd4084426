package ports

import (
	"context"
	"time"

	"github.com/loomrun/loom/internal/domain"
)

const (
	TaskStatusSuccess = "success"
	TaskStatusFailed  = "failed"
)

// NodeResult is what a worker hands back after executing one node.
type NodeResult struct {
	Inputs            *domain.Variable `json:"inputs,omitempty"`
	Outputs           *domain.Variable `json:"outputs,omitempty"`
	ConditionID       string           `json:"condition_id,omitempty"`
	TaskTree          *domain.TaskTree `json:"task_tree,omitempty"`
	PendingAssignment bool             `json:"pending_assignment,omitempty"`
	ElapsedSeconds    float64          `json:"elapsed_seconds"`
	PromptTokens      int              `json:"prompt_tokens"`
	CompletionTokens  int              `json:"completion_tokens"`
	TotalTokens       int              `json:"total_tokens"`
}

type TaskResult struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    *NodeResult `json:"data,omitempty"`
}

// TaskPayload carries everything a worker needs: the serialized node, the
// ancestor context, run lineage, and recursion/correction flags.
type TaskPayload struct {
	ExecutionID      string           `json:"execution_id"`
	RunID            string           `json:"run_id"`
	WorkflowID       string           `json:"workflow_id"`
	AppID            string           `json:"app_id,omitempty"`
	EdgeID           string           `json:"edge_id,omitempty"`
	Level            int              `json:"level"`
	ChildLevel       int              `json:"child_level,omitempty"`
	Node             *domain.Node     `json:"node"`
	Context          *domain.Context  `json:"context,omitempty"`
	CorrectLLMOutput bool             `json:"correct_llm_output,omitempty"`
	CorrectPrompt    string           `json:"correct_prompt,omitempty"`
	PreviousOutputs  *domain.Variable `json:"previous_outputs,omitempty"`
	AssignTask       bool             `json:"assign_task,omitempty"`
	Task             *domain.TaskTree `json:"task,omitempty"`
	ParentOutputs    *domain.Variable `json:"parent_outputs,omitempty"`
}

// TaskHandle tracks one in-flight asynchronous node execution.
type TaskHandle interface {
	ID() string
	Ready() bool
	// Get blocks up to timeout for the result. It returns
	// domain.ErrTimeout on expiry without cancelling the task.
	Get(timeout time.Duration) (*TaskResult, error)
}

// TaskRunner is the asynchronous submission surface. Submission never
// blocks on node execution latency.
type TaskRunner interface {
	Submit(ctx context.Context, payload *TaskPayload) (TaskHandle, error)
	Close() error
}

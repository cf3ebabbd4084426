package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomrun/loom/internal/domain"
	"github.com/loomrun/loom/internal/ports"
)

// ExecutionInput is the uniform contract every node executor receives: a
// per-execution node clone, the ancestor context, and the raw payload for
// recursion/correction flags.
type ExecutionInput struct {
	Node    *domain.Node
	Context *domain.Context
	Payload *ports.TaskPayload
}

type NodeExecutor interface {
	Execute(ctx context.Context, in *ExecutionInput) (*ports.NodeResult, error)
}

// Registry maps node type strings to executor implementations. Lookup
// failures surface as execution errors, not panics, since graphs arrive
// from storage.
type Registry struct {
	executors map[domain.NodeType]NodeExecutor
}

func NewRegistry(llmClient ports.LLMClient, fileSvc ports.FileService, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{executors: make(map[domain.NodeType]NodeExecutor)}
	r.Register(domain.NodeTypeStart, &startExecutor{})
	r.Register(domain.NodeTypeHuman, &humanExecutor{})
	r.Register(domain.NodeTypeEnd, &endExecutor{})
	r.Register(domain.NodeTypeCondition, &conditionExecutor{})
	r.Register(domain.NodeTypeCustomCode, &customCodeExecutor{})
	r.Register(domain.NodeTypeSkill, &skillExecutor{})
	r.Register(domain.NodeTypeLLM, &llmExecutor{client: llmClient, files: fileSvc, logger: logger})
	r.Register(domain.NodeTypeAgent, &agentExecutor{llmExecutor{client: llmClient, files: fileSvc, logger: logger}})
	r.Register(domain.NodeTypeTaskGeneration, &taskGenerationExecutor{client: llmClient, logger: logger})
	r.Register(domain.NodeTypeTaskExecution, &taskExecutionExecutor{registry: r})
	return r
}

func (r *Registry) Register(t domain.NodeType, ex NodeExecutor) {
	r.executors[t] = ex
}

func (r *Registry) Lookup(t domain.NodeType) (NodeExecutor, error) {
	ex, ok := r.executors[t]
	if !ok {
		return nil, domain.NewExecutionError(
			fmt.Sprintf("no executor registered for node type %q", t),
			map[string]interface{}{"node_type": string(t)})
	}
	return ex, nil
}

// Execute is the entry point handed to the worker pool. It resolves input
// references against the ancestor context, validates required inputs, and
// dispatches to the node's executor.
func (r *Registry) Execute(ctx context.Context, payload *ports.TaskPayload) (*ports.NodeResult, error) {
	if payload.Node == nil {
		return nil, domain.NewConsistencyError("task payload carries no node", nil)
	}
	node := payload.Node.Clone()
	runCtx := payload.Context
	if runCtx == nil {
		runCtx = domain.NewContext()
	}

	if node.Data.Input != nil {
		if err := node.Data.Input.SubstituteRefs(runCtx.Resolver()); err != nil {
			return nil, err
		}
		if err := node.Data.Input.ValidateRequired(); err != nil {
			return nil, err
		}
	}

	ex, err := r.Lookup(node.Data.Type)
	if err != nil {
		return nil, err
	}
	return ex.Execute(ctx, &ExecutionInput{Node: node, Context: runCtx, Payload: payload})
}

// startExecutor echoes the run's declared inputs through as outputs; the
// start node does no work of its own.
type startExecutor struct{}

func (e *startExecutor) Execute(ctx context.Context, in *ExecutionInput) (*ports.NodeResult, error) {
	inputs := in.Node.Data.Input
	return &ports.NodeResult{
		Inputs:  inputs,
		Outputs: inputs.Clone(),
	}, nil
}

// humanExecutor runs only after an external confirm supplied inputs onto
// the paused execution row; those inputs become the node's output.
type humanExecutor struct{}

func (e *humanExecutor) Execute(ctx context.Context, in *ExecutionInput) (*ports.NodeResult, error) {
	inputs := in.Node.Data.Input
	if inputs.IsEmpty() {
		return nil, domain.NewConsistencyError("human node executed without confirmed inputs",
			map[string]interface{}{"node_id": in.Node.ID})
	}
	return &ports.NodeResult{
		Inputs:  inputs,
		Outputs: inputs.Clone(),
	}, nil
}

// endExecutor materializes the run's declared outputs from the ancestor
// context.
type endExecutor struct{}

func (e *endExecutor) Execute(ctx context.Context, in *ExecutionInput) (*ports.NodeResult, error) {
	output := in.Node.Data.Output.Clone()
	if output == nil {
		return nil, domain.NewValidationError("end node has no declared outputs",
			map[string]interface{}{"node_id": in.Node.ID})
	}
	if err := output.SubstituteRefs(in.Context.Resolver()); err != nil {
		return nil, err
	}
	return &ports.NodeResult{
		Inputs:  in.Node.Data.Input,
		Outputs: output,
	}, nil
}

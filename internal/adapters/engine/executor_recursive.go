package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomrun/loom/internal/domain"
	"github.com/loomrun/loom/internal/ports"
)

const taskTreeInstruction = `Decompose the objective into a task tree. Respond with ONLY a JSON object of the form:
{"id":"root","name":"...","description":"...","subcategories":[{"id":"t1","name":"...","description":"...","subcategories":[]}]}
Leaf tasks (empty subcategories) are the units of work. Use short stable ids.`

// taskGenerationExecutor asks the model to decompose the node's objective
// into a task tree and validates that the response parses.
type taskGenerationExecutor struct {
	client ports.LLMClient
	logger *slog.Logger
}

func (e *taskGenerationExecutor) Execute(ctx context.Context, in *ExecutionInput) (*ports.NodeResult, error) {
	if e.client == nil {
		return nil, domain.NewExecutionError("no LLM client configured", nil)
	}
	prompt, err := domain.SubstituteString(in.Node.Data.Prompt, in.Context.Resolver())
	if err != nil {
		return nil, err
	}

	messages := []ports.ChatMessage{
		{Role: ports.RoleSystem, Content: taskTreeInstruction},
		{Role: ports.RoleUser, Content: prompt},
	}
	if user := renderInputs(in.Node.Data.Input); user != "" {
		messages = append(messages, ports.ChatMessage{Role: ports.RoleUser, Content: user})
	}
	if p := in.Payload; p != nil && p.CorrectLLMOutput {
		if prev := renderOutputs(p.PreviousOutputs); prev != "" {
			messages = append(messages, ports.ChatMessage{Role: ports.RoleAssistant, Content: prev})
		}
		messages = append(messages, ports.ChatMessage{Role: ports.RoleUser, Content: p.CorrectPrompt})
	}

	res, err := e.client.Invoke(ctx, in.Node.Data.Model, messages)
	if err != nil {
		return nil, domain.NewExecutionError(
			fmt.Sprintf("task generation failed: %v", err),
			map[string]interface{}{"node_id": in.Node.ID})
	}

	tree, err := domain.TaskTreeFromJSON(res.Content)
	if err != nil {
		return nil, domain.NewExecutionError(
			fmt.Sprintf("task generation produced unparseable tree: %v", err),
			map[string]interface{}{"node_id": in.Node.ID})
	}
	if len(tree.Leaves()) == 0 {
		return nil, domain.NewExecutionError("task tree contains no leaf tasks",
			map[string]interface{}{"node_id": in.Node.ID})
	}

	out := in.Node.Data.Output.Clone()
	if out == nil {
		out = domain.NewObjectVariable("output", nil)
	}
	out.SetProperty(domain.NewStringVariable("tasks", res.Content))
	return &ports.NodeResult{
		Inputs:           in.Node.Data.Input,
		Outputs:          out,
		TaskTree:         tree,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		TotalTokens:      res.Usage.TotalTokens,
	}, nil
}

// taskExecutionExecutor covers the three recursive rounds the dispatcher
// schedules against a task-execution node: claiming the next sub-task,
// running one sub-task through a delegate executor node, and the final
// aggregation once every leaf has run.
type taskExecutionExecutor struct {
	registry *Registry
}

func (e *taskExecutionExecutor) Execute(ctx context.Context, in *ExecutionInput) (*ports.NodeResult, error) {
	p := in.Payload
	if p != nil && p.AssignTask {
		return e.assign(p)
	}
	if p != nil && p.Task != nil {
		return e.runSubTask(ctx, in)
	}
	return e.aggregate(in)
}

func (e *taskExecutionExecutor) assign(p *ports.TaskPayload) (*ports.NodeResult, error) {
	if p.Task == nil {
		return nil, domain.NewConsistencyError("assignment round carries no sub-task", nil)
	}
	return &ports.NodeResult{PendingAssignment: true}, nil
}

func (e *taskExecutionExecutor) runSubTask(ctx context.Context, in *ExecutionInput) (*ports.NodeResult, error) {
	p := in.Payload
	list := in.Node.Data.ExecutorList
	if len(list) == 0 {
		return nil, domain.NewValidationError("task execution node has no executors",
			map[string]interface{}{"node_id": in.Node.ID})
	}
	delegate := list[(p.ChildLevel-1+len(list))%len(list)].Clone()

	// The sub-task description and the generation node's outputs become
	// the delegate's working input.
	input := delegate.Data.Input.Clone()
	if input == nil {
		input = domain.NewObjectVariable("inputs", nil)
	}
	input.SetProperty(domain.NewStringVariable("task_id", p.Task.ID))
	input.SetProperty(domain.NewStringVariable("task_name", p.Task.Name))
	input.SetProperty(domain.NewStringVariable("task_description", p.Task.Description))
	if p.ParentOutputs != nil {
		input.MergeFrom(p.ParentOutputs)
	}
	delegate.Data.Input = input
	if delegate.Data.Prompt != "" {
		delegate.Data.Prompt = fmt.Sprintf("%s\n\nCurrent sub-task: %s. %s",
			delegate.Data.Prompt, p.Task.Name, p.Task.Description)
	}

	ex, err := e.registry.Lookup(delegate.Data.Type)
	if err != nil {
		return nil, err
	}
	res, err := ex.Execute(ctx, &ExecutionInput{Node: delegate, Context: in.Context, Payload: nil})
	if err != nil {
		return nil, err
	}
	res.Inputs = input
	return res, nil
}

// aggregate folds the per-task outputs the dispatcher gathered into the
// node's declared output.
func (e *taskExecutionExecutor) aggregate(in *ExecutionInput) (*ports.NodeResult, error) {
	p := in.Payload
	out := in.Node.Data.Output.Clone()
	if out == nil {
		out = domain.NewObjectVariable("output", nil)
	}
	if p != nil && p.ParentOutputs != nil {
		out.MergeFrom(p.ParentOutputs)
	}
	return &ports.NodeResult{
		Inputs:  in.Node.Data.Input,
		Outputs: out,
	}, nil
}

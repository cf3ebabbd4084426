package engine

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/loomrun/loom/internal/domain"
	"github.com/loomrun/loom/internal/ports"
)

// exprEnv builds the evaluation environment for expression nodes: the
// node's resolved inputs flattened to dotted keys, plus an "inputs" map for
// programmatic access.
func exprEnv(in *ExecutionInput) map[string]interface{} {
	flat := in.Node.Data.Input.Flatten()
	env := make(map[string]interface{}, len(flat)+1)
	for k, v := range flat {
		env[k] = v
	}
	env["inputs"] = flat
	return env
}

func evalExpression(code string, env map[string]interface{}) (interface{}, error) {
	program, err := expr.Compile(code, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, domain.NewExecutionError(
			fmt.Sprintf("compiling expression: %v", err), nil)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, domain.NewExecutionError(
			fmt.Sprintf("evaluating expression: %v", err), nil)
	}
	return out, nil
}

// conditionExecutor evaluates the node's expression and reports the chosen
// branch id. The result must be a string naming one of the node's outgoing
// logical branches.
type conditionExecutor struct{}

func (e *conditionExecutor) Execute(ctx context.Context, in *ExecutionInput) (*ports.NodeResult, error) {
	if in.Node.Data.Code == "" {
		return nil, domain.NewValidationError("condition node has no expression",
			map[string]interface{}{"node_id": in.Node.ID})
	}
	out, err := evalExpression(in.Node.Data.Code, exprEnv(in))
	if err != nil {
		return nil, err
	}
	conditionID, ok := out.(string)
	if !ok || conditionID == "" {
		return nil, domain.NewExecutionError(
			fmt.Sprintf("condition expression returned %T, want branch id string", out),
			map[string]interface{}{"node_id": in.Node.ID})
	}
	return &ports.NodeResult{
		Inputs:      in.Node.Data.Input,
		Outputs:     in.Node.Data.Input.Clone(),
		ConditionID: conditionID,
	}, nil
}

// customCodeExecutor runs an arbitrary expression and shapes its result
// into the node's declared output. A map result fills matching declared
// properties; any other value lands under "result".
type customCodeExecutor struct{}

func (e *customCodeExecutor) Execute(ctx context.Context, in *ExecutionInput) (*ports.NodeResult, error) {
	if in.Node.Data.Code == "" {
		return nil, domain.NewValidationError("custom code node has no expression",
			map[string]interface{}{"node_id": in.Node.ID})
	}
	out, err := evalExpression(in.Node.Data.Code, exprEnv(in))
	if err != nil {
		return nil, err
	}
	return &ports.NodeResult{
		Inputs:  in.Node.Data.Input,
		Outputs: shapeExpressionOutput(in.Node, out),
	}, nil
}

// skillExecutor invokes a reusable expression skill. It differs from
// custom code only in that the declared output contract is mandatory.
type skillExecutor struct{}

func (e *skillExecutor) Execute(ctx context.Context, in *ExecutionInput) (*ports.NodeResult, error) {
	if in.Node.Data.Code == "" {
		return nil, domain.NewValidationError("skill node has no expression",
			map[string]interface{}{"node_id": in.Node.ID})
	}
	if in.Node.Data.Output == nil || len(in.Node.Data.Output.Properties) == 0 {
		return nil, domain.NewValidationError("skill node declares no outputs",
			map[string]interface{}{"node_id": in.Node.ID})
	}
	out, err := evalExpression(in.Node.Data.Code, exprEnv(in))
	if err != nil {
		return nil, err
	}
	return &ports.NodeResult{
		Inputs:  in.Node.Data.Input,
		Outputs: shapeExpressionOutput(in.Node, out),
	}, nil
}

func shapeExpressionOutput(node *domain.Node, value interface{}) *domain.Variable {
	out := node.Data.Output.Clone()
	if out == nil {
		out = domain.NewObjectVariable("output", nil)
	}
	if m, ok := value.(map[string]interface{}); ok && len(out.Properties) > 0 {
		filled := false
		for name, p := range out.Properties {
			if v, present := m[name]; present {
				p.Value = v
				filled = true
			}
		}
		if filled {
			return out
		}
	}
	if len(out.Properties) == 1 {
		for _, p := range out.Properties {
			p.Value = value
			return out
		}
	}
	out.SetProperty(&domain.Variable{Name: "result", Type: domain.VarTypeJSON, Value: value})
	return out
}

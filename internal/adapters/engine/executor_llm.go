package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/loomrun/loom/internal/domain"
	"github.com/loomrun/loom/internal/ports"
	"github.com/loomrun/loom/internal/xjson"
)

// llmExecutor renders the node's prompt with ancestor references resolved,
// invokes the configured model, and writes the completion into the node's
// declared output. A correction round replays the previous output as an
// assistant turn followed by the human's correction prompt.
type llmExecutor struct {
	client ports.LLMClient
	files  ports.FileService
	logger *slog.Logger
}

func (e *llmExecutor) Execute(ctx context.Context, in *ExecutionInput) (*ports.NodeResult, error) {
	if e.client == nil {
		return nil, domain.NewExecutionError("no LLM client configured", nil)
	}
	messages, err := e.buildMessages(ctx, in)
	if err != nil {
		return nil, err
	}

	res, err := e.client.Invoke(ctx, in.Node.Data.Model, messages)
	if err != nil {
		return nil, domain.NewExecutionError(
			fmt.Sprintf("model invocation failed: %v", err),
			map[string]interface{}{"node_id": in.Node.ID})
	}

	outputs := outputFromCompletion(in.Node, res.Content)
	return &ports.NodeResult{
		Inputs:           in.Node.Data.Input,
		Outputs:          outputs,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		TotalTokens:      res.Usage.TotalTokens,
	}, nil
}

func (e *llmExecutor) buildMessages(ctx context.Context, in *ExecutionInput) ([]ports.ChatMessage, error) {
	prompt, err := domain.SubstituteString(in.Node.Data.Prompt, in.Context.Resolver())
	if err != nil {
		return nil, err
	}

	var messages []ports.ChatMessage
	messages = append(messages, ports.ChatMessage{Role: ports.RoleSystem, Content: prompt})

	if kb := knowledgeContext(ctx, e.files, in.Node, e.logger); kb != "" {
		messages = append(messages, ports.ChatMessage{Role: ports.RoleSystem, Content: kb})
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
	return messages, nil
}

// agentExecutor behaves like an LLM node but additionally resolves file
// inputs into inline context before the call.
type agentExecutor struct {
	llmExecutor
}

func (e *agentExecutor) Execute(ctx context.Context, in *ExecutionInput) (*ports.NodeResult, error) {
	if e.files != nil && in.Node.Data.Input != nil {
		if err := inlineFileInputs(ctx, e.files, in.Node.Data.Input); err != nil {
			return nil, err
		}
	}
	return e.llmExecutor.Execute(ctx, in)
}

func inlineFileInputs(ctx context.Context, files ports.FileService, v *domain.Variable) error {
	if v == nil {
		return nil
	}
	if v.Type == domain.VarTypeFile {
		ref, ok := v.Value.(string)
		if !ok || ref == "" {
			return nil
		}
		data, meta, err := files.Resolve(ctx, ref)
		if err != nil {
			return domain.NewExecutionError(
				fmt.Sprintf("resolving file input %q: %v", v.Name, err),
				map[string]interface{}{"ref": ref})
		}
		v.Type = domain.VarTypeString
		v.Value = fmt.Sprintf("[file %s (%s)]\n%s", meta.Name, meta.ContentType, string(data))
		return nil
	}
	for _, p := range v.Properties {
		if err := inlineFileInputs(ctx, files, p); err != nil {
			return err
		}
	}
	for _, item := range v.Values {
		if err := inlineFileInputs(ctx, files, item); err != nil {
			return err
		}
	}
	return nil
}

func knowledgeContext(ctx context.Context, files ports.FileService, node *domain.Node, logger *slog.Logger) string {
	if files == nil || len(node.Data.KnowledgeBaseMapping) == 0 {
		return ""
	}
	var b strings.Builder
	keys := make([]string, 0, len(node.Data.KnowledgeBaseMapping))
	for k := range node.Data.KnowledgeBaseMapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ref := node.Data.KnowledgeBaseMapping[k]
		data, meta, err := files.Resolve(ctx, ref)
		if err != nil {
			logger.Warn("knowledge base document unavailable",
				"node_id", node.ID, "ref", ref, "error", err)
			continue
		}
		fmt.Fprintf(&b, "Reference document %q (%s):\n%s\n\n", k, meta.Name, string(data))
	}
	if b.Len() == 0 {
		return ""
	}
	return "Use the following reference material when answering.\n\n" + b.String()
}

// renderInputs serializes the resolved inputs as a user turn so the model
// sees concrete values rather than reference placeholders.
func renderInputs(v *domain.Variable) string {
	if v.IsEmpty() {
		return ""
	}
	flat := v.Flatten()
	if len(flat) == 0 {
		return ""
	}
	raw, err := xjson.Marshal(flat)
	if err != nil {
		return ""
	}
	return "Inputs:\n" + string(raw)
}

func renderOutputs(v *domain.Variable) string {
	if v.IsEmpty() {
		return ""
	}
	flat := v.Flatten()
	if len(flat) == 1 {
		for _, val := range flat {
			if s, ok := val.(string); ok {
				return s
			}
		}
	}
	raw, err := xjson.Marshal(flat)
	if err != nil {
		return ""
	}
	return string(raw)
}

// outputFromCompletion places the completion text into the node's declared
// output shape. A single declared string property receives the text
// directly; otherwise the whole completion lands under "text".
func outputFromCompletion(node *domain.Node, content string) *domain.Variable {
	out := node.Data.Output.Clone()
	if out == nil {
		out = domain.NewObjectVariable("output", nil)
	}
	if len(out.Properties) == 1 {
		for _, p := range out.Properties {
			if p.Type == domain.VarTypeString || p.Type == "" {
				p.Type = domain.VarTypeString
				p.Value = content
				return out
			}
		}
	}
	if parsed := tryFillFromJSON(out, content); parsed {
		return out
	}
	out.SetProperty(domain.NewStringVariable("text", content))
	return out
}

// tryFillFromJSON matches a JSON completion against multiple declared
// output properties.
func tryFillFromJSON(out *domain.Variable, content string) bool {
	if len(out.Properties) < 2 {
		return false
	}
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	var m map[string]interface{}
	if err := xjson.Unmarshal([]byte(trimmed), &m); err != nil {
		return false
	}
	filled := false
	for name, p := range out.Properties {
		if val, ok := m[name]; ok {
			p.Value = val
			filled = true
		}
	}
	return filled
}

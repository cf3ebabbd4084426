package domain

import (
	"strings"

	"github.com/loomrun/loom/internal/xjson"
)

// TaskTree is the nested task breakdown produced by a task-generation node
// and consumed, one leaf at a time, by a task-execution node.
type TaskTree struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Description   string      `json:"description,omitempty"`
	Subcategories []*TaskTree `json:"subcategories,omitempty"`
}

// TaskTreeFromJSON parses LLM output into a task tree. Code fences around
// the JSON body are tolerated since models wrap output freely.
func TaskTreeFromJSON(raw string) (*TaskTree, error) {
	body := strings.TrimSpace(raw)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		if idx := strings.LastIndex(body, "```"); idx >= 0 {
			body = body[:idx]
		}
		body = strings.TrimSpace(body)
	}
	var tree TaskTree
	if err := xjson.Unmarshal([]byte(body), &tree); err != nil {
		return nil, NewExecutionError("task generation output is not a valid task tree",
			map[string]interface{}{"error": err.Error()})
	}
	if tree.Name == "" && len(tree.Subcategories) == 0 {
		return nil, NewExecutionError("task generation output is empty", nil)
	}
	return &tree, nil
}

// Leaves returns the executable sub-tasks in depth-first order. A node with
// subcategories is a category, not a task.
func (t *TaskTree) Leaves() []*TaskTree {
	if t == nil {
		return nil
	}
	if len(t.Subcategories) == 0 {
		return []*TaskTree{t}
	}
	var out []*TaskTree
	for _, sub := range t.Subcategories {
		out = append(out, sub.Leaves()...)
	}
	return out
}

// Find locates a task by id anywhere in the tree.
func (t *TaskTree) Find(id string) (*TaskTree, bool) {
	if t == nil {
		return nil, false
	}
	if t.ID == id {
		return t, true
	}
	for _, sub := range t.Subcategories {
		if found, ok := sub.Find(id); ok {
			return found, true
		}
	}
	return nil, false
}

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomrun/loom/internal/domain"
	"github.com/loomrun/loom/internal/ports"
	"github.com/loomrun/loom/internal/xjson"
)

// startEdgeID is the sentinel edge id on the synthesized start execution,
// letting the dispatcher relocate it after a restart.
const startEdgeID = "__start__"

const maxRunUpdateRetries = 5

// core is the state both pollers share: storage, the task runner, the
// in-flight registry, and the outbound channels.
type core struct {
	store    ports.Store
	runner   ports.TaskRunner
	results  ports.ResultChannel
	notify   ports.NotificationSink
	inflight *inFlightRegistry
	logger   *slog.Logger
}

func (c *core) loadGraph(run *domain.WorkflowRun) (*domain.Graph, error) {
	g, err := domain.GraphFromJSON(run.Graph)
	if err != nil {
		return nil, domain.NewConsistencyError(
			fmt.Sprintf("run carries unparseable graph: %v", err),
			map[string]interface{}{"run_id": run.ID})
	}
	return g, nil
}

func (c *core) loadContext(run *domain.WorkflowRun) (*domain.Context, error) {
	runCtx, err := domain.ContextFromJSON(run.Context)
	if err != nil {
		return nil, domain.NewConsistencyError(
			fmt.Sprintf("run carries unparseable context: %v", err),
			map[string]interface{}{"run_id": run.ID})
	}
	return runCtx, nil
}

func (c *core) saveContext(run *domain.WorkflowRun, runCtx *domain.Context) error {
	raw, err := runCtx.MarshalSnapshot()
	if err != nil {
		return err
	}
	run.Context = raw
	return nil
}

// mutateRun applies fn to a freshly loaded run and retries the optimistic
// update on version conflicts. fn must be idempotent against re-reads.
func (c *core) mutateRun(ctx context.Context, runID string, fn func(*domain.WorkflowRun) error) (*domain.WorkflowRun, error) {
	var lastErr error
	for attempt := 0; attempt < maxRunUpdateRetries; attempt++ {
		run, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if err := fn(run); err != nil {
			return nil, err
		}
		run.UpdatedAt = time.Now().UTC()
		if err := c.store.UpdateRun(ctx, run); err != nil {
			if domain.IsVersionConflict(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return run, nil
	}
	return nil, lastErr
}

// failRun moves a run to its failed terminal state, flags it for human
// inspection, pushes the failure onto the result channel, and notifies the
// owner.
func (c *core) failRun(ctx context.Context, runID, message string) {
	run, err := c.mutateRun(ctx, runID, func(r *domain.WorkflowRun) error {
		if r.Status.Terminal() {
			return nil
		}
		now := time.Now().UTC()
		r.Status = domain.RunStatusFailed
		r.NeedHumanConfirm = true
		r.Error = message
		r.FinishedAt = &now
		return nil
	})
	if err != nil {
		c.logger.Error("failed to persist run failure", "run_id", runID, "error", err)
		return
	}
	c.logger.Warn("run failed", "run_id", runID, "error", message)
	c.pushResult(ctx, run)
	c.notifyUser(ctx, run.UserID, ports.MessageRunFailed, map[string]interface{}{
		"run_id": run.ID,
		"error":  message,
	})
}

// pushResult publishes the terminal outcome onto the result channel keyed
// by run id, waking any RunAndWait caller.
func (c *core) pushResult(ctx context.Context, run *domain.WorkflowRun) {
	if c.results == nil {
		return
	}
	payload := map[string]interface{}{
		"run_id": run.ID,
		"status": int(run.Status),
	}
	if run.Error != "" {
		payload["error"] = run.Error
	}
	if run.Outputs != nil {
		payload["outputs"] = run.Outputs
	}
	raw, err := xjson.Marshal(payload)
	if err != nil {
		c.logger.Error("failed to encode run result", "run_id", run.ID, "error", err)
		return
	}
	if err := c.results.Push(ctx, run.ID, raw); err != nil {
		c.logger.Error("failed to push run result", "run_id", run.ID, "error", err)
	}
}

func (c *core) notifyUser(ctx context.Context, userID string, msgType ports.MessageType, payload map[string]interface{}) {
	if c.notify == nil || userID == "" {
		return
	}
	if err := c.notify.Publish(ctx, userID, msgType, payload); err != nil {
		c.logger.Warn("notification publish failed", "user_id", userID, "type", string(msgType), "error", err)
	}
}

// submit hands one node execution to the worker pool and registers the
// handle. The payload context is restricted to the node's ancestors.
func (c *core) submit(ctx context.Context, run *domain.WorkflowRun, g *domain.Graph, runCtx *domain.Context, exec *domain.NodeExecution, node *domain.Node, opts submitOptions) error {
	payload := &ports.TaskPayload{
		ExecutionID:      exec.ID,
		RunID:            run.ID,
		WorkflowID:       run.WorkflowID,
		AppID:            run.AppID,
		EdgeID:           exec.EdgeID,
		Level:            exec.Level,
		ChildLevel:       exec.ChildLevel,
		Node:             node,
		Context:          runCtx.AncestorSubset(g, node.ID),
		CorrectLLMOutput: opts.correct,
		CorrectPrompt:    opts.correctPrompt,
		PreviousOutputs:  opts.previousOutputs,
		AssignTask:       opts.assignTask,
		Task:             opts.task,
		ParentOutputs:    opts.parentOutputs,
	}
	handle, err := c.runner.Submit(ctx, payload)
	if err != nil {
		return err
	}
	c.inflight.Add(&Tracked{
		Handle:      handle,
		RunID:       run.ID,
		ExecutionID: exec.ID,
		NodeID:      node.ID,
		EdgeID:      exec.EdgeID,
		Level:       exec.Level,
		ChildLevel:  exec.ChildLevel,
		AssignTask:  opts.assignTask,
	})
	c.logger.Debug("submitted node execution",
		"run_id", run.ID, "execution_id", exec.ID, "node_id", node.ID,
		"node_type", string(node.Data.Type), "level", exec.Level,
		"child_level", exec.ChildLevel)
	return nil
}

type submitOptions struct {
	correct         bool
	correctPrompt   string
	previousOutputs *domain.Variable
	assignTask      bool
	task            *domain.TaskTree
	parentOutputs   *domain.Variable
}

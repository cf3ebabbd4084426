package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loomrun/loom/internal/domain"
	"github.com/loomrun/loom/internal/ports"
)

// Completer reconciles finished worker tasks back into storage: execution
// rows, the run's context, edge completion, and terminal outcomes.
type Completer struct {
	*core
	cfg domain.CompletionConfig
}

func NewCompleter(c *core, cfg domain.CompletionConfig) *Completer {
	return &Completer{core: c, cfg: cfg}
}

func (c *Completer) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.PollInterval
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	wait := c.cfg.PollInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if err := c.PollOnce(ctx); err != nil {
			wait = bo.NextBackOff()
			c.logger.Error("completion poll failed", "error", err, "retry_in", wait)
			continue
		}
		bo.Reset()
		wait = c.cfg.PollInterval
	}
}

// PollOnce reconciles every ready task. Per-task failures are isolated so
// one bad result cannot wedge the loop.
func (c *Completer) PollOnce(ctx context.Context) error {
	for _, t := range c.inflight.Ready() {
		if err := c.reconcile(ctx, t); err != nil {
			c.logger.Error("task reconciliation failed",
				"run_id", t.RunID, "execution_id", t.ExecutionID, "error", err)
		}
	}
	return nil
}

func (c *Completer) reconcile(ctx context.Context, t *Tracked) error {
	res, err := t.Handle.Get(time.Second)
	if err != nil {
		// Ready returned true, so this is transient; leave it tracked.
		return err
	}

	// Drop the handle before touching storage. A crash between here and
	// the run update is recovered by the dispatcher's resubmission path.
	c.inflight.Remove(t.ExecutionID)

	row, err := c.store.GetExecution(ctx, t.ExecutionID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	if res.Status != ports.TaskStatusSuccess {
		row.Status = domain.ExecStatusFailed
		row.Error = res.Message
		row.UpdatedAt = now
		row.FinishedAt = &now
		if err := c.store.UpdateExecution(ctx, row); err != nil {
			return err
		}
		c.failRun(ctx, t.RunID, res.Message)
		if run, gerr := c.store.GetRun(ctx, t.RunID); gerr == nil {
			c.notifyProgress(ctx, run, row)
		}
		return nil
	}

	nr := res.Data
	if nr == nil {
		nr = &ports.NodeResult{}
	}

	if nr.PendingAssignment {
		// The claim round only records the assignment; the row stays
		// started so the next dispatch poll executes the sub-task.
		row.UpdatedAt = now
		if err := c.store.UpdateExecution(ctx, row); err != nil {
			return err
		}
		return c.requeue(ctx, t.RunID)
	}

	if nr.Inputs != nil {
		row.Inputs = domain.MergeVariables(row.Inputs, nr.Inputs)
	}
	row.Outputs = domain.MergeVariables(row.Outputs, nr.Outputs)
	row.ConditionID = nr.ConditionID
	row.Status = domain.ExecStatusSucceeded
	row.Error = ""
	row.NeedHumanConfirm = false
	row.ElapsedSeconds = nr.ElapsedSeconds
	row.PromptTokens = nr.PromptTokens
	row.CompletionTokens = nr.CompletionTokens
	row.TotalTokens = nr.TotalTokens
	row.UpdatedAt = now
	row.FinishedAt = &now
	if err := c.store.UpdateExecution(ctx, row); err != nil {
		return err
	}

	if err := c.store.AddRunUsage(ctx, t.RunID, nr.ElapsedSeconds,
		nr.PromptTokens, nr.CompletionTokens, nr.TotalTokens); err != nil {
		c.logger.Warn("usage accumulation failed", "run_id", t.RunID, "error", err)
	}

	run, err := c.mutateRun(ctx, t.RunID, func(r *domain.WorkflowRun) error {
		if r.Status.Terminal() {
			return nil
		}
		g, gerr := c.loadGraph(r)
		if gerr != nil {
			return gerr
		}
		runCtx, cerr := c.loadContext(r)
		if cerr != nil {
			return cerr
		}

		title := ""
		if node, ok := g.NodeByID(row.NodeID); ok {
			title = node.Data.Title
		}
		runCtx.Add(row.Snapshot(title))
		if serr := c.saveContext(r, runCtx); serr != nil {
			return serr
		}

		switch {
		case t.ChildLevel > 0:
			// Recursive sub-task: progress without edge completion; the
			// aggregation round closes the edge.
			r.ActualCompletedSteps++
		case t.EdgeID == startEdgeID:
			// Synthesized start execution completes no edge.
		default:
			r.MarkEdgeCompleted(t.EdgeID)
			r.ActualCompletedSteps++
		}

		if row.NodeType == domain.NodeTypeEnd {
			r.Status = domain.RunStatusSucceeded
			r.Outputs = row.Outputs
			r.FinishedAt = &now
			return nil
		}
		if c.inflight.RunCount(r.ID) == 0 {
			r.Status = domain.RunStatusQueued
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.notifyProgress(ctx, run, row)
	if run.Status == domain.RunStatusSucceeded {
		c.logger.Info("run succeeded", "run_id", run.ID,
			"elapsed_seconds", run.ElapsedSeconds, "total_tokens", run.TotalTokens)
		c.pushResult(ctx, run)
		c.notifyUser(ctx, run.UserID, ports.MessageRunSucceeded, map[string]interface{}{
			"run_id":  run.ID,
			"outputs": run.Outputs,
		})
	}
	return nil
}

func (c *Completer) requeue(ctx context.Context, runID string) error {
	_, err := c.mutateRun(ctx, runID, func(r *domain.WorkflowRun) error {
		if !r.Status.Terminal() && c.inflight.RunCount(r.ID) == 0 {
			r.Status = domain.RunStatusQueued
		}
		return nil
	})
	return err
}

func (c *Completer) notifyProgress(ctx context.Context, run *domain.WorkflowRun, row *domain.NodeExecution) {
	percent := 0
	if run.TotalSteps > 0 {
		percent = run.CompletedSteps * 100 / run.TotalSteps
		if percent > 100 {
			percent = 100
		}
	}
	c.notifyUser(ctx, run.UserID, ports.MessageProgress, map[string]interface{}{
		"run_id":          run.ID,
		"node_id":         row.NodeID,
		"node_type":       string(row.NodeType),
		"level":           row.Level,
		"completed_steps": run.CompletedSteps,
		"total_steps":     run.TotalSteps,
		"percent":         percent,
	})
}

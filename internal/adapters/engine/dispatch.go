package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/loomrun/loom/internal/domain"
	"github.com/loomrun/loom/internal/ports"
	"github.com/loomrun/loom/internal/xjson"
)

// Dispatcher is the polling half that turns queued runs into asynchronous
// node executions. Every poll recomputes runnable work from storage, so a
// restarted process resumes mid-run without coordination.
type Dispatcher struct {
	*core
	cfg domain.DispatchConfig
}

func NewDispatcher(c *core, cfg domain.DispatchConfig) *Dispatcher {
	return &Dispatcher{core: c, cfg: cfg}
}

// Run polls until ctx is cancelled, backing off exponentially on storage
// errors and resetting after a clean pass.
func (d *Dispatcher) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.PollInterval
	bo.MaxInterval = d.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	wait := d.cfg.PollInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if err := d.PollOnce(ctx); err != nil {
			wait = bo.NextBackOff()
			d.logger.Error("dispatch poll failed", "error", err, "retry_in", wait)
			continue
		}
		bo.Reset()
		wait = d.cfg.PollInterval
	}
}

// PollOnce advances every runnable run by one scheduling pass. Per-run
// failures are isolated; only storage-level errors abort the pass.
func (d *Dispatcher) PollOnce(ctx context.Context) error {
	runs, err := d.store.ListRunnable(ctx, d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing runnable runs: %w", err)
	}
	for _, run := range runs {
		if err := d.advance(ctx, run); err != nil {
			if domain.IsConsistency(err) {
				d.failRun(ctx, run.ID, err.Error())
				continue
			}
			d.logger.Error("run advancement failed", "run_id", run.ID, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) advance(ctx context.Context, run *domain.WorkflowRun) error {
	if run.Status.Terminal() {
		return nil
	}
	g, err := d.loadGraph(run)
	if err != nil {
		return err
	}
	runCtx, err := d.loadContext(run)
	if err != nil {
		return err
	}

	if run.Level == 0 {
		return d.bootstrap(ctx, run, g, runCtx)
	}

	edges := g.EdgesAtLevel(run.Level)
	if len(edges) == 0 {
		return domain.NewConsistencyError(
			fmt.Sprintf("no edges at level %d", run.Level),
			map[string]interface{}{"run_id": run.ID, "level": run.Level})
	}

	skipped := make(map[string]bool, len(run.SkippedEdges))
	for _, id := range run.SkippedEdges {
		skipped[id] = true
	}

	changed := false
	done := 0
	for _, e := range edges {
		if run.HasCompletedEdge(e.ID) || run.HasSkippedEdge(e.ID) {
			done++
			continue
		}
		res, err := d.advanceEdge(ctx, run, g, runCtx, e, skipped)
		if err != nil {
			return err
		}
		if res.changed {
			changed = true
		}
		if res.done {
			done++
		}
	}

	if done == len(edges) && !run.NeedHumanConfirm {
		if run.Level < g.MaxLevel() {
			run.Level++
			changed = true
		} else if !run.Status.Terminal() {
			// Success is only ever declared by the end node's
			// reconciliation. Resolving the final level without one means
			// every path to the end node was skipped away.
			return domain.NewConsistencyError(
				"run resolved its final level without reaching the end node",
				map[string]interface{}{"run_id": run.ID, "level": run.Level})
		}
	}

	if !changed {
		return nil
	}
	run.UpdatedAt = time.Now().UTC()
	if err := d.store.UpdateRun(ctx, run); err != nil {
		if domain.IsVersionConflict(err) {
			// A reconciliation landed first; the next poll re-reads and
			// redoes the (idempotent) skip and level bookkeeping.
			d.logger.Debug("dispatch update lost version race", "run_id", run.ID)
			return nil
		}
		return err
	}
	return nil
}

type edgeResult struct {
	done    bool // edge counts toward level completion
	changed bool // run row mutated
}

func (d *Dispatcher) advanceEdge(ctx context.Context, run *domain.WorkflowRun, g *domain.Graph, runCtx *domain.Context, e *domain.Edge, skipped map[string]bool) (edgeResult, error) {
	srcExec, deferred, err := d.sourceExec(ctx, run, g, runCtx, e)
	if err != nil {
		return edgeResult{}, err
	}
	if deferred {
		return edgeResult{}, nil
	}

	// Branch decision: a logical edge whose condition id differs from the
	// source's chosen branch is skipped, together with everything only
	// reachable through it. A source that recorded no branch at all cannot
	// be routed and fails the run.
	if e.IsLogicalBranch && srcExec.ConditionID == "" {
		return edgeResult{}, domain.NewConsistencyError(
			fmt.Sprintf("source node %s recorded no condition id for logical edge %s", e.SourceNodeID, e.ID),
			map[string]interface{}{"run_id": run.ID, "level": run.Level})
	}
	if e.IsLogicalBranch && e.ConditionID != srcExec.ConditionID {
		changed := d.skipEdge(run, e, skipped)
		for _, cascade := range g.SkipClosure(e, skipped) {
			if d.skipEdge(run, cascade, skipped) {
				changed = true
			}
		}
		return edgeResult{done: true, changed: changed}, nil
	}

	// Fan-in: the target runs once, after every sibling edge arriving at it
	// has resolved. Provably unreachable siblings are skipped in place.
	ready, changed := d.siblingsResolved(run, g, e, skipped)
	if !ready {
		return edgeResult{changed: changed}, nil
	}

	node, ok := g.NodeByID(e.TargetNodeID)
	if !ok {
		return edgeResult{}, domain.NewConsistencyError(
			fmt.Sprintf("edge %s targets unknown node %s", e.ID, e.TargetNodeID),
			map[string]interface{}{"run_id": run.ID})
	}

	switch node.Data.Type {
	case domain.NodeTypeHuman:
		hchanged, err := d.advanceHumanEdge(ctx, run, g, runCtx, e, node)
		return edgeResult{changed: changed || hchanged}, err
	case domain.NodeTypeTaskExecution:
		err := d.advanceRecursiveEdge(ctx, run, g, runCtx, e, node, srcExec)
		return edgeResult{changed: changed}, err
	default:
		err := d.advanceNormalEdge(ctx, run, g, runCtx, e, node)
		return edgeResult{changed: changed}, err
	}
}

func (d *Dispatcher) skipEdge(run *domain.WorkflowRun, e *domain.Edge, skipped map[string]bool) bool {
	if !run.MarkEdgeSkipped(e.ID) {
		return false
	}
	skipped[e.ID] = true
	run.CompletedSteps++
	return true
}

// sourceExec resolves the successful execution of the edge's source node.
// A missing source is fatal unless its task is still in flight, or it is
// the synthesized start execution awaiting reconciliation.
func (d *Dispatcher) sourceExec(ctx context.Context, run *domain.WorkflowRun, g *domain.Graph, runCtx *domain.Context, e *domain.Edge) (*domain.NodeExecution, bool, error) {
	exec, err := d.store.LatestSuccessByNode(ctx, run.ID, e.SourceNodeID)
	if err == nil {
		return exec, false, nil
	}
	if !domain.IsNotFound(err) {
		return nil, false, err
	}
	if d.inflight.HasNode(run.ID, e.SourceNodeID) {
		return nil, true, nil
	}
	if e.SourceNodeType == domain.NodeTypeStart {
		row, rerr := d.store.LatestByEdge(ctx, run.ID, startEdgeID)
		if rerr == nil && row.Status == domain.ExecStatusStarted {
			node, ok := g.NodeByID(e.SourceNodeID)
			if !ok {
				return nil, false, domain.NewConsistencyError("start node missing from graph", nil)
			}
			start := node.Clone()
			start.Data.Input = row.Inputs
			if serr := d.submit(ctx, run, g, runCtx, row, start, submitOptions{}); serr != nil {
				return nil, false, serr
			}
			return nil, true, nil
		}
	}
	return nil, false, domain.NewConsistencyError(
		fmt.Sprintf("no successful execution of source node %s for edge %s", e.SourceNodeID, e.ID),
		map[string]interface{}{"run_id": run.ID, "level": run.Level})
}

// siblingsResolved checks every other edge arriving at the same target.
func (d *Dispatcher) siblingsResolved(run *domain.WorkflowRun, g *domain.Graph, e *domain.Edge, skipped map[string]bool) (bool, bool) {
	changed := false
	for _, f := range g.Incoming(e.TargetNodeID) {
		if f.ID == e.ID {
			continue
		}
		if run.HasCompletedEdge(f.ID) || run.HasSkippedEdge(f.ID) {
			continue
		}
		if edgeUnreachable(g, f, skipped) {
			if d.skipEdge(run, f, skipped) {
				changed = true
			}
			continue
		}
		return false, changed
	}
	return true, changed
}

// edgeUnreachable reports whether an edge can never fire because every
// path into its source node has been skipped.
func edgeUnreachable(g *domain.Graph, f *domain.Edge, skipped map[string]bool) bool {
	incoming := g.Incoming(f.SourceNodeID)
	if len(incoming) == 0 {
		return false
	}
	for _, p := range incoming {
		if !skipped[p.ID] {
			return false
		}
	}
	return true
}

func (d *Dispatcher) advanceNormalEdge(ctx context.Context, run *domain.WorkflowRun, g *domain.Graph, runCtx *domain.Context, e *domain.Edge, node *domain.Node) error {
	row, err := d.store.LatestByEdge(ctx, run.ID, e.ID)
	if err != nil && !domain.IsNotFound(err) {
		return err
	}
	if err == nil {
		if d.inflight.Has(row.ID) {
			return nil
		}
		switch row.Status {
		case domain.ExecStatusFailed:
			// The run fails through the completion loop; a failed row with
			// no pending correction stays put.
			return nil
		case domain.ExecStatusStarted, domain.ExecStatusSucceeded:
			// Started with no handle means a restart or a pending
			// correction; succeeded with an uncompleted edge means the
			// reconciliation was lost. Both resubmit (at-least-once).
			correct := row.CorrectPrompt != "" && domain.CorrectableNodeTypes[row.NodeType]
			row.Status = domain.ExecStatusStarted
			return d.submit(ctx, run, g, runCtx, row, node.Clone(), submitOptions{
				correct:         correct,
				correctPrompt:   row.CorrectPrompt,
				previousOutputs: row.Outputs,
			})
		}
		return nil
	}

	row, err = d.createExecution(ctx, run, e, node, 0, "")
	if err != nil {
		return err
	}
	return d.submit(ctx, run, g, runCtx, row, node.Clone(), submitOptions{})
}

// advanceHumanEdge pauses the run on first contact and resumes it once an
// external confirmation has written inputs onto the execution row.
func (d *Dispatcher) advanceHumanEdge(ctx context.Context, run *domain.WorkflowRun, g *domain.Graph, runCtx *domain.Context, e *domain.Edge, node *domain.Node) (bool, error) {
	row, err := d.store.LatestByEdge(ctx, run.ID, e.ID)
	if err != nil && !domain.IsNotFound(err) {
		return false, err
	}
	if domain.IsNotFound(err) {
		row, err = d.createExecution(ctx, run, e, node, 0, "")
		if err != nil {
			return false, err
		}
		row.NeedHumanConfirm = true
		if uerr := d.store.UpdateExecution(ctx, row); uerr != nil {
			return false, uerr
		}
		run.NeedHumanConfirm = true
		d.notifyConfirmers(ctx, run, node, row)
		d.logger.Info("run paused for human confirmation",
			"run_id", run.ID, "node_id", node.ID, "execution_id", row.ID)
		return true, nil
	}

	if d.inflight.Has(row.ID) || row.Status == domain.ExecStatusSucceeded {
		return false, nil
	}
	if row.Inputs.IsEmpty() {
		// Still waiting for the confirmation.
		return false, nil
	}

	confirmed := node.Clone()
	confirmed.Data.Input = row.Inputs
	changed := run.NeedHumanConfirm
	run.NeedHumanConfirm = false
	return changed, d.submit(ctx, run, g, runCtx, row, confirmed, submitOptions{})
}

func (d *Dispatcher) notifyConfirmers(ctx context.Context, run *domain.WorkflowRun, node *domain.Node, row *domain.NodeExecution) {
	payload := map[string]interface{}{
		"run_id":       run.ID,
		"workflow_id":  run.WorkflowID,
		"node_id":      node.ID,
		"node_title":   node.Data.Title,
		"execution_id": row.ID,
	}
	confirmers, err := d.store.ListConfirmers(ctx, run.WorkflowID, node.ID)
	if err != nil {
		d.logger.Warn("confirmer lookup failed", "run_id", run.ID, "node_id", node.ID, "error", err)
	}
	for _, userID := range confirmers {
		d.notifyUser(ctx, userID, ports.MessageHumanConfirm, payload)
	}
	if len(confirmers) == 0 {
		d.notifyUser(ctx, run.UserID, ports.MessageHumanConfirm, payload)
	}
}

// advanceRecursiveEdge walks the generation node's task tree one round per
// poll: claim the next leaf, execute the claimed leaf, then aggregate once
// every leaf has run.
func (d *Dispatcher) advanceRecursiveEdge(ctx context.Context, run *domain.WorkflowRun, g *domain.Graph, runCtx *domain.Context, e *domain.Edge, node *domain.Node, srcExec *domain.NodeExecution) error {
	tree, err := taskTreeFromExec(srcExec)
	if err != nil {
		return err
	}

	children, err := d.store.ListChildren(ctx, run.ID, e.SourceNodeID, run.Level)
	if err != nil {
		return err
	}
	var pending *domain.NodeExecution
	succeededByTask := make(map[string]*domain.NodeExecution)
	for _, c := range children {
		if d.inflight.Has(c.ID) {
			return nil
		}
		switch c.Status {
		case domain.ExecStatusStarted:
			pending = c
		case domain.ExecStatusSucceeded:
			succeededByTask[c.TaskID] = c
		case domain.ExecStatusFailed:
			return nil
		}
	}

	if pending != nil {
		task, ok := tree.Find(pending.TaskID)
		if !ok {
			return domain.NewConsistencyError(
				fmt.Sprintf("claimed sub-task %s missing from task tree", pending.TaskID),
				map[string]interface{}{"run_id": run.ID, "execution_id": pending.ID})
		}
		return d.submit(ctx, run, g, runCtx, pending, node.Clone(), submitOptions{
			task:          task,
			parentOutputs: srcExec.Outputs,
		})
	}

	leaves := tree.Leaves()
	var next *domain.TaskTree
	for _, leaf := range leaves {
		if _, done := succeededByTask[leaf.ID]; !done {
			next = leaf
			break
		}
	}
	if next != nil {
		row, err := d.createExecution(ctx, run, e, node, len(children)+1, next.ID)
		if err != nil {
			return err
		}
		return d.submit(ctx, run, g, runCtx, row, node.Clone(), submitOptions{
			assignTask:    true,
			task:          next,
			parentOutputs: srcExec.Outputs,
		})
	}

	// Every leaf has run: aggregation round on the node itself.
	aggRow, err := d.store.LatestByEdge(ctx, run.ID, e.ID)
	if err != nil && !domain.IsNotFound(err) {
		return err
	}
	if err == nil && (d.inflight.Has(aggRow.ID) || aggRow.Status != domain.ExecStatusStarted) {
		return nil
	}
	merged := domain.NewObjectVariable("results", nil)
	for _, leaf := range leaves {
		c := succeededByTask[leaf.ID]
		if c == nil || c.Outputs == nil {
			continue
		}
		out := c.Outputs.Clone()
		out.Name = leaf.ID
		merged.SetProperty(out)
	}
	if err == nil {
		return d.submit(ctx, run, g, runCtx, aggRow, node.Clone(), submitOptions{parentOutputs: merged})
	}
	aggRow, err = d.createExecution(ctx, run, e, node, 0, "")
	if err != nil {
		return err
	}
	return d.submit(ctx, run, g, runCtx, aggRow, node.Clone(), submitOptions{parentOutputs: merged})
}

func (d *Dispatcher) createExecution(ctx context.Context, run *domain.WorkflowRun, e *domain.Edge, node *domain.Node, childLevel int, taskID string) (*domain.NodeExecution, error) {
	nodeGraph, err := xjson.Marshal(node)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	row := &domain.NodeExecution{
		ID:         uuid.NewString(),
		RunID:      run.ID,
		Level:      run.Level,
		ChildLevel: childLevel,
		EdgeID:     e.ID,
		PreNodeID:  e.SourceNodeID,
		NodeID:     node.ID,
		NodeType:   node.Data.Type,
		NodeGraph:  nodeGraph,
		TaskID:     taskID,
		Inputs:     node.Data.Input.Clone(),
		Status:     domain.ExecStatusStarted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := d.store.CreateExecution(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// bootstrap synthesizes the start node's execution from the run's declared
// inputs and moves the run to level 1.
func (d *Dispatcher) bootstrap(ctx context.Context, run *domain.WorkflowRun, g *domain.Graph, runCtx *domain.Context) error {
	startNode, err := g.StartNode()
	if err != nil {
		return domain.NewConsistencyError(err.Error(), map[string]interface{}{"run_id": run.ID})
	}
	now := time.Now().UTC()
	row := &domain.NodeExecution{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		Level:     0,
		EdgeID:    startEdgeID,
		NodeID:    startNode.ID,
		NodeType:  domain.NodeTypeStart,
		Inputs:    run.Inputs.Clone(),
		Status:    domain.ExecStatusStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.CreateExecution(ctx, row); err != nil {
		return err
	}

	run.Level = 1
	run.Status = domain.RunStatusRunning
	run.UpdatedAt = now
	if err := d.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	start := startNode.Clone()
	start.Data.Input = row.Inputs
	return d.submit(ctx, run, g, runCtx, row, start, submitOptions{})
}

// taskTreeFromExec recovers the task tree a generation node produced from
// its persisted outputs.
func taskTreeFromExec(exec *domain.NodeExecution) (*domain.TaskTree, error) {
	raw, ok := exec.Outputs.Property("tasks")
	if !ok {
		return nil, domain.NewConsistencyError(
			"task generation execution carries no task tree",
			map[string]interface{}{"execution_id": exec.ID})
	}
	s, _ := raw.Value.(string)
	tree, err := domain.TaskTreeFromJSON(s)
	if err != nil {
		return nil, domain.NewConsistencyError(
			fmt.Sprintf("persisted task tree unparseable: %v", err),
			map[string]interface{}{"execution_id": exec.ID})
	}
	return tree, nil
}

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomrun/loom/internal/adapters/tasks"
	"github.com/loomrun/loom/internal/domain"
	"github.com/loomrun/loom/internal/ports"
	"github.com/loomrun/loom/internal/xjson"
)

// Engine owns the worker pool and both pollers, and exposes the public
// run operations. Construction wires ports together; Start spins the
// loops up.
type Engine struct {
	cfg      *domain.Config
	core     *core
	registry *Registry
	pool     *tasks.Pool

	dispatcher *Dispatcher
	completer  *Completer

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

func New(cfg *domain.Config, store ports.Store, results ports.ResultChannel, notify ports.NotificationSink, llm ports.LLMClient, files ports.FileService) *Engine {
	if cfg == nil {
		cfg = domain.DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := NewRegistry(llm, files, logger.With("component", "executor"))
	pool := tasks.NewPool(cfg.Workers, registry.Execute, logger.With("component", "worker-pool"))

	c := &core{
		store:    store,
		runner:   pool,
		results:  results,
		notify:   notify,
		inflight: newInFlightRegistry(),
		logger:   logger.With("component", "engine"),
	}

	return &Engine{
		cfg:        cfg,
		core:       c,
		registry:   registry,
		pool:       pool,
		dispatcher: NewDispatcher(c, cfg.Dispatch),
		completer:  NewCompleter(c, cfg.Completion),
	}
}

// Registry exposes the executor registry so callers can install custom
// node executors before Start.
func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return domain.ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true
	go e.dispatcher.Run(loopCtx)
	go e.completer.Run(loopCtx)
	e.core.logger.Info("engine started",
		"dispatch_interval", e.cfg.Dispatch.PollInterval,
		"completion_interval", e.cfg.Completion.PollInterval,
		"workers", e.cfg.Workers.Count)
	return nil
}

func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return domain.ErrNotStarted
	}
	e.cancel()
	e.started = false
	if err := e.pool.Close(); err != nil {
		return err
	}
	e.core.logger.Info("engine stopped")
	return nil
}

// StartRequest describes a new run. Graph is the serialized workflow
// graph; Inputs must satisfy the start node's required inputs.
type StartRequest struct {
	WorkflowID string           `json:"workflow_id"`
	AppID      string           `json:"app_id,omitempty"`
	UserID     string           `json:"user_id,omitempty"`
	RunType    domain.RunType   `json:"run_type"`
	Graph      xjson.RawMessage `json:"graph"`
	Inputs     *domain.Variable `json:"inputs,omitempty"`
}

// StartRun validates the graph and inputs, persists a queued run, and
// returns immediately; the dispatcher picks it up on its next poll.
func (e *Engine) StartRun(ctx context.Context, req *StartRequest) (*domain.WorkflowRun, error) {
	g, err := domain.GraphFromJSON(req.Graph)
	if err != nil {
		return nil, domain.NewValidationError(
			fmt.Sprintf("unparseable graph: %v", err), nil)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	startNode, err := g.StartNode()
	if err != nil {
		return nil, err
	}
	if err := validateStartInputs(startNode, req.Inputs); err != nil {
		return nil, err
	}

	graphRaw, err := g.MarshalSnapshot()
	if err != nil {
		return nil, err
	}
	ctxRaw, err := domain.NewContext().MarshalSnapshot()
	if err != nil {
		return nil, err
	}

	runType := req.RunType
	if runType == 0 {
		runType = domain.RunTypeManual
	}
	now := time.Now().UTC()
	run := &domain.WorkflowRun{
		ID:         uuid.NewString(),
		WorkflowID: req.WorkflowID,
		AppID:      req.AppID,
		UserID:     req.UserID,
		RunType:    runType,
		Graph:      graphRaw,
		Context:    ctxRaw,
		Level:      0,
		Status:     domain.RunStatusQueued,
		TotalSteps: g.TotalSteps(),
		Inputs:     req.Inputs.Clone(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.core.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	e.core.logger.Info("run queued", "run_id", run.ID,
		"workflow_id", run.WorkflowID, "total_steps", run.TotalSteps)
	return run, nil
}

func validateStartInputs(start *domain.Node, inputs *domain.Variable) error {
	if start.Data.Input == nil {
		return nil
	}
	for name, p := range start.Data.Input.Properties {
		if !p.Required {
			continue
		}
		got, ok := inputs.Property(name)
		if !ok || got.IsEmpty() {
			return domain.NewValidationError(
				fmt.Sprintf("missing required input %q", name),
				map[string]interface{}{"input": name})
		}
	}
	return nil
}

// RunResult is the terminal outcome pushed onto the result channel.
type RunResult struct {
	RunID   string           `json:"run_id"`
	Status  domain.RunStatus `json:"status"`
	Error   string           `json:"error,omitempty"`
	Outputs *domain.Variable `json:"outputs,omitempty"`
}

// RunAndWait starts a run and blocks on the result channel until the run
// reaches a terminal state or the timeout elapses. A run paused for human
// confirmation will not complete within the wait; callers expecting
// confirmation flows should use StartRun.
func (e *Engine) RunAndWait(ctx context.Context, req *StartRequest, timeout time.Duration) (*RunResult, error) {
	run, err := e.StartRun(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.WaitForRun(ctx, run.ID, timeout)
}

// WaitForRun blocks until the run's terminal result is pushed.
func (e *Engine) WaitForRun(ctx context.Context, runID string, timeout time.Duration) (*RunResult, error) {
	raw, err := e.core.results.BlockingPop(ctx, runID, timeout)
	if err != nil {
		return nil, err
	}
	var res RunResult
	if err := xjson.Unmarshal(raw, &res); err != nil {
		return nil, domain.NewConsistencyError(
			fmt.Sprintf("unparseable run result: %v", err),
			map[string]interface{}{"run_id": runID})
	}
	return &res, nil
}

func (e *Engine) GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	return e.core.store.GetRun(ctx, runID)
}

func (e *Engine) GetExecution(ctx context.Context, executionID string) (*domain.NodeExecution, error) {
	return e.core.store.GetExecution(ctx, executionID)
}

// PendingConfirmations lists the execution rows a run is paused on,
// awaiting ConfirmHuman.
func (e *Engine) PendingConfirmations(ctx context.Context, runID string) ([]*domain.NodeExecution, error) {
	return e.core.store.ListPendingConfirm(ctx, runID)
}

// ConfirmHuman writes the supplied inputs onto a paused human execution
// row. The dispatcher resumes the run on its next poll, using those inputs
// as the node's output.
func (e *Engine) ConfirmHuman(ctx context.Context, runID, executionID, userID string, inputs *domain.Variable) error {
	if inputs.IsEmpty() {
		return domain.NewValidationError("confirmation requires inputs", nil)
	}
	run, err := e.core.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	row, err := e.core.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if row.RunID != runID {
		return domain.NewValidationError("execution does not belong to run",
			map[string]interface{}{"run_id": runID, "execution_id": executionID})
	}
	if row.NodeType != domain.NodeTypeHuman || !row.NeedHumanConfirm || row.Status != domain.ExecStatusStarted {
		return domain.NewValidationError("execution is not awaiting confirmation",
			map[string]interface{}{"execution_id": executionID})
	}
	if run.RunType == domain.RunTypePublished {
		if err := e.authorizeConfirmer(ctx, run, row.NodeID, userID); err != nil {
			return err
		}
	}

	row.Inputs = inputs.Clone()
	row.UpdatedAt = time.Now().UTC()
	if err := e.core.store.UpdateExecution(ctx, row); err != nil {
		return err
	}
	e.core.logger.Info("human confirmation recorded",
		"run_id", runID, "execution_id", executionID, "user_id", userID)
	return nil
}

func (e *Engine) authorizeConfirmer(ctx context.Context, run *domain.WorkflowRun, nodeID, userID string) error {
	confirmers, err := e.core.store.ListConfirmers(ctx, run.WorkflowID, nodeID)
	if err != nil {
		return err
	}
	if len(confirmers) == 0 {
		return nil
	}
	for _, id := range confirmers {
		if id == userID {
			return nil
		}
	}
	return domain.NewValidationError("user is not a confirmer for this node",
		map[string]interface{}{"node_id": nodeID, "user_id": userID})
}

func (e *Engine) AssignConfirmer(ctx context.Context, a domain.ConfirmerAssignment) error {
	if a.WorkflowID == "" || a.NodeID == "" || a.UserID == "" {
		return domain.NewValidationError("confirmer assignment requires workflow, node, and user", nil)
	}
	return e.core.store.AssignConfirmer(ctx, a)
}

// CorrectOutput supersedes a model-produced execution with a corrected
// re-run: the old row is flagged, a fresh row carrying the correction
// prompt takes its place, and run progress is rolled back to the node's
// level so the dispatcher re-executes it and everything downstream.
func (e *Engine) CorrectOutput(ctx context.Context, runID, executionID, prompt string) error {
	if prompt == "" {
		return domain.NewValidationError("correction requires a prompt", nil)
	}
	row, err := e.core.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if row.RunID != runID {
		return domain.NewValidationError("execution does not belong to run",
			map[string]interface{}{"run_id": runID, "execution_id": executionID})
	}
	if !domain.CorrectableNodeTypes[row.NodeType] {
		return domain.NewValidationError(
			fmt.Sprintf("node type %q does not support output correction", row.NodeType),
			map[string]interface{}{"execution_id": executionID})
	}

	now := time.Now().UTC()
	row.CorrectOutput = true
	row.UpdatedAt = now
	if err := e.core.store.UpdateExecution(ctx, row); err != nil {
		return err
	}

	replacement := *row
	replacement.ID = uuid.NewString()
	replacement.Status = domain.ExecStatusStarted
	replacement.CorrectOutput = false
	replacement.CorrectPrompt = prompt
	replacement.Error = ""
	replacement.CreatedAt = now
	replacement.UpdatedAt = now
	replacement.FinishedAt = nil
	if err := e.core.store.CreateExecution(ctx, &replacement); err != nil {
		return err
	}

	_, err = e.core.mutateRun(ctx, runID, func(r *domain.WorkflowRun) error {
		g, gerr := e.core.loadGraph(r)
		if gerr != nil {
			return gerr
		}
		rollbackRun(r, g, row.Level)
		return nil
	})
	if err != nil {
		return err
	}
	e.core.logger.Info("output correction queued",
		"run_id", runID, "execution_id", replacement.ID, "level", row.Level)
	return nil
}

// rollbackRun rewinds a run to re-execute from the given level: edge
// completion at and beyond that level is discarded and terminal state is
// cleared.
func rollbackRun(r *domain.WorkflowRun, g *domain.Graph, level int) {
	levelOf := make(map[string]int, len(g.Edges))
	for _, e := range g.Edges {
		levelOf[e.ID] = e.Level
	}
	keepBelow := func(ids []string) []string {
		var out []string
		for _, id := range ids {
			if lv, ok := levelOf[id]; ok && lv < level {
				out = append(out, id)
			}
		}
		return out
	}
	r.CompletedEdges = keepBelow(r.CompletedEdges)
	r.SkippedEdges = keepBelow(r.SkippedEdges)
	r.CompletedSteps = len(r.CompletedEdges) + len(r.SkippedEdges)
	if r.Level > level {
		r.Level = level
	}
	r.Status = domain.RunStatusQueued
	r.NeedHumanConfirm = false
	r.Error = ""
	r.Outputs = nil
	r.FinishedAt = nil
}

// DebugNodeRequest runs one node in isolation with literal inputs, outside
// any run.
type DebugNodeRequest struct {
	Node   *domain.Node     `json:"node"`
	Inputs *domain.Variable `json:"inputs,omitempty"`
	UserID string           `json:"user_id,omitempty"`
}

// RunSingleNode executes one node synchronously for workflow authoring.
// References in the node's inputs cannot resolve without a run context and
// must be literal values.
func (e *Engine) RunSingleNode(ctx context.Context, req *DebugNodeRequest) (*ports.NodeResult, error) {
	if req.Node == nil {
		return nil, domain.NewValidationError("debug request carries no node", nil)
	}
	node := req.Node.Clone()
	if req.Inputs != nil {
		node.Data.Input = req.Inputs.Clone()
	}
	payload := &ports.TaskPayload{
		ExecutionID: uuid.NewString(),
		Node:        node,
		Context:     domain.NewContext(),
	}
	res, err := e.registry.Execute(ctx, payload)
	if err != nil {
		e.core.notifyUser(ctx, req.UserID, ports.MessageDebug, map[string]interface{}{
			"node_id": node.ID,
			"error":   err.Error(),
		})
		return nil, err
	}
	e.core.notifyUser(ctx, req.UserID, ports.MessageDebug, map[string]interface{}{
		"node_id": node.ID,
		"outputs": res.Outputs,
	})
	return res, nil
}

// PollDispatchOnce and PollCompletionOnce drive the loops synchronously;
// deterministic alternative to Start for tests and embedded callers.
func (e *Engine) PollDispatchOnce(ctx context.Context) error {
	return e.dispatcher.PollOnce(ctx)
}

func (e *Engine) PollCompletionOnce(ctx context.Context) error {
	return e.completer.PollOnce(ctx)
}

// InFlight reports how many node executions are currently tracked.
func (e *Engine) InFlight() int { return e.core.inflight.Len() }

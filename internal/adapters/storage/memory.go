package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomrun/loom/internal/domain"
	"github.com/loomrun/loom/internal/xjson"
)

// MemoryStore keeps all rows in process memory. It backs single-process
// deployments and the engine test suites; semantics match the durable
// adapters, including optimistic versioning on run rows.
type MemoryStore struct {
	mu         sync.RWMutex
	runs       map[string][]byte
	executions map[string][]byte
	execOrder  []string
	confirmers []domain.ConfirmerAssignment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:       make(map[string][]byte),
		executions: make(map[string][]byte),
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *domain.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return domain.NewConsistencyError("run already exists", map[string]interface{}{"run_id": run.ID})
	}
	run.Version = 1
	run.CreatedAt = time.Now()
	run.UpdatedAt = run.CreatedAt
	data, err := xjson.Marshal(run)
	if err != nil {
		return err
	}
	s.runs[run.ID] = data
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*domain.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.runs[id]
	if !ok {
		return nil, domain.NewNotFoundError("run", id)
	}
	var run domain.WorkflowRun
	if err := xjson.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, run *domain.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.runs[run.ID]
	if !ok {
		return domain.NewNotFoundError("run", run.ID)
	}
	var stored domain.WorkflowRun
	if err := xjson.Unmarshal(data, &stored); err != nil {
		return err
	}
	if stored.Version != run.Version {
		return domain.ErrVersionConflict
	}
	run.Version++
	run.UpdatedAt = time.Now()
	// Usage counters are owned by AddRunUsage; carry the stored values so
	// a stale in-memory copy cannot roll them back.
	run.ElapsedSeconds = stored.ElapsedSeconds
	run.PromptTokens = stored.PromptTokens
	run.CompletionTokens = stored.CompletionTokens
	run.TotalTokens = stored.TotalTokens
	updated, err := xjson.Marshal(run)
	if err != nil {
		return err
	}
	s.runs[run.ID] = updated
	return nil
}

func (s *MemoryStore) ListRunnable(ctx context.Context, limit int) ([]*domain.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.WorkflowRun
	for _, data := range s.runs {
		var run domain.WorkflowRun
		if err := xjson.Unmarshal(data, &run); err != nil {
			return nil, err
		}
		if run.Status == domain.RunStatusQueued || run.Status == domain.RunStatusRunning {
			out = append(out, &run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AddRunUsage(ctx context.Context, runID string, elapsed float64, promptTokens, completionTokens, totalTokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.runs[runID]
	if !ok {
		return domain.NewNotFoundError("run", runID)
	}
	var run domain.WorkflowRun
	if err := xjson.Unmarshal(data, &run); err != nil {
		return err
	}
	run.ElapsedSeconds += elapsed
	run.PromptTokens += promptTokens
	run.CompletionTokens += completionTokens
	run.TotalTokens += totalTokens
	updated, err := xjson.Marshal(&run)
	if err != nil {
		return err
	}
	s.runs[runID] = updated
	return nil
}

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *domain.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; exists {
		return domain.NewConsistencyError("execution already exists", map[string]interface{}{"execution_id": exec.ID})
	}
	exec.CreatedAt = time.Now()
	exec.UpdatedAt = exec.CreatedAt
	data, err := xjson.Marshal(exec)
	if err != nil {
		return err
	}
	s.executions[exec.ID] = data
	s.execOrder = append(s.execOrder, exec.ID)
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*domain.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.executions[id]
	if !ok {
		return nil, domain.NewNotFoundError("execution", id)
	}
	var exec domain.NodeExecution
	if err := xjson.Unmarshal(data, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, exec *domain.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; !ok {
		return domain.NewNotFoundError("execution", exec.ID)
	}
	exec.UpdatedAt = time.Now()
	data, err := xjson.Marshal(exec)
	if err != nil {
		return err
	}
	s.executions[exec.ID] = data
	return nil
}

func (s *MemoryStore) LatestSuccessByNode(ctx context.Context, runID, nodeID string) (*domain.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.execOrder) - 1; i >= 0; i-- {
		exec, err := s.decodeExecution(s.execOrder[i])
		if err != nil {
			return nil, err
		}
		if exec.RunID == runID && exec.NodeID == nodeID &&
			exec.Status == domain.ExecStatusSucceeded && !exec.CorrectOutput {
			return exec, nil
		}
	}
	return nil, domain.NewNotFoundError("execution", runID+"/"+nodeID)
}

func (s *MemoryStore) LatestByEdge(ctx context.Context, runID, edgeID string) (*domain.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.execOrder) - 1; i >= 0; i-- {
		exec, err := s.decodeExecution(s.execOrder[i])
		if err != nil {
			return nil, err
		}
		if exec.RunID == runID && exec.EdgeID == edgeID && exec.ChildLevel == 0 {
			return exec, nil
		}
	}
	return nil, domain.NewNotFoundError("execution", runID+"/"+edgeID)
}

func (s *MemoryStore) ListChildren(ctx context.Context, runID, preNodeID string, level int) ([]*domain.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.NodeExecution
	for _, id := range s.execOrder {
		exec, err := s.decodeExecution(id)
		if err != nil {
			return nil, err
		}
		if exec.RunID == runID && exec.PreNodeID == preNodeID && exec.Level == level && exec.ChildLevel > 0 {
			out = append(out, exec)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPendingConfirm(ctx context.Context, runID string) ([]*domain.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.NodeExecution
	for _, id := range s.execOrder {
		exec, err := s.decodeExecution(id)
		if err != nil {
			return nil, err
		}
		if exec.RunID == runID && exec.NeedHumanConfirm && exec.Status == domain.ExecStatusStarted {
			out = append(out, exec)
		}
	}
	return out, nil
}

func (s *MemoryStore) decodeExecution(id string) (*domain.NodeExecution, error) {
	var exec domain.NodeExecution
	if err := xjson.Unmarshal(s.executions[id], &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *MemoryStore) AssignConfirmer(ctx context.Context, a domain.ConfirmerAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.confirmers {
		if existing == a {
			return nil
		}
	}
	s.confirmers = append(s.confirmers, a)
	return nil
}

func (s *MemoryStore) ListConfirmers(ctx context.Context, workflowID, nodeID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, a := range s.confirmers {
		if a.WorkflowID == workflowID && a.NodeID == nodeID {
			out = append(out, a.UserID)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

package ports

import (
	"context"

	"github.com/loomrun/loom/internal/domain"
)

// RunStore persists workflow run rows. UpdateRun is optimistic: it fails
// with domain.ErrVersionConflict when the stored version moved past the
// version the caller read.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.WorkflowRun) error
	GetRun(ctx context.Context, id string) (*domain.WorkflowRun, error)
	UpdateRun(ctx context.Context, run *domain.WorkflowRun) error

	// ListRunnable returns runs whose status allows progress, recomputed
	// from storage every poll so a restarted poller rediscovers its work.
	ListRunnable(ctx context.Context, limit int) ([]*domain.WorkflowRun, error)

	// AddRunUsage accumulates elapsed time and token counters atomically,
	// outside the optimistic-version protocol.
	AddRunUsage(ctx context.Context, runID string, elapsed float64, promptTokens, completionTokens, totalTokens int) error
}

// ExecutionStore persists node execution rows.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *domain.NodeExecution) error
	GetExecution(ctx context.Context, id string) (*domain.NodeExecution, error)
	UpdateExecution(ctx context.Context, exec *domain.NodeExecution) error

	// LatestSuccessByNode returns the most recent non-superseded successful
	// execution of nodeID within the run.
	LatestSuccessByNode(ctx context.Context, runID, nodeID string) (*domain.NodeExecution, error)

	// LatestByEdge returns the most recent execution row created for an
	// edge, regardless of status.
	LatestByEdge(ctx context.Context, runID, edgeID string) (*domain.NodeExecution, error)

	// ListChildren returns recursive sub-task executions hanging off a
	// parent task-generation node, ordered by creation time.
	ListChildren(ctx context.Context, runID, preNodeID string, level int) ([]*domain.NodeExecution, error)

	// ListPendingConfirm returns execution rows paused awaiting human
	// confirmation within the run.
	ListPendingConfirm(ctx context.Context, runID string) ([]*domain.NodeExecution, error)
}

// ConfirmerStore records which users confirm a given node on published runs.
type ConfirmerStore interface {
	AssignConfirmer(ctx context.Context, a domain.ConfirmerAssignment) error
	ListConfirmers(ctx context.Context, workflowID, nodeID string) ([]string, error)
}

// Store is the storage surface the engine depends on. Implementations are
// interchangeable row stores; the engine never sees SQL.
type Store interface {
	RunStore
	ExecutionStore
	ConfirmerStore
	Close() error
}

package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/internal/domain"
	"github.com/loomrun/loom/internal/ports"
)

// Both embedded stores must behave identically; postgres is covered by the
// same expectations but needs a live database.
func stores(t *testing.T) map[string]ports.Store {
	t.Helper()
	badgerStore, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { badgerStore.Close() })
	return map[string]ports.Store{
		"memory": NewMemoryStore(),
		"badger": badgerStore,
	}
}

func newRun(id string) *domain.WorkflowRun {
	return &domain.WorkflowRun{
		ID:         id,
		WorkflowID: "wf-1",
		UserID:     "u-1",
		Status:     domain.RunStatusQueued,
		TotalSteps: 3,
	}
}

func TestRunLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := newRun("run-1")
			require.NoError(t, store.CreateRun(ctx, run))

			got, err := store.GetRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, domain.RunStatusQueued, got.Status)
			assert.EqualValues(t, 1, got.Version)

			got.Status = domain.RunStatusRunning
			got.Level = 1
			require.NoError(t, store.UpdateRun(ctx, got))

			again, err := store.GetRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, domain.RunStatusRunning, again.Status)
			assert.Equal(t, 1, again.Level)
			assert.EqualValues(t, 2, again.Version)

			_, err = store.GetRun(ctx, "missing")
			assert.True(t, domain.IsNotFound(err))
		})
	}
}

func TestUpdateRunVersionConflict(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.CreateRun(ctx, newRun("run-1")))

			first, err := store.GetRun(ctx, "run-1")
			require.NoError(t, err)
			second, err := store.GetRun(ctx, "run-1")
			require.NoError(t, err)

			first.Level = 1
			require.NoError(t, store.UpdateRun(ctx, first))

			second.Level = 2
			err = store.UpdateRun(ctx, second)
			assert.True(t, domain.IsVersionConflict(err))
		})
	}
}

func TestAddRunUsageSurvivesStaleUpdate(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.CreateRun(ctx, newRun("run-1")))
			require.NoError(t, store.AddRunUsage(ctx, "run-1", 1.5, 10, 20, 30))
			require.NoError(t, store.AddRunUsage(ctx, "run-1", 0.5, 1, 2, 3))

			run, err := store.GetRun(ctx, "run-1")
			require.NoError(t, err)
			assert.InDelta(t, 2.0, run.ElapsedSeconds, 0.001)
			assert.Equal(t, 11, run.PromptTokens)
			assert.Equal(t, 33, run.TotalTokens)

			// A copy read before the usage landed must not roll it back.
			run.Status = domain.RunStatusRunning
			run.ElapsedSeconds = 0
			run.TotalTokens = 0
			require.NoError(t, store.UpdateRun(ctx, run))

			after, err := store.GetRun(ctx, "run-1")
			require.NoError(t, err)
			assert.InDelta(t, 2.0, after.ElapsedSeconds, 0.001)
			assert.Equal(t, 33, after.TotalTokens)
		})
	}
}

func TestListRunnable(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.CreateRun(ctx, newRun("run-a")))
			require.NoError(t, store.CreateRun(ctx, newRun("run-b")))

			done := newRun("run-c")
			require.NoError(t, store.CreateRun(ctx, done))
			got, err := store.GetRun(ctx, "run-c")
			require.NoError(t, err)
			got.Status = domain.RunStatusSucceeded
			require.NoError(t, store.UpdateRun(ctx, got))

			runnable, err := store.ListRunnable(ctx, 10)
			require.NoError(t, err)
			ids := make([]string, 0, len(runnable))
			for _, r := range runnable {
				ids = append(ids, r.ID)
			}
			assert.ElementsMatch(t, []string{"run-a", "run-b"}, ids)

			limited, err := store.ListRunnable(ctx, 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func execRow(id, runID, nodeID, edgeID string, level, childLevel int) *domain.NodeExecution {
	return &domain.NodeExecution{
		ID:         id,
		RunID:      runID,
		NodeID:     nodeID,
		EdgeID:     edgeID,
		PreNodeID:  "pre",
		Level:      level,
		ChildLevel: childLevel,
		NodeType:   domain.NodeTypeLLM,
		Status:     domain.ExecStatusStarted,
	}
}

func TestExecutionQueries(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first := execRow("x1", "run-1", "n1", "e1", 1, 0)
			first.Status = domain.ExecStatusSucceeded
			require.NoError(t, store.CreateExecution(ctx, first))

			// A superseded correction row must be invisible to
			// LatestSuccessByNode.
			superseded := execRow("x2", "run-1", "n1", "e1", 1, 0)
			superseded.Status = domain.ExecStatusSucceeded
			superseded.CorrectOutput = true
			require.NoError(t, store.CreateExecution(ctx, superseded))

			latest, err := store.LatestSuccessByNode(ctx, "run-1", "n1")
			require.NoError(t, err)
			assert.Equal(t, "x1", latest.ID)

			// LatestByEdge sees every status but ignores recursive child
			// rows.
			child := execRow("x3", "run-1", "n2", "e1", 1, 1)
			require.NoError(t, store.CreateExecution(ctx, child))

			byEdge, err := store.LatestByEdge(ctx, "run-1", "e1")
			require.NoError(t, err)
			assert.Equal(t, "x2", byEdge.ID)

			_, err = store.LatestSuccessByNode(ctx, "run-1", "missing")
			assert.True(t, domain.IsNotFound(err))
		})
	}
}

func TestListChildrenOrdered(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, id := range []string{"c1", "c2", "c3"} {
				row := execRow(id, "run-1", "exec-node", "e9", 2, i+1)
				require.NoError(t, store.CreateExecution(ctx, row))
			}
			// A sibling at child level 0 is the aggregation row, not a child.
			require.NoError(t, store.CreateExecution(ctx, execRow("agg", "run-1", "exec-node", "e9", 2, 0)))

			children, err := store.ListChildren(ctx, "run-1", "pre", 2)
			require.NoError(t, err)
			require.Len(t, children, 3)
			assert.Equal(t, "c1", children[0].ID)
			assert.Equal(t, "c3", children[2].ID)
		})
	}
}

func TestUpdateExecution(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			row := execRow("x1", "run-1", "n1", "e1", 1, 0)
			require.NoError(t, store.CreateExecution(ctx, row))

			row.Status = domain.ExecStatusSucceeded
			row.Outputs = domain.NewObjectVariable("o", map[string]*domain.Variable{
				"text": domain.NewStringVariable("text", "done"),
			})
			require.NoError(t, store.UpdateExecution(ctx, row))

			got, err := store.GetExecution(ctx, "x1")
			require.NoError(t, err)
			assert.Equal(t, domain.ExecStatusSucceeded, got.Status)
			assert.Equal(t, "done", got.Outputs.Properties["text"].Value)
		})
	}
}

func TestListPendingConfirm(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			paused := execRow("p1", "run-1", "human", "e1", 1, 0)
			paused.NodeType = domain.NodeTypeHuman
			paused.NeedHumanConfirm = true
			require.NoError(t, store.CreateExecution(ctx, paused))

			// Confirmed and reconciled rows drop out of the pending set.
			resolved := execRow("p2", "run-1", "human2", "e2", 1, 0)
			resolved.NodeType = domain.NodeTypeHuman
			resolved.NeedHumanConfirm = true
			require.NoError(t, store.CreateExecution(ctx, resolved))
			resolved.NeedHumanConfirm = false
			resolved.Status = domain.ExecStatusSucceeded
			require.NoError(t, store.UpdateExecution(ctx, resolved))

			require.NoError(t, store.CreateExecution(ctx, execRow("n1", "run-1", "llm", "e3", 1, 0)))

			pending, err := store.ListPendingConfirm(ctx, "run-1")
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, "p1", pending[0].ID)

			other, err := store.ListPendingConfirm(ctx, "run-2")
			require.NoError(t, err)
			assert.Empty(t, other)
		})
	}
}

func TestConfirmers(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := domain.ConfirmerAssignment{WorkflowID: "wf-1", NodeID: "n1", UserID: "alice"}
			require.NoError(t, store.AssignConfirmer(ctx, a))
			require.NoError(t, store.AssignConfirmer(ctx, a)) // idempotent
			require.NoError(t, store.AssignConfirmer(ctx, domain.ConfirmerAssignment{
				WorkflowID: "wf-1", NodeID: "n1", UserID: "bob",
			}))

			users, err := store.ListConfirmers(ctx, "wf-1", "n1")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"alice", "bob"}, users)

			none, err := store.ListConfirmers(ctx, "wf-1", "other")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

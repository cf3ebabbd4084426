package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v3"

	"github.com/loomrun/loom/internal/domain"
	"github.com/loomrun/loom/internal/xjson"
)

const (
	runKeyPrefix       = "run:state:"
	execKeyPrefix      = "run:execution:"
	execIndexPrefix    = "run:execindex:"
	confirmerKeyPrefix = "workflow:confirmer:"
)

// BadgerStore is the embedded row store for single-box deployments. Run
// rows carry the same version column the relational adapter uses, checked
// inside a badger transaction.
type BadgerStore struct {
	db  *badger.DB
	seq atomic.Int64
}

func NewBadgerStore(dataDir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dataDir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dataDir, err)
	}
	s := &BadgerStore{db: db}
	s.seq.Store(time.Now().UnixNano())
	return s, nil
}

func runKey(id string) []byte  { return []byte(runKeyPrefix + id) }
func execKey(id string) []byte { return []byte(execKeyPrefix + id) }

func (s *BadgerStore) execIndexKey(runID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", execIndexPrefix, runID, s.seq.Add(1)))
}

func (s *BadgerStore) CreateRun(ctx context.Context, run *domain.WorkflowRun) error {
	run.Version = 1
	run.CreatedAt = time.Now()
	run.UpdatedAt = run.CreatedAt
	data, err := xjson.Marshal(run)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(runKey(run.ID)); err == nil {
			return domain.NewConsistencyError("run already exists", map[string]interface{}{"run_id": run.ID})
		}
		return txn.Set(runKey(run.ID), data)
	})
}

func (s *BadgerStore) GetRun(ctx context.Context, id string) (*domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(id))
		if err == badger.ErrKeyNotFound {
			return domain.NewNotFoundError("run", id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return xjson.Unmarshal(val, &run)
		})
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *BadgerStore) UpdateRun(ctx context.Context, run *domain.WorkflowRun) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(run.ID))
		if err == badger.ErrKeyNotFound {
			return domain.NewNotFoundError("run", run.ID)
		}
		if err != nil {
			return err
		}
		var stored domain.WorkflowRun
		if err := item.Value(func(val []byte) error {
			return xjson.Unmarshal(val, &stored)
		}); err != nil {
			return err
		}
		if stored.Version != run.Version {
			return domain.ErrVersionConflict
		}
		run.Version++
		run.UpdatedAt = time.Now()
		run.ElapsedSeconds = stored.ElapsedSeconds
		run.PromptTokens = stored.PromptTokens
		run.CompletionTokens = stored.CompletionTokens
		run.TotalTokens = stored.TotalTokens
		data, err := xjson.Marshal(run)
		if err != nil {
			return err
		}
		return txn.Set(runKey(run.ID), data)
	})
}

func (s *BadgerStore) ListRunnable(ctx context.Context, limit int) ([]*domain.WorkflowRun, error) {
	var out []*domain.WorkflowRun
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(runKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var run domain.WorkflowRun
			if err := it.Item().Value(func(val []byte) error {
				return xjson.Unmarshal(val, &run)
			}); err != nil {
				return err
			}
			if run.Status == domain.RunStatusQueued || run.Status == domain.RunStatusRunning {
				r := run
				out = append(out, &r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *BadgerStore) AddRunUsage(ctx context.Context, runID string, elapsed float64, promptTokens, completionTokens, totalTokens int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(runID))
		if err == badger.ErrKeyNotFound {
			return domain.NewNotFoundError("run", runID)
		}
		if err != nil {
			return err
		}
		var run domain.WorkflowRun
		if err := item.Value(func(val []byte) error {
			return xjson.Unmarshal(val, &run)
		}); err != nil {
			return err
		}
		run.ElapsedSeconds += elapsed
		run.PromptTokens += promptTokens
		run.CompletionTokens += completionTokens
		run.TotalTokens += totalTokens
		data, err := xjson.Marshal(&run)
		if err != nil {
			return err
		}
		return txn.Set(runKey(runID), data)
	})
}

func (s *BadgerStore) CreateExecution(ctx context.Context, exec *domain.NodeExecution) error {
	exec.CreatedAt = time.Now()
	exec.UpdatedAt = exec.CreatedAt
	data, err := xjson.Marshal(exec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(execKey(exec.ID)); err == nil {
			return domain.NewConsistencyError("execution already exists", map[string]interface{}{"execution_id": exec.ID})
		}
		if err := txn.Set(execKey(exec.ID), data); err != nil {
			return err
		}
		return txn.Set(s.execIndexKey(exec.RunID), []byte(exec.ID))
	})
}

func (s *BadgerStore) GetExecution(ctx context.Context, id string) (*domain.NodeExecution, error) {
	var exec domain.NodeExecution
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(execKey(id))
		if err == badger.ErrKeyNotFound {
			return domain.NewNotFoundError("execution", id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return xjson.Unmarshal(val, &exec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *BadgerStore) UpdateExecution(ctx context.Context, exec *domain.NodeExecution) error {
	exec.UpdatedAt = time.Now()
	data, err := xjson.Marshal(exec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(execKey(exec.ID)); err == badger.ErrKeyNotFound {
			return domain.NewNotFoundError("execution", exec.ID)
		}
		return txn.Set(execKey(exec.ID), data)
	})
}

// scanExecutions walks a run's execution rows newest-first until visit
// returns false.
func (s *BadgerStore) scanExecutions(runID string, visit func(*domain.NodeExecution) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(execIndexPrefix + runID + ":")
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.Valid(); it.Next() {
			key := it.Item().Key()
			if !bytes.HasPrefix(key, prefix) {
				break
			}
			var execID string
			if err := it.Item().Value(func(val []byte) error {
				execID = string(val)
				return nil
			}); err != nil {
				return err
			}
			item, err := txn.Get(execKey(execID))
			if err != nil {
				continue
			}
			var exec domain.NodeExecution
			if err := item.Value(func(val []byte) error {
				return xjson.Unmarshal(val, &exec)
			}); err != nil {
				return err
			}
			if !visit(&exec) {
				return nil
			}
		}
		return nil
	})
}

func (s *BadgerStore) LatestSuccessByNode(ctx context.Context, runID, nodeID string) (*domain.NodeExecution, error) {
	var found *domain.NodeExecution
	err := s.scanExecutions(runID, func(exec *domain.NodeExecution) bool {
		if exec.NodeID == nodeID && exec.Status == domain.ExecStatusSucceeded && !exec.CorrectOutput {
			found = exec
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, domain.NewNotFoundError("execution", runID+"/"+nodeID)
	}
	return found, nil
}

func (s *BadgerStore) LatestByEdge(ctx context.Context, runID, edgeID string) (*domain.NodeExecution, error) {
	var found *domain.NodeExecution
	err := s.scanExecutions(runID, func(exec *domain.NodeExecution) bool {
		if exec.EdgeID == edgeID && exec.ChildLevel == 0 {
			found = exec
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, domain.NewNotFoundError("execution", runID+"/"+edgeID)
	}
	return found, nil
}

func (s *BadgerStore) ListChildren(ctx context.Context, runID, preNodeID string, level int) ([]*domain.NodeExecution, error) {
	var out []*domain.NodeExecution
	err := s.scanExecutions(runID, func(exec *domain.NodeExecution) bool {
		if exec.PreNodeID == preNodeID && exec.Level == level && exec.ChildLevel > 0 {
			out = append(out, exec)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	// scan is newest-first; children are consumed oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *BadgerStore) ListPendingConfirm(ctx context.Context, runID string) ([]*domain.NodeExecution, error) {
	var out []*domain.NodeExecution
	err := s.scanExecutions(runID, func(exec *domain.NodeExecution) bool {
		if exec.NeedHumanConfirm && exec.Status == domain.ExecStatusStarted {
			out = append(out, exec)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *BadgerStore) AssignConfirmer(ctx context.Context, a domain.ConfirmerAssignment) error {
	key := []byte(confirmerKeyPrefix + a.WorkflowID + ":" + a.NodeID + ":" + a.UserID)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, []byte(a.UserID))
	})
}

func (s *BadgerStore) ListConfirmers(ctx context.Context, workflowID, nodeID string) ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(confirmerKeyPrefix + workflowID + ":" + nodeID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				out = append(out, string(val))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

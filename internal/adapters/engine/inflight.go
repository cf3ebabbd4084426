package engine

import (
	"sync"

	"github.com/loomrun/loom/internal/ports"
)

// Tracked pairs a task handle with the lineage the completion loop needs
// to reconcile it. The registry is an optimization over storage, never the
// source of truth; losing it costs a resubmission, not correctness.
type Tracked struct {
	Handle      ports.TaskHandle
	RunID       string
	ExecutionID string
	NodeID      string
	EdgeID      string
	Level       int
	ChildLevel  int
	AssignTask  bool
}

type inFlightRegistry struct {
	mu    sync.RWMutex
	items map[string]*Tracked // keyed by execution id
}

func newInFlightRegistry() *inFlightRegistry {
	return &inFlightRegistry{items: make(map[string]*Tracked)}
}

func (r *inFlightRegistry) Add(t *Tracked) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[t.ExecutionID] = t
}

func (r *inFlightRegistry) Remove(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, executionID)
}

func (r *inFlightRegistry) Has(executionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.items[executionID]
	return ok
}

// HasNode reports whether any task for the given node of the given run is
// still in flight or awaiting reconciliation.
func (r *inFlightRegistry) HasNode(runID, nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.items {
		if t.RunID == runID && t.NodeID == nodeID {
			return true
		}
	}
	return false
}

func (r *inFlightRegistry) RunCount(runID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range r.items {
		if t.RunID == runID {
			n++
		}
	}
	return n
}

// Ready snapshots every tracked task whose result is available.
func (r *inFlightRegistry) Ready() []*Tracked {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Tracked
	for _, t := range r.items {
		if t.Handle.Ready() {
			out = append(out, t)
		}
	}
	return out
}

func (r *inFlightRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

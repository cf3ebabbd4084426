package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomrun/loom/internal/domain"
	"github.com/loomrun/loom/internal/ports"
)

// ExecuteFunc runs one node payload to completion. The engine supplies the
// node-executor dispatch as this function so the pool stays agnostic of
// node semantics.
type ExecuteFunc func(ctx context.Context, payload *ports.TaskPayload) (*ports.NodeResult, error)

// Pool is the in-process asynchronous worker pool. Submit never blocks on
// node execution; callers poll the returned handle. Handles are process
// local and rebuilt from storage after a restart, they are not a source of
// truth.
type Pool struct {
	execute ExecuteFunc
	logger  *slog.Logger
	queue   chan *task
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once
}

type task struct {
	payload *ports.TaskPayload
	handle  *handle
}

type handle struct {
	id     string
	done   chan struct{}
	mu     sync.Mutex
	result *ports.TaskResult
}

func (h *handle) ID() string { return h.id }

func (h *handle) Ready() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *handle) Get(timeout time.Duration) (*ports.TaskResult, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, nil
	case <-time.After(timeout):
		return nil, domain.ErrTimeout
	}
}

func (h *handle) complete(result *ports.TaskResult) {
	h.mu.Lock()
	h.result = result
	h.mu.Unlock()
	close(h.done)
}

func NewPool(cfg domain.WorkerConfig, execute ExecuteFunc, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	count := cfg.Count
	if count <= 0 {
		count = 4
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		execute: execute,
		logger:  logger.With("component", "worker_pool"),
		queue:   make(chan *task, depth),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < count; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) Submit(ctx context.Context, payload *ports.TaskPayload) (ports.TaskHandle, error) {
	select {
	case <-p.ctx.Done():
		return nil, domain.ErrClosed
	default:
	}
	h := &handle{id: uuid.NewString(), done: make(chan struct{})}
	t := &task{payload: payload, handle: h}
	select {
	case p.queue <- t:
		return h, nil
	case <-p.ctx.Done():
		return nil, domain.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-p.queue:
			p.run(t)
		}
	}
}

func (p *Pool) run(t *task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("node execution panicked",
				"run_id", t.payload.RunID,
				"node_id", t.payload.Node.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			t.handle.complete(&ports.TaskResult{
				Status:  ports.TaskStatusFailed,
				Message: fmt.Sprintf("node execution panicked: %v", r),
			})
		}
	}()

	started := time.Now()
	result, err := p.execute(p.ctx, t.payload)
	elapsed := time.Since(started).Seconds()

	if err != nil {
		p.logger.Debug("node execution failed",
			"run_id", t.payload.RunID,
			"node_id", t.payload.Node.ID,
			"error", err)
		t.handle.complete(&ports.TaskResult{
			Status:  ports.TaskStatusFailed,
			Message: err.Error(),
		})
		return
	}

	if result.ElapsedSeconds == 0 {
		result.ElapsedSeconds = elapsed
	}
	t.handle.complete(&ports.TaskResult{
		Status: ports.TaskStatusSuccess,
		Data:   result,
	})
}

func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
	return nil
}

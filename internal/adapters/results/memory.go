package results

import (
	"context"
	"sync"
	"time"

	"github.com/loomrun/loom/internal/domain"
)

// MemoryChannel is the in-process result channel for embedded deployments
// and tests. One buffered slot per key mirrors the list semantics of the
// redis implementation closely enough for terminal-result handoff.
type MemoryChannel struct {
	mu     sync.Mutex
	chans  map[string]chan []byte
	closed bool
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{chans: make(map[string]chan []byte)}
}

func (m *MemoryChannel) channel(key string) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.chans[key]
	if !ok {
		ch = make(chan []byte, 8)
		m.chans[key] = ch
	}
	return ch
}

func (m *MemoryChannel) Push(ctx context.Context, key string, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrClosed
	}
	m.mu.Unlock()
	select {
	case m.channel(key) <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemoryChannel) BlockingPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	select {
	case payload := <-m.channel(key):
		return payload, nil
	case <-time.After(timeout):
		return nil, domain.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MemoryChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

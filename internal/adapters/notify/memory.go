package notify

import (
	"context"
	"sync"

	"github.com/loomrun/loom/internal/ports"
)

// Recorded is one captured notification, kept for embedded mode and
// engine test assertions.
type Recorded struct {
	UserID  string
	Type    ports.MessageType
	Payload map[string]interface{}
}

type MemorySink struct {
	mu       sync.Mutex
	messages []Recorded
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Publish(ctx context.Context, userID string, messageType ports.MessageType, payload map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, Recorded{UserID: userID, Type: messageType, Payload: payload})
	return nil
}

// Messages returns a copy of everything published so far.
func (m *MemorySink) Messages() []Recorded {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Recorded, len(m.messages))
	copy(out, m.messages)
	return out
}

// MessagesOfType filters captured notifications by type.
func (m *MemorySink) MessagesOfType(t ports.MessageType) []Recorded {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Recorded
	for _, msg := range m.messages {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

func (m *MemorySink) Close() error { return nil }

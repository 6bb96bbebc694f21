package history

import (
	"context"
	"sync"

	"github.com/whisper/livechat/internal/protocol"
)

// Memory keeps the last N messages in a ring buffer. It is goroutine-safe.
type Memory struct {
	mu     sync.RWMutex
	items  []protocol.Message
	pos    int
	count  int
	closed bool
}

// NewMemory creates an empty history holding at most limit messages.
func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Memory{items: make([]protocol.Message, limit)}
}

// Append adds msg, overwriting the oldest message when the buffer is full.
func (m *Memory) Append(_ context.Context, msg protocol.Message) ([]protocol.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	size := len(m.items)
	m.items[m.pos] = msg
	m.pos = (m.pos + 1) % size
	if m.count < size {
		m.count++
	}
	return m.snapshot(), nil
}

// All returns the buffered messages in chronological order.
func (m *Memory) All(_ context.Context) ([]protocol.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	return m.snapshot(), nil
}

// Close releases the buffer.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.items = nil
	return nil
}

// snapshot copies the buffer out. The caller must hold mu.
func (m *Memory) snapshot() []protocol.Message {
	size := len(m.items)
	result := make([]protocol.Message, m.count)
	// The oldest message is at position (pos - count) mod size.
	start := (m.pos - m.count + size) % size
	for i := 0; i < m.count; i++ {
		result[i] = m.items[(start+i)%size]
	}
	return result
}

// Package messaging fans room events out across server instances. The NATS
// broker connects instances; the local broker serves a single process.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/whisper/livechat/internal/protocol"
)

// Room event kinds.
const (
	KindMessages = "messages" // the history changed
	KindTyping   = "typing"   // a participant started or stopped typing
)

// RoomEvent is published whenever something in a room changes that every
// connected participant must hear about.
type RoomEvent struct {
	Kind    string                 `json:"kind"`
	Origin  string                 `json:"origin"` // session ID that caused the event
	Server  string                 `json:"server"` // server instance that published it
	History []protocol.Message     `json:"history,omitempty"`
	Typing  *protocol.TypingStatus `json:"typing,omitempty"`
}

// Broker publishes and delivers room events.
type Broker interface {
	PublishRoom(room string, ev RoomEvent) error
	SubscribeRoom(room string, handler func(RoomEvent)) error
	Close()
}

func encodeEvent(ev RoomEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("messaging: marshal room event: %w", err)
	}
	return data, nil
}

func decodeEvent(data []byte) (RoomEvent, error) {
	var ev RoomEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("messaging: unmarshal room event: %w", err)
	}
	return ev, nil
}

// Local delivers room events to handlers in the same process.
type Local struct {
	mu       sync.RWMutex
	handlers map[string][]func(RoomEvent)
	closed   bool
}

// NewLocal creates an in-process broker.
func NewLocal() *Local {
	return &Local{handlers: make(map[string][]func(RoomEvent))}
}

// PublishRoom calls every handler subscribed to room on the caller's
// goroutine.
func (l *Local) PublishRoom(room string, ev RoomEvent) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return fmt.Errorf("messaging: broker closed")
	}
	handlers := append([]func(RoomEvent){}, l.handlers[room]...)
	l.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

// SubscribeRoom registers handler for events in room.
func (l *Local) SubscribeRoom(room string, handler func(RoomEvent)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("messaging: broker closed")
	}
	l.handlers[room] = append(l.handlers[room], handler)
	return nil
}

// Close drops all handlers.
func (l *Local) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.handlers = make(map[string][]func(RoomEvent))
}

// Package history stores the room's message history. Every backend keeps
// only the most recent messages and returns them oldest first.
package history

import (
	"context"
	"errors"

	"github.com/whisper/livechat/internal/protocol"
)

// DefaultLimit is the number of recent messages retained per room.
const DefaultLimit = 100

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("history: store closed")

// Store is an append-only, bounded message history.
type Store interface {
	// Append adds msg and returns the resulting history.
	Append(ctx context.Context, msg protocol.Message) ([]protocol.Message, error)
	// All returns the current history, oldest first. An empty history is a
	// non-nil empty slice.
	All(ctx context.Context) ([]protocol.Message, error)
	Close() error
}

// Package channel provides the bidirectional event channel the session client
// runs on: acknowledged request calls plus server-pushed named events.
// Reconnection and raw socket lifecycle live here, not in the client.
package channel

import (
	"encoding/json"
	"errors"
)

// ErrClosed is returned by Emit once the channel has been closed.
var ErrClosed = errors.New("channel: connection closed")

// Transport is a bidirectional event channel.
//
// Emit sends a named request. When ack is non-nil the request expects
// exactly one reply, which is passed to ack from the transport's own
// goroutine; a nil ack makes the request fire-and-forget. A reply that never
// arrives simply never calls ack.
//
// On registers fn for every pushed event with the given name until off is
// called. Several handlers may be registered for one name; calling off
// removes only its own handler.
type Transport interface {
	Emit(name string, payload interface{}, ack func(json.RawMessage)) error
	On(name string, fn func(json.RawMessage)) (off func())
	Close() error
}

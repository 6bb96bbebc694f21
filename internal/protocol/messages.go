// Package protocol defines the frames and payloads exchanged between the chat
// client and server. Every frame is a JSON text message with a "type"
// discriminator: requests carry a call name and an optional acknowledgement
// id, acks echo that id, and events are pushed by the server unsolicited.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Frame kinds
// ---------------------------------------------------------------------------

const (
	FrameRequest = "request"
	FrameAck     = "ack"
	FrameEvent   = "event"
)

// ---------------------------------------------------------------------------
// Call and event names
// ---------------------------------------------------------------------------

// Client -> Server acknowledged calls.
const (
	CallIdentity       = "identity"
	CallFindAllMessage = "findAllMessage"
	CallCreateMessage  = "createMessage"
	CallTyping         = "typing"
)

// Server -> Client pushed events.
const (
	EventMessages = "messages"
	EventOnTyping = "onTyping"
)

// ---------------------------------------------------------------------------
// Frame
// ---------------------------------------------------------------------------

// Frame is the envelope of every message on the wire. Payload stays raw so it
// can be decoded once the call or event name is known.
type Frame struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseFrame decodes raw WebSocket bytes into a Frame and checks that the
// fields required by its type are present.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	switch f.Type {
	case FrameRequest, FrameEvent:
		if f.Name == "" {
			return f, fmt.Errorf("protocol: %s frame without name", f.Type)
		}
	case FrameAck:
		if f.ID == 0 {
			return f, fmt.Errorf("protocol: ack frame without id")
		}
	case "":
		return f, fmt.Errorf("protocol: missing or empty \"type\" field")
	default:
		return f, fmt.Errorf("protocol: unknown frame type: %q", f.Type)
	}
	return f, nil
}

// NewRequest encodes a request frame. An id of zero marks the request as
// fire-and-forget: the server sends no ack for it.
func NewRequest(id uint64, name string, payload interface{}) ([]byte, error) {
	return encode(Frame{Type: FrameRequest, ID: id, Name: name}, payload)
}

// NewAck encodes the acknowledgement for request id.
func NewAck(id uint64, payload interface{}) ([]byte, error) {
	return encode(Frame{Type: FrameAck, ID: id}, payload)
}

// NewEvent encodes a server-pushed event frame.
func NewEvent(name string, payload interface{}) ([]byte, error) {
	return encode(Frame{Type: FrameEvent, Name: name}, payload)
}

func encode(f Frame, payload interface{}) ([]byte, error) {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %s payload: %w", f.Type, err)
		}
		f.Payload = raw
	}
	out, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s frame: %w", f.Type, err)
	}
	return out, nil
}

// Decode unmarshals a payload into T. The boolean result is false when the
// payload is absent or JSON null, in which case no error is returned.
func Decode[T any](raw json.RawMessage) (T, bool, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, false, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("protocol: failed to decode %T: %w", v, err)
	}
	return v, true, nil
}

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

// IdentityRequest claims a display name for the session.
type IdentityRequest struct {
	Name string `json:"name"`
}

// Identity is the server's confirmation of a claimed name.
type Identity struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// CreateMessageRequest posts a new chat message.
type CreateMessageRequest struct {
	Message string `json:"message"`
}

// Message is one chat message as returned in history snapshots.
type Message struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

// TypingRequest reports a transition of the local user's typing activity.
type TypingRequest struct {
	IsTyping bool `json:"isTyping"`
}

// TypingStatus is pushed by the server when another participant starts or
// stops typing.
type TypingStatus struct {
	Name     string `json:"name"`
	IsTyping bool   `json:"isTyping"`
}

// EqualHistory reports whether two history snapshots hold the same messages
// in the same order.
func EqualHistory(a, b []Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

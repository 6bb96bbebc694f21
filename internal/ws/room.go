package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/whisper/livechat/internal/history"
	"github.com/whisper/livechat/internal/messaging"
	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/moderation"
	"github.com/whisper/livechat/internal/protocol"
	"github.com/whisper/livechat/internal/ratelimit"
	"github.com/whisper/livechat/internal/session"
)

var errRateLimited = errors.New("ws: rate limited")

// RoomOptions wires a Room to its backends. Sessions, Limiter and Filter
// are optional.
type RoomOptions struct {
	Name       string
	ServerName string
	History    history.Store
	Broker     messaging.Broker
	Sessions   *session.Store
	Limiter    *ratelimit.Limiter
	Filter     *moderation.Filter
}

// Room implements the chat calls for one room and delivers room events to
// the local connections.
type Room struct {
	opts  RoomOptions
	conns *ConnectionManager

	// Held across append and publish so local subscribers see histories in
	// the order they were produced.
	appendMu sync.Mutex
}

// NewRoom creates a Room broadcasting to conns.
func NewRoom(opts RoomOptions, conns *ConnectionManager) *Room {
	return &Room{opts: opts, conns: conns}
}

// Register installs the room's call handlers on d.
func (r *Room) Register(d *Dispatcher) {
	d.Register(protocol.CallIdentity, r.identity)
	d.Register(protocol.CallFindAllMessage, r.findAllMessage)
	d.Register(protocol.CallCreateMessage, r.createMessage)
	d.Register(protocol.CallTyping, r.typing)
}

// Subscribe starts delivering room events from the broker to local
// connections.
func (r *Room) Subscribe() error {
	if err := r.opts.Broker.SubscribeRoom(r.opts.Name, r.deliver); err != nil {
		return fmt.Errorf("ws: subscribe room %s: %w", r.opts.Name, err)
	}
	return nil
}

// HandleDisconnect is the Server's disconnect hook. A participant that leaves
// mid-burst is reported as no longer typing.
func (r *Room) HandleDisconnect(c *Connection) {
	name := c.Name()
	if name == "" || !c.Typing() {
		return
	}
	c.SetTyping(false)
	r.publish(messaging.RoomEvent{
		Kind:   messaging.KindTyping,
		Origin: c.ID,
		Typing: &protocol.TypingStatus{Name: name, IsTyping: false},
	})
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func (r *Room) identity(ctx context.Context, c *Connection, payload json.RawMessage) (interface{}, error) {
	req, ok, err := protocol.Decode[protocol.IdentityRequest](payload)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("ws: identity without payload")
	}
	if err := protocol.ValidateName(req.Name); err != nil {
		return nil, err
	}
	if !r.allow(ctx, c.ID, ratelimit.RuleIdentity) {
		return nil, errRateLimited
	}

	c.SetName(req.Name)
	if r.opts.Sessions != nil {
		if err := r.opts.Sessions.SetName(ctx, c.ID, req.Name); err != nil {
			log.Printf("ws: failed to record name for session=%s: %v", c.ID, err)
		}
	}

	log.Printf("ws: identity session=%s name=%q", c.ID, req.Name)
	return protocol.Identity{Name: req.Name, ID: c.ID}, nil
}

func (r *Room) findAllMessage(ctx context.Context, _ *Connection, _ json.RawMessage) (interface{}, error) {
	return r.opts.History.All(ctx)
}

// createMessage always acknowledges with a history: the updated one when the
// message was accepted, the current one otherwise.
func (r *Room) createMessage(ctx context.Context, c *Connection, payload json.RawMessage) (interface{}, error) {
	name := c.Name()
	if name == "" {
		log.Printf("ws: createMessage before identity session=%s", c.ID)
		return r.reject(ctx, "rejected")
	}
	req, ok, err := protocol.Decode[protocol.CreateMessageRequest](payload)
	if err != nil || !ok {
		return r.reject(ctx, "rejected")
	}
	if err := protocol.ValidateText(req.Message); err != nil {
		log.Printf("ws: invalid message session=%s: %v", c.ID, err)
		return r.reject(ctx, "rejected")
	}
	if r.opts.Filter != nil {
		if res := r.opts.Filter.Check(req.Message); res.Blocked {
			log.Printf("ws: message blocked session=%s reason=%s term=%q", c.ID, res.Reason, res.Term)
			return r.reject(ctx, "blocked")
		}
	}
	if !r.allow(ctx, c.ID, ratelimit.RuleMessage) {
		return r.reject(ctx, "rate_limited")
	}

	r.appendMu.Lock()
	defer r.appendMu.Unlock()

	msgs, err := r.opts.History.Append(ctx, protocol.Message{Author: name, Text: req.Message})
	if err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues("created").Inc()

	r.publish(messaging.RoomEvent{
		Kind:    messaging.KindMessages,
		Origin:  c.ID,
		History: msgs,
	})
	return msgs, nil
}

func (r *Room) typing(_ context.Context, c *Connection, payload json.RawMessage) (interface{}, error) {
	req, ok, err := protocol.Decode[protocol.TypingRequest](payload)
	if err != nil {
		return nil, err
	}
	name := c.Name()
	if !ok || name == "" {
		return true, nil
	}

	c.SetTyping(req.IsTyping)
	r.publish(messaging.RoomEvent{
		Kind:   messaging.KindTyping,
		Origin: c.ID,
		Typing: &protocol.TypingStatus{Name: name, IsTyping: req.IsTyping},
	})
	return true, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (r *Room) reject(ctx context.Context, outcome string) (interface{}, error) {
	metrics.MessagesTotal.WithLabelValues(outcome).Inc()
	return r.opts.History.All(ctx)
}

func (r *Room) allow(ctx context.Context, id string, rule ratelimit.Rule) bool {
	if r.opts.Limiter == nil {
		return true
	}
	ok, _ := r.opts.Limiter.Allow(ctx, id, rule)
	return ok
}

func (r *Room) publish(ev messaging.RoomEvent) {
	ev.Server = r.opts.ServerName
	if err := r.opts.Broker.PublishRoom(r.opts.Name, ev); err != nil {
		log.Printf("ws: publish %s event: %v", ev.Kind, err)
	}
}

// deliver pushes a room event to the local connections. Typing events skip
// the connection that caused them.
func (r *Room) deliver(ev messaging.RoomEvent) {
	var (
		data   []byte
		err    error
		except string
	)
	switch ev.Kind {
	case messaging.KindMessages:
		data, err = protocol.NewEvent(protocol.EventMessages, ev.History)
	case messaging.KindTyping:
		if ev.Typing == nil {
			return
		}
		data, err = protocol.NewEvent(protocol.EventOnTyping, *ev.Typing)
		except = ev.Origin
	default:
		log.Printf("ws: unknown room event kind %q", ev.Kind)
		return
	}
	if err != nil {
		log.Printf("ws: build %s event: %v", ev.Kind, err)
		return
	}
	r.conns.Broadcast(data, except)
}

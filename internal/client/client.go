// Package client implements the chat session client. It turns a channel
// Transport into three imperative intents (join, send, typing) and three
// cached state streams (identity, message history, typing status).
//
// All protocol logic runs on a single event loop goroutine: intents, acks,
// pushed events and timers are posted to it, which gives the ordering
// guarantees below without locks.
//
//   - Joins are latest-wins: a newer join abandons the pending identity
//     reply; a stale reply that arrives later is ignored.
//   - Sends are FIFO: each createMessage is issued only after the previous
//     one was acknowledged. An ack that never arrives stalls the queue.
//   - Typing transitions are latest-wins and only issued on change.
//   - No history, send or typing request is issued before the first
//     identity confirmation.
package client

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/whisper/livechat/internal/channel"
	"github.com/whisper/livechat/internal/flow"
	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/protocol"
)

// Config holds tunable parameters for the session client.
type Config struct {
	TypingTimeout time.Duration // quiet period before a "stopped typing" edge
	Mailbox       int           // event loop mailbox capacity
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		TypingTimeout: time.Second,
		Mailbox:       flow.DefaultMailbox,
	}
}

// Client is one chat session over one channel connection.
type Client struct {
	tr    channel.Transport
	owned bool // Close also closes tr
	loop  *flow.Loop

	identity *flow.State[protocol.Identity]
	messages *flow.State[[]protocol.Message]
	typing   *flow.State[protocol.TypingStatus]

	// Loop-confined.
	join          flow.Switch
	history       flow.Switch
	sends         flow.Serial
	typingOut     flow.Switch
	pulse         *flow.Pulse
	confirmed     bool
	pendingTyping bool
	offTyping     func()

	closeOnce sync.Once
	closeErr  error
}

// New returns a client running on tr. The caller keeps ownership of tr.
func New(tr channel.Transport, cfg Config) *Client {
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = DefaultConfig().TypingTimeout
	}

	c := &Client{
		tr:   tr,
		loop: flow.NewLoop(cfg.Mailbox),
		identity: flow.NewState(
			flow.WithEqual(func(a, b protocol.Identity) bool { return a == b }),
		),
		messages: flow.NewState(
			flow.WithEqual(protocol.EqualHistory),
			flow.WithPresent(func(v []protocol.Message) bool { return v != nil }),
		),
		typing: flow.NewState[protocol.TypingStatus](),
	}
	c.pulse = flow.NewPulse(c.loop, cfg.TypingTimeout, c.typingEdge)
	c.sends.Pause()

	c.loop.Post(func() {
		c.offTyping = c.listen(protocol.EventOnTyping, c.applyTyping)
	})
	return c
}

// Dial connects to url and returns a client that owns the connection.
func Dial(ctx context.Context, url string, cfg Config) (*Client, error) {
	tr, err := channel.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	c := New(tr, cfg)
	c.owned = true
	return c, nil
}

// JoinSession claims name for this session. It supersedes any join whose
// confirmation is still pending.
func (c *Client) JoinSession(name string) {
	c.post("join", func() {
		c.join.Start(c.call(protocol.CallIdentity, protocol.IdentityRequest{Name: name}, c.confirm))
	})
}

// SendMessage queues text for delivery. Messages are delivered one at a time
// in call order; the resulting history arrives through Messages.
func (c *Client) SendMessage(text string) {
	c.post("send", func() {
		c.sends.Push(c.call(protocol.CallCreateMessage, protocol.CreateMessageRequest{Message: text}, c.applyAckHistory))
	})
}

// NotifyTyping records one unit of local typing activity, typically one
// keystroke.
func (c *Client) NotifyTyping() {
	c.post("typing", func() {
		c.pulse.Beat()
	})
}

// Identity streams the latest confirmed identity.
func (c *Client) Identity() *flow.State[protocol.Identity] {
	return c.identity
}

// Messages streams the latest known message history.
func (c *Client) Messages() *flow.State[[]protocol.Message] {
	return c.messages
}

// Typing streams the latest typing status pushed by the server.
func (c *Client) Typing() *flow.State[protocol.TypingStatus] {
	return c.typing
}

// Close tears the session down: every subscription, timer and pending
// request is released, all state streams are closed, and later intents
// become no-ops. A connection opened by Dial is closed too.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.loop.Stop(c.teardown)
		if c.owned {
			c.closeErr = c.tr.Close()
		}
	})
	return c.closeErr
}

func (c *Client) post(intent string, fn func()) {
	if c.loop.Post(fn) {
		metrics.ClientIntents.WithLabelValues(intent).Inc()
	}
}

func (c *Client) teardown() {
	c.join.Stop()
	c.history.Stop()
	c.sends.Stop()
	c.typingOut.Stop()
	c.pulse.Stop()
	if c.offTyping != nil {
		c.offTyping()
	}

	c.identity.Close()
	c.messages.Close()
	c.typing.Close()
}

// confirm handles an identity reply that won the latest-wins race.
func (c *Client) confirm(raw json.RawMessage) {
	id, ok, err := protocol.Decode[protocol.Identity](raw)
	if err != nil {
		log.Printf("[client] identity reply: %v", err)
		return
	}
	if !ok {
		return
	}

	c.identity.Publish(id)
	c.history.Start(c.followHistory())

	if !c.confirmed {
		c.confirmed = true
		c.sends.Resume()
		if c.pendingTyping {
			c.pendingTyping = false
			c.emitTyping(true)
		}
	}
}

// followHistory fetches the full history once and follows pushed updates
// until it is superseded by the next confirmation.
func (c *Client) followHistory() flow.Task {
	return func(complete func()) func() {
		off := c.listen(protocol.EventMessages, c.applyHistory)
		cancelFind := c.call(protocol.CallFindAllMessage, nil, c.applyHistory)(func() {})
		return func() {
			cancelFind()
			off()
		}
	}
}

func (c *Client) applyHistory(raw json.RawMessage) {
	msgs, ok, err := protocol.Decode[[]protocol.Message](raw)
	if err != nil {
		log.Printf("[client] history: %v", err)
		return
	}
	if ok {
		c.messages.Publish(msgs)
	}
}

// applyAckHistory feeds a createMessage ack into the history when the server
// replied with a snapshot. Plain acknowledgements are ignored.
func (c *Client) applyAckHistory(raw json.RawMessage) {
	if msgs, ok, err := protocol.Decode[[]protocol.Message](raw); err == nil && ok {
		c.messages.Publish(msgs)
	}
}

func (c *Client) applyTyping(raw json.RawMessage) {
	st, ok, err := protocol.Decode[protocol.TypingStatus](raw)
	if err != nil {
		log.Printf("[client] typing status: %v", err)
		return
	}
	if ok {
		c.typing.Publish(st)
	}
}

// typingEdge receives start/stop transitions from the pulse. Before the
// first confirmation only an active edge is remembered; a burst that also
// ended before confirmation never reaches the server.
func (c *Client) typingEdge(active bool) {
	if !c.confirmed {
		c.pendingTyping = active
		return
	}
	c.emitTyping(active)
}

func (c *Client) emitTyping(active bool) {
	c.typingOut.Start(c.call(protocol.CallTyping, protocol.TypingRequest{IsTyping: active}, func(json.RawMessage) {}))
}

// call wraps an acknowledged request as a task. Cancelling it only stops
// local interest in the reply.
func (c *Client) call(name string, payload interface{}, fn func(json.RawMessage)) flow.Task {
	return flow.Await(c.loop, func(deliver func(json.RawMessage)) {
		if err := c.tr.Emit(name, payload, deliver); err != nil {
			// The reply will never come; whatever waits on it stalls.
			log.Printf("[client] %s: %v", name, err)
		}
	}, fn)
}

// listen forwards a pushed event onto the loop until the returned function is
// called. Events already queued when it is called are dropped.
func (c *Client) listen(name string, fn func(json.RawMessage)) func() {
	active := true
	off := c.tr.On(name, func(raw json.RawMessage) {
		c.loop.Post(func() {
			if active {
				fn(raw)
			}
		})
	})
	return func() {
		active = false
		off()
	}
}

package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/protocol"
)

// pendingAck is a request waiting for its acknowledgement.
type pendingAck struct {
	call string
	ack  func(json.RawMessage)
	sent time.Time
}

// WS is a Transport over a single client-side WebSocket connection. A
// background goroutine reads frames, resolving acks by request id and fanning
// pushed events out to registered handlers.
type WS struct {
	conn    net.Conn
	writeMu sync.Mutex // serializes frames written to conn

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]pendingAck
	nextKey  uint64
	handlers map[string]map[uint64]func(json.RawMessage)

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the chat server's WebSocket endpoint.
func Dial(ctx context.Context, url string) (*WS, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("channel: dial %s: %w", url, err)
	}
	if br != nil {
		// The server wrote frames right behind the handshake response; keep
		// them in front of the socket.
		conn = &bufferedConn{Conn: conn, r: br}
	}
	log.Printf("[channel] connected to %s", url)
	return NewWS(conn), nil
}

// NewWS wraps an established client-side WebSocket connection and starts
// reading from it.
func NewWS(conn net.Conn) *WS {
	t := &WS{
		conn:     conn,
		pending:  make(map[uint64]pendingAck),
		handlers: make(map[string]map[uint64]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Emit writes a request frame. It is goroutine-safe.
func (t *WS) Emit(name string, payload interface{}, ack func(json.RawMessage)) error {
	var id uint64

	t.mu.Lock()
	if t.closed() {
		t.mu.Unlock()
		return ErrClosed
	}
	if ack != nil {
		// Register before writing so a fast ack cannot overtake us.
		t.nextID++
		id = t.nextID
		t.pending[id] = pendingAck{call: name, ack: ack, sent: time.Now()}
	}
	t.mu.Unlock()

	data, err := protocol.NewRequest(id, name, payload)
	if err != nil {
		t.forget(id)
		return fmt.Errorf("channel: emit %s: %w", name, err)
	}

	t.writeMu.Lock()
	err = wsutil.WriteClientMessage(t.conn, ws.OpText, data)
	t.writeMu.Unlock()
	if err != nil {
		t.forget(id)
		return fmt.Errorf("channel: emit %s: %w", name, err)
	}

	metrics.ClientRequests.WithLabelValues(name).Inc()
	return nil
}

// On registers a handler for a pushed event. Handlers are invoked from the
// read goroutine and should hand work off rather than block.
func (t *WS) On(name string, fn func(json.RawMessage)) func() {
	t.mu.Lock()
	t.nextKey++
	key := t.nextKey
	hs, ok := t.handlers[name]
	if !ok {
		hs = make(map[uint64]func(json.RawMessage))
		t.handlers[name] = hs
	}
	hs[key] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if hs, ok := t.handlers[name]; ok {
				delete(hs, key)
				if len(hs) == 0 {
					delete(t.handlers, name)
				}
			}
		})
	}
}

// Done is closed once the connection has been closed, locally or by the
// server.
func (t *WS) Done() <-chan struct{} {
	return t.done
}

// Close closes the connection and stops the read loop. Pending requests are
// dropped and never acknowledged. It is safe to call multiple times.
func (t *WS) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		close(t.done)
		t.pending = make(map[uint64]pendingAck)
		t.mu.Unlock()
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// closed must be called with t.mu held.
func (t *WS) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *WS) forget(id uint64) {
	if id == 0 {
		return
	}
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// readLoop reads frames until the connection fails or is closed. Control
// frames are answered through the write mutex so pongs never interleave with
// request frames.
func (t *WS) readLoop() {
	control := wsutil.ControlFrameHandler(&lockedWriter{mu: &t.writeMu, w: t.conn}, ws.StateClientSide)
	rd := &wsutil.Reader{
		Source:         t.conn,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			t.readFailed(err)
			return
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				t.readFailed(err)
				return
			}
			continue
		}
		if hdr.OpCode&ws.OpText == 0 {
			if err := rd.Discard(); err != nil {
				t.readFailed(err)
				return
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			t.readFailed(err)
			return
		}

		f, err := protocol.ParseFrame(data)
		if err != nil {
			log.Printf("[channel] dropping frame: %v", err)
			continue
		}

		switch f.Type {
		case protocol.FrameAck:
			t.resolve(f)
		case protocol.FrameEvent:
			t.dispatch(f)
		default:
			log.Printf("[channel] unexpected %s frame from server", f.Type)
		}
	}
}

func (t *WS) readFailed(err error) {
	select {
	case <-t.done:
		// Closed locally; the read error is expected.
		return
	default:
	}
	log.Printf("[channel] read loop ended: %v", err)
	_ = t.Close()
}

func (t *WS) resolve(f protocol.Frame) {
	t.mu.Lock()
	p, ok := t.pending[f.ID]
	delete(t.pending, f.ID)
	t.mu.Unlock()

	if !ok {
		log.Printf("[channel] ack for unknown request id=%d", f.ID)
		return
	}
	metrics.ClientAckLatency.WithLabelValues(p.call).Observe(time.Since(p.sent).Seconds())
	p.ack(f.Payload)
}

func (t *WS) dispatch(f protocol.Frame) {
	t.mu.Lock()
	hs := make([]func(json.RawMessage), 0, len(t.handlers[f.Name]))
	for _, fn := range t.handlers[f.Name] {
		hs = append(hs, fn)
	}
	t.mu.Unlock()

	metrics.ClientEvents.WithLabelValues(f.Name).Inc()
	for _, fn := range hs {
		fn(f.Payload)
	}
}

// lockedWriter routes control-frame replies through the connection's write
// mutex.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// bufferedConn reads through the handshake reader before the raw socket.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

package ws

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/protocol"
)

// requestTimeout bounds the backend work done for one request.
const requestTimeout = 5 * time.Second

// CallHandler handles one request. The returned value is sent back as the
// acknowledgement payload when the client asked for one; an error is logged
// and acknowledged with an empty payload.
type CallHandler func(ctx context.Context, conn *Connection, payload json.RawMessage) (interface{}, error)

// Dispatcher routes request frames to registered handlers by call name.
type Dispatcher struct {
	handlers map[string]CallHandler
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]CallHandler)}
}

// Register associates a handler with a call name, replacing any previous one.
func (d *Dispatcher) Register(call string, handler CallHandler) {
	d.handlers[call] = handler
}

// Dispatch is the Server's onMessage callback.
func (d *Dispatcher) Dispatch(conn *Connection, data []byte) {
	f, err := protocol.ParseFrame(data)
	if err != nil {
		log.Printf("ws: dispatch parse error session=%s: %v", conn.ID, err)
		return
	}
	if f.Type != protocol.FrameRequest {
		log.Printf("ws: unexpected %s frame session=%s", f.Type, conn.ID)
		return
	}

	var reply interface{}
	if handler, ok := d.handlers[f.Name]; ok {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		start := time.Now()
		reply, err = handler(ctx, conn, f.Payload)
		metrics.RequestLatency.WithLabelValues(f.Name).Observe(time.Since(start).Seconds())
		cancel()
		if err != nil {
			log.Printf("ws: %s session=%s: %v", f.Name, conn.ID, err)
			reply = nil
		}
	} else {
		log.Printf("ws: unsupported call=%q session=%s", f.Name, conn.ID)
	}

	if f.ID == 0 {
		return
	}
	ack, err := protocol.NewAck(f.ID, reply)
	if err != nil {
		log.Printf("ws: failed to build ack session=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(ack); err != nil {
		log.Printf("ws: failed to send ack session=%s: %v", conn.ID, err)
	}
}

package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/whisper/livechat/internal/channel"
	"github.com/whisper/livechat/internal/client"
	"github.com/whisper/livechat/internal/flow"
	"github.com/whisper/livechat/internal/history"
	"github.com/whisper/livechat/internal/messaging"
	"github.com/whisper/livechat/internal/moderation"
	"github.com/whisper/livechat/internal/protocol"
)

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type testServer struct {
	srv  *Server
	http *httptest.Server
	url  string
}

func newTestServer(t *testing.T, config ServerConfig, opts ...func(*RoomOptions)) *testServer {
	t.Helper()

	d := NewDispatcher()
	srv := NewServer(config, nil, d.Dispatch)
	broker := messaging.NewLocal()
	roomOpts := RoomOptions{
		Name:       "test",
		ServerName: "test-1",
		History:    history.NewMemory(10),
		Broker:     broker,
	}
	for _, opt := range opts {
		opt(&roomOpts)
	}
	room := NewRoom(roomOpts, srv.Connections())
	room.Register(d)
	srv.SetOnDisconnect(room.HandleDisconnect)
	if err := room.Subscribe(); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		hs.Close()
		broker.Close()
	})
	return &testServer{
		srv:  srv,
		http: hs,
		url:  "ws://" + strings.TrimPrefix(hs.URL, "http://") + "/ws",
	}
}

func dialClient(t *testing.T, ts *testServer, typingTimeout time.Duration) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := client.DefaultConfig()
	cfg.TypingTimeout = typingTimeout
	c, err := client.Dial(ctx, ts.url, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func dialRaw(t *testing.T, ts *testServer) *channel.WS {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr, err := channel.Dial(ctx, ts.url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

// call issues a request on tr and waits for its acknowledgement payload.
func call(t *testing.T, tr *channel.WS, name string, payload interface{}) json.RawMessage {
	t.Helper()
	replies := make(chan json.RawMessage, 1)
	if err := tr.Emit(name, payload, func(raw json.RawMessage) { replies <- raw }); err != nil {
		t.Fatalf("emit %s: %v", name, err)
	}
	select {
	case raw := <-replies:
		return raw
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s ack", name)
		return nil
	}
}

// waitFor blocks until s holds a value satisfying pred.
func waitFor[T any](t *testing.T, s *flow.State[T], pred func(T) bool) T {
	t.Helper()
	ch, stop := s.Subscribe()
	defer stop()

	timeout := time.After(3 * time.Second)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				t.Fatal("state stream closed")
			}
			if pred(v) {
				return v
			}
		case <-timeout:
			last, _ := s.Value()
			t.Fatalf("timed out waiting for state, last value %+v", last)
		}
	}
}

// join claims name and waits for the identity and the initial history.
func join(t *testing.T, c *client.Client, name string) protocol.Identity {
	t.Helper()
	c.JoinSession(name)
	id := waitFor(t, c.Identity(), func(id protocol.Identity) bool { return id.Name == name })
	waitFor(t, c.Messages(), func([]protocol.Message) bool { return true })
	return id
}

// ---------------------------------------------------------------------------
// End to end with the session client
// ---------------------------------------------------------------------------

func TestEndToEnd_JoinAndSend(t *testing.T) {
	ts := newTestServer(t, DefaultServerConfig())
	alice := dialClient(t, ts, time.Second)
	bob := dialClient(t, ts, time.Second)

	aliceID := join(t, alice, "alice")
	bobID := join(t, bob, "bob")
	if aliceID.ID == "" || aliceID.ID == bobID.ID {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", aliceID.ID, bobID.ID)
	}

	alice.SendMessage("hi")
	alice.SendMessage("how are you?")

	want := []protocol.Message{{Author: "alice", Text: "hi"}, {Author: "alice", Text: "how are you?"}}
	for name, c := range map[string]*client.Client{"alice": alice, "bob": bob} {
		got := waitFor(t, c.Messages(), func(m []protocol.Message) bool { return len(m) == 2 })
		if !protocol.EqualHistory(got, want) {
			t.Errorf("%s: unexpected history %+v", name, got)
		}
	}

	// A late joiner receives the stored history.
	carol := dialClient(t, ts, time.Second)
	carol.JoinSession("carol")
	got := waitFor(t, carol.Messages(), func(m []protocol.Message) bool { return len(m) == 2 })
	if !protocol.EqualHistory(got, want) {
		t.Errorf("carol: unexpected history %+v", got)
	}
}

func TestEndToEnd_SendBeforeJoinIsHeld(t *testing.T) {
	ts := newTestServer(t, DefaultServerConfig())
	alice := dialClient(t, ts, time.Second)

	alice.SendMessage("early")
	alice.JoinSession("alice")

	got := waitFor(t, alice.Messages(), func(m []protocol.Message) bool { return len(m) == 1 })
	if got[0] != (protocol.Message{Author: "alice", Text: "early"}) {
		t.Errorf("unexpected history %+v", got)
	}
}

func TestEndToEnd_TypingReachesOthersOnly(t *testing.T) {
	ts := newTestServer(t, DefaultServerConfig())
	alice := dialClient(t, ts, time.Second)
	bob := dialClient(t, ts, 300*time.Millisecond)
	join(t, alice, "alice")
	join(t, bob, "bob")

	bob.NotifyTyping()
	waitFor(t, alice.Typing(), func(st protocol.TypingStatus) bool { return st.Name == "bob" && st.IsTyping })
	waitFor(t, alice.Typing(), func(st protocol.TypingStatus) bool { return st.Name == "bob" && !st.IsTyping })

	if st, ok := bob.Typing().Value(); ok {
		t.Errorf("typing client received its own status %+v", st)
	}
}

func TestEndToEnd_DisconnectWhileTyping(t *testing.T) {
	ts := newTestServer(t, DefaultServerConfig())
	alice := dialClient(t, ts, time.Second)
	bob := dialClient(t, ts, 5*time.Second)
	join(t, alice, "alice")
	join(t, bob, "bob")

	bob.NotifyTyping()
	waitFor(t, alice.Typing(), func(st protocol.TypingStatus) bool { return st.Name == "bob" && st.IsTyping })

	bob.Close()
	waitFor(t, alice.Typing(), func(st protocol.TypingStatus) bool { return st.Name == "bob" && !st.IsTyping })
}

// ---------------------------------------------------------------------------
// Calls over a raw channel
// ---------------------------------------------------------------------------

func decodeHistory(t *testing.T, raw json.RawMessage) []protocol.Message {
	t.Helper()
	msgs, ok, err := protocol.Decode[[]protocol.Message](raw)
	if err != nil || !ok {
		t.Fatalf("expected history ack, got %s (err=%v)", raw, err)
	}
	return msgs
}

func TestCreateMessage_RejectedAcksCurrentHistory(t *testing.T) {
	ts := newTestServer(t, DefaultServerConfig())
	tr := dialRaw(t, ts)

	// Not identified yet.
	if msgs := decodeHistory(t, call(t, tr, protocol.CallCreateMessage, protocol.CreateMessageRequest{Message: "hi"})); len(msgs) != 0 {
		t.Fatalf("expected empty history, got %+v", msgs)
	}

	call(t, tr, protocol.CallIdentity, protocol.IdentityRequest{Name: "alice"})
	decodeHistory(t, call(t, tr, protocol.CallCreateMessage, protocol.CreateMessageRequest{Message: "first"}))

	// Blank text leaves the history unchanged.
	msgs := decodeHistory(t, call(t, tr, protocol.CallCreateMessage, protocol.CreateMessageRequest{Message: "   "}))
	if len(msgs) != 1 || msgs[0].Text != "first" {
		t.Fatalf("unexpected history after rejected message: %+v", msgs)
	}
}

func TestCreateMessage_ModerationBlocks(t *testing.T) {
	ts := newTestServer(t, DefaultServerConfig(), func(o *RoomOptions) {
		o.Filter = moderation.NewFilterWithTerms([]string{"badword"})
	})
	tr := dialRaw(t, ts)
	call(t, tr, protocol.CallIdentity, protocol.IdentityRequest{Name: "alice"})

	if msgs := decodeHistory(t, call(t, tr, protocol.CallCreateMessage, protocol.CreateMessageRequest{Message: "you badword"})); len(msgs) != 0 {
		t.Fatalf("expected blocked message to be dropped, got %+v", msgs)
	}
	if msgs := decodeHistory(t, call(t, tr, protocol.CallCreateMessage, protocol.CreateMessageRequest{Message: "hello"})); len(msgs) != 1 {
		t.Fatalf("expected clean message to be stored, got %+v", msgs)
	}
}

func TestIdentity_InvalidNameAcksEmpty(t *testing.T) {
	ts := newTestServer(t, DefaultServerConfig())
	tr := dialRaw(t, ts)

	raw := call(t, tr, protocol.CallIdentity, protocol.IdentityRequest{Name: ""})
	if _, ok, _ := protocol.Decode[protocol.Identity](raw); ok {
		t.Fatalf("expected empty ack, got %s", raw)
	}

	raw = call(t, tr, protocol.CallIdentity, protocol.IdentityRequest{Name: "alice"})
	id, ok, err := protocol.Decode[protocol.Identity](raw)
	if err != nil || !ok || id.Name != "alice" || id.ID == "" {
		t.Fatalf("unexpected identity ack %s", raw)
	}

	// Re-claiming keeps the session id.
	raw = call(t, tr, protocol.CallIdentity, protocol.IdentityRequest{Name: "alicia"})
	again, _, _ := protocol.Decode[protocol.Identity](raw)
	if again.ID != id.ID || again.Name != "alicia" {
		t.Errorf("expected same id with new name, got %+v", again)
	}
}

func TestTyping_AcksTrue(t *testing.T) {
	ts := newTestServer(t, DefaultServerConfig())
	tr := dialRaw(t, ts)

	raw := call(t, tr, protocol.CallTyping, protocol.TypingRequest{IsTyping: true})
	if string(raw) != "true" {
		t.Errorf("expected true ack, got %s", raw)
	}
}

func TestUnknownCall_AcksEmpty(t *testing.T) {
	ts := newTestServer(t, DefaultServerConfig())
	tr := dialRaw(t, ts)

	if raw := call(t, tr, "nope", nil); len(raw) != 0 {
		t.Errorf("expected empty ack, got %s", raw)
	}
}

// ---------------------------------------------------------------------------
// Server plumbing
// ---------------------------------------------------------------------------

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, DefaultServerConfig())
	call(t, dialRaw(t, ts), protocol.CallFindAllMessage, nil)

	resp, err := http.Get(ts.http.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "ok" || body.Connections != 1 {
		t.Errorf("unexpected health %+v", body)
	}

	mresp, err := http.Get(ts.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	mresp.Body.Close()
	if mresp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from /metrics, got %d", mresp.StatusCode)
	}
}

func TestMaxConnections(t *testing.T) {
	config := DefaultServerConfig()
	config.MaxConnections = 1
	ts := newTestServer(t, config)
	call(t, dialRaw(t, ts), protocol.CallFindAllMessage, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if tr, err := channel.Dial(ctx, ts.url); err == nil {
		tr.Close()
		t.Fatal("expected second connection to be refused")
	}
}

func TestHeartbeat_EvictsSilentConnections(t *testing.T) {
	ts := newTestServer(t, DefaultServerConfig())
	tr := dialRaw(t, ts)
	call(t, tr, protocol.CallFindAllMessage, nil)

	hb := DefaultHeartbeatConfig()
	checkConnections(ts.srv, hb, time.Now())
	if n := ts.srv.Connections().Count(); n != 1 {
		t.Fatalf("expected live connection to survive, got %d", n)
	}

	checkConnections(ts.srv, hb, time.Now().Add(hb.Interval+hb.Timeout+time.Second))
	if n := ts.srv.Connections().Count(); n != 0 {
		t.Fatalf("expected silent connection to be evicted, got %d", n)
	}
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected evicted client to observe the close")
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	ts := newTestServer(t, DefaultServerConfig())
	tr := dialRaw(t, ts)
	call(t, tr, protocol.CallFindAllMessage, nil)

	if err := ts.srv.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected client to observe shutdown")
	}
	if n := ts.srv.Connections().Count(); n != 0 {
		t.Errorf("expected no connections, got %d", n)
	}
}

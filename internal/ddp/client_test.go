package ddp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const waitTimeout = 3 * time.Second

type clientFrame struct {
	Msg     string            `json:"msg"`
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Name    string            `json:"name"`
	Version string            `json:"version"`
	Params  []json.RawMessage `json:"params"`
}

type fakeServer struct {
	server      *httptest.Server
	frames      chan clientFrame
	rejectSubs  bool
	down        atomic.Bool
	rejectLogin atomic.Bool

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fake := &fakeServer{frames: make(chan clientFrame, 128)}
	fake.server = httptest.NewServer(http.HandlerFunc(fake.serve))
	t.Cleanup(fake.server.Close)
	return fake
}

func (s *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	if s.down.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	session := fmt.Sprintf("session-%d", len(s.conns))
	s.mu.Unlock()

	ctx := context.Background()
	for {
		var frame clientFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		select {
		case s.frames <- frame:
		default:
		}
		switch frame.Msg {
		case "connect":
			_ = wsjson.Write(ctx, conn, map[string]any{"server_id": "0"})
			_ = wsjson.Write(ctx, conn, map[string]any{"msg": "connected", "session": session})
		case "method":
			s.answer(ctx, conn, frame)
		case "sub":
			if s.rejectSubs {
				_ = wsjson.Write(ctx, conn, map[string]any{
					"msg":   "nosub",
					"id":    frame.ID,
					"error": map[string]any{"error": 404, "reason": "Subscription not found"},
				})
				continue
			}
			_ = wsjson.Write(ctx, conn, map[string]any{"msg": "ready", "subs": []string{frame.ID}})
		}
	}
}

func (s *fakeServer) answer(ctx context.Context, conn *websocket.Conn, frame clientFrame) {
	reply := map[string]any{"msg": "result", "id": frame.ID}
	switch frame.Method {
	case "login":
		if s.rejectLogin.Load() {
			reply["error"] = map[string]any{"error": 403, "reason": "You've been logged out by the server"}
			break
		}
		reply["result"] = map[string]any{"id": "u1", "token": "fresh-token"}
	case "echo":
		if len(frame.Params) > 0 {
			reply["result"] = frame.Params[0]
		}
	case "fail":
		reply["error"] = map[string]any{"error": 403, "reason": "not allowed"}
	case "hang":
		return
	}
	_ = wsjson.Write(ctx, conn, reply)
}

func (s *fakeServer) latest(t *testing.T) *websocket.Conn {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		t.Fatalf("no server connection")
	}
	return s.conns[len(s.conns)-1]
}

func (s *fakeServer) push(t *testing.T, frame any) {
	t.Helper()
	if err := wsjson.Write(context.Background(), s.latest(t), frame); err != nil {
		t.Fatalf("failed to push frame: %v", err)
	}
}

func (s *fakeServer) waitFrame(t *testing.T, match func(clientFrame) bool) clientFrame {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case frame := <-s.frames:
			if match(frame) {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for client frame")
		}
	}
}

func newTestClient(t *testing.T, server *fakeServer, cfg Config) *Client {
	t.Helper()
	cfg.URL = server.server.URL
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func recordEvents(client *Client, events ...string) map[string]chan json.RawMessage {
	channels := make(map[string]chan json.RawMessage, len(events))
	for _, event := range events {
		channel := make(chan json.RawMessage, 16)
		channels[event] = channel
		client.On(event, func(payload json.RawMessage) {
			channel <- payload
		})
	}
	return channels
}

func waitEvent(t *testing.T, channel chan json.RawMessage, name string) json.RawMessage {
	t.Helper()
	select {
	case payload := <-channel:
		return payload
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s event", name)
		return nil
	}
}

func TestConnectPerformsHandshakeAndResumesSession(t *testing.T) {
	server := newFakeServer(t)
	client := newTestClient(t, server, Config{ResumeToken: "resume-token"})
	events := recordEvents(client, EventConnected, EventLogged)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	connect := server.waitFrame(t, func(frame clientFrame) bool { return frame.Msg == "connect" })
	if connect.Version != "1" {
		t.Fatalf("unexpected protocol version %q", connect.Version)
	}
	login := server.waitFrame(t, func(frame clientFrame) bool { return frame.Method == "login" })
	if len(login.Params) != 1 || gjson.GetBytes(login.Params[0], "resume").String() != "resume-token" {
		t.Fatalf("unexpected login params %s", login.Params)
	}

	waitEvent(t, events[EventConnected], EventConnected)
	logged := waitEvent(t, events[EventLogged], EventLogged)
	if gjson.GetBytes(logged, "id").String() != "u1" {
		t.Fatalf("unexpected logged payload %s", logged)
	}
	if client.UserID() != "u1" || !client.LoggedIn() || client.State() != StateConnected {
		t.Fatalf("unexpected client state user=%q logged=%v state=%s", client.UserID(), client.LoggedIn(), client.State())
	}
}

func TestCallReturnsResultsAndServerErrors(t *testing.T) {
	server := newFakeServer(t)
	client := newTestClient(t, server, Config{})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	result, err := client.Call(context.Background(), "echo", map[string]int{"value": 7})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if gjson.GetBytes(result, "value").Int() != 7 {
		t.Fatalf("unexpected result %s", result)
	}

	_, err = client.Call(context.Background(), "fail")
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected server error, got %v", err)
	}
	if serverErr.Reason != "not allowed" || serverErr.Code != "403" {
		t.Fatalf("unexpected server error %+v", serverErr)
	}
}

func TestCallWithoutConnectionIsTransportError(t *testing.T) {
	server := newFakeServer(t)
	client := newTestClient(t, server, Config{})

	_, err := client.Call(context.Background(), "echo")
	var transportErr *rooms.TransportError
	if !errors.As(err, &transportErr) || !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected transport error, got %v", err)
	}
	if transportErr.Operation != "echo" {
		t.Fatalf("unexpected operation %q", transportErr.Operation)
	}
}

func TestCallTimesOut(t *testing.T) {
	server := newFakeServer(t)
	client := newTestClient(t, server, Config{CallTimeout: 50 * time.Millisecond})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	_, err := client.Call(context.Background(), "hang")
	var transportErr *rooms.TransportError
	if !errors.As(err, &transportErr) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline transport error, got %v", err)
	}
}

func TestSubscribeWaitsForReadyAndDispatchesCollection(t *testing.T) {
	server := newFakeServer(t)
	client := newTestClient(t, server, Config{})
	events := recordEvents(client, "stream-notify-user")
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if err := client.Subscribe(context.Background(), "stream-notify-user", "u1/rooms-changed", false); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	sub := server.waitFrame(t, func(frame clientFrame) bool { return frame.Msg == "sub" })
	if sub.Name != "stream-notify-user" || len(sub.Params) != 2 || string(sub.Params[0]) != `"u1/rooms-changed"` {
		t.Fatalf("unexpected sub frame %+v", sub)
	}

	if err := client.Subscribe(context.Background(), "stream-notify-user", "u1/rooms-changed", false); err != nil {
		t.Fatalf("duplicate subscribe failed: %v", err)
	}

	server.push(t, map[string]any{
		"msg":        "changed",
		"collection": "stream-notify-user",
		"id":         "id",
		"fields": map[string]any{
			"eventName": "u1/rooms-changed",
			"args":      []any{"updated", map[string]any{"_id": "r1", "name": "general"}},
		},
	})
	payload := waitEvent(t, events["stream-notify-user"], "stream-notify-user")
	if gjson.GetBytes(payload, "fields.args.1._id").String() != "r1" {
		t.Fatalf("unexpected collection payload %s", payload)
	}
}

func TestSubscribeRejectedIsServerError(t *testing.T) {
	server := newFakeServer(t)
	server.rejectSubs = true
	client := newTestClient(t, server, Config{})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	err := client.Subscribe(context.Background(), "missing-stream")
	var serverErr *ServerError
	if !errors.As(err, &serverErr) || serverErr.Reason != "Subscription not found" {
		t.Fatalf("expected nosub error, got %v", err)
	}

	err = client.Subscribe(context.Background(), "missing-stream")
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected rejected subscription to be retried, got %v", err)
	}
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	server := newFakeServer(t)
	client := newTestClient(t, server, Config{})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	server.push(t, map[string]any{"msg": "ping", "id": "p1"})
	pong := server.waitFrame(t, func(frame clientFrame) bool { return frame.Msg == "pong" })
	if pong.ID != "p1" {
		t.Fatalf("unexpected pong id %q", pong.ID)
	}
}

func TestConnectionLossEmitsDisconnectedAndReconnects(t *testing.T) {
	server := newFakeServer(t)
	client := newTestClient(t, server, Config{
		ResumeToken:        "resume-token",
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})
	events := recordEvents(client, EventDisconnected, EventLogged)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitEvent(t, events[EventLogged], EventLogged)
	if err := client.Subscribe(context.Background(), "stream-notify-user", "u1/subscriptions-changed", false); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	first := server.waitFrame(t, func(frame clientFrame) bool { return frame.Msg == "sub" })

	callErr := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "hang")
		callErr <- err
	}()
	server.waitFrame(t, func(frame clientFrame) bool { return frame.Method == "hang" })

	dropped := server.latest(t)
	go func() {
		_ = dropped.Close(websocket.StatusGoingAway, "restart")
	}()

	select {
	case err := <-callErr:
		var transportErr *rooms.TransportError
		if !errors.As(err, &transportErr) {
			t.Fatalf("expected pending call to fail with transport error, got %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("pending call was not failed")
	}

	disconnected := waitEvent(t, events[EventDisconnected], EventDisconnected)
	if gjson.GetBytes(disconnected, "reason").String() == "" {
		t.Fatalf("expected disconnect reason, got %s", disconnected)
	}
	waitEvent(t, events[EventLogged], EventLogged)

	replayed := server.waitFrame(t, func(frame clientFrame) bool { return frame.Msg == "sub" })
	if replayed.ID != first.ID || replayed.Name != first.Name {
		t.Fatalf("expected subscription replay, got %+v", replayed)
	}
}

func TestConnectWithRetryKeepsTryingWhileServerIsDown(t *testing.T) {
	server := newFakeServer(t)
	server.down.Store(true)
	client := newTestClient(t, server, Config{
		ResumeToken:        "resume-token",
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
	})
	events := recordEvents(client, EventDisconnected, EventLogged)

	err := client.ConnectWithRetry(context.Background())
	var transportErr *rooms.TransportError
	if !errors.As(err, &transportErr) || transportErr.Operation != "connect" {
		t.Fatalf("expected connect transport error, got %v", err)
	}
	waitEvent(t, events[EventDisconnected], EventDisconnected)

	server.down.Store(false)
	waitEvent(t, events[EventLogged], EventLogged)
	if !client.LoggedIn() || client.State() != StateConnected {
		t.Fatalf("expected a resumed session, got logged=%v state=%s", client.LoggedIn(), client.State())
	}
}

func TestConnectWithRetryAbandonsSessionWhenLoginFails(t *testing.T) {
	server := newFakeServer(t)
	server.rejectLogin.Store(true)
	client := newTestClient(t, server, Config{
		ResumeToken:        "resume-token",
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
	})
	events := recordEvents(client, EventDisconnected, EventLogged)

	err := client.ConnectWithRetry(context.Background())
	var serverErr *ServerError
	if !errors.As(err, &serverErr) || serverErr.Code != "403" {
		t.Fatalf("expected login server error, got %v", err)
	}
	waitEvent(t, events[EventDisconnected], EventDisconnected)

	server.rejectLogin.Store(false)
	waitEvent(t, events[EventLogged], EventLogged)
	if client.UserID() != "u1" {
		t.Fatalf("expected login after retry, got user %q", client.UserID())
	}
}

func TestConnectWithRetryWithoutAutoReconnectOnlyReportsError(t *testing.T) {
	server := newFakeServer(t)
	server.down.Store(true)
	client := newTestClient(t, server, Config{})
	events := recordEvents(client, EventDisconnected)

	if err := client.ConnectWithRetry(context.Background()); err == nil {
		t.Fatalf("expected connect error")
	}
	select {
	case <-events[EventDisconnected]:
		t.Fatalf("client without reconnect must not report a disconnect")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResubscribeSkipsSubscriptionsAwaitingReady(t *testing.T) {
	server := newFakeServer(t)
	client := newTestClient(t, server, Config{})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	client.mu.Lock()
	client.subs["awaiting"] = &subscription{id: "awaiting", key: "a", name: "stream-notify-user", params: []any{"u1/rooms-changed", false}}
	client.subs["known"] = &subscription{id: "known", key: "k", name: "stream-notify-user", params: []any{"u1/subscriptions-changed", false}}
	client.mu.Unlock()
	client.pendingMu.Lock()
	client.pendingSub["awaiting"] = make(chan error, 1)
	client.pendingMu.Unlock()

	client.resubscribe(context.Background(), client.currentConn())
	if err := client.Subscribe(context.Background(), "stream-notify-room", "r1/typing", false); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	var seen []string
	for {
		frame := server.waitFrame(t, func(frame clientFrame) bool { return frame.Msg == "sub" })
		seen = append(seen, frame.ID)
		if frame.Name == "stream-notify-room" {
			break
		}
	}
	if len(seen) != 2 || seen[0] != "known" {
		t.Fatalf("expected only the known subscription to be replayed before the new one, got %v", seen)
	}
}

func TestCloseStopsClient(t *testing.T) {
	server := newFakeServer(t)
	client := newTestClient(t, server, Config{AutoReconnect: true})
	events := recordEvents(client, EventDisconnected)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := client.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	select {
	case <-events[EventDisconnected]:
		t.Fatalf("close must not emit disconnected")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"https://chat.example.com":          "wss://chat.example.com/websocket",
		"http://localhost:3000/":            "ws://localhost:3000/websocket",
		"wss://chat.example.com/custom/ddp": "wss://chat.example.com/custom/ddp",
	}
	for input, expected := range cases {
		got, err := websocketURL(input)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", input, err)
		}
		if got != expected {
			t.Fatalf("websocketURL(%q) = %q, want %q", input, got, expected)
		}
	}
	for _, input := range []string{"ftp://chat.example.com", "https://", "::"} {
		if _, err := websocketURL(input); err == nil {
			t.Fatalf("expected error for %q", input)
		}
	}
}

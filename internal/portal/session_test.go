// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package portal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testServer speaks just enough Phoenix protocol to drive Session
// through a join and a single pushed event.
type testServer struct {
	upgrader websocket.Upgrader
	srv      *httptest.Server
	conn     chan *websocket.Conn
	rejectJoin bool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{conn: make(chan *websocket.Conn, 1)}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		ts.conn <- conn
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	u, _ := url.Parse(ts.srv.URL)
	u.Scheme = "ws"
	return u.String()
}

// acceptJoinAndReply reads the client's phx_join frame and replies
// ok or error per ts.rejectJoin.
func (ts *testServer) acceptJoinAndReply(t *testing.T) *websocket.Conn {
	t.Helper()
	var conn *websocket.Conn
	select {
	case conn = <-ts.conn:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client connection")
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read join frame: %v", err)
	}
	var env envelope
	if err := env.UnmarshalJSON(raw); err != nil {
		t.Fatalf("unmarshal join frame: %v", err)
	}
	if env.Event != eventPhxJoin {
		t.Fatalf("expected phx_join, got %q", env.Event)
	}

	status := replyStatusOK
	if ts.rejectJoin {
		status = replyStatusError
	}
	reply := envelope{
		JoinRef: env.JoinRef,
		Ref:     env.Ref,
		Topic:   channelTopic,
		Event:   eventPhxReply,
		Payload: mustJSON(t, map[string]any{"status": status, "response": map[string]any{}}),
	}
	b, err := reply.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal reply: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write reply: %v", err)
	}
	return conn
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestSessionConnectJoinsChannel(t *testing.T) {
	ts := newTestServer(t)

	sess := NewSession(NewDefaultDialer(), ts.wsURL(), "test-token", nil)
	done := make(chan error, 1)
	go func() { done <- sess.Connect(context.Background()) }()

	ts.acceptJoinAndReply(t)

	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestSessionConnectPropagatesJoinRejection(t *testing.T) {
	ts := newTestServer(t)
	ts.rejectJoin = true

	sess := NewSession(NewDefaultDialer(), ts.wsURL(), "bad-token", nil)
	done := make(chan error, 1)
	go func() { done <- sess.Connect(context.Background()) }()

	ts.acceptJoinAndReply(t)

	err := <-done
	if err == nil {
		t.Fatalf("expected join rejection to surface as an error")
	}
	if !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("expected a rejection error, got %v", err)
	}
}

func TestSessionReadEventDecodesInit(t *testing.T) {
	ts := newTestServer(t)

	sess := NewSession(NewDefaultDialer(), ts.wsURL(), "test-token", nil)
	done := make(chan error, 1)
	go func() { done <- sess.Connect(context.Background()) }()

	serverConn := ts.acceptJoinAndReply(t)
	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}

	initPayload := Init{
		Interface: InterfaceConfig{},
		Resources: []ResourceDescription{{ID: "res-1", Name: "db"}},
	}
	env := envelope{
		Ref:     strPtr("0"),
		Topic:   channelTopic,
		Event:   eventInit,
		Payload: mustJSON(t, initPayload),
	}
	b, err := env.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal init envelope: %v", err)
	}
	if err := serverConn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write init: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := sess.ReadEvent(ctx)
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if ev.Kind != EventInit {
		t.Fatalf("expected EventInit, got %v", ev.Kind)
	}
	if len(ev.Init.Resources) != 1 || ev.Init.Resources[0].ID != "res-1" {
		t.Fatalf("unexpected init payload: %+v", ev.Init)
	}
}

func TestSessionPushCreateFlowSendsExpectedFrame(t *testing.T) {
	ts := newTestServer(t)

	sess := NewSession(NewDefaultDialer(), ts.wsURL(), "test-token", nil)
	done := make(chan error, 1)
	go func() { done <- sess.Connect(context.Background()) }()

	serverConn := ts.acceptJoinAndReply(t)
	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := sess.PushCreateFlow(CreateFlow{ResourceID: "res-1"}); err != nil {
		t.Fatalf("PushCreateFlow: %v", err)
	}

	_, raw, err := serverConn.ReadMessage()
	if err != nil {
		t.Fatalf("read pushed frame: %v", err)
	}
	var env envelope
	if err := env.UnmarshalJSON(raw); err != nil {
		t.Fatalf("unmarshal pushed frame: %v", err)
	}
	if env.Event != eventCreateFlow {
		t.Fatalf("expected create_flow event, got %q", env.Event)
	}
	var payload CreateFlow
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshal create_flow payload: %v", err)
	}
	if payload.ResourceID != "res-1" {
		t.Fatalf("unexpected resource id: %q", payload.ResourceID)
	}
}

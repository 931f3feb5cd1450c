package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/lanedeck/internal/envelope"
)

func wsURL(baseURL, path string) string {
	if strings.HasPrefix(baseURL, "https://") {
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + path
	}
	return "ws://" + strings.TrimPrefix(baseURL, "http://") + path
}

func dialEvents(t *testing.T, baseURL, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(baseURL, path), nil)
	if err != nil {
		if resp != nil {
			t.Fatalf("dial failed: %v (status %d)", err, resp.StatusCode)
		}
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	msg := readWS(t, conn)
	if msg.Type != "status" || msg.Event != "connected" {
		t.Fatalf("expected connected status, got %+v", msg)
	}
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) wsServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg wsServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

// readUntil reads messages until one matches or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wsServerMessage) bool) wsServerMessage {
	t.Helper()
	for i := 0; i < 100; i++ {
		msg := readWS(t, conn)
		if match(msg) {
			return msg
		}
	}
	t.Fatal("no matching message")
	return wsServerMessage{}
}

func TestWSEndpointUnauthorized(t *testing.T) {
	srv := newTestServer(t, Config{Token: "secret-token"})
	testServer := httptest.NewServer(srv.Handler())
	defer testServer.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(testServer.URL, "/ws/events"), nil)
	if err == nil {
		t.Fatal("expected websocket dial error for unauthorized request")
	}
	if resp == nil {
		t.Fatal("expected HTTP response for unauthorized websocket upgrade")
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestWSEndpointRejectsForeignOrigin(t *testing.T) {
	srv := newTestServer(t, Config{})
	testServer := httptest.NewServer(srv.Handler())
	defer testServer.Close()

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(testServer.URL, "/ws/events"), header)
	if err == nil {
		t.Fatal("expected dial error for foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected status %d, got %+v", http.StatusForbidden, resp)
	}
}

func TestWSPingPong(t *testing.T) {
	srv := newTestServer(t, Config{Token: "secret-token"})
	testServer := httptest.NewServer(srv.Handler())
	defer testServer.Close()

	conn := dialEvents(t, testServer.URL, "/ws/events?token=secret-token")
	if err := conn.WriteJSON(wsClientMessage{Type: "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readWS(t, conn)
	if msg.Type != "status" || msg.Event != "pong" {
		t.Fatalf("expected pong, got %+v", msg)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg = readWS(t, conn)
	if msg.Type != "error" || msg.Code != "INVALID_MESSAGE" {
		t.Fatalf("expected INVALID_MESSAGE, got %+v", msg)
	}
}

func TestWSRequestAndEventTap(t *testing.T) {
	srv := newTestServer(t, Config{})
	testServer := httptest.NewServer(srv.Handler())
	defer testServer.Close()

	conn := dialEvents(t, testServer.URL, "/ws/events?prefix=lane.")
	cmd := envelope.NewFactory().Command(envelope.MethodLaneCreate,
		envelope.Context{WorkspaceID: "W", CorrelationID: "ws-1"},
		map[string]any{"lane_id": "L1"})
	if err := conn.WriteJSON(wsClientMessage{Type: "request", Envelope: &cmd}); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp := readUntil(t, conn, func(m wsServerMessage) bool { return m.Type == "response" })
	if resp.Envelope == nil || resp.Envelope.Status != envelope.StatusOK {
		t.Fatalf("expected ok response, got %+v", resp.Envelope)
	}
	if resp.Envelope.ReplyTo != cmd.ID {
		t.Fatalf("expected reply_to %s, got %s", cmd.ID, resp.Envelope.ReplyTo)
	}

	conn2 := dialEvents(t, testServer.URL, "/ws/events?prefix=lane.created&since=0")

	other := envelope.NewFactory().Command(envelope.MethodLaneCreate,
		envelope.Context{WorkspaceID: "W", CorrelationID: "ws-2"},
		map[string]any{"lane_id": "L2"})
	if err := conn.WriteJSON(wsClientMessage{Type: "request", Envelope: &other}); err != nil {
		t.Fatalf("write: %v", err)
	}
	created := readUntil(t, conn2, func(m wsServerMessage) bool { return m.Type == "event" })
	if created.Envelope.Topic != envelope.TopicLaneCreated || created.Envelope.LaneID != "L2" {
		t.Fatalf("expected lane.created for L2, got %+v", created.Envelope)
	}
}

func TestWSReplaysSince(t *testing.T) {
	srv := newTestServer(t, Config{})
	testServer := httptest.NewServer(srv.Handler())
	defer testServer.Close()

	cmd := envelope.NewFactory().Command(envelope.MethodLaneCreate,
		envelope.Context{WorkspaceID: "W", CorrelationID: "c-1"},
		map[string]any{"lane_id": "L1"})
	if _, err := srv.bus.Request(t.Context(), cmd); err != nil {
		t.Fatalf("request: %v", err)
	}

	conn := dialEvents(t, testServer.URL, "/ws/events?since=1")
	msg := readWS(t, conn)
	if msg.Type != "event" || msg.Envelope.Sequence != 2 {
		t.Fatalf("expected replay from sequence 2, got %+v", msg)
	}
}

func TestWSRequestReadOnly(t *testing.T) {
	srv := newTestServer(t, Config{ReadOnly: true})
	testServer := httptest.NewServer(srv.Handler())
	defer testServer.Close()

	conn := dialEvents(t, testServer.URL, "/ws/events")
	cmd := envelope.NewFactory().Command(envelope.MethodRuntimeSnapshot, envelope.Context{}, map[string]any{})
	if err := conn.WriteJSON(wsClientMessage{Type: "request", Envelope: &cmd}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readWS(t, conn)
	if msg.Type != "error" || msg.Code != "READ_ONLY" {
		t.Fatalf("expected READ_ONLY, got %+v", msg)
	}
}

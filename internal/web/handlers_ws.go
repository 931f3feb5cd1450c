package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/lanedeck/internal/bus"
	"github.com/asheshgoplani/lanedeck/internal/envelope"
	"github.com/asheshgoplani/lanedeck/internal/errcode"
)

type wsClientMessage struct {
	Type     string             `json:"type"` // ping, request
	Envelope *envelope.Envelope `json:"envelope,omitempty"`
}

type wsServerMessage struct {
	Type     string             `json:"type"` // status, event, response, error
	Event    string             `json:"event,omitempty"`
	Code     string             `json:"code,omitempty"`
	Message  string             `json:"message,omitempty"`
	Prefix   string             `json:"prefix,omitempty"`
	ReadOnly bool               `json:"readOnly,omitempty"`
	Dropped  int64              `json:"dropped,omitempty"`
	Envelope *envelope.Envelope `json:"envelope,omitempty"`
	Time     time.Time          `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}

	return strings.EqualFold(originURL.Host, r.Host)
}

type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

// handleEventsWS taps the bus for ?prefix= topics and accepts commands on
// the same socket.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	since, ok := parseSince(w, r)
	if !ok {
		return
	}
	prefix := r.URL.Query().Get("prefix")

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(prefix)
	defer s.bus.Unsubscribe(sub)

	writer := newWSConnWriter(conn)
	_ = writer.WriteJSON(wsServerMessage{
		Type:     "status",
		Event:    "connected",
		Prefix:   prefix,
		ReadOnly: s.cfg.ReadOnly,
		Time:     time.Now().UTC(),
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var pump sync.WaitGroup
	pump.Add(1)
	go func() {
		defer pump.Done()
		// unblocks ReadMessage when the server shuts down
		defer conn.Close()
		defer cancel()
		s.pumpEvents(ctx, writer, sub, prefix, since)
	}()
	defer pump.Wait()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) && ctx.Err() == nil {
				webLog.Warn("websocket_closed_unexpectedly",
					slog.String("prefix", prefix),
					slog.String("error", err.Error()))
			}
			cancel()
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = writer.WriteJSON(wsError("INVALID_MESSAGE", "invalid json payload"))
			continue
		}

		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(wsServerMessage{
				Type:  "status",
				Event: "pong",
				Time:  time.Now().UTC(),
			})
		case "request":
			s.wsRequest(ctx, writer, msg)
		default:
			_ = writer.WriteJSON(wsError("INVALID_MESSAGE", "unsupported message type"))
		}
	}
}

func (s *Server) pumpEvents(ctx context.Context, writer *wsConnWriter, sub *bus.Subscription, prefix string, since uint64) {
	last := since
	send := func(e envelope.Envelope) error {
		if e.Sequence <= last {
			return nil
		}
		last = e.Sequence
		return writer.WriteJSON(wsServerMessage{Type: "event", Envelope: &e})
	}
	if since > 0 {
		for _, e := range s.bus.Events(since) {
			if !strings.HasPrefix(string(e.Topic), prefix) {
				continue
			}
			if err := send(e); err != nil {
				return
			}
		}
	}

	var seen int64
	for {
		select {
		case <-ctx.Done():
			return
		case e, open := <-sub.C():
			if !open {
				return
			}
			if err := send(e); err != nil {
				return
			}
			if n, ok := droppedNotice(sub, &seen); ok {
				_ = writer.WriteJSON(wsServerMessage{
					Type:    "status",
					Event:   "dropped",
					Dropped: n,
					Time:    time.Now().UTC(),
				})
			}
		}
	}
}

func (s *Server) wsRequest(ctx context.Context, writer *wsConnWriter, msg wsClientMessage) {
	if s.cfg.ReadOnly {
		_ = writer.WriteJSON(wsError("READ_ONLY", "commands are disabled in read-only mode"))
		return
	}
	if msg.Envelope == nil {
		_ = writer.WriteJSON(wsError(string(errcode.MalformedEnvelope), "envelope is required"))
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	resp, err := s.bus.Request(reqCtx, *msg.Envelope)
	if err != nil {
		ce := errcode.From(err)
		_ = writer.WriteJSON(wsError(string(ce.Code), ce.Message))
		return
	}
	_ = writer.WriteJSON(wsServerMessage{Type: "response", Envelope: &resp})
}

func wsError(code, message string) wsServerMessage {
	return wsServerMessage{
		Type:    "error",
		Code:    code,
		Message: message,
		Time:    time.Now().UTC(),
	}
}

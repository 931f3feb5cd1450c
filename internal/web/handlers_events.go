package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/asheshgoplani/lanedeck/internal/bus"
	"github.com/asheshgoplani/lanedeck/internal/envelope"
)

var eventStreamHeartbeatInterval = 15 * time.Second

// handleEventStream replays events after ?since= and then follows the bus.
// The subscription is taken before the replay so nothing published in
// between is lost; the sequence watermark drops the overlap.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}
	since, ok := parseSince(w, r)
	if !ok {
		return
	}
	prefix := r.URL.Query().Get("prefix")

	sub := s.bus.Subscribe(prefix)
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	last := since
	send := func(e envelope.Envelope) error {
		if e.Sequence <= last {
			return nil
		}
		last = e.Sequence
		return writeSSEEvent(w, flusher, string(e.Topic), e)
	}
	for _, e := range s.bus.Events(since) {
		if !strings.HasPrefix(string(e.Topic), prefix) {
			continue
		}
		if err := send(e); err != nil {
			return
		}
	}

	heartbeat := time.NewTicker(eventStreamHeartbeatInterval)
	defer heartbeat.Stop()

	var seen int64

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := writeSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		case e, open := <-sub.C():
			if !open {
				return
			}
			if err := send(e); err != nil {
				return
			}
			if n, ok := droppedNotice(sub, &seen); ok {
				if err := writeSSEComment(w, flusher, fmt.Sprintf("dropped %d", n)); err != nil {
					return
				}
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// droppedNotice reports subscriber drops once per increase.
func droppedNotice(sub *bus.Subscription, seen *int64) (int64, bool) {
	n := sub.Dropped()
	if n <= *seen {
		return 0, false
	}
	*seen = n
	return n, true
}

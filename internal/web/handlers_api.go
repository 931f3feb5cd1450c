package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/asheshgoplani/lanedeck/internal/audit"
	"github.com/asheshgoplani/lanedeck/internal/envelope"
	"github.com/asheshgoplani/lanedeck/internal/errcode"
	"github.com/asheshgoplani/lanedeck/internal/logging"
)

const maxRequestBody = 1 << 20

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ReadOnly {
		writeAPIError(w, http.StatusForbidden, "READ_ONLY", "commands are disabled in read-only mode")
		return
	}

	var cmd envelope.Envelope
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&cmd); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAPIError(w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE", "request body too large")
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": errcode.New(errcode.MalformedEnvelope, "invalid JSON: %v", err),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	resp, err := s.bus.Request(ctx, cmd)
	if err != nil {
		ce := errcode.From(err)
		webLog.Debug("request_rejected",
			slog.String("code", string(ce.Code)),
			slog.String("method", string(cmd.Method)))
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": ce})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since, ok := parseSince(w, r)
	if !ok {
		return
	}
	prefix := r.URL.Query().Get("prefix")

	events := s.bus.Events(since)
	if prefix != "" {
		kept := events[:0]
		for _, e := range events {
			if strings.HasPrefix(string(e.Topic), prefix) {
				kept = append(kept, e)
			}
		}
		events = kept
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":        events,
		"last_sequence": s.bus.LastSequence(),
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	sink := s.bus.Audit()
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	if raw == "" {
		rows := sink.Export()
		writeJSON(w, http.StatusOK, map[string]any{"records": rows, "count": len(rows)})
		return
	}

	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "since must be an RFC3339 timestamp")
		return
	}
	records, err := sink.ReplayDurable(r.Context(), since)
	if err != nil {
		webLog.Error("audit_replay_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to replay audit log")
		return
	}
	rows := audit.ExportRecords(records, sink.Redactor())
	writeJSON(w, http.StatusOK, map[string]any{"records": rows, "count": len(rows)})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":                s.rt.State(),
		"subscribers":          s.bus.SubscriberCount(),
		"best_effort_failures": s.bus.BestEffortFailures(),
		"audit_records":        s.bus.Audit().Len(),
		"audit_store_errors":   s.bus.Audit().StoreErrors(),
		"pending_summaries":    logging.AggregatePending(),
	})
}

func parseSince(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "since must be a sequence number")
		return 0, false
	}
	return n, true
}

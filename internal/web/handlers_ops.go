package web

import (
	"net/http"

	"github.com/asheshgoplani/lanedeck/internal/recovery"
)

// DriftChecker is the watchdog surface behind /api/drift.
type DriftChecker interface {
	Check() recovery.Report
	Last() recovery.Report
}

func (s *Server) handleOrphans(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ReadOnly {
		writeAPIError(w, http.StatusForbidden, "READ_ONLY", "reconciliation is disabled in read-only mode")
		return
	}
	sum := s.rt.PTYs().ReconcileOrphans(r.Context())
	writeJSON(w, http.StatusOK, sum)
}

// handleDrift returns the last watchdog report; ?fresh=1 runs a scan first.
func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Watchdog == nil {
		writeAPIError(w, http.StatusNotFound, "WATCHDOG_DISABLED", "no watchdog configured")
		return
	}
	var rep recovery.Report
	if r.URL.Query().Get("fresh") != "" {
		rep = s.cfg.Watchdog.Check()
	} else {
		rep = s.cfg.Watchdog.Last()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checked_at": rep.CheckedAt,
		"findings":   rep.Findings,
		"reconcile":  rep.Count(recovery.ActionReconcile),
		"reattach":   rep.Count(recovery.ActionReattach),
		"cleanup":    rep.Count(recovery.ActionCleanup),
	})
}

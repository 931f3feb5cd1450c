package control

import (
	"context"
	"log/slog"

	"github.com/asheshgoplani/lanedeck/internal/envelope"
	"github.com/asheshgoplani/lanedeck/internal/errcode"
	"github.com/asheshgoplani/lanedeck/internal/lane"
	"github.com/asheshgoplani/lanedeck/internal/session"
)

// sessionFor loads the command's session and checks it belongs to the
// command's lane.
func (r *Runtime) sessionFor(cmd envelope.Envelope) (session.Record, error) {
	if _, err := r.laneFor(cmd); err != nil {
		return session.Record{}, err
	}
	rec, err := r.sess.Get(cmd.SessionID)
	if err != nil {
		return session.Record{}, err
	}
	if rec.LaneID != cmd.LaneID {
		return session.Record{}, errcode.New(errcode.SessionNotFound, "session %s not in lane %s", cmd.SessionID, cmd.LaneID).
			WithDetail("session_id", cmd.SessionID).
			WithDetail("lane_id", cmd.LaneID)
	}
	return rec, nil
}

func sessionContext(cmd envelope.Envelope, sessionID, cid string) envelope.Context {
	return envelope.Context{
		WorkspaceID:   cmd.WorkspaceID,
		LaneID:        cmd.LaneID,
		SessionID:     sessionID,
		CorrelationID: cid,
	}
}

func (r *Runtime) sessionAttach(_ context.Context, cmd envelope.Envelope, p envelope.Payload) (map[string]any, error) {
	pl := p.(*envelope.SessionAttach)
	laneCtx := sessionContext(cmd, "", cmd.CorrelationID)

	if err := r.begin(envelope.TopicSessionAttachStarted, laneCtx, map[string]any{
		"transport":           pl.Transport,
		"provider_session_id": pl.ProviderSessionID,
		"restore":             pl.Restore,
	}); err != nil {
		return nil, err
	}
	failed := func(err error) (map[string]any, error) {
		return nil, r.fail(envelope.TopicSessionAttachFailed, laneCtx, err, nil)
	}

	if pl.ForceError {
		return failed(errcode.New(errcode.ForcedFailure, "session.attach failed on request"))
	}
	lrec, err := r.laneFor(cmd)
	if err != nil {
		return failed(err)
	}
	if lrec.State == lane.StateClosed || lrec.State == lane.StateCleaning {
		return failed(errcode.New(errcode.LaneNotReady, "lane %s is %s", lrec.ID, lrec.State).
			WithDetail("lane_id", lrec.ID).
			WithDetail("state", string(lrec.State)))
	}

	rec, created, err := r.sess.Ensure(lrec.ID, session.Transport(pl.Transport), pl.ProviderSessionID)
	if err != nil {
		return failed(err)
	}

	restored := false
	switch {
	case pl.Restore:
		if rec, err = r.restoreSession(cmd, rec); err != nil {
			return failed(err)
		}
		restored = true
	case rec.Status != session.StatusAttached:
		for _, to := range []session.Status{session.StatusAttaching, session.StatusAttached} {
			next, err := r.sess.Transition(rec.ID, to)
			if err != nil {
				return failed(err)
			}
			rec = next
		}
	}

	if err := r.lanes.SetActiveSession(lrec.ID, rec.ID); err != nil {
		return failed(err)
	}
	r.bus.Emit(envelope.TopicSessionAttached, sessionContext(cmd, rec.ID, cmd.CorrelationID), map[string]any{
		"session_id":          rec.ID,
		"transport":           string(rec.Transport),
		"provider_session_id": rec.ProviderSessionID,
		"created":             created,
		"restored":            restored,
	})
	return map[string]any{
		"session_id": rec.ID,
		"created":    created,
		"restored":   restored,
		"session":    asMap(rec),
		"state":      asMap(r.State()),
	}, nil
}

// restoreSession runs the nested restore lifecycle under "<cid>:restore" and
// records its latency.
func (r *Runtime) restoreSession(cmd envelope.Envelope, rec session.Record) (session.Record, error) {
	start := r.now()
	ctx := sessionContext(cmd, rec.ID, cmd.CorrelationID+":restore")
	if err := r.begin(envelope.TopicSessionRestoreStarted, ctx, map[string]any{
		"session_id": rec.ID,
		"from":       string(rec.Status),
	}); err != nil {
		return rec, err
	}

	out := rec
	var err error
	for _, to := range []session.Status{session.StatusRestoring, session.StatusAttached} {
		if out, err = r.sess.Transition(rec.ID, to); err != nil {
			break
		}
	}
	elapsed := r.now().Sub(start)
	r.bus.RecordRestoreLatency(elapsed, err != nil)
	if err != nil {
		return rec, r.fail(envelope.TopicSessionRestoreFailed, ctx, err, map[string]any{"session_id": rec.ID})
	}
	r.bus.Emit(envelope.TopicSessionRestoreCompleted, ctx, map[string]any{
		"session_id": rec.ID,
		"ms":         float64(elapsed.Microseconds()) / 1000,
	})
	return out, nil
}

func (r *Runtime) sessionDetach(_ context.Context, cmd envelope.Envelope, p envelope.Payload) (map[string]any, error) {
	pl := p.(*envelope.SessionDetach)
	rec, err := r.sessionFor(cmd)
	if err != nil {
		return nil, err
	}
	changed := rec.Status != session.StatusDetached
	if changed {
		if rec, err = r.sess.Transition(rec.ID, session.StatusDetached); err != nil {
			return nil, err
		}
		r.bus.Emit(envelope.TopicSessionDetached, sessionContext(cmd, rec.ID, ""), map[string]any{
			"session_id": rec.ID,
			"reason":     pl.Reason,
		})
	}
	return map[string]any{
		"session_id": rec.ID,
		"changed":    changed,
		"session":    asMap(rec),
	}, nil
}

func (r *Runtime) sessionTerminate(ctx context.Context, cmd envelope.Envelope, p envelope.Payload) (map[string]any, error) {
	pl := p.(*envelope.SessionTerminate)
	if _, err := r.sessionFor(cmd); err != nil {
		return nil, err
	}
	rec, changed, err := r.sess.Terminate(cmd.SessionID)
	if err != nil {
		return nil, err
	}
	result := map[string]any{
		"session_id": rec.ID,
		"changed":    changed,
	}
	if !changed {
		result["terminals_removed"] = 0
		result["ptys_terminated"] = 0
		return result, nil
	}

	stopped := r.ptys.TerminateSession(ctx, rec.ID, "session_terminated")
	removed := r.terms.RemoveBySession(rec.ID)
	for _, t := range removed {
		if err := r.lanes.RemoveTerminal(t.LaneID, t.ID); err != nil {
			ctlLog.Debug("lane_terminal_unlink_failed",
				slog.String("lane_id", t.LaneID),
				slog.String("terminal_id", t.ID),
				slog.String("error", err.Error()))
		}
		r.bus.Emit(envelope.TopicTerminalClosed, terminalContext(t, ""), map[string]any{
			"terminal_id": t.ID,
			"reason":      "session_terminated",
		})
	}
	if lrec, err := r.lanes.Get(rec.LaneID); err == nil && lrec.ActiveSessionID == rec.ID {
		_ = r.lanes.SetActiveSession(rec.LaneID, "")
	}

	r.bus.Emit(envelope.TopicSessionTerminated, sessionContext(cmd, rec.ID, ""), map[string]any{
		"session_id":        rec.ID,
		"reason":            pl.Reason,
		"terminals_removed": len(removed),
		"ptys_terminated":   stopped,
	})
	result["terminals_removed"] = len(removed)
	result["ptys_terminated"] = stopped
	result["session"] = asMap(rec)
	return result, nil
}

func (r *Runtime) sessionHeartbeat(_ context.Context, cmd envelope.Envelope, _ envelope.Payload) (map[string]any, error) {
	if _, err := r.sessionFor(cmd); err != nil {
		return nil, err
	}
	rec, err := r.sess.Heartbeat(cmd.SessionID)
	if err != nil {
		return nil, err
	}
	n := r.ptys.HeartbeatSession(rec.ID)
	return map[string]any{
		"session_id":     rec.ID,
		"last_heartbeat": envelope.Timestamp(rec.LastHeartbeat),
		"ptys":           n,
	}, nil
}

package control

import (
	"context"
	"log/slog"

	"github.com/asheshgoplani/lanedeck/internal/envelope"
	"github.com/asheshgoplani/lanedeck/internal/errcode"
	"github.com/asheshgoplani/lanedeck/internal/pty"
	"github.com/asheshgoplani/lanedeck/internal/session"
	"github.com/asheshgoplani/lanedeck/internal/terminal"
)

func ownerOf(cmd envelope.Envelope) terminal.Owner {
	return terminal.Owner{
		WorkspaceID: cmd.WorkspaceID,
		LaneID:      cmd.LaneID,
		SessionID:   cmd.SessionID,
	}
}

// ownedTerminal enforces exact ownership of the command terminal.
func (r *Runtime) ownedTerminal(cmd envelope.Envelope) (terminal.Record, error) {
	if err := r.terms.CheckOwner(cmd.TerminalID, ownerOf(cmd)); err != nil {
		return terminal.Record{}, err
	}
	return r.terms.Get(cmd.TerminalID)
}

func terminalClosed(rec terminal.Record, op string) error {
	return errcode.New(errcode.InvalidTransition, "terminal %s is closed", rec.ID).
		WithDetail("terminal_id", rec.ID).
		WithDetail("operation", op)
}

func (r *Runtime) terminalSpawn(ctx context.Context, cmd envelope.Envelope, p envelope.Payload) (map[string]any, error) {
	pl := p.(*envelope.TerminalSpawn)
	// The lifecycle topics carry the terminal id, so it is minted before
	// the started event.
	if cmd.TerminalID == "" {
		cmd.TerminalID = r.ids.NewID("term")
	}
	evCtx := envelope.Context{
		WorkspaceID:   cmd.WorkspaceID,
		LaneID:        cmd.LaneID,
		SessionID:     cmd.SessionID,
		TerminalID:    cmd.TerminalID,
		CorrelationID: cmd.CorrelationID,
	}
	if err := r.begin(envelope.TopicTerminalSpawnStarted, evCtx, map[string]any{
		"title":   pl.Title,
		"command": pl.Command,
	}); err != nil {
		return nil, err
	}
	failed := func(err error) (map[string]any, error) {
		return nil, r.fail(envelope.TopicTerminalSpawnFailed, evCtx, err, nil)
	}

	if pl.ForceError {
		return failed(errcode.New(errcode.ForcedFailure, "terminal.spawn failed on request"))
	}
	srec, err := r.sessionFor(cmd)
	if err != nil {
		return failed(err)
	}
	if srec.Status == session.StatusTerminated {
		return failed(errcode.New(errcode.SessionNotFound, "session %s is terminated", srec.ID).
			WithDetail("session_id", srec.ID))
	}
	lrec, err := r.laneFor(cmd)
	if err != nil {
		return failed(err)
	}

	if prev, ok := r.ptys.ForTerminal(cmd.TerminalID); ok {
		if _, err := r.ptys.Terminate(ctx, prev.ID, "respawn"); err != nil {
			return failed(err)
		}
	}

	r.terms.Spawn(terminal.SpawnParams{
		ID:    cmd.TerminalID,
		Owner: ownerOf(cmd),
		Title: pl.Title,
	})
	dir := pl.Cwd
	if dir == "" {
		dir = lrec.WorktreePath
	}
	prec, err := r.ptys.Spawn(ctx, pty.SpawnParams{
		WorkspaceID: cmd.WorkspaceID,
		LaneID:      cmd.LaneID,
		SessionID:   cmd.SessionID,
		TerminalID:  cmd.TerminalID,
		Command:     pl.Command,
		Args:        pl.Args,
		Dir:         dir,
		Env:         pl.Env,
		Cols:        pl.Cols,
		Rows:        pl.Rows,
	})
	if err != nil {
		_, _ = r.terms.Transition(cmd.TerminalID, terminal.StateClosed)
		return failed(err)
	}

	trec, err := r.terms.Transition(cmd.TerminalID, terminal.StateActive)
	if err != nil {
		// the process already exited and closed the terminal
		ctlLog.Info("terminal_closed_during_spawn", slog.String("terminal_id", cmd.TerminalID))
	}
	if err := r.lanes.AddTerminal(cmd.LaneID, cmd.TerminalID); err != nil {
		ctlLog.Warn("lane_terminal_link_failed", slog.String("terminal_id", cmd.TerminalID), slog.String("error", err.Error()))
	}

	r.bus.Emit(envelope.TopicTerminalSpawned, evCtx, map[string]any{
		"pty_id": prec.ID,
		"pid":    prec.PID,
		"cols":   prec.Cols,
		"rows":   prec.Rows,
	})
	return map[string]any{
		"terminal_id": cmd.TerminalID,
		"pty_id":      prec.ID,
		"pid":         prec.PID,
		"terminal":    asMap(trec),
		"state":       asMap(r.State()),
	}, nil
}

func (r *Runtime) terminalInput(_ context.Context, cmd envelope.Envelope, p envelope.Payload) (map[string]any, error) {
	pl := p.(*envelope.TerminalInput)
	trec, err := r.ownedTerminal(cmd)
	if err != nil {
		return nil, err
	}
	if trec.State == terminal.StateClosed {
		return nil, terminalClosed(trec, "input")
	}
	if prec, ok := r.ptys.ForTerminal(trec.ID); ok {
		if err := r.ptys.Write(prec.ID, []byte(pl.Data)); err != nil {
			return nil, err
		}
	}

	trec, res, err := r.terms.AppendOutput(trec.ID, pl.Data)
	if err != nil {
		return nil, err
	}
	if res.Overflowed && trec.State == terminal.StateActive {
		if next, err := r.terms.Transition(trec.ID, terminal.StateThrottled); err == nil {
			r.bus.Emit(envelope.TopicTerminalStateChanged, terminalContext(next, ""), map[string]any{
				"from":          string(trec.State),
				"to":            string(next.State),
				"reason":        "buffer_overflow",
				"dropped_bytes": res.DroppedBytes,
			})
			trec = next
		}
	}
	return map[string]any{
		"terminal_id":   trec.ID,
		"bytes":         len(pl.Data),
		"sequence":      trec.Sequence,
		"overflowed":    res.Overflowed,
		"dropped_bytes": res.DroppedBytes,
		"state":         string(trec.State),
	}, nil
}

func (r *Runtime) terminalResize(_ context.Context, cmd envelope.Envelope, p envelope.Payload) (map[string]any, error) {
	pl := p.(*envelope.TerminalResize)
	trec, err := r.ownedTerminal(cmd)
	if err != nil {
		return nil, err
	}
	if err := pty.CheckDimensions(pl.Cols, pl.Rows); err != nil {
		return nil, err.WithDetail("terminal_id", trec.ID)
	}
	if trec.State == terminal.StateClosed {
		return nil, terminalClosed(trec, "resize")
	}
	if prec, ok := r.ptys.ForTerminal(trec.ID); ok {
		if _, err := r.ptys.Resize(prec.ID, pl.Cols, pl.Rows); err != nil {
			return nil, err
		}
	}

	if trec.State == terminal.StateThrottled {
		if next, err := r.terms.Transition(trec.ID, terminal.StateActive); err == nil {
			r.bus.Emit(envelope.TopicTerminalStateChanged, terminalContext(next, ""), map[string]any{
				"from":   string(trec.State),
				"to":     string(next.State),
				"reason": "resized",
			})
			trec = next
		}
	}
	r.bus.Emit(envelope.TopicTerminalResized, terminalContext(trec, ""), map[string]any{
		"cols": int(pl.Cols),
		"rows": int(pl.Rows),
	})
	return map[string]any{
		"terminal_id": trec.ID,
		"cols":        int(pl.Cols),
		"rows":        int(pl.Rows),
		"state":       string(trec.State),
	}, nil
}

func (r *Runtime) terminalClose(ctx context.Context, cmd envelope.Envelope, _ envelope.Payload) (map[string]any, error) {
	trec, err := r.ownedTerminal(cmd)
	if err != nil {
		return nil, err
	}
	if trec.State == terminal.StateClosed {
		return map[string]any{"terminal_id": trec.ID, "changed": false}, nil
	}
	exit := ""
	if prec, ok := r.ptys.ForTerminal(trec.ID); ok {
		res, err := r.ptys.Terminate(ctx, prec.ID, "terminal_closed")
		if err != nil {
			return nil, err
		}
		exit = res.ExitReason
	}
	// the PTY stop hook may already have closed it
	if cur, err := r.terms.Get(trec.ID); err == nil && cur.State != terminal.StateClosed {
		if _, err := r.terms.Transition(trec.ID, terminal.StateClosed); err != nil {
			return nil, err
		}
	}
	if err := r.lanes.RemoveTerminal(trec.LaneID, trec.ID); err != nil {
		ctlLog.Debug("lane_terminal_unlink_failed", slog.String("terminal_id", trec.ID), slog.String("error", err.Error()))
	}
	r.bus.Emit(envelope.TopicTerminalClosed, terminalContext(trec, ""), map[string]any{
		"terminal_id": trec.ID,
		"reason":      "closed",
		"exit_reason": exit,
	})
	return map[string]any{"terminal_id": trec.ID, "changed": true, "exit_reason": exit}, nil
}

func (r *Runtime) snapshot(_ context.Context, _ envelope.Envelope, _ envelope.Payload) (map[string]any, error) {
	ptys := r.ptys.List()
	items := make([]any, 0, len(ptys))
	for _, rec := range ptys {
		items = append(items, asMap(rec))
	}
	return map[string]any{
		"state":      asMap(r.State()),
		"checkpoint": asMap(r.Checkpoint()),
		"ptys":       items,
	}, nil
}

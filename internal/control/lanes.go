package control

import (
	"context"
	"time"

	"github.com/asheshgoplani/lanedeck/internal/envelope"
	"github.com/asheshgoplani/lanedeck/internal/errcode"
	"github.com/asheshgoplani/lanedeck/internal/lane"
)

// laneFor loads the command's lane and checks it belongs to the command's
// workspace.
func (r *Runtime) laneFor(cmd envelope.Envelope) (lane.Record, error) {
	rec, err := r.lanes.Get(cmd.LaneID)
	if err != nil {
		return lane.Record{}, err
	}
	if rec.WorkspaceID != cmd.WorkspaceID {
		return lane.Record{}, errcode.New(errcode.LaneNotFound, "lane %s not in workspace %s", cmd.LaneID, cmd.WorkspaceID).
			WithDetail("lane_id", cmd.LaneID).
			WithDetail("workspace_id", cmd.WorkspaceID)
	}
	return rec, nil
}

func (r *Runtime) laneCreate(_ context.Context, cmd envelope.Envelope, p envelope.Payload) (map[string]any, error) {
	pl := p.(*envelope.LaneCreate)
	id := pl.LaneID
	if id == "" {
		id = cmd.LaneID
	}
	ctx := envelope.Context{WorkspaceID: cmd.WorkspaceID, LaneID: id, CorrelationID: cmd.CorrelationID}

	if err := r.begin(envelope.TopicLaneCreateStarted, ctx, map[string]any{
		"lane_id":       id,
		"worktree_path": pl.WorktreePath,
		"agents":        len(pl.Agents),
	}); err != nil {
		return nil, err
	}
	if pl.ForceError {
		return nil, r.fail(envelope.TopicLaneCreateFailed, ctx,
			errcode.New(errcode.ForcedFailure, "lane.create failed on request"), nil)
	}

	rec, err := r.lanes.Create(lane.CreateParams{
		ID:           id,
		WorkspaceID:  cmd.WorkspaceID,
		WorktreePath: pl.WorktreePath,
		Agents:       pl.Agents,
	})
	if err != nil {
		return nil, r.fail(envelope.TopicLaneCreateFailed, ctx, err, nil)
	}
	ctx.LaneID = rec.ID
	for _, ev := range []lane.Event{lane.EventProvision, lane.EventReady} {
		next, err := r.lanes.Transition(rec.ID, ev)
		if err != nil {
			_, _ = r.lanes.Transition(rec.ID, lane.EventFail)
			return nil, r.fail(envelope.TopicLaneCreateFailed, ctx, err, map[string]any{"lane_id": rec.ID})
		}
		rec = next
	}

	r.bus.Emit(envelope.TopicLaneCreated, ctx, map[string]any{
		"lane_id":       rec.ID,
		"state":         string(rec.State),
		"worktree_path": rec.WorktreePath,
	})
	return map[string]any{
		"lane_id": rec.ID,
		"lane":    asMap(rec),
		"state":   asMap(r.State()),
	}, nil
}

func (r *Runtime) laneCleanup(ctx context.Context, cmd envelope.Envelope, p envelope.Payload) (map[string]any, error) {
	pl := p.(*envelope.LaneCleanup)
	if _, err := r.laneFor(cmd); err != nil {
		return nil, err
	}
	rec, changed, err := r.lanes.Cleanup(cmd.LaneID, pl.Force)
	if err != nil {
		return nil, err
	}
	stopped := 0
	if changed {
		stopped = r.ptys.TerminateLane(ctx, rec.ID, "lane_cleanup")
		r.bus.Emit(envelope.TopicLaneClosed,
			envelope.Context{WorkspaceID: rec.WorkspaceID, LaneID: rec.ID},
			map[string]any{"lane_id": rec.ID, "forced": pl.Force, "ptys_terminated": stopped})
	}
	return map[string]any{
		"lane_id":         rec.ID,
		"changed":         changed,
		"ptys_terminated": stopped,
		"lane":            asMap(rec),
	}, nil
}

func (r *Runtime) laneExecute(ctx context.Context, cmd envelope.Envelope, p envelope.Payload) (map[string]any, error) {
	pl := p.(*envelope.LaneExecute)
	if _, err := r.laneFor(cmd); err != nil {
		return nil, err
	}
	evCtx := envelope.Context{WorkspaceID: cmd.WorkspaceID, LaneID: cmd.LaneID}

	r.bus.Emit(envelope.TopicLaneExecStarted, evCtx, map[string]any{
		"command": pl.Command,
		"args":    len(pl.Args),
	})
	res, err := r.lanes.Execute(ctx, cmd.LaneID, lane.ExecParams{
		Command: pl.Command,
		Args:    pl.Args,
		Dir:     pl.Cwd,
		Timeout: time.Duration(pl.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, r.fail(envelope.TopicLaneExecFailed, evCtx, err, map[string]any{"command": pl.Command})
	}
	r.bus.Emit(envelope.TopicLaneExecCompleted, evCtx, map[string]any{
		"pid":         res.PID,
		"exit_code":   res.ExitCode,
		"signal":      res.Signal,
		"duration_ms": res.DurationMs,
	})
	return asMap(res), nil
}

func (r *Runtime) laneTransition(_ context.Context, cmd envelope.Envelope, p envelope.Payload) (map[string]any, error) {
	pl := p.(*envelope.LaneTransition)
	if _, err := r.laneFor(cmd); err != nil {
		return nil, err
	}
	rec, err := r.lanes.Transition(cmd.LaneID, lane.Event(pl.Event))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"lane_id": rec.ID,
		"state":   string(rec.State),
		"lane":    asMap(rec),
	}, nil
}

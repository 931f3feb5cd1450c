package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/lanedeck/internal/errcode"
	"github.com/asheshgoplani/lanedeck/internal/idgen"
)

func testFactory() *Factory {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Factory{IDs: idgen.NewSequence(), Now: func() time.Time { return now }}
}

func fullContext() Context {
	return Context{WorkspaceID: "W", LaneID: "L1", SessionID: "S1", TerminalID: "T1", CorrelationID: "C1"}
}

func requireCode(t *testing.T, err error, code errcode.Code) {
	t.Helper()
	require.Error(t, err)
	e, ok := errcode.As(err)
	require.True(t, ok, "expected coded error, got %T: %v", err, err)
	assert.Equal(t, code, e.Code, "message: %s", e.Message)
	assert.False(t, e.Retryable)
}

func TestValidCommandEventResponse(t *testing.T) {
	f := testFactory()

	cmd := f.Command(MethodTerminalSpawn, fullContext(), map[string]any{"cols": 80, "rows": 24})
	require.NoError(t, Validate(cmd))

	evt := f.Event(TopicLaneCreateStarted, Context{WorkspaceID: "W", CorrelationID: "C1"}, map[string]any{"x": 1})
	require.NoError(t, Validate(evt))

	res := f.OK(cmd, map[string]any{"terminal_id": "T1"})
	require.NoError(t, Validate(res))
	assert.Equal(t, cmd.ID, res.ReplyTo)

	fail := f.Fail(cmd, errcode.New(errcode.ForcedFailure, "boom"))
	require.NoError(t, Validate(fail))
	assert.Equal(t, errcode.ForcedFailure, fail.Error.Code)
}

func TestValidateRejections(t *testing.T) {
	f := testFactory()
	base := func() Envelope {
		return f.Command(MethodLaneCleanup, Context{WorkspaceID: "W", LaneID: "L1"}, map[string]any{"force": true})
	}

	tests := []struct {
		name   string
		mutate func(*Envelope)
		code   errcode.Code
	}{
		{"missing id", func(e *Envelope) { e.ID = "" }, errcode.MissingRequiredField},
		{"missing type", func(e *Envelope) { e.Type = "" }, errcode.MissingRequiredField},
		{"missing ts", func(e *Envelope) { e.TS = "" }, errcode.MissingRequiredField},
		{"ts without offset", func(e *Envelope) { e.TS = "2026-03-01T12:00:00" }, errcode.InvalidTimestamp},
		{"ts not a date", func(e *Envelope) { e.TS = "yesterday" }, errcode.InvalidTimestamp},
		{"bad type", func(e *Envelope) { e.Type = "query" }, errcode.InvalidType},
		{"unknown method", func(e *Envelope) { e.Method = "lane.explode" }, errcode.InvalidMethod},
		{"missing payload", func(e *Envelope) { e.Payload = nil }, errcode.MissingRequiredField},
		{"missing lane", func(e *Envelope) { e.LaneID = "" }, errcode.MissingContext},
		{"payload type", func(e *Envelope) { e.Payload = map[string]any{"force": "yes"} }, errcode.InvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := base()
			tt.mutate(&e)
			requireCode(t, Validate(e), tt.code)
		})
	}
}

func TestOffsetTimestampAccepted(t *testing.T) {
	e := testFactory().Command(MethodRuntimeSnapshot, Context{}, map[string]any{})
	e.TS = "2026-03-01T12:00:00+05:30"
	assert.NoError(t, Validate(e))
}

func TestEmptyPayloadObjectAccepted(t *testing.T) {
	f := testFactory()
	cmd := f.Command(MethodRuntimeSnapshot, Context{}, map[string]any{})
	assert.NoError(t, Validate(cmd))
	evt := f.Event(TopicPTYStopped, Context{}, map[string]any{})
	assert.NoError(t, Validate(evt))

	cmd = f.Command(MethodRuntimeSnapshot, Context{}, nil)
	requireCode(t, Validate(cmd), errcode.MissingRequiredField)
}

func TestMissingCorrelationHasDistinctCode(t *testing.T) {
	f := testFactory()
	cmd := f.Command(MethodLaneCreate, Context{WorkspaceID: "W"}, map[string]any{})
	requireCode(t, Validate(cmd), errcode.MissingCorrelationID)

	evt := f.Event(TopicSessionAttached, Context{WorkspaceID: "W", LaneID: "L", SessionID: "S"}, map[string]any{"a": 1})
	requireCode(t, Validate(evt), errcode.MissingCorrelationID)

	// non-lifecycle topics do not need one
	ok := f.Event(TopicLaneClosed, Context{WorkspaceID: "W", LaneID: "L"}, map[string]any{"a": 1})
	assert.NoError(t, Validate(ok))
}

func TestEventRules(t *testing.T) {
	f := testFactory()
	e := f.Event("lane.vanished", Context{}, map[string]any{"a": 1})
	requireCode(t, Validate(e), errcode.InvalidTopic)

	e = f.Event(TopicPTYStopped, Context{}, nil)
	requireCode(t, Validate(e), errcode.MissingRequiredField)
}

func TestResponseRules(t *testing.T) {
	f := testFactory()
	cmd := f.Command(MethodRuntimeSnapshot, Context{}, map[string]any{})

	res := f.OK(cmd, nil)
	res.Status = "maybe"
	requireCode(t, Validate(res), errcode.InvalidStatus)

	res = f.Fail(cmd, errcode.New(errcode.Internal, "x"))
	res.Error.Code = ""
	requireCode(t, Validate(res), errcode.MalformedEnvelope)
}

func TestValidateValueIsTotal(t *testing.T) {
	inputs := []any{
		nil,
		42,
		"not json",
		[]byte("{"),
		[]byte("[]"),
		map[string]any{},
		map[string]any{"id": 7},
		map[string]any{"id": "a", "type": "event", "ts": "2026-03-01T12:00:00Z", "topic": "pty.stopped", "payload": []any{}},
		map[string]any{"id": "a", "type": "event", "ts": "2026-03-01T12:00:00Z", "topic": "pty.stopped", "payload": map[string]any{"a": 1}, "sequence": -1.0},
		map[string]any{"id": "a", "type": "response", "ts": "2026-03-01T12:00:00Z", "status": "error", "error": map[string]any{"code": "X", "message": "m"}},
		(*Envelope)(nil),
	}
	for _, in := range inputs {
		_, err := ValidateValue(in)
		require.Error(t, err, "input %#v", in)
		_, ok := errcode.As(err)
		assert.True(t, ok, "input %#v produced uncoded error %v", in, err)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	data := []byte(`{
		"id": "evt-1", "type": "event", "ts": "2026-03-01T12:00:00Z",
		"workspace_id": "W", "lane_id": "L1", "correlation_id": "C1",
		"topic": "lane.created", "payload": {"lane_id": "L1"}, "sequence": 7
	}`)
	e, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TopicLaneCreated, e.Topic)
	assert.Equal(t, uint64(7), e.Sequence)
	assert.Equal(t, "C1", e.CorrelationID)

	res, err := Decode([]byte(`{"id":"r","type":"response","ts":"2026-03-01T12:00:00Z","status":"error",
		"error":{"code":"ORDERING_VIOLATION","message":"m","retryable":false,"details":{"k":"v"}}}`))
	require.NoError(t, err)
	assert.Equal(t, errcode.OrderingViolation, res.Error.Code)
	assert.Equal(t, "v", res.Error.Details["k"])
}

func TestEveryMethodHasSchemaAndPayload(t *testing.T) {
	for _, m := range Methods() {
		_, ok := compiledSchemas[m]
		assert.True(t, ok, "no schema for %s", m)
	}
}

func TestDecodePayloadVariants(t *testing.T) {
	p, err := DecodePayload(MethodTerminalResize, map[string]any{"cols": 80.5, "rows": 24})
	require.NoError(t, err)
	r, ok := p.(*TerminalResize)
	require.True(t, ok)
	assert.Equal(t, 80.5, r.Cols)
	assert.Equal(t, MethodTerminalResize, p.Method())

	p, err = DecodePayload(MethodLaneExecute, map[string]any{"command": "true", "args": []string{"-x"}, "timeout_ms": 50})
	require.NoError(t, err)
	assert.Equal(t, 50, p.(*LaneExecute).TimeoutMs)

	_, err = DecodePayload("nope", map[string]any{})
	requireCode(t, err, errcode.InvalidMethod)
}

func TestLifecycleOf(t *testing.T) {
	lc, role := LifecycleOf(TopicSessionRestoreCompleted)
	require.NotNil(t, lc)
	assert.Equal(t, "session.restore", lc.Name)
	assert.Equal(t, RoleTerminal, role)

	_, role = LifecycleOf(TopicTerminalSpawnStarted)
	assert.Equal(t, RoleStart, role)

	lc, role = LifecycleOf(TopicPTYStopped)
	assert.Nil(t, lc)
	assert.Equal(t, RoleNone, role)
}

func TestCloneIsDeep(t *testing.T) {
	e := testFactory().Event(TopicPTYStopped, Context{}, map[string]any{"nested": map[string]any{"a": 1}})
	c := e.Clone()
	c.Payload["nested"].(map[string]any)["a"] = 2
	assert.Equal(t, 1, e.Payload["nested"].(map[string]any)["a"])
}

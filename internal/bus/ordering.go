package bus

import (
	"github.com/asheshgoplani/lanedeck/internal/envelope"
	"github.com/asheshgoplani/lanedeck/internal/errcode"
)

// tracker enforces start-before-terminal per correlation id. At most one
// lifecycle is in flight per id; a terminal topic frees the id for reuse.
type tracker struct {
	inflight map[string]string // correlation id -> lifecycle name
}

func newTracker() *tracker {
	return &tracker{inflight: make(map[string]string)}
}

// check reports whether evt may be published. It does not mutate state.
func (t *tracker) check(evt envelope.Envelope) error {
	lc, role := envelope.LifecycleOf(evt.Topic)
	if lc == nil {
		return nil
	}
	cid := evt.CorrelationID
	cur, busy := t.inflight[cid]

	switch role {
	case envelope.RoleStart:
		if busy {
			return errcode.New(errcode.OrderingViolation,
				"%s while %s is in flight for correlation %s", evt.Topic, cur, cid).
				WithDetail("correlation_id", cid).
				WithDetail("topic", string(evt.Topic)).
				WithDetail("in_flight", cur)
		}
	case envelope.RoleTerminal:
		if !busy || cur != lc.Name {
			return errcode.New(errcode.OrderingViolation,
				"%s without %s for correlation %s", evt.Topic, lc.Start, cid).
				WithDetail("correlation_id", cid).
				WithDetail("topic", string(evt.Topic)).
				WithDetail("expected_start", string(lc.Start))
		}
	}
	return nil
}

// apply records an accepted event. Call only after check succeeded.
func (t *tracker) apply(evt envelope.Envelope) {
	lc, role := envelope.LifecycleOf(evt.Topic)
	if lc == nil {
		return
	}
	switch role {
	case envelope.RoleStart:
		t.inflight[evt.CorrelationID] = lc.Name
	case envelope.RoleTerminal:
		delete(t.inflight, evt.CorrelationID)
	}
}

// snapshot copies the in-flight table.
func (t *tracker) snapshot() map[string]string {
	out := make(map[string]string, len(t.inflight))
	for k, v := range t.inflight {
		out[k] = v
	}
	return out
}

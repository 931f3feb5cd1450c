package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/asheshgoplani/lanedeck/internal/audit"
	"github.com/asheshgoplani/lanedeck/internal/envelope"
	"github.com/asheshgoplani/lanedeck/internal/errcode"
	"github.com/asheshgoplani/lanedeck/internal/idgen"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := New(Options{
		Factory: &envelope.Factory{IDs: idgen.NewSequence(), Now: time.Now},
		Audit:   audit.NewSink(audit.Options{}),
	})
	require.NoError(t, err)
	return b
}

func sessionCtx(cid string) envelope.Context {
	return envelope.Context{WorkspaceID: "W", LaneID: "L1", SessionID: "S1", CorrelationID: cid}
}

func event(b *Bus, topic envelope.Topic, ctx envelope.Context) envelope.Envelope {
	return b.Factory().Event(topic, ctx, map[string]any{"k": "v"})
}

func TestAttachLifecycleOrdering(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Publish(event(b, envelope.TopicSessionAttachStarted, sessionCtx("C1")))
	require.NoError(t, err)
	_, err = b.Publish(event(b, envelope.TopicSessionAttached, sessionCtx("C1")))
	require.NoError(t, err)

	_, err = b.Publish(event(b, envelope.TopicSessionAttached, sessionCtx("C1")))
	require.True(t, errcode.HasCode(err, errcode.OrderingViolation), "got %v", err)

	// the id is free for a new lifecycle
	_, err = b.Publish(event(b, envelope.TopicSessionAttachStarted, sessionCtx("C1")))
	require.NoError(t, err)
}

func TestOrderingViolationLeavesTrackerUnchanged(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Publish(event(b, envelope.TopicSessionAttachStarted, sessionCtx("C1")))
	require.NoError(t, err)
	before := b.InFlight()

	// second start on the same id
	_, err = b.Publish(event(b, envelope.TopicSessionRestoreStarted, sessionCtx("C1")))
	require.True(t, errcode.HasCode(err, errcode.OrderingViolation))
	// terminal of a different lifecycle
	_, err = b.Publish(event(b, envelope.TopicSessionRestoreCompleted, sessionCtx("C1")))
	require.True(t, errcode.HasCode(err, errcode.OrderingViolation))

	assert.Equal(t, before, b.InFlight())
	assert.Equal(t, map[string]string{"C1": "session.attach"}, b.InFlight())
}

func TestSequencesGapFreeAndRejectsAudited(t *testing.T) {
	b := newTestBus(t)
	ctx := envelope.Context{WorkspaceID: "W", LaneID: "L1"}

	e1, err := b.Publish(event(b, envelope.TopicLaneStateChanged, ctx))
	require.NoError(t, err)
	_, err = b.Publish(event(b, envelope.TopicLaneCreated, envelope.Context{WorkspaceID: "W", LaneID: "L1", CorrelationID: "X"}))
	require.Error(t, err)
	_, err = b.Publish(event(b, "bogus.topic", ctx))
	require.Error(t, err)
	e2, err := b.Publish(event(b, envelope.TopicLaneClosed, ctx))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, uint64(2), e2.Sequence)
	assert.Equal(t, uint64(2), b.LastSequence())

	recs := b.Audit().Records()
	require.Len(t, recs, 4)
	outcomes := []audit.Outcome{recs[0].Outcome, recs[1].Outcome, recs[2].Outcome, recs[3].Outcome}
	assert.Equal(t, []audit.Outcome{audit.Accepted, audit.Rejected, audit.Rejected, audit.Accepted}, outcomes)
	assert.Contains(t, *recs[1].Reason, string(errcode.OrderingViolation))
	assert.Contains(t, *recs[2].Reason, string(errcode.InvalidTopic))
}

func TestConcurrentPublishStrictlyIncreasing(t *testing.T) {
	b := newTestBus(t)
	sub := b.Subscribe("lane.")
	defer b.Unsubscribe(sub)

	const workers, per = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				_, err := b.Publish(event(b, envelope.TopicLaneStateChanged, envelope.Context{WorkspaceID: "W", LaneID: "L"}))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	events := b.Events(0)
	require.Len(t, events, workers*per)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}

	var last uint64
	for i := 0; i < workers*per; i++ {
		e := <-sub.C()
		assert.Greater(t, e.Sequence, last, "subscriber sees publish order")
		last = e.Sequence
	}
}

func TestSubscriberPrefixAndDrops(t *testing.T) {
	b, err := New(Options{SubscriberBuffer: 1})
	require.NoError(t, err)
	ptySub := b.Subscribe("pty.")
	laneSub := b.Subscribe("lane.")

	b.Emit(envelope.TopicPTYStopped, envelope.Context{}, map[string]any{"pty_id": "p1"})
	b.Emit(envelope.TopicPTYStopped, envelope.Context{}, map[string]any{"pty_id": "p2"})

	got := <-ptySub.C()
	assert.Equal(t, "p1", got.Payload["pty_id"])
	assert.Equal(t, int64(1), ptySub.Dropped())
	assert.Empty(t, laneSub.C())

	b.Unsubscribe(ptySub)
	_, open := <-ptySub.C()
	assert.False(t, open)
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestEventLogCapped(t *testing.T) {
	b, err := New(Options{EventLogSize: 3})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		b.Emit(envelope.TopicPTYStopped, envelope.Context{}, map[string]any{"i": i})
	}
	events := b.Events(0)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[0].Sequence)
	assert.Len(t, b.Events(4), 1)
}

func TestBestEffortNeverPropagates(t *testing.T) {
	b := newTestBus(t)
	// lifecycle terminal without a start is rejected
	b.PublishBestEffort(event(b, envelope.TopicSessionAttached, sessionCtx("C9")))
	b.Emit("nope.topic", envelope.Context{}, nil)
	assert.Equal(t, int64(2), b.BestEffortFailures())
	assert.Equal(t, uint64(0), b.LastSequence())
}

func TestRequestMissingCorrelationBecomesResponse(t *testing.T) {
	b := newTestBus(t)
	cmd := b.Factory().Command(envelope.MethodLaneCreate, envelope.Context{WorkspaceID: "W"}, map[string]any{})

	resp, err := b.Request(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusError, resp.Status)
	assert.Equal(t, errcode.MissingCorrelationID, resp.Error.Code)
	assert.True(t, resp.Error.Retryable)
	assert.Equal(t, cmd.ID, resp.ReplyTo)

	// the same omission on publish is raised
	_, err = b.Publish(b.Factory().Event(envelope.TopicLaneCreateStarted, envelope.Context{WorkspaceID: "W"}, map[string]any{"a": 1}))
	assert.True(t, errcode.HasCode(err, errcode.MissingCorrelationID))
}

func TestRequestOtherValidationErrorsReturned(t *testing.T) {
	b := newTestBus(t)
	cmd := b.Factory().Command("lane.melt", envelope.Context{}, map[string]any{})
	_, err := b.Request(context.Background(), cmd)
	assert.True(t, errcode.HasCode(err, errcode.InvalidMethod))

	evt := event(b, envelope.TopicPTYStopped, envelope.Context{})
	_, err = b.Request(context.Background(), evt)
	assert.True(t, errcode.HasCode(err, errcode.InvalidType))
}

func TestRequestDispatch(t *testing.T) {
	b := newTestBus(t)
	b.Handle(envelope.MethodLaneCleanup, func(ctx context.Context, cmd envelope.Envelope, p envelope.Payload) (map[string]any, error) {
		cleanup, ok := p.(*envelope.LaneCleanup)
		require.True(t, ok)
		if !cleanup.Force {
			return nil, errcode.New(errcode.LaneHasAttachedAgents, "agents attached")
		}
		return map[string]any{"lane_id": cmd.LaneID}, nil
	})
	b.Handle(envelope.MethodLaneTransition, func(context.Context, envelope.Envelope, envelope.Payload) (map[string]any, error) {
		return nil, errors.New("disk on fire")
	})
	b.Handle(envelope.MethodLaneExecute, func(context.Context, envelope.Envelope, envelope.Payload) (map[string]any, error) {
		panic("boom")
	})

	laneCtx := envelope.Context{WorkspaceID: "W", LaneID: "L1"}
	resp, err := b.Request(context.Background(), b.Factory().Command(envelope.MethodLaneCleanup, laneCtx, map[string]any{"force": true}))
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusOK, resp.Status)
	assert.Equal(t, "L1", resp.Result["lane_id"])

	resp, _ = b.Request(context.Background(), b.Factory().Command(envelope.MethodLaneCleanup, laneCtx, map[string]any{"force": false}))
	assert.Equal(t, errcode.LaneHasAttachedAgents, resp.Error.Code)
	assert.False(t, resp.Error.Retryable)

	resp, _ = b.Request(context.Background(), b.Factory().Command(envelope.MethodLaneTransition, laneCtx, map[string]any{"event": "run"}))
	assert.Equal(t, errcode.Internal, resp.Error.Code)

	resp, _ = b.Request(context.Background(), b.Factory().Command(envelope.MethodLaneExecute, laneCtx, map[string]any{"command": "x"}))
	assert.Equal(t, errcode.Internal, resp.Error.Code)

	resp, _ = b.Request(context.Background(), b.Factory().Command(envelope.MethodRuntimeSnapshot, envelope.Context{}, map[string]any{}))
	assert.Equal(t, errcode.MethodNotHandled, resp.Error.Code)

	stats := b.Latencies()
	assert.Equal(t, int64(2), stats["lane.cleanup"].Count)
	assert.Equal(t, int64(1), stats["lane.cleanup"].Errors)
}

func TestMetricsRecorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	b, err := New(Options{Meter: mp.Meter(MeterName)})
	require.NoError(t, err)

	b.Emit(envelope.TopicPTYStopped, envelope.Context{}, nil)
	b.Emit("bad", envelope.Context{}, nil)
	b.RecordRestoreLatency(5*time.Millisecond, false)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := map[string]int64{}
	histograms := map[string]uint64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					histograms[m.Name] += dp.Count
				}
			}
		}
	}
	// pty.stopped and the metrics.latency event from the restore
	assert.Equal(t, int64(2), sums["lanedeck.bus.published"])
	assert.Equal(t, int64(1), sums["lanedeck.bus.rejected"])
	assert.Equal(t, int64(1), sums["lanedeck.bus.best_effort_failures"])
	assert.Equal(t, uint64(1), histograms["lanedeck.session.restore.duration"])
}

// stalledStore never finishes an append until release is closed.
type stalledStore struct {
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func (s *stalledStore) AppendAudit(context.Context, audit.Record) error {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return nil
}

func (s *stalledStore) ReplayAudit(context.Context, time.Time) ([]audit.Record, error) {
	return nil, nil
}

func TestPublishNotBlockedByDurableAudit(t *testing.T) {
	store := &stalledStore{release: make(chan struct{}), started: make(chan struct{})}
	sink := audit.NewSink(audit.Options{Store: store})
	defer sink.Close()
	defer close(store.release)

	b, err := New(Options{
		Factory: &envelope.Factory{IDs: idgen.NewSequence(), Now: time.Now},
		Audit:   sink,
	})
	require.NoError(t, err)

	_, err = b.Publish(event(b, envelope.TopicPTYStopped, envelope.Context{LaneID: "L1"}))
	require.NoError(t, err)
	<-store.started

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_, _ = b.Publish(event(b, envelope.TopicPTYStopped, envelope.Context{LaneID: "L1"}))
		}
		_ = b.LastSequence()
		_ = b.Events(0)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bus stalled behind a durable audit write")
	}
	assert.Equal(t, uint64(11), b.LastSequence())
	assert.Equal(t, 11, sink.Len())
}

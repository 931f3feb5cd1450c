// Package bus is the local command/event dispatcher. It validates envelopes,
// enforces lifecycle ordering per correlation id, stamps event sequence
// numbers, records every attempt in the audit sink and fans events out to
// prefix subscribers.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/asheshgoplani/lanedeck/internal/audit"
	"github.com/asheshgoplani/lanedeck/internal/envelope"
	"github.com/asheshgoplani/lanedeck/internal/errcode"
	"github.com/asheshgoplani/lanedeck/internal/logging"
)

var log = logging.ForComponent(logging.CompBus)

const (
	defaultEventLogSize     = 10000
	defaultSubscriberBuffer = 256
)

// Handler serves one command method. A returned *errcode.Error becomes an
// error response with its code; any other error becomes INTERNAL.
type Handler func(ctx context.Context, cmd envelope.Envelope, p envelope.Payload) (map[string]any, error)

// Options configures a Bus.
type Options struct {
	Factory          *envelope.Factory
	Audit            *audit.Sink
	Meter            metric.Meter
	EventLogSize     int
	SubscriberBuffer int
}

// Bus is the single authority for sequencing and lifecycle ordering. Each
// instance owns its own sequence counter.
type Bus struct {
	factory *envelope.Factory
	audit   *audit.Sink
	metrics *Metrics
	latency latencyBook

	// mu serializes the ordering check, sequence assignment, event log,
	// audit append and fan-out of one publish.
	mu      sync.Mutex
	seq     uint64
	order   *tracker
	events  []envelope.Envelope
	logSize int
	subs    map[int]*Subscription
	nextSub int
	subBuf  int

	handlersMu sync.RWMutex
	handlers   map[envelope.Method]Handler

	bestEffortFailures atomic.Int64
}

// New creates a bus.
func New(opts Options) (*Bus, error) {
	if opts.Factory == nil {
		opts.Factory = envelope.NewFactory()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewSink(audit.Options{})
	}
	if opts.Meter == nil {
		opts.Meter = noop.NewMeterProvider().Meter(MeterName)
	}
	if opts.EventLogSize <= 0 {
		opts.EventLogSize = defaultEventLogSize
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberBuffer
	}
	m, err := NewMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("bus metrics: %w", err)
	}
	return &Bus{
		factory:  opts.Factory,
		audit:    opts.Audit,
		metrics:  m,
		order:    newTracker(),
		logSize:  opts.EventLogSize,
		subs:     make(map[int]*Subscription),
		subBuf:   opts.SubscriberBuffer,
		handlers: make(map[envelope.Method]Handler),
	}, nil
}

// Factory returns the envelope factory used for derived envelopes.
func (b *Bus) Factory() *envelope.Factory { return b.factory }

// Audit returns the audit sink.
func (b *Bus) Audit() *audit.Sink { return b.audit }

// Publish validates evt, enforces ordering, assigns the next sequence
// number, records it and notifies subscribers. Rejections are audited and
// returned; they never consume a sequence number.
func (b *Bus) Publish(evt envelope.Envelope) (envelope.Envelope, error) {
	if evt.Type != envelope.TypeEvent {
		err := errcode.New(errcode.InvalidType, "publish accepts events, got %q", evt.Type)
		b.reject(evt, err)
		return envelope.Envelope{}, err
	}
	if err := envelope.Validate(evt); err != nil {
		b.reject(evt, err)
		return envelope.Envelope{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.order.check(evt); err != nil {
		b.reject(evt, err)
		return envelope.Envelope{}, err
	}
	b.order.apply(evt)

	b.seq++
	stored := evt.Clone()
	stored.Sequence = b.seq

	b.events = append(b.events, stored)
	if len(b.events) > b.logSize {
		b.events = append(b.events[:0:0], b.events[len(b.events)-b.logSize:]...)
	}

	seq := b.seq
	b.audit.Accepted(stored, &seq)
	b.metrics.Published.Add(context.Background(), 1)

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(string(stored.Topic), sub.prefix) {
			select {
			case sub.ch <- stored.Clone():
			default:
				sub.dropped.Add(1)
			}
		}
	}
	return stored, nil
}

func (b *Bus) reject(env envelope.Envelope, err error) {
	b.audit.Rejected(env, err)
	b.metrics.Rejected.Add(context.Background(), 1)
	log.Debug("envelope_rejected", slog.String("envelope", env.ID), slog.String("error", err.Error()))
}

// PublishBestEffort publishes a derived event. Failures are logged and
// counted but never returned, so telemetry cannot fail the caller.
func (b *Bus) PublishBestEffort(evt envelope.Envelope) {
	if _, err := b.Publish(evt); err != nil {
		b.bestEffortFailures.Add(1)
		b.metrics.BestEffortFailures.Add(context.Background(), 1)
		logging.Aggregate(logging.CompBus, "best_effort_publish_failed",
			slog.String("topic", string(evt.Topic)),
			slog.String("error", err.Error()))
	}
}

// Emit builds an event from the bus factory and publishes it best-effort.
func (b *Bus) Emit(topic envelope.Topic, ctx envelope.Context, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	b.PublishBestEffort(b.factory.Event(topic, ctx, payload))
}

// BestEffortFailures returns how many derived publishes were dropped.
func (b *Bus) BestEffortFailures() int64 {
	return b.bestEffortFailures.Load()
}

func (b *Bus) emitLatency(name string, ms float64, failed bool) {
	status := "ok"
	if failed {
		status = "error"
	}
	b.Emit(envelope.TopicMetricsLatency, envelope.Context{}, map[string]any{
		"name":   name,
		"ms":     ms,
		"status": status,
	})
}

// Handle registers the handler for method, replacing any previous one.
func (b *Bus) Handle(method envelope.Method, h Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[method] = h
}

// Request validates cmd, dispatches it to its handler and returns the
// response envelope. A command missing only its correlation id gets an error
// response instead of a returned error; every other validation failure is
// returned as an error. Handler failures always become error responses.
func (b *Bus) Request(ctx context.Context, cmd envelope.Envelope) (envelope.Envelope, error) {
	start := time.Now()

	if err := envelope.Validate(cmd); err != nil {
		b.reject(cmd, err)
		if cmd.Type == envelope.TypeCommand && errcode.HasCode(err, errcode.MissingCorrelationID) {
			ce, _ := errcode.As(err)
			retry := *ce
			retry.Retryable = true
			return b.respond(cmd, nil, &retry, start), nil
		}
		return envelope.Envelope{}, err
	}
	if cmd.Type != envelope.TypeCommand {
		err := errcode.New(errcode.InvalidType, "request accepts commands, got %q", cmd.Type)
		b.reject(cmd, err)
		return envelope.Envelope{}, err
	}
	b.audit.Accepted(cmd, nil)

	b.handlersMu.RLock()
	h := b.handlers[cmd.Method]
	b.handlersMu.RUnlock()
	if h == nil {
		return b.respond(cmd, nil, errcode.New(errcode.MethodNotHandled, "no handler for %s", cmd.Method), start), nil
	}

	payload, err := envelope.DecodePayload(cmd.Method, cmd.Payload)
	if err != nil {
		return b.respond(cmd, nil, err, start), nil
	}

	result, err := b.invoke(ctx, h, cmd, payload)
	return b.respond(cmd, result, err, start), nil
}

func (b *Bus) invoke(ctx context.Context, h Handler, cmd envelope.Envelope, p envelope.Payload) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler_panic",
				slog.String("method", string(cmd.Method)),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
			err = errcode.New(errcode.Internal, "handler panic: %v", r)
		}
	}()
	return h(ctx, cmd, p)
}

func (b *Bus) respond(cmd envelope.Envelope, result map[string]any, err error, start time.Time) envelope.Envelope {
	var resp envelope.Envelope
	if err != nil {
		resp = b.factory.Fail(cmd, err)
	} else {
		if result == nil {
			result = map[string]any{}
		}
		resp = b.factory.OK(cmd, result)
	}
	b.audit.Accepted(resp, nil)
	b.recordCommand(string(cmd.Method), time.Since(start), err != nil)
	return resp
}

// Events returns logged events with a sequence greater than since.
func (b *Bus) Events(since uint64) []envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]envelope.Envelope, 0)
	for _, e := range b.events {
		if e.Sequence > since {
			out = append(out, e.Clone())
		}
	}
	return out
}

// LastSequence returns the most recently assigned sequence number.
func (b *Bus) LastSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// InFlight returns the correlation ids with an open lifecycle.
func (b *Bus) InFlight() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order.snapshot()
}

// Subscription receives events whose topic has the subscription prefix.
// Delivery is non-blocking; a full buffer drops the event for that
// subscriber and counts it.
type Subscription struct {
	id      int
	prefix  string
	ch      chan envelope.Envelope
	dropped atomic.Int64
}

// C returns the delivery channel. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan envelope.Envelope { return s.ch }

// Dropped returns how many events were dropped for this subscriber.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Subscribe registers a subscriber for topics starting with prefix. An
// empty prefix receives everything.
func (b *Bus) Subscribe(prefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	sub := &Subscription{
		id:     b.nextSub,
		prefix: prefix,
		ch:     make(chan envelope.Envelope, b.subBuf),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

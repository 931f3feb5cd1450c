package logging

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// subjectKeys are the attribute keys whose values are counted per subject in
// a summary, so one line shows which PTYs or terminals were noisy.
var subjectKeys = map[string]struct{}{
	"pty_id":      {},
	"terminal_id": {},
	"lane_id":     {},
	"topic":       {},
}

// maxSubjects caps the per-summary subject table; the rest fold into "other".
const maxSubjects = 16

type aggregateKey struct {
	component string
	event     string
}

type aggregateEntry struct {
	count    int64
	first    time.Time
	last     time.Time
	subjects map[string]int64
	fields   []slog.Attr
}

// Summary is the pending state of one batched event.
type Summary struct {
	Component string           `json:"component"`
	Event     string           `json:"event"`
	Count     int64            `json:"count"`
	Subjects  map[string]int64 `json:"subjects,omitempty"`
}

// Aggregator batches high-frequency events (ring overflow, backpressure
// flips, dropped derived events) into one event_summary line per
// component/event and interval.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[aggregateKey]*aggregateEntry

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewAggregator creates an aggregator that flushes every intervalSecs
// seconds. A nil logger discards summaries.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		now:      time.Now,
		entries:  make(map[aggregateKey]*aggregateEntry),
		stop:     make(chan struct{}),
	}
}

// Start runs the flush loop in the background.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Flush()
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop ends the flush loop and writes whatever is pending. Safe to call
// more than once.
func (a *Aggregator) Stop() {
	a.once.Do(func() { close(a.stop) })
	a.wg.Wait()
	a.Flush()
}

// Record counts one occurrence. Subject attributes (pty_id, terminal_id,
// lane_id, topic) are tallied per value; the other fields of the latest call
// are kept as context.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	key := aggregateKey{component: component, event: event}
	e, ok := a.entries[key]
	if !ok {
		e = &aggregateEntry{first: now, subjects: make(map[string]int64)}
		a.entries[key] = e
	}
	e.count++
	e.last = now

	var extra []slog.Attr
	for _, f := range fields {
		if _, isSubject := subjectKeys[f.Key]; isSubject {
			e.tally(f.Key + "=" + f.Value.String())
			continue
		}
		extra = append(extra, f)
	}
	if len(extra) > 0 {
		e.fields = extra
	}
}

func (e *aggregateEntry) tally(subject string) {
	if _, ok := e.subjects[subject]; ok || len(e.subjects) < maxSubjects {
		e.subjects[subject]++
		return
	}
	e.subjects["other"]++
}

// Pending returns what the next flush would write, ordered by component and
// event.
func (a *Aggregator) Pending() []Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Summary, 0, len(a.entries))
	for key, e := range a.entries {
		subjects := make(map[string]int64, len(e.subjects))
		for k, v := range e.subjects {
			subjects[k] = v
		}
		out = append(out, Summary{Component: key.component, Event: key.event, Count: e.count, Subjects: subjects})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Component != out[j].Component {
			return out[i].Component < out[j].Component
		}
		return out[i].Event < out[j].Event
	})
	return out
}

// Flush writes one event_summary line per pending event and resets the
// counters.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	entries := a.entries
	a.entries = make(map[aggregateKey]*aggregateEntry)
	a.mu.Unlock()

	if a.logger == nil || len(entries) == 0 {
		return
	}

	keys := make([]aggregateKey, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].component != keys[j].component {
			return keys[i].component < keys[j].component
		}
		return keys[i].event < keys[j].event
	})

	for _, key := range keys {
		e := entries[key]
		attrs := []any{
			slog.String("component", key.component),
			slog.String("event", key.event),
			slog.Int64("count", e.count),
			slog.Int("window_seconds", int(a.interval.Seconds())),
			slog.Time("first_seen", e.first),
			slog.Time("last_seen", e.last),
		}
		if len(e.subjects) > 0 {
			attrs = append(attrs, slog.String("subjects", formatSubjects(e.subjects)))
		}
		for _, f := range e.fields {
			attrs = append(attrs, f)
		}
		a.logger.Info("event_summary", attrs...)
	}
}

// formatSubjects renders "pty_id=pty-1:3,pty_id=pty-2:1" with the busiest
// subject first.
func formatSubjects(subjects map[string]int64) string {
	names := make([]string, 0, len(subjects))
	for k := range subjects {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		if subjects[names[i]] != subjects[names[j]] {
			return subjects[names[i]] > subjects[names[j]]
		}
		return names[i] < names[j]
	})
	var b strings.Builder
	for i, n := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(n)
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(subjects[n], 10))
	}
	return b.String()
}

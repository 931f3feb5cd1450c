package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/lanedeck/internal/envelope"
)

// Emitter publishes derived events. *bus.Bus implements it.
type Emitter interface {
	Emit(topic envelope.Topic, ctx envelope.Context, payload map[string]any)
}

// Report is the outcome of one watchdog pass.
type Report struct {
	CheckedAt time.Time `json:"checked_at"`
	Findings  []Finding `json:"findings"`
}

// Count returns how many findings carry action a.
func (r Report) Count(a Action) int {
	return countAction(r.Findings, a)
}

// WatchdogOptions configures a Watchdog.
type WatchdogOptions struct {
	// Source returns the current registry view. Required.
	Source   func() Checkpoint
	Emitter  Emitter
	Interval time.Duration
	Now      func() time.Time
	OnReport func(Report)
}

// Watchdog periodically scans the live registries and publishes
// watchdog.drift when something is out of line.
type Watchdog struct {
	source   func() Checkpoint
	emitter  Emitter
	interval time.Duration
	now      func() time.Time
	onReport func(Report)

	mu   sync.Mutex
	last Report
}

// DefaultInterval is the pause between watchdog passes.
const DefaultInterval = 30 * time.Second

// NewWatchdog returns a watchdog. It does nothing until Check or Run.
func NewWatchdog(opts WatchdogOptions) *Watchdog {
	w := &Watchdog{
		source:   opts.Source,
		emitter:  opts.Emitter,
		interval: opts.Interval,
		now:      opts.Now,
		onReport: opts.OnReport,
	}
	if w.interval <= 0 {
		w.interval = DefaultInterval
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// Check runs one scan. Drift is published and logged; nothing is repaired.
func (w *Watchdog) Check() Report {
	rep := Report{CheckedAt: w.now(), Findings: Scan(w.source())}

	w.mu.Lock()
	w.last = rep
	w.mu.Unlock()

	if len(rep.Findings) > 0 {
		recLog.Warn("drift_detected",
			slog.Int("findings", len(rep.Findings)),
			slog.Int("reconcile", rep.Count(ActionReconcile)),
			slog.Int("reattach", rep.Count(ActionReattach)),
			slog.Int("cleanup", rep.Count(ActionCleanup)))
		if w.emitter != nil {
			items := make([]any, 0, len(rep.Findings))
			for _, f := range rep.Findings {
				items = append(items, f.fields())
			}
			w.emitter.Emit(envelope.TopicWatchdogDrift, envelope.Context{}, map[string]any{
				"checked_at": envelope.Timestamp(rep.CheckedAt),
				"findings":   items,
				"reconcile":  rep.Count(ActionReconcile),
				"reattach":   rep.Count(ActionReattach),
				"cleanup":    rep.Count(ActionCleanup),
			})
		}
	}
	if w.onReport != nil {
		w.onReport(rep)
	}
	return rep
}

// Last returns the most recent report.
func (w *Watchdog) Last() Report {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Run checks immediately and then on every interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	w.Check()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

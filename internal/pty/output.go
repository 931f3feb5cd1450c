package pty

import (
	"log/slog"

	"github.com/asheshgoplani/lanedeck/internal/envelope"
	"github.com/asheshgoplani/lanedeck/internal/logging"
)

func (m *Manager) pump(l *live) {
	defer m.wg.Done()
	defer close(l.pumpDone)
	buf := make([]byte, readChunk)
	out := l.proc.Output()
	for {
		n, err := out.Read(buf)
		if n > 0 {
			m.ingest(l, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) ingest(l *live, data []byte) {
	res := l.ring.Write(data)

	m.mu.Lock()
	l.lastOutput = m.now()
	on, changed := l.bp.Observe(l.ring.Utilization())
	snap := l.rec.clone()
	m.mu.Unlock()

	if changed && on {
		logging.Aggregate(logging.CompPTY, "backpressure_on", slog.String("pty_id", snap.ID))
		m.emit(envelope.TopicPTYBackpressureOn, snap, map[string]any{
			"utilization": l.ring.Utilization(),
			"threshold":   m.cfg.Threshold,
		})
		_, _ = m.setState(snap.ID, StateThrottled)
	} else if snap.State == StateIdle && !on {
		_, _ = m.setState(snap.ID, StateActive)
	}

	if res.Dropped > 0 {
		logging.Aggregate(logging.CompPTY, "output_overflow", slog.String("pty_id", snap.ID))
		l.overflow.Do(func() {
			stats := l.ring.Stats()
			m.mu.Lock()
			l.overflowEvents++
			m.mu.Unlock()
			m.emit(envelope.TopicPTYOutputOverflow, snap, map[string]any{
				"dropped":       res.Dropped,
				"total_dropped": stats.TotalDropped,
				"total_written": stats.TotalWritten,
				"overflows":     stats.Overflows,
			})
		})
	}

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (m *Manager) deliver(l *live) {
	defer m.wg.Done()
	for {
		select {
		case <-l.notify:
			m.flush(l)
		case <-l.closed:
			m.flush(l)
			return
		}
	}
}

func (m *Manager) flush(l *live) {
	data := l.ring.Drain()

	m.mu.Lock()
	on, changed := l.bp.Observe(l.ring.Utilization())
	snap := l.rec.clone()
	m.mu.Unlock()

	if changed && !on {
		logging.Aggregate(logging.CompPTY, "backpressure_off", slog.String("pty_id", snap.ID))
		m.emit(envelope.TopicPTYBackpressureOff, snap, map[string]any{
			"utilization": l.ring.Utilization(),
			"threshold":   m.cfg.Threshold,
			"hysteresis":  m.cfg.Hysteresis,
		})
		if snap.State == StateThrottled {
			_, _ = m.setState(snap.ID, StateActive)
		}
	}
	if len(data) > 0 && m.onOutput != nil {
		m.onOutput(snap, data)
	}
}

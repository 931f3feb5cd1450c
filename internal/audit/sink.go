// Package audit is the append-only ledger of accepted and rejected bus
// traffic, with retention, export redaction and an optional durable mirror.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/lanedeck/internal/envelope"
	"github.com/asheshgoplani/lanedeck/internal/logging"
)

var log = logging.ForComponent(logging.CompAudit)

// Outcome records whether the bus accepted an envelope.
type Outcome string

const (
	Accepted Outcome = "accepted"
	Rejected Outcome = "rejected"
)

// Record is one ledger entry. Sequence is nil for commands and rejected
// events; Reason is nil for accepted traffic.
type Record struct {
	RecordedAt time.Time         `json:"recorded_at"`
	Sequence   *uint64           `json:"sequence"`
	Outcome    Outcome           `json:"outcome"`
	Reason     *string           `json:"reason"`
	Envelope   envelope.Envelope `json:"envelope"`
}

// Store is a durable mirror of the ledger.
type Store interface {
	AppendAudit(ctx context.Context, rec Record) error
	ReplayAudit(ctx context.Context, since time.Time) ([]Record, error)
}

// Options configures a Sink. Zero values disable the matching limit.
type Options struct {
	MaxRecords   int
	MaxAge       time.Duration
	RedactFields []string
	Store        Store
	// StoreQueue bounds the records waiting for the durable writer. A full
	// queue drops the durable copy and counts a store error. Default: 4096
	StoreQueue int
	Now        func() time.Time
}

const defaultStoreQueue = 4096

// storeItem is either a record for the durable writer or, when done is set,
// a flush barrier.
type storeItem struct {
	rec  Record
	done chan struct{}
}

// Sink holds the in-memory ledger.
type Sink struct {
	mu       sync.RWMutex
	records  []Record
	opts     Options
	redactor atomic.Pointer[Redactor]

	storeErrors atomic.Int64

	// queue feeds the single durable writer so store I/O never runs on the
	// caller's goroutine. qmu guards closing it.
	qmu    sync.RWMutex
	queue  chan storeItem
	closed bool
	writer sync.WaitGroup
}

// NewSink returns an empty sink. With a Store it starts the durable writer;
// call Close to drain and stop it.
func NewSink(opts Options) *Sink {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StoreQueue <= 0 {
		opts.StoreQueue = defaultStoreQueue
	}
	s := &Sink{opts: opts}
	s.redactor.Store(NewRedactor(opts.RedactFields))
	if opts.Store != nil {
		s.queue = make(chan storeItem, opts.StoreQueue)
		s.writer.Add(1)
		go s.writeLoop()
	}
	return s
}

func (s *Sink) writeLoop() {
	defer s.writer.Done()
	for item := range s.queue {
		if item.done != nil {
			close(item.done)
			continue
		}
		if err := s.opts.Store.AppendAudit(context.Background(), item.rec); err != nil {
			s.storeErrors.Add(1)
			log.Warn("audit_store_append_failed", slog.String("envelope", item.rec.Envelope.ID), slog.String("error", err.Error()))
		}
	}
}

// enqueue hands rec to the durable writer without blocking.
func (s *Sink) enqueue(rec Record) {
	s.qmu.RLock()
	defer s.qmu.RUnlock()
	if s.closed {
		s.storeErrors.Add(1)
		return
	}
	select {
	case s.queue <- storeItem{rec: rec}:
	default:
		s.storeErrors.Add(1)
		logging.Aggregate(logging.CompAudit, "audit_store_dropped", slog.String("topic", string(rec.Envelope.Topic)))
	}
}

// Flush waits until every record appended so far has reached the store.
func (s *Sink) Flush(ctx context.Context) error {
	if s.queue == nil {
		return nil
	}
	s.qmu.RLock()
	if s.closed {
		s.qmu.RUnlock()
		return nil
	}
	done := make(chan struct{})
	select {
	case s.queue <- storeItem{done: done}:
		s.qmu.RUnlock()
	case <-ctx.Done():
		s.qmu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes the queued records and stops the durable writer. Later
// appends stay in memory only.
func (s *Sink) Close() {
	if s.queue == nil {
		return
	}
	s.qmu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.qmu.Unlock()
	s.writer.Wait()
}

// SetRedactFields swaps the export redaction list.
func (s *Sink) SetRedactFields(fields []string) {
	s.redactor.Store(NewRedactor(fields))
}

// Accepted records an accepted envelope. seq is nil for unsequenced traffic.
func (s *Sink) Accepted(env envelope.Envelope, seq *uint64) {
	s.Append(Record{Sequence: seq, Outcome: Accepted, Envelope: env})
}

// Rejected records a rejected envelope with the failure reason.
func (s *Sink) Rejected(env envelope.Envelope, reason error) {
	msg := "rejected"
	if reason != nil {
		msg = reason.Error()
	}
	s.Append(Record{Outcome: Rejected, Reason: &msg, Envelope: env})
}

// Append adds rec, stamping RecordedAt when unset, and applies retention.
// The durable mirror is written asynchronously in append order; its
// failures and drops are counted, never returned.
func (s *Sink) Append(rec Record) {
	now := s.opts.Now()
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = now
	}
	rec.Envelope = rec.Envelope.Clone()

	s.mu.Lock()
	s.records = append(s.records, rec)
	s.pruneLocked(now)
	s.mu.Unlock()

	if s.queue != nil {
		s.enqueue(rec)
	}
}

func (s *Sink) pruneLocked(now time.Time) {
	drop := 0
	if s.opts.MaxRecords > 0 && len(s.records) > s.opts.MaxRecords {
		drop = len(s.records) - s.opts.MaxRecords
	}
	if s.opts.MaxAge > 0 {
		cutoff := now.Add(-s.opts.MaxAge)
		for drop < len(s.records) && s.records[drop].RecordedAt.Before(cutoff) {
			drop++
		}
	}
	if drop > 0 {
		s.records = append(s.records[:0:0], s.records[drop:]...)
	}
}

// Len returns the number of retained records.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// StoreErrors returns how many durable appends failed or were dropped.
func (s *Sink) StoreErrors() int64 {
	return s.storeErrors.Load()
}

// Records returns a copy of the retained records, oldest first.
func (s *Sink) Records() []Record {
	return s.Replay(time.Time{})
}

// Replay returns retained records recorded at or after since. A zero since
// returns everything.
func (s *Sink) Replay(since time.Time) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if !since.IsZero() && r.RecordedAt.Before(since) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ReplayDurable reads from the durable store, or memory when there is none.
// Queued records are flushed first.
func (s *Sink) ReplayDurable(ctx context.Context, since time.Time) ([]Record, error) {
	if s.opts.Store == nil {
		return s.Replay(since), nil
	}
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	return s.opts.Store.ReplayAudit(ctx, since)
}

// ExportRow is the denormalized, redacted form of a Record.
type ExportRow struct {
	RecordedAt    string         `json:"recorded_at"`
	Sequence      *uint64        `json:"sequence"`
	Outcome       Outcome        `json:"outcome"`
	Reason        *string        `json:"reason"`
	EnvelopeID    string         `json:"envelope_id"`
	EnvelopeType  string         `json:"envelope_type"`
	Name          string         `json:"name,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	WorkspaceID   string         `json:"workspace_id,omitempty"`
	LaneID        string         `json:"lane_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	TerminalID    string         `json:"terminal_id,omitempty"`
	Envelope      map[string]any `json:"envelope"`
}

// Export returns every retained record in exported form.
func (s *Sink) Export() []ExportRow {
	return ExportRecords(s.Records(), s.redactor.Load())
}

// ExportRecords converts records using r for redaction.
func ExportRecords(records []Record, r *Redactor) []ExportRow {
	rows := make([]ExportRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, exportRow(rec, r))
	}
	return rows
}

// Redactor returns the active export redactor.
func (s *Sink) Redactor() *Redactor {
	return s.redactor.Load()
}

func exportRow(rec Record, r *Redactor) ExportRow {
	env := rec.Envelope
	row := ExportRow{
		RecordedAt:    rec.RecordedAt.UTC().Format(time.RFC3339Nano),
		Sequence:      rec.Sequence,
		Outcome:       rec.Outcome,
		EnvelopeID:    env.ID,
		EnvelopeType:  string(env.Type),
		CorrelationID: env.CorrelationID,
		WorkspaceID:   env.WorkspaceID,
		LaneID:        env.LaneID,
		SessionID:     env.SessionID,
		TerminalID:    env.TerminalID,
	}
	switch env.Type {
	case envelope.TypeCommand:
		row.Name = string(env.Method)
	case envelope.TypeEvent:
		row.Name = string(env.Topic)
	default:
		row.Name = string(env.Status)
	}
	if rec.Reason != nil {
		reason := RedactString(*rec.Reason)
		row.Reason = &reason
	}

	var generic map[string]any
	if data, err := json.Marshal(env); err == nil {
		_ = json.Unmarshal(data, &generic)
	}
	if m, ok := r.Value(generic).(map[string]any); ok {
		row.Envelope = m
	}
	return row
}

// Package statedb is the SQLite store behind the durable audit ledger,
// recovery checkpoints and the single-daemon ownership lease.
package statedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/asheshgoplani/lanedeck/internal/audit"
	"github.com/asheshgoplani/lanedeck/internal/envelope"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// StateDB wraps a SQLite database.
// Thread-safe for concurrent use from multiple goroutines within one process.
// Multiple OS processes can safely read/write via WAL mode + busy timeout.
type StateDB struct {
	db  *sql.DB
	pid int
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	// busy_timeout is per connection; the DSN pragma applies it to every
	// connection the pool opens.
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	return &StateDB{db: db, pid: os.Getpid()}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced use cases (e.g., testing).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []struct {
		name string
		sql  string
	}{
		{"metadata", `
			CREATE TABLE IF NOT EXISTS metadata (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`},
		{"audit_records", `
			CREATE TABLE IF NOT EXISTS audit_records (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				recorded_at    INTEGER NOT NULL,
				sequence       INTEGER,
				outcome        TEXT NOT NULL,
				reason         TEXT,
				envelope_id    TEXT NOT NULL,
				correlation_id TEXT NOT NULL DEFAULT '',
				envelope       TEXT NOT NULL
			)`},
		{"audit_records index", `
			CREATE INDEX IF NOT EXISTS idx_audit_recorded_at ON audit_records(recorded_at)`},
		{"checkpoints", `
			CREATE TABLE IF NOT EXISTS checkpoints (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at INTEGER NOT NULL,
				data       TEXT NOT NULL
			)`},
		{"daemon_heartbeats", `
			CREATE TABLE IF NOT EXISTS daemon_heartbeats (
				pid        INTEGER PRIMARY KEY,
				started    INTEGER NOT NULL,
				heartbeat  INTEGER NOT NULL,
				is_primary INTEGER NOT NULL DEFAULT 0
			)`},
	}
	for _, st := range stmts {
		if _, err := tx.Exec(st.sql); err != nil {
			return fmt.Errorf("statedb: create %s: %w", st.name, err)
		}
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)",
		fmt.Sprintf("%d", SchemaVersion),
	); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// --- Audit ---

// AppendAudit implements audit.Store.
func (s *StateDB) AppendAudit(ctx context.Context, rec audit.Record) error {
	data, err := json.Marshal(rec.Envelope)
	if err != nil {
		return fmt.Errorf("statedb: encode envelope: %w", err)
	}
	var seq any
	if rec.Sequence != nil {
		seq = int64(*rec.Sequence)
	}
	var reason any
	if rec.Reason != nil {
		reason = *rec.Reason
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records (recorded_at, sequence, outcome, reason, envelope_id, correlation_id, envelope)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.RecordedAt.UnixNano(), seq, string(rec.Outcome), reason,
		rec.Envelope.ID, rec.Envelope.CorrelationID, string(data))
	if err != nil {
		return fmt.Errorf("statedb: append audit: %w", err)
	}
	return nil
}

// ReplayAudit implements audit.Store. Records come back in insertion order.
func (s *StateDB) ReplayAudit(ctx context.Context, since time.Time) ([]audit.Record, error) {
	var cutoff int64
	if !since.IsZero() {
		cutoff = since.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT recorded_at, sequence, outcome, reason, envelope
		FROM audit_records WHERE recorded_at >= ? ORDER BY id
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("statedb: replay audit: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			recordedAt int64
			seq        sql.NullInt64
			outcome    string
			reason     sql.NullString
			data       string
		)
		if err := rows.Scan(&recordedAt, &seq, &outcome, &reason, &data); err != nil {
			return nil, fmt.Errorf("statedb: scan audit: %w", err)
		}
		rec := audit.Record{
			RecordedAt: time.Unix(0, recordedAt),
			Outcome:    audit.Outcome(outcome),
		}
		if seq.Valid {
			v := uint64(seq.Int64)
			rec.Sequence = &v
		}
		if reason.Valid {
			r := reason.String
			rec.Reason = &r
		}
		var env envelope.Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			return nil, fmt.Errorf("statedb: decode envelope: %w", err)
		}
		rec.Envelope = env
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneAudit deletes audit rows recorded before cutoff and returns how many went.
func (s *StateDB) PruneAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_records WHERE recorded_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("statedb: prune audit: %w", err)
	}
	return res.RowsAffected()
}

// --- Checkpoints ---

// SaveCheckpoint stores a checkpoint document. Only the newest keep rows survive.
func (s *StateDB) SaveCheckpoint(ctx context.Context, data []byte, keep int) error {
	if keep <= 0 {
		keep = 10
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("statedb: begin checkpoint: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO checkpoints (created_at, data) VALUES (?, ?)",
		time.Now().UnixNano(), string(data),
	); err != nil {
		return fmt.Errorf("statedb: insert checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE id NOT IN (
			SELECT id FROM checkpoints ORDER BY id DESC LIMIT ?
		)`, keep); err != nil {
		return fmt.Errorf("statedb: trim checkpoints: %w", err)
	}
	return tx.Commit()
}

// LatestCheckpoint returns the newest checkpoint, or nil data when none exist.
func (s *StateDB) LatestCheckpoint(ctx context.Context) ([]byte, time.Time, error) {
	var (
		createdAt int64
		data      string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT created_at, data FROM checkpoints ORDER BY id DESC LIMIT 1",
	).Scan(&createdAt, &data)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("statedb: latest checkpoint: %w", err)
	}
	return []byte(data), time.Unix(0, createdAt), nil
}

// --- Daemon heartbeat ---

// RegisterDaemon records this process as a running daemon.
func (s *StateDB) RegisterDaemon() error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO daemon_heartbeats (pid, started, heartbeat, is_primary)
		VALUES (?, ?, ?, 0)
	`, s.pid, now, now)
	return err
}

// Heartbeat updates the heartbeat timestamp for this process.
func (s *StateDB) Heartbeat() error {
	_, err := s.db.Exec(
		"UPDATE daemon_heartbeats SET heartbeat = ? WHERE pid = ?",
		time.Now().Unix(), s.pid,
	)
	return err
}

// UnregisterDaemon removes this process from the heartbeat table.
func (s *StateDB) UnregisterDaemon() error {
	_, err := s.db.Exec("DELETE FROM daemon_heartbeats WHERE pid = ?", s.pid)
	return err
}

// PrimaryPID returns the pid of the live primary daemon, or 0.
func (s *StateDB) PrimaryPID(timeout time.Duration) (int, error) {
	var pid int
	cutoff := time.Now().Add(-timeout).Unix()
	err := s.db.QueryRow(
		"SELECT pid FROM daemon_heartbeats WHERE is_primary = 1 AND heartbeat >= ? LIMIT 1", cutoff,
	).Scan(&pid)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return pid, err
}

// ElectPrimary attempts to make this daemon the owner of the data directory.
// Returns true if this process is now (or already was) the primary.
func (s *StateDB) ElectPrimary(timeout time.Duration) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("statedb: begin elect: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := time.Now().Add(-timeout).Unix()

	if _, err := tx.Exec(
		"UPDATE daemon_heartbeats SET is_primary = 0 WHERE heartbeat < ? AND is_primary = 1",
		cutoff,
	); err != nil {
		return false, fmt.Errorf("statedb: clear stale primary: %w", err)
	}

	var existingPID int
	err = tx.QueryRow(
		"SELECT pid FROM daemon_heartbeats WHERE is_primary = 1 AND heartbeat >= ? LIMIT 1",
		cutoff,
	).Scan(&existingPID)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("statedb: commit elect: %w", err)
		}
		return existingPID == s.pid, nil
	}

	if _, err := tx.Exec(
		"UPDATE daemon_heartbeats SET is_primary = 1 WHERE pid = ?",
		s.pid,
	); err != nil {
		return false, fmt.Errorf("statedb: claim primary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("statedb: commit elect: %w", err)
	}
	return true, nil
}

// ResignPrimary clears the is_primary flag for this process.
func (s *StateDB) ResignPrimary() error {
	_, err := s.db.Exec(
		"UPDATE daemon_heartbeats SET is_primary = 0 WHERE pid = ?",
		s.pid,
	)
	return err
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

var _ audit.Store = (*StateDB)(nil)

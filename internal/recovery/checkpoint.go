// Package recovery rebuilds runtime state from checkpoints and watches the
// live registries for drift. It reports what needs attention; it never
// repairs anything on its own.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/asheshgoplani/lanedeck/internal/lane"
	"github.com/asheshgoplani/lanedeck/internal/logging"
	"github.com/asheshgoplani/lanedeck/internal/session"
	"github.com/asheshgoplani/lanedeck/internal/terminal"
)

var recLog = logging.ForComponent(logging.CompRecovery)

// Checkpoint is the persisted view of the registries.
type Checkpoint struct {
	TakenAt   time.Time         `json:"taken_at"`
	Lanes     []lane.Record     `json:"lanes"`
	Sessions  []session.Record  `json:"sessions"`
	Terminals []terminal.Record `json:"terminals"`
}

// Encode serializes a checkpoint. Nil slices are written as empty arrays.
func Encode(cp Checkpoint) ([]byte, error) {
	if cp.Lanes == nil {
		cp.Lanes = []lane.Record{}
	}
	if cp.Sessions == nil {
		cp.Sessions = []session.Record{}
	}
	if cp.Terminals == nil {
		cp.Terminals = []terminal.Record{}
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return data, nil
}

// Decode parses a checkpoint document.
func Decode(data []byte) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// Store persists checkpoint documents. *statedb.StateDB implements it.
type Store interface {
	SaveCheckpoint(ctx context.Context, data []byte, keep int) error
	LatestCheckpoint(ctx context.Context) ([]byte, time.Time, error)
}

// DefaultKeep is how many checkpoints Save retains.
const DefaultKeep = 10

// Save encodes cp and writes it to the store.
func Save(ctx context.Context, s Store, cp Checkpoint) error {
	data, err := Encode(cp)
	if err != nil {
		return err
	}
	if err := s.SaveCheckpoint(ctx, data, DefaultKeep); err != nil {
		return err
	}
	recLog.Debug("checkpoint_saved",
		slog.Int("lanes", len(cp.Lanes)),
		slog.Int("sessions", len(cp.Sessions)),
		slog.Int("terminals", len(cp.Terminals)),
		slog.Int("bytes", len(data)))
	return nil
}

// Load returns the newest stored checkpoint. ok is false when none exists.
func Load(ctx context.Context, s Store) (cp Checkpoint, ok bool, err error) {
	data, at, err := s.LatestCheckpoint(ctx)
	if err != nil {
		return Checkpoint{}, false, err
	}
	if data == nil {
		return Checkpoint{}, false, nil
	}
	cp, err = Decode(data)
	if err != nil {
		return Checkpoint{}, false, err
	}
	if cp.TakenAt.IsZero() {
		cp.TakenAt = at
	}
	return cp, true, nil
}

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/envproc/internal/ir"
)

// Direction is "in" for frames the worker consumed and "out" for frames it
// published.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// ErrInvalidDirection is returned for a direction other than in or out.
var ErrInvalidDirection = errors.New("store: invalid frame direction")

// Run describes one recorded worker run.
type Run struct {
	ID            string
	ProcID        string
	Env           string
	Seed          int64
	Serde         string // canonical JSON of the serde configuration
	EngineVersion string
	Protocol      uint32
}

// Frame is one recorded frame. Payloads are not kept.
type Frame struct {
	Seq       int64
	Direction Direction
	Size      int
	Digest    string
}

// NewRunID returns a time-sortable UUIDv7 run identifier.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// BeginRun inserts run and returns a recorder for its frames. An empty
// run.ID is filled with NewRunID; engine and protocol versions default to
// the running build's.
func (s *Store) BeginRun(ctx context.Context, run Run) (*Recorder, error) {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.EngineVersion == "" {
		run.EngineVersion = ir.EngineVersion
	}
	if run.Protocol == 0 {
		run.Protocol = ir.ProtocolVersion
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, proc_id, env, seed, serde, engine_version, protocol)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ProcID, run.Env, run.Seed, run.Serde, run.EngineVersion, run.Protocol)
	if err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}

	return &Recorder{store: s, run: run, clock: NewClock()}, nil
}

// WriteFrame inserts one frame record.
func (s *Store) WriteFrame(ctx context.Context, runID string, f Frame) error {
	if f.Direction != DirectionIn && f.Direction != DirectionOut {
		return fmt.Errorf("write frame: %w: %q", ErrInvalidDirection, f.Direction)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO frames (run_id, seq, direction, size, digest)
		VALUES (?, ?, ?, ?, ?)
	`, runID, f.Seq, string(f.Direction), f.Size, f.Digest)
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Recorder appends frames to one run in clock order.
// It is used from the worker's single loop and is not meant to be shared.
type Recorder struct {
	store *Store
	run   Run
	clock *Clock
}

// Run returns the run being recorded.
func (r *Recorder) Run() Run {
	return r.run
}

// Record digests frame and writes it at the next seq.
func (r *Recorder) Record(ctx context.Context, dir Direction, frame []byte) error {
	return r.store.WriteFrame(ctx, r.run.ID, Frame{
		Seq:       r.clock.Next(),
		Direction: dir,
		Size:      len(frame),
		Digest:    ir.FrameDigest(frame),
	})
}

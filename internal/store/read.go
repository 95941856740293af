package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("store: run not found")

// GetRun returns one run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	var r Run
	err := s.db.QueryRowContext(ctx, `
		SELECT id, proc_id, env, seed, serde, engine_version, protocol
		FROM runs WHERE id = ?
	`, id).Scan(&r.ID, &r.ProcID, &r.Env, &r.Seed, &r.Serde, &r.EngineVersion, &r.Protocol)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns every run in insertion order.
// Returns an empty slice (not nil) when there are none.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.Query(ctx, `
		SELECT id, proc_id, env, seed, serde, engine_version, protocol
		FROM runs
		ORDER BY rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.ProcID, &r.Env, &r.Seed, &r.Serde, &r.EngineVersion, &r.Protocol); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadFrames returns a run's frames ordered by seq.
// Returns an empty slice (not nil) when the run has no frames.
func (s *Store) ReadFrames(ctx context.Context, runID string) ([]Frame, error) {
	rows, err := s.Query(ctx, `
		SELECT seq, direction, size, digest
		FROM frames
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer rows.Close()

	frames := []Frame{}
	for rows.Next() {
		var (
			f   Frame
			dir string
		)
		if err := rows.Scan(&f.Seq, &dir, &f.Size, &f.Digest); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		f.Direction = Direction(dir)
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate frames: %w", err)
	}
	return frames, nil
}

package store

import (
	"context"
	"fmt"
)

// Divergence is the first point where two runs' frame logs disagree.
type Divergence struct {
	Seq    int64
	Reason string
	A      *Frame // nil when run A ended first
	B      *Frame // nil when run B ended first
}

func (d *Divergence) String() string {
	return fmt.Sprintf("seq %d: %s", d.Seq, d.Reason)
}

// CompareRuns walks two runs' frames in seq order and returns the first
// divergence, or nil when the logs are identical.
func (s *Store) CompareRuns(ctx context.Context, runA, runB string) (*Divergence, error) {
	for _, id := range []string{runA, runB} {
		if _, err := s.GetRun(ctx, id); err != nil {
			return nil, fmt.Errorf("compare runs: %w", err)
		}
	}

	a, err := s.ReadFrames(ctx, runA)
	if err != nil {
		return nil, fmt.Errorf("compare runs: %w", err)
	}
	b, err := s.ReadFrames(ctx, runB)
	if err != nil {
		return nil, fmt.Errorf("compare runs: %w", err)
	}

	for i := 0; i < len(a) && i < len(b); i++ {
		fa, fb := a[i], b[i]
		switch {
		case fa.Seq != fb.Seq:
			return &Divergence{Seq: min(fa.Seq, fb.Seq), Reason: "sequence gap", A: &fa, B: &fb}, nil
		case fa.Direction != fb.Direction:
			return &Divergence{Seq: fa.Seq, Reason: fmt.Sprintf("direction %s vs %s", fa.Direction, fb.Direction), A: &fa, B: &fb}, nil
		case fa.Size != fb.Size:
			return &Divergence{Seq: fa.Seq, Reason: fmt.Sprintf("%s frame size %d vs %d", fa.Direction, fa.Size, fb.Size), A: &fa, B: &fb}, nil
		case fa.Digest != fb.Digest:
			return &Divergence{Seq: fa.Seq, Reason: fmt.Sprintf("%s frame digest differs", fa.Direction), A: &fa, B: &fb}, nil
		}
	}

	switch {
	case len(a) > len(b):
		f := a[len(b)]
		return &Divergence{Seq: f.Seq, Reason: fmt.Sprintf("run %s has %d more frames", runA, len(a)-len(b)), A: &f}, nil
	case len(b) > len(a):
		f := b[len(a)]
		return &Divergence{Seq: f.Seq, Reason: fmt.Sprintf("run %s has %d more frames", runB, len(b)-len(a)), B: &f}, nil
	}
	return nil, nil
}

package tile

import (
	"context"
	"sync"

	"github.com/calvinalkan/gridcalc/internal/unit"
)

// Progress carries the completed tiles of an interrupted computation across
// attempts. Each named step keeps its own checkpoint and per-tile results;
// a step is restarted when the tiling it ran over changes.
//
// A nil *Progress is valid and keeps nothing.
type Progress struct {
	gate *Gate

	mu    sync.Mutex
	steps map[string]any
}

// NewProgress returns an empty progress whose runs wait on gate. gate may be
// nil.
func NewProgress(gate *Gate) *Progress {
	return &Progress{gate: gate, steps: make(map[string]any)}
}

// Gate returns the gate runs wait on, or nil.
func (p *Progress) Gate() *Gate {
	if p == nil {
		return nil
	}

	return p.gate
}

// Completed returns the number of tiles step has finished so far.
func (p *Progress) Completed(step string) uint32 {
	if p == nil {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.steps[step].(interface{ completed() uint32 }); ok {
		return s.completed()
	}

	return 0
}

type stepState[P any] struct {
	tiling *unit.Tiling
	cp     *Checkpoint
	parts  []P
}

func (s *stepState[P]) completed() uint32 { return s.cp.Completed() }

func stepOf[P any](p *Progress, step string, t *unit.Tiling) *stepState[P] {
	fresh := func() *stepState[P] {
		return &stepState[P]{tiling: t, cp: NewCheckpoint(t.Count()), parts: make([]P, t.Count())}
	}

	if p == nil {
		return fresh()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.steps[step].(*stepState[P]); ok && s.tiling.Equal(t) {
		return s
	}

	s := fresh()
	p.steps[step] = s

	return s
}

// RunResumable runs fn for every tile of t that step of p has not yet
// completed and returns the per-tile results in tile order. Results of a
// run that is cancelled or fails stay in p, so the next call for the same
// step and tiling only computes the missing tiles.
func RunResumable[P any](
	ctx context.Context,
	r *Runner,
	t *unit.Tiling,
	p *Progress,
	step string,
	fn func(ctx context.Context, id uint32) (P, error),
) ([]P, error) {
	s := stepOf[P](p, step, t)

	err := r.Run(ctx, t, s.cp, p.Gate(), func(ctx context.Context, id uint32) error {
		v, err := fn(ctx, id)
		if err != nil {
			return err
		}

		s.parts[id] = v

		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.parts, nil
}

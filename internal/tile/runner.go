package tile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/gridcalc/internal/unit"
)

// ErrInvalidWorkers is returned for a non-positive worker count.
var ErrInvalidWorkers = errors.New("worker count must be positive")

// Func computes one tile.
type Func func(ctx context.Context, id uint32) error

// Runner executes per-tile work on a bounded pool of workers.
type Runner struct {
	workers int
	log     *zap.Logger
}

// NewRunner returns a runner with the given worker limit.
func NewRunner(workers int, log *zap.Logger) (*Runner, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWorkers, workers)
	}

	if log == nil {
		log = zap.NewNop()
	}

	return &Runner{workers: workers, log: log}, nil
}

// Workers returns the worker limit.
func (r *Runner) Workers() int { return r.workers }

// Run calls fn for every tile of t. Tiles are dequeued in ascending id order
// but may complete in any order.
//
// Cancellation is checked before each tile is dequeued. A non-nil gate
// suspends dequeuing while it is closed. A non-nil checkpoint skips tiles it
// already marks as done and records every tile that completes, so a
// cancelled or failed run can be resumed without repeating work.
func (r *Runner) Run(ctx context.Context, t *unit.Tiling, cp *Checkpoint, gate *Gate, fn Func) error {
	if cp != nil && cp.Len() != t.Count() {
		panic(fmt.Sprintf("tile: checkpoint for %d tiles used with tiling of %d", cp.Len(), t.Count()))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for id := range t.Count() {
		if cp != nil && cp.Done(id) {
			continue
		}

		if gate != nil {
			if err := gate.Wait(gctx); err != nil {
				break
			}
		}

		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			if err := fn(gctx, id); err != nil {
				return fmt.Errorf("tile %d: %w", id, err)
			}

			if cp != nil {
				cp.Mark(id)
			}

			return nil
		})
	}

	err := g.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		r.log.Debug("tile run interrupted", zap.Uint32("tiles", t.Count()), zap.Error(ctxErr))

		return ctxErr
	}

	return err
}

// Gate suspends a [Runner] between tiles. The zero value is open.
type Gate struct {
	mu     sync.Mutex
	closed chan struct{}
}

// Suspend stops runners from dequeuing further tiles. Tiles already running
// finish normally.
func (g *Gate) Suspend() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed == nil {
		g.closed = make(chan struct{})
	}
}

// Resume reopens the gate.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed != nil {
		close(g.closed)
		g.closed = nil
	}
}

// Suspended reports whether the gate is closed.
func (g *Gate) Suspended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.closed != nil
}

// Wait blocks while the gate is closed.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.closed
	g.mu.Unlock()

	if ch == nil {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Checkpoint records which tiles of a run have completed.
type Checkpoint struct {
	mu    sync.Mutex
	n     uint32
	done  []uint64
	count uint32
}

// NewCheckpoint returns an empty checkpoint for n tiles.
func NewCheckpoint(n uint32) *Checkpoint {
	return &Checkpoint{n: n, done: make([]uint64, (n+63)/64)}
}

// Len returns the number of tiles tracked.
func (c *Checkpoint) Len() uint32 { return c.n }

// Done reports whether tile id has completed.
func (c *Checkpoint) Done(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.done[id/64]&(1<<(id%64)) != 0
}

// Mark records tile id as completed.
func (c *Checkpoint) Mark(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bit := uint64(1) << (id % 64)
	if c.done[id/64]&bit == 0 {
		c.done[id/64] |= bit
		c.count++
	}
}

// Completed returns the number of completed tiles.
func (c *Checkpoint) Completed() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.count
}

// Complete reports whether every tile has completed.
func (c *Checkpoint) Complete() bool {
	return c.Completed() == c.n
}

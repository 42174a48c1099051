package actor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Demand makes sure h is computed and returns its failure, if any.
//
// The caller must hold interest in h. The first demander computes; every
// concurrent demander blocks until that computation publishes its outcome.
// A cancelled computation leaves the node NotCalculated and returns the
// context error.
func (g *Graph) Demand(ctx context.Context, h Handle) error {
	n := g.node(h)

	if n.interest.Load() <= 0 {
		return fmt.Errorf("demand %q: %w", n.name, ErrNoInterest)
	}

	for {
		n.mu.Lock()

		switch {
		case n.state == Calculated && !n.dirty:
			n.mu.Unlock()

			return nil
		case n.state == Failed && !n.dirty:
			f := n.failure
			n.mu.Unlock()

			return f
		case n.state == Calculating:
			done := n.done
			n.mu.Unlock()

			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		n.state = Calculating
		n.dirty = false
		n.failure = nil
		n.done = make(chan struct{})
		n.mu.Unlock()

		return g.calculate(ctx, n)
	}
}

func (g *Graph) calculate(ctx context.Context, n *node) error {
	g.metrics.computations.Inc()

	err := g.run(ctx, n)

	n.mu.Lock()
	defer func() {
		close(n.done)
		n.done = nil
		n.mu.Unlock()
	}()

	if err == nil {
		n.state = Calculated
		n.version++

		return nil
	}

	if errCancelled(ctx, err) {
		g.metrics.cancellations.Inc()
		n.state = NotCalculated
		g.log.Debug("computation cancelled", zap.String("item", n.name))

		return ctx.Err()
	}

	g.metrics.failures.Inc()

	n.state = Failed
	n.failure = asFailure(n.name, err)

	g.log.Debug("computation failed",
		zap.String("item", n.name),
		zap.Bool("fatal", n.failure.Fatal),
		zap.String("msg", n.failure.Msg))

	return n.failure
}

// run demands all suppliers under acquired interest and then computes n.
// Supplier interest is released on every exit path.
func (g *Graph) run(ctx context.Context, n *node) error {
	all := make([]Handle, 0, len(n.meta)+len(n.suppliers))
	all = append(all, n.meta...)
	all = append(all, n.suppliers...)

	guards := make([]*InterestGuard, 0, len(all))

	defer func() {
		for _, ig := range guards {
			ig.Release()
		}
	}()

	for _, s := range all {
		guards = append(guards, g.Acquire(s))
	}

	if len(all) > 0 {
		eg, ectx := errgroup.WithContext(ctx)
		eg.SetLimit(g.workers)

		for _, s := range all {
			eg.Go(func() error { return g.Demand(ectx, s) })
		}

		if err := eg.Wait(); err != nil {
			var sup *Failure
			if errors.As(err, &sup) {
				return supplierFailed(n.name, sup)
			}

			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if n.compute == nil {
		return nil
	}

	return safeCompute(ctx, n.compute)
}

func safeCompute(ctx context.Context, fn ComputeFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Failure{Msg: fmt.Sprintf("panic: %v", r), Fatal: true}
		}
	}()

	return fn(ctx)
}

func asFailure(item string, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		if f.Item == "" {
			// Copy so that the caller's value is not mutated.
			c := *f
			c.Item = item

			return &c
		}

		return f
	}

	return &Failure{Item: item, Msg: err.Error(), Cause: err}
}

// Invalidate marks h and all of its transitive dependents dirty. Nodes that
// currently hold interest are recomputed synchronously; the others recompute
// on their next demand. Failures of the recomputation are recorded on the
// nodes; the returned error joins them.
func (g *Graph) Invalidate(ctx context.Context, h Handle) error {
	order := g.closure(h)

	for _, x := range order {
		n := g.node(x)

		n.mu.Lock()
		if n.state != NotCalculated {
			n.dirty = true
		}
		n.mu.Unlock()
	}

	var errs []error

	for _, x := range order {
		if g.Interest(x) <= 0 {
			continue
		}

		if err := g.Demand(ctx, x); err != nil {
			if errCancelled(ctx, err) {
				return err
			}

			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// closure returns h and its transitive dependents, suppliers before their
// dependents.
func (g *Graph) closure(h Handle) []Handle {
	seen := map[Handle]bool{}

	var order []Handle

	var visit func(x Handle)

	visit = func(x Handle) {
		if seen[x] {
			return
		}

		seen[x] = true

		for _, d := range g.Dependents(x) {
			visit(d)
		}

		order = append(order, x)
	}

	visit(h)

	// Reverse post-order of the dependents walk is a topological order.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}

	return order
}

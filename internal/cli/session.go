package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/calvinalkan/gridcalc/internal/calc"
	"github.com/calvinalkan/gridcalc/internal/config"
	"github.com/calvinalkan/gridcalc/internal/store"
)

// session opens the store and the engine on first use and closes them once
// the command is done.
type session struct {
	cfg *config.Config
	log *zap.Logger
	reg *prometheus.Registry

	store  *store.Manager
	engine *calc.Engine
}

func newSession(cfg *config.Config, log *zap.Logger) *session {
	return &session{cfg: cfg, log: log, reg: prometheus.NewRegistry()}
}

func (s *session) openStore(ctx context.Context) (*store.Manager, error) {
	if s.store != nil {
		return s.store, nil
	}

	m, err := store.Open(ctx, store.Options{
		Dir:         s.cfg.CacheDirAbs,
		Persist:     s.cfg.Persist,
		LockTimeout: s.cfg.LockTimeoutDur,
		Logger:      s.log,
		Registerer:  s.reg,
	})
	if err != nil {
		return nil, err
	}

	s.store = m

	return m, nil
}

func (s *session) openEngine(ctx context.Context) (*calc.Engine, error) {
	if s.engine != nil {
		return s.engine, nil
	}

	m, err := s.openStore(ctx)
	if err != nil {
		return nil, err
	}

	e, err := calc.NewEngine(calc.Options{
		Workers:    s.cfg.Workers,
		TileSize:   s.cfg.TileSize,
		Store:      m,
		Logger:     s.log,
		Registerer: s.reg,
	})
	if err != nil {
		return nil, err
	}

	s.engine = e

	return e, nil
}

// close commits pending results and saves the record map.
func (s *session) close(ctx context.Context) error {
	var errs []error

	if s.engine != nil {
		if err := s.engine.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("engine: %w", err))
		}
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}

	return errors.Join(errs...)
}

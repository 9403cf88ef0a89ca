// Package supervisor owns one trading unit per configured venue and
// keeps them alive: a unit that panics is logged and restarted, and a
// shutdown is broadcast to every unit through the halt coordinator.
package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/okvist/kratt/internal/config"
	"github.com/okvist/kratt/internal/gateway"
	"github.com/okvist/kratt/internal/halt"
	"github.com/okvist/kratt/internal/observ"
	"github.com/okvist/kratt/internal/store"
	"github.com/okvist/kratt/internal/strategy"
	"github.com/okvist/kratt/internal/trader"
)

const (
	restartDelay = 10 * time.Second
	drainGrace   = 5 * time.Second
)

type Supervisor struct {
	reg    *gateway.Registry
	halter *halt.Coordinator
	cfg    config.Root
}

func New(reg *gateway.Registry, halter *halt.Coordinator, cfg config.Root) *Supervisor {
	return &Supervisor{reg: reg, halter: halter, cfg: cfg}
}

// Run starts every venue unit and blocks until the context is cancelled
// and the units drain, waiting at most a grace period for stragglers.
// The halt marker is raised for the drain and cleared again before
// returning.
func (s *Supervisor) Run(ctx context.Context) error {
	clients := s.reg.All()
	if len(clients) == 0 {
		return fmt.Errorf("supervisor: no venues available")
	}

	unitCtx, cancelUnits := s.halter.Context(ctx)
	defer cancelUnits()
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c gateway.Client) {
			defer wg.Done()
			s.runUnit(unitCtx, c)
		}(c)
	}
	observ.Log("supervisor_started", map[string]any{"venues": len(clients)})

	<-ctx.Done()
	if err := s.halter.Signal(); err != nil {
		observ.Warn("halt_signal_failed", map[string]any{"error": err.Error()})
	}
	observ.Log("supervisor_draining", map[string]any{"venues": len(clients)})
	if !waitTimeout(&wg, drainGrace) {
		observ.Warn("supervisor_drain_timeout", map[string]any{"grace": drainGrace.String()})
	}

	if err := s.halter.Clear(); err != nil {
		observ.Warn("halt_clear_failed", map[string]any{"error": err.Error()})
	}
	observ.Log("supervisor_stopped", nil)
	return nil
}

// waitTimeout waits for the group up to the grace period. A stuck unit
// must not hold the whole shutdown hostage; the process exits anyway and
// the OS reaps whatever ignored its context.
func waitTimeout(wg *sync.WaitGroup, grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

// runUnit builds the per-venue stack and keeps restarting it until the
// context ends. Each venue gets its own state directory so populations
// and tracked orders never mix.
func (s *Supervisor) runUnit(ctx context.Context, c gateway.Client) {
	for ctx.Err() == nil {
		s.runOnce(ctx, c)
		if ctx.Err() != nil {
			return
		}
		observ.Log("unit_restarting", map[string]any{
			"venue": c.Name(), "delay": restartDelay.String(),
		})
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, c gateway.Client) {
	defer func() {
		if r := recover(); r != nil {
			observ.Error("unit_panic", map[string]any{
				"venue": c.Name(), "panic": fmt.Sprint(r),
			})
		}
	}()

	db, err := store.New(filepath.Join(s.cfg.DataDir, c.Name()))
	if err != nil {
		observ.Error("unit_store_failed", map[string]any{
			"venue": c.Name(), "error": err.Error(),
		})
		return
	}
	engine := strategy.New(c, db, s.cfg.Strategy, s.cfg.QuotaBTC)
	t := trader.New(c, engine, db, s.halter, s.cfg)
	observ.Log("unit_started", map[string]any{"venue": c.Name(), "live": s.cfg.LiveMode})
	t.Run(ctx)
}

// Package dispatcher runs a pool of workers against the shared store and
// fires the finalize/initialize hooks when every worker is idle at once.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/recoverable-crawler/internal/crawler"
	"github.com/JakeFAU/recoverable-crawler/internal/metrics"
)

// Stepper performs one engine iteration. worked is false when no item was
// available.
type Stepper interface {
	Step(ctx context.Context) (worked bool, err error)
}

// Config controls idle behavior.
type Config struct {
	IdleShort        time.Duration
	IdleLong         time.Duration
	QuiescencePause  time.Duration
	StopOnQuiescence bool
}

// Dispatcher fans work out to a pool of workers.
type Dispatcher struct {
	workers  []Stepper
	hooks    crawler.Hooks
	registry *crawler.Registry
	cfg      Config
	logger   *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	idle      []bool
	idleCount int
	fired     bool
	paused    bool
}

// New creates a Dispatcher. hooks and registry may be nil.
func New(workers []Stepper, hooks crawler.Hooks, registry *crawler.Registry, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IdleShort <= 0 {
		cfg.IdleShort = 100 * time.Millisecond
	}
	if cfg.IdleLong <= 0 {
		cfg.IdleLong = time.Second
	}
	d := &Dispatcher{
		workers:  workers,
		hooks:    hooks,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		idle:     make([]bool, len(workers)),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Run freezes the registry, runs Initialize once, then starts all workers and
// blocks until the context finishes or, with StopOnQuiescence, until the
// first quiescence episode has been finalized.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.workers) == 0 {
		return fmt.Errorf("dispatcher: no workers")
	}
	if d.registry != nil {
		d.registry.Freeze()
	}
	if d.hooks != nil {
		if err := d.hooks.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	defer stop()

	d.logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))
	for i, w := range d.workers {
		g.Go(func() error {
			d.loop(gctx, cancel, i, w)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("workers: %w", err)
	}
	d.logger.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) loop(ctx context.Context, stop context.CancelFunc, id int, w Stepper) {
	log := d.logger.With(zap.Int("worker", id))
	idleRounds := 0
	for {
		if !d.begin(ctx, id) {
			return
		}
		worked, err := w.Step(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Error("step failed", zap.Error(err))
		}
		if worked {
			d.rearm()
			idleRounds = 0
			continue
		}

		if d.markIdle(id) {
			d.quiesce(ctx, stop)
			if ctx.Err() != nil {
				return
			}
		}
		idleRounds++
		delay := d.cfg.IdleLong
		if idleRounds == 1 {
			delay = d.cfg.IdleShort
		}
		if !sleep(ctx, delay) {
			return
		}
	}
}

// begin blocks while the hooks are running and marks the worker busy.
func (d *Dispatcher) begin(ctx context.Context, id int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.paused && ctx.Err() == nil {
		d.cond.Wait()
	}
	if ctx.Err() != nil {
		return false
	}
	if d.idle[id] {
		d.idle[id] = false
		d.idleCount--
	}
	return true
}

func (d *Dispatcher) rearm() {
	d.mu.Lock()
	d.fired = false
	d.mu.Unlock()
}

// markIdle records the worker as idle and reports whether it completed a
// quiescence episode that has not been handled yet.
func (d *Dispatcher) markIdle(id int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.idle[id] {
		d.idle[id] = true
		d.idleCount++
	}
	if d.idleCount < len(d.idle) || d.fired {
		return false
	}
	d.fired = true
	d.paused = true
	return true
}

func (d *Dispatcher) quiesce(ctx context.Context, stop context.CancelFunc) {
	metrics.ObserveQuiescence()
	d.logger.Info("all workers idle, finalizing")
	if d.hooks != nil {
		if err := d.hooks.Finalize(ctx); err != nil {
			d.logger.Error("finalize failed", zap.Error(err))
		}
	}
	if d.cfg.StopOnQuiescence {
		d.logger.Info("stopping on quiescence")
		stop()
		return
	}
	if sleep(ctx, d.cfg.QuiescencePause) && d.hooks != nil {
		if err := d.hooks.Initialize(ctx); err != nil {
			d.logger.Error("initialize failed", zap.Error(err))
		}
	}
	d.mu.Lock()
	d.paused = false
	d.cond.Broadcast()
	d.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

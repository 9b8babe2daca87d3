package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ekonda/kutana/internal/plugin"
)

// runWorkers drains the update queue with a fixed pool of workers. Workers
// exit once the queue is closed by the pollers and fully drained, so a
// graceful shutdown never drops an already acquired update.
func (e *Engine) runWorkers() error {
	concurrency := e.cm.Concurrency()
	slog.Info("Starting update workers", "concurrency", concurrency)

	var g errgroup.Group
	for range concurrency {
		g.Go(func() error {
			for j := range e.queue {
				if e.ctx.Err() != nil {
					// Forced shutdown, drop the remaining updates.
					continue
				}
				e.process(j)
			}
			return nil
		})
	}

	err := g.Wait()
	slog.Info("Update workers stopped")
	return err
}

// process routes one update through the plugin chain, surrounded by the
// before and after hooks of every plugin.
func (e *Engine) process(j job) {
	c := plugin.NewContext(j.bk.Identity(), j.bk, e.store, j.upd)
	j.bk.PrepareContext(c)

	start := time.Now()
	defer func() {
		e.handlerDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			e.exception(c, fmt.Errorf("panic while handling update: %v", r))
		}
	}()

	for _, p := range e.plugins {
		for _, h := range p.BeforeHooks() {
			if err := h(e.ctx, c); err != nil {
				e.exception(c, fmt.Errorf("before hook of plugin %s: %w", p.Name(), err))
				return
			}
		}
	}

	res, err := e.chain.Dispatch(e.ctx, c)
	if err != nil {
		e.exception(c, err)
		return
	}

	for _, p := range e.plugins {
		for _, h := range p.AfterHooks() {
			if err := h(e.ctx, c, res); err != nil {
				e.exception(c, fmt.Errorf("after hook of plugin %s: %w", p.Name(), err))
				return
			}
		}
	}
}

// exception runs the registered exception hooks for a failed update.
func (e *Engine) exception(c *plugin.Context, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	e.handlerErrors.Inc()
	slog.Error("Failed to handle update", "backend", c.Backend, "execution_id", c.ExecutionID, "err", err)

	for _, p := range e.plugins {
		for _, h := range p.ExceptionHooks() {
			h(e.ctx, c, err)
		}
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ekonda/kutana/internal/backend"
	"github.com/ekonda/kutana/internal/update"
)

// runPollers owns update acquisition: it keeps one poller goroutine per
// configured backend, resyncing the set when the engine configuration
// changes. When acquisition stops, the queue is closed so workers can drain.
func (e *Engine) runPollers() error {
	slog.Info("Starting backend pollers")
	defer e.gracefulCancel() // Request stop if acquisition fails.
	defer func() {
		e.stopPollers()
		e.pollerWG.Wait()
		close(e.queue)
	}()

	reloadEventCh, cfgWatchErrCh, err := e.cm.Watch(e.gracefulCtx)
	if err != nil {
		return fmt.Errorf("failed to start watch configuration: %v", err)
	}

	// Initial sync
	e.syncPollers()

	// Debounce timer for handling bursts of events
	debounceDuration := 500 * time.Millisecond
	debounceTimer := time.NewTimer(debounceDuration)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}
	defer debounceTimer.Stop()

	for {
		select {
		case <-e.gracefulCtx.Done():
			slog.Info("Stopping backend pollers")
			return nil

		case _, ok := <-reloadEventCh:
			if !ok {
				if e.gracefulCtx.Err() != nil {
					slog.Info("Stopping backend pollers")
					return nil
				}
				return fmt.Errorf("reloadEventCh closed unexpectedly")
			}
			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(debounceDuration)

		case <-debounceTimer.C:
			// Timer expired, perform the resync
			slog.Info("Resyncing backend pollers after configuration change")
			e.syncPollers()

		case err, ok := <-cfgWatchErrCh:
			if !ok {
				if e.gracefulCtx.Err() != nil {
					slog.Info("Stopping backend pollers")
					return nil
				}
				return fmt.Errorf("cfgWatchErrCh closed unexpectedly")
			}
			if err != nil {
				slog.Error("Configuration watcher error", "err", err)
			}
		}
	}
}

// syncPollers diffs the configured backends and starts/stops pollers.
func (e *Engine) syncPollers() {
	e.mu.Lock()
	defer e.mu.Unlock()

	want := map[string]struct{}{}
	for _, conf := range e.cm.Backends() {
		want[conf.Key()] = struct{}{}
	}

	// stop removed
	for key, cancel := range e.pollers {
		if _, ok := want[key]; !ok {
			cancel()
			delete(e.pollers, key)
		}
	}
	// start added
	for _, conf := range e.cm.Backends() {
		if _, ok := e.pollers[conf.Key()]; ok {
			continue
		}

		select {
		case <-e.gracefulCtx.Done():
			slog.Info("Shutdown in progress, stopping poller sync")
			return
		default:
		}

		bk, err := e.factory(conf)
		if err != nil {
			slog.Error("Failed to build backend, skipping", "kind", conf.Kind, "err", err)
			continue
		}

		ctx, cancel := context.WithCancel(e.gracefulCtx)
		e.pollers[conf.Key()] = cancel
		slog.Info("Starting backend poller", "backend", bk.Identity())
		e.pollerWG.Add(1)
		go e.pollLoop(ctx, bk)
	}
}

func (e *Engine) stopPollers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, cancel := range e.pollers {
		cancel()
		delete(e.pollers, key)
	}
}

// pollLoop acquires updates from a single backend until ctx is canceled.
func (e *Engine) pollLoop(ctx context.Context, bk backend.Backend) {
	defer e.pollerWG.Done()

	e.activePollers.Inc()
	defer e.activePollers.Dec()

	if err := bk.OnStart(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("Backend failed to start", "backend", bk.Identity(), "err", err)
		}
		return
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := bk.OnShutdown(sctx); err != nil {
			slog.Warn("Backend shutdown failed", "backend", bk.Identity(), "err", err)
		}
	}()

	submit := func(sctx context.Context, u *update.Update) error {
		select {
		case e.queue <- job{bk: bk, upd: u}:
			e.updatesTotal.WithLabelValues(bk.Identity()).Inc()
			return nil
		case <-sctx.Done():
			return sctx.Err()
		}
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("Backend poller stopped", "backend", bk.Identity())
			return
		default:
		}

		if err := bk.AcquireUpdates(ctx, submit); err != nil {
			if errors.Is(err, context.Canceled) {
				slog.Info("Graceful shutdown in progress, stopping backend poller", "backend", bk.Identity())
				return
			}
			slog.Error("Failed to acquire updates", "backend", bk.Identity(), "err", err)
		}
	}
}

// Package engine is responsible for running the bot engine in the background:
// it connects backends, acquires their updates and routes them to plugin
// handlers through a worker pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ekonda/kutana/internal/backend"
	"github.com/ekonda/kutana/internal/backend/telegram"
	"github.com/ekonda/kutana/internal/config"
	"github.com/ekonda/kutana/internal/plugin"
	"github.com/ekonda/kutana/internal/router"
	"github.com/ekonda/kutana/internal/storage"
	"github.com/ekonda/kutana/internal/update"
)

var (
	// errEngineClosed is returned when the engine is already closed.
	errEngineClosed = errors.New("engine closed")

	// ErrTeardownTimeout is returned when the engine takes too long to shut
	// down. A force Quit may be required to cleanup the engine.
	ErrTeardownTimeout = errors.New("engine teardown timed out")
)

// ConfigManager is the part of the configuration manager the engine needs.
type ConfigManager interface {
	Watch(context.Context) (<-chan struct{}, <-chan error, error)
	Prefixes() []string
	Concurrency() int
	QueueSize() int
	Backends() []config.BackendConf
}

// MetricsServer is an interface that defines the methods for a metrics server.
type MetricsServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
}

// BackendFactory builds a backend from its configuration.
type BackendFactory func(conf config.BackendConf) (backend.Backend, error)

// job is one queued update with the backend it came from.
type job struct {
	bk  backend.Backend
	upd *update.Update
}

// Engine runs backends and dispatches their updates to plugin handlers.
type Engine struct {
	cm            ConfigManager
	store         storage.Storage
	metricsServer MetricsServer
	factory       BackendFactory

	plugins []*plugin.Plugin
	chain   *router.Chain

	// This context is used to interrupt any action.
	// It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// This context stops update acquisition but lets queued updates drain.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc

	maxDegradedDuration time.Duration

	mu       sync.Mutex
	pollers  map[string]context.CancelFunc
	pollerWG sync.WaitGroup

	queue chan job

	running chan struct{} // Channel to signal when the engine is running.

	updatesTotal    *prometheus.CounterVec
	handlerDuration prometheus.Histogram
	handlerErrors   prometheus.Counter
	activePollers   prometheus.Gauge
}

type options struct {
	factory             BackendFactory
	maxDegradedDuration time.Duration
}

// Options is a function which tweaks the creation of the Engine.
type Options func(*options)

// WithBackendFactory overrides how backends are built from configuration.
// Used in tests.
func WithBackendFactory(f BackendFactory) Options {
	return func(o *options) {
		o.factory = f
	}
}

// WithMaxDegradedDuration overrides how long teardown may take before the
// engine gives up waiting for its components.
func WithMaxDegradedDuration(d time.Duration) Options {
	return func(o *options) {
		o.maxDegradedDuration = d
	}
}

// defaultFactory builds the backends shipped with the engine.
func defaultFactory(conf config.BackendConf) (backend.Backend, error) {
	switch conf.Kind {
	case "telegram":
		var args []telegram.Options
		if conf.APIURL != "" {
			args = append(args, telegram.WithAPIURL(conf.APIURL))
		}
		if conf.MessagesPerSecond > 0 {
			args = append(args, telegram.WithMessagesPerSecond(conf.MessagesPerSecond))
		}
		return telegram.New(conf.Token, args...)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", conf.Kind)
	}
}

// New creates a new engine. The configuration manager must already be loaded
// so the queue and worker pool can be sized.
func New(ctx context.Context, cm ConfigManager, store storage.Storage, metricsServer MetricsServer, reg prometheus.Registerer, args ...Options) (*Engine, error) {
	opts := options{
		factory:             defaultFactory,
		maxDegradedDuration: 2 * time.Minute,
	}
	for _, opt := range args {
		opt(&opts)
	}

	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	e := &Engine{
		cm:            cm,
		store:         store,
		metricsServer: metricsServer,
		factory:       opts.factory,

		ctx:            ctx,
		cancel:         cancel,
		gracefulCtx:    gCtx,
		gracefulCancel: gCancel,

		maxDegradedDuration: opts.maxDegradedDuration,

		pollers: make(map[string]context.CancelFunc),
		queue:   make(chan job, cm.QueueSize()),
	}

	running := make(chan struct{})
	close(running) // Close immediately to avoid blocking on the channel.
	e.running = running

	if err := e.registerMetrics(reg); err != nil {
		cancel()
		return nil, err
	}

	return e, nil
}

func (e *Engine) registerMetrics(reg prometheus.Registerer) error {
	e.updatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kutana_updates_total",
		Help: "Number of updates acquired from backends.",
	}, []string{"backend"})
	e.handlerDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kutana_handler_duration_seconds",
		Help:    "Time spent routing one update through handlers.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	e.handlerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kutana_handler_errors_total",
		Help: "Number of updates whose handling failed.",
	})
	e.activePollers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kutana_active_pollers",
		Help: "Number of running backend pollers.",
	})
	queueDepth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kutana_queue_depth",
		Help: "Number of updates waiting to be processed.",
	}, func() float64 { return float64(len(e.queue)) })

	for _, c := range []prometheus.Collector{e.updatesTotal, e.handlerDuration, e.handlerErrors, e.activePollers, queueDepth} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register engine metrics: %v", err)
		}
	}
	return nil
}

// AddPlugin registers a plugin. Must be called before Run.
func (e *Engine) AddPlugin(p *plugin.Plugin) {
	e.plugins = append(e.plugins, p)
}

// Run starts the engine.
//
// Returns once all sub-services have completed, or after an extended time
// being in a degraded state.
func (e *Engine) Run() error {
	slog.Info("Engine started", "plugins", len(e.plugins))

	select {
	case <-e.gracefulCtx.Done():
		return errEngineClosed
	default:
	}

	e.chain = router.Build(e.plugins, e.cm.Prefixes())

	e.running = make(chan struct{})
	defer close(e.running)
	defer e.cancel() // Ensure we cancel the context when done, regardless of result.

	if err := e.startPlugins(); err != nil {
		return err
	}
	defer e.shutdownPlugins()

	done := make(chan error, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { done <- e.runPollers(); wg.Done() }()
	go func() { done <- e.runWorkers(); wg.Done() }()
	go func() { done <- e.runMetrics(); wg.Done() }()
	go func() { wg.Wait(); close(done) }() // Close done only after all runners have finished.

	// Ensure we don't get stuck in a degraded state if one of the services fails.
	err := <-done
	slog.Info("Waiting for engine services to finish")

	for i := 0; i < 2; i++ {
		select {
		case <-time.After(e.maxDegradedDuration):
			// We've waited for teardown for too long, give up even though errors may be lost.
			slog.Warn("Engine teardown timed out")
			return errors.Join(err, ErrTeardownTimeout)
		case nextDone, ok := <-done:
			if !ok {
				return err
			}
			err = errors.Join(err, nextDone)
		}
	}

	return err
}

func (e *Engine) startPlugins() error {
	for _, p := range e.plugins {
		for _, h := range p.StartHooks() {
			if err := h(e.gracefulCtx); err != nil {
				return fmt.Errorf("plugin %s failed to start: %w", p.Name(), err)
			}
		}
	}
	return nil
}

func (e *Engine) shutdownPlugins() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, p := range e.plugins {
		for _, h := range p.ShutdownHooks() {
			if err := h(ctx); err != nil {
				slog.Warn("Plugin shutdown hook failed", "plugin", p.Name(), "err", err)
			}
		}
	}
}

func (e *Engine) runMetrics() error {
	slog.Info("Starting metrics server")
	defer e.gracefulCancel() // Request stop if metrics fail.

	metricsErrCh := make(chan error, 1)
	go func() {
		defer close(metricsErrCh)
		if err := e.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			metricsErrCh <- err
		}
	}()

	select {
	case <-e.ctx.Done():
		slog.Info("Closing metrics server", "reason", e.ctx.Err())
		e.metricsServer.Close()
		return nil
	case <-e.gracefulCtx.Done():
		slog.Info("Graceful shutdown initiated for metrics server")
		if err := e.metricsServer.Shutdown(e.ctx); err != nil {
			slog.Error("Metrics server graceful shutdown encountered error", "err", err)
			return fmt.Errorf("metrics server shutdown error: %v", err)
		}
	case err := <-metricsErrCh:
		// No need to shutdown or close, just propagate the error.
		if err != nil {
			slog.Error("Metrics server encountered error", "err", err)
			return fmt.Errorf("metrics server error: %v", err)
		}
	}
	slog.Info("Metrics server shut down gracefully")
	return nil
}

// Quit stops the engine.
// Blocks until the engine has finished running.
func (e *Engine) Quit(force bool) {
	slog.Info("Stopping engine")

	if force {
		e.cancel()
		e.metricsServer.Close()
	} else {
		e.gracefulCancel()
	}

	<-e.running // Wait for the engine to finish running.
}

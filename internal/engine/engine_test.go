package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekonda/kutana/internal/backend"
	"github.com/ekonda/kutana/internal/config"
	"github.com/ekonda/kutana/internal/engine"
	"github.com/ekonda/kutana/internal/plugin"
	"github.com/ekonda/kutana/internal/storage/memory"
	"github.com/ekonda/kutana/internal/update"
)

// mockConfigManager is a static engine configuration.
type mockConfigManager struct {
	backends []config.BackendConf

	mu       sync.Mutex
	changes  chan struct{}
	watchErr error
}

func newMockConfigManager(backends ...config.BackendConf) *mockConfigManager {
	return &mockConfigManager{backends: backends, changes: make(chan struct{}, 1)}
}

func (m *mockConfigManager) Watch(ctx context.Context) (<-chan struct{}, <-chan error, error) {
	if m.watchErr != nil {
		return nil, nil, m.watchErr
	}
	errs := make(chan error, 1)
	go func() {
		<-ctx.Done()
		close(m.changes)
		close(errs)
	}()
	return m.changes, errs, nil
}

func (m *mockConfigManager) Prefixes() []string { return nil }
func (m *mockConfigManager) Concurrency() int   { return 2 }
func (m *mockConfigManager) QueueSize() int     { return 8 }

func (m *mockConfigManager) Backends() []config.BackendConf {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backends
}

func (m *mockConfigManager) setBackends(backends ...config.BackendConf) {
	m.mu.Lock()
	m.backends = backends
	m.mu.Unlock()
	m.changes <- struct{}{}
}

// mockBackend submits the queued updates, then idles until cancellation.
type mockBackend struct {
	identity string
	updates  []*update.Update

	startErr error

	mu       sync.Mutex
	started  bool
	shutdown bool
}

func (b *mockBackend) Identity() string { return b.identity }

func (b *mockBackend) OnStart(ctx context.Context) error {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	return b.startErr
}

func (b *mockBackend) OnShutdown(ctx context.Context) error {
	b.mu.Lock()
	b.shutdown = true
	b.mu.Unlock()
	return nil
}

func (b *mockBackend) PrepareContext(c *plugin.Context) {}

func (b *mockBackend) AcquireUpdates(ctx context.Context, submit backend.SubmitFunc) error {
	b.mu.Lock()
	pending := b.updates
	b.updates = nil
	b.mu.Unlock()

	for _, u := range pending {
		if err := submit(ctx, u); err != nil {
			return err
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

func (b *mockBackend) ExecuteSend(ctx context.Context, targetID int64, text string, attachments []update.Attachment, params map[string]any) ([]json.RawMessage, error) {
	return nil, nil
}

func (b *mockBackend) ExecuteRequest(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	return nil, nil
}

// mockMetricsServer blocks in ListenAndServe until shut down or closed.
type mockMetricsServer struct {
	listenErr  error
	closeDelay time.Duration

	stop chan struct{}
	once sync.Once
}

func newMockMetricsServer() *mockMetricsServer {
	return &mockMetricsServer{stop: make(chan struct{})}
}

func (m *mockMetricsServer) ListenAndServe() error {
	if m.listenErr != nil {
		return m.listenErr
	}
	<-m.stop
	return http.ErrServerClosed
}

func (m *mockMetricsServer) Shutdown(ctx context.Context) error {
	time.Sleep(m.closeDelay)
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *mockMetricsServer) Close() error {
	time.Sleep(m.closeDelay)
	m.once.Do(func() { close(m.stop) })
	return nil
}

func newTestEngine(t *testing.T, cm engine.ConfigManager, ms engine.MetricsServer, bk *mockBackend, args ...engine.Options) *engine.Engine {
	t.Helper()

	args = append([]engine.Options{engine.WithBackendFactory(func(conf config.BackendConf) (backend.Backend, error) {
		return bk, nil
	})}, args...)

	e, err := engine.New(context.Background(), cm, memory.New(), ms, prometheus.NewRegistry(), args...)
	require.NoError(t, err, "Setup: failed to create engine")
	return e
}

func messageUpdate(text string) *update.Update {
	return update.New(update.TypeMessage, nil, &update.Message{Text: text, SenderID: 1, ReceiverID: 1})
}

func TestRunDispatchesUpdates(t *testing.T) {
	t.Parallel()

	bk := &mockBackend{identity: "mock", updates: []*update.Update{messageUpdate("/hello")}}
	cm := newMockConfigManager(config.BackendConf{Kind: "telegram", Token: "t"})
	e := newTestEngine(t, cm, newMockMetricsServer(), bk)

	handled := make(chan string, 1)
	p := plugin.New("test")
	p.OnCommands([]string{"hello"}, func(ctx context.Context, c *plugin.Context) (plugin.Result, error) {
		handled <- c.Command
		return plugin.Processed, nil
	})
	e.AddPlugin(p)

	done := make(chan error, 1)
	go func() { done <- e.Run() }()

	select {
	case cmd := <-handled:
		assert.Equal(t, "hello", cmd)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the update to be handled")
	}

	e.Quit(false)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}

	bk.mu.Lock()
	defer bk.mu.Unlock()
	assert.True(t, bk.started, "backend should have been started")
	assert.True(t, bk.shutdown, "backend should have been shut down")
}

func TestRunHooks(t *testing.T) {
	t.Parallel()

	bk := &mockBackend{identity: "mock", updates: []*update.Update{messageUpdate("hi")}}
	cm := newMockConfigManager(config.BackendConf{Kind: "telegram", Token: "t"})
	e := newTestEngine(t, cm, newMockMetricsServer(), bk)

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	afterRan := make(chan struct{}, 1)
	p := plugin.New("test")
	p.OnStart(func(ctx context.Context) error { record("start"); return nil })
	p.OnBefore(func(ctx context.Context, c *plugin.Context) error { record("before"); return nil })
	p.OnAnyMessage(func(ctx context.Context, c *plugin.Context) (plugin.Result, error) {
		record("handler")
		return plugin.Processed, nil
	})
	p.OnAfter(func(ctx context.Context, c *plugin.Context, res plugin.Result) error {
		record("after")
		assert.Equal(t, plugin.Processed, res)
		afterRan <- struct{}{}
		return nil
	})
	p.OnShutdown(func(ctx context.Context) error { record("shutdown"); return nil })
	e.AddPlugin(p)

	done := make(chan error, 1)
	go func() { done <- e.Run() }()

	select {
	case <-afterRan:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the after hook")
	}

	e.Quit(false)
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"start", "before", "handler", "after", "shutdown"}, order)
}

func TestRunExceptionHook(t *testing.T) {
	t.Parallel()

	requestedErr := errors.New("requested handler error")

	bk := &mockBackend{identity: "mock", updates: []*update.Update{messageUpdate("hi")}}
	cm := newMockConfigManager(config.BackendConf{Kind: "telegram", Token: "t"})
	e := newTestEngine(t, cm, newMockMetricsServer(), bk)

	caught := make(chan error, 1)
	p := plugin.New("test")
	p.OnAnyMessage(func(ctx context.Context, c *plugin.Context) (plugin.Result, error) {
		return plugin.Skipped, requestedErr
	})
	p.OnException(func(ctx context.Context, c *plugin.Context, err error) {
		caught <- err
	})
	e.AddPlugin(p)

	done := make(chan error, 1)
	go func() { done <- e.Run() }()

	select {
	case err := <-caught:
		assert.ErrorIs(t, err, requestedErr)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the exception hook")
	}

	e.Quit(false)
	require.NoError(t, <-done)
}

func TestRunRecoversPanics(t *testing.T) {
	t.Parallel()

	bk := &mockBackend{identity: "mock", updates: []*update.Update{messageUpdate("hi"), messageUpdate("again")}}
	cm := newMockConfigManager(config.BackendConf{Kind: "telegram", Token: "t"})
	e := newTestEngine(t, cm, newMockMetricsServer(), bk)

	caught := make(chan error, 2)
	p := plugin.New("test")
	p.OnAnyMessage(func(ctx context.Context, c *plugin.Context) (plugin.Result, error) {
		panic("requested panic")
	})
	p.OnException(func(ctx context.Context, c *plugin.Context, err error) {
		caught <- err
	})
	e.AddPlugin(p)

	done := make(chan error, 1)
	go func() { done <- e.Run() }()

	// Both updates are handled despite the first one panicking.
	for i := 0; i < 2; i++ {
		select {
		case err := <-caught:
			assert.ErrorContains(t, err, "requested panic")
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for the exception hook")
		}
	}

	e.Quit(false)
	require.NoError(t, <-done)
}

func TestRunStartHookFailureAborts(t *testing.T) {
	t.Parallel()

	requestedErr := errors.New("requested start error")

	bk := &mockBackend{identity: "mock"}
	cm := newMockConfigManager()
	e := newTestEngine(t, cm, newMockMetricsServer(), bk)

	p := plugin.New("test")
	p.OnStart(func(ctx context.Context) error { return requestedErr })
	e.AddPlugin(p)

	err := e.Run()
	require.ErrorIs(t, err, requestedErr)
}

func TestRunAfterQuitErrors(t *testing.T) {
	t.Parallel()

	bk := &mockBackend{identity: "mock"}
	cm := newMockConfigManager()
	e := newTestEngine(t, cm, newMockMetricsServer(), bk)

	e.Quit(false)
	require.Error(t, e.Run(), "a closed engine should refuse to run")
}

func TestRunTeardownTimeout(t *testing.T) {
	t.Parallel()

	bk := &mockBackend{identity: "mock"}
	cm := newMockConfigManager(config.BackendConf{Kind: "telegram", Token: "t"})
	ms := newMockMetricsServer()
	ms.closeDelay = 2 * time.Second
	e := newTestEngine(t, cm, ms, bk, engine.WithMaxDegradedDuration(100*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- e.Run() }()

	// Let the engine settle before quitting.
	time.Sleep(300 * time.Millisecond)
	go e.Quit(false)

	select {
	case err := <-done:
		require.ErrorIs(t, err, engine.ErrTeardownTimeout)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
}

func TestBackendResync(t *testing.T) {
	t.Parallel()

	first := &mockBackend{identity: "first"}
	second := &mockBackend{identity: "second"}
	backends := map[string]*mockBackend{"t1": first, "t2": second}

	cm := newMockConfigManager(config.BackendConf{Kind: "telegram", Token: "t1"})
	ms := newMockMetricsServer()

	e, err := engine.New(context.Background(), cm, memory.New(), ms, prometheus.NewRegistry(),
		engine.WithBackendFactory(func(conf config.BackendConf) (backend.Backend, error) {
			return backends[conf.Token], nil
		}))
	require.NoError(t, err, "Setup: failed to create engine")

	done := make(chan error, 1)
	go func() { done <- e.Run() }()

	require.Eventually(t, func() bool {
		first.mu.Lock()
		defer first.mu.Unlock()
		return first.started
	}, 5*time.Second, 10*time.Millisecond, "first backend should have started")

	// Swap the configured backend and wait for the resync.
	cm.setBackends(config.BackendConf{Kind: "telegram", Token: "t2"})

	require.Eventually(t, func() bool {
		second.mu.Lock()
		defer second.mu.Unlock()
		return second.started
	}, 5*time.Second, 10*time.Millisecond, "second backend should have started after the resync")

	require.Eventually(t, func() bool {
		first.mu.Lock()
		defer first.mu.Unlock()
		return first.shutdown
	}, 5*time.Second, 10*time.Millisecond, "first backend should have been shut down after the resync")

	e.Quit(false)
	require.NoError(t, <-done)
}

// Package config provides the engine configuration manager. It loads and
// watches a YAML file describing the backends to run and the dispatch
// settings, so backends can be added or removed without restarting the
// daemon.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ubuntu/decorate"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the file leaves values unset.
const (
	DefaultConcurrency = 64
	DefaultQueueSize   = 512
)

// BackendConf describes one backend connection.
type BackendConf struct {
	Kind              string  `yaml:"kind"`
	Token             string  `yaml:"token"`
	APIURL            string  `yaml:"api_url"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
}

// Key identifies a backend configuration for diffing across reloads. Any
// change to the connection settings yields a new key, so the engine restarts
// that backend.
func (b BackendConf) Key() string {
	return fmt.Sprintf("%s|%s|%s|%g", b.Kind, b.Token, b.APIURL, b.MessagesPerSecond)
}

// Conf is the engine configuration file structure.
type Conf struct {
	Prefixes    []string      `yaml:"prefixes"`
	Concurrency int           `yaml:"concurrency"`
	QueueSize   int           `yaml:"queue_size"`
	Backends    []BackendConf `yaml:"backends"`
}

// Manager loads and watches the engine configuration file.
type Manager struct {
	config     Conf
	lock       sync.RWMutex
	configPath string

	log *slog.Logger
}

type options struct {
	Logger *slog.Logger
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// New creates a new configuration manager with the specified path.
func New(path string, args ...Options) *Manager {
	opts := options{
		Logger: slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	return &Manager{
		configPath: path,
		log:        opts.Logger,
	}
}

// Load reads the configuration from the file and updates the internal state.
func (cm *Manager) Load() (err error) {
	defer decorate.OnError(&err, "could not load engine configuration from %s", cm.configPath)

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return err
	}

	var newConfig Conf
	if err := yaml.Unmarshal(data, &newConfig); err != nil {
		return err
	}

	if newConfig.Concurrency <= 0 {
		newConfig.Concurrency = DefaultConcurrency
	}
	if newConfig.QueueSize <= 0 {
		newConfig.QueueSize = DefaultQueueSize
	}

	for i, b := range newConfig.Backends {
		switch b.Kind {
		case "telegram":
			if b.Token == "" {
				return fmt.Errorf("backend %d: telegram backend requires a token", i)
			}
		default:
			return fmt.Errorf("backend %d: unknown backend kind %q", i, b.Kind)
		}
	}

	cm.lock.Lock()
	cm.config = newConfig
	cm.lock.Unlock()

	cm.log.Info("Engine configuration loaded", "backends", len(newConfig.Backends))
	return nil
}

// Prefixes returns the configured command prefixes.
func (cm *Manager) Prefixes() []string {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	return cm.config.Prefixes
}

// Concurrency returns the number of processing workers.
func (cm *Manager) Concurrency() int {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	return cm.config.Concurrency
}

// QueueSize returns the capacity of the processing queue.
func (cm *Manager) QueueSize() int {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	return cm.config.QueueSize
}

// Backends returns the configured backend connections.
func (cm *Manager) Backends() []BackendConf {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	return cm.config.Backends
}

// Watch starts watching the configuration file for changes.
//
// It returns two channels: one for configuration changes which result in a
// successful load and another for unrecoverable watcher errors.
func (cm *Manager) Watch(ctx context.Context) (changes <-chan struct{}, errs <-chan error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create watcher: %v", err)
	}

	configDir, _ := filepath.Split(cm.configPath)
	if configDir == "" {
		configDir = "."
	}
	if err := watcher.Add(configDir); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("failed to add directory %s to watcher: %v", configDir, err)
	}

	cm.log.Info("Watching engine configuration directory", "dir", configDir)
	changesCh := make(chan struct{}, 1)
	errorsCh := make(chan error, 1)

	go func() {
		defer close(changesCh)
		defer close(errorsCh)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				cm.log.Info("Engine configuration watcher stopped")
				return
			case event, ok := <-watcher.Events:
				if !ok {
					errorsCh <- fmt.Errorf("watcher events channel closed unexpectedly")
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if event.Name != cm.configPath {
					continue
				}

				cm.log.Debug("Engine configuration file changed. Reloading...")
				if err := cm.Load(); err != nil {
					cm.log.Warn("Error reloading engine configuration", "err", err)
					continue
				}

				select {
				case changesCh <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					errorsCh <- fmt.Errorf("watcher errors channel closed unexpectedly")
					return
				}
				cm.log.Warn("Engine configuration watcher error", "err", err)
			}
		}
	}()

	return changesCh, errorsCh, nil
}

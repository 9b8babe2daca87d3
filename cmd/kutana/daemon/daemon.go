// Package daemon provides the kutana bot daemon.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ekonda/kutana/internal/cli"
	"github.com/ekonda/kutana/internal/config"
	"github.com/ekonda/kutana/internal/constants"
	"github.com/ekonda/kutana/internal/engine"
	"github.com/ekonda/kutana/internal/metrics"
	"github.com/ekonda/kutana/internal/plugins/echo"
	"github.com/ekonda/kutana/internal/plugins/ping"
	"github.com/ekonda/kutana/internal/storage"
	"github.com/ekonda/kutana/internal/storage/memory"
	"github.com/ekonda/kutana/internal/storage/mongodb"
	"github.com/ekonda/kutana/internal/storage/postgres"
	"github.com/ekonda/kutana/internal/storage/valkeydb"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *engine.Engine

	ready chan struct{}
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool

	MetricsConfig metrics.Config
	StorageKind   string
	DBconfig      postgres.Config
	MongoConfig   mongodb.Config
	ValkeyConfig  valkeydb.Config
	MigrationsDir string

	ConfigPath string
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:           constants.CmdName,
		Short:         "Kutana chat bot daemon",
		Long:          "Kutana runs chat bot backends, acquires their updates and routes them to plugin handlers.",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.CmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			))); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Update logging after loading config if necessary
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cmd.SilenceUsage = true

			return a.run()
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	installMigrateCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&app.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")

	// Daemon flags
	cmd.Flags().StringVarP(&app.config.ConfigPath, "engine-config", "c", "kutana.yaml", "path to the engine configuration file")
	cmd.Flags().StringVar(&app.config.StorageKind, "storage", "memory", "storage backend for plugin state (memory, postgres, mongodb, valkey)")

	// Metrics server flags
	cmd.Flags().DurationVar(&app.config.MetricsConfig.ReadTimeout, "read-timeout", 5*time.Second, "read timeout for the metrics HTTP server")
	cmd.Flags().DurationVar(&app.config.MetricsConfig.WriteTimeout, "write-timeout", 10*time.Second, "write timeout for the metrics HTTP server")
	cmd.Flags().StringVar(&app.config.MetricsConfig.Host, "metrics-host", "", "host for the metrics endpoint")
	cmd.Flags().IntVar(&app.config.MetricsConfig.Port, "metrics-port", 2113, "port for the metrics endpoint")

	addDBFlags(cmd, &app.config)

	if err := cmd.MarkFlagFilename("engine-config", "yaml", "yml"); err != nil {
		panic(fmt.Sprintf("failed to mark engine-config flag as filename: %v", err))
	}
}

func addDBFlags(cmd *cobra.Command, config *appConfig) {
	cmd.Flags().StringVar(&config.DBconfig.Host, "db-host", "", "database host")
	cmd.Flags().IntVarP(&config.DBconfig.Port, "db-port", "p", 5432, "database port")
	cmd.Flags().StringVarP(&config.DBconfig.User, "db-user", "u", "", "database user")
	cmd.Flags().StringVarP(&config.DBconfig.Password, "db-password", "P", "", "database password")
	cmd.Flags().StringVarP(&config.DBconfig.DBName, "db-name", "n", "", "database name")
	cmd.Flags().StringVarP(&config.DBconfig.SSLMode, "db-sslmode", "s", "", "database SSL mode")

	cmd.Flags().StringVar(&config.MongoConfig.URI, "mongo-uri", "", "MongoDB connection URI")
	cmd.Flags().StringVar(&config.MongoConfig.Database, "mongo-database", "", "MongoDB database name")
	cmd.Flags().StringVar(&config.MongoConfig.Collection, "mongo-collection", "", "MongoDB collection name")

	cmd.Flags().StringVar(&config.ValkeyConfig.Address, "valkey-address", "", "Valkey server address")
	cmd.Flags().StringVar(&config.ValkeyConfig.Password, "valkey-password", "", "Valkey server password")
	cmd.Flags().IntVar(&config.ValkeyConfig.DB, "valkey-db", 0, "Valkey database number")
}

// Run executes the command and associated process, returning an error if any.
func (a App) Run() error {
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	fmt.Printf("%s", buf)
	return false
}

// Quit gracefully shuts down the daemon.
func (a *App) Quit() {
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(false)
	}
}

// WaitReady waits for the daemon to be ready.
func (a *App) WaitReady() {
	<-a.ready
}

// RootCmd returns the root command.
func (a App) RootCmd() cobra.Command {
	return *a.cmd
}

func (a *App) run() (err error) {
	a.config.ConfigPath, err = filepath.Abs(a.config.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for config file: %v", err)
	}

	cm := config.New(a.config.ConfigPath)
	if err := cm.Load(); err != nil {
		return fmt.Errorf("failed to load engine configuration: %v", err)
	}

	store, err := a.newStorage(context.Background())
	if err != nil {
		return fmt.Errorf("failed to create storage: %v", err)
	}
	defer func() {
		if cErr := store.Close(); cErr != nil {
			slog.Warn("Failed to close storage", "err", cErr)
		}
	}()

	registry := prometheus.NewRegistry()
	metricsServer := metrics.New(a.config.MetricsConfig, registry)

	a.daemon, err = engine.New(context.Background(), cm, store, metricsServer, registry)
	if err != nil {
		return fmt.Errorf("failed to create engine: %v", err)
	}
	a.daemon.AddPlugin(ping.New())
	a.daemon.AddPlugin(echo.New())
	close(a.ready)

	return a.daemon.Run()
}

// newStorage builds the configured storage backend.
func (a *App) newStorage(ctx context.Context) (storage.Storage, error) {
	switch a.config.StorageKind {
	case "", "memory":
		return memory.New(), nil
	case "postgres":
		return postgres.New(ctx, a.config.DBconfig)
	case "mongodb":
		return mongodb.New(ctx, a.config.MongoConfig)
	case "valkey":
		return valkeydb.New(ctx, a.config.ValkeyConfig)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", a.config.StorageKind)
	}
}

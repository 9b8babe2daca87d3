package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx" // PGX driver for golang-migrate
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
)

const defaultMigrationsDir = "migrations"

func installMigrateCmd(app *App) {
	migrateCmd := &cobra.Command{
		Use:   "migrate [path-to-migration-scripts]",
		Short: "Apply database migrations",
		Long: fmt.Sprintf(`Apply the migration scripts to the configured postgres database.
Defaults to the %q directory when no path is given. Only meaningful for the
postgres storage backend.`, defaultMigrationsDir),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app.config.MigrationsDir = defaultMigrationsDir
			if len(args) == 1 {
				app.config.MigrationsDir = args[0]
			}

			info, err := os.Stat(app.config.MigrationsDir)
			if err != nil {
				return fmt.Errorf("invalid migration scripts path: %v", err)
			}
			if !info.IsDir() {
				return fmt.Errorf("migration scripts path %s is not a directory", app.config.MigrationsDir)
			}

			app.cmd.SilenceUsage = true
			return app.migrateRun()
		},
	}
	app.cmd.AddCommand(migrateCmd)
}

func (a App) migrateRun() error {
	m, err := migrate.New("file://"+a.config.MigrationsDir, a.config.DBconfig.URI("pgx"))
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %v", err)
	}
	defer func() {
		sErr, dbErr := m.Close()
		if sErr != nil {
			slog.Error("Failed to close migration source", "error", sErr)
		}
		if dbErr != nil {
			slog.Error("Failed to close database connection", "error", dbErr)
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("Database schema already up to date")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %v", err)
	}
	slog.Info("Migrations applied", "dir", a.config.MigrationsDir)
	return nil
}

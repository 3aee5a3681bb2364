package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/atriumhq/atrium/internal/config"
)

var migrationsDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the identity database schema",
	Long: `Applies SQL migrations to the identity database configured in
[identity]. Postgres uses the DSN from ATRIUM_IDENTITY_DSN; SQLite
migrates the local database file in place.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMigrator()
		if err != nil {
			return err
		}
		defer m.Close()
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				fmt.Println("identity schema already up to date")
				return nil
			}
			return fmt.Errorf("migrate up: %w", err)
		}
		fmt.Println("identity schema migrated")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMigrator()
		if err != nil {
			return err
		}
		defer m.Close()
		if err := m.Steps(-1); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				fmt.Println("nothing to roll back")
				return nil
			}
			return fmt.Errorf("migrate down: %w", err)
		}
		fmt.Println("rolled back one migration")
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMigrator()
		if err != nil {
			return err
		}
		defer m.Close()
		v, dirty, err := m.Version()
		if err != nil {
			if errors.Is(err, migrate.ErrNilVersion) {
				fmt.Println("no migrations applied yet")
				return nil
			}
			return fmt.Errorf("migrate version: %w", err)
		}
		state := "clean"
		if dirty {
			state = "dirty"
		}
		fmt.Printf("schema version %d (%s)\n", v, state)
		return nil
	},
}

var migrateForceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Override the recorded schema version after a failed migration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("version must be an integer: %w", err)
		}
		m, err := newMigrator()
		if err != nil {
			return err
		}
		defer m.Close()
		if err := m.Force(v); err != nil {
			return fmt.Errorf("migrate force: %w", err)
		}
		fmt.Printf("schema version forced to %d\n", v)
		return nil
	},
}

func init() {
	migrateCmd.PersistentFlags().StringVar(&migrationsDir, "dir", "", "migrations directory (default ./migrations)")
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateVersionCmd)
	migrateCmd.AddCommand(migrateForceCmd)
}

func newMigrator() (*migrate.Migrate, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	url, err := migrateDatabaseURL(cfg)
	if err != nil {
		return nil, err
	}

	dir, err := resolveMigrationsDir()
	if err != nil {
		return nil, err
	}

	m, err := migrate.New("file://"+dir, url)
	if err != nil {
		return nil, fmt.Errorf("open migrator: %w", err)
	}
	return m, nil
}

func migrateDatabaseURL(cfg *config.Config) (string, error) {
	switch cfg.Identity.Driver {
	case "postgres":
		if cfg.Identity.DSN == "" {
			return "", errors.New("ATRIUM_IDENTITY_DSN is not set")
		}
		return cfg.Identity.DSN, nil
	case "sqlite":
		path := config.ExpandHome(cfg.Identity.DSN)
		if path == "" {
			return "", errors.New("identity DSN is empty")
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("create identity directory: %w", err)
			}
		}
		return "sqlite://" + path, nil
	default:
		return "", fmt.Errorf("identity driver %q has no migrations", cfg.Identity.Driver)
	}
}

// resolveMigrationsDir picks the migrations directory: flag, then env,
// then ./migrations relative to the working directory.
func resolveMigrationsDir() (string, error) {
	dir := migrationsDir
	if dir == "" {
		dir = os.Getenv("ATRIUM_MIGRATIONS_DIR")
	}
	if dir == "" {
		dir = "migrations"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve migrations dir: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("migrations directory %s: %w", abs, err)
	}
	return abs, nil
}

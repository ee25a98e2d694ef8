// Package migration runs and inspects golang-migrate migrations against
// the single PostgreSQL database backing the event_outbox table. Trimmed
// down from the teacher's dual-database (Postgres + ClickHouse) manager —
// this system has one database to migrate.
package migration

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"

	"relayhub/internal/config"
	"relayhub/internal/database"
)

// Manager runs migrations against the Postgres database.
type Manager struct {
	config *config.Config
	logger *logrus.Logger
	runner *migrate.Migrate
	db     *database.PostgresDB
}

// NewManager connects to Postgres and builds the migration runner.
func NewManager(cfg *config.Config) (*Manager, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: false})
	// Migration CLI output should stay terse regardless of LOG_LEVEL.
	logger.SetLevel(logrus.WarnLevel)

	db, err := database.NewPostgresDB(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres database: %w", err)
	}

	m := &Manager{config: cfg, logger: logger, db: db}
	if err := m.initRunner(); err != nil {
		return nil, fmt.Errorf("failed to initialize migration runner: %w", err)
	}
	return m, nil
}

func (m *Manager) initRunner() error {
	sqlDB, err := m.db.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying *sql.DB: %w", err)
	}

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{
		MigrationsTable: "schema_migrations",
		DatabaseName:    m.config.Database.Database,
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	runner, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", m.migrationsPath()),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("failed to create migration runner: %w", err)
	}

	m.runner = runner
	m.logger.WithField("migrations_path", m.migrationsPath()).Info("migration runner initialized")
	return nil
}

func (m *Manager) migrationsPath() string {
	if m.config.Database.MigrationsPath != "" {
		return m.config.Database.MigrationsPath
	}
	return filepath.Join("migrations", "postgres")
}

// Up runs all pending migrations, or exactly steps if steps > 0.
func (m *Manager) Up(steps int, dryRun bool) error {
	if dryRun {
		m.logger.Info("DRY RUN: would run migrations up")
		return nil
	}
	if steps == 0 {
		return ignoreNoChange(m.runner.Up())
	}
	return ignoreNoChange(m.runner.Steps(steps))
}

// Down rolls back all migrations, or exactly steps if steps > 0.
func (m *Manager) Down(steps int, dryRun bool) error {
	if dryRun {
		m.logger.Info("DRY RUN: would run migrations down")
		return nil
	}
	if steps == 0 {
		return ignoreNoChange(m.runner.Down())
	}
	return ignoreNoChange(m.runner.Steps(-steps))
}

// Goto migrates to an exact schema version.
func (m *Manager) Goto(version uint) error {
	current, _, err := m.runner.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return err
	}
	steps := int(version) - int(current)
	if steps == 0 {
		return nil
	}
	return ignoreNoChange(m.runner.Steps(steps))
}

// Force sets the schema_migrations version without running any migration,
// used to clear a dirty state after manual repair.
func (m *Manager) Force(version int) error {
	return m.runner.Force(version)
}

// Drop removes every table golang-migrate knows about.
func (m *Manager) Drop() error {
	return m.runner.Drop()
}

// Status reports the current version, dirty flag, and migration count.
func (m *Manager) Status() MigrationStatus {
	status := MigrationStatus{MigrationsPath: m.migrationsPath(), TotalMigrations: m.countMigrations()}
	version, dirty, err := m.runner.Version()
	if err == migrate.ErrNilVersion {
		status.Status = "not_initialized"
		return status
	}
	if err != nil {
		status.Status = "error"
		status.Error = err.Error()
		return status
	}
	status.CurrentVersion = version
	status.IsDirty = dirty
	if dirty {
		status.Status = "dirty"
	} else {
		status.Status = "healthy"
	}
	return status
}

// AutoMigrate runs pending migrations on process startup if configured.
func (m *Manager) AutoMigrate(ctx context.Context) error {
	if !m.config.Database.AutoMigrate {
		return fmt.Errorf("auto-migration is disabled")
	}
	m.logger.Info("running auto-migration")
	if err := m.Up(0, false); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}
	m.logger.Info("auto-migration completed")
	return nil
}

// CreateMigration writes an empty up/down pair, timestamped, under the
// configured migrations path.
func (m *Manager) CreateMigration(name string) (upFile, downFile string, err error) {
	path := m.migrationsPath()
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create migrations directory: %w", err)
	}
	timestamp := time.Now().Format("20060102150405")
	header := fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n", name, time.Now().Format(time.RFC3339))

	upFile = filepath.Join(path, fmt.Sprintf("%s_%s.up.sql", timestamp, name))
	if err := os.WriteFile(upFile, []byte(header), 0644); err != nil {
		return "", "", fmt.Errorf("failed to create up migration file: %w", err)
	}
	downFile = filepath.Join(path, fmt.Sprintf("%s_%s.down.sql", timestamp, name))
	if err := os.WriteFile(downFile, []byte(header), 0644); err != nil {
		return "", "", fmt.Errorf("failed to create down migration file: %w", err)
	}
	return upFile, downFile, nil
}

// Shutdown closes the migration runner and its database connection.
func (m *Manager) Shutdown() error {
	var lastErr error
	if m.runner != nil {
		if _, err := m.runner.Close(); err != nil {
			m.logger.WithError(err).Error("failed to close migration runner")
			lastErr = err
		}
	}
	if m.db != nil {
		if err := m.db.Close(); err != nil {
			m.logger.WithError(err).Error("failed to close postgres connection")
			lastErr = err
		}
	}
	return lastErr
}

func (m *Manager) countMigrations() int {
	path := m.migrationsPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0
	}
	count := 0
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".up.sql") {
			count++
		}
		return nil
	})
	return count
}

func ignoreNoChange(err error) error {
	if err == migrate.ErrNoChange {
		return nil
	}
	return err
}

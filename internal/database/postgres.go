package database

import (
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"relayhub/internal/config"
)

// PostgresDB holds the outbox table's PostgreSQL connection.
type PostgresDB struct {
	DB     *gorm.DB
	SqlDB  *sql.DB
	config *config.Config
	logger *logrus.Logger
}

// NewPostgresDB opens and pings a PostgreSQL connection pool sized from cfg.
func NewPostgresDB(cfg *config.Config, logger *logrus.Logger) (*PostgresDB, error) {
	db, err := gorm.Open(postgres.Open(cfg.GetDatabaseURL()), &gorm.Config{
		Logger:                 gormLogger.Default,
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get SQL DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	logger.Info("connected to PostgreSQL database")

	return &PostgresDB{DB: db, SqlDB: sqlDB, config: cfg, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (p *PostgresDB) Close() error {
	p.logger.Info("closing PostgreSQL connection")
	return p.SqlDB.Close()
}

// Health pings the database.
func (p *PostgresDB) Health() error {
	return p.SqlDB.Ping()
}

// GetStats returns connection pool statistics.
func (p *PostgresDB) GetStats() sql.DBStats {
	return p.SqlDB.Stats()
}

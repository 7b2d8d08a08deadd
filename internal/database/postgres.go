package database

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// PostgresConnection holds one connection pool shared by the sqlx user store and the gorm posts service.
type PostgresConnection struct {
	DB   *sqlx.DB
	Gorm *gorm.DB
}

// OpenPostgres connects, applies pending migrations and wraps the pool for gorm.
func OpenPostgres(dsn string, logger *zap.Logger) (*PostgresConnection, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := RunPostgresMigrations(db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), gormConfig(logger))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to wrap connection for gorm: %w", err)
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", "postgres"))
	}
	return &PostgresConnection{DB: db, Gorm: gormDB}, nil
}

// Close releases the shared pool.
func (c *PostgresConnection) Close() error {
	return c.DB.Close()
}

// RunPostgresMigrations applies the embedded schema migrations.
func RunPostgresMigrations(db *sqlx.DB, logger *zap.Logger) error {
	sub, err := fs.Sub(postgresMigrations, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("failed to open postgres migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := migratepostgres.WithInstance(db.DB, &migratepostgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	if logger != nil {
		logger.Info("postgres schema ready", zap.Uint("version", version), zap.Bool("dirty", dirty))
	}
	return nil
}

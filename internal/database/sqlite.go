package database

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"github.com/ozkancirak/socialapp/internal/posts"
	"github.com/ozkancirak/socialapp/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const sqliteBusyTimeoutMillis = 5000

// SQLiteConnection pairs the gorm handle with the pool it owns.
type SQLiteConnection struct {
	Gorm *gorm.DB
	DB   *sql.DB
}

// Close releases the pool.
func (c *SQLiteConnection) Close() error {
	return c.DB.Close()
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteConnection, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), gormConfig(logger))
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := MigrateSQLite(db, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", "sqlite"), zap.String("path", path))
	}

	return &SQLiteConnection{Gorm: db, DB: sqlDB}, nil
}

// sqliteDSN adds a busy timeout so writers wait on a locked database.
func sqliteDSN(path string) string {
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + "_pragma=busy_timeout(" + strconv.Itoa(sqliteBusyTimeoutMillis) + ")"
}

// MigrateSQLite creates the schema and applies one-shot data repairs.
func MigrateSQLite(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&users.User{},
		&posts.Post{},
		&posts.PostLike{},
		&posts.Comment{},
		&posts.CommentLike{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

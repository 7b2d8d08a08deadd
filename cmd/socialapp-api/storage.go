package main

import (
	"fmt"

	"github.com/ozkancirak/socialapp/internal/config"
	"github.com/ozkancirak/socialapp/internal/database"
	"github.com/ozkancirak/socialapp/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// storage bundles the handles every command needs from the configured backend.
type storage struct {
	users users.Store
	gorm  *gorm.DB
	close func() error
}

func openStorage(appConfig config.AppConfig, logger *zap.Logger) (storage, error) {
	switch appConfig.DatabaseDriver {
	case config.DriverPostgres:
		conn, err := database.OpenPostgres(appConfig.DatabaseDSN, logger)
		if err != nil {
			return storage{}, err
		}
		store, err := users.NewPostgresStore(conn.DB)
		if err != nil {
			_ = conn.Close()
			return storage{}, err
		}
		return storage{users: store, gorm: conn.Gorm, close: conn.Close}, nil
	case config.DriverSQLite:
		conn, err := database.OpenSQLite(appConfig.DatabasePath, logger)
		if err != nil {
			return storage{}, err
		}
		store, err := users.NewGormStore(conn.Gorm)
		if err != nil {
			_ = conn.Close()
			return storage{}, err
		}
		return storage{users: store, gorm: conn.Gorm, close: conn.Close}, nil
	default:
		return storage{}, fmt.Errorf("unsupported database driver %q", appConfig.DatabaseDriver)
	}
}

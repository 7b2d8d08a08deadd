package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/ozkancirak/socialapp/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationStripExternalIDPrefix = "2025-01-20_strip_external_id_prefix"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

// applyMigrations runs each pending data repair and records it in the same transaction, so a failed
// repair is retried on the next start.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	pending := []migrationDefinition{
		{name: migrationStripExternalIDPrefix, apply: stripExternalIDPrefix},
	}

	for _, migration := range pending {
		applied, err := migrationApplied(db, migration.name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func migrationApplied(db *gorm.DB, name string) (bool, error) {
	var record migrationRecord
	err := db.Where("name = ?", name).Take(&record).Error
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	default:
		return false, err
	}
}

// stripExternalIDPrefix rewrites legacy rows stored with the provider prefix. A row is left alone when
// its stripped twin already exists or when stripping would leave the prefix in place; the operator
// resolves those by hand.
func stripExternalIDPrefix(db *gorm.DB) error {
	prefix := users.DefaultExternalIDPrefix
	start := len(prefix) + 1
	return db.Exec(
		`UPDATE users SET external_id = substr(external_id, ?)
		 WHERE substr(external_id, 1, ?) = ?
		   AND length(external_id) > ?
		   AND substr(external_id, ?, ?) <> ?
		   AND substr(external_id, ?) NOT IN (SELECT external_id FROM users)`,
		start, len(prefix), prefix, len(prefix), start, len(prefix), prefix, start,
	).Error
}

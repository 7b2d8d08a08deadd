package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ozkancirak/socialapp/internal/metrics"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const gormStoreLabel = "gorm"

// GormStore persists users through gorm; it backs the embedded SQLite deployment.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open gorm handle. The users table must already be migrated.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) FindByExternalID(ctx context.Context, externalID string) (user User, err error) {
	defer observe(gormStoreLabel, "find_by_external_id", time.Now(), &err)
	err = s.db.WithContext(ctx).Where("external_id = ?", externalID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrNotFound
	}
	return user, err
}

func (s *GormStore) FindByInternalID(ctx context.Context, internalID string) (user User, err error) {
	defer observe(gormStoreLabel, "find_by_internal_id", time.Now(), &err)
	err = s.db.WithContext(ctx).Where("internal_id = ?", internalID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrNotFound
	}
	return user, err
}

// Insert creates the row unless the internal or external id is already taken.
func (s *GormStore) Insert(ctx context.Context, user User) (err error) {
	defer observe(gormStoreLabel, "insert", time.Now(), &err)
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&user)
	if result.Error != nil {
		if isGormUniqueViolation(result.Error) {
			return fmt.Errorf("%w: %v", ErrUniqueViolation, result.Error)
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUniqueViolation
	}
	return nil
}

func (s *GormStore) UpdateProfile(ctx context.Context, internalID string, fields ProfileFields) (err error) {
	defer observe(gormStoreLabel, "update_profile", time.Now(), &err)
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("internal_id = ? AND deleted_at IS NULL", internalID).
		Updates(map[string]interface{}{
			"username":     fields.Username,
			"display_name": fields.DisplayName,
			"full_name":    fields.FullName,
			"avatar_url":   fields.AvatarURL,
			"email":        fields.Email,
			"updated_at":   fields.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) Tombstone(ctx context.Context, internalID string, deletedAt time.Time) (err error) {
	defer observe(gormStoreLabel, "tombstone", time.Now(), &err)
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("internal_id = ? AND deleted_at IS NULL", internalID).
		Updates(map[string]interface{}{
			"username":     "",
			"full_name":    "",
			"avatar_url":   "",
			"email":        "",
			"display_name": gorm.Expr("? || substr(external_id, 1, ?)", DefaultExternalIDPrefix, placeholderRunes),
			"updated_at":   deletedAt,
			"deleted_at":   deletedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func isGormUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") || strings.Contains(message, "duplicate key")
}

func observe(store, operation string, startedAt time.Time, errPtr *error) {
	var err error
	if errPtr != nil {
		err = *errPtr
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUniqueViolation) {
		err = nil
	}
	metrics.RecordStoreOperation(store, operation, time.Since(startedAt), err)
}

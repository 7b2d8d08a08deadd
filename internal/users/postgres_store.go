package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	postgresStoreLabel       = "postgres"
	postgresUniqueViolation  = pq.ErrorCode("23505")
	postgresUserSelectFields = `internal_id, external_id, username, display_name, full_name, avatar_url, email, created_at, updated_at, deleted_at`
)

// PostgresStore persists users in the hosted Postgres backend through sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an open sqlx handle bound to the lib/pq driver.
func NewPostgresStore(db *sqlx.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) FindByExternalID(ctx context.Context, externalID string) (user User, err error) {
	defer observe(postgresStoreLabel, "find_by_external_id", time.Now(), &err)
	query := `SELECT ` + postgresUserSelectFields + ` FROM users WHERE external_id = $1 LIMIT 1`
	err = s.db.GetContext(ctx, &user, query, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return user, err
}

func (s *PostgresStore) FindByInternalID(ctx context.Context, internalID string) (user User, err error) {
	defer observe(postgresStoreLabel, "find_by_internal_id", time.Now(), &err)
	query := `SELECT ` + postgresUserSelectFields + ` FROM users WHERE internal_id = $1 LIMIT 1`
	err = s.db.GetContext(ctx, &user, query, internalID)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return user, err
}

// Insert relies on ON CONFLICT DO NOTHING; an empty RETURNING set means another writer won.
func (s *PostgresStore) Insert(ctx context.Context, user User) (err error) {
	defer observe(postgresStoreLabel, "insert", time.Now(), &err)
	query := `
		INSERT INTO users (
			internal_id, external_id, username, display_name, full_name,
			avatar_url, email, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING
		RETURNING internal_id
	`
	var inserted string
	err = s.db.QueryRowxContext(ctx, query,
		user.InternalID,
		user.ExternalID,
		user.Username,
		user.DisplayName,
		user.FullName,
		user.AvatarURL,
		user.Email,
		user.CreatedAt,
		user.UpdatedAt,
	).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUniqueViolation
	}
	if isPostgresUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrUniqueViolation, err)
	}
	return err
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, internalID string, fields ProfileFields) (err error) {
	defer observe(postgresStoreLabel, "update_profile", time.Now(), &err)
	query := `
		UPDATE users
		SET username = $1,
		    display_name = $2,
		    full_name = $3,
		    avatar_url = $4,
		    email = $5,
		    updated_at = $6
		WHERE internal_id = $7 AND deleted_at IS NULL
	`
	result, err := s.db.ExecContext(ctx, query,
		fields.Username,
		fields.DisplayName,
		fields.FullName,
		fields.AvatarURL,
		fields.Email,
		fields.UpdatedAt,
		internalID,
	)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

func (s *PostgresStore) Tombstone(ctx context.Context, internalID string, deletedAt time.Time) (err error) {
	defer observe(postgresStoreLabel, "tombstone", time.Now(), &err)
	query := `
		UPDATE users
		SET username = '',
		    full_name = '',
		    avatar_url = '',
		    email = '',
		    display_name = $1::text || substr(external_id, 1, $2::int),
		    updated_at = $3,
		    deleted_at = $3
		WHERE internal_id = $4 AND deleted_at IS NULL
	`
	result, err := s.db.ExecContext(ctx, query, DefaultExternalIDPrefix, placeholderRunes, deletedAt, internalID)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == postgresUniqueViolation
}

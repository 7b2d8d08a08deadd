package users

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by a Store when no row matches the lookup key.
	ErrNotFound = errors.New("users: user not found")
	// ErrUniqueViolation is returned by Store.Insert when a row with the same internal or external id exists.
	ErrUniqueViolation = errors.New("users: unique violation")
)

// Store is the relational contract the reconciler depends on.
// Deadline errors from the supplied context must be returned unwrapped or wrapped with %w.
type Store interface {
	FindByExternalID(ctx context.Context, externalID string) (User, error)
	FindByInternalID(ctx context.Context, internalID string) (User, error)
	Insert(ctx context.Context, user User) error
	UpdateProfile(ctx context.Context, internalID string, fields ProfileFields) error
	Tombstone(ctx context.Context, internalID string, deletedAt time.Time) error
}

// ProfileFields are the mutable mirror columns written by UpdateProfile.
type ProfileFields struct {
	Username    string
	DisplayName string
	FullName    string
	AvatarURL   string
	Email       string
	UpdatedAt   time.Time
}

func profileFieldsOf(user User) ProfileFields {
	return ProfileFields{
		Username:    user.Username,
		DisplayName: user.DisplayName,
		FullName:    user.FullName,
		AvatarURL:   user.AvatarURL,
		Email:       user.Email,
		UpdatedAt:   user.UpdatedAt,
	}
}

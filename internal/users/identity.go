package users

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ozkancirak/socialapp/internal/apperror"
)

const (
	// DefaultExternalIDPrefix is the constant prefix the identity provider puts on its user ids.
	DefaultExternalIDPrefix = "user_"

	maxExternalIDLength = 190
	opNormalize         = "users.normalize"
	placeholderRunes    = 8
)

// internalIDNamespace scopes UUIDv5 derivation so ids never collide with other derived namespaces.
var internalIDNamespace = uuid.MustParse("9b3c6a52-4f0e-5d7a-8c1b-2e6f4a9d7c30")

// User mirrors an identity-provider account as a durable relational row.
type User struct {
	InternalID  string     `gorm:"column:internal_id;primaryKey;size:36;not null" db:"internal_id"`
	ExternalID  string     `gorm:"column:external_id;size:190;not null;uniqueIndex:idx_users_external_id" db:"external_id"`
	Username    string     `gorm:"column:username;size:64;not null;default:''" db:"username"`
	DisplayName string     `gorm:"column:display_name;size:320;not null;default:''" db:"display_name"`
	FullName    string     `gorm:"column:full_name;size:320;not null;default:''" db:"full_name"`
	AvatarURL   string     `gorm:"column:avatar_url;size:512;not null;default:''" db:"avatar_url"`
	Email       string     `gorm:"column:email;size:320;not null;default:''" db:"email"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null" db:"created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null" db:"updated_at"`
	DeletedAt   *time.Time `gorm:"column:deleted_at" db:"deleted_at"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// Tombstoned reports whether the identity provider deleted this user.
func (u User) Tombstoned() bool {
	return u.DeletedAt != nil
}

// NormalizeExternalID trims the raw identifier and strips the provider prefix once.
// Every entry point must go through this function so stored and looked-up forms agree. An id that still
// carries the prefix after stripping is rejected, so a normalized id always normalizes to itself.
func NormalizeExternalID(raw, prefix string) (string, error) {
	normalized := normalize(raw)
	if prefix != "" && strings.HasPrefix(normalized, prefix) {
		normalized = normalize(strings.TrimPrefix(normalized, prefix))
	}
	if normalized == "" {
		return "", apperror.InvalidInput(opNormalize, "external id is empty")
	}
	if prefix != "" && strings.HasPrefix(normalized, prefix) {
		return "", apperror.InvalidInput(opNormalize, fmt.Sprintf("external id repeats the %q prefix", prefix))
	}
	if utf8.RuneCountInString(normalized) > maxExternalIDLength {
		return "", apperror.InvalidInput(opNormalize, fmt.Sprintf("external id exceeds %d characters", maxExternalIDLength))
	}
	return normalized, nil
}

// DeriveInternalID maps a normalized external id onto its internal id.
// The mapping is pure, so independent callers agree on the id without consulting the store.
func DeriveInternalID(normalizedExternalID string) string {
	return uuid.NewSHA1(internalIDNamespace, []byte(normalizedExternalID)).String()
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}

package users

import (
	"strings"

	"github.com/gosimple/slug"
	"golang.org/x/text/unicode/norm"
)

// Profile is the identity provider's current snapshot of a user's mutable fields.
type Profile struct {
	FullName  string
	Username  string
	Email     string
	AvatarURL string
}

// IsEmpty reports whether the snapshot carries no field at all.
func (p Profile) IsEmpty() bool {
	return normalize(p.FullName) == "" &&
		normalize(p.Username) == "" &&
		normalize(p.Email) == "" &&
		normalize(p.AvatarURL) == ""
}

// DisplayName picks the display field: full name, then provider username, then a placeholder.
// The result is never empty for a non-empty external id.
func DisplayName(profile Profile, normalizedExternalID string) string {
	if fullName := normalizeText(profile.FullName); fullName != "" {
		return fullName
	}
	if username := normalizeText(profile.Username); username != "" {
		return username
	}
	return placeholderName(normalizedExternalID)
}

// Handle derives the lowercase [a-z0-9_] handle from the provider username, else the placeholder.
func Handle(profile Profile, normalizedExternalID string) string {
	if username := normalize(profile.Username); username != "" {
		if handle := strings.ReplaceAll(slug.Make(username), "-", "_"); handle != "" {
			return handle
		}
	}
	return placeholderName(normalizedExternalID)
}

func placeholderName(normalizedExternalID string) string {
	runes := []rune(normalizedExternalID)
	if len(runes) > placeholderRunes {
		runes = runes[:placeholderRunes]
	}
	return DefaultExternalIDPrefix + string(runes)
}

func normalizeText(value string) string {
	return norm.NFC.String(normalize(value))
}

// applyProfile overwrites the mirror fields of user from the snapshot.
func applyProfile(user *User, profile Profile) {
	user.FullName = normalizeText(profile.FullName)
	user.DisplayName = DisplayName(profile, user.ExternalID)
	user.Username = Handle(profile, user.ExternalID)
	user.Email = strings.ToLower(normalize(profile.Email))
	user.AvatarURL = normalize(profile.AvatarURL)
}

package webhooks

import (
	"encoding/json"
	"strings"

	"github.com/ozkancirak/socialapp/internal/apperror"
	"github.com/ozkancirak/socialapp/internal/users"
)

const (
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"

	opParseEvent = "webhooks.parse_event"
)

// Event is an identity-provider webhook envelope.
type Event struct {
	Type string    `json:"type"`
	Data EventUser `json:"data"`
}

// EventUser is the user object carried by user.* events.
type EventUser struct {
	ID                    string         `json:"id"`
	Username              string         `json:"username"`
	FirstName             string         `json:"first_name"`
	LastName              string         `json:"last_name"`
	ImageURL              string         `json:"image_url"`
	EmailAddresses        []EmailAddress `json:"email_addresses"`
	PrimaryEmailAddressID string         `json:"primary_email_address_id"`
	Deleted               bool           `json:"deleted"`
}

type EmailAddress struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

// ParseEvent decodes a webhook body. user.* events must name the user.
func ParseEvent(body []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Event{}, apperror.New(apperror.KindInvalidInput, opParseEvent, "malformed event payload", err)
	}
	event.Type = strings.TrimSpace(event.Type)
	if event.Type == "" {
		return Event{}, apperror.InvalidInput(opParseEvent, "event type is required")
	}
	if isUserEvent(event.Type) && strings.TrimSpace(event.Data.ID) == "" {
		return Event{}, apperror.InvalidInput(opParseEvent, "event data.id is required")
	}
	return event, nil
}

// Profile maps the provider user onto the mirrored profile fields.
func (u EventUser) Profile() users.Profile {
	return users.Profile{
		FullName:  strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName)),
		Username:  strings.TrimSpace(u.Username),
		Email:     u.PrimaryEmail(),
		AvatarURL: strings.TrimSpace(u.ImageURL),
	}
}

// PrimaryEmail returns the address flagged as primary, else the first listed address.
func (u EventUser) PrimaryEmail() string {
	for _, address := range u.EmailAddresses {
		if address.ID != "" && address.ID == u.PrimaryEmailAddressID {
			return strings.TrimSpace(address.EmailAddress)
		}
	}
	if len(u.EmailAddresses) > 0 {
		return strings.TrimSpace(u.EmailAddresses[0].EmailAddress)
	}
	return ""
}

func isUserEvent(eventType string) bool {
	switch eventType {
	case EventUserCreated, EventUserUpdated, EventUserDeleted:
		return true
	default:
		return false
	}
}

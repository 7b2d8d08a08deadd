package posts

import "github.com/google/uuid"

// IDFunc adapts a plain function to IDProvider.
type IDFunc func() (string, error)

func (f IDFunc) NewID() (string, error) {
	return f()
}

// NewUUIDProvider issues UUIDv7 post and comment ids. They sort by creation time, which keeps the
// feed's post_id tie-break consistent with created_at.
func NewUUIDProvider() IDProvider {
	return IDFunc(newTimeOrderedID)
}

func newTimeOrderedID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

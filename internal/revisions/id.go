package revisions

import "github.com/google/uuid"

const eventIDSigil = "$"

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues "$"-prefixed UUIDv7 event identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return eventIDSigil + value.String(), nil
}

package platform

import "github.com/google/uuid"

// NewID returns a random UUID string used for row ids and correlation ids.
func NewID() string {
	return uuid.New().String()
}

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

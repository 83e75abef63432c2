package sipua

import "github.com/google/uuid"

// newCallID generates a unique Call-ID.
func newCallID() string {
	return uuid.New().String()
}

// newTag generates a From/To tag.
func newTag() string {
	return uuid.New().String()[:8]
}

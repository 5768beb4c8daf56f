package util

import "github.com/google/uuid"

// NewID returns a random URL-safe ID for jobs and requests.
func NewID() string {
	return uuid.NewString()
}

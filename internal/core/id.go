package core

import "github.com/google/uuid"

// NewID returns a random identifier for a task record.
func NewID() string {
	return uuid.NewString()
}

package store

import "github.com/google/uuid"

// NewID returns a fresh entity ID. IDs are UUIDv7, so they sort in
// assignment order.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// SkipVersionCheck as an expected version bypasses the optimistic check.
const SkipVersionCheck = -1

// Universe is the lockable target of top-level tasks.
type Universe struct {
	ID               uuid.UUID `json:"id" db:"id"`                                 // Universe UUID
	Name             string    `json:"name" db:"name"`                             // Descriptive name
	Version          int       `json:"version" db:"version"`                       // Bumped on every unlock
	UpdateInProgress bool      `json:"update_in_progress" db:"update_in_progress"` // Set while a task holds the lock
	CreatedAt        time.Time `json:"created_at" db:"created_at"`                 // Creation timestamp
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`                 // Last update timestamp
}

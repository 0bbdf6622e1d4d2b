package storage

import (
	"github.com/google/uuid"
	"github.com/ignatij/commissioner/pkg/models"
	"github.com/pkg/errors"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrLockConflict = errors.New("universe lock conflict")
)

// Store defines the storage operations of the commissioner.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Progress record operations
	SaveProgressRecord(r models.ProgressRecord) error
	GetProgressRecord(id uuid.UUID) (models.ProgressRecord, error)
	// ListSubTasks returns the records whose parent is parentID ordered by position.
	ListSubTasks(parentID uuid.UUID) ([]models.ProgressRecord, error)
	// TransitionState moves a record to state when the lifecycle allows it and
	// reports whether the record changed.
	TransitionState(id uuid.UUID, state models.TaskState) (bool, error)
	SetErrorString(id uuid.UUID, msg string) error
	SetTaskContext(id uuid.UUID, position int, parentID uuid.UUID) error
	SetCategory(id uuid.UUID, category models.Category) error
	// AbortOrphans moves every non-terminal record owned by owner to Aborted
	// with errorString msg and returns the affected ids.
	AbortOrphans(owner, msg string) ([]uuid.UUID, error)

	// Universe operations
	SaveUniverse(u models.Universe) error
	GetUniverse(id uuid.UUID) (models.Universe, error)
	// LockUniverse atomically checks that the universe is not being updated
	// (unless force) and that its version equals expectedVersion (unless it is
	// models.SkipVersionCheck), then sets update_in_progress.
	LockUniverse(id uuid.UUID, expectedVersion int, force bool) (models.Universe, error)
	// UnlockUniverse clears update_in_progress and bumps the version.
	UnlockUniverse(id uuid.UUID) (models.Universe, error)
}

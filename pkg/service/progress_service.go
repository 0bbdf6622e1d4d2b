package service

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/ignatij/commissioner/pkg/models"
	"github.com/ignatij/commissioner/pkg/storage"
)

// orphanMessage is the errorString of records aborted by a process restart.
const orphanMessage = "Platform restarted."

// ProgressService persists progress records, one transaction per update.
type ProgressService struct {
	store  storage.Store
	logger Logger
	owner  string
}

func NewProgressService(store storage.Store, logger Logger) *ProgressService {
	hostname, err := os.Hostname()
	if err != nil {
		logger.Errorf("Could not determine the hostname: %v", err)
	}
	return &ProgressService{
		store:  store,
		logger: logger,
		owner:  hostname,
	}
}

// Owner is the hostname stamped on every record created by this process.
func (ps *ProgressService) Owner() string {
	return ps.owner
}

func (ps *ProgressService) withTx(op string, fn func(tx storage.Store) error) (err error) {
	txStore, err := ps.store.Begin()
	if err != nil {
		ps.logger.Errorf("Failed to begin transaction for %s: %v", op, err)
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ps.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				ps.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()
	return fn(txStore)
}

// Create persists a new Initializing record that is not placed in any plan yet.
func (ps *ProgressService) Create(taskType models.TaskType, details json.RawMessage, category models.Category) (models.ProgressRecord, error) {
	rec := models.ProgressRecord{
		ID:       uuid.New(),
		TaskType: taskType,
		State:    models.InitializingTaskState,
		Owner:    ps.owner,
		Position: models.UnplacedPosition,
		Category: category,
		Details:  details,
	}
	err := ps.withTx("Create", func(tx storage.Store) error {
		if err := tx.SaveProgressRecord(rec); err != nil {
			ps.logger.Errorf("Failed to save progress record for %s: %v", taskType, err)
			return fmt.Errorf("failed to save progress record for %s: %w", taskType, err)
		}
		return nil
	})
	if err != nil {
		return models.ProgressRecord{}, err
	}
	return rec, nil
}

func (ps *ProgressService) Get(id uuid.UUID) (models.ProgressRecord, error) {
	return ps.store.GetProgressRecord(id)
}

// Transition moves the record to state; it reports false when the lifecycle
// forbids the move, e.g. the record is already terminal.
func (ps *ProgressService) Transition(id uuid.UUID, state models.TaskState) (changed bool, err error) {
	err = ps.withTx("Transition", func(tx storage.Store) error {
		changed, err = tx.TransitionState(id, state)
		if err != nil {
			ps.logger.Errorf("Failed to update task %s state to %s: %v", id, state, err)
			return fmt.Errorf("failed to update task %s state: %w", id, err)
		}
		return nil
	})
	return changed, err
}

func (ps *ProgressService) SetErrorString(id uuid.UUID, msg string) error {
	return ps.withTx("SetErrorString", func(tx storage.Store) error {
		if err := tx.SetErrorString(id, msg); err != nil {
			ps.logger.Errorf("Failed to annotate task %s: %v", id, err)
			return fmt.Errorf("failed to annotate task %s: %w", id, err)
		}
		return nil
	})
}

// SetTaskContext places the records at position under the parent task.
func (ps *ProgressService) SetTaskContext(ids []uuid.UUID, position int, parentID uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return ps.withTx("SetTaskContext", func(tx storage.Store) error {
		for _, id := range ids {
			if err := tx.SetTaskContext(id, position, parentID); err != nil {
				return fmt.Errorf("failed to set context of task %s: %w", id, err)
			}
		}
		return nil
	})
}

func (ps *ProgressService) SetCategory(ids []uuid.UUID, category models.Category) error {
	if len(ids) == 0 {
		return nil
	}
	return ps.withTx("SetCategory", func(tx storage.Store) error {
		for _, id := range ids {
			if err := tx.SetCategory(id, category); err != nil {
				return fmt.Errorf("failed to set category of task %s: %w", id, err)
			}
		}
		return nil
	})
}

// Progress assembles the caller-facing view of a task from its record and the
// records of its sub tasks.
func (ps *ProgressService) Progress(id uuid.UUID) (models.TaskProgress, error) {
	root, err := ps.store.GetProgressRecord(id)
	if err != nil {
		return models.TaskProgress{}, err
	}
	subTasks, err := ps.store.ListSubTasks(id)
	if err != nil {
		return models.TaskProgress{}, err
	}
	return models.NewTaskProgress(root, subTasks), nil
}

// AbortOrphans aborts records this host left unfinished before a restart.
func (ps *ProgressService) AbortOrphans() (ids []uuid.UUID, err error) {
	err = ps.withTx("AbortOrphans", func(tx storage.Store) error {
		ids, err = tx.AbortOrphans(ps.owner, orphanMessage)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		ps.logger.Warnf("Aborted %d task(s) left unfinished by a previous run on %s", len(ids), ps.owner)
	}
	return ids, nil
}

package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/commissioner/pkg/models"
	"github.com/ignatij/commissioner/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}
type PostgresStore struct {
	db DBInterface
}

const (
	progressColumns = `id, task_type, state, owner, position, parent_id, category, details,
		created_at, updated_at, started_at, completed_at`
	universeColumns = `id, name, version, update_in_progress, created_at, updated_at`
)

var allTaskStates = []models.TaskState{
	models.InitializingTaskState,
	models.RunningTaskState,
	models.SuccessTaskState,
	models.FailureTaskState,
	models.AbortedTaskState,
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveProgressRecord inserts a record or overwrites the mutable columns of an existing one
func (s *PostgresStore) SaveProgressRecord(r models.ProgressRecord) error {
	details := string(r.Details)
	if details == "" {
		details = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO task_progress (id, task_type, state, owner, position, parent_id, category, details, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state,
		owner = EXCLUDED.owner,
		position = EXCLUDED.position,
		parent_id = EXCLUDED.parent_id,
		category = EXCLUDED.category,
		details = EXCLUDED.details,
		started_at = EXCLUDED.started_at,
		completed_at = EXCLUDED.completed_at,
		updated_at = CURRENT_TIMESTAMP`,
		r.ID, r.TaskType, r.State, r.Owner, r.Position, r.ParentID, r.Category, details, r.StartedAt, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("save progress record %s: %w", r.ID, err)
	}
	return nil
}

// GetProgressRecord retrieves a record by ID
func (s *PostgresStore) GetProgressRecord(id uuid.UUID) (models.ProgressRecord, error) {
	var r models.ProgressRecord
	err := s.db.Get(&r, "SELECT "+progressColumns+" FROM task_progress WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.ProgressRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return models.ProgressRecord{}, err
	}
	return r, nil
}

// ListSubTasks retrieves the records spawned by parentID in plan order
func (s *PostgresStore) ListSubTasks(parentID uuid.UUID) ([]models.ProgressRecord, error) {
	records := []models.ProgressRecord{}
	err := s.db.Select(&records,
		"SELECT "+progressColumns+" FROM task_progress WHERE parent_id = $1 ORDER BY position, created_at", parentID)
	if err != nil {
		return nil, fmt.Errorf("list sub tasks of %s: %w", parentID, err)
	}
	return records, nil
}

// TransitionState moves a record forward along its lifecycle
func (s *PostgresStore) TransitionState(id uuid.UUID, state models.TaskState) (bool, error) {
	var from []string
	for _, st := range allTaskStates {
		if st.CanTransitionTo(state) {
			from = append(from, string(st))
		}
	}
	res, err := s.db.Exec(`
		UPDATE task_progress
		SET state = $1,
		started_at = CASE WHEN $2 THEN CURRENT_TIMESTAMP ELSE started_at END,
		completed_at = CASE WHEN $3 THEN CURRENT_TIMESTAMP ELSE completed_at END,
		updated_at = CURRENT_TIMESTAMP
		WHERE id = $4 AND state = ANY($5)`,
		// separate flags instead of comparing $1 again, postgres deduces one type per parameter
		state, state == models.RunningTaskState, state.IsTerminal(), id, pq.Array(from))
	if err != nil {
		return false, fmt.Errorf("transition %s to %s: %w", id, state, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetProgressRecord(id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// SetErrorString injects errorString into the details object of a record
func (s *PostgresStore) SetErrorString(id uuid.UUID, msg string) error {
	res, err := s.db.Exec(`
		UPDATE task_progress
		SET details = jsonb_set(
			CASE WHEN jsonb_typeof(details) = 'object' THEN details ELSE jsonb_build_object('details', details) END,
			'{errorString}', to_jsonb($1::text), true),
		updated_at = CURRENT_TIMESTAMP
		WHERE id = $2`, msg, id)
	return expectOneRow(res, err)
}

func (s *PostgresStore) SetTaskContext(id uuid.UUID, position int, parentID uuid.UUID) error {
	res, err := s.db.Exec(`
		UPDATE task_progress SET position = $1, parent_id = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3`,
		position, parentID, id)
	return expectOneRow(res, err)
}

func (s *PostgresStore) SetCategory(id uuid.UUID, category models.Category) error {
	res, err := s.db.Exec(`
		UPDATE task_progress SET category = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		category, id)
	return expectOneRow(res, err)
}

// AbortOrphans aborts the unfinished records left behind by a previous process on this host
func (s *PostgresStore) AbortOrphans(owner, msg string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.Select(&ids, `
		UPDATE task_progress
		SET state = $1,
		details = jsonb_set(
			CASE WHEN jsonb_typeof(details) = 'object' THEN details ELSE jsonb_build_object('details', details) END,
			'{errorString}', to_jsonb($2::text), true),
		completed_at = CURRENT_TIMESTAMP,
		updated_at = CURRENT_TIMESTAMP
		WHERE owner = $3 AND state IN ($4, $5)
		RETURNING id`,
		models.AbortedTaskState, msg, owner, models.InitializingTaskState, models.RunningTaskState)
	if err != nil {
		return nil, fmt.Errorf("abort orphans of %s: %w", owner, err)
	}
	return ids, nil
}

// SaveUniverse creates a new universe
func (s *PostgresStore) SaveUniverse(u models.Universe) error {
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO universes (id, name, version, update_in_progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Name, u.Version, u.UpdateInProgress, u.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("save universe: %w", err)
	}
	return nil
}

// GetUniverse retrieves a universe by ID
func (s *PostgresStore) GetUniverse(id uuid.UUID) (models.Universe, error) {
	var u models.Universe
	err := s.db.Get(&u, "SELECT "+universeColumns+" FROM universes WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Universe{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Universe{}, err
	}
	return u, nil
}

// LockUniverse claims a universe with a single compare-and-set update
func (s *PostgresStore) LockUniverse(id uuid.UUID, expectedVersion int, force bool) (models.Universe, error) {
	var u models.Universe
	err := s.db.Get(&u, `
		UPDATE universes
		SET update_in_progress = TRUE, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		AND (update_in_progress = FALSE OR $2::boolean)
		AND ($3::integer = -1 OR version = $3::integer)
		RETURNING `+universeColumns,
		id, force, expectedVersion)
	if err == sql.ErrNoRows {
		// either not found or the check failed; tell them apart for the caller
		current, getErr := s.GetUniverse(id)
		if getErr != nil {
			return models.Universe{}, getErr
		}
		if current.UpdateInProgress && !force {
			return models.Universe{}, fmt.Errorf("universe %s is already being updated: %w", id, storage.ErrLockConflict)
		}
		return models.Universe{}, fmt.Errorf("universe %s has version %d, expected %d: %w",
			id, current.Version, expectedVersion, storage.ErrLockConflict)
	}
	if err != nil {
		return models.Universe{}, err
	}
	return u, nil
}

// UnlockUniverse releases the claim and bumps the version
func (s *PostgresStore) UnlockUniverse(id uuid.UUID) (models.Universe, error) {
	var u models.Universe
	err := s.db.Get(&u, `
		UPDATE universes
		SET update_in_progress = FALSE, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING `+universeColumns, id)
	if err == sql.ErrNoRows {
		return models.Universe{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Universe{}, err
	}
	return u, nil
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

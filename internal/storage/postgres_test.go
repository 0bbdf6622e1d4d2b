package storage_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	internal_storage "github.com/ignatij/commissioner/internal/storage"
	"github.com/ignatij/commissioner/internal/testutil"
	"github.com/ignatij/commissioner/pkg/models"
	"github.com/ignatij/commissioner/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t, "../../migrations")
	defer testDB.Teardown(t)

	store, err := internal_storage.InitStore(testDB.ConnStr, 10)
	require.NoError(t, err)
	defer store.Close()

	// Helper to create a transactional store
	newTxStore := func(t *testing.T) *internal_storage.PostgresStore {
		txStore, err := store.Begin()
		require.NoError(t, err)
		t.Cleanup(func() { _ = txStore.Rollback() })
		return txStore.(*internal_storage.PostgresStore)
	}

	newRecord := func() models.ProgressRecord {
		return models.ProgressRecord{
			ID:       uuid.New(),
			TaskType: "RunNodeCommand",
			State:    models.InitializingTaskState,
			Owner:    "cp-1",
			Position: models.UnplacedPosition,
			Details:  json.RawMessage(`{"node":"n1"}`),
		}
	}

	t.Run("SaveAndGetProgressRecord", func(t *testing.T) {
		tx := newTxStore(t)
		rec := newRecord()
		require.NoError(t, tx.SaveProgressRecord(rec))

		got, err := tx.GetProgressRecord(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.TaskType, got.TaskType)
		assert.Equal(t, models.InitializingTaskState, got.State)
		assert.Equal(t, models.UnplacedPosition, got.Position)
		assert.False(t, got.ParentID.Valid)
		assert.JSONEq(t, `{"node":"n1"}`, string(got.Details))
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("GetNonExistingRecord", func(t *testing.T) {
		tx := newTxStore(t)
		_, err := tx.GetProgressRecord(uuid.New())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("TransitionState", func(t *testing.T) {
		tx := newTxStore(t)
		rec := newRecord()
		require.NoError(t, tx.SaveProgressRecord(rec))

		changed, err := tx.TransitionState(rec.ID, models.RunningTaskState)
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = tx.TransitionState(rec.ID, models.FailureTaskState)
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = tx.TransitionState(rec.ID, models.SuccessTaskState)
		require.NoError(t, err)
		assert.False(t, changed)

		got, err := tx.GetProgressRecord(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.FailureTaskState, got.State)
		assert.NotNil(t, got.StartedAt)
		assert.NotNil(t, got.CompletedAt)

		_, err = tx.TransitionState(uuid.New(), models.RunningTaskState)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SetErrorString", func(t *testing.T) {
		tx := newTxStore(t)
		rec := newRecord()
		require.NoError(t, tx.SaveProgressRecord(rec))
		require.NoError(t, tx.SetErrorString(rec.ID, "Failed to execute task {}, hit error disk full."))

		got, err := tx.GetProgressRecord(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "Failed to execute task {}, hit error disk full.", got.ErrorString())
		assert.JSONEq(t, `{"node":"n1","errorString":"Failed to execute task {}, hit error disk full."}`, string(got.Details))

		assert.ErrorIs(t, tx.SetErrorString(uuid.New(), "x"), storage.ErrNotFound)
	})

	t.Run("SubTasksInPlanOrder", func(t *testing.T) {
		tx := newTxStore(t)
		parent := newRecord()
		require.NoError(t, tx.SaveProgressRecord(parent))
		for _, pos := range []int{1, 0, 2, 1} {
			rec := newRecord()
			require.NoError(t, tx.SaveProgressRecord(rec))
			require.NoError(t, tx.SetTaskContext(rec.ID, pos, parent.ID))
			require.NoError(t, tx.SetCategory(rec.ID, models.ConfigureUniverseCategory))
		}

		subTasks, err := tx.ListSubTasks(parent.ID)
		require.NoError(t, err)
		var positions []int
		for _, rec := range subTasks {
			positions = append(positions, rec.Position)
			assert.Equal(t, models.ConfigureUniverseCategory, rec.Category)
			assert.Equal(t, parent.ID, rec.ParentID.UUID)
		}
		assert.Equal(t, []int{0, 1, 1, 2}, positions)
	})

	t.Run("AbortOrphans", func(t *testing.T) {
		tx := newTxStore(t)
		mine := newRecord()
		theirs := newRecord()
		theirs.Owner = "cp-2"
		done := newRecord()
		done.State = models.SuccessTaskState
		for _, rec := range []models.ProgressRecord{mine, theirs, done} {
			require.NoError(t, tx.SaveProgressRecord(rec))
		}

		ids, err := tx.AbortOrphans("cp-1", "Platform restarted.")
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{mine.ID}, ids)

		got, err := tx.GetProgressRecord(mine.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AbortedTaskState, got.State)
		assert.Equal(t, "Platform restarted.", got.ErrorString())
	})

	t.Run("UniverseLock", func(t *testing.T) {
		tx := newTxStore(t)
		u := models.Universe{ID: uuid.New(), Name: "orders", Version: 1}
		require.NoError(t, tx.SaveUniverse(u))

		locked, err := tx.LockUniverse(u.ID, 1, false)
		require.NoError(t, err)
		assert.True(t, locked.UpdateInProgress)

		_, err = tx.LockUniverse(u.ID, models.SkipVersionCheck, false)
		assert.ErrorIs(t, err, storage.ErrLockConflict)
		_, err = tx.LockUniverse(u.ID, models.SkipVersionCheck, true)
		assert.NoError(t, err)

		unlocked, err := tx.UnlockUniverse(u.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, unlocked.Version)
		assert.False(t, unlocked.UpdateInProgress)

		_, err = tx.LockUniverse(u.ID, 1, false)
		assert.ErrorIs(t, err, storage.ErrLockConflict)
		_, err = tx.LockUniverse(uuid.New(), 1, false)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ConcurrentLockers", func(t *testing.T) {
		testDB.Truncate(t)
		u := models.Universe{ID: uuid.New(), Name: "ledger", Version: 1}
		require.NoError(t, store.SaveUniverse(u))

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.LockUniverse(u.ID, 1, false); err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, succeeded)
	})
}

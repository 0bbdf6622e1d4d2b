package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/commissioner/pkg/models"
	"github.com/pkg/errors"
)

// mockStore implements Store in memory. Writes are applied immediately, so
// Begin/Commit/Rollback only exist to satisfy the transactional contract.
type mockStore struct {
	mu        *sync.RWMutex
	records   map[uuid.UUID]models.ProgressRecord
	universes map[uuid.UUID]models.Universe
	// insertion order of records, breaks position ties like created_at does
	seq  map[uuid.UUID]int
	inTx bool
}

func NewMockStore() Store {
	return &mockStore{
		mu:        &sync.RWMutex{},
		records:   make(map[uuid.UUID]models.ProgressRecord),
		universes: make(map[uuid.UUID]models.Universe),
		seq:       make(map[uuid.UUID]int),
	}
}

func (m *mockStore) Begin() (Store, error) {
	return &mockStore{mu: m.mu, records: m.records, universes: m.universes, seq: m.seq, inTx: true}, nil
}

func (m *mockStore) Commit() error {
	if !m.inTx {
		return errors.New("cannot commit: not a transaction")
	}
	return nil
}

func (m *mockStore) Rollback() error {
	if !m.inTx {
		return errors.New("cannot rollback: not a transaction")
	}
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) SaveProgressRecord(r models.ProgressRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if existing, ok := m.records[r.ID]; ok {
		r.CreatedAt = existing.CreatedAt
	} else {
		m.seq[r.ID] = len(m.seq)
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
	}
	r.UpdatedAt = now
	r.Details = append([]byte(nil), r.Details...)
	m.records[r.ID] = r
	return nil
}

func (m *mockStore) GetProgressRecord(id uuid.UUID) (models.ProgressRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return models.ProgressRecord{}, ErrNotFound
	}
	return r, nil
}

func (m *mockStore) ListSubTasks(parentID uuid.UUID) ([]models.ProgressRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.ProgressRecord{}
	for _, r := range m.records {
		if r.ParentID.Valid && r.ParentID.UUID == parentID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return m.seq[out[i].ID] < m.seq[out[j].ID]
	})
	return out, nil
}

func (m *mockStore) TransitionState(id uuid.UUID, state models.TaskState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return false, ErrNotFound
	}
	if !r.State.CanTransitionTo(state) {
		return false, nil
	}
	now := time.Now()
	r.State = state
	r.UpdatedAt = now
	if state == models.RunningTaskState {
		r.StartedAt = &now
	}
	if state.IsTerminal() {
		r.CompletedAt = &now
	}
	m.records[id] = r
	return true, nil
}

func (m *mockStore) SetErrorString(id uuid.UUID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	details, err := models.WithErrorString(r.Details, msg)
	if err != nil {
		return err
	}
	r.Details = details
	r.UpdatedAt = time.Now()
	m.records[id] = r
	return nil
}

func (m *mockStore) SetTaskContext(id uuid.UUID, position int, parentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	r.Position = position
	r.ParentID = uuid.NullUUID{UUID: parentID, Valid: true}
	r.UpdatedAt = time.Now()
	m.records[id] = r
	return nil
}

func (m *mockStore) SetCategory(id uuid.UUID, category models.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	r.Category = category
	r.UpdatedAt = time.Now()
	m.records[id] = r
	return nil
}

func (m *mockStore) AbortOrphans(owner, msg string) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	now := time.Now()
	for id, r := range m.records {
		if r.Owner != owner || r.State.IsTerminal() {
			continue
		}
		details, err := models.WithErrorString(r.Details, msg)
		if err != nil {
			return nil, err
		}
		r.State = models.AbortedTaskState
		r.Details = details
		r.UpdatedAt = now
		r.CompletedAt = &now
		m.records[id] = r
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *mockStore) SaveUniverse(u models.Universe) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.universes[u.ID]; ok {
		return errors.Errorf("universe %s already exists", u.ID)
	}
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	m.universes[u.ID] = u
	return nil
}

func (m *mockStore) GetUniverse(id uuid.UUID) (models.Universe, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.universes[id]
	if !ok {
		return models.Universe{}, ErrNotFound
	}
	return u, nil
}

func (m *mockStore) LockUniverse(id uuid.UUID, expectedVersion int, force bool) (models.Universe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.universes[id]
	if !ok {
		return models.Universe{}, ErrNotFound
	}
	if u.UpdateInProgress && !force {
		return models.Universe{}, errors.Wrapf(ErrLockConflict, "universe %s is already being updated", id)
	}
	if expectedVersion != models.SkipVersionCheck && u.Version != expectedVersion {
		return models.Universe{}, errors.Wrapf(ErrLockConflict,
			"universe %s has version %d, expected %d", id, u.Version, expectedVersion)
	}
	u.UpdateInProgress = true
	u.UpdatedAt = time.Now()
	m.universes[id] = u
	return u, nil
}

func (m *mockStore) UnlockUniverse(id uuid.UUID) (models.Universe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.universes[id]
	if !ok {
		return models.Universe{}, ErrNotFound
	}
	u.UpdateInProgress = false
	u.Version++
	u.UpdatedAt = time.Now()
	m.universes[id] = u
	return u, nil
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/ignatij/commissioner/pkg/models"
	"github.com/pkg/errors"
)

// Task is one unit of work. Initialize receives the task parameters, the same
// bytes that are persisted as the details of its progress record. Run executes
// the task; a nil error is success. Run must honour ctx: it is cancelled when
// the task runs past its time limit or the dispatcher shuts down.
type Task interface {
	Initialize(params json.RawMessage) error
	Run(ctx context.Context, rt *Runtime) error
}

// Factory builds a fresh, uninitialized task instance.
type Factory func() Task

// Registry maps task types to their factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[models.TaskType]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[models.TaskType]Factory)}
}

// Register adds a task type. Registering the same type twice replaces the factory.
func (r *Registry) Register(taskType models.TaskType, factory Factory) error {
	if taskType == "" {
		return errors.New("task type is required")
	}
	if factory == nil {
		return fmt.Errorf("factory for task type %s is nil", taskType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[taskType] = factory
	return nil
}

// Types lists the registered task types, sorted.
func (r *Registry) Types() []models.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]models.TaskType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// New instantiates and initializes a task of taskType. params may be raw JSON
// or any value that marshals to JSON; the encoded form is returned so it can
// be persisted as the record details.
func (r *Registry) New(taskType models.TaskType, params any) (Task, json.RawMessage, error) {
	r.mu.RLock()
	factory, ok := r.factories[taskType]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	details, err := encodeParams(params)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to encode parameters of %s: %v", ErrInvalidParams, taskType, err)
	}
	task := factory()
	if err := task.Initialize(details); err != nil {
		return nil, nil, fmt.Errorf("%w: failed to initialize %s: %v", ErrInvalidParams, taskType, err)
	}
	return task, details, nil
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		if !json.Valid(p) {
			return nil, errors.New("parameters are not valid JSON")
		}
		return p, nil
	case []byte:
		return encodeParams(json.RawMessage(p))
	default:
		return json.Marshal(p)
	}
}

// Runtime is what a running task sees of the engine: its own identity, the
// means to build a plan of sub tasks, and the universe lock.
type Runtime struct {
	taskID uuid.UUID
	eng    *engine
	depth  int
}

// TaskID is the id of the progress record of the running task.
func (rt *Runtime) TaskID() uuid.UUID {
	return rt.taskID
}

func (rt *Runtime) Logger() Logger {
	return rt.eng.logger
}

// NewPlan starts an empty plan whose batches become sub tasks of the running
// task. A sub task that builds its own plan is the parent of that plan.
func (rt *Runtime) NewPlan() *Plan {
	return newPlan(rt.eng, rt.taskID)
}

// NewBatch creates a batch that runs on the sub task pools. ignoreErrors lets
// the plan continue past a failure of this batch.
func (rt *Runtime) NewBatch(name string, ignoreErrors bool) *Batch {
	return newBatch(rt.eng, name, ignoreErrors, rt.depth)
}

func (rt *Runtime) LockUniverse(universeID uuid.UUID, expectedVersion int, force bool) (models.Universe, error) {
	return rt.eng.lock.Lock(universeID, expectedVersion, force)
}

func (rt *Runtime) UnlockUniverse(universeID uuid.UUID) (models.Universe, error) {
	return rt.eng.lock.Unlock(universeID)
}

// WithUniverseLock runs fn while holding the universe lock, see UniverseLock.WithLock.
func (rt *Runtime) WithUniverseLock(universeID uuid.UUID, expectedVersion int, force bool, fn func(u models.Universe) error) error {
	return rt.eng.lock.WithLock(universeID, expectedVersion, force, fn)
}

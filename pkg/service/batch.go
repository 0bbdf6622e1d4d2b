package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/commissioner/pkg/models"
	"github.com/pkg/errors"
)

var errBatchNotStarted = errors.New("batch was never started")

// member is one task of a batch together with its completion future.
type member struct {
	id       uuid.UUID
	taskType models.TaskType
	task     Task
	details  json.RawMessage

	// started is closed once a worker picked the member up; ctx, cancel and
	// deadline are set by then
	started  chan struct{}
	done     chan struct{}
	err      error
	ctx      context.Context
	cancel   context.CancelFunc
	deadline time.Time
}

// Batch is a set of tasks that run in parallel on the sub task pool. A failed
// member never cancels its siblings.
type Batch struct {
	eng          *engine
	name         string
	ignoreErrors bool
	// depth of the task that built the batch, 0 for a top-level task
	depth int

	mu       sync.Mutex
	category models.Category
	placed   bool
	position int
	parentID uuid.UUID
	members  []*member
	started  bool
	firstErr error

	completed atomic.Int32
}

func newBatch(eng *engine, name string, ignoreErrors bool, depth int) *Batch {
	return &Batch{
		eng:          eng,
		name:         name,
		ignoreErrors: ignoreErrors,
		depth:        depth,
		position:     models.UnplacedPosition,
	}
}

func (b *Batch) Name() string {
	return b.name
}

func (b *Batch) IgnoreErrors() bool {
	return b.ignoreErrors
}

func (b *Batch) Category() models.Category {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.category
}

func (b *Batch) NumTasks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.members)
}

// NumTasksDone counts the members WaitFor has seen succeed so far.
func (b *Batch) NumTasksDone() int {
	return int(b.completed.Load())
}

// TaskIDs returns the ids of the member records in insertion order.
func (b *Batch) TaskIDs() []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.idsLocked()
}

func (b *Batch) idsLocked() []uuid.UUID {
	ids := make([]uuid.UUID, len(b.members))
	for i, m := range b.members {
		ids[i] = m.id
	}
	return ids
}

// Err returns the error of the first failed member seen by WaitFor.
func (b *Batch) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.firstErr
}

func (b *Batch) String() string {
	return fmt.Sprintf("%s: completed %d out of %d tasks", b.name, b.NumTasksDone(), b.NumTasks())
}

// AddTask instantiates a task and persists its Initializing record right away,
// stamped with the current category and, once the batch is in a plan, its
// position and parent.
func (b *Batch) AddTask(taskType models.TaskType, params any) (uuid.UUID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return uuid.Nil, fmt.Errorf("cannot add %s to batch %s: already started", taskType, b.name)
	}
	task, details, err := b.eng.registry.New(taskType, params)
	if err != nil {
		return uuid.Nil, err
	}
	rec, err := b.eng.progress.Create(taskType, details, b.category)
	if err != nil {
		return uuid.Nil, err
	}
	if b.placed {
		if err := b.eng.progress.SetTaskContext([]uuid.UUID{rec.ID}, b.position, b.parentID); err != nil {
			return uuid.Nil, err
		}
	}
	b.members = append(b.members, &member{
		id:       rec.ID,
		taskType: taskType,
		task:     task,
		details:  details,
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	})
	return rec.ID, nil
}

// SetCategory labels the existing members and those added later.
func (b *Batch) SetCategory(category models.Category) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.category = category
	return b.eng.progress.SetCategory(b.idsLocked(), category)
}

func (b *Batch) setTaskContext(position int, parentID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placed = true
	b.position = position
	b.parentID = parentID
	return b.eng.progress.SetTaskContext(b.idsLocked(), position, parentID)
}

// Start hands every member to the sub task pool and returns without waiting.
// Each member runs under its own context derived from ctx, with a deadline
// when the time limit policy sets one. The deadline counts from the moment a
// worker picks the member up.
func (b *Batch) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		b.eng.logger.Warnf("Batch %s was already started", b.name)
		return
	}
	b.started = true
	for _, m := range b.members {
		b.startMember(ctx, m)
	}
}

func (b *Batch) startMember(ctx context.Context, m *member) {
	limit := b.eng.limits.TimeLimit(m.taskType, m.details)
	err := b.eng.submit(b.depth > 0, func() {
		defer close(m.done)
		if limit > 0 {
			m.deadline = time.Now().Add(limit)
			m.ctx, m.cancel = context.WithDeadline(ctx, m.deadline)
		} else {
			m.ctx, m.cancel = context.WithCancel(ctx)
		}
		defer m.cancel()
		close(m.started)
		m.err = b.eng.run(m.ctx, m.id, m.taskType, m.task, b.depth+1)
	})
	if err != nil {
		m.err = errors.Wrapf(err, "failed to submit task %s", m.id)
		close(m.done)
	}
}

// WaitFor blocks until every member finished or ran out of time, in insertion
// order, and reports whether all of them succeeded. Failed members get the
// errorString annotation on their record.
func (b *Batch) WaitFor() bool {
	b.mu.Lock()
	members := append([]*member(nil), b.members...)
	started := b.started
	b.mu.Unlock()

	if len(members) == 0 {
		b.eng.logger.Warnf("Batch %s has no tasks, nothing to wait for", b.name)
		return true
	}

	ok := true
	for _, m := range members {
		var err error
		if started {
			err = b.await(m)
		} else {
			err = errBatchNotStarted
		}
		if err != nil {
			ok = false
			b.fail(m, err)
			continue
		}
		b.completed.Add(1)
	}
	return ok
}

func (b *Batch) await(m *member) error {
	select {
	case <-m.started:
	case <-m.done:
	}
	if m.deadline.IsZero() {
		<-m.done
		return m.timeoutOr(m.err)
	}
	timer := time.NewTimer(time.Until(m.deadline))
	defer timer.Stop()
	select {
	case <-m.done:
		return m.timeoutOr(m.err)
	case <-timer.C:
	}
	select {
	case <-m.done:
		return m.timeoutOr(m.err)
	default:
	}
	m.cancel()
	return m.timeoutOr(context.DeadlineExceeded)
}

// timeoutOr classifies err as a timeout when the member ran out of time, its
// own or that of an enclosing task.
func (m *member) timeoutOr(err error) error {
	if err == nil || !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if !m.deadline.IsZero() && !time.Now().Before(m.deadline) {
		return fmt.Errorf("%w: %s did not finish by %s", ErrTimeout, m.taskType, m.deadline.Format(time.RFC3339))
	}
	if m.ctx != nil && errors.Is(m.ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s was stopped by the time limit of an enclosing task", ErrTimeout, m.taskType)
	}
	return err
}

func (b *Batch) fail(m *member, err error) {
	b.mu.Lock()
	if b.firstErr == nil {
		b.firstErr = err
	}
	b.mu.Unlock()

	b.eng.logger.Errorf("Task %s (%s) of batch %s failed: %v", m.taskType, m.id, b.name, err)
	if _, terr := b.eng.progress.Transition(m.id, models.FailureTaskState); terr != nil {
		b.eng.logger.Errorf("Failed to mark task %s failed: %v", m.id, terr)
	}
	if serr := b.eng.progress.SetErrorString(m.id, taskErrorString(m.details, err)); serr != nil {
		b.eng.logger.Errorf("Failed to record the error of task %s: %v", m.id, serr)
	}
}

// abort closes out members that were never scheduled because the plan stopped.
func (b *Batch) abort(reason string) {
	b.mu.Lock()
	members := append([]*member(nil), b.members...)
	b.started = true
	b.mu.Unlock()
	for _, m := range members {
		if _, err := b.eng.progress.Transition(m.id, models.AbortedTaskState); err != nil {
			b.eng.logger.Errorf("Failed to abort task %s: %v", m.id, err)
			continue
		}
		if err := b.eng.progress.SetErrorString(m.id, reason); err != nil {
			b.eng.logger.Errorf("Failed to record the abort reason of task %s: %v", m.id, err)
		}
	}
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/commissioner/internal/metrics"
	"github.com/ignatij/commissioner/pkg/models"
	"github.com/ignatij/commissioner/pkg/storage"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxTasks        = 16
	DefaultSubTaskPoolSize = 64
	DefaultPollInterval    = 500 * time.Millisecond
)

// Config sizes the dispatcher. Zero values fall back to the defaults above.
type Config struct {
	MaxTasks        int
	SubTaskPoolSize int
	PollInterval    time.Duration
	TimeLimits      map[models.TaskType]time.Duration
	Metrics         *metrics.Metrics
	Notifier        Notifier
}

// Dispatcher is the entry point for top-level tasks. It admits at most
// MaxTasks running tasks and rejects the rest without touching storage.
type Dispatcher struct {
	eng      *engine
	pool     *ants.Pool
	sem      *semaphore.Weighted
	poll     time.Duration
	notifier Notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[uuid.UUID]chan struct{}
}

// NewDispatcher builds the worker pools and aborts the records this host left
// unfinished before a restart.
func NewDispatcher(store storage.Store, registry *Registry, logger Logger, cfg Config) (*Dispatcher, error) {
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = DefaultMaxTasks
	}
	if cfg.SubTaskPoolSize <= 0 {
		cfg.SubTaskPoolSize = DefaultSubTaskPoolSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	progress := NewProgressService(store, logger)
	if _, err := progress.AbortOrphans(); err != nil {
		return nil, errors.Wrap(err, "failed to abort orphaned tasks")
	}

	pool, err := ants.NewPool(cfg.MaxTasks, ants.WithPanicHandler(func(v any) {
		logger.Errorf("Task runner panic: %v", v)
	}))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create task pool")
	}
	subPool, err := ants.NewPool(cfg.SubTaskPoolSize, ants.WithPanicHandler(func(v any) {
		logger.Errorf("Sub task runner panic: %v", v)
	}))
	if err != nil {
		pool.Release()
		return nil, errors.Wrap(err, "failed to create sub task pool")
	}
	nestedPool, err := ants.NewPool(cfg.SubTaskPoolSize, ants.WithNonblocking(true), ants.WithPanicHandler(func(v any) {
		logger.Errorf("Nested task runner panic: %v", v)
	}))
	if err != nil {
		pool.Release()
		subPool.Release()
		return nil, errors.Wrap(err, "failed to create nested task pool")
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		eng: &engine{
			registry:   registry,
			progress:   progress,
			lock:       NewUniverseLock(store, logger),
			subPool:    subPool,
			nestedPool: nestedPool,
			limits:     TimeLimitPolicy{Limits: cfg.TimeLimits},
			logger:     logger,
			metrics:    cfg.Metrics,
		},
		pool:     pool,
		sem:      semaphore.NewWeighted(int64(cfg.MaxTasks)),
		poll:     cfg.PollInterval,
		notifier: cfg.Notifier,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[uuid.UUID]chan struct{}),
	}
	logger.Infof("Dispatcher started with %d task slot(s) and %d sub task worker(s)", cfg.MaxTasks, cfg.SubTaskPoolSize)
	return d, nil
}

func (d *Dispatcher) Registry() *Registry {
	return d.eng.registry
}

// Submit validates and persists a new top-level task and queues it for
// execution. It returns the task id without waiting for the task to run.
func (d *Dispatcher) Submit(taskType models.TaskType, params any) (uuid.UUID, error) {
	// Shutdown cancels under mu, so no Add happens once it waits on wg
	d.mu.Lock()
	if d.ctx.Err() != nil {
		d.mu.Unlock()
		return uuid.Nil, ErrShutdown
	}
	d.wg.Add(1)
	d.mu.Unlock()

	if !d.sem.TryAcquire(1) {
		d.wg.Done()
		d.eng.metrics.TaskRejected()
		d.eng.logger.Warnf("Rejected %s: %v", taskType, ErrCapacityExceeded)
		return uuid.Nil, ErrCapacityExceeded
	}

	task, details, err := d.eng.registry.New(taskType, params)
	if err != nil {
		d.sem.Release(1)
		d.wg.Done()
		return uuid.Nil, err
	}
	rec, err := d.eng.progress.Create(taskType, details, models.UnsetCategory)
	if err != nil {
		d.sem.Release(1)
		d.wg.Done()
		return uuid.Nil, err
	}

	done := make(chan struct{})
	d.mu.Lock()
	d.inflight[rec.ID] = done
	d.mu.Unlock()
	d.eng.metrics.TaskSubmitted(string(taskType))

	err = d.pool.Submit(func() {
		d.execute(rec.ID, taskType, task, details, done)
	})
	if err != nil {
		d.finish(rec.ID, done)
		err = errors.Wrapf(err, "failed to queue task %s", rec.ID)
		if _, terr := d.eng.progress.Transition(rec.ID, models.FailureTaskState); terr != nil {
			d.eng.logger.Errorf("Failed to mark task %s failed: %v", rec.ID, terr)
		}
		if serr := d.eng.progress.SetErrorString(rec.ID, abbreviateMiddle(err.Error(), maxMessageLength)); serr != nil {
			d.eng.logger.Errorf("Failed to record the error of task %s: %v", rec.ID, serr)
		}
		return uuid.Nil, err
	}
	d.eng.logger.Infof("Submitted %s as %s", taskType, rec.ID)
	return rec.ID, nil
}

func (d *Dispatcher) execute(id uuid.UUID, taskType models.TaskType, task Task, details json.RawMessage, done chan struct{}) {
	defer d.finish(id, done)

	ctx := d.ctx
	if limit := d.eng.limits.TimeLimit(taskType, details); limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}
	err := d.eng.run(ctx, id, taskType, task, 0)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if serr := d.eng.progress.SetErrorString(id, abbreviateMiddle(err.Error(), maxMessageLength)); serr != nil {
			d.eng.logger.Errorf("Failed to record the error of task %s: %v", id, serr)
		}
	}
	if d.notifier != nil {
		rec, gerr := d.eng.progress.Get(id)
		if gerr != nil {
			d.eng.logger.Errorf("Failed to load task %s for notification: %v", id, gerr)
			return
		}
		d.notifier.TaskFinished(rec)
	}
}

func (d *Dispatcher) finish(id uuid.UUID, done chan struct{}) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
	close(done)
	d.sem.Release(1)
	d.eng.metrics.TopLevelDone()
	d.wg.Done()
}

// WaitFor blocks until the task reaches a terminal state and returns it. Tasks
// not running in this process are polled from storage.
func (d *Dispatcher) WaitFor(ctx context.Context, id uuid.UUID) (models.TaskState, error) {
	d.mu.Lock()
	done, ok := d.inflight[id]
	d.mu.Unlock()
	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		rec, err := d.eng.progress.Get(id)
		if err != nil {
			return "", err
		}
		if rec.State.IsTerminal() {
			return rec.State, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Status is the progress view of a task and its sub tasks.
func (d *Dispatcher) Status(id uuid.UUID) (models.TaskProgress, error) {
	return d.eng.progress.Progress(id)
}

// Shutdown stops admitting tasks, cancels the running ones and waits for them
// until ctx is done.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.cancel()
	d.mu.Unlock()
	waited := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waited)
	}()
	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "tasks still running at shutdown")
	}
	d.pool.Release()
	d.eng.subPool.Release()
	d.eng.nestedPool.Release()
	d.eng.logger.Infof("Dispatcher stopped")
	return err
}

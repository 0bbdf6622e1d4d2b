package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/commissioner/internal/metrics"
	"github.com/ignatij/commissioner/pkg/models"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger defines the logging interface of the engine
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Notifier is told about every top-level task that reached a terminal state.
type Notifier interface {
	TaskFinished(rec models.ProgressRecord)
}

var tracer = otel.Tracer("github.com/ignatij/commissioner/pkg/service")

// engine bundles what running tasks share: the registry, persistence, the
// universe lock and the pools that execute batch members.
type engine struct {
	registry *Registry
	progress *ProgressService
	lock     *UniverseLock
	// subPool runs the members of plans built by top-level tasks. Submit
	// blocks while every worker is busy.
	subPool *ants.Pool
	// nestedPool runs the members of plans built by sub tasks. It never
	// blocks: their parents hold subPool workers while they wait.
	nestedPool *ants.Pool
	limits     TimeLimitPolicy
	logger     Logger
	metrics    *metrics.Metrics
}

// submit schedules a batch member. Members of nested plans fall back to their
// own goroutine when nestedPool is full, so a sub task waiting for its plan
// never waits for a worker held by itself or its siblings.
func (e *engine) submit(nested bool, fn func()) error {
	if !nested {
		return e.subPool.Submit(fn)
	}
	err := e.nestedPool.Submit(fn)
	if errors.Is(err, ants.ErrPoolOverload) {
		go fn()
		return nil
	}
	return err
}

// run executes task on the calling goroutine and records its outcome on the
// progress record id: Running when it starts, then Success or Failure.
// A panic in the task body is reported as a failure. depth is 0 for top-level
// tasks and grows by one per plan level.
func (e *engine) run(ctx context.Context, id uuid.UUID, taskType models.TaskType, task Task, depth int) (err error) {
	ctx, span := tracer.Start(ctx, string(taskType), trace.WithAttributes(
		attribute.String("task.id", id.String()),
		attribute.String("task.type", string(taskType)),
	))
	start := time.Now()
	e.metrics.TaskStarted(string(taskType))

	defer func() {
		state := models.SuccessTaskState
		if err != nil {
			state = models.FailureTaskState
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.logger.Errorf("Task %s (%s) failed: %v", taskType, id, err)
		} else {
			e.logger.Infof("Task %s (%s) completed successfully", taskType, id)
		}
		if _, updateErr := e.progress.Transition(id, state); updateErr != nil {
			e.logger.Errorf("Failed to update task %s state to %s: %v", id, state, updateErr)
		}
		e.metrics.TaskFinished(string(taskType), string(state), time.Since(start))
		span.End()
	}()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("task panicked: %v", r)
		}
	}()

	if _, err := e.progress.Transition(id, models.RunningTaskState); err != nil {
		return errors.Wrapf(err, "failed to mark task %s running", id)
	}
	e.logger.Infof("Starting task %s (%s)", taskType, id)
	return task.Run(ctx, &Runtime{taskID: id, eng: e, depth: depth})
}

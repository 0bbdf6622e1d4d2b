package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/commissioner/pkg/models"
	"github.com/ignatij/commissioner/pkg/service"
	"github.com/ignatij/commissioner/pkg/storage"
	"github.com/stretchr/testify/require"
)

// testLogger implements Logger interface for testing
type testLogger struct {
}

func newLogger() service.Logger {
	return &testLogger{}
}

func (l *testLogger) Debugf(format string, args ...interface{}) {
}

func (l *testLogger) Infof(format string, args ...interface{}) {
}

func (l *testLogger) Warnf(format string, args ...interface{}) {
}

func (l *testLogger) Errorf(format string, args ...interface{}) {
}

type taskFunc func(ctx context.Context, rt *service.Runtime, params json.RawMessage) error

// funcTask adapts a closure to the Task interface
type funcTask struct {
	fn     taskFunc
	params json.RawMessage
}

func (t *funcTask) Initialize(params json.RawMessage) error {
	t.params = params
	return nil
}

func (t *funcTask) Run(ctx context.Context, rt *service.Runtime) error {
	return t.fn(ctx, rt, t.params)
}

func registerFunc(t *testing.T, reg *service.Registry, taskType models.TaskType, fn taskFunc) {
	t.Helper()
	require.NoError(t, reg.Register(taskType, func() service.Task { return &funcTask{fn: fn} }))
}

const stepTaskType models.TaskType = "Step"

type stepParams struct {
	SleepMs int    `json:"sleep_ms"`
	Fail    string `json:"fail,omitempty"`
}

// runStep sleeps for SleepMs, honouring cancellation, then fails with Fail if set
func runStep(ctx context.Context, _ *service.Runtime, params json.RawMessage) error {
	var p stepParams
	if err := json.Unmarshal(params, &p); err != nil {
		return err
	}
	if p.SleepMs > 0 {
		select {
		case <-time.After(time.Duration(p.SleepMs) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.Fail != "" {
		return errors.New(p.Fail)
	}
	return nil
}

type fixture struct {
	store      storage.Store
	registry   *service.Registry
	dispatcher *service.Dispatcher
}

func newFixture(t *testing.T, cfg service.Config, register func(reg *service.Registry)) *fixture {
	t.Helper()
	store := storage.NewMockStore()
	reg := service.NewRegistry()
	registerFunc(t, reg, stepTaskType, runStep)
	if register != nil {
		register(reg)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	d, err := service.NewDispatcher(store, reg, newLogger(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return &fixture{store: store, registry: reg, dispatcher: d}
}

// run submits a top-level task and waits for its terminal state
func (f *fixture) run(t *testing.T, taskType models.TaskType, params any) (uuid.UUID, models.TaskState) {
	t.Helper()
	id, err := f.dispatcher.Submit(taskType, params)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := f.dispatcher.WaitFor(ctx, id)
	require.NoError(t, err)
	return id, state
}

func (f *fixture) record(t *testing.T, id uuid.UUID) models.ProgressRecord {
	t.Helper()
	rec, err := f.store.GetProgressRecord(id)
	require.NoError(t, err)
	return rec
}

func (f *fixture) universe(t *testing.T, name string) models.Universe {
	t.Helper()
	u, err := service.NewUniverseService(f.store, newLogger()).Create(name)
	require.NoError(t, err)
	return u
}

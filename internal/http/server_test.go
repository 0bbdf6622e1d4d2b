package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	internal_http "github.com/ignatij/commissioner/internal/http"
	"github.com/ignatij/commissioner/internal/log"
	"github.com/ignatij/commissioner/internal/metrics"
	internal_storage "github.com/ignatij/commissioner/internal/storage"
	"github.com/ignatij/commissioner/internal/tasks"
	"github.com/ignatij/commissioner/internal/testutil"
	"github.com/ignatij/commissioner/pkg/models"
	"github.com/ignatij/commissioner/pkg/service"
	"github.com/ignatij/commissioner/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner fails "fail" and holds "block" until cancelled
type fakeRunner struct{}

func (fakeRunner) Run(ctx context.Context, node string, argv []string, env map[string]string) ([]byte, error) {
	switch argv[0] {
	case "fail":
		return nil, assert.AnError
	case "block":
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, nil
}

func version(v int) *int {
	return &v
}

type testServer struct {
	*httptest.Server
	dispatcher *service.Dispatcher
}

func newTestServer(t *testing.T, store storage.Store, cfg service.Config) *testServer {
	t.Helper()
	reg := service.NewRegistry()
	require.NoError(t, tasks.Register(reg, fakeRunner{}))
	promReg := prometheus.NewRegistry()
	cfg.Metrics = metrics.New(promReg)
	cfg.PollInterval = 10 * time.Millisecond
	d, err := service.NewDispatcher(store, reg, log.GetLogger(), cfg)
	require.NoError(t, err)

	srv := internal_http.NewServer(internal_http.Config{Gatherer: promReg}, log.GetLogger(), d,
		service.NewUniverseService(store, log.GetLogger()))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = d.Shutdown(context.Background())
	})
	return &testServer{Server: ts, dispatcher: d}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (ts *testServer) createUniverse(t *testing.T, name string) models.Universe {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/v1/universes", map[string]string{"name": name})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var u models.Universe
	require.NoError(t, json.Unmarshal(body, &u))
	return u
}

func (ts *testServer) submit(t *testing.T, taskType models.TaskType, params any) uuid.UUID {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"type": taskType, "params": params})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var out struct {
		TaskID uuid.UUID `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	return out.TaskID
}

func (ts *testServer) wait(t *testing.T, id uuid.UUID) models.TaskProgress {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := ts.dispatcher.WaitFor(ctx, id)
	require.NoError(t, err)
	resp, body := ts.do(t, http.MethodGet, "/api/v1/tasks/"+id.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var progress models.TaskProgress
	require.NoError(t, json.Unmarshal(body, &progress))
	return progress
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t, storage.NewMockStore(), service.Config{})

	resp, body := ts.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, body = ts.do(t, http.MethodGet, "/api/v1/task-types", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"task_types":["RunNodeCommand","RunUniverseScript","UnlockUniverse"]}`, string(body))
}

func TestServer_ScriptLifecycle(t *testing.T) {
	ts := newTestServer(t, storage.NewMockStore(), service.Config{})
	u := ts.createUniverse(t, "orders")

	id := ts.submit(t, tasks.RunUniverseScriptType, tasks.UniverseScriptParams{
		UniverseID:      u.ID,
		ExpectedVersion: version(u.Version),
		Nodes:           []string{"n1", "n2"},
		Steps:           []tasks.ScriptStep{{Command: []string{"stop"}}, {Command: []string{"start"}}},
	})
	progress := ts.wait(t, id)
	assert.Equal(t, models.SuccessTaskState, progress.State)
	assert.Equal(t, 4, progress.TotalTasks)
	assert.Equal(t, 100, progress.PercentComplete)
	require.Len(t, progress.Steps, 2)
	assert.Equal(t, models.RunningScriptCategory, progress.Steps[0].Category)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/universes/"+u.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var after models.Universe
	require.NoError(t, json.Unmarshal(body, &after))
	assert.Equal(t, u.Version+1, after.Version)
	assert.False(t, after.UpdateInProgress)

	resp, body = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "commissioner_tasks_finished_total")
}

func TestServer_FailedScriptReportsError(t *testing.T) {
	ts := newTestServer(t, storage.NewMockStore(), service.Config{})
	u := ts.createUniverse(t, "payments")

	id := ts.submit(t, tasks.RunUniverseScriptType, tasks.UniverseScriptParams{
		UniverseID:      u.ID,
		ExpectedVersion: version(u.Version),
		Nodes:           []string{"n1"},
		Steps:           []tasks.ScriptStep{{Name: "break", Command: []string{"fail"}}},
	})
	progress := ts.wait(t, id)
	assert.Equal(t, models.FailureTaskState, progress.State)
	assert.Contains(t, progress.ErrorString, "batch break")
	assert.Contains(t, progress.Steps[0].Tasks[0].ErrorString(), "hit error "+assert.AnError.Error())
}

func TestServer_Errors(t *testing.T) {
	ts := newTestServer(t, storage.NewMockStore(), service.Config{})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{name: "unknown task type", method: http.MethodPost, path: "/api/v1/tasks", body: map[string]any{"type": "Nope"}, status: http.StatusBadRequest},
		{name: "missing type", method: http.MethodPost, path: "/api/v1/tasks", body: map[string]any{}, status: http.StatusBadRequest},
		{name: "invalid params", method: http.MethodPost, path: "/api/v1/tasks", body: map[string]any{"type": tasks.RunUniverseScriptType, "params": map[string]any{}}, status: http.StatusBadRequest},
		{name: "invalid task id", method: http.MethodGet, path: "/api/v1/tasks/abc", status: http.StatusBadRequest},
		{name: "unknown task", method: http.MethodGet, path: "/api/v1/tasks/" + uuid.NewString(), status: http.StatusNotFound},
		{name: "unknown universe", method: http.MethodGet, path: "/api/v1/universes/" + uuid.NewString(), status: http.StatusNotFound},
		{name: "universe without name", method: http.MethodPost, path: "/api/v1/universes", body: map[string]any{}, status: http.StatusBadRequest},
		{name: "wrong method", method: http.MethodDelete, path: "/api/v1/tasks", status: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
		})
	}
}

func TestServer_CapacityExceeded(t *testing.T) {
	ts := newTestServer(t, storage.NewMockStore(), service.Config{MaxTasks: 1})

	first := ts.submit(t, tasks.RunNodeCommandType, tasks.NodeCommandParams{Node: "n1", Command: []string{"block"}})

	resp, body := ts.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"type":   tasks.RunNodeCommandType,
		"params": tasks.NodeCommandParams{Node: "n2", Command: []string{"true"}},
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, string(body))
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))

	assert.Eventually(t, func() bool {
		resp, body := ts.do(t, http.MethodGet, "/api/v1/tasks/"+first.String(), nil)
		var progress models.TaskProgress
		return resp.StatusCode == http.StatusOK &&
			json.Unmarshal(body, &progress) == nil &&
			progress.State == models.RunningTaskState
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServer_LockedUniverse(t *testing.T) {
	store := storage.NewMockStore()
	ts := newTestServer(t, store, service.Config{})
	u := ts.createUniverse(t, "search")

	_, err := store.LockUniverse(u.ID, models.SkipVersionCheck, false)
	require.NoError(t, err)

	id := ts.submit(t, tasks.RunUniverseScriptType, tasks.UniverseScriptParams{
		UniverseID:      u.ID,
		ExpectedVersion: version(u.Version),
		Nodes:           []string{"n1"},
		Steps:           []tasks.ScriptStep{{Command: []string{"start"}}},
	})
	progress := ts.wait(t, id)
	assert.Equal(t, models.FailureTaskState, progress.State)
	assert.Contains(t, progress.ErrorString, service.ErrPreconditionFailed.Error())

	id = ts.submit(t, tasks.UnlockUniverseType, tasks.UnlockUniverseParams{UniverseID: u.ID})
	assert.Equal(t, models.SuccessTaskState, ts.wait(t, id).State)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/universes/"+u.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var after models.Universe
	require.NoError(t, json.Unmarshal(body, &after))
	assert.False(t, after.UpdateInProgress)
	assert.Equal(t, u.Version+1, after.Version)
}

func TestE2EServer(t *testing.T) {
	testDB := testutil.SetupTestDB(t, "../../migrations")
	defer testDB.Teardown(t)

	store, err := internal_storage.InitStore(testDB.ConnStr, 20)
	require.NoError(t, err)
	defer store.Close()

	ts := newTestServer(t, store, service.Config{})
	u := ts.createUniverse(t, "inventory")

	id := ts.submit(t, tasks.RunUniverseScriptType, tasks.UniverseScriptParams{
		UniverseID:      u.ID,
		ExpectedVersion: version(1),
		Nodes:           []string{"n1", "n2", "n3"},
		Steps: []tasks.ScriptStep{
			{Command: []string{"provision"}, Category: models.ProvisioningCategory},
			{Command: []string{"fail"}, IgnoreErrors: true},
			{Command: []string{"configure"}, Category: models.ConfigureUniverseCategory},
		},
	})
	progress := ts.wait(t, id)
	assert.Equal(t, models.SuccessTaskState, progress.State)
	require.Len(t, progress.Steps, 3)
	assert.Equal(t, models.ProvisioningCategory, progress.Steps[0].Category)
	assert.Equal(t, models.FailureTaskState, progress.Steps[1].State)
	assert.Equal(t, models.SuccessTaskState, progress.Steps[2].State)
	assert.Equal(t, 6, progress.CompletedTasks)

	second := ts.submit(t, tasks.RunUniverseScriptType, tasks.UniverseScriptParams{
		UniverseID:      u.ID,
		ExpectedVersion: version(1),
		Nodes:           []string{"n1"},
		Steps:           []tasks.ScriptStep{{Command: []string{"configure"}}},
	})
	progress = ts.wait(t, second)
	assert.Equal(t, models.FailureTaskState, progress.State, "the version moved on after the first script")
	assert.Contains(t, progress.ErrorString, service.ErrPreconditionFailed.Error())
}

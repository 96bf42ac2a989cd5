package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/remoterun/internal/gateway/hub"
	"github.com/tombee/remoterun/internal/gateway/tunnel"
	"github.com/tombee/remoterun/internal/store"
	"github.com/tombee/remoterun/internal/tracing/storage"
	"github.com/tombee/remoterun/pkg/observability"
)

func newTestHandler(t *testing.T) (*Handler, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := NewHandler(s, hub.New(nil), tunnel.New(nil))
	return h, s
}

func insertRun(t *testing.T, s *store.Store, id string) {
	t.Helper()
	require.NoError(t, s.InsertRun(t.Context(), store.Run{
		ID:              id,
		Status:          store.RunRunning,
		WorkerType:      store.WorkerClaude,
		WorkingDir:      "/tmp",
		CapabilityToken: "tok",
	}))
}

func doRequest(t *testing.T, mux *http.ServeMux, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetRun(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body, _ := json.Marshal(map[string]string{"workerType": "claude", "workingDir": "/tmp"})
	rec := doRequest(t, mux, http.MethodPost, "/api/runs", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created store.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	require.NotEmpty(t, created.CapabilityToken)

	rec2 := doRequest(t, mux, http.MethodGet, "/api/runs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec2.Code)
}

func TestCreateRunRejectsUnknownWorkerType(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body, _ := json.Marshal(map[string]string{"workerType": "not-a-worker", "workingDir": "/tmp"})
	rec := doRequest(t, mux, http.MethodPost, "/api/runs", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRuns(t *testing.T) {
	h, s := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	insertRun(t, s, "run-1")
	insertRun(t, s, "run-2")

	rec := doRequest(t, mux, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Runs []store.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 2)
}

func TestStopEnqueuesStopCommand(t *testing.T) {
	h, s := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	insertRun(t, s, "run-1")

	rec := doRequest(t, mux, http.MethodPost, "/api/runs/run-1/stop", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	cmds, err := s.NextPendingCommands(t.Context(), "run-1", 0)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.Equal(t, "__STOP__", cmds[0].Payload)
}

func TestInputEscapesWhenRequested(t *testing.T) {
	h, s := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	insertRun(t, s, "run-1")

	body, _ := json.Marshal(map[string]any{"text": "yes\n", "escapeFirst": true})
	rec := doRequest(t, mux, http.MethodPost, "/api/runs/run-1/input", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	cmds, err := s.NextPendingCommands(t.Context(), "run-1", 0)
	require.NoError(t, err)
	require.Equal(t, "__INPUT__:\x03yes\n", cmds[0].Payload)
}

func TestRestartStopsOldAndCreatesNewRun(t *testing.T) {
	h, s := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	insertRun(t, s, "run-1")

	rec := doRequest(t, mux, http.MethodPost, "/api/runs/run-1/restart", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var next store.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &next))
	require.NotEqual(t, "run-1", next.ID)
	require.Equal(t, store.WorkerClaude, next.WorkerType)

	cmds, err := s.NextPendingCommands(t.Context(), "run-1", 0)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.Equal(t, "__STOP__", cmds[0].Payload)
}

func TestAlertsListAndAcknowledge(t *testing.T) {
	h, s := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	insertRun(t, s, "run-1")
	require.NoError(t, s.InsertAlert(t.Context(), store.Alert{ID: "a1", RunID: "run-1", Message: "disk low"}))

	rec := doRequest(t, mux, http.MethodGet, "/api/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec2 := doRequest(t, mux, http.MethodPost, "/api/alerts/a1/acknowledge", nil)
	require.Equal(t, http.StatusOK, rec2.Code)

	alerts, err := s.ListAlerts(t.Context(), "")
	require.NoError(t, err)
	require.True(t, alerts[0].Acknowledged)
}

func TestGetTraceWithoutStorageReportsNotFound(t *testing.T) {
	h, s := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	insertRun(t, s, "run-1")

	rec := doRequest(t, mux, http.MethodGet, "/api/runs/run-1/trace", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTraceReturnsStoredSpans(t *testing.T) {
	h, s := newTestHandler(t)
	insertRun(t, s, "run-1")

	traceStore, err := storage.New(storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { traceStore.Close() })
	h.TraceStore = traceStore

	require.NoError(t, traceStore.StoreSpan(t.Context(), &observability.Span{
		TraceID:    "trace-1",
		SpanID:     "span-1",
		Name:       "GET /api/runs/run-1",
		Kind:       observability.SpanKindServer,
		StartTime:  time.Now().Add(-time.Second),
		EndTime:    time.Now(),
		Attributes: map[string]any{"run_id": "run-1"},
	}))

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	rec := doRequest(t, mux, http.MethodGet, "/api/runs/run-1/trace", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		TraceID string `json:"traceId"`
		Spans   []struct {
			Name string `json:"Name"`
		} `json:"spans"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "trace-1", body.TraceID)
	require.Len(t, body.Spans, 1)
	require.Equal(t, "GET /api/runs/run-1", body.Spans[0].Name)
}

func TestHealthReportsCounters(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	rec := doRequest(t, mux, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, true, body["store"])
}

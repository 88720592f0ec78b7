package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/fleetworker/internal/worker/core"
)

type recordedRequest struct {
	path        string
	contentType string
	body        map[string]any
}

type fakeCoordinator struct {
	mu       sync.Mutex
	requests []recordedRequest
	replies  map[string]func(w http.ResponseWriter)
}

func newFakeCoordinator(t *testing.T) (*httptest.Server, *fakeCoordinator) {
	t.Helper()
	fc := &fakeCoordinator{replies: make(map[string]func(w http.ResponseWriter))}

	r := mux.NewRouter()
	r.PathPrefix("/api/").Methods(http.MethodPost).HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		json.NewDecoder(req.Body).Decode(&body)

		fc.mu.Lock()
		fc.requests = append(fc.requests, recordedRequest{
			path:        req.URL.Path,
			contentType: req.Header.Get("Content-Type"),
			body:        body,
		})
		reply := fc.replies[req.URL.Path]
		fc.mu.Unlock()

		if reply == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{}`))
			return
		}
		reply(w)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, fc
}

func (fc *fakeCoordinator) replyJSON(path string, status int, body string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.replies[path] = func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

func (fc *fakeCoordinator) recorded() []recordedRequest {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]recordedRequest(nil), fc.requests...)
}

func testIdentity() core.Identity {
	return core.Identity{
		Username:    "alice",
		UniqueKey:   "3f1c9b1e-0000-4000-8000-000000000000",
		Concurrency: 3,
		MaxMemory:   2048,
		MinThreads:  1,
		Uname:       "linux 6.1",
		Version:     "90:go1.25",
	}
}

var testCreds = core.Credentials{Username: "alice", Password: "secret"}

func newTestClient(url string) *CoordinatorClient {
	return NewCoordinatorClient(url, time.Second, 0)
}

func TestVersionCheck(t *testing.T) {
	srv, fc := newFakeCoordinator(t)
	fc.replyJSON(VersionPath, http.StatusOK, `{"version": 91}`)

	info, err := newTestClient(srv.URL).VersionCheck(context.Background(), testIdentity(), testCreds)
	require.NoError(t, err)
	assert.Equal(t, 91, info.RequiredVersion)

	reqs := fc.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, VersionPath, reqs[0].path)
	assert.Equal(t, "application/json", reqs[0].contentType)
	assert.Equal(t, "secret", reqs[0].body["password"])
	workerInfo := reqs[0].body["worker_info"].(map[string]any)
	assert.Equal(t, "alice", workerInfo["username"])
	assert.Equal(t, float64(3), workerInfo["concurrency"])
	assert.NotContains(t, workerInfo, "rate")
}

func TestVersionCheck_MissingVersionIsInvalidCredentials(t *testing.T) {
	srv, fc := newFakeCoordinator(t)
	fc.replyJSON(VersionPath, http.StatusOK, `{"error": "Invalid password"}`)

	_, err := newTestClient(srv.URL).VersionCheck(context.Background(), testIdentity(), testCreds)
	assert.ErrorIs(t, err, core.ErrInvalidCredentials)
}

func TestVersionCheck_TransportError(t *testing.T) {
	srv, _ := newFakeCoordinator(t)
	client := newTestClient(srv.URL)
	srv.Close()

	_, err := client.VersionCheck(context.Background(), testIdentity(), testCreds)
	require.Error(t, err)
	assert.False(t, errors.Is(err, core.ErrInvalidCredentials))
}

func TestRequestTask_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind core.TaskResponseKind
		wantErr  error
	}{
		{name: "granted", status: 200, body: `{"run": {"_id": "r1", "args": {"tc": "10+0.1"}}, "task_id": 5}`, wantKind: core.TaskGranted},
		{name: "waiting", status: 200, body: `{"task_waiting": true}`, wantKind: core.TaskWaiting},
		{name: "semantic error", status: 200, body: `{"error": "run is finished"}`, wantKind: core.TaskError},
		{name: "unauthorized", status: 401, body: `{}`, wantErr: core.ErrInvalidCredentials},
		{name: "forbidden", status: 403, body: `{}`, wantErr: core.ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, fc := newFakeCoordinator(t)
			fc.replyJSON(RequestPath, tt.status, tt.body)

			quota := core.Quota{Remaining: 4000, Limit: 5000}
			resp, err := newTestClient(srv.URL).RequestTask(context.Background(), testIdentity(), quota, testCreds)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, resp.Kind)

			switch tt.wantKind {
			case core.TaskGranted:
				require.NotNil(t, resp.Assignment)
				assert.Equal(t, "r1", resp.Assignment.Run.ID)
				assert.Equal(t, 5, resp.Assignment.TaskID)
			case core.TaskError:
				assert.Equal(t, "run is finished", resp.Error)
			}

			workerInfo := fc.recorded()[0].body["worker_info"].(map[string]any)
			rate := workerInfo["rate"].(map[string]any)
			assert.Equal(t, float64(4000), rate["remaining"])
		})
	}
}

func TestRequestTask_UnrecognizedResponse(t *testing.T) {
	srv, fc := newFakeCoordinator(t)
	fc.replyJSON(RequestPath, http.StatusOK, `{"something": "else"}`)

	_, err := newTestClient(srv.URL).RequestTask(context.Background(), testIdentity(), core.Quota{}, testCreds)
	assert.Error(t, err)
}

func TestReportTaskEnded(t *testing.T) {
	srv, fc := newFakeCoordinator(t)

	err := newTestClient(srv.URL).ReportTaskEnded(context.Background(), testCreds, "r1", 7)
	require.NoError(t, err)

	reqs := fc.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, TaskEndedPath, reqs[0].path)
	assert.Equal(t, map[string]any{
		"username": "alice",
		"password": "secret",
		"run_id":   "r1",
		"task_id":  float64(7),
	}, reqs[0].body)
}

func TestUploadArtifact(t *testing.T) {
	srv, fc := newFakeCoordinator(t)

	err := newTestClient(srv.URL).UploadArtifact(context.Background(), testCreds, "r1", 7, "eJwLSS0uAQAEXQH7")
	require.NoError(t, err)

	reqs := fc.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, UploadPath, reqs[0].path)
	assert.Equal(t, "eJwLSS0uAQAEXQH7", reqs[0].body["pgn"])
	assert.Equal(t, "r1", reqs[0].body["run_id"])
}

func TestHeartbeat_NullIDsWhenIdle(t *testing.T) {
	srv, fc := newFakeCoordinator(t)
	client := newTestClient(srv.URL)

	require.NoError(t, client.Heartbeat(context.Background(), testCreds, nil, nil))

	runID, taskID := "r1", 2
	require.NoError(t, client.Heartbeat(context.Background(), testCreds, &runID, &taskID))

	reqs := fc.recorded()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[0].body, "run_id")
	assert.Nil(t, reqs[0].body["run_id"])
	assert.Nil(t, reqs[0].body["task_id"])
	assert.Equal(t, "r1", reqs[1].body["run_id"])
	assert.Equal(t, float64(2), reqs[1].body["task_id"])
}

func TestPost_RetriesServerErrorsWithinWindow(t *testing.T) {
	srv, fc := newFakeCoordinator(t)

	var calls int
	fc.mu.Lock()
	fc.replies[HeartbeatPath] = func(w http.ResponseWriter) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`))
	}
	fc.mu.Unlock()

	client := NewCoordinatorClient(srv.URL, time.Second, 5*time.Second)
	require.NoError(t, client.Heartbeat(context.Background(), testCreds, nil, nil))
	assert.Len(t, fc.recorded(), 2)
}

func TestPost_ClientErrorIsNotRetried(t *testing.T) {
	srv, fc := newFakeCoordinator(t)
	fc.replyJSON(TaskEndedPath, http.StatusBadRequest, `{"error": "bad"}`)

	client := NewCoordinatorClient(srv.URL, time.Second, 5*time.Second)
	err := client.ReportTaskEnded(context.Background(), testCreds, "r1", 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, core.ErrInvalidCredentials))
	assert.Len(t, fc.recorded(), 1)
}

func TestRemoteURL_TrimsTrailingSlash(t *testing.T) {
	assert.Equal(t, "http://host:80", NewCoordinatorClient("http://host:80/", time.Second, 0).RemoteURL())
}

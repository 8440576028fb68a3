package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enkore/borgcube/pkg/daemon"
	"github.com/enkore/borgcube/pkg/job"
	"github.com/enkore/borgcube/pkg/storage"
	"github.com/enkore/borgcube/pkg/testutil"
	"github.com/enkore/borgcube/pkg/types"
)

func testServer(t *testing.T) (*Server, storage.Store) {
	t.Helper()
	store := testutil.TempStore(t)
	require.NoError(t, store.CreateRepository(&types.Repository{ID: "repo1", URL: "/tmp/repo1"}))
	require.NoError(t, store.CreateClient(&types.Client{Hostname: "host1", Connection: &types.RshConnection{Remote: "root@host1"}}))

	clock := testutil.FixedClock()
	machine := job.NewMachine(store, nil, nil, clock)
	creator := job.NewCreator(store, testutil.NewStubIDGenerator(), clock)
	d := daemon.New(store, machine, nil, nil, nil, clock, daemon.Config{TickInterval: time.Hour})

	return NewServer(store, d, creator, nil), store
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestTriggerBackupJob(t *testing.T) {
	server, store := testServer(t)
	router := server.Router()

	w := doJSON(t, router, http.MethodPost, "/v1/jobs/trigger", map[string]any{
		"kind": "backup", "repository": "repo1", "client": "host1",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var j types.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &j))
	assert.Equal(t, types.JobKindBackup, j.Kind)
	assert.Equal(t, "host1-job-1", j.ArchiveName)

	stored, err := store.GetJob(j.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatePending, stored.State)
}

func TestTriggerValidation(t *testing.T) {
	server, _ := testServer(t)
	router := server.Router()

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing repository", map[string]any{"kind": "backup"}, http.StatusBadRequest},
		{"unknown repository", map[string]any{"kind": "backup", "repository": "nope", "client": "host1"}, http.StatusNotFound},
		{"unknown client", map[string]any{"kind": "backup", "repository": "repo1", "client": "nope"}, http.StatusNotFound},
		{"unknown kind", map[string]any{"kind": "compact", "repository": "repo1"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, "/v1/jobs/trigger", tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestGetJobAndStats(t *testing.T) {
	server, store := testServer(t)
	router := server.Router()

	j := &types.Job{ID: "j1", Kind: types.JobKindBackup, RepositoryRef: "repo1", State: types.JobStateQueued, ArchiveName: "host1-j1"}
	require.NoError(t, store.CreateJob(j))

	w := doJSON(t, router, http.MethodGet, "/v1/jobs/j1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.EqualValues(t, 1, stats["jobs_total"])
}

func TestCancelEndpoint(t *testing.T) {
	server, store := testServer(t)
	router := server.Router()

	j := &types.Job{ID: "j1", Kind: types.JobKindBackup, RepositoryRef: "repo1", State: types.JobStateDone, ArchiveName: "host1-j1"}
	require.NoError(t, store.CreateJob(j))

	// Not queued or running: conflict.
	w := doJSON(t, router, http.MethodPost, "/v1/jobs/j1/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/shardtracker/internal/registry"
	"github.com/mycelian/shardtracker/internal/services"
	"github.com/mycelian/shardtracker/internal/shardstate"
	"github.com/mycelian/shardtracker/pkg/wire"
)

type stubHealth struct{ healthy bool }

func (s stubHealth) IsHealthy() bool { return s.healthy }
func (s stubHealth) Components() map[string]bool {
	return map[string]bool{"store": s.healthy}
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	seq := 0
	tr := services.NewTracker(registry.New(), shardstate.NewMachine(shardstate.RetryPolicy{}), zerolog.Nop(),
		services.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("exec-%d", seq)
		}))
	return NewRouter(tr, stubHealth{healthy: true}, zerolog.Nop())
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestSubmitAndGetJob(t *testing.T) {
	h := newTestRouter(t)

	rr := do(t, h, http.MethodPost, "/api/jobs", wire.SubmitJobRequest{ID: "J1", ClientID: "c1", ShardCount: 2, Tags: []string{"gpu"}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	job := decodeBody[wire.JobRecord](t, rr)
	assert.Equal(t, "J1", job.ID)
	assert.Equal(t, "Queued", job.State)
	require.Len(t, job.Shards, 2)
	assert.Equal(t, uint64(1), job.Shards[1].Version)

	rr = do(t, h, http.MethodGet, "/api/jobs/J1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "J1", decodeBody[wire.JobRecord](t, rr).ID)

	rr = do(t, h, http.MethodPost, "/api/jobs", wire.SubmitJobRequest{ID: "J1", ShardCount: 1})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/jobs", wire.SubmitJobRequest{ShardCount: 0})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodGet, "/api/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestShardLifecycleOverHTTP(t *testing.T) {
	h := newTestRouter(t)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/jobs", wire.SubmitJobRequest{ID: "J1", ShardCount: 1}).Code)

	rr := do(t, h, http.MethodPost, "/api/jobs/J1/shards/0/assign", wire.AssignRequest{NodeID: "N1", Version: 1})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	shard := decodeBody[wire.ShardRecord](t, rr)
	assert.Equal(t, "Assigned", shard.State)

	rr = do(t, h, http.MethodPost, "/api/jobs/J1/shards/0/executions", wire.AttemptRequest{NodeID: "N1", Version: shard.Version})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	started := decodeBody[wire.ExecutionResponse](t, rr)
	assert.Equal(t, "exec-1", started.Execution.ID)
	assert.Equal(t, "Executing", started.Shard.State)

	rr = do(t, h, http.MethodPatch, "/api/executions/exec-1", wire.ReportRequest{State: "running", Version: started.Shard.Version})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	running := decodeBody[wire.ExecutionResponse](t, rr)
	require.NotNil(t, running.Execution.StartTime)

	rr = do(t, h, http.MethodPatch, "/api/executions/exec-1", wire.ReportRequest{State: "completed", Result: "ok", Version: running.Shard.Version})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	done := decodeBody[wire.ExecutionResponse](t, rr)

	rr = do(t, h, http.MethodGet, "/api/jobs/J1/shards/0/executions?active=true&nodeId=N1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, decodeBody[wire.ExecutionList](t, rr).Count)

	rr = do(t, h, http.MethodPost, "/api/jobs/J1/shards/0/complete", wire.CompleteRequest{ExecutionID: "exec-1", Version: done.Shard.Version})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	shard = decodeBody[wire.ShardRecord](t, rr)
	assert.Equal(t, "Completed", shard.State)
	assert.Equal(t, "exec-1", shard.AcceptedExecutionID)
	assert.Equal(t, uint64(6), shard.Version)

	rr = do(t, h, http.MethodGet, "/api/jobs/J1/shards/0/executions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	history := decodeBody[wire.ExecutionList](t, rr)
	require.Equal(t, 1, history.Count)
	assert.Equal(t, "completed", history.Executions[0].State)
	assert.Equal(t, "ok", history.Executions[0].Result)

	// Completed executions cannot go back to running.
	rr = do(t, h, http.MethodPatch, "/api/executions/exec-1", wire.ReportRequest{State: "running", Version: shard.Version})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestStaleVersionReturnsCurrentShard(t *testing.T) {
	h := newTestRouter(t)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/jobs", wire.SubmitJobRequest{ID: "J1", ShardCount: 1}).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/jobs/J1/shards/0/assign", wire.AssignRequest{NodeID: "N1", Version: 1}).Code)

	rr := do(t, h, http.MethodPost, "/api/jobs/J1/shards/0/assign", wire.AssignRequest{NodeID: "N2", Version: 1})
	require.Equal(t, http.StatusConflict, rr.Code)
	body := decodeBody[wire.ErrorResponse](t, rr)
	assert.Equal(t, 409, body.Code)
	require.NotNil(t, body.Current)
	assert.Equal(t, uint64(2), body.Current.Version)
	assert.Equal(t, "N1", body.Current.AssignedNode)
}

func TestShardPathValidation(t *testing.T) {
	h := newTestRouter(t)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/jobs", wire.SubmitJobRequest{ID: "J1", ShardCount: 1}).Code)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/jobs/J1/shards/abc", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/jobs/J1/shards/7", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/jobs/J1/shards/-1", nil).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/J1/shards/0/assign", bytes.NewBufferString("{"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/api/jobs/J1/shards/0/assign", wire.AssignRequest{Version: 1})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGuardedShardCallsRequireVersion(t *testing.T) {
	h := newTestRouter(t)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/jobs", wire.SubmitJobRequest{ID: "J1", ShardCount: 2}).Code)

	// assign is the only shard call that may omit the version
	rr := do(t, h, http.MethodPost, "/api/jobs/J1/shards/0/assign", wire.AssignRequest{NodeID: "N1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr = do(t, h, http.MethodPost, "/api/jobs/J1/shards/0/executions", wire.AttemptRequest{NodeID: "N1", Version: 2})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	calls := []struct {
		method, path string
		body         any
	}{
		{http.MethodPost, "/api/jobs/J1/shards/0/executions", wire.AttemptRequest{NodeID: "N2"}},
		{http.MethodPatch, "/api/executions/exec-1", wire.ReportRequest{State: "running"}},
		{http.MethodPost, "/api/jobs/J1/shards/0/complete", wire.CompleteRequest{ExecutionID: "exec-1"}},
		{http.MethodPost, "/api/jobs/J1/shards/0/fail", wire.FailRequest{Reason: "boom"}},
		{http.MethodPost, "/api/jobs/J1/shards/0/cancel", wire.CancelRequest{}},
		{http.MethodPost, "/api/jobs/J1/shards/1/cancel", nil},
	}
	for _, c := range calls {
		rr := do(t, h, c.method, c.path, c.body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "%s %s: %s", c.method, c.path, rr.Body.String())
	}

	rr = do(t, h, http.MethodGet, "/api/jobs/J1/shards/0", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	shard := decodeBody[wire.ShardRecord](t, rr)
	assert.Equal(t, uint64(3), shard.Version)
	assert.Equal(t, "Executing", shard.State)

	rr = do(t, h, http.MethodPost, "/api/jobs/J1/shards/1/cancel", wire.CancelRequest{Version: 1})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "Cancelled", decodeBody[wire.ShardRecord](t, rr).State)

	rr = do(t, h, http.MethodPost, "/api/jobs/J1/cancel", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	job := decodeBody[wire.JobRecord](t, rr)
	assert.Equal(t, "Cancelled", job.State)
	for _, s := range job.Shards {
		assert.Equal(t, "Cancelled", s.State)
	}
}

func TestListJobsQueryParams(t *testing.T) {
	h := newTestRouter(t)
	for i := 0; i < 4; i++ {
		tags := []string{"batch"}
		if i%2 == 0 {
			tags = append(tags, "gpu")
		}
		rr := do(t, h, http.MethodPost, "/api/jobs", wire.SubmitJobRequest{ID: fmt.Sprintf("J%d", i), ClientID: "c1", ShardCount: 1, Tags: tags})
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	rr := do(t, h, http.MethodGet, "/api/jobs?include_tags=gpu&sort_by=id", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decodeBody[wire.JobList](t, rr)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "J0", list.Jobs[0].ID)
	assert.Equal(t, "J2", list.Jobs[1].ID)

	rr = do(t, h, http.MethodGet, "/api/jobs?exclude_tags=gpu&sort_by=id&sort_reverse=true", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list = decodeBody[wire.JobList](t, rr)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "J3", list.Jobs[0].ID)

	rr = do(t, h, http.MethodGet, "/api/jobs?max_jobs=1&sort_by=id", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, decodeBody[wire.JobList](t, rr).Count)

	rr = do(t, h, http.MethodGet, "/api/jobs?max_jobs=0&return_all=true", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 4, decodeBody[wire.JobList](t, rr).Count)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/jobs?sort_by=size", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/jobs?max_jobs=lots", nil).Code)

	rr = do(t, h, http.MethodPost, "/api/jobs/list", map[string]any{"client_id": "c1", "max_jobs": 0})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, decodeBody[wire.JobList](t, rr).Count)

	rr = do(t, h, http.MethodPost, "/api/jobs/list", map[string]any{"id": "J1", "include_tags": []string{"cpu"}})
	require.Equal(t, http.StatusOK, rr.Code)
	list = decodeBody[wire.JobList](t, rr)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "J1", list.Jobs[0].ID)
}

func TestUpdateTags(t *testing.T) {
	h := newTestRouter(t)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/jobs", wire.SubmitJobRequest{ID: "J1", ShardCount: 1, Tags: []string{"a"}}).Code)

	rr := do(t, h, http.MethodPut, "/api/jobs/J1/tags", wire.UpdateTagsRequest{Tags: []string{"z", "b", "b"}})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"b", "z"}, decodeBody[wire.JobRecord](t, rr).Tags)

	rr = do(t, h, http.MethodGet, "/api/jobs?include_tags=a", nil)
	assert.Equal(t, 0, decodeBody[wire.JobList](t, rr).Count)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestRouter(t)

	rr := do(t, h, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody[map[string]any](t, rr)
	assert.Equal(t, "healthy", body["status"])

	unhealthy := NewRouter(nil, stubHealth{}, zerolog.Nop())
	rr = do(t, unhealthy, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "unhealthy", decodeBody[map[string]any](t, rr)["status"])

	rr = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestJobEventsOverHTTP(t *testing.T) {
	h := newTestRouter(t)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/jobs", wire.SubmitJobRequest{ID: "J1", ShardCount: 1}).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/jobs/J1/shards/0/assign", wire.AssignRequest{NodeID: "N1"}).Code)
	// a stale attempt is rejected and leaves no event behind
	require.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/jobs/J1/shards/0/executions", wire.AttemptRequest{NodeID: "N1", Version: 1}).Code)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/api/jobs/J1/shards/0/executions", wire.AttemptRequest{NodeID: "N1", Version: 2}).Code)

	rr := do(t, h, http.MethodGet, "/api/jobs/J1/events", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	list := decodeBody[wire.JobEventList](t, rr)
	require.Equal(t, 3, list.Count)
	var got []string
	for i, e := range list.Events {
		assert.Equal(t, uint64(i+1), e.Seq)
		got = append(got, e.Name)
	}
	assert.Equal(t, []string{"JobCreated", "ShardAssigned", "ExecutionRequested"}, got)
	assert.Equal(t, -1, list.Events[0].ShardIndex)
	assert.Equal(t, 0, list.Events[2].ShardIndex)
	assert.Equal(t, uint64(3), list.Events[2].ShardVersion)
	assert.Equal(t, "exec-1", list.Events[2].ExecutionID)

	rr = do(t, h, http.MethodGet, "/api/jobs/J1/events?after=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list = decodeBody[wire.JobEventList](t, rr)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, uint64(3), list.Events[0].Seq)

	rr = do(t, h, http.MethodGet, "/api/jobs/J1/events?after=3&wait=10ms", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, decodeBody[wire.JobEventList](t, rr).Count)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/jobs/missing/events", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/jobs/J1/events?after=-1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/jobs/J1/events?wait=soon", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/jobs/J1/events?wait=-1s", nil).Code)

	// a waiting request returns as soon as the next event is accepted
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs/J1/events?after=3&wait=5s", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		done <- rec
	}()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPatch, "/api/executions/exec-1", wire.ReportRequest{State: "running", Version: 3}).Code)

	select {
	case rec := <-done:
		require.Equal(t, http.StatusOK, rec.Code)
		list = decodeBody[wire.JobEventList](t, rec)
		require.Equal(t, 1, list.Count)
		assert.Equal(t, "ExecutionReported", list.Events[0].Name)
		assert.Equal(t, "running", list.Events[0].ExecutionState)
	case <-time.After(3 * time.Second):
		t.Fatal("waiting request did not return after a new event")
	}
}

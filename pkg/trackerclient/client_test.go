package trackerclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/shardtracker/internal/api"
	"github.com/mycelian/shardtracker/internal/registry"
	"github.com/mycelian/shardtracker/internal/services"
	"github.com/mycelian/shardtracker/internal/shardstate"
	"github.com/mycelian/shardtracker/pkg/wire"
)

type alwaysHealthy struct{}

func (alwaysHealthy) IsHealthy() bool             { return true }
func (alwaysHealthy) Components() map[string]bool { return nil }

func newTestClient(t *testing.T) *Client {
	t.Helper()
	tr := services.NewTracker(registry.New(), shardstate.NewMachine(shardstate.RetryPolicy{MaxAttempts: 2}), zerolog.Nop())
	srv := httptest.NewServer(api.NewRouter(tr, alwaysHealthy{}, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestClient_Lifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	job, err := c.SubmitJob(ctx, wire.SubmitJobRequest{ID: "J1", ClientID: "c1", ShardCount: 2, Tags: []string{"gpu"}})
	require.NoError(t, err)
	require.Len(t, job.Shards, 2)

	s, err := c.AssignShard(ctx, "J1", 0, "N1", job.Shards[0].Version)
	require.NoError(t, err)
	started, err := c.RecordAttempt(ctx, "J1", 0, "N1", s.Version)
	require.NoError(t, err)
	execID := started.Execution.ID
	require.NotEmpty(t, execID)

	active, err := c.History(ctx, "J1", 0, "N1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, active.Count)

	rep, err := c.ReportExecution(ctx, execID, wire.ReportRequest{State: "running", Version: started.Shard.Version})
	require.NoError(t, err)
	rep, err = c.ReportExecution(ctx, execID, wire.ReportRequest{State: "completed", Result: "done", Version: rep.Shard.Version})
	require.NoError(t, err)
	done, err := c.CompleteShard(ctx, "J1", 0, execID, rep.Shard.Version)
	require.NoError(t, err)
	assert.Equal(t, "Completed", done.State)

	cancelled, err := c.CancelShard(ctx, "J1", 1, job.Shards[1].Version)
	require.NoError(t, err)
	assert.Equal(t, "Cancelled", cancelled.State)

	got, err := c.GetJob(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, "Completed", got.Shards[0].State)

	list, err := c.ListJobs(ctx, ListOptions{IncludeTags: []string{"gpu"}})
	require.NoError(t, err)
	assert.Equal(t, 1, list.Count)

	tagged, err := c.UpdateJobTags(ctx, "J1", []string{"cpu"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cpu"}, tagged.Tags)
}

func TestClient_ErrorsAreTyped(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	_, err := c.GetJob(ctx, "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	_, err = c.SubmitJob(ctx, wire.SubmitJobRequest{ID: "J1", ShardCount: 1})
	require.NoError(t, err)
	_, err = c.AssignShard(ctx, "J1", 0, "N1", 1)
	require.NoError(t, err)

	_, err = c.AssignShard(ctx, "J1", 0, "N2", 1)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	cur, ok := CurrentShard(err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), cur.Version)

	_, err = c.CompleteShard(ctx, "J1", 0, "nope", cur.Version)
	require.Error(t, err)
	assert.False(t, IsConflict(err))
}

func TestClient_FailedRetriesExhaustShard(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	job, err := c.SubmitJob(ctx, wire.SubmitJobRequest{ID: "J1", ShardCount: 1})
	require.NoError(t, err)

	s, err := c.AssignShard(ctx, "J1", 0, "N1", job.Shards[0].Version)
	require.NoError(t, err)
	version := s.Version
	for _, node := range []string{"N1", "N2"} {
		r, err := c.RecordAttempt(ctx, "J1", 0, node, version)
		require.NoError(t, err)
		rep, err := c.ReportExecution(ctx, r.Execution.ID, wire.ReportRequest{State: "running", Version: r.Shard.Version})
		require.NoError(t, err)
		rep, err = c.ReportExecution(ctx, r.Execution.ID, wire.ReportRequest{State: "failed", Error: "oom", Version: rep.Shard.Version})
		require.NoError(t, err)
		version = rep.Shard.Version
	}
	s, err = c.GetShard(ctx, "J1", 0)
	require.NoError(t, err)
	assert.Equal(t, "Failed", s.State)
	assert.NotEmpty(t, s.FailureReason)
}

func TestRetryOnConflict_ConcurrentSchedulers(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	job, err := c.SubmitJob(ctx, wire.SubmitJobRequest{ID: "J1", ShardCount: 1})
	require.NoError(t, err)
	known := job.Shards[0]

	const schedulers = 8
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < schedulers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			node := "N" + string(rune('A'+i))
			err := RetryOnConflict(ctx, 50, &known, func(cur *wire.ShardRecord) error {
				_, err := c.AssignShard(ctx, "J1", 0, node, cur.Version)
				return err
			})
			if err != nil {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	s, err := c.GetShard(ctx, "J1", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1+schedulers), s.Version)
}

func TestRetryOnConflict_StopsOnOtherErrors(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), 5, nil, func(cur *wire.ShardRecord) error {
		calls++
		return &APIError{Status: http.StatusNotFound, Message: "gone"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsNotFound(err))
}

func TestRetryOnConflict_GivesUp(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), 3, nil, func(cur *wire.ShardRecord) error {
		calls++
		return &ConflictError{APIError: APIError{Status: http.StatusConflict}}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, IsConflict(err))
}

func TestClient_JobEvents(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	_, err := c.SubmitJob(ctx, wire.SubmitJobRequest{ID: "J1", ShardCount: 1})
	require.NoError(t, err)
	_, err = c.AssignShard(ctx, "J1", 0, "N1", 0)
	require.NoError(t, err)

	all, err := c.JobEvents(ctx, "J1", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 2, all.Count)
	assert.Equal(t, "JobCreated", all.Events[0].Name)
	assert.Equal(t, "ShardAssigned", all.Events[1].Name)
	assert.Equal(t, "N1", all.Events[1].NodeID)

	tail, err := c.JobEvents(ctx, "J1", 2, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, tail.Count)

	_, err = c.JobEvents(ctx, "missing", 0, 0)
	assert.True(t, IsNotFound(err))
}

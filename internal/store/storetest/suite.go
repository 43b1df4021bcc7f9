// Package storetest is a compliance suite shared by every store driver.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/shardtracker/internal/model"
	"github.com/mycelian/shardtracker/internal/store"
)

// Run exercises the store contract against a store.Store implementation.
// makeStore may return a shared database; the suite only looks at its own jobs.
func Run(t *testing.T, makeStore func(t *testing.T) store.Store) {
	t.Helper()

	s := makeStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	jobID := "job-" + uuid.New().String()

	job := &model.Job{
		ID:         jobID,
		ClientID:   "client-a",
		Tags:       []string{"gpu", "nightly"},
		CreateTime: base,
		UpdateTime: base,
		Shards: []model.Shard{
			newShard(jobID, 0, base),
			newShard(jobID, 1, base),
		},
	}
	require.NoError(t, s.Jobs().Put(ctx, job), "put job")

	got := find(t, s, jobID)
	assert.Equal(t, "client-a", got.ClientID)
	assert.Equal(t, []string{"gpu", "nightly"}, got.Tags)
	assert.True(t, base.Equal(got.CreateTime))
	require.Len(t, got.Shards, 2)
	assert.Equal(t, model.ShardQueued, got.Shards[1].State)
	assert.Equal(t, model.InitialVersion, got.Shards[1].Version)
	assert.Empty(t, got.Shards[1].Executions)

	// advance shard 1 to Executing with one running execution
	started := base.Add(2 * time.Second)
	sh := newShard(jobID, 1, base)
	sh.State = model.ShardExecuting
	sh.Version = 3
	sh.AssignedNode = "N1"
	sh.UpdateTime = started
	sh.Executions = []model.Execution{{
		ID: "exec-" + uuid.New().String(), NodeID: "N1", State: model.ExecutionRunning,
		CreateTime: base.Add(time.Second), StartTime: &started,
	}}
	require.NoError(t, s.Shards().Put(ctx, &sh), "put shard v3")

	got = find(t, s, jobID)
	cur := got.Shards[1]
	assert.Equal(t, model.ShardExecuting, cur.State)
	assert.Equal(t, uint64(3), cur.Version)
	assert.Equal(t, "N1", cur.AssignedNode)
	require.Len(t, cur.Executions, 1)
	assert.Equal(t, model.ExecutionRunning, cur.Executions[0].State)
	require.NotNil(t, cur.Executions[0].StartTime)
	assert.True(t, started.Equal(*cur.Executions[0].StartTime))
	assert.Nil(t, cur.Executions[0].EndTime)
	assert.Equal(t, model.ShardExecuting, got.State)

	// a stale write is ignored
	stale := newShard(jobID, 1, base)
	stale.State = model.ShardAssigned
	stale.Version = 2
	require.NoError(t, s.Shards().Put(ctx, &stale), "put stale shard")
	got = find(t, s, jobID)
	assert.Equal(t, uint64(3), got.Shards[1].Version)
	assert.Len(t, got.Shards[1].Executions, 1)

	// executions are upserted by id and history keeps its order
	ended := base.Add(5 * time.Second)
	done := sh
	done.Version = 5
	done.State = model.ShardCompleted
	done.AcceptedExecutionID = sh.Executions[0].ID
	done.UpdateTime = ended
	first := sh.Executions[0]
	first.State = model.ExecutionCompleted
	first.EndTime = &ended
	first.Result = "ok"
	retry := model.Execution{ID: "exec-" + uuid.New().String(), NodeID: "N2", State: model.ExecutionCancelled,
		CreateTime: base.Add(3 * time.Second), EndTime: &ended, Error: "superseded"}
	done.Executions = []model.Execution{first, retry}
	require.NoError(t, s.Shards().Put(ctx, &done), "put shard v5")

	got = find(t, s, jobID)
	cur = got.Shards[1]
	assert.Equal(t, model.ShardCompleted, cur.State)
	assert.Equal(t, first.ID, cur.AcceptedExecutionID)
	require.Len(t, cur.Executions, 2)
	assert.Equal(t, first.ID, cur.Executions[0].ID)
	assert.Equal(t, "ok", cur.Executions[0].Result)
	assert.Equal(t, model.ExecutionCompleted, cur.Executions[0].State)
	assert.Equal(t, retry.ID, cur.Executions[1].ID)
	assert.Equal(t, "superseded", cur.Executions[1].Error)
	assert.True(t, ended.Equal(cur.UpdateTime))

	// tags are replaced by a later job write; shards already newer are kept
	job.Tags = []string{"cpu"}
	job.UpdateTime = base.Add(10 * time.Second)
	require.NoError(t, s.Jobs().Put(ctx, job), "put job tags")
	got = find(t, s, jobID)
	assert.Equal(t, []string{"cpu"}, got.Tags)
	assert.Equal(t, model.ShardCompleted, got.Shards[1].State)

	// events come back in sequence order and replays are ignored
	created := model.JobEvent{JobID: jobID, Seq: 1, Name: model.EventJobCreated, ShardIndex: model.NoShard, EventTime: base}
	assigned := model.JobEvent{JobID: jobID, Seq: 2, Name: model.EventShardAssigned, ShardIndex: 1,
		ShardState: model.ShardAssigned, ShardVersion: 2, NodeID: "N1", EventTime: base.Add(time.Second)}
	report := model.JobEvent{JobID: jobID, Seq: 3, Name: model.EventExecutionReported, ShardIndex: 1,
		ShardState: model.ShardExecuting, ShardVersion: 4, NodeID: "N1", ExecutionID: first.ID,
		ExecutionState: model.ExecutionRunning, Detail: "started", EventTime: started}
	require.NoError(t, s.Events().Append(ctx, report), "append event 3")
	require.NoError(t, s.Events().Append(ctx, created), "append event 1")
	require.NoError(t, s.Events().Append(ctx, assigned), "append event 2")
	replay := created
	replay.Detail = "replayed"
	require.NoError(t, s.Events().Append(ctx, replay), "replay event 1")

	evts, err := s.Events().List(ctx, jobID)
	require.NoError(t, err, "list events")
	require.Len(t, evts, 3)
	assert.Equal(t, created, evts[0])
	assert.Equal(t, assigned, evts[1])
	assert.Equal(t, report, evts[2])

	evts, err = s.Events().List(ctx, "job-"+uuid.New().String())
	require.NoError(t, err)
	assert.Empty(t, evts)
}

func newShard(jobID string, idx int, created time.Time) model.Shard {
	return model.Shard{
		JobID:      jobID,
		ShardIndex: idx,
		State:      model.ShardQueued,
		Version:    model.InitialVersion,
		CreateTime: created,
		UpdateTime: created,
		Executions: []model.Execution{},
	}
}

func find(t *testing.T, s store.Store, jobID string) *model.Job {
	t.Helper()
	jobs, err := s.Jobs().List(context.Background())
	require.NoError(t, err, "list jobs")
	for _, j := range jobs {
		if j.ID == jobID {
			return j
		}
	}
	t.Fatalf("job %s not listed", jobID)
	return nil
}

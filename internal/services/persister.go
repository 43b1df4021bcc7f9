package services

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mycelian/shardtracker/internal/model"
	"github.com/mycelian/shardtracker/internal/store"
	"github.com/mycelian/shardtracker/internal/writebehind"
)

// Persister writes accepted mutations behind to a durable store. Shard writes
// are keyed by shard so they reach the store in mutation order; the store's
// version guard drops any write that still arrives late.
type Persister struct {
	store store.Store
	exec  *writebehind.Executor
	log   zerolog.Logger
}

func NewPersister(s store.Store, exec *writebehind.Executor, log zerolog.Logger) *Persister {
	return &Persister{store: s, exec: exec, log: log.With().Str("component", "persister").Logger()}
}

// Flush waits until every write queued for the shard has been attempted.
func (p *Persister) Flush(ctx context.Context, jobID string, shardIndex int) error {
	if p == nil {
		return nil
	}
	return p.exec.Barrier(ctx, model.ShardKey(jobID, shardIndex))
}

func (p *Persister) job(ctx context.Context, j *model.Job) {
	if p == nil {
		return
	}
	p.submit(ctx, j.ID, func(ctx context.Context) error {
		return p.store.Jobs().Put(ctx, j)
	})
}

func (p *Persister) shard(ctx context.Context, s *model.Shard) {
	if p == nil {
		return
	}
	p.submit(ctx, s.Key(), func(ctx context.Context) error {
		return p.store.Shards().Put(ctx, s)
	})
}

// event is keyed by job so a job's events reach the store in order.
func (p *Persister) event(ctx context.Context, e model.JobEvent) {
	if p == nil || e.Seq == 0 {
		return
	}
	p.submit(ctx, e.JobID, func(ctx context.Context) error {
		return p.store.Events().Append(ctx, e)
	})
}

func (p *Persister) submit(ctx context.Context, key string, fn writebehind.JobFunc) {
	// the write outlives the request that caused it
	ctx = context.WithoutCancel(ctx)
	if err := p.exec.Submit(ctx, key, fn); err != nil {
		p.log.Error().Err(err).Str("key", key).Msg("write-behind submit failed")
	}
}

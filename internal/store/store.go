package store

import (
	"context"

	"github.com/mycelian/shardtracker/internal/model"
)

// Store exposes the persistence operations the tracker needs.
// Implementations live under internal/store/<driver>/ (sqlite, postgres).
type Store interface {
	Jobs() Jobs
	Shards() Shards
	Events() Events
}

type Jobs interface {
	// Put upserts the job row and every shard it carries.
	Put(ctx context.Context, j *model.Job) error
	// List returns every persisted job with its shards and executions.
	List(ctx context.Context) ([]*model.Job, error)
}

type Shards interface {
	// Put upserts a shard and its executions. A shard whose stored version is
	// already at or past s.Version is left untouched, so replays and
	// out-of-order writes are harmless.
	Put(ctx context.Context, s *model.Shard) error
}

type Events interface {
	// Append stores a job event. An event whose (JobID, Seq) is already
	// stored is ignored.
	Append(ctx context.Context, e model.JobEvent) error
	// List returns a job's events ordered by Seq.
	List(ctx context.Context, jobID string) ([]model.JobEvent, error)
}

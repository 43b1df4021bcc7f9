package shardstate

import (
	"fmt"
	"time"

	"github.com/mycelian/shardtracker/internal/ledger"
	"github.com/mycelian/shardtracker/internal/model"
)

// Record is the immutable state of one shard: its scalar fields plus its
// execution ledger. Every accepted transition produces a new Record.
type Record struct {
	shard  model.Shard // Executions is always nil; the ledger owns them
	ledger *ledger.Ledger
}

// NewRecord returns the initial record of a freshly submitted shard.
func NewRecord(jobID string, shardIndex int, created time.Time) *Record {
	return &Record{
		shard: model.Shard{
			JobID:      jobID,
			ShardIndex: shardIndex,
			State:      model.ShardQueued,
			Version:    model.InitialVersion,
			CreateTime: created,
			UpdateTime: created,
		},
		ledger: ledger.New(),
	}
}

// Restore rebuilds a record from a persisted shard.
func Restore(s *model.Shard) (*Record, error) {
	l, err := ledger.FromHistory(s.Executions)
	if err != nil {
		return nil, fmt.Errorf("restore shard %s: %w", s.Key(), err)
	}
	scalar := *s
	scalar.Executions = nil
	return &Record{shard: scalar, ledger: l}, nil
}

// Version returns the shard version.
func (r *Record) Version() uint64 { return r.shard.Version }

// State returns the shard state.
func (r *Record) State() model.ShardState { return r.shard.State }

// UpdateTime returns the time of the last accepted mutation.
func (r *Record) UpdateTime() time.Time { return r.shard.UpdateTime }

// Ledger exposes the execution ledger for read-only queries.
func (r *Record) Ledger() *ledger.Ledger { return r.ledger }

// View materializes the shard with its full execution history.
func (r *Record) View() *model.Shard {
	out := r.shard
	out.Executions = r.ledger.History()
	return &out
}

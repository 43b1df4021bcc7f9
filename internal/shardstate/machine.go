// Package shardstate implements the shard lifecycle:
//
//	Queued -> Assigned -> Executing -> {Completed | Failed}
//	any non-terminal state -> Cancelled
//
// Transitions are pure: they take the current Record and return a new one,
// leaving publication (and per-shard serialization) to the caller.
package shardstate

import (
	"fmt"
	"time"

	"github.com/mycelian/shardtracker/internal/ledger"
	"github.com/mycelian/shardtracker/internal/model"
)

// RetryPolicy is supplied by the operator. MaxAttempts == 0 leaves the
// decision to fail a shard entirely to the scheduler.
type RetryPolicy struct {
	MaxAttempts int
}

// Machine applies shard transitions.
type Machine struct {
	policy RetryPolicy
	now    func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine constructs a Machine for the given policy.
func NewMachine(policy RetryPolicy, opts ...Option) *Machine {
	m := &Machine{policy: policy, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the retry policy in effect.
func (m *Machine) Policy() RetryPolicy { return m.policy }

// Assign records the scheduler's node selection. From Queued the shard moves
// to Assigned; from Assigned or Executing only the designated node changes.
// proposed may be model.AnyVersion.
func (m *Machine) Assign(cur *Record, proposed uint64, nodeID string) (*Record, error) {
	if nodeID == "" {
		return nil, model.NewInvalidArgumentError("node_id", "is required")
	}
	if err := m.checkWith(cur, proposed, acceptAssignment); err != nil {
		return nil, err
	}
	next := cur.shard
	switch cur.shard.State {
	case model.ShardQueued:
		next.State = model.ShardAssigned
	case model.ShardAssigned, model.ShardExecuting:
	default:
		return nil, model.NewInvalidTransitionError("shard", string(cur.shard.State), string(model.ShardAssigned))
	}
	next.AssignedNode = nodeID
	return m.commit(cur, next, cur.ledger), nil
}

// RecordAttempt appends a new execution for nodeID. The first attempt moves
// an Assigned shard to Executing; later attempts are retries. Attempts on a
// Completed shard are kept for audit and leave the state unchanged.
func (m *Machine) RecordAttempt(cur *Record, proposed uint64, nodeID, executionID string) (*Record, model.Execution, error) {
	if nodeID == "" {
		return nil, model.Execution{}, model.NewInvalidArgumentError("node_id", "is required")
	}
	if err := m.check(cur, proposed); err != nil {
		return nil, model.Execution{}, err
	}
	next := cur.shard
	switch cur.shard.State {
	case model.ShardAssigned:
		if cur.shard.AssignedNode != nodeID {
			return nil, model.Execution{}, model.NewInvalidTransitionError("shard",
				fmt.Sprintf("%s(node %s)", cur.shard.State, cur.shard.AssignedNode),
				fmt.Sprintf("%s(node %s)", model.ShardExecuting, nodeID))
		}
		next.State = model.ShardExecuting
	case model.ShardExecuting, model.ShardCompleted:
	default:
		return nil, model.Execution{}, model.NewInvalidTransitionError("shard", string(cur.shard.State), string(model.ShardExecuting))
	}

	now := m.stamp(cur)
	l, exec, err := cur.ledger.RecordAttempt(executionID, nodeID, now)
	if err != nil {
		if model.IsConflictError(err) {
			return nil, model.Execution{}, model.NewConflictError("node_id", err.Error(), cur.View())
		}
		return nil, model.Execution{}, err
	}
	return m.commitAt(next, l, now), exec, nil
}

// Report applies a node's execution report. A completed execution does not
// complete the shard by itself; the scheduler accepts it through Complete.
func (m *Machine) Report(cur *Record, proposed uint64, executionID string, to model.ExecutionState, upd model.ExecutionUpdate) (*Record, model.Execution, error) {
	if err := m.check(cur, proposed); err != nil {
		return nil, model.Execution{}, err
	}
	now := m.stamp(cur)
	l, exec, err := cur.ledger.Transition(executionID, to, upd, now)
	if err != nil {
		return nil, model.Execution{}, err
	}

	next := cur.shard
	if to == model.ExecutionFailed && !cur.shard.State.Terminal() {
		switch {
		case upd.Retriable != nil && !*upd.Retriable:
			next.State = model.ShardFailed
			next.FailureReason = nonEmpty(upd.Error, "non-retriable execution failure")
			l, _ = l.CancelActive(now)
		case m.policy.MaxAttempts > 0 && l.ActiveCount() == 0 && l.Len() >= m.policy.MaxAttempts:
			next.State = model.ShardFailed
			next.FailureReason = fmt.Sprintf("retries exhausted after %d attempts", l.Len())
		}
	}
	return m.commitAt(next, l, now), exec, nil
}

// Complete accepts a completed execution as the shard's final result.
func (m *Machine) Complete(cur *Record, proposed uint64, executionID string) (*Record, error) {
	if err := m.check(cur, proposed); err != nil {
		return nil, err
	}
	if cur.shard.State != model.ShardExecuting {
		return nil, model.NewInvalidTransitionError("shard", string(cur.shard.State), string(model.ShardCompleted))
	}
	exec, ok := cur.ledger.Get(executionID)
	if !ok {
		return nil, model.NewNotFoundError("execution", executionID)
	}
	if exec.State != model.ExecutionCompleted {
		return nil, model.NewInvalidTransitionError("shard",
			fmt.Sprintf("%s(execution %s %s)", cur.shard.State, exec.ID, exec.State), string(model.ShardCompleted))
	}
	next := cur.shard
	next.State = model.ShardCompleted
	next.AcceptedExecutionID = executionID
	return m.commit(cur, next, cur.ledger), nil
}

// Fail marks an executing shard as failed on the scheduler's decision and
// cancels any execution still in flight.
func (m *Machine) Fail(cur *Record, proposed uint64, reason string) (*Record, []model.Execution, error) {
	if err := m.check(cur, proposed); err != nil {
		return nil, nil, err
	}
	if cur.shard.State != model.ShardExecuting {
		return nil, nil, model.NewInvalidTransitionError("shard", string(cur.shard.State), string(model.ShardFailed))
	}
	now := m.stamp(cur)
	l, cancelled := cur.ledger.CancelActive(now)
	next := cur.shard
	next.State = model.ShardFailed
	next.FailureReason = nonEmpty(reason, "failed by scheduler")
	return m.commitAt(next, l, now), cancelled, nil
}

// Cancel moves a non-terminal shard to Cancelled, cascading to every
// non-terminal execution.
func (m *Machine) Cancel(cur *Record, proposed uint64) (*Record, []model.Execution, error) {
	if err := m.check(cur, proposed); err != nil {
		return nil, nil, err
	}
	return m.cancel(cur)
}

// CancelCurrent cancels whatever version is stored. It backs job-wide
// cancellation, which acts on every shard without reading them first.
func (m *Machine) CancelCurrent(cur *Record) (*Record, []model.Execution, error) {
	if cur == nil {
		return nil, nil, model.NewNotFoundError("shard", "no record")
	}
	return m.cancel(cur)
}

func (m *Machine) cancel(cur *Record) (*Record, []model.Execution, error) {
	if cur.shard.State.Terminal() {
		return nil, nil, model.NewInvalidTransitionError("shard", string(cur.shard.State), string(model.ShardCancelled))
	}
	now := m.stamp(cur)
	l, cancelled := cur.ledger.CancelActive(now)
	next := cur.shard
	next.State = model.ShardCancelled
	return m.commitAt(next, l, now), cancelled, nil
}

func (m *Machine) check(cur *Record, proposed uint64) error {
	return m.checkWith(cur, proposed, AcceptIfCurrent)
}

func (m *Machine) checkWith(cur *Record, proposed uint64, accept func(proposed, stored uint64) bool) error {
	if cur == nil {
		return model.NewNotFoundError("shard", "no record")
	}
	if !accept(proposed, cur.shard.Version) {
		return model.NewConflictError("version",
			fmt.Sprintf("proposed version %d does not match stored version %d", proposed, cur.shard.Version),
			cur.View())
	}
	return nil
}

func (m *Machine) commit(cur *Record, next model.Shard, l *ledger.Ledger) *Record {
	return m.commitAt(next, l, m.stamp(cur))
}

func (m *Machine) commitAt(next model.Shard, l *ledger.Ledger, now time.Time) *Record {
	next.UpdateTime = now
	next.Version = NextVersion(next.Version)
	next.Executions = nil
	return &Record{shard: next, ledger: l}
}

// stamp returns a mutation time that never precedes the previous one.
func (m *Machine) stamp(cur *Record) time.Time {
	now := m.now()
	if now.Before(cur.shard.UpdateTime) {
		return cur.shard.UpdateTime
	}
	return now
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// Package ledger records the executions of a single shard.
//
// A Ledger value is never mutated once published: every write returns a new
// Ledger sharing no mutable state with the previous one, so readers holding
// an older value keep seeing a consistent history.
package ledger

import (
	"fmt"
	"time"

	"github.com/mycelian/shardtracker/internal/model"
)

// Ledger is the append-only execution history of one shard together with
// the node -> active execution index.
type Ledger struct {
	executions []model.Execution
	byID       map[string]int
	active     map[string]int // node id -> index of its non-terminal execution
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{byID: map[string]int{}, active: map[string]int{}}
}

// FromHistory rebuilds a ledger from a persisted history, oldest first.
// It fails when the history violates the one-active-execution-per-node rule.
func FromHistory(history []model.Execution) (*Ledger, error) {
	l := New()
	l.executions = make([]model.Execution, 0, len(history))
	for _, e := range history {
		if _, dup := l.byID[e.ID]; dup {
			return nil, fmt.Errorf("duplicate execution id %s", e.ID)
		}
		if !e.State.Terminal() {
			if _, busy := l.active[e.NodeID]; busy {
				return nil, fmt.Errorf("node %s has more than one active execution", e.NodeID)
			}
			l.active[e.NodeID] = len(l.executions)
		}
		l.byID[e.ID] = len(l.executions)
		l.executions = append(l.executions, e.Clone())
	}
	return l, nil
}

// Len returns the number of executions ever recorded.
func (l *Ledger) Len() int { return len(l.executions) }

// ActiveCount returns the number of non-terminal executions.
func (l *Ledger) ActiveCount() int { return len(l.active) }

// RecordAttempt appends a requested execution for nodeID. It fails with a
// ConflictError when the node already has a non-terminal execution.
func (l *Ledger) RecordAttempt(executionID, nodeID string, now time.Time) (*Ledger, model.Execution, error) {
	if nodeID == "" {
		return nil, model.Execution{}, model.NewInvalidArgumentError("node_id", "is required")
	}
	if executionID == "" {
		return nil, model.Execution{}, model.NewInvalidArgumentError("execution_id", "is required")
	}
	if idx, busy := l.active[nodeID]; busy {
		return nil, model.Execution{}, model.NewConflictError("node_id",
			fmt.Sprintf("node %s already has active execution %s", nodeID, l.executions[idx].ID), nil)
	}
	if _, dup := l.byID[executionID]; dup {
		return nil, model.Execution{}, model.NewConflictError("execution_id", "execution id already recorded", nil)
	}

	exec := model.Execution{
		ID:         executionID,
		NodeID:     nodeID,
		State:      model.ExecutionRequested,
		CreateTime: now,
	}
	next := l.copyWith(len(l.executions) + 1)
	next.byID[exec.ID] = len(next.executions)
	next.active[nodeID] = len(next.executions)
	next.executions = append(next.executions, exec)
	return next, exec, nil
}

// Transition moves one execution to a new state.
func (l *Ledger) Transition(executionID string, to model.ExecutionState, upd model.ExecutionUpdate, now time.Time) (*Ledger, model.Execution, error) {
	idx, ok := l.byID[executionID]
	if !ok {
		return nil, model.Execution{}, model.NewNotFoundError("execution", executionID)
	}
	if !to.Valid() {
		return nil, model.Execution{}, model.NewInvalidArgumentError("state", fmt.Sprintf("unknown execution state %q", to))
	}
	cur := l.executions[idx]
	if !CanTransition(cur.State, to) {
		return nil, model.Execution{}, model.NewInvalidTransitionError("execution", string(cur.State), string(to))
	}

	next := l.copyWith(len(l.executions))
	updated := apply(cur, to, upd, now)
	next.executions[idx] = updated
	if to.Terminal() {
		delete(next.active, cur.NodeID)
	}
	return next, updated.Clone(), nil
}

// CancelActive moves every non-terminal execution to cancelled and returns
// the cancelled executions.
func (l *Ledger) CancelActive(now time.Time) (*Ledger, []model.Execution) {
	if len(l.active) == 0 {
		return l, nil
	}
	next := l.copyWith(len(l.executions))
	var cancelled []model.Execution
	for i := range next.executions {
		e := next.executions[i]
		if e.State.Terminal() {
			continue
		}
		next.executions[i] = apply(e, model.ExecutionCancelled, model.ExecutionUpdate{}, now)
		cancelled = append(cancelled, next.executions[i].Clone())
	}
	next.active = map[string]int{}
	return next, cancelled
}

// Get returns the execution with the given id.
func (l *Ledger) Get(executionID string) (model.Execution, bool) {
	idx, ok := l.byID[executionID]
	if !ok {
		return model.Execution{}, false
	}
	return l.executions[idx].Clone(), true
}

// ActiveExecutionsForNode returns zero or one non-terminal executions of nodeID.
func (l *Ledger) ActiveExecutionsForNode(nodeID string) []model.Execution {
	idx, ok := l.active[nodeID]
	if !ok {
		return []model.Execution{}
	}
	return []model.Execution{l.executions[idx].Clone()}
}

// History returns every execution, oldest first.
func (l *Ledger) History() []model.Execution {
	out := make([]model.Execution, len(l.executions))
	for i := range l.executions {
		out[i] = l.executions[i].Clone()
	}
	return out
}

// FailedCount returns the number of executions that ended in failed.
func (l *Ledger) FailedCount() int {
	n := 0
	for i := range l.executions {
		if l.executions[i].State == model.ExecutionFailed {
			n++
		}
	}
	return n
}

func (l *Ledger) copyWith(capacity int) *Ledger {
	next := &Ledger{
		executions: make([]model.Execution, len(l.executions), capacity),
		byID:       make(map[string]int, len(l.byID)+1),
		active:     make(map[string]int, len(l.active)+1),
	}
	for i := range l.executions {
		next.executions[i] = l.executions[i].Clone()
	}
	for k, v := range l.byID {
		next.byID[k] = v
	}
	for k, v := range l.active {
		next.active[k] = v
	}
	return next
}

func apply(e model.Execution, to model.ExecutionState, upd model.ExecutionUpdate, now time.Time) model.Execution {
	out := e.Clone()
	out.State = to
	if to == model.ExecutionRunning && out.StartTime == nil {
		t := now
		out.StartTime = &t
	}
	if to.Terminal() {
		t := now
		out.EndTime = &t
	}
	if upd.Result != "" {
		out.Result = upd.Result
	}
	if upd.Error != "" {
		out.Error = upd.Error
	}
	return out
}

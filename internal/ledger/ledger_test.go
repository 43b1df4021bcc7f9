package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/shardtracker/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRecordAttempt_SecondActiveAttemptConflicts(t *testing.T) {
	l := New()
	l1, e1, err := l.RecordAttempt("e1", "N1", t0)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionRequested, e1.State)

	_, _, err = l1.RecordAttempt("e2", "N1", t0)
	require.Error(t, err)
	assert.True(t, model.IsConflictError(err))

	// the rejected write left the ledger untouched
	assert.Equal(t, 1, l1.Len())
	assert.Len(t, l1.ActiveExecutionsForNode("N1"), 1)
}

func TestRecordAttempt_OtherNodeAllowed(t *testing.T) {
	l, _, err := New().RecordAttempt("e1", "N1", t0)
	require.NoError(t, err)
	l, _, err = l.RecordAttempt("e2", "N2", t0)
	require.NoError(t, err)
	assert.Equal(t, 2, l.ActiveCount())
}

func TestRecordAttempt_AfterTerminalAllowed(t *testing.T) {
	l, _, err := New().RecordAttempt("e1", "N1", t0)
	require.NoError(t, err)
	l, _, err = l.Transition("e1", model.ExecutionRunning, model.ExecutionUpdate{}, t0)
	require.NoError(t, err)
	l, _, err = l.Transition("e1", model.ExecutionFailed, model.ExecutionUpdate{Error: "oom"}, t0.Add(time.Second))
	require.NoError(t, err)

	l, e2, err := l.RecordAttempt("e2", "N1", t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "e2", e2.ID)

	hist := l.History()
	require.Len(t, hist, 2)
	assert.Equal(t, "e1", hist[0].ID)
	assert.Equal(t, model.ExecutionFailed, hist[0].State)
	assert.Equal(t, "oom", hist[0].Error)
	require.NotNil(t, hist[0].EndTime)
}

func TestTransition_Table(t *testing.T) {
	cases := []struct {
		from model.ExecutionState
		to   model.ExecutionState
		ok   bool
	}{
		{model.ExecutionRequested, model.ExecutionRunning, true},
		{model.ExecutionRequested, model.ExecutionCancelled, true},
		{model.ExecutionRequested, model.ExecutionCompleted, false},
		{model.ExecutionRequested, model.ExecutionFailed, false},
		{model.ExecutionRunning, model.ExecutionCompleted, true},
		{model.ExecutionRunning, model.ExecutionFailed, true},
		{model.ExecutionRunning, model.ExecutionCancelled, true},
		{model.ExecutionRunning, model.ExecutionRequested, false},
		{model.ExecutionCompleted, model.ExecutionRunning, false},
		{model.ExecutionFailed, model.ExecutionCancelled, false},
		{model.ExecutionCancelled, model.ExecutionRunning, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransition_Errors(t *testing.T) {
	l, _, err := New().RecordAttempt("e1", "N1", t0)
	require.NoError(t, err)

	_, _, err = l.Transition("missing", model.ExecutionRunning, model.ExecutionUpdate{}, t0)
	assert.True(t, model.IsNotFoundError(err))

	_, _, err = l.Transition("e1", model.ExecutionCompleted, model.ExecutionUpdate{}, t0)
	assert.True(t, model.IsInvalidTransitionError(err))

	_, _, err = l.Transition("e1", model.ExecutionState("exploded"), model.ExecutionUpdate{}, t0)
	assert.True(t, model.IsInvalidArgumentError(err))
}

func TestTransition_DoesNotMutatePreviousValue(t *testing.T) {
	l1, _, err := New().RecordAttempt("e1", "N1", t0)
	require.NoError(t, err)
	l2, _, err := l1.Transition("e1", model.ExecutionRunning, model.ExecutionUpdate{}, t0)
	require.NoError(t, err)

	before, _ := l1.Get("e1")
	after, _ := l2.Get("e1")
	assert.Equal(t, model.ExecutionRequested, before.State)
	assert.Equal(t, model.ExecutionRunning, after.State)
	require.NotNil(t, after.StartTime)
}

func TestCancelActive(t *testing.T) {
	l, _, _ := New().RecordAttempt("e1", "N1", t0)
	l, _, _ = l.RecordAttempt("e2", "N2", t0)
	l, _, _ = l.Transition("e2", model.ExecutionRunning, model.ExecutionUpdate{}, t0)

	next, cancelled := l.CancelActive(t0.Add(time.Minute))
	assert.Len(t, cancelled, 2)
	assert.Equal(t, 0, next.ActiveCount())
	for _, e := range next.History() {
		assert.Equal(t, model.ExecutionCancelled, e.State)
	}
	assert.Equal(t, 2, l.ActiveCount())
}

func TestFromHistory_RejectsTwoActivePerNode(t *testing.T) {
	_, err := FromHistory([]model.Execution{
		{ID: "a", NodeID: "N1", State: model.ExecutionRunning},
		{ID: "b", NodeID: "N1", State: model.ExecutionRequested},
	})
	require.Error(t, err)

	l, err := FromHistory([]model.Execution{
		{ID: "a", NodeID: "N1", State: model.ExecutionFailed},
		{ID: "b", NodeID: "N1", State: model.ExecutionRunning},
	})
	require.NoError(t, err)
	assert.Len(t, l.ActiveExecutionsForNode("N1"), 1)
	assert.Equal(t, 1, l.FailedCount())
}

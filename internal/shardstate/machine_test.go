package shardstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/shardtracker/internal/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time      { return c.t }
func (c *fakeClock) add(d time.Duration) { c.t = c.t.Add(d) }
func (c *fakeClock) set(t time.Time)     { c.t = t }

func newMachine(policy RetryPolicy) (*Machine, *fakeClock) {
	c := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewMachine(policy, WithClock(c.now)), c
}

func executing(t *testing.T, m *Machine, node string) (*Record, model.Execution) {
	t.Helper()
	r := NewRecord("J1", 0, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC))
	r, err := m.Assign(r, r.Version(), node)
	require.NoError(t, err)
	r, exec, err := m.RecordAttempt(r, r.Version(), node, "exec-1")
	require.NoError(t, err)
	return r, exec
}

func TestLifecycle_HappyPath(t *testing.T) {
	m, clock := newMachine(RetryPolicy{})
	r := NewRecord("J1", 0, clock.now())
	assert.Equal(t, model.ShardQueued, r.State())
	assert.Equal(t, model.InitialVersion, r.Version())

	r, err := m.Assign(r, 1, "N1")
	require.NoError(t, err)
	assert.Equal(t, model.ShardAssigned, r.State())
	assert.Equal(t, uint64(2), r.Version())
	assert.Equal(t, 0, r.Ledger().Len())

	r, exec, err := m.RecordAttempt(r, 2, "N1", "e1")
	require.NoError(t, err)
	assert.Equal(t, model.ShardExecuting, r.State())
	assert.Equal(t, model.ExecutionRequested, exec.State)

	r, _, err = m.Report(r, 3, "e1", model.ExecutionRunning, model.ExecutionUpdate{})
	require.NoError(t, err)
	r, _, err = m.Report(r, 4, "e1", model.ExecutionCompleted, model.ExecutionUpdate{Result: "ok"})
	require.NoError(t, err)
	// a completed report alone does not complete the shard
	assert.Equal(t, model.ShardExecuting, r.State())

	r, err = m.Complete(r, 5, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.ShardCompleted, r.State())
	assert.Equal(t, uint64(6), r.Version())
	assert.Equal(t, "e1", r.View().AcceptedExecutionID)
}

// A stale version is rejected with the current version attached.
func TestVersionGuard_StaleWriteRejected(t *testing.T) {
	m, _ := newMachine(RetryPolicy{})
	r := NewRecord("J1", 0, time.Now())
	r, _ = m.Assign(r, 1, "N1")
	r, _ = m.Assign(r, 2, "N1")
	require.Equal(t, uint64(3), r.Version())

	_, err := m.Assign(r, 2, "N2")
	require.Error(t, err)
	require.True(t, model.IsConflictError(err))
	cur, ok := model.ConflictCurrent(err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), cur.Version)
	assert.Equal(t, "N1", r.View().AssignedNode)

	r, err = m.Assign(r, cur.Version, "N2")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), r.Version())
}

// The same node cannot hold two active attempts.
func TestRecordAttempt_NodeAlreadyActive(t *testing.T) {
	m, _ := newMachine(RetryPolicy{})
	r, _ := executing(t, m, "N1")

	_, _, err := m.RecordAttempt(r, r.Version(), "N1", "exec-2")
	require.Error(t, err)
	assert.True(t, model.IsConflictError(err))
	cur, ok := model.ConflictCurrent(err)
	require.True(t, ok)
	assert.Len(t, cur.Executions, 1)
}

func TestRecordAttempt_RequiresAssignedNode(t *testing.T) {
	m, _ := newMachine(RetryPolicy{})
	r := NewRecord("J1", 0, time.Now())
	_, _, err := m.RecordAttempt(r, r.Version(), "N1", "e1")
	assert.True(t, model.IsInvalidTransitionError(err))

	r, _ = m.Assign(r, r.Version(), "N1")
	_, _, err = m.RecordAttempt(r, r.Version(), "N2", "e1")
	assert.True(t, model.IsInvalidTransitionError(err))
}

func TestRetry_OnDifferentNodeKeepsExecuting(t *testing.T) {
	m, _ := newMachine(RetryPolicy{})
	r, _ := executing(t, m, "N1")
	r, _, err := m.Report(r, r.Version(), "exec-1", model.ExecutionRunning, model.ExecutionUpdate{})
	require.NoError(t, err)
	r, _, err = m.Report(r, r.Version(), "exec-1", model.ExecutionFailed, model.ExecutionUpdate{Error: "disk"})
	require.NoError(t, err)
	assert.Equal(t, model.ShardExecuting, r.State())

	r, err = m.Assign(r, r.Version(), "N2")
	require.NoError(t, err)
	r, _, err = m.RecordAttempt(r, r.Version(), "N2", "exec-2")
	require.NoError(t, err)
	assert.Equal(t, model.ShardExecuting, r.State())
	assert.Equal(t, 2, r.Ledger().Len())
}

func TestRetryPolicy_ExhaustionFailsShard(t *testing.T) {
	m, _ := newMachine(RetryPolicy{MaxAttempts: 2})
	r, _ := executing(t, m, "N1")
	r, _, _ = m.Report(r, r.Version(), "exec-1", model.ExecutionRunning, model.ExecutionUpdate{})
	r, _, _ = m.Report(r, r.Version(), "exec-1", model.ExecutionFailed, model.ExecutionUpdate{})
	require.Equal(t, model.ShardExecuting, r.State())

	r, _, err := m.RecordAttempt(r, r.Version(), "N1", "exec-2")
	require.NoError(t, err)
	r, _, _ = m.Report(r, r.Version(), "exec-2", model.ExecutionRunning, model.ExecutionUpdate{})
	r, _, err = m.Report(r, r.Version(), "exec-2", model.ExecutionFailed, model.ExecutionUpdate{})
	require.NoError(t, err)
	assert.Equal(t, model.ShardFailed, r.State())
	assert.Contains(t, r.View().FailureReason, "retries exhausted")
}

func TestReport_NonRetriableFailsAndCancelsOthers(t *testing.T) {
	m, _ := newMachine(RetryPolicy{})
	r, _ := executing(t, m, "N1")
	r, _ = m.Assign(r, r.Version(), "N2")
	r, _, _ = m.RecordAttempt(r, r.Version(), "N2", "exec-2")
	r, _, _ = m.Report(r, r.Version(), "exec-1", model.ExecutionRunning, model.ExecutionUpdate{})

	no := false
	r, _, err := m.Report(r, r.Version(), "exec-1", model.ExecutionFailed, model.ExecutionUpdate{Error: "bad image", Retriable: &no})
	require.NoError(t, err)
	assert.Equal(t, model.ShardFailed, r.State())
	assert.Equal(t, "bad image", r.View().FailureReason)
	assert.Equal(t, 0, r.Ledger().ActiveCount())
}

func TestCancel_CascadesToExecutions(t *testing.T) {
	m, _ := newMachine(RetryPolicy{})
	r, _ := executing(t, m, "N1")
	r, cancelled, err := m.Cancel(r, r.Version())
	require.NoError(t, err)
	assert.Equal(t, model.ShardCancelled, r.State())
	require.Len(t, cancelled, 1)
	for _, e := range r.View().Executions {
		assert.Equal(t, model.ExecutionCancelled, e.State)
	}

	_, _, err = m.Cancel(r, r.Version())
	assert.True(t, model.IsInvalidTransitionError(err))
}

func TestCompleted_FurtherExecutionsAreInert(t *testing.T) {
	m, _ := newMachine(RetryPolicy{})
	r, _ := executing(t, m, "N1")
	r, _ = m.Assign(r, r.Version(), "N2")
	r, _, _ = m.RecordAttempt(r, r.Version(), "N2", "exec-2")
	r, _, _ = m.Report(r, r.Version(), "exec-1", model.ExecutionRunning, model.ExecutionUpdate{})
	r, _, _ = m.Report(r, r.Version(), "exec-1", model.ExecutionCompleted, model.ExecutionUpdate{})
	r, err := m.Complete(r, r.Version(), "exec-1")
	require.NoError(t, err)

	v := r.Version()
	r, _, err = m.Report(r, v, "exec-2", model.ExecutionCancelled, model.ExecutionUpdate{})
	require.NoError(t, err)
	assert.Equal(t, model.ShardCompleted, r.State())
	assert.Equal(t, v+1, r.Version())

	r, _, err = m.RecordAttempt(r, r.Version(), "N3", "exec-3")
	require.NoError(t, err)
	assert.Equal(t, model.ShardCompleted, r.State())
	assert.Equal(t, 3, r.Ledger().Len())
}

func TestComplete_RequiresCompletedExecution(t *testing.T) {
	m, _ := newMachine(RetryPolicy{})
	r, _ := executing(t, m, "N1")
	_, err := m.Complete(r, r.Version(), "exec-1")
	assert.True(t, model.IsInvalidTransitionError(err))
	_, err = m.Complete(r, r.Version(), "nope")
	assert.True(t, model.IsNotFoundError(err))
}

func TestFail_OnlyFromExecuting(t *testing.T) {
	m, _ := newMachine(RetryPolicy{})
	r := NewRecord("J1", 0, time.Now())
	_, _, err := m.Fail(r, r.Version(), "boom")
	assert.True(t, model.IsInvalidTransitionError(err))

	r, _ = executing(t, m, "N1")
	r, cancelled, err := m.Fail(r, r.Version(), "")
	require.NoError(t, err)
	assert.Equal(t, model.ShardFailed, r.State())
	assert.Len(t, cancelled, 1)
	assert.Equal(t, "failed by scheduler", r.View().FailureReason)
}

func TestUpdateTime_NeverGoesBackwards(t *testing.T) {
	m, clock := newMachine(RetryPolicy{})
	r := NewRecord("J1", 0, clock.now())
	clock.add(time.Minute)
	r, _ = m.Assign(r, r.Version(), "N1")
	first := r.UpdateTime()

	clock.set(first.Add(-time.Hour))
	r, _ = m.Assign(r, r.Version(), "N2")
	assert.False(t, r.UpdateTime().Before(first))
}

func TestAnyVersion_OnlyAssigns(t *testing.T) {
	m, _ := newMachine(RetryPolicy{})
	r := NewRecord("J1", 0, time.Now())
	r, err := m.Assign(r, model.AnyVersion, "N1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.Version())

	r, exec, err := m.RecordAttempt(r, r.Version(), "N1", "e1")
	require.NoError(t, err)
	r, _, err = m.Report(r, r.Version(), exec.ID, model.ExecutionRunning, model.ExecutionUpdate{})
	require.NoError(t, err)
	stored := r.Version()

	checks := map[string]func() error{
		"attempt": func() error { _, _, err := m.RecordAttempt(r, model.AnyVersion, "N2", "e2"); return err },
		"report": func() error {
			_, _, err := m.Report(r, model.AnyVersion, exec.ID, model.ExecutionCompleted, model.ExecutionUpdate{})
			return err
		},
		"complete": func() error { _, err := m.Complete(r, model.AnyVersion, exec.ID); return err },
		"fail":     func() error { _, _, err := m.Fail(r, model.AnyVersion, "boom"); return err },
		"cancel":   func() error { _, _, err := m.Cancel(r, model.AnyVersion); return err },
	}
	for name, fn := range checks {
		err := fn()
		require.Error(t, err, name)
		require.True(t, model.IsConflictError(err), name)
		cur, ok := model.ConflictCurrent(err)
		require.True(t, ok, name)
		assert.Equal(t, stored, cur.Version, name)
		assert.Equal(t, model.ShardExecuting, cur.State, name)
	}
	assert.Equal(t, stored, r.Version())
}

func TestCancelCurrent_IgnoresVersion(t *testing.T) {
	m, _ := newMachine(RetryPolicy{})
	r, _ := executing(t, m, "N1")
	before := r.Version()

	r, cancelled, err := m.CancelCurrent(r)
	require.NoError(t, err)
	assert.Equal(t, model.ShardCancelled, r.State())
	assert.Equal(t, NextVersion(before), r.Version())
	assert.Len(t, cancelled, 1)

	_, _, err = m.CancelCurrent(r)
	assert.True(t, model.IsInvalidTransitionError(err))
	_, _, err = m.CancelCurrent(nil)
	assert.True(t, model.IsNotFoundError(err))
}

func TestRestore_RoundTripsView(t *testing.T) {
	m, _ := newMachine(RetryPolicy{})
	r, _ := executing(t, m, "N1")
	restored, err := Restore(r.View())
	require.NoError(t, err)
	assert.Equal(t, r.View(), restored.View())
	assert.Len(t, restored.Ledger().ActiveExecutionsForNode("N1"), 1)
}

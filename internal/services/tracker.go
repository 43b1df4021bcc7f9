package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mycelian/shardtracker/internal/events"
	"github.com/mycelian/shardtracker/internal/metrics"
	"github.com/mycelian/shardtracker/internal/model"
	"github.com/mycelian/shardtracker/internal/query"
	"github.com/mycelian/shardtracker/internal/registry"
	"github.com/mycelian/shardtracker/internal/shardstate"
)

// defaultEventBuffer sizes each event subscriber when no log is supplied.
const defaultEventBuffer = 64

// Tracker orchestrates shard lifecycle use cases over the registry.
type Tracker struct {
	reg     *registry.Registry
	machine *shardstate.Machine
	query   *query.Engine
	events  *events.Log
	persist *Persister
	log     zerolog.Logger
	newID   func() string
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPersister makes every accepted mutation write behind to a durable store.
func WithPersister(p *Persister) Option {
	return func(t *Tracker) { t.persist = p }
}

// WithIDGenerator overrides execution id generation.
func WithIDGenerator(f func() string) Option {
	return func(t *Tracker) { t.newID = f }
}

// WithEventLog replaces the in-memory job event log.
func WithEventLog(l *events.Log) Option {
	return func(t *Tracker) { t.events = l }
}

func NewTracker(reg *registry.Registry, m *shardstate.Machine, log zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		reg:     reg,
		machine: m,
		query:   query.NewEngine(reg),
		log:     log.With().Str("component", "tracker").Logger(),
		newID:   func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.events == nil {
		t.events = events.NewLog(events.NewBus(defaultEventBuffer))
	}
	return t
}

// Restore loads persisted jobs and their events into the registry. A tracker
// without a persister starts empty.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.persist == nil {
		return nil
	}
	jobs, err := t.persist.store.Jobs().List(ctx)
	if err != nil {
		return err
	}
	if err := t.reg.Restore(jobs); err != nil {
		return err
	}
	for _, j := range jobs {
		evts, err := t.persist.store.Events().List(ctx, j.ID)
		if err != nil {
			return err
		}
		t.events.Restore(j.ID, evts)
	}
	metrics.Jobs.Set(float64(t.reg.Len()))
	t.log.Info().Int("jobs", len(jobs)).Msg("registry restored")
	return nil
}

func (t *Tracker) SubmitJob(ctx context.Context, req model.SubmitJobRequest) (*model.Job, error) {
	var ev model.JobEvent
	j, err := t.reg.Insert(req, func(j *model.Job) {
		ev = t.events.Append(model.JobEvent{
			JobID:      j.ID,
			Name:       model.EventJobCreated,
			ShardIndex: model.NoShard,
			ShardState: j.State,
			Detail:     fmt.Sprintf("%d shards", len(j.Shards)),
			EventTime:  j.CreateTime,
		})
	})
	if t.observe("submit", err) != nil {
		return nil, err
	}
	metrics.Jobs.Set(float64(t.reg.Len()))
	t.persist.job(ctx, j)
	t.persist.event(ctx, ev)
	t.log.Info().Str("job_id", j.ID).Int("shards", len(j.Shards)).Msg("job submitted")
	return j, nil
}

func (t *Tracker) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return t.reg.Job(jobID)
}

func (t *Tracker) GetShard(ctx context.Context, jobID string, shardIndex int) (*model.Shard, error) {
	rec, err := t.reg.Record(jobID, shardIndex)
	if err != nil {
		return nil, err
	}
	return rec.View(), nil
}

// AssignShard records the scheduler's node selection for a shard.
func (t *Tracker) AssignShard(ctx context.Context, jobID string, shardIndex int, nodeID string, version uint64) (*model.Shard, error) {
	rec, ev, err := t.update(jobID, shardIndex, func(cur *shardstate.Record) (*shardstate.Record, model.JobEvent, error) {
		next, err := t.machine.Assign(cur, version, nodeID)
		if err != nil {
			return nil, model.JobEvent{}, err
		}
		return next, model.ShardEvent(model.EventShardAssigned, next.View()), nil
	})
	return t.accepted(ctx, "assign", rec, ev, err)
}

// RecordAttempt starts a new execution of the shard on nodeID.
func (t *Tracker) RecordAttempt(ctx context.Context, jobID string, shardIndex int, nodeID string, version uint64) (*model.Shard, model.Execution, error) {
	execID := t.newID()
	var exec model.Execution
	rec, ev, err := t.update(jobID, shardIndex, func(cur *shardstate.Record) (*shardstate.Record, model.JobEvent, error) {
		next, e, err := t.machine.RecordAttempt(cur, version, nodeID, execID)
		if err != nil {
			return nil, model.JobEvent{}, err
		}
		exec = e
		return next, model.ShardEvent(model.EventExecutionRequested, next.View()).WithExecution(e), nil
	})
	if err == nil {
		t.reg.IndexExecution(execID, jobID, shardIndex)
	}
	s, err := t.accepted(ctx, "record_attempt", rec, ev, err)
	if err != nil {
		return nil, model.Execution{}, err
	}
	return s, exec, nil
}

// ReportExecution applies a node's report about one of its executions.
func (t *Tracker) ReportExecution(ctx context.Context, executionID string, to model.ExecutionState, upd model.ExecutionUpdate, version uint64) (*model.Shard, model.Execution, error) {
	if executionID == "" {
		return nil, model.Execution{}, model.NewInvalidArgumentError("execution_id", "is required")
	}
	jobID, shardIndex, err := t.reg.LocateExecution(executionID)
	if err != nil {
		return nil, model.Execution{}, t.observe("report", err)
	}
	var exec model.Execution
	rec, ev, err := t.update(jobID, shardIndex, func(cur *shardstate.Record) (*shardstate.Record, model.JobEvent, error) {
		next, e, err := t.machine.Report(cur, version, executionID, to, upd)
		if err != nil {
			return nil, model.JobEvent{}, err
		}
		exec = e
		s := next.View()
		ev := model.ShardEvent(model.EventExecutionReported, s).WithExecution(e)
		ev.Detail = upd.Error
		if s.State == model.ShardFailed && cur.State() != model.ShardFailed {
			ev.Detail = s.FailureReason
		}
		return next, ev, nil
	})
	s, err := t.accepted(ctx, "report", rec, ev, err)
	if err != nil {
		return nil, model.Execution{}, err
	}
	if s.State == model.ShardFailed && to == model.ExecutionFailed {
		t.log.Info().Str("shard", s.Key()).Str("reason", s.FailureReason).Msg("shard failed")
	}
	return s, exec, nil
}

// CompleteShard accepts a completed execution as the shard's result.
func (t *Tracker) CompleteShard(ctx context.Context, jobID string, shardIndex int, executionID string, version uint64) (*model.Shard, error) {
	rec, ev, err := t.update(jobID, shardIndex, func(cur *shardstate.Record) (*shardstate.Record, model.JobEvent, error) {
		next, err := t.machine.Complete(cur, version, executionID)
		if err != nil {
			return nil, model.JobEvent{}, err
		}
		ev := model.ShardEvent(model.EventShardCompleted, next.View())
		if e, ok := next.Ledger().Get(executionID); ok {
			ev = ev.WithExecution(e)
		}
		return next, ev, nil
	})
	return t.accepted(ctx, "complete", rec, ev, err)
}

// FailShard marks an executing shard failed on the scheduler's decision.
func (t *Tracker) FailShard(ctx context.Context, jobID string, shardIndex int, reason string, version uint64) (*model.Shard, error) {
	rec, ev, err := t.update(jobID, shardIndex, func(cur *shardstate.Record) (*shardstate.Record, model.JobEvent, error) {
		next, _, err := t.machine.Fail(cur, version, reason)
		if err != nil {
			return nil, model.JobEvent{}, err
		}
		s := next.View()
		ev := model.ShardEvent(model.EventShardFailed, s)
		ev.Detail = s.FailureReason
		return next, ev, nil
	})
	return t.accepted(ctx, "fail", rec, ev, err)
}

// CancelShard cancels one shard and its in-flight executions.
func (t *Tracker) CancelShard(ctx context.Context, jobID string, shardIndex int, version uint64) (*model.Shard, error) {
	rec, ev, err := t.update(jobID, shardIndex, func(cur *shardstate.Record) (*shardstate.Record, model.JobEvent, error) {
		next, _, err := t.machine.Cancel(cur, version)
		if err != nil {
			return nil, model.JobEvent{}, err
		}
		return next, model.ShardEvent(model.EventShardCancelled, next.View()), nil
	})
	return t.accepted(ctx, "cancel", rec, ev, err)
}

// CancelJob cancels every shard of the job that is not yet terminal.
func (t *Tracker) CancelJob(ctx context.Context, jobID string) (*model.Job, error) {
	n, err := t.reg.ShardCount(jobID)
	if err != nil {
		return nil, t.observe("cancel_job", err)
	}
	for i := 0; i < n; i++ {
		changed := false
		rec, ev, err := t.update(jobID, i, func(cur *shardstate.Record) (*shardstate.Record, model.JobEvent, error) {
			if cur.State().Terminal() {
				return cur, model.JobEvent{}, nil
			}
			next, _, err := t.machine.CancelCurrent(cur)
			if err != nil {
				return nil, model.JobEvent{}, err
			}
			changed = true
			ev := model.ShardEvent(model.EventShardCancelled, next.View())
			ev.Detail = "job cancelled"
			return next, ev, nil
		})
		if err != nil {
			return nil, t.observe("cancel_job", err)
		}
		if changed {
			metrics.Transitions.WithLabelValues("cancel", metrics.OutcomeAccepted).Inc()
			t.persist.shard(ctx, rec.View())
			t.persist.event(ctx, ev)
		}
	}
	t.log.Info().Str("job_id", jobID).Msg("job cancelled")
	return t.reg.Job(jobID)
}

// UpdateJobTags replaces the tag set of a job.
func (t *Tracker) UpdateJobTags(ctx context.Context, jobID string, tags []string) (*model.Job, error) {
	var ev model.JobEvent
	j, err := t.reg.SetTags(jobID, tags, func(j *model.Job) {
		ev = t.events.Append(model.JobEvent{
			JobID:      j.ID,
			Name:       model.EventJobTagsUpdated,
			ShardIndex: model.NoShard,
			ShardState: j.State,
			Detail:     strings.Join(j.Tags, ","),
			EventTime:  j.UpdateTime,
		})
	})
	if t.observe("update_tags", err) != nil {
		return nil, err
	}
	t.persist.job(ctx, j)
	t.persist.event(ctx, ev)
	return j, nil
}

// JobEvents returns the job's events numbered after the given sequence.
// With wait > 0 it blocks until one arrives or wait elapses.
func (t *Tracker) JobEvents(ctx context.Context, jobID string, after uint64, wait time.Duration) ([]model.JobEvent, error) {
	if _, err := t.reg.ShardCount(jobID); err != nil {
		return nil, err
	}
	if wait <= 0 {
		return t.events.Since(jobID, after), nil
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	evts, err := t.events.Wait(ctx, jobID, after)
	if errors.Is(err, context.DeadlineExceeded) {
		return []model.JobEvent{}, nil
	}
	return evts, err
}

// History returns every execution of the shard, oldest first.
func (t *Tracker) History(ctx context.Context, jobID string, shardIndex int) ([]model.Execution, error) {
	rec, err := t.reg.Record(jobID, shardIndex)
	if err != nil {
		return nil, err
	}
	return rec.Ledger().History(), nil
}

// ActiveExecutionsForNode returns the node's non-terminal execution of the shard, if any.
func (t *Tracker) ActiveExecutionsForNode(ctx context.Context, jobID string, shardIndex int, nodeID string) ([]model.Execution, error) {
	if nodeID == "" {
		return nil, model.NewInvalidArgumentError("node_id", "is required")
	}
	rec, err := t.reg.Record(jobID, shardIndex)
	if err != nil {
		return nil, err
	}
	return rec.Ledger().ActiveExecutionsForNode(nodeID), nil
}

func (t *Tracker) ListJobs(ctx context.Context, req model.ListRequest) ([]*model.Job, error) {
	jobs, err := t.query.List(req)
	if err != nil {
		return nil, t.observe("list", err)
	}
	return jobs, nil
}

// update applies fn under the shard's lock. The event fn describes is
// appended once the new record is published and before the lock is
// released, so a shard's events are numbered in version order.
func (t *Tracker) update(jobID string, shardIndex int, fn func(cur *shardstate.Record) (*shardstate.Record, model.JobEvent, error)) (*shardstate.Record, model.JobEvent, error) {
	var ev model.JobEvent
	rec, err := t.reg.Update(jobID, shardIndex, func(cur *shardstate.Record) (*shardstate.Record, error) {
		next, e, err := fn(cur)
		ev = e
		return next, err
	}, func(*shardstate.Record) {
		ev = t.events.Append(ev)
	})
	return rec, ev, err
}

// accepted finishes a shard mutation: metrics, logging and write-behind.
func (t *Tracker) accepted(ctx context.Context, op string, rec *shardstate.Record, ev model.JobEvent, err error) (*model.Shard, error) {
	if t.observe(op, err) != nil {
		return nil, err
	}
	metrics.Transitions.WithLabelValues(op, metrics.OutcomeAccepted).Inc()
	s := rec.View()
	t.persist.shard(ctx, s)
	t.persist.event(ctx, ev)
	t.log.Debug().Str("op", op).Str("shard", s.Key()).Str("state", string(s.State)).Uint64("version", s.Version).Msg("shard updated")
	return s, nil
}

// observe records a failed operation and returns err unchanged.
func (t *Tracker) observe(op string, err error) error {
	if err == nil {
		return nil
	}
	if model.IsConflictError(err) {
		metrics.Conflicts.WithLabelValues(op).Inc()
		metrics.Transitions.WithLabelValues(op, metrics.OutcomeConflict).Inc()
		t.log.Debug().Str("op", op).Err(err).Msg("conflict")
		return err
	}
	metrics.Transitions.WithLabelValues(op, metrics.OutcomeRejected).Inc()
	t.log.Warn().Str("op", op).Err(err).Msg("operation rejected")
	return err
}

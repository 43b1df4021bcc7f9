// Package registry maps job ids to jobs and their shards.
//
// Each shard lives in its own slot guarded by a per-shard mutex; the slot
// publishes immutable shardstate.Records through an atomic pointer, so
// readers never wait on writers and never observe a half-applied transition.
// The job set and its tag/client indexes sit behind a RWMutex that is held
// only long enough to copy entry pointers.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mycelian/shardtracker/internal/model"
	"github.com/mycelian/shardtracker/internal/shardstate"
)

type slot struct {
	mu  sync.Mutex
	rec atomic.Pointer[shardstate.Record]
}

type jobMeta struct {
	tags    []string
	updated time.Time
}

type jobEntry struct {
	id       string
	clientID string
	created  time.Time
	shards   []*slot
	meta     atomic.Pointer[jobMeta]
}

type shardRef struct {
	jobID string
	index int
}

// Registry holds every job known to the tracker.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]*jobEntry
	byTag    map[string]map[string]struct{}
	byClient map[string]map[string]struct{}

	executions sync.Map // execution id -> shardRef

	now func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the wall clock used for job creation times.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		jobs:     map[string]*jobEntry{},
		byTag:    map[string]map[string]struct{}{},
		byClient: map[string]map[string]struct{}{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Insert creates a job together with its shards, all Queued at version 1.
// Observers see the new job before any other caller can reach it; they run
// under the registry lock and must not call back into the registry.
func (r *Registry) Insert(req model.SubmitJobRequest, observers ...func(*model.Job)) (*model.Job, error) {
	if req.ShardCount <= 0 {
		return nil, model.NewInvalidArgumentError("shard_count", "must be at least 1")
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	created := r.now()
	e := &jobEntry{
		id:       id,
		clientID: req.ClientID,
		created:  created,
		shards:   make([]*slot, req.ShardCount),
	}
	for i := range e.shards {
		s := &slot{}
		s.rec.Store(shardstate.NewRecord(id, i, created))
		e.shards[i] = s
	}
	e.meta.Store(&jobMeta{tags: model.NormalizeTags(req.Tags), updated: created})

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[id]; exists {
		return nil, model.NewConflictError("job_id", fmt.Sprintf("job %s already exists", id), nil)
	}
	r.insertLocked(e)
	j := e.view()
	for _, observe := range observers {
		observe(j)
	}
	return j, nil
}

// Restore loads persisted jobs. Jobs already present are left untouched.
func (r *Registry) Restore(jobs []*model.Job) error {
	entries := make([]*jobEntry, 0, len(jobs))
	for _, j := range jobs {
		e := &jobEntry{id: j.ID, clientID: j.ClientID, created: j.CreateTime, shards: make([]*slot, len(j.Shards))}
		for i := range j.Shards {
			if j.Shards[i].ShardIndex != i {
				return fmt.Errorf("restore job %s: shard indexes are not contiguous", j.ID)
			}
			rec, err := shardstate.Restore(&j.Shards[i])
			if err != nil {
				return err
			}
			s := &slot{}
			s.rec.Store(rec)
			e.shards[i] = s
		}
		updated := j.UpdateTime
		if updated.IsZero() {
			updated = j.CreateTime
		}
		e.meta.Store(&jobMeta{tags: model.NormalizeTags(j.Tags), updated: updated})
		entries = append(entries, e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if _, exists := r.jobs[e.id]; exists {
			continue
		}
		r.insertLocked(e)
		for i, s := range e.shards {
			for _, exec := range s.rec.Load().Ledger().History() {
				r.executions.Store(exec.ID, shardRef{jobID: e.id, index: i})
			}
		}
	}
	return nil
}

func (r *Registry) insertLocked(e *jobEntry) {
	r.jobs[e.id] = e
	for _, t := range e.meta.Load().tags {
		addIndex(r.byTag, t, e.id)
	}
	if e.clientID != "" {
		addIndex(r.byClient, e.clientID, e.id)
	}
}

// Len returns the number of jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Job returns the current view of one job.
func (r *Registry) Job(jobID string) (*model.Job, error) {
	e, err := r.entry(jobID)
	if err != nil {
		return nil, err
	}
	return e.view(), nil
}

// Record returns the current record of a shard.
func (r *Registry) Record(jobID string, shardIndex int) (*shardstate.Record, error) {
	s, err := r.slot(jobID, shardIndex)
	if err != nil {
		return nil, err
	}
	return s.rec.Load(), nil
}

// Update applies fn to the shard's current record under the shard's lock and
// publishes the result. When fn fails nothing is published. Observers see a
// published record before the lock is released; they are skipped when fn
// hands back the current record unchanged.
func (r *Registry) Update(jobID string, shardIndex int, fn func(cur *shardstate.Record) (*shardstate.Record, error), observers ...func(*shardstate.Record)) (*shardstate.Record, error) {
	s, err := r.slot(jobID, shardIndex)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.rec.Load()
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if next == cur {
		return cur, nil
	}
	s.rec.Store(next)
	for _, observe := range observers {
		observe(next)
	}
	return next, nil
}

// ShardCount returns the number of shards of a job.
func (r *Registry) ShardCount(jobID string) (int, error) {
	e, err := r.entry(jobID)
	if err != nil {
		return 0, err
	}
	return len(e.shards), nil
}

// IndexExecution records which shard an execution belongs to.
func (r *Registry) IndexExecution(executionID, jobID string, shardIndex int) {
	r.executions.Store(executionID, shardRef{jobID: jobID, index: shardIndex})
}

// LocateExecution resolves an execution id to its shard.
func (r *Registry) LocateExecution(executionID string) (string, int, error) {
	v, ok := r.executions.Load(executionID)
	if !ok {
		return "", 0, model.NewNotFoundError("execution", executionID)
	}
	ref := v.(shardRef)
	return ref.jobID, ref.index, nil
}

// SetTags replaces a job's tag set and keeps the tag index consistent.
// Observers run under the registry lock, as for Insert.
func (r *Registry) SetTags(jobID string, tags []string, observers ...func(*model.Job)) (*model.Job, error) {
	normalized := model.NormalizeTags(tags)

	r.mu.Lock()
	e, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return nil, model.NewNotFoundError("job", jobID)
	}
	old := e.meta.Load()
	for _, t := range old.tags {
		removeIndex(r.byTag, t, jobID)
	}
	for _, t := range normalized {
		addIndex(r.byTag, t, jobID)
	}
	updated := r.now()
	if updated.Before(old.updated) {
		updated = old.updated
	}
	e.meta.Store(&jobMeta{tags: normalized, updated: updated})
	j := e.view()
	for _, observe := range observers {
		observe(j)
	}
	r.mu.Unlock()
	return j, nil
}

// Scope narrows a snapshot using the registry indexes.
type Scope struct {
	ClientID string
	JobID    string
	// AnyTag keeps only jobs carrying at least one of these tags.
	AnyTag []string
}

// Snapshot returns the current views of every job matching scope. Each
// shard is read at its latest published record; shards are not read at one
// common instant.
func (r *Registry) Snapshot(scope Scope) []*model.Job {
	r.mu.RLock()
	entries := r.candidatesLocked(scope)
	r.mu.RUnlock()

	out := make([]*model.Job, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.view())
	}
	return out
}

func (r *Registry) candidatesLocked(scope Scope) []*jobEntry {
	if scope.JobID != "" {
		e, ok := r.jobs[scope.JobID]
		if !ok || (scope.ClientID != "" && e.clientID != scope.ClientID) {
			return nil
		}
		return []*jobEntry{e}
	}

	var ids map[string]struct{}
	if scope.ClientID != "" {
		ids = r.byClient[scope.ClientID]
		if len(ids) == 0 {
			return nil
		}
	}
	if len(scope.AnyTag) > 0 {
		tagged := map[string]struct{}{}
		for _, t := range scope.AnyTag {
			for id := range r.byTag[t] {
				if ids != nil {
					if _, ok := ids[id]; !ok {
						continue
					}
				}
				tagged[id] = struct{}{}
			}
		}
		ids = tagged
	}

	if ids == nil {
		out := make([]*jobEntry, 0, len(r.jobs))
		for _, e := range r.jobs {
			out = append(out, e)
		}
		return out
	}
	out := make([]*jobEntry, 0, len(ids))
	for id := range ids {
		out = append(out, r.jobs[id])
	}
	return out
}

func (r *Registry) entry(jobID string) (*jobEntry, error) {
	if jobID == "" {
		return nil, model.NewInvalidArgumentError("job_id", "is required")
	}
	r.mu.RLock()
	e, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if !ok {
		return nil, model.NewNotFoundError("job", jobID)
	}
	return e, nil
}

func (r *Registry) slot(jobID string, shardIndex int) (*slot, error) {
	if shardIndex < 0 {
		return nil, model.NewInvalidArgumentError("shard_index", "must not be negative")
	}
	e, err := r.entry(jobID)
	if err != nil {
		return nil, err
	}
	if shardIndex >= len(e.shards) {
		return nil, model.NewNotFoundError("shard", model.ShardKey(jobID, shardIndex))
	}
	return e.shards[shardIndex], nil
}

func (e *jobEntry) view() *model.Job {
	meta := e.meta.Load()
	j := &model.Job{
		ID:         e.id,
		ClientID:   e.clientID,
		Tags:       append([]string{}, meta.tags...),
		CreateTime: e.created,
		Shards:     make([]model.Shard, 0, len(e.shards)),
	}
	updated := meta.updated
	for _, s := range e.shards {
		v := s.rec.Load().View()
		if v.UpdateTime.After(updated) {
			updated = v.UpdateTime
		}
		j.Shards = append(j.Shards, *v)
	}
	j.UpdateTime = updated
	j.State = model.DeriveJobState(j.Shards)
	return j
}

func addIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = map[string]struct{}{}
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}

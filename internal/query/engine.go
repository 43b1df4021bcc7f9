// Package query answers job listings from the registry.
package query

import (
	"sort"
	"strings"
	"time"

	"github.com/mycelian/shardtracker/internal/model"
	"github.com/mycelian/shardtracker/internal/registry"
)

// Sort keys accepted in ListRequest.SortBy. Aliases are normalized by SortKey.
const (
	SortCreateTime = "create_time"
	SortUpdateTime = "update_time"
	SortID         = "id"
	SortState      = "state"
)

// Snapshotter is the part of the registry the engine reads.
type Snapshotter interface {
	Snapshot(scope registry.Scope) []*model.Job
}

// Engine evaluates ListRequests.
type Engine struct {
	src Snapshotter
}

// NewEngine returns an engine reading from src.
func NewEngine(src Snapshotter) *Engine {
	return &Engine{src: src}
}

// SortKey resolves a requested sort field. The empty key sorts by creation time.
func SortKey(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "create_time", "created_at", "createtime", "created":
		return SortCreateTime, nil
	case "update_time", "updated_at", "updatetime", "updated":
		return SortUpdateTime, nil
	case "id", "job_id", "jobid":
		return SortID, nil
	case "state":
		return SortState, nil
	}
	return "", model.NewInvalidArgumentError("sort_by", "unsupported sort key "+raw)
}

// List returns the jobs matching req in a deterministic order.
func (e *Engine) List(req model.ListRequest) ([]*model.Job, error) {
	key, err := SortKey(req.SortBy)
	if err != nil {
		return nil, err
	}
	// An id lookup answers with at most that job; tags and max_jobs do not apply.
	if req.ID != "" {
		return e.src.Snapshot(registry.Scope{ClientID: req.ClientID, JobID: req.ID}), nil
	}
	if !req.ReturnAll && req.MaxJobs <= 0 {
		return []*model.Job{}, nil
	}

	include := model.NormalizeTags(req.IncludeTags)
	jobs := e.src.Snapshot(registry.Scope{ClientID: req.ClientID, AnyTag: include})

	exclude := model.NormalizeTags(req.ExcludeTags)
	out := jobs[:0]
	for _, j := range jobs {
		if len(include) > 0 && !hasAny(j, include) {
			continue
		}
		if hasAny(j, exclude) {
			continue
		}
		out = append(out, j)
	}

	sortJobs(out, key, req.SortReverse)

	if !req.ReturnAll && len(out) > req.MaxJobs {
		out = out[:req.MaxJobs]
	}
	return out, nil
}

func hasAny(j *model.Job, tags []string) bool {
	for _, t := range tags {
		if j.HasTag(t) {
			return true
		}
	}
	return false
}

func sortJobs(jobs []*model.Job, key string, reverse bool) {
	cmp := func(a, b *model.Job) int {
		switch key {
		case SortUpdateTime:
			return compareTime(a.UpdateTime, b.UpdateTime)
		case SortState:
			return a.State.Rank() - b.State.Rank()
		case SortID:
			return 0
		default:
			return compareTime(a.CreateTime, b.CreateTime)
		}
	}
	sort.Slice(jobs, func(i, k int) bool {
		a, b := jobs[i], jobs[k]
		c := cmp(a, b)
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		if reverse {
			return c > 0
		}
		return c < 0
	})
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

package model

import (
	"sort"
	"strconv"
	"time"
)

// AnyVersion lets a scheduler assign a shard without tracking its version.
// Every other shard mutation must propose the stored version; shards start at
// version 1, so AnyVersion is rejected there like any stale version.
const AnyVersion uint64 = 0

// InitialVersion is the version a shard carries right after job submission.
const InitialVersion uint64 = 1

// ShardState is the lifecycle state of a single shard.
type ShardState string

const (
	ShardQueued    ShardState = "Queued"
	ShardAssigned  ShardState = "Assigned"
	ShardExecuting ShardState = "Executing"
	ShardCompleted ShardState = "Completed"
	ShardFailed    ShardState = "Failed"
	ShardCancelled ShardState = "Cancelled"
)

// Terminal reports whether no further state changes are possible.
func (s ShardState) Terminal() bool {
	return s == ShardCompleted || s == ShardFailed || s == ShardCancelled
}

// Rank orders shard states by lifecycle progress; used for sort_by=state.
func (s ShardState) Rank() int {
	switch s {
	case ShardQueued:
		return 0
	case ShardAssigned:
		return 1
	case ShardExecuting:
		return 2
	case ShardCompleted:
		return 3
	case ShardFailed:
		return 4
	case ShardCancelled:
		return 5
	default:
		return 6
	}
}

// ExecutionState is the state of one node's attempt at a shard.
type ExecutionState string

const (
	ExecutionRequested ExecutionState = "requested"
	ExecutionRunning   ExecutionState = "running"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionFailed    ExecutionState = "failed"
	ExecutionCancelled ExecutionState = "cancelled"
)

// Terminal reports whether the execution can no longer change state.
func (s ExecutionState) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// Valid reports whether s is one of the known execution states.
func (s ExecutionState) Valid() bool {
	switch s {
	case ExecutionRequested, ExecutionRunning, ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Execution is one node's attempt to run a shard.
type Execution struct {
	ID         string         `json:"ID"`
	NodeID     string         `json:"NodeID"`
	State      ExecutionState `json:"State"`
	CreateTime time.Time      `json:"CreateTime"`
	StartTime  *time.Time     `json:"StartTime,omitempty"`
	EndTime    *time.Time     `json:"EndTime,omitempty"`
	Result     string         `json:"Result,omitempty"`
	Error      string         `json:"Error,omitempty"`
}

// ExecutionUpdate carries the metadata a node reports along with a state change.
type ExecutionUpdate struct {
	Result string
	Error  string
	// Retriable is consulted only for failed reports. A nil value means retriable.
	Retriable *bool
}

// Shard is an independently schedulable partition of a job.
type Shard struct {
	JobID               string      `json:"JobID"`
	ShardIndex          int         `json:"ShardIndex"`
	State               ShardState  `json:"State"`
	Version             uint64      `json:"Version"`
	CreateTime          time.Time   `json:"CreateTime"`
	UpdateTime          time.Time   `json:"UpdateTime"`
	AssignedNode        string      `json:"AssignedNode,omitempty"`
	AcceptedExecutionID string      `json:"AcceptedExecutionID,omitempty"`
	FailureReason       string      `json:"FailureReason,omitempty"`
	Executions          []Execution `json:"Executions"`
}

// Key identifies the shard across jobs.
func (s *Shard) Key() string { return ShardKey(s.JobID, s.ShardIndex) }

// ShardKey formats the registry key of a shard.
func ShardKey(jobID string, shardIndex int) string {
	return jobID + "/" + strconv.Itoa(shardIndex)
}

// Job is a unit of work submitted by a client, decomposed into shards.
type Job struct {
	ID         string     `json:"ID"`
	ClientID   string     `json:"ClientID,omitempty"`
	State      ShardState `json:"State"`
	Tags       []string   `json:"Tags"`
	CreateTime time.Time  `json:"CreateTime"`
	UpdateTime time.Time  `json:"UpdateTime"`
	Shards     []Shard    `json:"Shards"`
}

// HasTag reports whether the job carries tag.
func (j *Job) HasTag(tag string) bool {
	for _, t := range j.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// DeriveJobState folds shard states into a job-level state.
func DeriveJobState(shards []Shard) ShardState {
	if len(shards) == 0 {
		return ShardQueued
	}
	var terminal, failed, cancelled, executing, assigned int
	for i := range shards {
		switch shards[i].State {
		case ShardFailed:
			failed++
			terminal++
		case ShardCancelled:
			cancelled++
			terminal++
		case ShardCompleted:
			terminal++
		case ShardExecuting:
			executing++
		case ShardAssigned:
			assigned++
		}
	}
	switch {
	case terminal == len(shards) && failed > 0:
		return ShardFailed
	case terminal == len(shards) && cancelled > 0:
		return ShardCancelled
	case terminal == len(shards):
		return ShardCompleted
	case executing > 0 || terminal > 0:
		return ShardExecuting
	case assigned > 0:
		return ShardAssigned
	default:
		return ShardQueued
	}
}

// NormalizeTags trims duplicates and empty values and returns a sorted copy.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ListRequest captures the filters used when listing jobs.
type ListRequest struct {
	ClientID    string   `json:"client_id,omitempty"`
	IncludeTags []string `json:"include_tags,omitempty"`
	ExcludeTags []string `json:"exclude_tags,omitempty"`
	ID          string   `json:"id,omitempty"`
	MaxJobs     int      `json:"max_jobs"`
	ReturnAll   bool     `json:"return_all"`
	SortBy      string   `json:"sort_by,omitempty"`
	SortReverse bool     `json:"sort_reverse"`
}

// SubmitJobRequest describes a job to create.
type SubmitJobRequest struct {
	ID         string
	ClientID   string
	ShardCount int
	Tags       []string
}

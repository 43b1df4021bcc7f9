package model

import "time"

// JobEventName identifies what an accepted transition did.
type JobEventName string

const (
	EventJobCreated         JobEventName = "JobCreated"
	EventJobTagsUpdated     JobEventName = "JobTagsUpdated"
	EventShardAssigned      JobEventName = "ShardAssigned"
	EventExecutionRequested JobEventName = "ExecutionRequested"
	EventExecutionReported  JobEventName = "ExecutionReported"
	EventShardCompleted     JobEventName = "ShardCompleted"
	EventShardFailed        JobEventName = "ShardFailed"
	EventShardCancelled     JobEventName = "ShardCancelled"
)

// NoShard is the ShardIndex of events about the job as a whole.
const NoShard = -1

// JobEvent records one accepted transition of a job or one of its shards.
// Seq numbers a job's events from 1 in the order they were accepted.
type JobEvent struct {
	JobID          string         `json:"JobID"`
	Seq            uint64         `json:"Seq"`
	Name           JobEventName   `json:"Name"`
	ShardIndex     int            `json:"ShardIndex"`
	ShardState     ShardState     `json:"ShardState,omitempty"`
	ShardVersion   uint64         `json:"ShardVersion,omitempty"`
	NodeID         string         `json:"NodeID,omitempty"`
	ExecutionID    string         `json:"ExecutionID,omitempty"`
	ExecutionState ExecutionState `json:"ExecutionState,omitempty"`
	Detail         string         `json:"Detail,omitempty"`
	EventTime      time.Time      `json:"EventTime"`
}

// ShardEvent starts an event describing s as it stands after the transition.
func ShardEvent(name JobEventName, s *Shard) JobEvent {
	return JobEvent{
		JobID:        s.JobID,
		Name:         name,
		ShardIndex:   s.ShardIndex,
		ShardState:   s.State,
		ShardVersion: s.Version,
		NodeID:       s.AssignedNode,
		EventTime:    s.UpdateTime,
	}
}

// WithExecution attaches the execution a transition touched.
func (e JobEvent) WithExecution(x Execution) JobEvent {
	e.NodeID = x.NodeID
	e.ExecutionID = x.ID
	e.ExecutionState = x.State
	return e
}

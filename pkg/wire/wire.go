// Package wire defines the JSON records exchanged between the tracker's HTTP
// API and its clients, with explicit conversions to and from the domain model.
// Record field names are a stable contract.
package wire

import (
	"time"

	"github.com/go-openapi/strfmt"

	"github.com/mycelian/shardtracker/internal/model"
)

// ------------------------------
// Records
// ------------------------------

// ExecutionRecord is one node's attempt at a shard.
type ExecutionRecord struct {
	ID         string           `json:"ID"`
	NodeID     string           `json:"NodeID"`
	State      string           `json:"State"`
	CreateTime strfmt.DateTime  `json:"CreateTime"`
	StartTime  *strfmt.DateTime `json:"StartTime,omitempty"`
	EndTime    *strfmt.DateTime `json:"EndTime,omitempty"`
	Result     string           `json:"Result,omitempty"`
	Error      string           `json:"Error,omitempty"`
}

// ShardRecord is the persisted/transmitted form of a shard.
type ShardRecord struct {
	JobID               string            `json:"JobID"`
	ShardIndex          int               `json:"ShardIndex"`
	State               string            `json:"State"`
	Version             uint64            `json:"Version"`
	CreateTime          strfmt.DateTime   `json:"CreateTime"`
	UpdateTime          strfmt.DateTime   `json:"UpdateTime"`
	AssignedNode        string            `json:"AssignedNode,omitempty"`
	AcceptedExecutionID string            `json:"AcceptedExecutionID,omitempty"`
	FailureReason       string            `json:"FailureReason,omitempty"`
	Executions          []ExecutionRecord `json:"Executions"`
}

// JobRecord is a job together with all of its shards.
type JobRecord struct {
	ID         string          `json:"ID"`
	ClientID   string          `json:"ClientID,omitempty"`
	State      string          `json:"State"`
	Tags       []string        `json:"Tags"`
	CreateTime strfmt.DateTime `json:"CreateTime"`
	UpdateTime strfmt.DateTime `json:"UpdateTime"`
	Shards     []ShardRecord   `json:"Shards"`
}

// JobEventRecord is one entry of a job's event log. ShardIndex is -1 for
// events about the job as a whole.
type JobEventRecord struct {
	JobID          string          `json:"JobID"`
	Seq            uint64          `json:"Seq"`
	Name           string          `json:"Name"`
	ShardIndex     int             `json:"ShardIndex"`
	ShardState     string          `json:"ShardState,omitempty"`
	ShardVersion   uint64          `json:"ShardVersion,omitempty"`
	NodeID         string          `json:"NodeID,omitempty"`
	ExecutionID    string          `json:"ExecutionID,omitempty"`
	ExecutionState string          `json:"ExecutionState,omitempty"`
	Detail         string          `json:"Detail,omitempty"`
	EventTime      strfmt.DateTime `json:"EventTime"`
}

// ------------------------------
// Requests and responses
// ------------------------------

// SubmitJobRequest is the payload for POST /api/jobs.
type SubmitJobRequest struct {
	ID         string   `json:"id,omitempty"`
	ClientID   string   `json:"clientId,omitempty"`
	ShardCount int      `json:"shardCount"`
	Tags       []string `json:"tags,omitempty"`
}

// UpdateTagsRequest is the payload for PUT /api/jobs/{jobId}/tags.
type UpdateTagsRequest struct {
	Tags []string `json:"tags"`
}

// AssignRequest is the payload for POST .../shards/{shardIndex}/assign.
// Version may be omitted by schedulers that do not track it. Every other
// shard request must carry the version it was computed against.
type AssignRequest struct {
	NodeID  string `json:"nodeId"`
	Version uint64 `json:"version,omitempty"`
}

// AttemptRequest is the payload for POST .../shards/{shardIndex}/executions.
type AttemptRequest struct {
	NodeID  string `json:"nodeId"`
	Version uint64 `json:"version"`
}

// CompleteRequest is the payload for POST .../shards/{shardIndex}/complete.
type CompleteRequest struct {
	ExecutionID string `json:"executionId"`
	Version     uint64 `json:"version"`
}

// FailRequest is the payload for POST .../shards/{shardIndex}/fail.
type FailRequest struct {
	Reason  string `json:"reason,omitempty"`
	Version uint64 `json:"version"`
}

// CancelRequest is the payload for POST .../shards/{shardIndex}/cancel.
type CancelRequest struct {
	Version uint64 `json:"version"`
}

// ReportRequest is the payload for PATCH /api/executions/{executionId}.
type ReportRequest struct {
	State     string `json:"state"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Retriable *bool  `json:"retriable,omitempty"`
	Version   uint64 `json:"version"`
}

// ExecutionResponse carries a shard and the execution an operation touched.
type ExecutionResponse struct {
	Shard     ShardRecord     `json:"shard"`
	Execution ExecutionRecord `json:"execution"`
}

// JobList is the response of the list endpoints.
type JobList struct {
	Jobs  []JobRecord `json:"jobs"`
	Count int         `json:"count"`
}

// ExecutionList is the response of GET .../executions.
type ExecutionList struct {
	Executions []ExecutionRecord `json:"executions"`
	Count      int               `json:"count"`
}

// JobEventList is the response of GET /api/jobs/{jobId}/events.
type JobEventList struct {
	Events []JobEventRecord `json:"events"`
	Count  int              `json:"count"`
}

// ErrorResponse is the body of every non-2xx response. Current is set on
// 409 responses caused by a shard conflict.
type ErrorResponse struct {
	Error   string       `json:"error"`
	Code    int          `json:"code"`
	Message string       `json:"message,omitempty"`
	Field   string       `json:"field,omitempty"`
	Current *ShardRecord `json:"current,omitempty"`
}

// ------------------------------
// Conversions
// ------------------------------

func ExecutionRecordFrom(e model.Execution) ExecutionRecord {
	return ExecutionRecord{
		ID:         e.ID,
		NodeID:     e.NodeID,
		State:      string(e.State),
		CreateTime: strfmt.DateTime(e.CreateTime),
		StartTime:  dateTimePtr(e.StartTime),
		EndTime:    dateTimePtr(e.EndTime),
		Result:     e.Result,
		Error:      e.Error,
	}
}

func ShardRecordFrom(s *model.Shard) ShardRecord {
	out := ShardRecord{
		JobID:               s.JobID,
		ShardIndex:          s.ShardIndex,
		State:               string(s.State),
		Version:             s.Version,
		CreateTime:          strfmt.DateTime(s.CreateTime),
		UpdateTime:          strfmt.DateTime(s.UpdateTime),
		AssignedNode:        s.AssignedNode,
		AcceptedExecutionID: s.AcceptedExecutionID,
		FailureReason:       s.FailureReason,
		Executions:          make([]ExecutionRecord, 0, len(s.Executions)),
	}
	for _, e := range s.Executions {
		out.Executions = append(out.Executions, ExecutionRecordFrom(e))
	}
	return out
}

func JobRecordFrom(j *model.Job) JobRecord {
	out := JobRecord{
		ID:         j.ID,
		ClientID:   j.ClientID,
		State:      string(j.State),
		Tags:       append([]string{}, j.Tags...),
		CreateTime: strfmt.DateTime(j.CreateTime),
		UpdateTime: strfmt.DateTime(j.UpdateTime),
		Shards:     make([]ShardRecord, 0, len(j.Shards)),
	}
	for i := range j.Shards {
		out.Shards = append(out.Shards, ShardRecordFrom(&j.Shards[i]))
	}
	return out
}

func JobListFrom(jobs []*model.Job) JobList {
	out := JobList{Jobs: make([]JobRecord, 0, len(jobs)), Count: len(jobs)}
	for _, j := range jobs {
		out.Jobs = append(out.Jobs, JobRecordFrom(j))
	}
	return out
}

func JobEventRecordFrom(e model.JobEvent) JobEventRecord {
	return JobEventRecord{
		JobID:          e.JobID,
		Seq:            e.Seq,
		Name:           string(e.Name),
		ShardIndex:     e.ShardIndex,
		ShardState:     string(e.ShardState),
		ShardVersion:   e.ShardVersion,
		NodeID:         e.NodeID,
		ExecutionID:    e.ExecutionID,
		ExecutionState: string(e.ExecutionState),
		Detail:         e.Detail,
		EventTime:      strfmt.DateTime(e.EventTime),
	}
}

func JobEventListFrom(evts []model.JobEvent) JobEventList {
	out := JobEventList{Events: make([]JobEventRecord, 0, len(evts)), Count: len(evts)}
	for _, e := range evts {
		out.Events = append(out.Events, JobEventRecordFrom(e))
	}
	return out
}

// Execution converts the record back to the domain model.
func (r ExecutionRecord) Execution() model.Execution {
	return model.Execution{
		ID:         r.ID,
		NodeID:     r.NodeID,
		State:      model.ExecutionState(r.State),
		CreateTime: time.Time(r.CreateTime),
		StartTime:  timePtr(r.StartTime),
		EndTime:    timePtr(r.EndTime),
		Result:     r.Result,
		Error:      r.Error,
	}
}

// Shard converts the record back to the domain model.
func (r ShardRecord) Shard() *model.Shard {
	out := &model.Shard{
		JobID:               r.JobID,
		ShardIndex:          r.ShardIndex,
		State:               model.ShardState(r.State),
		Version:             r.Version,
		CreateTime:          time.Time(r.CreateTime),
		UpdateTime:          time.Time(r.UpdateTime),
		AssignedNode:        r.AssignedNode,
		AcceptedExecutionID: r.AcceptedExecutionID,
		FailureReason:       r.FailureReason,
		Executions:          make([]model.Execution, 0, len(r.Executions)),
	}
	for _, e := range r.Executions {
		out.Executions = append(out.Executions, e.Execution())
	}
	return out
}

func dateTimePtr(t *time.Time) *strfmt.DateTime {
	if t == nil {
		return nil
	}
	d := strfmt.DateTime(*t)
	return &d
}

func timePtr(d *strfmt.DateTime) *time.Time {
	if d == nil {
		return nil
	}
	t := time.Time(*d)
	return &t
}

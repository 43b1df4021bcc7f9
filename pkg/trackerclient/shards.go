package trackerclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mycelian/shardtracker/pkg/wire"
)

func (c *Client) GetShard(ctx context.Context, jobID string, shardIndex int) (*wire.ShardRecord, error) {
	return c.shardCall(ctx, http.MethodGet, shardPath(jobID, shardIndex), nil)
}

// AssignShard records the scheduler's node choice. version must equal the
// shard's current version, or be 0 to assign regardless. Every other shard
// call requires the current version.
func (c *Client) AssignShard(ctx context.Context, jobID string, shardIndex int, nodeID string, version uint64) (*wire.ShardRecord, error) {
	return c.shardCall(ctx, http.MethodPost, shardPath(jobID, shardIndex)+"/assign", wire.AssignRequest{NodeID: nodeID, Version: version})
}

// RecordAttempt starts a new execution of the shard on nodeID.
func (c *Client) RecordAttempt(ctx context.Context, jobID string, shardIndex int, nodeID string, version uint64) (*wire.ExecutionResponse, error) {
	var out wire.ExecutionResponse
	err := c.do(ctx, http.MethodPost, shardPath(jobID, shardIndex)+"/executions",
		wire.AttemptRequest{NodeID: nodeID, Version: version}, &out, nil)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportExecution reports a state change of an execution.
func (c *Client) ReportExecution(ctx context.Context, executionID string, req wire.ReportRequest) (*wire.ExecutionResponse, error) {
	var out wire.ExecutionResponse
	if err := c.do(ctx, http.MethodPatch, "/api/executions/"+url.PathEscape(executionID), req, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// History lists every execution of the shard. With nodeID set only that
// node's executions are returned; activeOnly restricts to running ones.
func (c *Client) History(ctx context.Context, jobID string, shardIndex int, nodeID string, activeOnly bool) (*wire.ExecutionList, error) {
	params := map[string]string{}
	if nodeID != "" {
		params["nodeId"] = nodeID
	}
	if activeOnly {
		params["active"] = "true"
	}
	var out wire.ExecutionList
	if err := c.do(ctx, http.MethodGet, shardPath(jobID, shardIndex)+"/executions", nil, &out, params); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CompleteShard(ctx context.Context, jobID string, shardIndex int, executionID string, version uint64) (*wire.ShardRecord, error) {
	return c.shardCall(ctx, http.MethodPost, shardPath(jobID, shardIndex)+"/complete", wire.CompleteRequest{ExecutionID: executionID, Version: version})
}

func (c *Client) FailShard(ctx context.Context, jobID string, shardIndex int, reason string, version uint64) (*wire.ShardRecord, error) {
	return c.shardCall(ctx, http.MethodPost, shardPath(jobID, shardIndex)+"/fail", wire.FailRequest{Reason: reason, Version: version})
}

func (c *Client) CancelShard(ctx context.Context, jobID string, shardIndex int, version uint64) (*wire.ShardRecord, error) {
	return c.shardCall(ctx, http.MethodPost, shardPath(jobID, shardIndex)+"/cancel", wire.CancelRequest{Version: version})
}

func (c *Client) shardCall(ctx context.Context, method, path string, body any) (*wire.ShardRecord, error) {
	var out wire.ShardRecord
	if err := c.do(ctx, method, path, body, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func shardPath(jobID string, shardIndex int) string {
	return jobPath(jobID) + "/shards/" + strconv.Itoa(shardIndex)
}

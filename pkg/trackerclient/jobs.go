package trackerclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mycelian/shardtracker/pkg/wire"
)

// ListOptions selects jobs for ListJobs. MaxJobs of 0 leaves the server default.
type ListOptions struct {
	ClientID    string
	IncludeTags []string
	ExcludeTags []string
	ID          string
	MaxJobs     int
	ReturnAll   bool
	SortBy      string
	SortReverse bool
}

func (o ListOptions) params() map[string]string {
	p := map[string]string{}
	set := func(k, v string) {
		if v != "" {
			p[k] = v
		}
	}
	set("client_id", o.ClientID)
	set("include_tags", strings.Join(o.IncludeTags, ","))
	set("exclude_tags", strings.Join(o.ExcludeTags, ","))
	set("id", o.ID)
	set("sort_by", o.SortBy)
	if o.MaxJobs != 0 {
		p["max_jobs"] = strconv.Itoa(o.MaxJobs)
	}
	if o.ReturnAll {
		p["return_all"] = "true"
	}
	if o.SortReverse {
		p["sort_reverse"] = "true"
	}
	return p
}

func (c *Client) SubmitJob(ctx context.Context, req wire.SubmitJobRequest) (*wire.JobRecord, error) {
	var out wire.JobRecord
	if err := c.do(ctx, http.MethodPost, "/api/jobs", req, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*wire.JobRecord, error) {
	var out wire.JobRecord
	if err := c.do(ctx, http.MethodGet, jobPath(jobID), nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListJobs(ctx context.Context, opts ListOptions) (*wire.JobList, error) {
	var out wire.JobList
	if err := c.do(ctx, http.MethodGet, "/api/jobs", nil, &out, opts.params()); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateJobTags(ctx context.Context, jobID string, tags []string) (*wire.JobRecord, error) {
	var out wire.JobRecord
	if err := c.do(ctx, http.MethodPut, jobPath(jobID)+"/tags", wire.UpdateTagsRequest{Tags: tags}, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelJob cancels every shard of the job that is not yet terminal.
func (c *Client) CancelJob(ctx context.Context, jobID string) (*wire.JobRecord, error) {
	var out wire.JobRecord
	if err := c.do(ctx, http.MethodPost, jobPath(jobID)+"/cancel", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// JobEvents returns the job's events numbered after `after`. A positive wait
// long-polls until one exists; the server caps it at 10s.
func (c *Client) JobEvents(ctx context.Context, jobID string, after uint64, wait time.Duration) (*wire.JobEventList, error) {
	params := map[string]string{}
	if after > 0 {
		params["after"] = strconv.FormatUint(after, 10)
	}
	if wait > 0 {
		params["wait"] = wait.String()
	}
	var out wire.JobEventList
	if err := c.do(ctx, http.MethodGet, jobPath(jobID)+"/events", nil, &out, params); err != nil {
		return nil, err
	}
	return &out, nil
}

func jobPath(jobID string) string { return "/api/jobs/" + url.PathEscape(jobID) }

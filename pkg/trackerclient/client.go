// Package trackerclient is a Go SDK for the shard tracker HTTP API.
package trackerclient

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/mycelian/shardtracker/pkg/wire"
)

// Client talks to one tracker instance. It is safe for concurrent use.
type Client struct {
	rc *resty.Client
}

// New constructs a Client for the tracker at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		rc: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Content-Type", "application/json").
			SetTimeout(30 * time.Second),
	}

	// Auto-enable debug via env variable without changing code.
	if os.Getenv("SHARD_TRACKER_DEBUG") == "true" {
		opts = append(opts, WithDebugLogging(true))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do sends a request and decodes a 2xx body into out. Non-2xx responses are
// returned as *APIError, or *ConflictError for 409.
func (c *Client) do(ctx context.Context, method, path string, body, out any, params map[string]string) error {
	req := c.rc.R().SetContext(ctx).SetError(&wire.ErrorResponse{})
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	if len(params) > 0 {
		req.SetQueryParams(params)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}

	apiErr := &APIError{Status: resp.StatusCode()}
	if er, ok := resp.Error().(*wire.ErrorResponse); ok && er != nil {
		apiErr.Message = er.Message
		apiErr.Field = er.Field
		if resp.StatusCode() == http.StatusConflict {
			log.Debug().Str("path", path).Str("field", er.Field).Msg("tracker conflict")
			return &ConflictError{APIError: *apiErr, Current: er.Current}
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = resp.String()
	}
	return apiErr
}

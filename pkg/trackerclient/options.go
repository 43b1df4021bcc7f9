package trackerclient

import (
	"net/http"
	"time"
)

// Option mutates the Client during New().
type Option func(*Client)

// WithHTTPClient injects a custom *http.Client, e.g. for custom transports.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.rc.SetTransport(hc.Transport)
			if hc.Timeout > 0 {
				c.rc.SetTimeout(hc.Timeout)
			}
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.rc.SetTimeout(d) }
}

// WithDebugLogging dumps every request and response through resty's debug log.
func WithDebugLogging(enabled bool) Option {
	return func(c *Client) { c.rc.SetDebug(enabled) }
}

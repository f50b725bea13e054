package stream

import (
	"log/slog"

	"github.com/viewkit/rescache/telemetry"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used by the client. Defaults to a discard
// logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEvents sets the telemetry sink for dropped frames and failed
// resources. Defaults to a no-op sink.
func WithEvents(events telemetry.Events) Option {
	return func(c *Client) {
		if events != nil {
			c.events = events
		}
	}
}

// WithResourcesHandler sets the handler invoked for each decoded payload
// frame.
func WithResourcesHandler(fn ResourcesFunc) Option {
	return func(c *Client) {
		c.onResources = fn
	}
}

// WithFailureHandler sets the handler invoked for each definitive per-hash
// failure.
func WithFailureHandler(fn FailureFunc) Option {
	return func(c *Client) {
		c.onFailure = fn
	}
}

package rescache

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/viewkit/rescache/stream"
	"github.com/viewkit/rescache/telemetry"
)

// Option configures a Client.
type Option func(*Client) error

// --- Transport Options ---

// WithEndpoint sets the websocket endpoint Connect dials (ws:// or wss://).
func WithEndpoint(endpoint string) Option {
	return func(c *Client) error {
		if endpoint == "" {
			return errors.New("rescache: empty endpoint")
		}
		c.endpoint = endpoint
		return nil
	}
}

// WithConn hands Connect an established connection to adopt instead of
// dialing. The connection is used once; a later Connect dials the endpoint.
// Useful for tests and custom transports.
func WithConn(conn stream.Conn) Option {
	return func(c *Client) error {
		if conn == nil {
			return errors.New("rescache: nil conn")
		}
		c.conn = conn
		return nil
	}
}

// WithHTTPFallback enables the degraded fetch path: misses GET the request
// URL directly whenever no healthy stream is available. A nil client means
// [http.DefaultClient]; pass a client with a Timeout to bound fallback
// fetches.
func WithHTTPFallback(httpc *http.Client) Option {
	return func(c *Client) error {
		if httpc == nil {
			httpc = http.DefaultClient
		}
		c.httpc = httpc
		return nil
	}
}

// --- Observability Options ---

// WithLogger sets a logger for the client, propagated to the stream it
// connects. If nil, a discard logger is used (default behavior).
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithEvents sets the telemetry sink for cache and stream incidents,
// propagated to the stream. Defaults to [telemetry.Nop].
func WithEvents(events telemetry.Events) Option {
	return func(c *Client) error {
		if events != nil {
			c.events = events
		}
		return nil
	}
}

package rescache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/viewkit/rescache/resource"
	"github.com/viewkit/rescache/store"
	"github.com/viewkit/rescache/stream"
	"github.com/viewkit/rescache/telemetry"
)

// Client ties the cache store to the retrieval transports. Fetch serves
// from the store first and fills misses over the duplex stream, falling
// back to plain HTTP when no healthy stream is available.
type Client struct {
	store  *store.Store
	logger *slog.Logger
	events telemetry.Events

	endpoint string
	conn     stream.Conn
	httpc    *http.Client

	mu      sync.Mutex
	stream  *stream.Client
	waiters map[resource.Hash]*fetchWaiter
	writes  []*store.Write
}

// NewClient creates a client serving fetches from st. The client owns st
// from here on and closes it in Close.
func NewClient(st *store.Store, opts ...Option) (*Client, error) {
	if st == nil {
		return nil, errors.New("rescache: nil store")
	}
	c := &Client{
		store:   st,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		events:  telemetry.Nop{},
		waiters: make(map[resource.Hash]*fetchWaiter),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Connect establishes the duplex resource channel: the connection provided
// via [WithConn] if any, otherwise a websocket dial of the [WithEndpoint]
// URL. A client whose stream has failed permanently may Connect again;
// reconnect policy stays with the caller.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.stream != nil && c.stream.Err() == nil {
		c.mu.Unlock()
		return ErrConnected
	}
	conn := c.conn
	c.conn = nil
	endpoint := c.endpoint
	c.mu.Unlock()

	if conn == nil {
		if endpoint == "" {
			return ErrNoEndpoint
		}
		var err error
		conn, err = stream.DialConn(ctx, endpoint)
		if err != nil {
			return err
		}
	}

	s := stream.NewClient(conn,
		stream.WithLogger(c.logger),
		stream.WithEvents(c.events),
		stream.WithResourcesHandler(c.handleResources),
		stream.WithFailureHandler(c.handleFailure),
	)

	c.mu.Lock()
	old := c.stream
	c.stream = s
	c.mu.Unlock()
	if old != nil {
		_ = old.Close() // already failed, just releases its goroutines
	}
	return nil
}

// StreamErr reports the stream's permanent error. It is nil while the
// stream is healthy and when no stream was ever connected.
func (c *Client) StreamErr() error {
	if s := c.streamClient(); s != nil {
		return s.Err()
	}
	return nil
}

func (c *Client) streamClient() *stream.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// Close shuts down the stream and closes the store. Fetches still waiting
// complete as misses; queued cache writes land before the store closes.
func (c *Client) Close() error {
	var errs []error
	if s := c.streamClient(); s != nil {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

package stream

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/websocket"
)

// Conn is a message-oriented duplex connection to a resource endpoint.
// Implementations must support one concurrent reader alongside one
// concurrent writer.
type Conn interface {
	// Read returns the next inbound message in a buffer the connection
	// will not reuse.
	Read() ([]byte, error)

	// WriteBinary sends one binary frame.
	WriteBinary(p []byte) error

	// WriteText sends one text control message.
	WriteText(s string) error

	Close() error
}

// DialConn opens a websocket connection to endpoint (ws:// or wss://). A
// ctx deadline bounds the dial; it does not bound the connection.
func DialConn(ctx context.Context, endpoint string) (Conn, error) {
	origin, err := originFor(endpoint)
	if err != nil {
		return nil, err
	}
	cfg, err := websocket.NewConfig(endpoint, origin)
	if err != nil {
		return nil, fmt.Errorf("stream: dial %s: %w", endpoint, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		cfg.Dialer = &net.Dialer{Timeout: time.Until(deadline)}
	}
	ws, err := websocket.DialConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("stream: dial %s: %w", endpoint, err)
	}
	return &wsConn{ws: ws}, nil
}

// originFor derives the handshake origin from the endpoint.
func originFor(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("stream: endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("stream: endpoint %q: scheme must be ws or wss", endpoint)
	}
	u.Path, u.RawQuery, u.Fragment = "", "", ""
	return u.String(), nil
}

// wsConn adapts a websocket connection to Conn. The Message codec sends
// []byte as binary frames and string as text frames, which is exactly the
// split the protocol needs.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Read() ([]byte, error) {
	var p []byte
	if err := websocket.Message.Receive(c.ws, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *wsConn) WriteBinary(p []byte) error {
	return websocket.Message.Send(c.ws, p)
}

func (c *wsConn) WriteText(s string) error {
	return websocket.Message.Send(c.ws, s)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

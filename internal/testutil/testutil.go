package testutil

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/viewkit/rescache/resource"
)

// ErrConnClosed is returned by MockConn reads and writes after Close.
var ErrConnClosed = errors.New("testutil: conn closed")

// Hash returns a deterministic 20-byte hash derived from seed.
func Hash(seed byte) resource.Hash {
	var h resource.Hash
	for i := range h {
		h[i] = seed + byte(i)
	}
	return h
}

// ConnWrite is one outbound message captured by a MockConn.
type ConnWrite struct {
	Text bool
	Data []byte
}

// MockConn implements an in-memory duplex message connection for tests.
// The test side pushes inbound frames and observes captured writes.
type MockConn struct {
	inbound chan []byte
	readErr chan error
	writes  chan ConnWrite
	done    chan struct{}
	once    sync.Once
}

// NewMockConn constructs a connection with buffered queues in both
// directions.
func NewMockConn() *MockConn {
	return &MockConn{
		inbound: make(chan []byte, 64),
		readErr: make(chan error, 1),
		writes:  make(chan ConnWrite, 64),
		done:    make(chan struct{}),
	}
}

// Read returns the next pushed frame, blocking until one arrives or the
// connection fails.
func (c *MockConn) Read() ([]byte, error) {
	select {
	case p := <-c.inbound:
		return p, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.done:
		return nil, ErrConnClosed
	}
}

// WriteBinary captures one binary frame.
func (c *MockConn) WriteBinary(p []byte) error {
	return c.write(ConnWrite{Data: append([]byte(nil), p...)})
}

// WriteText captures one text control message.
func (c *MockConn) WriteText(s string) error {
	return c.write(ConnWrite{Text: true, Data: []byte(s)})
}

func (c *MockConn) write(w ConnWrite) error {
	select {
	case c.writes <- w:
		return nil
	case <-c.done:
		return ErrConnClosed
	}
}

// Close releases blocked readers and writers. It is idempotent.
func (c *MockConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Push queues an inbound frame for the client to read.
func (c *MockConn) Push(frame []byte) {
	c.inbound <- frame
}

// FailReads makes the next Read return err, simulating a torn connection.
func (c *MockConn) FailReads(err error) {
	c.readErr <- err
}

// NextWrite returns the next captured outbound message, failing the test
// after a timeout.
func (c *MockConn) NextWrite(tb testing.TB) ConnWrite {
	tb.Helper()
	select {
	case w := <-c.writes:
		return w
	case <-time.After(5 * time.Second):
		tb.Fatal("timed out waiting for an outbound message")
		return ConnWrite{}
	}
}

// NextBinary returns the next captured binary frame, skipping text control
// messages.
func (c *MockConn) NextBinary(tb testing.TB) []byte {
	tb.Helper()
	for {
		if w := c.NextWrite(tb); !w.Text {
			return w.Data
		}
	}
}

// TryNextWrite returns a captured message without blocking.
func (c *MockConn) TryNextWrite() (ConnWrite, bool) {
	select {
	case w := <-c.writes:
		return w, true
	default:
		return ConnWrite{}, false
	}
}

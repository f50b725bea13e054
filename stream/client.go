// Package stream multiplexes hash-keyed resource requests over one
// persistent message-oriented connection.
//
// Requests are queued per account and resource type, then flushed by a
// sender goroutine as batched binary frames, preceded by a text control
// message whenever the active account changes. A receiver goroutine decodes
// inbound frames and hands payloads and per-hash failures to the configured
// handlers. The first connection-level error is permanent: all in-flight
// requests fail, and later requests become logged no-ops. Reconnect policy
// stays with the caller.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/viewkit/rescache/resource"
	"github.com/viewkit/rescache/telemetry"
)

// ErrClosed is the reason in-flight requests fail when Close tears the
// client down.
var ErrClosed = errors.New("stream: client closed")

// accountPrefix leads the text control message that selects the active
// account for subsequent request frames.
const accountPrefix = "/account/"

// ResourcesFunc receives the decoded items of one payload frame in frame
// order. Items with no in-flight match carry an empty lineage id. Payloads
// alias the inbound frame buffer, which is never reused, so retaining them
// is safe.
type ResourcesFunc func(hashes []resource.Hash, lineageIDs []string, payloads [][]byte, rt resource.Type)

// FailureFunc reports a definitive per-hash failure: a server error item,
// a connection-level error, or Close.
type FailureFunc func(h resource.Hash, rt resource.Type, message string)

// request is the in-flight record kept from request-sent to
// response-received.
type request struct {
	url       string
	lineageID string
	rtype     resource.Type
	query     url.Values
}

type typeQueue struct {
	rtype  resource.Type
	hashes []resource.Hash
}

// accountQueue orders pending sends for one account. Accounts flush in
// first-use order so the control message overhead stays minimal.
type accountQueue struct {
	account string
	types   []*typeQueue
}

// Client speaks the resource protocol over a Conn it owns.
type Client struct {
	conn   Conn
	logger *slog.Logger
	events telemetry.Events

	onResources ResourcesFunc
	onFailure   FailureFunc

	mu       sync.Mutex
	inflight map[resource.Hash]request
	queue    []*accountQueue
	broken   error

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClient starts a client on an established connection. The client owns
// the connection from here on and closes it when it fails or is closed.
func NewClient(conn Conn, opts ...Option) *Client {
	c := &Client{
		conn:     conn,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		events:   telemetry.Nop{},
		inflight: make(map[resource.Hash]request),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.With("conn_id", uuid.NewString())

	c.wg.Add(2)
	go c.senderLoop()
	go c.receiverLoop()
	return c
}

// Dial connects to a websocket endpoint and starts a client on it.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Client, error) {
	conn, err := DialConn(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, opts...), nil
}

// RequestResource queues one hash-keyed request and returns immediately.
// The account id is the first path segment of rawurl. Delivery and failure
// arrive through the configured handlers; on a failed client the request is
// dropped with a log line.
func (c *Client) RequestResource(rawurl, lineageID string, h resource.Hash, rt resource.Type, query url.Values) {
	account, err := accountFromURL(rawurl)
	if err != nil {
		c.logger.Warn("request dropped", "hash", h.String(), "error", err)
		return
	}

	c.mu.Lock()
	if c.broken != nil {
		broken := c.broken
		c.mu.Unlock()
		c.logger.Info("request dropped, connection failed", "hash", h.String(), "error", broken)
		return
	}
	c.inflight[h] = request{url: rawurl, lineageID: lineageID, rtype: rt, query: query}
	c.enqueueLocked(account, rt, h)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Err reports the permanent connection error, or nil while the client is
// healthy.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

// Close tears the connection down. Anything still in flight fails with
// ErrClosed through the failure handler. Close waits for both goroutines to
// exit, so it must not be called from inside a handler.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	c.wg.Wait()
	return nil
}

func (c *Client) enqueueLocked(account string, rt resource.Type, h resource.Hash) {
	var aq *accountQueue
	for _, q := range c.queue {
		if q.account == account {
			aq = q
			break
		}
	}
	if aq == nil {
		aq = &accountQueue{account: account}
		c.queue = append(c.queue, aq)
	}
	for _, tq := range aq.types {
		if tq.rtype == rt {
			tq.hashes = append(tq.hashes, h)
			return
		}
	}
	aq.types = append(aq.types, &typeQueue{rtype: rt, hashes: []resource.Hash{h}})
}

func (c *Client) senderLoop() {
	defer c.wg.Done()
	lastAccount := ""
	for {
		select {
		case <-c.stop:
			return
		case <-c.wake:
		}
		lastAccount = c.flush(lastAccount)
	}
}

// flush drains every pending queue in one pass and returns the account the
// connection is left pointing at.
func (c *Client) flush(lastAccount string) string {
	c.mu.Lock()
	queues := c.queue
	c.queue = nil
	broken := c.broken
	c.mu.Unlock()
	if broken != nil {
		return lastAccount
	}

	for _, aq := range queues {
		if aq.account != lastAccount {
			if err := c.conn.WriteText(accountPrefix + aq.account); err != nil {
				c.fail(fmt.Errorf("stream: send account message: %w", err))
				return lastAccount
			}
			lastAccount = aq.account
		}
		for _, tq := range aq.types {
			if err := c.conn.WriteBinary(encodeRequestFrame(tq.rtype, tq.hashes)); err != nil {
				c.fail(fmt.Errorf("stream: send request frame: %w", err))
				return lastAccount
			}
			c.logger.Debug("request frame sent",
				"account", aq.account, "type", tq.rtype.String(), "hashes", len(tq.hashes))
		}
	}
	return lastAccount
}

func (c *Client) receiverLoop() {
	defer c.wg.Done()
	for {
		data, err := c.conn.Read()
		if err != nil {
			c.fail(fmt.Errorf("stream: read: %w", err))
			return
		}
		c.handleFrame(data)
	}
}

// handleFrame dispatches one inbound binary frame. Malformed frames are
// dropped without touching in-flight state.
func (c *Client) handleFrame(data []byte) {
	rt, items, err := decodeFrame(data)
	if err != nil {
		c.logger.Warn("frame dropped", "bytes", len(data), "error", err)
		c.events.FrameDropped(err.Error())
		return
	}
	if len(items) == 0 {
		return
	}
	if rt.IsError() {
		c.handleErrorItems(items)
		return
	}

	hashes := make([]resource.Hash, len(items))
	lineageIDs := make([]string, len(items))
	payloads := make([][]byte, len(items))
	c.mu.Lock()
	for i, item := range items {
		hashes[i] = item.hash
		payloads[i] = item.payload
		if req, ok := c.inflight[item.hash]; ok {
			lineageIDs[i] = req.lineageID
			delete(c.inflight, item.hash)
		} else {
			c.logger.Debug("uncorrelated resource delivered", "hash", item.hash.String())
		}
	}
	c.mu.Unlock()

	if c.onResources != nil {
		c.onResources(hashes, lineageIDs, payloads, rt)
	}
}

// handleErrorItems fails the in-flight requests named by an error frame.
// The payload's leading status bytes are ignored; the rest is the message.
// Error items for unknown hashes are dropped.
func (c *Client) handleErrorItems(items []frameItem) {
	type failure struct {
		hash resource.Hash
		rt   resource.Type
		msg  string
	}
	failures := make([]failure, 0, len(items))

	c.mu.Lock()
	for _, item := range items {
		req, ok := c.inflight[item.hash]
		if !ok {
			c.logger.Debug("uncorrelated failure dropped", "hash", item.hash.String())
			continue
		}
		delete(c.inflight, item.hash)
		msg := ""
		if len(item.payload) > errorCodeSize {
			msg = string(item.payload[errorCodeSize:])
		}
		failures = append(failures, failure{hash: item.hash, rt: req.rtype, msg: msg})
	}
	c.mu.Unlock()

	for _, f := range failures {
		c.logger.Warn("resource failed", "hash", f.hash.String(), "type", f.rt.String(), "message", f.msg)
		c.events.ResourceFailed(byte(f.rt))
		if c.onFailure != nil {
			c.onFailure(f.hash, f.rt, f.msg)
		}
	}
}

// fail moves the client into the permanent-error state. Only the first
// error sticks. Every in-flight request fails with the error's message;
// pending sends are discarded.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.broken != nil {
		c.mu.Unlock()
		return
	}
	c.broken = err
	inflight := c.inflight
	c.inflight = make(map[resource.Hash]request)
	c.queue = nil
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })
	if cerr := c.conn.Close(); cerr != nil {
		c.logger.Debug("connection close", "error", cerr)
	}
	c.logger.Warn("connection failed", "inflight", len(inflight), "error", err)

	if c.onFailure != nil {
		for h, req := range inflight {
			c.onFailure(h, req.rtype, err.Error())
		}
	}
}

// accountFromURL extracts the account id, the first path segment of the
// resource URL.
func accountFromURL(rawurl string) (string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", fmt.Errorf("stream: parse resource url: %w", err)
	}
	account, _, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if account == "" {
		return "", fmt.Errorf("stream: resource url %q has no account segment", rawurl)
	}
	return account, nil
}

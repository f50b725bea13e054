package rescache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/viewkit/rescache/resource"
	"github.com/viewkit/rescache/store"
)

// Request names one resource to fetch and where it lives.
type Request struct {
	// URL is the resource origin. Its first path segment is the account id
	// announced on the stream; the HTTP fallback GETs the URL directly.
	URL string

	// LineageID correlates the resource with the model that referenced it.
	LineageID string

	Hash resource.Hash
	Type resource.Type

	// Bucket is the cache partition the blob is read from and stored to.
	Bucket string

	// Query carries extra parameters for the fallback GET.
	Query url.Values
}

// fetchWaiter collects the completion channels of every Fetch waiting on
// one hash. The first completion wins and removes the entry; each channel
// has room for that single result.
type fetchWaiter struct {
	bucket string
	chans  []chan []byte
}

// Fetch returns the blob for each request, positionally. Cached entries
// are served from the store; misses are requested over the stream or the
// HTTP fallback and awaited. A definitive failure yields nil at its
// position. Concurrent fetches of one hash share a single outstanding
// request. Cancelling ctx abandons the wait, not the retrieval.
func (c *Client) Fetch(ctx context.Context, reqs []Request) ([][]byte, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	hashes := make([]resource.Hash, len(reqs))
	buckets := make([]string, len(reqs))
	for i, r := range reqs {
		hashes[i] = r.Hash
		buckets[i] = r.Bucket
	}
	results, err := c.store.Get(ctx, hashes, buckets)
	if err != nil {
		return nil, err
	}

	var pending []chan []byte
	var dispatch []Request
	c.mu.Lock()
	for i, r := range reqs {
		if results[i] != nil {
			continue
		}
		w, ok := c.waiters[r.Hash]
		if !ok {
			w = &fetchWaiter{bucket: r.Bucket}
			c.waiters[r.Hash] = w
			dispatch = append(dispatch, r)
		}
		ch := make(chan []byte, 1)
		w.chans = append(w.chans, ch)
		if pending == nil {
			pending = make([]chan []byte, len(reqs))
		}
		pending[i] = ch
	}
	c.mu.Unlock()
	if pending == nil {
		return results, nil
	}

	for _, r := range dispatch {
		c.dispatch(ctx, r)
	}

	for i, ch := range pending {
		if ch == nil {
			continue
		}
		select {
		case blob := <-ch:
			results[i] = blob
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return results, nil
}

// Sync joins every opportunistic cache write submitted so far, so callers
// can observe durability before asserting on or reopening the store.
func (c *Client) Sync(ctx context.Context) error {
	c.mu.Lock()
	writes := c.writes
	c.writes = nil
	c.mu.Unlock()

	var errs []error
	for _, w := range writes {
		if err := w.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dispatch routes one miss to a transport. A healthy stream gets the
// request; otherwise the HTTP fallback runs. With no transport at all the
// miss completes as nil immediately.
func (c *Client) dispatch(ctx context.Context, r Request) {
	if s := c.streamClient(); s != nil && s.Err() == nil {
		s.RequestResource(r.URL, r.LineageID, r.Hash, r.Type, r.Query)
		if s.Err() == nil {
			return
		}
		// The stream died around the send. Fall through so the waiter is
		// not stranded; if both paths deliver, the first completion wins.
	}
	if c.httpc != nil {
		go c.fetchHTTP(context.WithoutCancel(ctx), r)
		return
	}
	c.logger.Debug("miss with no transport", "hash", r.Hash.String(), "bucket", r.Bucket)
	c.complete(r.Hash, nil)
}

// fetchHTTP is the degraded path: GET the resource URL directly. Any
// trouble completes the hash as a miss.
func (c *Client) fetchHTTP(ctx context.Context, r Request) {
	target := r.URL
	if len(r.Query) > 0 {
		u, err := url.Parse(r.URL)
		if err != nil {
			c.logger.Warn("fallback fetch url", "url", r.URL, "error", err)
			c.complete(r.Hash, nil)
			return
		}
		q := u.Query()
		for k, vs := range r.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		c.logger.Warn("fallback fetch request", "url", target, "error", err)
		c.complete(r.Hash, nil)
		return
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logger.Warn("fallback fetch", "url", target, "error", err)
		c.complete(r.Hash, nil)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("fallback fetch status", "url", target, "status", resp.StatusCode)
		c.events.ResourceFailed(byte(r.Type))
		c.complete(r.Hash, nil)
		return
	}
	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Warn("fallback fetch body", "url", target, "error", err)
		c.complete(r.Hash, nil)
		return
	}

	c.storeBlobs([]resource.Hash{r.Hash}, []string{r.Bucket}, [][]byte{blob})
	c.complete(r.Hash, blob)
}

// handleResources receives decoded payload frames from the stream, caches
// them opportunistically, and completes the matching waiters. Payloads
// with no waiter have no known bucket and are not cached.
func (c *Client) handleResources(hashes []resource.Hash, lineageIDs []string, payloads [][]byte, rt resource.Type) {
	waiters := make([]*fetchWaiter, len(hashes))
	var (
		storeHashes  []resource.Hash
		storeBuckets []string
		storeBlobs   [][]byte
	)
	c.mu.Lock()
	for i, h := range hashes {
		w, ok := c.waiters[h]
		if !ok {
			continue
		}
		delete(c.waiters, h)
		waiters[i] = w
		storeHashes = append(storeHashes, h)
		storeBuckets = append(storeBuckets, w.bucket)
		storeBlobs = append(storeBlobs, payloads[i])
	}
	c.mu.Unlock()

	if len(storeHashes) > 0 {
		c.storeBlobs(storeHashes, storeBuckets, storeBlobs)
	}
	for i, w := range waiters {
		if w == nil {
			continue
		}
		for _, ch := range w.chans {
			ch <- payloads[i]
		}
	}
}

// handleFailure completes a definitively failed hash as a miss.
func (c *Client) handleFailure(h resource.Hash, rt resource.Type, msg string) {
	c.complete(h, nil)
}

func (c *Client) complete(h resource.Hash, blob []byte) {
	c.mu.Lock()
	w, ok := c.waiters[h]
	delete(c.waiters, h)
	c.mu.Unlock()
	if !ok {
		return
	}
	for _, ch := range w.chans {
		ch <- blob
	}
}

// storeBlobs submits an opportunistic cache write. Trouble is logged,
// never surfaced to the fetch.
func (c *Client) storeBlobs(hashes []resource.Hash, buckets []string, blobs [][]byte) {
	w, err := c.store.Store(context.Background(), hashes, buckets, blobs)
	if err != nil {
		c.logger.Warn("cache store rejected", "blobs", len(blobs), "error", err)
		return
	}
	c.trackWrite(w)
}

// trackWrite keeps the write joinable by Sync, compacting completed ones.
func (c *Client) trackWrite(w *store.Write) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.writes[:0]
	for _, old := range c.writes {
		select {
		case <-old.Done():
		default:
			kept = append(kept, old)
		}
	}
	c.writes = append(kept, w)
}

package rescache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewkit/rescache/internal/testutil"
	"github.com/viewkit/rescache/resource"
)

func TestFetchCacheHit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	h := testutil.Hash(1)

	w, err := st.Store(ctx, []resource.Hash{h}, []string{"models"}, [][]byte{[]byte("mesh")})
	require.NoError(t, err)
	require.NoError(t, w.Wait(ctx))

	c, err := NewClient(st)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	blobs, err := c.Fetch(ctx, []Request{{Hash: h, Bucket: "models"}})
	require.NoError(t, err)
	assert.Equal(t, []byte("mesh"), blobs[0])
}

func TestFetchMissWithoutTransport(t *testing.T) {
	t.Parallel()

	c, err := NewClient(newTestStore(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	blobs, err := c.Fetch(context.Background(), []Request{{
		URL:    "https://cdn.example.com/acme/models/1",
		Hash:   testutil.Hash(1),
		Bucket: "models",
	}})
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Nil(t, blobs[0])
}

func TestFetchEmptyRequests(t *testing.T) {
	t.Parallel()

	c, err := NewClient(newTestStore(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	blobs, err := c.Fetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, blobs)
}

func TestFetchStreamRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, mc := newStreamedClient(t)
	h := testutil.Hash(7)

	res := startFetch(ctx, c, []Request{{
		URL:       "https://cdn.example.com/acme/models/7",
		LineageID: "model-7",
		Hash:      h,
		Type:      resource.TypeGeometry,
		Bucket:    "models",
	}})

	rt, hashes := testutil.DecodeRequestFrame(t, mc.NextBinary(t))
	require.Equal(t, resource.TypeGeometry, rt)
	require.Equal(t, []resource.Hash{h}, hashes)

	mc.Push(testutil.BuildResourceFrame(t, rt, hashes, [][]byte{[]byte("mesh-7")}))

	r := awaitFetch(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, []byte("mesh-7"), r.blobs[0])

	// The delivered blob was cached opportunistically.
	require.NoError(t, c.Sync(ctx))
	got, err := c.store.Get(ctx, []resource.Hash{h}, []string{"models"})
	require.NoError(t, err)
	assert.Equal(t, []byte("mesh-7"), got[0])
}

func TestFetchSameHashSharedRequest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, mc := newStreamedClient(t)
	h := testutil.Hash(3)
	req := Request{
		URL:       "https://cdn.example.com/acme/models/3",
		LineageID: "model-3",
		Hash:      h,
		Type:      resource.TypeGeometry,
		Bucket:    "models",
	}

	res := startFetch(ctx, c, []Request{req, req})

	_, hashes := testutil.DecodeRequestFrame(t, mc.NextBinary(t))
	require.Equal(t, []resource.Hash{h}, hashes, "duplicate requests collapse to one hash")

	mc.Push(testutil.BuildResourceFrame(t, resource.TypeGeometry, hashes, [][]byte{[]byte("mesh-3")}))

	r := awaitFetch(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, []byte("mesh-3"), r.blobs[0])
	assert.Equal(t, []byte("mesh-3"), r.blobs[1])

	if w, ok := mc.TryNextWrite(); ok {
		t.Fatalf("unexpected extra write %+v", w)
	}
}

func TestFetchServerFailureYieldsNil(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, mc := newStreamedClient(t)
	h := testutil.Hash(4)

	res := startFetch(ctx, c, []Request{{
		URL:    "https://cdn.example.com/acme/models/4",
		Hash:   h,
		Type:   resource.TypeGeometry,
		Bucket: "models",
	}})

	_, hashes := testutil.DecodeRequestFrame(t, mc.NextBinary(t))
	mc.Push(testutil.BuildErrorFrame(t, hashes, []string{"not found"}))

	r := awaitFetch(t, res)
	require.NoError(t, r.err)
	assert.Nil(t, r.blobs[0])
}

func TestFetchHTTPFallback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gotRev := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/acme/models/9" {
			http.NotFound(w, r)
			return
		}
		gotRev <- r.URL.Query().Get("rev")
		_, _ = w.Write([]byte("mesh-9"))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(newTestStore(t), WithHTTPFallback(srv.Client()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	h := testutil.Hash(9)
	blobs, err := c.Fetch(ctx, []Request{{
		URL:    srv.URL + "/acme/models/9",
		Hash:   h,
		Type:   resource.TypeGeometry,
		Bucket: "models",
		Query:  url.Values{"rev": {"3"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, []byte("mesh-9"), blobs[0])
	assert.Equal(t, "3", <-gotRev)

	// Fallback fetches are cached like stream deliveries.
	require.NoError(t, c.Sync(ctx))
	got, err := c.store.Get(ctx, []resource.Hash{h}, []string{"models"})
	require.NoError(t, err)
	assert.Equal(t, []byte("mesh-9"), got[0])

	// A failing GET is a definitive miss.
	blobs, err = c.Fetch(ctx, []Request{{
		URL:    srv.URL + "/missing",
		Hash:   testutil.Hash(10),
		Bucket: "models",
	}})
	require.NoError(t, err)
	assert.Nil(t, blobs[0])
}

func TestFetchFallbackAfterStreamFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fallback-bytes"))
	}))
	t.Cleanup(srv.Close)

	c, mc := newStreamedClient(t, WithHTTPFallback(srv.Client()))

	mc.FailReads(errors.New("stream torn"))
	require.Eventually(t, func() bool { return c.StreamErr() != nil },
		2*time.Second, 10*time.Millisecond)

	blobs, err := c.Fetch(ctx, []Request{{
		URL:    srv.URL + "/acme/models/5",
		Hash:   testutil.Hash(5),
		Type:   resource.TypeGeometry,
		Bucket: "models",
	}})
	require.NoError(t, err)
	assert.Equal(t, []byte("fallback-bytes"), blobs[0])
}

func TestFetchContextBoundsWait(t *testing.T) {
	t.Parallel()

	c, mc := newStreamedClient(t)
	h := testutil.Hash(6)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := startFetch(ctx, c, []Request{{
		URL:    "https://cdn.example.com/acme/models/6",
		Hash:   h,
		Type:   resource.TypeGeometry,
		Bucket: "models",
	}})

	mc.NextBinary(t) // request sent, but no response comes

	r := awaitFetch(t, res)
	require.ErrorIs(t, r.err, context.DeadlineExceeded)
}

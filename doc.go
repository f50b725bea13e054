// Package rescache caches hash-addressed viewer resources on durable
// storage and retrieves misses over a persistent duplex stream, with a
// plain-HTTP fallback for environments where the stream cannot be
// established.
//
// The package is a facade over three layers: resource (hash and type
// primitives), store (the on-disk bucket cache), and stream (the batching
// protocol client). Most applications only need [Client].
//
// # Quick Start
//
// Open a store, wire it to a stream endpoint, and fetch:
//
//	st, err := store.New("/var/cache/viewer")
//	if err != nil {
//	    return err
//	}
//	c, err := rescache.NewClient(st,
//	    rescache.WithEndpoint("wss://stream.example.com/resources"),
//	    rescache.WithHTTPFallback(nil),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := c.Connect(ctx); err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	blobs, err := c.Fetch(ctx, []rescache.Request{{
//	    URL:       "https://cdn.example.com/acme/models/42",
//	    LineageID: "model-42",
//	    Hash:      hash,
//	    Type:      rescache.TypeGeometry,
//	    Bucket:    "models",
//	}})
//
// # Caching Model
//
// Fetched blobs are cached opportunistically: cache trouble of any kind is
// treated as a miss and re-fetched over the network, so correctness never
// depends on the cache. Blobs land in named buckets, each an independent
// pair of append-only files guarded by an advisory lock; a second process
// sharing the cache root opens buckets read-only. See the store package
// for the durability and eviction rules.
//
// # Degraded Modes
//
// Without Connect, or after the stream fails permanently, misses go
// through the HTTP fallback when one is configured and otherwise complete
// as nil results. Reconnect policy stays with the caller: a client whose
// stream has failed may call Connect again.
package rescache

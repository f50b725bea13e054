package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand" //nolint:gosec // intentional use for reproducible workloads
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/felixge/fgprof"

	"github.com/viewkit/rescache"
	"github.com/viewkit/rescache/resource"
	"github.com/viewkit/rescache/store"
)

type config struct {
	mode          string
	entries       int
	blobSize      int
	batch         int
	buckets       int
	compression   string
	pattern       string
	evictFraction float64
	httpLatency   time.Duration
	httpBPS       int64
	fgProfile     string
	duration      time.Duration
	iterations    int
	pprofAddr     string
	cpuProfile    string
	memProfile    string
	traceFile     string
	rootDir       string
	keepRoot      bool
	randomSeed    int64
}

//nolint:unused // sink variables prevent compiler optimizations in profiling
var (
	sinkBytes []byte
	sinkCount int
)

func main() {
	cfg := parseFlags()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	root, cleanup, err := setupRoot(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if cleanup != nil {
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
	}

	var stopFG func() error
	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
		}
		stopFG = fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(cfg, root)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s\n",
		cfg.mode,
		stats.ops,
		stats.bytes,
		stats.elapsed.Round(time.Millisecond),
		float64(stats.bytes)/(1<<20)/stats.elapsed.Seconds())
}

type profileStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

//nolint:gocognit,gocyclo // mode switch complexity is acceptable for CLI tool
func runProfile(cfg config, root string) (profileStats, error) {
	ctx := context.Background()
	start := time.Now()
	deadline := start.Add(cfg.duration)
	rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // reproducible workloads

	ops := 0
	var byteCount int64
	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Now().Before(deadline)
	}

	switch cfg.mode {
	case "store":
		st, err := newStore(cfg, root)
		if err != nil {
			return profileStats{}, err
		}
		defer st.Close() //nolint:errcheck // profiler exit path

		seq := 0
		for shouldContinue() {
			hashes, buckets, blobs := makeBatch(cfg, rng, &seq)
			w, err := st.Store(ctx, hashes, buckets, blobs)
			if err != nil {
				return profileStats{}, err
			}
			if err := w.Wait(ctx); err != nil {
				return profileStats{}, err
			}
			byteCount += int64(cfg.batch) * int64(cfg.blobSize)
			ops++
		}

	case "get-hit":
		st, err := newStore(cfg, root)
		if err != nil {
			return profileStats{}, err
		}
		defer st.Close() //nolint:errcheck // profiler exit path

		hashes, buckets, err := seedStore(ctx, st, cfg, rng)
		if err != nil {
			return profileStats{}, err
		}
		for shouldContinue() {
			reqHashes := make([]resource.Hash, cfg.batch)
			reqBuckets := make([]string, cfg.batch)
			for i := range reqHashes {
				j := rng.Intn(len(hashes))
				reqHashes[i] = hashes[j]
				reqBuckets[i] = buckets[j]
			}
			blobs, err := st.Get(ctx, reqHashes, reqBuckets)
			if err != nil {
				return profileStats{}, err
			}
			for i, blob := range blobs {
				if blob == nil {
					return profileStats{}, fmt.Errorf("missing blob for %s", reqHashes[i])
				}
				byteCount += int64(len(blob))
				sinkBytes = blob
			}
			ops++
		}

	case "get-miss":
		st, err := newStore(cfg, root)
		if err != nil {
			return profileStats{}, err
		}
		defer st.Close() //nolint:errcheck // profiler exit path

		if _, _, err := seedStore(ctx, st, cfg, rng); err != nil {
			return profileStats{}, err
		}
		seq := cfg.entries
		for shouldContinue() {
			reqHashes := make([]resource.Hash, cfg.batch)
			reqBuckets := make([]string, cfg.batch)
			for i := range reqHashes {
				reqHashes[i] = hashAt(cfg.randomSeed, seq)
				reqBuckets[i] = bucketAt(cfg, seq)
				seq++
			}
			blobs, err := st.Get(ctx, reqHashes, reqBuckets)
			if err != nil {
				return profileStats{}, err
			}
			miss := 0
			for _, blob := range blobs {
				if blob == nil {
					miss++
				}
			}
			if miss != len(blobs) {
				return profileStats{}, fmt.Errorf("expected all misses, got %d/%d", miss, len(blobs))
			}
			sinkCount = miss
			ops++
		}

	case "evict":
		for shouldContinue() {
			iterRoot := filepath.Join(root, fmt.Sprintf("iter-%d", ops))
			st, err := newStore(cfg, iterRoot)
			if err != nil {
				return profileStats{}, err
			}
			if _, _, err := seedStore(ctx, st, cfg, rng); err != nil {
				_ = st.Close()
				return profileStats{}, err
			}
			// Close releases the bucket locks so the pairs are evictable.
			if err := st.Close(); err != nil {
				return profileStats{}, err
			}

			st, err = newStore(cfg, iterRoot)
			if err != nil {
				return profileStats{}, err
			}
			before, err := st.Stats()
			if err != nil {
				_ = st.Close()
				return profileStats{}, err
			}
			if _, err := st.Evict(cfg.evictFraction); err != nil {
				_ = st.Close()
				return profileStats{}, err
			}
			after, err := st.Stats()
			if err != nil {
				_ = st.Close()
				return profileStats{}, err
			}
			if err := st.Close(); err != nil {
				return profileStats{}, err
			}
			byteCount += (before.DataBytes + before.MetaBytes) - (after.DataBytes + after.MetaBytes)
			ops++
		}

	case "fetch-fallback":
		server, client := newFallbackSource(cfg)
		defer server.Close()

		st, err := newStore(cfg, root)
		if err != nil {
			return profileStats{}, err
		}
		c, err := rescache.NewClient(st, rescache.WithHTTPFallback(client))
		if err != nil {
			_ = st.Close()
			return profileStats{}, err
		}
		defer c.Close() //nolint:errcheck // profiler exit path

		seq := 0
		for shouldContinue() {
			reqs := make([]rescache.Request, cfg.batch)
			for i := range reqs {
				reqs[i] = rescache.Request{
					URL:    fmt.Sprintf("%s/acme/blob/%d", server.URL, seq),
					Hash:   hashAt(cfg.randomSeed, seq),
					Type:   resource.TypeGeometry,
					Bucket: bucketAt(cfg, seq),
				}
				seq++
			}
			blobs, err := c.Fetch(ctx, reqs)
			if err != nil {
				return profileStats{}, err
			}
			for i, blob := range blobs {
				if blob == nil {
					return profileStats{}, fmt.Errorf("fallback miss for %s", reqs[i].Hash)
				}
				byteCount += int64(len(blob))
			}
			ops++
		}
		if err := c.Sync(ctx); err != nil {
			return profileStats{}, err
		}

	default:
		return profileStats{}, fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	return profileStats{
		ops:     ops,
		bytes:   byteCount,
		elapsed: time.Since(start),
	}, nil
}

func parseFlags() config {
	var cfg config
	var httpBPS string
	flag.StringVar(&cfg.mode, "mode", "get-hit", "mode: store, get-hit, get-miss, evict, fetch-fallback")
	flag.IntVar(&cfg.entries, "entries", 512, "number of seeded blobs for get and evict modes")
	flag.IntVar(&cfg.blobSize, "blob-size", 16<<10, "blob size in bytes")
	flag.IntVar(&cfg.batch, "batch", 16, "blobs per operation")
	flag.IntVar(&cfg.buckets, "buckets", 4, "number of buckets")
	flag.StringVar(&cfg.compression, "compression", "none", "compression: none or zstd")
	flag.StringVar(&cfg.pattern, "pattern", "compressible", "pattern: compressible or random")
	flag.Float64Var(&cfg.evictFraction, "evict-fraction", 1, "eviction target for evict mode")
	flag.DurationVar(&cfg.httpLatency, "http-latency", 0, "per-request latency for fetch-fallback mode")
	flag.StringVar(&httpBPS, "http-bps", "", "bytes/sec throttle for fetch-fallback mode (e.g. 10MBps)")
	flag.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flag.StringVar(&cfg.rootDir, "root", "", "directory to use for the cache root")
	flag.BoolVar(&cfg.keepRoot, "keep-root", false, "keep cache root after run")
	flag.Int64Var(&cfg.randomSeed, "seed", 1, "random seed")
	flag.Parse()
	if httpBPS != "" {
		bps, err := parseBytesPerSecond(httpBPS)
		if err != nil {
			log.Fatalf("http-bps: %v", err)
		}
		cfg.httpBPS = bps
	}
	if cfg.batch <= 0 || cfg.buckets <= 0 || cfg.blobSize <= 0 {
		log.Fatal("batch, buckets, and blob-size must be positive")
	}
	return cfg
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func setupRoot(cfg config) (string, func() error, error) {
	if cfg.rootDir != "" {
		return cfg.rootDir, nil, os.MkdirAll(cfg.rootDir, 0o755) //nolint:gosec // 0o755 is intentional for profiler roots
	}
	dir, err := os.MkdirTemp("", "rescache-profiler-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() error {
		if cfg.keepRoot {
			return nil
		}
		return os.RemoveAll(dir)
	}
	return dir, cleanup, nil
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newStore(cfg config, root string) (*store.Store, error) {
	var opts []store.Option
	if cfg.compression == "zstd" {
		opts = append(opts, store.WithCompression(store.CompressionZstd))
	}
	return store.New(root, opts...)
}

// seedStore fills the configured buckets and waits for durability.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func seedStore(ctx context.Context, st *store.Store, cfg config, rng *rand.Rand) ([]resource.Hash, []string, error) {
	hashes := make([]resource.Hash, cfg.entries)
	buckets := make([]string, cfg.entries)
	blobs := make([][]byte, cfg.entries)
	for i := range hashes {
		hashes[i] = hashAt(cfg.randomSeed, i)
		buckets[i] = bucketAt(cfg, i)
		blobs[i] = makeBlob(rng, cfg.blobSize, cfg.pattern, i)
	}
	w, err := st.Store(ctx, hashes, buckets, blobs)
	if err != nil {
		return nil, nil, err
	}
	if err := w.Wait(ctx); err != nil {
		return nil, nil, err
	}
	return hashes, buckets, nil
}

// makeBatch generates cfg.batch fresh blobs with sequence-derived hashes so
// repeated calls never collide.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func makeBatch(cfg config, rng *rand.Rand, seq *int) ([]resource.Hash, []string, [][]byte) {
	hashes := make([]resource.Hash, cfg.batch)
	buckets := make([]string, cfg.batch)
	blobs := make([][]byte, cfg.batch)
	for i := range hashes {
		hashes[i] = hashAt(cfg.randomSeed, *seq)
		buckets[i] = bucketAt(cfg, *seq)
		blobs[i] = makeBlob(rng, cfg.blobSize, cfg.pattern, *seq)
		*seq++
	}
	return hashes, buckets, blobs
}

func hashAt(seed int64, i int) resource.Hash {
	var h resource.Hash
	v := uint64(seed)*0x9e3779b97f4a7c15 + uint64(i) //nolint:gosec // mixing, not crypto
	for j := range h {
		h[j] = byte(v >> (8 * (j % 8)))
		if j%8 == 7 {
			v = v*0x9e3779b97f4a7c15 + 1
		}
	}
	return h
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func bucketAt(cfg config, i int) string {
	return fmt.Sprintf("bucket%02d", i%cfg.buckets)
}

func makeBlob(rng *rand.Rand, size int, pattern string, i int) []byte {
	content := make([]byte, size)
	switch pattern {
	case "random":
		if _, err := rng.Read(content); err != nil {
			panic(err)
		}
	default:
		fillByte := byte('a' + (i % 26))
		for j := range content {
			content[j] = fillByte
		}
		if len(content) > 0 {
			content[0] = byte(i)
		}
	}
	return content
}

// Package main provides rescachectl, an operator CLI for on-disk resource
// cache roots.
//
// Usage:
//
//	rescachectl stats [-root DIR]
//	rescachectl evict [-root DIR] [-fraction F]
//	rescachectl clear [-root DIR]
//	rescachectl fetch [-root DIR] -bucket NAME -url URL -hash HEX [-hash HEX...]
//
// Every command reads its defaults from the environment (RESCACHE_ROOT,
// RESCACHE_ENDPOINT, RESCACHE_TIMEOUT); flags override.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/viewkit/rescache"
	"github.com/viewkit/rescache/resource"
	"github.com/viewkit/rescache/store"
)

type cliConfig struct {
	Root     string        `env:"RESCACHE_ROOT"`
	Endpoint string        `env:"RESCACHE_ENDPOINT"`
	Timeout  time.Duration `env:"RESCACHE_TIMEOUT" envDefault:"30s"`
}

func loadConfig() (cliConfig, error) {
	var cfg cliConfig
	if err := env.Parse(&cfg); err != nil {
		return cliConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "stats":
		err = runStats(os.Args[2:])
	case "evict":
		err = runEvict(os.Args[2:])
	case "clear":
		err = runClear(os.Args[2:])
	case "fetch":
		err = runFetch(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runStats(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.StringVar(&cfg.Root, "root", cfg.Root, "cache root directory (env RESCACHE_ROOT)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.Root == "" {
		return errors.New("-root or RESCACHE_ROOT is required")
	}

	st, err := store.New(cfg.Root)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck // read-only scan, nothing to flush

	stats, err := st.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("entries=%d data_bytes=%d meta_bytes=%d total_bytes=%d\n",
		stats.Entries, stats.DataBytes, stats.MetaBytes, stats.DataBytes+stats.MetaBytes)
	return nil
}

func runEvict(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var fraction float64
	fs := flag.NewFlagSet("evict", flag.ExitOnError)
	fs.StringVar(&cfg.Root, "root", cfg.Root, "cache root directory (env RESCACHE_ROOT)")
	fs.Float64Var(&fraction, "fraction", 0.5, "minimum fraction of cached bytes to free, 0 through 1")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.Root == "" {
		return errors.New("-root or RESCACHE_ROOT is required")
	}

	st, err := store.New(cfg.Root)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck // eviction already ran, close is cleanup

	met, err := st.Evict(fraction)
	if err != nil {
		return err
	}
	stats, err := st.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("met=%t entries=%d data_bytes=%d meta_bytes=%d\n",
		met, stats.Entries, stats.DataBytes, stats.MetaBytes)
	return nil
}

func runClear(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	fs.StringVar(&cfg.Root, "root", cfg.Root, "cache root directory (env RESCACHE_ROOT)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.Root == "" {
		return errors.New("-root or RESCACHE_ROOT is required")
	}

	st, err := store.New(cfg.Root)
	if err != nil {
		return err
	}

	before, err := st.Stats()
	if err != nil {
		_ = st.Close()
		return err
	}

	// Clear closes the store itself.
	if err := st.Clear(); err != nil {
		return err
	}
	fmt.Printf("cleared entries=%d bytes=%d\n", before.Entries, before.DataBytes+before.MetaBytes)
	return nil
}

// hashList collects repeated -hash flags.
type hashList []string

func (l *hashList) String() string { return strings.Join(*l, ",") }

func (l *hashList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func runFetch(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var (
		bucket  string
		rawURL  string
		typeTag string
		hashes  hashList
	)
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	fs.StringVar(&cfg.Root, "root", cfg.Root, "cache root directory (env RESCACHE_ROOT)")
	fs.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "stream endpoint, ws:// or wss:// (env RESCACHE_ENDPOINT)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall fetch deadline (env RESCACHE_TIMEOUT)")
	fs.StringVar(&bucket, "bucket", "", "bucket to cache results in (required)")
	fs.StringVar(&rawURL, "url", "", "resource URL; its first path segment is the account (required)")
	fs.StringVar(&typeTag, "type", "g", "resource type tag, one printable ASCII byte")
	fs.Var(&hashes, "hash", "hex resource hash; repeat for a batch")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.Root == "" {
		return errors.New("-root or RESCACHE_ROOT is required")
	}
	if bucket == "" || rawURL == "" || len(hashes) == 0 {
		return errors.New("-bucket, -url, and at least one -hash are required")
	}
	if len(typeTag) != 1 {
		return fmt.Errorf("type tag must be one byte, got %q", typeTag)
	}
	rt, err := resource.TypeOf(typeTag[0])
	if err != nil {
		return err
	}

	reqs := make([]rescache.Request, 0, len(hashes))
	for _, hs := range hashes {
		h, err := rescache.ParseHash(hs)
		if err != nil {
			return err
		}
		reqs = append(reqs, rescache.Request{
			URL:    rawURL,
			Hash:   h,
			Type:   rt,
			Bucket: bucket,
		})
	}

	st, err := store.New(cfg.Root)
	if err != nil {
		return err
	}
	opts := []rescache.Option{
		rescache.WithHTTPFallback(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, rescache.WithEndpoint(cfg.Endpoint))
	}
	c, err := rescache.NewClient(st, opts...)
	if err != nil {
		_ = st.Close()
		return err
	}
	defer c.Close() //nolint:errcheck // exiting either way

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if cfg.Endpoint != "" {
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", cfg.Endpoint, err)
		}
	}

	blobs, err := c.Fetch(ctx, reqs)
	if err != nil {
		return err
	}
	for i, b := range blobs {
		if b == nil {
			fmt.Printf("hash=%s miss\n", reqs[i].Hash)
			continue
		}
		fmt.Printf("hash=%s bytes=%d\n", reqs[i].Hash, len(b))
	}

	// Join the opportunistic cache writes before the deferred Close.
	return c.Sync(ctx)
}

func printUsage() {
	fmt.Println(`rescachectl - inspect and exercise a resource cache root

Usage:
  rescachectl <command> [options]

Commands:
  stats   Summarize entry counts and on-disk bytes
  evict   Free at least a fraction of the cached bytes
  clear   Delete every unlocked bucket pair under the root
  fetch   Fetch resources through the cache, stream, or HTTP fallback

Common Options:
  -root <dir>          Cache root directory (env RESCACHE_ROOT)

Evict Options:
  -fraction <f>        Minimum fraction of bytes to free (default 0.5)

Fetch Options:
  -endpoint <url>      Stream endpoint, ws:// or wss:// (env RESCACHE_ENDPOINT)
  -timeout <d>         Overall deadline (env RESCACHE_TIMEOUT, default 30s)
  -bucket <name>       Bucket to cache results in (required)
  -url <url>           Resource URL; first path segment is the account (required)
  -type <tag>          Resource type tag (default g)
  -hash <hex>          40-char hex hash; repeat for a batch (required)

Examples:
  # Summarize a cache root
  RESCACHE_ROOT=/var/cache/viewer rescachectl stats

  # Free half the cached bytes, oldest buckets first
  rescachectl evict -root /var/cache/viewer -fraction 0.5

  # Fetch one geometry blob over the stream, caching it under "models"
  rescachectl fetch -root /var/cache/viewer \
    -endpoint wss://stream.example.com/resources \
    -bucket models -url https://cdn.example.com/acme/models/42 \
    -hash 00112233445566778899aabbccddeeff00112233`)
}

package store

import (
	"log/slog"
	"time"

	"github.com/viewkit/rescache/telemetry"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for absorbed failures and housekeeping.
// Defaults to a discard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEvents sets the telemetry collaborator notified of absorbed failures
// and eviction passes. Defaults to telemetry.Nop.
func WithEvents(events telemetry.Events) Option {
	return func(s *Store) {
		if events != nil {
			s.events = events
		}
	}
}

// WithCompression selects the at-rest codec for blob data. A root written
// with one codec must be reopened with the same one; the files carry no
// codec marker.
func WithCompression(c Compression) Option {
	return func(s *Store) {
		s.comp = c
	}
}

// WithEvictionCutoff overrides the age beyond which eviction deletes pairs
// unconditionally. Defaults to DefaultEvictionCutoff.
func WithEvictionCutoff(d time.Duration) Option {
	return func(s *Store) {
		s.cutoff = d
	}
}

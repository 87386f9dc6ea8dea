// Package config holds the immutable per-process configuration
// snapshot: verbosity, the rotation interval S, the worker thread
// count and the transport-compression switch. It has no time-zone
// setting: ResolveTimeRange normalizes every time to UTC.
package config

import (
	"time"

	"github.com/CESNET/fdistdump/internal/nlog"
)

// Config is built once at process startup and never mutated
// afterwards, matching the Task descriptor's own immutability (spec
// §3) one level up the stack.
type Config struct {
	Verbosity        nlog.Level
	RotationInterval time.Duration
	NumThreads       int
	CompressTransport bool
}

// Default returns the baseline configuration: warning-level logging,
// a 300s rotation interval (the canonical NetFlow 5-minute capture
// rotation), one processing thread per core, transport compression
// off.
func Default(numCPU int) Config {
	return Config{
		Verbosity:        nlog.LevelWarn,
		RotationInterval: 300 * time.Second,
		NumThreads:       numCPU,
		CompressTransport: false,
	}
}

// ResolveTimeRange normalizes a [begin, end) pair to UTC and aligns
// both ends down to the configured rotation interval, matching what
// the Path Resolver itself assumes of its caller (spec §4.A: "time
// range ... aligned to a rotation interval").
func (c Config) ResolveTimeRange(begin, end time.Time) (time.Time, time.Time) {
	b := begin.UTC().Truncate(c.RotationInterval)
	e := end.UTC().Truncate(c.RotationInterval)
	return b, e
}

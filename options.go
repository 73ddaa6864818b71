package chert

import (
	"os"
	"strconv"
)

// Options configures how a database is opened, mirroring the knobs exposed
// by the original chert backend's environment variables and constructor
// flags (§9).
type Options struct {
	// Logf receives diagnostic lines; the consistent-open retry loop is its
	// only caller. Defaults to a no-op when nil.
	Logf func(format string, args ...any)

	// Verbose is carried in Options but no code path reads it; Logf output
	// does not depend on it.
	Verbose bool

	// MmapSize caps bbolt's initial mmap; 0 uses bbolt's default growth.
	MmapSize int

	// FlushThreshold is how many staged postlist edits accumulate before an
	// automatic flush, read from XAPIAN_FLUSH_THRESHOLD when zero.
	FlushThreshold int

	// MaxChangesets is read from XAPIAN_MAX_CHANGESETS when zero and kept in
	// Options, but nothing consults it: changeset files are never pruned,
	// whatever its value.
	MaxChangesets int

	// DisableTermlist creates a database without a termlist table, mirroring
	// a chert backend configured without per-document term enumeration.
	// delete_document and the full-diff path of replace_document both
	// require the termlist table (§4.4); with it closed they raise
	// FeatureUnavailableError instead.
	DisableTermlist bool
}

const (
	defaultFlushThreshold = 10000
	envFlushThreshold     = "XAPIAN_FLUSH_THRESHOLD"
	envMaxChangesets      = "XAPIAN_MAX_CHANGESETS"
)

// withDefaults fills in Logf and environment-sourced fields left at their
// zero value, without mutating the caller's Options.
func (o Options) withDefaults() Options {
	if o.Logf == nil {
		o.Logf = func(string, ...any) {}
	}
	if o.FlushThreshold == 0 {
		o.FlushThreshold = envInt(envFlushThreshold, defaultFlushThreshold)
	}
	if o.MaxChangesets == 0 {
		o.MaxChangesets = envInt(envMaxChangesets, 0)
	}
	return o
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

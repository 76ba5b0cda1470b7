// Package xerr defines the closed set of error kinds the extraction
// core can report. Every phase wraps one of these with
// github.com/pkg/errors so callers can still test with errors.Is while
// getting a human-readable cause chain from errors.Cause.
package xerr

import "github.com/pkg/errors"

var (
	// ErrContainerParse covers a bad magic, truncated header, or
	// unknown load command encountered while opening a cache or
	// Mach-O container. Fatal to the image being processed.
	ErrContainerParse = errors.New("container parse error")

	// ErrMappingMiss means a vmaddr did not resolve to any cache
	// mapping.
	ErrMappingMiss = errors.New("vmaddr not in any cache mapping")

	// ErrChainCorrupt means a chained-fixup walk terminated outside
	// its page, or encountered an unrecognized pointer format.
	ErrChainCorrupt = errors.New("chained pointer corrupt")

	// ErrSymbolLookup means no export name could be found for a
	// pointer or stub that required one.
	ErrSymbolLookup = errors.New("symbol lookup failed")

	// ErrInsufficientHeaderSpace means a new load command does not
	// fit before __TEXT,__text and nothing further can be dropped, or
	// that no gap between segments exists to hold __EXTRA_OBJC.
	ErrInsufficientHeaderSpace = errors.New("insufficient header space")

	// ErrExtraSegmentOverflow means __EXTRA_OBJC outgrew the gap it
	// was placed in.
	ErrExtraSegmentOverflow = errors.New("__EXTRA_OBJC segment overflow")
)

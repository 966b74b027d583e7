package slab

import "github.com/pkg/errors"

// Errors returned at the API boundary. Contract violations by the item
// subsystem (freeing a chunk whose class byte is still set, adjusting a
// nonexistent class) are not errors but panics.
var (
	// ErrOutOfMemory means an allocation could not be satisfied without
	// exceeding the memory limit, or the arena is exhausted.
	ErrOutOfMemory = errors.New("slab: out of memory")

	// ErrRunning means a rebalance is already in progress.
	ErrRunning = errors.New("slab: rebalance already running")

	// ErrBadClass means a class id outside the populated range.
	ErrBadClass = errors.New("slab: bad class id")

	// ErrNoSpare means the source class cannot give up the requested
	// number of pages without being drained to zero.
	ErrNoSpare = errors.New("slab: source class has no spare pages")

	// ErrSrcDstSame ...
	ErrSrcDstSame = errors.New("slab: source and destination are the same")

	// ErrKillFew means fewer than one page was requested.
	ErrKillFew = errors.New("slab: must move at least one page")
)

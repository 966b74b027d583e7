package slab

import (
	"os"
	"runtime"
	"strconv"
	"sync/atomic"

	"src.userspace.com.au/logger"
)

// gcReleaseSize is the number of released bytes that accumulate before the
// arena forces a collection so shrunk pages actually leave the heap.
const gcReleaseSize = 8 << 20

// arena owns the backing memory. With a preallocated region it bump-carves
// pages out of one big word slice; otherwise every page is its own
// allocation and release drops the reference.
type arena struct {
	prealloc []uint64
	off      int // words already carved

	malloced uint64 // bytes handed out, read without the allocator lock
	toGC     uint64
}

func (a *arena) init(limit uint64, prealloc bool, log logger.Logger) {
	if prealloc {
		if limit == 0 {
			log.Warn("cannot preallocate without a memory limit, allocating per page")
		} else {
			a.prealloc = make([]uint64, limit/8)
		}
	}
	if env := os.Getenv(envInitialMalloc); env != "" {
		if v, err := strconv.ParseUint(env, 10, 64); err == nil {
			atomic.StoreUint64(&a.malloced, v)
		}
	}
}

func (a *arena) preallocated() bool {
	return a.prealloc != nil
}

// reserve hands out an n-byte region. n must be a multiple of the chunk
// alignment, which the word-sized backing gives us for free.
func (a *arena) reserve(n uint32) ([]uint64, bool) {
	words := int(n / 8)
	if a.prealloc != nil {
		if words > len(a.prealloc)-a.off {
			return nil, false
		}
		mem := a.prealloc[a.off : a.off+words : a.off+words]
		a.off += words
		atomic.AddUint64(&a.malloced, uint64(n))
		return mem, true
	}
	mem := make([]uint64, words)
	atomic.AddUint64(&a.malloced, uint64(n))
	return mem, true
}

// release returns a page's memory. A preallocated arena keeps ownership of
// the bytes; the page is simply unreachable from any class afterwards.
func (a *arena) release(_ []uint64, n uint32) {
	if a.prealloc != nil {
		return
	}
	atomic.AddUint64(&a.malloced, ^(uint64(n) - 1))
	if atomic.AddUint64(&a.toGC, uint64(n)) >= gcReleaseSize {
		atomic.StoreUint64(&a.toGC, 0)
		runtime.GC()
	}
}

func (a *arena) mallocedBytes() uint64 {
	return atomic.LoadUint64(&a.malloced)
}

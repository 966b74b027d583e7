// Package slab implements a slab-based memory allocator with an on-line
// rebalancer. Memory is owned in PageSize pages, each page belongs to one
// size class and is carved into fixed-size chunks kept on an intrusive
// freelist. A background rebalancer migrates whole pages between classes, or
// releases them, to follow the workload and the configured memory limit.
package slab

import (
	"sync"
	"sync/atomic"

	"src.userspace.com.au/logger"

	"github.com/QuangTung97/robusta/item"
)

// Slabs ...
type Slabs struct {
	conf  Config
	log   logger.Logger
	hooks Hooks

	// mu is the allocator lock guarding every class and the arena.
	mu       sync.Mutex
	classes  [MaxClasses]slabClass
	largest  int
	arena    arena
	memLimit uint64 // atomic, also read by the automover

	slabListBytes uint64 // atomic, page-array bytes counted against the limit

	// rebalanceMu admits one rebalance at a time; the worker holds it
	// whenever it is not waiting.
	rebalanceMu   sync.Mutex
	rebalanceCond *sync.Cond
	signal        int32 // atomic: signalIdle, signalRequested, signalRunning
	rebal         rebalanceJob
	pickCursor    int

	auto automoveState

	bulkCheck int

	running   int32 // atomic stop flag for both workers
	maintStop chan struct{}
	wg        sync.WaitGroup

	slabsMoved      uint64 // atomic
	slabsShrunk     uint64 // atomic
	reassignRunning int32  // atomic

	internalCacheLock sync.Mutex
}

// New builds the class table and, when requested, preallocates the arena and
// one page per class. Misconfiguration and a failed requested preallocation
// are fatal.
func New(conf Config) *Slabs {
	conf.applyDefaults()
	validateConfig(conf)

	s := &Slabs{
		conf:      conf,
		log:       conf.Logger,
		hooks:     conf.Hooks,
		bulkCheck: conf.BulkCheck,
	}
	atomic.StoreUint64(&s.memLimit, conf.MemLimit)
	s.rebalanceCond = sync.NewCond(&s.rebalanceMu)
	s.arena.init(conf.MemLimit, conf.Prealloc, s.log)
	s.initClasses()

	if conf.Prealloc && conf.MemLimit > 0 {
		s.preallocatePages()
	}
	return s
}

// preallocatePages gives every class one page up front so the first store in
// any class cannot fail with a confusing out-of-memory.
func (s *Slabs) preallocatePages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := smallest; id <= s.largest; id++ {
		if !s.newPage(id) {
			panic("slab: preallocation failed, memory limit must cover one page per class")
		}
	}
}

// Classify returns the smallest class whose chunk size fits n, or 0 when n
// is zero or larger than the largest chunk.
func (s *Slabs) Classify(n uint32) int {
	if n == 0 {
		return 0
	}
	id := smallest
	for n > s.classes[id].size {
		id++
		if id > s.largest {
			return 0
		}
	}
	return id
}

// Alloc pops a free chunk of class id, counting n requested bytes against
// the class. Returns nil when the class is out of range or no page can be
// added within the memory limit.
func (s *Slabs) Alloc(n uint32, id int) *item.Header {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id < smallest || id > s.largest {
		return nil
	}
	c := &s.classes[id]
	assertTrue(c.slCurr == 0 || c.slots.Class() == 0,
		"free chunk carries a live class byte")

	if c.slCurr == 0 && !s.newPage(id) {
		return nil
	}
	it := c.popFree()
	c.requested += uint64(n)
	return it
}

// Free links the chunk back onto its class freelist. The caller must have
// cleared the header's class byte already; a live class byte here means the
// item subsystem broke the contract.
func (s *Slabs) Free(it *item.Header, n uint32, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	assertTrue(it.Class() == 0, "free of a chunk with a live class byte")
	assertTrue(id >= smallest && id <= s.largest, "free with bad class id")

	c := &s.classes[id]
	c.pushFree(it)
	c.requested -= uint64(n)
}

// AdjustRequested re-accounts an item that was resized in place.
func (s *Slabs) AdjustRequested(id int, old, new uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	assertTrue(id >= smallest && id <= s.largest, "adjust with bad class id")
	c := &s.classes[id]
	c.requested = c.requested - uint64(old) + uint64(new)
}

// ShrinkExpand changes the memory limit. Returns -1 when the arena was
// preallocated (inflexible), -2 when the new limit is below one page, 0 for
// a pure expansion, and otherwise the advisory number of pages the automover
// will reclaim asynchronously.
func (s *Slabs) ShrinkExpand(newLimit uint64) int64 {
	if s.arena.preallocated() {
		return -1
	}
	if newLimit < uint64(s.conf.PageSize) {
		return -2
	}

	s.mu.Lock()
	oldLimit := atomic.LoadUint64(&s.memLimit)
	atomic.StoreUint64(&s.memLimit, newLimit)
	s.mu.Unlock()

	total := s.totalMalloced()
	if total <= newLimit {
		s.log.Info("memory limit changed", "from", oldLimit, "to", newLimit)
		return 0
	}
	gap := total - newLimit
	slabsGap := ceilDivide(gap, uint64(s.conf.PageSize))
	s.log.Info("memory limit lowered", "from", oldLimit, "to", newLimit,
		"gap_bytes", gap, "gap_pages", slabsGap)
	return int64(slabsGap)
}

// Largest returns the highest populated class id.
func (s *Slabs) Largest() int {
	return s.largest
}

// ClassSize returns the chunk size of class id.
func (s *Slabs) ClassSize(id int) uint32 {
	if id < smallest || id > s.largest {
		return 0
	}
	return s.classes[id].size
}

func (s *Slabs) limitBytes() uint64 {
	return atomic.LoadUint64(&s.memLimit)
}

// totalMalloced is arena bytes plus page-array bytes plus the external hash
// table, the quantity the memory limit binds.
func (s *Slabs) totalMalloced() uint64 {
	total := s.arena.mallocedBytes() + atomic.LoadUint64(&s.slabListBytes)
	if s.hooks.HashBytes != nil {
		total += s.hooks.HashBytes()
	}
	return total
}

func (s *Slabs) addSlabListBytes(n uint64) {
	atomic.AddUint64(&s.slabListBytes, n)
}

func (s *Slabs) cacheLock() *sync.Mutex {
	if s.hooks.CacheLock != nil {
		return s.hooks.CacheLock
	}
	return &s.internalCacheLock
}

func ceilDivide(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func assertTrue(b bool, msg string) {
	if !b {
		panic("slab: " + msg)
	}
}

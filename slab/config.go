package slab

import (
	"sync"

	"src.userspace.com.au/logger"

	"github.com/QuangTung97/robusta/item"
)

const (
	// MaxClasses bounds the class table, error class 0 included.
	MaxClasses = 64

	smallest   = 1
	chunkAlign = 8
)

const (
	defaultGrowthFactor = 1.25
	defaultPageSize     = 1 << 20
	defaultChunkExtra   = 48
	defaultBulkCheck    = 1
)

// Environment overrides, kept compatible with the wire-era names.
const (
	envBulkCheck     = "MEMCACHED_SLAB_BULK_CHECK"
	envInitialMalloc = "T_MEMD_INITIAL_MALLOC"
)

// Hooks are the callbacks into the item subsystem. Every field is optional;
// a nil hook is a no-op. None of them may call back into the allocator:
// UnlinkItem runs with CacheLock and the allocator lock held, CommandStats
// with the allocator lock held, HashBytes sometimes under the allocator lock,
// and EvictionsSnapshot with neither lock held.
type Hooks struct {
	// UnlinkItem removes a linked item from the hash table and LRU.
	// Called by the rebalancer with CacheLock held.
	UnlinkItem func(it *item.Header, keyHash uint64)

	// EvictionsSnapshot fills per-class eviction counters, indexed by
	// class id. The slice is sized to hold every populated class.
	EvictionsSnapshot func(out []uint64)

	// HashBytes reports the item subsystem's hash table footprint so it
	// counts against the memory limit.
	HashBytes func() uint64

	// CommandStats forwards per-class command counters into Stats output.
	CommandStats func(id int, add func(key string, value uint64))

	// CacheLock is the item subsystem's structural lock. The rebalancer
	// acquires it before the allocator lock; nil gets an internal stand-in
	// so the ordering still holds.
	CacheLock *sync.Mutex
}

// Config ...
type Config struct {
	// MemLimit is the memory cap in bytes, 0 for unlimited.
	MemLimit uint64

	// GrowthFactor is the chunk-size ratio between consecutive classes.
	GrowthFactor float64

	// PageSize is both the slab page size and the maximum item size.
	PageSize uint32

	// ChunkExtra is added to the item header overhead to size the
	// smallest class.
	ChunkExtra uint32

	// Prealloc allocates the whole limit up front as a single arena.
	Prealloc bool

	// SlabReassign keeps every page PageSize bytes so pages can move
	// between classes. When false pages are sized to their class and
	// rebalancing is effectively disabled.
	SlabReassign bool

	// Automove selects the background move policy: 0 off, 1 gentle,
	// 2 aggressive.
	Automove int

	// BulkCheck is the number of chunks inspected per rebalance critical
	// section.
	BulkCheck int

	Logger logger.Logger
	Hooks  Hooks
}

func (c *Config) applyDefaults() {
	if c.GrowthFactor == 0 {
		c.GrowthFactor = defaultGrowthFactor
	}
	if c.PageSize == 0 {
		c.PageSize = defaultPageSize
	}
	if c.ChunkExtra == 0 {
		c.ChunkExtra = defaultChunkExtra
	}
	if c.BulkCheck == 0 {
		c.BulkCheck = defaultBulkCheck
	}
	if c.Logger == nil {
		c.Logger = logger.New(&logger.Options{Name: "slab", Level: logger.Warn})
	}
}

func validateConfig(conf Config) {
	if conf.GrowthFactor <= 1.0 {
		panic("GrowthFactor must be > 1")
	}
	if conf.PageSize%chunkAlign != 0 {
		panic("PageSize must be a multiple of the chunk alignment")
	}
	if conf.PageSize < item.HeaderSize+conf.ChunkExtra {
		panic("PageSize too small for a single chunk")
	}
	if conf.Automove < 0 || conf.Automove > 2 {
		panic("Automove must be 0, 1 or 2")
	}
	if conf.BulkCheck < 1 {
		panic("BulkCheck must be >= 1")
	}
	if conf.Prealloc && conf.MemLimit > 0 && conf.MemLimit < uint64(conf.PageSize) {
		panic("MemLimit too small to preallocate a single page")
	}
}

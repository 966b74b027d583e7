// Package robusta is an in-memory key/value cache built on a slab allocator
// with on-line page rebalancing. Items live inside allocator chunks
// (header | key | value); the hash table maps keys to chunk headers and each
// size class keeps its own LRU for eviction.
package robusta

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"src.userspace.com.au/logger"

	"github.com/QuangTung97/robusta/item"
	"github.com/QuangTung97/robusta/lru"
	"github.com/QuangTung97/robusta/slab"
)

// ErrTooLarge means the item does not fit the largest chunk.
var ErrTooLarge = errors.New("cache: item too large")

// maxEvictTries bounds how many tail evictions one Set may perform before
// giving up on the class.
const maxEvictTries = 10

// hashEntryOverhead approximates the map cost per stored item, counted
// against the memory limit alongside the slab pages.
const hashEntryOverhead = 64

// Config ...
type Config struct {
	Slab slab.Config
}

// Cache ...
type Cache struct {
	// mu is the cache lock; the rebalancer takes it before the allocator
	// lock when it unlinks live items.
	mu    sync.Mutex
	slabs *slab.Slabs
	log   logger.Logger

	table map[string]*item.Header
	lrus  [slab.MaxClasses]lru.List

	// Counter arrays are updated atomically: the stats hooks read them
	// without the cache lock.
	evicted  [slab.MaxClasses]uint64
	cmdSet   [slab.MaxClasses]uint64
	getHits  [slab.MaxClasses]uint64
	delHits  [slab.MaxClasses]uint64
	numItems uint64

	currBytes  uint64
	totalItems uint64
	reclaimed  uint64
}

// New ...
func New(conf Config) *Cache {
	c := &Cache{
		table: map[string]*item.Header{},
	}

	sconf := conf.Slab
	sconf.Hooks = slab.Hooks{
		UnlinkItem:        c.unlinkItem,
		EvictionsSnapshot: c.evictionsSnapshot,
		HashBytes:         c.hashBytes,
		CommandStats:      c.commandStats,
		CacheLock:         &c.mu,
	}
	c.slabs = slab.New(sconf)
	c.log = sconf.Logger
	if c.log == nil {
		c.log = logger.New(&logger.Options{Name: "cache", Level: logger.Warn})
	}
	return c
}

// Slabs exposes the underlying allocator, e.g. to register its metrics
// collector or start its maintenance workers.
func (c *Cache) Slabs() *slab.Slabs {
	return c.slabs
}

// Set stores value under key, evicting from the target class's LRU tail
// when the allocator cannot add a page within the memory limit.
func (c *Cache) Set(key, value []byte) error {
	if len(key) == 0 || len(key) > 255 {
		return errors.Errorf("cache: invalid key length %d", len(key))
	}
	ntotal := item.HeaderSize + uint32(len(key)) + uint32(len(value))
	id := c.slabs.Classify(ntotal)
	if id == 0 {
		return errors.Wrapf(ErrTooLarge, "set %q", key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.table[string(key)]; ok {
		c.unlink(old)
	}

	it := c.slabs.Alloc(ntotal, id)
	for tries := 0; it == nil && tries < maxEvictTries; tries++ {
		if !c.evictFrom(id) {
			break
		}
		it = c.slabs.Alloc(ntotal, id)
	}
	if it == nil {
		return errors.Wrapf(slab.ErrOutOfMemory, "set %q", key)
	}

	it.SetClass(uint8(id))
	it.SetRefcount(1)
	it.SetFlags(item.FlagLinked)
	it.SetKey(key)
	it.SetValue(value)

	c.table[string(key)] = it
	c.lrus[id].PushFront(it)
	atomic.AddUint64(&c.numItems, 1)
	atomic.AddUint64(&c.cmdSet[id], 1)
	c.totalItems++
	c.currBytes += uint64(ntotal)
	return nil
}

// Get returns a copy of the value stored under key.
func (c *Cache) Get(key []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.table[string(key)]
	if !ok {
		return nil, false
	}
	if it.Dead() {
		// Vacated by the rebalancer under our feet; treat as a miss.
		return nil, false
	}
	value := make([]byte, len(it.Value()))
	copy(value, it.Value())
	c.lrus[it.Class()].Touch(it)
	atomic.AddUint64(&c.getHits[it.Class()], 1)
	return value, true
}

// Delete removes key, returning whether it was present.
func (c *Cache) Delete(key []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.table[string(key)]
	if !ok {
		return false
	}
	atomic.AddUint64(&c.delHits[it.Class()], 1)
	c.unlink(it)
	return true
}

// Len returns the number of live items.
func (c *Cache) Len() int {
	return int(atomic.LoadUint64(&c.numItems))
}

// Evictions returns the eviction count of one class.
func (c *Cache) Evictions(id int) uint64 {
	return atomic.LoadUint64(&c.evicted[id])
}

// evictFrom drops the least-recently-used item of class id to make room.
func (c *Cache) evictFrom(id int) bool {
	tail := c.lrus[id].Back()
	if tail == nil {
		return false
	}
	atomic.AddUint64(&c.evicted[id], 1)
	c.log.Debug("evicting tail item", "class", id)
	c.unlink(tail)
	return true
}

// unlink removes a linked item from the table and its LRU and drops the
// table's reference. Caller holds the cache lock.
func (c *Cache) unlink(it *item.Header) {
	delete(c.table, string(it.Key()))
	c.lrus[it.Class()].Remove(it)
	it.ClearFlags(item.FlagLinked)
	atomic.AddUint64(&c.numItems, ^uint64(0))
	c.currBytes -= uint64(it.Total())
	c.release(it)
}

// release drops one reference; the last reference returns the chunk to the
// allocator. When the rebalancer holds an extra reference the chunk stays
// put and the rebalancer vacates it itself.
func (c *Cache) release(it *item.Header) {
	if it.DecRef() != 0 {
		return
	}
	id := int(it.Class())
	ntotal := it.Total()
	it.SetClass(0)
	c.slabs.Free(it, ntotal, id)
}

// unlinkItem is the rebalancer hook: both the cache lock and the allocator
// lock are held, so it must not call back into the allocator. The
// rebalancer's own reference keeps release from freeing the chunk.
func (c *Cache) unlinkItem(it *item.Header, _ uint64) {
	delete(c.table, string(it.Key()))
	c.lrus[it.Class()].Remove(it)
	it.ClearFlags(item.FlagLinked)
	atomic.AddUint64(&c.numItems, ^uint64(0))
	c.currBytes -= uint64(it.Total())
	it.DecRef()
}

func (c *Cache) evictionsSnapshot(out []uint64) {
	for i := range out {
		out[i] = atomic.LoadUint64(&c.evicted[i])
	}
}

func (c *Cache) hashBytes() uint64 {
	return atomic.LoadUint64(&c.numItems) * hashEntryOverhead
}

func (c *Cache) commandStats(id int, add func(key string, value uint64)) {
	add("cmd_set", atomic.LoadUint64(&c.cmdSet[id]))
	add("get_hits", atomic.LoadUint64(&c.getHits[id]))
	add("delete_hits", atomic.LoadUint64(&c.delHits[id]))
}

// GeneralStats emits the item-side statistics; the allocator's own numbers
// come from Slabs().Stats.
func (c *Cache) GeneralStats(sink slab.StatSink) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var evictions uint64
	for i := range c.evicted {
		evictions += atomic.LoadUint64(&c.evicted[i])
	}
	sink("bytes", strconv.FormatUint(c.currBytes, 10))
	sink("curr_items", strconv.FormatUint(atomic.LoadUint64(&c.numItems), 10))
	sink("total_items", strconv.FormatUint(c.totalItems, 10))
	sink("evictions", strconv.FormatUint(evictions, 10))
	sink("reclaimed", strconv.FormatUint(c.reclaimed, 10))
}

package slab

import (
	"unsafe"

	"github.com/QuangTung97/robusta/item"
)

// page is one slab page. The slice both pins the memory and remembers its
// length; its address space is carved into perslab chunks by the owning
// class.
type page struct {
	mem []uint64
}

func (p page) base() unsafe.Pointer {
	return unsafe.Pointer(&p.mem[0])
}

func (p page) bytes() uint32 {
	return uint32(len(p.mem)) * 8
}

func (p page) zero() {
	for i := range p.mem {
		p.mem[i] = 0
	}
}

const pageEntrySize = uint64(unsafe.Sizeof(page{}))

// slabClass is one bucket of identically sized chunks. All fields are
// guarded by the allocator lock.
type slabClass struct {
	size    uint32
	perslab uint32

	slots  *item.Header // freelist head
	slCurr uint32

	pages []page

	// killing is 1+index of the page being migrated away, 0 when idle.
	killing uint32

	requested uint64
}

func alignUp(n, align uint32) uint32 {
	if n%align != 0 {
		n += align - n%align
	}
	return n
}

func (s *Slabs) initClasses() {
	size := item.HeaderSize + s.conf.ChunkExtra
	id := smallest
	for id < MaxClasses-1 && float64(size) <= float64(s.conf.PageSize)/s.conf.GrowthFactor {
		size = alignUp(size, chunkAlign)
		c := &s.classes[id]
		c.size = size
		c.perslab = s.conf.PageSize / size
		s.log.Debug("slab class", "id", id, "chunk_size", size, "perslab", c.perslab)
		size = uint32(float64(size) * s.conf.GrowthFactor)
		id++
	}
	s.largest = id
	s.classes[id].size = s.conf.PageSize
	s.classes[id].perslab = 1
	s.log.Debug("slab class", "id", id, "chunk_size", s.conf.PageSize, "perslab", 1)
}

// growPageList makes room for one more page pointer, doubling from a minimum
// capacity of 16. The array bytes count against the memory limit like any
// other allocation.
func (s *Slabs) growPageList(id int) bool {
	c := &s.classes[id]
	if len(c.pages) < cap(c.pages) {
		return true
	}
	newCap := 16
	if cap(c.pages) != 0 {
		newCap = cap(c.pages) * 2
	}
	addition := uint64(newCap-cap(c.pages)) * pageEntrySize
	limit := s.limitBytes()
	if limit > 0 && s.totalMalloced()+addition > limit && len(c.pages) > 0 {
		return false
	}
	grown := make([]page, len(c.pages), newCap)
	copy(grown, c.pages)
	c.pages = grown
	s.addSlabListBytes(addition)
	return true
}

// newPage reserves a page from the arena, splits it into the class freelist
// and appends it to the class. Pages are uniform PageSize regions when
// reassignment is enabled so that any page can later move between classes.
//
// A class with zero pages is always permitted its first page even when that
// exceeds the limit; the automover shrinks afterwards.
func (s *Slabs) newPage(id int) bool {
	c := &s.classes[id]
	length := c.size * c.perslab
	if s.conf.SlabReassign {
		length = s.conf.PageSize
	}

	limit := s.limitBytes()
	notEnough := limit > 0 && s.totalMalloced()+uint64(length) > limit && len(c.pages) > 0
	growFailed := notEnough || !s.growPageList(id)
	if !growFailed {
		// The page list may have grown, charge for it before deciding.
		notEnough = limit > 0 && s.totalMalloced()+uint64(length) > limit && len(c.pages) > 0
	}
	if notEnough || growFailed {
		s.log.Debug("slab page allocation failed", "id", id)
		return false
	}

	mem, ok := s.arena.reserve(length)
	if !ok {
		s.log.Warn("arena exhausted", "id", id, "bytes", length)
		return false
	}
	pg := page{mem: mem}
	pg.zero()
	c.pages = append(c.pages, pg)
	s.splitPageIntoFreelist(pg.base(), id)
	return true
}

func (s *Slabs) splitPageIntoFreelist(base unsafe.Pointer, id int) {
	c := &s.classes[id]
	for x := uint32(0); x < c.perslab; x++ {
		p := unsafe.Pointer(uintptr(base) + uintptr(x*c.size))
		c.pushFree(item.FromPointer(p))
	}
}

func (c *slabClass) pushFree(it *item.Header) {
	it.AddFlags(item.FlagSlabbed)
	it.SetPrev(nil)
	it.SetNext(c.slots)
	if c.slots != nil {
		c.slots.SetPrev(it)
	}
	c.slots = it
	c.slCurr++
}

func (c *slabClass) popFree() *item.Header {
	it := c.slots
	c.slots = it.Next()
	if c.slots != nil {
		c.slots.SetPrev(nil)
	}
	it.ClearFlags(item.FlagSlabbed)
	c.slCurr--
	return it
}

// removeFree unlinks a specific chunk from the freelist; the rebalancer uses
// it to drain chunks of the page being killed.
func (c *slabClass) removeFree(it *item.Header) {
	if c.slots == it {
		c.slots = it.Next()
	}
	if it.Next() != nil {
		it.Next().SetPrev(it.Prev())
	}
	if it.Prev() != nil {
		it.Prev().SetNext(it.Next())
	}
	c.slCurr--
}

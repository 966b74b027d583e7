// Package item defines the header that lives at the start of every slab
// chunk. A free chunk and a live item share this header: while the chunk sits
// on a freelist the SLABBED flag is set and prev/next are freelist links,
// while the item is owned by the cache the LINKED flag is set and the same
// links are LRU links. Readers holding a stale pointer can always dereference
// the header and check Dead().
package item

import (
	"sync/atomic"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// Flag bits of a header.
const (
	FlagLinked  uint16 = 1 << 0
	FlagSlabbed uint16 = 1 << 1
)

// DeadClass is written into the class byte of a chunk the rebalancer has
// vacated. A reader observing it must abort its operation.
const DeadClass uint8 = 0xFF

// Header ...
type Header struct {
	prev     *Header
	next     *Header
	refcount int32
	nbytes   uint32
	flags    uint16
	class    uint8
	nkey     uint8
}

// HeaderSize is the chunk overhead in bytes.
const HeaderSize = uint32(unsafe.Sizeof(Header{}))

// FromPointer ...
func FromPointer(p unsafe.Pointer) *Header {
	return (*Header)(p)
}

// Pointer ...
func (h *Header) Pointer() unsafe.Pointer {
	return unsafe.Pointer(h)
}

// Prev ...
func (h *Header) Prev() *Header { return h.prev }

// Next ...
func (h *Header) Next() *Header { return h.next }

// SetPrev ...
func (h *Header) SetPrev(p *Header) { h.prev = p }

// SetNext ...
func (h *Header) SetNext(n *Header) { h.next = n }

// Class ...
func (h *Header) Class() uint8 { return h.class }

// SetClass ...
func (h *Header) SetClass(id uint8) { h.class = id }

// Dead reports whether the chunk was vacated by the rebalancer.
func (h *Header) Dead() bool { return h.class == DeadClass }

// Flags ...
func (h *Header) Flags() uint16 { return h.flags }

// SetFlags ...
func (h *Header) SetFlags(f uint16) { h.flags = f }

// AddFlags ...
func (h *Header) AddFlags(f uint16) { h.flags |= f }

// ClearFlags ...
func (h *Header) ClearFlags(f uint16) { h.flags &^= f }

// HasFlags reports whether every bit of f is set.
func (h *Header) HasFlags(f uint16) bool { return h.flags&f == f }

// Refcount ...
func (h *Header) Refcount() int32 {
	return atomic.LoadInt32(&h.refcount)
}

// IncRef atomically increments the refcount and returns the new value.
func (h *Header) IncRef() int32 {
	return atomic.AddInt32(&h.refcount, 1)
}

// DecRef atomically decrements the refcount and returns the new value.
func (h *Header) DecRef() int32 {
	return atomic.AddInt32(&h.refcount, -1)
}

// SetRefcount ...
func (h *Header) SetRefcount(n int32) {
	atomic.StoreInt32(&h.refcount, n)
}

// NKey ...
func (h *Header) NKey() uint8 { return h.nkey }

// NBytes ...
func (h *Header) NBytes() uint32 { return h.nbytes }

// Total returns the number of chunk bytes the item occupies, header included.
func (h *Header) Total() uint32 {
	return HeaderSize + uint32(h.nkey) + h.nbytes
}

// Key returns the key bytes stored right after the header.
func (h *Header) Key() []byte {
	p := unsafe.Pointer(uintptr(unsafe.Pointer(h)) + uintptr(HeaderSize))
	return unsafe.Slice((*byte)(p), int(h.nkey))
}

// Value returns the value bytes stored after the key.
func (h *Header) Value() []byte {
	p := unsafe.Pointer(uintptr(unsafe.Pointer(h)) + uintptr(HeaderSize) + uintptr(h.nkey))
	return unsafe.Slice((*byte)(p), int(h.nbytes))
}

// SetKey copies key into the chunk and records its length.
// The caller guarantees the chunk is big enough.
func (h *Header) SetKey(key []byte) {
	h.nkey = uint8(len(key))
	copy(h.Key(), key)
}

// SetValue copies value into the chunk after the key.
func (h *Header) SetValue(value []byte) {
	h.nbytes = uint32(len(value))
	copy(h.Value(), value)
}

// KeyHash ...
func (h *Header) KeyHash() uint64 {
	return xxhash.Sum64(h.Key())
}

// MarkDead vacates the chunk: no flags, no references, dead class byte.
// Written under the allocator lock before the page leaves its class. A page
// released by a shrink keeps the sentinel; a page moved to another class is
// zeroed when it joins the destination, which clears it.
func (h *Header) MarkDead() {
	h.flags = 0
	atomic.StoreInt32(&h.refcount, 0)
	h.class = DeadClass
}

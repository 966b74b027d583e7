package slab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"src.userspace.com.au/logger"

	"github.com/QuangTung97/robusta/item"
)

func testConfig() Config {
	return Config{
		GrowthFactor: 1.25,
		PageSize:     4096,
		SlabReassign: true,
		Logger:       logger.New(&logger.Options{Name: "slab-test", Level: logger.Error}),
	}
}

func newTestSlabs(t *testing.T, mutate ...func(conf *Config)) *Slabs {
	t.Helper()
	conf := testConfig()
	for _, fn := range mutate {
		fn(&conf)
	}
	return New(conf)
}

// fillPages allocates chunks of class id until the class owns the wanted
// number of pages, returning every chunk.
func fillPages(t *testing.T, s *Slabs, id, pages int) []*item.Header {
	t.Helper()
	var items []*item.Header
	n := s.classes[id].size
	for s.ClassPages(id) < pages || s.classes[id].slCurr > 0 {
		it := s.Alloc(n, id)
		require.NotNil(t, it)
		items = append(items, it)
	}
	return items
}

func freeAll(s *Slabs, id int, items []*item.Header) {
	n := s.classes[id].size
	for _, it := range items {
		s.Free(it, n, id)
	}
}

func TestNew_ClassTable(t *testing.T) {
	s := newTestSlabs(t)

	assert.Equal(t, 17, s.Largest())
	assert.Equal(t, uint32(80), s.classes[1].size)
	assert.Equal(t, uint32(51), s.classes[1].perslab)
	assert.Equal(t, uint32(104), s.classes[2].size)
	assert.Equal(t, uint32(4096), s.classes[17].size)
	assert.Equal(t, uint32(1), s.classes[17].perslab)

	// Strictly increasing, aligned chunk sizes.
	for id := smallest; id < s.Largest(); id++ {
		assert.Less(t, s.classes[id].size, s.classes[id+1].size)
		assert.Equal(t, uint32(0), s.classes[id].size%chunkAlign)
	}
}

func TestClassify_Boundaries(t *testing.T) {
	s := newTestSlabs(t)

	assert.Equal(t, 0, s.Classify(0))
	assert.Equal(t, 1, s.Classify(1))
	assert.Equal(t, 1, s.Classify(80))
	assert.Equal(t, 2, s.Classify(81))
	assert.Equal(t, s.Largest(), s.Classify(4096))
	assert.Equal(t, 0, s.Classify(4097))
}

func TestClassify_Monotone(t *testing.T) {
	s := newTestSlabs(t)

	prev := 0
	for n := uint32(1); n <= 4096; n++ {
		id := s.Classify(n)
		assert.GreaterOrEqual(t, id, prev)
		assert.GreaterOrEqual(t, s.classes[id].size, n)
		prev = id
	}
}

func TestAlloc_RoundTrip(t *testing.T) {
	s := newTestSlabs(t)

	id := s.Classify(70)
	require.Equal(t, 1, id)

	it := s.Alloc(70, id)
	require.NotNil(t, it)
	assert.False(t, it.HasFlags(item.FlagSlabbed))
	assert.Equal(t, uint8(0), it.Class())
	assert.Equal(t, uint64(70), s.classes[id].requested)
	assert.Equal(t, uint32(50), s.classes[id].slCurr)

	s.Free(it, 70, id)
	assert.True(t, it.HasFlags(item.FlagSlabbed))
	assert.Equal(t, uint64(0), s.classes[id].requested)
	assert.Equal(t, uint32(51), s.classes[id].slCurr)

	// The freed chunk comes back first.
	again := s.Alloc(70, id)
	assert.Equal(t, it, again)
}

func TestAlloc_Conservation(t *testing.T) {
	s := newTestSlabs(t)

	check := func() {
		c := &s.classes[1]
		total := uint32(len(c.pages)) * c.perslab
		used := total - c.slCurr
		assert.Equal(t, total, used+c.slCurr)
		assert.LessOrEqual(t, c.slCurr, total)
	}

	var items []*item.Header
	for i := 0; i < 130; i++ {
		it := s.Alloc(80, 1)
		require.NotNil(t, it)
		items = append(items, it)
		check()
	}
	assert.Equal(t, 3, s.ClassPages(1))
	for _, it := range items {
		s.Free(it, 80, 1)
		check()
	}
	assert.Equal(t, uint32(3*51), s.classes[1].slCurr)
	assert.Equal(t, uint64(0), s.classes[1].requested)
}

func TestAlloc_BadClass(t *testing.T) {
	s := newTestSlabs(t)

	assert.Nil(t, s.Alloc(10, 0))
	assert.Nil(t, s.Alloc(10, s.Largest()+1))
	assert.Nil(t, s.Alloc(10, -1))
	for id := smallest; id <= s.Largest(); id++ {
		assert.Equal(t, 0, s.ClassPages(id))
	}
}

func TestAlloc_LimitExhausted(t *testing.T) {
	s := newTestSlabs(t, func(conf *Config) {
		conf.MemLimit = 4096
	})

	// The first page of a class is always permitted, even above the limit.
	items := fillPages(t, s, 1, 1)
	assert.Equal(t, 51, len(items))

	assert.Nil(t, s.Alloc(80, 1))
	assert.Equal(t, 1, s.ClassPages(1))

	// Another empty class still gets its first page.
	it := s.Alloc(104, 2)
	assert.NotNil(t, it)
}

func TestFree_BadClassByte(t *testing.T) {
	s := newTestSlabs(t)

	it := s.Alloc(80, 1)
	require.NotNil(t, it)
	it.SetClass(1)
	assert.Panics(t, func() {
		s.Free(it, 80, 1)
	})
}

func TestAdjustRequested(t *testing.T) {
	s := newTestSlabs(t)

	it := s.Alloc(70, 1)
	require.NotNil(t, it)
	assert.Equal(t, uint64(70), s.classes[1].requested)

	s.AdjustRequested(1, 70, 78)
	assert.Equal(t, uint64(78), s.classes[1].requested)

	s.Free(it, 78, 1)
	assert.Equal(t, uint64(0), s.classes[1].requested)

	assert.Panics(t, func() {
		s.AdjustRequested(0, 1, 2)
	})
}

func TestGrowPageList_KeepsPagesValid(t *testing.T) {
	s := newTestSlabs(t)

	items := fillPages(t, s, 1, 1)
	first := items[0]
	base := s.classes[1].pages[0].base()

	// Grow well past the initial page-array capacity of 16.
	fillPages(t, s, 1, 20)
	assert.Equal(t, 20, s.ClassPages(1))
	assert.Equal(t, base, s.classes[1].pages[0].base())

	// The old chunk pointer still works.
	first.SetClass(0)
	s.Free(first, 80, 1)
	assert.True(t, first.HasFlags(item.FlagSlabbed))
}

func TestPrealloc(t *testing.T) {
	s := newTestSlabs(t, func(conf *Config) {
		conf.Prealloc = true
		conf.MemLimit = 32 * 4096
	})

	for id := smallest; id <= s.Largest(); id++ {
		assert.Equal(t, 1, s.ClassPages(id))
	}
	assert.GreaterOrEqual(t, s.TotalMalloced(), uint64(17*4096))

	it := s.Alloc(80, 1)
	assert.NotNil(t, it)
}

func TestPrealloc_ShrinkInflexible(t *testing.T) {
	s := newTestSlabs(t, func(conf *Config) {
		conf.Prealloc = true
		conf.MemLimit = 32 * 4096
	})

	assert.Equal(t, int64(-1), s.ShrinkExpand(16*4096))
	assert.Equal(t, int64(-1), s.ShrinkExpand(64*4096))

	// The limit is untouched; allocation still works as before.
	it := s.Alloc(80, 1)
	assert.NotNil(t, it)
}

func TestShrinkExpand(t *testing.T) {
	s := newTestSlabs(t)

	assert.Equal(t, int64(-2), s.ShrinkExpand(4095))

	items := fillPages(t, s, 1, 3)
	assert.Equal(t, uint64(3*4096), s.arena.mallocedBytes())

	// total = 3 pages + 384 bytes of page array, over an 8 KiB limit by
	// just above one page.
	got := s.ShrinkExpand(2 * 4096)
	assert.Equal(t, int64(2), got)

	// Pure expansion.
	assert.Equal(t, int64(0), s.ShrinkExpand(64*4096))

	freeAll(s, 1, items)
}

func TestShrinkExpand_EnvSeededMalloc(t *testing.T) {
	t.Setenv(envInitialMalloc, "1048576")
	s := newTestSlabs(t)

	assert.Equal(t, uint64(1048576), s.arena.mallocedBytes())
	got := s.ShrinkExpand(2 * 4096)
	assert.Equal(t, int64(ceilDivide(1048576-2*4096, 4096)), got)
}

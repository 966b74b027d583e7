package robusta

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"src.userspace.com.au/logger"

	"github.com/QuangTung97/robusta/item"
	"github.com/QuangTung97/robusta/slab"
)

func testCacheConfig() Config {
	return Config{
		Slab: slab.Config{
			GrowthFactor: 1.25,
			PageSize:     4096,
			SlabReassign: true,
			Logger:       logger.New(&logger.Options{Name: "cache-test", Level: logger.Error}),
		},
	}
}

func TestCache_SetGet(t *testing.T) {
	c := New(testCacheConfig())

	require.NoError(t, c.Set([]byte("alpha"), []byte("first value")))
	require.NoError(t, c.Set([]byte("beta"), []byte("second value")))
	assert.Equal(t, 2, c.Len())

	got, ok := c.Get([]byte("alpha"))
	assert.True(t, ok)
	assert.Equal(t, []byte("first value"), got)

	got, ok = c.Get([]byte("beta"))
	assert.True(t, ok)
	assert.Equal(t, []byte("second value"), got)

	_, ok = c.Get([]byte("missing"))
	assert.False(t, ok)
}

func TestCache_Replace(t *testing.T) {
	c := New(testCacheConfig())

	require.NoError(t, c.Set([]byte("key"), []byte("old")))
	require.NoError(t, c.Set([]byte("key"), []byte("new and much longer value")))
	assert.Equal(t, 1, c.Len())

	got, ok := c.Get([]byte("key"))
	assert.True(t, ok)
	assert.Equal(t, []byte("new and much longer value"), got)
}

func TestCache_Delete(t *testing.T) {
	c := New(testCacheConfig())

	require.NoError(t, c.Set([]byte("key"), []byte("value")))
	assert.True(t, c.Delete([]byte("key")))
	assert.False(t, c.Delete([]byte("key")))
	assert.Equal(t, 0, c.Len())

	_, ok := c.Get([]byte("key"))
	assert.False(t, ok)

	// The chunk went back to its freelist; storing again reuses it.
	require.NoError(t, c.Set([]byte("key"), []byte("value")))
	assert.Equal(t, 1, c.Len())
}

func TestCache_BadKeys(t *testing.T) {
	c := New(testCacheConfig())

	assert.Error(t, c.Set(nil, []byte("value")))
	assert.Error(t, c.Set(make([]byte, 256), []byte("value")))
	assert.ErrorIs(t, c.Set([]byte("key"), make([]byte, 8192)), ErrTooLarge)
}

func TestCache_EvictsWithinLimit(t *testing.T) {
	conf := testCacheConfig()
	conf.Slab.MemLimit = 4096
	c := New(conf)

	value := make([]byte, 100)
	for i := 0; i < 60; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, c.Set(key, value))
	}

	id := c.slabs.Classify(item.HeaderSize + 7 + 100)
	assert.Equal(t, 1, c.slabs.ClassPages(id))
	assert.Greater(t, c.Evictions(id), uint64(0))
	assert.Less(t, c.Len(), 60)

	// Most recent keys survive, the oldest were evicted.
	_, ok := c.Get([]byte("key-059"))
	assert.True(t, ok)
	_, ok = c.Get([]byte("key-000"))
	assert.False(t, ok)
}

func TestCache_GeneralStats(t *testing.T) {
	c := New(testCacheConfig())
	require.NoError(t, c.Set([]byte("key"), []byte("value")))

	got := map[string]string{}
	c.GeneralStats(func(key, value string) {
		got[key] = value
	})
	assert.Equal(t, "1", got["curr_items"])
	assert.Equal(t, "1", got["total_items"])
	assert.Equal(t, "0", got["evictions"])
	assert.Equal(t, "0", got["reclaimed"])
	assert.Equal(t, fmt.Sprint(item.HeaderSize+3+5), got["bytes"])
}

func TestCache_SlabStatsCarryCommandCounters(t *testing.T) {
	c := New(testCacheConfig())
	require.NoError(t, c.Set([]byte("key"), []byte("value")))
	_, _ = c.Get([]byte("key"))
	_, _ = c.Get([]byte("key"))

	got := map[string]string{}
	c.Slabs().Stats(func(key, value string) {
		got[key] = value
	})
	id := c.slabs.Classify(item.HeaderSize + 3 + 5)
	assert.Equal(t, "1", got[fmt.Sprintf("%d:cmd_set", id)])
	assert.Equal(t, "2", got[fmt.Sprintf("%d:get_hits", id)])
}

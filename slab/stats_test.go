package slab

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectStats(s *Slabs) map[string]string {
	result := map[string]string{}
	s.Stats(func(key, value string) {
		result[key] = value
	})
	return result
}

func TestStats_Empty(t *testing.T) {
	s := newTestSlabs(t)
	got := collectStats(s)

	assert.Equal(t, "0", got["active_slabs"])
	assert.Equal(t, "0", got["total_malloced"])
	assert.Equal(t, "0", got["slabs_moved"])
	assert.Equal(t, "0", got["slabs_shrunk"])
	assert.Equal(t, "false", got["slab_reassign_running"])
	_, ok := got["1:chunk_size"]
	assert.False(t, ok)
}

func TestStats_PerClass(t *testing.T) {
	s := newTestSlabs(t)

	it := s.Alloc(70, 1)
	require.NotNil(t, it)
	got := collectStats(s)

	assert.Equal(t, "1", got["active_slabs"])
	assert.Equal(t, "4096", got["total_malloced"])
	assert.Equal(t, "80", got["1:chunk_size"])
	assert.Equal(t, "51", got["1:chunks_per_page"])
	assert.Equal(t, "1", got["1:total_pages"])
	assert.Equal(t, "51", got["1:total_chunks"])
	assert.Equal(t, "1", got["1:used_chunks"])
	assert.Equal(t, "50", got["1:free_chunks"])
	assert.Equal(t, "0", got["1:free_chunks_end"])
	assert.Equal(t, "70", got["1:mem_requested"])
}

func TestStats_ForwardsCommandCounters(t *testing.T) {
	s := newTestSlabs(t, func(conf *Config) {
		conf.Hooks.CommandStats = func(id int, add func(key string, value uint64)) {
			add("cmd_set", 42)
		}
	})
	it := s.Alloc(70, 1)
	require.NotNil(t, it)

	got := collectStats(s)
	assert.Equal(t, "42", got["1:cmd_set"])
}

func TestTextSink(t *testing.T) {
	var buf bytes.Buffer
	sink := TextSink(&buf)
	sink("total_malloced", "4096")
	sink("1:chunk_size", "80")

	assert.Equal(t, "STAT total_malloced 4096\r\nSTAT 1:chunk_size 80\r\n", buf.String())
}

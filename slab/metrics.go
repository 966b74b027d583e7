package slab

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the allocator statistics as Prometheus metrics. Register
// it on any registry:
//
//	prometheus.MustRegister(slab.NewCollector(slabs))
type Collector struct {
	slabs *Slabs

	totalMalloced   *prometheus.Desc
	slabsMoved      *prometheus.Desc
	slabsShrunk     *prometheus.Desc
	reassignRunning *prometheus.Desc

	chunkSize  *prometheus.Desc
	totalPages *prometheus.Desc
	usedChunks *prometheus.Desc
	freeChunks *prometheus.Desc
	requested  *prometheus.Desc
}

// NewCollector ...
func NewCollector(s *Slabs) *Collector {
	return &Collector{
		slabs: s,
		totalMalloced: prometheus.NewDesc("slab_total_malloced_bytes",
			"Bytes handed out by the arena.", nil, nil),
		slabsMoved: prometheus.NewDesc("slab_pages_moved_total",
			"Pages reassigned between classes.", nil, nil),
		slabsShrunk: prometheus.NewDesc("slab_pages_shrunk_total",
			"Pages released back to the arena.", nil, nil),
		reassignRunning: prometheus.NewDesc("slab_reassign_running",
			"Whether a page migration is in flight.", nil, nil),
		chunkSize: prometheus.NewDesc("slab_class_chunk_size_bytes",
			"Chunk size of the class.", []string{"class"}, nil),
		totalPages: prometheus.NewDesc("slab_class_pages",
			"Pages owned by the class.", []string{"class"}, nil),
		usedChunks: prometheus.NewDesc("slab_class_used_chunks",
			"Chunks handed out by the class.", []string{"class"}, nil),
		freeChunks: prometheus.NewDesc("slab_class_free_chunks",
			"Chunks on the class freelist.", []string{"class"}, nil),
		requested: prometheus.NewDesc("slab_class_requested_bytes",
			"Bytes requested from the class by its callers.", []string{"class"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalMalloced
	ch <- c.slabsMoved
	ch <- c.slabsShrunk
	ch <- c.reassignRunning
	ch <- c.chunkSize
	ch <- c.totalPages
	ch <- c.usedChunks
	ch <- c.freeChunks
	ch <- c.requested
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.slabs

	ch <- prometheus.MustNewConstMetric(c.totalMalloced, prometheus.GaugeValue,
		float64(s.arena.mallocedBytes()))
	ch <- prometheus.MustNewConstMetric(c.slabsMoved, prometheus.CounterValue,
		float64(atomic.LoadUint64(&s.slabsMoved)))
	ch <- prometheus.MustNewConstMetric(c.slabsShrunk, prometheus.CounterValue,
		float64(atomic.LoadUint64(&s.slabsShrunk)))
	running := 0.0
	if atomic.LoadInt32(&s.reassignRunning) != 0 {
		running = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.reassignRunning, prometheus.GaugeValue, running)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := smallest; id <= s.largest; id++ {
		cls := &s.classes[id]
		if len(cls.pages) == 0 {
			continue
		}
		label := strconv.Itoa(id)
		pages := uint64(len(cls.pages))
		used := pages*uint64(cls.perslab) - uint64(cls.slCurr)

		ch <- prometheus.MustNewConstMetric(c.chunkSize, prometheus.GaugeValue,
			float64(cls.size), label)
		ch <- prometheus.MustNewConstMetric(c.totalPages, prometheus.GaugeValue,
			float64(pages), label)
		ch <- prometheus.MustNewConstMetric(c.usedChunks, prometheus.GaugeValue,
			float64(used), label)
		ch <- prometheus.MustNewConstMetric(c.freeChunks, prometheus.GaugeValue,
			float64(cls.slCurr), label)
		ch <- prometheus.MustNewConstMetric(c.requested, prometheus.GaugeValue,
			float64(cls.requested), label)
	}
}

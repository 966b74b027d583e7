package slab

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/QuangTung97/robusta/item"
)

// Rebalance signal states.
const (
	signalIdle      int32 = 0
	signalRequested int32 = 1
	signalRunning   int32 = 2
)

// busyBackoff is how long the worker sleeps after a pass that hit items the
// item subsystem still references.
const busyBackoff = 50 * time.Microsecond

// rebalanceJob describes the page currently being migrated. dstID == 0 means
// shrink: the page goes back to the arena instead of another class.
type rebalanceJob struct {
	srcID     int
	dstID     int
	remaining int

	start uintptr
	end   uintptr
	pos   uintptr

	busyItems int
	done      bool
}

func (j *rebalanceJob) active() bool {
	return j.start != 0
}

// Reassign submits a one-page-at-a-time migration of n pages from src to
// dst, or a shrink of n pages when dst is 0. src == -1 picks any class with
// a spare page. Non-blocking: if a rebalance is in flight it returns
// ErrRunning immediately.
func (s *Slabs) Reassign(src, dst, n int) error {
	if !s.rebalanceMu.TryLock() {
		return ErrRunning
	}
	defer s.rebalanceMu.Unlock()
	return s.doReassign(src, dst, n)
}

func (s *Slabs) doReassign(src, dst, n int) error {
	if atomic.LoadInt32(&s.signal) != signalIdle {
		return ErrRunning
	}
	if src == dst {
		return ErrSrcDstSame
	}

	s.mu.Lock()
	if src == -1 {
		src = s.pickAnySource(dst)
		if src == -1 {
			s.mu.Unlock()
			return ErrNoSpare
		}
	}
	if src < smallest || src > s.largest ||
		(dst != 0 && (dst < smallest || dst > s.largest)) {
		s.mu.Unlock()
		return ErrBadClass
	}
	if n < 1 {
		s.mu.Unlock()
		return ErrKillFew
	}
	if len(s.classes[src].pages) < 1+n {
		s.mu.Unlock()
		return ErrNoSpare
	}
	s.mu.Unlock()

	s.rebal = rebalanceJob{srcID: src, dstID: dst, remaining: n}
	atomic.StoreInt32(&s.signal, signalRequested)
	s.rebalanceCond.Signal()
	return nil
}

// pickAnySource walks the classes once from a persistent cursor and returns
// the first class other than dst with a spare page, or -1. Called with the
// allocator lock held.
func (s *Slabs) pickAnySource(dst int) int {
	for tries := s.largest - smallest + 1; tries > 0; tries-- {
		s.pickCursor++
		if s.pickCursor > s.largest {
			s.pickCursor = smallest
		}
		if s.pickCursor == dst {
			continue
		}
		if len(s.classes[s.pickCursor].pages) > 1 {
			return s.pickCursor
		}
	}
	return -1
}

// rebalanceStart validates the job and marks the source's first page as
// dying. Holds the cache lock before the allocator lock; that order is
// mandatory everywhere the rebalancer enters the item subsystem.
func (s *Slabs) rebalanceStart() error {
	s.cacheLock().Lock()
	s.mu.Lock()

	job := &s.rebal
	shrink := job.dstID == 0

	var err error
	if job.srcID < smallest || job.srcID > s.largest ||
		(!shrink && (job.dstID < smallest || job.dstID > s.largest)) ||
		job.srcID == job.dstID {
		err = ErrBadClass
	}

	c := &s.classes[job.srcID]
	if err == nil && !shrink && !s.growPageList(job.dstID) {
		err = ErrOutOfMemory
	}
	if err == nil && len(c.pages) < 2 {
		err = ErrNoSpare
	}
	if err != nil {
		s.mu.Unlock()
		s.cacheLock().Unlock()
		return err
	}

	c.killing = 1
	job.remaining--

	pg := c.pages[c.killing-1]
	job.start = uintptr(pg.base())
	job.end = job.start + uintptr(c.size*c.perslab)
	job.pos = job.start
	job.busyItems = 0
	job.done = false

	atomic.StoreInt32(&s.signal, signalRunning)

	if shrink {
		s.log.Info("started slab shrink", "src", job.srcID)
	} else {
		s.log.Info("started slab rebalance", "src", job.srcID, "dst", job.dstID)
	}

	s.mu.Unlock()
	s.cacheLock().Unlock()

	atomic.StoreInt32(&s.reassignRunning, 1)
	return nil
}

type moveStatus int

const (
	movePass moveStatus = iota
	moveDone
	moveBusy
)

// rebalanceMove advances the cursor by up to bulkCheck chunks. For each live
// chunk it takes a reference and decides: a freelisted chunk is unlinked
// from the freelist, a linked idle item is unlinked from the item subsystem,
// anything else is busy and retried on the next pass. Vacated chunks get the
// dead sentinel so stale readers abort.
func (s *Slabs) rebalanceMove() bool {
	s.cacheLock().Lock()
	s.mu.Lock()

	c := &s.classes[s.rebal.srcID]
	wasBusy := false

	for x := 0; x < s.bulkCheck; x++ {
		it := item.FromPointer(unsafe.Pointer(s.rebal.pos))
		status := movePass
		if !it.Dead() {
			switch refcount := it.IncRef(); {
			case refcount == 1: // unreferenced
				if it.HasFlags(item.FlagSlabbed) {
					c.removeFree(it)
					status = moveDone
				} else {
					// Mid-write: allocated but not yet linked.
					status = moveBusy
				}
			case refcount == 2 && it.HasFlags(item.FlagLinked):
				if s.hooks.UnlinkItem != nil {
					s.hooks.UnlinkItem(it, it.KeyHash())
				}
				status = moveDone
			default:
				// Just unlinked, or held by a reader. Let the
				// references bleed off and try again.
				s.log.Debug("slab rebalance hit a busy item",
					"refcount", refcount, "src", s.rebal.srcID)
				status = moveBusy
			}
		}

		switch status {
		case moveDone:
			it.MarkDead()
		case moveBusy:
			s.rebal.busyItems++
			wasBusy = true
			it.DecRef()
		case movePass:
		}

		s.rebal.pos += uintptr(c.size)
		if s.rebal.pos >= s.rebal.end {
			break
		}
	}

	if s.rebal.pos >= s.rebal.end {
		if s.rebal.busyItems > 0 {
			s.rebal.pos = s.rebal.start
			s.rebal.busyItems = 0
		} else {
			s.rebal.done = true
		}
	}

	s.mu.Unlock()
	s.cacheLock().Unlock()
	return wasBusy
}

// rebalanceFinish detaches the now-clear page from the source class and
// either releases it to the arena (shrink) or grafts it onto the
// destination's freelist. Re-arms the job when more pages remain.
func (s *Slabs) rebalanceFinish() {
	s.cacheLock().Lock()
	s.mu.Lock()

	job := &s.rebal
	shrink := job.dstID == 0
	c := &s.classes[job.srcID]

	pg := c.pages[c.killing-1]
	c.pages[c.killing-1] = c.pages[len(c.pages)-1]
	c.pages = c.pages[:len(c.pages)-1]
	c.killing = 0

	if shrink {
		s.arena.release(pg.mem, pg.bytes())
	} else {
		pg.zero()
		d := &s.classes[job.dstID]
		d.pages = append(d.pages, pg)
		s.splitPageIntoFreelist(pg.base(), job.dstID)
	}

	if job.remaining > 0 {
		atomic.StoreInt32(&s.signal, signalRequested)
	} else {
		atomic.StoreInt32(&s.signal, signalIdle)
		job.srcID = 0
		job.dstID = 0
	}
	job.start = 0
	job.end = 0
	job.pos = 0
	job.done = false

	s.mu.Unlock()
	s.cacheLock().Unlock()

	atomic.StoreInt32(&s.reassignRunning, 0)
	if shrink {
		atomic.AddUint64(&s.slabsShrunk, 1)
		s.log.Info("finished slab shrink")
	} else {
		atomic.AddUint64(&s.slabsMoved, 1)
		s.log.Info("finished slab rebalance")
	}
}

// rebalanceWorker sits on the condition variable and shovels pages when
// signalled. It holds the rebalance lock whenever it is awake, so a
// concurrent Reassign observes RUNNING instead of blocking.
func (s *Slabs) rebalanceWorker() {
	defer s.wg.Done()

	wasBusy := false
	s.rebalanceMu.Lock()
	for {
		switch atomic.LoadInt32(&s.signal) {
		case signalRequested:
			if err := s.rebalanceStart(); err != nil {
				s.log.Warn("slab rebalance rejected", "error", err)
				atomic.StoreInt32(&s.signal, signalIdle)
			}
			wasBusy = false
		case signalRunning:
			if s.rebal.active() {
				wasBusy = s.rebalanceMove()
			}
		}

		if s.rebal.done {
			s.rebalanceFinish()
		} else if wasBusy {
			time.Sleep(busyBackoff)
		}

		if atomic.LoadInt32(&s.signal) == signalIdle {
			if atomic.LoadInt32(&s.running) == 0 {
				break
			}
			s.rebalanceCond.Wait()
		}
	}
	s.rebalanceMu.Unlock()
}

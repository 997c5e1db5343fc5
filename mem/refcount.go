package mem

import "sync"

// one counter + lock per physical frame, reserved kernel frames included
type refEntry struct {
	lock  sync.Mutex
	count int32
}

type refTable struct {
	entries []refEntry
}

func newRefTable(physTopByte uint64) *refTable {
	return &refTable{
		entries: make([]refEntry, physTopByte/PAGE_SIZE_BYTE),
	}
}

func (rt *refTable) entry(pageAddress uint64) *refEntry {
	return &rt.entries[pageAddress/PAGE_SIZE_BYTE]
}

// setExclusive resets a freshly popped frame to a single owner. Only
// the allocator calls this, while the frame is still off every list.
func (rt *refTable) setExclusive(pageAddress uint64) {
	entry := rt.entry(pageAddress)
	entry.lock.Lock()
	entry.count = 1
	entry.lock.Unlock()
}

func (rt *refTable) increment(pageAddress uint64) {
	entry := rt.entry(pageAddress)
	entry.lock.Lock()
	entry.count++
	entry.lock.Unlock()
}

// decrement drops one reference and reports the count left behind.
// Only the caller that observes zero may recycle the frame.
func (rt *refTable) decrement(pageAddress uint64) int32 {
	entry := rt.entry(pageAddress)
	entry.lock.Lock()
	remaining := entry.count - 1
	entry.count = remaining
	entry.lock.Unlock()
	return remaining
}

func (rt *refTable) snapshot(pageAddress uint64) int32 {
	entry := rt.entry(pageAddress)
	entry.lock.Lock()
	count := entry.count
	entry.lock.Unlock()
	return count
}

// withLock runs fn with the frame's lock held. fn must not touch the
// free list or allocate, only O(1) work under a frame lock.
func (rt *refTable) withLock(pageAddress uint64, fn func(count int32)) {
	entry := rt.entry(pageAddress)
	entry.lock.Lock()
	fn(entry.count)
	entry.lock.Unlock()
}

package mem

import (
	"fmt"
	"sync"

	"corevm/utils/freelist"

	"github.com/phuslu/log"
)

/*
Physical frame allocator

┌──────────────────────────────────────────────────────────────┐
| reserved (kernel image)  | managed frames, 4096 byte each    |
| [0, KernelEndByte)       | [rangeStart, rangeEnd)            |
└──────────────────────────────────────────────────────────────┘

Every managed frame carries a reference count: 0 means the frame sits
on the free list, 1 means a single owner that may write in place,
greater than 1 means the frame is shared and must stay read-only in
every mapping (the copy-on-write contract enforced by the vm package).

Lock discipline is the whole design: a frame lock is held for counter
work only, the list lock for push/pop only, and a frame lock is always
released before the list lock is taken. Nothing ever holds a lock
across a page fill or a copy.
*/
type FrameAllocator interface {
	// Allocate pops a free frame, makes it exclusively owned and junk
	// fills it. ErrOutOfMemory when the list is empty.
	Allocate() (uint64, error)

	// Free drops one reference; the caller that drops the last one
	// recycles the frame onto the free list. Panics on a misaligned
	// or out-of-range address, that is a corrupted pointer.
	Free(pageAddress uint64)

	// IncrementRef records one more mapping of a live frame.
	// ErrUnmanagedAddress outside the managed range, callers may probe
	// addresses they do not fully trust.
	IncrementRef(pageAddress uint64) error

	RefCount(pageAddress uint64) int32

	// RefLocked runs fn with the frame's reference lock held, passing
	// the current count. fn must stay O(1) and must not allocate.
	RefLocked(pageAddress uint64, fn func(count int32))

	// Page exposes the frame's 4096 byte backing window.
	Page(pageAddress uint64) []byte

	FreeFrames() uint64
	ManagedRange() [2]uint64
}

type frameAllocator struct {
	logger     log.Logger
	options    *MemoryOptions
	arena      []byte
	refs       *refTable
	listLock   *sync.Mutex
	freelist   freelist.FreeList
	rangeStart uint64
	rangeEnd   uint64
}

func (fa *frameAllocator) Allocate() (uint64, error) {
	fa.listLock.Lock()
	pageAddress, ok := fa.freelist.Pop()
	if ok {
		// still under the list lock, nobody can observe the frame
		// between leaving the list and becoming exclusively owned
		fa.refs.setExclusive(pageAddress)
	}
	fa.listLock.Unlock()

	if !ok {
		fa.logger.Debug().Msg("allocate: free list exhausted")
		return 0, ErrOutOfMemory
	}

	fillPage(fa.Page(pageAddress), allocFillByte)
	return pageAddress, nil
}

func (fa *frameAllocator) Free(pageAddress uint64) {
	if pageAddress%PAGE_SIZE_BYTE != 0 || pageAddress < fa.rangeStart || pageAddress >= fa.rangeEnd {
		panic(fmt.Sprintf("free: invalid page address %#x", pageAddress))
	}

	remaining := fa.refs.decrement(pageAddress)
	if remaining > 0 {
		return
	}
	if remaining < 0 {
		panic(fmt.Sprintf("free: reference underflow on page %#x", pageAddress))
	}

	// frame lock already released, safe to take the list lock now
	fillPage(fa.Page(pageAddress), freeFillByte)

	fa.listLock.Lock()
	fa.freelist.Push(pageAddress)
	fa.listLock.Unlock()
}

func (fa *frameAllocator) IncrementRef(pageAddress uint64) error {
	if pageAddress%PAGE_SIZE_BYTE != 0 || pageAddress < fa.rangeStart || pageAddress >= fa.rangeEnd {
		return ErrUnmanagedAddress
	}
	fa.refs.increment(pageAddress)
	return nil
}

func (fa *frameAllocator) RefCount(pageAddress uint64) int32 {
	return fa.refs.snapshot(pageAddress)
}

func (fa *frameAllocator) RefLocked(pageAddress uint64, fn func(count int32)) {
	fa.refs.withLock(pageAddress, fn)
}

func (fa *frameAllocator) Page(pageAddress uint64) []byte {
	if pageAddress%PAGE_SIZE_BYTE != 0 || pageAddress < fa.rangeStart || pageAddress >= fa.rangeEnd {
		panic(fmt.Sprintf("page: invalid page address %#x", pageAddress))
	}
	return fa.arena[pageAddress : pageAddress+PAGE_SIZE_BYTE]
}

func (fa *frameAllocator) FreeFrames() uint64 {
	fa.listLock.Lock()
	defer fa.listLock.Unlock()
	return fa.freelist.Size()
}

func (fa *frameAllocator) ManagedRange() [2]uint64 {
	return [2]uint64{fa.rangeStart, fa.rangeEnd}
}

/*
Builds the reference table and seeds the free list from the range of
physical memory not occupied by the kernel image. Runs once; physical
memory is never shut down, so there is no teardown.

Seeding reuses the normal release path: every whole page is marked
exclusively owned and then freed, which junk fills it and pushes it
onto the list, leaving every frame at count zero.
*/
func NewFrameAllocator(logger log.Logger, options *MemoryOptions) (FrameAllocator, error) {

	if options.PhysTopByte > MAX_PHYS_MEM_BYTE {
		return nil, fmt.Errorf("physical memory ceiling %d exceeds maximum %d", options.PhysTopByte, MAX_PHYS_MEM_BYTE)
	}

	rangeStart := pageRoundUp(options.KernelEndByte)
	rangeEnd := pageRoundDown(options.PhysTopByte)

	if rangeStart+PAGE_SIZE_BYTE > rangeEnd {
		return nil, fmt.Errorf("no whole page fits between kernel end %d and ceiling %d", options.KernelEndByte, options.PhysTopByte)
	}

	fa := &frameAllocator{
		logger:     logger,
		options:    options,
		arena:      make([]byte, rangeEnd),
		refs:       newRefTable(rangeEnd),
		listLock:   &sync.Mutex{},
		freelist:   freelist.NewStackFreeList((rangeEnd - rangeStart) / PAGE_SIZE_BYTE),
		rangeStart: rangeStart,
		rangeEnd:   rangeEnd,
	}

	for pageAddress := rangeStart; pageAddress+PAGE_SIZE_BYTE <= rangeEnd; pageAddress += PAGE_SIZE_BYTE {
		fa.refs.setExclusive(pageAddress)
		fa.Free(pageAddress)
	}

	logger.Info().Msgf("managing %d frames in [%#x, %#x)", fa.freelist.Size(), rangeStart, rangeEnd)

	return fa, nil
}

func fillPage(page []byte, fill byte) {
	for i := range page {
		page[i] = fill
	}
}

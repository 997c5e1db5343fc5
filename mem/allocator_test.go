package mem

import (
	"sync"
	"testing"

	"corevm/logging"

	"github.com/stretchr/testify/assert"
)

func newTestAllocator(t *testing.T, frames uint64) FrameAllocator {
	alloc, err := NewFrameAllocator(*logging.CreateDiscardLogger(), &MemoryOptions{
		KernelEndByte: 2 * PAGE_SIZE_BYTE,
		PhysTopByte:   (2 + frames) * PAGE_SIZE_BYTE,
	})
	assert.Nil(t, err)
	return alloc
}

func TestFrameAllocator(t *testing.T) {

	t.Run("Test option validation", func(t *testing.T) {
		logger := *logging.CreateDiscardLogger()

		_, err := NewFrameAllocator(logger, &MemoryOptions{
			KernelEndByte: 8192,
			PhysTopByte:   8192,
		})
		assert.NotNil(t, err)

		_, err = NewFrameAllocator(logger, &MemoryOptions{
			KernelEndByte: 8192,
			PhysTopByte:   MAX_PHYS_MEM_BYTE + PAGE_SIZE_BYTE,
		})
		assert.NotNil(t, err)
	})

	t.Run("Test initial population", func(t *testing.T) {
		alloc := newTestAllocator(t, 8)
		assert.Equal(t, uint64(8), alloc.FreeFrames())
		assert.Equal(t, [2]uint64{2 * PAGE_SIZE_BYTE, 10 * PAGE_SIZE_BYTE}, alloc.ManagedRange())

		// nothing handed out yet, every frame is unreferenced
		for pageAddress := uint64(2 * PAGE_SIZE_BYTE); pageAddress < 10*PAGE_SIZE_BYTE; pageAddress += PAGE_SIZE_BYTE {
			assert.Equal(t, int32(0), alloc.RefCount(pageAddress))
		}

		// drain the list: every managed frame shows up exactly once,
		// page aligned, inside the range, with a single owner
		seen := make(map[uint64]bool)
		for {
			pageAddress, err := alloc.Allocate()
			if err != nil {
				assert.ErrorIs(t, err, ErrOutOfMemory)
				break
			}
			assert.False(t, seen[pageAddress])
			seen[pageAddress] = true
			assert.Equal(t, uint64(0), pageAddress%PAGE_SIZE_BYTE)
			assert.GreaterOrEqual(t, pageAddress, uint64(2*PAGE_SIZE_BYTE))
			assert.Less(t, pageAddress, uint64(10*PAGE_SIZE_BYTE))
			assert.Equal(t, int32(1), alloc.RefCount(pageAddress))
		}
		assert.Len(t, seen, 8)
		assert.Equal(t, uint64(0), alloc.FreeFrames())
	})

	t.Run("Test junk fill patterns", func(t *testing.T) {
		alloc := newTestAllocator(t, 2)

		pageAddress, err := alloc.Allocate()
		assert.Nil(t, err)
		page := alloc.Page(pageAddress)
		assert.Equal(t, byte(0x05), page[0])
		assert.Equal(t, byte(0x05), page[len(page)-1])

		alloc.Free(pageAddress)
		assert.Equal(t, byte(0x01), page[0])
		assert.Equal(t, byte(0x01), page[len(page)-1])
	})

	t.Run("Test allocate free round trip", func(t *testing.T) {
		alloc := newTestAllocator(t, 4)

		pageAddress, err := alloc.Allocate()
		assert.Nil(t, err)
		assert.Equal(t, int32(1), alloc.RefCount(pageAddress))
		assert.Equal(t, uint64(3), alloc.FreeFrames())

		alloc.Free(pageAddress)
		assert.Equal(t, int32(0), alloc.RefCount(pageAddress))
		assert.Equal(t, uint64(4), alloc.FreeFrames())

		// most recently freed frame comes back first
		again, err := alloc.Allocate()
		assert.Nil(t, err)
		assert.Equal(t, pageAddress, again)
	})

	t.Run("Test shared reference lifecycle", func(t *testing.T) {
		alloc := newTestAllocator(t, 4)

		pageAddress, err := alloc.Allocate()
		assert.Nil(t, err)
		assert.Nil(t, alloc.IncrementRef(pageAddress))
		assert.Equal(t, int32(2), alloc.RefCount(pageAddress))

		// first free only drops a reference, the frame stays off the list
		alloc.Free(pageAddress)
		assert.Equal(t, int32(1), alloc.RefCount(pageAddress))
		assert.Equal(t, uint64(3), alloc.FreeFrames())

		alloc.Free(pageAddress)
		assert.Equal(t, int32(0), alloc.RefCount(pageAddress))
		assert.Equal(t, uint64(4), alloc.FreeFrames())
	})

	t.Run("Test increment range errors", func(t *testing.T) {
		alloc := newTestAllocator(t, 4)
		managed := alloc.ManagedRange()

		assert.ErrorIs(t, alloc.IncrementRef(managed[0]+1), ErrUnmanagedAddress)
		assert.ErrorIs(t, alloc.IncrementRef(managed[0]-PAGE_SIZE_BYTE), ErrUnmanagedAddress)
		assert.ErrorIs(t, alloc.IncrementRef(managed[1]), ErrUnmanagedAddress)
	})

	t.Run("Test invalid free panics", func(t *testing.T) {
		alloc := newTestAllocator(t, 4)
		managed := alloc.ManagedRange()

		assert.Panics(t, func() { alloc.Free(managed[0] + 1) })
		assert.Panics(t, func() { alloc.Free(managed[0] - PAGE_SIZE_BYTE) })
		assert.Panics(t, func() { alloc.Free(managed[1]) })
	})

	t.Run("Test double free panics", func(t *testing.T) {
		alloc := newTestAllocator(t, 4)

		pageAddress, err := alloc.Allocate()
		assert.Nil(t, err)
		alloc.Free(pageAddress)
		assert.Panics(t, func() { alloc.Free(pageAddress) })
	})

	t.Run("Test page window access", func(t *testing.T) {
		alloc := newTestAllocator(t, 2)

		pageAddress, err := alloc.Allocate()
		assert.Nil(t, err)
		page := alloc.Page(pageAddress)
		assert.Len(t, page, int(PAGE_SIZE_BYTE))

		assert.Panics(t, func() { alloc.Page(pageAddress + 1) })
		assert.Panics(t, func() { alloc.Page(alloc.ManagedRange()[1]) })
	})

	t.Run("Test concurrent increments and frees", func(t *testing.T) {
		alloc := newTestAllocator(t, 2)

		pageAddress, err := alloc.Allocate()
		assert.Nil(t, err)

		// headroom so the freeing goroutine can never drive the
		// count to zero mid-run
		for i := 0; i < 500; i++ {
			assert.Nil(t, alloc.IncrementRef(pageAddress))
		}

		var wg sync.WaitGroup
		wg.Add(3)
		for g := 0; g < 2; g++ {
			go func() {
				defer wg.Done()
				for i := 0; i < 1000; i++ {
					alloc.IncrementRef(pageAddress)
				}
			}()
		}
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				alloc.Free(pageAddress)
			}
		}()
		wg.Wait()

		// 1 original + 500 headroom + 2000 increments - 500 frees
		assert.Equal(t, int32(2001), alloc.RefCount(pageAddress))
		assert.Equal(t, uint64(1), alloc.FreeFrames())
	})
}

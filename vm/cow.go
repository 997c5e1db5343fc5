package vm

import (
	"fmt"

	"corevm/mem"
)

/*
Copy-on-write fork and fault path.

Forking shares every mapped frame between parent and child instead of
copying it: writable entries are demoted to read-only with the COW bit
set on both sides and the frame's reference count goes up by one. The
first write through either side faults, and the fault either upgrades
a sole owner in place or duplicates the frame for the writer. A frame
with more than one reference is never writable through any mapping.
*/

// CloneShared maps the parent range [va, va+size) into child, sharing
// every frame copy-on-write. On failure the partially built child
// range is torn down and the extra references are given back; parent
// entries stay demoted, which only defers writes and loses nothing.
func (as *AddressSpace) CloneShared(child *AddressSpace, va uint64, size uint64) error {
	if va%mem.PAGE_SIZE_BYTE != 0 {
		panic(fmt.Sprintf("clone: unaligned virtual address %#x", va))
	}

	cloned := uint64(0)
	for offset := uint64(0); offset < size; offset += mem.PAGE_SIZE_BYTE {
		current := va + offset
		ref, ok := as.walk(current, false)
		if !ok {
			panic(fmt.Sprintf("clone: no table for virtual page %#x", current))
		}
		entry := ref.load()
		if !entryFlags(entry).Has(FlagValid) {
			panic(fmt.Sprintf("clone: virtual page %#x not mapped", current))
		}
		pageAddress := entryAddress(entry)

		flags := entryFlags(entry)
		if flags.Has(FlagWritable) {
			flags = (flags | FlagCow) &^ FlagWritable
			ref.store(composeEntry(pageAddress, flags))
		}

		if err := as.alloc.IncrementRef(pageAddress); err != nil {
			child.Unmap(va, cloned/mem.PAGE_SIZE_BYTE, true)
			return err
		}
		if err := child.Map(current, mem.PAGE_SIZE_BYTE, pageAddress, flags&^FlagValid); err != nil {
			as.alloc.Free(pageAddress) // give back the reference taken for the child
			child.Unmap(va, cloned/mem.PAGE_SIZE_BYTE, true)
			return err
		}
		cloned += mem.PAGE_SIZE_BYTE
	}

	as.logger.Debug().Msgf("cloned %d pages at %#x copy-on-write", cloned/mem.PAGE_SIZE_BYTE, va)
	return nil
}

// IsCowPage reports whether va sits on a live copy-on-write mapping.
// Out-of-range and unmapped addresses are simply not COW pages, never
// errors, so the fault path can probe cheaply before resolving.
func (as *AddressSpace) IsCowPage(va uint64) bool {
	if va >= MAX_VA {
		return false
	}
	ref, ok := as.walk(va, false)
	if !ok {
		return false
	}
	flags := entryFlags(ref.load())
	return flags.Has(FlagValid) && flags.Has(FlagCow)
}

// ResolveCowFault grants write access to the page under va. The sole
// owner of the frame is upgraded in place; a shared frame is
// duplicated for this address space and the original loses one
// reference. The caller must have validated the fault with IsCowPage
// first. Failure means the faulting process is out of luck, not the
// kernel: ErrOutOfMemory under exhaustion, ErrMappingFailed when the
// duplicate could not be installed (the original mapping is restored).
func (as *AddressSpace) ResolveCowFault(va uint64) (uint64, error) {
	pageVA := pageRoundDown(va)
	ref, ok := as.walk(pageVA, false)
	if !ok {
		panic(fmt.Sprintf("resolve cow fault: no mapping for %#x", va))
	}
	entry := ref.load()
	pageAddress := entryAddress(entry)

	sole := false
	as.alloc.RefLocked(pageAddress, func(count int32) {
		if count == 1 {
			// nobody else holds the frame, upgrade in place
			flags := (entryFlags(entry) | FlagWritable) &^ FlagCow
			ref.store(composeEntry(pageAddress, flags))
			sole = true
		}
	})
	if sole {
		return pageAddress, nil
	}

	// shared frame: duplicate it. The frame lock is released before
	// allocating, the allocator needs the list lock.
	newPage, err := as.alloc.Allocate()
	if err != nil {
		return 0, err
	}
	copy(as.alloc.Page(newPage), as.alloc.Page(pageAddress))

	flags := (entryFlags(entry) | FlagWritable) &^ FlagCow
	ref.store(composeEntry(pageAddress, entryFlags(entry)&^FlagValid))
	if err := as.Map(pageVA, mem.PAGE_SIZE_BYTE, newPage, flags&^FlagValid); err != nil {
		as.alloc.Free(newPage)
		ref.store(entry) // put the original mapping back, the page must not vanish
		return 0, ErrMappingFailed
	}

	as.alloc.Free(pageAddress)
	as.logger.Debug().Msgf("cow fault at %#x: copied frame %#x -> %#x", va, pageAddress, newPage)
	return newPage, nil
}

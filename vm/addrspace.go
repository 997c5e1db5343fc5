package vm

import (
	"encoding/binary"
	"fmt"

	"corevm/mem"

	"github.com/phuslu/log"
)

var ErrBadAddress = fmt.Errorf("address is not mapped for the requested access")
var ErrMappingFailed = fmt.Errorf("failed to install page mapping")

/*
AddressSpace is one process view of memory. The page table pages
themselves live in allocator frames: a table page is 512 little-endian
8 byte entries occupying one frame, so walking a table means reading
the frame's bytes and installing a mapping means writing them. The
allocator is shared by every address space; the table structure of one
address space is touched by one execution context at a time, which is
the calling kernel's job to guarantee, not this package's.
*/
type AddressSpace struct {
	logger log.Logger
	alloc  mem.FrameAllocator
	root   uint64
}

func NewAddressSpace(logger log.Logger, alloc mem.FrameAllocator) (*AddressSpace, error) {
	root, err := allocTablePage(alloc)
	if err != nil {
		return nil, err
	}
	return &AddressSpace{
		logger: logger,
		alloc:  alloc,
		root:   root,
	}, nil
}

// entryRef addresses one entry slot inside a page table frame
type entryRef struct {
	table  []byte
	offset int
}

func (e entryRef) load() uint64 {
	return binary.LittleEndian.Uint64(e.table[e.offset : e.offset+entrySizeByte])
}

func (e entryRef) store(entry uint64) {
	binary.LittleEndian.PutUint64(e.table[e.offset:e.offset+entrySizeByte], entry)
}

// walk descends to the leaf entry for va, allocating and zeroing
// intermediate table frames on demand. Reports false when the entry
// does not exist and either allocate is unset or a table frame could
// not be allocated.
func (as *AddressSpace) walk(va uint64, allocate bool) (entryRef, bool) {
	if va >= MAX_VA {
		panic(fmt.Sprintf("walk: virtual address %#x beyond maximum", va))
	}

	table := as.root
	for level := pageTableLevels - 1; level > 0; level-- {
		ref := entryRef{
			table:  as.alloc.Page(table),
			offset: tableIndex(level, va) * entrySizeByte,
		}
		entry := ref.load()
		if entryFlags(entry).Has(FlagValid) {
			table = entryAddress(entry)
			continue
		}
		if !allocate {
			return entryRef{}, false
		}
		child, err := allocTablePage(as.alloc)
		if err != nil {
			return entryRef{}, false
		}
		ref.store(composeEntry(child, FlagValid))
		table = child
	}

	return entryRef{
		table:  as.alloc.Page(table),
		offset: tableIndex(0, va) * entrySizeByte,
	}, true
}

// Map installs leaf mappings for every page of [va, va+size) starting
// at frame pageAddress. ErrOutOfMemory when an intermediate table
// frame cannot be allocated; remapping a live entry is a caller bug.
func (as *AddressSpace) Map(va uint64, size uint64, pageAddress uint64, flags EntryFlag) error {
	if size == 0 {
		panic("map: zero size")
	}

	current := pageRoundDown(va)
	last := pageRoundDown(va + size - 1)
	frame := pageAddress
	for {
		ref, ok := as.walk(current, true)
		if !ok {
			return mem.ErrOutOfMemory
		}
		if entryFlags(ref.load()).Has(FlagValid) {
			panic(fmt.Sprintf("map: remap of virtual page %#x", current))
		}
		ref.store(composeEntry(frame, flags|FlagValid))
		if current == last {
			break
		}
		current += mem.PAGE_SIZE_BYTE
		frame += mem.PAGE_SIZE_BYTE
	}
	return nil
}

// Translate resolves va to its frame address and entry flags without
// allocating anything.
func (as *AddressSpace) Translate(va uint64) (uint64, EntryFlag, bool) {
	if va >= MAX_VA {
		return 0, 0, false
	}
	ref, ok := as.walk(va, false)
	if !ok {
		return 0, 0, false
	}
	entry := ref.load()
	flags := entryFlags(entry)
	if !flags.Has(FlagValid) {
		return 0, 0, false
	}
	return entryAddress(entry), flags, true
}

// Unmap clears npages leaf mappings starting at va. With free set the
// frames are released through the allocator, dropping one reference
// each.
func (as *AddressSpace) Unmap(va uint64, npages uint64, free bool) {
	if va%mem.PAGE_SIZE_BYTE != 0 {
		panic(fmt.Sprintf("unmap: unaligned virtual address %#x", va))
	}

	for i := uint64(0); i < npages; i++ {
		current := va + i*mem.PAGE_SIZE_BYTE
		ref, ok := as.walk(current, false)
		if !ok {
			panic(fmt.Sprintf("unmap: no table for virtual page %#x", current))
		}
		entry := ref.load()
		if !entryFlags(entry).Has(FlagValid) {
			panic(fmt.Sprintf("unmap: virtual page %#x not mapped", current))
		}
		if free {
			as.alloc.Free(entryAddress(entry))
		}
		ref.store(0)
	}
}

// Destroy releases every page table frame of the address space. All
// leaf mappings must have been unmapped first; a surviving one means
// the caller is leaking a referenced frame.
func (as *AddressSpace) Destroy() {
	as.freeTable(as.root, pageTableLevels-1)
	as.root = 0
}

func (as *AddressSpace) freeTable(table uint64, level int) {
	page := as.alloc.Page(table)
	for i := 0; i < entriesPerTable; i++ {
		ref := entryRef{table: page, offset: i * entrySizeByte}
		entry := ref.load()
		if !entryFlags(entry).Has(FlagValid) {
			continue
		}
		if level == 0 {
			panic(fmt.Sprintf("destroy: leaf entry %d still mapped in table %#x", i, table))
		}
		as.freeTable(entryAddress(entry), level-1)
		ref.store(0)
	}
	as.alloc.Free(table)
}

// ReadBytes copies len(buffer) bytes out of the address space
// starting at va, crossing page boundaries as needed.
func (as *AddressSpace) ReadBytes(va uint64, buffer []byte) error {
	read := uint64(0)
	for read < uint64(len(buffer)) {
		current := va + read
		pageVA := pageRoundDown(current)
		pageAddress, _, ok := as.Translate(pageVA)
		if !ok {
			return ErrBadAddress
		}
		page := as.alloc.Page(pageAddress)
		copied := copy(buffer[read:], page[current-pageVA:])
		read += uint64(copied)
	}
	return nil
}

// WriteBytes copies data into the address space starting at va. A
// write that lands on a copy-on-write page resolves the fault first,
// so the store goes to a frame this address space owns exclusively.
func (as *AddressSpace) WriteBytes(va uint64, data []byte) error {
	written := uint64(0)
	for written < uint64(len(data)) {
		current := va + written
		pageVA := pageRoundDown(current)
		pageAddress, flags, ok := as.Translate(pageVA)
		if !ok {
			return ErrBadAddress
		}
		if !flags.Has(FlagWritable) {
			if !as.IsCowPage(pageVA) {
				return ErrBadAddress
			}
			resolved, err := as.ResolveCowFault(pageVA)
			if err != nil {
				return err
			}
			pageAddress = resolved
		}
		page := as.alloc.Page(pageAddress)
		copied := copy(page[current-pageVA:], data[written:])
		written += uint64(copied)
	}
	return nil
}

func allocTablePage(alloc mem.FrameAllocator) (uint64, error) {
	pageAddress, err := alloc.Allocate()
	if err != nil {
		return 0, err
	}
	clearPage(alloc.Page(pageAddress))
	return pageAddress, nil
}

func clearPage(page []byte) {
	for i := range page {
		page[i] = 0
	}
}

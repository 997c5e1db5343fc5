package vm

import "corevm/mem"

// 3 level page tables, 512 entries each, 4096 byte pages: 39 bit
// virtual addresses with the top bit unusable
const MAX_VA = uint64(1) << 38

const pageShift = 12
const pageTableLevels = 3
const entriesPerTable = 512
const entrySizeByte = 8

type EntryFlag uint64

const (
	FlagValid    EntryFlag = 1 << 0
	FlagReadable EntryFlag = 1 << 1
	FlagWritable EntryFlag = 1 << 2
	FlagUser     EntryFlag = 1 << 4
	FlagCow      EntryFlag = 1 << 8 // software bit: frame is shared, duplicate before writing
)

const entryFlagMask = uint64(0x3FF)

func (f EntryFlag) Has(flag EntryFlag) bool {
	return f&flag == flag
}

// entries pack the frame address above the 10 flag bits
func composeEntry(pageAddress uint64, flags EntryFlag) uint64 {
	return (pageAddress>>pageShift)<<10 | uint64(flags)
}

func entryAddress(entry uint64) uint64 {
	return (entry >> 10) << pageShift
}

func entryFlags(entry uint64) EntryFlag {
	return EntryFlag(entry & entryFlagMask)
}

// 9 bit table index for the given level of a virtual address
func tableIndex(level int, va uint64) int {
	return int((va >> (pageShift + 9*uint(level))) & 0x1FF)
}

func pageRoundDown(va uint64) uint64 {
	return va &^ (mem.PAGE_SIZE_BYTE - 1)
}

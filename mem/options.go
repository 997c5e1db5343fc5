package mem

import "fmt"

const PAGE_SIZE_BYTE = uint64(4096)
const MAX_PHYS_MEM_BYTE = uint64(1024 * 1024 * 1024) // 1GB

// distinct fill bytes so a stale pointer shows which side it came from
const allocFillByte = byte(0x05)
const freeFillByte = byte(0x01)

var ErrOutOfMemory = fmt.Errorf("out of physical memory")
var ErrUnmanagedAddress = fmt.Errorf("address outside managed physical range")

/*
MemoryOptions describes the physical address range handed to the
allocator. Everything below KernelEndByte is reserved (kernel image,
boot data) and never tracked; frames are carved out of
[KernelEndByte, PhysTopByte) after rounding to page boundaries.
*/
type MemoryOptions struct {
	KernelEndByte uint64
	PhysTopByte   uint64
}

func pageRoundUp(address uint64) uint64 {
	return (address + PAGE_SIZE_BYTE - 1) &^ (PAGE_SIZE_BYTE - 1)
}

func pageRoundDown(address uint64) uint64 {
	return address &^ (PAGE_SIZE_BYTE - 1)
}

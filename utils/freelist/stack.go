package freelist

type FreeList interface {
	Push(pageAddress uint64)
	Pop() (uint64, bool)
	Size() uint64
}

/*
LIFO stack of free page addresses.

The classic allocator threads a next pointer through the first bytes
of every free page. Keeping the addresses in a separate slice means a
free page stays plain junk-filled memory and never has to be
reinterpreted as a list node. Reuse order is unchanged: most recently
freed page comes back first.

Not synchronized. The owning allocator serializes access under its
own list lock.
*/
type StackFreeList struct {
	stack []uint64
}

func NewStackFreeList(capacityHint uint64) *StackFreeList {
	return &StackFreeList{
		stack: make([]uint64, 0, capacityHint),
	}
}

func (sfl *StackFreeList) Push(pageAddress uint64) {
	sfl.stack = append(sfl.stack, pageAddress)
}

func (sfl *StackFreeList) Pop() (uint64, bool) {
	if len(sfl.stack) == 0 {
		return 0, false
	}
	pageAddress := sfl.stack[len(sfl.stack)-1]
	sfl.stack = sfl.stack[:len(sfl.stack)-1]
	return pageAddress, true
}

func (sfl *StackFreeList) Size() uint64 {
	return uint64(len(sfl.stack))
}

// Package heap implements the free-list allocator that backs process heaps.
package heap

import (
	"sort"

	"gophertask/kernel"
	"gophertask/kernel/mm"
	"gophertask/kernel/sync"
)

var (
	// ErrNoSpace is returned when no free block can satisfy an allocation.
	ErrNoSpace = &kernel.Error{Module: "heap", Message: "no free block large enough to satisfy allocation request"}

	errInvalidSize      = &kernel.Error{Module: "heap", Message: "allocation size must be greater than zero"}
	errInvalidAlignment = &kernel.Error{Module: "heap", Message: "alignment must be a power of two"}
	errOverlappingFree  = &kernel.Error{Module: "heap", Message: "freed block overlaps free memory"}
)

// block is a contiguous run of free bytes.
type block struct {
	start uintptr
	size  uintptr
}

func (b block) end() uintptr {
	return b.start + b.size
}

// Heap is a first-fit allocator over a list of free blocks kept sorted by
// address. Adjacent free blocks are merged when memory is returned to the
// heap. The heap only does bookkeeping; it never touches the memory it
// manages.
type Heap struct {
	lock sync.Spinlock
	free []block
}

// Add hands the region [start, start+size) to the heap.
func (h *Heap) Add(start uintptr, size mm.Size) *kernel.Error {
	h.lock.Acquire()
	defer h.lock.Release()

	return h.insert(block{start: start, size: uintptr(size)})
}

// Alloc reserves size bytes whose start address is a multiple of align. An
// align value of 0 is treated as 1.
func (h *Heap) Alloc(size mm.Size, align uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errInvalidSize
	}
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return 0, errInvalidAlignment
	}

	h.lock.Acquire()
	defer h.lock.Release()

	for index, b := range h.free {
		aligned := (b.start + align - 1) &^ (align - 1)
		if aligned < b.start || aligned-b.start > b.size || uintptr(size) > b.size-(aligned-b.start) {
			continue
		}

		var (
			head = block{start: b.start, size: aligned - b.start}
			tail = block{start: aligned + uintptr(size), size: b.end() - aligned - uintptr(size)}
			keep = make([]block, 0, 2)
		)

		if head.size != 0 {
			keep = append(keep, head)
		}
		if tail.size != 0 {
			keep = append(keep, tail)
		}

		h.free = append(h.free[:index], append(keep, h.free[index+1:]...)...)
		return aligned, nil
	}

	return 0, ErrNoSpace
}

// Free returns the block [addr, addr+size) to the heap. Blocks that overlap
// memory that is already free are rejected.
func (h *Heap) Free(addr uintptr, size mm.Size) *kernel.Error {
	if size == 0 {
		return errInvalidSize
	}

	h.lock.Acquire()
	defer h.lock.Release()

	return h.insert(block{start: addr, size: uintptr(size)})
}

// Available returns the total number of free bytes.
func (h *Heap) Available() mm.Size {
	h.lock.Acquire()
	defer h.lock.Release()

	var total mm.Size
	for _, b := range h.free {
		total += mm.Size(b.size)
	}
	return total
}

// insert adds b to the sorted free list merging it with its neighbors.
func (h *Heap) insert(b block) *kernel.Error {
	if b.end() < b.start {
		return errOverlappingFree
	}

	index := sort.Search(len(h.free), func(i int) bool {
		return h.free[i].start >= b.start
	})

	if (index > 0 && h.free[index-1].end() > b.start) ||
		(index < len(h.free) && b.end() > h.free[index].start) {
		return errOverlappingFree
	}

	h.free = append(h.free, block{})
	copy(h.free[index+1:], h.free[index:])
	h.free[index] = b

	if index+1 < len(h.free) && h.free[index].end() == h.free[index+1].start {
		h.free[index].size += h.free[index+1].size
		h.free = append(h.free[:index+1], h.free[index+2:]...)
	}
	if index > 0 && h.free[index-1].end() == h.free[index].start {
		h.free[index-1].size += h.free[index].size
		h.free = append(h.free[:index], h.free[index+1:]...)
	}

	return nil
}

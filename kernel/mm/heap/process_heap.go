package heap

import (
	"gophertask/kernel"
	"gophertask/kernel/kfmt"
	"gophertask/kernel/mm"
	"gophertask/kernel/mm/vmm"
	"gophertask/kernel/sync"
)

const (
	// UserHeapStart is the virtual address where every user heap begins.
	UserHeapStart = uintptr(20 * mm.Tb)

	// UserHeapInitialSize is the amount of memory mapped for a user heap
	// when the process is created.
	UserHeapInitialSize = 32 * mm.Kb

	userHeapFlags = vmm.FlagPresent | vmm.FlagRW | vmm.FlagUserAccessible
)

var (
	// ErrKernelHeap is returned when a kernel process tries to use a
	// process heap. Kernel code allocates from the Go heap instead.
	ErrKernelHeap = &kernel.Error{Module: "process_heap", Message: "process heaps cannot be used by kernel processes"}

	errInvalidFreeRange = &kernel.Error{Module: "process_heap", Message: "freed block lies outside the heap"}
)

// RegionMapper is implemented by address spaces that can back a virtual
// region with physical memory.
type RegionMapper interface {
	MapRegion(start uintptr, size mm.Size, flags vmm.PageTableEntryFlag) *kernel.Error
}

// Kind selects the behavior of a ProcessHeap.
type Kind uint8

const (
	// KindKernel heaps belong to kernel processes and reject every request.
	KindKernel Kind = iota

	// KindUser heaps are mapped into the lower half of a user address
	// space starting at UserHeapStart.
	KindUser
)

// ProcessHeap is the heap of a single process. User heaps start with
// UserHeapInitialSize bytes and grow on demand by mapping additional pages
// right after the end of the heap.
type ProcessHeap struct {
	lock sync.Spinlock

	kind  Kind
	space RegionMapper

	// size is the number of bytes mapped for the heap.
	size mm.Size

	allocator Heap
}

// NewKernelHeap returns the heap used by kernel processes.
func NewKernelHeap() *ProcessHeap {
	return &ProcessHeap{kind: KindKernel}
}

// NewUserHeap maps the initial heap region into space and returns a heap
// that manages it.
func NewUserHeap(space RegionMapper) (*ProcessHeap, *kernel.Error) {
	h := &ProcessHeap{kind: KindUser, space: space}

	if err := h.grow(UserHeapInitialSize); err != nil {
		return nil, err
	}

	return h, nil
}

// Kind returns the heap kind.
func (h *ProcessHeap) Kind() Kind {
	return h.kind
}

// Size returns the number of bytes currently mapped for the heap.
func (h *ProcessHeap) Size() mm.Size {
	h.lock.Acquire()
	defer h.lock.Release()
	return h.size
}

// grow maps size more bytes at the end of the heap. The caller must hold the
// heap lock unless the heap has not been published yet.
func (h *ProcessHeap) grow(size mm.Size) *kernel.Error {
	size = mm.Size(size.Pages() * mm.PageSize)
	start := UserHeapStart + uintptr(h.size)

	if uintptr(size) > vmm.UserSpaceEnd-start {
		return ErrNoSpace
	}

	if err := h.space.MapRegion(start, size, userHeapFlags); err != nil {
		return err
	}

	if err := h.allocator.Add(start, size); err != nil {
		return err
	}

	h.size += size
	return nil
}

// Alloc reserves size bytes aligned to align. When the heap cannot satisfy
// the request it grows by twice the requested size, rounded up to a whole
// number of pages.
func (h *ProcessHeap) Alloc(size mm.Size, align uintptr) (uintptr, *kernel.Error) {
	if h.kind == KindKernel {
		return 0, ErrKernelHeap
	}

	h.lock.Acquire()
	defer h.lock.Release()

	addr, err := h.allocator.Alloc(size, align)
	if err != ErrNoSpace {
		return addr, err
	}

	growBy := 2*size + mm.Size(align)
	kfmt.Printf("[process_heap] growing heap by %d bytes\n", uint64(growBy))
	if err = h.grow(growBy); err != nil {
		return 0, err
	}

	return h.allocator.Alloc(size, align)
}

// Free returns a block previously obtained from Alloc.
func (h *ProcessHeap) Free(addr uintptr, size mm.Size) *kernel.Error {
	if h.kind == KindKernel {
		return ErrKernelHeap
	}

	h.lock.Acquire()
	defer h.lock.Release()

	end := UserHeapStart + uintptr(h.size)
	if addr < UserHeapStart || addr > end || uintptr(size) > end-addr {
		return errInvalidFreeRange
	}

	return h.allocator.Free(addr, size)
}

package vmm

import (
	"gophertask/kernel"
	"gophertask/kernel/mm"
	"gophertask/kernel/mm/pmm"
	"gophertask/kernel/sync"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrBadUserAddress is returned when a user-supplied range is not fully
	// mapped as user-accessible memory.
	ErrBadUserAddress = &kernel.Error{Module: "vmm", Message: "address range is not accessible from user-mode"}

	errNoHugePageSupport           = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag"}
	errUnrecoverableFault          = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
	errWriteProtected              = &kernel.Error{Module: "vmm", Message: "write to read-only page"}
	errNonCanonicalAddress         = &kernel.Error{Module: "vmm", Message: "address range is not canonical"}
	errDestroyed                   = &kernel.Error{Module: "vmm", Message: "address space has been destroyed"}
	errDestroyKernelSpace          = &kernel.Error{Module: "vmm", Message: "the kernel address space cannot be destroyed"}
	errReserveNoSpace              = &kernel.Error{Module: "kernel_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// AddressSpace is a 4-level page table hierarchy stored in physical memory.
//
// The upper (kernel) half of every address space points to the same set of
// page tables, owned by the kernel address space. Operations that touch the
// kernel half are therefore serialized by the kernel address space lock while
// operations on the lower half only hold the lock of the address space they
// were invoked on.
type AddressSpace struct {
	lock sync.Spinlock

	mem   *pmm.Memory
	alloc mm.FrameAllocator
	root  mm.Frame

	// kernel is nil for the kernel address space.
	kernel *AddressSpace

	// zeroFrame is a zero-cleared frame shared by all address spaces.
	// Mapping it in conjunction with FlagCopyOnWrite implements
	// on-demand allocation.
	zeroFrame mm.Frame

	// reserveNext is the lowest address handed out by ReserveRegion.
	// It is only used by the kernel address space.
	reserveNext uintptr
}

// NewKernelAddressSpace creates the kernel address space. All P4 entries
// covering the kernel half are populated up front so that address spaces
// created afterwards observe every kernel mapping.
func NewKernelAddressSpace(mem *pmm.Memory, alloc mm.FrameAllocator) (*AddressSpace, *kernel.Error) {
	as := &AddressSpace{
		mem:         mem,
		alloc:       alloc,
		reserveNext: regionReserveTop,
	}

	var err *kernel.Error
	if as.root, err = as.allocTable(); err != nil {
		return nil, err
	}

	rootTable := as.mem.Table(as.root)
	for index := kernelHalfFirstEntry; index < int(mm.EntriesPerTable); index++ {
		var tableFrame mm.Frame
		if tableFrame, err = as.allocTable(); err != nil {
			as.freeTables(as.root, 0, 0, int(mm.EntriesPerTable))
			return nil, err
		}

		pte := (*pageTableEntry)(&rootTable[index])
		pte.SetFrame(tableFrame)
		pte.SetFlags(FlagPresent | FlagRW)
	}

	if as.zeroFrame, err = as.allocTable(); err != nil {
		as.freeTables(as.root, 0, 0, int(mm.EntriesPerTable))
		return nil, err
	}

	return as, nil
}

// NewAddressSpace creates an empty process address space that shares the
// kernel half of kernelSpace.
func NewAddressSpace(kernelSpace *AddressSpace) (*AddressSpace, *kernel.Error) {
	if kernelSpace.kernel != nil {
		kernelSpace = kernelSpace.kernel
	}

	as := &AddressSpace{
		mem:       kernelSpace.mem,
		alloc:     kernelSpace.alloc,
		kernel:    kernelSpace,
		zeroFrame: kernelSpace.zeroFrame,
	}

	var err *kernel.Error
	if as.root, err = as.allocTable(); err != nil {
		return nil, err
	}

	kernelSpace.lock.Acquire()
	copy(
		as.mem.Table(as.root)[kernelHalfFirstEntry:],
		kernelSpace.mem.Table(kernelSpace.root)[kernelHalfFirstEntry:],
	)
	kernelSpace.lock.Release()

	return as, nil
}

// IsKernel returns true for the kernel address space.
func (as *AddressSpace) IsKernel() bool {
	return as.kernel == nil
}

// PDTAddress returns the physical address of the top-level page table. This
// is the value loaded into CR3 when the address space becomes active.
func (as *AddressSpace) PDTAddress() uintptr {
	return as.root.Address()
}

// Memory returns the physical memory backing the address space.
func (as *AddressSpace) Memory() *pmm.Memory {
	return as.mem
}

// owner returns the address space whose lock guards the mappings of
// virtAddr and validates that virtAddr is canonical.
func (as *AddressSpace) owner(virtAddr uintptr) (*AddressSpace, *kernel.Error) {
	switch {
	case virtAddr >= KernelSpaceStart:
		if as.kernel != nil {
			return as.kernel, nil
		}
		return as, nil
	case virtAddr < UserSpaceEnd:
		return as, nil
	default:
		return nil, errNonCanonicalAddress
	}
}

// lockFor acquires the lock guarding virtAddr and returns the address space
// that holds it. Callers must release the returned space's lock.
func (as *AddressSpace) lockFor(virtAddr uintptr) (*AddressSpace, *kernel.Error) {
	owner, err := as.owner(virtAddr)
	if err != nil {
		return nil, err
	}

	owner.lock.Acquire()
	if !owner.root.Valid() {
		owner.lock.Release()
		return nil, errDestroyed
	}
	return owner, nil
}

// checkRange ensures that [virtAddr, virtAddr+size) does not cross the
// non-canonical hole.
func checkRange(virtAddr, size uintptr) *kernel.Error {
	if size == 0 {
		return nil
	}

	last := virtAddr + size - 1
	switch {
	case last < virtAddr:
		return errNonCanonicalAddress
	case virtAddr < UserSpaceEnd && last < UserSpaceEnd:
		return nil
	case virtAddr >= KernelSpaceStart:
		return nil
	}
	return errNonCanonicalAddress
}

func (as *AddressSpace) allocTable() (mm.Frame, *kernel.Error) {
	frame, err := as.alloc.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	kernel.Memset(as.mem.FrameBytes(frame), 0)
	return frame, nil
}

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. If walkFn returns false then the walk is aborted.
func (as *AddressSpace) walk(virtAddr uintptr, walkFn pageTableWalker) {
	table := as.mem.Table(as.root)

	for level := uint8(0); level < pageLevels; level++ {
		index := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := (*pageTableEntry)(&table[index])

		if !walkFn(level, pte) || level == pageLevels-1 {
			return
		}

		if table = as.mem.Table(pte.Frame()); table == nil {
			return
		}
	}
}

// pteForAddress returns the final page table entry that corresponds to a
// particular virtual address. The function performs a page table walk till it
// reaches the final page table entry returning ErrInvalidMapping if the page
// is not present.
func (as *AddressSpace) pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	as.walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if level == pageLevels-1 {
			entry = pte
		} else if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	if entry == nil && err == nil {
		err = ErrInvalidMapping
	}

	return entry, err
}

// freeTables releases the entries [from, to) of the page table stored in
// frame table and then the table itself. Entries of the last level point to
// data frames; those are released too, except for the shared zero frame.
func (as *AddressSpace) freeTables(table mm.Frame, level uint8, from, to int) {
	entries := as.mem.Table(table)
	for index := from; index < to; index++ {
		pte := pageTableEntry(entries[index])
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		if level == pageLevels-1 {
			if frame := pte.Frame(); frame != as.zeroFrame {
				_ = as.alloc.FreeFrame(frame)
			}
		} else {
			as.freeTables(pte.Frame(), level+1, 0, int(mm.EntriesPerTable))
		}
		entries[index] = 0
	}

	_ = as.alloc.FreeFrame(table)
}

// Destroy releases the private half of the address space: its page tables
// and every frame mapped into it. The kernel half is left untouched. Any
// further use of the address space returns an error.
func (as *AddressSpace) Destroy() *kernel.Error {
	if as.kernel == nil {
		return errDestroyKernelSpace
	}

	as.lock.Acquire()
	defer as.lock.Release()

	if !as.root.Valid() {
		return errDestroyed
	}

	as.freeTables(as.root, 0, 0, kernelHalfFirstEntry)
	as.root = mm.InvalidFrame
	return nil
}

// ReserveRegion reserves a page-aligned block of kernel virtual address space
// of at least size bytes and returns its start address. Reservations grow
// downwards and are never recycled. No memory is mapped by this call.
func (as *AddressSpace) ReserveRegion(size mm.Size) (uintptr, *kernel.Error) {
	kas := as
	if as.kernel != nil {
		kas = as.kernel
	}

	alignedSize := mm.PageAlignUp(uintptr(size))
	if alignedSize < uintptr(size) {
		return 0, errReserveNoSpace
	}

	kas.lock.Acquire()
	defer kas.lock.Release()

	// reserving a region of the requested size would cross into the
	// regular kernel half
	if alignedSize > kas.reserveNext-regionReserveBottom {
		return 0, errReserveNoSpace
	}

	kas.reserveNext -= alignedSize
	return kas.reserveNext, nil
}

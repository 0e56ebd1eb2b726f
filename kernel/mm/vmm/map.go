package vmm

import (
	"gophertask/kernel"
	"gophertask/kernel/mm"
)

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing page tables are allocated at each paging level supported by
// the MMU. Intermediate tables inherit FlagUserAccessible from flags so that
// user pages stay reachable from ring 3.
//
// Attempts to map the shared zero frame with a RW flag will result in an
// error.
func (as *AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	owner, err := as.lockFor(page.Address())
	if err != nil {
		return err
	}
	defer owner.lock.Release()

	return owner.mapLocked(page, frame, flags)
}

func (as *AddressSpace) mapLocked(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if frame == as.zeroFrame && (flags&FlagRW) != 0 {
		return errAttemptToRWMapReservedFrame
	}

	var (
		err       *kernel.Error
		tableFlag = FlagPresent | FlagRW | (flags & FlagUserAccessible)
	)

	as.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			if newTableFrame, err = as.allocTable(); err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
		}

		pte.SetFlags(tableFlag)
		return true
	})

	return err
}

// Unmap removes a mapping previously installed via a call to Map. The frame
// that backed the page is not released.
func (as *AddressSpace) Unmap(page mm.Page) *kernel.Error {
	owner, err := as.lockFor(page.Address())
	if err != nil {
		return err
	}
	defer owner.lock.Release()

	pte, err := owner.pteForAddress(page.Address())
	if err != nil {
		return err
	}

	pte.ClearFlags(FlagPresent)
	return nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	owner, err := as.lockFor(virtAddr)
	if err != nil {
		return 0, err
	}
	defer owner.lock.Release()

	pte, err := owner.pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// Flags returns the flags of the page that contains virtAddr.
func (as *AddressSpace) Flags(virtAddr uintptr) (PageTableEntryFlag, *kernel.Error) {
	owner, err := as.lockFor(virtAddr)
	if err != nil {
		return 0, err
	}
	defer owner.lock.Release()

	pte, err := owner.pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	return PageTableEntryFlag(uint64(*pte) &^ ptePhysPageMask), nil
}

// MapRegion backs the pages covering [start, start+size) with newly allocated
// frames. If the allocation fails midway, the pages mapped by this call are
// released before returning the error.
func (as *AddressSpace) MapRegion(start uintptr, size mm.Size, flags PageTableEntryFlag) *kernel.Error {
	if err := checkRange(start, uintptr(size)); err != nil {
		return err
	}

	owner, err := as.lockFor(start)
	if err != nil {
		return err
	}
	defer owner.lock.Release()

	firstPage := mm.PageFromAddress(start)
	pageCount := mm.Size(PageOffset(start) + uintptr(size)).Pages()

	for index := uintptr(0); index < pageCount; index++ {
		var frame mm.Frame
		if frame, err = owner.alloc.AllocFrame(); err == nil {
			if err = owner.mapLocked(firstPage+mm.Page(index), frame, flags); err != nil {
				_ = owner.alloc.FreeFrame(frame)
			}
		}

		if err != nil {
			owner.freeLocked(firstPage, index)
			return err
		}
	}

	return nil
}

// ReserveOnDemand maps every page covering [start, start+size) to the shared
// zero frame with FlagCopyOnWrite set. Physical memory is only allocated by
// HandleFault when a page is first written to.
func (as *AddressSpace) ReserveOnDemand(start uintptr, size mm.Size, flags PageTableEntryFlag) *kernel.Error {
	if err := checkRange(start, uintptr(size)); err != nil {
		return err
	}

	owner, err := as.lockFor(start)
	if err != nil {
		return err
	}
	defer owner.lock.Release()

	var (
		firstPage = mm.PageFromAddress(start)
		pageCount = mm.Size(PageOffset(start) + uintptr(size)).Pages()
		mapFlags  = (flags &^ FlagRW) | FlagPresent | FlagCopyOnWrite
	)

	for index := uintptr(0); index < pageCount; index++ {
		if err = owner.mapLocked(firstPage+mm.Page(index), owner.zeroFrame, mapFlags); err != nil {
			owner.freeLocked(firstPage, index)
			return err
		}
	}

	return nil
}

// FreeRegion unmaps the pages covering [start, start+size) and releases their
// frames. Pages that are not mapped are skipped.
func (as *AddressSpace) FreeRegion(start uintptr, size mm.Size) *kernel.Error {
	if err := checkRange(start, uintptr(size)); err != nil {
		return err
	}

	owner, err := as.lockFor(start)
	if err != nil {
		return err
	}
	defer owner.lock.Release()

	owner.freeLocked(mm.PageFromAddress(start), mm.Size(PageOffset(start)+uintptr(size)).Pages())
	return nil
}

func (as *AddressSpace) freeLocked(firstPage mm.Page, pageCount uintptr) {
	for page := firstPage; page < firstPage+mm.Page(pageCount); page++ {
		pte, err := as.pteForAddress(page.Address())
		if err != nil {
			continue
		}

		if frame := pte.Frame(); frame != as.zeroFrame {
			_ = as.alloc.FreeFrame(frame)
		}
		*pte = 0
	}
}

// HandleFault resolves a write fault on a copy-on-write page: a new frame is
// allocated, the contents of the shared frame are copied into it and the page
// is remapped as writable. It returns an error if the fault cannot be
// recovered.
func (as *AddressSpace) HandleFault(faultAddress uintptr) *kernel.Error {
	owner, err := as.lockFor(faultAddress)
	if err != nil {
		return err
	}
	defer owner.lock.Release()

	pte, err := owner.pteForAddress(faultAddress)
	if err != nil {
		return err
	}

	return owner.resolveCopyOnWrite(pte)
}

func (as *AddressSpace) resolveCopyOnWrite(pte *pageTableEntry) *kernel.Error {
	// CoW is supported for RO pages with the CoW flag set
	if pte.HasFlags(FlagRW) || !pte.HasFlags(FlagCopyOnWrite) {
		return errUnrecoverableFault
	}

	copyFrame, err := as.alloc.AllocFrame()
	if err != nil {
		return err
	}

	// Copy page contents, mark as RW and remove CoW flag
	kernel.Memcopy(as.mem.FrameBytes(copyFrame), as.mem.FrameBytes(pte.Frame()))
	pte.ClearFlags(FlagCopyOnWrite)
	pte.SetFlags(FlagPresent | FlagRW)
	pte.SetFrame(copyFrame)
	return nil
}

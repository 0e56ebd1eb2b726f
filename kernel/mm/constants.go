package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// EntriesPerTable is the number of 64-bit entries that fit in a page
	// table.
	EntriesPerTable = PageSize >> PointerShift
)

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
	Tb        = 1024 * Gb
)

// Pages returns the number of pages required to hold s bytes.
func (s Size) Pages() uintptr {
	return uintptr((s + Size(PageSize-1)) >> PageShift)
}

// PageAlignUp rounds addr up to the next page boundary.
func PageAlignUp(addr uintptr) uintptr {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

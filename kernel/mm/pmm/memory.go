// Package pmm manages physical memory: the RAM backing store and the frame
// allocator that hands out page-sized frames from the regions reported as
// available by the boot loader.
package pmm

import (
	"unsafe"

	"gophertask/kernel/mm"
)

// Memory is the machine's physical RAM. It is stored as 64-bit words so
// page table entries can be accessed in place.
type Memory struct {
	words []uint64
}

// NewMemory returns size bytes of zero-filled RAM rounded up to a whole
// number of frames.
func NewMemory(size mm.Size) *Memory {
	return &Memory{
		words: make([]uint64, size.Pages()*mm.EntriesPerTable),
	}
}

// FrameCount returns the number of frames backed by RAM.
func (m *Memory) FrameCount() uintptr {
	return uintptr(len(m.words)) / mm.EntriesPerTable
}

// Contains returns true if f is backed by RAM.
func (m *Memory) Contains(f mm.Frame) bool {
	return f.Valid() && uintptr(f) < m.FrameCount()
}

// Table returns the contents of frame f viewed as a page table. It returns
// nil if f is not backed by RAM.
func (m *Memory) Table(f mm.Frame) []uint64 {
	if !m.Contains(f) {
		return nil
	}

	start := uintptr(f) * mm.EntriesPerTable
	return m.words[start : start+mm.EntriesPerTable : start+mm.EntriesPerTable]
}

// FrameBytes returns the contents of frame f. It returns nil if f is not
// backed by RAM.
func (m *Memory) FrameBytes(f mm.Frame) []byte {
	table := m.Table(f)
	if table == nil {
		return nil
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(&table[0])), mm.PageSize)
}

package pmm

import (
	"gophertask/kernel"
	"gophertask/kernel/boot"
	"gophertask/kernel/kfmt"
	"gophertask/kernel/mm"
	"gophertask/kernel/sync"
)

var (
	errBitmapAllocOutOfMemory     = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}
	errBitmapAllocFrameNotManaged = &kernel.Error{Module: "bitmap_alloc", Message: "frame not managed by this allocator"}
	errBitmapAllocDoubleFree      = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free"}
	errBitmapAllocNoMemory        = &kernel.Error{Module: "bitmap_alloc", Message: "no available memory regions"}
)

// ErrOutOfMemory is returned when no free frame is left.
var ErrOutOfMemory = errBitmapAllocOutOfMemory

// MemoryMap is implemented by boot information sources.
type MemoryMap interface {
	VisitMemRegions(boot.MemRegionVisitor)
}

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool.
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool. Bit 63 of each block
	// maps to the lowest frame of the block.
	freeBitmap []uint64
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps. It is safe
// for concurrent use by multiple cores.
type BitmapAllocator struct {
	lock sync.Spinlock
	mem  *Memory

	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools []framePool
}

// NewBitmapAllocator creates one frame pool for every available region in
// memMap that is backed by mem. Frame 0 is never handed out.
func NewBitmapAllocator(mem *Memory, memMap MemoryMap) (*BitmapAllocator, *kernel.Error) {
	alloc := &BitmapAllocator{mem: mem}

	pageSizeMinus1 := uint64(mm.PageSize - 1)
	memMap.VisitMemRegions(func(region *boot.MemoryMapEntry) bool {
		if region.Type != boot.MemAvailable {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		startFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
		endFrame := mm.Frame(((region.PhysAddress+region.Length) & ^pageSizeMinus1)>>mm.PageShift) - 1

		if startFrame == 0 {
			startFrame = 1
		}
		if limit := mm.Frame(mem.FrameCount()) - 1; endFrame > limit {
			endFrame = limit
		}
		if endFrame < startFrame || endFrame == mm.InvalidFrame {
			return true
		}

		pageCount := uint32(endFrame - startFrame + 1)
		alloc.pools = append(alloc.pools, framePool{
			startFrame: startFrame,
			endFrame:   endFrame,
			freeCount:  pageCount,
			freeBitmap: make([]uint64, (pageCount+63)>>6),
		})
		alloc.totalPages += pageCount
		return true
	})

	if len(alloc.pools) == 0 {
		return nil, errBitmapAllocNoMemory
	}

	alloc.printStats()
	return alloc, nil
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to the supplied frame.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mm.Frame, flag markAs) {
	if poolIndex < 0 || frame > alloc.pools[poolIndex].endFrame || frame < alloc.pools[poolIndex].startFrame {
		return
	}

	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	switch flag {
	case markFree:
		alloc.pools[poolIndex].freeBitmap[block] &^= mask
		alloc.pools[poolIndex].freeCount++
		alloc.reservedPages--
	case markReserved:
		alloc.pools[poolIndex].freeBitmap[block] |= mask
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame is not contained in any of the available memory pools.
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}

	return -1
}

// AllocFrame reserves and clears a free frame. It returns ErrOutOfMemory
// when every frame is in use.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	frame, err := alloc.allocFrame()
	alloc.lock.Release()

	if err == nil {
		kernel.Memset(alloc.mem.FrameBytes(frame), 0)
	}
	return frame, err
}

func (alloc *BitmapAllocator) allocFrame() (mm.Frame, *kernel.Error) {
	for poolIndex := 0; poolIndex < len(alloc.pools); poolIndex++ {
		if alloc.pools[poolIndex].freeCount == 0 {
			continue
		}

		fullBlock := uint64(1<<64 - 1)
		for blockIndex, block := range alloc.pools[poolIndex].freeBitmap {
			if block == fullBlock {
				continue
			}

			// Block has at least one free slot; we need to scan its bits
			for blockOffset, mask := 0, uint64(1<<63); mask > 0; blockOffset, mask = blockOffset+1, mask>>1 {
				if block&mask != 0 {
					continue
				}

				frame := alloc.pools[poolIndex].startFrame + mm.Frame((blockIndex<<6)+blockOffset)
				if frame > alloc.pools[poolIndex].endFrame {
					break
				}

				alloc.markFrame(poolIndex, frame, markReserved)
				return frame, nil
			}
		}
	}

	return mm.InvalidFrame, errBitmapAllocOutOfMemory
}

// FreeFrame releases a frame previously allocated via a call to AllocFrame.
// Trying to release a frame not part of the allocator pools or a frame that
// is already marked as free will cause an error to be returned.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return errBitmapAllocFrameNotManaged
	}

	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))

	if alloc.pools[poolIndex].freeBitmap[block]&mask == 0 {
		return errBitmapAllocDoubleFree
	}

	alloc.markFrame(poolIndex, frame, markFree)
	return nil
}

// FreeCount returns the number of frames that can still be allocated.
func (alloc *BitmapAllocator) FreeCount() uint32 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.totalPages - alloc.reservedPages
}

// TotalCount returns the number of frames managed by the allocator.
func (alloc *BitmapAllocator) TotalCount() uint32 {
	return alloc.totalPages
}

// Memory returns the RAM the allocator hands frames out of.
func (alloc *BitmapAllocator) Memory() *Memory {
	return alloc.mem
}

func (alloc *BitmapAllocator) printStats() {
	kfmt.Printf(
		"[bitmap_alloc] page stats: free: %d/%d (%d reserved) in %d pools\n",
		alloc.totalPages-alloc.reservedPages,
		alloc.totalPages,
		alloc.reservedPages,
		len(alloc.pools),
	)
}

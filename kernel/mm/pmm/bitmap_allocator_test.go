package pmm

import (
	"bytes"
	"strconv"
	"testing"

	"gophertask/kernel/boot"
	"gophertask/kernel/kfmt"
	"gophertask/kernel/mm"
)

func TestNewBitmapAllocator(t *testing.T) {
	defer kfmt.SetOutputSink(nil)
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	info := &boot.Info{
		MemoryMap: []boot.MemoryMapEntry{
			{PhysAddress: 0, Length: 0x9fc00, Type: boot.MemAvailable},
			{PhysAddress: 0x9fc00, Length: 0x60400, Type: boot.MemReserved},
			{PhysAddress: 0x100000, Length: 0x100000, Type: boot.MemAvailable},
			// region extends past the end of RAM and gets truncated
			{PhysAddress: 0x300000, Length: 0x200000, Type: boot.MemAvailable},
		},
	}

	mem := NewMemory(4 * mm.Mb)
	alloc, err := NewBitmapAllocator(mem, info)
	if err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		start, end mm.Frame
	}{
		// frame 0 is never managed and the partial frame at 0x9f000 is dropped
		{1, 0x9e},
		{0x100, 0x1ff},
		{0x300, 0x3ff},
	}

	if len(alloc.pools) != len(specs) {
		t.Fatalf("expected %d pools; got %d", len(specs), len(alloc.pools))
	}

	var expTotal uint32
	for specIndex, spec := range specs {
		pool := alloc.pools[specIndex]
		if pool.startFrame != spec.start || pool.endFrame != spec.end {
			t.Errorf("[spec %d] expected pool [%d, %d]; got [%d, %d]", specIndex, spec.start, spec.end, pool.startFrame, pool.endFrame)
		}

		expFree := uint32(spec.end - spec.start + 1)
		if pool.freeCount != expFree {
			t.Errorf("[spec %d] expected free count %d; got %d", specIndex, expFree, pool.freeCount)
		}

		if exp := int((expFree + 63) / 64); len(pool.freeBitmap) != exp {
			t.Errorf("[spec %d] expected bitmap len %d; got %d", specIndex, exp, len(pool.freeBitmap))
		}
		expTotal += expFree
	}

	if alloc.TotalCount() != expTotal || alloc.FreeCount() != expTotal {
		t.Fatalf("expected %d total/free frames; got %d/%d", expTotal, alloc.TotalCount(), alloc.FreeCount())
	}

	if alloc.Memory() != mem {
		t.Fatal("expected allocator to expose the RAM it manages")
	}

	if exp := "[bitmap_alloc] page stats: free: 670/670 (0 reserved) in 3 pools\n"; buf.String() != exp {
		t.Fatalf("expected allocator to log:\n%q\ngot:\n%q", exp, buf.String())
	}
}

func TestNewBitmapAllocatorWithoutMemory(t *testing.T) {
	info := &boot.Info{
		MemoryMap: []boot.MemoryMapEntry{
			{PhysAddress: 0, Length: 0x1000000, Type: boot.MemReserved},
		},
	}

	if _, err := NewBitmapAllocator(NewMemory(mm.Mb), info); err != errBitmapAllocNoMemory {
		t.Fatalf("expected error %v; got %v", errBitmapAllocNoMemory, err)
	}
}

func TestBitmapAllocatorMarkFrame(t *testing.T) {
	var alloc = BitmapAllocator{
		pools: []framePool{
			{
				startFrame: mm.Frame(0),
				endFrame:   mm.Frame(127),
				freeCount:  128,
				freeBitmap: make([]uint64, 2),
			},
		},
		totalPages: 128,
	}

	lastFrame := mm.Frame(alloc.totalPages)
	for frame := mm.Frame(0); frame < lastFrame; frame++ {
		alloc.markFrame(0, frame, markReserved)

		block := uint64(frame / 64)
		blockOffset := uint64(frame % 64)
		bitIndex := (63 - blockOffset)
		bitMask := uint64(1 << bitIndex)

		if alloc.pools[0].freeBitmap[block]&bitMask != bitMask {
			t.Errorf("[frame %d] expected block[%d], bit %d to be set", frame, block, bitIndex)
		}

		alloc.markFrame(0, frame, markFree)

		if alloc.pools[0].freeBitmap[block]&bitMask != 0 {
			t.Errorf("[frame %d] expected block[%d], bit %d to be unset", frame, block, bitIndex)
		}
	}

	// Calling markFrame with a frame not part of the pool or a negative
	// pool index should be a no-op
	alloc.markFrame(0, mm.Frame(0xbadf00d), markReserved)
	alloc.markFrame(-1, mm.Frame(0), markReserved)
	for blockIndex, block := range alloc.pools[0].freeBitmap {
		if block != 0 {
			t.Errorf("expected all blocks to be set to 0; block %d is set to %s", blockIndex, strconv.FormatUint(block, 2))
		}
	}
}

func TestBitmapAllocatorPoolForFrame(t *testing.T) {
	var alloc = BitmapAllocator{
		pools: []framePool{
			{startFrame: mm.Frame(0), endFrame: mm.Frame(63), freeCount: 64, freeBitmap: make([]uint64, 1)},
			{startFrame: mm.Frame(128), endFrame: mm.Frame(191), freeCount: 64, freeBitmap: make([]uint64, 1)},
		},
		totalPages: 128,
	}

	specs := []struct {
		frame    mm.Frame
		expIndex int
	}{
		{mm.Frame(0), 0},
		{mm.Frame(63), 0},
		{mm.Frame(64), -1},
		{mm.Frame(128), 1},
		{mm.Frame(192), -1},
	}

	for specIndex, spec := range specs {
		if got := alloc.poolForFrame(spec.frame); got != spec.expIndex {
			t.Errorf("[spec %d] expected to get pool index %d; got %d", specIndex, spec.expIndex, got)
		}
	}
}

func TestBitmapAllocatorAllocAndFreeFrame(t *testing.T) {
	var alloc = BitmapAllocator{
		mem: NewMemory(mm.Mb),
		pools: []framePool{
			{
				startFrame: mm.Frame(1),
				endFrame:   mm.Frame(8),
				freeCount:  8,
				// only the first 8 bits of block 0 are used
				freeBitmap: make([]uint64, 1),
			},
			{
				startFrame: mm.Frame(64),
				endFrame:   mm.Frame(191),
				freeCount:  128,
				freeBitmap: make([]uint64, 2),
			},
		},
		totalPages: 136,
	}

	// Dirty the first frame so we can check that allocations are cleared
	kernel0 := alloc.mem.FrameBytes(1)
	for i := range kernel0 {
		kernel0[i] = 0xf0
	}

	for poolIndex, pool := range alloc.pools {
		for expFrame := pool.startFrame; expFrame <= pool.endFrame; expFrame++ {
			got, err := alloc.AllocFrame()
			if err != nil {
				t.Fatalf("[pool %d] unexpected error: %v", poolIndex, err)
			}

			if got != expFrame {
				t.Errorf("[pool %d] expected allocated frame to be %d; got %d", poolIndex, expFrame, got)
			}
		}

		if alloc.pools[poolIndex].freeCount != 0 {
			t.Errorf("[pool %d] expected free count to be 0; got %d", poolIndex, alloc.pools[poolIndex].freeCount)
		}
	}

	for i, b := range alloc.mem.FrameBytes(1) {
		if b != 0 {
			t.Fatalf("expected allocated frame to be cleared; byte %d is 0x%x", i, b)
		}
	}

	if alloc.reservedPages != alloc.totalPages || alloc.FreeCount() != 0 {
		t.Errorf("expected reservedPages to match totalPages(%d); got %d", alloc.totalPages, alloc.reservedPages)
	}

	if _, err := alloc.AllocFrame(); err != ErrOutOfMemory {
		t.Fatalf("expected error ErrOutOfMemory; got %v", err)
	}

	expFreeCount := []uint32{8, 128}
	for poolIndex, pool := range alloc.pools {
		for frame := pool.startFrame; frame <= pool.endFrame; frame++ {
			if err := alloc.FreeFrame(frame); err != nil {
				t.Fatalf("[pool %d] unexpected error: %v", poolIndex, err)
			}
		}

		if alloc.pools[poolIndex].freeCount != expFreeCount[poolIndex] {
			t.Errorf("[pool %d] expected free count to be %d; got %d", poolIndex, expFreeCount[poolIndex], alloc.pools[poolIndex].freeCount)
		}
	}

	if alloc.reservedPages != 0 {
		t.Errorf("expected reservedPages to be 0; got %d", alloc.reservedPages)
	}

	if err := alloc.FreeFrame(mm.Frame(1)); err != errBitmapAllocDoubleFree {
		t.Fatalf("expected error errBitmapAllocDoubleFree; got %v", err)
	}

	if err := alloc.FreeFrame(mm.Frame(0xbadf00d)); err != errBitmapAllocFrameNotManaged {
		t.Fatalf("expected error errBitmapFrameNotManaged; got %v", err)
	}
}

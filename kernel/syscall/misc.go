package syscall

import (
	"gophertask/kernel"
	"gophertask/kernel/kfmt"
	"gophertask/kernel/mm"

	"github.com/pkg/errors"
)

const maxDebugWrite = 4096

var errDebugWriteTooLarge = &kernel.Error{Module: "syscall", Message: "debug write exceeds the maximum length"}

// debugWrite(buf, len) writes a user buffer to the debug output.
func debugWrite(d *Dispatcher, c *Call, a args) (uint64, bool) {
	if a[1] > maxDebugWrite {
		return fail(c, "debug_write", errDebugWriteTooLarge)
	}

	buf := make([]byte, a[1])
	if err := c.Process.AddressSpace().CopyFromUser(uintptr(a[0]), buf); err != nil {
		return fail(c, "debug_write", err)
	}

	if d.out == nil {
		kfmt.Printf("%s", buf)
		return uint64(len(buf)), false
	}

	n, err := d.out.Write(buf)
	if err != nil {
		return fail(c, "debug_write", errors.Wrapf(err, "wrote %d of %d bytes", n, len(buf)))
	}
	return uint64(n), false
}

// cpuID() returns the local APIC id of the calling core.
func cpuID(_ *Dispatcher, c *Call, _ args) (uint64, bool) {
	return uint64(c.CoreID), false
}

// malloc(size, align) allocates memory from the heap of the calling process.
func malloc(_ *Dispatcher, c *Call, a args) (uint64, bool) {
	addr, err := c.Process.Heap().Alloc(mm.Size(a[0]), uintptr(a[1]))
	if err != nil {
		return fail(c, "malloc", err)
	}
	return uint64(addr), false
}

// free(addr, size, align) returns memory obtained via malloc.
func free(_ *Dispatcher, c *Call, a args) (uint64, bool) {
	if err := c.Process.Heap().Free(uintptr(a[0]), mm.Size(a[1])); err != nil {
		return fail(c, "free", err)
	}
	return 0, false
}

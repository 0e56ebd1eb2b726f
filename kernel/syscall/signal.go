package syscall

import (
	"gophertask/kernel/mm"
	"gophertask/kernel/task"

	"github.com/pkg/errors"
)

// doneSignal(type) acknowledges a pending signal.
func doneSignal(_ *Dispatcher, c *Call, a args) (uint64, bool) {
	c.Process.Signals().DeleteSignal(task.SignalType(a[0]))
	return 0, false
}

// hasSignal(type) returns 1 if a signal of the given type is pending.
func hasSignal(_ *Dispatcher, c *Call, a args) (uint64, bool) {
	if c.Process.Signals().HasSignal(task.SignalType(a[0])) {
		return 1, false
	}
	return 0, false
}

// startWaitForSignal(type) parks the calling thread until a signal of the
// given type is posted to its process.
func startWaitForSignal(d *Dispatcher, c *Call, a args) (uint64, bool) {
	return 0, d.k.WaitForSignal(c.Thread, c.Process, task.SignalType(a[0]))
}

// getSignal(type) copies the pending signal of the given type into the heap
// of the calling process and returns its address.
func getSignal(_ *Dispatcher, c *Call, a args) (uint64, bool) {
	sig, ok := c.Process.Signals().GetSignal(task.SignalType(a[0]))
	if !ok {
		return 0, false
	}

	data, err := sig.MarshalBinary()
	if err != nil {
		return fail(c, "get_signal", errors.Wrap(err, "packing signal"))
	}

	addr, kerr := c.Process.Heap().Alloc(mm.Size(len(data)), 8)
	if kerr != nil {
		return fail(c, "get_signal", kerr)
	}

	if kerr = c.Process.AddressSpace().CopyToUser(addr, data); kerr != nil {
		_ = c.Process.Heap().Free(addr, mm.Size(len(data)))
		return fail(c, "get_signal", kerr)
	}

	return uint64(addr), false
}

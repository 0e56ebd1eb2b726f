// Package syscall decodes system calls issued by user threads and routes
// them to the task subsystem.
//
// The syscall number is passed in RAX and up to six arguments in RDI, RSI,
// RDX, R10, R8 and R9. The result is returned in RAX. Calls that cannot be
// completed return 0 and never affect the kernel.
package syscall

import (
	"io"

	"gophertask/kernel/gate"
	"gophertask/kernel/kfmt"
	"gophertask/kernel/task"
)

// Number identifies a system call.
type Number uint64

// System call numbers.
const (
	DebugWrite         Number = 0
	CPUID              Number = 1
	CreateProcess      Number = 6
	Malloc             Number = 7
	Free               Number = 8
	Exit               Number = 21
	DoneSignal         Number = 22
	HasSignal          Number = 23
	StartWaitForSignal Number = 24
	GetSignal          Number = 25
)

// Call describes the thread that issued a system call.
type Call struct {
	// CoreID is the local APIC id of the core the thread runs on.
	CoreID uint32

	Thread  *task.Thread
	Process *task.Process
}

type args [6]uint64

// handler implements a system call. Besides the call result it reports
// whether the calling thread gave up the core.
type handler func(d *Dispatcher, c *Call, a args) (uint64, bool)

var handlers = map[Number]handler{
	DebugWrite:         debugWrite,
	CPUID:              cpuID,
	CreateProcess:      createProcess,
	Malloc:             malloc,
	Free:               free,
	Exit:               exit,
	DoneSignal:         doneSignal,
	HasSignal:          hasSignal,
	StartWaitForSignal: startWaitForSignal,
	GetSignal:          getSignal,
}

// Dispatcher routes system calls to their handlers.
type Dispatcher struct {
	k *task.Kernel

	// out receives the output of DebugWrite. If nil, the output is
	// written to the kernel log.
	out io.Writer
}

// NewDispatcher returns a dispatcher for the processes of k.
func NewDispatcher(k *task.Kernel, out io.Writer) *Dispatcher {
	return &Dispatcher{k: k, out: out}
}

// Dispatch executes the system call described by regs on behalf of c and
// stores its result in regs.RAX. It returns true if the calling thread has
// exited or parked itself; the core must then reschedule immediately.
func (d *Dispatcher) Dispatch(c *Call, regs *gate.Registers) bool {
	num := Number(regs.RAX)

	h, ok := handlers[num]
	if !ok {
		kfmt.Printf("[syscall] process %d issued unknown syscall %d\n", uint64(c.Process.ID()), uint64(num))
		regs.RAX = 0
		return false
	}

	ret, reschedule := h(d, c, args{regs.RDI, regs.RSI, regs.RDX, regs.R10, regs.R8, regs.R9})
	regs.RAX = ret
	return reschedule
}

// fail logs the reason a syscall could not be completed and returns the
// failure value.
func fail(c *Call, name string, err error) (uint64, bool) {
	kfmt.Printf("[syscall] %s failed for process %d: %s\n", name, uint64(c.Process.ID()), err.Error())
	return 0, false
}

package smp

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"gophertask/kernel"
	"gophertask/kernel/cpu"
	"gophertask/kernel/gate"
	"gophertask/kernel/kfmt"
	"gophertask/kernel/mm"
	"gophertask/kernel/mm/vmm"
	"gophertask/kernel/sync"
	"gophertask/kernel/syscall"
	"gophertask/kernel/task"

	"github.com/pkg/errors"
)

const (
	// doubleFaultIST selects the TSS entry double faults are delivered
	// on. The faulting kernel stack cannot be trusted at that point.
	doubleFaultIST = 1

	faultStackSize = 2 * mm.Size(mm.PageSize)
)

// Core is a processor managed by a Machine.
type Core struct {
	m   *Machine
	cpu *cpu.Core

	idt   gate.DescriptorTable
	tramp gate.Trampoline

	// start is the start slot written by the BSP to release an AP.
	start chan func(context.Context) error

	// online is opened once an AP has installed its scheduler.
	online *sync.Latch

	// lock serializes interrupt delivery. A real core runs its handlers
	// with interrupts disabled; the lock gives callers on other
	// goroutines the same guarantee.
	lock  sync.Spinlock
	regs  gate.Registers
	sched *task.Scheduler
}

func newCore(m *Machine, c *cpu.Core) *Core {
	core := &Core{
		m:      m,
		cpu:    c,
		start:  make(chan func(context.Context) error, 1),
		online: sync.NewLatch("online"),
	}
	core.tramp = gate.Trampoline{Table: &core.idt, Mem: m.k.AddressSpace(), Stacks: c}
	return core
}

// ID returns the local APIC id of the core.
func (c *Core) ID() uint32 {
	return c.cpu.ID()
}

// CPU returns the processor state of the core.
func (c *Core) CPU() *cpu.Core {
	return c.cpu
}

// Scheduler returns the scheduler of the core or nil if the core has not
// been brought online.
func (c *Core) Scheduler() *task.Scheduler {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.sched
}

// Current returns the thread running on the core.
func (c *Core) Current() *task.Thread {
	c.lock.Acquire()
	defer c.lock.Release()

	if c.sched == nil {
		return nil
	}
	return c.sched.Current()
}

// Registers returns the live register state of the running thread.
func (c *Core) Registers() gate.Registers {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.regs
}

// loadTables installs the exception, fault and timer handlers of the core
// and activates its descriptor table.
func (c *Core) loadTables() error {
	if err := c.allocFaultStack(); err != nil {
		return errors.Wrapf(err, "cpu%d: allocating double fault stack", c.ID())
	}

	c.idt.HandleInterrupt(gate.DoubleFault, doubleFaultIST, c.faultHandler("double fault"))
	c.idt.HandleInterrupt(gate.GPFException, 0, c.faultHandler("general protection fault"))
	c.idt.HandleInterrupt(gate.PageFaultException, 0, c.pageFaultHandler)
	c.idt.HandleContextSwitch(gate.TimerInterrupt, func(ctxAddr uintptr) uintptr {
		return c.sched.Schedule(ctxAddr)
	})
	c.idt.Load()

	c.m.trace(c.ID(), StageTablesLoaded)
	return nil
}

// allocFaultStack maps a kernel stack for double faults and installs it in
// the core's TSS.
func (c *Core) allocFaultStack() *kernel.Error {
	space := c.m.k.AddressSpace()

	base, err := space.ReserveRegion(faultStackSize)
	if err != nil {
		return err
	}

	if err = space.MapRegion(base, faultStackSize, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
		return err
	}

	c.cpu.SetInterruptStack(doubleFaultIST, uint64(base+uintptr(faultStackSize)))
	return nil
}

func (c *Core) installScheduler() error {
	sched, err := c.m.k.InstallScheduler(c.cpu)
	if err != nil {
		return errors.Wrapf(err, "cpu%d", c.ID())
	}

	c.lock.Acquire()
	c.sched = sched
	c.regs = gate.Registers{
		CS:     gate.KernelCodeSelector,
		SS:     gate.KernelDataSelector,
		RSP:    c.cpu.Ring0RSP(),
		RFlags: gate.FlagInterruptEnable,
	}
	c.lock.Release()

	c.m.trace(c.ID(), StageSchedulerInstalled)
	return nil
}

func (c *Core) unmaskTimer() {
	c.cpu.EnableInterrupts()
	c.m.trace(c.ID(), StageTimerUnmasked)
}

// awaitStart parks an AP until the BSP writes its start slot and then runs
// the entry found there.
func (c *Core) awaitStart(ctx context.Context) error {
	select {
	case entry := <-c.start:
		return entry(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apEntry is the code an AP executes once released.
func (c *Core) apEntry(ctx context.Context) error {
	if err := c.loadTables(); err != nil {
		return err
	}

	if err := c.m.schedulerReady.Wait(ctx); err != nil {
		return err
	}
	c.m.trace(c.ID(), StageSchedulerReadyObserved)

	if err := c.installScheduler(); err != nil {
		return err
	}
	c.online.Open()

	if err := c.m.startSchedule.Wait(ctx); err != nil {
		return err
	}

	c.unmaskTimer()
	return nil
}

// Interrupt delivers vector to the core regardless of its interrupt mask.
func (c *Core) Interrupt(vector gate.InterruptNumber) error {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.deliver(vector)
}

// PageFault raises a page fault for addr on the core.
func (c *Core) PageFault(addr uintptr) error {
	c.lock.Acquire()
	defer c.lock.Release()

	c.cpu.SetFaultAddress(addr)
	return c.deliver(gate.PageFaultException)
}

// Yield forces an immediate reschedule of the core. Kernel threads call it
// after parking themselves.
func (c *Core) Yield() error {
	return c.Interrupt(gate.TimerInterrupt)
}

// deliver dispatches vector with interrupts masked. The caller must hold
// the core lock.
func (c *Core) deliver(vector gate.InterruptNumber) error {
	if c.sched == nil {
		return errors.Wrapf(errNotBooted, "cpu%d", c.ID())
	}

	if c.cpu.DisableInterrupts() {
		defer c.cpu.EnableInterrupts()
	}

	if err := c.tramp.Dispatch(vector, &c.regs, c.cpu.Ring0RSP()); err != nil {
		return errors.Wrapf(err, "cpu%d: vector %d", c.ID(), uint8(vector))
	}
	return nil
}

// Syscall issues system call num with args on behalf of the user thread
// running on the core and returns the result. If the call exits or parks
// the thread, the core switches to another thread before returning.
func (c *Core) Syscall(num syscall.Number, args ...uint64) (uint64, error) {
	c.lock.Acquire()
	defer c.lock.Release()

	if c.sched == nil {
		return 0, errors.Wrapf(errNotBooted, "cpu%d", c.ID())
	}

	if !c.regs.IsUserMode() {
		return 0, errors.Wrapf(errNotInUserMode, "cpu%d: thread %d", c.ID(), uint64(c.sched.Current().ID()))
	}

	c.regs.RAX = uint64(num)
	for index, reg := range []*uint64{&c.regs.RDI, &c.regs.RSI, &c.regs.RDX, &c.regs.R10, &c.regs.R8, &c.regs.R9} {
		*reg = 0
		if index < len(args) {
			*reg = args[index]
		}
	}

	call := syscall.Call{
		CoreID:  c.ID(),
		Thread:  c.sched.Current(),
		Process: c.sched.CurrentProcess(),
	}

	reschedule := c.m.syscalls.Dispatch(&call, &c.regs)
	ret := c.regs.RAX

	if reschedule {
		if err := c.deliver(gate.TimerInterrupt); err != nil {
			return ret, err
		}
	}
	return ret, nil
}

// Tick delivers a timer interrupt if the core accepts interrupts and then
// runs one time slice of the current thread if it is a kernel thread.
func (c *Core) Tick() error {
	c.lock.Acquire()
	if !c.cpu.InterruptsEnabled() {
		c.lock.Release()
		return nil
	}

	err := c.deliver(gate.TimerInterrupt)
	current := c.sched.Current()
	c.lock.Release()

	if err != nil {
		return err
	}

	if entry := current.Entry(); entry != nil {
		entry(current)
	}
	return nil
}

func (c *Core) run(ctx context.Context, quantum time.Duration) error {
	ticker := time.NewTicker(quantum)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Tick(); err != nil {
				return err
			}
		}
	}
}

// faultHandler returns a handler that reports an unrecoverable exception
// along with the register state and halts the core.
func (c *Core) faultHandler(name string) gate.Handler {
	return func(regs *gate.Registers) {
		kfmt.Printf("\n[smp] cpu%d: unrecoverable %s\n", c.ID(), name)
		c.dumpRegisters(regs)
		panicFn(errors.Errorf("%s on cpu%d", name, c.ID()))
	}
}

// pageFaultHandler resolves copy-on-write faults in the address space of
// the running process. Any other fault is unrecoverable.
func (c *Core) pageFaultHandler(regs *gate.Registers) {
	faultAddress := c.cpu.FaultAddress()

	proc := c.sched.CurrentProcess()
	err := proc.AddressSpace().HandleFault(faultAddress)
	if err == nil {
		return
	}

	kfmt.Printf("\n[smp] cpu%d: page fault while accessing address: 0x%16x\nReason: %s\n", c.ID(), faultAddress, err.Message)
	c.dumpRegisters(regs)
	panicFn(errors.Wrapf(errUnhandledFault, "process %d at 0x%x", uint64(proc.ID()), faultAddress))
}

func (c *Core) dumpRegisters(regs *gate.Registers) {
	var buf bytes.Buffer
	regs.DumpTo(&kfmt.PrefixWriter{Sink: &buf, Prefix: []byte("[cpu" + strconv.FormatUint(uint64(c.ID()), 10) + "] ")})
	kfmt.Printf("Registers:\n%s", buf.Bytes())
}

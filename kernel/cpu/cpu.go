// Package cpu models the per-core processor state the task subsystem relies
// on: the local APIC id, the interrupt flag, the active page table root and
// the privileged stack pointer stored in the task-state segment.
package cpu

import (
	"runtime"
	"sync/atomic"
)

var (
	// haltFn stops the calling core. It is mocked by tests.
	haltFn = runtime.Goexit
)

// TaskStateSegment holds the stack pointers the processor loads when a
// privilege level transition or an IST-routed interrupt occurs.
type TaskStateSegment struct {
	// PrivilegeStackTable[0] is loaded into RSP on a ring3 -> ring0
	// transition.
	PrivilegeStackTable [3]uint64

	// InterruptStackTable entries are selected by the IST field of an
	// interrupt gate.
	InterruptStackTable [7]uint64
}

// Core describes one logical processor. The TSS is only written by the
// owning core but may be inspected by other cores, so its entries are
// accessed atomically.
type Core struct {
	id  uint32
	bsp bool

	interruptsEnabled uint32
	activePDT         uintptr
	tss               TaskStateSegment
	cr2               uintptr
}

// NewCore returns the state of the processor with the given local APIC id.
// Interrupts start masked.
func NewCore(apicID uint32, bsp bool) *Core {
	return &Core{id: apicID, bsp: bsp}
}

// ID returns the local APIC id of the core.
func (c *Core) ID() uint32 {
	return c.id
}

// IsBSP returns true for the bootstrap processor.
func (c *Core) IsBSP() bool {
	return c.bsp
}

// EnableInterrupts enables interrupt handling.
func (c *Core) EnableInterrupts() {
	atomic.StoreUint32(&c.interruptsEnabled, 1)
}

// DisableInterrupts disables interrupt handling and reports whether they were
// enabled before the call.
func (c *Core) DisableInterrupts() bool {
	return atomic.SwapUint32(&c.interruptsEnabled, 0) == 1
}

// InterruptsEnabled returns true if the core accepts maskable interrupts.
func (c *Core) InterruptsEnabled() bool {
	return atomic.LoadUint32(&c.interruptsEnabled) == 1
}

// SwitchPDT sets the root page table directory to the specified physical
// address.
func (c *Core) SwitchPDT(pdtPhysAddr uintptr) {
	atomic.StoreUintptr(&c.activePDT, pdtPhysAddr)
}

// ActivePDT returns the physical address of the currently active page table.
func (c *Core) ActivePDT() uintptr {
	return atomic.LoadUintptr(&c.activePDT)
}

// SetRing0RSP updates the privileged stack pointer in the core's task-state
// segment.
func (c *Core) SetRing0RSP(rsp uint64) {
	atomic.StoreUint64(&c.tss.PrivilegeStackTable[0], rsp)
}

// Ring0RSP returns the privileged stack pointer stored in the task-state
// segment.
func (c *Core) Ring0RSP() uint64 {
	return atomic.LoadUint64(&c.tss.PrivilegeStackTable[0])
}

// SetInterruptStack installs the stack used by interrupt gates whose IST
// field equals index (1-7).
func (c *Core) SetInterruptStack(index uint8, rsp uint64) {
	if index == 0 || int(index) > len(c.tss.InterruptStackTable) {
		return
	}
	atomic.StoreUint64(&c.tss.InterruptStackTable[index-1], rsp)
}

// InterruptStack returns the top of the stack installed for IST index or 0
// if no stack is installed.
func (c *Core) InterruptStack(index uint8) uint64 {
	if index == 0 || int(index) > len(c.tss.InterruptStackTable) {
		return 0
	}
	return atomic.LoadUint64(&c.tss.InterruptStackTable[index-1])
}

// TSS returns a copy of the core's task-state segment.
func (c *Core) TSS() TaskStateSegment {
	var tss TaskStateSegment
	for i := range tss.PrivilegeStackTable {
		tss.PrivilegeStackTable[i] = atomic.LoadUint64(&c.tss.PrivilegeStackTable[i])
	}
	for i := range tss.InterruptStackTable {
		tss.InterruptStackTable[i] = atomic.LoadUint64(&c.tss.InterruptStackTable[i])
	}
	return tss
}

// SetFaultAddress records the linear address that triggered a page fault.
// The MMU does this before raising the exception.
func (c *Core) SetFaultAddress(addr uintptr) {
	atomic.StoreUintptr(&c.cr2, addr)
}

// FaultAddress returns the value of the CR2 register.
func (c *Core) FaultAddress() uintptr {
	return atomic.LoadUintptr(&c.cr2)
}

// Halt stops instruction execution on the calling core. It never returns.
func Halt() {
	haltFn()
}

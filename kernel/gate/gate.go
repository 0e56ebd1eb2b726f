// Package gate implements the interrupt plumbing of a core: the register
// frame saved on interrupt entry, the per-core descriptor table and the
// entry trampoline that parks the interrupted context on a kernel stack.
package gate

import (
	"io"

	"gophertask/kernel/kfmt"

	"github.com/lunixbochs/struc"
)

// Segment selectors installed in every core's GDT.
const (
	KernelCodeSelector = 0x08
	KernelDataSelector = 0x10
	UserCodeSelector   = 0x18 | 3
	UserDataSelector   = 0x20 | 3
)

// FlagInterruptEnable is the IF bit in RFLAGS.
const FlagInterruptEnable = 1 << 9

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs. The struc tags describe the layout of the
// frame the entry trampoline pushes on the kernel stack.
type Registers struct {
	RAX uint64 `struc:"uint64,little"`
	RBX uint64 `struc:"uint64,little"`
	RCX uint64 `struc:"uint64,little"`
	RDX uint64 `struc:"uint64,little"`
	RSI uint64 `struc:"uint64,little"`
	RDI uint64 `struc:"uint64,little"`
	RBP uint64 `struc:"uint64,little"`
	R8  uint64 `struc:"uint64,little"`
	R9  uint64 `struc:"uint64,little"`
	R10 uint64 `struc:"uint64,little"`
	R11 uint64 `struc:"uint64,little"`
	R12 uint64 `struc:"uint64,little"`
	R13 uint64 `struc:"uint64,little"`
	R14 uint64 `struc:"uint64,little"`
	R15 uint64 `struc:"uint64,little"`

	// Info contains the exception code for exceptions, the syscall number
	// for syscall entries or the IRQ number for HW interrupts.
	Info uint64 `struc:"uint64,little"`

	// The return frame used by IRETQ
	RIP    uint64 `struc:"uint64,little"`
	CS     uint64 `struc:"uint64,little"`
	RFlags uint64 `struc:"uint64,little"`
	RSP    uint64 `struc:"uint64,little"`
	SS     uint64 `struc:"uint64,little"`
}

// FrameSize is the number of bytes occupied by a Registers frame on a
// kernel stack.
const FrameSize = 21 * 8

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}

// WriteTo packs the frame into w.
func (r *Registers) WriteTo(w io.Writer) (int64, error) {
	if err := struc.Pack(w, r); err != nil {
		return 0, err
	}
	return FrameSize, nil
}

// ReadFrom unpacks a frame previously stored with WriteTo.
func (r *Registers) ReadFrom(rd io.Reader) (int64, error) {
	if err := struc.Unpack(rd, r); err != nil {
		return 0, err
	}
	return FrameSize, nil
}

// IsUserMode returns true if the frame was captured while executing at
// ring 3.
func (r *Registers) IsUserMode() bool {
	return r.CS&3 == 3
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// TimerInterrupt is raised by the local APIC timer of each core and
	// by cores forcing an immediate reschedule.
	TimerInterrupt = InterruptNumber(32)
)

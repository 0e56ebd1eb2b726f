package gate

import (
	"bytes"

	"gophertask/kernel"

	"github.com/pkg/errors"
)

var (
	errUnhandledInterrupt = &kernel.Error{Module: "gate", Message: "no handler installed for interrupt"}
	errNoInterruptStack   = &kernel.Error{Module: "gate", Message: "no stack installed for IST entry"}
)

// Handler services an interrupt in place using the live register snapshot.
type Handler func(*Registers)

// SwitchHandler services an interrupt that may change the executing
// context. It receives the address of the frame saved for the interrupted
// context and returns the address of the frame to resume.
type SwitchHandler func(ctxAddr uintptr) uintptr

type gateEntry struct {
	istOffset uint8
	handler   Handler
	switcher  SwitchHandler
}

// DescriptorTable is the interrupt descriptor table of a single core.
type DescriptorTable struct {
	gates  [256]gateEntry
	loaded bool
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. The value of the istOffset argument
// specifies the offset in the interrupt stack table (if 0 then IST is not
// used).
func (t *DescriptorTable) HandleInterrupt(intNumber InterruptNumber, istOffset uint8, handler Handler) {
	t.gates[intNumber] = gateEntry{istOffset: istOffset, handler: handler}
}

// HandleContextSwitch installs a handler that may resume a different
// context than the one that was interrupted.
func (t *DescriptorTable) HandleContextSwitch(intNumber InterruptNumber, handler SwitchHandler) {
	t.gates[intNumber] = gateEntry{switcher: handler}
}

// Present returns true if a handler is installed for intNumber.
func (t *DescriptorTable) Present(intNumber InterruptNumber) bool {
	g := t.gates[intNumber]
	return g.handler != nil || g.switcher != nil
}

// Load marks the table as the active table of its core.
func (t *DescriptorTable) Load() {
	t.loaded = true
}

// Loaded returns true once Load has been invoked.
func (t *DescriptorTable) Loaded() bool {
	return t.loaded
}

// FrameMemory provides access to the virtual memory that backs kernel
// stacks.
type FrameMemory interface {
	Read(addr uintptr, p []byte) *kernel.Error
	Write(addr uintptr, p []byte) *kernel.Error
}

// InterruptStacks resolves the IST entries of a core's task-state segment.
type InterruptStacks interface {
	InterruptStack(index uint8) uint64
}

// Trampoline models the interrupt entry and exit stubs of a core. Context
// switching interrupts push the interrupted register frame just below the
// active kernel stack top, hand its address to the handler and reload the
// registers from whatever frame address the handler returns. Gates with a
// non-zero IST offset always push their frame on the selected interrupt
// stack instead.
type Trampoline struct {
	Table  *DescriptorTable
	Mem    FrameMemory
	Stacks InterruptStacks
}

// Dispatch delivers intNumber. regs holds the live register state of the
// interrupted context and is updated in place with the state of the context
// to resume. stackTop is the top of the kernel stack the frame is pushed on.
func (tr *Trampoline) Dispatch(intNumber InterruptNumber, regs *Registers, stackTop uint64) error {
	g := tr.Table.gates[intNumber]

	switch {
	case g.handler != nil && g.istOffset != 0:
		return tr.dispatchOnInterruptStack(g, regs)
	case g.handler != nil:
		g.handler(regs)
		return nil
	case g.switcher == nil:
		return errors.Wrapf(errUnhandledInterrupt, "vector %d", intNumber)
	}

	ctxAddr := uintptr(stackTop - FrameSize)
	if err := SaveFrame(tr.Mem, ctxAddr, regs); err != nil {
		return err
	}

	nextAddr := g.switcher(ctxAddr)

	return LoadFrame(tr.Mem, nextAddr, regs)
}

// dispatchOnInterruptStack pushes the interrupted frame on the IST stack of
// g, runs the handler on it and resumes from the frame left on that stack.
func (tr *Trampoline) dispatchOnInterruptStack(g gateEntry, regs *Registers) error {
	var stackTop uint64
	if tr.Stacks != nil {
		stackTop = tr.Stacks.InterruptStack(g.istOffset)
	}
	if stackTop == 0 {
		return errors.Wrapf(errNoInterruptStack, "IST%d", g.istOffset)
	}

	frameAddr := uintptr(stackTop - FrameSize)
	if err := SaveFrame(tr.Mem, frameAddr, regs); err != nil {
		return err
	}

	var frame Registers
	if err := LoadFrame(tr.Mem, frameAddr, &frame); err != nil {
		return err
	}

	g.handler(&frame)

	if err := SaveFrame(tr.Mem, frameAddr, &frame); err != nil {
		return err
	}
	return LoadFrame(tr.Mem, frameAddr, regs)
}

// SaveFrame stores regs at the given kernel address.
func SaveFrame(mem FrameMemory, addr uintptr, regs *Registers) error {
	var buf bytes.Buffer
	buf.Grow(FrameSize)
	if _, err := regs.WriteTo(&buf); err != nil {
		return errors.Wrap(err, "packing interrupt frame")
	}

	if err := mem.Write(addr, buf.Bytes()); err != nil {
		return errors.Wrapf(err, "writing frame at 0x%x", addr)
	}
	return nil
}

// LoadFrame reads the frame stored at the given kernel address into regs.
func LoadFrame(mem FrameMemory, addr uintptr, regs *Registers) error {
	buf := make([]byte, FrameSize)
	if err := mem.Read(addr, buf); err != nil {
		return errors.Wrapf(err, "reading frame at 0x%x", addr)
	}

	if _, err := regs.ReadFrom(bytes.NewReader(buf)); err != nil {
		return errors.Wrap(err, "unpacking interrupt frame")
	}
	return nil
}

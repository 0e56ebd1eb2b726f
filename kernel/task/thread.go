package task

import (
	"gophertask/kernel"
	"gophertask/kernel/gate"
	"gophertask/kernel/mm"
	"gophertask/kernel/mm/vmm"
)

// ThreadID uniquely identifies a thread for the lifetime of the kernel.
type ThreadID uint64

// Entry is the body of a kernel thread. It is invoked by the owning core
// once per time slice while the thread is Running.
type Entry func(t *Thread)

// kernelThreadStub is the address of the code that every kernel thread
// starts executing. The stub calls the thread entry with the thread id
// loaded into RDI.
const kernelThreadStub = uint64(0xffffffff80001000)

const kernelStackFlags = vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute

// KernelStack is the fixed-size ring-0 stack exclusively owned by a thread.
type KernelStack struct {
	Base uintptr
	Size mm.Size
}

// Top returns the address past the highest stack byte. The CPU loads it
// into RSP on a privilege level change.
func (s KernelStack) Top() uintptr {
	return s.Base + uintptr(s.Size)
}

// Thread is a schedulable execution context.
type Thread struct {
	id  ThreadID
	pid ProcessID

	stack KernelStack
	entry Entry

	// The following fields are guarded by the kernel lock.
	state      ThreadState
	context    uintptr
	waitSignal SignalType
	exited     bool

	// onCore is set while the thread context is loaded on a core. A
	// thread woken before its core switched away stays unselectable
	// until then.
	onCore bool
}

// ID returns the thread id.
func (t *Thread) ID() ThreadID {
	return t.id
}

// ProcessID returns the id of the process that owns the thread. Use
// Kernel.ProcessOf to obtain the process itself.
func (t *Thread) ProcessID() ProcessID {
	return t.pid
}

// KernelStack returns the location of the thread's kernel stack.
func (t *Thread) KernelStack() KernelStack {
	return t.stack
}

// Entry returns the body of a kernel thread or nil for user threads and
// init threads.
func (t *Thread) Entry() Entry {
	return t.entry
}

// allocThread reserves a kernel stack for a new thread of process p.
func (k *Kernel) allocThread(p *Process) (*Thread, *kernel.Error) {
	base, err := k.space.ReserveRegion(k.kstackSize)
	if err != nil {
		return nil, err
	}

	if err = k.space.MapRegion(base, k.kstackSize, kernelStackFlags); err != nil {
		return nil, err
	}

	return &Thread{
		id:    ThreadID(k.nextTID.Add(1) - 1),
		pid:   p.id,
		stack: KernelStack{Base: base, Size: k.kstackSize},
		state: Ready,
	}, nil
}

// freeStack releases the frames backing the thread's kernel stack.
func (k *Kernel) freeStack(t *Thread) {
	_ = k.space.FreeRegion(t.stack.Base, t.stack.Size)
}

// pushInitialFrame writes regs just below the top of the thread's kernel
// stack. The frame is what the interrupt trampoline resumes the first time
// the thread is selected.
func (k *Kernel) pushInitialFrame(t *Thread, regs *gate.Registers) error {
	t.context = t.stack.Top() - gate.FrameSize
	return gate.SaveFrame(k.space, t.context, regs)
}

// NewKernelThread creates a Ready thread that runs entry in ring 0 on behalf
// of the kernel process.
func (k *Kernel) NewKernelThread(entry Entry) (*Thread, error) {
	t, kerr := k.allocThread(k.kernelProc)
	if kerr != nil {
		return nil, kerr
	}
	t.entry = entry

	regs := gate.Registers{
		RDI:    uint64(t.id),
		RIP:    kernelThreadStub,
		CS:     gate.KernelCodeSelector,
		RFlags: gate.FlagInterruptEnable,
		RSP:    uint64(t.stack.Top() - gate.FrameSize),
		SS:     gate.KernelDataSelector,
	}

	if err := k.pushInitialFrame(t, &regs); err != nil {
		k.freeStack(t)
		return nil, err
	}

	k.addThread(k.kernelProc, t)
	return t, nil
}

// NewUserThread creates a Ready thread of process p that enters ring 3 at
// entry. Every user thread gets its own on-demand user stack.
func (k *Kernel) NewUserThread(p *Process, entry uintptr) (*Thread, error) {
	if p.space.IsKernel() {
		return nil, errUserThreadInKernel
	}

	t, kerr := k.allocThread(p)
	if kerr != nil {
		return nil, kerr
	}

	stackTop, kerr := p.reserveUserStack(k.ustackSize)
	if kerr != nil {
		k.freeStack(t)
		return nil, kerr
	}

	regs := gate.Registers{
		RIP:    uint64(entry),
		CS:     gate.UserCodeSelector,
		RFlags: gate.FlagInterruptEnable,
		RSP:    uint64(stackTop),
		SS:     gate.UserDataSelector,
	}

	if err := k.pushInitialFrame(t, &regs); err != nil {
		k.freeStack(t)
		return nil, err
	}

	k.addThread(p, t)
	return t, nil
}

// newInitThread creates the thread that stands for whatever a core was
// executing before its scheduler took over. It starts Running and has no
// initial frame; its context is captured by the first context switch.
func (k *Kernel) newInitThread() (*Thread, error) {
	t, kerr := k.allocThread(k.kernelProc)
	if kerr != nil {
		return nil, kerr
	}

	t.state = Running
	t.onCore = true
	k.addThread(k.kernelProc, t)
	return t, nil
}

// addThread publishes t so that schedulers can select it.
func (k *Kernel) addThread(p *Process, t *Thread) {
	k.lock.Acquire()
	p.threads = append(p.threads, t)
	k.lock.Release()
}

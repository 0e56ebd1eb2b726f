package task

import (
	"sync/atomic"

	"gophertask/kernel"
	"gophertask/kernel/kfmt"
	"gophertask/kernel/loader"
	"gophertask/kernel/mm"
	"gophertask/kernel/mm/heap"
	"gophertask/kernel/mm/vmm"
	"gophertask/kernel/sync"

	"github.com/pkg/errors"
)

// ProcessID uniquely identifies a process for the lifetime of the kernel.
type ProcessID uint64

// KernelProcessName is the name of the process that owns all kernel threads.
const KernelProcessName = "kernel"

const (
	// userStackTop is where the stack of the first user thread of every
	// process ends. Stacks of additional threads are placed below it,
	// separated by an unmapped guard page.
	userStackTop = uintptr(0x00007ffffffff000)

	userSegmentFlags = vmm.FlagPresent | vmm.FlagRW | vmm.FlagUserAccessible
)

// Process owns an address space and an ordered list of threads.
type Process struct {
	id   ProcessID
	name string

	space   *vmm.AddressSpace
	heap    *heap.ProcessHeap
	signals *SignalManager

	parent    ProcessID
	hasParent bool

	stdin, stdout uint64

	// threads is guarded by the kernel lock. Its order is the creation
	// order of the threads.
	threads []*Thread

	// refs counts the owners of the process: the process registry and
	// every core whose active address space is the process' one.
	refs    int32
	release func(*Process)

	stackLock    sync.Spinlock
	nextStackTop uintptr
}

// ID returns the process id.
func (p *Process) ID() ProcessID {
	return p.id
}

// Name returns the process display name.
func (p *Process) Name() string {
	return p.name
}

// AddressSpace returns the process address space.
func (p *Process) AddressSpace() *vmm.AddressSpace {
	return p.space
}

// Heap returns the process heap.
func (p *Process) Heap() *heap.ProcessHeap {
	return p.heap
}

// Signals returns the process signal mailbox.
func (p *Process) Signals() *SignalManager {
	return p.signals
}

// Parent returns the id of the process that created p. The second return
// value is false for processes without a parent.
func (p *Process) Parent() (ProcessID, bool) {
	return p.parent, p.hasParent
}

// Stdio returns the standard input and output handles inherited by the
// process.
func (p *Process) Stdio() (stdin, stdout uint64) {
	return p.stdin, p.stdout
}

// Acquire registers an additional owner of the process.
func (p *Process) Acquire() {
	atomic.AddInt32(&p.refs, 1)
}

// Release drops a reference obtained via Acquire or Kernel.ProcessOf. When
// the last reference is dropped the kernel stacks of the process threads and
// its address space are reclaimed.
func (p *Process) Release() {
	switch refs := atomic.AddInt32(&p.refs, -1); {
	case refs == 0:
		p.release(p)
	case refs < 0:
		kfmt.Panic(errors.Wrapf(errProcessRefUnderflow, "process %d", uint64(p.id)))
	}
}

// reserveUserStack maps an on-demand stack of the given size and returns
// its top address.
func (p *Process) reserveUserStack(size mm.Size) (uintptr, *kernel.Error) {
	p.stackLock.Acquire()
	defer p.stackLock.Release()

	size = mm.Size(size.Pages() * mm.PageSize)
	top := p.nextStackTop
	if top < heap.UserHeapStart+uintptr(size)+mm.PageSize {
		return 0, errUserStackSpace
	}

	base := top - uintptr(size)
	if err := p.space.ReserveOnDemand(base, size, vmm.FlagRW|vmm.FlagUserAccessible|vmm.FlagNoExecute); err != nil {
		return 0, err
	}

	p.nextStackTop = base - mm.PageSize
	return top, nil
}

// newProcess allocates a process that is not yet visible to schedulers. The
// caller owns the single reference of the returned process.
func (k *Kernel) newProcess(name string, user bool) (*Process, *kernel.Error) {
	p := &Process{
		id:           ProcessID(k.nextPID.Add(1) - 1),
		name:         name,
		signals:      NewSignalManager(),
		refs:         1,
		release:      k.reclaim,
		nextStackTop: userStackTop,
	}

	if !user {
		p.space = k.space
		p.heap = heap.NewKernelHeap()
		return p, nil
	}

	var err *kernel.Error
	if p.space, err = vmm.NewAddressSpace(k.space); err != nil {
		return nil, err
	}

	if p.heap, err = heap.NewUserHeap(p.space); err != nil {
		_ = p.space.Destroy()
		return nil, err
	}

	return p, nil
}

// reclaim releases every resource owned by a process whose last reference
// has been dropped.
func (k *Kernel) reclaim(p *Process) {
	k.lock.Acquire()
	threads := p.threads
	p.threads = nil
	k.lock.Release()

	for _, t := range threads {
		k.freeStack(t)
	}

	if !p.space.IsKernel() {
		_ = p.space.Destroy()
	}

	kfmt.Printf("[task] reclaimed process %d (%s)\n", uint64(p.id), p.name)
}

// SpawnOptions controls the creation of a user process.
type SpawnOptions struct {
	// Parent is notified with SignalChildExit when the new process exits.
	Parent *Process

	// Stdin and Stdout are the standard handles inherited by the process.
	Stdin, Stdout uint64
}

// NewUserProcess loads an ELF image into a new address space, creates the
// initial thread at the image entry point and publishes the process. Images
// that fail to parse are rejected without side effects.
func (k *Kernel) NewUserProcess(name string, image loader.Source, opts SpawnOptions) (*Process, error) {
	img, err := loader.Parse(image)
	if err != nil {
		return nil, errors.Wrapf(err, "loading process %q", name)
	}

	p, kerr := k.newProcess(name, true)
	if kerr != nil {
		return nil, errors.Wrapf(kerr, "creating process %q", name)
	}

	if opts.Parent != nil {
		p.parent, p.hasParent = opts.Parent.id, true
	}
	p.stdin, p.stdout = opts.Stdin, opts.Stdout

	if err = k.loadSegments(p, img); err == nil {
		_, err = k.NewUserThread(p, uintptr(img.Entry))
	}

	if err != nil {
		p.Release()
		return nil, errors.Wrapf(err, "creating process %q", name)
	}

	k.addProcess(p)
	kfmt.Printf("[task] created process %d (%s) entry: 0x%x\n", uint64(p.id), name, img.Entry)
	return p, nil
}

// loadSegments maps every loadable segment of img as user-accessible, writable
// memory and copies the segment contents. Pages shared by two segments are
// mapped once.
func (k *Kernel) loadSegments(p *Process, img *loader.Image) error {
	for _, seg := range img.Segments {
		start := mm.PageFromAddress(uintptr(seg.Addr))
		end := mm.PageFromAddress(mm.PageAlignUp(uintptr(seg.End())))

		for page := start; page < end; page++ {
			if _, err := p.space.Translate(page.Address()); err == nil {
				continue
			}

			if err := p.space.MapRegion(page.Address(), mm.Size(mm.PageSize), userSegmentFlags); err != nil {
				return errors.Wrapf(err, "mapping segment at 0x%x", seg.Addr)
			}
		}

		if err := p.space.Write(uintptr(seg.Addr), seg.Data); err != nil {
			return errors.Wrapf(err, "copying segment at 0x%x", seg.Addr)
		}
	}

	return nil
}

// addProcess publishes p in the process registry. The registry takes over
// the caller's reference.
func (k *Kernel) addProcess(p *Process) {
	k.lock.Acquire()
	k.processes = append(k.processes, p)
	k.lock.Release()
}

// ProcessOf returns the process that owns t. It fails if the process has
// already exited. The caller must Release the returned process.
func (k *Kernel) ProcessOf(t *Thread) (*Process, bool) {
	return k.Process(t.pid)
}

// Process looks up a live process by id. The caller must Release the
// returned process.
func (k *Kernel) Process(pid ProcessID) (*Process, bool) {
	k.lock.Acquire()
	defer k.lock.Release()

	if p := k.findProcess(pid); p != nil {
		p.Acquire()
		return p, true
	}
	return nil, false
}

// findProcess returns the registered process with the given id. The caller
// must hold the kernel lock.
func (k *Kernel) findProcess(pid ProcessID) *Process {
	if index := k.processIndex(pid); index >= 0 {
		return k.processes[index]
	}
	return nil
}

func (k *Kernel) processIndex(pid ProcessID) int {
	for index, p := range k.processes {
		if p.id == pid {
			return index
		}
	}
	return -1
}

// Processes returns the ids of the registered processes in registration
// order.
func (k *Kernel) Processes() []ProcessID {
	k.lock.Acquire()
	defer k.lock.Release()

	ids := make([]ProcessID, 0, len(k.processes))
	for _, p := range k.processes {
		ids = append(ids, p.id)
	}
	return ids
}

// ExitProcess removes p from the registry so that none of its threads can be
// selected again. If p has a live parent, a SignalChildExit signal carrying
// code is posted to it and the parent threads waiting for that signal are
// woken. Resources are reclaimed once the last reference to p is dropped.
func (k *Kernel) ExitProcess(p *Process, code uint64) *kernel.Error {
	if p == k.kernelProc {
		return errKernelProcessExit
	}

	k.lock.Acquire()
	index := k.processIndex(p.id)
	if index < 0 {
		k.lock.Release()
		return errProcessNotFound
	}

	k.processes = append(k.processes[:index], k.processes[index+1:]...)
	for _, s := range k.schedulers {
		s.processRemoved(index)
	}

	for _, t := range p.threads {
		t.exited = true
	}

	if parent := k.findProcess(p.parent); p.hasParent && parent != nil {
		sig := Signal{Type: SignalChildExit}
		sig.Data[0] = code
		if parent.signals.RegisterSignal(sig) {
			k.wakeWaiting(parent, SignalChildExit)
		}
	}
	k.lock.Release()

	kfmt.Printf("[task] process %d (%s) exited with code %d\n", uint64(p.id), p.name, code)

	// drop the registry reference
	p.Release()
	return nil
}

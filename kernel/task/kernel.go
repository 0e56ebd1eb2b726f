// Package task implements processes, threads, the per-core round-robin
// scheduler and the signal mailboxes used for parent/child notification.
//
// All scheduling state lives in a Kernel value which is shared by every core.
// A single spinlock guards the process registry, the thread lists, thread
// states and the scheduler cursors so that no two cores can ever select the
// same thread.
package task

import (
	"sync/atomic"

	"gophertask/kernel"
	"gophertask/kernel/kfmt"
	"gophertask/kernel/mm"
	"gophertask/kernel/mm/vmm"
	"gophertask/kernel/sync"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errNoRunnableThread    = &kernel.Error{Module: "scheduler", Message: "no thread is ready to run"}
	errSchedulerInstalled  = &kernel.Error{Module: "scheduler", Message: "a scheduler is already installed for this core"}
	errKernelProcessExit   = &kernel.Error{Module: "task", Message: "the kernel process cannot exit"}
	errProcessNotFound     = &kernel.Error{Module: "task", Message: "process is not registered"}
	errProcessRefUnderflow = &kernel.Error{Module: "task", Message: "process reference count underflow"}
	errUserThreadInKernel  = &kernel.Error{Module: "task", Message: "user threads cannot belong to the kernel process"}
	errUserStackSpace      = &kernel.Error{Module: "task", Message: "no address space left for a user stack"}
)

const (
	defaultKernelStackSize = 4 * mm.Size(mm.PageSize)
	defaultUserStackSize   = 16 * mm.Size(mm.PageSize)
)

// Config holds the tunables of the task subsystem.
type Config struct {
	// KernelStackSize is the size of every kernel stack. It defaults to
	// 4 pages.
	KernelStackSize mm.Size

	// UserStackSize is the size of every user stack. It defaults to 16
	// pages.
	UserStackSize mm.Size
}

// Kernel is the task subsystem context shared by all cores.
type Kernel struct {
	lock sync.Spinlock

	space      *vmm.AddressSpace
	kstackSize mm.Size
	ustackSize mm.Size

	// processes is the process registry in registration order. It is
	// guarded by lock.
	processes []*Process

	// schedulers maps local APIC ids to per-core schedulers. It is guarded
	// by lock.
	schedulers map[uint32]*Scheduler

	kernelProc *Process

	nextPID atomic.Uint64
	nextTID atomic.Uint64
}

// NewKernel creates the task subsystem on top of the kernel address space
// and registers the kernel process.
func NewKernel(space *vmm.AddressSpace, cfg Config) (*Kernel, *kernel.Error) {
	if cfg.KernelStackSize == 0 {
		cfg.KernelStackSize = defaultKernelStackSize
	}
	if cfg.UserStackSize == 0 {
		cfg.UserStackSize = defaultUserStackSize
	}

	k := &Kernel{
		space:      space,
		kstackSize: mm.Size(cfg.KernelStackSize.Pages() * mm.PageSize),
		ustackSize: mm.Size(cfg.UserStackSize.Pages() * mm.PageSize),
		schedulers: make(map[uint32]*Scheduler),
	}

	var err *kernel.Error
	if k.kernelProc, err = k.newProcess(KernelProcessName, false); err != nil {
		return nil, err
	}

	k.addProcess(k.kernelProc)
	return k, nil
}

// KernelProcess returns the process that owns all kernel threads.
func (k *Kernel) KernelProcess() *Process {
	return k.kernelProc
}

// AddressSpace returns the kernel address space.
func (k *Kernel) AddressSpace() *vmm.AddressSpace {
	return k.space
}

// ThreadState returns the current state of t.
func (k *Kernel) ThreadState(t *Thread) ThreadState {
	k.lock.Acquire()
	defer k.lock.Release()
	return t.state
}

// Threads returns the threads of p in creation order.
func (k *Kernel) Threads(p *Process) []*Thread {
	k.lock.Acquire()
	defer k.lock.Release()

	threads := make([]*Thread, len(p.threads))
	copy(threads, p.threads)
	return threads
}

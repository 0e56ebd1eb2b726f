package task

import (
	"gophertask/kernel/kfmt"

	"github.com/pkg/errors"
)

// Core is the processor state a scheduler updates when it switches threads.
type Core interface {
	// ID returns the local APIC id of the core.
	ID() uint32

	// SetRing0RSP updates the stack loaded on a ring 3 -> ring 0
	// transition.
	SetRing0RSP(rsp uint64)

	// SwitchPDT activates the page table rooted at pdtPhysAddr.
	SwitchPDT(pdtPhysAddr uintptr)
}

// Scheduler is the round-robin scheduler of a single core. Scheduler methods
// must only be invoked by the core that owns the scheduler with its
// interrupts disabled.
type Scheduler struct {
	k    *Kernel
	core Core

	current     *Thread
	currentProc *Process

	// retired is the process of the previously running thread. Its
	// reference is dropped on the next switch, once the core no longer
	// executes on the previous thread's kernel stack.
	retired *Process

	// procCursor and threadCursor record where the last scan stopped.
	// They are guarded by the kernel lock.
	procCursor   int
	threadCursor int
}

// InstallScheduler creates the scheduler of core. The current execution flow
// of the core becomes its init thread which is owned by the kernel process
// and starts in the Running state.
func (k *Kernel) InstallScheduler(core Core) (*Scheduler, error) {
	k.lock.Acquire()
	_, exists := k.schedulers[core.ID()]
	k.lock.Release()
	if exists {
		return nil, errors.Wrapf(errSchedulerInstalled, "core %d", core.ID())
	}

	initThread, err := k.newInitThread()
	if err != nil {
		return nil, err
	}

	k.kernelProc.Acquire()
	s := &Scheduler{
		k:           k,
		core:        core,
		current:     initThread,
		currentProc: k.kernelProc,
	}

	k.lock.Acquire()
	s.procCursor, s.threadCursor = k.cursorOf(initThread)
	k.schedulers[core.ID()] = s
	k.lock.Release()

	core.SetRing0RSP(uint64(initThread.stack.Top()))
	core.SwitchPDT(k.space.PDTAddress())

	kfmt.Printf("[scheduler] installed scheduler for core %d\n", core.ID())
	return s, nil
}

// Scheduler returns the scheduler installed for the core with the given
// local APIC id.
func (k *Kernel) Scheduler(coreID uint32) (*Scheduler, bool) {
	k.lock.Acquire()
	defer k.lock.Release()

	s, ok := k.schedulers[coreID]
	return s, ok
}

// cursorOf returns the registry position of t. The caller must hold the
// kernel lock.
func (k *Kernel) cursorOf(t *Thread) (int, int) {
	for procIndex, p := range k.processes {
		for threadIndex, candidate := range p.threads {
			if candidate == t {
				return procIndex, threadIndex
			}
		}
	}
	return 0, -1
}

// Current returns the thread whose context is loaded on the core.
func (s *Scheduler) Current() *Thread {
	return s.current
}

// CurrentProcess returns the process of the current thread. The scheduler
// keeps a reference to it for as long as the thread runs.
func (s *Scheduler) CurrentProcess() *Process {
	return s.currentProc
}

// Core returns the core the scheduler belongs to.
func (s *Scheduler) Core() Core {
	return s.core
}

// Schedule saves ctxAddr as the context of the running thread, selects the
// next Ready thread in round-robin order and returns the address of its saved
// context. The preempted thread becomes Ready unless it parked itself in the
// Blocked or Waiting state. Schedule halts the core if no thread is Ready.
func (s *Scheduler) Schedule(ctxAddr uintptr) uintptr {
	k := s.k

	k.lock.Acquire()
	prev := s.current
	prev.context = ctxAddr
	prev.onCore = false
	if prev.state == Running {
		prev.state = Ready
	}

	next, nextProc := s.pickNext()
	if next == nil {
		prev.onCore = true
		k.lock.Release()
		panicFn(errNoRunnableThread)
		return ctxAddr
	}

	next.state = Running
	next.onCore = true
	nextProc.Acquire()
	k.lock.Release()

	if s.retired != nil {
		s.retired.Release()
	}
	s.retired = s.currentProc
	s.current, s.currentProc = next, nextProc

	s.core.SetRing0RSP(uint64(next.stack.Top()))
	s.core.SwitchPDT(nextProc.space.PDTAddress())

	return next.context
}

// pickNext scans the registry starting right after the cursor and returns
// the first Ready thread along with its process. Processes without threads
// are skipped and the scan wraps around so that the thread at the cursor is
// examined last. The caller must hold the kernel lock.
func (s *Scheduler) pickNext() (*Thread, *Process) {
	procs := s.k.processes
	procCount := len(procs)
	if procCount == 0 {
		return nil, nil
	}

	startProc := s.procCursor % procCount
	for step := 0; step <= procCount; step++ {
		var (
			procIndex = (startProc + step) % procCount
			p         = procs[procIndex]
			first     = 0
			last      = len(p.threads) - 1
		)

		switch step {
		case 0:
			first = s.threadCursor + 1
		case procCount:
			last = s.threadCursor
		}

		for threadIndex := first; threadIndex <= last && threadIndex < len(p.threads); threadIndex++ {
			if t := p.threads[threadIndex]; t.state == Ready && !t.onCore && !t.exited {
				s.procCursor, s.threadCursor = procIndex, threadIndex
				return t, p
			}
		}
	}

	return nil, nil
}

// processRemoved keeps the cursor pointing at the same process after the
// registry entry at index has been removed. The caller must hold the kernel
// lock.
func (s *Scheduler) processRemoved(index int) {
	switch {
	case s.procCursor > index:
		s.procCursor--
	case s.procCursor == index:
		// the next scan starts with the first thread of the process
		// that took the removed one's slot
		s.threadCursor = -1
	}
}

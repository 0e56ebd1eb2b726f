package task

// WaitQueue holds the threads that are Blocked on a resource. The queue is
// guarded by the kernel lock.
type WaitQueue struct {
	waiters []*Thread
}

// WaitQueueLen returns the number of threads parked on q.
func (k *Kernel) WaitQueueLen(q *WaitQueue) int {
	k.lock.Acquire()
	defer k.lock.Release()
	return len(q.waiters)
}

// Block parks t on q in the Blocked state unless ready reports that the
// resource is already available. ready is evaluated under the kernel lock;
// callers that make the resource available must do so before calling Wake
// or WakeAll so that a wakeup is never lost. Block returns true if t was
// parked; the caller must then force a reschedule of its core.
func (k *Kernel) Block(t *Thread, q *WaitQueue, ready func() bool) bool {
	k.lock.Acquire()
	defer k.lock.Release()

	if t.exited || (ready != nil && ready()) {
		return false
	}

	t.state = Blocked
	q.waiters = append(q.waiters, t)
	return true
}

// WakeAll moves every thread parked on q to the Ready state and returns the
// number of woken threads.
func (k *Kernel) WakeAll(q *WaitQueue) int {
	k.lock.Acquire()
	defer k.lock.Release()

	woken := 0
	for _, t := range q.waiters {
		if t.state == Blocked {
			t.state = Ready
			woken++
		}
	}
	q.waiters = q.waiters[:0]
	return woken
}

// Wake moves t from Blocked or Waiting to Ready. It returns false if t was
// not parked. Waking the last thread that waits for a signal type withdraws
// the wait registered for that type.
func (k *Kernel) Wake(t *Thread) bool {
	k.lock.Acquire()
	defer k.lock.Release()

	if t.state.IsActive() {
		return false
	}

	wasWaiting := t.state == Waiting
	t.state = Ready

	if wasWaiting {
		if p := k.findProcess(t.pid); p != nil && !hasWaiter(p, t.waitSignal) {
			p.signals.CancelWaitFor(t.waitSignal)
		}
	}
	return true
}

// hasWaiter returns true if a thread of p waits for sigType. The caller must
// hold the kernel lock.
func hasWaiter(p *Process, sigType SignalType) bool {
	for _, t := range p.threads {
		if t.state == Waiting && t.waitSignal == sigType {
			return true
		}
	}
	return false
}

// WaitForSignal marks sigType as awaited by p and parks t in the Waiting
// state. If a signal of that type is already pending, t keeps running and
// WaitForSignal returns false. A signal posted after the check wakes t, so
// the wakeup cannot be lost. When WaitForSignal returns true the caller must
// force a reschedule of its core.
func (k *Kernel) WaitForSignal(t *Thread, p *Process, sigType SignalType) bool {
	k.lock.Acquire()
	defer k.lock.Release()

	if t.exited || p.signals.HasSignal(sigType) {
		return false
	}

	p.signals.RegisterWaitFor(sigType)
	t.state = Waiting
	t.waitSignal = sigType
	return true
}

// PostSignal delivers sig to p and wakes the threads of p waiting for it.
func (k *Kernel) PostSignal(p *Process, sig Signal) {
	k.lock.Acquire()
	defer k.lock.Release()

	if p.signals.RegisterSignal(sig) {
		k.wakeWaiting(p, sig.Type)
	}
}

// wakeWaiting moves the threads of p that wait for sigType to the Ready
// state. The caller must hold the kernel lock.
func (k *Kernel) wakeWaiting(p *Process, sigType SignalType) {
	for _, t := range p.threads {
		if t.state == Waiting && t.waitSignal == sigType {
			t.state = Ready
		}
	}
}

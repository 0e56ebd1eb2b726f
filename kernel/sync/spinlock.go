// Package sync provides the synchronization primitives shared by all cores:
// spinlocks guarding kernel data structures and one-shot latches used to
// stage core bring-up.
package sync

import (
	"runtime"
	"sync/atomic"
)

// attemptsBeforeYielding is the number of failed acquisition attempts after
// which a spinning core yields to the host scheduler.
const attemptsBeforeYielding = 64

var (
	// yieldFn is invoked by a spinning core every attemptsBeforeYielding
	// failed attempts.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each core trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the calling core. Any
// attempt to re-acquire a lock already held by the same core deadlocks.
func (l *Spinlock) Acquire() {
	for attempt := uint32(1); ; attempt++ {
		// Spin on a plain load first so waiting cores do not keep
		// bouncing the cache line with failed CAS operations.
		if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}

		if attempt%attemptsBeforeYielding == 0 {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other cores to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

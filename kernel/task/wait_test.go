package task

import (
	gosync "sync"
	"sync/atomic"
	"testing"
)

func TestThreadStateString(t *testing.T) {
	specs := []struct {
		state ThreadState
		exp   string
	}{
		{Ready, "ready"},
		{Running, "running"},
		{Blocked, "blocked"},
		{Waiting, "waiting"},
		{ThreadState(42), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.state.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestBlockWhenResourceReady(t *testing.T) {
	k := newTestKernel(t)

	th, err := k.NewKernelThread(nil)
	if err != nil {
		t.Fatal(err)
	}

	var q WaitQueue
	if k.Block(th, &q, func() bool { return true }) {
		t.Fatal("expected Block to return false for an available resource")
	}

	if k.WaitQueueLen(&q) != 0 || k.ThreadState(th) != Ready {
		t.Fatal("expected thread to stay runnable")
	}
}

func TestWake(t *testing.T) {
	k := newTestKernel(t)

	th, err := k.NewKernelThread(nil)
	if err != nil {
		t.Fatal(err)
	}

	if k.Wake(th) {
		t.Fatal("expected Wake to ignore a Ready thread")
	}

	k.WaitForSignal(th, k.KernelProcess(), SignalType(9))
	if !k.Wake(th) || k.ThreadState(th) != Ready {
		t.Fatal("expected Wake to make a Waiting thread Ready")
	}

	if k.KernelProcess().Signals().RegisterSignal(Signal{Type: 9}) {
		t.Fatal("expected woken thread to no longer await signal 9")
	}
}

func TestWakeKeepsOtherWaiters(t *testing.T) {
	k := newTestKernel(t)

	p := k.spawn(t, "app", nil)
	first := k.Threads(p)[0]
	second, err := k.NewUserThread(p, testEntry)
	if err != nil {
		t.Fatal(err)
	}

	k.WaitForSignal(first, p, SignalChildExit)
	k.WaitForSignal(second, p, SignalChildExit)

	if !k.Wake(first) {
		t.Fatal("expected Wake to succeed")
	}

	if !p.Signals().IsAwaited(SignalChildExit) {
		t.Fatal("expected signal to stay awaited while another thread waits for it")
	}

	k.PostSignal(p, Signal{Type: SignalChildExit})
	if state := k.ThreadState(second); state != Ready {
		t.Fatalf("expected remaining waiter to be woken; got %s", state)
	}
}

func TestBlockNoLostWakeup(t *testing.T) {
	k := newTestKernel(t)

	th, err := k.NewKernelThread(nil)
	if err != nil {
		t.Fatal(err)
	}

	var (
		q         WaitQueue
		available int32
	)

	for i := 0; i < 200; i++ {
		atomic.StoreInt32(&available, 0)

		var wg gosync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			atomic.StoreInt32(&available, 1)
			k.WakeAll(&q)
		}()

		k.Block(th, &q, func() bool { return atomic.LoadInt32(&available) == 1 })
		wg.Wait()

		// the waker has finished; a thread that is still parked would
		// never be woken
		if state := k.ThreadState(th); state != Ready {
			t.Fatalf("[iteration %d] lost wakeup: thread is %s", i, state)
		}
	}
}

func TestWaitForSignalNoLostWakeup(t *testing.T) {
	k := newTestKernel(t)

	parent := k.spawn(t, "parent", nil)
	waiter := k.Threads(parent)[0]

	for i := 0; i < 200; i++ {
		parent.Signals().DeleteSignal(SignalChildExit)

		var wg gosync.WaitGroup
		wg.Add(1)
		go func(code uint64) {
			defer wg.Done()
			sig := Signal{Type: SignalChildExit}
			sig.Data[0] = code
			k.PostSignal(parent, sig)
		}(uint64(i))

		k.WaitForSignal(waiter, parent, SignalChildExit)
		wg.Wait()

		if state := k.ThreadState(waiter); state != Ready {
			t.Fatalf("[iteration %d] lost wakeup: thread is %s", i, state)
		}

		if sig, ok := parent.Signals().GetSignal(SignalChildExit); !ok || sig.Data[0] != uint64(i) {
			t.Fatalf("[iteration %d] expected payload %d", i, i)
		}
	}
}

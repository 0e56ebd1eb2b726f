package smp

import (
	"bytes"
	"context"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"gophertask/kernel/boot"
	"gophertask/kernel/gate"
	"gophertask/kernel/kfmt"
	"gophertask/kernel/loader/elftest"
	"gophertask/kernel/mm"
	"gophertask/kernel/mm/pmm"
	"gophertask/kernel/mm/vmm"
	"gophertask/kernel/syscall"
	"gophertask/kernel/task"

	"github.com/pkg/errors"
)

func newTestKernel(t *testing.T) *task.Kernel {
	kfmt.SetOutputSink(&bytes.Buffer{})
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })

	const memSize = 32 * mm.Mb
	info := &boot.Info{
		MemoryMap: []boot.MemoryMapEntry{
			{PhysAddress: 0, Length: uint64(memSize), Type: boot.MemAvailable},
		},
	}

	mem := pmm.NewMemory(memSize)
	alloc, err := pmm.NewBitmapAllocator(mem, info)
	if err != nil {
		t.Fatal(err)
	}

	kas, err := vmm.NewKernelAddressSpace(mem, alloc)
	if err != nil {
		t.Fatal(err)
	}

	k, err := task.NewKernel(kas, task.Config{})
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func testCPUs(count int) []boot.CPU {
	cpus := make([]boot.CPU, count)
	for index := range cpus {
		cpus[index] = boot.CPU{APICID: uint32(index), BSP: index == 0}
	}
	return cpus
}

func bootMachine(t *testing.T, k *task.Kernel, cores int, cfg Config) *Machine {
	m, err := NewMachine(k, testCPUs(cores), cfg)
	if err != nil {
		t.Fatal(err)
	}

	if err = m.Boot(context.Background()); err != nil {
		t.Fatal(err)
	}
	return m
}

func spawnUser(t *testing.T, k *task.Kernel, name string) *task.Process {
	image := elftest.Image{
		Entry: 0x400000,
		Segments: []elftest.Segment{
			{Addr: 0x400000, Data: []byte("text"), MemSize: 0x1000},
		},
	}.Reader()

	p, err := k.NewUserProcess(name, image, task.SpawnOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

type eventLog struct {
	mu     gosync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) index(t *testing.T, coreID uint32, stage Stage) int {
	for index, ev := range l.events {
		if ev.Core == coreID && ev.Stage == stage {
			return index
		}
	}
	t.Fatalf("no %s event recorded for core %d; events: %v", stage, coreID, l.events)
	return -1
}

func TestBootOrdering(t *testing.T) {
	const cores = 4

	for run := 0; run < 10; run++ {
		k := newTestKernel(t)

		var log eventLog
		m := bootMachine(t, k, cores, Config{Tracer: log.record})

		var (
			bsp           = m.Cores()[0].ID()
			ready         = log.index(t, bsp, StageSchedulerReady)
			startSchedule = log.index(t, bsp, StageStartSchedule)
		)

		if idle := log.index(t, bsp, StageIdleThreadsCreated); idle > ready {
			t.Errorf("[run %d] idle threads created after the scheduler-ready flag", run)
		}

		for _, c := range m.Cores() {
			id := c.ID()

			installed := log.index(t, id, StageSchedulerInstalled)
			if installed > startSchedule {
				t.Errorf("[run %d] core %d installed its scheduler after start-schedule", run, id)
			}

			if unmasked := log.index(t, id, StageTimerUnmasked); unmasked < startSchedule {
				t.Errorf("[run %d] core %d unmasked its timer before start-schedule", run, id)
			}

			if !c.CPU().InterruptsEnabled() {
				t.Errorf("[run %d] expected core %d to accept interrupts", run, id)
			}

			if _, ok := k.Scheduler(id); !ok {
				t.Errorf("[run %d] expected a scheduler for core %d", run, id)
			}

			if id == bsp {
				continue
			}

			released := log.index(t, id, StageCoreReleased)
			if loaded := log.index(t, id, StageTablesLoaded); loaded < released {
				t.Errorf("[run %d] core %d started before its start slot was written", run, id)
			}

			observed := log.index(t, id, StageSchedulerReadyObserved)
			if observed < ready {
				t.Errorf("[run %d] core %d observed scheduler-ready before it was raised", run, id)
			}

			if installed < observed {
				t.Errorf("[run %d] core %d installed its scheduler before observing scheduler-ready", run, id)
			}
		}

		// one init thread per core and one idle thread per AP
		if exp, got := 2*cores-1, len(k.Threads(k.KernelProcess())); got != exp {
			t.Errorf("[run %d] expected %d kernel threads; got %d", run, exp, got)
		}
	}
}

func TestNewMachine(t *testing.T) {
	k := newTestKernel(t)

	if _, err := NewMachine(k, nil, Config{}); err != errNoCPUs {
		t.Fatalf("expected errNoCPUs; got %v", err)
	}

	if _, err := NewMachine(k, []boot.CPU{{APICID: 1}, {APICID: 1}}, Config{}); errors.Cause(err) != errDuplicateAPIC {
		t.Fatalf("expected errDuplicateAPIC; got %v", err)
	}

	m, err := NewMachine(k, []boot.CPU{{APICID: 1}, {APICID: 7, BSP: true}, {APICID: 3}}, Config{})
	if err != nil {
		t.Fatal(err)
	}

	var ids []uint32
	for _, c := range m.Cores() {
		ids = append(ids, c.ID())
	}
	if exp := []uint32{7, 1, 3}; len(ids) != 3 || ids[0] != exp[0] || ids[1] != exp[1] || ids[2] != exp[2] {
		t.Fatalf("expected core order %v; got %v", exp, ids)
	}

	if !m.Cores()[0].CPU().IsBSP() {
		t.Fatal("expected the first core to be the BSP")
	}

	if m.quantum != defaultQuantum {
		t.Fatalf("expected default quantum %s; got %s", defaultQuantum, m.quantum)
	}

	if _, err = m.Core(3); err != nil {
		t.Fatal(err)
	}

	if _, err = m.Core(42); errors.Cause(err) != errUnknownCore {
		t.Fatalf("expected errUnknownCore; got %v", err)
	}
}

func TestBootTwice(t *testing.T) {
	k := newTestKernel(t)

	m, err := NewMachine(k, testCPUs(2), Config{})
	if err != nil {
		t.Fatal(err)
	}

	if err = m.Run(context.Background()); err != errNotBooted {
		t.Fatalf("expected errNotBooted; got %v", err)
	}

	if err = m.Cores()[1].Interrupt(gate.TimerInterrupt); errors.Cause(err) != errNotBooted {
		t.Fatalf("expected errNotBooted; got %v", err)
	}

	if err = m.Boot(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err = m.Boot(context.Background()); err != errAlreadyBooted {
		t.Fatalf("expected errAlreadyBooted; got %v", err)
	}
}

func TestBootCancelled(t *testing.T) {
	k := newTestKernel(t)

	// a scheduler for core 1 already exists so the AP cannot come online
	if _, err := k.InstallScheduler(cpuStub(1)); err != nil {
		t.Fatal(err)
	}

	m, err := NewMachine(k, testCPUs(2), Config{})
	if err != nil {
		t.Fatal(err)
	}

	if err = m.Boot(context.Background()); err == nil {
		t.Fatal("expected Boot to fail")
	}

	if m.Cores()[0].CPU().InterruptsEnabled() {
		t.Fatal("expected the BSP timer to stay masked")
	}
}

type cpuStub uint32

func (c cpuStub) ID() uint32           { return uint32(c) }
func (cpuStub) SetRing0RSP(uint64)     {}
func (cpuStub) SwitchPDT(addr uintptr) {}

func TestTickRunsKernelThreads(t *testing.T) {
	k := newTestKernel(t)

	var slices int32
	worker, err := k.NewKernelThread(func(*task.Thread) { atomic.AddInt32(&slices, 1) })
	if err != nil {
		t.Fatal(err)
	}

	c := bootMachine(t, k, 1, Config{}).Cores()[0]

	if err = c.Tick(); err != nil {
		t.Fatal(err)
	}

	if got := c.Current(); got != worker {
		t.Fatalf("expected worker thread to run; got thread %d", got.ID())
	}

	regs := c.Registers()
	if regs.RIP != 0xffffffff80001000 || regs.RDI != uint64(worker.ID()) {
		t.Fatalf("expected the kernel thread stub with RDI = %d; got RIP 0x%x RDI %d", worker.ID(), regs.RIP, regs.RDI)
	}

	if got := uint64(c.CPU().Ring0RSP()); got != uint64(worker.KernelStack().Top()) {
		t.Fatalf("expected RSP0 to point at the worker stack top; got 0x%x", got)
	}

	for i := 0; i < 3; i++ {
		if err = c.Tick(); err != nil {
			t.Fatal(err)
		}
	}

	if got := atomic.LoadInt32(&slices); got != 2 {
		t.Fatalf("expected the worker to get 2 time slices; got %d", got)
	}
}

func TestTickMasked(t *testing.T) {
	k := newTestKernel(t)
	c := bootMachine(t, k, 1, Config{}).Cores()[0]

	before := c.Current()
	c.CPU().DisableInterrupts()

	if _, err := k.NewKernelThread(nil); err != nil {
		t.Fatal(err)
	}

	if err := c.Tick(); err != nil {
		t.Fatal(err)
	}

	if c.Current() != before {
		t.Fatal("expected a masked core to ignore its timer")
	}
}

func TestSyscall(t *testing.T) {
	k := newTestKernel(t)
	var debugOut bytes.Buffer
	m := bootMachine(t, k, 2, Config{DebugOutput: &debugOut})
	c := m.Cores()[1]

	if _, err := c.Syscall(syscall.CPUID); errors.Cause(err) != errNotInUserMode {
		t.Fatalf("expected errNotInUserMode; got %v", err)
	}

	p := spawnUser(t, k, "app")
	userThread := k.Threads(p)[0]

	// core 0 holds its init thread; core 1 switches from its init thread
	// to the first Ready thread after it, which is the user thread.
	if err := c.Tick(); err != nil {
		t.Fatal(err)
	}
	if got := c.Current(); got != userThread {
		t.Fatalf("expected the user thread to run on core 1; got thread %d", got.ID())
	}

	if ret, err := c.Syscall(syscall.CPUID); err != nil || ret != 1 {
		t.Fatalf("expected cpu id 1; got (%d, %v)", ret, err)
	}

	if got := c.CPU().ActivePDT(); got != p.AddressSpace().PDTAddress() {
		t.Fatalf("expected the user page tables to be active; got 0x%x", got)
	}

	if _, err := c.Syscall(syscall.Exit, 0); err != nil {
		t.Fatal(err)
	}

	if got := c.Current(); got == userThread {
		t.Fatal("expected the core to switch away from the exited thread")
	}

	if got := c.CPU().ActivePDT(); got != k.AddressSpace().PDTAddress() {
		t.Fatalf("expected the kernel page tables to be active; got 0x%x", got)
	}

	for _, pid := range k.Processes() {
		if pid == p.ID() {
			t.Fatal("expected exited process to be removed")
		}
	}
}

func TestPageFault(t *testing.T) {
	defer func(origPanic func(interface{})) { panicFn = origPanic }(panicFn)

	var panicked []interface{}
	panicFn = func(e interface{}) { panicked = append(panicked, e) }

	k := newTestKernel(t)
	c := bootMachine(t, k, 1, Config{}).Cores()[0]

	p := spawnUser(t, k, "app")
	if err := c.Tick(); err != nil {
		t.Fatal(err)
	}

	stackAddr := uintptr(c.Registers().RSP - 8)
	if flags, err := p.AddressSpace().Flags(stackAddr); err != nil || flags&vmm.FlagCopyOnWrite == 0 {
		t.Fatalf("expected the user stack to be mapped on demand; got flags 0x%x, err %v", uint64(flags), err)
	}

	if err := c.PageFault(stackAddr); err != nil {
		t.Fatal(err)
	}

	if len(panicked) != 0 {
		t.Fatalf("expected the stack fault to be resolved; got %v", panicked)
	}

	if flags, err := p.AddressSpace().Flags(stackAddr); err != nil || flags&vmm.FlagRW == 0 {
		t.Fatalf("expected the stack page to become writable; got flags 0x%x, err %v", uint64(flags), err)
	}

	if err := c.PageFault(0x1000); err != nil {
		t.Fatal(err)
	}

	if len(panicked) != 1 {
		t.Fatalf("expected the unmapped access to panic; got %d panics", len(panicked))
	}

	if err, ok := panicked[0].(error); !ok || errors.Cause(err) != errUnhandledFault {
		t.Fatalf("expected errUnhandledFault; got %v", panicked[0])
	}
}

func TestFaultHandlers(t *testing.T) {
	defer func(origPanic func(interface{})) { panicFn = origPanic }(panicFn)

	var panicked int
	panicFn = func(interface{}) { panicked++ }

	k := newTestKernel(t)
	c := bootMachine(t, k, 1, Config{}).Cores()[0]

	istTop := c.CPU().InterruptStack(doubleFaultIST)
	if istTop == 0 || istTop == c.CPU().Ring0RSP() {
		t.Fatalf("expected a dedicated double fault stack; got IST1 0x%x, RSP0 0x%x", istTop, c.CPU().Ring0RSP())
	}
	if c.CPU().TSS().InterruptStackTable[doubleFaultIST-1] != istTop {
		t.Fatal("expected the double fault stack to be installed in the TSS")
	}

	specs := []struct {
		vector gate.InterruptNumber
		reason string
		onIST  bool
	}{
		{gate.DoubleFault, "double fault", true},
		{gate.GPFException, "general protection fault", false},
	}

	for specIndex, spec := range specs {
		var out bytes.Buffer
		kfmt.SetOutputSink(&out)

		// clear the IST frame slot so a push can be detected
		frameAddr := uintptr(istTop - gate.FrameSize)
		if err := gate.SaveFrame(k.AddressSpace(), frameAddr, &gate.Registers{}); err != nil {
			t.Fatal(err)
		}

		if err := c.Interrupt(spec.vector); err != nil {
			t.Errorf("[spec %d] %v", specIndex, err)
			continue
		}

		var pushed gate.Registers
		if err := gate.LoadFrame(k.AddressSpace(), frameAddr, &pushed); err != nil {
			t.Fatal(err)
		}
		if onIST := pushed == c.Registers(); onIST != spec.onIST {
			t.Errorf("[spec %d] expected frame on the double fault stack: %t; got %t", specIndex, spec.onIST, onIST)
		}

		if panicked != specIndex+1 {
			t.Errorf("[spec %d] expected the core to panic", specIndex)
		}

		for _, exp := range []string{spec.reason, "[cpu0] RIP = "} {
			if !bytes.Contains(out.Bytes(), []byte(exp)) {
				t.Errorf("[spec %d] expected output to contain %q; got:\n%s", specIndex, exp, out.String())
			}
		}
	}
}

func TestRun(t *testing.T) {
	k := newTestKernel(t)

	var slices int32
	for i := 0; i < 4; i++ {
		if _, err := k.NewKernelThread(func(*task.Thread) { atomic.AddInt32(&slices, 1) }); err != nil {
			t.Fatal(err)
		}
	}

	m := bootMachine(t, k, 2, Config{Quantum: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := m.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if atomic.LoadInt32(&slices) == 0 {
		t.Fatal("expected kernel threads to be scheduled")
	}
}

func TestStageString(t *testing.T) {
	specs := []struct {
		stage Stage
		exp   string
	}{
		{StageTablesLoaded, "tables-loaded"},
		{StageSchedulerReady, "scheduler-ready"},
		{StageTimerUnmasked, "timer-unmasked"},
		{Stage(0), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.stage.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

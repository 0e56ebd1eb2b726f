// Package smp brings the processors reported by the boot loader online and
// drives their scheduling timers.
//
// Bring-up is staged. The bootstrap processor (BSP) loads its descriptor
// table, seeds one idle kernel thread per application processor (AP),
// installs its own scheduler and opens the SchedulerReady latch. It then
// releases every AP through the AP's start slot. An AP loads its own table,
// waits for SchedulerReady and installs its scheduler. No core unmasks its
// timer before the BSP opens the StartSchedule latch, which only happens once
// every AP has installed its scheduler.
package smp

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"gophertask/kernel"
	"gophertask/kernel/boot"
	"gophertask/kernel/cpu"
	"gophertask/kernel/kfmt"
	"gophertask/kernel/sync"
	"gophertask/kernel/syscall"
	"gophertask/kernel/task"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const defaultQuantum = 10 * time.Millisecond

var (
	// panicFn halts the calling core. It is mocked by tests.
	panicFn = kfmt.Panic

	errNoCPUs         = &kernel.Error{Module: "smp", Message: "no processors to bring online"}
	errDuplicateAPIC  = &kernel.Error{Module: "smp", Message: "duplicate local APIC id"}
	errAlreadyBooted  = &kernel.Error{Module: "smp", Message: "processors have already been brought online"}
	errNotBooted      = &kernel.Error{Module: "smp", Message: "processors have not been brought online"}
	errNotInUserMode  = &kernel.Error{Module: "smp", Message: "system calls can only be issued by user threads"}
	errUnknownCore    = &kernel.Error{Module: "smp", Message: "no core with the requested local APIC id"}
	errUnhandledFault = &kernel.Error{Module: "smp", Message: "unrecoverable page fault"}
)

// Stage identifies a step of the bring-up sequence.
type Stage uint8

// The bring-up stages in the order a single core goes through them. Stages
// marked BSP are only reported by the bootstrap processor.
const (
	// StageTablesLoaded: the core loaded its descriptor table.
	StageTablesLoaded Stage = iota + 1

	// StageIdleThreadsCreated (BSP): one idle thread per AP exists.
	StageIdleThreadsCreated

	// StageSchedulerReadyObserved: an AP observed the SchedulerReady latch.
	StageSchedulerReadyObserved

	// StageSchedulerInstalled: the core installed its scheduler.
	StageSchedulerInstalled

	// StageSchedulerReady (BSP): the SchedulerReady latch is about to open.
	StageSchedulerReady

	// StageCoreReleased (BSP): the start slot of the AP in Event.Core is
	// about to be written.
	StageCoreReleased

	// StageStartSchedule (BSP): the StartSchedule latch is about to open.
	StageStartSchedule

	// StageTimerUnmasked: the core enabled its timer interrupt.
	StageTimerUnmasked
)

var stageNames = map[Stage]string{
	StageTablesLoaded:           "tables-loaded",
	StageIdleThreadsCreated:     "idle-threads-created",
	StageSchedulerReadyObserved: "scheduler-ready-observed",
	StageSchedulerInstalled:     "scheduler-installed",
	StageSchedulerReady:         "scheduler-ready",
	StageCoreReleased:           "core-released",
	StageStartSchedule:          "start-schedule",
	StageTimerUnmasked:          "timer-unmasked",
}

// String implements fmt.Stringer for Stage.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// Event is reported to a Tracer when a core reaches a bring-up stage.
type Event struct {
	Core  uint32
	Stage Stage
}

// Tracer receives bring-up events. It is invoked concurrently by all cores.
type Tracer func(Event)

// Config tunes a Machine.
type Config struct {
	// Quantum is the period of every core's scheduling timer. Defaults to
	// 10ms.
	Quantum time.Duration

	// Tracer, if set, observes the bring-up sequence.
	Tracer Tracer

	// DebugOutput receives the output of the DebugWrite system call. If
	// nil, it is written to the kernel log.
	DebugOutput io.Writer
}

// Machine is the set of cores managed by the kernel.
type Machine struct {
	k        *task.Kernel
	syscalls *syscall.Dispatcher
	quantum  time.Duration
	tracer   Tracer

	// cores[0] is the BSP.
	cores []*Core

	schedulerReady *sync.Latch
	startSchedule  *sync.Latch
	booted         atomic.Bool
}

// NewMachine creates one core per entry of cpus. The processor flagged as
// BSP (or the first one if none is flagged) runs the bring-up sequence.
func NewMachine(k *task.Kernel, cpus []boot.CPU, cfg Config) (*Machine, error) {
	if len(cpus) == 0 {
		return nil, errNoCPUs
	}

	if cfg.Quantum <= 0 {
		cfg.Quantum = defaultQuantum
	}

	bspIndex := 0
	for index, c := range cpus {
		if c.BSP {
			bspIndex = index
			break
		}
	}

	m := &Machine{
		k:              k,
		syscalls:       syscall.NewDispatcher(k, cfg.DebugOutput),
		quantum:        cfg.Quantum,
		tracer:         cfg.Tracer,
		schedulerReady: sync.NewLatch("scheduler-ready"),
		startSchedule:  sync.NewLatch("start-schedule"),
	}

	seen := make(map[uint32]bool, len(cpus))
	order := append([]boot.CPU{cpus[bspIndex]}, cpus[:bspIndex]...)
	order = append(order, cpus[bspIndex+1:]...)
	for index, c := range order {
		if seen[c.APICID] {
			return nil, errors.Wrapf(errDuplicateAPIC, "apic id %d", c.APICID)
		}
		seen[c.APICID] = true

		m.cores = append(m.cores, newCore(m, cpu.NewCore(c.APICID, index == 0)))
	}

	return m, nil
}

// Cores returns the managed cores; the BSP comes first.
func (m *Machine) Cores() []*Core {
	return m.cores
}

// Core returns the core with the given local APIC id.
func (m *Machine) Core(apicID uint32) (*Core, error) {
	for _, c := range m.cores {
		if c.ID() == apicID {
			return c, nil
		}
	}
	return nil, errors.Wrapf(errUnknownCore, "apic id %d", apicID)
}

// Kernel returns the task subsystem the machine schedules.
func (m *Machine) Kernel() *task.Kernel {
	return m.k
}

func (m *Machine) trace(coreID uint32, stage Stage) {
	if m.tracer != nil {
		m.tracer(Event{Core: coreID, Stage: stage})
	}
}

// Boot runs the bring-up sequence on the calling goroutine, which acts as
// the BSP. It returns once every core has unmasked its timer.
func (m *Machine) Boot(ctx context.Context) error {
	if !m.booted.CompareAndSwap(false, true) {
		return errAlreadyBooted
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, ap := range m.cores[1:] {
		ap := ap
		g.Go(func() error { return ap.awaitStart(gctx) })
	}

	abort := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	bsp := m.cores[0]
	if err := bsp.loadTables(); err != nil {
		return abort(err)
	}

	for range m.cores[1:] {
		if _, err := m.k.NewKernelThread(idle); err != nil {
			return abort(errors.Wrap(err, "creating idle thread"))
		}
	}
	m.trace(bsp.ID(), StageIdleThreadsCreated)

	if err := bsp.installScheduler(); err != nil {
		return abort(err)
	}

	m.trace(bsp.ID(), StageSchedulerReady)
	m.schedulerReady.Open()

	for _, ap := range m.cores[1:] {
		m.trace(ap.ID(), StageCoreReleased)
		ap.start <- ap.apEntry
	}

	for _, ap := range m.cores[1:] {
		if err := ap.online.Wait(gctx); err != nil {
			if groupErr := g.Wait(); groupErr != nil {
				return groupErr
			}
			return err
		}
	}

	m.trace(bsp.ID(), StageStartSchedule)
	m.startSchedule.Open()

	bsp.unmaskTimer()

	if err := g.Wait(); err != nil {
		return err
	}

	kfmt.Printf("[smp] %d cores online\n", len(m.cores))
	return nil
}

// Run delivers a timer interrupt to every core once per quantum until ctx is
// cancelled or a core fails.
func (m *Machine) Run(ctx context.Context) error {
	if !m.startSchedule.IsOpen() {
		return errNotBooted
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range m.cores {
		c := c
		g.Go(func() error { return c.run(gctx, m.quantum) })
	}
	return g.Wait()
}

// idle is the body of the per-AP idle threads. The thread halts until the
// next interrupt, which in a hosted kernel means returning right away.
func idle(*task.Thread) {}

// Package kmain contains the kernel entry point.
package kmain

import (
	"context"
	"io"

	"gophertask/kernel"
	"gophertask/kernel/boot"
	"gophertask/kernel/kfmt"
	"gophertask/kernel/mm"
	"gophertask/kernel/mm/pmm"
	"gophertask/kernel/mm/vmm"
	"gophertask/kernel/smp"
	"gophertask/kernel/task"

	"github.com/pkg/errors"
)

var (
	errNoBSP        = &kernel.Error{Module: "kmain", Message: "boot info does not describe any processor"}
	errNoInitModule = &kernel.Error{Module: "kmain", Message: "no boot module to start as the init process"}
)

// Options holds the hooks a hosted boot runner may provide.
type Options struct {
	// DebugOutput receives the output of user debug writes.
	DebugOutput io.Writer

	// Tracer observes the SMP bring-up sequence.
	Tracer smp.Tracer
}

// Kmain brings the kernel up using the information supplied by the boot
// loader: it initializes physical and virtual memory, creates the task
// subsystem, brings the configured cores online and starts the init
// process. It then schedules threads until ctx is cancelled.
func Kmain(ctx context.Context, info *boot.Info, opts Options) error {
	m, err := Init(ctx, info, opts)
	if err != nil {
		return err
	}

	return m.Run(ctx)
}

// Init performs every Kmain step except for running the scheduling timers
// and returns the booted machine.
func Init(ctx context.Context, info *boot.Info, opts Options) (*smp.Machine, error) {
	cfg, err := info.Config()
	if err != nil {
		return nil, err
	}

	mod, err := initModule(info, cfg)
	if err != nil {
		return nil, err
	}

	mem := pmm.NewMemory(mm.Size(info.MemoryEnd()))
	alloc, kerr := pmm.NewBitmapAllocator(mem, info)
	if kerr != nil {
		return nil, kerr
	}

	kernelSpace, kerr := vmm.NewKernelAddressSpace(mem, alloc)
	if kerr != nil {
		return nil, kerr
	}

	k, kerr := task.NewKernel(kernelSpace, task.Config{
		KernelStackSize: mm.Size(cfg.KernelStackPages) * mm.Size(mm.PageSize),
		UserStackSize:   mm.Size(cfg.UserStackPages) * mm.Size(mm.PageSize),
	})
	if kerr != nil {
		return nil, kerr
	}

	cpus, err := selectCPUs(info, cfg.Cores)
	if err != nil {
		return nil, err
	}

	m, err := smp.NewMachine(k, cpus, smp.Config{
		Quantum:     cfg.Quantum,
		Tracer:      opts.Tracer,
		DebugOutput: opts.DebugOutput,
	})
	if err != nil {
		return nil, err
	}

	if err = m.Boot(ctx); err != nil {
		return nil, errors.Wrap(err, "bringing cores online")
	}

	initProc, err := k.NewUserProcess(mod.Name, mod.Image, task.SpawnOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "starting init process %q", mod.Name)
	}
	kfmt.Printf("[kmain] started init process %d (%s)\n", uint64(initProc.ID()), initProc.Name())

	return m, nil
}

// selectCPUs returns the BSP followed by the first count-1 APs.
func selectCPUs(info *boot.Info, count int) ([]boot.CPU, error) {
	bsp, ok := info.BSP()
	if !ok {
		return nil, errNoBSP
	}
	bsp.BSP = true

	cpus := []boot.CPU{bsp}
	for _, c := range info.CPUs {
		if len(cpus) == count {
			break
		}
		if c.APICID != bsp.APICID {
			c.BSP = false
			cpus = append(cpus, c)
		}
	}
	return cpus, nil
}

func initModule(info *boot.Info, cfg boot.Config) (boot.Module, error) {
	if cfg.Init != "" {
		if mod, ok := info.Module(cfg.Init); ok {
			return mod, nil
		}
		return boot.Module{}, errors.Wrapf(errNoInitModule, "%s", cfg.Init)
	}

	if len(info.Modules) == 0 {
		return boot.Module{}, errNoInitModule
	}
	return info.Modules[0], nil
}

package boot

import (
	"strconv"
	"time"

	"gophertask/kernel"

	"github.com/pkg/errors"
)

// Command line options understood by the kernel.
const (
	OptCores       = "smp.cores"
	OptQuantum     = "sched.quantum"
	OptInit        = "init"
	OptKernelStack = "kstack.pages"
	OptUserStack   = "ustack.pages"
)

const (
	defaultQuantum   = 10 * time.Millisecond
	minQuantumPeriod = 100 * time.Microsecond
	defaultKStack    = 4
	defaultUStack    = 16
	maxStackPages    = 256
)

var errInvalidBootOption = &kernel.Error{Module: "boot", Message: "invalid boot option"}

// Config holds the tunables parsed from the kernel command line.
type Config struct {
	// Cores is the number of processors to bring up, including the BSP.
	Cores int

	// Quantum is the period of the per-core scheduling timer.
	Quantum time.Duration

	// Init names the boot module started as the first user process. An
	// empty value selects the first module.
	Init string

	// KernelStackPages is the size of every kernel stack in pages.
	KernelStackPages int

	// UserStackPages is the size of every user stack in pages.
	UserStackPages int
}

// Config decodes the command line into a Config, applying defaults for
// missing options.
func (i *Info) Config() (Config, error) {
	cfg := Config{
		Cores:            len(i.CPUs),
		Quantum:          defaultQuantum,
		KernelStackPages: defaultKStack,
		UserStackPages:   defaultUStack,
	}

	kv := i.CmdLineKV()

	if v, ok := kv[OptCores]; ok {
		cores, err := strconv.Atoi(v)
		if err != nil || cores < 1 || cores > len(i.CPUs) {
			return cfg, errors.Wrapf(errInvalidBootOption, "%s=%s (%d processors available)", OptCores, v, len(i.CPUs))
		}
		cfg.Cores = cores
	}

	if v, ok := kv[OptQuantum]; ok {
		quantum, err := time.ParseDuration(v)
		if err != nil || quantum < minQuantumPeriod {
			return cfg, errors.Wrapf(errInvalidBootOption, "%s=%s", OptQuantum, v)
		}
		cfg.Quantum = quantum
	}

	if v, ok := kv[OptInit]; ok {
		if _, found := i.Module(v); !found {
			return cfg, errors.Wrapf(errInvalidBootOption, "%s=%s: no such boot module", OptInit, v)
		}
		cfg.Init = v
	}

	for opt, target := range map[string]*int{OptKernelStack: &cfg.KernelStackPages, OptUserStack: &cfg.UserStackPages} {
		v, ok := kv[opt]
		if !ok {
			continue
		}

		pages, err := strconv.Atoi(v)
		if err != nil || pages < 1 || pages > maxStackPages {
			return cfg, errors.Wrapf(errInvalidBootOption, "%s=%s", opt, v)
		}
		*target = pages
	}

	return cfg, nil
}

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"gophertask/kernel/boot"
	"gophertask/kernel/kfmt"
	"gophertask/kernel/kmain"

	"github.com/pkg/errors"
)

var (
	memSize  = flag.Uint64("mem", 64, "amount of physical memory in MiB")
	cpuCount = flag.Uint("cpus", 4, "number of processors reported to the kernel")
	cmdLine  = flag.String("cmdline", "", "kernel command line, e.g. \"smp.cores=2 sched.quantum=5ms init=shell\"")
	runFor   = flag.Duration("run", 0, "stop the kernel after this long (0 runs until interrupted)")
)

// loadModules reads the ELF images passed on the command line. Each module
// is named after its file with the extension removed.
func loadModules(paths []string) ([]boot.Module, error) {
	var mods []boot.Module
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "loading boot module")
		}

		name := filepath.Base(path)
		mods = append(mods, boot.Module{
			Name:  name[:len(name)-len(filepath.Ext(name))],
			Image: bytes.NewReader(data),
		})
	}
	return mods, nil
}

func bootInfo(mods []boot.Module) *boot.Info {
	info := &boot.Info{
		CmdLine: *cmdLine,
		MemoryMap: []boot.MemoryMapEntry{
			{PhysAddress: 0, Length: 0x9fc00, Type: boot.MemAvailable},
			{PhysAddress: 0x9fc00, Length: 0x60400, Type: boot.MemReserved},
			{PhysAddress: 0x100000, Length: *memSize<<20 - 0x100000, Type: boot.MemAvailable},
		},
		Modules: mods,
	}

	for id := uint32(0); id < uint32(*cpuCount); id++ {
		info.CPUs = append(info.CPUs, boot.CPU{APICID: id, BSP: id == 0})
	}
	return info
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] module.elf...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	switch {
	case flag.NArg() == 0:
		exit(errors.New("at least one boot module is required"))
	case *memSize < 2:
		exit(errors.New("at least 2 MiB of memory are required"))
	case *cpuCount == 0:
		exit(errors.New("at least one processor is required"))
	}

	mods, err := loadModules(flag.Args())
	if err != nil {
		exit(err)
	}

	kfmt.SetOutputSink(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *runFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *runFor)
		defer cancel()
	}

	start := time.Now()
	err = kmain.Kmain(ctx, bootInfo(mods), kmain.Options{
		DebugOutput: &kfmt.PrefixWriter{Sink: os.Stdout, Prefix: []byte("[user] ")},
	})
	if err != nil {
		exit(err)
	}

	kfmt.Printf("[boot] kernel stopped after %d ms\n", time.Since(start).Milliseconds())
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[boot] error: %s\n", err.Error())
	os.Exit(1)
}

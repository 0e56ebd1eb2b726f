package kfmt

import (
	"gophertask/kernel"
	"gophertask/kernel/cpu"

	"github.com/pkg/errors"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) and halts the calling core.
// Wrapped errors are reported under the module of their *kernel.Error cause
// followed by the full context chain.
func Panic(e interface{}) {
	var module, msg string

	switch t := e.(type) {
	case *kernel.Error:
		module, msg = t.Module, t.Message
	case string:
		module, msg = errRuntimePanic.Module, t
	case error:
		module, msg = errRuntimePanic.Module, t.Error()
		if kerr, ok := errors.Cause(t).(*kernel.Error); ok {
			module = kerr.Module
		}
	}

	Printf("\n-----------------------------------\n")
	if module != "" {
		Printf("[%s] unrecoverable error: %s\n", module, msg)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

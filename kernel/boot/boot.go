// Package boot describes the information handed to the kernel by the boot
// loader: the physical memory map, the processors discovered by the
// firmware, the boot modules and the kernel command line.
package boot

import (
	"strings"

	"gophertask/kernel/loader"
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// CPU describes a processor reported by the firmware.
type CPU struct {
	// APICID is the local APIC id that identifies the core.
	APICID uint32

	// BSP is set for the processor that runs the boot sequence.
	BSP bool
}

// Module is an ELF image loaded next to the kernel by the boot loader.
type Module struct {
	Name  string
	Image loader.Source
}

// Info holds everything the boot loader reports to the kernel.
type Info struct {
	CmdLine   string
	MemoryMap []MemoryMapEntry
	CPUs      []CPU
	Modules   []Module

	cmdLineKV map[string]string
}

// VisitMemRegions invokes the supplied visitor for each memory region
// reported by the boot loader.
func (i *Info) VisitMemRegions(visitor MemRegionVisitor) {
	for index := range i.MemoryMap {
		entry := &i.MemoryMap[index]

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}
	}
}

// MemoryEnd returns the address just past the highest byte described by the
// memory map.
func (i *Info) MemoryEnd() uint64 {
	var end uint64
	i.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if regionEnd := entry.PhysAddress + entry.Length; regionEnd > end {
			end = regionEnd
		}
		return true
	})
	return end
}

// BSP returns the bootstrap processor. If the firmware did not flag any
// processor the first one is used.
func (i *Info) BSP() (CPU, bool) {
	for _, cpu := range i.CPUs {
		if cpu.BSP {
			return cpu, true
		}
	}

	if len(i.CPUs) == 0 {
		return CPU{}, false
	}
	return i.CPUs[0], true
}

// Module looks up a boot module by name.
func (i *Info) Module(name string) (Module, bool) {
	for _, mod := range i.Modules {
		if mod.Name == name {
			return mod, true
		}
	}
	return Module{}, false
}

// CmdLineKV returns the key-value pairs passed as the kernel command line.
// Bare options such as "nofoo" map to themselves.
func (i *Info) CmdLineKV() map[string]string {
	if i.cmdLineKV != nil {
		return i.cmdLineKV
	}

	i.cmdLineKV = make(map[string]string)
	for _, pair := range strings.Fields(i.CmdLine) {
		kv := strings.Split(pair, "=")
		switch len(kv) {
		case 2: // foo=bar
			i.cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			i.cmdLineKV[kv[0]] = kv[0]
		}
	}

	return i.cmdLineKV
}

package syscall

import (
	"bytes"
	"unicode/utf8"

	"gophertask/kernel"
	"gophertask/kernel/task"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

const (
	// processInfoSize is the size of the packed processInfo structure.
	processInfoSize = 6 * 8

	maxImageSize = 64 << 20
	maxNameLen   = 256
)

var (
	errImageTooLarge = &kernel.Error{Module: "syscall", Message: "binary image exceeds the maximum supported size"}
	errNameTooLong   = &kernel.Error{Module: "syscall", Message: "process name is too long"}
	errInvalidName   = &kernel.Error{Module: "syscall", Message: "process name is not valid UTF-8"}
)

// processInfo is the argument block of CreateProcess.
type processInfo struct {
	BinaryAddr uint64 `struc:"uint64,little"`
	BinaryLen  uint64 `struc:"uint64,little"`
	NameAddr   uint64 `struc:"uint64,little"`
	NameLen    uint64 `struc:"uint64,little"`
	Stdin      uint64 `struc:"uint64,little"`
	Stdout     uint64 `struc:"uint64,little"`
}

// readProcessInfo copies the CreateProcess argument block from the caller's
// address space.
func readProcessInfo(c *Call, addr uint64) (*processInfo, error) {
	raw := make([]byte, processInfoSize)
	if err := c.Process.AddressSpace().CopyFromUser(uintptr(addr), raw); err != nil {
		return nil, errors.Wrapf(err, "reading process info at 0x%x", addr)
	}

	var info processInfo
	if err := struc.Unpack(bytes.NewReader(raw), &info); err != nil {
		return nil, errors.Wrap(err, "unpacking process info")
	}
	return &info, nil
}

// createProcess(infoAddr) spawns a child of the calling process and returns
// its id.
func createProcess(d *Dispatcher, c *Call, a args) (uint64, bool) {
	info, err := readProcessInfo(c, a[0])
	if err != nil {
		return fail(c, "create_process", err)
	}

	switch {
	case info.BinaryLen > maxImageSize:
		return fail(c, "create_process", errImageTooLarge)
	case info.NameLen > maxNameLen:
		return fail(c, "create_process", errNameTooLong)
	}

	image := make([]byte, info.BinaryLen)
	if kerr := c.Process.AddressSpace().CopyFromUser(uintptr(info.BinaryAddr), image); kerr != nil {
		return fail(c, "create_process", errors.Wrapf(kerr, "reading image at 0x%x", info.BinaryAddr))
	}

	name := make([]byte, info.NameLen)
	if kerr := c.Process.AddressSpace().CopyFromUser(uintptr(info.NameAddr), name); kerr != nil {
		return fail(c, "create_process", errors.Wrapf(kerr, "reading name at 0x%x", info.NameAddr))
	}

	if !utf8.Valid(name) {
		return fail(c, "create_process", errInvalidName)
	}

	child, err := d.k.NewUserProcess(string(name), bytes.NewReader(image), task.SpawnOptions{
		Parent: c.Process,
		Stdin:  info.Stdin,
		Stdout: info.Stdout,
	})
	if err != nil {
		return fail(c, "create_process", err)
	}

	return uint64(child.ID()), false
}

// exit(code) terminates the calling process. It never returns to the
// caller.
func exit(d *Dispatcher, c *Call, a args) (uint64, bool) {
	if err := d.k.ExitProcess(c.Process, a[0]); err != nil {
		return fail(c, "exit", err)
	}
	return 0, true
}

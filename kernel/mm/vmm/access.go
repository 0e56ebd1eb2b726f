package vmm

import (
	"gophertask/kernel"
	"gophertask/kernel/mm"
)

// accessMode selects the checks applied by copyPages.
type accessMode uint8

const (
	accessRead accessMode = 1 << iota
	accessWrite
	accessUser
)

// Read copies len(p) bytes starting at virtual address addr into p.
func (as *AddressSpace) Read(addr uintptr, p []byte) *kernel.Error {
	return as.copyPages(addr, p, accessRead)
}

// Write copies p to the virtual address addr. Writes to copy-on-write pages
// are resolved transparently; writes to read-only pages fail.
func (as *AddressSpace) Write(addr uintptr, p []byte) *kernel.Error {
	return as.copyPages(addr, p, accessWrite)
}

// CopyFromUser copies len(p) bytes from the user address addr into p. Every
// touched page must be mapped with FlagUserAccessible.
func (as *AddressSpace) CopyFromUser(addr uintptr, p []byte) *kernel.Error {
	if err := checkUserRange(addr, len(p)); err != nil {
		return err
	}
	return as.copyPages(addr, p, accessRead|accessUser)
}

// CopyToUser copies p to the user address addr. Every touched page must be
// mapped with FlagUserAccessible.
func (as *AddressSpace) CopyToUser(addr uintptr, p []byte) *kernel.Error {
	if err := checkUserRange(addr, len(p)); err != nil {
		return err
	}
	return as.copyPages(addr, p, accessWrite|accessUser)
}

func checkUserRange(addr uintptr, size int) *kernel.Error {
	if addr >= UserSpaceEnd || uintptr(size) > UserSpaceEnd-addr {
		return ErrBadUserAddress
	}
	return nil
}

// copyPages moves data between p and the virtual range starting at addr one
// page at a time. The whole transfer runs under the lock that guards the
// range so concurrent unmaps cannot tear it.
func (as *AddressSpace) copyPages(addr uintptr, p []byte, mode accessMode) *kernel.Error {
	if len(p) == 0 {
		return nil
	}

	if err := checkRange(addr, uintptr(len(p))); err != nil {
		return err
	}

	owner, err := as.lockFor(addr)
	if err != nil {
		return err
	}
	defer owner.lock.Release()

	for len(p) > 0 {
		pte, err := owner.pteForAddress(addr)
		if err != nil {
			if mode&accessUser != 0 {
				return ErrBadUserAddress
			}
			return err
		}

		if mode&accessUser != 0 && !pte.HasFlags(FlagUserAccessible) {
			return ErrBadUserAddress
		}

		if mode&accessWrite != 0 && !pte.HasFlags(FlagRW) {
			if !pte.HasFlags(FlagCopyOnWrite) {
				return errWriteProtected
			}
			if err = owner.resolveCopyOnWrite(pte); err != nil {
				return err
			}
		}

		frameBuf := owner.mem.FrameBytes(pte.Frame())
		if frameBuf == nil {
			return ErrInvalidMapping
		}
		frameBuf = frameBuf[PageOffset(addr):]

		var n int
		if mode&accessWrite != 0 {
			n = kernel.Memcopy(frameBuf, p)
		} else {
			n = kernel.Memcopy(p, frameBuf)
		}

		p = p[n:]
		addr += uintptr(n)
	}

	return nil
}

// ZeroFrame returns the shared zero-cleared frame used for on-demand
// mappings.
func (as *AddressSpace) ZeroFrame() mm.Frame {
	return as.zeroFrame
}

// Package loader turns ELF64 executables into the list of segments that must
// be mapped into a fresh user address space.
package loader

import (
	"debug/elf"
	"io"

	"gophertask/kernel"

	"github.com/pkg/errors"
)

// UserSpaceEnd is the first address that does not belong to the lower,
// process-private half of an address space.
const UserSpaceEnd = uint64(0x0000800000000000)

var (
	ErrInvalidImage        = &kernel.Error{Module: "loader", Message: "binary image is not a valid ELF executable"}
	errUnsupportedClass    = &kernel.Error{Module: "loader", Message: "only 64-bit little endian ELF images are supported"}
	errUnsupportedMachine  = &kernel.Error{Module: "loader", Message: "ELF image targets an unsupported machine"}
	errUnsupportedType     = &kernel.Error{Module: "loader", Message: "ELF image is not an executable"}
	errNoLoadableSegments  = &kernel.Error{Module: "loader", Message: "ELF image contains no loadable segments"}
	errSegmentOutOfRange   = &kernel.Error{Module: "loader", Message: "ELF segment does not fit in user space"}
	errEntryOutsideSegment = &kernel.Error{Module: "loader", Message: "ELF entry point is not inside a loadable segment"}
)

// Source is a random-access binary image such as a boot module or a buffer
// copied out of a user address space.
type Source interface {
	io.ReaderAt
	Size() int64
}

// Segment is a PT_LOAD program header along with its file contents.
type Segment struct {
	// Addr is the virtual address where the segment starts.
	Addr uint64

	// MemSize is the number of bytes the segment occupies in memory. Bytes
	// past len(Data) are zero-filled.
	MemSize uint64

	// Flags holds the segment permissions.
	Flags elf.ProgFlag

	// Data holds the segment bytes stored in the image.
	Data []byte
}

// End returns the address past the last byte of the segment.
func (s Segment) End() uint64 {
	return s.Addr + s.MemSize
}

// Image is a parsed executable.
type Image struct {
	Entry    uint64
	Segments []Segment
}

// Parse validates src and extracts its loadable segments. Every error
// returned by Parse has ErrInvalidImage or one of the more specific loader
// errors as its cause.
func Parse(src Source) (*Image, error) {
	file, err := elf.NewFile(io.NewSectionReader(src, 0, src.Size()))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidImage, err.Error())
	}

	switch {
	case file.Class != elf.ELFCLASS64 || file.Data != elf.ELFDATA2LSB:
		return nil, errors.Wrapf(errUnsupportedClass, "class %s, data %s", file.Class, file.Data)
	case file.Machine != elf.EM_X86_64:
		return nil, errors.Wrapf(errUnsupportedMachine, "machine %s", file.Machine)
	case file.Type != elf.ET_EXEC:
		return nil, errors.Wrapf(errUnsupportedType, "type %s", file.Type)
	}

	img := &Image{Entry: file.Entry}
	for _, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}

		end := prog.Vaddr + prog.Memsz
		if end < prog.Vaddr || end > UserSpaceEnd || prog.Filesz > prog.Memsz {
			return nil, errors.Wrapf(errSegmentOutOfRange, "segment [0x%x, 0x%x)", prog.Vaddr, end)
		}

		data := make([]byte, prog.Filesz)
		if _, err = io.ReadFull(prog.Open(), data); err != nil {
			return nil, errors.Wrapf(ErrInvalidImage, "reading segment at 0x%x: %v", prog.Vaddr, err)
		}

		img.Segments = append(img.Segments, Segment{
			Addr:    prog.Vaddr,
			MemSize: prog.Memsz,
			Flags:   prog.Flags,
			Data:    data,
		})
	}

	if len(img.Segments) == 0 {
		return nil, errNoLoadableSegments
	}

	for _, seg := range img.Segments {
		if img.Entry >= seg.Addr && img.Entry < seg.End() {
			return img, nil
		}
	}

	return nil, errors.Wrapf(errEntryOutsideSegment, "entry 0x%x", img.Entry)
}

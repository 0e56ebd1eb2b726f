// Package elftest builds minimal ELF64 executables for tests that need to
// spawn user processes.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/lunixbochs/struc"
)

const (
	headerSize     = 64
	progHeaderSize = 56
)

type fileHeader struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type progHeader struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Segment describes a PT_LOAD segment of the generated image. If MemSize is
// smaller than len(Data) it is adjusted to len(Data).
type Segment struct {
	Addr    uint64
	Data    []byte
	MemSize uint64
}

// Image describes the executable to generate. The zero values of Class,
// Machine and Type select a 64-bit x86_64 executable.
type Image struct {
	Entry    uint64
	Segments []Segment

	Class   elf.Class
	Machine elf.Machine
	Type    elf.Type
}

// Build returns the encoded executable.
func (img Image) Build() []byte {
	if img.Class == elf.ELFCLASSNONE {
		img.Class = elf.ELFCLASS64
	}
	if img.Machine == elf.EM_NONE {
		img.Machine = elf.EM_X86_64
	}
	if img.Type == elf.ET_NONE {
		img.Type = elf.ET_EXEC
	}

	hdr := fileHeader{
		Type:      uint16(img.Type),
		Machine:   uint16(img.Machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		Phoff:     headerSize,
		Ehsize:    headerSize,
		Phentsize: progHeaderSize,
		Phnum:     uint16(len(img.Segments)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(img.Class)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var (
		buf     bytes.Buffer
		opts    = &struc.Options{Order: binary.LittleEndian}
		dataOff = uint64(headerSize + progHeaderSize*len(img.Segments))
	)

	mustPack(&buf, &hdr, opts)
	for _, seg := range img.Segments {
		memSize := seg.MemSize
		if memSize < uint64(len(seg.Data)) {
			memSize = uint64(len(seg.Data))
		}

		mustPack(&buf, &progHeader{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_W | elf.PF_X),
			Off:    dataOff,
			Vaddr:  seg.Addr,
			Paddr:  seg.Addr,
			Filesz: uint64(len(seg.Data)),
			Memsz:  memSize,
			Align:  0x1000,
		}, opts)
		dataOff += uint64(len(seg.Data))
	}

	for _, seg := range img.Segments {
		buf.Write(seg.Data)
	}

	return buf.Bytes()
}

// Reader returns the encoded executable wrapped in a bytes.Reader.
func (img Image) Reader() *bytes.Reader {
	return bytes.NewReader(img.Build())
}

func mustPack(buf *bytes.Buffer, v interface{}, opts *struc.Options) {
	if err := struc.PackWithOptions(buf, v, opts); err != nil {
		panic(err)
	}
}

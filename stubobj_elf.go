// Completion: 100% - ELF stub object writer complete
package patch67

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// ELF constants for the hand-assembled relocatable output
const (
	elfEhsize    = 64
	elfShentsize = 64
	elfSymSize   = 24
)

func elfMachineFor(arch Arch) (elf.Machine, error) {
	switch arch {
	case ArchX86_64:
		return elf.EM_X86_64, nil
	case ArchARM64:
		return elf.EM_AARCH64, nil
	case ArchRiscv64:
		return elf.EM_RISCV, nil
	default:
		return elf.EM_NONE, unsupportedErr("no ELF machine for %s", arch)
	}
}

// writeStubELF assembles an ET_REL object with five sections: the null
// section, .text with the trampolines, .symtab, .strtab and .shstrtab.
func writeStubELF(target Target, text []byte, entries []stubEntry) ([]byte, error) {
	machine, err := elfMachineFor(target.Arch)
	if err != nil {
		return nil, err
	}
	le := binary.LittleEndian

	// String tables
	strtab := []byte{0}
	nameOff := make([]uint32, len(entries))
	for i, e := range entries {
		nameOff[i] = uint32(len(strtab))
		strtab = append(strtab, mangleName(FormatELF, e.name)...)
		strtab = append(strtab, 0)
	}
	shstrtab := []byte("\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00")
	shName := map[string]uint32{".text": 1, ".symtab": 7, ".strtab": 15, ".shstrtab": 23}

	// Symbol table: null entry plus one global per stub entry
	symtab := make([]byte, elfSymSize, elfSymSize*(len(entries)+1))
	for i, e := range entries {
		sym := make([]byte, elfSymSize)
		le.PutUint32(sym[0:], nameOff[i])
		if e.code {
			sym[4] = byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC)
			le.PutUint16(sym[6:], 1) // .text
			le.PutUint64(sym[8:], e.offset)
			le.PutUint64(sym[16:], e.size)
		} else {
			sym[4] = byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_OBJECT)
			le.PutUint16(sym[6:], uint16(elf.SHN_ABS))
			le.PutUint64(sym[8:], e.absAddr)
		}
		symtab = append(symtab, sym...)
	}

	// Layout: ehdr, .text, .symtab, .strtab, .shstrtab, section headers
	textOff := uint64(elfEhsize)
	symtabOff := align8(textOff + uint64(len(text)))
	strtabOff := symtabOff + uint64(len(symtab))
	shstrtabOff := strtabOff + uint64(len(strtab))
	shoff := align8(shstrtabOff + uint64(len(shstrtab)))

	var buf bytes.Buffer
	ehdr := make([]byte, elfEhsize)
	copy(ehdr, elfMagic)
	ehdr[4] = byte(elf.ELFCLASS64)
	ehdr[5] = byte(elf.ELFDATA2LSB)
	ehdr[6] = byte(elf.EV_CURRENT)
	le.PutUint16(ehdr[16:], uint16(elf.ET_REL))
	le.PutUint16(ehdr[18:], uint16(machine))
	le.PutUint32(ehdr[20:], 1) // e_version
	le.PutUint64(ehdr[40:], shoff)
	le.PutUint16(ehdr[52:], elfEhsize)
	le.PutUint16(ehdr[58:], elfShentsize)
	le.PutUint16(ehdr[60:], 5) // e_shnum
	le.PutUint16(ehdr[62:], 4) // e_shstrndx
	buf.Write(ehdr)

	buf.Write(text)
	buf.Write(make([]byte, int(symtabOff-textOff)-len(text)))
	buf.Write(symtab)
	buf.Write(strtab)
	buf.Write(shstrtab)
	buf.Write(make([]byte, int(shoff-shstrtabOff)-len(shstrtab)))

	shdr := func(name string, typ elf.SectionType, flags elf.SectionFlag, off, size uint64, link, info uint32, addralign, entsize uint64) {
		h := make([]byte, elfShentsize)
		if name != "" {
			le.PutUint32(h[0:], shName[name])
		}
		le.PutUint32(h[4:], uint32(typ))
		le.PutUint64(h[8:], uint64(flags))
		le.PutUint64(h[24:], off)
		le.PutUint64(h[32:], size)
		le.PutUint32(h[40:], link)
		le.PutUint32(h[44:], info)
		le.PutUint64(h[48:], addralign)
		le.PutUint64(h[56:], entsize)
		buf.Write(h)
	}
	shdr("", elf.SHT_NULL, 0, 0, 0, 0, 0, 0, 0)
	shdr(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, textOff, uint64(len(text)), 0, 0, 16, 0)
	// sh_info of .symtab is the index of the first non-local symbol
	shdr(".symtab", elf.SHT_SYMTAB, 0, symtabOff, uint64(len(symtab)), 3, 1, 8, elfSymSize)
	shdr(".strtab", elf.SHT_STRTAB, 0, strtabOff, uint64(len(strtab)), 0, 0, 1, 0)
	shdr(".shstrtab", elf.SHT_STRTAB, 0, shstrtabOff, uint64(len(shstrtab)), 0, 0, 1, 0)

	return buf.Bytes(), nil
}

func align8(v uint64) uint64 {
	return (v + 7) &^ 7
}

// Completion: 100% - Mach-O stub object writer complete
package patch67

import (
	"bytes"
	"encoding/binary"
)

// Mach-O load command and header constants for MH_OBJECT emission
const (
	machoFiletypeObject = 0x1
	machoLcSegment64    = 0x19
	machoLcSymtab       = 0x2

	machoHeaderSize  = 32
	machoSegment64Sz = 72
	machoSection64Sz = 80
	machoSymtabCmdSz = 24
	machoNlist64Sz   = 16

	machoCPUArm64  = 0x0100000c
	machoCPUX86_64 = 0x01000007

	// S_ATTR_PURE_INSTRUCTIONS | S_ATTR_SOME_INSTRUCTIONS
	machoTextSectionFlags = 0x80000400

	machoNSect = 0x0e
	machoNAbs  = 0x02
)

func machoCPUFor(arch Arch) (uint32, uint32, error) {
	switch arch {
	case ArchARM64:
		return machoCPUArm64, 0, nil
	case ArchX86_64:
		return machoCPUX86_64, 3, nil // CPU_SUBTYPE_X86_64_ALL
	default:
		return 0, 0, unsupportedErr("no Mach-O cputype for %s", arch)
	}
}

// writeStubMachO assembles an MH_OBJECT file with a single __text section and
// an external symbol per stub entry. Data entries become N_ABS symbols, which
// ld64 resolves without any backing bytes.
func writeStubMachO(target Target, text []byte, entries []stubEntry) ([]byte, error) {
	cputype, cpusubtype, err := machoCPUFor(target.Arch)
	if err != nil {
		return nil, err
	}
	le := binary.LittleEndian

	sizeofcmds := uint32(machoSegment64Sz + machoSection64Sz + machoSymtabCmdSz)
	textOff := uint64(machoHeaderSize) + uint64(sizeofcmds)
	symOff := align8(textOff + uint64(len(text)))
	strOff := symOff + uint64(len(entries)*machoNlist64Sz)

	strtab := []byte{0}
	var nlists []byte
	for _, e := range entries {
		n := make([]byte, machoNlist64Sz)
		le.PutUint32(n[0:], uint32(len(strtab)))
		strtab = append(strtab, mangleName(FormatMachO, e.name)...)
		strtab = append(strtab, 0)
		if e.code {
			n[4] = machoNSect | machoNExt
			n[5] = 1 // __text
			le.PutUint64(n[8:], e.offset)
		} else {
			n[4] = machoNAbs | machoNExt
			le.PutUint64(n[8:], e.absAddr)
		}
		nlists = append(nlists, n...)
	}

	var buf bytes.Buffer

	hdr := make([]byte, machoHeaderSize)
	le.PutUint32(hdr[0:], machoMagic64)
	le.PutUint32(hdr[4:], cputype)
	le.PutUint32(hdr[8:], cpusubtype)
	le.PutUint32(hdr[12:], machoFiletypeObject)
	le.PutUint32(hdr[16:], 2) // ncmds
	le.PutUint32(hdr[20:], sizeofcmds)
	buf.Write(hdr)

	seg := make([]byte, machoSegment64Sz)
	le.PutUint32(seg[0:], machoLcSegment64)
	le.PutUint32(seg[4:], machoSegment64Sz+machoSection64Sz)
	le.PutUint64(seg[32:], uint64(len(text))) // vmsize
	le.PutUint64(seg[40:], textOff)           // fileoff
	le.PutUint64(seg[48:], uint64(len(text))) // filesize
	le.PutUint32(seg[56:], 7)                 // maxprot rwx
	le.PutUint32(seg[60:], 7)                 // initprot rwx
	le.PutUint32(seg[64:], 1)                 // nsects
	buf.Write(seg)

	sect := make([]byte, machoSection64Sz)
	copy(sect[0:], "__text")
	copy(sect[16:], "__TEXT")
	le.PutUint64(sect[40:], uint64(len(text))) // size
	le.PutUint32(sect[48:], uint32(textOff))   // offset
	le.PutUint32(sect[52:], 4)                 // align 2^4
	le.PutUint32(sect[64:], machoTextSectionFlags)
	buf.Write(sect)

	symtabCmd := make([]byte, machoSymtabCmdSz)
	le.PutUint32(symtabCmd[0:], machoLcSymtab)
	le.PutUint32(symtabCmd[4:], machoSymtabCmdSz)
	le.PutUint32(symtabCmd[8:], uint32(symOff))
	le.PutUint32(symtabCmd[12:], uint32(len(entries)))
	le.PutUint32(symtabCmd[16:], uint32(strOff))
	le.PutUint32(symtabCmd[20:], uint32(len(strtab)))
	buf.Write(symtabCmd)

	buf.Write(text)
	buf.Write(make([]byte, int(symOff-textOff)-len(text)))
	buf.Write(nlists)
	buf.Write(strtab)

	return buf.Bytes(), nil
}

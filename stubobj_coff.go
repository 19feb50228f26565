// Completion: 100% - COFF stub object writer complete
package patch67

import (
	"bytes"
	"encoding/binary"
)

const (
	coffHeaderSize  = 20
	coffSectionSize = 40
	coffSymbolSize  = 18

	// IMAGE_SCN_CNT_CODE | IMAGE_SCN_ALIGN_16BYTES | IMAGE_SCN_MEM_EXECUTE | IMAGE_SCN_MEM_READ
	coffTextCharacteristics = 0x60500020
)

func coffMachineFor(arch Arch) (uint16, error) {
	switch arch {
	case ArchX86_64:
		return coffMachineAMD64, nil
	case ArchARM64:
		return coffMachineARM64, nil
	default:
		return 0, unsupportedErr("no COFF machine for %s", arch)
	}
}

// writeStubCOFF assembles a COFF object with a single .text section. Names
// longer than eight bytes go through the string table, as the format requires.
// Only code entries are accepted: the 32-bit symbol Value field cannot hold a
// 64-bit absolute data address.
func writeStubCOFF(target Target, text []byte, entries []stubEntry) ([]byte, error) {
	machine, err := coffMachineFor(target.Arch)
	if err != nil {
		return nil, err
	}
	le := binary.LittleEndian

	textOff := uint32(coffHeaderSize + coffSectionSize)
	symOff := textOff + uint32(len(text))

	// The string table length prefix counts itself
	strtab := make([]byte, 4)
	var syms []byte
	for _, e := range entries {
		sym := make([]byte, coffSymbolSize)
		name := mangleName(FormatPE, e.name)
		if len(name) <= 8 {
			copy(sym[0:8], name)
		} else {
			le.PutUint32(sym[4:], uint32(len(strtab)))
			strtab = append(strtab, name...)
			strtab = append(strtab, 0)
		}
		if !e.code {
			// The Value field is 32 bits, so a 64-bit runtime address cannot
			// ride on an IMAGE_SYM_ABSOLUTE symbol without corruption.
			return nil, unsupportedErr("COFF cannot carry the 64-bit absolute data symbol %q", e.name)
		}
		le.PutUint32(sym[8:], uint32(e.offset))
		le.PutUint16(sym[12:], 1) // .text
		le.PutUint16(sym[14:], coffTypeFunction)
		sym[16] = coffClassExternal
		syms = append(syms, sym...)
	}
	le.PutUint32(strtab[0:], uint32(len(strtab)))

	var buf bytes.Buffer

	hdr := make([]byte, coffHeaderSize)
	le.PutUint16(hdr[0:], machine)
	le.PutUint16(hdr[2:], 1) // NumberOfSections
	le.PutUint32(hdr[8:], symOff)
	le.PutUint32(hdr[12:], uint32(len(entries)))
	buf.Write(hdr)

	sect := make([]byte, coffSectionSize)
	copy(sect[0:8], ".text")
	le.PutUint32(sect[16:], uint32(len(text))) // SizeOfRawData
	le.PutUint32(sect[20:], textOff)           // PointerToRawData
	le.PutUint32(sect[36:], coffTextCharacteristics)
	buf.Write(sect)

	buf.Write(text)
	buf.Write(syms)
	buf.Write(strtab)

	return buf.Bytes(), nil
}

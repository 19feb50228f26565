// Completion: 90% - PE/COFF parsing complete, line numbers and big-obj not handled
package patch67

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
)

// COFF machine ids this engine recognizes
const (
	coffMachineAMD64   = 0x8664
	coffMachineARM64   = 0xaa64
	coffMachineI386    = 0x14c
	coffMachineRiscv64 = 0x5064
)

// COFF storage classes and section numbers
const (
	coffClassExternal     = 2
	coffClassStatic       = 3
	coffClassWeakExternal = 105
	coffSymUndefined      = 0
	coffTypeFunction      = 0x20
)

// AMD64 and ARM64 COFF relocation types
const (
	coffRelAMD64Addr64    = 0x0001
	coffRelAMD64Rel32     = 0x0004
	coffRelAMD64Rel32Last = 0x0009
	coffRelAMD64Section   = 0x000a
	coffRelARM64Addr64    = 0x000e
	coffRelARM64Branch26  = 0x0003
	coffRelARM64PageBase  = 0x0004
	coffRelARM64Rel21     = 0x0005
)

func isCOFFMachine(m uint16) bool {
	switch m {
	case coffMachineAMD64, coffMachineARM64, coffMachineI386, coffMachineRiscv64:
		return true
	}
	return false
}

// parsePE fills the view from a COFF object or PE image. Relocation entries
// are not surfaced by debug/pe, so they are decoded straight from the mapped
// bytes using each section's relocation pointer, the way the PE reader in
// this codebase has always worked.
func (v *ObjectView) parsePE() error {
	f, err := pe.NewFile(bytes.NewReader(v.data))
	if err != nil {
		return parseWrap(err, "%s: parsing PE/COFF", v.Path)
	}
	defer f.Close()

	v.machine = uint32(f.Machine)

	var imageBase uint64
	if oh, ok := f.OptionalHeader.(*pe.OptionalHeader64); ok {
		imageBase = oh.ImageBase
	}

	v.sections = make([]Section, len(f.Sections))
	for i, s := range f.Sections {
		size := uint64(s.VirtualSize)
		if size == 0 {
			size = uint64(s.Size)
		}
		sec := Section{
			Name:  s.Name,
			Index: i,
			Addr:  imageBase + uint64(s.VirtualAddress),
			Size:  size,
		}
		if s.Size > 0 && s.Offset > 0 {
			end := uint64(s.Offset) + uint64(s.Size)
			if end > uint64(len(v.data)) {
				return parseErr("%s: section %s extends past end of file", v.Path, s.Name)
			}
			sec.Data = v.data[s.Offset:end]
		}
		relocs, err := v.parseCOFFRelocs(s)
		if err != nil {
			return err
		}
		sec.Relocs = relocs
		v.sections[i] = sec
	}

	// The raw symbol table, aux entries included, so relocation symbol
	// indices line up
	v.symbols = make([]Symbol, len(f.COFFSymbols))
	aux := 0
	for i := range f.COFFSymbols {
		if aux > 0 {
			aux--
			v.symbols[i] = Symbol{Index: i, Section: -1}
			continue
		}
		cs := &f.COFFSymbols[i]
		aux = int(cs.NumberOfAuxSymbols)

		name, err := cs.FullName(f.StringTable)
		if err != nil {
			return parseWrap(err, "%s: reading COFF symbol name", v.Path)
		}
		sym := Symbol{
			Name:    demangleName(FormatPE, name),
			Index:   i,
			Section: -1,
			Defined: cs.SectionNumber > 0,
			Global:  cs.StorageClass == coffClassExternal,
			Weak:    cs.StorageClass == coffClassWeakExternal,
			Code:    cs.Type&coffTypeFunction != 0,
		}
		if cs.SectionNumber > 0 && int(cs.SectionNumber) <= len(v.sections) {
			sym.Section = int(cs.SectionNumber) - 1
			sym.Addr = v.sections[sym.Section].Addr + uint64(cs.Value)
		} else {
			sym.Addr = uint64(cs.Value)
		}
		v.symbols[i] = sym
	}

	return nil
}

// parseCOFFRelocs decodes the 10-byte relocation entries of one section
func (v *ObjectView) parseCOFFRelocs(s *pe.Section) ([]Reloc, error) {
	n := int(s.NumberOfRelocations)
	if n == 0 {
		return nil, nil
	}
	off := int(s.PointerToRelocations)
	end := off + n*10
	if off <= 0 || end > len(v.data) {
		return nil, parseErr("%s: section %s relocation table out of bounds", v.Path, s.Name)
	}

	relocs := make([]Reloc, 0, n)
	for ; off < end; off += 10 {
		va := binary.LittleEndian.Uint32(v.data[off:])
		symIdx := binary.LittleEndian.Uint32(v.data[off+4:])
		relType := binary.LittleEndian.Uint16(v.data[off+8:])

		// COFF relocations always reference the symbol table
		target := RelocTarget{Kind: TargetSymbol, Index: int(symIdx)}

		relocs = append(relocs, Reloc{
			Offset:   uint64(va - s.VirtualAddress),
			SizeBits: coffRelocSizeBits(v.machine, relType),
			Type:     uint32(relType),
			PCRel:    coffRelocPCRel(v.machine, relType),
			Target:   target,
		})
	}
	return relocs, nil
}

// coffRelocSizeBits returns the width of the field a relocation patches
func coffRelocSizeBits(machine uint32, relType uint16) uint8 {
	switch machine {
	case coffMachineAMD64:
		switch relType {
		case coffRelAMD64Addr64:
			return 64
		case coffRelAMD64Section:
			return 16
		default:
			return 32
		}
	case coffMachineARM64:
		if relType == coffRelARM64Addr64 {
			return 64
		}
		return 32
	default:
		return 32
	}
}

// coffRelocPCRel reports whether a relocation is PC-relative
func coffRelocPCRel(machine uint32, relType uint16) bool {
	switch machine {
	case coffMachineAMD64:
		return relType >= coffRelAMD64Rel32 && relType <= coffRelAMD64Rel32Last
	case coffMachineARM64:
		switch relType {
		case coffRelARM64Branch26, coffRelARM64PageBase, coffRelARM64Rel21:
			return true
		}
	}
	return false
}

// Completion: 95% - ELF object parsing complete, 32-bit objects rejected
package patch67

import (
	"bytes"
	"debug/elf"
)

const elfMagic = "\x7fELF"

// parseELF fills the view from a 64-bit ELF relocatable or executable file.
// Section data aliases the mapped bytes; nothing is copied.
func (v *ObjectView) parseELF() error {
	f, err := elf.NewFile(bytes.NewReader(v.data))
	if err != nil {
		return parseWrap(err, "%s: parsing ELF", v.Path)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return parseErr("%s: only 64-bit ELF objects are supported", v.Path)
	}
	v.machine = uint32(f.Machine)

	v.sections = make([]Section, len(f.Sections))
	for i, s := range f.Sections {
		sec := Section{
			Name:  s.Name,
			Index: i,
			Addr:  s.Addr,
			Size:  s.Size,
		}
		if s.Type != elf.SHT_NOBITS && s.FileSize > 0 {
			end := s.Offset + s.FileSize
			if end > uint64(len(v.data)) {
				return parseErr("%s: section %s extends past end of file", v.Path, s.Name)
			}
			sec.Data = v.data[s.Offset:end]
		}
		v.sections[i] = sec
	}

	syms, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return parseWrap(err, "%s: reading ELF symbol table", v.Path)
	}
	v.symbols = make([]Symbol, len(syms))
	for i, s := range syms {
		bind := elf.ST_BIND(s.Info)
		typ := elf.ST_TYPE(s.Info)
		sym := Symbol{
			Name:    s.Name,
			Index:   i + 1, // debug/elf drops the null entry
			Addr:    s.Value,
			Size:    s.Size,
			Section: -1,
			Defined: s.Section != elf.SHN_UNDEF,
			Global:  bind != elf.STB_LOCAL,
			Weak:    bind == elf.STB_WEAK,
			Code:    typ == elf.STT_FUNC,
		}
		if s.Section < elf.SHN_LORESERVE {
			sym.Section = int(s.Section)
		}
		if typ == elf.STT_SECTION {
			sym.sectionSymbol = true
			if sym.Name == "" && sym.Section >= 0 && sym.Section < len(v.sections) {
				sym.Name = v.sections[sym.Section].Name
			}
		}
		v.symbols[i] = sym
	}

	// Relocation sections: sh_info names the section the entries apply to
	for _, s := range f.Sections {
		if s.Type != elf.SHT_RELA && s.Type != elf.SHT_REL {
			continue
		}
		target := int(s.Info)
		if target < 0 || target >= len(v.sections) {
			return parseErr("%s: relocation section %s targets invalid section %d", v.Path, s.Name, target)
		}
		relocs, err := v.parseELFRelocs(f, s)
		if err != nil {
			return err
		}
		v.sections[target].Relocs = append(v.sections[target].Relocs, relocs...)
	}

	return nil
}

// parseELFRelocs decodes one SHT_RELA or SHT_REL section
func (v *ObjectView) parseELFRelocs(f *elf.File, s *elf.Section) ([]Reloc, error) {
	data, err := s.Data()
	if err != nil {
		return nil, parseWrap(err, "%s: reading relocation section %s", v.Path, s.Name)
	}

	entSize := 16 // Elf64_Rel
	if s.Type == elf.SHT_RELA {
		entSize = 24 // Elf64_Rela
	}
	if len(data)%entSize != 0 {
		return nil, parseErr("%s: relocation section %s has truncated entries", v.Path, s.Name)
	}

	bo := f.ByteOrder
	relocs := make([]Reloc, 0, len(data)/entSize)
	for off := 0; off+entSize <= len(data); off += entSize {
		rOffset := bo.Uint64(data[off:])
		rInfo := bo.Uint64(data[off+8:])
		var addend int64
		if s.Type == elf.SHT_RELA {
			addend = int64(bo.Uint64(data[off+16:]))
		}

		symIdx := int(rInfo >> 32)
		relType := uint32(rInfo & 0xffffffff)

		target := RelocTarget{Kind: TargetAbsolute}
		if symIdx > 0 && symIdx-1 < len(v.symbols) {
			sym := &v.symbols[symIdx-1]
			if sym.sectionSymbol {
				target = RelocTarget{Kind: TargetSection, Index: sym.Section}
			} else {
				target = RelocTarget{Kind: TargetSymbol, Index: symIdx - 1}
			}
		}

		relocs = append(relocs, Reloc{
			Offset:   rOffset,
			SizeBits: elfRelocSizeBits(v.machine, relType),
			Type:     relType,
			PCRel:    elfRelocPCRel(v.machine, relType),
			Addend:   addend,
			Target:   target,
		})
	}
	return relocs, nil
}

// elfRelocSizeBits returns the width of the field a relocation patches
func elfRelocSizeBits(machine, relType uint32) uint8 {
	switch elf.Machine(machine) {
	case elf.EM_X86_64:
		switch elf.R_X86_64(relType) {
		case elf.R_X86_64_64, elf.R_X86_64_PC64, elf.R_X86_64_GOT64,
			elf.R_X86_64_GOTPCREL64, elf.R_X86_64_GOTPC64:
			return 64
		case elf.R_X86_64_16, elf.R_X86_64_PC16:
			return 16
		case elf.R_X86_64_8, elf.R_X86_64_PC8:
			return 8
		default:
			return 32
		}
	case elf.EM_AARCH64:
		switch elf.R_AARCH64(relType) {
		case elf.R_AARCH64_ABS64, elf.R_AARCH64_PREL64:
			return 64
		case elf.R_AARCH64_ABS16, elf.R_AARCH64_PREL16:
			return 16
		default:
			return 32
		}
	case elf.EM_RISCV:
		switch relType {
		case 2, 5: // R_RISCV_64, R_RISCV_TLS_DTPMOD64
			return 64
		default:
			return 32
		}
	default:
		return 32
	}
}

// elfRelocPCRel reports whether a relocation is PC-relative
func elfRelocPCRel(machine, relType uint32) bool {
	switch elf.Machine(machine) {
	case elf.EM_X86_64:
		switch elf.R_X86_64(relType) {
		case elf.R_X86_64_PC8, elf.R_X86_64_PC16, elf.R_X86_64_PC32, elf.R_X86_64_PC64,
			elf.R_X86_64_PLT32, elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX,
			elf.R_X86_64_REX_GOTPCRELX:
			return true
		}
	case elf.EM_AARCH64:
		switch elf.R_AARCH64(relType) {
		case elf.R_AARCH64_PREL16, elf.R_AARCH64_PREL32, elf.R_AARCH64_PREL64,
			elf.R_AARCH64_CALL26, elf.R_AARCH64_JUMP26,
			elf.R_AARCH64_ADR_PREL_LO21, elf.R_AARCH64_ADR_PREL_PG_HI21,
			elf.R_AARCH64_ADR_PREL_PG_HI21_NC, elf.R_AARCH64_LD_PREL_LO19:
			return true
		}
	}
	return false
}

// Completion: 95% - Mach-O object parsing complete, scattered relocations approximated
package patch67

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
)

// Mach-O magic numbers, both byte orders, plus the fat container
const (
	machoMagic32    = 0xfeedface
	machoMagic64    = 0xfeedfacf
	machoFatMagic   = 0xcafebabe
	machoSwapped32  = 0xcefaedfe
	machoSwapped64  = 0xcffaedfe
	machoFatSwapped = 0xbebafeca
)

// Mach-O nlist type and desc bits
const (
	machoNStab    = 0xe0
	machoNExt     = 0x01
	machoNType    = 0x0e
	machoNUndf    = 0x0
	machoWeakRef  = 0x0040
	machoWeakDef  = 0x0080
	machoZerofill = 0x01
	machoGBZero   = 0x0c
	machoTLVZero  = 0x12
)

func isMachOMagic(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	m := binary.BigEndian.Uint32(data)
	switch m {
	case machoMagic32, machoMagic64, machoFatMagic, machoSwapped32, machoSwapped64, machoFatSwapped:
		return true
	}
	return false
}

// parseMachO fills the view from a Mach-O object or executable. Fat binaries
// use their first architecture slice.
func (v *ObjectView) parseMachO() error {
	var f *macho.File
	m := binary.BigEndian.Uint32(v.data)
	if m == machoFatMagic || m == machoFatSwapped {
		fat, err := macho.NewFatFile(bytes.NewReader(v.data))
		if err != nil {
			return parseWrap(err, "%s: parsing fat Mach-O", v.Path)
		}
		defer fat.Close()
		if len(fat.Arches) == 0 {
			return parseErr("%s: fat Mach-O with no architectures", v.Path)
		}
		f = fat.Arches[0].File
	} else {
		var err error
		f, err = macho.NewFile(bytes.NewReader(v.data))
		if err != nil {
			return parseWrap(err, "%s: parsing Mach-O", v.Path)
		}
		defer f.Close()
	}

	v.machine = uint32(f.Cpu)

	v.sections = make([]Section, len(f.Sections))
	for i, s := range f.Sections {
		sec := Section{
			Name:  s.Name,
			Index: i,
			Addr:  s.Addr,
			Size:  s.Size,
		}
		secType := s.Flags & 0xff
		zerofill := secType == machoZerofill || secType == machoGBZero || secType == machoTLVZero
		if !zerofill && s.Size > 0 {
			end := uint64(s.Offset) + s.Size
			if end > uint64(len(v.data)) {
				return parseErr("%s: section %s,%s extends past end of file", v.Path, s.Seg, s.Name)
			}
			sec.Data = v.data[s.Offset:end]
		}
		for _, r := range s.Relocs {
			target := RelocTarget{Kind: TargetAbsolute}
			switch {
			case r.Scattered:
				// scattered entries address by value, there is no symbol
			case r.Extern:
				target = RelocTarget{Kind: TargetSymbol, Index: int(r.Value)}
			default:
				target = RelocTarget{Kind: TargetSection, Index: int(r.Value) - 1}
			}
			sec.Relocs = append(sec.Relocs, Reloc{
				Offset:   uint64(r.Addr),
				SizeBits: 8 << r.Len,
				Type:     uint32(r.Type),
				PCRel:    r.Pcrel,
				Target:   target,
			})
		}
		v.sections[i] = sec
	}

	if f.Symtab != nil {
		v.symbols = make([]Symbol, len(f.Symtab.Syms))
		for i, s := range f.Symtab.Syms {
			if s.Type&machoNStab != 0 {
				// debugger stab, keep the slot so relocation indices line up
				v.symbols[i] = Symbol{Index: i, Section: -1}
				continue
			}
			sym := Symbol{
				Name:    demangleName(FormatMachO, s.Name),
				Index:   i,
				Addr:    s.Value,
				Section: -1,
				Defined: s.Type&machoNType != machoNUndf,
				Global:  s.Type&machoNExt != 0,
				Weak:    s.Desc&(machoWeakRef|machoWeakDef) != 0,
			}
			if s.Sect > 0 && int(s.Sect) <= len(v.sections) {
				sym.Section = int(s.Sect) - 1
				sym.Code = v.sections[sym.Section].Name == "__text"
			}
			v.symbols[i] = sym
		}
	}

	return nil
}

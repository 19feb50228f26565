// Completion: 100% - Symbol segmentation complete
package patch67

import "sort"

// RelocatedSymbol is one symbol with the section bytes and relocations that
// belong exclusively to it. The data ranges of the symbols of a section are
// disjoint and tile the section without gaps.
type RelocatedSymbol struct {
	Name     string
	Offset   uint64 // byte offset of the symbol within its section
	Data     []byte
	Relocs   []Reloc // sorted by offset, descending
	SymIndex int
	Section  int
}

// segmentSection partitions a section's bytes and relocation list into one
// RelocatedSymbol per symbol defined in it.
//
// Symbols are sorted by address (ties broken by symbol-table index) and
// walked in reverse, carrying a funcEnd cursor that starts at the section
// size: each symbol owns the bytes from its own address up to funcEnd, and
// the descending-sorted relocations whose offset is at or above its address.
// Every relocation must be consumed exactly once; a leftover means the
// section's tables are inconsistent and the diff cannot be trusted.
func segmentSection(v *ObjectView, sec *Section) ([]RelocatedSymbol, error) {
	var symIdx []int
	for i := range v.symbols {
		s := &v.symbols[i]
		if s.Defined && s.Section == sec.Index {
			symIdx = append(symIdx, i)
		}
	}
	if len(symIdx) == 0 {
		return nil, nil
	}

	sort.Slice(symIdx, func(a, b int) bool {
		sa, sb := &v.symbols[symIdx[a]], &v.symbols[symIdx[b]]
		if sa.Addr != sb.Addr {
			return sa.Addr < sb.Addr
		}
		return sa.Index < sb.Index
	})

	relocs := make([]Reloc, len(sec.Relocs))
	copy(relocs, sec.Relocs)
	sort.SliceStable(relocs, func(a, b int) bool {
		return relocs[a].Offset > relocs[b].Offset
	})

	out := make([]RelocatedSymbol, 0, len(symIdx))
	funcEnd := sec.Size
	relocIdx := 0

	// Walk in reverse so funcEnd can start at the section size and so the
	// relocation order matches the descending sort.
	for i := len(symIdx) - 1; i >= 0; i-- {
		sym := &v.symbols[symIdx[i]]
		symOff := sym.Addr - sec.Addr
		if symOff > sec.Size || symOff > funcEnd {
			return nil, integrityErr("%s: symbol %s at offset %#x outside section %s (size %#x)",
				v.Name, sym.Name, symOff, sec.Name, sec.Size)
		}

		start := relocIdx
		for relocIdx < len(relocs) && relocs[relocIdx].Offset >= symOff {
			relocIdx++
		}

		out = append(out, RelocatedSymbol{
			Name:     sym.Name,
			Offset:   symOff,
			Data:     sliceRange(sec.Data, symOff, funcEnd),
			Relocs:   relocs[start:relocIdx],
			SymIndex: symIdx[i],
			Section:  sec.Index,
		})

		funcEnd = symOff
	}

	if relocIdx != len(relocs) {
		return nil, integrityErr("%s: section %s: %d of %d relocations not covered by any symbol",
			v.Name, sec.Name, len(relocs)-relocIdx, len(relocs))
	}

	return out, nil
}

// sliceRange slices data[start:end], clamping to the available bytes so that
// zero-initialized sections (which carry a size but no file bytes) yield
// empty slices instead of panicking.
func sliceRange(data []byte, start, end uint64) []byte {
	n := uint64(len(data))
	if start > n {
		start = n
	}
	if end > n {
		end = n
	}
	if start >= end {
		return nil
	}
	return data[start:end]
}

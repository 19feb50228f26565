// Completion: 85% - Relocatable wasm parsing complete, COMDAT and init-funcs ignored
package patch67

import (
	"encoding/binary"
	"strings"
)

const wasmMagic = "\x00asm"

// Wasm section ids
const (
	wasmSecCustom   = 0
	wasmSecType     = 1
	wasmSecImport   = 2
	wasmSecFunction = 3
	wasmSecCode     = 10
	wasmSecData     = 11
)

// Linking-section symbol kinds and flags (tool-conventions Linking.md)
const (
	wasmSymtabSubsection = 8

	wasmSymKindFunction = 0
	wasmSymKindData     = 1
	wasmSymKindGlobal   = 2
	wasmSymKindSection  = 3
	wasmSymKindEvent    = 4
	wasmSymKindTable    = 5

	wasmSymBindingWeak  = 0x01
	wasmSymBindingLocal = 0x02
	wasmSymUndefined    = 0x10
	wasmSymExplicitName = 0x40
)

// wasmImports holds imported names split by index space. Each symbol kind
// indexes only the imports of its own kind: function index 0 is the first
// imported function even when a memory or table import precedes it in the
// import section.
type wasmImports struct {
	funcs   []string
	tables  []string
	globals []string
	tags    []string
}

// byKind returns the import name list a symbol of the given kind indexes into
func (w *wasmImports) byKind(symKind byte) []string {
	switch symKind {
	case wasmSymKindFunction:
		return w.funcs
	case wasmSymKindTable:
		return w.tables
	case wasmSymKindGlobal:
		return w.globals
	case wasmSymKindEvent:
		return w.tags
	}
	return nil
}

// parseWasm fills the view from a relocatable WebAssembly module: the
// sections in file order, symbols from the "linking" custom section, and
// relocations from the "reloc.*" custom sections.
func (v *ObjectView) parseWasm() error {
	d := &wasmDecoder{data: v.data, path: v.Path}
	if err := d.header(); err != nil {
		return err
	}

	type pendingReloc struct {
		section int
		payload []byte
	}
	var (
		imports     wasmImports
		linking     []byte
		relocSecs   []pendingReloc
		codeSection = -1
		dataSection = -1
	)

	for !d.done() {
		id, payload, err := d.section()
		if err != nil {
			return err
		}
		idx := len(v.sections)
		name := wasmSectionName(id)

		if id == wasmSecCustom {
			s := &wasmDecoder{data: payload, path: v.Path}
			custom, err := s.name()
			if err != nil {
				return err
			}
			name = custom
			rest := payload[s.off:]
			switch {
			case custom == "linking":
				linking = rest
			case strings.HasPrefix(custom, "reloc."):
				r := &wasmDecoder{data: rest, path: v.Path}
				target, err := r.uleb()
				if err != nil {
					return err
				}
				relocSecs = append(relocSecs, pendingReloc{section: int(target), payload: rest[r.off:]})
			}
		}

		switch id {
		case wasmSecImport:
			var err error
			if imports, err = parseWasmImports(payload, v.Path); err != nil {
				return err
			}
		case wasmSecCode:
			codeSection = idx
		case wasmSecData:
			dataSection = idx
		}

		v.sections = append(v.sections, Section{
			Name:  name,
			Index: idx,
			Size:  uint64(len(payload)),
			Data:  payload,
		})
	}

	if linking == nil {
		return parseErr("%s: wasm module has no linking section (not relocatable)", v.Path)
	}

	numFuncImports := len(imports.funcs)

	var bodyOffsets, bodySizes []uint64
	if codeSection >= 0 {
		var err error
		bodyOffsets, bodySizes, err = parseWasmBodies(v.sections[codeSection].Data, v.Path)
		if err != nil {
			return err
		}
	}
	var segOffsets []uint64
	if dataSection >= 0 {
		var err error
		segOffsets, err = parseWasmSegments(v.sections[dataSection].Data, v.Path)
		if err != nil {
			return err
		}
	}

	if err := v.parseWasmSymtab(linking, &imports, numFuncImports, codeSection, dataSection, bodyOffsets, bodySizes, segOffsets); err != nil {
		return err
	}

	for _, pr := range relocSecs {
		if pr.section < 0 || pr.section >= len(v.sections) {
			return parseErr("%s: reloc section targets invalid section %d", v.Path, pr.section)
		}
		relocs, err := parseWasmRelocs(pr.payload, v.Path)
		if err != nil {
			return err
		}
		v.sections[pr.section].Relocs = append(v.sections[pr.section].Relocs, relocs...)
	}

	return nil
}

// parseWasmSymtab decodes the WASM_SYMBOL_TABLE subsection of "linking"
func (v *ObjectView) parseWasmSymtab(linking []byte, imports *wasmImports, numFuncImports, codeSection, dataSection int, bodyOffsets, bodySizes, segOffsets []uint64) error {
	d := &wasmDecoder{data: linking, path: v.Path}
	if _, err := d.uleb(); err != nil { // linking metadata version
		return err
	}
	for !d.done() {
		sub, err := d.byte()
		if err != nil {
			return err
		}
		size, err := d.uleb()
		if err != nil {
			return err
		}
		if uint64(d.off)+size > uint64(len(d.data)) {
			return parseErr("%s: linking subsection overruns section", v.Path)
		}
		payload := d.data[d.off : d.off+int(size)]
		d.off += int(size)
		if sub != wasmSymtabSubsection {
			continue
		}

		s := &wasmDecoder{data: payload, path: v.Path}
		count, err := s.uleb()
		if err != nil {
			return err
		}
		for i := uint64(0); i < count; i++ {
			kind, err := s.byte()
			if err != nil {
				return err
			}
			flags, err := s.uleb()
			if err != nil {
				return err
			}
			sym := Symbol{
				Index:   len(v.symbols),
				Section: -1,
				Defined: flags&wasmSymUndefined == 0,
				Global:  flags&wasmSymBindingLocal == 0,
				Weak:    flags&wasmSymBindingWeak != 0,
			}
			switch kind {
			case wasmSymKindFunction, wasmSymKindGlobal, wasmSymKindEvent, wasmSymKindTable:
				idx, err := s.uleb()
				if err != nil {
					return err
				}
				named := sym.Defined || flags&wasmSymExplicitName != 0
				if named {
					if sym.Name, err = s.name(); err != nil {
						return err
					}
				} else if pool := imports.byKind(kind); int(idx) < len(pool) {
					sym.Name = pool[idx]
				}
				if kind == wasmSymKindFunction {
					sym.Code = true
					if sym.Defined {
						body := int(idx) - numFuncImports
						if body < 0 || body >= len(bodyOffsets) {
							return parseErr("%s: function symbol %q has invalid function index %d", v.Path, sym.Name, idx)
						}
						sym.Section = codeSection
						sym.Addr = bodyOffsets[body]
						sym.Size = bodySizes[body]
					}
				}
			case wasmSymKindData:
				if sym.Name, err = s.name(); err != nil {
					return err
				}
				if sym.Defined {
					seg, err := s.uleb()
					if err != nil {
						return err
					}
					off, err := s.uleb()
					if err != nil {
						return err
					}
					sz, err := s.uleb()
					if err != nil {
						return err
					}
					if int(seg) < len(segOffsets) {
						sym.Section = dataSection
						sym.Addr = segOffsets[seg] + off
						sym.Size = sz
					}
				}
			case wasmSymKindSection:
				idx, err := s.uleb()
				if err != nil {
					return err
				}
				sym.sectionSymbol = true
				if int(idx) < len(v.sections) {
					sym.Section = int(idx)
					sym.Name = v.sections[idx].Name
				}
			default:
				return parseErr("%s: unknown wasm symbol kind %d", v.Path, kind)
			}
			v.symbols = append(v.symbols, sym)
		}
	}
	return nil
}

// parseWasmImports collects imported names per index space, needed to name
// undefined symbols. Memory imports have no symbol kind and are skipped.
func parseWasmImports(payload []byte, path string) (wasmImports, error) {
	var out wasmImports
	d := &wasmDecoder{data: payload, path: path}
	count, err := d.uleb()
	if err != nil {
		return out, err
	}
	for i := uint64(0); i < count; i++ {
		if _, err := d.name(); err != nil { // module
			return out, err
		}
		field, err := d.name()
		if err != nil {
			return out, err
		}
		kind, err := d.byte()
		if err != nil {
			return out, err
		}
		switch kind {
		case 0x00: // function: type index
			if _, err := d.uleb(); err != nil {
				return out, err
			}
			out.funcs = append(out.funcs, field)
		case 0x01: // table: reftype + limits
			if err := d.skipTable(); err != nil {
				return out, err
			}
			out.tables = append(out.tables, field)
		case 0x02: // memory: limits
			if err := d.skipLimits(); err != nil {
				return out, err
			}
		case 0x03: // global: valtype + mut
			d.off += 2
			out.globals = append(out.globals, field)
		case 0x04: // tag: attribute + type index
			if _, err := d.byte(); err != nil {
				return out, err
			}
			if _, err := d.uleb(); err != nil {
				return out, err
			}
			out.tags = append(out.tags, field)
		default:
			return out, parseErr("%s: unknown import kind %d", path, kind)
		}
	}
	return out, nil
}

// parseWasmBodies returns the offset and size of every function body,
// relative to the start of the code section payload
func parseWasmBodies(payload []byte, path string) (offsets, sizes []uint64, err error) {
	d := &wasmDecoder{data: payload, path: path}
	count, err := d.uleb()
	if err != nil {
		return nil, nil, err
	}
	for i := uint64(0); i < count; i++ {
		start := uint64(d.off)
		size, err := d.uleb()
		if err != nil {
			return nil, nil, err
		}
		offsets = append(offsets, start)
		sizes = append(sizes, uint64(d.off)-start+size)
		d.off += int(size)
		if d.off > len(d.data) {
			return nil, nil, parseErr("%s: function body overruns code section", path)
		}
	}
	return offsets, sizes, nil
}

// parseWasmSegments returns the payload offset of every data segment's bytes,
// relative to the start of the data section payload
func parseWasmSegments(payload []byte, path string) ([]uint64, error) {
	d := &wasmDecoder{data: payload, path: path}
	count, err := d.uleb()
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, count)
	for i := uint64(0); i < count; i++ {
		flags, err := d.uleb()
		if err != nil {
			return nil, err
		}
		if flags == 2 { // active with explicit memory index
			if _, err := d.uleb(); err != nil {
				return nil, err
			}
		}
		if flags != 1 { // active segments carry an init expression
			if err := d.skipInitExpr(); err != nil {
				return nil, err
			}
		}
		size, err := d.uleb()
		if err != nil {
			return nil, err
		}
		out = append(out, uint64(d.off))
		d.off += int(size)
		if d.off > len(d.data) {
			return nil, parseErr("%s: data segment overruns data section", path)
		}
	}
	return out, nil
}

// Wasm relocation types with an addend field
func wasmRelocHasAddend(relType byte) bool {
	switch relType {
	case 3, 4, 5, 8, 9, 14, 15, 16: // MEMORY_ADDR_* and *_OFFSET_I32 families
		return true
	}
	return false
}

// wasmRelocSizeBits: LEB-encoded fields are padded to 5 bytes (10 for the
// 64-bit variants), I32/I64 fields are fixed width
func wasmRelocSizeBits(relType byte) uint8 {
	switch relType {
	case 2, 5, 8, 9, 13: // *_I32
		return 32
	case 14, 15: // MEMORY_ADDR_LEB64, MEMORY_ADDR_SLEB64
		return 80
	case 16: // MEMORY_ADDR_I64
		return 64
	default:
		return 40
	}
}

// parseWasmRelocs decodes one reloc.* custom section body (after the target
// section index)
func parseWasmRelocs(payload []byte, path string) ([]Reloc, error) {
	d := &wasmDecoder{data: payload, path: path}
	count, err := d.uleb()
	if err != nil {
		return nil, err
	}
	out := make([]Reloc, 0, count)
	for i := uint64(0); i < count; i++ {
		relType, err := d.byte()
		if err != nil {
			return nil, err
		}
		off, err := d.uleb()
		if err != nil {
			return nil, err
		}
		idx, err := d.uleb()
		if err != nil {
			return nil, err
		}
		var addend int64
		if wasmRelocHasAddend(relType) {
			if addend, err = d.sleb(); err != nil {
				return nil, err
			}
		}

		target := RelocTarget{Kind: TargetSymbol, Index: int(idx)}
		if relType == 6 { // TYPE_INDEX_LEB indexes the type section, not the symbol table
			target = RelocTarget{Kind: TargetAbsolute}
		}
		out = append(out, Reloc{
			Offset:   off,
			SizeBits: wasmRelocSizeBits(relType),
			Type:     uint32(relType),
			Addend:   addend,
			Target:   target,
		})
	}
	return out, nil
}

func wasmSectionName(id byte) string {
	switch id {
	case wasmSecType:
		return "type"
	case wasmSecImport:
		return "import"
	case wasmSecFunction:
		return "function"
	case 4:
		return "table"
	case 5:
		return "memory"
	case 6:
		return "global"
	case 7:
		return "export"
	case 8:
		return "start"
	case 9:
		return "elem"
	case wasmSecCode:
		return "code"
	case wasmSecData:
		return "data"
	case 12:
		return "datacount"
	default:
		return "custom"
	}
}

// wasmDecoder is a cursor over wasm binary data
type wasmDecoder struct {
	data []byte
	off  int
	path string
}

func (d *wasmDecoder) done() bool {
	return d.off >= len(d.data)
}

func (d *wasmDecoder) header() error {
	if len(d.data) < 8 || string(d.data[:4]) != wasmMagic {
		return parseErr("%s: bad wasm magic", d.path)
	}
	if v := binary.LittleEndian.Uint32(d.data[4:]); v != 1 {
		return parseErr("%s: unsupported wasm version %d", d.path, v)
	}
	d.off = 8
	return nil
}

func (d *wasmDecoder) byte() (byte, error) {
	if d.off >= len(d.data) {
		return 0, parseErr("%s: truncated wasm data", d.path)
	}
	b := d.data[d.off]
	d.off++
	return b, nil
}

func (d *wasmDecoder) uleb() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := d.byte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, parseErr("%s: uleb128 too long", d.path)
		}
	}
}

func (d *wasmDecoder) sleb() (int64, error) {
	var result int64
	var shift uint
	for {
		b, err := d.byte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, nil
		}
		if shift >= 64 {
			return 0, parseErr("%s: sleb128 too long", d.path)
		}
	}
}

func (d *wasmDecoder) name() (string, error) {
	n, err := d.uleb()
	if err != nil {
		return "", err
	}
	if uint64(d.off)+n > uint64(len(d.data)) {
		return "", parseErr("%s: truncated wasm name", d.path)
	}
	s := string(d.data[d.off : d.off+int(n)])
	d.off += int(n)
	return s, nil
}

func (d *wasmDecoder) section() (byte, []byte, error) {
	id, err := d.byte()
	if err != nil {
		return 0, nil, err
	}
	size, err := d.uleb()
	if err != nil {
		return 0, nil, err
	}
	if uint64(d.off)+size > uint64(len(d.data)) {
		return 0, nil, parseErr("%s: wasm section %d overruns file", d.path, id)
	}
	payload := d.data[d.off : d.off+int(size)]
	d.off += int(size)
	return id, payload, nil
}

func (d *wasmDecoder) skipLimits() error {
	flags, err := d.byte()
	if err != nil {
		return err
	}
	if _, err := d.uleb(); err != nil {
		return err
	}
	if flags&0x01 != 0 {
		if _, err := d.uleb(); err != nil {
			return err
		}
	}
	return nil
}

func (d *wasmDecoder) skipTable() error {
	if _, err := d.byte(); err != nil { // reftype
		return err
	}
	return d.skipLimits()
}

func (d *wasmDecoder) skipInitExpr() error {
	for {
		b, err := d.byte()
		if err != nil {
			return err
		}
		switch b {
		case 0x0b: // end
			return nil
		case 0x41: // i32.const
			if _, err := d.sleb(); err != nil {
				return err
			}
		case 0x42: // i64.const
			if _, err := d.sleb(); err != nil {
				return err
			}
		case 0x23: // global.get
			if _, err := d.uleb(); err != nil {
				return err
			}
		default:
			return parseErr("%s: unsupported init expression opcode %#x", d.path, b)
		}
	}
}

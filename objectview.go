// Completion: 95% - Object file views complete, XCOFF not supported
package patch67

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// RelocTargetKind says what a relocation points at
type RelocTargetKind int

const (
	// TargetSymbol - the relocation resolves against a symbol-table entry
	TargetSymbol RelocTargetKind = iota
	// TargetSection - the relocation resolves against a raw section
	TargetSection
	// TargetAbsolute - the relocation carries an absolute value
	TargetAbsolute
)

// RelocTarget identifies the entity a relocation resolves against
type RelocTarget struct {
	Kind  RelocTargetKind
	Index int // symbol or section index, meaningful for TargetSymbol/TargetSection
}

// Reloc is one relocation entry, with its byte offset relative to the start
// of the containing section
type Reloc struct {
	Offset   uint64
	SizeBits uint8  // width of the patched field
	Type     uint32 // format-specific relocation type
	PCRel    bool
	Addend   int64
	Target   RelocTarget
}

// flagsEqual reports whether two relocations have identical kind flags.
// The byte offsets are allowed to differ; the masked comparator correlates
// relocations by position, not by offset.
func (r Reloc) flagsEqual(o Reloc) bool {
	return r.Type == o.Type && r.PCRel == o.PCRel && r.SizeBits == o.SizeBits
}

// Symbol is one symbol-table entry. Names are stored unmangled.
type Symbol struct {
	Name    string
	Index   int // original symbol-table index, used as a sort tie-breaker
	Addr    uint64
	Size    uint64
	Section int // index into the view's sections, or -1
	Defined bool
	Global  bool
	Weak    bool
	Code    bool

	sectionSymbol bool // stands for a raw section, carries no real name
}

// Section is a named contiguous byte region of an object file. Data aliases
// the view's backing bytes and must not be mutated.
type Section struct {
	Name   string
	Index  int
	Addr   uint64
	Size   uint64
	Data   []byte
	Relocs []Reloc
}

// ObjectView is the parsed, read-only view of one object file: sections,
// symbols and relocations behind a format-independent surface. It holds the
// backing bytes (memory-mapped where possible) for its whole lifetime and is
// immutable after construction.
type ObjectView struct {
	Path   string
	Name   string // base file name, used as the map key and for local-name suffixing
	Format Format

	data    []byte
	unmap   func() error
	machine uint32 // format-specific machine id, informs relocation widths

	sections []Section
	symbols  []Symbol

	// child symbol name -> set of parent (referencing) symbol names.
	// Approximate: data relocations and indirect calls are not distinguished
	// from direct calls.
	parents map[string]map[string]struct{}
}

// OpenObjectView reads and parses one object file. The returned view stays
// valid until Close; the engine keeps all views of a pass alive in the Pass
// arena and releases them together.
func OpenObjectView(path string) (*ObjectView, error) {
	data, unmap, err := mapFile(path)
	if err != nil {
		return nil, parseWrap(err, "reading %s", path)
	}
	v := &ObjectView{
		Path:  path,
		Name:  filepath.Base(path),
		data:  data,
		unmap: unmap,
	}
	if err := v.parse(); err != nil {
		_ = v.Close()
		return nil, err
	}
	if err := v.buildParents(); err != nil {
		_ = v.Close()
		return nil, err
	}
	return v, nil
}

// Close releases the backing bytes. The view must not be used afterwards.
func (v *ObjectView) Close() error {
	if v.unmap == nil {
		return nil
	}
	unmap := v.unmap
	v.unmap = nil
	return unmap()
}

// parse dispatches on the container magic, like Binject/debug does
func (v *ObjectView) parse() error {
	if len(v.data) < 8 {
		return parseErr("%s: too short to be an object file", v.Path)
	}
	switch {
	case string(v.data[:4]) == elfMagic:
		v.Format = FormatELF
		return v.parseELF()
	case isMachOMagic(v.data):
		v.Format = FormatMachO
		return v.parseMachO()
	case string(v.data[:4]) == wasmMagic:
		v.Format = FormatWasm
		return v.parseWasm()
	case isCOFFMachine(binary.LittleEndian.Uint16(v.data)) || string(v.data[:2]) == "MZ":
		v.Format = FormatPE
		return v.parsePE()
	default:
		return parseErr("%s: unrecognized object format", v.Path)
	}
}

// Sections returns the parsed sections in file order
func (v *ObjectView) Sections() []Section {
	return v.sections
}

// Symbols returns the parsed symbol table in file order
func (v *ObjectView) Symbols() []Symbol {
	return v.symbols
}

// SectionByIndex returns the section with the given index
func (v *ObjectView) SectionByIndex(idx int) (*Section, bool) {
	if idx < 0 || idx >= len(v.sections) {
		return nil, false
	}
	return &v.sections[idx], true
}

// SymbolByName returns the first symbol with the given unmangled name
func (v *ObjectView) SymbolByName(name string) (*Symbol, bool) {
	for i := range v.symbols {
		if v.symbols[i].Name == name {
			return &v.symbols[i], true
		}
	}
	return nil, false
}

// symbolNameOfReloc resolves a relocation target to a symbol name, if it has
// one. Section and absolute targets yield no name.
func (v *ObjectView) symbolNameOfReloc(t RelocTarget) (string, bool) {
	if t.Kind != TargetSymbol {
		return "", false
	}
	if t.Index < 0 || t.Index >= len(v.symbols) {
		return "", false
	}
	sym := &v.symbols[t.Index]
	if sym.sectionSymbol || sym.Name == "" {
		return "", false
	}
	return sym.Name, true
}

// Exports returns the names of symbols this file defines with global linkage
func (v *ObjectView) Exports() []string {
	var out []string
	for i := range v.symbols {
		s := &v.symbols[i]
		if s.Defined && s.Global {
			out = append(out, s.Name)
		}
	}
	return out
}

// Imports returns the names of symbols this file references but does not define
func (v *ObjectView) Imports() []string {
	var out []string
	for i := range v.symbols {
		s := &v.symbols[i]
		if !s.Defined && s.Name != "" {
			out = append(out, s.Name)
		}
	}
	return out
}

// buildParents derives the per-file reverse call graph: for every symbol, the
// set of symbols whose code contains a relocation referencing it.
func (v *ObjectView) buildParents() error {
	v.parents = make(map[string]map[string]struct{})

	// address -> name of every defined symbol, for resolving relocations that
	// target a section plus an embedded addend rather than a named symbol
	localDefs := make(map[uint64]string)
	for i := range v.symbols {
		if v.symbols[i].Defined {
			localDefs[v.symbols[i].Addr] = v.symbols[i].Name
		}
	}

	for si := range v.sections {
		sec := &v.sections[si]
		syms, err := segmentSection(v, sec)
		if err != nil {
			return err
		}
		for i := range syms {
			rs := &syms[i]
			for _, rel := range rs.Relocs {
				target, ok := v.symbolNameOfReloc(rel.Target)
				if !ok {
					// Fall back to the addend stored at the relocation site
					off := rel.Offset
					if off+8 > uint64(len(sec.Data)) {
						continue
					}
					addend := binary.LittleEndian.Uint64(sec.Data[off : off+8])
					target, ok = localDefs[addend]
					if !ok {
						continue
					}
				}
				set, ok := v.parents[target]
				if !ok {
					set = make(map[string]struct{})
					v.parents[target] = set
				}
				set[rs.Name] = struct{}{}
			}
		}
	}
	return nil
}

// Pass is the arena owning every ObjectView of one diff pass. All views stay
// mapped until Close; nothing may outlive the pass.
type Pass struct {
	Target Target
	Old    map[string]*ObjectView
	New    map[string]*ObjectView

	logger log.Logger
}

// objectExtensions lists the file extensions recognized as compiled object files
var objectExtensions = map[string]bool{
	".o":    true,
	".obj":  true,
	".wasm": true,
}

// NewPass loads the old and new object-file sets and returns the arena for
// one diff pass. Loading is parallel per file; the per-file results are
// deterministic regardless.
func NewPass(oldDir, newDir string, target Target, logger log.Logger) (*Pass, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	p := &Pass{Target: target, logger: logger}

	var err error
	if p.Old, err = loadDir(oldDir, logger); err != nil {
		p.Close()
		return nil, err
	}
	if p.New, err = loadDir(newDir, logger); err != nil {
		p.Close()
		return nil, err
	}
	level.Debug(logger).Log("msg", "pass loaded", "old", len(p.Old), "new", len(p.New))
	return p, nil
}

// Close unmaps every view owned by the pass
func (p *Pass) Close() error {
	var result *multierror.Error
	for _, m := range []map[string]*ObjectView{p.Old, p.New} {
		for _, v := range m {
			if err := v.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

// loadDir opens every object file in dir, in parallel. A parse failure of any
// file fails the whole load; all failures are reported together.
func loadDir(dir string, logger log.Logger) (map[string]*ObjectView, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, parseWrap(err, "reading object directory %s", dir)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if objectExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	var (
		mu     sync.Mutex
		out    = make(map[string]*ObjectView, len(paths))
		errs   *multierror.Error
		g      errgroup.Group
		logged = level.Debug(logger)
	)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			v, err := OpenObjectView(path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, err)
				return nil
			}
			out[v.Name] = v
			logged.Log("msg", "loaded object", "file", v.Name, "format", v.Format, "sections", len(v.sections), "symbols", len(v.symbols))
			return nil
		})
	}
	_ = g.Wait()

	if err := errs.ErrorOrNil(); err != nil {
		for _, v := range out {
			_ = v.Close()
		}
		return nil, err
	}
	return out, nil
}

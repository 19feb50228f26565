// Completion: 100% - Object diffing complete
package patch67

import (
	"sort"
	"strings"

	"github.com/go-kit/log/level"
)

// sectionEligible reports whether a section participates in diffing.
// Executable code, read-only constants, literal pools, exception-unwind
// metadata and zero-initialized data are compared; everything else (debug
// info, notes, symbol tables) never contributes to the modified-symbol set.
func sectionEligible(format Format, name string) bool {
	switch format {
	case FormatMachO:
		return name == "__text" ||
			name == "__const" ||
			strings.HasPrefix(name, "__literal") ||
			name == "__eh_frame" ||
			name == "__compact_unwind" ||
			name == "__gcc_except_tab" ||
			name == "__common" ||
			name == "__bss"
	case FormatELF:
		return strings.HasPrefix(name, ".text") ||
			strings.HasPrefix(name, ".rodata") ||
			strings.HasPrefix(name, ".literal") ||
			strings.HasPrefix(name, ".eh_frame") ||
			strings.HasPrefix(name, ".gcc_except_table") ||
			strings.HasPrefix(name, ".bss")
	case FormatPE:
		return name == ".text" || strings.HasPrefix(name, ".text$") ||
			name == ".rdata" || strings.HasPrefix(name, ".rdata$") ||
			name == ".xdata" ||
			name == ".pdata" ||
			name == ".bss"
	case FormatWasm:
		return name == "code" || name == "data"
	default:
		return false
	}
}

// DiffResult is the outcome of one two-build comparison. ModifiedSymbols is
// the single source of truth for "what changed"; the import set and the stub
// are derived from it and from the export/import name sets.
type DiffResult struct {
	// ModifiedFiles maps file name -> sorted locally-changed symbol names.
	// A file present only in the new build maps to an empty slice: the whole
	// file is new and must be linked in.
	ModifiedFiles map[string][]string

	// ModifiedSymbols is the global union of changed symbol names, with
	// file-local names disambiguated by the owning file's name.
	ModifiedSymbols []string

	// RequiredImports are the symbols that modified files import, that some
	// new-build file exports, but that no modified file provides: the patch
	// must satisfy them by jumping into the running process.
	RequiredImports []string

	graph callGraph
}

// PathToEntry returns the approximate caller chain from a modified symbol to
// a program entry point, for "why did this get flagged" diagnostics. Nil if
// no path is known.
func (r *DiffResult) PathToEntry(symbol string) []string {
	return r.graph.pathToEntry(symbol)
}

// Diff runs the full two-build comparison over the pass.
func (p *Pass) Diff() (*DiffResult, error) {
	modifiedFiles := make(map[string]map[string]struct{})
	modifiedSymbols := make(map[string]struct{})
	graph := make(callGraph)

	names := make([]string, 0, len(p.New))
	for name := range p.New {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := p.diffFile(name, modifiedFiles, modifiedSymbols, graph); err != nil {
			return nil, err
		}
	}

	res := &DiffResult{
		ModifiedFiles: make(map[string][]string, len(modifiedFiles)),
		graph:         graph,
	}
	for file, syms := range modifiedFiles {
		res.ModifiedFiles[file] = sortedKeys(syms)
	}
	res.ModifiedSymbols = sortedKeys(modifiedSymbols)
	res.RequiredImports = p.resolveImports(modifiedFiles)

	level.Info(p.logger).Log("msg", "diff complete",
		"modified_files", len(res.ModifiedFiles),
		"modified_symbols", len(res.ModifiedSymbols),
		"required_imports", len(res.RequiredImports))
	return res, nil
}

// diffFile compares one file of the new build against its old counterpart
func (p *Pass) diffFile(name string, modifiedFiles map[string]map[string]struct{}, modifiedSymbols map[string]struct{}, graph callGraph) error {
	newView := p.New[name]
	oldView, ok := p.Old[name]
	if !ok {
		// Whole file is new; downstream treats membership alone as "must be
		// linked in", so the symbol set stays empty.
		modifiedFiles[name] = make(map[string]struct{})
		level.Debug(p.logger).Log("msg", "new file", "file", name)
		return nil
	}

	changed := make(map[string]struct{})
	for si := range newView.sections {
		sec := &newView.sections[si]
		if !sectionEligible(newView.Format, sec.Name) {
			continue
		}
		if err := p.accumulateChanged(oldView, newView, sec, changed); err != nil {
			return err
		}
	}

	if len(changed) > 0 {
		set, ok := modifiedFiles[name]
		if !ok {
			set = make(map[string]struct{})
			modifiedFiles[name] = set
		}
		for c := range changed {
			set[c] = struct{}{}
			modifiedSymbols[newView.disambiguate(c, name)] = struct{}{}
		}
		level.Debug(p.logger).Log("msg", "file changed", "file", name, "symbols", len(changed))
	}

	// Merge this file's parent map into the global graph, with the same
	// local-name rewriting
	for child, parents := range newView.parents {
		childName := newView.disambiguate(child, name)
		for parent := range parents {
			graph.addEdge(childName, newView.disambiguate(parent, name))
		}
	}
	return nil
}

// accumulateChanged diffs one eligible section symbol-by-symbol
func (p *Pass) accumulateChanged(oldView, newView *ObjectView, sec *Section, changed map[string]struct{}) error {
	newSyms, err := segmentSection(newView, sec)
	if err != nil {
		return err
	}
	if len(newSyms) == 0 {
		return nil
	}

	oldSyms := make(map[string]*RelocatedSymbol)
	if oldSec := oldView.sectionByName(sec.Name); oldSec != nil {
		segs, err := segmentSection(oldView, oldSec)
		if err != nil {
			return err
		}
		for i := range segs {
			oldSyms[segs[i].Name] = &segs[i]
		}
	}

	for i := range newSyms {
		right := &newSyms[i]
		left, ok := oldSyms[right.Name]
		if !ok {
			changed[right.Name] = struct{}{}
			continue
		}
		if !compareMasked(oldView, newView, left, right) {
			changed[right.Name] = struct{}{}
			level.Debug(p.logger).Log("msg", "symbol changed", "symbol", right.Name,
				"old_fp", left.Fingerprint(), "new_fp", right.Fingerprint())
		}
	}
	return nil
}

// resolveImports computes the imports that modified files need but the patch
// itself will not provide: these must resolve into the running process.
func (p *Pass) resolveImports(modifiedFiles map[string]map[string]struct{}) []string {
	allExports := make(map[string]struct{})
	for _, v := range p.New {
		for _, e := range v.Exports() {
			allExports[e] = struct{}{}
		}
	}

	required := make(map[string]struct{})
	satisfied := make(map[string]struct{})
	for file := range modifiedFiles {
		v, ok := p.New[file]
		if !ok {
			continue
		}
		for _, imp := range v.Imports() {
			if _, ok := allExports[imp]; ok {
				required[imp] = struct{}{}
			}
		}
		for _, e := range v.Exports() {
			satisfied[e] = struct{}{}
		}
	}

	for s := range satisfied {
		delete(required, s)
	}
	return sortedKeys(required)
}

// disambiguate rewrites file-local symbol names by appending the owning file
// name, since the same private name may exist, unrelated, in multiple files.
// Global symbols keep their name as-is: on Mach-O, demangling strips the
// leading underscore, so a global like "_log" becomes "log" and would
// otherwise collide with the "l"-prefix local-label convention.
func (v *ObjectView) disambiguate(symbol, file string) string {
	if sym, ok := v.SymbolByName(symbol); ok && sym.Global {
		return symbol
	}
	if isLocalName(v.Format, symbol) {
		return symbol + "_" + file
	}
	return symbol
}

// sectionByName returns the first section with the given name, or nil
func (v *ObjectView) sectionByName(name string) *Section {
	for i := range v.sections {
		if v.sections[i].Name == name {
			return &v.sections[i]
		}
	}
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

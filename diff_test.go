package patch67

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
)

// diffPass wraps hand-built views in a Pass
func diffPass(old, new map[string]*ObjectView) *Pass {
	return &Pass{
		Target: Target{Arch: ArchX86_64, OS: OSLinux},
		Old:    old,
		New:    new,
		logger: log.NewNopLogger(),
	}
}

// fileView builds a one-section object with the given text symbols laid out
// back to back, plus optional undefined imports.
func fileView(name string, data []byte, defined []Symbol, imports ...string) *ObjectView {
	symbols := append([]Symbol(nil), defined...)
	for _, imp := range imports {
		symbols = append(symbols, Symbol{
			Name: imp, Index: len(symbols) + 1, Section: -1, Global: true,
		})
	}
	sec := Section{Name: ".text", Index: 0, Size: uint64(len(data)), Data: data}
	return testView(FormatELF, name, []Section{sec}, symbols)
}

func TestDiffIdempotent(t *testing.T) {
	build := func() map[string]*ObjectView {
		return map[string]*ObjectView{
			"a.o": fileView("a.o", []byte{1, 2, 3, 4}, []Symbol{textSymbol("foo", 1, 0, 4, 0)}),
			"b.o": fileView("b.o", []byte{5, 6, 7, 8}, []Symbol{textSymbol("bar", 1, 0, 4, 0)}),
		}
	}
	p := diffPass(build(), build())

	res, err := p.Diff()
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if len(res.ModifiedFiles) != 0 {
		t.Errorf("Identical builds produced modified files: %v", res.ModifiedFiles)
	}
	if len(res.ModifiedSymbols) != 0 {
		t.Errorf("Identical builds produced modified symbols: %v", res.ModifiedSymbols)
	}
	if len(res.RequiredImports) != 0 {
		t.Errorf("Identical builds produced required imports: %v", res.RequiredImports)
	}
}

func TestDiffDetectsChangedSymbol(t *testing.T) {
	old := map[string]*ObjectView{
		"a.o": fileView("a.o", []byte{1, 2, 3, 4, 5, 6, 7, 8}, []Symbol{
			textSymbol("foo", 1, 0, 4, 0),
			textSymbol("bar", 2, 4, 4, 0),
		}),
	}
	new := map[string]*ObjectView{
		"a.o": fileView("a.o", []byte{1, 2, 3, 4, 5, 6, 7, 9}, []Symbol{
			textSymbol("foo", 1, 0, 4, 0),
			textSymbol("bar", 2, 4, 4, 0),
		}),
	}
	res, err := diffPass(old, new).Diff()
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	if diff := cmp.Diff([]string{"bar"}, res.ModifiedSymbols); diff != "" {
		t.Errorf("Modified symbols mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string][]string{"a.o": {"bar"}}, res.ModifiedFiles); diff != "" {
		t.Errorf("Modified files mismatch (-want +got):\n%s", diff)
	}
}

func TestDiffNewFile(t *testing.T) {
	old := map[string]*ObjectView{
		"a.o": fileView("a.o", []byte{1, 2, 3, 4}, []Symbol{textSymbol("foo", 1, 0, 4, 0)}),
	}
	new := map[string]*ObjectView{
		"a.o": fileView("a.o", []byte{1, 2, 3, 4}, []Symbol{textSymbol("foo", 1, 0, 4, 0)}),
		"c.o": fileView("c.o", []byte{9, 9, 9, 9}, []Symbol{textSymbol("baz", 1, 0, 4, 0)}),
	}
	res, err := diffPass(old, new).Diff()
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	syms, ok := res.ModifiedFiles["c.o"]
	if !ok {
		t.Fatal("A file present only in the new build must be reported as modified")
	}
	if len(syms) != 0 {
		t.Errorf("A whole-file-new entry must carry no symbol list, got %v", syms)
	}
	if _, ok := res.ModifiedFiles["a.o"]; ok {
		t.Error("The unchanged file must not be reported")
	}
}

func TestDiffRequiredImports(t *testing.T) {
	// foo (in a.o) changed; it calls bar (unchanged, in b.o) and printf (libc,
	// exported by nothing here). The patch must import bar from the running
	// process; printf is the dynamic loader's problem.
	oldA := fileView("a.o", []byte{1, 2, 3, 4}, []Symbol{textSymbol("foo", 1, 0, 4, 0)}, "bar", "printf")
	newA := fileView("a.o", []byte{1, 2, 3, 9}, []Symbol{textSymbol("foo", 1, 0, 4, 0)}, "bar", "printf")
	oldB := fileView("b.o", []byte{5, 6, 7, 8}, []Symbol{textSymbol("bar", 1, 0, 4, 0)})
	newB := fileView("b.o", []byte{5, 6, 7, 8}, []Symbol{textSymbol("bar", 1, 0, 4, 0)})

	res, err := diffPass(
		map[string]*ObjectView{"a.o": oldA, "b.o": oldB},
		map[string]*ObjectView{"a.o": newA, "b.o": newB},
	).Diff()
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	if diff := cmp.Diff([]string{"bar"}, res.RequiredImports); diff != "" {
		t.Errorf("Required imports mismatch (-want +got):\n%s", diff)
	}
}

func TestDiffImportSatisfiedByModifiedFile(t *testing.T) {
	// Both files changed; a.o imports bar but the patch links b.o too, so bar
	// needs no stub.
	oldA := fileView("a.o", []byte{1, 2, 3, 4}, []Symbol{textSymbol("foo", 1, 0, 4, 0)}, "bar")
	newA := fileView("a.o", []byte{1, 2, 3, 9}, []Symbol{textSymbol("foo", 1, 0, 4, 0)}, "bar")
	oldB := fileView("b.o", []byte{5, 6, 7, 8}, []Symbol{textSymbol("bar", 1, 0, 4, 0)})
	newB := fileView("b.o", []byte{5, 6, 7, 9}, []Symbol{textSymbol("bar", 1, 0, 4, 0)})

	res, err := diffPass(
		map[string]*ObjectView{"a.o": oldA, "b.o": oldB},
		map[string]*ObjectView{"a.o": newA, "b.o": newB},
	).Diff()
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	if len(res.RequiredImports) != 0 {
		t.Errorf("Imports satisfied by modified files must not need a stub, got %v", res.RequiredImports)
	}
}

func TestDiffLocalNameDisambiguation(t *testing.T) {
	// The same assembler-local name can exist, unrelated, in several files;
	// the global symbol list qualifies it with the owning file.
	local := textSymbol(".Lanon", 1, 0, 4, 0)
	local.Global = false
	old := map[string]*ObjectView{
		"a.o": fileView("a.o", []byte{1, 2, 3, 4}, []Symbol{local}),
	}
	new := map[string]*ObjectView{
		"a.o": fileView("a.o", []byte{1, 2, 3, 9}, []Symbol{local}),
	}
	res, err := diffPass(old, new).Diff()
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	if diff := cmp.Diff([]string{".Lanon_a.o"}, res.ModifiedSymbols); diff != "" {
		t.Errorf("Disambiguated symbols mismatch (-want +got):\n%s", diff)
	}
}

func TestDiffMachOGlobalKeepsName(t *testing.T) {
	// On Mach-O the global "_log" demangles to "log", which happens to carry
	// the "l" prefix of assembler-local labels. Binding decides: a global is
	// never qualified with the file name, a genuine local still is.
	build := func(b byte) *ObjectView {
		sec := Section{Name: "__text", Index: 0, Size: 8, Data: []byte{1, 2, 3, b, 5, 6, 7, b}}
		ltmp := textSymbol("ltmp0", 2, 4, 4, 0)
		ltmp.Global = false
		return testView(FormatMachO, "a.o", []Section{sec}, []Symbol{
			textSymbol("log", 1, 0, 4, 0),
			ltmp,
		})
	}
	res, err := diffPass(
		map[string]*ObjectView{"a.o": build(4)},
		map[string]*ObjectView{"a.o": build(9)},
	).Diff()
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	if diff := cmp.Diff([]string{"log", "ltmp0_a.o"}, res.ModifiedSymbols); diff != "" {
		t.Errorf("Modified symbols mismatch (-want +got):\n%s", diff)
	}
}

func TestDiffIneligibleSectionIgnored(t *testing.T) {
	build := func(b byte) *ObjectView {
		sec := Section{Name: ".debug_info", Index: 0, Size: 4, Data: []byte{1, 2, 3, b}}
		return testView(FormatELF, "a.o", []Section{sec}, []Symbol{
			{Name: "dbg", Index: 1, Addr: 0, Size: 4, Section: 0, Defined: true},
		})
	}
	res, err := diffPass(
		map[string]*ObjectView{"a.o": build(4)},
		map[string]*ObjectView{"a.o": build(9)},
	).Diff()
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if len(res.ModifiedFiles) != 0 {
		t.Errorf("Debug-info changes must not flag anything, got %v", res.ModifiedFiles)
	}
}

func TestPathToEntry(t *testing.T) {
	v := fileView("a.o", []byte{1, 2, 3, 4}, []Symbol{textSymbol("leaf", 1, 0, 4, 0)})
	v.parents = map[string]map[string]struct{}{
		"leaf": {"mid": {}},
		"mid":  {"main": {}},
	}
	res, err := diffPass(map[string]*ObjectView{"a.o": v}, map[string]*ObjectView{"a.o": v}).Diff()
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	if diff := cmp.Diff([]string{"leaf", "mid", "main"}, res.PathToEntry("leaf")); diff != "" {
		t.Errorf("Path mismatch (-want +got):\n%s", diff)
	}
	if res.PathToEntry("mid") == nil {
		t.Error("Expected a path from mid")
	}
	if res.PathToEntry("nosuch") != nil {
		t.Error("Expected no path for an unknown symbol")
	}
}
